package auth

import (
	"context"
	"time"
)

// Session is the authenticated identity of one request. It is created by
// TokenManager and passed explicitly through the request context; nothing
// about it is held in package state.
type Session struct {
	ID             string
	Token          string
	OperatorID     int64
	OperatorName   string
	Role           string
	OrganizationID string
	ExpiresAt      time.Time
}

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}
