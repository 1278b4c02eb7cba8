package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken covers malformed, expired and revoked tokens.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

const tokenIssuer = "verdant"

type operatorClaims struct {
	jwtlib.RegisteredClaims
	Name         string `json:"name"`
	Role         string `json:"role"`
	Organization string `json:"org"`
}

// RevocationStore remembers logged-out token ids until they would expire anyway.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// TokenManager signs and verifies HS256 operator tokens.
type TokenManager struct {
	secret      []byte
	ttl         time.Duration
	revocations RevocationStore
	clock       func() time.Time
}

// NewTokenManager constructs a TokenManager. revocations may be nil.
func NewTokenManager(secret string, ttl time.Duration, revocations RevocationStore) *TokenManager {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &TokenManager{
		secret:      []byte(secret),
		ttl:         ttl,
		revocations: revocations,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// TTL returns the token lifetime.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a new session token for op.
func (m *TokenManager) Issue(op Operator) (*Session, error) {
	now := m.clock()
	sess := &Session{
		ID:             uuid.NewString(),
		OperatorID:     op.ID,
		OperatorName:   op.DisplayName,
		Role:           op.Role,
		OrganizationID: op.OrganizationID,
		ExpiresAt:      now.Add(m.ttl),
	}
	if sess.OperatorName == "" {
		sess.OperatorName = op.Username
	}
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        sess.ID,
			Subject:   fmt.Sprintf("%d", op.ID),
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(sess.ExpiresAt),
		},
		Name:         sess.OperatorName,
		Role:         sess.Role,
		Organization: sess.OrganizationID,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}
	sess.Token = token
	return sess, nil
}

// Parse verifies raw and rebuilds its session.
func (m *TokenManager) Parse(ctx context.Context, raw string) (*Session, error) {
	claims := &operatorClaims{}
	token, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		return m.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithTimeFunc(m.clock),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	var operatorID int64
	if _, err := fmt.Sscanf(claims.Subject, "%d", &operatorID); err != nil || operatorID <= 0 {
		return nil, ErrInvalidToken
	}
	if m.revocations != nil && claims.ID != "" {
		revoked, err := m.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("auth: check revocation: %w", err)
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}
	sess := &Session{
		ID:             claims.ID,
		Token:          raw,
		OperatorID:     operatorID,
		OperatorName:   claims.Name,
		Role:           claims.Role,
		OrganizationID: claims.Organization,
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// Revoke ends sess before its natural expiry.
func (m *TokenManager) Revoke(ctx context.Context, sess *Session) error {
	if sess == nil || m.revocations == nil {
		return nil
	}
	return m.revocations.Revoke(ctx, sess.ID, sess.ExpiresAt)
}

// RedisRevocations keeps revoked token ids in Redis with a matching TTL.
type RedisRevocations struct {
	client *redis.Client
}

// NewRedisRevocations constructs the store.
func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func revocationKey(tokenID string) string {
	return "auth:revoked:" + tokenID
}

// Revoke implements RevocationStore.
func (r *RedisRevocations) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, revocationKey(tokenID), 1, ttl).Err()
}

// IsRevoked implements RevocationStore.
func (r *RedisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
