package auth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/verdant-pos/verdant/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	tokens *TokenManager
}

// NewService constructs a new Service.
func NewService(repo Repository, tokens *TokenManager) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Authenticate validates username/password credentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Operator, error) {
	op, err := s.repo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !op.IsActive {
		return nil, shared.ErrInactiveAccount
	}
	return op, nil
}

// Login authenticates and opens a session, recording it for auditing.
func (s *Service) Login(ctx context.Context, username, password, ip, ua string) (*Session, error) {
	op, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	sess, err := s.tokens.Issue(*op)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateSession(ctx, sess.ID, op.ID, sess.ExpiresAt, ip, ua); err != nil {
		return nil, err
	}
	return sess, nil
}

// Logout revokes the token and removes the session record.
func (s *Service) Logout(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	if err := s.tokens.Revoke(ctx, sess); err != nil {
		return err
	}
	return s.repo.DeleteSession(ctx, sess.ID)
}

// HashPassword produces a bcrypt hash for seeding operator accounts.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// sessionLifetime is exposed to the handler for the expires_in field.
func (s *Service) sessionLifetime() time.Duration {
	return s.tokens.TTL()
}
