package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdant-pos/verdant/internal/shared"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (*Operator, error)
	CreateSession(ctx context.Context, id string, operatorID int64, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByUsername fetches an operator by login name.
func (r *PGRepository) FindByUsername(ctx context.Context, username string) (*Operator, error) {
	const query = `
		SELECT id, username, display_name, password_hash, role, organization_id, is_active, created_at, updated_at
		FROM operators WHERE username = $1`
	var (
		op          Operator
		displayName pgtype.Text
	)
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&op.ID,
		&op.Username,
		&displayName,
		&op.PasswordHash,
		&op.Role,
		&op.OrganizationID,
		&op.IsActive,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	op.DisplayName = displayName.String
	return &op, nil
}

// CreateSession persists a new login session in the database for auditing.
func (r *PGRepository) CreateSession(ctx context.Context, id string, operatorID int64, expiresAt time.Time, ip, ua string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO operator_sessions (id, operator_id, created_at, expires_at, ip, ua) VALUES ($1, $2, $3, $4, $5, $6)`,
		id,
		operatorID,
		time.Now().UTC(),
		expiresAt.UTC(),
		pgtype.Text{String: ip, Valid: ip != ""},
		pgtype.Text{String: ua, Valid: ua != ""},
	)
	return err
}

// DeleteSession removes a session record from the database.
func (r *PGRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM operator_sessions WHERE id = $1`, id)
	return err
}

var _ Repository = (*PGRepository)(nil)
