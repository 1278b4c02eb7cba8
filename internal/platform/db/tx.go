package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrCommitRolledBack means the server aborted the transaction at commit.
var ErrCommitRolledBack = errors.New("platform/db: commit rolled back")

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// WithTx runs fn in a ReadCommitted transaction. Guarded writes such as
// UPDATE ... WHERE status = 'pending' wait on the row lock and then see the
// committed status, so the losing writer affects zero rows.
func WithTx(ctx context.Context, conn Beginner, fn func(pgx.Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		// Rollback must reach the server even when ctx is already done.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("platform/db: rollback tx: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxCommitRollback) {
			return ErrCommitRolledBack
		}
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	committed = true
	return nil
}
