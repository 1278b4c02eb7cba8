package rma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/verdant-pos/verdant/internal/platform/db"
)

// PGRepository provides PostgreSQL backed persistence for RMAs and invoices.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var (
	_ RepositoryPort = (*PGRepository)(nil)
	_ InvoiceReader  = (*PGRepository)(nil)
)

const rmaColumns = `id, number, organization_id, invoice_id, invoice_number, customer, items,
	total_value, reason, reason_detail, status, refund, destruction, created_by, created_at, updated_at`

// --- RMA Operations ---

// Create inserts a new pending RMA.
func (r *PGRepository) Create(ctx context.Context, rma RMA) error {
	customer, err := json.Marshal(rma.Customer)
	if err != nil {
		return err
	}
	items, err := json.Marshal(rma.Items)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO rmas (
			id, number, organization_id, invoice_id, invoice_number, customer, items,
			total_value, reason, reason_detail, status, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = r.pool.Exec(ctx, query,
		rma.ID,
		rma.Number,
		rma.OrganizationID,
		rma.InvoiceID,
		rma.InvoiceNumber,
		customer,
		items,
		rma.TotalValue,
		string(rma.Reason),
		rma.ReasonDetail,
		string(rma.Status),
		rma.CreatedBy,
		rma.CreatedAt,
		rma.UpdatedAt,
	)
	return err
}

// Get loads one RMA by id.
func (r *PGRepository) Get(ctx context.Context, id string) (RMA, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rmaColumns+` FROM rmas WHERE id = $1`, id)
	rma, err := scanRMA(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RMA{}, ErrNotFound
	}
	return rma, err
}

// List returns RMAs newest first. A zero PerPage returns every match.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]RMA, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + rmaColumns + ` FROM rmas` + where + ` ORDER BY created_at DESC, id`
	if filter.PerPage > 0 {
		args = append(args, filter.PerPage, filter.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]RMA, 0)
	for rows.Next() {
		rma, err := scanRMA(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rma)
	}
	return result, rows.Err()
}

// Count returns the number of RMAs matching the filter.
func (r *PGRepository) Count(ctx context.Context, filter ListFilter) (int, error) {
	where, args := filterClause(filter)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rmas`+where, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// Settled returns the subset of ids whose RMA reached a terminal status.
func (r *PGRepository) Settled(ctx context.Context, ids []string) (map[string]bool, error) {
	settled := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return settled, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM rmas WHERE id = ANY($1) AND status IN ($2, $3)`,
		ids, string(StatusRefunded), string(StatusDestroyed))
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		settled[id] = true
	}
	return settled, nil
}

// FinalizeRefund moves a pending RMA to refunded.
func (r *PGRepository) FinalizeRefund(ctx context.Context, id string, rec RefundRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.finalize(ctx, `UPDATE rmas SET status = $2, refund = $3, updated_at = $4 WHERE id = $1 AND status = $5`,
		id, string(StatusRefunded), payload, rec.ProcessedAt, string(StatusPending))
}

// FinalizeDestruction moves a pending RMA to destroyed.
func (r *PGRepository) FinalizeDestruction(ctx context.Context, id string, rec DestructionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.finalize(ctx, `UPDATE rmas SET status = $2, destruction = $3, updated_at = $4 WHERE id = $1 AND status = $5`,
		id, string(StatusDestroyed), payload, rec.DestroyedAt, string(StatusPending))
}

func (r *PGRepository) finalize(ctx context.Context, query string, args ...any) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rmas WHERE id = $1)`, args[0]).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyFinalized
	})
}

// --- Invoice Operations ---

// GetInvoice loads a completed sale with its organization block.
func (r *PGRepository) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	query := `
		SELECT i.id, i.number, o.id, o.name, o.license, o.address, o.phone,
			i.customer, i.items, i.state_reported, i.reported_at, i.manifest_id, i.issued_at
		FROM invoices i
		JOIN organizations o ON o.id = i.organization_id
		WHERE i.id = $1`

	var (
		inv        Invoice
		customer   []byte
		items      []byte
		license    pgtype.Text
		address    pgtype.Text
		phone      pgtype.Text
		reportedAt pgtype.Timestamptz
		manifestID pgtype.Text
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&inv.ID,
		&inv.Number,
		&inv.Organization.ID,
		&inv.Organization.Name,
		&license,
		&address,
		&phone,
		&customer,
		&items,
		&inv.StateReported,
		&reportedAt,
		&manifestID,
		&inv.IssuedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	inv.Organization.License = license.String
	inv.Organization.Address = address.String
	inv.Organization.Phone = phone.String
	inv.ManifestID = manifestID.String
	if reportedAt.Valid {
		t := reportedAt.Time
		inv.ReportedAt = &t
	}
	if err := unmarshalOptional(customer, &inv.Customer); err != nil {
		return Invoice{}, fmt.Errorf("rma: decode invoice customer: %w", err)
	}
	if err := unmarshalOptional(items, &inv.Items); err != nil {
		return Invoice{}, fmt.Errorf("rma: decode invoice items: %w", err)
	}
	return inv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRMA(row rowScanner) (RMA, error) {
	var (
		rma          RMA
		customer     []byte
		items        []byte
		refund       []byte
		destruction  []byte
		reason       string
		status       string
		reasonDetail pgtype.Text
		total        decimal.Decimal
	)
	if err := row.Scan(
		&rma.ID,
		&rma.Number,
		&rma.OrganizationID,
		&rma.InvoiceID,
		&rma.InvoiceNumber,
		&customer,
		&items,
		&total,
		&reason,
		&reasonDetail,
		&status,
		&refund,
		&destruction,
		&rma.CreatedBy,
		&rma.CreatedAt,
		&rma.UpdatedAt,
	); err != nil {
		return RMA{}, err
	}
	rma.TotalValue = total
	rma.Reason = ReasonCode(reason)
	rma.ReasonDetail = reasonDetail.String
	rma.Status = Status(status)
	if err := unmarshalOptional(customer, &rma.Customer); err != nil {
		return RMA{}, err
	}
	if err := unmarshalOptional(items, &rma.Items); err != nil {
		return RMA{}, err
	}
	if len(refund) > 0 {
		rma.Refund = &RefundRecord{}
		if err := json.Unmarshal(refund, rma.Refund); err != nil {
			return RMA{}, err
		}
	}
	if len(destruction) > 0 {
		rma.Destruction = &DestructionRecord{}
		if err := json.Unmarshal(destruction, rma.Destruction); err != nil {
			return RMA{}, err
		}
	}
	return rma, nil
}

func filterClause(filter ListFilter) (string, []any) {
	conds := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		conds = append(conds, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.InvoiceID != "" {
		args = append(args, filter.InvoiceID)
		conds = append(conds, fmt.Sprintf("invoice_id = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func unmarshalOptional(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
