package rma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/verdant-pos/verdant/internal/shared"
)

// RepositoryPort abstracts RMA persistence for the service.
type RepositoryPort interface {
	Create(ctx context.Context, r RMA) error
	Get(ctx context.Context, id string) (RMA, error)
	List(ctx context.Context, filter ListFilter) ([]RMA, error)
	Count(ctx context.Context, filter ListFilter) (int, error)
	// FinalizeRefund and FinalizeDestruction commit a terminal state only while
	// the row is still pending; otherwise they return ErrAlreadyFinalized.
	FinalizeRefund(ctx context.Context, id string, rec RefundRecord) error
	FinalizeDestruction(ctx context.Context, id string, rec DestructionRecord) error
}

// InvoiceReader loads completed sales.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, id string) (Invoice, error)
}

// CashRefundRequest is sent to the payments integration.
type CashRefundRequest struct {
	RMAID      string
	RMANumber  string
	Amount     decimal.Decimal
	RegisterID string
	Notes      string
	Operator   Operator
}

// PaymentsPort completes a cash refund at the register.
type PaymentsPort interface {
	CompleteCashRefund(ctx context.Context, req CashRefundRequest) (RefundRecord, error)
}

// TrackingPort reports destroyed product to the state traceability system.
type TrackingPort interface {
	ReportDestruction(ctx context.Context, items []RegulatedItem, rec DestructionRecord) (string, error)
}

// PrinterPort hands a composed receipt to the printing subsystem.
type PrinterPort interface {
	Print(ctx context.Context, receipt Receipt) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort claims and releases processed keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Locker provides per-key mutual exclusion. Acquire blocks until the key is
// free or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// TransitionObserver records the outcome of each transition attempt.
type TransitionObserver interface {
	ObserveTransition(action, outcome string)
}

// Integrations groups the external collaborators.
type Integrations struct {
	Payments PaymentsPort
	Tracking TrackingPort
	Printer  PrinterPort
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Location *time.Location
	Logger   *slog.Logger
	Observer TransitionObserver
}

// Service owns the RMA state machine.
type Service struct {
	repo         RepositoryPort
	invoices     InvoiceReader
	locker       Locker
	audit        AuditPort
	idempotency  IdempotencyPort
	integrations Integrations
	location     *time.Location
	logger       *slog.Logger
	observer     TransitionObserver
	clock        func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, invoices InvoiceReader, locker Locker, audit AuditPort, idem IdempotencyPort, integrations Integrations, cfg ServiceConfig) *Service {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		invoices:     invoices,
		locker:       locker,
		audit:        audit,
		idempotency:  idem,
		integrations: integrations,
		location:     loc,
		logger:       logger.With(slog.String("module", "rma")),
		observer:     cfg.Observer,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

const (
	actionRefund  = "refund"
	actionDestroy = "destroy"
)

// RefundOutcome is returned after a committed refund. PrintErr is set when
// the receipt could not be handed to the printer; the refund stands regardless.
type RefundOutcome struct {
	RMA      RMA
	Receipt  *Receipt
	PrintErr error
}

// DestructionOutcome is returned after a committed destruction.
type DestructionOutcome struct {
	RMA      RMA
	Report   *Receipt
	Reported bool
	PrintErr error
}

// ComplianceSummary is the display form of an RMA's regulated content.
type ComplianceSummary struct {
	Totals           Totals              `json:"totals"`
	Formatted        FormattedTotals     `json:"formatted"`
	TrackedItemCount int                 `json:"tracked_item_count"`
	Reporting        ReportingObligation `json:"reporting"`
}

// Create opens a pending RMA against an invoice.
func (s *Service) Create(ctx context.Context, input CreateInput, op Operator) (RMA, error) {
	if !input.Reason.IsValid() {
		return RMA{}, ErrUnknownReason
	}
	if len(input.Lines) == 0 {
		return RMA{}, fmt.Errorf("%w: at least one line is required", ErrInvalidItems)
	}
	invoice, err := s.invoices.GetInvoice(ctx, input.InvoiceID)
	if err != nil {
		return RMA{}, err
	}
	if invoice.Organization.ID != input.OrganizationID {
		return RMA{}, ErrInvoiceNotFound
	}
	if err := invoice.Validate(); err != nil {
		return RMA{}, err
	}
	if s.locker == nil {
		return RMA{}, errors.New("rma: locker not configured")
	}
	// Prior returns are read and the new one inserted under one lock so
	// concurrent returns cannot exceed the invoiced quantity.
	release, err := s.locker.Acquire(ctx, shared.InvoiceReturnsLockKey(invoice.ID))
	if err != nil {
		return RMA{}, err
	}
	defer release()
	returned, err := s.returnedQuantities(ctx, invoice.ID)
	if err != nil {
		return RMA{}, err
	}

	items := make([]RegulatedItem, 0, len(input.Lines))
	total := decimal.Zero
	seen := make(map[string]bool, len(input.Lines))
	for idx, line := range input.Lines {
		if seen[line.ItemID] {
			return RMA{}, fmt.Errorf("line %d: %w: duplicate item %s", idx+1, ErrInvalidItems, line.ItemID)
		}
		seen[line.ItemID] = true
		item, ok := invoice.Item(line.ItemID)
		if !ok {
			return RMA{}, fmt.Errorf("line %d: %w: item %s not on invoice", idx+1, ErrInvalidItems, line.ItemID)
		}
		if line.Quantity <= 0 {
			return RMA{}, fmt.Errorf("line %d: %w: quantity must be greater than zero", idx+1, ErrInvalidItems)
		}
		remaining := item.EffectiveQuantity() - returned[item.ID]
		if line.Quantity > remaining+1e-9 {
			return RMA{}, fmt.Errorf("line %d: %w: only %.2f units left to return", idx+1, ErrInvalidItems, remaining)
		}
		if item.hasNegativeContent() {
			return RMA{}, fmt.Errorf("line %d: %w", idx+1, ErrNegativeContent)
		}
		item = item.withQuantity(line.Quantity)
		total = total.Add(item.LineTotal())
		items = append(items, item)
	}

	customer := invoice.Customer
	if input.Customer != nil {
		customer = *input.Customer
	}
	now := s.now()
	r := RMA{
		ID:             uuid.NewString(),
		Number:         newDocumentNumber("RMA", now),
		OrganizationID: invoice.Organization.ID,
		InvoiceID:      invoice.ID,
		InvoiceNumber:  invoice.Number,
		Customer:       customer,
		Items:          items,
		TotalValue:     total,
		Reason:         input.Reason,
		ReasonDetail:   strings.TrimSpace(input.ReasonDetail),
		Status:         StatusPending,
		CreatedBy:      op.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return RMA{}, fmt.Errorf("rma: create: %w", err)
	}
	s.record(ctx, op, "rma:create", r.ID, map[string]any{
		"number":      r.Number,
		"invoice_id":  r.InvoiceID,
		"total_value": r.TotalValue.StringFixed(2),
		"reason":      string(r.Reason),
	})
	return r, nil
}

// Get returns a single RMA.
func (s *Service) Get(ctx context.Context, id string) (RMA, error) {
	if strings.TrimSpace(id) == "" {
		return RMA{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// Page is one page of an RMA listing.
type Page struct {
	Items      []RMA             `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// List returns one page of RMAs matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) (Page, error) {
	if filter.PerPage <= 0 || filter.PerPage > 200 {
		filter.PerPage = 50
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)}, nil
}

// ComplianceSummary aggregates regulated content for display.
func (s *Service) ComplianceSummary(ctx context.Context, id string) (ComplianceSummary, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return ComplianceSummary{}, err
	}
	totals := Aggregate(r.Items)
	tracked := CountTracked(r.Items)
	reporting := ReportingInternalOnly
	if tracked > 0 {
		reporting = ReportingRequired
	}
	return ComplianceSummary{
		Totals:           totals,
		Formatted:        totals.Format(),
		TrackedItemCount: tracked,
		Reporting:        reporting,
	}, nil
}

// Refund moves a pending RMA to refunded after the payments integration
// completes the cash refund.
func (s *Service) Refund(ctx context.Context, id string, draft RefundDraft, op Operator) (RefundOutcome, error) {
	draft = draft.Normalize()
	return exclusive(ctx, s, id, func(ctx context.Context) (RefundOutcome, error) {
		out, err := s.refund(ctx, id, draft, op)
		s.observe(actionRefund, err)
		return out, err
	})
}

// Destroy moves a pending RMA to destroyed, reporting to the tracking
// integration when any item carries a tracking identifier.
func (s *Service) Destroy(ctx context.Context, id string, draft DestructionDraft, op Operator) (DestructionOutcome, error) {
	return exclusive(ctx, s, id, func(ctx context.Context) (DestructionOutcome, error) {
		out, err := s.destroy(ctx, id, draft, op)
		s.observe(actionDestroy, err)
		return out, err
	})
}

// Receipt recomposes the receipt or report of a finalized RMA.
func (s *Service) Receipt(ctx context.Context, id string) (Receipt, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	rc, err := s.receiptContext(ctx, r)
	if err != nil {
		return Receipt{}, err
	}
	switch {
	case r.Status == StatusRefunded && r.Refund != nil:
		return ComposeRefundReceipt(rc, r, *r.Refund)
	case r.Status == StatusDestroyed && r.Destruction != nil:
		return ComposeDestructionReport(rc, r, *r.Destruction)
	default:
		return Receipt{}, ErrNotFinalized
	}
}

// Reprint sends the receipt of a finalized RMA to the printer again.
func (s *Service) Reprint(ctx context.Context, id string, op Operator) (Receipt, error) {
	receipt, err := s.Receipt(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if err := s.print(ctx, receipt); err != nil {
		return receipt, err
	}
	s.record(ctx, op, "rma:reprint", id, map[string]any{"receipt_number": receipt.Number})
	return receipt, nil
}

// exclusive runs fn while holding the RMA's lock. fn runs on a context that
// ignores caller cancellation so an in-flight external call always resolves
// and releases the lock; the caller may still stop waiting.
func exclusive[T any](ctx context.Context, s *Service, id string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if s.locker == nil {
		return zero, errors.New("rma: locker not configured")
	}
	release, err := s.locker.Acquire(ctx, shared.RMALockKey(id))
	if err != nil {
		return zero, err
	}
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer release()
		value, err := fn(context.WithoutCancel(ctx))
		done <- result{value: value, err: err}
	}()
	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Service) refund(ctx context.Context, id string, draft RefundDraft, op Operator) (RefundOutcome, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return RefundOutcome{}, err
	}
	if err := ValidateRefund(r, draft); err != nil {
		return RefundOutcome{}, err
	}
	if s.integrations.Payments == nil {
		return RefundOutcome{}, errors.New("rma: payments integration not configured")
	}

	key := idempotencyKey(id)
	claimed, err := s.claim(ctx, key)
	if err != nil {
		return RefundOutcome{}, err
	}

	rec, err := s.integrations.Payments.CompleteCashRefund(ctx, CashRefundRequest{
		RMAID:      r.ID,
		RMANumber:  r.Number,
		Amount:     draft.Amount,
		RegisterID: draft.RegisterID,
		Notes:      draft.Notes,
		Operator:   op,
	})
	if err != nil {
		s.release(ctx, claimed, key)
		s.logger.Warn("cash refund failed", slog.String("rma_id", id), slog.Any("error", err))
		return RefundOutcome{}, &ExternalCallError{Op: "complete cash refund", Err: err}
	}
	if !rec.Amount.IsZero() && !rec.Amount.Equal(draft.Amount) {
		// Something left the drawer; keep the key so the refund cannot repeat
		// until the payout is reconciled by hand.
		s.logger.Error("cash refund payout mismatch",
			slog.String("rma_id", id),
			slog.String("requested", draft.Amount.String()),
			slog.String("paid_out", rec.Amount.String()))
		return RefundOutcome{}, &ExternalCallError{
			Op:  "complete cash refund",
			Err: fmt.Errorf("%w: requested %s, payments reported %s", ErrPayoutMismatch, draft.Amount.String(), rec.Amount.String()),
		}
	}
	rec = s.completeRefundRecord(rec, draft, op)

	if err := s.repo.FinalizeRefund(ctx, id, rec); err != nil {
		// Cash already left the drawer; keep the key so the refund cannot repeat.
		s.logger.Error("commit refund after payment", slog.String("rma_id", id), slog.Any("error", err))
		return RefundOutcome{}, fmt.Errorf("rma: commit refund: %w", err)
	}
	r.Status = StatusRefunded
	r.Refund = &rec
	r.UpdatedAt = rec.ProcessedAt

	s.record(ctx, op, "rma:refund", id, map[string]any{
		"amount":         rec.Amount.StringFixed(2),
		"register_id":    rec.RegisterID,
		"receipt_number": rec.ReceiptNumber,
	})

	out := RefundOutcome{RMA: r}
	rc, err := s.receiptContext(ctx, r)
	if err == nil {
		var receipt Receipt
		receipt, err = ComposeRefundReceipt(rc, r, rec)
		if err == nil {
			out.Receipt = &receipt
			err = s.print(ctx, receipt)
		}
	}
	if err != nil {
		s.logger.Warn("refund receipt not printed", slog.String("rma_id", id), slog.Any("error", err))
		out.PrintErr = err
	}
	return out, nil
}

func (s *Service) destroy(ctx context.Context, id string, draft DestructionDraft, op Operator) (DestructionOutcome, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return DestructionOutcome{}, err
	}
	plan, err := ValidateDestruction(r, draft)
	if err != nil {
		return DestructionOutcome{}, err
	}
	if plan.MustReport() && s.integrations.Tracking == nil {
		return DestructionOutcome{}, errors.New("rma: tracking integration not configured")
	}

	key := idempotencyKey(id)
	claimed, err := s.claim(ctx, key)
	if err != nil {
		return DestructionOutcome{}, err
	}

	now := s.now()
	rec := plan.Record
	rec.DestroyedBy = op
	rec.DestroyedAt = now
	rec.ReportNumber = newDocumentNumber("DST", now)

	if plan.MustReport() {
		manifestID, err := s.integrations.Tracking.ReportDestruction(ctx, plan.TrackedItems, rec)
		if err != nil {
			s.release(ctx, claimed, key)
			s.logger.Warn("destruction report failed", slog.String("rma_id", id), slog.Any("error", err))
			return DestructionOutcome{}, &ExternalCallError{Op: "report destruction", Err: err}
		}
		rec.ManifestID = manifestID
	}

	if err := s.repo.FinalizeDestruction(ctx, id, rec); err != nil {
		if !plan.MustReport() {
			s.release(ctx, claimed, key)
		}
		s.logger.Error("commit destruction", slog.String("rma_id", id), slog.Any("error", err))
		return DestructionOutcome{}, fmt.Errorf("rma: commit destruction: %w", err)
	}
	r.Status = StatusDestroyed
	r.Destruction = &rec
	r.UpdatedAt = now

	s.record(ctx, op, "rma:destroy", id, map[string]any{
		"method":             string(rec.Method),
		"location":           rec.Location,
		"witness":            rec.WitnessName,
		"tracked_item_count": rec.TrackedItemCount,
		"reported":           rec.ReportRequired,
		"manifest_id":        rec.ManifestID,
		"weight_grams":       rec.Totals.WeightGrams,
		"thc_mg":             rec.Totals.THCMg,
		"cbd_mg":             rec.Totals.CBDMg,
	})

	out := DestructionOutcome{RMA: r, Reported: plan.MustReport()}
	rc, err := s.receiptContext(ctx, r)
	if err == nil {
		var report Receipt
		report, err = ComposeDestructionReport(rc, r, rec)
		if err == nil {
			out.Report = &report
			err = s.print(ctx, report)
		}
	}
	if err != nil {
		s.logger.Warn("destruction report not printed", slog.String("rma_id", id), slog.Any("error", err))
		out.PrintErr = err
	}
	return out, nil
}

func (s *Service) completeRefundRecord(rec RefundRecord, draft RefundDraft, op Operator) RefundRecord {
	if rec.Amount.IsZero() {
		rec.Amount = draft.Amount
	}
	if rec.RegisterID == "" {
		rec.RegisterID = draft.RegisterID
	}
	if rec.Notes == "" {
		rec.Notes = draft.Notes
	}
	if rec.ProcessedBy.ID == 0 && rec.ProcessedBy.Name == "" {
		rec.ProcessedBy = op
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = s.now()
	}
	if rec.ReceiptNumber == "" {
		rec.ReceiptNumber = newDocumentNumber("RFD", rec.ProcessedAt)
	}
	return rec
}

// claim inserts the per-RMA key. A conflict means another process already
// completed an action on this RMA.
func (s *Service) claim(ctx context.Context, key string) (bool, error) {
	if s.idempotency == nil {
		return false, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "rma"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return false, ErrAlreadyFinalized
		}
		return false, fmt.Errorf("rma: claim idempotency key: %w", err)
	}
	return true, nil
}

func (s *Service) release(ctx context.Context, claimed bool, key string) {
	if !claimed {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil {
		s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) receiptContext(ctx context.Context, r RMA) (ReceiptContext, error) {
	rc := ReceiptContext{Location: s.location, Organization: Organization{ID: r.OrganizationID}}
	if s.invoices == nil {
		return rc, nil
	}
	invoice, err := s.invoices.GetInvoice(ctx, r.InvoiceID)
	if err != nil {
		return ReceiptContext{}, fmt.Errorf("rma: load invoice organization: %w", err)
	}
	rc.Organization = invoice.Organization
	return rc, nil
}

func (s *Service) print(ctx context.Context, receipt Receipt) error {
	if s.integrations.Printer == nil {
		return errors.New("rma: printer not configured")
	}
	return s.integrations.Printer.Print(ctx, receipt)
}

func (s *Service) returnedQuantities(ctx context.Context, invoiceID string) (map[string]float64, error) {
	existing, err := s.repo.List(ctx, ListFilter{InvoiceID: invoiceID})
	if err != nil {
		return nil, fmt.Errorf("rma: list prior returns: %w", err)
	}
	returned := make(map[string]float64)
	for _, prior := range existing {
		for _, item := range prior.Items {
			returned[item.ID] += item.EffectiveQuantity()
		}
	}
	return returned, nil
}

func (s *Service) record(ctx context.Context, op Operator, action, id string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  op.ID,
		Action:   action,
		Entity:   "rma",
		EntityID: id,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Error("record audit log", slog.String("action", action), slog.String("rma_id", id), slog.Any("error", err))
	}
}

func (s *Service) observe(action string, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveTransition(action, outcomeLabel(err))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case IsValidation(err):
		return "rejected"
	case errors.Is(err, ErrExternalCallFailed):
		return "external_failure"
	default:
		return "error"
	}
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

const (
	finalizeKeyPrefix = "rma:"
	finalizeKeySuffix = ":finalize"
)

// idempotencyKey is shared by refund and destroy: an RMA finalizes exactly once.
func idempotencyKey(id string) string {
	return finalizeKeyPrefix + id + finalizeKeySuffix
}

// FinalizeKeyRMAID extracts the RMA id from a finalize idempotency key.
func FinalizeKeyRMAID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, finalizeKeyPrefix)
	if !ok {
		return "", false
	}
	id, ok = strings.CutSuffix(id, finalizeKeySuffix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func newDocumentNumber(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, at.Format("20060102"), suffix)
}
