package rma

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant-pos/verdant/internal/shared"
)

// ============================================================================
// FAKES
// ============================================================================

type memoryRepo struct {
	mu          sync.Mutex
	rmas        map[string]RMA
	order       []string
	finalizeErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rmas: make(map[string]RMA)}
}

func (m *memoryRepo) Create(ctx context.Context, r RMA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rmas[r.ID] = r
	m.order = append(m.order, r.ID)
	return nil
}

func (m *memoryRepo) Get(ctx context.Context, id string) (RMA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rmas[id]
	if !ok {
		return RMA{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryRepo) matching(filter ListFilter) []RMA {
	var out []RMA
	for _, id := range m.order {
		r := m.rmas[id]
		if filter.OrganizationID != "" && r.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.InvoiceID != "" && r.InvoiceID != filter.InvoiceID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *memoryRepo) List(ctx context.Context, filter ListFilter) ([]RMA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.matching(filter)
	if filter.PerPage <= 0 {
		return all, nil
	}
	start := filter.Offset()
	if start >= len(all) {
		return []RMA{}, nil
	}
	end := start + filter.PerPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *memoryRepo) Count(ctx context.Context, filter ListFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matching(filter)), nil
}

func (m *memoryRepo) finalize(id string, apply func(*RMA)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizeErr != nil {
		return m.finalizeErr
	}
	r, ok := m.rmas[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusPending {
		return ErrAlreadyFinalized
	}
	apply(&r)
	m.rmas[id] = r
	return nil
}

func (m *memoryRepo) FinalizeRefund(ctx context.Context, id string, rec RefundRecord) error {
	return m.finalize(id, func(r *RMA) {
		r.Status = StatusRefunded
		r.Refund = &rec
	})
}

func (m *memoryRepo) FinalizeDestruction(ctx context.Context, id string, rec DestructionRecord) error {
	return m.finalize(id, func(r *RMA) {
		r.Status = StatusDestroyed
		r.Destruction = &rec
	})
}

func (m *memoryRepo) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rmas[id].Status
}

type fakeInvoices struct {
	invoices map[string]Invoice
}

func (f fakeInvoices) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: make(map[string]string)}
}

func (f *fakeIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = module
	return nil
}

func (f *fakeIdempotency) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

func (f *fakeIdempotency) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

type fakePayments struct {
	calls   atomic.Int32
	err     error
	started chan struct{}
	block   chan struct{}
	// paidOut overrides the amount the drawer reports.
	paidOut func(requested decimal.Decimal) decimal.Decimal
}

func (f *fakePayments) CompleteCashRefund(ctx context.Context, req CashRefundRequest) (RefundRecord, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return RefundRecord{}, f.err
	}
	amount := req.Amount
	if f.paidOut != nil {
		amount = f.paidOut(req.Amount)
	}
	return RefundRecord{Amount: amount, RegisterID: req.RegisterID}, nil
}

type fakeTracking struct {
	mu    sync.Mutex
	calls int
	items []RegulatedItem
	err   error
}

func (f *fakeTracking) ReportDestruction(ctx context.Context, items []RegulatedItem, rec DestructionRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.items = items
	if f.err != nil {
		return "", f.err
	}
	return "MAN-1", nil
}

type fakePrinter struct {
	mu      sync.Mutex
	printed []Receipt
	err     error
}

func (f *fakePrinter) Print(ctx context.Context, receipt Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.printed = append(f.printed, receipt)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (f *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, log)
	return nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (f *fakeObserver) ObserveTransition(action, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]int)
	}
	f.outcomes[action+"/"+outcome]++
}

func (f *fakeObserver) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[key]
}

// ============================================================================
// HARNESS
// ============================================================================

type harness struct {
	svc      *Service
	repo     *memoryRepo
	idem     *fakeIdempotency
	payments *fakePayments
	tracking *fakeTracking
	printer  *fakePrinter
	audit    *fakeAudit
	observer *fakeObserver
}

func testInvoice() Invoice {
	reported := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return Invoice{
		ID:            "inv-1",
		Number:        "INV-1001",
		Organization:  Organization{ID: "org-1", Name: "Green Leaf", License: "C10-0000001-LIC"},
		Customer:      Customer{Name: "Avery", Phone: "555-0100"},
		StateReported: true,
		ReportedAt:    &reported,
		Items: []RegulatedItem{
			{ID: "flower", Name: "Blue Dream 3.5g", SKU: "BD-35", UnitPrice: decimal.RequireFromString("21.25"), Quantity: f64(2), WeightGrams: f64(3.5), THCMg: f64(150), StateTrackingID: "1A4000000000022000000123"},
			{ID: "grinder", Name: "Grinder", SKU: "GR-1", UnitPrice: decimal.RequireFromString("9.99")},
			{ID: "bad", Name: "Mislabeled", UnitPrice: decimal.NewFromInt(5), WeightGrams: f64(-1)},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     newMemoryRepo(),
		idem:     newFakeIdempotency(),
		payments: &fakePayments{},
		tracking: &fakeTracking{},
		printer:  &fakePrinter{},
		audit:    &fakeAudit{},
		observer: &fakeObserver{},
	}
	invoices := fakeInvoices{invoices: map[string]Invoice{"inv-1": testInvoice()}}
	h.svc = NewService(h.repo, invoices, shared.NewLocalLocker(), h.audit, h.idem, Integrations{
		Payments: h.payments,
		Tracking: h.tracking,
		Printer:  h.printer,
	}, ServiceConfig{Location: time.UTC, Observer: h.observer})
	return h
}

var cashier = Operator{ID: 11, Name: "Jo"}

func (h *harness) createRMA(t *testing.T, lines ...ReturnLine) RMA {
	t.Helper()
	if len(lines) == 0 {
		lines = []ReturnLine{{ItemID: "flower", Quantity: 2}}
	}
	r, err := h.svc.Create(context.Background(), CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: lines, Reason: ReasonDefective}, cashier)
	require.NoError(t, err)
	return r
}

func validRefund(amount string) RefundDraft {
	return RefundDraft{Amount: decimal.RequireFromString(amount), RegisterID: "register-1"}
}

// ============================================================================
// CREATE / READ
// ============================================================================

func TestCreateComputesTotalsFromInvoice(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t, ReturnLine{ItemID: "flower", Quantity: 2}, ReturnLine{ItemID: "grinder", Quantity: 1})

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "org-1", r.OrganizationID)
	assert.Equal(t, "INV-1001", r.InvoiceNumber)
	assert.Equal(t, "Avery", r.Customer.Name)
	assert.Regexp(t, `^RMA-\d{8}-[0-9A-F]{6}$`, r.Number)
	assert.True(t, r.TotalValue.Equal(decimal.RequireFromString("52.49")))
	require.Len(t, r.Items, 2)
	require.NotNil(t, r.Items[1].Quantity)
	assert.Equal(t, 1.0, *r.Items[1].Quantity)
	assert.Equal(t, []string{"rma:create"}, h.audit.actions())
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		input CreateInput
		want  error
	}{
		{"unknown reason", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: []ReturnLine{{ItemID: "flower", Quantity: 1}}, Reason: "bored"}, ErrUnknownReason},
		{"no lines", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Reason: ReasonOther}, ErrInvalidItems},
		{"missing invoice", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-404", Lines: []ReturnLine{{ItemID: "flower", Quantity: 1}}, Reason: ReasonOther}, ErrInvoiceNotFound},
		{"item not on invoice", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: []ReturnLine{{ItemID: "edible", Quantity: 1}}, Reason: ReasonOther}, ErrInvalidItems},
		{"duplicate item", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: []ReturnLine{{ItemID: "flower", Quantity: 1}, {ItemID: "flower", Quantity: 1}}, Reason: ReasonOther}, ErrInvalidItems},
		{"too many units", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: []ReturnLine{{ItemID: "flower", Quantity: 3}}, Reason: ReasonOther}, ErrInvalidItems},
		{"zero quantity", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: []ReturnLine{{ItemID: "grinder", Quantity: 0}}, Reason: ReasonOther}, ErrInvalidItems},
		{"negative content", CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: []ReturnLine{{ItemID: "bad", Quantity: 1}}, Reason: ReasonOther}, ErrNegativeContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tc.input, cashier)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateLimitsToRemainingQuantity(t *testing.T) {
	h := newHarness(t)
	h.createRMA(t, ReturnLine{ItemID: "flower", Quantity: 1.5})

	_, err := h.svc.Create(context.Background(), CreateInput{
		OrganizationID: "org-1",
		InvoiceID:      "inv-1",
		Lines:          []ReturnLine{{ItemID: "flower", Quantity: 1}},
		Reason:         ReasonDefective,
	}, cashier)
	require.ErrorIs(t, err, ErrInvalidItems)
	assert.Contains(t, err.Error(), "0.50")

	h.createRMA(t, ReturnLine{ItemID: "flower", Quantity: 0.5})
}

func TestCreateRejectsInvoiceReportedWithoutTime(t *testing.T) {
	inv := testInvoice()
	inv.ReportedAt = nil
	svc := NewService(newMemoryRepo(), fakeInvoices{invoices: map[string]Invoice{"inv-1": inv}}, shared.NewLocalLocker(), nil, nil, Integrations{}, ServiceConfig{})
	_, err := svc.Create(context.Background(), CreateInput{OrganizationID: "org-1", InvoiceID: "inv-1", Lines: []ReturnLine{{ItemID: "grinder", Quantity: 1}}, Reason: ReasonOther}, cashier)
	require.ErrorIs(t, err, ErrInvoiceReportMissing)
}

func TestCreateRejectsForeignOrganization(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), CreateInput{
		OrganizationID: "org-2",
		InvoiceID:      "inv-1",
		Lines:          []ReturnLine{{ItemID: "flower", Quantity: 1}},
		Reason:         ReasonDefective,
	}, cashier)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	assert.Empty(t, h.audit.actions())
}

func TestConcurrentCreatesNeverExceedInvoicedQuantity(t *testing.T) {
	h := newHarness(t)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Create(context.Background(), CreateInput{
				OrganizationID: "org-1",
				InvoiceID:      "inv-1",
				Lines:          []ReturnLine{{ItemID: "flower", Quantity: 2}},
				Reason:         ReasonDefective,
			}, cashier)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidItems):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, attempts-1, rejected.Load())
	count, err := h.repo.Count(context.Background(), ListFilter{InvoiceID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListPaginates(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.createRMA(t, ReturnLine{ItemID: "flower", Quantity: 0.5})
	}
	page, err := h.svc.List(context.Background(), ListFilter{OrganizationID: "org-1", Page: 2, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 3, page.Pagination.Total)

	page, err = h.svc.List(context.Background(), ListFilter{OrganizationID: "org-2"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestGetEmptyID(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Get(context.Background(), " ")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestComplianceSummary(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t, ReturnLine{ItemID: "flower", Quantity: 2}, ReturnLine{ItemID: "grinder", Quantity: 1})
	summary, err := h.svc.ComplianceSummary(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "7.00", summary.Formatted.WeightGrams)
	assert.Equal(t, "300.00", summary.Formatted.THCMg)
	assert.Equal(t, 1, summary.TrackedItemCount)
	assert.Equal(t, ReportingRequired, summary.Reporting)
}

// ============================================================================
// REFUND
// ============================================================================

func TestRefundCommitsAndPrints(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)

	out, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.NoError(t, err)
	require.NoError(t, out.PrintErr)

	assert.Equal(t, StatusRefunded, out.RMA.Status)
	require.NotNil(t, out.RMA.Refund)
	assert.Equal(t, "register-1", out.RMA.Refund.RegisterID)
	assert.Equal(t, cashier, out.RMA.Refund.ProcessedBy)
	assert.Regexp(t, `^RFD-`, out.RMA.Refund.ReceiptNumber)
	assert.Equal(t, StatusRefunded, h.repo.status(r.ID))
	assert.EqualValues(t, 1, h.payments.calls.Load())
	require.Len(t, h.printer.printed, 1)
	assert.True(t, h.printer.printed[0].GrandTotal.Equal(decimal.RequireFromString("42.50")))
	assert.Contains(t, h.audit.actions(), "rma:refund")
	assert.True(t, h.idem.has(idempotencyKey(r.ID)))
	assert.Equal(t, 1, h.observer.count("refund/success"))
}

func TestRefundAboveEntitlementMakesNoCall(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)

	_, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.51"), cashier)
	require.ErrorIs(t, err, ErrAmountExceedsEntitlement)
	assert.Zero(t, h.payments.calls.Load())
	assert.Equal(t, StatusPending, h.repo.status(r.ID))
	assert.Equal(t, 1, h.observer.count("refund/rejected"))
}

func TestRefundRejectsSubCentAmount(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t, ReturnLine{ItemID: "flower", Quantity: 0.5})
	require.True(t, r.TotalValue.Equal(decimal.RequireFromString("10.625")))

	_, err := h.svc.Refund(context.Background(), r.ID, RefundDraft{Amount: r.TotalValue, RegisterID: "register-1"}, cashier)
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Zero(t, h.payments.calls.Load())
	assert.Equal(t, StatusPending, h.repo.status(r.ID))

	out, err := h.svc.Refund(context.Background(), r.ID, validRefund("10.62"), cashier)
	require.NoError(t, err)
	require.NoError(t, out.PrintErr)
	assert.True(t, out.RMA.Refund.Amount.Equal(decimal.RequireFromString("10.62")))
	assert.False(t, out.RMA.Refund.Amount.GreaterThan(r.TotalValue))
	require.NotNil(t, out.Receipt)
	assert.True(t, out.Receipt.GrandTotal.Equal(decimal.RequireFromString("10.62")))
}

func TestRefundPayoutMismatchIsExternalFailure(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	h.payments.paidOut = func(requested decimal.Decimal) decimal.Decimal {
		return requested.Add(decimal.RequireFromString("0.01"))
	}

	_, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.ErrorIs(t, err, ErrExternalCallFailed)
	require.ErrorIs(t, err, ErrPayoutMismatch)
	assert.Contains(t, err.Error(), "42.51")
	assert.Equal(t, StatusPending, h.repo.status(r.ID))
	assert.True(t, h.idem.has(idempotencyKey(r.ID)))
	assert.Empty(t, h.printer.printed)

	h.payments.paidOut = nil
	_, err = h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.EqualValues(t, 1, h.payments.calls.Load())
}

func TestConcurrentRefundsCallPaymentsOnce(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		finalized atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Refund(context.Background(), r.ID, validRefund("10.00"), cashier)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadyFinalized):
				finalized.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, attempts-1, finalized.Load())
	assert.EqualValues(t, 1, h.payments.calls.Load())
}

func TestRefundExternalFailureStaysPendingAndRetries(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	h.payments.err = errors.New("register drawer offline")

	_, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.ErrorIs(t, err, ErrExternalCallFailed)
	assert.Equal(t, "register drawer offline", err.Error())
	assert.Equal(t, StatusPending, h.repo.status(r.ID))
	assert.False(t, h.idem.has(idempotencyKey(r.ID)))
	assert.Empty(t, h.printer.printed)
	assert.Equal(t, 1, h.observer.count("refund/external_failure"))

	h.payments.err = nil
	out, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, out.RMA.Status)
	assert.EqualValues(t, 2, h.payments.calls.Load())
}

func TestRefundPrintFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	h.printer.err = errors.New("printer out of paper")

	out, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.NoError(t, err)
	require.Error(t, out.PrintErr)
	require.NotNil(t, out.Receipt)
	assert.Equal(t, StatusRefunded, h.repo.status(r.ID))
}

func TestRefundCommitFailureKeepsKey(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	h.repo.finalizeErr = errors.New("connection reset")

	_, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.Error(t, err)
	assert.True(t, h.idem.has(idempotencyKey(r.ID)))

	h.repo.finalizeErr = nil
	_, err = h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.EqualValues(t, 1, h.payments.calls.Load())
}

func TestTerminalRMARejectsWithoutExternalCall(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	_, err := h.svc.Destroy(context.Background(), r.ID, validDestructionDraft(), cashier)
	require.NoError(t, err)
	trackingCalls := h.tracking.calls

	_, err = h.svc.Refund(context.Background(), r.ID, validRefund("1.00"), cashier)
	require.ErrorIs(t, err, ErrAlreadyFinalized)
	_, err = h.svc.Destroy(context.Background(), r.ID, validDestructionDraft(), cashier)
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	assert.Zero(t, h.payments.calls.Load())
	assert.Equal(t, trackingCalls, h.tracking.calls)
	assert.Equal(t, 1, h.observer.count("refund/already_finalized"))
}

func TestRefundCallerAbandonsWhileExternalCallResolves(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	h.payments.started = make(chan struct{}, 1)
	h.payments.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.Refund(ctx, r.ID, validRefund("42.50"), cashier)
		errCh <- err
	}()

	<-h.payments.started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, StatusPending, h.repo.status(r.ID))

	close(h.payments.block)
	require.Eventually(t, func() bool {
		return h.repo.status(r.ID) == StatusRefunded
	}, time.Second, 5*time.Millisecond)

	// The lock was released once the abandoned call resolved.
	_, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

// ============================================================================
// DESTRUCTION
// ============================================================================

func TestDestroyReportsTrackedItemsOnly(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t, ReturnLine{ItemID: "flower", Quantity: 2}, ReturnLine{ItemID: "grinder", Quantity: 1})

	out, err := h.svc.Destroy(context.Background(), r.ID, validDestructionDraft(), cashier)
	require.NoError(t, err)
	assert.True(t, out.Reported)
	assert.Equal(t, StatusDestroyed, h.repo.status(r.ID))
	require.Equal(t, 1, h.tracking.calls)
	require.Len(t, h.tracking.items, 1)
	assert.Equal(t, "flower", h.tracking.items[0].ID)
	require.NotNil(t, out.RMA.Destruction)
	assert.Equal(t, "MAN-1", out.RMA.Destruction.ManifestID)
	assert.Equal(t, MethodIncineration, out.RMA.Destruction.Method)
	require.NotNil(t, out.Report)
	assert.Equal(t, "7.00", out.Report.Destruction.Totals.WeightGrams)
	assert.Contains(t, h.audit.actions(), "rma:destroy")
}

func TestDestroyUntrackedSkipsReporting(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t, ReturnLine{ItemID: "grinder", Quantity: 1})

	out, err := h.svc.Destroy(context.Background(), r.ID, validDestructionDraft(), cashier)
	require.NoError(t, err)
	assert.False(t, out.Reported)
	assert.Zero(t, h.tracking.calls)
	assert.Equal(t, StatusDestroyed, h.repo.status(r.ID))
}

func TestDestroyTrackingFailureStaysPending(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	h.tracking.err = errors.New("state system 503: maintenance window")

	_, err := h.svc.Destroy(context.Background(), r.ID, validDestructionDraft(), cashier)
	require.ErrorIs(t, err, ErrExternalCallFailed)
	assert.Equal(t, "state system 503: maintenance window", err.Error())
	assert.Equal(t, StatusPending, h.repo.status(r.ID))
	assert.False(t, h.idem.has(idempotencyKey(r.ID)))
}

func TestDestroyMissingWitnessMakesNoCall(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	draft := validDestructionDraft()
	draft.WitnessName = "  "

	_, err := h.svc.Destroy(context.Background(), r.ID, draft, cashier)
	require.ErrorIs(t, err, ErrMissingWitness)
	assert.Zero(t, h.tracking.calls)
}

// ============================================================================
// RECEIPTS
// ============================================================================

func TestReceiptRequiresFinalizedRMA(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)

	_, err := h.svc.Receipt(context.Background(), r.ID)
	require.ErrorIs(t, err, ErrNotFinalized)

	_, err = h.svc.Refund(context.Background(), r.ID, validRefund("40.00"), cashier)
	require.NoError(t, err)

	receipt, err := h.svc.Receipt(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Green Leaf", receipt.Organization.Name)
	assert.True(t, receipt.LineSum().Equal(decimal.RequireFromString("40.00")))
	assert.True(t, receipt.Lines[len(receipt.Lines)-1].Adjustment)
}

func TestReprintSendsAgain(t *testing.T) {
	h := newHarness(t)
	r := h.createRMA(t)
	_, err := h.svc.Refund(context.Background(), r.ID, validRefund("42.50"), cashier)
	require.NoError(t, err)

	_, err = h.svc.Reprint(context.Background(), r.ID, cashier)
	require.NoError(t, err)
	assert.Len(t, h.printer.printed, 2)
	assert.Contains(t, h.audit.actions(), "rma:reprint")
}

func TestFinalizeKeyRMAID(t *testing.T) {
	id, ok := FinalizeKeyRMAID(idempotencyKey("rma-7"))
	require.True(t, ok)
	assert.Equal(t, "rma-7", id)

	for _, key := range []string{"rma::finalize", "rma:rma-7", "invoice:1:finalize", ""} {
		_, ok := FinalizeKeyRMAID(key)
		assert.False(t, ok, key)
	}
}
