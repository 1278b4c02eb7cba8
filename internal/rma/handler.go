package rma

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/verdant-pos/verdant/internal/auth"
	"github.com/verdant-pos/verdant/internal/platform/httpx"
	"github.com/verdant-pos/verdant/internal/rbac"
	"github.com/verdant-pos/verdant/internal/shared"
)

// ReceiptRenderer turns a receipt into printable HTML.
type ReceiptRenderer interface {
	RenderHTML(receipt Receipt) (string, error)
}

// AuditHistory lists audit entries for an entity.
type AuditHistory interface {
	History(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error)
}

// Handler exposes the RMA workflow over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	renderer  ReceiptRenderer
	history   AuditHistory
	validator *validator.Validate
}

// NewHandler constructs a Handler. renderer and history are optional.
func NewHandler(logger *slog.Logger, service *Service, rbacMW rbac.Middleware, renderer ReceiptRenderer, history AuditHistory) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      rbacMW,
		renderer:  renderer,
		history:   history,
		validator: validator.New(),
	}
}

// MountRoutes attaches RMA routes. Callers must install auth.Middleware upstream.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(auth.RequireSession, requireOrganization)
	r.With(h.rbac.RequireAny(shared.PermRMAView)).Get("/", h.list)
	r.With(h.rbac.RequireAny(shared.PermRMACreate)).Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermRMAView)).Get("/", h.get)
		r.With(h.rbac.RequireAny(shared.PermRMAView)).Get("/compliance", h.compliance)
		r.With(h.rbac.RequireAny(shared.PermRMAView)).Get("/audit", h.audit)
		r.With(h.rbac.RequireAny(shared.PermRMARefund)).Post("/refund", h.refund)
		r.With(h.rbac.RequireAny(shared.PermRMADestroy)).Post("/destroy", h.destroy)
		r.With(h.rbac.RequireAny(shared.PermRMAView)).Get("/receipt", h.receipt)
		r.With(h.rbac.RequireAny(shared.PermRMAView)).Get("/receipt.html", h.receiptHTML)
		r.With(h.rbac.RequireAny(shared.PermRMAPrint)).Post("/receipt/print", h.reprint)
	})
}

// ============================================================================
// REQUEST DTOs
// ============================================================================

type customerRequest struct {
	Name  string `json:"name" validate:"required,max=120"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
	Email string `json:"email" validate:"omitempty,email"`
}

type returnLineRequest struct {
	ItemID   string  `json:"item_id" validate:"required"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
}

type createRequest struct {
	InvoiceID    string              `json:"invoice_id" validate:"required"`
	Customer     *customerRequest    `json:"customer" validate:"omitempty"`
	Lines        []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
	Reason       string              `json:"reason" validate:"required"`
	ReasonDetail string              `json:"reason_detail" validate:"max=1000"`
}

// Amount and register are checked by ValidateRefund so the caller sees the
// domain error, not a shape error.
type refundRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	RegisterID string          `json:"register_id" validate:"max=64"`
	Notes      string          `json:"notes" validate:"max=1000"`
}

type destroyRequest struct {
	Method       string   `json:"method" validate:"max=32"`
	Location     string   `json:"location" validate:"max=200"`
	WitnessName  string   `json:"witness_name" validate:"max=120"`
	WitnessTitle string   `json:"witness_title" validate:"max=120"`
	Notes        string   `json:"notes" validate:"max=1000"`
	PhotoRefs    []string `json:"photo_refs" validate:"max=20,dive,max=512"`
}

type refundResponse struct {
	RMA        RMA      `json:"rma"`
	Receipt    *Receipt `json:"receipt,omitempty"`
	PrintError string   `json:"print_error,omitempty"`
}

type destroyResponse struct {
	RMA        RMA      `json:"rma"`
	Report     *Receipt `json:"report,omitempty"`
	Reported   bool     `json:"reported"`
	PrintError string   `json:"print_error,omitempty"`
}

// ============================================================================
// HANDLERS
// ============================================================================

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	sess := auth.SessionFromContext(r.Context())
	q := r.URL.Query()
	filter := ListFilter{
		OrganizationID: sess.OrganizationID,
		Status:         Status(q.Get("status")),
		InvoiceID:      q.Get("invoice_id"),
		Page:           atoiDefault(q.Get("page"), 1),
		PerPage:        atoiDefault(q.Get("per_page"), 50),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown status "+string(filter.Status))
		return
	}
	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list rmas", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateInput{
		OrganizationID: auth.SessionFromContext(r.Context()).OrganizationID,
		InvoiceID:      req.InvoiceID,
		Reason:         ReasonCode(req.Reason),
		ReasonDetail:   req.ReasonDetail,
		Lines:          make([]ReturnLine, 0, len(req.Lines)),
	}
	if req.Customer != nil {
		input.Customer = &Customer{Name: req.Customer.Name, Phone: req.Customer.Phone, Email: req.Customer.Email}
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ReturnLine{ItemID: line.ItemID, Quantity: line.Quantity})
	}
	created, err := h.service.Create(r.Context(), input, operatorFrom(r))
	if err != nil {
		h.respondError(w, "create rma", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, found)
}

func (h *Handler) compliance(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	summary, err := h.service.ComplianceSummary(r.Context(), found.ID)
	if err != nil {
		h.respondError(w, "compliance summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		httpx.JSON(w, http.StatusOK, []shared.AuditLog{})
		return
	}
	entries, err := h.history.History(r.Context(), "rma", found.ID)
	if err != nil {
		h.respondError(w, "audit history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	draft := RefundDraft{Amount: req.Amount, RegisterID: req.RegisterID, Notes: req.Notes}
	out, err := h.service.Refund(r.Context(), found.ID, draft, operatorFrom(r))
	if err != nil {
		h.respondError(w, "refund rma", err)
		return
	}
	resp := refundResponse{RMA: out.RMA, Receipt: out.Receipt}
	if out.PrintErr != nil {
		resp.PrintError = out.PrintErr.Error()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) destroy(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	var req destroyRequest
	if !h.decode(w, r, &req) {
		return
	}
	draft := DestructionDraft{
		Method:       DestructionMethod(req.Method),
		Location:     req.Location,
		WitnessName:  req.WitnessName,
		WitnessTitle: req.WitnessTitle,
		Notes:        req.Notes,
		PhotoRefs:    req.PhotoRefs,
	}
	out, err := h.service.Destroy(r.Context(), found.ID, draft, operatorFrom(r))
	if err != nil {
		h.respondError(w, "destroy rma", err)
		return
	}
	resp := destroyResponse{RMA: out.RMA, Report: out.Report, Reported: out.Reported}
	if out.PrintErr != nil {
		resp.PrintError = out.PrintErr.Error()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) receipt(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	receipt, err := h.service.Receipt(r.Context(), found.ID)
	if err != nil {
		h.respondError(w, "compose receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func (h *Handler) receiptHTML(w http.ResponseWriter, r *http.Request) {
	if h.renderer == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "receipt rendering not configured")
		return
	}
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	receipt, err := h.service.Receipt(r.Context(), found.ID)
	if err != nil {
		h.respondError(w, "compose receipt", err)
		return
	}
	html, err := h.renderer.RenderHTML(receipt)
	if err != nil {
		h.respondError(w, "render receipt", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

func (h *Handler) reprint(w http.ResponseWriter, r *http.Request) {
	found, ok := h.load(w, r)
	if !ok {
		return
	}
	receipt, err := h.service.Reprint(r.Context(), found.ID, operatorFrom(r))
	if err != nil {
		if errors.Is(err, ErrNotFinalized) || errors.Is(err, ErrNotFound) {
			h.respondError(w, "reprint receipt", err)
			return
		}
		h.logger.Warn("reprint receipt", slog.String("rma_id", found.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Print Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusAccepted, receipt)
}

// ============================================================================
// HELPERS
// ============================================================================

// load fetches the RMA in the URL and hides RMAs of other organizations.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (RMA, bool) {
	found, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, "load rma", err)
		return RMA{}, false
	}
	sess := auth.SessionFromContext(r.Context())
	if sess == nil || sess.OrganizationID == "" || found.OrganizationID != sess.OrganizationID {
		h.respondError(w, "load rma", ErrNotFound)
		return RMA{}, false
	}
	return found, true
}

// requireOrganization refuses sessions not bound to an organization; every
// RMA query is scoped by it.
func requireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess := auth.SessionFromContext(r.Context()); sess == nil || sess.OrganizationID == "" {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "session is not bound to an organization")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", httpx.ValidationDetail(err))
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case IsValidation(err), errors.Is(err, ErrInvoiceReportMissing):
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, err))
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvoiceNotFound):
		httpx.RespondError(w, httpx.Classify(httpx.ErrNotFound, err))
	case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrNotFinalized):
		httpx.RespondError(w, httpx.Classify(httpx.ErrConflict, err))
	case errors.Is(err, ErrExternalCallFailed):
		h.logger.Warn(op, slog.Any("error", err))
		httpx.RespondError(w, httpx.Classify(httpx.ErrUpstream, err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.Problem(w, http.StatusServiceUnavailable, "Request Abandoned", "the request ended before the action resolved; check the RMA status before retrying")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func operatorFrom(r *http.Request) Operator {
	sess := auth.SessionFromContext(r.Context())
	if sess == nil {
		return Operator{}
	}
	return Operator{ID: sess.OperatorID, Name: sess.OperatorName}
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
