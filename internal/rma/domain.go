package rma

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// RMA STATUS
// ============================================================================

// Status represents the lifecycle of a return.
type Status string

const (
	StatusPending   Status = "pending"   // Accepted, awaiting refund or destruction
	StatusRefunded  Status = "refunded"  // Cash returned to the customer
	StatusDestroyed Status = "destroyed" // Product destroyed under witness
)

// transitions lists the allowed targets per state. Terminal states map to nothing.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRefunded, StatusDestroyed},
	StatusRefunded:  {},
	StatusDestroyed: {},
}

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRefunded || s == StatusDestroyed
}

// CanTransition checks if moving from s to target is allowed.
func (s Status) CanTransition(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// LabResult is the outcome of the lab test attached to a batch.
type LabResult string

const (
	LabResultPass LabResult = "pass"
	LabResultFail LabResult = "fail"
)

// ReasonCode is the short code for why product came back.
type ReasonCode string

const (
	ReasonDefective     ReasonCode = "defective"
	ReasonWrongProduct  ReasonCode = "wrong_product"
	ReasonExpired       ReasonCode = "expired"
	ReasonFailedLabTest ReasonCode = "failed_lab_test"
	ReasonRecall        ReasonCode = "recall"
	ReasonCustomer      ReasonCode = "customer_dissatisfied"
	ReasonOther         ReasonCode = "other"
)

// IsValid checks if the reason code is known.
func (r ReasonCode) IsValid() bool {
	switch r {
	case ReasonDefective, ReasonWrongProduct, ReasonExpired, ReasonFailedLabTest, ReasonRecall, ReasonCustomer, ReasonOther:
		return true
	default:
		return false
	}
}

// DestructionMethod enumerates the accepted ways of destroying product.
type DestructionMethod string

const (
	MethodIncineration      DestructionMethod = "incineration"
	MethodComposting        DestructionMethod = "composting"
	MethodGrindingWithWaste DestructionMethod = "grinding_with_waste"
	MethodOther             DestructionMethod = "other"
)

// DefaultDestructionMethod applies when a draft leaves the method empty.
const DefaultDestructionMethod = MethodIncineration

// IsValid checks if the method is one of the enumerated values.
func (m DestructionMethod) IsValid() bool {
	switch m {
	case MethodIncineration, MethodComposting, MethodGrindingWithWaste, MethodOther:
		return true
	default:
		return false
	}
}

// ReportingObligation tells the controller whether destruction must reach the tracking system.
type ReportingObligation string

const (
	ReportingRequired     ReportingObligation = "report_required"
	ReportingInternalOnly ReportingObligation = "internal_only"
)

// ============================================================================
// REGULATED ITEM
// ============================================================================

// RegulatedItem is one unit or batch line within an invoice or RMA.
//
// Numeric content fields are optional; nil means the value was not recorded.
// Percentages describe content per unit and are independent of Quantity.
type RegulatedItem struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Category        string          `json:"category,omitempty"`
	Quantity        *float64        `json:"quantity,omitempty"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	WeightGrams     *float64        `json:"weight_grams,omitempty"`
	THCPercent      *float64        `json:"thc_percent,omitempty"`
	CBDPercent      *float64        `json:"cbd_percent,omitempty"`
	THCMg           *float64        `json:"thc_mg,omitempty"`
	CBDMg           *float64        `json:"cbd_mg,omitempty"`
	SKU             string          `json:"sku,omitempty"`
	BatchNumber     string          `json:"batch_number,omitempty"`
	StateTrackingID string          `json:"state_tracking_id,omitempty"`
	ProducerName    string          `json:"producer_name,omitempty"`
	ProducerLicense string          `json:"producer_license,omitempty"`
	PackagedAt      *time.Time      `json:"packaged_at,omitempty"`
	HarvestedAt     *time.Time      `json:"harvested_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	LabResult       LabResult       `json:"lab_result,omitempty"`
	StrainName      string          `json:"strain_name,omitempty"`
	StrainType      string          `json:"strain_type,omitempty"`
}

// DefaultQuantity is used whenever an item carries no explicit quantity.
const DefaultQuantity = 1.0

// EffectiveQuantity resolves the optional quantity. Every caller goes through
// here so invoice lines and RMA lines follow the same convention.
func (i RegulatedItem) EffectiveQuantity() float64 {
	if i.Quantity == nil {
		return DefaultQuantity
	}
	return *i.Quantity
}

// IsTracked reports whether the item carries a state tracking identifier.
func (i RegulatedItem) IsTracked() bool {
	return strings.TrimSpace(i.StateTrackingID) != ""
}

// LineTotal is the exact monetary value of the line.
func (i RegulatedItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromFloat(i.EffectiveQuantity()))
}

func (i RegulatedItem) hasNegativeContent() bool {
	for _, v := range []*float64{i.WeightGrams, i.THCMg, i.CBDMg, i.THCPercent, i.CBDPercent} {
		if v != nil && *v < 0 {
			return true
		}
	}
	return false
}

// withQuantity returns a copy with an explicit quantity.
func (i RegulatedItem) withQuantity(q float64) RegulatedItem {
	i.Quantity = &q
	return i
}

// ============================================================================
// INVOICE
// ============================================================================

// Organization is the identity block printed on receipts.
type Organization struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	License string `json:"license,omitempty"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Invoice is an immutable completed sale.
type Invoice struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	Organization  Organization    `json:"organization"`
	Customer      Customer        `json:"customer"`
	Items         []RegulatedItem `json:"items"`
	StateReported bool            `json:"state_reported"`
	ReportedAt    *time.Time      `json:"reported_at,omitempty"`
	ManifestID    string          `json:"manifest_id,omitempty"`
	IssuedAt      time.Time       `json:"issued_at"`
}

// Validate checks the invoice invariants.
func (inv Invoice) Validate() error {
	if inv.StateReported && inv.ReportedAt == nil {
		return ErrInvoiceReportMissing
	}
	return nil
}

// Item looks up a line by identifier.
func (inv Invoice) Item(id string) (RegulatedItem, bool) {
	for _, item := range inv.Items {
		if item.ID == id {
			return item, true
		}
	}
	return RegulatedItem{}, false
}

// ============================================================================
// RMA
// ============================================================================

// Customer carries identity and optional contact details.
type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// HasContact reports whether any contact detail is present.
func (c Customer) HasContact() bool {
	return strings.TrimSpace(c.Phone) != "" || strings.TrimSpace(c.Email) != ""
}

// RMA is an in-progress or completed return.
type RMA struct {
	ID             string             `json:"id"`
	Number         string             `json:"number"`
	OrganizationID string             `json:"organization_id"`
	InvoiceID      string             `json:"invoice_id"`
	InvoiceNumber  string             `json:"invoice_number"`
	Customer       Customer           `json:"customer"`
	Items          []RegulatedItem    `json:"items"`
	TotalValue     decimal.Decimal    `json:"total_value"`
	Reason         ReasonCode         `json:"reason"`
	ReasonDetail   string             `json:"reason_detail,omitempty"`
	Status         Status             `json:"status"`
	Refund         *RefundRecord      `json:"refund,omitempty"`
	Destruction    *DestructionRecord `json:"destruction,omitempty"`
	CreatedBy      int64              `json:"created_by"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// RefundRecord is produced by a completed cash refund.
type RefundRecord struct {
	Amount        decimal.Decimal `json:"amount"`
	RegisterID    string          `json:"register_id"`
	Notes         string          `json:"notes,omitempty"`
	ProcessedBy   Operator        `json:"processed_by"`
	ProcessedAt   time.Time       `json:"processed_at"`
	ReceiptNumber string          `json:"receipt_number"`
}

// DestructionRecord is produced by a completed destruction.
type DestructionRecord struct {
	Method           DestructionMethod `json:"method"`
	Location         string            `json:"location"`
	WitnessName      string            `json:"witness_name"`
	WitnessTitle     string            `json:"witness_title,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	PhotoRefs        []string          `json:"photo_refs,omitempty"`
	Totals           Totals            `json:"totals"`
	TrackedItemCount int               `json:"tracked_item_count"`
	ReportRequired   bool              `json:"report_required"`
	ManifestID       string            `json:"manifest_id,omitempty"`
	DestroyedBy      Operator          `json:"destroyed_by"`
	DestroyedAt      time.Time         `json:"destroyed_at"`
	ReportNumber     string            `json:"report_number"`
}

// Operator identifies who processed an action. It comes from the session.
type Operator struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ListFilter narrows RMA listings.
type ListFilter struct {
	OrganizationID string
	Status         Status
	InvoiceID      string
	Page           int
	PerPage        int
}

// Offset converts the page into a row offset.
func (f ListFilter) Offset() int {
	if f.Page <= 1 || f.PerPage <= 0 {
		return 0
	}
	return (f.Page - 1) * f.PerPage
}

// CreateInput describes a new return request against an invoice.
// OrganizationID is the caller's organization; invoices of any other
// organization are reported as not found.
type CreateInput struct {
	OrganizationID string
	InvoiceID      string
	Customer       *Customer
	Lines          []ReturnLine
	Reason         ReasonCode
	ReasonDetail   string
}

// ReturnLine picks an invoice item and the number of units coming back.
type ReturnLine struct {
	ItemID   string
	Quantity float64
}
