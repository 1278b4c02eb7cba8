package rma

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptKind distinguishes refund receipts from destruction reports.
type ReceiptKind string

const (
	ReceiptRefund      ReceiptKind = "refund_receipt"
	ReceiptDestruction ReceiptKind = "destruction_report"
)

// AdjustmentLineName labels the line that reconciles a partial refund.
const AdjustmentLineName = "Partial refund adjustment"

// ReceiptContext carries organization identity and the store's local time zone.
type ReceiptContext struct {
	Organization Organization
	Location     *time.Location
}

// ReceiptLine is one printed line.
type ReceiptLine struct {
	Name       string          `json:"name"`
	SKU        string          `json:"sku,omitempty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   float64         `json:"quantity"`
	Total      decimal.Decimal `json:"total"`
	Adjustment bool            `json:"adjustment,omitempty"`
}

// RefundDetail is the refund-specific block of a receipt.
type RefundDetail struct {
	Amount      decimal.Decimal `json:"amount"`
	RegisterID  string          `json:"register_id"`
	Notes       string          `json:"notes,omitempty"`
	ProcessedBy string          `json:"processed_by"`
}

// DestructionDetail is the destruction-specific block of a report.
type DestructionDetail struct {
	Method           DestructionMethod `json:"method"`
	Location         string            `json:"location"`
	WitnessName      string            `json:"witness_name"`
	WitnessTitle     string            `json:"witness_title,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	PhotoRefs        []string          `json:"photo_refs,omitempty"`
	Totals           FormattedTotals   `json:"totals"`
	TrackedItemCount int               `json:"tracked_item_count"`
	Reported         bool              `json:"reported"`
	ManifestID       string            `json:"manifest_id,omitempty"`
	DestroyedBy      string            `json:"destroyed_by"`
}

// Receipt is the composed, read-only record handed to printing and audit.
type Receipt struct {
	Kind          ReceiptKind        `json:"kind"`
	Organization  Organization       `json:"organization"`
	Number        string             `json:"number"`
	Date          string             `json:"date"`
	Time          string             `json:"time"`
	RMANumber     string             `json:"rma_number"`
	InvoiceNumber string             `json:"invoice_number"`
	Reason        ReasonCode         `json:"reason"`
	ReasonDetail  string             `json:"reason_detail,omitempty"`
	Customer      *Customer          `json:"customer,omitempty"`
	Lines         []ReceiptLine      `json:"lines"`
	GrandTotal    decimal.Decimal    `json:"grand_total"`
	Refund        *RefundDetail      `json:"refund,omitempty"`
	Destruction   *DestructionDetail `json:"destruction,omitempty"`
}

// LineSum adds up every printed line.
func (r Receipt) LineSum() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range r.Lines {
		sum = sum.Add(line.Total)
	}
	return sum
}

// ComposeRefundReceipt builds the refund receipt. A partial refund gets an
// explicit adjustment line so the lines always sum to the refunded amount; an
// amount above the line sum cannot be reconciled and fails.
func ComposeRefundReceipt(rc ReceiptContext, r RMA, rec RefundRecord) (Receipt, error) {
	receipt := baseReceipt(rc, r, ReceiptRefund, rec.ReceiptNumber, rec.ProcessedAt)
	lineSum := receipt.LineSum()

	switch cmp := rec.Amount.Cmp(lineSum); {
	case cmp > 0:
		return Receipt{}, &TotalMismatchError{LineSum: lineSum, Amount: rec.Amount}
	case cmp < 0:
		diff := rec.Amount.Sub(lineSum)
		receipt.Lines = append(receipt.Lines, ReceiptLine{
			Name:       AdjustmentLineName,
			UnitPrice:  diff,
			Quantity:   1,
			Total:      diff,
			Adjustment: true,
		})
	}
	receipt.GrandTotal = rec.Amount
	receipt.Refund = &RefundDetail{
		Amount:      rec.Amount,
		RegisterID:  rec.RegisterID,
		Notes:       rec.Notes,
		ProcessedBy: rec.ProcessedBy.Name,
	}
	if !receipt.LineSum().Equal(receipt.GrandTotal) {
		return Receipt{}, &TotalMismatchError{LineSum: receipt.LineSum(), Amount: receipt.GrandTotal}
	}
	return receipt, nil
}

// ComposeDestructionReport builds the destruction report. The grand total is
// the value written off, which is the line sum.
func ComposeDestructionReport(rc ReceiptContext, r RMA, rec DestructionRecord) (Receipt, error) {
	receipt := baseReceipt(rc, r, ReceiptDestruction, rec.ReportNumber, rec.DestroyedAt)
	receipt.GrandTotal = receipt.LineSum()
	receipt.Destruction = &DestructionDetail{
		Method:           rec.Method,
		Location:         rec.Location,
		WitnessName:      rec.WitnessName,
		WitnessTitle:     rec.WitnessTitle,
		Notes:            rec.Notes,
		PhotoRefs:        append([]string(nil), rec.PhotoRefs...),
		Totals:           rec.Totals.Format(),
		TrackedItemCount: rec.TrackedItemCount,
		Reported:         rec.ReportRequired,
		ManifestID:       rec.ManifestID,
		DestroyedBy:      rec.DestroyedBy.Name,
	}
	return receipt, nil
}

func baseReceipt(rc ReceiptContext, r RMA, kind ReceiptKind, number string, at time.Time) Receipt {
	loc := rc.Location
	if loc == nil {
		loc = time.Local
	}
	local := at.In(loc)
	lines := make([]ReceiptLine, 0, len(r.Items)+1)
	for _, item := range r.Items {
		lines = append(lines, ReceiptLine{
			Name:      item.Name,
			SKU:       item.SKU,
			UnitPrice: item.UnitPrice,
			Quantity:  item.EffectiveQuantity(),
			Total:     item.LineTotal(),
		})
	}
	return Receipt{
		Kind:          kind,
		Organization:  rc.Organization,
		Number:        number,
		Date:          local.Format("2006-01-02"),
		Time:          local.Format("15:04"),
		RMANumber:     r.Number,
		InvoiceNumber: r.InvoiceNumber,
		Reason:        r.Reason,
		ReasonDetail:  r.ReasonDetail,
		Customer:      customerBlock(r.Customer),
		Lines:         lines,
	}
}

func customerBlock(c Customer) *Customer {
	block := Customer{
		Name:  strings.TrimSpace(c.Name),
		Phone: strings.TrimSpace(c.Phone),
		Email: strings.TrimSpace(c.Email),
	}
	if block.Name == "" && block.Phone == "" && block.Email == "" {
		return nil
	}
	return &block
}
