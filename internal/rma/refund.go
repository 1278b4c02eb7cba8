package rma

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RefundDraft is the immutable refund request validated as a whole.
// Cash is the only medium, so the draft has no payment instrument.
// The zero Amount stands for an absent amount.
type RefundDraft struct {
	Amount     decimal.Decimal
	RegisterID string
	Notes      string
}

// Normalize trims free-text fields.
func (d RefundDraft) Normalize() RefundDraft {
	d.RegisterID = strings.TrimSpace(d.RegisterID)
	d.Notes = strings.TrimSpace(d.Notes)
	return d
}

// ValidateRefund authorizes a cash refund against the RMA. It never mutates.
func ValidateRefund(r RMA, draft RefundDraft) error {
	if !r.Status.CanTransition(StatusRefunded) {
		return ErrAlreadyFinalized
	}
	if !draft.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	// Cash leaves the drawer in whole cents.
	if !draft.Amount.Equal(draft.Amount.Truncate(2)) {
		return fmt.Errorf("%w: amount %s has sub-cent precision", ErrInvalidAmount, draft.Amount.String())
	}
	if draft.Amount.GreaterThan(r.TotalValue) {
		return &EntitlementError{Ceiling: r.TotalValue, Requested: draft.Amount}
	}
	if strings.TrimSpace(draft.RegisterID) == "" {
		return ErrMissingRegister
	}
	return nil
}
