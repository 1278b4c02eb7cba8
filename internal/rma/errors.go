package rma

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors. All are detected before any external call and leave the
// RMA pending, so the caller may correct the draft and resubmit.
var (
	ErrInvalidAmount            = errors.New("rma: refund amount must be greater than zero")
	ErrAmountExceedsEntitlement = errors.New("rma: refund amount exceeds entitlement")
	ErrMissingRegister          = errors.New("rma: register selection is required")
	ErrMissingWitness           = errors.New("rma: witness name is required")
	ErrMissingLocation          = errors.New("rma: destruction location is required")
	ErrInvalidMethod            = errors.New("rma: unknown destruction method")

	ErrInvalidItems    = errors.New("rma: return lines are invalid")
	ErrNegativeContent = errors.New("rma: regulated content must not be negative")
	ErrUnknownReason   = errors.New("rma: unknown return reason")
)

// State errors.
var (
	ErrNotFound             = errors.New("rma: not found")
	ErrInvoiceNotFound      = errors.New("rma: invoice not found")
	ErrAlreadyFinalized     = errors.New("rma: already finalized")
	ErrNotFinalized         = errors.New("rma: no completed action to print")
	ErrInvoiceReportMissing = errors.New("rma: invoice marked state reported without report time")
)

// ErrExternalCallFailed matches any failure raised by the payments or tracking integration.
var ErrExternalCallFailed = errors.New("rma: external call failed")

// ErrPayoutMismatch means the payments integration reports a payout other
// than the amount requested.
var ErrPayoutMismatch = errors.New("rma: payout differs from requested amount")

// ErrReceiptTotalMismatch flags a receipt whose line sum cannot reconcile with the stated amount.
var ErrReceiptTotalMismatch = errors.New("rma: receipt total does not match line items")

// EntitlementError reports the refund ceiling alongside the rejected amount.
type EntitlementError struct {
	Ceiling   decimal.Decimal
	Requested decimal.Decimal
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("%s: requested %s, maximum refundable is %s", ErrAmountExceedsEntitlement, e.Requested.StringFixed(2), e.Ceiling.StringFixed(2))
}

func (e *EntitlementError) Unwrap() error { return ErrAmountExceedsEntitlement }

// ExternalCallError wraps an upstream failure. Error returns the upstream message verbatim.
type ExternalCallError struct {
	Op  string
	Err error
}

func (e *ExternalCallError) Error() string {
	if e.Err == nil {
		return ErrExternalCallFailed.Error()
	}
	return e.Err.Error()
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExternalCallFailed) match while keeping the upstream chain intact.
func (e *ExternalCallError) Is(target error) bool {
	return target == ErrExternalCallFailed
}

// TotalMismatchError carries both sides of a failed reconciliation.
type TotalMismatchError struct {
	LineSum decimal.Decimal
	Amount  decimal.Decimal
}

func (e *TotalMismatchError) Error() string {
	return fmt.Sprintf("%s: lines sum to %s but amount is %s", ErrReceiptTotalMismatch, e.LineSum.String(), e.Amount.String())
}

func (e *TotalMismatchError) Unwrap() error { return ErrReceiptTotalMismatch }

// IsValidation reports whether err is a local, correctable validation failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount,
		ErrAmountExceedsEntitlement,
		ErrMissingRegister,
		ErrMissingWitness,
		ErrMissingLocation,
		ErrInvalidMethod,
		ErrInvalidItems,
		ErrNegativeContent,
		ErrUnknownReason,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
