package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects bad input before any mutation.
	ErrValidation = errors.New("billing: validation failed")
	// ErrInvalidRefundAmount rejects refunds exceeding the paid amount
	// or non-positive refunds.
	ErrInvalidRefundAmount = errors.New("billing: invalid refund amount")
	// ErrStaleWrite signals a concurrent modification; callers reload
	// and retry with bounded attempts.
	ErrStaleWrite = errors.New("billing: stale write conflict")
	// ErrInvoiceNotFound signals a missing invoice.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrGuardianNotFound signals a missing guardian record.
	ErrGuardianNotFound = errors.New("billing: guardian not found")
	// ErrLessonNotFound signals a missing lesson record.
	ErrLessonNotFound = errors.New("billing: lesson not found")
	// ErrDuplicateTransaction signals a replayed transaction id; the
	// original application stands and is returned unchanged.
	ErrDuplicateTransaction = errors.New("billing: duplicate transaction id")
	// ErrTerminalStatus rejects mutations on paid/cancelled/refunded
	// invoices without an admin override.
	ErrTerminalStatus = errors.New("billing: invoice in terminal status")
	// ErrReconciliationHold blocks automatic operations on a
	// guardian/invoice pair with an unresolved reconciliation failure.
	ErrReconciliationHold = errors.New("billing: reconciliation hold active")
	// ErrRateLocked rejects use of a locked monthly exchange rate for
	// new invoice generation.
	ErrRateLocked = errors.New("billing: exchange rate is locked")
	// ErrHoldNotFound signals a missing or already-resolved hold.
	ErrHoldNotFound = errors.New("billing: hold not found")
)

// Validationf wraps ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DoubleBillingConflict reports a lesson already claimed by another
// active invoice. Both invoice numbers are surfaced for operator review;
// the conflict is never auto-resolved.
type DoubleBillingConflict struct {
	LessonID        string
	ClaimedByNumber string
	RequestedNumber string
}

func (e *DoubleBillingConflict) Error() string {
	return fmt.Sprintf("billing: lesson %s already billed in invoice %s (requested by %s)",
		e.LessonID, e.ClaimedByNumber, e.RequestedNumber)
}

// ReconciliationError reports a broken money/hours invariant detected
// mid-operation. It is escalated, recorded as a hold, and never
// swallowed.
type ReconciliationError struct {
	GuardianID string
	InvoiceID  string
	Reason     string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("billing: reconciliation failure on guardian %s invoice %s: %s",
		e.GuardianID, e.InvoiceID, e.Reason)
}
