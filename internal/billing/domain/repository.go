package billing

import (
	"context"
	"time"
)

// HourCredit restores prepaid hours to a student as part of a refund.
type HourCredit struct {
	StudentID string
	Hours     float64
}

// ReconciliationHold blocks automatic operations on a guardian/invoice
// pair after a reconciliation failure until an operator resolves it.
type ReconciliationHold struct {
	ID         string
	GuardianID string
	InvoiceID  string
	Reason     string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// Store persists invoices and applies the compound mutations of the
// billing engine. Implementations must make each mutation atomic: an
// invoice money change and its hour-balance change commit together or
// not at all.
type Store interface {
	// NextInvoiceNumber allocates the next sequential number for an
	// invoice type within a billing month.
	NextInvoiceNumber(ctx context.Context, invoiceType string, period time.Time) (string, error)

	// CreateInvoice claims every lesson referenced by the invoice's
	// line items (compare-and-set on the lesson's billed_in_invoice_id),
	// debits the guardian and student hour balances per the invoice's
	// hour ledger, and inserts the invoice — all in one transaction.
	// A lesson already claimed by an active invoice fails the whole
	// operation with *DoubleBillingConflict.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, guardianID string, month time.Time) ([]Invoice, error)

	// FindLatestActive returns the most recent non-cancelled,
	// non-refunded, non-deleted invoice for a guardian, or nil.
	FindLatestActive(ctx context.Context, guardianID string) (*Invoice, error)

	// SavePaymentEvent persists an already-computed payment or refund:
	// appends the log entry, writes the invoice's financial fields,
	// status and hour ledger, and applies hour credits to the guardian
	// and student balances. The write is conditional on inv.Version
	// matching the stored version; a mismatch returns ErrStaleWrite
	// and nothing is applied.
	SavePaymentEvent(ctx context.Context, inv *Invoice, log PaymentLog, credits []HourCredit) error

	// RecordDelivery appends a delivery entry and, when markSent is
	// set, transitions a draft invoice to sent. Version-checked.
	RecordDelivery(ctx context.Context, inv *Invoice, entry DeliveryEntry, markSent bool) error

	// CancelInvoice marks the invoice cancelled (or soft-deleted) and
	// releases its lesson claims in the same transaction.
	// Version-checked.
	CancelInvoice(ctx context.Context, inv *Invoice) error

	// Reconciliation holds. An unresolved hold blocks automatic
	// operations for its guardian until an operator resolves it.
	CreateHold(ctx context.Context, hold ReconciliationHold) error
	HasActiveHold(ctx context.Context, guardianID, invoiceID string) (bool, error)
	ListHolds(ctx context.Context, guardianID string, includeResolved bool) ([]ReconciliationHold, error)
	ResolveHold(ctx context.Context, holdID string, resolvedAt time.Time) error
}
