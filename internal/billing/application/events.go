package application

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Publisher emits billing lifecycle events. The eventing outbox bus
// satisfies this; a nil publisher disables emission.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// InvoiceIssued is emitted after an invoice and its lesson claims and
// hour debits commit.
type InvoiceIssued struct {
	InvoiceID   string          `json:"invoice_id"`
	Number      string          `json:"number"`
	GuardianID  string          `json:"guardian_id"`
	Type        string          `json:"type"`
	Reason      string          `json:"reason,omitempty"`
	Currency    string          `json:"currency"`
	Total       decimal.Decimal `json:"total"`
	LessonCount int             `json:"lesson_count"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// InvoiceSent is emitted when a delivery is recorded.
type InvoiceSent struct {
	InvoiceID  string    `json:"invoice_id"`
	Number     string    `json:"number"`
	GuardianID string    `json:"guardian_id"`
	Channel    string    `json:"channel"`
	Recipient  string    `json:"recipient,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentRecorded is emitted after a payment commits.
type PaymentRecorded struct {
	InvoiceID     string          `json:"invoice_id"`
	Number        string          `json:"number"`
	GuardianID    string          `json:"guardian_id"`
	PaymentLogID  string          `json:"payment_log_id"`
	Amount        decimal.Decimal `json:"amount"`
	Tip           decimal.Decimal `json:"tip"`
	Method        string          `json:"method,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Status        string          `json:"status"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// RefundRecorded is emitted after a refund and its hour credits commit.
type RefundRecorded struct {
	InvoiceID    string          `json:"invoice_id"`
	Number       string          `json:"number"`
	GuardianID   string          `json:"guardian_id"`
	PaymentLogID string          `json:"payment_log_id"`
	Amount       decimal.Decimal `json:"amount"`
	RefundHours  float64         `json:"refund_hours"`
	Status       string          `json:"status"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// InvoiceCancelled is emitted after a cancellation releases its lesson
// claims.
type InvoiceCancelled struct {
	InvoiceID  string    `json:"invoice_id"`
	Number     string    `json:"number"`
	GuardianID string    `json:"guardian_id"`
	Reason     string    `json:"reason,omitempty"`
	Deleted    bool      `json:"deleted,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FollowUpInvoiceCreated is emitted when the threshold policy generates
// a follow-up invoice.
type FollowUpInvoiceCreated struct {
	InvoiceID         string    `json:"invoice_id"`
	Number            string    `json:"number"`
	GuardianID        string    `json:"guardian_id"`
	StudentID         string    `json:"student_id"`
	RemainingHours    float64   `json:"remaining_hours"`
	ThresholdMinutes  int       `json:"threshold_minutes"`
	PreviousInvoiceID string    `json:"previous_invoice_id"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// ReconciliationHoldRaised is emitted when a money/hours invariant
// breaks and a hold is recorded.
type ReconciliationHoldRaised struct {
	HoldID     string    `json:"hold_id"`
	GuardianID string    `json:"guardian_id"`
	InvoiceID  string    `json:"invoice_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
