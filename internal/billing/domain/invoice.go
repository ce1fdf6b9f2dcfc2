package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusDraft         = "draft"
	StatusSent          = "sent"
	StatusPartiallyPaid = "partially_paid"
	StatusPaid          = "paid"
	StatusCancelled     = "cancelled"
	StatusRefunded      = "refunded"

	// StatusOverdue is derived, never persisted. See Invoice.EffectiveStatus.
	StatusOverdue = "overdue"
)

const (
	TypeGuardianInvoice = "guardian_invoice"
	TypeAdhoc           = "adhoc"
)

const (
	TransferFeeFixed   = "fixed"
	TransferFeePercent = "percent"
)

// ReasonThresholdFollowup marks invoices auto-generated by the follow-up
// policy when a student's prepaid hours fall below the guardian threshold.
const ReasonThresholdFollowup = "threshold_followup"

// Invoice is the aggregate root of the billing engine.
type Invoice struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	TenantID   string `json:"tenant_id"`
	GuardianID string `json:"guardian_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Currency   string `json:"currency"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	DueDate     time.Time `json:"due_date"`

	Items []LineItem `json:"items"`

	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	LateFee  decimal.Decimal `json:"late_fee"`
	Tip      decimal.Decimal `json:"tip"`

	Transfer TransferFee `json:"transfer_fee"`
	Coverage Coverage    `json:"coverage"`

	Adjustments []Adjustment `json:"adjustments,omitempty"`

	AdjustedTotal decimal.Decimal `json:"adjusted_total"`
	Total         decimal.Decimal `json:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`

	// NeedsReview is set when the totals computation had to clamp a
	// negative total to zero instead of silently absorbing it.
	NeedsReview bool `json:"needs_review,omitempty"`

	PaymentLogs []PaymentLog    `json:"payment_logs,omitempty"`
	Delivery    []DeliveryEntry `json:"delivery,omitempty"`

	// HourLedger tracks hours debited at creation and restored by
	// refunds, per student. Refund credits never exceed debits.
	HourLedger []HourLedgerEntry `json:"hour_ledger,omitempty"`

	Version    int    `json:"version"`
	Deleted    bool   `json:"deleted,omitempty"`
	CancelNote string `json:"cancel_note,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SentAt      time.Time `json:"sent_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`
}

// LineItem is one billed lesson inside an invoice.
type LineItem struct {
	ID              string          `json:"id"`
	InvoiceID       string          `json:"invoice_id"`
	LessonID        string          `json:"lesson_id"`
	Description     string          `json:"description"`
	Date            time.Time       `json:"date"`
	DurationMinutes int             `json:"duration_minutes"`
	Rate            decimal.Decimal `json:"rate"`
	Amount          decimal.Decimal `json:"amount"`
	StudentID       string          `json:"student_id"`
	StudentName     string          `json:"student_name"`
	TeacherID       string          `json:"teacher_id"`
	TeacherName     string          `json:"teacher_name"`
	Attended        bool            `json:"attended"`

	// AmountSet distinguishes an authored zero amount from an absent
	// one; absent amounts fall back to rate × duration/60.
	AmountSet bool `json:"amount_set,omitempty"`
}

// EffectiveAmount returns the authored amount, or rate × duration/60
// when no amount was supplied.
func (li LineItem) EffectiveAmount() decimal.Decimal {
	if li.AmountSet {
		return li.Amount
	}
	return li.Rate.Mul(decimal.NewFromInt(int64(li.DurationMinutes))).Div(decimal.NewFromInt(60))
}

// TransferFee is the payment-processing surcharge passed to the guardian.
type TransferFee struct {
	Mode             string          `json:"mode"`
	Value            decimal.Decimal `json:"value"`
	Amount           decimal.Decimal `json:"amount"`
	Waived           bool            `json:"waived,omitempty"`
	WaivedByCoverage bool            `json:"waived_by_coverage,omitempty"`
}

// Coverage holds fee waiver directives (e.g. scholarships).
type Coverage struct {
	WaiveTransferFee bool `json:"waive_transfer_fee,omitempty"`
}

// Adjustment is a manual signed credit/debit applied to an invoice.
type Adjustment struct {
	ID        string          `json:"id"`
	Reason    string          `json:"reason"`
	Amount    decimal.Decimal `json:"amount"`
	AppliesTo string          `json:"applies_to"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppliesToGuardian is the adjustment scope folded into the invoice total.
const AppliesToGuardian = "guardian"

// PaymentLog is an append-only financial event. Negative amounts are
// refunds.
type PaymentLog struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	ProcessedAt   time.Time       `json:"processed_at"`
	Actor         string          `json:"actor"`
	Note          string          `json:"note,omitempty"`

	// Refund-only fields.
	RefundHours     float64 `json:"refund_hours,omitempty"`
	RefundReference string  `json:"refund_reference,omitempty"`
}

// DeliveryEntry records a requested channel send. Written by the
// delivery collaborator, read by the export builder.
type DeliveryEntry struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
	Recipient  string    `json:"recipient,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HourLedgerEntry tracks per-student hour debits and refund credits for
// one invoice.
type HourLedgerEntry struct {
	StudentID     string  `json:"student_id"`
	DebitedHours  float64 `json:"debited_hours"`
	RefundedHours float64 `json:"refunded_hours"`
}

// RemainingBalance returns total − paidAmount.
func (inv *Invoice) RemainingBalance() decimal.Decimal {
	return inv.Total.Sub(inv.PaidAmount)
}

// EffectiveStatus derives overdue from the due date; overdue is never a
// persisted transition.
func (inv *Invoice) EffectiveStatus(now time.Time) string {
	switch inv.Status {
	case StatusSent, StatusPartiallyPaid:
		if !inv.DueDate.IsZero() && inv.DueDate.Before(now) && inv.RemainingBalance().IsPositive() {
			return StatusOverdue
		}
	}
	return inv.Status
}

// Active reports whether the invoice still claims its lessons. Cancelled,
// refunded and soft-deleted invoices release their claims.
func (inv *Invoice) Active() bool {
	if inv == nil || inv.Deleted {
		return false
	}
	return inv.Status != StatusCancelled && inv.Status != StatusRefunded
}

// Terminal reports whether the lifecycle has ended.
func (inv *Invoice) Terminal() bool {
	return inv.Status == StatusPaid || inv.Status == StatusCancelled || inv.Status == StatusRefunded
}

// DebitedHours sums hour debits across the ledger.
func (inv *Invoice) DebitedHours() float64 {
	var total float64
	for _, entry := range inv.HourLedger {
		total += entry.DebitedHours
	}
	return total
}

// RefundedHours sums refund credits across the ledger.
func (inv *Invoice) RefundedHours() float64 {
	var total float64
	for _, entry := range inv.HourLedger {
		total += entry.RefundedHours
	}
	return total
}

// Clone returns a deep copy detached from the receiver.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Items = append([]LineItem(nil), inv.Items...)
	out.Adjustments = append([]Adjustment(nil), inv.Adjustments...)
	out.PaymentLogs = append([]PaymentLog(nil), inv.PaymentLogs...)
	out.Delivery = append([]DeliveryEntry(nil), inv.Delivery...)
	out.HourLedger = append([]HourLedgerEntry(nil), inv.HourLedger...)
	return &out
}
