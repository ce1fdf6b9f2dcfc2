package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotOptions controls export snapshot rendering.
type SnapshotOptions struct {
	Timezone        string
	Locale          string
	IncludeItems    bool
	IncludePayments bool
}

// ExportSnapshot is a presentation-ready read model of an invoice for
// external renderers (PDF, email). Aggregates are always fully computed,
// even in compact mode.
type ExportSnapshot struct {
	InvoiceID     string          `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	GuardianID    string          `json:"guardian_id"`
	Status        string          `json:"status"`
	Currency      string          `json:"currency"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
	Counts        SnapshotCounts  `json:"counts"`
	Hours         SnapshotHours   `json:"hours"`
	Students      []StudentRollup `json:"students"`
	Teachers      []TeacherRollup `json:"teachers"`
	Financials    SnapshotMoney   `json:"financials"`
	Items         []LineItem      `json:"items"`
	Payments      []PaymentLog    `json:"payments"`
	Delivery      []DeliveryEntry `json:"delivery,omitempty"`
}

// SnapshotCounts carries item counts.
type SnapshotCounts struct {
	LessonCount int `json:"lesson_count"`
}

// SnapshotHours carries duration aggregates.
type SnapshotHours struct {
	TotalMinutes int `json:"total_minutes"`
}

// StudentRollup aggregates lessons and hours per student.
type StudentRollup struct {
	StudentID string  `json:"student_id"`
	Name      string  `json:"name"`
	Lessons   int     `json:"lessons"`
	Hours     float64 `json:"hours"`
}

// TeacherRollup aggregates delivered minutes per teacher. The sum of
// teacher minutes equals Hours.TotalMinutes.
type TeacherRollup struct {
	TeacherID string `json:"teacher_id"`
	Name      string `json:"name"`
	Minutes   int    `json:"minutes"`
}

// SnapshotMoney carries the financial summary.
type SnapshotMoney struct {
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         decimal.Decimal `json:"discount"`
	Tax              decimal.Decimal `json:"tax"`
	LateFee          decimal.Decimal `json:"late_fee"`
	TransferFee      decimal.Decimal `json:"transfer_fee"`
	Tip              decimal.Decimal `json:"tip"`
	Total            decimal.Decimal `json:"total"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	DueDate          string          `json:"due_date"`
}

// BuildSnapshot aggregates an invoice into an export snapshot. Pure and
// read-only: the invoice is never mutated.
func BuildSnapshot(inv *Invoice, opts SnapshotOptions) ExportSnapshot {
	snapshot := ExportSnapshot{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		GuardianID:    inv.GuardianID,
		Status:        inv.Status,
		Currency:      inv.Currency,
		PeriodStart:   inv.PeriodStart,
		PeriodEnd:     inv.PeriodEnd,
		Items:         []LineItem{},
		Payments:      []PaymentLog{},
	}

	loc := time.UTC
	if opts.Timezone != "" {
		if parsed, err := time.LoadLocation(opts.Timezone); err == nil {
			loc = parsed
		}
	}

	students := make(map[string]*StudentRollup)
	teachers := make(map[string]*TeacherRollup)
	totalMinutes := 0
	for _, item := range inv.Items {
		totalMinutes += item.DurationMinutes

		s := students[item.StudentID]
		if s == nil {
			s = &StudentRollup{StudentID: item.StudentID, Name: item.StudentName}
			students[item.StudentID] = s
		}
		s.Lessons++
		s.Hours += float64(item.DurationMinutes) / 60

		t := teachers[item.TeacherID]
		if t == nil {
			t = &TeacherRollup{TeacherID: item.TeacherID, Name: item.TeacherName}
			teachers[item.TeacherID] = t
		}
		t.Minutes += item.DurationMinutes
	}

	snapshot.Counts = SnapshotCounts{LessonCount: len(inv.Items)}
	snapshot.Hours = SnapshotHours{TotalMinutes: totalMinutes}
	snapshot.Students = sortedStudentRollups(students)
	snapshot.Teachers = sortedTeacherRollups(teachers)

	dueDate := ""
	if !inv.DueDate.IsZero() {
		dueDate = inv.DueDate.In(loc).Format("2006-01-02")
	}
	snapshot.Financials = SnapshotMoney{
		Subtotal:         inv.Subtotal,
		Discount:         inv.Discount,
		Tax:              inv.Tax,
		LateFee:          inv.LateFee,
		TransferFee:      inv.Transfer.Amount,
		Tip:              inv.Tip,
		Total:            inv.Total,
		PaidAmount:       inv.PaidAmount,
		RemainingBalance: inv.RemainingBalance(),
		DueDate:          dueDate,
	}

	if opts.IncludeItems {
		snapshot.Items = append(snapshot.Items, inv.Items...)
	}
	if opts.IncludePayments {
		snapshot.Payments = append(snapshot.Payments, inv.PaymentLogs...)
		snapshot.Delivery = append([]DeliveryEntry(nil), inv.Delivery...)
	}
	return snapshot
}

func sortedStudentRollups(rollups map[string]*StudentRollup) []StudentRollup {
	result := make([]StudentRollup, 0, len(rollups))
	for _, r := range rollups {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StudentID < result[j].StudentID })
	return result
}

func sortedTeacherRollups(rollups map[string]*TeacherRollup) []TeacherRollup {
	result := make([]TeacherRollup, 0, len(rollups))
	for _, r := range rollups {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TeacherID < result[j].TeacherID })
	return result
}
