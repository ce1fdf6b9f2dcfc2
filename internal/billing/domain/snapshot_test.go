package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustDate(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		t.Fatalf("parse date %q: %v", value, err)
	}
	return parsed
}

func snapshotFixture(t *testing.T) *Invoice {
	t.Helper()
	inv := Invoice{
		ID:          "inv-1",
		Number:      "INV-2026-01-0001",
		GuardianID:  "g-1",
		Status:      StatusSent,
		Currency:    "USD",
		PeriodStart: mustDate(t, "2026-01-01"),
		PeriodEnd:   mustDate(t, "2026-02-01"),
		DueDate:     mustDate(t, "2026-02-15"),
		Items: []LineItem{
			{LessonID: "l-1", StudentID: "s-1", StudentName: "Ada", TeacherID: "t-1", TeacherName: "Grace", DurationMinutes: 60, Amount: decimal.NewFromInt(40), AmountSet: true},
			{LessonID: "l-2", StudentID: "s-1", StudentName: "Ada", TeacherID: "t-2", TeacherName: "Edsger", DurationMinutes: 90, Amount: decimal.NewFromInt(60), AmountSet: true},
			{LessonID: "l-3", StudentID: "s-2", StudentName: "Alan", TeacherID: "t-1", TeacherName: "Grace", DurationMinutes: 45, Amount: decimal.NewFromInt(30), AmountSet: true},
		},
		PaymentLogs: []PaymentLog{
			{ID: "pay-1", Amount: decimal.NewFromInt(50)},
		},
	}
	out := RecalculateTotals(inv)
	out.PaidAmount = decimal.NewFromInt(50)
	return &out
}

func TestBuildSnapshotRollups(t *testing.T) {
	inv := snapshotFixture(t)
	snapshot := BuildSnapshot(inv, SnapshotOptions{IncludeItems: true, IncludePayments: true})

	if snapshot.Counts.LessonCount != 3 {
		t.Fatalf("lesson count = %d, want 3", snapshot.Counts.LessonCount)
	}
	if snapshot.Hours.TotalMinutes != 195 {
		t.Fatalf("total minutes = %d, want 195", snapshot.Hours.TotalMinutes)
	}

	if len(snapshot.Students) != 2 {
		t.Fatalf("student rollups = %d, want 2", len(snapshot.Students))
	}
	if snapshot.Students[0].StudentID != "s-1" || snapshot.Students[0].Lessons != 2 {
		t.Fatalf("unexpected first student rollup: %+v", snapshot.Students[0])
	}
	if snapshot.Students[0].Hours != 2.5 {
		t.Fatalf("s-1 hours = %v, want 2.5", snapshot.Students[0].Hours)
	}

	teacherMinutes := 0
	for _, teacher := range snapshot.Teachers {
		teacherMinutes += teacher.Minutes
	}
	if teacherMinutes != snapshot.Hours.TotalMinutes {
		t.Fatalf("teacher minutes sum %d != total minutes %d", teacherMinutes, snapshot.Hours.TotalMinutes)
	}

	if len(snapshot.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(snapshot.Items))
	}
	if len(snapshot.Payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(snapshot.Payments))
	}
}

func TestBuildSnapshotCompactKeepsAggregates(t *testing.T) {
	inv := snapshotFixture(t)
	snapshot := BuildSnapshot(inv, SnapshotOptions{})

	if len(snapshot.Items) != 0 {
		t.Fatalf("compact snapshot carries %d items", len(snapshot.Items))
	}
	if len(snapshot.Payments) != 0 {
		t.Fatalf("compact snapshot carries %d payments", len(snapshot.Payments))
	}
	if snapshot.Hours.TotalMinutes != 195 {
		t.Fatalf("compact aggregates dropped: minutes = %d", snapshot.Hours.TotalMinutes)
	}
	if len(snapshot.Students) != 2 || len(snapshot.Teachers) != 2 {
		t.Fatalf("compact rollups dropped: %d students, %d teachers", len(snapshot.Students), len(snapshot.Teachers))
	}
}

func TestBuildSnapshotFinancials(t *testing.T) {
	inv := snapshotFixture(t)
	snapshot := BuildSnapshot(inv, SnapshotOptions{})

	if !snapshot.Financials.Subtotal.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("subtotal = %s, want 130", snapshot.Financials.Subtotal)
	}
	if !snapshot.Financials.RemainingBalance.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("remaining = %s, want 80", snapshot.Financials.RemainingBalance)
	}
	if snapshot.Financials.DueDate != "2026-02-15" {
		t.Fatalf("due date = %q, want 2026-02-15", snapshot.Financials.DueDate)
	}
}

func TestBuildSnapshotDoesNotMutateInvoice(t *testing.T) {
	inv := snapshotFixture(t)
	before := inv.Clone()

	_ = BuildSnapshot(inv, SnapshotOptions{IncludeItems: true, IncludePayments: true})

	if len(inv.Items) != len(before.Items) || len(inv.PaymentLogs) != len(before.PaymentLogs) {
		t.Fatal("snapshot mutated the invoice")
	}
	if !inv.Total.Equal(before.Total) || !inv.PaidAmount.Equal(before.PaidAmount) {
		t.Fatal("snapshot mutated invoice financials")
	}
}
