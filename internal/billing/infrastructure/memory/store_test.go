package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	billing "tutorbill/internal/billing/domain"
	masterdata "tutorbill/internal/masterdata/domain"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore()
	store.SeedGuardian(masterdata.Guardian{ID: "g-1", TotalHours: 10})
	store.SeedStudent(masterdata.Student{ID: "s-1", GuardianID: "g-1", HoursRemaining: 10})
	store.SeedLesson(masterdata.Lesson{
		ID:              "l-1",
		GuardianID:      "g-1",
		StudentID:       "s-1",
		StartAt:         time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 120,
		HourlyRate:      40,
	})
	return store
}

func testInvoice(id, number string) *billing.Invoice {
	return &billing.Invoice{
		ID:         id,
		Number:     number,
		GuardianID: "g-1",
		Status:     billing.StatusDraft,
		Items: []billing.LineItem{
			{ID: "item-1", InvoiceID: id, LessonID: "l-1", StudentID: "s-1", DurationMinutes: 120, Amount: decimal.NewFromInt(80), AmountSet: true},
		},
		HourLedger: []billing.HourLedgerEntry{
			{StudentID: "s-1", DebitedHours: 2},
		},
		Version:   1,
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateInvoiceClaimsAndDebits(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	lesson, _ := store.Lesson("l-1")
	if lesson.BilledInInvoiceID != "inv-1" {
		t.Fatalf("lesson claimed by %q, want inv-1", lesson.BilledInInvoiceID)
	}
	student, _ := store.Student("s-1")
	if student.HoursRemaining != 8 {
		t.Fatalf("student balance = %v, want 8", student.HoursRemaining)
	}
	guardian, _ := store.Guardian("g-1")
	if guardian.TotalHours != 8 {
		t.Fatalf("guardian balance = %v, want 8", guardian.TotalHours)
	}
}

func TestCreateInvoiceRejectsDoubleClaim(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("first invoice: %v", err)
	}

	err := store.CreateInvoice(context.Background(), testInvoice("inv-2", "INV-2026-01-0002"))
	var conflict *billing.DoubleBillingConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want double billing conflict", err)
	}
	if conflict.LessonID != "l-1" || conflict.ClaimedByNumber != "INV-2026-01-0001" {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}

	// The failed insert must not touch balances.
	student, _ := store.Student("s-1")
	if student.HoursRemaining != 8 {
		t.Fatalf("student balance = %v, want 8 untouched", student.HoursRemaining)
	}
}

func TestCreateInvoiceConcurrentClaimSingleWinner(t *testing.T) {
	store := seedStore(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = store.CreateInvoice(context.Background(), testInvoice("inv-a", "INV-2026-01-0001"))
	}()
	go func() {
		defer wg.Done()
		errs[1] = store.CreateInvoice(context.Background(), testInvoice("inv-b", "INV-2026-01-0002"))
	}()
	wg.Wait()

	var winners, conflicts int
	for _, err := range errs {
		var conflict *billing.DoubleBillingConflict
		switch {
		case err == nil:
			winners++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || conflicts != 1 {
		t.Fatalf("winners = %d, conflicts = %d; want exactly one of each", winners, conflicts)
	}

	// The lesson is claimed once and the balance debited once.
	lesson, _ := store.Lesson("l-1")
	if !lesson.Billed() {
		t.Fatal("lesson not claimed by the winner")
	}
	student, _ := store.Student("s-1")
	if student.HoursRemaining != 8 {
		t.Fatalf("student balance = %v, want 8 after a single debit", student.HoursRemaining)
	}
}

func TestCreateInvoiceReclaimsStaleClaim(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("first invoice: %v", err)
	}

	// A claim left behind by an invoice that ended without releasing it
	// does not block rebilling.
	store.mu.Lock()
	store.invoices["inv-1"].Status = billing.StatusCancelled
	store.mu.Unlock()

	if err := store.CreateInvoice(context.Background(), testInvoice("inv-2", "INV-2026-01-0002")); err != nil {
		t.Fatalf("rebill after stale claim: %v", err)
	}
	lesson, _ := store.Lesson("l-1")
	if lesson.BilledInInvoiceID != "inv-2" {
		t.Fatalf("lesson claimed by %q, want inv-2", lesson.BilledInInvoiceID)
	}
}

func TestSavePaymentEventVersionCheck(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	stale, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	current, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := store.SavePaymentEvent(context.Background(), current, billing.PaymentLog{ID: "pay-1"}, nil); err != nil {
		t.Fatalf("first save: %v", err)
	}

	err = store.SavePaymentEvent(context.Background(), stale, billing.PaymentLog{ID: "pay-2"}, nil)
	if !errors.Is(err, billing.ErrStaleWrite) {
		t.Fatalf("stale save error = %v, want stale write", err)
	}
}

func TestSavePaymentEventRejectsOverCredit(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	inv, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Only 2 hours are debited on the ledger.
	err = store.SavePaymentEvent(context.Background(), inv, billing.PaymentLog{ID: "ref-1"}, []billing.HourCredit{
		{StudentID: "s-1", Hours: 3},
	})
	var recErr *billing.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("error = %v, want reconciliation error", err)
	}
	if recErr.GuardianID != "g-1" || recErr.InvoiceID != "inv-1" {
		t.Fatalf("unexpected reconciliation error: %+v", recErr)
	}

	student, _ := store.Student("s-1")
	if student.HoursRemaining != 8 {
		t.Fatalf("student balance = %v, want 8 untouched", student.HoursRemaining)
	}
}

func TestSavePaymentEventAppliesCredits(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	inv, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	inv.HourLedger[0].RefundedHours = 1.5

	if err := store.SavePaymentEvent(context.Background(), inv, billing.PaymentLog{ID: "ref-1"}, []billing.HourCredit{
		{StudentID: "s-1", Hours: 1.5},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	student, _ := store.Student("s-1")
	if student.HoursRemaining != 9.5 {
		t.Fatalf("student balance = %v, want 9.5", student.HoursRemaining)
	}
	guardian, _ := store.Guardian("g-1")
	if guardian.TotalHours != 9.5 {
		t.Fatalf("guardian balance = %v, want 9.5", guardian.TotalHours)
	}
}

func TestSavePaymentEventFullRefundReleasesClaims(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	inv, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	inv.Status = billing.StatusRefunded
	inv.HourLedger[0].RefundedHours = 2

	if err := store.SavePaymentEvent(context.Background(), inv, billing.PaymentLog{ID: "ref-1"}, []billing.HourCredit{
		{StudentID: "s-1", Hours: 2},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	lesson, _ := store.Lesson("l-1")
	if lesson.Billed() {
		t.Fatalf("lesson still claimed by %q after full refund", lesson.BilledInInvoiceID)
	}
	student, _ := store.Student("s-1")
	if student.HoursRemaining != 10 {
		t.Fatalf("student balance = %v, want 10 restored", student.HoursRemaining)
	}

	if err := store.CreateInvoice(context.Background(), testInvoice("inv-2", "INV-2026-01-0002")); err != nil {
		t.Fatalf("rebill after refund: %v", err)
	}
}

func TestCancelInvoiceRestoresRemainingHours(t *testing.T) {
	store := seedStore(t)
	if err := store.CreateInvoice(context.Background(), testInvoice("inv-1", "INV-2026-01-0001")); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	inv, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	inv.Status = billing.StatusCancelled

	if err := store.CancelInvoice(context.Background(), inv); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	lesson, _ := store.Lesson("l-1")
	if lesson.Billed() {
		t.Fatalf("lesson still claimed by %q", lesson.BilledInInvoiceID)
	}
	student, _ := store.Student("s-1")
	if student.HoursRemaining != 10 {
		t.Fatalf("student balance = %v, want 10 restored", student.HoursRemaining)
	}
}

func TestNextInvoiceNumberSequencesPerTypeAndMonth(t *testing.T) {
	store := NewStore()
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	first, _ := store.NextInvoiceNumber(context.Background(), billing.TypeGuardianInvoice, jan)
	second, _ := store.NextInvoiceNumber(context.Background(), billing.TypeGuardianInvoice, jan)
	adhoc, _ := store.NextInvoiceNumber(context.Background(), billing.TypeAdhoc, jan)
	nextMonth, _ := store.NextInvoiceNumber(context.Background(), billing.TypeGuardianInvoice, feb)

	if first != "INV-2026-01-0001" || second != "INV-2026-01-0002" {
		t.Fatalf("sequence = %q, %q", first, second)
	}
	if adhoc != "ADH-2026-01-0001" {
		t.Fatalf("adhoc number = %q", adhoc)
	}
	if nextMonth != "INV-2026-02-0001" {
		t.Fatalf("next month number = %q", nextMonth)
	}
}

func TestHoldsLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.CreateHold(ctx, billing.ReconciliationHold{
		ID:         "hold-1",
		GuardianID: "g-1",
		Reason:     "ledger mismatch",
		CreatedAt:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	held, err := store.HasActiveHold(ctx, "g-1", "")
	if err != nil || !held {
		t.Fatalf("active hold = %v, %v; want true", held, err)
	}

	if err := store.ResolveHold(ctx, "hold-1", time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	held, err = store.HasActiveHold(ctx, "g-1", "")
	if err != nil || held {
		t.Fatalf("active hold after resolve = %v, %v; want false", held, err)
	}

	open, err := store.ListHolds(ctx, "g-1", false)
	if err != nil || len(open) != 0 {
		t.Fatalf("open holds = %d, %v; want none", len(open), err)
	}
	all, err := store.ListHolds(ctx, "g-1", true)
	if err != nil || len(all) != 1 {
		t.Fatalf("all holds = %d, %v; want 1", len(all), err)
	}

	if err := store.ResolveHold(ctx, "hold-missing", time.Now().UTC()); !errors.Is(err, billing.ErrHoldNotFound) {
		t.Fatalf("missing hold error = %v, want hold not found", err)
	}
}
