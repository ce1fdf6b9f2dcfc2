package interfaces_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	billingapp "tutorbill/internal/billing/application"
	billing "tutorbill/internal/billing/domain"
	"tutorbill/internal/billing/infrastructure/memory"
	"tutorbill/internal/billing/interfaces"
	masterdata "tutorbill/internal/masterdata/domain"
)

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

func newTestHandler(t *testing.T) (*interfaces.InvoiceHandler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	store.SeedGuardian(masterdata.Guardian{
		ID:         "g-1",
		TenantID:   "tenant-test",
		Name:       "Guardian One",
		TotalHours: 20,
		CreatedAt:  time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	store.SeedStudent(masterdata.Student{
		ID:             "s-1",
		GuardianID:     "g-1",
		TenantID:       "tenant-test",
		Name:           "Ada",
		HoursRemaining: 20,
		CreatedAt:      time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	store.SeedLesson(masterdata.Lesson{
		ID:              "l-1",
		TenantID:        "tenant-test",
		GuardianID:      "g-1",
		StudentID:       "s-1",
		StudentName:     "Ada",
		TeacherID:       "t-1",
		TeacherName:     "Grace",
		Subject:         "Math",
		StartAt:         time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		HourlyRate:      40,
		Attended:        true,
	})

	cfg := billingapp.Config{
		BaseCurrency:            "USD",
		DueDays:                 14,
		DefaultMinLessonMinutes: 60,
		MaxWriteRetries:         3,
	}
	discard := log.New(io.Discard, "", 0)
	service, err := billingapp.NewInvoiceService(store, store, store.Lessons(), nil, cfg, "tenant-test",
		billingapp.WithClock(fixedClock{at: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)}),
		billingapp.WithLogger(discard),
	)
	if err != nil {
		t.Fatalf("new invoice service: %v", err)
	}
	followUps, err := billingapp.NewFollowUpService(service, store, store, cfg,
		billingapp.WithFollowUpClock(fixedClock{at: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)}),
		billingapp.WithFollowUpLogger(discard),
	)
	if err != nil {
		t.Fatalf("new followup service: %v", err)
	}
	handler, err := interfaces.NewInvoiceHandler(service, followUps, nil, nil)
	if err != nil {
		t.Fatalf("new invoice handler: %v", err)
	}
	return handler, store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req = req.WithContext(context.Background())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func generateInvoice(t *testing.T, handler http.Handler) billing.Invoice {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices/generate", map[string]any{
		"guardian_id":  "g-1",
		"period_start": "2026-01-01T00:00:00Z",
		"period_end":   "2026-02-01T00:00:00Z",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status = %d, body %s", rec.Code, rec.Body.String())
	}
	var inv billing.Invoice
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	return inv
}

func TestHandleGenerateAndGet(t *testing.T) {
	handler, _ := newTestHandler(t)

	inv := generateInvoice(t, handler)
	if inv.Number != "INV-2026-01-0001" {
		t.Fatalf("number = %q", inv.Number)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/invoices/"+inv.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got struct {
		billing.Invoice
		EffectiveStatus  string `json:"effective_status"`
		RemainingBalance string `json:"remaining_balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EffectiveStatus != billing.StatusDraft {
		t.Fatalf("effective status = %q, want draft", got.EffectiveStatus)
	}
	if got.RemainingBalance != "40" {
		t.Fatalf("remaining balance = %q, want 40", got.RemainingBalance)
	}
}

func TestHandleGenerateValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices/generate", map[string]any{
		"guardian_id":  "g-1",
		"period_start": "2026-02-01T00:00:00Z",
		"period_end":   "2026-01-01T00:00:00Z",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted period status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/generate", map[string]any{
		"period_start": "2026-01-01T00:00:00Z",
		"period_end":   "2026-02-01T00:00:00Z",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing guardian status = %d, want 400", rec.Code)
	}
}

func TestHandlePaymentLifecycle(t *testing.T) {
	handler, _ := newTestHandler(t)
	inv := generateInvoice(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/send", map[string]any{
		"channel":   "email",
		"recipient": "guardian@example.com",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/payment", map[string]any{
		"amount": "40",
		"method": "bank_transfer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("payment status = %d, body %s", rec.Code, rec.Body.String())
	}
	var paid billing.Invoice
	if err := json.Unmarshal(rec.Body.Bytes(), &paid); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if paid.Status != billing.StatusPaid {
		t.Fatalf("status = %q, want paid", paid.Status)
	}

	// Refunding more than was paid maps to 400.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/refund", map[string]any{
		"amount": "100",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("over-refund status = %d, want 400", rec.Code)
	}
}

func TestHandleSnapshotCompact(t *testing.T) {
	handler, _ := newTestHandler(t)
	inv := generateInvoice(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/invoices/"+inv.ID+"/snapshot?compact=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", rec.Code)
	}
	var snapshot billing.ExportSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshot.Items) != 0 {
		t.Fatalf("compact snapshot has %d items", len(snapshot.Items))
	}
	if snapshot.Hours.TotalMinutes != 60 {
		t.Fatalf("total minutes = %d, want 60", snapshot.Hours.TotalMinutes)
	}
}

func TestHandleErrorsMapToStatus(t *testing.T) {
	handler, store := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/invoices/inv-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing invoice status = %d, want 404", rec.Code)
	}

	inv := generateInvoice(t, handler)

	// Double billing the same lesson is a conflict.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/generate", map[string]any{
		"guardian_id":  "g-1",
		"type":         "adhoc",
		"period_start": "2026-01-01T00:00:00Z",
		"period_end":   "2026-02-01T00:00:00Z",
		"lesson_ids":   []string{"l-1"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("double billing status = %d, want 409", rec.Code)
	}

	// A reconciliation hold blocks payments with a conflict.
	if err := store.CreateHold(context.Background(), billing.ReconciliationHold{
		ID:         "hold-1",
		GuardianID: "g-1",
		InvoiceID:  inv.ID,
		Reason:     "ledger mismatch",
		CreatedAt:  time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("create hold: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/payment", map[string]any{
		"amount": "10",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("held payment status = %d, want 409", rec.Code)
	}
}

func TestHandleFollowUpRoute(t *testing.T) {
	handler, _ := newTestHandler(t)
	generateInvoice(t, handler)

	// 20h seeded minus 1h billed leaves the student far above the
	// threshold, so the evaluation reports a skip.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/guardians/g-1/followup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("followup status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result billingapp.FollowUpResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Created || result.SkipReason != "all students above threshold" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
