package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	billingapp "tutorbill/internal/billing/application"
)

func holdEvent() billingapp.ReconciliationHoldRaised {
	return billingapp.ReconciliationHoldRaised{
		HoldID:     "hold-1",
		GuardianID: "g-1",
		InvoiceID:  "inv-1",
		Reason:     "hour credits exceed remaining ledger debits",
		OccurredAt: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	tpl, err := NewTemplate("")
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	notifier, err := NewHoldNotifier(channel, tpl)
	if err != nil {
		t.Fatalf("new hold notifier: %v", err)
	}

	if err := notifier.HandleEvent(context.Background(), holdEvent()); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("expected msgtype text, got %s", payload.MsgType)
		}
		content := payload.Text.Content
		checks := []string{
			"[Reconciliation Hold]",
			"Guardian: g-1",
			"Invoice: inv-1",
			"Reason: hour credits exceed remaining ledger debits",
			"Raised At: 2026-02-01T08:00:00Z",
			"Suggestion:",
		}
		for _, expected := range checks {
			if !strings.Contains(content, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, content string) error {
	r.mu.Lock()
	r.contents = append(r.contents, content)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestHoldNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewHoldNotifier(channel, nil,
		WithClock(clock),
		WithCooldown(10*time.Minute),
	)
	if err != nil {
		t.Fatalf("new hold notifier: %v", err)
	}

	event := holdEvent()
	_ = notifier.HandleEvent(context.Background(), event)
	_ = notifier.HandleEvent(context.Background(), event)
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during cooldown, got %d", got)
	}

	clock.Add(11 * time.Minute)
	_ = notifier.HandleEvent(context.Background(), event)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected 2 notifications after cooldown, got %d", got)
	}
}

func TestHoldNotifierDedupeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewHoldNotifier(channel, nil,
		WithClock(clock),
		WithDedupeWindow(30*time.Minute),
	)
	if err != nil {
		t.Fatalf("new hold notifier: %v", err)
	}

	event := holdEvent()
	_ = notifier.HandleEvent(context.Background(), event)
	clock.Add(5 * time.Minute)
	_ = notifier.HandleEvent(context.Background(), event)
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during dedupe window, got %d", got)
	}

	// Different content for the same guardian/invoice passes through.
	event.Reason = "student balance went negative"
	_ = notifier.HandleEvent(context.Background(), event)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected notification when content changes, got %d", got)
	}
}

func TestHoldNotifierIgnoresOtherEvents(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewHoldNotifier(channel, nil)
	if err != nil {
		t.Fatalf("new hold notifier: %v", err)
	}

	if err := notifier.HandleEvent(context.Background(), billingapp.InvoiceIssued{InvoiceID: "inv-1"}); err != nil {
		t.Fatalf("unrelated event: %v", err)
	}
	if got := channel.Count(); got != 0 {
		t.Fatalf("unrelated event sent %d notifications", got)
	}

	// Pointer events are unwrapped.
	event := holdEvent()
	if err := notifier.HandleEvent(context.Background(), &event); err != nil {
		t.Fatalf("pointer event: %v", err)
	}
	if got := channel.Count(); got != 1 {
		t.Fatalf("pointer event sent %d notifications, want 1", got)
	}
}
