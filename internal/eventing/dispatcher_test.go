package eventing

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

type fakeOutbox struct {
	pending []OutboxRecord
	sent    []string
	failed  []string
}

func (f *fakeOutbox) ListPending(_ context.Context, _ int) ([]OutboxRecord, error) {
	return f.pending, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, id string) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id string) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeDLQ struct {
	failures []Envelope
}

func (f *fakeDLQ) RecordFailure(_ context.Context, env Envelope, _ error) error {
	f.failures = append(f.failures, env)
	return nil
}

func TestDispatchDeadLettersUnknownEventType(t *testing.T) {
	outbox := &fakeOutbox{pending: []OutboxRecord{{
		ID: "out-1",
		Envelope: Envelope{
			EventID:   "evt-unknown-001",
			EventType: "billing.Unknown",
			Payload:   json.RawMessage(`{}`),
		},
	}}}
	dlq := &fakeDLQ{}
	var buf bytes.Buffer
	dispatcher := NewDispatcher(NewInMemoryBus(), outbox, NewRegistry(), dlq,
		WithDispatcherLogger(log.New(&buf, "", 0)))

	if err := dispatcher.Dispatch(context.Background(), 10); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(outbox.failed) != 1 || outbox.failed[0] != "out-1" {
		t.Fatalf("failed = %v, want [out-1]", outbox.failed)
	}
	if len(outbox.sent) != 0 {
		t.Fatalf("sent = %v, want none", outbox.sent)
	}
	if len(dlq.failures) != 1 || dlq.failures[0].EventID != "evt-unknown-001" {
		t.Fatalf("dlq = %+v, want the undecodable envelope", dlq.failures)
	}
	if !strings.Contains(buf.String(), "dead-lettered") {
		t.Fatalf("log output = %q, want dead-letter line", buf.String())
	}
}
