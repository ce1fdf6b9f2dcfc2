package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	billingapp "tutorbill/internal/billing/application"
	"tutorbill/internal/eventing"
	eventingrepo "tutorbill/internal/eventing/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestEventing_IdempotentConsumer(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := applyEventingMigrations(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM processed_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM dead_letter_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM event_outbox")

	baseBus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(billingapp.InvoiceIssued{})

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(baseBus, outboxStore, registry, dlqStore)
	publisher := eventing.NewPublisher(outboxStore, dispatcher, "tenant-test", baseBus)

	count := 0
	eventing.Subscribe(baseBus, eventing.EventTypeOf[billingapp.InvoiceIssued](), "consumer-a", func(ctx context.Context, event any) error {
		count++
		return nil
	}, processedStore)

	eventID := "evt-dup-001"
	ctx = eventing.WithEventID(ctx, eventID)
	ctx = eventing.WithTenantID(ctx, "tenant-test")

	payload := billingapp.InvoiceIssued{
		InvoiceID:   "inv-1",
		Number:      "INV-2026-01-0001",
		GuardianID:  "g-1",
		Type:        "guardian_invoice",
		Currency:    "USD",
		Total:       decimal.NewFromInt(130),
		LessonCount: 2,
		PeriodStart: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC),
		OccurredAt:  time.Date(2026, time.February, 2, 0, 0, 0, 0, time.UTC),
	}

	if err := publisher.Publish(ctx, payload); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if err := publisher.Publish(ctx, payload); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}

	_ = dispatcher.Dispatch(ctx, 10)

	if count != 1 {
		t.Fatalf("expected handler once, got %d", count)
	}
}

func TestEventing_DLQOnFailure(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := applyEventingMigrations(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM processed_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM dead_letter_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM event_outbox")

	baseBus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(billingapp.ReconciliationHoldRaised{})

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(baseBus, outboxStore, registry, dlqStore)
	publisher := eventing.NewPublisher(outboxStore, dispatcher, "tenant-test", baseBus)

	eventing.Subscribe(baseBus, eventing.EventTypeOf[billingapp.ReconciliationHoldRaised](), "consumer-fail", func(ctx context.Context, event any) error {
		return errors.New("boom")
	}, processedStore)

	payload := billingapp.ReconciliationHoldRaised{
		HoldID:     "hold-1",
		GuardianID: "g-1",
		InvoiceID:  "inv-1",
		Reason:     "hour credits exceed remaining ledger debits",
		OccurredAt: time.Date(2026, time.February, 2, 0, 0, 0, 0, time.UTC),
	}

	if err := publisher.Publish(ctx, payload); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	_ = dispatcher.Dispatch(ctx, 10)

	var dlqCount int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter_events").Scan(&dlqCount); err != nil {
		t.Fatalf("count dlq: %v", err)
	}
	if dlqCount != 1 {
		t.Fatalf("expected 1 dlq record, got %d", dlqCount)
	}
}

func applyEventingMigrations(db *sql.DB) error {
	root := projectRoot()
	content, err := os.ReadFile(filepath.Join(root, "migrations", "004_eventing.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(content))
	return err
}

func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Clean(filepath.Join(dir, "..", "..", ".."))
}
