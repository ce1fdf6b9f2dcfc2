package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	billing "tutorbill/internal/billing/domain"
)

func TestFixedProviderMonthlyRate(t *testing.T) {
	provider := NewFixedProvider()
	jan := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	provider.Set("EUR", jan, decimal.NewFromFloat(0.92))

	// Any day inside the month resolves to the same rate.
	rate, err := provider.MonthlyRate(context.Background(), "EUR", time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("monthly rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.92)) {
		t.Fatalf("rate = %s, want 0.92", rate)
	}

	_, err = provider.MonthlyRate(context.Background(), "EUR", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("missing month returned a rate")
	}
	_, err = provider.MonthlyRate(context.Background(), "GBP", jan)
	if err == nil {
		t.Fatal("missing currency returned a rate")
	}
}

func TestFixedProviderLockedMonth(t *testing.T) {
	provider := NewFixedProvider()
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	provider.Set("EUR", jan, decimal.NewFromFloat(0.92))
	provider.Lock("EUR", jan)

	_, err := provider.MonthlyRate(context.Background(), "EUR", jan)
	if !errors.Is(err, billing.ErrRateLocked) {
		t.Fatalf("locked month error = %v, want rate locked", err)
	}

	// Other currencies in the same month stay open.
	provider.Set("GBP", jan, decimal.NewFromFloat(0.79))
	if _, err := provider.MonthlyRate(context.Background(), "GBP", jan); err != nil {
		t.Fatalf("open currency: %v", err)
	}
}
