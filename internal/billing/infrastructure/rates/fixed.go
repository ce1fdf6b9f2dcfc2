package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	billing "tutorbill/internal/billing/domain"
)

// FixedProvider serves rates from memory. Used in tests and when the
// deployment bills a single currency.
type FixedProvider struct {
	mu     sync.RWMutex
	rates  map[string]decimal.Decimal
	locked map[string]bool
}

// NewFixedProvider constructs an empty provider.
func NewFixedProvider() *FixedProvider {
	return &FixedProvider{
		rates:  make(map[string]decimal.Decimal),
		locked: make(map[string]bool),
	}
}

// Set stores a rate for a currency/month.
func (p *FixedProvider) Set(currency string, month time.Time, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[rateKey(currency, month)] = rate
}

// Lock closes the month for a currency.
func (p *FixedProvider) Lock(currency string, month time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked[rateKey(currency, month)] = true
}

// MonthlyRate returns the stored rate; locked months return
// ErrRateLocked.
func (p *FixedProvider) MonthlyRate(ctx context.Context, currency string, month time.Time) (decimal.Decimal, error) {
	_ = ctx
	p.mu.RLock()
	defer p.mu.RUnlock()
	key := rateKey(currency, month)
	if p.locked[key] {
		return decimal.Zero, billing.ErrRateLocked
	}
	rate, ok := p.rates[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("rates: no rate for %s in %s", currency, monthStart(month).Format("2006-01"))
	}
	return rate, nil
}

func rateKey(currency string, month time.Time) string {
	return currency + "|" + monthStart(month).Format("2006-01")
}
