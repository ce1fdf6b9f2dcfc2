package rates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	billing "tutorbill/internal/billing/domain"
)

const defaultRatesTable = "exchange_rates"

// MonthlyRate is one exchange rate row: base currency into Currency for
// a billing month. Locked months are closed books; new invoices must
// not price against them.
type MonthlyRate struct {
	Currency  string          `json:"currency"`
	Month     time.Time       `json:"month"`
	Rate      decimal.Decimal `json:"rate"`
	Locked    bool            `json:"locked"`
	LockedAt  time.Time       `json:"locked_at,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Provider resolves monthly exchange rates from Postgres.
type Provider struct {
	db       *sql.DB
	tenantID string
	table    string
}

// Option configures the provider.
type Option func(*Provider)

// WithRatesTable overrides the table name.
func WithRatesTable(table string) Option {
	return func(p *Provider) {
		if table != "" {
			p.table = table
		}
	}
}

// WithTenantID sets the tenant id scope.
func WithTenantID(tenantID string) Option {
	return func(p *Provider) {
		if tenantID != "" {
			p.tenantID = tenantID
		}
	}
}

// NewProvider constructs a provider.
func NewProvider(db *sql.DB, opts ...Option) *Provider {
	p := &Provider{db: db, table: defaultRatesTable}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MonthlyRate returns the rate for a currency in the month containing
// the given time. A locked month returns ErrRateLocked.
func (p *Provider) MonthlyRate(ctx context.Context, currency string, month time.Time) (decimal.Decimal, error) {
	rate, err := p.get(ctx, currency, monthStart(month))
	if err != nil {
		return decimal.Zero, err
	}
	if rate == nil {
		return decimal.Zero, fmt.Errorf("rates: no rate for %s in %s", currency, monthStart(month).Format("2006-01"))
	}
	if rate.Locked {
		return decimal.Zero, billing.ErrRateLocked
	}
	return rate.Rate, nil
}

// Get returns the stored rate row, or nil.
func (p *Provider) Get(ctx context.Context, currency string, month time.Time) (*MonthlyRate, error) {
	return p.get(ctx, currency, monthStart(month))
}

func (p *Provider) get(ctx context.Context, currency string, month time.Time) (*MonthlyRate, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("rates: nil db")
	}
	if currency == "" {
		return nil, errors.New("rates: empty currency")
	}

	query := fmt.Sprintf(`
SELECT currency, month, rate, locked, locked_at, updated_by, updated_at
FROM %s
WHERE tenant_id = $1 AND currency = $2 AND month = $3
LIMIT 1`, p.table)

	var rate MonthlyRate
	var rateText string
	var lockedAt sql.NullTime
	var updatedBy sql.NullString
	err := p.db.QueryRowContext(ctx, query, p.tenantID, currency, month).Scan(
		&rate.Currency,
		&rate.Month,
		&rateText,
		&rate.Locked,
		&lockedAt,
		&updatedBy,
		&rate.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	parsed, err := decimal.NewFromString(rateText)
	if err != nil {
		return nil, fmt.Errorf("rates: bad stored rate %q: %w", rateText, err)
	}
	rate.Rate = parsed
	if lockedAt.Valid {
		rate.LockedAt = lockedAt.Time.UTC()
	}
	if updatedBy.Valid {
		rate.UpdatedBy = updatedBy.String
	}
	rate.Month = rate.Month.UTC()
	rate.UpdatedAt = rate.UpdatedAt.UTC()
	return &rate, nil
}

// Upsert writes a rate for an unlocked month. Locked months reject
// updates with ErrRateLocked.
func (p *Provider) Upsert(ctx context.Context, currency string, month time.Time, value decimal.Decimal, actor string) (*MonthlyRate, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("rates: nil db")
	}
	if currency == "" {
		return nil, errors.New("rates: empty currency")
	}
	if !value.IsPositive() {
		return nil, errors.New("rates: rate must be positive")
	}
	start := monthStart(month)

	existing, err := p.get(ctx, currency, start)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Locked {
		return nil, billing.ErrRateLocked
	}

	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, currency, month, rate, locked, updated_by)
VALUES ($1, $2, $3, $4, FALSE, $5)
ON CONFLICT (tenant_id, currency, month)
DO UPDATE SET
	rate = EXCLUDED.rate,
	updated_by = EXCLUDED.updated_by,
	updated_at = NOW()
WHERE %s.locked = FALSE`, p.table, p.table)

	result, err := p.db.ExecContext(ctx, query, p.tenantID, currency, start, value.String(), actor)
	if err != nil {
		return nil, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, billing.ErrRateLocked
	}
	return p.get(ctx, currency, start)
}

// Lock closes the month for a currency. Idempotent.
func (p *Provider) Lock(ctx context.Context, currency string, month time.Time, actor string) (*MonthlyRate, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("rates: nil db")
	}
	start := monthStart(month)

	query := fmt.Sprintf(`
UPDATE %s
SET locked = TRUE,
	locked_at = COALESCE(locked_at, NOW()),
	updated_by = $4,
	updated_at = NOW()
WHERE tenant_id = $1 AND currency = $2 AND month = $3`, p.table)

	result, err := p.db.ExecContext(ctx, query, p.tenantID, currency, start, actor)
	if err != nil {
		return nil, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, fmt.Errorf("rates: no rate for %s in %s", currency, start.Format("2006-01"))
	}
	return p.get(ctx, currency, start)
}

// List returns all rates for a month across currencies.
func (p *Provider) List(ctx context.Context, month time.Time) ([]MonthlyRate, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("rates: nil db")
	}
	start := monthStart(month)

	query := fmt.Sprintf(`
SELECT currency, month, rate, locked, locked_at, updated_by, updated_at
FROM %s
WHERE tenant_id = $1 AND month = $2
ORDER BY currency ASC`, p.table)

	rows, err := p.db.QueryContext(ctx, query, p.tenantID, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MonthlyRate
	for rows.Next() {
		var rate MonthlyRate
		var rateText string
		var lockedAt sql.NullTime
		var updatedBy sql.NullString
		if err := rows.Scan(
			&rate.Currency,
			&rate.Month,
			&rateText,
			&rate.Locked,
			&lockedAt,
			&updatedBy,
			&rate.UpdatedAt,
		); err != nil {
			return nil, err
		}
		parsed, err := decimal.NewFromString(rateText)
		if err != nil {
			return nil, fmt.Errorf("rates: bad stored rate %q: %w", rateText, err)
		}
		rate.Rate = parsed
		if lockedAt.Valid {
			rate.LockedAt = lockedAt.Time.UTC()
		}
		if updatedBy.Valid {
			rate.UpdatedBy = updatedBy.String
		}
		rate.Month = rate.Month.UTC()
		rate.UpdatedAt = rate.UpdatedAt.UTC()
		result = append(result, rate)
	}
	return result, rows.Err()
}

func monthStart(at time.Time) time.Time {
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
}
