package masterdata

import (
	"context"
	"errors"
	"time"
)

// Guardian is the paying account holder responsible for one or more
// students. Hour balances on the guardian and its students are mutated
// only by the billing engine, inside the same transaction as the
// invoice event that caused the change.
type Guardian struct {
	ID                       string
	TenantID                 string
	Name                     string
	Email                    string
	Currency                 string
	TotalHours               float64
	MinLessonDurationMinutes int
	PreferredPaymentMethod   string
	TransferFeeMode          string
	TransferFeeValue         float64
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Validate checks guardian invariants.
func (g Guardian) Validate() error {
	if g.ID == "" {
		return errors.New("guardian: empty id")
	}
	if g.TenantID == "" {
		return errors.New("guardian: empty tenant id")
	}
	if g.Name == "" {
		return errors.New("guardian: empty name")
	}
	return nil
}

// Student is a learner under a guardian. CreatedAt is the tie-break key
// when the follow-up policy must pick between students with identical
// remaining hours.
type Student struct {
	ID             string
	GuardianID     string
	TenantID       string
	Name           string
	HoursRemaining float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks student invariants.
func (s Student) Validate() error {
	if s.ID == "" {
		return errors.New("student: empty id")
	}
	if s.GuardianID == "" {
		return errors.New("student: empty guardian id")
	}
	if s.Name == "" {
		return errors.New("student: empty name")
	}
	return nil
}

// GuardianRepository manages guardian persistence.
type GuardianRepository interface {
	Get(ctx context.Context, id string) (*Guardian, error)
	Save(ctx context.Context, guardian *Guardian) error
	ListStudents(ctx context.Context, guardianID string) ([]Student, error)
}
