package application

import (
	"context"
	"errors"
	"log"
	"time"

	billing "tutorbill/internal/billing/domain"
	masterdata "tutorbill/internal/masterdata/domain"
	"tutorbill/internal/observability/metrics"
)

// FollowUpService generates follow-up invoices when a student's prepaid
// hours fall below the guardian's minimum-lesson threshold.
type FollowUpService struct {
	invoices  *InvoiceService
	store     billing.Store
	guardians GuardianDirectory
	cfg       Config
	clock     Clock
	publisher Publisher
	logger    *log.Logger
}

// NewFollowUpService constructs a service.
func NewFollowUpService(invoices *InvoiceService, store billing.Store, guardians GuardianDirectory, cfg Config, opts ...FollowUpOption) (*FollowUpService, error) {
	if invoices == nil {
		return nil, errors.New("followup service: nil invoice service")
	}
	if store == nil {
		return nil, errors.New("followup service: nil store")
	}
	if guardians == nil {
		return nil, errors.New("followup service: nil guardian directory")
	}
	svc := &FollowUpService{
		invoices:  invoices,
		store:     store,
		guardians: guardians,
		cfg:       cfg,
		clock:     systemClock{},
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// FollowUpOption configures the service.
type FollowUpOption func(*FollowUpService)

// WithFollowUpClock overrides the clock.
func WithFollowUpClock(clock Clock) FollowUpOption {
	return func(svc *FollowUpService) {
		if clock != nil {
			svc.clock = clock
		}
	}
}

// WithFollowUpPublisher attaches an event publisher.
func WithFollowUpPublisher(publisher Publisher) FollowUpOption {
	return func(svc *FollowUpService) { svc.publisher = publisher }
}

// WithFollowUpLogger overrides the logger.
func WithFollowUpLogger(logger *log.Logger) FollowUpOption {
	return func(svc *FollowUpService) {
		if logger != nil {
			svc.logger = logger
		}
	}
}

// FollowUpResult reports the outcome of a follow-up evaluation.
type FollowUpResult struct {
	Created          bool             `json:"created"`
	SkipReason       string           `json:"skip_reason,omitempty"`
	StudentID        string           `json:"student_id,omitempty"`
	RemainingHours   float64          `json:"remaining_hours,omitempty"`
	ThresholdMinutes int              `json:"threshold_minutes,omitempty"`
	Invoice          *billing.Invoice `json:"invoice,omitempty"`
}

// EnsureNextInvoice evaluates the threshold policy for a guardian and
// creates a follow-up invoice when a student's remaining hours no longer
// cover one minimum-length lesson. The new invoice's period starts
// exactly where the previous invoice's period ended, so billing periods
// stay contiguous. The evaluation is idempotent: an existing active
// invoice covering the next period suppresses creation.
func (s *FollowUpService) EnsureNextInvoice(ctx context.Context, guardianID string) (*FollowUpResult, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveFollowUp(result, time.Since(start))
	}()

	outcome, err := s.ensureNextInvoice(ctx, guardianID)
	if err != nil {
		result = metrics.ResultError
		return nil, err
	}
	return outcome, nil
}

func (s *FollowUpService) ensureNextInvoice(ctx context.Context, guardianID string) (*FollowUpResult, error) {
	if guardianID == "" {
		return nil, billing.Validationf("guardian_id required")
	}
	guardian, err := s.guardians.Get(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if guardian == nil {
		return nil, billing.ErrGuardianNotFound
	}

	held, err := s.store.HasActiveHold(ctx, guardianID, "")
	if err != nil {
		return nil, err
	}
	if held {
		return nil, billing.ErrReconciliationHold
	}

	students, err := s.guardians.ListStudents(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	threshold := s.cfg.ThresholdForGuardian(guardianID, guardian.MinLessonDurationMinutes)
	candidate := pickFollowUpCandidate(students, threshold)
	if candidate == nil {
		return &FollowUpResult{SkipReason: "all students above threshold", ThresholdMinutes: threshold}, nil
	}

	previous, err := s.store.FindLatestActive(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		return &FollowUpResult{
			SkipReason:       "no previous invoice to anchor the next period",
			StudentID:        candidate.ID,
			RemainingHours:   candidate.HoursRemaining,
			ThresholdMinutes: threshold,
		}, nil
	}

	periodStart := previous.PeriodEnd
	periodEnd := periodStart.Add(previous.PeriodEnd.Sub(previous.PeriodStart))

	covered, err := s.periodCovered(ctx, guardianID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	if covered {
		return &FollowUpResult{
			SkipReason:       "active invoice already covers the next period",
			StudentID:        candidate.ID,
			RemainingHours:   candidate.HoursRemaining,
			ThresholdMinutes: threshold,
		}, nil
	}

	inv, err := s.invoices.CreateInvoice(ctx, CreateInvoiceRequest{
		GuardianID:  guardianID,
		Type:        billing.TypeGuardianInvoice,
		Reason:      billing.ReasonThresholdFollowup,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		AllowEmpty:  true,
	})
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		event := FollowUpInvoiceCreated{
			InvoiceID:         inv.ID,
			Number:            inv.Number,
			GuardianID:        guardianID,
			StudentID:         candidate.ID,
			RemainingHours:    candidate.HoursRemaining,
			ThresholdMinutes:  threshold,
			PreviousInvoiceID: previous.ID,
			PeriodStart:       inv.PeriodStart,
			PeriodEnd:         inv.PeriodEnd,
			OccurredAt:        s.clock.Now(),
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Printf("followup event publish failed: %v", err)
		}
	}
	s.logger.Printf("followup invoice created: guardian=%s student=%s remaining=%.2fh threshold=%dmin invoice=%s",
		guardianID, candidate.ID, candidate.HoursRemaining, threshold, inv.ID)

	return &FollowUpResult{
		Created:          true,
		StudentID:        candidate.ID,
		RemainingHours:   candidate.HoursRemaining,
		ThresholdMinutes: threshold,
		Invoice:          inv,
	}, nil
}

func (s *FollowUpService) periodCovered(ctx context.Context, guardianID string, periodStart, periodEnd time.Time) (bool, error) {
	for _, month := range []time.Time{periodStart, periodEnd.Add(-time.Nanosecond)} {
		existing, err := s.store.ListInvoices(ctx, guardianID, month)
		if err != nil {
			return false, err
		}
		for i := range existing {
			inv := &existing[i]
			if inv.Active() && inv.PeriodStart.Before(periodEnd) && inv.PeriodEnd.After(periodStart) {
				return true, nil
			}
		}
	}
	return false, nil
}

// pickFollowUpCandidate returns the student most in need of topping up:
// the one with the fewest remaining hours at or below the threshold,
// ties broken by earliest enrollment then id.
func pickFollowUpCandidate(students []masterdata.Student, thresholdMinutes int) *masterdata.Student {
	var candidate *masterdata.Student
	for i := range students {
		student := &students[i]
		if student.HoursRemaining*60 > float64(thresholdMinutes) {
			continue
		}
		if candidate == nil {
			candidate = student
			continue
		}
		switch {
		case student.HoursRemaining < candidate.HoursRemaining:
			candidate = student
		case student.HoursRemaining == candidate.HoursRemaining:
			if student.CreatedAt.Before(candidate.CreatedAt) ||
				(student.CreatedAt.Equal(candidate.CreatedAt) && student.ID < candidate.ID) {
				candidate = student
			}
		}
	}
	return candidate
}
