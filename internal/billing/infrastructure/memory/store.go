package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	billing "tutorbill/internal/billing/domain"
	masterdata "tutorbill/internal/masterdata/domain"
)

// Store is an in-memory implementation of the billing store and the
// master-data lookups. It mirrors the transactional semantics of the
// Postgres store: compound mutations apply fully or not at all under
// one lock.
type Store struct {
	mu        sync.RWMutex
	invoices  map[string]*billing.Invoice
	guardians map[string]*masterdata.Guardian
	students  map[string]*masterdata.Student
	lessons   map[string]*masterdata.Lesson
	holds     []billing.ReconciliationHold
	sequences map[string]int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		invoices:  make(map[string]*billing.Invoice),
		guardians: make(map[string]*masterdata.Guardian),
		students:  make(map[string]*masterdata.Student),
		lessons:   make(map[string]*masterdata.Lesson),
		sequences: make(map[string]int),
	}
}

// SeedGuardian inserts or replaces a guardian.
func (s *Store) SeedGuardian(guardian masterdata.Guardian) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guardians[guardian.ID] = &guardian
}

// SeedStudent inserts or replaces a student.
func (s *Store) SeedStudent(student masterdata.Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[student.ID] = &student
}

// SeedLesson inserts or replaces a lesson.
func (s *Store) SeedLesson(lesson masterdata.Lesson) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons[lesson.ID] = &lesson
}

// Guardian returns the live balance-bearing guardian record.
func (s *Store) Guardian(id string) (masterdata.Guardian, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	guardian := s.guardians[id]
	if guardian == nil {
		return masterdata.Guardian{}, false
	}
	return *guardian, true
}

// Student returns the live student record.
func (s *Store) Student(id string) (masterdata.Student, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	student := s.students[id]
	if student == nil {
		return masterdata.Student{}, false
	}
	return *student, true
}

// Lesson returns the live lesson record.
func (s *Store) Lesson(id string) (masterdata.Lesson, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson := s.lessons[id]
	if lesson == nil {
		return masterdata.Lesson{}, false
	}
	return *lesson, true
}

// Get implements the guardian directory.
func (s *Store) Get(ctx context.Context, id string) (*masterdata.Guardian, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	guardian := s.guardians[id]
	if guardian == nil {
		return nil, nil
	}
	clone := *guardian
	return &clone, nil
}

// ListStudents returns a guardian's students ordered by enrollment.
func (s *Store) ListStudents(ctx context.Context, guardianID string) ([]masterdata.Student, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []masterdata.Student
	for _, student := range s.students {
		if student.GuardianID == guardianID {
			result = append(result, *student)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// GetLesson returns a detached lesson copy.
func (s *Store) GetLesson(ctx context.Context, id string) (*masterdata.Lesson, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson := s.lessons[id]
	if lesson == nil {
		return nil, nil
	}
	clone := *lesson
	return &clone, nil
}

// Lessons exposes the store as a lesson source. The wrapper exists
// because the store's Get already resolves guardians.
func (s *Store) Lessons() *LessonView { return &LessonView{store: s} }

// LessonView adapts the store to the lesson source interface.
type LessonView struct {
	store *Store
}

// Get loads a lesson.
func (v *LessonView) Get(ctx context.Context, id string) (*masterdata.Lesson, error) {
	return v.store.GetLesson(ctx, id)
}

// ListUnbilled lists unclaimed lessons in a period.
func (v *LessonView) ListUnbilled(ctx context.Context, guardianID string, periodStart, periodEnd time.Time) ([]masterdata.Lesson, error) {
	return v.store.ListUnbilled(ctx, guardianID, periodStart, periodEnd)
}

// ListUnbilled returns unclaimed lessons in a period, ordered by start.
func (s *Store) ListUnbilled(ctx context.Context, guardianID string, periodStart, periodEnd time.Time) ([]masterdata.Lesson, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []masterdata.Lesson
	for _, lesson := range s.lessons {
		if lesson.GuardianID != guardianID || lesson.Billed() {
			continue
		}
		if lesson.StartAt.Before(periodStart) || !lesson.StartAt.Before(periodEnd) {
			continue
		}
		result = append(result, *lesson)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartAt.Before(result[j].StartAt) })
	return result, nil
}

// NextInvoiceNumber allocates a sequential number per type and month.
func (s *Store) NextInvoiceNumber(ctx context.Context, invoiceType string, period time.Time) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextNumberLocked(invoiceType, period), nil
}

func (s *Store) nextNumberLocked(invoiceType string, period time.Time) string {
	prefix := "INV"
	if invoiceType == billing.TypeAdhoc {
		prefix = "ADH"
	}
	key := invoiceType + "|" + period.UTC().Format("2006-01")
	s.sequences[key]++
	return fmt.Sprintf("%s-%s-%04d", prefix, period.UTC().Format("2006-01"), s.sequences[key])
}

// CreateInvoice claims lessons, debits hour balances and inserts the
// invoice. Everything applies under one lock or nothing does.
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	_ = ctx
	if inv == nil {
		return errors.New("memory store: nil invoice")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("memory store: invoice %s already exists", inv.ID)
	}

	// Validate every claim before touching anything. A claim held by a
	// cancelled, refunded or deleted invoice is stale and reclaimable.
	for _, item := range inv.Items {
		if item.LessonID == "" {
			continue
		}
		lesson := s.lessons[item.LessonID]
		if lesson == nil {
			return billing.ErrLessonNotFound
		}
		if lesson.Billed() && lesson.BilledInInvoiceID != inv.ID {
			claiming := s.invoices[lesson.BilledInInvoiceID]
			if claiming != nil && claiming.Active() {
				return &billing.DoubleBillingConflict{
					LessonID:        lesson.ID,
					ClaimedByNumber: claiming.Number,
					RequestedNumber: inv.Number,
				}
			}
		}
	}

	now := time.Now().UTC()
	for _, item := range inv.Items {
		if item.LessonID == "" {
			continue
		}
		lesson := s.lessons[item.LessonID]
		lesson.BilledInInvoiceID = inv.ID
		lesson.BilledAt = now
	}
	for _, entry := range inv.HourLedger {
		if student := s.students[entry.StudentID]; student != nil {
			student.HoursRemaining -= entry.DebitedHours
		}
		if guardian := s.guardians[inv.GuardianID]; guardian != nil {
			guardian.TotalHours -= entry.DebitedHours
		}
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

// GetInvoice returns a detached copy.
func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv := s.invoices[id]
	if inv == nil {
		return nil, nil
	}
	return inv.Clone(), nil
}

// ListInvoices returns a guardian's invoices whose period overlaps the
// given calendar month (all invoices when month is zero), most recent
// first.
func (s *Store) ListInvoices(ctx context.Context, guardianID string, month time.Time) ([]billing.Invoice, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var monthStart, monthEnd time.Time
	if !month.IsZero() {
		monthStart = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
		monthEnd = monthStart.AddDate(0, 1, 0)
	}

	var result []billing.Invoice
	for _, inv := range s.invoices {
		if inv.GuardianID != guardianID {
			continue
		}
		if !month.IsZero() {
			if !inv.PeriodStart.Before(monthEnd) || !inv.PeriodEnd.After(monthStart) {
				continue
			}
		}
		result = append(result, *inv.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// FindLatestActive returns the most recent active invoice, or nil.
func (s *Store) FindLatestActive(ctx context.Context, guardianID string) (*billing.Invoice, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *billing.Invoice
	for _, inv := range s.invoices {
		if inv.GuardianID != guardianID || !inv.Active() {
			continue
		}
		if latest == nil || inv.CreatedAt.After(latest.CreatedAt) ||
			(inv.CreatedAt.Equal(latest.CreatedAt) && inv.ID > latest.ID) {
			latest = inv
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

// SavePaymentEvent applies a computed payment or refund, version
// checked. Hour credits land on the student and guardian balances in
// the same critical section as the invoice write.
func (s *Store) SavePaymentEvent(ctx context.Context, inv *billing.Invoice, log billing.PaymentLog, credits []billing.HourCredit) error {
	_ = ctx
	_ = log
	if inv == nil {
		return errors.New("memory store: nil invoice")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.invoices[inv.ID]
	if stored == nil {
		return billing.ErrInvoiceNotFound
	}
	if stored.Version != inv.Version {
		return billing.ErrStaleWrite
	}

	var totalCredit float64
	for _, credit := range credits {
		totalCredit += credit.Hours
	}
	if totalCredit > stored.DebitedHours()-stored.RefundedHours()+1e-9 {
		return &billing.ReconciliationError{
			GuardianID: inv.GuardianID,
			InvoiceID:  inv.ID,
			Reason:     "hour credits exceed remaining ledger debits",
		}
	}

	for _, credit := range credits {
		if student := s.students[credit.StudentID]; student != nil {
			student.HoursRemaining += credit.Hours
		}
		if guardian := s.guardians[inv.GuardianID]; guardian != nil {
			guardian.TotalHours += credit.Hours
		}
	}

	// A full refund ends the invoice; its lessons become billable again,
	// mirroring cancellation.
	if inv.Status == billing.StatusRefunded {
		for _, lesson := range s.lessons {
			if lesson.BilledInInvoiceID == inv.ID {
				lesson.BilledInInvoiceID = ""
				lesson.BilledAt = time.Time{}
			}
		}
	}

	inv.Version++
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

// RecordDelivery appends a delivery entry, version checked.
func (s *Store) RecordDelivery(ctx context.Context, inv *billing.Invoice, entry billing.DeliveryEntry, markSent bool) error {
	_ = ctx
	_ = entry
	_ = markSent
	if inv == nil {
		return errors.New("memory store: nil invoice")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.invoices[inv.ID]
	if stored == nil {
		return billing.ErrInvoiceNotFound
	}
	if stored.Version != inv.Version {
		return billing.ErrStaleWrite
	}
	inv.Version++
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

// CancelInvoice voids the invoice, releases its lesson claims and
// restores the hours still debited, all under one lock.
func (s *Store) CancelInvoice(ctx context.Context, inv *billing.Invoice) error {
	_ = ctx
	if inv == nil {
		return errors.New("memory store: nil invoice")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.invoices[inv.ID]
	if stored == nil {
		return billing.ErrInvoiceNotFound
	}
	if stored.Version != inv.Version {
		return billing.ErrStaleWrite
	}

	for _, lesson := range s.lessons {
		if lesson.BilledInInvoiceID == inv.ID {
			lesson.BilledInInvoiceID = ""
			lesson.BilledAt = time.Time{}
		}
	}
	for _, entry := range stored.HourLedger {
		remaining := entry.DebitedHours - entry.RefundedHours
		if remaining <= 0 {
			continue
		}
		if student := s.students[entry.StudentID]; student != nil {
			student.HoursRemaining += remaining
		}
		if guardian := s.guardians[inv.GuardianID]; guardian != nil {
			guardian.TotalHours += remaining
		}
	}

	inv.Version++
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

// CreateHold records a reconciliation hold.
func (s *Store) CreateHold(ctx context.Context, hold billing.ReconciliationHold) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds = append(s.holds, hold)
	return nil
}

// HasActiveHold reports whether an unresolved hold blocks the guardian
// (any invoice when invoiceID is empty).
func (s *Store) HasActiveHold(ctx context.Context, guardianID, invoiceID string) (bool, error) {
	_ = ctx
	_ = invoiceID
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, hold := range s.holds {
		if hold.GuardianID == guardianID && hold.ResolvedAt.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

// ListHolds returns holds for a guardian (all guardians when empty).
func (s *Store) ListHolds(ctx context.Context, guardianID string, includeResolved bool) ([]billing.ReconciliationHold, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []billing.ReconciliationHold
	for _, hold := range s.holds {
		if guardianID != "" && hold.GuardianID != guardianID {
			continue
		}
		if !includeResolved && !hold.ResolvedAt.IsZero() {
			continue
		}
		result = append(result, hold)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ResolveHold marks a hold resolved.
func (s *Store) ResolveHold(ctx context.Context, holdID string, resolvedAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.holds {
		if s.holds[i].ID == holdID {
			s.holds[i].ResolvedAt = resolvedAt
			return nil
		}
	}
	return billing.ErrHoldNotFound
}
