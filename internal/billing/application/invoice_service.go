package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tutorbill/internal/auth"
	billing "tutorbill/internal/billing/domain"
	masterdata "tutorbill/internal/masterdata/domain"
	"tutorbill/internal/observability/metrics"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// GuardianDirectory exposes the master-data lookups the billing engine
// needs. *postgres.GuardianRepository and the memory store satisfy it.
type GuardianDirectory interface {
	Get(ctx context.Context, id string) (*masterdata.Guardian, error)
	ListStudents(ctx context.Context, guardianID string) ([]masterdata.Student, error)
}

// LessonSource lists billable lessons. The scheduling repository
// satisfies it.
type LessonSource interface {
	Get(ctx context.Context, id string) (*masterdata.Lesson, error)
	ListUnbilled(ctx context.Context, guardianID string, periodStart, periodEnd time.Time) ([]masterdata.Lesson, error)
}

// RateProvider resolves the monthly exchange rate from the base
// currency into a target currency. Locked months return ErrRateLocked.
type RateProvider interface {
	MonthlyRate(ctx context.Context, currency string, month time.Time) (decimal.Decimal, error)
}

// InvoiceService runs the invoice lifecycle: generation, payments,
// refunds, sends and cancellations.
type InvoiceService struct {
	store     billing.Store
	guardians GuardianDirectory
	lessons   LessonSource
	rates     RateProvider
	publisher Publisher
	cfg       Config
	clock     Clock
	logger    *log.Logger
	tenantID  string
}

// NewInvoiceService constructs a service.
func NewInvoiceService(store billing.Store, guardians GuardianDirectory, lessons LessonSource, rates RateProvider, cfg Config, tenantID string, opts ...InvoiceServiceOption) (*InvoiceService, error) {
	if store == nil {
		return nil, errors.New("invoice service: nil store")
	}
	if guardians == nil {
		return nil, errors.New("invoice service: nil guardian directory")
	}
	if tenantID == "" {
		return nil, errors.New("invoice service: empty tenant id")
	}
	svc := &InvoiceService{
		store:     store,
		guardians: guardians,
		lessons:   lessons,
		rates:     rates,
		cfg:       cfg,
		clock:     systemClock{},
		logger:    log.Default(),
		tenantID:  tenantID,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// InvoiceServiceOption configures the service.
type InvoiceServiceOption func(*InvoiceService)

// WithClock overrides the clock.
func WithClock(clock Clock) InvoiceServiceOption {
	return func(svc *InvoiceService) {
		if clock != nil {
			svc.clock = clock
		}
	}
}

// WithPublisher attaches an event publisher.
func WithPublisher(publisher Publisher) InvoiceServiceOption {
	return func(svc *InvoiceService) { svc.publisher = publisher }
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) InvoiceServiceOption {
	return func(svc *InvoiceService) {
		if logger != nil {
			svc.logger = logger
		}
	}
}

// CreateInvoiceRequest describes an invoice to generate. When LessonIDs
// is empty, every unbilled lesson of the guardian inside the period is
// billed. AllowEmpty permits zero-lesson invoices (follow-ups).
type CreateInvoiceRequest struct {
	GuardianID  string
	Type        string
	Reason      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	DueDate     time.Time
	LessonIDs   []string
	Discount    decimal.Decimal
	Tax         decimal.Decimal
	Coverage    billing.Coverage
	AllowEmpty  bool
}

// CreateInvoice generates a guardian invoice: it resolves the lessons,
// computes line items and totals, debits hour balances, and commits the
// invoice with its lesson claims in one transaction.
func (s *InvoiceService) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*billing.Invoice, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoiceGenerate(result, time.Since(start))
	}()

	inv, err := s.createInvoice(ctx, req)
	if err != nil {
		result = metrics.ResultError
		return nil, err
	}
	return inv, nil
}

func (s *InvoiceService) createInvoice(ctx context.Context, req CreateInvoiceRequest) (*billing.Invoice, error) {
	if req.GuardianID == "" {
		return nil, billing.Validationf("guardian_id required")
	}
	if req.PeriodEnd.IsZero() || req.PeriodStart.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return nil, billing.Validationf("period end must follow period start")
	}

	guardian, err := s.guardians.Get(ctx, req.GuardianID)
	if err != nil {
		return nil, err
	}
	if guardian == nil {
		return nil, billing.ErrGuardianNotFound
	}

	held, err := s.store.HasActiveHold(ctx, req.GuardianID, "")
	if err != nil {
		return nil, err
	}
	if held {
		return nil, billing.ErrReconciliationHold
	}

	lessons, err := s.resolveLessons(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(lessons) == 0 && !req.AllowEmpty {
		return nil, billing.Validationf("no unbilled lessons in period")
	}

	currency := guardian.Currency
	if currency == "" {
		currency = s.cfg.BaseCurrency
	}
	rate := decimal.NewFromInt(1)
	if currency != s.cfg.BaseCurrency && s.rates != nil {
		rate, err = s.rates.MonthlyRate(ctx, currency, req.PeriodStart)
		if err != nil {
			return nil, err
		}
	}

	invoiceType := req.Type
	if invoiceType == "" {
		invoiceType = billing.TypeGuardianInvoice
	}
	number, err := s.store.NextInvoiceNumber(ctx, invoiceType, req.PeriodStart)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	dueDate := req.DueDate
	if dueDate.IsZero() {
		dueDate = req.PeriodEnd.AddDate(0, 0, s.cfg.DueDays)
	}

	inv := &billing.Invoice{
		ID:          "inv-" + uuid.NewString(),
		Number:      number,
		TenantID:    s.resolveTenant(ctx),
		GuardianID:  guardian.ID,
		Type:        invoiceType,
		Status:      billing.StatusDraft,
		Reason:      req.Reason,
		Currency:    currency,
		PeriodStart: req.PeriodStart.UTC(),
		PeriodEnd:   req.PeriodEnd.UTC(),
		DueDate:     dueDate.UTC(),
		Discount:    req.Discount,
		Tax:         req.Tax,
		Coverage:    req.Coverage,
		Transfer:    s.transferFeeFor(guardian),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	debits := map[string]float64{}
	for _, lesson := range lessons {
		hourlyRate := decimal.NewFromFloat(lesson.HourlyRate).Mul(rate)
		inv.Items = append(inv.Items, billing.LineItem{
			ID:              "item-" + uuid.NewString(),
			InvoiceID:       inv.ID,
			LessonID:        lesson.ID,
			Description:     lesson.Subject,
			Date:            lesson.StartAt,
			DurationMinutes: lesson.DurationMinutes,
			Rate:            hourlyRate,
			StudentID:       lesson.StudentID,
			StudentName:     lesson.StudentName,
			TeacherID:       lesson.TeacherID,
			TeacherName:     lesson.TeacherName,
			Attended:        lesson.Attended,
		})
		debits[lesson.StudentID] += float64(lesson.DurationMinutes) / 60
	}
	for studentID, hours := range debits {
		inv.HourLedger = append(inv.HourLedger, billing.HourLedgerEntry{
			StudentID:    studentID,
			DebitedHours: hours,
		})
	}
	sortLedger(inv.HourLedger)

	recalculated := billing.RecalculateTotals(*inv)
	inv = &recalculated

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.publish(ctx, InvoiceIssued{
		InvoiceID:   inv.ID,
		Number:      inv.Number,
		GuardianID:  inv.GuardianID,
		Type:        inv.Type,
		Reason:      inv.Reason,
		Currency:    inv.Currency,
		Total:       inv.Total,
		LessonCount: len(inv.Items),
		PeriodStart: inv.PeriodStart,
		PeriodEnd:   inv.PeriodEnd,
		OccurredAt:  now,
	})
	s.logger.Printf("invoice generated: id=%s number=%s guardian=%s lessons=%d total=%s",
		inv.ID, inv.Number, inv.GuardianID, len(inv.Items), inv.Total.StringFixed(2))
	return inv, nil
}

func (s *InvoiceService) resolveLessons(ctx context.Context, req CreateInvoiceRequest) ([]masterdata.Lesson, error) {
	if len(req.LessonIDs) > 0 {
		lessons := make([]masterdata.Lesson, 0, len(req.LessonIDs))
		for _, id := range req.LessonIDs {
			lesson, err := s.lessons.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if lesson == nil {
				return nil, billing.ErrLessonNotFound
			}
			if lesson.GuardianID != req.GuardianID {
				return nil, billing.Validationf("lesson %s belongs to another guardian", id)
			}
			lessons = append(lessons, *lesson)
		}
		return lessons, nil
	}
	if s.lessons == nil {
		return nil, nil
	}
	return s.lessons.ListUnbilled(ctx, req.GuardianID, req.PeriodStart, req.PeriodEnd)
}

func (s *InvoiceService) transferFeeFor(guardian *masterdata.Guardian) billing.TransferFee {
	mode := guardian.TransferFeeMode
	value := guardian.TransferFeeValue
	if mode == "" {
		mode = s.cfg.TransferFee.Mode
		value = s.cfg.TransferFee.Value
	}
	if mode == "" {
		mode = billing.TransferFeeFixed
	}
	return billing.TransferFee{Mode: mode, Value: decimal.NewFromFloat(value)}
}

// Get returns an invoice by id.
func (s *InvoiceService) Get(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, billing.ErrInvoiceNotFound
	}
	return inv, nil
}

// List returns a guardian's invoices for a billing month.
func (s *InvoiceService) List(ctx context.Context, guardianID string, month time.Time) ([]billing.Invoice, error) {
	if guardianID == "" {
		return nil, billing.Validationf("guardian_id required")
	}
	return s.store.ListInvoices(ctx, guardianID, month)
}

// MarkSent records a delivery and transitions a draft invoice to sent.
// Re-sends on an already-sent invoice only append the delivery entry.
func (s *InvoiceService) MarkSent(ctx context.Context, invoiceID, channel, recipient string) (*billing.Invoice, error) {
	if channel == "" {
		return nil, billing.Validationf("channel required")
	}

	var sent *billing.Invoice
	err := s.withRetry(ctx, func() error {
		inv, err := s.Get(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == billing.StatusCancelled || inv.Status == billing.StatusRefunded || inv.Deleted {
			return billing.ErrTerminalStatus
		}

		now := s.clock.Now()
		entry := billing.DeliveryEntry{
			ID:         "dlv-" + uuid.NewString(),
			Channel:    channel,
			Status:     "requested",
			Recipient:  recipient,
			RecordedAt: now,
		}
		markSent := inv.Status == billing.StatusDraft
		inv.Delivery = append(inv.Delivery, entry)
		if markSent {
			inv.Status = billing.StatusSent
			inv.SentAt = now
		}
		inv.UpdatedAt = now
		if err := s.store.RecordDelivery(ctx, inv, entry, markSent); err != nil {
			return err
		}
		sent = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, InvoiceSent{
		InvoiceID:  sent.ID,
		Number:     sent.Number,
		GuardianID: sent.GuardianID,
		Channel:    channel,
		Recipient:  recipient,
		OccurredAt: sent.UpdatedAt,
	})
	return sent, nil
}

// PaymentRequest records money received against an invoice.
type PaymentRequest struct {
	Amount        decimal.Decimal
	Method        string
	TransactionID string
	Note          string
}

// ProcessPayment applies a payment and returns the invoice with the
// payment log entry written for it. Replays of the same transaction id
// return the already-applied invoice and its original log entry,
// unchanged. A surplus over the invoice total is recorded as a tip and
// folded into the total, so the remaining balance never goes negative.
func (s *InvoiceService) ProcessPayment(ctx context.Context, invoiceID string, req PaymentRequest) (*billing.Invoice, billing.PaymentLog, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoicePayment(result, time.Since(start))
	}()

	if !req.Amount.IsPositive() {
		result = metrics.ResultError
		return nil, billing.PaymentLog{}, billing.Validationf("payment amount must be positive")
	}

	var applied *billing.Invoice
	var logEntry billing.PaymentLog
	var replay bool
	err := s.withRetry(ctx, func() error {
		inv, err := s.Get(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := s.guardOperable(ctx, inv); err != nil {
			return err
		}

		if req.TransactionID != "" {
			if existing := findLogByTransaction(inv, req.TransactionID); existing != nil {
				applied = inv
				logEntry = *existing
				replay = true
				return nil
			}
		}

		now := s.clock.Now()
		newPaid := inv.PaidAmount.Add(req.Amount)
		if surplus := newPaid.Sub(inv.Total); surplus.IsPositive() {
			inv.Tip = inv.Tip.Add(surplus)
			inv.Total = inv.Total.Add(surplus)
		}
		inv.PaidAmount = newPaid
		switch {
		case inv.PaidAmount.GreaterThanOrEqual(inv.Total):
			inv.Status = billing.StatusPaid
		case inv.PaidAmount.IsPositive():
			inv.Status = billing.StatusPartiallyPaid
		}
		inv.UpdatedAt = now

		logEntry = billing.PaymentLog{
			ID:            "pay-" + uuid.NewString(),
			Amount:        req.Amount,
			Method:        req.Method,
			TransactionID: req.TransactionID,
			ProcessedAt:   now,
			Actor:         s.resolveActor(ctx),
			Note:          req.Note,
		}
		inv.PaymentLogs = append(inv.PaymentLogs, logEntry)

		if err := s.store.SavePaymentEvent(ctx, inv, logEntry, nil); err != nil {
			return err
		}
		applied = inv
		return nil
	})
	if err != nil {
		result = metrics.ResultError
		return nil, billing.PaymentLog{}, err
	}
	if replay {
		return applied, logEntry, nil
	}

	s.publish(ctx, PaymentRecorded{
		InvoiceID:     applied.ID,
		Number:        applied.Number,
		GuardianID:    applied.GuardianID,
		PaymentLogID:  logEntry.ID,
		Amount:        logEntry.Amount,
		Tip:           applied.Tip,
		Method:        logEntry.Method,
		TransactionID: logEntry.TransactionID,
		Status:        applied.Status,
		OccurredAt:    logEntry.ProcessedAt,
	})
	s.logger.Printf("payment recorded: invoice=%s amount=%s status=%s",
		applied.ID, logEntry.Amount.StringFixed(2), applied.Status)
	return applied, logEntry, nil
}

// RefundRequest returns money, and optionally hours, to a guardian.
type RefundRequest struct {
	Amount          decimal.Decimal
	RefundHours     float64
	Reason          string
	RefundReference string
}

// RecordRefund applies a refund: money comes off the paid amount and
// hour credits are distributed across the invoice's hour ledger,
// proportional to what each student still has debited. Credits never
// exceed the ledger debits; the money write and the hour credits commit
// as one transaction.
func (s *InvoiceService) RecordRefund(ctx context.Context, invoiceID string, req RefundRequest) (*billing.Invoice, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoiceRefund(result, time.Since(start))
	}()

	if !req.Amount.IsPositive() {
		result = metrics.ResultError
		return nil, billing.ErrInvalidRefundAmount
	}
	if req.RefundHours < 0 {
		result = metrics.ResultError
		return nil, billing.ErrInvalidRefundAmount
	}

	var applied *billing.Invoice
	var logEntry billing.PaymentLog
	err := s.withRetry(ctx, func() error {
		inv, err := s.Get(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := s.guardOperable(ctx, inv); err != nil {
			return err
		}
		if req.Amount.GreaterThan(inv.PaidAmount) {
			return billing.ErrInvalidRefundAmount
		}

		available := inv.DebitedHours() - inv.RefundedHours()
		if req.RefundHours > available+hoursEpsilon {
			return billing.ErrInvalidRefundAmount
		}

		credits := distributeHourCredits(inv.HourLedger, req.RefundHours)
		applyCredits(inv.HourLedger, credits)

		now := s.clock.Now()
		inv.PaidAmount = inv.PaidAmount.Sub(req.Amount)
		switch {
		case inv.PaidAmount.IsZero() && fullyRefunded(inv):
			inv.Status = billing.StatusRefunded
		case inv.PaidAmount.IsZero():
			inv.Status = billing.StatusSent
		default:
			inv.Status = billing.StatusPartiallyPaid
		}
		inv.UpdatedAt = now

		logEntry = billing.PaymentLog{
			ID:              "ref-" + uuid.NewString(),
			Amount:          req.Amount.Neg(),
			ProcessedAt:     now,
			Actor:           s.resolveActor(ctx),
			Note:            req.Reason,
			RefundHours:     req.RefundHours,
			RefundReference: req.RefundReference,
		}
		inv.PaymentLogs = append(inv.PaymentLogs, logEntry)

		if err := s.store.SavePaymentEvent(ctx, inv, logEntry, credits); err != nil {
			var recErr *billing.ReconciliationError
			if errors.As(err, &recErr) {
				s.raiseHold(ctx, recErr)
			}
			return err
		}
		applied = inv
		return nil
	})
	if err != nil {
		result = metrics.ResultError
		return nil, err
	}

	s.publish(ctx, RefundRecorded{
		InvoiceID:    applied.ID,
		Number:       applied.Number,
		GuardianID:   applied.GuardianID,
		PaymentLogID: logEntry.ID,
		Amount:       logEntry.Amount,
		RefundHours:  req.RefundHours,
		Status:       applied.Status,
		OccurredAt:   logEntry.ProcessedAt,
	})
	s.logger.Printf("refund recorded: invoice=%s amount=%s hours=%.2f status=%s",
		applied.ID, req.Amount.StringFixed(2), req.RefundHours, applied.Status)
	return applied, nil
}

// Cancel voids an invoice and releases its lesson claims. Invoices that
// already took money require an admin override; remaining debited hours
// are restored so the released lessons stay billable without double
// debiting.
func (s *InvoiceService) Cancel(ctx context.Context, invoiceID, reason string, softDelete bool) (*billing.Invoice, error) {
	var cancelled *billing.Invoice
	err := s.withRetry(ctx, func() error {
		inv, err := s.Get(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == billing.StatusCancelled || inv.Status == billing.StatusRefunded {
			cancelled = inv
			return nil
		}
		if inv.PaidAmount.IsPositive() && !auth.IsAdmin(ctx) {
			return billing.ErrTerminalStatus
		}

		now := s.clock.Now()
		inv.Status = billing.StatusCancelled
		inv.CancelNote = reason
		inv.CancelledAt = now
		inv.UpdatedAt = now
		inv.Deleted = inv.Deleted || softDelete
		if err := s.store.CancelInvoice(ctx, inv); err != nil {
			return err
		}
		cancelled = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, InvoiceCancelled{
		InvoiceID:  cancelled.ID,
		Number:     cancelled.Number,
		GuardianID: cancelled.GuardianID,
		Reason:     reason,
		Deleted:    cancelled.Deleted,
		OccurredAt: cancelled.UpdatedAt,
	})
	return cancelled, nil
}

// Snapshot builds the export snapshot for an invoice.
func (s *InvoiceService) Snapshot(ctx context.Context, invoiceID string, opts billing.SnapshotOptions) (*billing.ExportSnapshot, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	snapshot := billing.BuildSnapshot(inv, opts)
	return &snapshot, nil
}

func (s *InvoiceService) guardOperable(ctx context.Context, inv *billing.Invoice) error {
	if inv.Status == billing.StatusCancelled || inv.Status == billing.StatusRefunded || inv.Deleted {
		return billing.ErrTerminalStatus
	}
	held, err := s.store.HasActiveHold(ctx, inv.GuardianID, inv.ID)
	if err != nil {
		return err
	}
	if held {
		return billing.ErrReconciliationHold
	}
	return nil
}

// withRetry reloads and reapplies on stale-write conflicts, bounded by
// the configured attempt count.
func (s *InvoiceService) withRetry(ctx context.Context, apply func() error) error {
	attempts := s.cfg.MaxWriteRetries
	if attempts <= 0 {
		attempts = 3
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = apply(); !errors.Is(err, billing.ErrStaleWrite) {
			return err
		}
		metrics.IncStaleRetry()
	}
	return err
}

func (s *InvoiceService) raiseHold(ctx context.Context, recErr *billing.ReconciliationError) {
	hold := billing.ReconciliationHold{
		ID:         "hold-" + uuid.NewString(),
		GuardianID: recErr.GuardianID,
		InvoiceID:  recErr.InvoiceID,
		Reason:     recErr.Reason,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.CreateHold(ctx, hold); err != nil {
		s.logger.Printf("reconciliation hold write failed: guardian=%s invoice=%s err=%v",
			recErr.GuardianID, recErr.InvoiceID, err)
		return
	}
	metrics.IncReconciliationHold()
	s.publish(ctx, ReconciliationHoldRaised{
		HoldID:     hold.ID,
		GuardianID: hold.GuardianID,
		InvoiceID:  hold.InvoiceID,
		Reason:     hold.Reason,
		OccurredAt: hold.CreatedAt,
	})
	s.logger.Printf("reconciliation hold raised: guardian=%s invoice=%s reason=%s",
		hold.GuardianID, hold.InvoiceID, hold.Reason)
}

func (s *InvoiceService) publish(ctx context.Context, event any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Printf("event publish failed: %v", err)
	}
}

func (s *InvoiceService) resolveTenant(ctx context.Context) string {
	if tenantID := auth.TenantIDFromContext(ctx); tenantID != "" {
		return tenantID
	}
	return s.tenantID
}

func (s *InvoiceService) resolveActor(ctx context.Context) string {
	if subject := auth.SubjectFromContext(ctx); subject != "" {
		return subject
	}
	return "system"
}

const hoursEpsilon = 1e-9

func findLogByTransaction(inv *billing.Invoice, transactionID string) *billing.PaymentLog {
	for i := range inv.PaymentLogs {
		if inv.PaymentLogs[i].TransactionID == transactionID {
			return &inv.PaymentLogs[i]
		}
	}
	return nil
}

func fullyRefunded(inv *billing.Invoice) bool {
	return inv.DebitedHours() > 0 && inv.RefundedHours() >= inv.DebitedHours()-hoursEpsilon
}

// distributeHourCredits splits refund hours across ledger entries in
// proportion to each student's remaining debit, clamped so no entry is
// credited past its debit. Rounding drift lands on the last entry with
// headroom.
func distributeHourCredits(ledger []billing.HourLedgerEntry, refundHours float64) []billing.HourCredit {
	if refundHours <= 0 || len(ledger) == 0 {
		return nil
	}
	var available float64
	for _, entry := range ledger {
		available += entry.DebitedHours - entry.RefundedHours
	}
	if available <= 0 {
		return nil
	}
	if refundHours > available {
		refundHours = available
	}

	credits := make([]billing.HourCredit, 0, len(ledger))
	remaining := refundHours
	for i, entry := range ledger {
		headroom := entry.DebitedHours - entry.RefundedHours
		if headroom <= 0 {
			continue
		}
		share := refundHours * headroom / available
		if share > headroom {
			share = headroom
		}
		if i == len(ledger)-1 && remaining < headroom {
			share = remaining
		}
		if share > remaining {
			share = remaining
		}
		if share <= 0 {
			continue
		}
		credits = append(credits, billing.HourCredit{StudentID: entry.StudentID, Hours: share})
		remaining -= share
	}
	if remaining > hoursEpsilon {
		for i := range credits {
			// Top up where headroom remains.
			for _, entry := range ledger {
				if entry.StudentID != credits[i].StudentID {
					continue
				}
				headroom := entry.DebitedHours - entry.RefundedHours - credits[i].Hours
				if headroom <= 0 {
					continue
				}
				add := remaining
				if add > headroom {
					add = headroom
				}
				credits[i].Hours += add
				remaining -= add
			}
			if remaining <= hoursEpsilon {
				break
			}
		}
	}
	return credits
}

func applyCredits(ledger []billing.HourLedgerEntry, credits []billing.HourCredit) {
	for _, credit := range credits {
		for i := range ledger {
			if ledger[i].StudentID == credit.StudentID {
				ledger[i].RefundedHours += credit.Hours
				break
			}
		}
	}
}

func sortLedger(ledger []billing.HourLedgerEntry) {
	sort.Slice(ledger, func(i, j int) bool {
		return ledger[i].StudentID < ledger[j].StudentID
	})
}
