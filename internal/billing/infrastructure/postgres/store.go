package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	billing "tutorbill/internal/billing/domain"
)

const (
	defaultInvoicesTable   = "invoices"
	defaultItemsTable      = "invoice_items"
	defaultPaymentsTable   = "invoice_payments"
	defaultDeliveriesTable = "invoice_deliveries"
	defaultLedgerTable     = "invoice_hour_ledger"
	defaultSequencesTable  = "invoice_sequences"
	defaultHoldsTable      = "reconciliation_holds"
	defaultGuardiansTable  = "guardians"
	defaultStudentsTable   = "students"
	defaultLessonsTable    = "lessons"
)

// BillingStore is the Postgres implementation of the billing store.
// Compound mutations run in one transaction with the guardian row
// locked, so money and hour balances can never diverge and concurrent
// operations on the same guardian serialize.
type BillingStore struct {
	db       *sql.DB
	tenantID string
}

// NewBillingStore constructs a store.
func NewBillingStore(db *sql.DB, tenantID string) (*BillingStore, error) {
	if db == nil {
		return nil, errors.New("billing store: nil db")
	}
	if tenantID == "" {
		return nil, errors.New("billing store: empty tenant id")
	}
	return &BillingStore{db: db, tenantID: tenantID}, nil
}

// NextInvoiceNumber allocates a sequential number per type and month.
func (s *BillingStore) NextInvoiceNumber(ctx context.Context, invoiceType string, period time.Time) (string, error) {
	month := period.UTC().Format("2006-01")
	var seq int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s (tenant_id, invoice_type, month, seq)
VALUES ($1, $2, $3, 1)
ON CONFLICT (tenant_id, invoice_type, month)
DO UPDATE SET seq = %s.seq + 1
RETURNING seq`, defaultSequencesTable, defaultSequencesTable),
		s.tenantID, invoiceType, month).Scan(&seq)
	if err != nil {
		return "", err
	}
	prefix := "INV"
	if invoiceType == billing.TypeAdhoc {
		prefix = "ADH"
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, month, seq), nil
}

// CreateInvoice claims the referenced lessons, debits hour balances and
// inserts the invoice with its children, all in one transaction.
func (s *BillingStore) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil {
		return errors.New("billing store: nil invoice")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := s.lockGuardian(ctx, tx, inv.GuardianID); err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, item := range inv.Items {
		if item.LessonID == "" {
			continue
		}
		if err := s.claimLesson(ctx, tx, item.LessonID, inv); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	var totalDebit float64
	for _, entry := range inv.HourLedger {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET hours_remaining = hours_remaining - $1, updated_at = NOW()
WHERE id = $2`, defaultStudentsTable), entry.DebitedHours, entry.StudentID); err != nil {
			_ = tx.Rollback()
			return err
		}
		totalDebit += entry.DebitedHours
	}
	if totalDebit > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET total_hours = total_hours - $1, updated_at = NOW()
WHERE id = $2`, defaultGuardiansTable), totalDebit, inv.GuardianID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := s.insertInvoice(ctx, tx, inv); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *BillingStore) lockGuardian(ctx context.Context, tx *sql.Tx, guardianID string) error {
	var id string
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id FROM %s WHERE id = $1 FOR UPDATE`, defaultGuardiansTable), guardianID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrGuardianNotFound
	}
	return err
}

// claimLesson compare-and-sets the lesson's claim column. A claim held
// by a cancelled, refunded or deleted invoice is stale and reclaimable;
// a live claim fails the whole creation with a conflict naming both
// invoice numbers.
func (s *BillingStore) claimLesson(ctx context.Context, tx *sql.Tx, lessonID string, inv *billing.Invoice) error {
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET billed_in_invoice_id = $1, billed_at = NOW(), updated_at = NOW()
WHERE id = $2
	AND (billed_in_invoice_id IS NULL
		OR billed_in_invoice_id IN (
			SELECT id FROM %s
			WHERE deleted = TRUE OR status IN ('cancelled', 'refunded')
		))`, defaultLessonsTable, defaultInvoicesTable), inv.ID, lessonID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var claimedByID sql.NullString
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT billed_in_invoice_id FROM %s WHERE id = $1`, defaultLessonsTable), lessonID).Scan(&claimedByID)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrLessonNotFound
	}
	if err != nil {
		return err
	}
	claimedByNumber := ""
	if claimedByID.Valid {
		_ = tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT number FROM %s WHERE id = $1`, defaultInvoicesTable), claimedByID.String).Scan(&claimedByNumber)
	}
	return &billing.DoubleBillingConflict{
		LessonID:        lessonID,
		ClaimedByNumber: claimedByNumber,
		RequestedNumber: inv.Number,
	}
}

func (s *BillingStore) insertInvoice(ctx context.Context, tx *sql.Tx, inv *billing.Invoice) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	id, tenant_id, guardian_id, number, type, status, reason, currency,
	period_start, period_end, due_date,
	subtotal, discount, tax, late_fee, tip,
	transfer_mode, transfer_value, transfer_amount, transfer_waived, transfer_waived_by_coverage,
	coverage_waive_transfer_fee,
	adjusted_total, total, paid_amount, needs_review,
	version, deleted, cancel_note, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
	$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31
)`, defaultInvoicesTable),
		inv.ID, inv.TenantID, inv.GuardianID, inv.Number, inv.Type, inv.Status, inv.Reason, inv.Currency,
		inv.PeriodStart, inv.PeriodEnd, inv.DueDate,
		inv.Subtotal, inv.Discount, inv.Tax, inv.LateFee, inv.Tip,
		inv.Transfer.Mode, inv.Transfer.Value, inv.Transfer.Amount, inv.Transfer.Waived, inv.Transfer.WaivedByCoverage,
		inv.Coverage.WaiveTransferFee,
		inv.AdjustedTotal, inv.Total, inv.PaidAmount, inv.NeedsReview,
		inv.Version, inv.Deleted, inv.CancelNote, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, item := range inv.Items {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	id, invoice_id, lesson_id, description, lesson_date, duration_minutes,
	rate, amount, amount_set, student_id, student_name, teacher_id, teacher_name, attended
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, defaultItemsTable),
			item.ID, inv.ID, nullString(item.LessonID), item.Description, item.Date, item.DurationMinutes,
			item.Rate, item.Amount, item.AmountSet, item.StudentID, item.StudentName,
			item.TeacherID, item.TeacherName, item.Attended); err != nil {
			return err
		}
	}
	for _, entry := range inv.HourLedger {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (invoice_id, student_id, debited_hours, refunded_hours)
VALUES ($1,$2,$3,$4)`, defaultLedgerTable),
			inv.ID, entry.StudentID, entry.DebitedHours, entry.RefundedHours); err != nil {
			return err
		}
	}
	return nil
}

// GetInvoice loads an invoice with items, payments, deliveries and the
// hour ledger.
func (s *BillingStore) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id, tenant_id, guardian_id, number, type, status, reason, currency,
	period_start, period_end, due_date,
	subtotal, discount, tax, late_fee, tip,
	transfer_mode, transfer_value, transfer_amount, transfer_waived, transfer_waived_by_coverage,
	coverage_waive_transfer_fee,
	adjusted_total, total, paid_amount, needs_review,
	version, deleted, cancel_note, created_at, updated_at, sent_at, cancelled_at
FROM %s WHERE id = $1 LIMIT 1`, defaultInvoicesTable), id)
	inv, err := scanInvoice(row)
	if err != nil || inv == nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvoices returns a guardian's invoices whose period overlaps the
// given calendar month (all when month is zero), most recent first.
func (s *BillingStore) ListInvoices(ctx context.Context, guardianID string, month time.Time) ([]billing.Invoice, error) {
	query := fmt.Sprintf(`
SELECT id, tenant_id, guardian_id, number, type, status, reason, currency,
	period_start, period_end, due_date,
	subtotal, discount, tax, late_fee, tip,
	transfer_mode, transfer_value, transfer_amount, transfer_waived, transfer_waived_by_coverage,
	coverage_waive_transfer_fee,
	adjusted_total, total, paid_amount, needs_review,
	version, deleted, cancel_note, created_at, updated_at, sent_at, cancelled_at
FROM %s
WHERE guardian_id = $1`, defaultInvoicesTable)
	args := []any{guardianID}
	if !month.IsZero() {
		monthStart := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
		query += ` AND period_start < $3 AND period_end > $2`
		args = append(args, monthStart, monthStart.AddDate(0, 1, 0))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		if inv != nil {
			result = append(result, *inv)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		if err := s.loadChildren(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// FindLatestActive returns the newest non-cancelled, non-refunded,
// non-deleted invoice, or nil.
func (s *BillingStore) FindLatestActive(ctx context.Context, guardianID string) (*billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id, tenant_id, guardian_id, number, type, status, reason, currency,
	period_start, period_end, due_date,
	subtotal, discount, tax, late_fee, tip,
	transfer_mode, transfer_value, transfer_amount, transfer_waived, transfer_waived_by_coverage,
	coverage_waive_transfer_fee,
	adjusted_total, total, paid_amount, needs_review,
	version, deleted, cancel_note, created_at, updated_at, sent_at, cancelled_at
FROM %s
WHERE guardian_id = $1 AND deleted = FALSE AND status NOT IN ('cancelled', 'refunded')
ORDER BY created_at DESC, id DESC
LIMIT 1`, defaultInvoicesTable), guardianID)
	inv, err := scanInvoice(row)
	if err != nil || inv == nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// SavePaymentEvent writes a payment or refund, version checked, with
// hour credits landing on balances inside the same transaction. Credits
// exceeding the stored ledger's remaining debits abort with a
// reconciliation error instead of committing a drifted balance.
func (s *BillingStore) SavePaymentEvent(ctx context.Context, inv *billing.Invoice, log billing.PaymentLog, credits []billing.HourCredit) error {
	if inv == nil {
		return errors.New("billing store: nil invoice")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := s.lockGuardian(ctx, tx, inv.GuardianID); err != nil {
		_ = tx.Rollback()
		return err
	}

	if len(credits) > 0 {
		var remaining sql.NullFloat64
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT SUM(debited_hours - refunded_hours) FROM %s WHERE invoice_id = $1`, defaultLedgerTable),
			inv.ID).Scan(&remaining)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		var totalCredit float64
		for _, credit := range credits {
			totalCredit += credit.Hours
		}
		if totalCredit > remaining.Float64+1e-9 {
			_ = tx.Rollback()
			return &billing.ReconciliationError{
				GuardianID: inv.GuardianID,
				InvoiceID:  inv.ID,
				Reason:     "hour credits exceed remaining ledger debits",
			}
		}
	}

	if err := s.updateInvoiceVersioned(ctx, tx, inv); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, invoice_id, amount, method, transaction_id, processed_at, actor, note, refund_hours, refund_reference)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, defaultPaymentsTable),
		log.ID, inv.ID, log.Amount, nullString(log.Method), nullString(log.TransactionID),
		log.ProcessedAt, log.Actor, nullString(log.Note), log.RefundHours, nullString(log.RefundReference)); err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, entry := range inv.HourLedger {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET refunded_hours = $1 WHERE invoice_id = $2 AND student_id = $3`, defaultLedgerTable),
			entry.RefundedHours, inv.ID, entry.StudentID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	var totalCredit float64
	for _, credit := range credits {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET hours_remaining = hours_remaining + $1, updated_at = NOW()
WHERE id = $2`, defaultStudentsTable), credit.Hours, credit.StudentID); err != nil {
			_ = tx.Rollback()
			return err
		}
		totalCredit += credit.Hours
	}
	if totalCredit > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET total_hours = total_hours + $1, updated_at = NOW()
WHERE id = $2`, defaultGuardiansTable), totalCredit, inv.GuardianID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	// A full refund ends the invoice; release its lesson claims in the
	// same transaction, mirroring cancellation.
	if inv.Status == billing.StatusRefunded {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET billed_in_invoice_id = NULL, billed_at = NULL, updated_at = NOW()
WHERE billed_in_invoice_id = $1`, defaultLessonsTable), inv.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	inv.Version++
	return nil
}

// RecordDelivery appends a delivery entry and optionally marks the
// invoice sent. Version checked.
func (s *BillingStore) RecordDelivery(ctx context.Context, inv *billing.Invoice, entry billing.DeliveryEntry, markSent bool) error {
	if inv == nil {
		return errors.New("billing store: nil invoice")
	}
	_ = markSent
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.updateInvoiceVersioned(ctx, tx, inv); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, invoice_id, channel, status, recipient, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6)`, defaultDeliveriesTable),
		entry.ID, inv.ID, entry.Channel, entry.Status, nullString(entry.Recipient), entry.RecordedAt); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inv.Version++
	return nil
}

// CancelInvoice voids the invoice, releases its lesson claims and
// restores the hours still debited, all in one transaction.
func (s *BillingStore) CancelInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil {
		return errors.New("billing store: nil invoice")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.lockGuardian(ctx, tx, inv.GuardianID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.updateInvoiceVersioned(ctx, tx, inv); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET billed_in_invoice_id = NULL, billed_at = NULL, updated_at = NOW()
WHERE billed_in_invoice_id = $1`, defaultLessonsTable), inv.ID); err != nil {
		_ = tx.Rollback()
		return err
	}

	var totalRestore float64
	for _, entry := range inv.HourLedger {
		restore := entry.DebitedHours - entry.RefundedHours
		if restore <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET hours_remaining = hours_remaining + $1, updated_at = NOW()
WHERE id = $2`, defaultStudentsTable), restore, entry.StudentID); err != nil {
			_ = tx.Rollback()
			return err
		}
		totalRestore += restore
	}
	if totalRestore > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET total_hours = total_hours + $1, updated_at = NOW()
WHERE id = $2`, defaultGuardiansTable), totalRestore, inv.GuardianID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	inv.Version++
	return nil
}

// updateInvoiceVersioned writes the invoice's mutable columns with a
// compare-and-set on version. Zero rows affected means a concurrent
// writer won.
func (s *BillingStore) updateInvoiceVersioned(ctx context.Context, tx *sql.Tx, inv *billing.Invoice) error {
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET
	status = $1, tip = $2, total = $3, adjusted_total = $4, paid_amount = $5,
	needs_review = $6, deleted = $7, cancel_note = $8,
	updated_at = $9, sent_at = $10, cancelled_at = $11,
	version = version + 1
WHERE id = $12 AND version = $13`, defaultInvoicesTable),
		inv.Status, inv.Tip, inv.Total, inv.AdjustedTotal, inv.PaidAmount,
		inv.NeedsReview, inv.Deleted, inv.CancelNote,
		inv.UpdatedAt, nullTime(inv.SentAt), nullTime(inv.CancelledAt),
		inv.ID, inv.Version)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, defaultInvoicesTable), inv.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return billing.ErrInvoiceNotFound
		}
		return billing.ErrStaleWrite
	}
	return nil
}

// CreateHold records a reconciliation hold.
func (s *BillingStore) CreateHold(ctx context.Context, hold billing.ReconciliationHold) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, tenant_id, guardian_id, invoice_id, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, defaultHoldsTable),
		hold.ID, s.tenantID, hold.GuardianID, nullString(hold.InvoiceID), hold.Reason, hold.CreatedAt)
	return err
}

// HasActiveHold reports whether an unresolved hold blocks the guardian.
func (s *BillingStore) HasActiveHold(ctx context.Context, guardianID, invoiceID string) (bool, error) {
	_ = invoiceID
	var exists bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s WHERE guardian_id = $1 AND resolved_at IS NULL
)`, defaultHoldsTable), guardianID).Scan(&exists)
	return exists, err
}

// ListHolds returns holds, newest last.
func (s *BillingStore) ListHolds(ctx context.Context, guardianID string, includeResolved bool) ([]billing.ReconciliationHold, error) {
	query := fmt.Sprintf(`
SELECT id, guardian_id, invoice_id, reason, created_at, resolved_at
FROM %s
WHERE tenant_id = $1`, defaultHoldsTable)
	args := []any{s.tenantID}
	if guardianID != "" {
		query += ` AND guardian_id = $2`
		args = append(args, guardianID)
	}
	if !includeResolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.ReconciliationHold
	for rows.Next() {
		var hold billing.ReconciliationHold
		var invoiceID sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&hold.ID, &hold.GuardianID, &invoiceID, &hold.Reason, &hold.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if invoiceID.Valid {
			hold.InvoiceID = invoiceID.String
		}
		if resolvedAt.Valid {
			hold.ResolvedAt = resolvedAt.Time.UTC()
		}
		hold.CreatedAt = hold.CreatedAt.UTC()
		result = append(result, hold)
	}
	return result, rows.Err()
}

// ResolveHold marks a hold resolved.
func (s *BillingStore) ResolveHold(ctx context.Context, holdID string, resolvedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET resolved_at = $1 WHERE id = $2 AND resolved_at IS NULL`, defaultHoldsTable),
		resolvedAt, holdID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return billing.ErrHoldNotFound
	}
	return nil
}

func (s *BillingStore) loadChildren(ctx context.Context, inv *billing.Invoice) error {
	items, err := s.loadItems(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.Items = items

	payments, err := s.loadPayments(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.PaymentLogs = payments

	deliveries, err := s.loadDeliveries(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.Delivery = deliveries

	ledger, err := s.loadLedger(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.HourLedger = ledger
	return nil
}

func (s *BillingStore) loadItems(ctx context.Context, invoiceID string) ([]billing.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, invoice_id, lesson_id, description, lesson_date, duration_minutes,
	rate, amount, amount_set, student_id, student_name, teacher_id, teacher_name, attended
FROM %s WHERE invoice_id = $1 ORDER BY lesson_date ASC, id ASC`, defaultItemsTable), invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.LineItem
	for rows.Next() {
		var item billing.LineItem
		var lessonID sql.NullString
		if err := rows.Scan(
			&item.ID, &item.InvoiceID, &lessonID, &item.Description, &item.Date, &item.DurationMinutes,
			&item.Rate, &item.Amount, &item.AmountSet, &item.StudentID, &item.StudentName,
			&item.TeacherID, &item.TeacherName, &item.Attended); err != nil {
			return nil, err
		}
		if lessonID.Valid {
			item.LessonID = lessonID.String
		}
		item.Date = item.Date.UTC()
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *BillingStore) loadPayments(ctx context.Context, invoiceID string) ([]billing.PaymentLog, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, amount, method, transaction_id, processed_at, actor, note, refund_hours, refund_reference
FROM %s WHERE invoice_id = $1 ORDER BY processed_at ASC, id ASC`, defaultPaymentsTable), invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.PaymentLog
	for rows.Next() {
		var log billing.PaymentLog
		var method, transactionID, note, refundRef sql.NullString
		if err := rows.Scan(
			&log.ID, &log.Amount, &method, &transactionID, &log.ProcessedAt,
			&log.Actor, &note, &log.RefundHours, &refundRef); err != nil {
			return nil, err
		}
		log.Method = method.String
		log.TransactionID = transactionID.String
		log.Note = note.String
		log.RefundReference = refundRef.String
		log.ProcessedAt = log.ProcessedAt.UTC()
		result = append(result, log)
	}
	return result, rows.Err()
}

func (s *BillingStore) loadDeliveries(ctx context.Context, invoiceID string) ([]billing.DeliveryEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, channel, status, recipient, recorded_at
FROM %s WHERE invoice_id = $1 ORDER BY recorded_at ASC, id ASC`, defaultDeliveriesTable), invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.DeliveryEntry
	for rows.Next() {
		var entry billing.DeliveryEntry
		var recipient sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Channel, &entry.Status, &recipient, &entry.RecordedAt); err != nil {
			return nil, err
		}
		entry.Recipient = recipient.String
		entry.RecordedAt = entry.RecordedAt.UTC()
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *BillingStore) loadLedger(ctx context.Context, invoiceID string) ([]billing.HourLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT student_id, debited_hours, refunded_hours
FROM %s WHERE invoice_id = $1 ORDER BY student_id ASC`, defaultLedgerTable), invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.HourLedgerEntry
	for rows.Next() {
		var entry billing.HourLedgerEntry
		if err := rows.Scan(&entry.StudentID, &entry.DebitedHours, &entry.RefundedHours); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var inv billing.Invoice
	var reason, cancelNote sql.NullString
	var sentAt, cancelledAt sql.NullTime
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.GuardianID, &inv.Number, &inv.Type, &inv.Status, &reason, &inv.Currency,
		&inv.PeriodStart, &inv.PeriodEnd, &inv.DueDate,
		&inv.Subtotal, &inv.Discount, &inv.Tax, &inv.LateFee, &inv.Tip,
		&inv.Transfer.Mode, &inv.Transfer.Value, &inv.Transfer.Amount, &inv.Transfer.Waived, &inv.Transfer.WaivedByCoverage,
		&inv.Coverage.WaiveTransferFee,
		&inv.AdjustedTotal, &inv.Total, &inv.PaidAmount, &inv.NeedsReview,
		&inv.Version, &inv.Deleted, &cancelNote, &inv.CreatedAt, &inv.UpdatedAt, &sentAt, &cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	inv.Reason = reason.String
	inv.CancelNote = cancelNote.String
	if sentAt.Valid {
		inv.SentAt = sentAt.Time.UTC()
	}
	if cancelledAt.Valid {
		inv.CancelledAt = cancelledAt.Time.UTC()
	}
	inv.PeriodStart = inv.PeriodStart.UTC()
	inv.PeriodEnd = inv.PeriodEnd.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value time.Time) sql.NullTime {
	return sql.NullTime{Time: value, Valid: !value.IsZero()}
}
