package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "tutorbill/internal/masterdata/domain"
)

const (
	defaultGuardiansTable = "guardians"
	defaultStudentsTable  = "students"
)

// GuardianRepository is a Postgres implementation for guardians and
// their students.
type GuardianRepository struct {
	db             DBTX
	guardiansTable string
	studentsTable  string
}

// NewGuardianRepository constructs a repository.
func NewGuardianRepository(db DBTX, opts ...GuardianOption) *GuardianRepository {
	repo := &GuardianRepository{
		db:             db,
		guardiansTable: defaultGuardiansTable,
		studentsTable:  defaultStudentsTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// GuardianOption configures the repository.
type GuardianOption func(*GuardianRepository)

// WithGuardiansTable overrides the guardians table name.
func WithGuardiansTable(table string) GuardianOption {
	return func(repo *GuardianRepository) {
		if table != "" {
			repo.guardiansTable = table
		}
	}
}

// Get loads a guardian by id.
func (r *GuardianRepository) Get(ctx context.Context, id string) (*masterdata.Guardian, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("guardian repo: nil db")
	}
	if id == "" {
		return nil, errors.New("guardian repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, tenant_id, name, email, currency, total_hours, min_lesson_duration_minutes,
	preferred_payment_method, transfer_fee_mode, transfer_fee_value, created_at, updated_at
FROM %s
WHERE id = $1
LIMIT 1`, r.guardiansTable)

	var guardian masterdata.Guardian
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&guardian.ID,
		&guardian.TenantID,
		&guardian.Name,
		&guardian.Email,
		&guardian.Currency,
		&guardian.TotalHours,
		&guardian.MinLessonDurationMinutes,
		&guardian.PreferredPaymentMethod,
		&guardian.TransferFeeMode,
		&guardian.TransferFeeValue,
		&guardian.CreatedAt,
		&guardian.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	guardian.CreatedAt = guardian.CreatedAt.UTC()
	guardian.UpdatedAt = guardian.UpdatedAt.UTC()
	return &guardian, nil
}

// Save upserts a guardian.
func (r *GuardianRepository) Save(ctx context.Context, guardian *masterdata.Guardian) error {
	if r == nil || r.db == nil {
		return errors.New("guardian repo: nil db")
	}
	if guardian == nil {
		return errors.New("guardian repo: nil guardian")
	}
	if err := guardian.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	tenant_id,
	name,
	email,
	currency,
	total_hours,
	min_lesson_duration_minutes,
	preferred_payment_method,
	transfer_fee_mode,
	transfer_fee_value
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)
ON CONFLICT (id)
DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	name = EXCLUDED.name,
	email = EXCLUDED.email,
	currency = EXCLUDED.currency,
	total_hours = EXCLUDED.total_hours,
	min_lesson_duration_minutes = EXCLUDED.min_lesson_duration_minutes,
	preferred_payment_method = EXCLUDED.preferred_payment_method,
	transfer_fee_mode = EXCLUDED.transfer_fee_mode,
	transfer_fee_value = EXCLUDED.transfer_fee_value,
	updated_at = NOW()`, r.guardiansTable)

	_, err := r.db.ExecContext(
		ctx,
		query,
		guardian.ID,
		guardian.TenantID,
		guardian.Name,
		guardian.Email,
		guardian.Currency,
		guardian.TotalHours,
		guardian.MinLessonDurationMinutes,
		guardian.PreferredPaymentMethod,
		guardian.TransferFeeMode,
		guardian.TransferFeeValue,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if guardian.CreatedAt.IsZero() {
		guardian.CreatedAt = now
	}
	guardian.UpdatedAt = now
	return nil
}

// ListStudents returns a guardian's students ordered by creation time,
// the tie-break order used by the follow-up policy.
func (r *GuardianRepository) ListStudents(ctx context.Context, guardianID string) ([]masterdata.Student, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("guardian repo: nil db")
	}
	if guardianID == "" {
		return nil, errors.New("guardian repo: empty guardian id")
	}

	query := fmt.Sprintf(`
SELECT id, guardian_id, tenant_id, name, hours_remaining, created_at, updated_at
FROM %s
WHERE guardian_id = $1
ORDER BY created_at ASC, id ASC`, r.studentsTable)

	rows, err := r.db.QueryContext(ctx, query, guardianID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Student
	for rows.Next() {
		var student masterdata.Student
		if err := rows.Scan(
			&student.ID,
			&student.GuardianID,
			&student.TenantID,
			&student.Name,
			&student.HoursRemaining,
			&student.CreatedAt,
			&student.UpdatedAt,
		); err != nil {
			return nil, err
		}
		student.CreatedAt = student.CreatedAt.UTC()
		student.UpdatedAt = student.UpdatedAt.UTC()
		result = append(result, student)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SaveStudent upserts a student record.
func (r *GuardianRepository) SaveStudent(ctx context.Context, student *masterdata.Student) error {
	if r == nil || r.db == nil {
		return errors.New("guardian repo: nil db")
	}
	if student == nil {
		return errors.New("guardian repo: nil student")
	}
	if err := student.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, guardian_id, tenant_id, name, hours_remaining
) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	hours_remaining = EXCLUDED.hours_remaining,
	updated_at = NOW()`, r.studentsTable)

	_, err := r.db.ExecContext(ctx, query,
		student.ID, student.GuardianID, student.TenantID, student.Name, student.HoursRemaining)
	return err
}
