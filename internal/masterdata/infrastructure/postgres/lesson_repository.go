package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "tutorbill/internal/masterdata/domain"
)

const defaultLessonsTable = "lessons"

// LessonRepository is a Postgres implementation for delivered lessons.
// Claiming a lesson for an invoice happens inside the billing store's
// transaction, not here; this repository is the scheduling-facing CRUD
// surface.
type LessonRepository struct {
	db    DBTX
	table string
}

// NewLessonRepository constructs a repository.
func NewLessonRepository(db DBTX, opts ...LessonOption) *LessonRepository {
	repo := &LessonRepository{db: db, table: defaultLessonsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// LessonOption configures the repository.
type LessonOption func(*LessonRepository)

// WithLessonsTable overrides the table name.
func WithLessonsTable(table string) LessonOption {
	return func(repo *LessonRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Get loads a lesson by id.
func (r *LessonRepository) Get(ctx context.Context, id string) (*masterdata.Lesson, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("lesson repo: nil db")
	}
	if id == "" {
		return nil, errors.New("lesson repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, tenant_id, guardian_id, student_id, student_name, teacher_id, teacher_name,
	subject, start_at, duration_minutes, hourly_rate, attended,
	billed_in_invoice_id, billed_at, created_at, updated_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	return scanLesson(r.db.QueryRowContext(ctx, query, id))
}

// ListUnbilled returns unclaimed lessons for a guardian within a period,
// ordered by start time.
func (r *LessonRepository) ListUnbilled(ctx context.Context, guardianID string, periodStart, periodEnd time.Time) ([]masterdata.Lesson, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("lesson repo: nil db")
	}
	if guardianID == "" {
		return nil, errors.New("lesson repo: empty guardian id")
	}

	query := fmt.Sprintf(`
SELECT id, tenant_id, guardian_id, student_id, student_name, teacher_id, teacher_name,
	subject, start_at, duration_minutes, hourly_rate, attended,
	billed_in_invoice_id, billed_at, created_at, updated_at
FROM %s
WHERE guardian_id = $1
	AND start_at >= $2 AND start_at < $3
	AND billed_in_invoice_id IS NULL
ORDER BY start_at ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, guardianID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Lesson
	for rows.Next() {
		lesson, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		if lesson != nil {
			result = append(result, *lesson)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Save upserts a lesson. Billing claim fields are deliberately excluded:
// they change only through the billing store's claim/release operations.
func (r *LessonRepository) Save(ctx context.Context, lesson *masterdata.Lesson) error {
	if r == nil || r.db == nil {
		return errors.New("lesson repo: nil db")
	}
	if lesson == nil {
		return errors.New("lesson repo: nil lesson")
	}
	if err := lesson.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, tenant_id, guardian_id, student_id, student_name, teacher_id, teacher_name,
	subject, start_at, duration_minutes, hourly_rate, attended
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
ON CONFLICT (id)
DO UPDATE SET
	student_name = EXCLUDED.student_name,
	teacher_id = EXCLUDED.teacher_id,
	teacher_name = EXCLUDED.teacher_name,
	subject = EXCLUDED.subject,
	start_at = EXCLUDED.start_at,
	duration_minutes = EXCLUDED.duration_minutes,
	hourly_rate = EXCLUDED.hourly_rate,
	attended = EXCLUDED.attended,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		lesson.ID,
		lesson.TenantID,
		lesson.GuardianID,
		lesson.StudentID,
		lesson.StudentName,
		lesson.TeacherID,
		lesson.TeacherName,
		lesson.Subject,
		lesson.StartAt,
		lesson.DurationMinutes,
		lesson.HourlyRate,
		lesson.Attended,
	)
	return err
}

type lessonScanner interface {
	Scan(dest ...any) error
}

func scanLesson(row lessonScanner) (*masterdata.Lesson, error) {
	var lesson masterdata.Lesson
	var billedIn sql.NullString
	var billedAt sql.NullTime
	if err := row.Scan(
		&lesson.ID,
		&lesson.TenantID,
		&lesson.GuardianID,
		&lesson.StudentID,
		&lesson.StudentName,
		&lesson.TeacherID,
		&lesson.TeacherName,
		&lesson.Subject,
		&lesson.StartAt,
		&lesson.DurationMinutes,
		&lesson.HourlyRate,
		&lesson.Attended,
		&billedIn,
		&billedAt,
		&lesson.CreatedAt,
		&lesson.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if billedIn.Valid {
		lesson.BilledInInvoiceID = billedIn.String
	}
	if billedAt.Valid {
		lesson.BilledAt = billedAt.Time.UTC()
	}
	lesson.StartAt = lesson.StartAt.UTC()
	lesson.CreatedAt = lesson.CreatedAt.UTC()
	lesson.UpdatedAt = lesson.UpdatedAt.UTC()
	return &lesson, nil
}
