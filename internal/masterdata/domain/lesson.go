package masterdata

import (
	"context"
	"errors"
	"time"
)

// Lesson is a delivered class owned by the scheduling collaborator. The
// billing engine only touches BilledInInvoiceID/BilledAt, through the
// claim operation, and only clears them through explicit unbilling.
type Lesson struct {
	ID                string
	TenantID          string
	GuardianID        string
	StudentID         string
	StudentName       string
	TeacherID         string
	TeacherName       string
	Subject           string
	StartAt           time.Time
	DurationMinutes   int
	HourlyRate        float64
	Attended          bool
	BilledInInvoiceID string
	BilledAt          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate checks lesson invariants.
func (l Lesson) Validate() error {
	if l.ID == "" {
		return errors.New("lesson: empty id")
	}
	if l.GuardianID == "" {
		return errors.New("lesson: empty guardian id")
	}
	if l.StudentID == "" {
		return errors.New("lesson: empty student id")
	}
	if l.DurationMinutes <= 0 {
		return errors.New("lesson: non-positive duration")
	}
	return nil
}

// Billed reports whether the lesson is claimed by some invoice.
func (l Lesson) Billed() bool { return l.BilledInInvoiceID != "" }

// LessonRepository manages lesson persistence for the scheduling surface.
type LessonRepository interface {
	Get(ctx context.Context, id string) (*Lesson, error)
	ListUnbilled(ctx context.Context, guardianID string, periodStart, periodEnd time.Time) ([]Lesson, error)
	Save(ctx context.Context, lesson *Lesson) error
}
