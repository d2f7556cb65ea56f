package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// SubmissionStore persists Submission rows.
type SubmissionStore interface {
	// Get returns ErrNotFound when the id is unknown.
	Get(ctx context.Context, id uuid.UUID) (*model.Submission, error)
	// FindActive returns the in_progress submission for the pair or ErrNotFound.
	FindActive(ctx context.Context, examID int64, studentID int) (*model.Submission, error)
	// FindLatest returns the most recent submission of any status or ErrNotFound.
	FindLatest(ctx context.Context, examID int64, studentID int) (*model.Submission, error)
	ListActiveByStudent(ctx context.Context, studentID int) ([]model.Submission, error)
	// Create inserts s and reports false, without error, when another
	// in_progress row already exists for (exam, student).
	Create(ctx context.Context, s *model.Submission) (bool, error)
	// Update writes s only if the stored status still equals from, else ErrStale.
	Update(ctx context.Context, s *model.Submission, from model.SubmissionStatus) error
}

// AnswerStore is the per-submission, per-question answer upsert log.
type AnswerStore interface {
	Upsert(ctx context.Context, a *model.SubmissionAnswer) error
	// Get returns nil, nil when the question has not been answered.
	Get(ctx context.Context, submissionID uuid.UUID, questionID int64) (*model.SubmissionAnswer, error)
	List(ctx context.Context, submissionID uuid.UUID) ([]model.SubmissionAnswer, error)
	Count(ctx context.Context, submissionID uuid.UUID) (int, error)
}

// Catalog is the read side of the external question bank.
type Catalog interface {
	// Exam returns ErrNotFound for unknown exams.
	Exam(ctx context.Context, examID int64) (*model.Exam, error)
	// Questions returns the exam's questions ordered by position.
	Questions(ctx context.Context, examID int64) ([]model.ExamQuestion, error)
}

// UnlockStore records which students passed an exam's password gate.
type UnlockStore interface {
	Unlock(ctx context.Context, examID int64, studentID int) error
	IsUnlocked(ctx context.Context, examID int64, studentID int) (bool, error)
}

// GradeQueue hands submitted attempts to the external grader.
type GradeQueue interface {
	Enqueue(ctx context.Context, submissionID uuid.UUID) error
}

// Monitor event types.
const (
	EventStarted   = "started"
	EventAnswered  = "answered"
	EventSubmitted = "submitted"
	EventCancelled = "cancelled"
)

// MonitorEvent describes a lifecycle change for live proctoring views.
type MonitorEvent struct {
	Type          string                 `json:"type"`
	ExamID        int64                  `json:"exam_id"`
	StudentID     int                    `json:"student_id"`
	SubmissionID  uuid.UUID              `json:"submission_id"`
	Status        model.SubmissionStatus `json:"status"`
	AutoSubmitted bool                   `json:"auto_submitted,omitempty"`
	At            time.Time              `json:"at"`
}

// Notifier publishes MonitorEvents. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev MonitorEvent)
}

type noopGrades struct{}

func (noopGrades) Enqueue(context.Context, uuid.UUID) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, MonitorEvent) {}
