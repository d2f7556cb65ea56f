package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus enumerates exam attempt states.
type SubmissionStatus string

const (
	SubmissionStatusInProgress SubmissionStatus = "in_progress"
	SubmissionStatusSubmitted  SubmissionStatus = "submitted"
	SubmissionStatusCancelled  SubmissionStatus = "cancelled"
	SubmissionStatusGraded     SubmissionStatus = "graded"
)

// IsTerminal reports whether the attempt can no longer be worked on.
func (s SubmissionStatus) IsTerminal() bool {
	return s != SubmissionStatusInProgress
}

// Submission is one exam attempt by one student.
type Submission struct {
	ID                   uuid.UUID        `json:"submission_id"`
	ExamID               int64            `json:"exam_id"`
	StudentID            int              `json:"student_id"`
	Status               SubmissionStatus `json:"status"`
	CurrentQuestionOrder int              `json:"current_question_order"`
	RemainingTimeSeconds int              `json:"remaining_time_seconds"`
	Score                *float64         `json:"score,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	SubmittedAt          *time.Time       `json:"submitted_at,omitempty"`
	// ExpiredAt is set when the client reported the countdown hitting zero.
	ExpiredAt *time.Time `json:"-"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *Submission) Clone() *Submission {
	c := *s
	if s.Score != nil {
		v := *s.Score
		c.Score = &v
	}
	if s.SubmittedAt != nil {
		v := *s.SubmittedAt
		c.SubmittedAt = &v
	}
	if s.ExpiredAt != nil {
		v := *s.ExpiredAt
		c.ExpiredAt = &v
	}
	return &c
}
