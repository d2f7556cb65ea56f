package model

import (
	"encoding/json"
	"time"
)

// ExamStatus enumerates the states of an exam owned by the question-bank service.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Exam is the read-only exam configuration this service needs.
type Exam struct {
	ID              int64      `json:"exam_id"`
	Title           string     `json:"title"`
	ClassID         *int64     `json:"class_id,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	QuestionCount   int        `json:"question_count"`
	AllowReattempt  bool       `json:"allow_reattempt"`
	PasswordHash    string     `json:"-"`
	Status          ExamStatus `json:"status"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasPassword reports whether students must pass verify-password before starting.
func (e *Exam) HasPassword() bool {
	return e.PasswordHash != ""
}

// Duration is the configured time limit of one attempt.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

// ExamQuestion is the student-facing projection of a question inside one exam.
// Correct answers never leave the question bank.
type ExamQuestion struct {
	QuestionID   int64           `json:"question_id"`
	ExamID       int64           `json:"exam_id"`
	Order        int             `json:"order"`
	Points       float64         `json:"points"`
	QuestionType string          `json:"question_type"`
	QuestionText string          `json:"question_text"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// ExamPayload is the Redis-cached exam with its ordered questions.
type ExamPayload struct {
	Exam      Exam           `json:"exam"`
	Questions []ExamQuestion `json:"questions"`
}
