package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SubmissionAnswer is the student's answer to one question within one Submission.
// (SubmissionID, QuestionID) is unique; writes are upserts.
type SubmissionAnswer struct {
	ID            uuid.UUID `json:"answer_id"`
	SubmissionID  uuid.UUID `json:"submission_id"`
	QuestionID    int64     `json:"question_id"`
	AnswerContent string    `json:"answer_content"`
	IsCorrect     *bool     `json:"is_correct,omitempty"`
	PointsEarned  *float64  `json:"points_earned,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AnswerID derives a stable id for a (submission, question) pair, so every
// upsert of the same answer reports the same answer_id.
func AnswerID(submissionID uuid.UUID, questionID int64) uuid.UUID {
	return uuid.NewSHA1(submissionID, []byte(strconv.FormatInt(questionID, 10)))
}

// AnswerGrade is the external grader's verdict for one answer.
type AnswerGrade struct {
	QuestionID   int64   `json:"question_id"`
	IsCorrect    bool    `json:"is_correct"`
	PointsEarned float64 `json:"points_earned"`
}
