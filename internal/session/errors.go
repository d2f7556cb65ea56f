package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
)

// Domain errors returned by the session layer and its stores.
var (
	ErrNotFound        = errors.New("submission not found")
	ErrNotActive       = errors.New("submission is not in progress")
	ErrAlreadyGraded   = errors.New("exam attempt already finished")
	ErrOutOfRange      = errors.New("question order out of range")
	ErrNotAuthorized   = errors.New("not authorized for this exam")
	ErrInvalidPassword = errors.New("invalid exam password")
	ErrUnknownQuestion = errors.New("question does not belong to this exam")
	ErrExamUnavailable = errors.New("exam is not available")

	// ErrStale is returned by SubmissionStore.Update when the stored status no
	// longer matches the expected one.
	ErrStale = errors.New("submission changed concurrently")
)

// StateError reports a rejected action together with the state the
// submission is actually in, e.g. "already submitted at 14:02".
type StateError struct {
	Err         error
	Status      model.SubmissionStatus
	SubmittedAt *time.Time
}

func (e *StateError) Error() string {
	if e.SubmittedAt != nil {
		return fmt.Sprintf("%v: %s at %s", e.Err, e.Status, e.SubmittedAt.Format("15:04"))
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Status)
}

func (e *StateError) Unwrap() error { return e.Err }

func conflict(err error, sub *model.Submission) error {
	se := &StateError{Err: err, Status: sub.Status}
	if sub.SubmittedAt != nil {
		at := *sub.SubmittedAt
		se.SubmittedAt = &at
	}
	return se
}
