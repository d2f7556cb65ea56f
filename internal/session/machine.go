package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

// Options tunes deadline handling.
type Options struct {
	// Grace is how long past the deadline interactions are still accepted.
	Grace time.Duration
	// TimeJumpAlert logs reported remaining times this many seconds above the stored value.
	TimeJumpAlert int
}

// State is the canonical view of a submission returned by start and resume.
type State struct {
	SubmissionID         uuid.UUID               `json:"submission_id"`
	ExamID               int64                   `json:"exam_id"`
	Status               model.SubmissionStatus  `json:"status"`
	CurrentQuestionOrder int                     `json:"current_question_order"`
	TotalQuestions       int                     `json:"total_questions"`
	AnsweredCount        int                     `json:"answered_count"`
	RemainingTimeSeconds int                     `json:"remaining_time_seconds"`
	Question             *model.ExamQuestion     `json:"question,omitempty"`
	Answer               *model.SubmissionAnswer `json:"answer,omitempty"`
	SubmittedAt          *time.Time              `json:"submitted_at,omitempty"`
	Score                *float64                `json:"score,omitempty"`
}

// QuestionView is one question plus the student's existing answer.
type QuestionView struct {
	Order                int                     `json:"order"`
	TotalQuestions       int                     `json:"total_questions"`
	RemainingTimeSeconds int                     `json:"remaining_time_seconds"`
	Question             model.ExamQuestion      `json:"question"`
	Answer               *model.SubmissionAnswer `json:"answer"`
}

// Result is returned by submit and cancel.
type Result struct {
	SubmissionID   uuid.UUID              `json:"submission_id"`
	Status         model.SubmissionStatus `json:"status"`
	SubmittedAt    *time.Time             `json:"submitted_at,omitempty"`
	AnsweredCount  int                    `json:"answered_questions"`
	TotalQuestions int                    `json:"total_questions"`
	Score          *float64               `json:"score,omitempty"`
}

// TimeResult is returned by UpdateRemainingTime.
type TimeResult struct {
	RemainingTimeSeconds int                    `json:"remaining_time_seconds"`
	Accepted             bool                   `json:"accepted"`
	Status               model.SubmissionStatus `json:"status"`
}

// Machine owns one exam attempt. Every operation holds mu, so a Machine is
// the single writer of its Submission row.
type Machine struct {
	id        uuid.UUID
	examID    int64
	studentID int

	mu        sync.Mutex
	sub       *model.Submission
	duration  time.Duration
	questions []model.ExamQuestion

	subs    SubmissionStore
	answers AnswerStore
	grades  GradeQueue
	notify  Notifier
	clock   clock.Clock
	opts    Options
	log     zerolog.Logger
}

func (m *Machine) ID() uuid.UUID  { return m.id }
func (m *Machine) StudentID() int { return m.studentID }
func (m *Machine) ExamID() int64  { return m.examID }

// Status returns the current status without touching the deadline.
func (m *Machine) Status() model.SubmissionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub.Status
}

// Submission returns a copy of the current row.
func (m *Machine) Submission() *model.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub.Clone()
}

// live reports whether the attempt is still in progress after reloading it
// and applying a due deadline.
func (m *Machine) live(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enforceDeadline(ctx); err != nil {
		return false, err
	}
	return m.sub.Status == model.SubmissionStatusInProgress, nil
}

// Resume returns the canonical current state. It never changes the cursor,
// answers or time; the only transition it can observe is a due deadline,
// which is stamped at the deadline itself so repeated calls agree.
func (m *Machine) Resume(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enforceDeadline(ctx); err != nil {
		return nil, err
	}
	return m.state(ctx)
}

// GetQuestion returns the question at order and moves the cursor there.
func (m *Machine) GetQuestion(ctx context.Context, order int) (*QuestionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enforceDeadline(ctx); err != nil {
		return nil, err
	}
	if m.sub.Status != model.SubmissionStatusInProgress {
		return nil, conflict(ErrNotActive, m.sub)
	}
	if order < 1 || order > len(m.questions) {
		return nil, ErrOutOfRange
	}

	if order != m.sub.CurrentQuestionOrder {
		if err := m.persist(ctx, func(s *model.Submission) {
			s.CurrentQuestionOrder = order
		}); err != nil {
			return nil, err
		}
	}

	q := m.questions[order-1]
	answer, err := m.answers.Get(ctx, m.id, q.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("get answer: %w", err)
	}

	return &QuestionView{
		Order:                order,
		TotalQuestions:       len(m.questions),
		RemainingTimeSeconds: m.remaining(m.clock.Now()),
		Question:             q,
		Answer:               answer,
	}, nil
}

// SubmitAnswer upserts the answer for questionID. The cursor is untouched.
func (m *Machine) SubmitAnswer(ctx context.Context, questionID int64, content string) (*model.SubmissionAnswer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enforceDeadline(ctx); err != nil {
		return nil, err
	}
	if m.sub.Status != model.SubmissionStatusInProgress {
		return nil, conflict(ErrNotActive, m.sub)
	}
	if !m.hasQuestion(questionID) {
		return nil, ErrUnknownQuestion
	}

	answer := &model.SubmissionAnswer{
		ID:            model.AnswerID(m.id, questionID),
		SubmissionID:  m.id,
		QuestionID:    questionID,
		AnswerContent: content,
		UpdatedAt:     m.clock.Now(),
	}
	if err := m.answers.Upsert(ctx, answer); err != nil {
		return nil, fmt.Errorf("upsert answer: %w", err)
	}

	m.emit(ctx, EventAnswered, false)
	return answer, nil
}

// UpdateRemainingTime applies a client countdown tick. Only values at or
// below the stored one are applied; larger values are ignored, not rejected.
func (m *Machine) UpdateRemainingTime(ctx context.Context, reported int) (*TimeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enforceDeadline(ctx); err != nil {
		return nil, err
	}
	now := m.clock.Now()

	if m.sub.Status != model.SubmissionStatusInProgress {
		return &TimeResult{
			RemainingTimeSeconds: m.sub.RemainingTimeSeconds,
			Status:               m.sub.Status,
		}, nil
	}

	if reported < 0 {
		reported = 0
	}
	stored := m.sub.RemainingTimeSeconds

	if reported > stored {
		if delta := reported - stored; m.opts.TimeJumpAlert > 0 && delta > m.opts.TimeJumpAlert {
			m.log.Warn().
				Int("stored", stored).
				Int("reported", reported).
				Int("delta", delta).
				Msg("Remaining time jumped upwards, ignoring")
		}
		return &TimeResult{
			RemainingTimeSeconds: m.remaining(now),
			Status:               m.sub.Status,
		}, nil
	}

	needsExpiry := reported == 0 && m.sub.ExpiredAt == nil
	if reported < stored || needsExpiry {
		if err := m.persist(ctx, func(s *model.Submission) {
			s.RemainingTimeSeconds = reported
			if needsExpiry {
				at := now
				s.ExpiredAt = &at
			}
		}); err != nil {
			return nil, err
		}
	}

	return &TimeResult{
		RemainingTimeSeconds: m.remaining(now),
		Accepted:             true,
		Status:               m.sub.Status,
	}, nil
}

// Submit moves IN_PROGRESS to SUBMITTED. Re-submitting returns the same result.
func (m *Machine) Submit(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enforceDeadline(ctx); err != nil {
		return nil, err
	}

	switch m.sub.Status {
	case model.SubmissionStatusInProgress:
		if err := m.submit(ctx, m.clock.Now(), false); err != nil && !m.finished() {
			return nil, err
		}
	case model.SubmissionStatusSubmitted, model.SubmissionStatusGraded:
	default:
		return nil, conflict(ErrNotActive, m.sub)
	}
	return m.result(ctx)
}

// Cancel moves IN_PROGRESS to CANCELLED. Cancelling twice is a no-op.
func (m *Machine) Cancel(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enforceDeadline(ctx); err != nil {
		return nil, err
	}

	switch m.sub.Status {
	case model.SubmissionStatusInProgress:
		err := m.persist(ctx, func(s *model.Submission) {
			s.Status = model.SubmissionStatusCancelled
		})
		switch {
		case err == nil:
			m.log.Info().Msg("Submission cancelled")
			m.emit(ctx, EventCancelled, false)
		case m.sub.Status != model.SubmissionStatusCancelled:
			return nil, err
		}
	case model.SubmissionStatusCancelled:
	default:
		return nil, conflict(ErrNotActive, m.sub)
	}
	return m.result(ctx)
}

// ─── internals (mu held) ────────────────────────────────────────────

// deadline is the earlier of the server deadline and the moment the client
// reported the countdown reaching zero.
func (m *Machine) deadline() time.Time {
	d := m.sub.CreatedAt.Add(m.duration)
	if m.sub.ExpiredAt != nil && m.sub.ExpiredAt.Before(d) {
		d = *m.sub.ExpiredAt
	}
	return d
}

// enforceDeadline auto-submits once the attempt is due: immediately after
// the client reported zero, or Grace past the server deadline otherwise.
// The row is reloaded first so transitions made by another instance count.
func (m *Machine) enforceDeadline(ctx context.Context) error {
	if err := m.refresh(ctx); err != nil {
		return err
	}
	if m.sub.Status != model.SubmissionStatusInProgress {
		return nil
	}
	if m.sub.ExpiredAt == nil {
		serverDeadline := m.sub.CreatedAt.Add(m.duration)
		if m.clock.Now().Before(serverDeadline.Add(m.opts.Grace)) {
			return nil
		}
	}
	err := m.submit(ctx, m.deadline(), true)
	if errors.Is(err, ErrNotActive) {
		// Finished elsewhere in the meantime; m.sub holds the fresh row.
		return nil
	}
	return err
}

// refresh reloads the row while it is in progress. Terminal rows never change.
func (m *Machine) refresh(ctx context.Context) error {
	if m.sub.Status != model.SubmissionStatusInProgress {
		return nil
	}
	fresh, err := m.subs.Get(ctx, m.id)
	if err != nil {
		return fmt.Errorf("reload submission: %w", err)
	}
	m.sub = fresh
	return nil
}

func (m *Machine) finished() bool {
	return m.sub.Status == model.SubmissionStatusSubmitted || m.sub.Status == model.SubmissionStatusGraded
}

func (m *Machine) submit(ctx context.Context, at time.Time, auto bool) error {
	if err := m.persist(ctx, func(s *model.Submission) {
		s.Status = model.SubmissionStatusSubmitted
		s.SubmittedAt = &at
		if auto {
			s.RemainingTimeSeconds = 0
		}
	}); err != nil {
		return err
	}

	m.log.Info().
		Bool("auto", auto).
		Time("submitted_at", at).
		Msg("Submission submitted")

	// The row is durable; a failed enqueue only delays grading.
	if err := m.grades.Enqueue(ctx, m.id); err != nil {
		m.log.Error().Err(err).Msg("Enqueue grading failed")
	}
	m.emit(ctx, EventSubmitted, auto)
	return nil
}

// persist applies mutate to a copy, writes it with a status guard and only
// then swaps it in. A stale write is retried once against the fresh row.
func (m *Machine) persist(ctx context.Context, mutate func(s *model.Submission)) error {
	for attempt := 0; attempt < 2; attempt++ {
		next := m.sub.Clone()
		mutate(next)

		err := m.subs.Update(ctx, next, m.sub.Status)
		if err == nil {
			m.sub = next
			return nil
		}
		if !errors.Is(err, ErrStale) {
			return fmt.Errorf("update submission: %w", err)
		}

		fresh, gerr := m.subs.Get(ctx, m.id)
		if gerr != nil {
			return fmt.Errorf("reload submission: %w", gerr)
		}
		m.sub = fresh
		if fresh.Status != model.SubmissionStatusInProgress {
			return conflict(ErrNotActive, fresh)
		}
	}
	return ErrStale
}

func (m *Machine) remaining(now time.Time) int {
	server := int(m.sub.CreatedAt.Add(m.duration).Sub(now).Round(time.Second) / time.Second)
	if server < 0 {
		server = 0
	}
	if m.sub.RemainingTimeSeconds < server {
		return m.sub.RemainingTimeSeconds
	}
	return server
}

func (m *Machine) hasQuestion(questionID int64) bool {
	for i := range m.questions {
		if m.questions[i].QuestionID == questionID {
			return true
		}
	}
	return false
}

func (m *Machine) state(ctx context.Context) (*State, error) {
	answered, err := m.answers.Count(ctx, m.id)
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}

	st := &State{
		SubmissionID:         m.id,
		ExamID:               m.examID,
		Status:               m.sub.Status,
		CurrentQuestionOrder: m.sub.CurrentQuestionOrder,
		TotalQuestions:       len(m.questions),
		AnsweredCount:        answered,
		RemainingTimeSeconds: m.sub.RemainingTimeSeconds,
		SubmittedAt:          m.sub.SubmittedAt,
		Score:                m.sub.Score,
	}

	if m.sub.Status != model.SubmissionStatusInProgress {
		return st, nil
	}

	st.RemainingTimeSeconds = m.remaining(m.clock.Now())
	if order := m.sub.CurrentQuestionOrder; order >= 1 && order <= len(m.questions) {
		q := m.questions[order-1]
		st.Question = &q
		if st.Answer, err = m.answers.Get(ctx, m.id, q.QuestionID); err != nil {
			return nil, fmt.Errorf("get answer: %w", err)
		}
	}
	return st, nil
}

func (m *Machine) result(ctx context.Context) (*Result, error) {
	answered, err := m.answers.Count(ctx, m.id)
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	return &Result{
		SubmissionID:   m.id,
		Status:         m.sub.Status,
		SubmittedAt:    m.sub.SubmittedAt,
		AnsweredCount:  answered,
		TotalQuestions: len(m.questions),
		Score:          m.sub.Score,
	}, nil
}

func (m *Machine) emit(ctx context.Context, eventType string, auto bool) {
	m.notify.Notify(ctx, MonitorEvent{
		Type:          eventType,
		ExamID:        m.examID,
		StudentID:     m.studentID,
		SubmissionID:  m.id,
		Status:        m.sub.Status,
		AutoSubmitted: auto,
		At:            m.clock.Now(),
	})
}
