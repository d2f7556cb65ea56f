package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
	"golang.org/x/sync/singleflight"
)

// Deps are the collaborators of a Manager. Grades, Notifier and Clock are optional.
type Deps struct {
	Submissions SubmissionStore
	Answers     AnswerStore
	Catalog     Catalog
	Unlocks     UnlockStore
	Grades      GradeQueue
	Notifier    Notifier
	Clock       clock.Clock
}

type pairKey struct {
	examID    int64
	studentID int
}

// Manager indexes live Machines by submission id and by (exam, student),
// and routes every session call to the owning Machine.
type Manager struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	mu     sync.RWMutex
	byID   map[uuid.UUID]*Machine
	active map[pairKey]*Machine

	starts singleflight.Group
	loads  singleflight.Group
}

func NewManager(deps Deps, opts Options, log zerolog.Logger) *Manager {
	if deps.Grades == nil {
		deps.Grades = noopGrades{}
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Manager{
		deps:   deps,
		opts:   opts,
		log:    log.With().Str("component", "session_manager").Logger(),
		byID:   make(map[uuid.UUID]*Machine),
		active: make(map[pairKey]*Machine),
	}
}

// Start returns the student's in-progress attempt for the exam, creating it
// when none exists. Concurrent calls for the same pair share one outcome, so
// the shared call does not inherit any single caller's cancellation.
func (m *Manager) Start(ctx context.Context, examID int64, studentID int) (*State, error) {
	key := strconv.FormatInt(examID, 10) + ":" + strconv.Itoa(studentID)
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.starts.Do(key, func() (interface{}, error) {
		return m.start(shared, examID, studentID)
	})
	if err != nil {
		return nil, err
	}
	mc := v.(*Machine)
	return mc.Resume(ctx)
}

func (m *Manager) start(ctx context.Context, examID int64, studentID int) (*Machine, error) {
	exam, err := m.deps.Catalog.Exam(ctx, examID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrExamUnavailable
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}

	// An attempt already in progress is returned as is; the gates below only
	// guard creating a new one.
	if mc := m.lookupActive(examID, studentID); mc != nil {
		live, err := mc.live(ctx)
		if err != nil {
			return nil, err
		}
		if live {
			return mc, nil
		}
		m.evict(mc)
	}

	existing, err := m.deps.Submissions.FindActive(ctx, examID, studentID)
	switch {
	case err == nil:
		mc, err := m.adopt(ctx, existing, exam)
		if err != nil {
			return nil, err
		}
		live, err := mc.live(ctx)
		if err != nil {
			return nil, err
		}
		if live {
			return mc, nil
		}
		m.evict(mc)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("find active submission: %w", err)
	}

	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamUnavailable
	}

	if exam.HasPassword() {
		ok, err := m.deps.Unlocks.IsUnlocked(ctx, examID, studentID)
		if err != nil {
			return nil, fmt.Errorf("check unlock: %w", err)
		}
		if !ok {
			return nil, ErrNotAuthorized
		}
	}

	if !exam.AllowReattempt {
		latest, err := m.deps.Submissions.FindLatest(ctx, examID, studentID)
		switch {
		case err == nil:
			if latest.Status.IsTerminal() {
				return nil, conflict(ErrAlreadyGraded, latest)
			}
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("find latest submission: %w", err)
		}
	}

	questions, err := m.deps.Catalog.Questions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrExamUnavailable
	}

	sub := &model.Submission{
		ID:                   uuid.New(),
		ExamID:               examID,
		StudentID:            studentID,
		Status:               model.SubmissionStatusInProgress,
		CurrentQuestionOrder: 1,
		RemainingTimeSeconds: exam.DurationSeconds,
		CreatedAt:            m.deps.Clock.Now(),
	}
	created, err := m.deps.Submissions.Create(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	if !created {
		// Another process won the race; join its attempt.
		winner, err := m.deps.Submissions.FindActive(ctx, examID, studentID)
		if err != nil {
			return nil, fmt.Errorf("find active submission after conflict: %w", err)
		}
		return m.adopt(ctx, winner, exam)
	}

	mc := m.newMachine(sub, exam, questions)
	m.register(mc)

	m.log.Info().
		Str("submission_id", sub.ID.String()).
		Int64("exam_id", examID).
		Int("student_id", studentID).
		Msg("Submission started")

	m.deps.Notifier.Notify(ctx, MonitorEvent{
		Type:         EventStarted,
		ExamID:       examID,
		StudentID:    studentID,
		SubmissionID: sub.ID,
		Status:       sub.Status,
		At:           sub.CreatedAt,
	})
	return mc, nil
}

// GetQuestion moves the cursor to order and returns that question.
func (m *Manager) GetQuestion(ctx context.Context, id uuid.UUID, studentID, order int) (*QuestionView, error) {
	var out *QuestionView
	err := m.withMachine(ctx, id, studentID, func(mc *Machine) (err error) {
		out, err = mc.GetQuestion(ctx, order)
		return err
	})
	return out, err
}

// SubmitAnswer upserts one answer.
func (m *Manager) SubmitAnswer(ctx context.Context, id uuid.UUID, studentID int, questionID int64, content string) (*model.SubmissionAnswer, error) {
	var out *model.SubmissionAnswer
	err := m.withMachine(ctx, id, studentID, func(mc *Machine) (err error) {
		out, err = mc.SubmitAnswer(ctx, questionID, content)
		return err
	})
	return out, err
}

// Resume returns the canonical state of a submission.
func (m *Manager) Resume(ctx context.Context, id uuid.UUID, studentID int) (*State, error) {
	var out *State
	err := m.withMachine(ctx, id, studentID, func(mc *Machine) (err error) {
		out, err = mc.Resume(ctx)
		return err
	})
	return out, err
}

// UpdateRemainingTime applies a client countdown tick.
func (m *Manager) UpdateRemainingTime(ctx context.Context, id uuid.UUID, studentID, remaining int) (*TimeResult, error) {
	var out *TimeResult
	err := m.withMachine(ctx, id, studentID, func(mc *Machine) (err error) {
		out, err = mc.UpdateRemainingTime(ctx, remaining)
		return err
	})
	return out, err
}

// Submit finishes the attempt.
func (m *Manager) Submit(ctx context.Context, id uuid.UUID, studentID int) (*Result, error) {
	var out *Result
	err := m.withMachine(ctx, id, studentID, func(mc *Machine) (err error) {
		out, err = mc.Submit(ctx)
		return err
	})
	return out, err
}

// Cancel aborts an attempt on behalf of an administrator.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*Result, error) {
	mc, err := m.machine(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := mc.Cancel(ctx)
	m.evictIfDone(mc)
	return out, err
}

// ActiveSubmissions lists the student's in-progress attempts.
func (m *Manager) ActiveSubmissions(ctx context.Context, studentID int) ([]model.Submission, error) {
	subs, err := m.deps.Submissions.ListActiveByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list active submissions: %w", err)
	}
	return subs, nil
}

// Len reports how many Machines are loaded.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) withMachine(ctx context.Context, id uuid.UUID, studentID int, fn func(*Machine) error) error {
	mc, err := m.machine(ctx, id)
	if err != nil {
		return err
	}
	if mc.StudentID() != studentID {
		return ErrNotAuthorized
	}
	err = fn(mc)
	m.evictIfDone(mc)
	return err
}

// machine returns the loaded Machine for id, loading it from the stores once
// when several requests race for a cold submission.
func (m *Manager) machine(ctx context.Context, id uuid.UUID) (*Machine, error) {
	m.mu.RLock()
	mc, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		return mc, nil
	}

	v, err, _ := m.loads.Do(id.String(), func() (interface{}, error) {
		sub, err := m.deps.Submissions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		exam, err := m.deps.Catalog.Exam(ctx, sub.ExamID)
		if err != nil {
			return nil, fmt.Errorf("load exam: %w", err)
		}
		return m.adopt(ctx, sub, exam)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Machine), nil
}

// adopt wraps a stored submission in a Machine, or returns the one already loaded.
func (m *Manager) adopt(ctx context.Context, sub *model.Submission, exam *model.Exam) (*Machine, error) {
	m.mu.RLock()
	mc, ok := m.byID[sub.ID]
	m.mu.RUnlock()
	if ok {
		return mc, nil
	}

	questions, err := m.deps.Catalog.Questions(ctx, sub.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}

	mc = m.newMachine(sub, exam, questions)
	// Terminal attempts are served once and not indexed.
	if sub.Status.IsTerminal() {
		return mc, nil
	}
	return m.register(mc), nil
}

func (m *Manager) newMachine(sub *model.Submission, exam *model.Exam, questions []model.ExamQuestion) *Machine {
	return &Machine{
		id:        sub.ID,
		examID:    sub.ExamID,
		studentID: sub.StudentID,
		sub:       sub.Clone(),
		duration:  exam.Duration(),
		questions: questions,
		subs:      m.deps.Submissions,
		answers:   m.deps.Answers,
		grades:    m.deps.Grades,
		notify:    m.deps.Notifier,
		clock:     m.deps.Clock,
		opts:      m.opts,
		log: m.log.With().
			Str("submission_id", sub.ID.String()).
			Int64("exam_id", sub.ExamID).
			Int("student_id", sub.StudentID).
			Logger(),
	}
}

// register indexes mc, keeping an already indexed instance if one won the race.
func (m *Manager) register(mc *Machine) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[mc.id]; ok {
		return existing
	}
	m.byID[mc.id] = mc
	m.active[pairKey{mc.examID, mc.studentID}] = mc
	return mc
}

func (m *Manager) lookupActive(examID int64, studentID int) *Machine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[pairKey{examID, studentID}]
}

func (m *Manager) evictIfDone(mc *Machine) {
	if mc.Status().IsTerminal() {
		m.evict(mc)
	}
}

func (m *Manager) evict(mc *Machine) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.byID[mc.id]; ok && cur == mc {
		delete(m.byID, mc.id)
	}
	key := pairKey{mc.examID, mc.studentID}
	if cur, ok := m.active[key]; ok && cur == mc {
		delete(m.active, key)
	}
}
