package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// Answers is an in-memory session.AnswerStore keyed by (submission, question).
type Answers struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[int64]model.SubmissionAnswer
}

func NewAnswers() *Answers {
	return &Answers{rows: make(map[uuid.UUID]map[int64]model.SubmissionAnswer)}
}

func (a *Answers) Upsert(_ context.Context, ans *model.SubmissionAnswer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bySub, ok := a.rows[ans.SubmissionID]
	if !ok {
		bySub = make(map[int64]model.SubmissionAnswer)
		a.rows[ans.SubmissionID] = bySub
	}
	bySub[ans.QuestionID] = *ans
	return nil
}

func (a *Answers) Get(_ context.Context, submissionID uuid.UUID, questionID int64) (*model.SubmissionAnswer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ans, ok := a.rows[submissionID][questionID]
	if !ok {
		return nil, nil
	}
	return &ans, nil
}

func (a *Answers) List(_ context.Context, submissionID uuid.UUID) ([]model.SubmissionAnswer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.SubmissionAnswer, 0, len(a.rows[submissionID]))
	for _, ans := range a.rows[submissionID] {
		out = append(out, ans)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (a *Answers) Count(_ context.Context, submissionID uuid.UUID) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rows[submissionID]), nil
}
