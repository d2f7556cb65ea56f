package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
)

// Catalog is an in-memory session.Catalog seeded with Put.
type Catalog struct {
	mu        sync.RWMutex
	exams     map[int64]model.Exam
	questions map[int64][]model.ExamQuestion
}

func NewCatalog() *Catalog {
	return &Catalog{
		exams:     make(map[int64]model.Exam),
		questions: make(map[int64][]model.ExamQuestion),
	}
}

// Put stores an exam and its questions, normalizing orders to 1..n.
func (c *Catalog) Put(exam model.Exam, questions []model.ExamQuestion) {
	qs := append([]model.ExamQuestion(nil), questions...)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
	for i := range qs {
		qs[i].Order = i + 1
		qs[i].ExamID = exam.ID
	}
	exam.QuestionCount = len(qs)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.exams[exam.ID] = exam
	c.questions[exam.ID] = qs
}

// SetPasswordHash replaces the exam's password hash.
func (c *Catalog) SetPasswordHash(_ context.Context, examID int64, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exam, ok := c.exams[examID]
	if !ok {
		return session.ErrNotFound
	}
	exam.PasswordHash = hash
	c.exams[examID] = exam
	return nil
}

func (c *Catalog) Exam(_ context.Context, examID int64) (*model.Exam, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	exam, ok := c.exams[examID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return &exam, nil
}

func (c *Catalog) Questions(_ context.Context, examID int64) ([]model.ExamQuestion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.ExamQuestion(nil), c.questions[examID]...), nil
}
