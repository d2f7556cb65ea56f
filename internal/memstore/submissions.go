// Package memstore holds in-memory implementations of the store ports. They
// back the test suites and the STORAGE_DRIVER=memory mode of the server.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
)

// Submissions is an in-memory session.SubmissionStore.
type Submissions struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*model.Submission
}

func NewSubmissions() *Submissions {
	return &Submissions{rows: make(map[uuid.UUID]*model.Submission)}
}

func (s *Submissions) Get(_ context.Context, id uuid.UUID) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return row.Clone(), nil
}

func (s *Submissions) FindActive(_ context.Context, examID int64, studentID int) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.rows {
		if row.ExamID == examID && row.StudentID == studentID && row.Status == model.SubmissionStatusInProgress {
			return row.Clone(), nil
		}
	}
	return nil, session.ErrNotFound
}

func (s *Submissions) FindLatest(_ context.Context, examID int64, studentID int) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Submission
	for _, row := range s.rows {
		if row.ExamID != examID || row.StudentID != studentID {
			continue
		}
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, session.ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *Submissions) ListActiveByStudent(_ context.Context, studentID int) ([]model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Submission
	for _, row := range s.rows {
		if row.StudentID == studentID && row.Status == model.SubmissionStatusInProgress {
			out = append(out, *row.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

// Create enforces at most one in_progress row per (exam, student), like the
// partial unique index of the SQL schema.
func (s *Submissions) Create(_ context.Context, sub *model.Submission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.ExamID == sub.ExamID && row.StudentID == sub.StudentID && row.Status == model.SubmissionStatusInProgress {
			return false, nil
		}
	}
	s.rows[sub.ID] = sub.Clone()
	return true, nil
}

func (s *Submissions) Update(_ context.Context, sub *model.Submission, from model.SubmissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[sub.ID]
	if !ok {
		return session.ErrNotFound
	}
	if row.Status != from {
		return session.ErrStale
	}
	s.rows[sub.ID] = sub.Clone()
	return nil
}

// ListByExam returns one page of an exam's submissions, newest first.
func (s *Submissions) ListByExam(_ context.Context, examID int64, page, perPage int) ([]model.Submission, int64, error) {
	s.mu.RLock()
	var all []model.Submission
	for _, row := range s.rows {
		if row.ExamID == examID {
			all = append(all, *row.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(all)
	total := int64(len(all))
	start := (page - 1) * perPage
	if start >= len(all) {
		return []model.Submission{}, total, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// StatusCounts tallies an exam's submissions per status.
func (s *Submissions) StatusCounts(_ context.Context, examID int64) (map[model.SubmissionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.SubmissionStatus]int)
	for _, row := range s.rows {
		if row.ExamID == examID {
			counts[row.Status]++
		}
	}
	return counts, nil
}

func sortByCreated(subs []model.Submission) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
}
