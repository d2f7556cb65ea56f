package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
)

const submissionColumns = `id, exam_id, student_id, status, current_question_order,
	remaining_time_seconds, score, created_at, submitted_at, expired_at`

// SubmissionRepository handles submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	s := &model.Submission{}
	err := row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.CurrentQuestionOrder,
		&s.RemainingTimeSeconds, &s.Score, &s.CreatedAt, &s.SubmittedAt, &s.ExpiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func collectSubmissions(rows pgx.Rows) ([]model.Submission, error) {
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

// Get retrieves a submission by id.
func (r *SubmissionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
}

// FindActive retrieves the in_progress submission of a student for an exam.
func (r *SubmissionRepository) FindActive(ctx context.Context, examID int64, studentID int) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE exam_id = $1 AND student_id = $2 AND status = $3`,
		examID, studentID, model.SubmissionStatusInProgress))
}

// FindLatest retrieves the most recent submission of a student for an exam.
func (r *SubmissionRepository) FindLatest(ctx context.Context, examID int64, studentID int) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		examID, studentID))
}

// ListActiveByStudent retrieves all in_progress submissions of a student.
func (r *SubmissionRepository) ListActiveByStudent(ctx context.Context, studentID int) ([]model.Submission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE student_id = $1 AND status = $2
		 ORDER BY created_at DESC`,
		studentID, model.SubmissionStatusInProgress)
	if err != nil {
		return nil, err
	}
	return collectSubmissions(rows)
}

// Create inserts a new in_progress submission. The partial unique index on
// (exam_id, student_id) turns a concurrent second start into a no-op.
func (r *SubmissionRepository) Create(ctx context.Context, s *model.Submission) (bool, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO submissions (id, exam_id, student_id, status, current_question_order,
		                          remaining_time_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (exam_id, student_id) WHERE status = 'in_progress' DO NOTHING
		 RETURNING created_at`,
		s.ID, s.ExamID, s.StudentID, s.Status, s.CurrentQuestionOrder,
		s.RemainingTimeSeconds, s.CreatedAt,
	).Scan(&s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update writes the mutable columns if the stored status still equals from.
func (r *SubmissionRepository) Update(ctx context.Context, s *model.Submission, from model.SubmissionStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET status = $1, current_question_order = $2, remaining_time_seconds = $3,
		     score = $4, submitted_at = $5, expired_at = $6, updated_at = NOW()
		 WHERE id = $7 AND status = $8`,
		s.Status, s.CurrentQuestionOrder, s.RemainingTimeSeconds,
		s.Score, s.SubmittedAt, s.ExpiredAt, s.ID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, s.ID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return session.ErrNotFound
	}
	return session.ErrStale
}

// ListByExam retrieves one page of an exam's submissions, newest first.
func (r *SubmissionRepository) ListByExam(ctx context.Context, examID int64, page, perPage int) ([]model.Submission, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM submissions WHERE exam_id = $1`, examID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE exam_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		examID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	subs, err := collectSubmissions(rows)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

// StatusCounts tallies an exam's submissions per status.
func (r *SubmissionRepository) StatusCounts(ctx context.Context, examID int64) (map[model.SubmissionStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM submissions WHERE exam_id = $1 GROUP BY status`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.SubmissionStatus]int)
	for rows.Next() {
		var status model.SubmissionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ApplyGrades stores the graded answers and moves the submission from
// submitted to graded in one transaction. It returns session.ErrStale when
// the submission is not in the submitted state.
func (r *SubmissionRepository) ApplyGrades(ctx context.Context, id uuid.UUID, answers []model.SubmissionAnswer, score float64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(answers) > 0 {
		n := len(answers)
		ids := make([]uuid.UUID, n)
		questionIDs := make([]int64, n)
		contents := make([]string, n)
		corrects := make([]*bool, n)
		points := make([]*float64, n)
		updatedAts := make([]time.Time, n)
		for i, a := range answers {
			ids[i] = a.ID
			questionIDs[i] = a.QuestionID
			contents[i] = a.AnswerContent
			corrects[i] = a.IsCorrect
			points[i] = a.PointsEarned
			updatedAts[i] = a.UpdatedAt
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO submission_answers
			     (id, submission_id, question_id, answer_content, is_correct, points_earned, updated_at)
			 SELECT u.id, $1, u.question_id, u.answer_content, u.is_correct, u.points_earned, u.updated_at
			 FROM UNNEST($2::uuid[], $3::bigint[], $4::text[], $5::bool[], $6::float8[], $7::timestamptz[])
			      AS u (id, question_id, answer_content, is_correct, points_earned, updated_at)
			 ON CONFLICT (submission_id, question_id) DO UPDATE
			 SET answer_content = EXCLUDED.answer_content,
			     is_correct     = EXCLUDED.is_correct,
			     points_earned  = EXCLUDED.points_earned,
			     updated_at     = GREATEST(submission_answers.updated_at, EXCLUDED.updated_at)`,
			id, ids, questionIDs, contents, corrects, points, updatedAts,
		); err != nil {
			return fmt.Errorf("store graded answers: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE submissions SET status = $1, score = $2, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		model.SubmissionStatusGraded, score, id, model.SubmissionStatusSubmitted)
	if err != nil {
		return fmt.Errorf("mark graded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrStale
	}

	return tx.Commit(ctx)
}
