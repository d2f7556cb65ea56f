package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
)

// ExamRepository reads the question-bank tables.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam with its question count.
func (r *ExamRepository) GetByID(ctx context.Context, id int64) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT e.id, e.title, e.class_id, e.duration_seconds, e.allow_reattempt,
		        e.password_hash, e.status, e.updated_at,
		        (SELECT COUNT(*) FROM exam_questions q WHERE q.exam_id = e.id)
		 FROM exams e WHERE e.id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.ClassID, &e.DurationSeconds, &e.AllowReattempt,
		&e.PasswordHash, &e.Status, &e.UpdatedAt, &e.QuestionCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListQuestions retrieves an exam's questions numbered 1..n by position.
func (r *ExamRepository) ListQuestions(ctx context.Context, examID int64) ([]model.ExamQuestion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, exam_id,
		        ROW_NUMBER() OVER (ORDER BY position, question_id)::int,
		        points, question_type, question_text, options
		 FROM exam_questions
		 WHERE exam_id = $1
		 ORDER BY position, question_id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.ExamQuestion
	for rows.Next() {
		var q model.ExamQuestion
		if err := rows.Scan(&q.QuestionID, &q.ExamID, &q.Order, &q.Points,
			&q.QuestionType, &q.QuestionText, &q.Options); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// SetPasswordHash replaces an exam's password hash. An empty hash removes the gate.
func (r *ExamRepository) SetPasswordHash(ctx context.Context, examID int64, hash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET password_hash = $1, updated_at = NOW() WHERE id = $2`, hash, examID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}
