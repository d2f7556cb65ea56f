package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// AnswerRepository handles durable submission answers.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// UpsertAnswer creates or overwrites an answer. An older write arriving
// late from the queue never replaces a newer one.
func (r *AnswerRepository) UpsertAnswer(ctx context.Context, a *model.SubmissionAnswer) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO submission_answers (id, submission_id, question_id, answer_content, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (submission_id, question_id) DO UPDATE
		 SET answer_content = EXCLUDED.answer_content, updated_at = EXCLUDED.updated_at
		 WHERE submission_answers.updated_at <= EXCLUDED.updated_at`,
		a.ID, a.SubmissionID, a.QuestionID, a.AnswerContent, a.UpdatedAt,
	)
	return err
}

// ListAnswers retrieves all answers of a submission ordered by question.
func (r *AnswerRepository) ListAnswers(ctx context.Context, submissionID uuid.UUID) ([]model.SubmissionAnswer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, submission_id, question_id, answer_content, is_correct, points_earned, updated_at
		 FROM submission_answers
		 WHERE submission_id = $1
		 ORDER BY question_id`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.SubmissionAnswer
	for rows.Next() {
		var a model.SubmissionAnswer
		if err := rows.Scan(&a.ID, &a.SubmissionID, &a.QuestionID, &a.AnswerContent,
			&a.IsCorrect, &a.PointsEarned, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
