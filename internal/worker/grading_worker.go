package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/grading"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
)

const (
	GradeBatchSize    = 20
	GradeBatchTimeout = 2 * time.Second
	GradePollTimeout  = 1 * time.Second
)

// SubmissionReader loads a submission row.
type SubmissionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Submission, error)
}

// AnswerSource lists a submission's answers and clears its hot copy.
type AnswerSource interface {
	List(ctx context.Context, submissionID uuid.UUID) ([]model.SubmissionAnswer, error)
	Forget(ctx context.Context, submissionID uuid.UUID) error
}

// GradeSink stores a verdict and moves the submission to graded.
type GradeSink interface {
	ApplyGrades(ctx context.Context, id uuid.UUID, answers []model.SubmissionAnswer, score float64) error
}

// GradingWorker consumes grade_submissions_queue, asks the external grader
// for a verdict and applies it.
type GradingWorker struct {
	subs    SubmissionReader
	answers AnswerSource
	sink    GradeSink
	grader  grading.Grader
	rdb     *redis.Client
	log     zerolog.Logger
}

func NewGradingWorker(subs SubmissionReader, answers AnswerSource, sink GradeSink, grader grading.Grader, rdb *redis.Client, log zerolog.Logger) *GradingWorker {
	return &GradingWorker{
		subs:    subs,
		answers: answers,
		sink:    sink,
		grader:  grader,
		rdb:     rdb,
		log:     log.With().Str("component", "grading_worker").Logger(),
	}
}

func (w *GradingWorker) Start(ctx context.Context) {
	w.log.Info().Msg("GradingWorker started")

	batch := make([]uuid.UUID, 0, GradeBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= GradeBatchSize || time.Since(lastFlush) >= GradeBatchTimeout) {

			w.flush(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			// Ungraded ids go back to the queue for the next process.
			w.requeue(context.Background(), batch)
			w.log.Info().Int("requeued", len(batch)).Msg("GradingWorker stopped")
			return

		default:
			item, err := w.rdb.BLPop(ctx, GradePollTimeout, config.WorkerKey.GradeSubmissionsQueue).Result()
			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			id, err := uuid.Parse(item[1])
			if err != nil {
				w.log.Error().Err(err).Str("payload", item[1]).Msg("Invalid submission id")
				continue
			}
			batch = append(batch, id)
		}
	}
}

func (w *GradingWorker) flush(ctx context.Context, batch []uuid.UUID) {
	seen := make(map[uuid.UUID]struct{}, len(batch))
	var failed []uuid.UUID

	for _, id := range batch {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := w.gradeOne(ctx, id); err != nil {
			w.log.Error().Err(err).Str("submission_id", id.String()).Msg("Grading failed, requeueing")
			failed = append(failed, id)
		}
	}
	w.requeue(ctx, failed)
}

func (w *GradingWorker) gradeOne(ctx context.Context, id uuid.UUID) error {
	sub, err := w.subs.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		w.log.Warn().Str("submission_id", id.String()).Msg("Dropping unknown submission")
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status != model.SubmissionStatusSubmitted {
		return nil
	}

	answers, err := w.answers.List(ctx, id)
	if err != nil {
		return err
	}

	req := &grading.Request{
		SubmissionID: id,
		ExamID:       sub.ExamID,
		StudentID:    sub.StudentID,
		Answers:      make([]grading.AnswerInput, len(answers)),
	}
	for i, a := range answers {
		req.Answers[i] = grading.AnswerInput{QuestionID: a.QuestionID, AnswerContent: a.AnswerContent}
	}

	verdict, err := w.grader.Grade(ctx, req)
	if err != nil {
		return err
	}

	grades := make(map[int64]model.AnswerGrade, len(verdict.Answers))
	for _, g := range verdict.Answers {
		grades[g.QuestionID] = g
	}
	for i := range answers {
		g, ok := grades[answers[i].QuestionID]
		if !ok {
			continue
		}
		correct, points := g.IsCorrect, g.PointsEarned
		answers[i].IsCorrect = &correct
		answers[i].PointsEarned = &points
	}

	if err := w.sink.ApplyGrades(ctx, id, answers, verdict.Score); err != nil {
		if errors.Is(err, session.ErrStale) {
			return nil
		}
		return err
	}

	if err := w.answers.Forget(ctx, id); err != nil {
		w.log.Warn().Err(err).Str("submission_id", id.String()).Msg("Clearing answer cache failed")
	}

	w.log.Info().
		Str("submission_id", id.String()).
		Int64("exam_id", sub.ExamID).
		Int("student_id", sub.StudentID).
		Float64("score", verdict.Score).
		Msg("Submission graded")
	return nil
}

func (w *GradingWorker) requeue(ctx context.Context, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = id.String()
	}
	if err := w.rdb.RPush(ctx, config.WorkerKey.GradeSubmissionsQueue, vals...).Err(); err != nil {
		w.log.Error().Err(err).Int("count", len(ids)).Msg("Requeue failed")
	}
}
