package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

const (
	AutosavePollTimeout = time.Second
	AutosaveRetryDelay  = 5 * time.Second
)

// AnswerWriter persists one answer durably.
type AnswerWriter interface {
	UpsertAnswer(ctx context.Context, a *model.SubmissionAnswer) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	writer     AnswerWriter
	rdb        *redis.Client
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(writer AnswerWriter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		writer:     writer,
		rdb:        rdb,
		retryDelay: AutosaveRetryDelay,
		log:        log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, AutosavePollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var a model.SubmissionAnswer
	if err := json.Unmarshal([]byte(result[1]), &a); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.writer.UpsertAnswer(ctx, &a); err != nil {
		w.log.Error().Err(err).
			Str("submission_id", a.SubmissionID.String()).
			Int64("question_id", a.QuestionID).
			Dur("retry_in", w.retryDelay).
			Msg("Persist error, requeueing")
		// Push back to queue for retry. Ordering is safe: the upsert keeps the newest updated_at.
		w.rdb.RPush(context.Background(), config.WorkerKey.PersistAnswersQueue, result[1])

		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var a model.SubmissionAnswer
		if err := json.Unmarshal([]byte(result), &a); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.writer.UpsertAnswer(ctx, &a); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
