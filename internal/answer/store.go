// Package answer is the Answer Store: a Redis hash per submission serves
// reads and writes, and every write is queued for the Postgres worker.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

const (
	// loadedField marks a hash that already holds every durable answer.
	loadedField = "_loaded"
	// CacheTTL bounds how long an idle submission's answers stay in Redis.
	CacheTTL = 24 * time.Hour
)

// Durable is the Postgres side read when a hash is missing.
type Durable interface {
	ListAnswers(ctx context.Context, submissionID uuid.UUID) ([]model.SubmissionAnswer, error)
}

// Store implements session.AnswerStore.
type Store struct {
	rdb     *redis.Client
	durable Durable
	log     zerolog.Logger
}

func NewStore(rdb *redis.Client, durable Durable, log zerolog.Logger) *Store {
	return &Store{
		rdb:     rdb,
		durable: durable,
		log:     log.With().Str("component", "answer_store").Logger(),
	}
}

// Upsert overwrites the answer in the hash and queues it for persistence in
// one MULTI, so the queue never misses a visible write.
func (s *Store) Upsert(ctx context.Context, a *model.SubmissionAnswer) error {
	if err := s.ensureLoaded(ctx, a.SubmissionID); err != nil {
		return err
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	key := config.CacheKey.SubmissionAnswersKey(a.SubmissionID.String())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, strconv.FormatInt(a.QuestionID, 10), raw)
		pipe.Expire(ctx, key, CacheTTL)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// Get returns nil, nil when the question has not been answered.
func (s *Store) Get(ctx context.Context, submissionID uuid.UUID, questionID int64) (*model.SubmissionAnswer, error) {
	if err := s.ensureLoaded(ctx, submissionID); err != nil {
		return nil, err
	}

	key := config.CacheKey.SubmissionAnswersKey(submissionID.String())
	raw, err := s.rdb.HGet(ctx, key, strconv.FormatInt(questionID, 10)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get answer: %w", err)
	}

	var a model.SubmissionAnswer
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	return &a, nil
}

// List returns every answer ordered by question id.
func (s *Store) List(ctx context.Context, submissionID uuid.UUID) ([]model.SubmissionAnswer, error) {
	if err := s.ensureLoaded(ctx, submissionID); err != nil {
		return nil, err
	}

	key := config.CacheKey.SubmissionAnswersKey(submissionID.String())
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	out := make([]model.SubmissionAnswer, 0, len(fields))
	for field, raw := range fields {
		if field == loadedField {
			continue
		}
		var a model.SubmissionAnswer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			s.log.Error().Err(err).Str("field", field).Msg("Skipping undecodable answer")
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (s *Store) Count(ctx context.Context, submissionID uuid.UUID) (int, error) {
	if err := s.ensureLoaded(ctx, submissionID); err != nil {
		return 0, err
	}

	key := config.CacheKey.SubmissionAnswersKey(submissionID.String())
	n, err := s.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count answers: %w", err)
	}
	if n > 0 {
		n-- // loadedField
	}
	return int(n), nil
}

// Forget drops the hash once the submission is graded.
func (s *Store) Forget(ctx context.Context, submissionID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.SubmissionAnswersKey(submissionID.String())).Err()
}

// ensureLoaded fills a missing hash from Postgres. Fields are written with
// HSETNX so a hydration racing a newer write never overwrites it.
func (s *Store) ensureLoaded(ctx context.Context, submissionID uuid.UUID) error {
	key := config.CacheKey.SubmissionAnswersKey(submissionID.String())

	loaded, err := s.rdb.HExists(ctx, key, loadedField).Result()
	if err != nil {
		return fmt.Errorf("check answer cache: %w", err)
	}
	if loaded {
		return nil
	}

	var rows []model.SubmissionAnswer
	if s.durable != nil {
		rows, err = s.durable.ListAnswers(ctx, submissionID)
		if err != nil {
			return fmt.Errorf("load durable answers: %w", err)
		}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range rows {
			raw, err := json.Marshal(&rows[i])
			if err != nil {
				return err
			}
			pipe.HSetNX(ctx, key, strconv.FormatInt(rows[i].QuestionID, 10), raw)
		}
		pipe.HSet(ctx, key, loadedField, "1")
		pipe.Expire(ctx, key, CacheTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hydrate answer cache: %w", err)
	}

	if len(rows) > 0 {
		s.log.Debug().
			Str("submission_id", submissionID.String()).
			Int("count", len(rows)).
			Msg("Hydrated answers from database")
	}
	return nil
}
