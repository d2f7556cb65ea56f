// Package catalog is the read side of the question bank, cached in Redis.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how stale a cached exam may get.
const DefaultTTL = 5 * time.Minute

// Source loads exams from the question-bank tables.
type Source interface {
	GetByID(ctx context.Context, id int64) (*model.Exam, error)
	ListQuestions(ctx context.Context, examID int64) ([]model.ExamQuestion, error)
}

// cached keeps the password hash, which model.Exam never serializes.
type cached struct {
	Payload      model.ExamPayload `json:"payload"`
	PasswordHash string            `json:"password_hash"`
}

// Catalog implements session.Catalog with a read-through Redis cache.
type Catalog struct {
	src   Source
	rdb   *redis.Client
	ttl   time.Duration
	group singleflight.Group
	log   zerolog.Logger
}

func New(src Source, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{
		src: src,
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "catalog").Logger(),
	}
}

func (c *Catalog) Exam(ctx context.Context, examID int64) (*model.Exam, error) {
	p, err := c.payload(ctx, examID)
	if err != nil {
		return nil, err
	}
	exam := p.Payload.Exam
	exam.PasswordHash = p.PasswordHash
	return &exam, nil
}

func (c *Catalog) Questions(ctx context.Context, examID int64) ([]model.ExamQuestion, error) {
	p, err := c.payload(ctx, examID)
	if err != nil {
		return nil, err
	}
	return p.Payload.Questions, nil
}

// Invalidate drops the cached payload so the next read reloads it.
func (c *Catalog) Invalidate(ctx context.Context, examID int64) error {
	return c.rdb.Del(ctx, config.CacheKey.ExamPayloadKey(examID)).Err()
}

func (c *Catalog) payload(ctx context.Context, examID int64) (*cached, error) {
	key := config.CacheKey.ExamPayloadKey(examID)

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p cached
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
		c.log.Warn().Int64("exam_id", examID).Msg("Discarding undecodable exam payload")
	} else if err != redis.Nil {
		c.log.Error().Err(err).Int64("exam_id", examID).Msg("Exam cache read failed, using database")
	}

	v, err, _ := c.group.Do(strconv.FormatInt(examID, 10), func() (interface{}, error) {
		return c.warm(ctx, examID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cached), nil
}

// warm loads an exam's payload from PostgreSQL into Redis.
func (c *Catalog) warm(ctx context.Context, examID int64) (*cached, error) {
	exam, err := c.src.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	questions, err := c.src.ListQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	exam.QuestionCount = len(questions)

	p := &cached{
		Payload:      model.ExamPayload{Exam: *exam, Questions: questions},
		PasswordHash: exam.PasswordHash,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := c.rdb.Set(ctx, config.CacheKey.ExamPayloadKey(examID), raw, c.ttl).Err(); err != nil {
		c.log.Error().Err(err).Int64("exam_id", examID).Msg("Exam cache write failed")
	}

	c.log.Debug().
		Int64("exam_id", examID).
		Int("questions", len(questions)).
		Msg("Exam payload cached")
	return p, nil
}
