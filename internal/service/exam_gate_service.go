package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
	"golang.org/x/crypto/bcrypt"
)

// RedisUnlockStore implements session.UnlockStore with expiring keys.
type RedisUnlockStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisUnlockStore(rdb *redis.Client, ttl time.Duration) *RedisUnlockStore {
	return &RedisUnlockStore{rdb: rdb, ttl: ttl}
}

func (s *RedisUnlockStore) Unlock(ctx context.Context, examID int64, studentID int) error {
	return s.rdb.Set(ctx, config.CacheKey.ExamUnlockKey(examID, studentID), 1, s.ttl).Err()
}

func (s *RedisUnlockStore) IsUnlocked(ctx context.Context, examID int64, studentID int) (bool, error) {
	n, err := s.rdb.Exists(ctx, config.CacheKey.ExamUnlockKey(examID, studentID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExamGateService checks exam passwords before a student may start.
type ExamGateService struct {
	catalog session.Catalog
	unlocks session.UnlockStore
	log     zerolog.Logger
}

func NewExamGateService(catalog session.Catalog, unlocks session.UnlockStore, log zerolog.Logger) *ExamGateService {
	return &ExamGateService{
		catalog: catalog,
		unlocks: unlocks,
		log:     log.With().Str("component", "exam_gate").Logger(),
	}
}

// VerifyPassword unlocks the exam for the student when password matches.
// Exams without a password are unlocked unconditionally.
func (s *ExamGateService) VerifyPassword(ctx context.Context, examID int64, studentID int, password string) error {
	exam, err := s.catalog.Exam(ctx, examID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.ErrExamUnavailable
		}
		return fmt.Errorf("load exam: %w", err)
	}
	if exam.Status != model.ExamStatusPublished {
		return session.ErrExamUnavailable
	}

	if exam.HasPassword() {
		if err := bcrypt.CompareHashAndPassword([]byte(exam.PasswordHash), []byte(password)); err != nil {
			s.log.Info().
				Int64("exam_id", examID).
				Int("student_id", studentID).
				Msg("Exam password rejected")
			return session.ErrInvalidPassword
		}
	}

	if err := s.unlocks.Unlock(ctx, examID, studentID); err != nil {
		return fmt.Errorf("store unlock: %w", err)
	}
	return nil
}
