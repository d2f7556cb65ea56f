package room

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-live/internal/config"
)

// Sequencer issues the per-room monotonically increasing event numbers.
type Sequencer interface {
	Next(ctx context.Context, classID int64) (int64, error)
	Current(ctx context.Context, classID int64) (int64, error)
}

// RedisSequencer keeps sequences in Redis so they survive restarts and are
// shared by every server instance.
type RedisSequencer struct {
	rdb *redis.Client
}

func NewRedisSequencer(rdb *redis.Client) *RedisSequencer {
	return &RedisSequencer{rdb: rdb}
}

func (s *RedisSequencer) Next(ctx context.Context, classID int64) (int64, error) {
	return s.rdb.Incr(ctx, config.CacheKey.ClassSequenceKey(classID)).Result()
}

func (s *RedisSequencer) Current(ctx context.Context, classID int64) (int64, error) {
	n, err := s.rdb.Get(ctx, config.CacheKey.ClassSequenceKey(classID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// MemorySequencer is a process-local Sequencer.
type MemorySequencer struct {
	mu   sync.Mutex
	last map[int64]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{last: make(map[int64]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, classID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[classID]++
	return s.last[classID], nil
}

func (s *MemorySequencer) Current(_ context.Context, classID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[classID], nil
}
