package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEADLINE_GRACE_SECONDS", "")
	t.Setenv("STORAGE_DRIVER", "")

	cfg := Load()

	assert.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	assert.Equal(t, 5*time.Second, cfg.DeadlineGrace)
	assert.Equal(t, 256, cfg.WSSendBuffer)
	assert.Empty(t, cfg.GraderURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "MEMORY")
	t.Setenv("DEADLINE_GRACE_SECONDS", "0")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("MAX_DB_CONNS", "not-a-number")

	cfg := Load()

	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, time.Duration(0), cfg.DeadlineGrace)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int32(16), cfg.MaxDBConns)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "class:5:seq", CacheKey.ClassSequenceKey(5))
	assert.Equal(t, "student:1:exam:7:unlocked", CacheKey.ExamUnlockKey(7, 1))
	assert.Equal(t, "exam:7:monitor", CacheKey.ExamMonitorChannel(7))
}
