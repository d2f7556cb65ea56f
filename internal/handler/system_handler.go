package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/room"
	"github.com/stemsi/exstem-live/internal/session"
)

const (
	metricsInterval = 7 * time.Second
	healthTimeout   = 2 * time.Second
)

// Pinger is a dependency that can report its liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler reports liveness and streams runtime metrics via SSE.
type SystemHandler struct {
	rdb       *redis.Client // nil in memory mode
	db        Pinger        // nil in memory mode
	sessions  *session.Manager
	rooms     *room.Registry
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, db Pinger, sessions *session.Manager, rooms *room.Registry, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		db:        db,
		sessions:  sessions,
		rooms:     rooms,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true
	if h.db != nil {
		checks["postgres"] = status(h.db.Ping(ctx), &healthy)
	}
	if h.rdb != nil {
		checks["redis"] = status(h.rdb.Ping(ctx).Err(), &healthy)
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

func status(err error, healthy *bool) string {
	if err != nil {
		*healthy = false
		return err.Error()
	}
	return "ok"
}

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`

	LiveSessions    int `json:"live_sessions"`
	RoomConnections int `json:"room_connections"`

	QueueAnswers int64 `json:"queue_answers"`
	QueueGrades  int64 `json:"queue_grades"`
}

// SystemMetricsSSE godoc
// GET /api/v1/admin/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	writeSSE(c, h.collect(reqCtx))
	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			writeSSE(c, h.collect(reqCtx))
		}
	}
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := systemMetrics{
		Timestamp:       time.Now().Unix(),
		Uptime:          formatDuration(time.Since(h.startTime)),
		Goroutines:      runtime.NumGoroutine(),
		HeapAlloc:       ms.HeapAlloc,
		HeapSys:         ms.HeapSys,
		NumGC:           ms.NumGC,
		GoVersion:       runtime.Version(),
		LiveSessions:    h.sessions.Len(),
		RoomConnections: h.rooms.Connections(),
	}

	if h.rdb != nil {
		pipe := h.rdb.Pipeline()
		answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
		gradesCmd := pipe.LLen(ctx, config.WorkerKey.GradeSubmissionsQueue)
		if _, err := pipe.Exec(ctx); err == nil {
			m.QueueAnswers, _ = answersCmd.Result()
			m.QueueGrades, _ = gradesCmd.Result()
		}
	}
	return m
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
