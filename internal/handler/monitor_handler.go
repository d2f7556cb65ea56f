package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

const keepAliveInterval = 30 * time.Second

type MonitorHandler struct {
	feed    service.MonitorFeed
	monitor *service.MonitorService
	log     zerolog.Logger
}

func NewMonitorHandler(feed service.MonitorFeed, monitor *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		feed:    feed,
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Sends a snapshot of status counts, then every lifecycle event of the exam.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := paramInt64(c, "exam_id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	snapshot, err := h.monitor.Snapshot(reqCtx, examID)
	if err != nil {
		failSession(c, h.log, err)
		return
	}

	// Subscribe before the snapshot goes out so no event falls between them.
	events, cancel, err := h.feed.Subscribe(reqCtx, examID)
	if err != nil {
		h.log.Error().Err(err).Int64("exam_id", examID).Msg("Monitor subscribe failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	writeSSE(c, snapshot)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	h.log.Info().Int64("exam_id", examID).Msg("Admin attached to live monitor SSE")

	pingPayload := map[string]string{"type": "ping"}
	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Int64("exam_id", examID).Msg("Admin disconnected from live monitor SSE")
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(c, ev)
		case <-keepAlive.C:
			writeSSE(c, pingPayload)
		}
	}
}

func writeSSE(c *gin.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
