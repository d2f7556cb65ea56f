package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/session"
)

// AdminSubmissionHandler serves proctor views over submissions.
type AdminSubmissionHandler struct {
	manager *session.Manager
	monitor *service.MonitorService
	export  *service.ExportService
	log     zerolog.Logger
}

// NewAdminSubmissionHandler creates a new AdminSubmissionHandler.
func NewAdminSubmissionHandler(
	manager *session.Manager,
	monitor *service.MonitorService,
	export *service.ExportService,
	log zerolog.Logger,
) *AdminSubmissionHandler {
	return &AdminSubmissionHandler{
		manager: manager,
		monitor: monitor,
		export:  export,
		log:     log.With().Str("component", "admin_submission_handler").Logger(),
	}
}

// ListSubmissions godoc
// GET /api/v1/admin/exams/:exam_id/submissions?page=1&per_page=50
func (h *AdminSubmissionHandler) ListSubmissions(c *gin.Context) {
	examID, ok := paramInt64(c, "exam_id")
	if !ok {
		return
	}
	page, perPage := pageParams(c)

	subs, total, err := h.monitor.ListSubmissions(c.Request.Context(), examID, page, perPage)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}

	response.SuccessWithPagination(c, http.StatusOK, subs, response.NewPagination(page, perPage, total))
}

// ExportSubmissions godoc
// GET /api/v1/admin/exams/:exam_id/submissions/export
// Streams the roster as an .xlsx download.
func (h *AdminSubmissionHandler) ExportSubmissions(c *gin.Context) {
	examID, ok := paramInt64(c, "exam_id")
	if !ok {
		return
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="exam-%d-submissions.xlsx"`, examID))
	if err := h.export.WriteRoster(c.Request.Context(), examID, c.Writer); err != nil {
		h.log.Error().Err(err).Int64("exam_id", examID).Msg("Roster export failed")
		if !c.Writer.Written() {
			c.Header("Content-Disposition", "")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
	}
}

// CancelSubmission godoc
// POST /api/v1/admin/submissions/:id/cancel
func (h *AdminSubmissionHandler) CancelSubmission(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	res, err := h.manager.Cancel(c.Request.Context(), id)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	h.log.Info().Str("submission_id", id.String()).Int("admin_id", claims.UserID).Msg("Submission cancelled")
	response.Success(c, http.StatusOK, res)
}

func pageParams(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	return page, perPage
}
