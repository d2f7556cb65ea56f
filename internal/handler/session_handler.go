package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/session"
	"github.com/stemsi/exstem-live/internal/validator"
)

// SessionHandler serves the student exam-taking endpoints.
type SessionHandler struct {
	manager *session.Manager
	gate    *service.ExamGateService
	log     zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *session.Manager, gate *service.ExamGateService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		gate:    gate,
		log:     log.With().Str("component", "session_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Creates the attempt, or returns the in-progress one (idempotent).
func (h *SessionHandler) StartExam(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	examID, ok := paramInt64(c, "exam_id")
	if !ok {
		return
	}

	state, err := h.manager.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthorized) {
			response.Fail(c, http.StatusForbidden, response.ErrExamLocked)
			return
		}
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// VerifyPassword godoc
// POST /api/v1/student/exams/:exam_id/verify-password
func (h *SessionHandler) VerifyPassword(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	examID, ok := paramInt64(c, "exam_id")
	if !ok {
		return
	}

	var req model.VerifyPasswordRequest
	if fields := validator.Bind(c, &req); fields != nil {
		failValidation(c, fields)
		return
	}

	if err := h.gate.VerifyPassword(c.Request.Context(), examID, claims.UserID, req.Password); err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exam_id": examID, "unlocked": true})
}

// GetQuestion godoc
// GET /api/v1/student/submissions/:id/questions/:order
func (h *SessionHandler) GetQuestion(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	order, err := strconv.Atoi(c.Param("order"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	view, err := h.manager.GetQuestion(c.Request.Context(), id, claims.UserID, order)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SubmitAnswer godoc
// POST /api/v1/student/submissions/:id/answers
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req model.SubmitAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		failValidation(c, fields)
		return
	}

	ans, err := h.manager.SubmitAnswer(c.Request.Context(), id, claims.UserID, req.QuestionID, req.AnswerContent)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"answer_id":   ans.ID,
		"question_id": ans.QuestionID,
		"updated_at":  ans.UpdatedAt,
	})
}

// Resume godoc
// GET /api/v1/student/submissions/:id/resume
// Side-effect free apart from a due auto-submit.
func (h *SessionHandler) Resume(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	state, err := h.manager.Resume(c.Request.Context(), id, claims.UserID)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// Submit godoc
// POST /api/v1/student/submissions/:id/submit
// Repeated calls return the same result.
func (h *SessionHandler) Submit(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	res, err := h.manager.Submit(c.Request.Context(), id, claims.UserID)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// UpdateTime godoc
// PATCH /api/v1/student/submissions/:id/time
// Stale or increased values are ignored, never rejected.
func (h *SessionHandler) UpdateTime(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}

	var req model.UpdateTimeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		failValidation(c, fields)
		return
	}

	res, err := h.manager.UpdateRemainingTime(c.Request.Context(), id, claims.UserID, *req.RemainingTimeSeconds)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetActiveSession godoc
// GET /api/v1/student/active-session
// Lets a reloaded client without a stored submission id find its attempt.
func (h *SessionHandler) GetActiveSession(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	subs, err := h.manager.ActiveSubmissions(c.Request.Context(), claims.UserID)
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	response.Success(c, http.StatusOK, gin.H{"submissions": subs})
}
