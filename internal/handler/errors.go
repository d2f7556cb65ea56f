package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/session"
)

// failSession maps a session-layer error onto the response envelope.
func failSession(c *gin.Context, log zerolog.Logger, err error) {
	var se *session.StateError
	if errors.As(err, &se) {
		response.Conflict(c, conflictCode(se.Err), string(se.Status), se.SubmittedAt)
		return
	}

	switch {
	case errors.Is(err, session.ErrNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, session.ErrExamUnavailable):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotAvailable)
	case errors.Is(err, session.ErrNotAuthorized):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	case errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrAlreadyGraded),
		errors.Is(err, session.ErrOutOfRange):
		response.Fail(c, http.StatusConflict, conflictCode(err))
	case errors.Is(err, session.ErrInvalidPassword):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrInvalidPassword)
	case errors.Is(err, session.ErrUnknownQuestion):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrUnknownQuestion)
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

func conflictCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, session.ErrAlreadyGraded):
		return response.ErrAlreadyGraded
	case errors.Is(err, session.ErrOutOfRange):
		return response.ErrOutOfRange
	default:
		return response.ErrNotActive
	}
}

func failValidation(c *gin.Context, fields map[string]string) {
	response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrValidation, fields)
}

// requireClaims returns the caller's claims or writes 401.
func requireClaims(c *gin.Context) (*service.Claims, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}
	return claims, true
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return id, true
}

func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
