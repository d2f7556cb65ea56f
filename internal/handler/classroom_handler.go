package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

const maxClassroomMessageSize = 16 << 10

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ClassroomHandler serves the classroom real-time channel.
type ClassroomHandler struct {
	classroom  *service.ClassroomService
	upgrader   websocket.Upgrader
	sendBuffer int
	log        zerolog.Logger
}

// NewClassroomHandler creates a new ClassroomHandler.
func NewClassroomHandler(classroom *service.ClassroomService, allowedOrigins []string, sendBuffer int, log zerolog.Logger) *ClassroomHandler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &ClassroomHandler{
		classroom:  classroom,
		upgrader:   buildUpgrader(allowedOrigins),
		sendBuffer: sendBuffer,
		log:        log.With().Str("component", "classroom_ws").Logger(),
	}
}

// Stream godoc
// WS /ws/v1/classroom?token=...
// One connection may join many class rooms.
func (h *ClassroomHandler) Stream(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(conn, claims.UserID, h.sendBuffer, h.log)
	go client.WritePump()

	log := h.log.With().Str("conn_id", client.ID()).Int("user_id", claims.UserID).Logger()
	log.Info().Msg("Classroom connection opened")

	defer func() {
		h.classroom.Disconnect(client)
		client.Close()
		log.Info().Msg("Classroom connection closed")
	}()

	client.PrepareRead(maxClassroomMessageSize)
	for {
		var env ws.RequestEnvelope
		if err := client.Read(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Read failed")
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				client.ReplyError("", "malformed frame", nil)
				continue
			}
			return
		}
		h.dispatch(c, client, env)
	}
}

func (h *ClassroomHandler) dispatch(c *gin.Context, client *ws.Client, env ws.RequestEnvelope) {
	ctx := c.Request.Context()

	switch env.Event {
	case ws.ActionPing:
		client.Reply(ws.Message{Event: ws.EventPong})

	case ws.ActionJoin:
		var req ws.JoinRequest
		if !decode(client, env, &req) {
			return
		}
		res, err := h.classroom.Join(ctx, client, req.ClassID, req.UserID)
		if err != nil {
			h.replyError(client, env.Event, err)
			return
		}
		client.Reply(ws.Message{
			Event:   ws.EventClassJoined,
			ClassID: req.ClassID,
			Data: ws.ClassJoinedData{
				ClassID:      req.ClassID,
				Success:      true,
				MembersCount: res.Members,
				Seq:          res.Seq,
			},
		})

	case ws.ActionLeave:
		var req ws.LeaveRequest
		if !decode(client, env, &req) {
			return
		}
		count := h.classroom.Leave(ctx, client, req.ClassID)
		client.Reply(ws.Message{
			Event:   ws.EventClassLeft,
			ClassID: req.ClassID,
			Data:    ws.ClassLeftData{ClassID: req.ClassID, Success: true, MembersCount: count},
		})

	case ws.ActionPostCreate:
		var req ws.PostCreateRequest
		if !decode(client, env, &req) {
			return
		}
		_, err := h.classroom.CreatePost(ctx, client, service.NewPost{
			ClassID:  req.ClassID,
			SenderID: req.SenderID,
			Title:    req.Title,
			Message:  req.Message,
		})
		if err != nil {
			h.replyError(client, env.Event, err)
		}

	case ws.ActionReplyCreate:
		var req ws.ReplyCreateRequest
		if !decode(client, env, &req) {
			return
		}
		parentID := req.ParentID
		_, err := h.classroom.CreatePost(ctx, client, service.NewPost{
			ClassID:  req.ClassID,
			SenderID: req.SenderID,
			ParentID: &parentID,
			Message:  req.Message,
		})
		if err != nil {
			h.replyError(client, env.Event, err)
		}

	default:
		client.ReplyError(env.Event, "unknown event", nil)
	}
}

// decode unmarshals and validates env.Data, replying with an error frame on failure.
func decode(client *ws.Client, env ws.RequestEnvelope, dst interface{}) bool {
	if len(env.Data) == 0 {
		client.ReplyError(env.Event, "missing data", nil)
		return false
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		client.ReplyError(env.Event, "malformed data", nil)
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		client.ReplyError(env.Event, "validation failed", fields)
		return false
	}
	return true
}

func (h *ClassroomHandler) replyError(client *ws.Client, action ws.Action, err error) {
	switch {
	case errors.Is(err, service.ErrIdentityMismatch),
		errors.Is(err, service.ErrNotClassMember),
		errors.Is(err, service.ErrNotInRoom),
		errors.Is(err, service.ErrParentNotFound):
		client.ReplyError(action, err.Error(), nil)
	default:
		h.log.Error().Err(err).Str("conn_id", client.ID()).Str("action", string(action)).Msg("Classroom action failed")
		client.ReplyError(action, "internal error", nil)
	}
}
