package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionJoin        Action = "class:join"
	ActionLeave       Action = "class:leave"
	ActionPostCreate  Action = "post:create"
	ActionReplyCreate Action = "reply:create"
	ActionPing        Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Event Action          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type JoinRequest struct {
	ClassID int64 `json:"class_id" binding:"required,min=1"`
	UserID  int   `json:"user_id" binding:"required,min=1"`
}

type LeaveRequest struct {
	ClassID int64 `json:"class_id" binding:"required,min=1"`
}

type PostCreateRequest struct {
	ClassID  int64   `json:"class_id" binding:"required,min=1"`
	SenderID int     `json:"sender_id" binding:"required,min=1"`
	Title    *string `json:"title" binding:"omitempty,max=200"`
	Message  string  `json:"message" binding:"required,max=5000"`
}

type ReplyCreateRequest struct {
	ClassID  int64  `json:"class_id" binding:"required,min=1"`
	ParentID int64  `json:"parent_id" binding:"required,min=1"`
	SenderID int    `json:"sender_id" binding:"required,min=1"`
	Message  string `json:"message" binding:"required,max=5000"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventClassJoined Event = "class:joined"
	EventClassLeft   Event = "class:left"
	EventError       Event = "error"
	EventPong        Event = "pong"
)

// Message is a server frame addressed to one connection. Room broadcasts
// use the same shape with seq set.
type Message struct {
	Event   Event `json:"event"`
	ClassID int64 `json:"class_id,omitempty"`
	Seq     int64 `json:"seq,omitempty"`
	Data    any   `json:"data"`
}

type ClassJoinedData struct {
	ClassID      int64 `json:"class_id"`
	Success      bool  `json:"success"`
	MembersCount int   `json:"members_count"`
	// Seq is the room's last sequence number at join time.
	Seq int64 `json:"seq"`
}

type ClassLeftData struct {
	ClassID      int64 `json:"class_id"`
	Success      bool  `json:"success"`
	MembersCount int   `json:"members_count"`
}

type ErrorData struct {
	Action  Action            `json:"action,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
