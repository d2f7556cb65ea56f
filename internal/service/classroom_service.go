package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/room"
)

// Room event types.
const (
	EventPostCreated     = "post:created"
	EventReplyCreated    = "reply:created"
	EventPresenceChanged = "presence:changed"
)

// Classroom errors. They are reported to the sender only.
var (
	ErrIdentityMismatch = errors.New("user does not match the authenticated identity")
	ErrNotClassMember   = errors.New("user is not a member of this class")
	ErrNotInRoom        = errors.New("join the class before posting")
	ErrParentNotFound   = errors.New("parent post not found in this class")
)

// ClassDirectory answers roster questions for the external class store.
type ClassDirectory interface {
	IsMember(ctx context.Context, classID int64, userID int) (bool, error)
}

// PostStore persists class posts and replies.
type PostStore interface {
	Create(ctx context.Context, p *model.Post) error
	// Get returns nil, nil when the post does not exist.
	Get(ctx context.Context, id int64) (*model.Post, error)
}

// PresenceChange is the payload of presence:changed.
type PresenceChange struct {
	ClassID      int64  `json:"class_id"`
	UserID       int    `json:"user_id"`
	Status       string `json:"status"`
	MembersCount int    `json:"members_count"`
}

// NewPost is a post:create or reply:create request.
type NewPost struct {
	ClassID  int64
	SenderID int
	ParentID *int64
	Title    *string
	Message  string
}

// ClassroomService applies room actions for authenticated connections.
type ClassroomService struct {
	bc      *room.Broadcaster
	classes ClassDirectory
	posts   PostStore
	log     zerolog.Logger
}

func NewClassroomService(bc *room.Broadcaster, classes ClassDirectory, posts PostStore, log zerolog.Logger) *ClassroomService {
	return &ClassroomService{
		bc:      bc,
		classes: classes,
		posts:   posts,
		log:     log.With().Str("component", "classroom").Logger(),
	}
}

// Join subscribes conn to the class room. userID must be the connection's
// own identity. Joining again succeeds without a second presence event.
func (s *ClassroomService) Join(ctx context.Context, conn room.Subscriber, classID int64, userID int) (room.JoinResult, error) {
	if userID != conn.UserID() {
		return room.JoinResult{}, ErrIdentityMismatch
	}
	ok, err := s.classes.IsMember(ctx, classID, userID)
	if err != nil {
		return room.JoinResult{}, fmt.Errorf("check class membership: %w", err)
	}
	if !ok {
		return room.JoinResult{}, ErrNotClassMember
	}

	res, err := s.bc.Join(ctx, conn, classID)
	if err != nil {
		return room.JoinResult{}, err
	}
	if res.Added {
		s.log.Debug().Str("conn_id", conn.ID()).Int64("class_id", classID).Msg("Joined room")
		s.presence(ctx, classID, userID, "joined", res.Members)
	}
	return res, nil
}

// Leave unsubscribes conn. Leaving a room that was never joined succeeds.
func (s *ClassroomService) Leave(ctx context.Context, conn room.Subscriber, classID int64) int {
	removed, count := s.bc.Registry().Leave(conn.ID(), classID)
	if removed {
		s.presence(ctx, classID, conn.UserID(), "left", count)
	}
	return count
}

// Disconnect drops every membership of a closed connection without
// emitting events.
func (s *ClassroomService) Disconnect(conn room.Subscriber) {
	rooms := s.bc.Registry().Disconnect(conn.ID())
	if len(rooms) > 0 {
		s.log.Debug().Str("conn_id", conn.ID()).Ints64("class_ids", rooms).Msg("Connection removed from rooms")
	}
}

// CreatePost stores a post or reply and broadcasts it to the room,
// including the sender.
func (s *ClassroomService) CreatePost(ctx context.Context, conn room.Subscriber, in NewPost) (*model.Post, error) {
	if in.SenderID != conn.UserID() {
		return nil, ErrIdentityMismatch
	}
	if !s.bc.Registry().IsMember(conn.ID(), in.ClassID) {
		return nil, ErrNotInRoom
	}

	eventType := EventPostCreated
	if in.ParentID != nil {
		parent, err := s.posts.Get(ctx, *in.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent post: %w", err)
		}
		if parent == nil || parent.ClassID != in.ClassID {
			return nil, ErrParentNotFound
		}
		eventType = EventReplyCreated
		in.Title = nil
	}

	post := &model.Post{
		ClassID:  in.ClassID,
		SenderID: in.SenderID,
		ParentID: in.ParentID,
		Title:    in.Title,
		Message:  in.Message,
	}
	if err := s.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("store post: %w", err)
	}

	if _, _, err := s.bc.Broadcast(ctx, in.ClassID, eventType, post); err != nil {
		// The post is stored; members that miss it see it on their next refresh.
		s.log.Error().Err(err).Int64("class_id", in.ClassID).Int64("post_id", post.ID).Msg("Broadcast failed")
	}
	return post, nil
}

func (s *ClassroomService) presence(ctx context.Context, classID int64, userID int, status string, count int) {
	_, _, err := s.bc.Broadcast(ctx, classID, EventPresenceChanged, PresenceChange{
		ClassID:      classID,
		UserID:       userID,
		Status:       status,
		MembersCount: count,
	})
	if err != nil {
		s.log.Error().Err(err).Int64("class_id", classID).Msg("Presence broadcast failed")
	}
}
