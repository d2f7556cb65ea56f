// Package reconnect keeps a client's classroom channel and exam sessions in
// sync across connection loss. After every reconnect it re-joins the rooms
// the client held, resumes in-progress submissions and reports sequence
// gaps so the caller can re-fetch canonical state.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Wire event names used by the coordinator.
const (
	eventJoin   = "class:join"
	eventLeave  = "class:leave"
	eventJoined = "class:joined"
	eventLeft   = "class:left"
	eventError  = "error"
	eventPong   = "pong"
)

// ConnState is the coordinator's view of the channel.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// Frame is one server frame on the classroom channel.
type Frame struct {
	Event   string          `json:"event"`
	ClassID int64           `json:"class_id,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Channel is one live connection. Send may be called concurrently with Receive.
type Channel interface {
	Send(event string, data interface{}) error
	// Receive blocks for the next frame. It fails once the connection is
	// gone or ctx is done.
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens a Channel.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// ResumeState is the canonical session state returned by resume.
type ResumeState struct {
	SubmissionID         uuid.UUID  `json:"submission_id"`
	ExamID               int64      `json:"exam_id"`
	Status               string     `json:"status"`
	CurrentQuestionOrder int        `json:"current_question_order"`
	TotalQuestions       int        `json:"total_questions"`
	AnsweredCount        int        `json:"answered_count"`
	RemainingTimeSeconds int        `json:"remaining_time_seconds"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty"`
}

// SessionAPI is the authoritative read of an exam session.
type SessionAPI interface {
	Resume(ctx context.Context, submissionID uuid.UUID) (*ResumeState, error)
}

// Handlers receive coordinator callbacks, all from the Run goroutine.
// Any of them may be nil.
type Handlers struct {
	// OnEvent receives each room event once, in sequence order.
	OnEvent func(Frame)
	// OnResync fires when events of a room may have been missed; the caller
	// should re-fetch that room's state.
	OnResync func(classID int64)
	// OnResume receives the state of every tracked submission after a reconnect.
	OnResume func(*ResumeState)
	// OnState reports connection state changes.
	OnState func(ConnState)
	// OnError receives error frames and failed resumes.
	OnError func(error)
}

// Config tunes a Coordinator.
type Config struct {
	UserID int
	// NewBackOff builds the pacing for redial attempts. Defaults to
	// exponential backoff from 500ms up to 30s, retrying forever.
	NewBackOff func() backoff.BackOff
}

// ServerError is an error frame sent by the server.
type ServerError struct {
	Action  string            `json:"action"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func (e *ServerError) Error() string {
	if e.Action != "" {
		return e.Action + ": " + e.Message
	}
	return e.Message
}

// unseen marks a room whose sequence has not been observed yet.
const unseen int64 = -1

// maxHeld bounds the events kept per room while a join is unacknowledged.
const maxHeld = 256

// Coordinator owns one client's classroom channel.
type Coordinator struct {
	dialer   Dialer
	api      SessionAPI
	handlers Handlers
	cfg      Config
	log      zerolog.Logger

	mu          sync.Mutex
	ch          Channel
	rooms       map[int64]*cursor
	submissions map[uuid.UUID]struct{}
}

// cursor tracks one held room.
type cursor struct {
	last int64
	// joining is set from sending class:join until its acknowledgement.
	joining bool
	// base is last at the moment the join was sent.
	base int64
	// held keeps events at or below base that arrived while joining; they
	// are replayed if the acknowledgement shows the room's sequence restarted.
	held []Frame
}

func (r *cursor) startJoin() {
	r.joining = true
	r.base = r.last
	r.held = nil
}

func New(dialer Dialer, api SessionAPI, handlers Handlers, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	return &Coordinator{
		dialer:      dialer,
		api:         api,
		handlers:    handlers,
		cfg:         cfg,
		log:         log.With().Str("component", "reconnect").Int("user_id", cfg.UserID).Logger(),
		rooms:       make(map[int64]*cursor),
		submissions: make(map[uuid.UUID]struct{}),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Join records classID as held and joins it now when connected. Held rooms
// are re-joined after every reconnect.
func (c *Coordinator) Join(classID int64) error {
	c.mu.Lock()
	r, ok := c.rooms[classID]
	if !ok {
		r = &cursor{last: unseen}
		c.rooms[classID] = r
	}
	ch := c.ch
	if ch != nil {
		r.startJoin()
	}
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Send(eventJoin, joinData{ClassID: classID, UserID: c.cfg.UserID})
}

// Leave forgets classID and leaves it now when connected.
func (c *Coordinator) Leave(classID int64) error {
	c.mu.Lock()
	delete(c.rooms, classID)
	ch := c.ch
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Send(eventLeave, leaveData{ClassID: classID})
}

// Send forwards a client action such as post:create on the live channel.
func (c *Coordinator) Send(event string, data interface{}) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrDisconnected
	}
	return ch.Send(event, data)
}

// ErrDisconnected is returned by Send while no channel is open.
var ErrDisconnected = errors.New("classroom channel is not connected")

// Track marks a submission as in progress so it is resumed after reconnects.
func (c *Coordinator) Track(submissionID uuid.UUID) {
	c.mu.Lock()
	c.submissions[submissionID] = struct{}{}
	c.mu.Unlock()
}

// Untrack stops resuming a submission.
func (c *Coordinator) Untrack(submissionID uuid.UUID) {
	c.mu.Lock()
	delete(c.submissions, submissionID)
	c.mu.Unlock()
}

// LastSeen returns the last sequence number observed for classID.
func (c *Coordinator) LastSeen(classID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[classID]
	if !ok || r.last == unseen {
		return 0, false
	}
	return r.last, true
}

// Run connects and keeps reconnecting until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	defer c.setState(StateClosed)

	for {
		ch, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		c.mu.Lock()
		c.ch = ch
		c.mu.Unlock()
		c.setState(StateConnected)

		err = c.serve(ctx, ch)

		c.mu.Lock()
		c.ch = nil
		c.mu.Unlock()
		ch.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("Channel lost, reconnecting")
		c.setState(StateReconnecting)
	}
}

func (c *Coordinator) dial(ctx context.Context) (Channel, error) {
	var ch Channel
	op := func() error {
		var err error
		ch, err = c.dialer.Dial(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("retry_in", wait).Msg("Dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.cfg.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return ch, nil
}

// serve restores rooms and sessions on a fresh channel, then reads frames
// until the channel fails.
func (c *Coordinator) serve(ctx context.Context, ch Channel) error {
	c.mu.Lock()
	rooms := make([]int64, 0, len(c.rooms))
	for classID, r := range c.rooms {
		r.startJoin()
		rooms = append(rooms, classID)
	}
	subs := make([]uuid.UUID, 0, len(c.submissions))
	for id := range c.submissions {
		subs = append(subs, id)
	}
	c.mu.Unlock()

	for _, classID := range rooms {
		if err := ch.Send(eventJoin, joinData{ClassID: classID, UserID: c.cfg.UserID}); err != nil {
			return err
		}
	}
	for _, id := range subs {
		c.resume(ctx, id)
	}

	for {
		f, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		c.handle(f)
	}
}

func (c *Coordinator) resume(ctx context.Context, id uuid.UUID) {
	st, err := c.api.Resume(ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Str("submission_id", id.String()).Msg("Resume failed")
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		return
	}
	if st.Status != "in_progress" {
		c.Untrack(id)
	}
	if c.handlers.OnResume != nil {
		c.handlers.OnResume(st)
	}
}

func (c *Coordinator) handle(f Frame) {
	switch f.Event {
	case eventPong, eventLeft:
		return
	case eventError:
		se := &ServerError{}
		if err := json.Unmarshal(f.Data, se); err != nil {
			se.Message = string(f.Data)
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(se)
		}
		return
	case eventJoined:
		var ack joinedData
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			c.log.Warn().Err(err).Msg("Malformed join acknowledgement")
			return
		}
		resync, replay := c.observeAck(ack.ClassID, ack.Seq)
		if resync && c.handlers.OnResync != nil {
			c.handlers.OnResync(ack.ClassID)
		}
		if c.handlers.OnEvent != nil {
			for _, ev := range replay {
				c.handlers.OnEvent(ev)
			}
		}
		return
	}

	if f.ClassID == 0 || f.Seq == 0 {
		return
	}
	deliver, gap := c.observeEvent(f)
	if gap && c.handlers.OnResync != nil {
		c.handlers.OnResync(f.ClassID)
	}
	if deliver && c.handlers.OnEvent != nil {
		c.handlers.OnEvent(f)
	}
}

// observeAck folds a join acknowledgement into the room's cursor. It
// reports whether events may have been missed while away, and returns held
// events to deliver when the room's sequence restarted below the cursor.
func (c *Coordinator) observeAck(classID, seq int64) (bool, []Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[classID]
	if !ok {
		return false, nil
	}
	held := r.held
	base := r.base
	r.joining = false
	r.held = nil

	switch {
	case r.last == unseen:
		r.last = seq
		return false, nil
	case seq > r.last:
		r.last = seq
		return true, nil
	case base != unseen && seq < base:
		// The server lost the room's sequence, e.g. after a restart.
		r.last = seq
		sort.Slice(held, func(i, j int) bool { return held[i].Seq < held[j].Seq })
		var replay []Frame
		for _, ev := range held {
			if ev.Seq > r.last {
				replay = append(replay, ev)
				r.last = ev.Seq
			}
		}
		return true, replay
	default:
		// Broadcasts sent after the join may overtake its acknowledgement.
		return false, nil
	}
}

// observeEvent advances the room's cursor. Events at or below the cursor
// are duplicates; a jump past cursor+1 is a gap.
func (c *Coordinator) observeEvent(f Frame) (deliver, gap bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[f.ClassID]
	if !ok {
		return false, false
	}
	if r.last != unseen && f.Seq <= r.last {
		if r.joining && len(r.held) < maxHeld {
			r.held = append(r.held, f)
		}
		return false, false
	}
	gap = r.last != unseen && f.Seq > r.last+1
	r.last = f.Seq
	return true, gap
}

func (c *Coordinator) setState(s ConnState) {
	if c.handlers.OnState != nil {
		c.handlers.OnState(s)
	}
}

type joinData struct {
	ClassID int64 `json:"class_id"`
	UserID  int   `json:"user_id"`
}

type leaveData struct {
	ClassID int64 `json:"class_id"`
}

type joinedData struct {
	ClassID      int64 `json:"class_id"`
	MembersCount int   `json:"members_count"`
	Seq          int64 `json:"seq"`
}
