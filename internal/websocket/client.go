package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/room"
)

// Client is one server-side classroom connection. All writes go through
// WritePump, the only goroutine allowed to write to conn.
type Client struct {
	id     string
	userID int
	conn   *websocket.Conn
	send   chan interface{}
	log    zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, userID, buffer int, log zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan interface{}, buffer),
		log:    log.With().Str("conn_id", id).Int("user_id", userID).Logger(),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string  { return c.id }
func (c *Client) UserID() int { return c.userID }

// Deliver queues a room event without blocking.
func (c *Client) Deliver(ev room.Event) bool {
	return c.enqueue(Message{
		Event:   Event(ev.Type),
		ClassID: ev.ClassID,
		Seq:     ev.Seq,
		Data:    ev.Data,
	})
}

// Reply queues a frame for this connection only.
func (c *Client) Reply(msg Message) bool {
	return c.enqueue(msg)
}

// ReplyError queues an error frame.
func (c *Client) ReplyError(action Action, message string, fields map[string]string) bool {
	return c.enqueue(Message{
		Event: EventError,
		Data:  ErrorData{Action: action, Message: message, Fields: fields},
	})
}

func (c *Client) enqueue(v interface{}) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the client is shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// WritePump drains the send queue and keeps the connection alive with
// pings. Run it in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case v := <-c.send:
			if err := WriteTyped(c.conn, v); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// PrepareRead installs the pong handler that extends the read deadline.
func (c *Client) PrepareRead(maxMessageSize int64) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})
}

// Read decodes the next client frame.
func (c *Client) Read(env *RequestEnvelope) error {
	return ReadJSON(c.conn, env)
}
