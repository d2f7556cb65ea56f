package reconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

// WSDialer dials the classroom endpoint with gorilla/websocket, passing
// the JWT as ?token= the way browsers must.
type WSDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context) (Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", d.Token)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return newWSChannel(conn), nil
}

type wsChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	ch := &wsChannel{conn: conn}
	// Server pings keep the read deadline moving.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(ws.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(ws.WriteWait))
	})
	return ch
}

func (c *wsChannel) Send(event string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteTyped(c.conn, struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data"`
	}{event, data})
}

func (c *wsChannel) Receive(ctx context.Context) (Frame, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	var f Frame
	if err := ws.ReadJSON(c.conn, &f); err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, err
	}
	return f, nil
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// HTTPSessionAPI calls the resume endpoint of the session REST API.
type HTTPSessionAPI struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// APIError is a non-2xx response from the session API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("session api: %d %s: %s", e.Status, e.Code, e.Message)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *HTTPSessionAPI) Resume(ctx context.Context, submissionID uuid.UUID) (*ResumeState, error) {
	endpoint := fmt.Sprintf("%s/api/v1/student/submissions/%s/resume", a.BaseURL, submissionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Accept", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", submissionID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read resume response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode resume response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 || env.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}

	var st ResumeState
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return nil, fmt.Errorf("decode resume state: %w", err)
	}
	return &st, nil
}
