package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSDialerRoundTrip(t *testing.T) {
	tokens := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		var join joinData
		_ = json.Unmarshal(req.Data, &join)
		_ = conn.WriteJSON(map[string]interface{}{
			"event":    eventJoined,
			"class_id": join.ClassID,
			"data":     joinedData{ClassID: join.ClassID, MembersCount: 1, Seq: 9},
		})
	}))
	defer srv.Close()

	d := &WSDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/classroom", Token: "abc"}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, "abc", <-tokens)

	require.NoError(t, ch.Send(eventJoin, joinData{ClassID: 5, UserID: 1}))
	f, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, eventJoined, f.Event)

	var ack joinedData
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	assert.Equal(t, int64(5), ack.ClassID)
	assert.Equal(t, int64(9), ack.Seq)
}

func TestHTTPSessionAPIResume(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"data":null,"error":{"code":"TOKEN_INVALID","message":"Token autentikasi tidak valid."}}`))
			return
		}
		if r.URL.Path != "/api/v1/student/submissions/"+id.String()+"/resume" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"data":null,"error":{"code":"NOT_FOUND","message":"x"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"submission_id":"` + id.String() + `","status":"in_progress","current_question_order":3,"answered_count":2,"remaining_time_seconds":600}}`))
	}))
	defer srv.Close()

	api := &HTTPSessionAPI{BaseURL: srv.URL, Token: "tok"}
	st, err := api.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, st.SubmissionID)
	assert.Equal(t, 3, st.CurrentQuestionOrder)
	assert.Equal(t, 600, st.RemainingTimeSeconds)

	_, err = api.Resume(context.Background(), uuid.New())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	bad := &HTTPSessionAPI{BaseURL: srv.URL, Token: "nope"}
	_, err = bad.Resume(context.Background(), id)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "TOKEN_INVALID", apiErr.Code)
}
