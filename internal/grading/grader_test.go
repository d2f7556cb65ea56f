package grading

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGraderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Answers) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Verdict{
			Score:   10,
			Answers: []model.AnswerGrade{{QuestionID: req.Answers[0].QuestionID, IsCorrect: true, PointsEarned: 10}},
		})
	}))
	defer srv.Close()

	g := NewHTTPGrader(srv.URL, 2*time.Second)
	v, err := g.Grade(context.Background(), &Request{
		SubmissionID: uuid.New(),
		Answers:      []AnswerInput{{QuestionID: 3, AnswerContent: "B"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, v.Score)
	require.Len(t, v.Answers, 1)
	assert.Equal(t, int64(3), v.Answers[0].QuestionID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPGraderClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown exam", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	g := NewHTTPGrader(srv.URL, time.Second)
	_, err := g.Grade(context.Background(), &Request{SubmissionID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exam")
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	id := uuid.New()
	require.NoError(t, NewQueue(rdb).Enqueue(context.Background(), id))

	got, err := rdb.LPop(context.Background(), config.WorkerKey.GradeSubmissionsQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, id.String(), got)
}
