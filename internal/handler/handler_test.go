package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/memstore"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/room"
	"github.com/stemsi/exstem-live/internal/router"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/session"
	"github.com/stemsi/exstem-live/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	validator.Setup()
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
	Pagination *struct {
		Page       int `json:"page"`
		TotalItems int `json:"total_items"`
	} `json:"pagination"`
}

type api struct {
	t      *testing.T
	engine http.Handler
	auth   *service.AuthService
	clock  *clock.Mock
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log := zerolog.Nop()
	cfg := &config.Config{
		GinMode:                     "test",
		JWTSecret:                   "test-secret",
		JWTExpiry:                   time.Hour,
		BcryptCost:                  bcrypt.MinCost,
		WSSendBuffer:                16,
		VerifyPasswordRatePerMinute: 3,
	}

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	catalog := memstore.NewCatalog()
	catalog.Put(model.Exam{ID: 7, Title: "UTS Fisika", DurationSeconds: 1800, Status: model.ExamStatusPublished}, []model.ExamQuestion{
		{QuestionID: 701, Order: 1, Points: 10, QuestionType: "MULTIPLE_CHOICE", QuestionText: "Soal 1"},
		{QuestionID: 702, Order: 2, Points: 10, QuestionType: "MULTIPLE_CHOICE", QuestionText: "Soal 2"},
	})
	hash, err := bcrypt.GenerateFromPassword([]byte("rahasia"), bcrypt.MinCost)
	require.NoError(t, err)
	catalog.Put(model.Exam{ID: 8, Title: "UAS", DurationSeconds: 600, Status: model.ExamStatusPublished, PasswordHash: string(hash)}, []model.ExamQuestion{
		{QuestionID: 801, Order: 1, Points: 10, QuestionType: "ESSAY", QuestionText: "Jelaskan"},
	})

	subs := memstore.NewSubmissions()
	unlocks := memstore.NewUnlocks(time.Hour, clk)
	feed := service.NewLocalMonitor()
	manager := session.NewManager(session.Deps{
		Submissions: subs,
		Answers:     memstore.NewAnswers(),
		Catalog:     catalog,
		Unlocks:     unlocks,
		Notifier:    feed,
		Clock:       clk,
	}, session.Options{Grace: 5 * time.Second, TimeJumpAlert: 30}, log)

	classes := memstore.NewClasses()
	classes.Enroll(5, 1, 2)
	registry := room.NewRegistry()
	classroom := service.NewClassroomService(room.NewBroadcaster(registry, room.NewMemorySequencer(), log), classes, memstore.NewPosts(clk), log)
	monitor := service.NewMonitorService(catalog, subs)
	auth := service.NewAuthService(cfg)

	handlers := &router.Handlers{
		Session:    handler.NewSessionHandler(manager, service.NewExamGateService(catalog, unlocks, log), log),
		Classroom:  handler.NewClassroomHandler(classroom, nil, cfg.WSSendBuffer, log),
		Monitor:    handler.NewMonitorHandler(feed, monitor, log),
		Submission: handler.NewAdminSubmissionHandler(manager, monitor, service.NewExportService(monitor), log),
		System:     handler.NewSystemHandler(nil, nil, manager, registry, log),
	}
	limiter := middleware.NewRateLimiter(cfg.VerifyPasswordRatePerMinute, time.Minute, middleware.WithClock(clk))

	return &api{
		t:      t,
		engine: router.SetupRouter(auth, handlers, limiter, cfg),
		auth:   auth,
		clock:  clk,
	}
}

func (a *api) token(tt service.TokenType, userID int, perms ...string) string {
	tok, err := a.auth.Generate(tt, userID, perms)
	require.NoError(a.t, err)
	return tok
}

func (a *api) student(id int) string { return a.token(service.TokenTypeStudent, id) }

func (a *api) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (a *api) start(token string, examID int64) session.State {
	a.t.Helper()
	rec, env := a.do(http.MethodPost, fmt.Sprintf("/api/v1/student/exams/%d/start", examID), token, nil)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	var st session.State
	require.NoError(a.t, json.Unmarshal(env.Data, &st))
	return st
}

func TestStartIsIdempotent(t *testing.T) {
	a := newAPI(t)
	tok := a.student(1)

	first := a.start(tok, 7)
	second := a.start(tok, 7)

	assert.Equal(t, first.SubmissionID, second.SubmissionID)
	assert.Equal(t, 1, first.CurrentQuestionOrder)
	assert.Equal(t, 1800, first.RemainingTimeSeconds)
	require.NotNil(t, first.Question)
	assert.Equal(t, int64(701), first.Question.QuestionID)
}

func TestAuthErrors(t *testing.T) {
	a := newAPI(t)

	rec, env := a.do(http.MethodPost, "/api/v1/student/exams/7/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REQUIRED", env.Error.Code)

	rec, env = a.do(http.MethodPost, "/api/v1/student/exams/7/start", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_INVALID", env.Error.Code)

	rec, env = a.do(http.MethodPost, "/api/v1/student/exams/7/start", a.token(service.TokenTypeAdmin, 9), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "STUDENT_ACCESS_ONLY", env.Error.Code)

	rec, env = a.do(http.MethodPost, "/api/v1/student/exams/abc/start", a.student(1), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ID", env.Error.Code)

	rec, env = a.do(http.MethodPost, "/api/v1/student/exams/99/start", a.student(1), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "EXAM_NOT_AVAILABLE", env.Error.Code)
}

func TestAnswerFlowAndConflicts(t *testing.T) {
	a := newAPI(t)
	tok := a.student(1)
	st := a.start(tok, 7)
	base := "/api/v1/student/submissions/" + st.SubmissionID.String()

	rec, env := a.do(http.MethodPost, base+"/answers", tok, map[string]interface{}{"answer_content": "B"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Fields, "question_id")

	rec, env = a.do(http.MethodPost, base+"/answers", tok, map[string]interface{}{"question_id": 999, "answer_content": "B"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "UNKNOWN_QUESTION", env.Error.Code)

	rec, _ = a.do(http.MethodPost, base+"/answers", tok, map[string]interface{}{"question_id": 701, "answer_content": "B"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = a.do(http.MethodGet, base+"/questions/2", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view session.QuestionView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, int64(702), view.Question.QuestionID)

	rec, env = a.do(http.MethodGet, base+"/questions/3", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "QUESTION_OUT_OF_RANGE", env.Error.Code)

	rec, env = a.do(http.MethodGet, base+"/resume", a.student(2), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	rec, env = a.do(http.MethodPost, base+"/submit", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res session.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, model.SubmissionStatusSubmitted, res.Status)
	assert.Equal(t, 1, res.AnsweredCount)
	assert.Equal(t, 2, res.TotalQuestions)

	rec, env = a.do(http.MethodPost, base+"/submit", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var again session.Result
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.Equal(t, res.SubmittedAt, again.SubmittedAt)

	rec, env = a.do(http.MethodPost, base+"/answers", tok, map[string]interface{}{"question_id": 702, "answer_content": "C"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SUBMISSION_NOT_ACTIVE", env.Error.Code)
	assert.Equal(t, "submitted", env.Error.Fields["status"])
	assert.Equal(t, "2026-03-02T08:00:00Z", env.Error.Fields["submitted_at"])

	rec, env = a.do(http.MethodPost, "/api/v1/student/exams/7/start", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_GRADED", env.Error.Code)
}

func TestUpdateTimeIsMonotonic(t *testing.T) {
	a := newAPI(t)
	tok := a.student(1)
	st := a.start(tok, 7)
	path := "/api/v1/student/submissions/" + st.SubmissionID.String() + "/time"

	var last session.TimeResult
	for _, v := range []int{1758, 1760, 1755, 1750} {
		rec, env := a.do(http.MethodPatch, path, tok, map[string]int{"remaining_time_seconds": v})
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(env.Data, &last))
	}
	assert.Equal(t, 1750, last.RemainingTimeSeconds)

	rec, env := a.do(http.MethodPatch, path, tok, map[string]int{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestPasswordGate(t *testing.T) {
	a := newAPI(t)
	tok := a.student(1)

	rec, env := a.do(http.MethodPost, "/api/v1/student/exams/8/start", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "EXAM_LOCKED", env.Error.Code)

	rec, env = a.do(http.MethodPost, "/api/v1/student/exams/8/verify-password", tok, map[string]string{"password": "salah"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_PASSWORD", env.Error.Code)

	rec, _ = a.do(http.MethodPost, "/api/v1/student/exams/8/verify-password", tok, map[string]string{"password": "rahasia"})
	require.Equal(t, http.StatusOK, rec.Code)

	st := a.start(tok, 8)
	assert.Equal(t, 600, st.RemainingTimeSeconds)

	// Three attempts per minute per client.
	rec, _ = a.do(http.MethodPost, "/api/v1/student/exams/8/verify-password", tok, map[string]string{"password": "rahasia"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, env = a.do(http.MethodPost, "/api/v1/student/exams/8/verify-password", tok, map[string]string{"password": "rahasia"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Error.Code)

	a.clock.Add(time.Minute)
	rec, _ = a.do(http.MethodPost, "/api/v1/student/exams/8/verify-password", tok, map[string]string{"password": "rahasia"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActiveSession(t *testing.T) {
	a := newAPI(t)
	tok := a.student(1)

	rec, env := a.do(http.MethodGet, "/api/v1/student/active-session", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"submissions":[]}`, string(env.Data))

	st := a.start(tok, 7)
	_, env = a.do(http.MethodGet, "/api/v1/student/active-session", tok, nil)
	var out struct {
		Submissions []model.Submission `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out.Submissions, 1)
	assert.Equal(t, st.SubmissionID, out.Submissions[0].ID)
}

func TestAdminSubmissions(t *testing.T) {
	a := newAPI(t)
	st := a.start(a.student(1), 7)
	a.start(a.student(2), 7)

	reader := a.token(service.TokenTypeAdmin, 9, string(model.PermissionSubmissionsRead))
	canceller := a.token(service.TokenTypeAdmin, 9, string(model.PermissionSubmissionsCancel))

	rec, env := a.do(http.MethodGet, "/api/v1/admin/exams/7/submissions?per_page=1", reader, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 2, env.Pagination.TotalItems)

	rec, env = a.do(http.MethodPost, "/api/v1/admin/submissions/"+st.SubmissionID.String()+"/cancel", reader, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "PERMISSION_DENIED", env.Error.Code)

	rec, env = a.do(http.MethodPost, "/api/v1/admin/submissions/"+st.SubmissionID.String()+"/cancel", canceller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res session.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, model.SubmissionStatusCancelled, res.Status)

	rec, _ = a.do(http.MethodPost, "/api/v1/admin/submissions/"+st.SubmissionID.String()+"/cancel", canceller, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(http.MethodGet, "/api/v1/admin/exams/7/submissions/export", reader, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "exam-7-submissions.xlsx")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	rec, env := a.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{}}`, string(env.Data))
}

type wsFrame struct {
	Event   string          `json:"event"`
	ClassID int64           `json:"class_id"`
	Seq     int64           `json:"seq"`
	Data    json.RawMessage `json:"data"`
}

func dialClassroom(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/classroom?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestClassroomChannel(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.engine)
	defer srv.Close()

	alice := dialClassroom(t, srv, a.student(1))
	bob := dialClassroom(t, srv, a.student(2))

	// The joiner's own presence event is queued ahead of the ack.
	require.NoError(t, alice.WriteJSON(map[string]interface{}{"event": "class:join", "data": map[string]interface{}{"class_id": 5, "user_id": 1}}))
	presence := readFrame(t, alice)
	assert.Equal(t, "presence:changed", presence.Event)
	assert.Equal(t, int64(1), presence.Seq)
	ack := readFrame(t, alice)
	assert.Equal(t, "class:joined", ack.Event)
	assert.JSONEq(t, `{"class_id":5,"success":true,"members_count":1,"seq":0}`, string(ack.Data))

	// Posting before joining is rejected to the sender only.
	require.NoError(t, bob.WriteJSON(map[string]interface{}{"event": "post:create", "data": map[string]interface{}{"class_id": 5, "sender_id": 2, "message": "halo"}}))
	assert.Equal(t, "error", readFrame(t, bob).Event)

	require.NoError(t, bob.WriteJSON(map[string]interface{}{"event": "class:join", "data": map[string]interface{}{"class_id": 5, "user_id": 2}}))
	assert.Equal(t, "presence:changed", readFrame(t, bob).Event)
	bobAck := readFrame(t, bob)
	assert.Equal(t, "class:joined", bobAck.Event)
	assert.JSONEq(t, `{"class_id":5,"success":true,"members_count":2,"seq":1}`, string(bobAck.Data))
	assert.Equal(t, int64(2), readFrame(t, alice).Seq)

	require.NoError(t, bob.WriteJSON(map[string]interface{}{"event": "post:create", "data": map[string]interface{}{"class_id": 5, "sender_id": 2, "message": "halo"}}))
	got := readFrame(t, alice)
	assert.Equal(t, "post:created", got.Event)
	assert.Equal(t, int64(5), got.ClassID)
	assert.Equal(t, int64(3), got.Seq)

	var p model.Post
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, "halo", p.Message)
	assert.Equal(t, 2, p.SenderID)

	// Validation failures name the field.
	require.NoError(t, alice.WriteJSON(map[string]interface{}{"event": "post:create", "data": map[string]interface{}{"class_id": 5, "sender_id": 1}}))
	bad := readFrame(t, alice)
	assert.Equal(t, "error", bad.Event)
	var errData struct {
		Action string            `json:"action"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(bad.Data, &errData))
	assert.Equal(t, "post:create", errData.Action)
	assert.Contains(t, errData.Fields, "message")
}
