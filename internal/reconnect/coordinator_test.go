package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type sentFrame struct {
	Event string
	Data  interface{}
}

type fakeChannel struct {
	sent   chan sentFrame
	frames chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		sent:   make(chan sentFrame, 64),
		frames: make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Send(event string, data interface{}) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.sent <- sentFrame{Event: event, Data: data}
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) (Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-f.closed:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (f *fakeChannel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	chans chan *fakeChannel
}

func (d *fakeDialer) Dial(ctx context.Context) (Channel, error) {
	select {
	case ch := <-d.chans:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeAPI struct {
	mu     sync.Mutex
	status string
	calls  int
}

func (a *fakeAPI) Resume(_ context.Context, id uuid.UUID) (*ResumeState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return &ResumeState{SubmissionID: id, Status: a.status, RemainingTimeSeconds: 900}, nil
}

func (a *fakeAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recorder struct {
	events  chan Frame
	resyncs chan int64
	resumes chan *ResumeState
	states  chan ConnState
	errs    chan error
}

func newRecorder() *recorder {
	return &recorder{
		events:  make(chan Frame, 64),
		resyncs: make(chan int64, 64),
		resumes: make(chan *ResumeState, 64),
		states:  make(chan ConnState, 64),
		errs:    make(chan error, 64),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent:  func(f Frame) { r.events <- f },
		OnResync: func(id int64) { r.resyncs <- id },
		OnResume: func(st *ResumeState) { r.resumes <- st },
		OnState:  func(s ConnState) { r.states <- s },
		OnError:  func(err error) { r.errs <- err },
	}
}

type fixture struct {
	dialer *fakeDialer
	api    *fakeAPI
	rec    *recorder
	c      *Coordinator
	cancel context.CancelFunc
	done   chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dialer: &fakeDialer{chans: make(chan *fakeChannel, 4)},
		api:    &fakeAPI{status: "in_progress"},
		rec:    newRecorder(),
	}
	f.c = New(f.dialer, f.api, f.rec.handlers(), Config{
		UserID:     1,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, zerolog.Nop())
	t.Cleanup(func() {
		if f.cancel != nil {
			f.cancel()
			<-f.done
		}
	})
	return f
}

func (f *fixture) run() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.c.Run(ctx) }()
}

func (f *fixture) connect() *fakeChannel {
	ch := newFakeChannel()
	f.dialer.chans <- ch
	return ch
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func assertEmpty[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %T: %+v", v, v)
	default:
	}
}

func joined(classID, seq int64) Frame {
	data, _ := json.Marshal(joinedData{ClassID: classID, MembersCount: 1, Seq: seq})
	return Frame{Event: eventJoined, ClassID: classID, Data: data}
}

func post(classID, seq int64) Frame {
	return Frame{Event: "post:created", ClassID: classID, Seq: seq, Data: json.RawMessage(`{"message":"hi"}`)}
}

func TestDeliversInOrderAndDropsDuplicates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Join(5))
	f.run()
	ch := f.connect()

	join := recv(t, ch.sent)
	assert.Equal(t, eventJoin, join.Event)
	assert.Equal(t, joinData{ClassID: 5, UserID: 1}, join.Data)

	ch.frames <- joined(5, 3)
	ch.frames <- post(5, 4)
	ch.frames <- post(5, 4)
	ch.frames <- post(5, 5)

	assert.Equal(t, int64(4), recv(t, f.rec.events).Seq)
	assert.Equal(t, int64(5), recv(t, f.rec.events).Seq)
	assertEmpty(t, f.rec.resyncs)

	ch.frames <- post(5, 8)
	assert.Equal(t, int64(5), recv(t, f.rec.resyncs))
	assert.Equal(t, int64(8), recv(t, f.rec.events).Seq)

	seq, ok := f.c.LastSeen(5)
	assert.True(t, ok)
	assert.Equal(t, int64(8), seq)
}

func TestIgnoresRoomsNotHeld(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Join(5))
	f.run()
	ch := f.connect()
	recv(t, ch.sent)

	ch.frames <- post(6, 1)
	ch.frames <- post(5, 1)
	assert.Equal(t, int64(5), recv(t, f.rec.events).ClassID)
	assertEmpty(t, f.rec.events)

	require.NoError(t, f.c.Leave(5))
	leave := recv(t, ch.sent)
	assert.Equal(t, eventLeave, leave.Event)

	ch.frames <- post(5, 2)
	ch.frames <- Frame{Event: eventPong}
	ch.frames <- post(6, 2)
	// The pong and foreign frames produce nothing; give the loop time to process them.
	time.Sleep(50 * time.Millisecond)
	assertEmpty(t, f.rec.events)
}

func TestReconnectRejoinsResumesAndDetectsGap(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	require.NoError(t, f.c.Join(5))
	f.c.Track(subID)
	f.run()

	assert.Equal(t, StateConnecting, recv(t, f.rec.states))
	ch1 := f.connect()
	assert.Equal(t, StateConnected, recv(t, f.rec.states))
	recv(t, ch1.sent)
	assert.Equal(t, subID, recv(t, f.rec.resumes).SubmissionID)

	ch1.frames <- joined(5, 2)
	ch1.frames <- post(5, 3)
	assert.Equal(t, int64(3), recv(t, f.rec.events).Seq)

	ch1.Close()
	assert.Equal(t, StateReconnecting, recv(t, f.rec.states))

	ch2 := f.connect()
	assert.Equal(t, StateConnected, recv(t, f.rec.states))
	rejoin := recv(t, ch2.sent)
	assert.Equal(t, joinData{ClassID: 5, UserID: 1}, rejoin.Data)
	st := recv(t, f.rec.resumes)
	assert.Equal(t, 900, st.RemainingTimeSeconds)

	// Events 4..6 happened while disconnected.
	ch2.frames <- joined(5, 6)
	assert.Equal(t, int64(5), recv(t, f.rec.resyncs))

	ch2.frames <- post(5, 6)
	ch2.frames <- post(5, 7)
	assert.Equal(t, int64(7), recv(t, f.rec.events).Seq)
	assertEmpty(t, f.rec.resyncs)
}

func TestReconnectWithoutMissedEvents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Join(5))
	f.run()

	ch1 := f.connect()
	recv(t, ch1.sent)
	ch1.frames <- joined(5, 4)
	ch1.frames <- post(5, 5)
	recv(t, f.rec.events)
	ch1.Close()

	ch2 := f.connect()
	recv(t, ch2.sent)
	// A broadcast may overtake the acknowledgement.
	ch2.frames <- post(5, 6)
	ch2.frames <- joined(5, 5)
	ch2.frames <- post(5, 7)

	assert.Equal(t, int64(6), recv(t, f.rec.events).Seq)
	assert.Equal(t, int64(7), recv(t, f.rec.events).Seq)
	assertEmpty(t, f.rec.resyncs)
}

func TestSequenceRestartBelowCursor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Join(5))
	f.run()

	ch1 := f.connect()
	recv(t, ch1.sent)
	ch1.frames <- joined(5, 40)
	ch1.frames <- post(5, 41)
	assert.Equal(t, int64(41), recv(t, f.rec.events).Seq)
	ch1.Close()

	// The server came back with a fresh sequence for the room.
	ch2 := f.connect()
	recv(t, ch2.sent)
	ch2.frames <- joined(5, 0)
	assert.Equal(t, int64(5), recv(t, f.rec.resyncs))

	ch2.frames <- post(5, 1)
	ch2.frames <- post(5, 2)
	assert.Equal(t, int64(1), recv(t, f.rec.events).Seq)
	assert.Equal(t, int64(2), recv(t, f.rec.events).Seq)

	require.Eventually(t, func() bool {
		seq, ok := f.c.LastSeen(5)
		return ok && seq == 2
	}, waitFor, 5*time.Millisecond)
	assertEmpty(t, f.rec.resyncs)
}

func TestSequenceRestartEventOvertakesAck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Join(5))
	f.run()

	ch1 := f.connect()
	recv(t, ch1.sent)
	ch1.frames <- joined(5, 41)
	require.Eventually(t, func() bool {
		seq, ok := f.c.LastSeen(5)
		return ok && seq == 41
	}, waitFor, 5*time.Millisecond)
	ch1.Close()

	ch2 := f.connect()
	recv(t, ch2.sent)
	ch2.frames <- post(5, 1)
	ch2.frames <- joined(5, 0)
	ch2.frames <- post(5, 2)

	assert.Equal(t, int64(5), recv(t, f.rec.resyncs))
	assert.Equal(t, int64(1), recv(t, f.rec.events).Seq)
	assert.Equal(t, int64(2), recv(t, f.rec.events).Seq)
	assertEmpty(t, f.rec.resyncs)
}

func TestFinishedSubmissionIsNotResumedAgain(t *testing.T) {
	f := newFixture(t)
	f.api.status = "submitted"
	f.c.Track(uuid.New())
	f.run()

	ch1 := f.connect()
	assert.Equal(t, "submitted", recv(t, f.rec.resumes).Status)
	ch1.Close()

	ch2 := f.connect()
	ch2.frames <- Frame{Event: eventPong}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.api.callCount())
	assertEmpty(t, f.rec.resumes)
}

func TestServerErrorFrame(t *testing.T) {
	f := newFixture(t)
	f.run()
	ch := f.connect()

	ch.frames <- Frame{Event: eventError, Data: json.RawMessage(`{"action":"post:create","message":"join the class before posting"}`)}
	err := recv(t, f.rec.errs)

	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "post:create", se.Action)
	assert.Equal(t, "post:create: join the class before posting", err.Error())
}

func TestSendRequiresConnection(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.c.Send("post:create", nil), ErrDisconnected)

	f.run()
	ch := f.connect()
	recvState := func() ConnState { return recv(t, f.rec.states) }
	recvState()
	assert.Equal(t, StateConnected, recvState())

	require.NoError(t, f.c.Send("post:create", map[string]string{"message": "hi"}))
	assert.Equal(t, "post:create", recv(t, ch.sent).Event)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.run()
	f.connect()
	recv(t, f.rec.states)
	recv(t, f.rec.states)

	f.cancel()
	select {
	case err := <-f.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	f.cancel = nil
	assert.Equal(t, StateClosed, recv(t, f.rec.states))
}
