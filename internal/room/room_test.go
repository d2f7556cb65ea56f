package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	userID int
	ch     chan Event
}

func newConn(id string, userID, buf int) *fakeConn {
	return &fakeConn{id: id, userID: userID, ch: make(chan Event, buf)}
}

func (c *fakeConn) ID() string  { return c.id }
func (c *fakeConn) UserID() int { return c.userID }

func (c *fakeConn) Deliver(ev Event) bool {
	select {
	case c.ch <- ev:
		return true
	default:
		return false
	}
}

func (c *fakeConn) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-c.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(NewRegistry(), NewMemorySequencer(), zerolog.Nop())
}

func TestRoomFanOut(t *testing.T) {
	b := newTestBroadcaster()
	ctx := context.Background()

	a := newConn("a", 1, 8)
	c := newConn("c", 3, 8)
	_, err := b.Join(ctx, a, 5)
	require.NoError(t, err)
	_, err = b.Join(ctx, c, 6)
	require.NoError(t, err)

	// B posts without being a member itself.
	_, delivered, err := b.Broadcast(ctx, 5, "post:created", map[string]any{"class_id": 5, "message": "halo"})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	got := a.drain()
	require.Len(t, got, 1)
	assert.Equal(t, "post:created", got[0].Type)
	assert.Equal(t, int64(5), got[0].ClassID)
	assert.Empty(t, c.drain())
}

func TestJoinIsIdempotent(t *testing.T) {
	b := newTestBroadcaster()
	ctx := context.Background()
	a := newConn("a", 1, 8)

	first, err := b.Join(ctx, a, 5)
	require.NoError(t, err)
	second, err := b.Join(ctx, a, 5)
	require.NoError(t, err)

	assert.True(t, first.Added)
	assert.False(t, second.Added)
	assert.Equal(t, 1, second.Members)

	_, _, err = b.Broadcast(ctx, 5, "post:created", nil)
	require.NoError(t, err)
	assert.Len(t, a.drain(), 1, "double join must not double deliver")
}

func TestLeaveAndDisconnect(t *testing.T) {
	reg := NewRegistry()
	a := newConn("a", 1, 1)

	removed, count := reg.Leave("a", 5)
	assert.False(t, removed)
	assert.Zero(t, count)

	reg.Join(a, 5)
	reg.Join(a, 6)
	reg.Join(a, 7)
	removed, _ = reg.Leave("a", 6)
	assert.True(t, removed)
	assert.Equal(t, []int64{5, 7}, reg.Rooms("a"))

	assert.Equal(t, []int64{5, 7}, reg.Disconnect("a"))
	assert.Zero(t, reg.Count(5))
	assert.Zero(t, reg.Count(7))
	assert.Empty(t, reg.Rooms("a"))
	assert.False(t, reg.IsMember("a", 5))
	assert.Empty(t, reg.Disconnect("a"))
	assert.Zero(t, reg.Len())
}

func TestEmptyRoomsAreDropped(t *testing.T) {
	b := newTestBroadcaster()
	reg := b.Registry()
	ctx := context.Background()
	a := newConn("a", 1, 8)
	c := newConn("c", 2, 8)

	_, err := b.Join(ctx, a, 5)
	require.NoError(t, err)
	_, err = b.Join(ctx, c, 5)
	require.NoError(t, err)
	reg.Leave("a", 5)
	assert.Equal(t, 1, reg.Len())
	reg.Disconnect("c")
	assert.Zero(t, reg.Len())

	// Broadcasting to nobody does not leave a room behind.
	_, _, err = b.Broadcast(ctx, 9, "post:created", nil)
	require.NoError(t, err)
	assert.Zero(t, reg.Len())

	// The sequence outlives the room.
	res, err := b.Join(ctx, a, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Members)
	_, _, err = b.Broadcast(ctx, 5, "post:created", nil)
	require.NoError(t, err)
	got := a.drain()
	require.Len(t, got, 1)
	assert.Equal(t, res.Seq+1, got[0].Seq)
}

func TestJoinRacingLastLeave(t *testing.T) {
	b := newTestBroadcaster()
	reg := b.Registry()
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		leaver := newConn("leaver", 1, 1)
		joiner := newConn(fmt.Sprintf("j%d", i), 2, 1)
		reg.Join(leaver, 5)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Leave("leaver", 5)
		}()
		go func() {
			defer wg.Done()
			_, err := b.Join(ctx, joiner, 5)
			assert.NoError(t, err)
		}()
		wg.Wait()

		require.True(t, reg.IsMember(joiner.ID(), 5), "join %d was lost", i)
		reg.Disconnect(joiner.ID())
	}
	assert.Zero(t, reg.Len())
}

func TestReplacedInstanceReceivesEvents(t *testing.T) {
	b := newTestBroadcaster()
	ctx := context.Background()

	old := newConn("a", 1, 8)
	fresh := newConn("a", 1, 8)
	_, err := b.Join(ctx, old, 5)
	require.NoError(t, err)
	_, err = b.Join(ctx, fresh, 5)
	require.NoError(t, err)

	_, _, err = b.Broadcast(ctx, 5, "post:created", nil)
	require.NoError(t, err)
	assert.Empty(t, old.drain())
	assert.Len(t, fresh.drain(), 1)
}

func TestSlowReceiverDoesNotBlockRoom(t *testing.T) {
	b := newTestBroadcaster()
	ctx := context.Background()

	slow := newConn("slow", 1, 1)
	fast := newConn("fast", 2, 16)
	_, _ = b.Join(ctx, slow, 5)
	_, _ = b.Join(ctx, fast, 5)

	for i := 0; i < 10; i++ {
		_, _, err := b.Broadcast(ctx, 5, "post:created", i)
		require.NoError(t, err)
	}

	assert.Len(t, slow.drain(), 1)
	assert.Len(t, fast.drain(), 10)
}

func TestSequenceIsMonotonicPerRoom(t *testing.T) {
	b := newTestBroadcaster()
	ctx := context.Background()
	a := newConn("a", 1, 64)
	_, _ = b.Join(ctx, a, 5)

	for i := 0; i < 3; i++ {
		_, _, _ = b.Broadcast(ctx, 5, "post:created", nil)
	}
	ev, _, err := b.Broadcast(ctx, 9, "post:created", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq, "rooms number independently")

	got := a.drain()
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	late := newConn("late", 2, 8)
	res, err := b.Join(ctx, late, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Seq)
}

func TestJoinSeqIsConsistentWithConcurrentBroadcasts(t *testing.T) {
	b := newTestBroadcaster()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _, _ = b.Broadcast(ctx, 5, "post:created", nil)
		}
	}()

	conns := make([]*fakeConn, 20)
	joins := make([]JoinResult, 20)
	for i := range conns {
		conns[i] = newConn(fmt.Sprintf("c%d", i), i, 512)
		res, err := b.Join(ctx, conns[i], 5)
		require.NoError(t, err)
		joins[i] = res
	}
	wg.Wait()

	for i, c := range conns {
		got := c.drain()
		want := joins[i].Seq + 1
		for _, ev := range got {
			assert.Equal(t, want, ev.Seq, "conn %d saw a gap or duplicate", i)
			want++
		}
		assert.Equal(t, int64(201), want)
	}
}

func TestConcurrentMembershipChanges(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newConn(fmt.Sprintf("c%d", i), i, 1)
			reg.Join(c, 5)
			if i%2 == 0 {
				reg.Leave(c.ID(), 5)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, reg.Count(5))
}

func TestRedisSequencer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	seq := NewRedisSequencer(rdb)
	ctx := context.Background()

	cur, err := seq.Current(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, cur)

	n, err := seq.Next(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = seq.Next(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cur, err = seq.Current(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
}

func TestRedisRelayFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := func() *Broadcaster {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		b := NewBroadcaster(NewRegistry(), NewRedisSequencer(rdb), zerolog.Nop()).
			WithRelay(NewRedisRelay(rdb, zerolog.Nop()))
		require.NoError(t, b.Listen(ctx))
		return b
	}
	a, bb := instance(), instance()

	onA := newConn("a", 1, 8)
	onB := newConn("b", 2, 8)
	resA, err := a.Join(ctx, onA, 5)
	require.NoError(t, err)
	resB, err := bb.Join(ctx, onB, 5)
	require.NoError(t, err)
	assert.Equal(t, resA.Seq, resB.Seq)

	ev, _, err := a.Broadcast(ctx, 5, "post:created", map[string]any{"message": "halo"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)
	_, _, err = bb.Broadcast(ctx, 5, "post:created", map[string]any{"message": "balas"})
	require.NoError(t, err)

	for _, c := range []*fakeConn{onA, onB} {
		for want := int64(1); want <= 2; want++ {
			select {
			case got := <-c.ch:
				assert.Equal(t, want, got.Seq, "conn %s", c.id)
				assert.Equal(t, "post:created", got.Type)
			case <-time.After(2 * time.Second):
				t.Fatalf("conn %s did not receive seq %d", c.id, want)
			}
		}
	}

	// Each instance delivers an event once.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, onA.drain())
	assert.Empty(t, onB.drain())
}

func TestDecodeRelayed(t *testing.T) {
	ev, err := decodeRelayed(`12:{"event":"post:created","class_id":5,"data":{"message":"hi"}}`)
	require.NoError(t, err)
	assert.Equal(t, int64(12), ev.Seq)
	assert.Equal(t, int64(5), ev.ClassID)
	assert.JSONEq(t, `{"message":"hi"}`, string(ev.Data.(json.RawMessage)))

	for _, bad := range []string{"", "x:{}", "3:not json", "{}"} {
		_, err := decodeRelayed(bad)
		assert.Error(t, err, bad)
	}
}
