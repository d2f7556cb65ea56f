package room

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// JoinResult acknowledges a join.
type JoinResult struct {
	Added   bool
	Members int
	// Seq is the last sequence number issued in the room at join time. The
	// joiner receives every event after it.
	Seq int64
}

// Relay carries room events between server instances.
type Relay interface {
	// Publish issues the room's next sequence number and publishes the event
	// to every instance, this one included.
	Publish(ctx context.Context, classID int64, eventType string, data any) (Event, error)
	// Listen subscribes before returning, then calls deliver for each
	// published event from one goroutine until ctx is done.
	Listen(ctx context.Context, deliver func(Event)) error
}

// Broadcaster fans room events out to the Registry's members.
type Broadcaster struct {
	reg   *Registry
	seq   Sequencer
	relay Relay
	log   zerolog.Logger
}

func NewBroadcaster(reg *Registry, seq Sequencer, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		reg: reg,
		seq: seq,
		log: log.With().Str("component", "broadcaster").Logger(),
	}
}

// WithRelay routes broadcasts through r so members connected to other
// instances receive them. Listen must be called before serving.
func (b *Broadcaster) WithRelay(r Relay) *Broadcaster {
	b.relay = r
	return b
}

func (b *Broadcaster) Registry() *Registry { return b.reg }

// Listen starts delivering relayed events to local members. It is a no-op
// without a relay.
func (b *Broadcaster) Listen(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}
	return b.relay.Listen(ctx, b.deliverRelayed)
}

// lockRoom returns classID's live room with send held.
func (b *Broadcaster) lockRoom(classID int64, create bool) *room {
	for {
		rm := b.reg.room(classID, create)
		if rm == nil {
			return nil
		}
		rm.send.Lock()
		if !rm.isDead() {
			return rm
		}
		rm.send.Unlock()
	}
}

// Join subscribes sub and reads the room's sequence without any delivery
// in between, so the joiner sees either the event or its number, never
// neither.
func (b *Broadcaster) Join(ctx context.Context, sub Subscriber, classID int64) (JoinResult, error) {
	rm := b.lockRoom(classID, true)
	defer rm.send.Unlock()

	seq, err := b.seq.Current(ctx, classID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("read room sequence: %w", err)
	}
	// send is held, so rm cannot be dropped before the join lands.
	added, count, _ := b.reg.join(rm, sub, classID)
	return JoinResult{Added: added, Members: count, Seq: seq}, nil
}

// Broadcast stamps the event with the room's next sequence number and
// offers it to every member. A member whose buffer is full misses the
// event; it is logged and the rest of the room is unaffected.
//
// With a relay, delivery happens when the event comes back from the relay
// and the reported delivered count is 0.
func (b *Broadcaster) Broadcast(ctx context.Context, classID int64, eventType string, data any) (Event, int, error) {
	if b.relay != nil {
		ev, err := b.relay.Publish(ctx, classID, eventType, data)
		if err != nil {
			return Event{}, 0, fmt.Errorf("publish room event: %w", err)
		}
		return ev, 0, nil
	}

	rm := b.lockRoom(classID, true)
	seq, err := b.seq.Next(ctx, classID)
	if err != nil {
		rm.send.Unlock()
		return Event{}, 0, fmt.Errorf("next room sequence: %w", err)
	}
	ev := Event{Type: eventType, ClassID: classID, Seq: seq, Data: data}
	delivered, empty := b.fanOut(rm, ev)
	rm.send.Unlock()

	if empty {
		b.reg.drop(classID, rm)
	}
	return ev, delivered, nil
}

func (b *Broadcaster) deliverRelayed(ev Event) {
	// No room means no local member joined before the event was sequenced.
	rm := b.lockRoom(ev.ClassID, false)
	if rm == nil {
		return
	}
	b.fanOut(rm, ev)
	rm.send.Unlock()
}

// fanOut delivers ev to rm's members; send must be held.
func (b *Broadcaster) fanOut(rm *room, ev Event) (delivered int, empty bool) {
	members := rm.snapshot()
	for _, sub := range members {
		if sub.Deliver(ev) {
			delivered++
			continue
		}
		b.log.Warn().
			Str("conn_id", sub.ID()).
			Int("user_id", sub.UserID()).
			Int64("class_id", ev.ClassID).
			Int64("seq", ev.Seq).
			Str("event", ev.Type).
			Msg("Dropped event for slow connection")
	}
	return delivered, len(members) == 0
}
