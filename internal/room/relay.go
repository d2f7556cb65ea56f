package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
)

// publishScript issues the next sequence number and publishes in one step,
// so subscribers see a room's events in sequence order no matter which
// instance produced them. The message is "<seq>:<json>".
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('PUBLISH', ARGV[1], seq .. ':' .. ARGV[2])
return seq
`)

type relayedEvent struct {
	Type    string          `json:"event"`
	ClassID int64           `json:"class_id"`
	Data    json.RawMessage `json:"data"`
}

// RedisRelay shares room events between instances over Redis PubSub, using
// the same sequence keys as RedisSequencer.
type RedisRelay struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisRelay(rdb *redis.Client, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		rdb: rdb,
		log: log.With().Str("component", "room_relay").Logger(),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, classID int64, eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	msg, err := json.Marshal(relayedEvent{Type: eventType, ClassID: classID, Data: raw})
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}

	seq, err := publishScript.Run(ctx, r.rdb,
		[]string{config.CacheKey.ClassSequenceKey(classID)},
		config.CacheKey.ClassEventsChannel(classID), string(msg),
	).Int64()
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, ClassID: classID, Seq: seq, Data: data}, nil
}

func (r *RedisRelay) Listen(ctx context.Context, deliver func(Event)) error {
	pubsub := r.rdb.PSubscribe(ctx, config.CacheKey.ClassEventsPattern())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe room events: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := decodeRelayed(msg.Payload)
				if err != nil {
					r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Discarding malformed room event")
					continue
				}
				deliver(ev)
			}
		}
	}()
	return nil
}

func decodeRelayed(payload string) (Event, error) {
	head, body, ok := strings.Cut(payload, ":")
	if !ok {
		return Event{}, errors.New("missing sequence prefix")
	}
	seq, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse sequence: %w", err)
	}
	var re relayedEvent
	if err := json.Unmarshal([]byte(body), &re); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return Event{Type: re.Type, ClassID: re.ClassID, Seq: seq, Data: re.Data}, nil
}
