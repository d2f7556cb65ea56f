package answer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDurable struct {
	rows  map[uuid.UUID][]model.SubmissionAnswer
	calls int
}

func (f *fakeDurable) ListAnswers(_ context.Context, id uuid.UUID) ([]model.SubmissionAnswer, error) {
	f.calls++
	return f.rows[id], nil
}

func newTestStore(t *testing.T, durable Durable) (*Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, durable, zerolog.Nop()), rdb, mr
}

func answerFor(sub uuid.UUID, qid int64, content string) *model.SubmissionAnswer {
	return &model.SubmissionAnswer{
		ID:            model.AnswerID(sub, qid),
		SubmissionID:  sub,
		QuestionID:    qid,
		AnswerContent: content,
		UpdatedAt:     time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestUpsertOverwritesAndQueues(t *testing.T) {
	store, rdb, _ := newTestStore(t, nil)
	ctx := context.Background()
	sub := uuid.New()

	require.NoError(t, store.Upsert(ctx, answerFor(sub, 11, "A")))
	require.NoError(t, store.Upsert(ctx, answerFor(sub, 11, "B")))

	got, err := store.Get(ctx, sub, 11)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "B", got.AnswerContent)

	n, err := store.Count(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued, err := rdb.LRange(ctx, config.WorkerKey.PersistAnswersQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, queued, 2)

	var last model.SubmissionAnswer
	require.NoError(t, json.Unmarshal([]byte(queued[1]), &last))
	assert.Equal(t, "B", last.AnswerContent)
}

func TestGetMissingAnswer(t *testing.T) {
	store, _, _ := newTestStore(t, nil)

	got, err := store.Get(context.Background(), uuid.New(), 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHydratesFromDurableOnce(t *testing.T) {
	sub := uuid.New()
	durable := &fakeDurable{rows: map[uuid.UUID][]model.SubmissionAnswer{
		sub: {*answerFor(sub, 1, "A"), *answerFor(sub, 2, "C")},
	}}
	store, _, _ := newTestStore(t, durable)
	ctx := context.Background()

	list, err := store.List(ctx, sub)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].QuestionID)
	assert.Equal(t, "C", list[1].AnswerContent)

	n, err := store.Count(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, durable.calls)
}

func TestHydrationKeepsNewerCachedWrite(t *testing.T) {
	sub := uuid.New()
	durable := &fakeDurable{rows: map[uuid.UUID][]model.SubmissionAnswer{
		sub: {*answerFor(sub, 1, "old")},
	}}
	store, rdb, _ := newTestStore(t, durable)
	ctx := context.Background()

	// A write that reached Redis before the hash was marked loaded.
	raw, err := json.Marshal(answerFor(sub, 1, "new"))
	require.NoError(t, err)
	require.NoError(t, rdb.HSet(ctx, config.CacheKey.SubmissionAnswersKey(sub.String()), "1", raw).Err())

	got, err := store.Get(ctx, sub, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.AnswerContent)
}

func TestCacheExpires(t *testing.T) {
	sub := uuid.New()
	store, _, mr := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, answerFor(sub, 1, "A")))
	mr.FastForward(CacheTTL + time.Second)
	assert.False(t, mr.Exists(config.CacheKey.SubmissionAnswersKey(sub.String())))
}
