package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb), mr
}

func TestContentRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	b := &model.Broadcast{ID: 42, Content: "maintenance tonight", Priority: model.PriorityHigh}
	require.NoError(t, store.SetContent(ctx, b))

	got, err := store.GetContent(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "maintenance tonight", got.Content)
	assert.Equal(t, model.PriorityHigh, got.Priority)
}

func TestContentMiss(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetContent(context.Background(), 404)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestContentEvictClearsBothLayers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetContent(ctx, &model.Broadcast{ID: 7, Content: "x"}))
	require.NoError(t, store.EvictContent(ctx, 7))

	_, err := store.GetContent(ctx, 7)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestContentLocalLayerSurvivesRedisLoss(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetContent(ctx, &model.Broadcast{ID: 9, Content: "hot"}))
	mr.FlushAll()

	// The pod-local LRU still serves the body.
	got, err := store.GetContent(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "hot", got.Content)
}

func TestInboxRoundTripAndEvict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	items := []model.InboxItem{
		{BroadcastID: 2, Content: "b", CreatedAtMs: 200},
		{BroadcastID: 1, Content: "a", CreatedAtMs: 100},
	}
	require.NoError(t, store.SetInbox(ctx, "user-1", items))

	got, err := store.GetInbox(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, items, got)

	require.NoError(t, store.EvictInbox(ctx, "user-1"))
	_, err = store.GetInbox(ctx, "user-1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestEvictInboxNoUsersIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	assert.NoError(t, store.EvictInbox(context.Background()))
}

func TestPendingAppendAndDrain(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ev1 := event.NewRemovedEvent(1, "user-1")
	ev2 := event.NewRemovedEvent(2, "user-1")
	require.NoError(t, store.AppendPending(ctx, "user-1", ev1))
	require.NoError(t, store.AppendPending(ctx, "user-1", ev2))

	got, err := store.DrainPending(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].BroadcastID)
	assert.Equal(t, int64(2), got[1].BroadcastID)

	// Drain empties the queue.
	got, err = store.DrainPending(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLockerMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewLocker(rdb)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "job:test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Acquire(ctx, "job:test", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must lose")

	release()

	_, ok, err = locker.Acquire(ctx, "job:test", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lease must be acquirable")
}

func TestLockerAcquireWait(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewLocker(rdb)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "conn:user-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r2, err := locker.AcquireWait(ctx, "conn:user-1", time.Minute)
		assert.NoError(t, err)
		r2()
	}()

	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireWait never obtained the released lease")
	}
}

func TestLockerAcquireWaitHonorsContext(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewLocker(rdb)

	_, ok, err := locker.Acquire(context.Background(), "held", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = locker.AcquireWait(ctx, "held", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
