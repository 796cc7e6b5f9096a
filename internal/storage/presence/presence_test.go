package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cluster, pod string) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, cluster, pod)
}

func twoPodStores(t *testing.T) (*Store, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, "c1", "pod-a"), NewStore(rdb, "c1", "pod-b")
}

func TestRegisterAndConnections(t *testing.T) {
	store := newTestStore(t, "c1", "pod-a")
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "user-1", "conn-1"))

	infos, err := store.Connections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "conn-1", infos[0].ConnectionID)
	assert.Equal(t, "pod-a", infos[0].PodName)
	assert.Equal(t, "c1", infos[0].ClusterName)
	assert.False(t, infos[0].LastHeartbeat.IsZero())
}

func TestConnectionsEmpty(t *testing.T) {
	store := newTestStore(t, "c1", "pod-a")

	infos, err := store.Connections(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCountConnectionsAcrossPods(t *testing.T) {
	a, b := twoPodStores(t)
	ctx := context.Background()

	require.NoError(t, a.Register(ctx, "user-1", "conn-1"))
	require.NoError(t, b.Register(ctx, "user-1", "conn-2"))
	require.NoError(t, a.Register(ctx, "user-2", "conn-3"))

	n, err := a.CountConnections(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = a.CountConnections(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUnregister(t *testing.T) {
	store := newTestStore(t, "c1", "pod-a")
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "user-1", "conn-1"))
	require.NoError(t, store.Unregister(ctx, "user-1", "conn-1"))

	n, err := store.CountConnections(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTouchRefreshesHeartbeat(t *testing.T) {
	store := newTestStore(t, "c1", "pod-a")
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "user-1", "conn-1"))

	before, err := store.Connections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, before, 1)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Touch(ctx, map[string][]string{"user-1": {"conn-1"}}))

	after, err := store.Connections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.False(t, after[0].LastHeartbeat.Before(before[0].LastHeartbeat))
}

func TestTouchRefreshesEveryConnectionOfUser(t *testing.T) {
	store := newTestStore(t, "c1", "pod-a")
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, "user-1", "conn-1"))
	require.NoError(t, store.Register(ctx, "user-1", "conn-2"))

	before := heartbeatsByConn(t, store, ctx, "user-1")
	require.Len(t, before, 2)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Touch(ctx, map[string][]string{"user-1": {"conn-1", "conn-2"}}))

	after := heartbeatsByConn(t, store, ctx, "user-1")
	require.Len(t, after, 2)
	for connID, beat := range after {
		assert.True(t, beat.After(before[connID]), "connection %s heartbeat not refreshed", connID)
	}
}

func heartbeatsByConn(t *testing.T, store *Store, ctx context.Context, userID string) map[string]time.Time {
	t.Helper()
	infos, err := store.Connections(ctx, userID)
	require.NoError(t, err)
	out := make(map[string]time.Time, len(infos))
	for _, info := range infos {
		out[info.ConnectionID] = info.LastHeartbeat
	}
	return out
}

func TestTouchEmptyIsNoop(t *testing.T) {
	store := newTestStore(t, "c1", "pod-a")
	assert.NoError(t, store.Touch(context.Background(), nil))
}

func TestOnlineUsersByPod(t *testing.T) {
	a, b := twoPodStores(t)
	ctx := context.Background()

	require.NoError(t, a.Register(ctx, "user-1", "conn-1"))
	require.NoError(t, a.Register(ctx, "user-1", "conn-2")) // second session, same user
	require.NoError(t, a.Register(ctx, "user-2", "conn-3"))
	require.NoError(t, b.Register(ctx, "user-3", "conn-4"))

	byPod, err := a.OnlineUsersByPod(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"user-1", "user-2"}, byPod["c1:pod-a"])
	assert.ElementsMatch(t, []string{"user-3"}, byPod["c1:pod-b"])
}

func TestStalePodsByHeartbeatAge(t *testing.T) {
	a, b := twoPodStores(t)
	ctx := context.Background()

	require.NoError(t, a.PodHeartbeat(ctx))
	require.NoError(t, b.PodHeartbeat(ctx))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.PodHeartbeat(ctx)) // only pod-a stays fresh

	stale, err := a.StalePods(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1:pod-b"}, stale)
}

func TestStalePodsWithoutHeartbeat(t *testing.T) {
	a, b := twoPodStores(t)
	ctx := context.Background()

	// pod-b registered connections but died before its first heartbeat.
	require.NoError(t, b.Register(ctx, "user-1", "conn-1"))
	require.NoError(t, a.PodHeartbeat(ctx))

	stale, err := a.StalePods(ctx, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, stale, "c1:pod-b")
	assert.NotContains(t, stale, "c1:pod-a")
}

func TestPurgePod(t *testing.T) {
	a, b := twoPodStores(t)
	ctx := context.Background()

	require.NoError(t, a.Register(ctx, "user-1", "conn-1"))
	require.NoError(t, b.Register(ctx, "user-1", "conn-2"))
	require.NoError(t, b.Register(ctx, "user-2", "conn-3"))
	require.NoError(t, b.PodHeartbeat(ctx))

	purged, err := a.PurgePod(ctx, "c1:pod-b")
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	// pod-a's connection survives; pod-b's entries are gone everywhere.
	n, err := a.CountConnections(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = a.CountConnections(ctx, "user-2")
	require.NoError(t, err)
	assert.Zero(t, n)

	byPod, err := a.OnlineUsersByPod(ctx)
	require.NoError(t, err)
	_, ok := byPod["c1:pod-b"]
	assert.False(t, ok)
}
