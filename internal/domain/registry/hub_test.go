package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

func testEvent(userID string) event.Eventer {
	return event.NewSystemEvent(userID, event.KindHeartbeat, event.PriorityNormal, nil)
}

func recvOne(t *testing.T, conn Connector) event.Eventer {
	t.Helper()
	select {
	case ev, ok := <-conn.Recv():
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	conn := NewConnector(context.Background(), "user-1", "conn-1", 16)
	hub.Register(conn)

	assert.True(t, hub.IsConnected("user-1"))
	assert.Equal(t, 1, hub.ConnectionCount("user-1"))

	require.True(t, hub.Broadcast(testEvent("user-1")))
	got := recvOne(t, conn)
	assert.Equal(t, "user-1", got.GetUserID())
}

func TestHubBroadcastMiss(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	assert.False(t, hub.Broadcast(testEvent("nobody")))
	assert.False(t, hub.IsConnected("nobody"))
}

func TestHubMultiplexesSessions(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	c1 := NewConnector(context.Background(), "user-1", "conn-1", 16)
	c2 := NewConnector(context.Background(), "user-1", "conn-2", 16)
	hub.Register(c1)
	hub.Register(c2)

	assert.Equal(t, 2, hub.ConnectionCount("user-1"))

	require.True(t, hub.Broadcast(testEvent("user-1")))
	recvOne(t, c1)
	recvOne(t, c2)
}

func TestHubUnregisterPurgesEmptyCell(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	conn := NewConnector(context.Background(), "user-1", "conn-1", 16)
	hub.Register(conn)
	hub.Unregister("user-1", "conn-1")

	assert.False(t, hub.IsConnected("user-1"))
	assert.Equal(t, 0, hub.ConnectionCount("user-1"))
}

func TestHubBroadcastAll(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	c1 := NewConnector(context.Background(), "user-1", "", 16)
	c2 := NewConnector(context.Background(), "user-2", "", 16)
	hub.Register(c1)
	hub.Register(c2)

	hub.BroadcastAll(func(userID string) event.Eventer {
		return testEvent(userID)
	})

	assert.Equal(t, "user-1", recvOne(t, c1).GetUserID())
	assert.Equal(t, "user-2", recvOne(t, c2).GetUserID())
}

func TestHubSnapshotAndStats(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	hub.Register(NewConnector(context.Background(), "user-1", "a", 16))
	hub.Register(NewConnector(context.Background(), "user-1", "b", 16))
	hub.Register(NewConnector(context.Background(), "user-2", "c", 16))

	assert.Len(t, hub.Snapshot(), 3)

	stats := hub.Stats()
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 3, stats.TotalConnections)
}

func TestConnectorGeneratesID(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "", 4)
	defer conn.Close()
	assert.NotEmpty(t, conn.GetID())
}

func TestConnectorCloseIsIdempotent(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "conn-1", 4)
	conn.Close()
	conn.Close() // must not panic

	assert.False(t, conn.Send(testEvent("user-1"), 10*time.Millisecond))
}

func TestConnectorPriorityEviction(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "conn-1", 1)
	defer conn.Close()

	low := event.NewSystemEvent("user-1", event.KindHeartbeat, event.PriorityLow, nil)
	urgent := event.NewSystemEvent("user-1", event.KindServerShutdown, event.PriorityUrgent, nil)

	require.True(t, conn.Send(low, 10*time.Millisecond))
	// Buffer full: the urgent event evicts the parked low-priority one.
	require.True(t, conn.Send(urgent, 10*time.Millisecond))

	got := recvOne(t, conn)
	assert.Equal(t, event.KindServerShutdown, got.GetKind())
}

func TestCellReportsDeadSession(t *testing.T) {
	dead := make(chan string, 1)
	cell := NewCell("user-1", 16, func(userID, connID string) {
		dead <- connID
	})
	defer cell.Stop()

	conn := NewConnector(context.Background(), "user-1", "conn-1", 4)
	cell.Attach(conn)
	conn.Close() // sends now fail at the lifecycle gate

	for range maxSendFailures {
		require.True(t, cell.Push(testEvent("user-1")))
	}

	select {
	case connID := <-dead:
		assert.Equal(t, "conn-1", connID)
	case <-time.After(2 * time.Second):
		t.Fatal("dead session was never reported")
	}
}
