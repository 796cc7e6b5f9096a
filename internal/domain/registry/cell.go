/*
Package registry provides a high-performance event distribution system based on the Actor Model.

Key Architectural Concepts:
  - Virtual Cells: Every locally connected user is represented by an isolated
    'Cell' (Actor) that encapsulates all concurrent push streams (SSE/WS
    sessions) for that specific identity on this pod.
  - Decoupling & Backpressure: Through the use of internal per-user mailboxes,
    the package ensures that slow network consumers do not block global system
    throughput. Dropped events are recovered on reconnect via the inbox query.
  - Concurrency Management: Utilizes lock-free lookups via sync.Map and
    fine-grained sharded locking within individual cells to eliminate global
    mutex contention.

The registry is strictly pod-local; the cluster-wide source of truth for who
is connected where is the presence store.
*/
package registry

import (
	"sync"
	"time"

	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// maxSendFailures is the consecutive-failure threshold after which a session
// is considered dead and torn down asynchronously.
const maxSendFailures = 3

// Celler defines the internal API for user-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID string) bool
	Connections() []Connector
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell implements [ISOLATED_DELIVERY] logic for a single user.
type Cell struct {
	// [IDENTITY]
	userID string

	// [MAILBOX]
	// Buffered channel that decouples the global dispatcher from individual delivery.
	// It acts as a shock absorber, preventing slow consumer latency from
	// propagating back to the Hub or bus consumers (Backpressure).
	mailbox chan event.Eventer

	// [SESSIONS]
	// Registry of all active transport channels for the user on this pod.
	// Allows multiplexing a single event to multiple devices (mobile, web, desktop).
	sessions map[string]Connector

	// [CONCURRENCY_CONTROL]
	// RWMutex is chosen because read-heavy delivery operations outnumber
	// write-heavy registration events.
	mu sync.RWMutex

	// [LIFECYCLE_CONTROL]
	doneCh   chan struct{}
	stopOnce sync.Once

	// onDead is invoked (in a fresh goroutine) when a session exceeds the
	// consecutive-failure threshold.
	onDead func(userID, connID string)

	// lastActivityAt records the last time an event was processed for this cell.
	lastActivityAt time.Time
}

func NewCell(userID string, bufferSize int, onDead func(userID, connID string)) *Cell {
	c := &Cell{
		userID:         userID,
		mailbox:        make(chan event.Eventer, bufferSize), // [DYNAMIC_BUFFER]
		sessions:       make(map[string]Connector),
		doneCh:         make(chan struct{}),
		onDead:         onDead,
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle returns true if the user has no active sessions and hasn't received events lately.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) Push(ev event.Eventer) bool {
	c.touch() // Keep alive on incoming events
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

func (c *Cell) Detach(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

// Connections snapshots the attached sessions for heartbeat and shutdown sweeps.
func (c *Cell) Connections() []Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		out = append(out, conn)
	}
	return out
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

// deliver multiplexes one event to every session of the user. A session that
// keeps failing is reported upstream for asynchronous teardown instead of
// blocking the mailbox.
func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sessions) == 0 {
		return
	}

	for _, conn := range c.sessions {
		if conn.Send(ev, time.Millisecond*500) {
			conn.ResetFailures()
			continue
		}
		if conn.MarkFailure() >= maxSendFailures && c.onDead != nil {
			go c.onDead(c.userID, conn.GetID())
		}
	}
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
}
