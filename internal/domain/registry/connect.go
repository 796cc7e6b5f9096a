package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (REGISTRY/HUB)
// This allows mocking and decoupling from the concrete implementation
type Connector interface {
	GetID() string
	GetUserID() string
	Send(ev event.Eventer, timeout time.Duration) bool // Thread-safe send with backpressure handling
	Recv() <-chan event.Eventer
	// MarkFailure bumps the consecutive emit-failure counter and returns it.
	MarkFailure() uint32
	// ResetFailures clears the counter after a successful emit.
	ResetFailures()
	Close() // Terminate connection and release resources
}

// [CONNECT] CONCRETE IMPLEMENTATION (UNEXPORTED TO FORCE INTERFACE USAGE)
type connect struct {
	id             string
	userID         string
	createdAt      time.Time
	ctx            context.Context
	cancelFn       context.CancelFunc
	sendCh         chan event.Eventer
	closeOnce      sync.Once // [PROTECTION]
	lastActivityAt int64     // [ATOMIC_FIELD]
	droppedCount   uint64    // [ATOMIC_FIELD]
	failureCount   uint32    // [ATOMIC_FIELD] consecutive emit failures
}

// [POOL] SYNC.POOL FOR OBJECT REUSE (REDUCES GC PRESSURE)
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

// NewConnector acquires a pooled connector bound to one client stream.
// connID is the client-supplied connection id; a fresh one is generated when
// the client omits it.
func NewConnector(ctx context.Context, userID, connID string, bufferSize int) Connector {
	c := connectPool.Get().(*connect)

	// [INITIALIZATION]
	// Delegate state setup to the reset method to ensure a clean slate.
	c.reset(ctx, userID, connID, bufferSize)

	return c
}

// reset re-initializes the connector's internal state using a struct literal.
// This is the cleanest way to wipe 'stale' data from pooled objects and reset the sync.Once guard.
func (c *connect) reset(ctx context.Context, userID, connID string, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)

	if connID == "" {
		connID = uuid.NewString()
	}

	// [BLANK_SLATE_ASSIGNMENT]
	*c = connect{
		id:             connID,
		userID:         userID,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan event.Eventer, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

// --- IMPLEMENTATION OF CONNECTOR INTERFACE ---

func (c *connect) GetID() string     { return c.id }
func (c *connect) GetUserID() string { return c.userID }

func (c *connect) MarkFailure() uint32 { return atomic.AddUint32(&c.failureCount, 1) }
func (c *connect) ResetFailures()      { atomic.StoreUint32(&c.failureCount, 0) }

// Send attempts to push an event into the channel.
// If the channel is full, it tries to evict lower priority events to make room.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	// [RESOURCE_MANAGEMENT] Create a localized context to enforce a strict delivery window.
	// This ensures that the User Cell is not held hostage by a single stalled session.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	// 1. [LIFECYCLE_GATE] Immediately abort if the underlying transport is already dead.
	case <-c.ctx.Done():
		return false

	// 2. [PRIMARY_DELIVERY] Attempt to enqueue the event into the session's mailbox.
	case c.sendCh <- ev:
		return true

	// 3. [BACKPRESSURE_THRESHOLD] Triggered if the buffer remains saturated for the entire duration.
	case <-ctx.Done():
		return c.handleBackpressure(ev, timeout)
	}
}

// handleBackpressure manages full buffers by dropping low-priority events.
// Missed messages are reconciled on reconnect through the inbox query.
func (c *connect) handleBackpressure(ev event.Eventer, timeout time.Duration) bool {
	// If the incoming event is low priority, drop it immediately to save buffer for high priority
	if ev.GetPriority() <= event.PriorityLow {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}

	// Try to evict one existing low-priority event from the channel to make room
	select {
	case oldEv := <-c.sendCh:
		if oldEv.GetPriority() < ev.GetPriority() {
			c.sendCh <- ev
			return true
		}
		// If the existing event was also high priority, put it back (best effort)
		select {
		case c.sendCh <- oldEv:
		default:
		}
	case <-time.After(timeout):
		// Hard timeout reached
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }

// Close terminates the session, triggers cleanup, and recycles the object.
func (c *connect) Close() {
	// [IDEMPOTENCY_SHIELD]
	// Ensures the teardown logic runs exactly once. Close may race between the
	// Hub (shutdown), Cell (eviction) and the stream handler (defer).
	c.closeOnce.Do(func() {
		// 1. [SIGNAL_ABORT] Immediately cancel the context to stop any pending Send operations.
		c.cancelFn()

		// 2. [UPSTREAM_NOTIFY] Closing the channel signals the stream handler (via !ok)
		// to flush a final event and exit the loop gracefully.
		if c.sendCh != nil {
			close(c.sendCh)
		}

		// 3. [MEMORY_SANITIZATION]
		c.sendCh = nil

		// 4. [RESOURCE_RECYCLING]
		connectPool.Put(c)
	})
}
