package registry

import (
	"sync"
	"time"

	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// Hubber defines the gateway for user session management and event routing.
type Hubber interface {
	// SetDeadSessionHook must be called before the first Register.
	SetDeadSessionHook(fn func(userID, connID string))
	Broadcast(ev event.Eventer) bool
	BroadcastAll(build func(userID string) event.Eventer)
	Register(conn Connector)
	Unregister(userID, connID string)
	IsConnected(userID string) bool
	ConnectionCount(userID string) int
	Snapshot() []Connector
	Stats() model.HubStats
	Shutdown()
}

// Interface guard
var _ Hubber = (*Hub)(nil)

type hubConfig struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
	onDead           func(userID, connID string)
}

// Hub implements a [SCALABLE_REGISTRY] using the Virtual Cell pattern.
type Hub struct {
	// cells stores Map[string]Celler. Optimized for [READ_HEAVY] workloads.
	cells sync.Map

	config    hubConfig
	startedAt time.Time
	doneCh    chan struct{}
	stopOnce  sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			evictionInterval: 15 * time.Minute,
			idleTimeout:      30 * time.Minute,
			mailboxSize:      1024,
		},
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	// [JANITOR] Reclaim memory from cells that went quiet without a clean detach.
	go h.evictionLoop()

	return h
}

// SetDeadSessionHook installs the dead-session callback after construction.
// Must be called before the first Register; cells capture the hook on creation.
func (h *Hub) SetDeadSessionHook(fn func(userID, connID string)) {
	h.config.onDead = fn
}

func (h *Hub) IsConnected(userID string) bool {
	_, ok := h.cells.Load(userID)
	return ok
}

// ConnectionCount reports local sessions only; the cluster-wide count lives
// in the presence store.
func (h *Hub) ConnectionCount(userID string) int {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			return len(cell.Connections())
		}
	}
	return 0
}

// Broadcast routes event to the specific [USER_CELL]. Returns false on miss or overflow.
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetUserID()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// BroadcastAll fans an event out to every locally connected user. The builder
// runs once per user so group packets still carry the recipient id.
func (h *Hub) BroadcastAll(build func(userID string) event.Eventer) {
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok {
			cell.Push(build(key.(string)))
		}
		return true
	})
}

// Register ensures [IDEMPOTENT] cell creation and attaches a new transport.
func (h *Hub) Register(conn Connector) {
	uID := conn.GetUserID()
	// [LAZY_INIT] Create cell only when first connection arrives.
	val, _ := h.cells.LoadOrStore(uID, NewCell(uID, h.config.mailboxSize, h.config.onDead))

	if cell, ok := val.(Celler); ok {
		cell.Attach(conn)
	}
}

// Unregister performs [GRACEFUL_RECLAMATION] of resources when sessions end.
func (h *Hub) Unregister(userID, connID string) {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			// If no sessions left, purge the cell from memory.
			if cell.Detach(connID) {
				cell.Stop()
				h.cells.Delete(userID)
			}
		}
	}
}

// Snapshot returns every local session — used by the heartbeat sweep and the
// graceful-shutdown fan-out.
func (h *Hub) Snapshot() []Connector {
	var out []Connector
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok {
			out = append(out, cell.Connections()...)
		}
		return true
	})
	return out
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{Uptime: time.Since(h.startedAt)}
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok {
			stats.TotalUsers++
			stats.TotalConnections += len(cell.Connections())
		}
		return true
	})
	return stats
}

// Shutdown stops every actor goroutine. Callers are expected to have flushed
// SERVER_SHUTDOWN events beforehand.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.doneCh)
	})

	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok {
			for _, conn := range cell.Connections() {
				conn.Close()
			}
			cell.Stop()
		}
		h.cells.Delete(key)
		return true
	})
}

func (h *Hub) evictionLoop() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if cell, ok := val.(Celler); ok && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}
