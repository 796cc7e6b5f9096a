package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/storage/cache"
	"github.com/webitel/broadcast-delivery-service/internal/storage/presence"
)

// ErrConnectionLimit rejects a connect attempt past the per-user cap. The
// transport handler emits CONNECTION_LIMIT_REACHED and closes the stream.
var ErrConnectionLimit = errors.New("connection limit reached")

const (
	// sendTimeout bounds one mailbox enqueue; a stalled session must not
	// hold the heartbeat sweep or a cell goroutine hostage.
	sendTimeout = 2 * time.Second

	// connectLockTTL bounds the per-user connect critical section.
	connectLockTTL = 5 * time.Second

	// shutdownGrace is how long flushed SERVER_SHUTDOWN events get to reach
	// clients before the hub is torn down.
	shutdownGrace = 500 * time.Millisecond
)

// [DELIVERY_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (SSE/Websocket)
type Deliverer interface {
	Subscribe(ctx context.Context, userID, connID string) (registry.Connector, error)
	Unsubscribe(userID, connID string)
	// ReplayPending flushes events queued while the user was offline onto a
	// freshly attached connection.
	ReplayPending(ctx context.Context, conn registry.Connector)
	// Push routes an event to the user's local sessions. Returns false when
	// the user has no session on this pod.
	Push(ev event.Eventer) bool
	// PushAll fans an event out to every locally connected user.
	PushAll(build func(userID string) event.Eventer)
	LocalUserIDs() []string
	Stats() model.HubStats
}

// [IMPLEMENTATION] PRIVATE TO ENFORCE INTERFACE USAGE
type DeliveryService struct {
	hub      registry.Hubber
	presence *presence.Store
	locker   *cache.Locker
	cache    *cache.Store
	cfg      config.SSE
	podBeat  time.Duration
	logger   *slog.Logger

	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Interface guard
var _ Deliverer = (*DeliveryService)(nil)

func NewDeliveryService(
	hub registry.Hubber,
	presenceStore *presence.Store,
	locker *cache.Locker,
	cacheStore *cache.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *DeliveryService {
	s := &DeliveryService{
		hub:      hub,
		presence: presenceStore,
		locker:   locker,
		cache:    cacheStore,
		cfg:      cfg.SSE,
		podBeat:  cfg.Scheduler.PodHeartbeat,
		logger:   logger,
		doneCh:   make(chan struct{}),
	}

	// Cells report sessions that stopped accepting events; tear them down so
	// presence does not advertise a dead stream.
	hub.SetDeadSessionHook(s.dropSession)

	return s
}

// Subscribe runs the connect sequence under the per-user distributed lock so
// the limit check and the registration are linearizable across pods.
func (s *DeliveryService) Subscribe(ctx context.Context, userID, connID string) (registry.Connector, error) {
	lockCtx, cancel := context.WithTimeout(ctx, connectLockTTL)
	defer cancel()

	release, err := s.locker.AcquireWait(lockCtx, "conn:"+userID, connectLockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	count, err := s.presence.CountConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count >= int64(s.cfg.MaxConnectionsPerUser) {
		return nil, ErrConnectionLimit
	}

	conn := registry.NewConnector(ctx, userID, connID, s.cfg.MailboxSize)
	s.hub.Register(conn)

	if err := s.presence.Register(ctx, userID, conn.GetID()); err != nil {
		s.hub.Unregister(userID, conn.GetID())
		conn.Close()
		return nil, err
	}

	// The handshake event confirms the stream before any payload flows.
	conn.Send(event.NewSystemEvent(userID, event.KindConnected, event.PriorityUrgent,
		event.ConnectedPayload{Ok: true, ConnectionID: conn.GetID()}), sendTimeout)

	s.logger.Info("SESSION_ATTACHED", "user_id", userID, "conn_id", conn.GetID())
	return conn, nil
}

func (s *DeliveryService) Unsubscribe(userID, connID string) {
	s.dropSession(userID, connID)
	s.logger.Info("SESSION_DETACHED", "user_id", userID, "conn_id", connID)
}

func (s *DeliveryService) dropSession(userID, connID string) {
	s.hub.Unregister(userID, connID)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.Unregister(ctx, userID, connID); err != nil {
		s.logger.Warn("PRESENCE_UNREGISTER_FAILED", "user_id", userID, "conn_id", connID, "error", err)
	}
}

func (s *DeliveryService) ReplayPending(ctx context.Context, conn registry.Connector) {
	events, err := s.cache.DrainPending(ctx, conn.GetUserID())
	if err != nil {
		s.logger.Warn("PENDING_DRAIN_FAILED", "user_id", conn.GetUserID(), "error", err)
		return
	}
	for i := range events {
		conn.Send(&events[i], sendTimeout)
	}
}

func (s *DeliveryService) Push(ev event.Eventer) bool {
	return s.hub.Broadcast(ev)
}

func (s *DeliveryService) PushAll(build func(userID string) event.Eventer) {
	s.hub.BroadcastAll(build)
}

func (s *DeliveryService) LocalUserIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, conn := range s.hub.Snapshot() {
		if _, dup := seen[conn.GetUserID()]; dup {
			continue
		}
		seen[conn.GetUserID()] = struct{}{}
		out = append(out, conn.GetUserID())
	}
	return out
}

func (s *DeliveryService) Stats() model.HubStats {
	return s.hub.Stats()
}

// Start launches the heartbeat sweeps. Bound to the fx lifecycle.
func (s *DeliveryService) Start() {
	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.podHeartbeatLoop()
}

// heartbeatLoop pushes HEARTBEAT frames to every local session and refreshes
// their presence timestamps in one bulk write. A session that fails three
// consecutive sweeps is torn down.
func (s *DeliveryService) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *DeliveryService) sweep() {
	conns := s.hub.Snapshot()
	if len(conns) == 0 {
		return
	}

	now := time.Now().UnixMilli()
	alive := make(map[string][]string, len(conns))
	for _, conn := range conns {
		ev := event.NewSystemEvent(conn.GetUserID(), event.KindHeartbeat, event.PriorityLow,
			event.HeartbeatPayload{Timestamp: now})

		if conn.Send(ev, sendTimeout) {
			conn.ResetFailures()
			alive[conn.GetUserID()] = append(alive[conn.GetUserID()], conn.GetID())
			continue
		}
		if conn.MarkFailure() >= 3 {
			s.logger.Warn("SESSION_UNRESPONSIVE", "user_id", conn.GetUserID(), "conn_id", conn.GetID())
			s.dropSession(conn.GetUserID(), conn.GetID())
			conn.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.presence.Touch(ctx, alive); err != nil {
		s.logger.Warn("HEARTBEAT_TOUCH_FAILED", "users", len(alive), "error", err)
	}
}

func (s *DeliveryService) podHeartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.podBeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.presence.PodHeartbeat(ctx); err != nil {
				s.logger.Warn("POD_HEARTBEAT_FAILED", "error", err)
			}
			cancel()
		}
	}
}

// Shutdown flushes SERVER_SHUTDOWN to every session, gives the frames a short
// grace window, then withdraws presence and stops the hub.
func (s *DeliveryService) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.doneCh) })
	s.wg.Wait()

	s.hub.BroadcastAll(func(userID string) event.Eventer {
		return event.NewSystemEvent(userID, event.KindServerShutdown, event.PriorityUrgent,
			event.ShutdownPayload{Reason: "pod shutting down"})
	})

	select {
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}

	for _, conn := range s.hub.Snapshot() {
		if err := s.presence.Unregister(ctx, conn.GetUserID(), conn.GetID()); err != nil {
			s.logger.Warn("PRESENCE_UNREGISTER_FAILED",
				"user_id", conn.GetUserID(), "conn_id", conn.GetID(), "error", err)
		}
	}

	s.hub.Shutdown()
	s.logger.Info("DELIVERY_SHUTDOWN_COMPLETE")
}
