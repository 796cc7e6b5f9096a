package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/storage/cache"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

// ErrInvalidBroadcast rejects malformed admission requests (400).
var ErrInvalidBroadcast = errors.New("invalid broadcast")

// CreateBroadcastInput is the admission request.
type CreateBroadcastInput struct {
	SenderID      string           `json:"senderId"`
	SenderName    string           `json:"senderName"`
	Content       string           `json:"content"`
	TargetType    model.TargetType `json:"targetType"`
	TargetIDs     []string         `json:"targetIds"`
	Priority      model.Priority   `json:"priority"`
	Category      string           `json:"category"`
	ScheduledAt   *time.Time       `json:"scheduledAt"`
	ExpiresAt     *time.Time       `json:"expiresAt"`
	FireAndForget bool             `json:"fireAndForget"`
}

func (in *CreateBroadcastInput) validate() error {
	if in.SenderID == "" || in.Content == "" {
		return fmt.Errorf("%w: sender and content are required", ErrInvalidBroadcast)
	}
	if !in.TargetType.Valid() {
		return fmt.Errorf("%w: unknown target type %q", ErrInvalidBroadcast, in.TargetType)
	}
	switch in.TargetType {
	case model.TargetRole, model.TargetSelected:
		if len(in.TargetIDs) == 0 {
			return fmt.Errorf("%w: %s requires target ids", ErrInvalidBroadcast, in.TargetType)
		}
	case model.TargetProduct:
		if len(in.TargetIDs) != 1 {
			return fmt.Errorf("%w: PRODUCT requires exactly one product id", ErrInvalidBroadcast)
		}
	}
	if in.ExpiresAt != nil && in.ScheduledAt != nil && in.ExpiresAt.Before(*in.ScheduledAt) {
		return fmt.Errorf("%w: expires before scheduled start", ErrInvalidBroadcast)
	}
	return nil
}

// LifecycleService owns the broadcast state machine: admission, activation,
// cancel/expire finalization and the admin read model.
type LifecycleService interface {
	// Create admits a broadcast. Admission commits the base row first; when
	// the follow-up fan-out setup fails, the call errors but the row survives
	// with status FAILED, visible to operators and eligible for redrive.
	Create(ctx context.Context, in CreateBroadcastInput) (*model.Broadcast, error)
	Cancel(ctx context.Context, id int64) (*model.Broadcast, error)
	Fail(ctx context.Context, id int64) error

	Get(ctx context.Context, id int64) (*model.Broadcast, error)
	List(ctx context.Context, limit int) ([]model.Broadcast, error)
	ListScheduled(ctx context.Context) ([]model.Broadcast, error)
	ListActive(ctx context.Context) ([]model.Broadcast, error)
	Statistics(ctx context.Context, id int64) (*model.Statistics, error)
	Deliveries(ctx context.Context, id int64) ([]model.UserMessage, error)

	// Scheduler entry points; each runs under the cluster lease.
	ActivateReady(ctx context.Context, batch int) (int, error)
	ActivateScheduled(ctx context.Context, batch int) (int, error)
	ExpireDue(ctx context.Context, batch int) (int, error)
}

type lifecycleService struct {
	db         *sqlx.DB
	broadcasts *postgres.BroadcastRepo
	messages   *postgres.UserMessageRepo
	stats      *postgres.StatisticsRepo
	outbox     *postgres.OutboxRepo
	cache      *cache.Store
	directory  *DirectoryGuard
	targeting  TargetingService
	relay      OutboxNudger

	topic       string
	fetchWindow time.Duration
	logger      *slog.Logger
}

// Interface guard
var _ LifecycleService = (*lifecycleService)(nil)

func NewLifecycleService(
	db *sqlx.DB,
	broadcasts *postgres.BroadcastRepo,
	messages *postgres.UserMessageRepo,
	stats *postgres.StatisticsRepo,
	outbox *postgres.OutboxRepo,
	cacheStore *cache.Store,
	directory *DirectoryGuard,
	targeting TargetingService,
	relay OutboxNudger,
	cfg *config.Config,
	logger *slog.Logger,
) LifecycleService {
	return &lifecycleService{
		db:          db,
		broadcasts:  broadcasts,
		messages:    messages,
		stats:       stats,
		outbox:      outbox,
		cache:       cacheStore,
		directory:   directory,
		targeting:   targeting,
		relay:       relay,
		topic:       cfg.Broker.OrchestrationTopic,
		fetchWindow: cfg.Scheduler.UserFetchDelay,
		logger:      logger,
	}
}

func (s *lifecycleService) appendOutbox(ctx context.Context, q sqlx.ExtContext, typ event.OrchestrationType, broadcastID int64, userID string) error {
	return appendOrchestration(ctx, q, s.outbox, s.topic, typ, broadcastID, userID)
}

// resolveAdmissionTargets resolves the explicit per-user cohort written at
// admission/activation time. ALL and PRODUCT return nil: ALL fans out on
// read, PRODUCT resolves through the async precompute path.
func (s *lifecycleService) resolveAdmissionTargets(ctx context.Context, b *model.Broadcast) ([]string, error) {
	switch b.TargetType {
	case model.TargetSelected:
		return b.TargetIDs, nil
	case model.TargetRole:
		seen := make(map[string]struct{})
		var users []string
		for _, roleID := range b.TargetIDs {
			ids, err := s.directory.UsersByRole(ctx, roleID)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				users = append(users, id)
			}
		}
		return users, nil
	}
	return nil, nil
}

func (s *lifecycleService) Create(ctx context.Context, in CreateBroadcastInput) (*model.Broadcast, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	priority := in.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	b := &model.Broadcast{
		SenderID:      in.SenderID,
		SenderName:    in.SenderName,
		Content:       in.Content,
		TargetType:    in.TargetType,
		TargetIDs:     in.TargetIDs,
		Priority:      priority,
		Category:      in.Category,
		ScheduledAt:   in.ScheduledAt,
		ExpiresAt:     in.ExpiresAt,
		FireAndForget: in.FireAndForget,
	}
	b.Status = b.Classify(time.Now().UTC(), s.fetchWindow)

	// The base row commits on its own so a later fan-out failure never
	// erases the operator's record of the broadcast.
	err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.broadcasts.Insert(ctx, tx, b); err != nil {
			return err
		}
		return s.stats.Init(ctx, tx, b.ID, 0)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("BROADCAST_ADMITTED",
		"broadcast_id", b.ID, "target_type", b.TargetType, "status", b.Status)

	switch b.Status {
	case model.StatusExpired, model.StatusScheduled:
		// Dead on arrival or parked for the activation tick; nothing to fan out.
		return b, nil

	case model.StatusPreparing:
		s.targeting.PrecomputeAsync(b)
		return b, nil
	}

	// ACTIVE: immediate on-read fan-out.
	users, err := s.resolveAdmissionTargets(ctx, b)
	if err != nil {
		s.failBestEffort(ctx, b)
		return nil, err
	}

	err = postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := s.messages.BatchInsert(ctx, tx, b.ID, users); err != nil {
			return err
		}
		if err := s.stats.Init(ctx, tx, b.ID, int64(len(users))); err != nil {
			return err
		}
		return s.appendOutbox(ctx, tx, event.OrchestrationCreated, b.ID, "")
	})
	if err != nil {
		s.failBestEffort(ctx, b)
		return nil, err
	}
	s.relay.Nudge()

	if cerr := s.cache.SetContent(ctx, b); cerr != nil {
		s.logger.Warn("CONTENT_PREWARM_FAILED", "broadcast_id", b.ID, "error", cerr)
	}
	return b, nil
}

// failBestEffort finalizes a broadcast whose fan-out setup could not commit.
// The base row survives with status FAILED so the operator sees what happened.
func (s *lifecycleService) failBestEffort(ctx context.Context, b *model.Broadcast) {
	if err := s.broadcasts.UpdateStatus(ctx, s.db, b.ID, model.StatusFailed, b.Status); err != nil {
		s.logger.Error("BROADCAST_FAIL_MARK_FAILED", "broadcast_id", b.ID, "error", err)
		return
	}
	b.Status = model.StatusFailed
}

// finalize moves the broadcast to a terminal state inside the given
// transaction, supersedes live per-user rows and records the group event.
// Returns the affected user ids for post-commit cache eviction.
func (s *lifecycleService) finalize(ctx context.Context, tx *sqlx.Tx, id int64, to model.BroadcastStatus, typ event.OrchestrationType, from ...model.BroadcastStatus) ([]string, error) {
	if err := s.broadcasts.UpdateStatus(ctx, tx, id, to, from...); err != nil {
		return nil, err
	}
	users, err := s.messages.SupersedeNonFinal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := s.appendOutbox(ctx, tx, typ, id, ""); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *lifecycleService) evictAfterFinalize(ctx context.Context, id int64, users []string) {
	if err := s.cache.EvictContent(ctx, id); err != nil {
		s.logger.Warn("CONTENT_EVICT_FAILED", "broadcast_id", id, "error", err)
	}
	if err := s.cache.EvictInbox(ctx, users...); err != nil {
		s.logger.Warn("INBOX_EVICT_FAILED", "broadcast_id", id, "users", len(users), "error", err)
	}
}

func (s *lifecycleService) Cancel(ctx context.Context, id int64) (*model.Broadcast, error) {
	var users []string
	err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		users, err = s.finalize(ctx, tx, id, model.StatusCancelled, event.OrchestrationCancelled,
			model.StatusScheduled, model.StatusPreparing, model.StatusReady, model.StatusActive)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.relay.Nudge()
	s.evictAfterFinalize(ctx, id, users)
	s.logger.Info("BROADCAST_CANCELLED", "broadcast_id", id, "superseded", len(users))

	return s.broadcasts.Get(ctx, s.db, id)
}

// Fail is the DLT path: an orchestration event for this broadcast exhausted
// its retries. No outbox event is written — the failure is already on the bus.
func (s *lifecycleService) Fail(ctx context.Context, id int64) error {
	err := s.broadcasts.UpdateStatus(ctx, s.db, id, model.StatusFailed,
		model.StatusActive, model.StatusPreparing, model.StatusReady)
	if errors.Is(err, model.ErrIllegalTransition) {
		return nil // already terminal; nothing to record
	}
	return err
}

// --- admin read model ---

func (s *lifecycleService) Get(ctx context.Context, id int64) (*model.Broadcast, error) {
	return s.broadcasts.Get(ctx, s.db, id)
}

func (s *lifecycleService) List(ctx context.Context, limit int) ([]model.Broadcast, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.broadcasts.ListAll(ctx, s.db, limit)
}

// ListScheduled covers the whole pre-active pipeline, not just SCHEDULED:
// a PREPARING or READY product broadcast is still "scheduled" to an operator.
func (s *lifecycleService) ListScheduled(ctx context.Context) ([]model.Broadcast, error) {
	return s.broadcasts.ListByStatus(ctx, s.db,
		model.StatusScheduled, model.StatusPreparing, model.StatusReady)
}

func (s *lifecycleService) ListActive(ctx context.Context) ([]model.Broadcast, error) {
	return s.broadcasts.ListByStatus(ctx, s.db, model.StatusActive)
}

func (s *lifecycleService) Statistics(ctx context.Context, id int64) (*model.Statistics, error) {
	return s.stats.Get(ctx, s.db, id)
}

func (s *lifecycleService) Deliveries(ctx context.Context, id int64) ([]model.UserMessage, error) {
	if _, err := s.broadcasts.Get(ctx, s.db, id); err != nil {
		return nil, err
	}
	return s.messages.ListByBroadcast(ctx, s.db, id)
}

// --- scheduler entry points ---

// ActivateReady flips due READY broadcasts to ACTIVE and records CREATED.
// Precompute already materialized the per-user rows, so the whole batch is a
// single transaction.
func (s *lifecycleService) ActivateReady(ctx context.Context, batch int) (int, error) {
	var activated []model.Broadcast
	err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		rows, err := s.broadcasts.ClaimDueReady(ctx, tx, batch)
		if err != nil {
			return err
		}
		for i := range rows {
			if err := s.appendOutbox(ctx, tx, event.OrchestrationCreated, rows[i].ID, ""); err != nil {
				return err
			}
		}
		activated = rows
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := range activated {
		s.logger.Info("BROADCAST_ACTIVATED", "broadcast_id", activated[i].ID, "from", model.StatusReady)
	}
	if len(activated) > 0 {
		s.relay.Nudge()
	}
	return len(activated), nil
}

// ActivateScheduled activates due on-read broadcasts. Role cohorts resolve
// before the transaction opens; the guarded CAS tolerates a concurrent
// operator cancel losing us the row.
func (s *lifecycleService) ActivateScheduled(ctx context.Context, batch int) (int, error) {
	due, err := s.broadcasts.ListDueScheduled(ctx, s.db, batch)
	if err != nil {
		return 0, err
	}

	activated := 0
	for i := range due {
		b := due[i]

		users, err := s.resolveAdmissionTargets(ctx, &b)
		if err != nil {
			// Directory outage: leave SCHEDULED, retry next tick.
			s.logger.Warn("ACTIVATION_DEFERRED", "broadcast_id", b.ID, "error", err)
			continue
		}

		err = postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if err := s.broadcasts.UpdateStatus(ctx, tx, b.ID, model.StatusActive, model.StatusScheduled); err != nil {
				return err
			}
			if _, err := s.messages.BatchInsert(ctx, tx, b.ID, users); err != nil {
				return err
			}
			if err := s.stats.Init(ctx, tx, b.ID, int64(len(users))); err != nil {
				return err
			}
			return s.appendOutbox(ctx, tx, event.OrchestrationCreated, b.ID, "")
		})
		switch {
		case errors.Is(err, model.ErrIllegalTransition), errors.Is(err, model.ErrNotFound):
			continue // lost the CAS to cancel or a peer
		case err != nil:
			return activated, err
		}

		activated++
		s.logger.Info("BROADCAST_ACTIVATED", "broadcast_id", b.ID, "from", model.StatusScheduled)
	}
	if activated > 0 {
		s.relay.Nudge()
	}
	return activated, nil
}

// ExpireDue finalizes ACTIVE broadcasts past their expiry. The claim locks
// the rows for the duration of the transaction so concurrent cancels block
// rather than race.
func (s *lifecycleService) ExpireDue(ctx context.Context, batch int) (int, error) {
	evict := make(map[int64][]string)

	err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		rows, err := s.broadcasts.ClaimExpired(ctx, tx, batch)
		if err != nil {
			return err
		}
		for i := range rows {
			users, err := s.finalize(ctx, tx, rows[i].ID, model.StatusExpired, event.OrchestrationExpired, model.StatusActive)
			if err != nil {
				return err
			}
			evict[rows[i].ID] = users
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for id, users := range evict {
		s.evictAfterFinalize(ctx, id, users)
		s.logger.Info("BROADCAST_EXPIRED", "broadcast_id", id, "superseded", len(users))
	}
	if len(evict) > 0 {
		s.relay.Nudge()
	}
	return len(evict), nil
}
