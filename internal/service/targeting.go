package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

// precomputeChunk bounds the row count per transaction; a million-user
// product resolves as a series of short commits instead of one long one.
const precomputeChunk = 1000

// asyncPrecomputeBudget caps a single precompute run, directory resolution
// included.
const asyncPrecomputeBudget = 30 * time.Minute

// TargetingService resolves PRODUCT cohorts ahead of activation: it persists
// the precomputed target pairs and the per-user rows, then parks the
// broadcast in READY for the activation tick.
type TargetingService interface {
	// Precompute runs the resolution for one PREPARING broadcast.
	Precompute(ctx context.Context, b *model.Broadcast) error
	// PrecomputeAsync runs Precompute on its own goroutine with a fresh
	// budgeted context — the admission path must not block on it.
	PrecomputeAsync(b *model.Broadcast)
	// PrecomputeDue claims SCHEDULED PRODUCT broadcasts inside the prefetch
	// window and precomputes them. Scheduler entry point.
	PrecomputeDue(ctx context.Context, window time.Duration, batch int) (int, error)
}

type targetingService struct {
	db         *sqlx.DB
	broadcasts *postgres.BroadcastRepo
	messages   *postgres.UserMessageRepo
	targets    *postgres.TargetRepo
	stats      *postgres.StatisticsRepo
	directory  *DirectoryGuard
	logger     *slog.Logger
}

// Interface guard
var _ TargetingService = (*targetingService)(nil)

func NewTargetingService(
	db *sqlx.DB,
	broadcasts *postgres.BroadcastRepo,
	messages *postgres.UserMessageRepo,
	targets *postgres.TargetRepo,
	stats *postgres.StatisticsRepo,
	directory *DirectoryGuard,
	logger *slog.Logger,
) TargetingService {
	return &targetingService{
		db:         db,
		broadcasts: broadcasts,
		messages:   messages,
		targets:    targets,
		stats:      stats,
		directory:  directory,
		logger:     logger,
	}
}

func (s *targetingService) Precompute(ctx context.Context, b *model.Broadcast) error {
	started := time.Now()

	users, err := s.directory.UsersByProduct(ctx, b.TargetIDs[0])
	if err != nil {
		s.fail(ctx, b.ID, err)
		return err
	}

	// Chunked commits; re-runs after a crash skip already-inserted pairs
	// through the conflict clauses.
	for lo := 0; lo < len(users); lo += precomputeChunk {
		hi := min(lo+precomputeChunk, len(users))
		chunk := users[lo:hi]

		err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if err := s.targets.BatchInsert(ctx, tx, b.ID, chunk); err != nil {
				return err
			}
			_, err := s.messages.BatchInsert(ctx, tx, b.ID, chunk)
			return err
		})
		if err != nil {
			s.fail(ctx, b.ID, err)
			return err
		}
	}

	err = postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.stats.Init(ctx, tx, b.ID, int64(len(users))); err != nil {
			return err
		}
		return s.broadcasts.UpdateStatus(ctx, tx, b.ID, model.StatusReady, model.StatusPreparing)
	})
	if err != nil {
		// A lost CAS here means cancel won while we were resolving; the
		// rows are already superseded, nothing left to do.
		s.logger.Warn("PRECOMPUTE_FLIP_LOST", "broadcast_id", b.ID, "error", err)
		return nil
	}

	s.logger.Info("PRECOMPUTE_COMPLETED",
		"broadcast_id", b.ID, "targeted", len(users), "took", time.Since(started))
	return nil
}

func (s *targetingService) fail(ctx context.Context, broadcastID int64, cause error) {
	s.logger.Error("PRECOMPUTE_FAILED", "broadcast_id", broadcastID, "error", cause)
	if err := s.broadcasts.UpdateStatus(ctx, s.db, broadcastID, model.StatusFailed, model.StatusPreparing); err != nil {
		s.logger.Error("PRECOMPUTE_FAIL_MARK_FAILED", "broadcast_id", broadcastID, "error", err)
	}
}

func (s *targetingService) PrecomputeAsync(b *model.Broadcast) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncPrecomputeBudget)
		defer cancel()
		_ = s.Precompute(ctx, b)
	}()
}

func (s *targetingService) PrecomputeDue(ctx context.Context, window time.Duration, batch int) (int, error) {
	var claimed []model.Broadcast
	err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		rows, err := s.broadcasts.ClaimDuePrecompute(ctx, tx, window, batch)
		if err != nil {
			return err
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := range claimed {
		if err := s.Precompute(ctx, &claimed[i]); err != nil {
			s.logger.Error("PRECOMPUTE_DUE_ITEM_FAILED", "broadcast_id", claimed[i].ID, "error", err)
		}
	}
	return len(claimed), nil
}
