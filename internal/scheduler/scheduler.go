// Package scheduler runs the periodic lifecycle jobs. Every pod schedules
// every job; a Redis lease elects the one that actually runs each tick, so a
// pod crash just moves the work to a peer on the next tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/service"
	"github.com/webitel/broadcast-delivery-service/internal/storage/cache"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
	"github.com/webitel/broadcast-delivery-service/internal/storage/presence"
)

const jobTimeout = 5 * time.Minute

type Scheduler struct {
	cron      *cron.Cron
	locker    *cache.Locker
	lifecycle service.LifecycleService
	targeting service.TargetingService
	presence  *presence.Store
	cache     *cache.Store

	db         *sqlx.DB
	broadcasts *postgres.BroadcastRepo
	messages   *postgres.UserMessageRepo
	targets    *postgres.TargetRepo
	outbox     *postgres.OutboxRepo

	cfg    config.Scheduler
	logger *slog.Logger
}

func New(
	locker *cache.Locker,
	lifecycle service.LifecycleService,
	targeting service.TargetingService,
	presenceStore *presence.Store,
	cacheStore *cache.Store,
	db *sqlx.DB,
	broadcasts *postgres.BroadcastRepo,
	messages *postgres.UserMessageRepo,
	targets *postgres.TargetRepo,
	outbox *postgres.OutboxRepo,
	cfg *config.Config,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		locker:     locker,
		lifecycle:  lifecycle,
		targeting:  targeting,
		presence:   presenceStore,
		cache:      cacheStore,
		db:         db,
		broadcasts: broadcasts,
		messages:   messages,
		targets:    targets,
		outbox:     outbox,
		cfg:        cfg.Scheduler,
		logger:     logger,
	}
}

func (s *Scheduler) Start() error {
	tick := "@every " + s.cfg.TickPeriod.String()

	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context) error
	}{
		{tick, "precompute-due", s.precomputeDue},
		{tick, "activate-ready", s.activateReady},
		{tick, "activate-scheduled", s.activateScheduled},
		{tick, "expire-due", s.expireDue},
		{"@every 1m", "reap-stale-pods", s.reapStalePods},
		{"@hourly", "reap-finalized", s.reapFinalized},
	}

	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.withLease(j.name, j.run) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("SCHEDULER_STARTED", "jobs", len(jobs), "tick", s.cfg.TickPeriod)
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// withLease runs the job only on the pod that wins the per-job lease. The
// lease is held, not released, for its TTL: a job that finishes instantly
// must not run again on another pod within the same tick.
func (s *Scheduler) withLease(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	_, ok, err := s.locker.Acquire(ctx, "job:"+name, s.cfg.LeaseTTL)
	if err != nil {
		s.logger.Error("JOB_LEASE_FAILED", "job", name, "error", err)
		return
	}
	if !ok {
		return // a peer runs this tick
	}

	started := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("JOB_FAILED", "job", name, "error", err, "took", time.Since(started))
		return
	}
	s.logger.Debug("JOB_COMPLETED", "job", name, "took", time.Since(started))
}

func (s *Scheduler) precomputeDue(ctx context.Context) error {
	// Safety margin on top of the fetch window: a cohort that resolves
	// slowly should still be READY before its start time.
	window := s.cfg.UserFetchDelay + s.cfg.PrecomputeSafety
	n, err := s.targeting.PrecomputeDue(ctx, window, s.cfg.ActivationBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("PRECOMPUTE_CLAIMED", "count", n)
	}
	return nil
}

func (s *Scheduler) activateReady(ctx context.Context) error {
	_, err := s.lifecycle.ActivateReady(ctx, s.cfg.ActivationBatch)
	return err
}

func (s *Scheduler) activateScheduled(ctx context.Context) error {
	_, err := s.lifecycle.ActivateScheduled(ctx, s.cfg.ActivationBatch)
	return err
}

func (s *Scheduler) expireDue(ctx context.Context) error {
	_, err := s.lifecycle.ExpireDue(ctx, s.cfg.ActivationBatch)
	return err
}

// reapStalePods removes presence entries owned by pods that stopped
// heartbeating, so routing stops targeting their worker topics.
func (s *Scheduler) reapStalePods(ctx context.Context) error {
	stale, err := s.presence.StalePods(ctx, s.cfg.StalePodThreshold)
	if err != nil {
		return err
	}
	for _, podKey := range stale {
		removed, err := s.presence.PurgePod(ctx, podKey)
		if err != nil {
			return err
		}
		s.logger.Warn("STALE_POD_PURGED", "pod", podKey, "connections", removed)
	}
	return nil
}

// reapFinalized trims derived state of finalized broadcasts past retention:
// unread per-user rows (read receipts are kept), precomputed targets, the
// content cache entry and the published outbox tail.
func (s *Scheduler) reapFinalized(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.ReapRetention)
	finalized, err := s.broadcasts.FinalizedBefore(ctx, s.db, cutoff, s.cfg.ActivationBatch)
	if err != nil {
		return err
	}

	for i := range finalized {
		id := finalized[i].ID
		err := postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if err := s.messages.DeleteUnread(ctx, tx, id); err != nil {
				return err
			}
			return s.targets.DeleteByBroadcast(ctx, tx, id)
		})
		if err != nil {
			return err
		}
		if cerr := s.cache.EvictContent(ctx, id); cerr != nil {
			s.logger.Warn("CONTENT_EVICT_FAILED", "broadcast_id", id, "error", cerr)
		}
	}

	retention := interval(s.cfg.ReapRetention)
	if err := s.outbox.DeletePublishedBefore(ctx, s.db, retention); err != nil {
		return err
	}

	if len(finalized) > 0 {
		s.logger.Info("FINALIZED_REAPED", "count", len(finalized))
	}
	return nil
}

// interval renders a duration in the form Postgres casts to ::interval.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
