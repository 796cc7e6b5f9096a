// Package outbox relays committed outbox rows to the bus. Rows become
// visible to the relay only after their transaction commits, so the bus sees
// exactly the state changes that made it into the database, in commit order.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

const (
	pollInterval = time.Second
	batchSize    = 100

	// Broker-outage backoff: exponential, capped.
	backoffInitial = 2 * time.Second
	backoffMax     = time.Minute
)

// Publisher drains unpublished outbox rows. Multiple pods may run it; the
// FOR UPDATE SKIP LOCKED claim keeps them from double-publishing inside the
// claim window, and consumer-side dedupe covers the rest.
type Publisher struct {
	db         *sqlx.DB
	repo       *postgres.OutboxRepo
	dispatcher pubsub.EventDispatcher
	logger     *slog.Logger

	doneCh   chan struct{}
	wakeCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPublisher(db *sqlx.DB, repo *postgres.OutboxRepo, dispatcher pubsub.EventDispatcher, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:         db,
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
		doneCh:     make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
	}
}

// Nudge wakes the drain loop ahead of the next tick. Called after a domain
// transaction commits outbox rows; coalesces, never blocks.
func (p *Publisher) Nudge() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.loop()
}

func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.doneCh) })
	p.wg.Wait()
}

func (p *Publisher) loop() {
	defer p.wg.Done()

	backoff := backoffInitial
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.doneCh:
			return
		case <-timer.C:
		case <-p.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		n, err := p.drainOnce()
		switch {
		case err != nil:
			p.logger.Error("OUTBOX_DRAIN_FAILED", "error", err, "retry_in", backoff)
			timer.Reset(backoff)
			backoff = min(backoff*2, backoffMax)
		case n == batchSize:
			// Full batch: more rows are probably waiting.
			backoff = backoffInitial
			timer.Reset(0)
		default:
			backoff = backoffInitial
			timer.Reset(pollInterval)
		}
	}
}

// drainOnce claims one batch, publishes it and marks it published in the same
// transaction. A crash after publish but before commit re-publishes the batch
// — the at-least-once contract consumers already dedupe against.
func (p *Publisher) drainOnce() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	published := 0
	err := postgres.WithinTx(ctx, p.db, func(tx *sqlx.Tx) error {
		rows, err := p.repo.FetchUnpublished(ctx, tx, batchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]any, 0, len(rows))
		for i := range rows {
			row := rows[i]
			err := p.dispatcher.PublishRaw(ctx, row.Topic, row.ID.String(), row.EventType, row.AggregateID, row.Payload)
			if err != nil {
				// Publish what we can, mark only the acked prefix; order
				// within the partition is preserved by stopping here.
				break
			}
			ids = append(ids, row.ID)
		}
		if len(ids) == 0 {
			return errNoProgress
		}

		published = len(ids)
		return p.repo.MarkPublished(ctx, tx, ids)
	})
	if err == errNoProgress {
		return 0, errNoProgress
	}
	return published, err
}

type noProgressError struct{}

func (noProgressError) Error() string { return "outbox: broker rejected the whole batch" }

var errNoProgress = noProgressError{}
