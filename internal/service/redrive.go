package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
)

// dltTopicSuffix mirrors the poison middleware's dead-letter topic naming.
const dltTopicSuffix = ".DLT"

// RedriveService replays dead-lettered events back onto their original topic
// after an operator resolved the underlying failure.
type RedriveService interface {
	List(ctx context.Context, limit int) ([]model.DLTMessage, error)
	Redrive(ctx context.Context, id int64) error
	RedriveAll(ctx context.Context) (*model.RedriveResult, error)
	Purge(ctx context.Context, id int64) error
	PurgeAll(ctx context.Context) (int64, error)
}

type redriveService struct {
	db         *sqlx.DB
	dlt        *postgres.DLTRepo
	broadcasts *postgres.BroadcastRepo
	messages   *postgres.UserMessageRepo
	dispatcher pubsub.EventDispatcher
	logger     *slog.Logger
}

// Interface guard
var _ RedriveService = (*redriveService)(nil)

func NewRedriveService(
	db *sqlx.DB,
	dlt *postgres.DLTRepo,
	broadcasts *postgres.BroadcastRepo,
	messages *postgres.UserMessageRepo,
	dispatcher pubsub.EventDispatcher,
	logger *slog.Logger,
) RedriveService {
	return &redriveService{
		db:         db,
		dlt:        dlt,
		broadcasts: broadcasts,
		messages:   messages,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *redriveService) List(ctx context.Context, limit int) ([]model.DLTMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.dlt.List(ctx, s.db, limit)
}

// deadPayload is the common shape of both event kinds that can dead-letter;
// it carries just enough to locate the affected rows.
type deadPayload struct {
	BroadcastID int64  `json:"broadcastId"`
	UserID      string `json:"userId"`
}

func (s *redriveService) Redrive(ctx context.Context, id int64) error {
	m, err := s.dlt.Get(ctx, s.db, id)
	if err != nil {
		return err
	}

	var payload deadPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return fmt.Errorf("redrive %d: undecodable payload: %w", id, err)
	}
	if payload.BroadcastID == 0 {
		return fmt.Errorf("redrive %d: payload carries no broadcast id", id)
	}

	b, err := s.broadcasts.Get(ctx, s.db, payload.BroadcastID)
	if err != nil {
		return err
	}
	// Only a live or failed broadcast is worth replaying; a cancelled or
	// expired one would resurrect a withdrawn message.
	if b.Status != model.StatusActive && b.Status != model.StatusFailed {
		return model.ErrIllegalTransition
	}

	err = postgres.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if b.Status == model.StatusFailed {
			if err := s.broadcasts.UpdateStatus(ctx, tx, b.ID, model.StatusActive, model.StatusFailed); err != nil {
				return err
			}
		}
		if payload.UserID != "" {
			if err := s.messages.ResetPending(ctx, tx, payload.BroadcastID, payload.UserID); err != nil {
				return err
			}
		}

		// Replay the captured payload verbatim; consumers dedupe on event id.
		eventID := strconv.FormatInt(m.ID, 10)
		if err := s.dispatcher.PublishRaw(ctx, m.OriginalTopic, eventID, "REDRIVE", m.PartitionKey, m.Payload); err != nil {
			return err
		}
		if err := s.tombstone(ctx, m); err != nil {
			return err
		}

		return s.dlt.Delete(ctx, tx, m.ID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("DLT_REDRIVEN", "dlt_id", id, "broadcast_id", payload.BroadcastID, "topic", m.OriginalTopic)
	return nil
}

// RedriveAll replays every parked event, one transaction per item: a single
// poisonous record must not abort the batch.
func (s *redriveService) RedriveAll(ctx context.Context) (*model.RedriveResult, error) {
	items, err := s.dlt.List(ctx, s.db, 500)
	if err != nil {
		return nil, err
	}

	res := &model.RedriveResult{Total: len(items)}
	for i := range items {
		if err := s.Redrive(ctx, items[i].ID); err != nil {
			res.FailureCount++
			res.Failures = append(res.Failures, fmt.Sprintf("id %d: %v", items[i].ID, err))
			continue
		}
		res.SuccessCount++
	}
	return res, nil
}

func (s *redriveService) Purge(ctx context.Context, id int64) error {
	m, err := s.dlt.Get(ctx, s.db, id)
	if err != nil {
		return err
	}
	if err := s.tombstone(ctx, m); err != nil {
		return err
	}
	return s.dlt.Delete(ctx, s.db, id)
}

func (s *redriveService) PurgeAll(ctx context.Context) (int64, error) {
	var purged int64
	for {
		items, err := s.dlt.List(ctx, s.db, 500)
		if err != nil {
			return purged, err
		}
		if len(items) == 0 {
			return purged, nil
		}
		for i := range items {
			if err := s.tombstone(ctx, &items[i]); err != nil {
				return purged, err
			}
			if err := s.dlt.Delete(ctx, s.db, items[i].ID); err != nil {
				return purged, err
			}
			purged++
		}
	}
}

// tombstone announces the removal of a parked event on its dead-letter topic:
// an empty-payload marker under the original partition key. Downstream DLT
// mirrors drop their copy when they see it.
func (s *redriveService) tombstone(ctx context.Context, m *model.DLTMessage) error {
	eventID := "tombstone-" + strconv.FormatInt(m.ID, 10)
	return s.dispatcher.PublishRaw(ctx, m.OriginalTopic+dltTopicSuffix, eventID, "TOMBSTONE", m.PartitionKey, nil)
}
