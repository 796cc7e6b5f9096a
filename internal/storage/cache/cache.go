// Package cache holds the Redis-backed view caches: frozen broadcast
// content, assembled per-user inboxes and the pending-events queue for
// offline users. Cached views are strictly invalidated on state change;
// stale reads are acceptable for at most one refresh interval.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

const (
	contentKeyPrefix = "cache:broadcast:"
	inboxKeyPrefix   = "cache:inbox:"
	pendingKeyPrefix = "cache:pending:"

	contentTTL = 24 * time.Hour
	inboxTTL   = 10 * time.Minute
	pendingTTL = 7 * 24 * time.Hour

	// pendingCap bounds the offline queue per user; older events beyond the
	// cap are recovered through the inbox query instead.
	pendingCap = 1000

	lruSize = 10000
)

// ErrMiss is returned when a key is absent from both cache layers.
var ErrMiss = errors.New("cache miss")

// Store is the two-layer content/inbox/pending cache: a pod-local LRU for
// hot broadcast bodies in front of the cluster-wide Redis region.
type Store struct {
	rdb   redis.UniversalClient
	local *lru.Cache[int64, *model.Broadcast]
}

func NewStore(rdb redis.UniversalClient) *Store {
	// [MEMORY_MANAGEMENT] Pre-allocated LRU to keep hot broadcast bodies off Redis.
	local, _ := lru.New[int64, *model.Broadcast](lruSize)
	return &Store{rdb: rdb, local: local}
}

// --- broadcast content ---

func (s *Store) GetContent(ctx context.Context, broadcastID int64) (*model.Broadcast, error) {
	// [HOT_PATH]
	if b, ok := s.local.Get(broadcastID); ok {
		return b, nil
	}

	raw, err := s.rdb.Get(ctx, fmt.Sprintf("%s%d", contentKeyPrefix, broadcastID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("content get: %w", err)
	}

	var b model.Broadcast
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("content get: unmarshal: %w", err)
	}
	s.local.Add(broadcastID, &b)
	return &b, nil
}

func (s *Store) SetContent(ctx context.Context, b *model.Broadcast) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("content set: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, fmt.Sprintf("%s%d", contentKeyPrefix, b.ID), raw, contentTTL).Err(); err != nil {
		return fmt.Errorf("content set: %w", err)
	}
	s.local.Add(b.ID, b)
	return nil
}

func (s *Store) EvictContent(ctx context.Context, broadcastID int64) error {
	s.local.Remove(broadcastID)
	if err := s.rdb.Del(ctx, fmt.Sprintf("%s%d", contentKeyPrefix, broadcastID)).Err(); err != nil {
		return fmt.Errorf("content evict: %w", err)
	}
	return nil
}

// --- user inbox ---

func (s *Store) GetInbox(ctx context.Context, userID string) ([]model.InboxItem, error) {
	raw, err := s.rdb.Get(ctx, inboxKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("inbox get: %w", err)
	}
	var items []model.InboxItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("inbox get: unmarshal: %w", err)
	}
	return items, nil
}

func (s *Store) SetInbox(ctx context.Context, userID string, items []model.InboxItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("inbox set: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, inboxKeyPrefix+userID, raw, inboxTTL).Err(); err != nil {
		return fmt.Errorf("inbox set: %w", err)
	}
	return nil
}

func (s *Store) EvictInbox(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		keys = append(keys, inboxKeyPrefix+u)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("inbox evict: %w", err)
	}
	return nil
}

// --- pending events (offline users) ---

// AppendPending queues a delivery event for an offline user.
func (s *Store) AppendPending(ctx context.Context, userID string, ev *event.DeliveryEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pending append: marshal: %w", err)
	}

	key := pendingKeyPrefix + userID
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -pendingCap, -1)
	pipe.Expire(ctx, key, pendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pending append: %w", err)
	}
	return nil
}

// DrainPending atomically reads and clears the user's offline queue.
func (s *Store) DrainPending(ctx context.Context, userID string) ([]event.DeliveryEvent, error) {
	key := pendingKeyPrefix + userID

	pipe := s.rdb.TxPipeline()
	items := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pending drain: %w", err)
	}

	raws, err := items.Result()
	if err != nil {
		return nil, fmt.Errorf("pending drain: %w", err)
	}

	out := make([]event.DeliveryEvent, 0, len(raws))
	for _, raw := range raws {
		var ev event.DeliveryEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue // drop corrupt entries
		}
		out = append(out, ev)
	}
	return out, nil
}
