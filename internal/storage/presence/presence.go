// Package presence keeps the cluster-wide mapping from user id to live
// connection coordinates. Entries are owned by the pod that wrote them;
// routine writes are last-write-wins, and the stale-pod reaper removes
// entries left behind by crashed pods.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

const (
	userKeyPrefix     = "presence:user:"     // hash: connID -> ConnectionInfo JSON
	heartbeatPrefix   = "presence:hb:"       // per-pod hash: "user|conn" -> unix ms
	podConnsPrefix    = "presence:podconns:" // per-pod set: "user|conn"
	podsKey           = "presence:pods"      // hash: "{cluster}:{pod}" -> unix ms
	connectionTTL     = 24 * time.Hour
)

// Store implements the presence region on Redis.
type Store struct {
	rdb     redis.UniversalClient
	cluster string
	pod     string
}

func NewStore(rdb redis.UniversalClient, cluster, pod string) *Store {
	return &Store{rdb: rdb, cluster: cluster, pod: pod}
}

func (s *Store) podKey() string { return s.cluster + ":" + s.pod }

func member(userID, connID string) string { return userID + "|" + connID }

// Register records a new connection owned by this pod.
func (s *Store) Register(ctx context.Context, userID, connID string) error {
	info := model.ConnectionInfo{
		ConnectionID:  connID,
		PodName:       s.pod,
		ClusterName:   s.cluster,
		LastHeartbeat: time.Now().UTC(),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("presence register: marshal: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, userKeyPrefix+userID, connID, raw)
	pipe.Expire(ctx, userKeyPrefix+userID, connectionTTL)
	pipe.SAdd(ctx, podConnsPrefix+s.podKey(), member(userID, connID))
	pipe.HSet(ctx, heartbeatPrefix+s.podKey(), member(userID, connID), time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence register: %w", err)
	}
	return nil
}

// Unregister removes one connection of this pod.
func (s *Store) Unregister(ctx context.Context, userID, connID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, userKeyPrefix+userID, connID)
	pipe.SRem(ctx, podConnsPrefix+s.podKey(), member(userID, connID))
	pipe.HDel(ctx, heartbeatPrefix+s.podKey(), member(userID, connID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence unregister: %w", err)
	}
	return nil
}

// Connections returns every live connection of a user across the cluster,
// with heartbeats refreshed from the owning pods' heartbeat hashes.
func (s *Store) Connections(ctx context.Context, userID string) ([]model.ConnectionInfo, error) {
	raw, err := s.rdb.HGetAll(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence connections: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	infos := make([]model.ConnectionInfo, 0, len(raw))
	pipe := s.rdb.Pipeline()
	beats := make([]*redis.StringCmd, 0, len(raw))
	for _, v := range raw {
		var info model.ConnectionInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			continue // skip corrupt entries, reconciled by the reaper
		}
		infos = append(infos, info)
		beats = append(beats, pipe.HGet(ctx, heartbeatPrefix+info.PodKey(), member(userID, info.ConnectionID)))
	}
	_, _ = pipe.Exec(ctx) // individual misses are fine

	for i := range infos {
		if ms, err := beats[i].Int64(); err == nil {
			infos[i].LastHeartbeat = time.UnixMilli(ms).UTC()
		}
	}
	return infos, nil
}

// CountConnections reports the user's cluster-wide connection count — the
// value guarded by the per-user connect lock.
func (s *Store) CountConnections(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.HLen(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return n, nil
}

// Touch bulk-refreshes heartbeats for this pod's connections in one command.
// Every connection of a user is refreshed individually: a user with several
// sessions gets one field per session.
func (s *Store) Touch(ctx context.Context, conns map[string][]string) error {
	now := time.Now().UnixMilli()
	fields := make([]any, 0, len(conns)*2)
	for userID, connIDs := range conns {
		for _, connID := range connIDs {
			fields = append(fields, member(userID, connID), now)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, heartbeatPrefix+s.podKey(), fields...).Err(); err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

// OnlineUsersByPod returns the distinct online user ids grouped by owning
// pod key — the fan-out set for ALL broadcasts and group evictions.
func (s *Store) OnlineUsersByPod(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, podConnsPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("presence online by pod: %w", err)
		}
		for _, k := range keys {
			podKey := strings.TrimPrefix(k, podConnsPrefix)
			members, err := s.rdb.SMembers(ctx, k).Result()
			if err != nil {
				return nil, fmt.Errorf("presence online by pod: %w", err)
			}
			seen := make(map[string]struct{}, len(members))
			for _, m := range members {
				userID, _, ok := strings.Cut(m, "|")
				if !ok {
					continue
				}
				if _, dup := seen[userID]; dup {
					continue
				}
				seen[userID] = struct{}{}
				out[podKey] = append(out[podKey], userID)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// PodHeartbeat writes this pod's own liveness timestamp.
func (s *Store) PodHeartbeat(ctx context.Context) error {
	if err := s.rdb.HSet(ctx, podsKey, s.podKey(), time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("presence pod heartbeat: %w", err)
	}
	return nil
}

// StalePods lists pods whose heartbeat is older than the threshold, plus
// pods that still own connections but have no heartbeat entry at all.
func (s *Store) StalePods(ctx context.Context, threshold time.Duration) ([]string, error) {
	beats, err := s.rdb.HGetAll(ctx, podsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence stale pods: %w", err)
	}

	cutoff := time.Now().Add(-threshold).UnixMilli()
	var stale []string
	for podKey, v := range beats {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < cutoff {
			stale = append(stale, podKey)
		}
	}

	// Pods that died before writing a single heartbeat still own connection sets.
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, podConnsPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("presence stale pods scan: %w", err)
		}
		for _, k := range keys {
			podKey := strings.TrimPrefix(k, podConnsPrefix)
			if _, ok := beats[podKey]; !ok {
				stale = append(stale, podKey)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stale, nil
}

// PurgePod removes every presence trace of a dead pod: its owned connection
// entries in the per-user hashes, its heartbeat hash and its pod entry.
func (s *Store) PurgePod(ctx context.Context, podKey string) (int, error) {
	members, err := s.rdb.SMembers(ctx, podConnsPrefix+podKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence purge pod: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, m := range members {
		userID, connID, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		pipe.HDel(ctx, userKeyPrefix+userID, connID)
	}
	pipe.Del(ctx, podConnsPrefix+podKey)
	pipe.Del(ctx, heartbeatPrefix+podKey)
	pipe.HDel(ctx, podsKey, podKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence purge pod: %w", err)
	}
	return len(members), nil
}
