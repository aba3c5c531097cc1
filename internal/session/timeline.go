package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Timeline stores session events in commit order, per session. Ordering
// within a session is the contract; ordering across sessions is not.
type Timeline interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, tenantID uuid.UUID, sessionID string, limit int) ([]Event, error)
}

// RedisTimeline keeps one list per (tenant, session). RPUSH preserves
// commit order; LRANGE reads it back. Timelines are working state, not
// the compliance record, so they carry a TTL.
type RedisTimeline struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTimeline creates a timeline over the given client. A zero TTL
// defaults to 24h.
func NewRedisTimeline(client *redis.Client, ttl time.Duration) *RedisTimeline {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTimeline{client: client, ttl: ttl}
}

func timelineKey(tenantID uuid.UUID, sessionID string) string {
	return "custos:session:" + tenantID.String() + ":" + sessionID
}

func (t *RedisTimeline) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding session event: %w", err)
	}
	key := timelineKey(event.TenantID, event.SessionID)
	pipe := t.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending session event: %w", err)
	}
	return nil
}

func (t *RedisTimeline) List(ctx context.Context, tenantID uuid.UUID, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := t.client.LRange(ctx, timelineKey(tenantID, sessionID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session timeline: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("decoding session event: %w", err)
		}
		out = append(out, event)
	}
	return out, nil
}

// MemoryTimeline is the in-process Timeline used by tests and deployments
// without Redis.
type MemoryTimeline struct {
	mu    sync.RWMutex
	lists map[string][]Event
}

func NewMemoryTimeline() *MemoryTimeline {
	return &MemoryTimeline{lists: make(map[string][]Event)}
}

func (t *MemoryTimeline) Append(ctx context.Context, event Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := timelineKey(event.TenantID, event.SessionID)
	t.lists[key] = append(t.lists[key], event)
	return nil
}

func (t *MemoryTimeline) List(ctx context.Context, tenantID uuid.UUID, sessionID string, limit int) ([]Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	list := t.lists[timelineKey(tenantID, sessionID)]
	if len(list) > limit {
		list = list[:limit]
	}
	return append([]Event(nil), list...), nil
}
