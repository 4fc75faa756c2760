package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCheckpointKey is the Redis key holding the last processed
// log timestamp.
const DefaultCheckpointKey = "delivery_sync:last_processed_ts"

// CheckpointStore persists the sync checkpoint: the timestamp at or
// below which every relay log entry is assumed already processed. It
// is advanced only after a batch's writes are durably flushed, never
// speculatively, so a crashed cycle reprocesses its window and the
// idempotent state machine absorbs the replay.
type CheckpointStore struct {
	rdb *redis.Client
	key string
}

// NewCheckpointStore creates a checkpoint store. An empty key uses
// DefaultCheckpointKey.
func NewCheckpointStore(rdb *redis.Client, key string) *CheckpointStore {
	if key == "" {
		key = DefaultCheckpointKey
	}
	return &CheckpointStore{rdb: rdb, key: key}
}

// Load returns the persisted checkpoint. ok is false on first run,
// when no checkpoint exists yet.
func (c *CheckpointStore) Load(ctx context.Context) (time.Time, bool, error) {
	val, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt checkpoint %q: %w", val, err)
	}
	return time.Unix(secs, 0), true, nil
}

// Store persists a new checkpoint value.
func (c *CheckpointStore) Store(ctx context.Context, t time.Time) error {
	if err := c.rdb.Set(ctx, c.key, strconv.FormatInt(t.Unix(), 10), 0).Err(); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}
