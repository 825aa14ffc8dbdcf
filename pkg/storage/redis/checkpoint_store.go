package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"egcoord/pkg/sequence"
	"egcoord/pkg/storage"
)

const checkpointKeyPrefix = "elections:checkpoint:"

// CheckpointStore keeps the latest sequential state per election scope.
type CheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore uses client; a zero ttl keeps checkpoints forever.
func NewCheckpointStore(client *redis.Client, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{client: client, ttl: ttl}
}

func (c *CheckpointStore) SaveCheckpoint(ctx context.Context, scope string, state sequence.State) error {
	if err := c.client.Set(ctx, checkpointKeyPrefix+scope, state, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", scope, err)
	}
	return nil
}

func (c *CheckpointStore) LoadCheckpoint(ctx context.Context, scope string) (sequence.State, error) {
	var state sequence.State
	err := c.client.Get(ctx, checkpointKeyPrefix+scope).Scan(&state)
	if errors.Is(err, redis.Nil) {
		return sequence.State{}, storage.ErrNotFound
	}
	if err != nil {
		return sequence.State{}, fmt.Errorf("failed to load checkpoint for %s: %w", scope, err)
	}
	return state, nil
}
