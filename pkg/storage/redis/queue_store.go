package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"egcoord/pkg/models"
	"egcoord/pkg/storage"
)

const (
	StreamKeyPending = "elections:runs:pending"
)

type RedisQueue struct {
	client *redis.Client
	block  time.Duration
}

var _ storage.Queue = (*RedisQueue)(nil)

// RedisQueueConfig holds Redis connection configuration
type RedisQueueConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	Block        time.Duration
}

func DefaultRedisQueueConfig(addr string) RedisQueueConfig {
	return RedisQueueConfig{
		Addr:         addr,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		Block:        2 * time.Second,
	}
}

func NewRedisQueue(addr string) (*RedisQueue, error) {
	return NewRedisQueueWithConfig(DefaultRedisQueueConfig(addr))
}

func NewRedisQueueWithConfig(cfg RedisQueueConfig) (*RedisQueue, error) {
	client, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisQueueFromClient(client, cfg.Block), nil
}

// NewRedisQueueFromClient shares an existing client.
func NewRedisQueueFromClient(client *redis.Client, block time.Duration) *RedisQueue {
	if block <= 0 {
		block = 2 * time.Second
	}
	return &RedisQueue{client: client, block: block}
}

// Connect opens a client and verifies it with a ping.
func Connect(cfg RedisQueueConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisQueue) Client() *redis.Client { return r.client }

func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Push adds a run request to the pending stream.
func (r *RedisQueue) Push(ctx context.Context, req *models.RunRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal run request: %w", err)
	}

	// XADD elections:runs:pending * payload {json} run_id {id}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyPending,
		Values: map[string]interface{}{
			"payload": payload,
			"run_id":  req.RunID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to queue: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (r *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, StreamKeyPending, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop reads the next request for consumer. A malformed message is returned
// with its ID so the caller can acknowledge and drop it.
func (r *RedisQueue) Pop(ctx context.Context, group string, consumer string) (string, *models.RunRequest, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKeyPending, ">"},
		Count:    1,
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("message %s: invalid payload format", msg.ID)
	}
	var req models.RunRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return msg.ID, nil, fmt.Errorf("message %s: failed to unmarshal run request: %w", msg.ID, err)
	}
	return msg.ID, &req, nil
}

func (r *RedisQueue) Ack(ctx context.Context, group string, msgID string) error {
	return r.client.XAck(ctx, StreamKeyPending, group, msgID).Err()
}
