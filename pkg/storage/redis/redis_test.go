package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"egcoord/pkg/models"
	"egcoord/pkg/sequence"
	"egcoord/pkg/storage"
)

type RedisSuite struct {
	suite.Suite
	queue       *RedisQueue
	checkpoints *CheckpointStore
}

func (s *RedisSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	cfg := DefaultRedisQueueConfig(addr)
	cfg.DialTimeout = time.Second
	cfg.Block = 200 * time.Millisecond
	queue, err := NewRedisQueueWithConfig(cfg)
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	s.queue = queue
	s.checkpoints = NewCheckpointStore(queue.Client(), time.Minute)
}

func (s *RedisSuite) TearDownSuite() {
	if s.queue != nil {
		s.queue.Close()
	}
}

func (s *RedisSuite) TestPushPopAck() {
	ctx := context.Background()
	group := "test-" + uuid.NewString()
	s.Require().NoError(s.queue.EnsureGroup(ctx, group))
	s.Require().NoError(s.queue.EnsureGroup(ctx, group))

	req := &models.RunRequest{RunID: uuid.New(), GuardianCount: 3, Quorum: 2, IDTemplate: "e", FakeBallots: 4}
	s.Require().NoError(s.queue.Push(ctx, req))

	// The group starts at the beginning of the stream, so skip anything
	// pushed by earlier tests.
	for {
		id, got, err := s.queue.Pop(ctx, group, "worker-1")
		s.Require().NoError(err)
		s.Require().NotEmpty(id, "request was not delivered")
		s.NoError(s.queue.Ack(ctx, group, id))
		if got.RunID == req.RunID {
			s.Equal(req.FakeBallots, got.FakeBallots)
			break
		}
	}

	id, _, err := s.queue.Pop(ctx, group, "worker-1")
	s.NoError(err)
	s.Empty(id)
}

func (s *RedisSuite) TestCheckpointRoundTrip() {
	ctx := context.Background()
	scope := "scope-" + uuid.NewString()

	_, err := s.checkpoints.LoadCheckpoint(ctx, scope)
	s.ErrorIs(err, storage.ErrNotFound)

	state := sequence.State{Seed: models.Payload(`"seed-3"`), Counters: map[string]int{"e": 5}}
	s.Require().NoError(s.checkpoints.SaveCheckpoint(ctx, scope, state))

	got, err := s.checkpoints.LoadCheckpoint(ctx, scope)
	s.Require().NoError(err)
	s.JSONEq(`"seed-3"`, string(got.Seed))
	s.Equal(5, got.Counters["e"])
}

func TestRedisSuite(t *testing.T) {
	suite.Run(t, new(RedisSuite))
}
