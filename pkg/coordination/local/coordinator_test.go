package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"egcoord/pkg/coordination"
)

func TestLock_SerializesScope(t *testing.T) {
	c := New()
	ctx := context.Background()

	unlock, err := c.Lock(ctx, "scope-a")
	require.NoError(t, err)

	other, err := c.Lock(ctx, "scope-b")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Lock(waitCtx, "scope-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))
	again, err := c.Lock(ctx, "scope-a")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLeadership(t *testing.T) {
	c := New()
	ctx := context.Background()
	a, b := c.NewLeadership("scheduler"), c.NewLeadership("scheduler")

	_, err := a.Leader(ctx)
	assert.ErrorIs(t, err, coordination.ErrNoLeader)

	require.NoError(t, a.Campaign(ctx, "node-a"))
	leader, err := b.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", leader)

	done := make(chan error, 1)
	go func() { done <- b.Campaign(ctx, "node-b") }()
	select {
	case <-done:
		t.Fatal("second campaign won while the seat was held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, a.Resign(ctx))
	require.NoError(t, <-done)
	leader, err = a.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-b", leader)
}

func TestWorkers_ExpireWithLease(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.RegisterWorker(ctx, coordination.WorkerInfo{ID: "w2"}, 10))
	require.NoError(t, c.RegisterWorker(ctx, coordination.WorkerInfo{ID: "w1"}, 30))

	workers, err := c.ActiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].ID)

	now = now.Add(20 * time.Second)
	workers, err = c.ActiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)

	c.Expire("w1")
	workers, err = c.ActiveWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}
