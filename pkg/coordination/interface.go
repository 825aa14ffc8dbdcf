package coordination

import (
	"context"
	"errors"
	"time"
)

// SchedulerElection is the leadership name the schedulers campaign for.
const SchedulerElection = "scheduler"

var ErrNoLeader = errors.New("no leader elected")

// WorkerInfo is what a worker publishes with each heartbeat.
type WorkerInfo struct {
	ID                string    `json:"id"`
	Hostname          string    `json:"hostname"`
	Concurrency       int       `json:"concurrency"`
	ActiveRuns        int       `json:"active_runs"`
	MemoryUsedPercent float64   `json:"memory_used_percent"`
	HeartbeatAt       time.Time `json:"heartbeat_at"`
}

// UnlockFunc releases a scope lock.
type UnlockFunc func(ctx context.Context) error

// Coordinator handles distributed coordination tasks.
type Coordinator interface {
	// NewLeadership creates a leader campaign for name.
	NewLeadership(name string) Leadership

	// Lock blocks until this process holds the lock for an election scope.
	// Only one run per scope may advance its sequential state at a time.
	Lock(ctx context.Context, scope string) (UnlockFunc, error)

	// RegisterWorker publishes info under a lease of ttl seconds. Calling it
	// again refreshes the lease.
	RegisterWorker(ctx context.Context, info WorkerInfo, ttl int) error

	// ActiveWorkers lists workers whose lease is still alive.
	ActiveWorkers(ctx context.Context) ([]WorkerInfo, error)

	Close() error
}

// Leadership represents a single leader campaign.
type Leadership interface {
	// Campaign blocks until leadership is acquired or ctx ends.
	Campaign(ctx context.Context, value string) error

	Resign(ctx context.Context) error

	// Leader returns the current leader's value, or ErrNoLeader.
	Leader(ctx context.Context) (string, error)
}
