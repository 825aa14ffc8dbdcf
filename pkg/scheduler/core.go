// Package scheduler runs the cluster's leader-only housekeeping: reaping runs
// orphaned by lost workers and refreshing the service latency rankings.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"egcoord/pkg/coordination"
	"egcoord/pkg/logger"
	"egcoord/pkg/metrics"
	"egcoord/pkg/resolver"
	"egcoord/pkg/storage"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultProbeSchedule = resolver.DefaultRefreshSchedule
)

type Prober = resolver.Prober

type Config struct {
	ID            string
	Interval      time.Duration
	ProbeSchedule string
	Logger        *zap.Logger
}

type Core struct {
	id          string
	runs        storage.RunStore
	coordinator coordination.Coordinator
	interval    time.Duration
	refresher   *resolver.Refresher
	log         *zap.Logger
}

func NewCore(cfg Config, runs storage.RunStore, coord coordination.Coordinator, probers ...Prober) (*Core, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("scheduler")
	}
	refresher, err := resolver.NewRefresher(cfg.ProbeSchedule, log, probers...)
	if err != nil {
		return nil, err
	}
	return &Core{
		id:          cfg.ID,
		runs:        runs,
		coordinator: coord,
		interval:    cfg.Interval,
		refresher:   refresher,
		log:         log,
	}, nil
}

// Run campaigns for leadership and then performs housekeeping until ctx
// ends or leadership is lost. It blocks.
func (c *Core) Run(ctx context.Context, election coordination.Leadership) error {
	c.log.Info("Campaigning for leadership", zap.String("id", c.id))
	if err := election.Campaign(ctx, c.id); err != nil {
		return fmt.Errorf("campaign: %w", err)
	}
	c.log.Info("Elected leader", zap.String("id", c.id))
	defer func() {
		if err := election.Resign(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("Failed to resign", zap.Error(err))
		}
	}()

	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()
	go c.refresher.Run(probeCtx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Scheduler shutting down")
			return nil
		case <-ticker.C:
			leader, err := election.Leader(ctx)
			if err != nil {
				c.log.Warn("Error checking leadership", zap.Error(err))
				continue
			}
			if leader != c.id {
				c.log.Warn("Leadership lost", zap.String("leader", leader))
				return nil
			}
			if _, err := c.Reconcile(ctx); err != nil {
				c.log.Error("Reconcile failed", zap.Error(err))
			}
		}
	}
}

// Reconcile fails RUNNING runs whose worker no longer holds a lease.
func (c *Core) Reconcile(ctx context.Context) (int64, error) {
	workers, err := c.coordinator.ActiveWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get active workers: %w", err)
	}
	metrics.ActiveWorkers.Set(float64(len(workers)))

	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	count, err := c.runs.MarkOrphansAsFailed(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to reap orphans: %w", err)
	}
	if count > 0 {
		metrics.OrphansReaped.Add(float64(count))
		c.log.Warn("Reaped orphaned runs", zap.Int64("count", count))
	}
	return count, nil
}

// Probe re-measures every service once, refreshing the latency gauges.
// Failures are logged.
func (c *Core) Probe(ctx context.Context) {
	c.refresher.Refresh(ctx)
}
