// Package worker consumes queued election runs and executes them with the
// coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"egcoord/pkg/coordination"
	"egcoord/pkg/coordinator"
	"egcoord/pkg/logger"
	"egcoord/pkg/manifest"
	"egcoord/pkg/metrics"
	"egcoord/pkg/models"
	"egcoord/pkg/record"
	"egcoord/pkg/resolver"
	"egcoord/pkg/storage"
	"egcoord/pkg/validation"
)

const ConsumerGroup = "egcoord-workers"

type Config struct {
	// ID defaults to hostname plus a random suffix.
	ID                string
	Concurrency       int
	HeartbeatInterval time.Duration
	LeaseTTL          int // seconds
	RunTimeout        time.Duration

	Mediator  coordinator.MediatorService
	Guardians coordinator.GuardianService

	EncryptBatchSize int
	DecryptBatchSize int
	TallyBatchSize   int

	// Refresher keeps the rankings of the resolvers behind Mediator and
	// Guardians current while the worker runs. Optional.
	Refresher *resolver.Refresher

	Logger *zap.Logger
}

type Worker struct {
	ID       string
	Hostname string

	cfg         Config
	log         *zap.Logger
	coord       coordination.Coordinator
	queue       storage.Queue
	runs        storage.RunStore
	checkpoints storage.CheckpointStore
	records     storage.RecordStore
	active      atomic.Int32
}

func New(cfg Config, coord coordination.Coordinator, queue storage.Queue, runs storage.RunStore, checkpoints storage.CheckpointStore, records storage.RecordStore) *Worker {
	hostname, _ := os.Hostname()
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.LeaseTTL < 1 {
		cfg.LeaseTTL = 10
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Component("worker")
	}
	return &Worker{
		ID:          cfg.ID,
		Hostname:    hostname,
		cfg:         cfg,
		log:         log.With(zap.String("worker_id", cfg.ID)),
		coord:       coord,
		queue:       queue,
		runs:        runs,
		checkpoints: checkpoints,
		records:     records,
	}
}

// Start runs the heartbeat and the consume loop until ctx ends.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Worker starting", zap.Int("concurrency", w.cfg.Concurrency))

	if err := w.queue.EnsureGroup(ctx, ConsumerGroup); err != nil {
		w.log.Warn("Failed to ensure consumer group", zap.Error(err))
	}
	// Register before taking work so the orphan reaper sees this node.
	if err := w.Heartbeat(ctx); err != nil {
		w.log.Warn("Initial heartbeat failed", zap.Error(err))
	}

	if w.cfg.Refresher != nil {
		go w.cfg.Refresher.Run(ctx)
	}

	go func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Heartbeat(ctx); err != nil {
					w.log.Warn("Heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	sem := make(chan struct{}, w.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker stopping")
			return
		case sem <- struct{}{}:
			go func() {
				defer func() { <-sem }()
				w.consumeOne(ctx)
			}()
		}
	}
}

// Heartbeat refreshes this worker's lease and publishes its load.
func (w *Worker) Heartbeat(ctx context.Context) error {
	info := coordination.WorkerInfo{
		ID:          w.ID,
		Hostname:    w.Hostname,
		Concurrency: w.cfg.Concurrency,
		ActiveRuns:  int(w.active.Load()),
		HeartbeatAt: time.Now().UTC(),
	}
	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryUsedPercent = v.UsedPercent
	}
	if err := w.coord.RegisterWorker(ctx, info, w.cfg.LeaseTTL); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	metrics.HeartbeatsSent.Inc()
	return nil
}

func (w *Worker) consumeOne(ctx context.Context) {
	msgID, req, err := w.queue.Pop(ctx, ConsumerGroup, w.ID)
	if err != nil {
		w.log.Error("Failed to pop run", zap.Error(err))
		if msgID != "" {
			// Undecodable messages never become decodable; drop them.
			_ = w.queue.Ack(ctx, ConsumerGroup, msgID)
		}
		sleep(ctx, time.Second)
		return
	}
	if req == nil {
		return
	}

	if err := w.Execute(ctx, req); err != nil {
		w.log.Warn("Run failed", zap.String("run_id", req.RunID.String()), zap.Error(err))
	}
	if err := w.queue.Ack(ctx, ConsumerGroup, msgID); err != nil {
		w.log.Error("Failed to ack run", zap.String("msg_id", msgID), zap.Error(err))
	}
}

// Execute runs one request to completion and stores its outcome. The
// returned error is the run's failure, already persisted on the run.
func (w *Worker) Execute(ctx context.Context, req *models.RunRequest) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	log := w.log.With(zap.String("run_id", req.RunID.String()))
	w.active.Add(1)
	metrics.RunsInFlight.Inc()
	started := time.Now()
	defer func() {
		w.active.Add(-1)
		metrics.RunsInFlight.Dec()
	}()

	fail := func(cause error) error {
		metrics.RecordRun(string(models.RunFailed), time.Since(started).Seconds())
		if err := w.runs.Complete(context.WithoutCancel(ctx), req.RunID, storage.RunResult{
			State: models.RunFailed,
			Error: cause.Error(),
		}); err != nil {
			log.Error("Failed to store run failure", zap.Error(err))
		}
		return cause
	}

	if err := validation.Struct(req); err != nil {
		return fail(err)
	}
	m, err := manifest.Decode(req.Manifest)
	if err != nil {
		return fail(err)
	}
	ballots, err := manifest.DecodeBallots(m, req.Ballots, req.FakeBallots)
	if err != nil {
		return fail(err)
	}

	if err := w.runs.MarkRunning(ctx, req.RunID, w.ID, started); err != nil {
		return fail(fmt.Errorf("mark running: %w", err))
	}

	scope := m.ElectionScopeID
	unlock, err := w.coord.Lock(ctx, scope)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to unlock scope", zap.String("scope", scope), zap.Error(err))
		}
	}()

	listener := &runListener{runID: req.RunID, scope: scope, runs: w.runs, checkpoints: w.checkpoints, log: log}
	c, err := coordinator.New(m, models.GuardianSetPolicy{GuardianCount: req.GuardianCount, Quorum: req.Quorum}, req.IDTemplate, coordinator.Config{
		Mediator:         w.cfg.Mediator,
		Guardians:        w.cfg.Guardians,
		EncryptBatchSize: w.cfg.EncryptBatchSize,
		DecryptBatchSize: w.cfg.DecryptBatchSize,
		TallyBatchSize:   w.cfg.TallyBatchSize,
		Listener:         listener,
		Logger:           log,
	})
	if err != nil {
		return fail(err)
	}
	listener.c = c

	switch st, err := w.checkpoints.LoadCheckpoint(ctx, scope); {
	case err == nil:
		c.Restore(st)
	case !errors.Is(err, storage.ErrNotFound):
		return fail(fmt.Errorf("load checkpoint: %w", err))
	}

	rec, err := c.Run(ctx, ballots, nil)
	if err != nil {
		return fail(err)
	}

	prefix := "runs/" + req.RunID.String()
	n, err := record.Export(ctx, w.records, prefix, rec)
	if err != nil {
		return fail(fmt.Errorf("export record: %w", err))
	}
	log.Info("Election record exported", zap.Int("files", n), zap.String("uri", w.records.URI(prefix)))

	if err := w.runs.Complete(ctx, req.RunID, storage.RunResult{
		State:     models.RunSucceeded,
		RecordURI: w.records.URI(prefix),
		Tally:     models.JSONB(rec.Tally.Raw),
	}); err != nil {
		log.Error("Failed to store run result", zap.Error(err))
	}
	metrics.RecordRun(string(models.RunSucceeded), time.Since(started).Seconds())
	log.Info("Run succeeded", zap.Duration("elapsed", time.Since(started)))
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
