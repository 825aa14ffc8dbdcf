package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "egcoord/configs"
	"egcoord/cmd/internal/bootstrap"
	"egcoord/pkg/coordination"
	"egcoord/pkg/coordination/etcd"
	"egcoord/pkg/scheduler"
	"egcoord/pkg/storage/postgres"
)

func main() {
	cfg := config.LoadConfig()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, flush, err := bootstrap.Init(ctx, cfg, "scheduler")
	if err != nil {
		panic(err)
	}
	defer flush()
	log.Info("Starting up")

	store, err := postgres.NewPostgresStore(cfg.PostgresDSN())
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
	if err != nil {
		log.Fatal("Failed to connect to etcd", zap.Error(err))
	}
	defer etcdCoord.Close()

	services, err := bootstrap.NewServices(cfg, log)
	if err != nil {
		log.Fatal("Invalid service targets", zap.Error(err))
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "scheduler"
	}
	core, err := scheduler.NewCore(scheduler.Config{
		ID:            hostname + "-" + uuid.NewString()[:8],
		Interval:      cfg.SchedulerInterval,
		ProbeSchedule: cfg.ProbeSchedule,
		Logger:        log,
	}, store, etcdCoord, services.MediatorResolver, services.GuardianResolver)
	if err != nil {
		log.Fatal("Invalid scheduler config", zap.Error(err))
	}

	// Losing leadership ends Run; campaign again until shutdown.
	for ctx.Err() == nil {
		if err := core.Run(ctx, etcdCoord.NewLeadership(coordination.SchedulerElection)); err != nil && ctx.Err() == nil {
			log.Error("Scheduler stopped", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	log.Info("Shutdown complete")
}
