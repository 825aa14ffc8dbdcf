package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	config "egcoord/configs"
	"egcoord/cmd/internal/bootstrap"
	"egcoord/pkg/coordination/etcd"
	"egcoord/pkg/resolver"
	"egcoord/pkg/storage/postgres"
	"egcoord/pkg/storage/redis"
	"egcoord/pkg/worker"
)

func main() {
	cfg := config.LoadConfig()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, flush, err := bootstrap.Init(ctx, cfg, "worker")
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

	queueCfg := redis.DefaultRedisQueueConfig(cfg.RedisAddr())
	queueCfg.Password, queueCfg.DB = cfg.RedisPassword, cfg.RedisDB
	queue, err := redis.NewRedisQueueWithConfig(queueCfg)
	if err != nil {
		log.Fatal("Failed to initialize redis queue", zap.Error(err))
	}
	defer queue.Close()
	checkpoints := redis.NewCheckpointStore(queue.Client(), cfg.CheckpointTTL)

	records, err := bootstrap.RecordStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open record store", zap.Error(err))
	}

	services, err := bootstrap.NewServices(cfg, log)
	if err != nil {
		log.Fatal("Invalid service targets", zap.Error(err))
	}

	refresher, err := resolver.NewRefresher(cfg.ProbeSchedule, log, services.MediatorResolver, services.GuardianResolver)
	if err != nil {
		log.Fatal("Invalid probe schedule", zap.Error(err))
	}

	w := worker.New(worker.Config{
		Concurrency:      cfg.WorkerConcurrency,
		LeaseTTL:         cfg.LeaderElectionTTL,
		RunTimeout:       cfg.RunTimeout,
		Mediator:         services.Mediator,
		Guardians:        services.Guardian,
		EncryptBatchSize: cfg.EncryptBatchSize,
		DecryptBatchSize: cfg.DecryptBatchSize,
		TallyBatchSize:   cfg.TallyBatchSize,
		Refresher:        refresher,
		Logger:           log,
	}, etcdCoord, queue, store, checkpoints, records)

	w.Start(ctx)
	log.Info("Shutdown complete")
}
