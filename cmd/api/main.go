package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "egcoord/configs"
	"egcoord/cmd/internal/bootstrap"
	"egcoord/pkg/api"
	"egcoord/pkg/auth"
	"egcoord/pkg/coordination"
	"egcoord/pkg/coordination/etcd"
	"egcoord/pkg/storage/postgres"
	"egcoord/pkg/storage/redis"
)

func main() {
	cfg := config.LoadConfig()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, flush, err := bootstrap.Init(ctx, cfg, "api")
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

	services, err := bootstrap.NewServices(cfg, log)
	if err != nil {
		log.Fatal("Invalid service targets", zap.Error(err))
	}

	var jwt *auth.JWTService
	if cfg.JWTSecret != "" {
		if jwt, err = auth.NewJWTService(auth.DefaultJWTConfig(cfg.JWTSecret)); err != nil {
			log.Fatal("Failed to configure auth", zap.Error(err))
		}
	} else {
		log.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	server := api.NewServer(api.Config{
		Port:        cfg.APIPort,
		JWT:         jwt,
		Runs:        store,
		Queue:       queue,
		Coordinator: etcdCoord,
		Leadership:  etcdCoord.NewLeadership(coordination.SchedulerElection),
		Probers:     []api.Prober{services.MediatorResolver, services.GuardianResolver},
		Logger:      log,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("Initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
