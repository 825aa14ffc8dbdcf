// Package bootstrap builds the shared pieces every binary wires from config.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	config "egcoord/configs"
	"egcoord/pkg/gateway"
	"egcoord/pkg/guardian"
	"egcoord/pkg/logger"
	"egcoord/pkg/mediator"
	tracing "egcoord/pkg/observability"
	"egcoord/pkg/resolver"
	"egcoord/pkg/storage"
)

// Init sets up logging and tracing for the named binary. The returned func
// flushes both.
func Init(ctx context.Context, cfg *config.Config, service string) (*zap.Logger, func(), error) {
	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    service,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	tc := tracing.DefaultConfig("egcoord-" + service)
	tc.Enabled = cfg.OTELEnabled
	tc.Endpoint = cfg.OTELEndpoint
	tc.SamplingRate = cfg.OTELSamplingRate
	tc.Environment = cfg.Environment
	provider, err := tracing.Init(ctx, tc)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}

	return log, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
		_ = log.Sync()
	}, nil
}

// Services holds the resolvers and typed clients for the remote services.
type Services struct {
	MediatorResolver *resolver.Resolver
	GuardianResolver *resolver.Resolver
	Mediator         *mediator.Client
	Guardian         *guardian.Client
}

func NewServices(cfg *config.Config, log *zap.Logger) (*Services, error) {
	mode, err := resolver.ParseMode(cfg.LatencyMode)
	if err != nil {
		return nil, err
	}
	mr, err := resolver.New("mediator", cfg.MediatorURLs, resolver.WithMode(mode), resolver.WithTimeout(cfg.RequestTimeout), resolver.WithLogger(log))
	if err != nil {
		return nil, err
	}
	gr, err := resolver.New("guardian", cfg.GuardianURLs, resolver.WithMode(mode), resolver.WithTimeout(cfg.RequestTimeout), resolver.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return &Services{
		MediatorResolver: mr,
		GuardianResolver: gr,
		Mediator:         mediator.New(gateway.New(mr, gateway.WithLogger(log), gateway.WithTimeout(cfg.RequestTimeout))),
		Guardian:         guardian.New(gateway.New(gr, gateway.WithLogger(log), gateway.WithTimeout(cfg.RequestTimeout))),
	}, nil
}

// RecordStore opens the configured election record destination.
func RecordStore(ctx context.Context, cfg *config.Config) (storage.RecordStore, error) {
	switch cfg.RecordStore {
	case "s3":
		return storage.NewS3RecordStore(ctx, storage.S3RecordStoreConfig{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	case "local", "":
		return storage.NewLocalRecordStore(cfg.RecordDir)
	}
	return nil, fmt.Errorf("unknown RECORD_STORE %q", cfg.RecordStore)
}
