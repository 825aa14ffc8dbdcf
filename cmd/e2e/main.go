// Command e2e runs one election end to end against the configured mediator
// and guardian services, without the queue or database, and writes the
// election record under RECORD_DIR.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "egcoord/configs"
	"egcoord/cmd/internal/bootstrap"
	"egcoord/pkg/coordinator"
	"egcoord/pkg/manifest"
	"egcoord/pkg/models"
	"egcoord/pkg/record"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "", "manifest JSON file (default: built-in test election)")
		ballots      = flag.Int("ballots", 10, "fake ballots per style")
		guardians    = flag.Int("guardians", 5, "number of guardians")
		quorum       = flag.Int("quorum", 3, "decryption quorum")
	)
	flag.Parse()

	cfg := config.LoadConfig()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, flush, err := bootstrap.Init(ctx, cfg, "e2e")
	if err != nil {
		panic(err)
	}
	defer flush()

	if err := run(ctx, cfg, log, *manifestPath, *ballots, *guardians, *quorum); err != nil {
		log.Error("Election failed", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, manifestPath string, perStyle, guardians, quorum int) error {
	var raw json.RawMessage
	if manifestPath != "" {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return err
		}
		raw = data
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return err
	}
	policy, err := models.NewGuardianSetPolicy(guardians, quorum)
	if err != nil {
		return err
	}

	services, err := bootstrap.NewServices(cfg, log)
	if err != nil {
		return err
	}
	c, err := coordinator.New(m, policy, m.ElectionScopeID, coordinator.Config{
		Mediator:         services.Mediator,
		Guardians:        services.Guardian,
		EncryptBatchSize: cfg.EncryptBatchSize,
		DecryptBatchSize: cfg.DecryptBatchSize,
		TallyBatchSize:   cfg.TallyBatchSize,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	rec, err := c.Run(ctx, manifest.FakeBallots(m, perStyle), nil)
	if err != nil {
		return err
	}

	store, err := bootstrap.RecordStore(ctx, cfg)
	if err != nil {
		return err
	}
	prefix := "e2e/" + uuid.NewString()
	n, err := record.Export(ctx, store, prefix, rec)
	if err != nil {
		return err
	}
	log.Info("Election record written", zap.Int("files", n), zap.String("uri", store.URI(prefix)))

	out, err := json.MarshalIndent(rec.Tally, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
