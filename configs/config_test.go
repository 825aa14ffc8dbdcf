package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, []string{"http://localhost:8000"}, cfg.MediatorURLs)
	assert.Equal(t, 50, cfg.EncryptBatchSize)
	assert.Equal(t, "local", cfg.RecordStore)
	assert.Equal(t, 10*time.Second, cfg.SchedulerInterval)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("MEDIATOR_URLS", "http://m1:8000; http://m2:8000;")
	t.Setenv("GUARDIAN_URLS", "http://g1:8001,http://g2:8001")
	t.Setenv("REQUEST_TIMEOUT", "5s")
	t.Setenv("TALLY_BATCH_SIZE", "7")
	t.Setenv("DECRYPT_BATCH_SIZE", "not-a-number")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("REDIS_HOST", "cache")

	cfg := LoadConfig()
	assert.Equal(t, []string{"http://m1:8000", "http://m2:8000"}, cfg.MediatorURLs)
	assert.Equal(t, []string{"http://g1:8001", "http://g2:8001"}, cfg.GuardianURLs)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 7, cfg.TallyBatchSize)
	assert.Equal(t, 50, cfg.DecryptBatchSize)
	assert.True(t, cfg.OTELEnabled)
	assert.Equal(t, "cache:6379", cfg.RedisAddr())
}
