// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Remote services
	MediatorURLs   []string
	GuardianURLs   []string
	RequestTimeout time.Duration
	LatencyMode    string

	// Batching and concurrency
	EncryptBatchSize  int
	DecryptBatchSize  int
	TallyBatchSize    int
	WorkerConcurrency int
	RunTimeout        time.Duration

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CheckpointTTL time.Duration

	EtcdEndpoints     []string
	LeaderElectionTTL int

	RecordStore       string // local or s3
	RecordDir         string
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	OTELEnabled      bool
	OTELEndpoint     string
	OTELSamplingRate float64
	Environment      string

	LogLevel    string
	LogEncoding string

	APIPort   string
	JWTSecret string

	ProbeSchedule     string
	SchedulerInterval time.Duration
}

func LoadConfig() *Config {
	return &Config{
		MediatorURLs:   getEnvAsList("MEDIATOR_URLS", "http://localhost:8000"),
		GuardianURLs:   getEnvAsList("GUARDIAN_URLS", "http://localhost:8001"),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		LatencyMode:    getEnv("LATENCY_MODE", "skip"),

		EncryptBatchSize:  getEnvAsInt("ENCRYPT_BATCH_SIZE", 50),
		DecryptBatchSize:  getEnvAsInt("DECRYPT_BATCH_SIZE", 50),
		TallyBatchSize:    getEnvAsInt("TALLY_BATCH_SIZE", 50),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		RunTimeout:        getEnvAsDuration("RUN_TIMEOUT", 30*time.Minute),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "egcoord"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "egcoord"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		CheckpointTTL: getEnvAsDuration("REDIS_CHECKPOINT_TTL", 0),

		EtcdEndpoints:     getEnvAsList("ETCD_ENDPOINTS", "localhost:2379"),
		LeaderElectionTTL: getEnvAsInt("LEADER_ELECTION_TTL", 15),

		RecordStore:       getEnv("RECORD_STORE", "local"),
		RecordDir:         getEnv("RECORD_DIR", "./records"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", "elections"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),

		OTELEnabled:      getEnvAsBool("OTEL_ENABLED", false),
		OTELEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTELSamplingRate: getEnvAsFloat("OTEL_SAMPLING_RATE", 1.0),
		Environment:      getEnv("ENVIRONMENT", "development"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		APIPort:   getEnv("API_PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		ProbeSchedule:     getEnv("PROBE_SCHEDULE", "@every 5m"),
		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", 10*time.Second),
	}
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func (c *Config) RedisAddr() string { return c.RedisHost + ":" + c.RedisPort }

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

// getEnvAsList splits on ';' or ',' and drops empty entries.
func getEnvAsList(key, fallback string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(getEnv(key, fallback), func(r rune) bool { return r == ';' || r == ',' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
