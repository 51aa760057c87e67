package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"

	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
)

var validate = validator.New()

// AppConfig is the full configuration surface. Every value comes from the
// environment with a sensible default; invalid values are fatal at startup.
type AppConfig struct {
	// ScheduleInterval controls how often the scheduled trigger fires.
	// Wall-clock: the next tick is not delayed by a long previous run.
	ScheduleInterval time.Duration `validate:"gt=0"`

	// Fetch step policy.
	FetchTimeout       time.Duration `validate:"gt=0"`
	FetchRetries       int           `validate:"gte=1"` // total attempts including the first
	FetchRetryInterval time.Duration `validate:"gte=0"`

	// Settle delay window between fetch and materialize.
	SettleDelayMin time.Duration `validate:"gte=0"`
	SettleDelayMax time.Duration `validate:"gtefield=SettleDelayMin"`

	// Materialize step policy.
	MaterializeTimeout       time.Duration `validate:"gt=0"`
	MaterializeRetries       int           `validate:"gte=1"`
	MaterializeRetryInterval time.Duration `validate:"gte=0"`

	// StoreDriver selects the storage backend.
	StoreDriver string `validate:"oneof=memory sqlite"`
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`

	// Cities tracked by the producer.
	Cities []string `validate:"min=1"`

	Port     string
	LogLevel string `validate:"oneof=debug info warn error"`
}

// Policies converts the step knobs into orchestrator policies.
func (c *AppConfig) Policies() pipeline.Policies {
	return pipeline.Policies{
		Fetch: pipeline.RetryPolicy{
			Attempts: c.FetchRetries,
			Interval: c.FetchRetryInterval,
			Timeout:  c.FetchTimeout,
		},
		Materialize: pipeline.RetryPolicy{
			Attempts: c.MaterializeRetries,
			Interval: c.MaterializeRetryInterval,
			Timeout:  c.MaterializeTimeout,
		},
		SettleDelayMin: c.SettleDelayMin,
		SettleDelayMax: c.SettleDelayMax,
	}
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{
		StoreDriver: getenvDefault("STORE_DRIVER", "memory"),
		SQLitePath:  getenvDefault("SQLITE_PATH", "weather.db"),
		Port:        getenvDefault("PORT", "8080"),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		Cities:      splitList(getenvDefault("PIPELINE_LOCATIONS", "Paris")),

		FetchRetries:       getenvInt("FETCH_RETRIES", 3),
		MaterializeRetries: getenvInt("MATERIALIZE_RETRIES", 3),
	}

	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.ScheduleInterval, "SCHEDULE_INTERVAL", "60s"},
		{&cfg.FetchTimeout, "FETCH_TIMEOUT", "30s"},
		{&cfg.FetchRetryInterval, "FETCH_RETRY_INTERVAL", "2s"},
		{&cfg.SettleDelayMin, "SETTLE_DELAY_MIN", "20s"},
		{&cfg.SettleDelayMax, "SETTLE_DELAY_MAX", "30s"},
		{&cfg.MaterializeTimeout, "MATERIALIZE_TIMEOUT", "30s"},
		{&cfg.MaterializeRetryInterval, "MATERIALIZE_RETRY_INTERVAL", "2s"},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getenvDefault(d.key, d.def))
		if err != nil {
			return nil, eris.Wrapf(pipeline.ErrConfig, "invalid %s: %v", d.key, err)
		}
		*d.dst = v
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, eris.Wrapf(pipeline.ErrConfig, "%v", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}
