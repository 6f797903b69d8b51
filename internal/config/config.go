// Package config loads process configuration from the environment and an
// optional .env file using Viper, and the tracked-type registry from YAML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/activitylog/internal/processor"
	"github.com/roach88/activitylog/internal/queue"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds process configuration loaded from the environment.
type Config struct {
	// StoreDriver selects the LogStore: sqlite or postgres.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	// DatabaseURL is the Postgres DSN; required for the postgres driver.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// HTTPAddr is the address the read API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// CORSOrigins is a comma-separated list of allowed origins.
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`

	// TrackedTypesFile is the YAML registry; empty uses the built-in registry.
	TrackedTypesFile string `mapstructure:"TRACKED_TYPES_FILE"`
	// SourceURLTemplate serves source capabilities the registry file does not define.
	SourceURLTemplate string `mapstructure:"SOURCE_URL_TEMPLATE"`

	QueueLanes  int           `mapstructure:"QUEUE_LANES"`
	JobAttempts int           `mapstructure:"JOB_ATTEMPTS"`
	JobBackoff  time.Duration `mapstructure:"JOB_BACKOFF"`

	ReaderTimeout   time.Duration `mapstructure:"READER_TIMEOUT"`
	StoreTimeout    time.Duration `mapstructure:"STORE_TIMEOUT"`
	ConflictRetries int           `mapstructure:"CONFLICT_RETRIES"`
	ConflictDelay   time.Duration `mapstructure:"CONFLICT_DELAY"`

	// ReconstructWindow bounds replay to the newest N records; 0 scans back
	// to the nearest checkpoint.
	ReconstructWindow int `mapstructure:"RECONSTRUCT_WINDOW"`

	// DateFormat is the Go layout of list from/to bounds.
	DateFormat string `mapstructure:"DATE_FORMAT"`
	// Timezone is the IANA zone list bounds are read in.
	Timezone string `mapstructure:"TIMEZONE"`

	// TelemetryExporter is none, stdout, prometheus or otlp.
	TelemetryExporter string `mapstructure:"TELEMETRY_EXPORTER"`
	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads envFile (".env" when empty; a missing default file is
// ignored), then builds and validates Config from the environment via
// Viper. Env vars override the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()

	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil && explicit {
		return nil, fmt.Errorf("config: read %s: %w", envFile, err)
	}

	v.AutomaticEnv()

	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "activitylog.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("CORS_ORIGINS", "")
	v.SetDefault("TRACKED_TYPES_FILE", "")
	v.SetDefault("SOURCE_URL_TEMPLATE", "")
	v.SetDefault("QUEUE_LANES", 4)
	v.SetDefault("JOB_ATTEMPTS", 3)
	v.SetDefault("JOB_BACKOFF", "1s")
	v.SetDefault("READER_TIMEOUT", "2s")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("CONFLICT_RETRIES", 3)
	v.SetDefault("CONFLICT_DELAY", "250ms")
	v.SetDefault("RECONSTRUCT_WINDOW", 0)
	v.SetDefault("DATE_FORMAT", "2006-01-02")
	v.SetDefault("TIMEZONE", "Asia/Ho_Chi_Minh")
	v.SetDefault("TELEMETRY_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and driver requirements.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("config: SQLITE_PATH must be set for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.QueueLanes < 1 {
		errs = append(errs, errors.New("config: QUEUE_LANES must be at least 1"))
	}
	if c.JobAttempts < 1 {
		errs = append(errs, errors.New("config: JOB_ATTEMPTS must be at least 1"))
	}
	if c.ConflictRetries < 0 {
		errs = append(errs, errors.New("config: CONFLICT_RETRIES must not be negative"))
	}
	if c.ReconstructWindow < 0 {
		errs = append(errs, errors.New("config: RECONSTRUCT_WINDOW must not be negative"))
	}
	if c.DateFormat == "" {
		errs = append(errs, errors.New("config: DATE_FORMAT must be set"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("config: TIMEZONE: %w", err))
	}
	switch c.TelemetryExporter {
	case "none", "stdout", "prometheus", "otlp":
	default:
		errs = append(errs, fmt.Errorf("config: unknown TELEMETRY_EXPORTER %q", c.TelemetryExporter))
	}
	return errors.Join(errs...)
}

// Location returns the configured zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CORSOriginList returns the allowed origins from the comma-separated config.
func (c *Config) CORSOriginList() []string {
	if c == nil || c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// JobPolicy is the delivery policy for ingestion jobs.
func (c *Config) JobPolicy() queue.Policy {
	return queue.Policy{
		Attempts:         c.JobAttempts,
		Backoff:          c.JobBackoff,
		RemoveOnComplete: true,
	}
}

// Processor returns the processor timing and retry budget.
func (c *Config) Processor() processor.Config {
	return processor.Config{
		ReaderTimeout:   c.ReaderTimeout,
		StoreTimeout:    c.StoreTimeout,
		ConflictRetries: c.ConflictRetries,
		ConflictDelay:   c.ConflictDelay,
	}
}
