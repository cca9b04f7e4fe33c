// Package config loads titertrack process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"titertrack/internal/blob"
	"titertrack/internal/core"
	"titertrack/internal/infra/blob/s3"
)

// Config holds every environment-driven setting of the titertrack server.
type Config struct {
	HTTPAddr        string        `env:"TITERTRACK_HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"TITERTRACK_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"TITERTRACK_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"TITERTRACK_LOG_FORMAT" envDefault:"json"`

	StorageDriver string `env:"TITERTRACK_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"TITERTRACK_SQLITE_PATH" envDefault:"titertrack.db"`
	PostgresDSN   string `env:"TITERTRACK_POSTGRES_DSN"`

	BlobDriver string `env:"TITERTRACK_BLOB_DRIVER"`
	BlobFSRoot string `env:"TITERTRACK_BLOB_FS_ROOT" envDefault:"archive"`
	S3Region   string `env:"TITERTRACK_S3_REGION" envDefault:"us-east-1"`
	S3Bucket   string `env:"TITERTRACK_S3_BUCKET"`
	S3Prefix   string `env:"TITERTRACK_S3_PREFIX"`
	S3Endpoint string `env:"TITERTRACK_S3_ENDPOINT"`
	S3Access   string `env:"TITERTRACK_S3_ACCESS_KEY_ID"`
	S3Secret   string `env:"TITERTRACK_S3_SECRET_ACCESS_KEY"`
	S3Session  string `env:"TITERTRACK_S3_SESSION_TOKEN"`
	S3Path     bool   `env:"TITERTRACK_S3_PATH_STYLE"`

	CacheTTL       time.Duration `env:"TITERTRACK_CACHE_TTL" envDefault:"1h"`
	IdentityHeader string        `env:"TITERTRACK_IDENTITY_HEADER" envDefault:"X-Remote-User"`

	ServiceName   string `env:"TITERTRACK_SERVICE_NAME" envDefault:"titertrack"`
	OTLPEndpoint  string `env:"TITERTRACK_OTLP_ENDPOINT"`
	EnableMetrics bool   `env:"TITERTRACK_METRICS_ENABLED" envDefault:"true"`
	EnableExpvar  bool   `env:"TITERTRACK_EXPVAR_ENABLED" envDefault:"false"`
	TraceStdout   bool   `env:"TITERTRACK_TRACE_STDOUT" envDefault:"false"`
}

// ParseEnv parses environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c Config) Validate() error {
	var errs []error
	switch core.StorageDriver(c.StorageDriver) {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("TITERTRACK_POSTGRES_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	switch blob.Driver(c.BlobDriver) {
	case blob.DriverNone, blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("TITERTRACK_S3_BUCKET is required for the s3 blob driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.BlobDriver))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive, got %s", c.CacheTTL))
	}
	if strings.TrimSpace(c.IdentityHeader) == "" {
		errs = append(errs, errors.New("identity header must not be empty"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Storage returns the entity store settings.
func (c Config) Storage() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.StorageDriver),
		SQLitePath:  c.SQLitePath,
		PostgresDSN: c.PostgresDSN,
	}
}

// Blob returns the report archive settings.
func (c Config) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.BlobDriver),
		FSRoot: c.BlobFSRoot,
		S3: s3.Config{
			Region:          c.S3Region,
			Bucket:          c.S3Bucket,
			Prefix:          c.S3Prefix,
			Endpoint:        c.S3Endpoint,
			AccessKeyID:     c.S3Access,
			SecretAccessKey: c.S3Secret,
			SessionToken:    c.S3Session,
			PathStyle:       c.S3Path,
		},
	}
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", raw, err)
	}
	return level, nil
}
