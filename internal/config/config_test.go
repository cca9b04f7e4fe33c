package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"titertrack/internal/blob"
	"titertrack/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default addr :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("expected default cache ttl 1h, got %s", cfg.CacheTTL)
	}
	if cfg.IdentityHeader != "X-Remote-User" {
		t.Fatalf("unexpected identity header %q", cfg.IdentityHeader)
	}
	if got := cfg.Storage().Driver; got != core.StorageSQLite {
		t.Fatalf("expected sqlite storage by default, got %q", got)
	}
	if got := cfg.Blob().Driver; got != blob.DriverNone {
		t.Fatalf("expected archiving disabled by default, got %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TITERTRACK_STORAGE_DRIVER", "postgres")
	t.Setenv("TITERTRACK_POSTGRES_DSN", "postgres://lab@db/titer")
	t.Setenv("TITERTRACK_BLOB_DRIVER", "s3")
	t.Setenv("TITERTRACK_S3_BUCKET", "reports")
	t.Setenv("TITERTRACK_S3_PATH_STYLE", "true")
	t.Setenv("TITERTRACK_CACHE_TTL", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	storage := cfg.Storage()
	if storage.Driver != core.StoragePostgres || storage.PostgresDSN != "postgres://lab@db/titer" {
		t.Fatalf("unexpected storage config %+v", storage)
	}
	archive := cfg.Blob()
	if archive.Driver != blob.DriverS3 || archive.S3.Bucket != "reports" || !archive.S3.PathStyle {
		t.Fatalf("unexpected blob config %+v", archive)
	}
	if cfg.CacheTTL != 15*time.Minute {
		t.Fatalf("expected 15m ttl, got %s", cfg.CacheTTL)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("TITERTRACK_CACHE_TTL", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := map[string]func(*Config){
		"postgres without dsn": func(c *Config) { c.StorageDriver = "postgres" },
		"unknown storage":      func(c *Config) { c.StorageDriver = "mongo" },
		"s3 without bucket":    func(c *Config) { c.BlobDriver = "s3" },
		"unknown blob":         func(c *Config) { c.BlobDriver = "ftp" },
		"zero ttl":             func(c *Config) { c.CacheTTL = 0 },
		"blank identity":       func(c *Config) { c.IdentityHeader = " " },
		"bad level":            func(c *Config) { c.LogLevel = "loud" },
		"bad format":           func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Config{LogLevel: "warn", LogFormat: "text"}
	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "sample_id", "S-1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "sample_id=S-1") {
		t.Fatalf("expected text handler output, got %s", out)
	}

	cfg.LogFormat = "json"
	buf.Reset()
	cfg.NewLogger(&buf).Error("boom")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json output, got %s", buf.String())
	}
}
