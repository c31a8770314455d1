package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFiles(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := DefaultConfig()
	if cfg.Server.Addr != want.Server.Addr || cfg.Store.Driver != "memory" || cfg.Worker.Count != want.Worker.Count {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Extraction.Timeout != 180*time.Second || cfg.Merge.Timeout != 2*time.Minute {
		t.Fatalf("unexpected timeouts: %+v %+v", cfg.Extraction, cfg.Merge)
	}
}

func TestLoad_FileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  addr: ":9090"
  cors_origins: ["https://ops.example.com"]
store:
  driver: postgres
database:
  host: db.internal
  port: 6543
worker:
  count: 5
merge:
  default_ledger: /ledgers/2026.xlsx
  timeout: 45s
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BILLFLOW_WORKER_COUNT", "7")
	t.Setenv("BILLFLOW_EXTRACTION_LANGUAGES", "deu,fra")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://ops.example.com" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Driver != "postgres" || cfg.Database.Host != "db.internal" || cfg.Database.Port != 6543 {
		t.Fatalf("unexpected store config: %+v %+v", cfg.Store, cfg.Database)
	}
	if cfg.Database.DBName != "billflow" {
		t.Fatalf("expected default dbname to survive, got %q", cfg.Database.DBName)
	}
	if cfg.Worker.Count != 7 {
		t.Fatalf("expected env override of worker.count, got %d", cfg.Worker.Count)
	}
	if len(cfg.Extraction.Languages) != 2 || cfg.Extraction.Languages[1] != "fra" {
		t.Fatalf("unexpected languages: %v", cfg.Extraction.Languages)
	}
	if cfg.Merge.DefaultLedger != "/ledgers/2026.xlsx" || cfg.Merge.Timeout != 45*time.Second {
		t.Fatalf("unexpected merge config: %+v", cfg.Merge)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BILLFLOW_STORAGE_DATA_DIR=/srv/billflow\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("BILLFLOW_STORAGE_DATA_DIR") })

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DataDir != "/srv/billflow" {
		t.Fatalf("expected data dir from .env, got %q", cfg.Storage.DataDir)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"store driver":      func(c *Config) { c.Store.Driver = "sqlite" },
		"extraction driver": func(c *Config) { c.Extraction.Driver = "cloud" },
		"extraction url":    func(c *Config) { c.Extraction.URL = " " },
		"worker count":      func(c *Config) { c.Worker.Count = 0 },
		"threshold":         func(c *Config) { c.Merge.ReviewThreshold = 1.5 },
		"data dir":          func(c *Config) { c.Storage.DataDir = "" },
		"lease below task timeout": func(c *Config) {
			c.Store.Driver = "postgres"
			c.Queue.Lease = 10 * time.Minute
			c.Worker.TaskTimeout = 30 * time.Minute
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	postgres := DefaultConfig()
	postgres.Store.Driver = "postgres"
	if err := postgres.Validate(); err != nil {
		t.Fatalf("default lease must outlast the default task timeout: %v", err)
	}
}
