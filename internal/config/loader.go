package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/billflow/internal/db"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig
	Database   db.Config
	Store      StoreConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Extraction ExtractionConfig
	Merge      MergeConfig
	Storage    StorageConfig
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// StoreConfig selects the Batch Store backend: "memory" or "postgres".
type StoreConfig struct {
	Driver string
}

type QueueConfig struct {
	PollInterval time.Duration
	Lease        time.Duration
}

type WorkerConfig struct {
	Count           int
	FileConcurrency int
	TaskTimeout     time.Duration
}

// ExtractionConfig selects the extractor: "http" or "tesseract".
type ExtractionConfig struct {
	Driver    string
	URL       string
	Timeout   time.Duration
	Languages []string
}

type MergeConfig struct {
	Timeout         time.Duration
	DefaultLedger   string
	ReviewThreshold float64
}

type StorageConfig struct {
	DataDir string
}

// DefaultConfig returns settings for a single-process server on the memory store.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000"},
		},
		Database: db.DefaultConfig(),
		Store:    StoreConfig{Driver: "memory"},
		Queue: QueueConfig{
			PollInterval: 500 * time.Millisecond,
			Lease:        35 * time.Minute,
		},
		Worker: WorkerConfig{
			Count:           2,
			FileConcurrency: 4,
			TaskTimeout:     30 * time.Minute,
		},
		Extraction: ExtractionConfig{
			Driver:    "http",
			URL:       "http://localhost:8001",
			Timeout:   180 * time.Second,
			Languages: []string{"deu", "eng"},
		},
		Merge: MergeConfig{
			Timeout:         2 * time.Minute,
			ReviewThreshold: 0.8,
		},
		Storage: StorageConfig{DataDir: filepath.Join("outputs", "billflow")},
	}
}

// Load reads config.yaml from configPath (optional), then .env, then
// BILLFLOW_* environment variables, on top of DefaultConfig.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	envFile := filepath.Join(configPath, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("BILLFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		slog.Info("no config.yaml found, using defaults and env vars", "path", configPath)
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	cfg.Server = ServerConfig{
		Addr:            v.GetString("server.addr"),
		ReadTimeout:     v.GetDuration("server.read_timeout"),
		WriteTimeout:    v.GetDuration("server.write_timeout"),
		IdleTimeout:     v.GetDuration("server.idle_timeout"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		CORSOrigins:     stringList(v, "server.cors_origins"),
	}
	cfg.Database = db.Config{
		Host:     v.GetString("database.host"),
		Port:     v.GetInt("database.port"),
		User:     v.GetString("database.user"),
		Password: v.GetString("database.password"),
		DBName:   v.GetString("database.dbname"),
		SSLMode:  v.GetString("database.sslmode"),
		MaxConns: v.GetInt32("database.max_conns"),
	}
	cfg.Store.Driver = strings.ToLower(v.GetString("store.driver"))
	cfg.Queue = QueueConfig{
		PollInterval: v.GetDuration("queue.poll_interval"),
		Lease:        v.GetDuration("queue.lease"),
	}
	cfg.Worker = WorkerConfig{
		Count:           v.GetInt("worker.count"),
		FileConcurrency: v.GetInt("worker.file_concurrency"),
		TaskTimeout:     v.GetDuration("worker.task_timeout"),
	}
	cfg.Extraction = ExtractionConfig{
		Driver:    strings.ToLower(v.GetString("extraction.driver")),
		URL:       v.GetString("extraction.url"),
		Timeout:   v.GetDuration("extraction.timeout"),
		Languages: stringList(v, "extraction.languages"),
	}
	cfg.Merge = MergeConfig{
		Timeout:         v.GetDuration("merge.timeout"),
		DefaultLedger:   v.GetString("merge.default_ledger"),
		ReviewThreshold: v.GetFloat64("merge.review_threshold"),
	}
	cfg.Storage.DataDir = v.GetString("storage.data_dir")

	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	switch c.Extraction.Driver {
	case "http", "tesseract":
	default:
		return fmt.Errorf("extraction.driver must be http or tesseract, got %q", c.Extraction.Driver)
	}
	if c.Extraction.Driver == "http" && strings.TrimSpace(c.Extraction.URL) == "" {
		return errors.New("extraction.url is required for the http extractor")
	}
	if c.Store.Driver == "postgres" && c.Queue.Lease <= c.Worker.TaskTimeout {
		return fmt.Errorf("queue.lease (%s) must exceed worker.task_timeout (%s)", c.Queue.Lease, c.Worker.TaskTimeout)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count)
	}
	if c.Merge.ReviewThreshold < 0 || c.Merge.ReviewThreshold > 1 {
		return fmt.Errorf("merge.review_threshold must be within [0,1], got %v", c.Merge.ReviewThreshold)
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)

	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("queue.poll_interval", cfg.Queue.PollInterval)
	v.SetDefault("queue.lease", cfg.Queue.Lease)

	v.SetDefault("worker.count", cfg.Worker.Count)
	v.SetDefault("worker.file_concurrency", cfg.Worker.FileConcurrency)
	v.SetDefault("worker.task_timeout", cfg.Worker.TaskTimeout)

	v.SetDefault("extraction.driver", cfg.Extraction.Driver)
	v.SetDefault("extraction.url", cfg.Extraction.URL)
	v.SetDefault("extraction.timeout", cfg.Extraction.Timeout)
	v.SetDefault("extraction.languages", cfg.Extraction.Languages)

	v.SetDefault("merge.timeout", cfg.Merge.Timeout)
	v.SetDefault("merge.default_ledger", cfg.Merge.DefaultLedger)
	v.SetDefault("merge.review_threshold", cfg.Merge.ReviewThreshold)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
}

// stringList accepts both YAML lists and comma-separated env values.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
