package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpattn/billflow/internal/batch"
	"github.com/rpattn/billflow/internal/config"
	"github.com/rpattn/billflow/internal/db"
	"github.com/rpattn/billflow/internal/extraction"
	"github.com/rpattn/billflow/internal/httpapi"
	"github.com/rpattn/billflow/internal/ledger"
	"github.com/rpattn/billflow/internal/merge"
	"github.com/rpattn/billflow/internal/middleware"
	"github.com/rpattn/billflow/internal/queue"
	"github.com/rpattn/billflow/internal/repository"
	"github.com/rpattn/billflow/internal/worker"

	"github.com/rs/cors"
)

type backend struct {
	store  repository.BatchRepository
	queue  queue.Queue
	locker repository.Locker
	close  func()
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	extractor, err := newExtractor(cfg.Extraction)
	if err != nil {
		return err
	}

	orchestrator := merge.NewOrchestrator(ledger.NewExcelWriter(), merge.Options{
		Timeout:         cfg.Merge.Timeout,
		ReviewThreshold: cfg.Merge.ReviewThreshold,
	})

	pool := worker.NewPool(be.store, be.queue, extractor, orchestrator,
		worker.WithWorkers(cfg.Worker.Count),
		worker.WithFileConcurrency(cfg.Worker.FileConcurrency),
		worker.WithTaskTimeout(cfg.Worker.TaskTimeout),
		worker.WithDataDir(cfg.Storage.DataDir),
		worker.WithLocker(be.locker),
	)

	service := batch.NewService(be.store, be.queue,
		batch.WithDataDir(cfg.Storage.DataDir),
		batch.WithDefaultLedger(cfg.Merge.DefaultLedger),
	)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})

	api := httpapi.NewHandler(service, httpapi.WithReviewThreshold(cfg.Merge.ReviewThreshold))
	handler := corsHandler.Handler(middleware.LoggingMiddleware(
		middleware.DataLoaderMiddleware(be.store)(api),
	))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	poolErr := make(chan error, 1)
	go func() {
		poolErr <- pool.Run(workerCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting billflow server", "addr", cfg.Server.Addr, "store", cfg.Store.Driver, "extractor", cfg.Extraction.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-poolErr:
		// The queue failing is fatal: no task could be persisted or leased.
		if err != nil {
			slog.Error("worker pool stopped", "error", err)
			runErr = fmt.Errorf("worker pool: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server forced to shutdown", "error", err)
	}

	stopWorkers()
	select {
	case <-poolErr:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not stop before shutdown timeout")
	}

	slog.Info("server exited")
	return runErr
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.Store.Driver == "memory" {
		q := queue.NewMemoryQueue()
		return backend{
			store:  repository.NewMemoryBatchRepository(),
			queue:  q,
			locker: repository.NewKeyedMutex(),
			close:  q.Close,
		}, nil
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return backend{}, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.RunMigrations(cfg.Database); err != nil {
		conn.Close()
		return backend{}, fmt.Errorf("run migrations: %w", err)
	}
	return backend{
		store:  repository.NewBatchRepository(conn.Pool),
		queue:  queue.NewPostgresQueue(conn.Pool, cfg.Queue.PollInterval, cfg.Queue.Lease),
		locker: repository.NewAdvisoryLocker(conn.Pool),
		close:  conn.Close,
	}, nil
}

func newExtractor(cfg config.ExtractionConfig) (extraction.Extractor, error) {
	var inner extraction.Extractor
	switch cfg.Driver {
	case "tesseract":
		ocr, err := extraction.NewOCR(cfg.Languages...)
		if err != nil {
			return nil, fmt.Errorf("init ocr extractor: %w", err)
		}
		inner = ocr
	default:
		inner = extraction.NewHTTPExtractor(cfg.URL, cfg.Timeout)
	}
	return extraction.WithTimeout(inner, cfg.Timeout), nil
}
