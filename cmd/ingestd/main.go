// Command ingestd serves signed webhook ingestion, the dead-letter admin
// surface and queued CSV backfills over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-command"
	ingest "github.com/goliatone/go-ingest"
	"github.com/goliatone/go-ingest/adapters/gocommand"
	"github.com/goliatone/go-ingest/adapters/gologger"
	ingestprometheus "github.com/goliatone/go-ingest/adapters/prometheus"
	"github.com/goliatone/go-ingest/backfill"
	"github.com/goliatone/go-ingest/core"
	sqlstore "github.com/goliatone/go-ingest/store/sql"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(context.Background(), os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, getenv func(string) string) error {
	daemon, err := loadDaemonConfig(getenv)
	if err != nil {
		return err
	}
	raw, err := serviceRawConfig(getenv)
	if err != nil {
		return err
	}

	provider := newLoggerProvider(os.Stdout, daemon.LogLevel, daemon.LogPretty)
	logger := provider.GetLogger("ingestd")

	if err := os.MkdirAll(daemon.StagingDir, 0o750); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	client, err := sqlstore.OpenClient(sqlstore.ClientConfig{Driver: daemon.DBDriver, DSN: daemon.DBDSN})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := sqlstore.Migrate(ctx, client, daemon.DBDriver); err != nil {
		return err
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := ingestprometheus.NewRecorder(registry, ingestprometheus.WithErrorHandler(func(name string, err error) {
		logger.Warn("metric registration failed", "metric", name, "error", err.Error())
	}))

	processors := ingest.NewProcessorRouter()
	processors.SetFallback(core.EventProcessorFunc(func(ctx context.Context, event core.Event) error {
		logger.Info("event accepted",
			"delivery_id", event.DeliveryID,
			"event_type", event.EventType,
			"source", event.Source,
		)
		return nil
	}))

	jobs, err := newJobQueue(daemon.Queue, daemon.QueueCapacity, provider.GetLogger("ingestd.backfill"))
	if err != nil {
		return err
	}

	opts := gologger.ServiceOptions("ingest", provider, nil)
	opts = append(opts,
		ingest.WithConfigProvider(core.NewCfgxConfigProvider(core.StaticRawConfigLoader{Values: raw})),
		ingest.WithPersistenceClient(client),
		ingest.WithRepositoryFactory(factory),
		ingest.WithMetricsRecorder(recorder),
		ingest.WithEventProcessor(processors),
		ingest.WithJobEnqueuer(jobs.Enqueuer),
	)
	if daemon.CacheTTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = daemon.CacheTTL
		cacheService, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return fmt.Errorf("delivery cache: %w", err)
		}
		cached, err := sqlstore.NewCachedDeliveryStore(factory.DeliveryStore(), cacheService)
		if err != nil {
			return err
		}
		opts = append(opts, ingest.WithDeliveryStore(cached))
	}

	svc, err := ingest.Setup(ingest.DefaultConfig(), opts...)
	if err != nil {
		return err
	}
	if svc.Config().Signature.Secret == "" {
		logger.Warn("INGEST_SIGNATURE_SECRET is empty; every webhook will be rejected")
	}

	facade, err := ingest.NewFacade(svc)
	if err != nil {
		return err
	}
	commands := gocommand.NewRegistryAdapter(command.NewRegistry())
	subscriptions, err := gocommand.RegisterFacade(commands, facade)
	if err != nil {
		return err
	}
	defer subscriptions.Unsubscribe()
	if err := commands.Initialize(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := jobs.NewWorker(svc, backfill.FileSourceOpener{Dir: daemon.StagingDir})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = worker.Start(ctx)
	}()

	handler := newRouter(&server{
		service:    svc,
		facade:     facade,
		stagingDir: daemon.StagingDir,
		logger:     logger,
	}, registry)
	httpServer := &http.Server{
		Addr:              daemon.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", daemon.Addr, "driver", daemon.DBDriver, "queue", daemon.Queue)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workerDone
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), daemon.ShutdownGrace)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	stop()
	<-workerDone
	return err
}
