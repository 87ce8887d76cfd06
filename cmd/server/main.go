// Command server runs the threatmeta ingestion pipeline and HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/api"
	"github.com/threatmeta/threatmeta/internal/config"
	"github.com/threatmeta/threatmeta/internal/correlate"
	"github.com/threatmeta/threatmeta/internal/ingest"
	"github.com/threatmeta/threatmeta/internal/mitre"
	"github.com/threatmeta/threatmeta/internal/normalize"
	"github.com/threatmeta/threatmeta/internal/observability"
	"github.com/threatmeta/threatmeta/internal/resolve"
	"github.com/threatmeta/threatmeta/internal/rules"
	"github.com/threatmeta/threatmeta/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	importCatalog := flag.Bool("import-catalog", true, "seed the technique catalog on startup")
	flag.Parse()

	if err := run(*configPath, *importCatalog); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, importCatalog bool) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	store, err := storage.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mapper := mitre.NewMapper(logger)
	if importCatalog {
		if err := mitre.NewImporter(store, logger).Import(ctx); err != nil {
			return fmt.Errorf("importing technique catalog: %w", err)
		}
	}
	if err := mapper.Reload(ctx, store); err != nil {
		return fmt.Errorf("loading technique catalog: %w", err)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
		defer cache.Close()
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, lookup cache disabled", zap.Error(err))
			cache = nil
		}
	}

	normalizer := normalize.New(logger)
	resolver := resolve.New(store, metrics, logger, cfg.Ingest.ResolveRetries)
	correlator := correlate.New(store, mapper, metrics, logger)
	lookup := correlate.NewLookup(store, cache, cfg.Redis.CacheTTL, metrics, logger)
	generator := rules.New(store)

	var sources []ingest.Source
	if cfg.Feeds.FeodoTracker.Enabled {
		sources = append(sources, ingest.NewFeodoSource(cfg.Feeds.FeodoTracker))
	}
	if cfg.Feeds.OTX.Enabled {
		sources = append(sources, ingest.NewOTXSource(cfg.Feeds.OTX))
	}
	if cfg.Feeds.MISP.Enabled {
		sources = append(sources, ingest.NewMISPSource(cfg.Feeds.MISP))
	}
	orchestrator := ingest.NewOrchestrator(sources, store, normalizer, resolver, correlator,
		metrics, logger, cfg.Ingest.Interval)

	server := api.New(cfg.Server, store, lookup, generator, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go orchestrator.Start(ctx)

	logger.Info("threatmeta started",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("feeds", cfg.EnabledFeeds()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
