// Package observability provides logging and metrics for threatmeta.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/threatmeta/threatmeta/internal/config"
)

// NewLogger builds a zap logger from logging config.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	RecordsIngested  *prometheus.CounterVec // by source
	RecordsSkipped   *prometheus.CounterVec // by source, reason
	EntitiesResolved *prometheus.CounterVec // by kind, outcome (created|merged)
	EventsCorrelated *prometheus.CounterVec // by source
	FeedFetchSeconds *prometheus.HistogramVec
	LookupCacheHits  prometheus.Counter
	LookupCacheMiss  prometheus.Counter
}

// NewMetrics registers pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatmeta_records_ingested_total",
			Help: "Raw feed records processed successfully",
		}, []string{"source"}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatmeta_records_skipped_total",
			Help: "Raw feed records skipped by error class",
		}, []string{"source", "reason"}),
		EntitiesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatmeta_entities_resolved_total",
			Help: "Entity resolutions by kind and outcome",
		}, []string{"kind", "outcome"}),
		EventsCorrelated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatmeta_events_correlated_total",
			Help: "Diamond Model events inserted",
		}, []string{"source"}),
		FeedFetchSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatmeta_feed_fetch_seconds",
			Help:    "Feed batch fetch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		LookupCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatmeta_lookup_cache_hits_total",
			Help: "Attribution lookup cache hits",
		}),
		LookupCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatmeta_lookup_cache_misses_total",
			Help: "Attribution lookup cache misses",
		}),
	}
}
