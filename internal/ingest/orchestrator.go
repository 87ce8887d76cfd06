package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/correlate"
	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/normalize"
	"github.com/threatmeta/threatmeta/internal/observability"
	"github.com/threatmeta/threatmeta/internal/resolve"
	"github.com/threatmeta/threatmeta/internal/storage"
)

// Orchestrator fans sources out to goroutines and runs each source's
// batches through the normalize-resolve-correlate pipeline sequentially.
// A bad record is skipped and counted; a dead feed ends the source's sweep
// without affecting the others.
type Orchestrator struct {
	sources    []Source
	store      *storage.Store
	normalizer *normalize.Normalizer
	resolver   *resolve.Resolver
	correlator *correlate.Correlator
	metrics    *observability.Metrics
	logger     *zap.Logger
	interval   time.Duration
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	sources []Source,
	store *storage.Store,
	normalizer *normalize.Normalizer,
	resolver *resolve.Resolver,
	correlator *correlate.Correlator,
	metrics *observability.Metrics,
	logger *zap.Logger,
	interval time.Duration,
) *Orchestrator {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Orchestrator{
		sources:    sources,
		store:      store,
		normalizer: normalizer,
		resolver:   resolver,
		correlator: correlator,
		metrics:    metrics,
		logger:     logger,
		interval:   interval,
	}
}

// Start runs an immediate sweep, then sweeps on the configured interval
// until the context is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.RunOnce(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every source once, concurrently, and waits for all to
// finish.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range o.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			o.runSource(ctx, src)
		}(src)
	}
	wg.Wait()
}

// runSource drains one source: fetch a batch, process every record, commit
// the cursor, repeat while the source reports more.
func (o *Orchestrator) runSource(ctx context.Context, src Source) {
	log := o.logger.With(zap.String("source", src.Name()))

	cursor, err := o.store.GetCursor(ctx, src.Name())
	if err != nil {
		log.Error("loading cursor failed", zap.Error(err))
		return
	}
	token := cursor.CursorToken

	for {
		if ctx.Err() != nil {
			return
		}

		fetchStart := time.Now()
		batch, err := src.FetchBatch(ctx, token)
		o.metrics.FeedFetchSeconds.WithLabelValues(src.Name()).Observe(time.Since(fetchStart).Seconds())
		if err != nil {
			if errors.Is(err, diamond.ErrFeedUnavailable) {
				log.Warn("feed unavailable, will retry next sweep", zap.Error(err))
			} else {
				log.Error("fetch failed", zap.Error(err))
			}
			return
		}

		if len(batch.Records) == 0 {
			log.Warn("feed returned zero records")
		}

		processed, skipped := 0, 0
		for _, rec := range batch.Records {
			if ctx.Err() != nil {
				// Cancelled mid-batch: the cursor stays at the previous
				// commit and the batch replays next run.
				return
			}
			if err := o.processRecord(ctx, src, rec); err != nil {
				skipped++
				o.metrics.RecordsSkipped.WithLabelValues(src.Name(), skipReason(err)).Inc()
				log.Warn("skipping record", zap.Error(err))
				continue
			}
			processed++
			o.metrics.RecordsIngested.WithLabelValues(src.Name()).Inc()
		}

		if err := o.store.SetCursor(ctx, src.Name(), batch.NextCursor, time.Now().UTC()); err != nil {
			log.Error("committing cursor failed", zap.Error(err))
			return
		}

		log.Info("batch committed",
			zap.Int("processed", processed),
			zap.Int("skipped", skipped),
			zap.Bool("has_more", batch.HasMore))

		token = batch.NextCursor
		if !batch.HasMore {
			return
		}
	}
}

// processRecord runs one record through the pipeline. Any failure skips
// just this record.
func (o *Orchestrator) processRecord(ctx context.Context, src Source, rec normalize.RawRecord) error {
	obs, err := o.normalizer.Normalize(rec)
	if err != nil {
		return err
	}

	resolved, err := o.resolver.Observation(ctx, obs)
	if err != nil {
		return err
	}

	_, err = o.correlator.Record(ctx, obs, resolved, src.Tier())
	return err
}

// skipReason buckets record failures for the skip counter.
func skipReason(err error) string {
	switch {
	case errors.Is(err, diamond.ErrMalformedRecord):
		return "malformed"
	case errors.Is(err, diamond.ErrInvalidEntityKey):
		return "invalid_key"
	case errors.Is(err, diamond.ErrResolutionConflict):
		return "conflict"
	case errors.Is(err, diamond.ErrIncompleteEvent):
		return "incomplete"
	case errors.Is(err, diamond.ErrReferentialIntegrity):
		return "integrity"
	default:
		return "other"
	}
}
