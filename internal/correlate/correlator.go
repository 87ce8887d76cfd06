// Package correlate turns resolved observations into scored Diamond Model
// events and answers attribution lookups against the accumulated graph.
package correlate

import (
	"context"

	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/normalize"
	"github.com/threatmeta/threatmeta/internal/observability"
	"github.com/threatmeta/threatmeta/internal/resolve"
	"github.com/threatmeta/threatmeta/internal/storage"
)

// Base confidence by source tier. Unknown tiers score as unaudited.
const (
	confidenceConfirmed = 0.9
	confidenceCommunity = 0.6
	confidenceUnaudited = 0.4

	bonusAdversaryCapability = 0.1
	bonusTechnique           = 0.05
)

// techniqueMapper resolves free-form technique references to catalog TIDs.
type techniqueMapper interface {
	Map(ref string) (string, bool)
}

// Correlator writes one event per resolved indicator (or one per
// indicator-less observation), scored by source tier and entity completeness.
type Correlator struct {
	store   *storage.Store
	mapper  techniqueMapper
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New creates a correlator.
func New(store *storage.Store, mapper techniqueMapper, metrics *observability.Metrics, logger *zap.Logger) *Correlator {
	return &Correlator{store: store, mapper: mapper, metrics: metrics, logger: logger}
}

// Confidence computes the event confidence for a source tier and the
// presence flags. The score is clamped to 1.0.
func Confidence(tier string, hasAdversary, hasCapability, hasTechnique bool) float64 {
	score := confidenceUnaudited
	switch tier {
	case "confirmed":
		score = confidenceConfirmed
	case "community":
		score = confidenceCommunity
	}
	if hasAdversary && hasCapability {
		score += bonusAdversaryCapability
	}
	if hasTechnique {
		score += bonusTechnique
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Record inserts the events for one resolved observation and returns how
// many were written. An observation with no resolvable entity at all fails
// with ErrIncompleteEvent.
func (c *Correlator) Record(ctx context.Context, obs *normalize.Observation, res *resolve.Resolved, tier string) (int, error) {
	tid := c.resolveTechnique(obs)

	hasAdversary := res.AdversaryID != ""
	hasCapability := res.CapabilityID != ""
	confidence := Confidence(tier, hasAdversary, hasCapability, tid != "")

	base := diamond.Event{
		EventTime:       obs.ObservedAt,
		Description:     obs.Description,
		AdversaryID:     res.AdversaryID,
		CapabilityID:    res.CapabilityID,
		VictimID:        res.VictimID,
		MitreTID:        tid,
		ConfidenceScore: confidence,
	}

	if len(res.Infrastructure) == 0 {
		if !base.HasEntityRef() {
			return 0, diamond.ErrIncompleteEvent
		}
		ev := base
		if _, err := c.store.InsertEvent(ctx, &ev); err != nil {
			return 0, err
		}
		c.metrics.EventsCorrelated.WithLabelValues(obs.Source).Inc()
		return 1, nil
	}

	written := 0
	for _, inf := range res.Infrastructure {
		ev := base
		ev.InfrastructureID = inf.ID
		if _, err := c.store.InsertEvent(ctx, &ev); err != nil {
			return written, err
		}
		c.metrics.EventsCorrelated.WithLabelValues(obs.Source).Inc()
		written++
	}
	return written, nil
}

// resolveTechnique maps the observation's technique references through the
// catalog and returns the first that resolves. Unmapped references are
// normal and only logged at debug.
func (c *Correlator) resolveTechnique(obs *normalize.Observation) string {
	for _, ref := range obs.TechniqueRefs {
		if tid, ok := c.mapper.Map(ref); ok {
			return tid
		}
		c.logger.Debug("unmapped technique reference",
			zap.String("source", obs.Source),
			zap.String("ref", ref))
	}
	return ""
}
