// Package resolve deduplicates entity drafts into stored rows. Resolution is
// an upsert against the identity-key indexes; the resolver adds retry
// behavior and metrics on top of the store.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/normalize"
	"github.com/threatmeta/threatmeta/internal/observability"
	"github.com/threatmeta/threatmeta/internal/storage"
)

// Resolved carries the stored row IDs for one observation's entity drafts.
type Resolved struct {
	Infrastructure []storage.UpsertResult
	AdversaryID    string
	CapabilityID   string
	VictimID       string
}

// Resolver maps entity drafts onto stored rows.
type Resolver struct {
	store   *storage.Store
	metrics *observability.Metrics
	logger  *zap.Logger
	retries int
}

// New creates a resolver. retries bounds how many times a transient
// constraint conflict is retried before giving up.
func New(store *storage.Store, metrics *observability.Metrics, logger *zap.Logger, retries int) *Resolver {
	if retries < 1 {
		retries = 3
	}
	return &Resolver{store: store, metrics: metrics, logger: logger, retries: retries}
}

// Observation resolves every draft in obs, returning the stored IDs. Entity
// upserts are independent; a failure on one entity fails the whole record so
// the caller can skip it cleanly.
func (r *Resolver) Observation(ctx context.Context, obs *normalize.Observation) (*Resolved, error) {
	out := &Resolved{}

	for _, draft := range obs.Infrastructure {
		res, err := r.infrastructure(ctx, draft, obs.ObservedAt)
		if err != nil {
			return nil, err
		}
		out.Infrastructure = append(out.Infrastructure, *res)
	}

	if obs.Adversary != nil {
		res, err := r.adversary(ctx, *obs.Adversary, obs.ObservedAt)
		if err != nil {
			return nil, err
		}
		out.AdversaryID = res.ID
	}

	if obs.Capability != nil {
		if obs.Capability.Name == "" {
			return nil, fmt.Errorf("%w: capability name", diamond.ErrInvalidEntityKey)
		}
		res, err := r.retry(ctx, "capability", func() (*storage.UpsertResult, error) {
			return r.store.UpsertCapability(ctx, obs.Capability.Name, obs.Capability.Type, obs.Capability.Description)
		})
		if err != nil {
			return nil, err
		}
		out.CapabilityID = res.ID
	}

	if obs.Victim != nil {
		if obs.Victim.Name == "" {
			return nil, fmt.Errorf("%w: victim name", diamond.ErrInvalidEntityKey)
		}
		res, err := r.retry(ctx, "victim", func() (*storage.UpsertResult, error) {
			return r.store.UpsertVictim(ctx, obs.Victim.Name, obs.Victim.Sector, obs.Victim.Region, obs.Victim.Description)
		})
		if err != nil {
			return nil, err
		}
		out.VictimID = res.ID
	}

	return out, nil
}

func (r *Resolver) infrastructure(ctx context.Context, draft normalize.InfrastructureDraft, observedAt time.Time) (*storage.UpsertResult, error) {
	if draft.Value == "" {
		return nil, fmt.Errorf("%w: infrastructure value", diamond.ErrInvalidEntityKey)
	}
	return r.retry(ctx, "infrastructure", func() (*storage.UpsertResult, error) {
		return r.store.UpsertInfrastructure(ctx, draft.Type, draft.Value, draft.Description, observedAt)
	})
}

func (r *Resolver) adversary(ctx context.Context, draft normalize.AdversaryDraft, observedAt time.Time) (*storage.UpsertResult, error) {
	return r.retry(ctx, "adversary", func() (*storage.UpsertResult, error) {
		return r.store.UpsertAdversary(ctx, draft.Name, draft.Description, draft.Aliases, observedAt)
	})
}

// retry runs an upsert up to r.retries times. Constraint conflicts under
// concurrent resolution are transient: the second attempt lands on the row
// the other writer created and merges into it. Conflicts that survive all
// attempts surface as ErrResolutionConflict.
func (r *Resolver) retry(ctx context.Context, kind string, fn func() (*storage.UpsertResult, error)) (*storage.UpsertResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		res, err := fn()
		if err == nil {
			r.metrics.EntitiesResolved.WithLabelValues(kind, outcome(res.Created)).Inc()
			return res, nil
		}
		if errors.Is(err, diamond.ErrInvalidEntityKey) {
			return nil, err
		}
		if !isConflict(err) {
			return nil, err
		}
		lastErr = err
		r.logger.Debug("resolution conflict, retrying",
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: %s upsert failed after %d attempts: %v",
		diamond.ErrResolutionConflict, kind, r.retries, lastErr)
}

func isConflict(err error) bool {
	return storage.IsConstraintErr(err) ||
		(err != nil && strings.Contains(err.Error(), "database is locked"))
}

func outcome(created bool) string {
	if created {
		return "created"
	}
	return "merged"
}
