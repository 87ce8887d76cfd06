package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/normalize"
	"github.com/threatmeta/threatmeta/internal/observability"
	"github.com/threatmeta/threatmeta/internal/storage"
)

func newTestResolver(t *testing.T) (*Resolver, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return New(store, metrics, zap.NewNop(), 3), store
}

func TestResolveFullObservation(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()
	observed := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)

	obs := &normalize.Observation{
		Source:     "otx",
		ObservedAt: observed,
		Infrastructure: []normalize.InfrastructureDraft{
			{Type: diamond.IndicatorIP, Value: "203.0.113.10", Description: "C2"},
		},
		Adversary:  &normalize.AdversaryDraft{Name: "APT28", Aliases: []string{"Fancy Bear"}},
		Capability: &normalize.CapabilityDraft{Name: "Zebrocy", Type: diamond.CapabilityMalware},
		Victim:     &normalize.VictimDraft{Name: "Government", Sector: "government"},
	}

	resolved, err := r.Observation(ctx, obs)
	require.NoError(t, err)
	require.Len(t, resolved.Infrastructure, 1)
	assert.True(t, resolved.Infrastructure[0].Created)
	assert.NotEmpty(t, resolved.AdversaryID)
	assert.NotEmpty(t, resolved.CapabilityID)
	assert.NotEmpty(t, resolved.VictimID)

	adv, err := store.GetAdversaryByName(ctx, "fancy bear")
	require.NoError(t, err)
	assert.Equal(t, resolved.AdversaryID, adv.ID)
}

func TestResolveIsIdempotent(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)

	obs := &normalize.Observation{
		Source:     "feodotracker",
		ObservedAt: t1,
		Infrastructure: []normalize.InfrastructureDraft{
			{Type: diamond.IndicatorIP, Value: "198.51.100.7"},
		},
	}

	first, err := r.Observation(ctx, obs)
	require.NoError(t, err)

	obs.ObservedAt = t1.Add(time.Hour)
	second, err := r.Observation(ctx, obs)
	require.NoError(t, err)

	assert.Equal(t, first.Infrastructure[0].ID, second.Infrastructure[0].ID)
	assert.False(t, second.Infrastructure[0].Created)
	assert.Equal(t, t1, second.Infrastructure[0].FirstSeen)
	assert.Equal(t, t1.Add(time.Hour), second.Infrastructure[0].LastSeen)
}

func TestResolveInvalidEntityKey(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Observation(ctx, &normalize.Observation{
		ObservedAt: time.Now(),
		Adversary:  &normalize.AdversaryDraft{Name: "???"},
	})
	assert.ErrorIs(t, err, diamond.ErrInvalidEntityKey)

	_, err = r.Observation(ctx, &normalize.Observation{
		ObservedAt: time.Now(),
		Capability: &normalize.CapabilityDraft{Name: ""},
	})
	assert.ErrorIs(t, err, diamond.ErrInvalidEntityKey)
}

func TestConcurrentResolutionConverges(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()
	observed := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)

	obs := &normalize.Observation{
		Source:     "otx",
		ObservedAt: observed,
		Infrastructure: []normalize.InfrastructureDraft{
			{Type: diamond.IndicatorDomain, Value: "evil.example.com"},
		},
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := r.Observation(ctx, obs)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	inf, err := store.GetInfrastructure(ctx, diamond.IndicatorDomain, "evil.example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, inf.ID)
}
