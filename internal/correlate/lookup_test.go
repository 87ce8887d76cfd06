package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/observability"
	"github.com/threatmeta/threatmeta/internal/storage"
)

func seedLookupStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertMitreMapping(ctx, diamond.MitreMapping{TID: "T1566", TechniqueName: "Phishing"}))
	require.NoError(t, store.UpsertMitreMapping(ctx, diamond.MitreMapping{TID: "T1059", TechniqueName: "Command and Scripting Interpreter"}))

	adv, err := store.UpsertAdversary(ctx, "APT28", "", nil, now)
	require.NoError(t, err)
	inf, err := store.UpsertInfrastructure(ctx, diamond.IndicatorIP, "203.0.113.10", "C2", now)
	require.NoError(t, err)

	_, err = store.InsertEvent(ctx, &diamond.Event{
		EventTime: now, AdversaryID: adv.ID, InfrastructureID: inf.ID, ConfidenceScore: 0.9,
	})
	require.NoError(t, err)
	_, err = store.InsertEvent(ctx, &diamond.Event{
		EventTime: now, AdversaryID: adv.ID, MitreTID: "T1566", ConfidenceScore: 1.0,
	})
	require.NoError(t, err)
	_, err = store.InsertEvent(ctx, &diamond.Event{
		EventTime: now, AdversaryID: adv.ID, MitreTID: "T1059", ConfidenceScore: 1.0,
	})
	require.NoError(t, err)
	return store
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func TestLookupKnownIndicator(t *testing.T) {
	store := seedLookupStore(t)
	l := NewLookup(store, nil, time.Minute, newTestMetrics(), zap.NewNop())

	result, err := l.Query(context.Background(), LookupRequest{Indicator: "203.0.113.10"})
	require.NoError(t, err)
	assert.True(t, result.Known)
	require.Len(t, result.Attributions, 1)
	assert.Equal(t, "APT28", result.Attributions[0].Adversary)
	assert.Equal(t, "direct", result.Attributions[0].Basis)
	assert.InDelta(t, 0.9, result.Attributions[0].Score, 1e-9)
}

func TestLookupUnknownIndicatorTTPOverlap(t *testing.T) {
	store := seedLookupStore(t)
	l := NewLookup(store, nil, time.Minute, newTestMetrics(), zap.NewNop())

	result, err := l.Query(context.Background(), LookupRequest{
		Indicator: "10.99.99.99",
		TTPs:      []string{"T1566", "T1059", "T1999"},
	})
	require.NoError(t, err)
	assert.False(t, result.Known)
	require.Len(t, result.Attributions, 1)
	assert.Equal(t, "APT28", result.Attributions[0].Adversary)
	assert.Equal(t, "ttp_overlap", result.Attributions[0].Basis)
	assert.InDelta(t, 2.0/3.0, result.Attributions[0].Score, 1e-9)
}

func TestLookupUnknownNoTTPs(t *testing.T) {
	store := seedLookupStore(t)
	l := NewLookup(store, nil, time.Minute, newTestMetrics(), zap.NewNop())

	result, err := l.Query(context.Background(), LookupRequest{Indicator: "10.99.99.99"})
	require.NoError(t, err)
	assert.False(t, result.Known)
	assert.Empty(t, result.Attributions)
}

func TestLookupRequiresIndicator(t *testing.T) {
	store := seedLookupStore(t)
	l := NewLookup(store, nil, time.Minute, newTestMetrics(), zap.NewNop())

	_, err := l.Query(context.Background(), LookupRequest{Indicator: "  "})
	assert.Error(t, err)
}

func TestLookupCaching(t *testing.T) {
	store := seedLookupStore(t)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	metrics := newTestMetrics()
	l := NewLookup(store, cache, time.Minute, metrics, zap.NewNop())
	ctx := context.Background()

	first, err := l.Query(ctx, LookupRequest{Indicator: "203.0.113.10"})
	require.NoError(t, err)
	second, err := l.Query(ctx, LookupRequest{Indicator: "203.0.113.10"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The key is present with the configured TTL; expiry forces a refetch.
	assert.True(t, mr.Exists("lookup:203.0.113.10"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("lookup:203.0.113.10"))

	third, err := l.Query(ctx, LookupRequest{Indicator: "203.0.113.10"})
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestLookupCacheKeyIncludesTTPs(t *testing.T) {
	store := seedLookupStore(t)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	l := NewLookup(store, cache, time.Minute, newTestMetrics(), zap.NewNop())
	ctx := context.Background()

	_, err := l.Query(ctx, LookupRequest{Indicator: "10.99.99.99", TTPs: []string{"T1566"}})
	require.NoError(t, err)
	_, err = l.Query(ctx, LookupRequest{Indicator: "10.99.99.99"})
	require.NoError(t, err)

	assert.True(t, mr.Exists("lookup:10.99.99.99:T1566"))
	assert.True(t, mr.Exists("lookup:10.99.99.99"))
}
