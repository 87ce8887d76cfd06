package mitre

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/storage"
)

func TestImportIsIdempotent(t *testing.T) {
	store, err := storage.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	imp := NewImporter(store, zap.NewNop())
	require.NoError(t, imp.Import(ctx))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(seedTechniques), stats.Techniques)
	assert.Equal(t, len(seedGroups), stats.Adversaries)
	firstEvents := stats.Events
	assert.Greater(t, firstEvents, 0)

	// Re-running must not duplicate groups or knowledge-base events.
	require.NoError(t, imp.Import(ctx))
	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(seedGroups), stats.Adversaries)
	assert.Equal(t, firstEvents, stats.Events)
}

func TestImportSeedsAliases(t *testing.T) {
	store, err := storage.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, NewImporter(store, zap.NewNop()).Import(ctx))

	adv, err := store.GetAdversaryByName(ctx, "Fancy Bear")
	require.NoError(t, err)
	assert.Equal(t, "APT28", adv.Name)

	events, err := store.EventsForAdversary(ctx, adv.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, 1.0, ev.ConfidenceScore)
		assert.NotEmpty(t, ev.MitreTID)
	}
}

func TestImportedCatalogFeedsMapper(t *testing.T) {
	store, err := storage.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, NewImporter(store, zap.NewNop()).Import(ctx))

	m := NewMapper(zap.NewNop())
	require.NoError(t, m.Reload(ctx, store))

	tid, ok := m.Map("powershell stager observed")
	assert.True(t, ok)
	assert.Equal(t, "T1059.001", tid)
}
