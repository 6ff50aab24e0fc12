package rotation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/catalog"
	"github.com/JakeFAU/newsstand/internal/clock/system"
	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/rotation"
	"github.com/JakeFAU/newsstand/internal/storage/memory"
)

var noonJan3 = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

func source(id string, minutes int) newsstand.Source {
	return newsstand.Source{
		ID:             id,
		Name:           id,
		DisplayMinutes: minutes,
		URL:            func(time.Time) (string, error) { return "https://example.com/" + id + ".pdf", nil },
	}
}

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		[]newsstand.Source{source("NYT", 60), source("WSJ", 30), source("WaPo", 0)},
		nil,
	)
	require.NoError(t, err)
	return c
}

func putReady(t *testing.T, store newsstand.CacheStore, date newsstand.DateKey, ids ...string) {
	t.Helper()
	for _, id := range ids {
		key := newsstand.ArtifactKey{Date: date, SourceID: id}
		require.NoError(t, store.Put(context.Background(), key, newsstand.KindDocument, strings.NewReader("pdf")))
		require.NoError(t, store.Put(context.Background(), key, newsstand.KindRaster, strings.NewReader("png")))
	}
}

func newSelector(t *testing.T, store newsstand.CacheStore, picker rotation.Picker) *rotation.Selector {
	t.Helper()
	return rotation.New(store, newCatalog(t), picker, system.NewFixed(noonJan3),
		rotation.Config{WindowDays: 3, DefaultDisplayMinutes: 45}, zap.NewNop())
}

func utcViewer(subs ...newsstand.Subscription) *newsstand.Viewer {
	return &newsstand.Viewer{ID: "v1", Timezone: "UTC", Location: time.UTC, Subscriptions: subs}
}

func TestSelectNextFirstNonEmptyDateWins(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-02", "NYT")
	putReady(t, store, "2024-01-01", "NYT")
	sel := newSelector(t, store, rotation.NewRandomPicker(1))

	viewer := utcViewer(
		newsstand.Subscription{SourceID: "NYT"},
		newsstand.Subscription{SourceID: "WSJ"},
	)
	got, err := sel.SelectNext(context.Background(), viewer, "")
	require.NoError(t, err)
	assert.Equal(t, "NYT", got.Source.ID)
	assert.Equal(t, newsstand.DateKey("2024-01-02"), got.Date)
	assert.Equal(t, "2024-01-02/NYT.png", got.ImagePath)
	assert.Equal(t, 60, got.DisplayMinutes)
}

func TestSelectNextRepeatAvoidance(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-03", "NYT", "WSJ")
	sel := newSelector(t, store, rotation.NewRandomPicker(3))

	for i := 0; i < 20; i++ {
		got, err := sel.SelectNext(context.Background(), utcViewer(), "NYT")
		require.NoError(t, err)
		assert.Equal(t, "WSJ", got.Source.ID)
	}
}

func TestSelectNextReturnsPreviousWhenOnlyCandidate(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-01", "NYT")
	sel := newSelector(t, store, rotation.RoundRobinPicker{})

	got, err := sel.SelectNext(context.Background(), utcViewer(), "NYT")
	require.NoError(t, err)
	assert.Equal(t, "NYT", got.Source.ID)
}

func TestSelectNextWildcard(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-03", "WaPo")
	putReady(t, store, "2024-01-02", "NYT")
	sel := newSelector(t, store, rotation.RoundRobinPicker{})

	got, err := sel.SelectNext(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "WaPo", got.Source.ID)
	assert.Equal(t, newsstand.DateKey("2024-01-03"), got.Date)
	assert.Equal(t, 45, got.DisplayMinutes, "falls back to the configured default")
}

func TestSelectNextWildcardUsesEarliestZone(t *testing.T) {
	t.Parallel()

	// 12:00 UTC on Jan 3 is already Jan 4 at UTC+14.
	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-04", "NYT")
	putReady(t, store, "2024-01-01", "WSJ")
	sel := newSelector(t, store, rotation.RoundRobinPicker{})

	got, err := sel.SelectNext(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, newsstand.DateKey("2024-01-04"), got.Date)

	_, err = sel.SelectNext(context.Background(), utcViewer(newsstand.Subscription{SourceID: "NYT"}), "")
	require.ErrorIs(t, err, newsstand.ErrNotFound, "Jan 4 is in the future for a UTC viewer")
}

func TestSelectNextUnresolvableSubscriptionsAreWildcard(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-03", "WSJ")
	sel := newSelector(t, store, rotation.RoundRobinPicker{})

	got, err := sel.SelectNext(context.Background(), utcViewer(newsstand.Subscription{SourceID: "LAT"}), "")
	require.NoError(t, err)
	assert.Equal(t, "WSJ", got.Source.ID)
}

func TestSelectNextSubscriptionOverrideMinutes(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	putReady(t, store, "2024-01-03", "WSJ")
	sel := newSelector(t, store, rotation.RoundRobinPicker{})

	got, err := sel.SelectNext(context.Background(), utcViewer(newsstand.Subscription{SourceID: "WSJ", DisplayMinutes: 5}), "")
	require.NoError(t, err)
	assert.Equal(t, 5, got.DisplayMinutes)

	got, err = sel.SelectNext(context.Background(), utcViewer(newsstand.Subscription{SourceID: "WSJ"}), "")
	require.NoError(t, err)
	assert.Equal(t, 30, got.DisplayMinutes)
}

func TestSelectNextSkipsNonReadyAndOrphans(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	ctx := context.Background()
	// Raster without document, document without raster, orphan source id.
	require.NoError(t, store.Put(ctx, newsstand.ArtifactKey{Date: "2024-01-03", SourceID: "NYT"}, newsstand.KindRaster, strings.NewReader("png")))
	require.NoError(t, store.Put(ctx, newsstand.ArtifactKey{Date: "2024-01-03", SourceID: "WSJ"}, newsstand.KindDocument, strings.NewReader("pdf")))
	putReady(t, store, "2024-01-03", "Retired")
	putReady(t, store, "2024-01-02", "WaPo")
	sel := newSelector(t, store, rotation.RoundRobinPicker{})

	got, err := sel.SelectNext(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "WaPo", got.Source.ID)
	assert.Equal(t, newsstand.DateKey("2024-01-02"), got.Date)
}

func TestSelectNextNotFound(t *testing.T) {
	t.Parallel()

	store := memory.NewCacheStore()
	putReady(t, store, "2023-12-01", "NYT")
	sel := newSelector(t, store, nil)

	_, err := sel.SelectNext(context.Background(), utcViewer(), "")
	require.ErrorIs(t, err, newsstand.ErrNotFound)
}

type brokenStore struct{ *memory.CacheStore }

func (brokenStore) List(context.Context, newsstand.DateKey, newsstand.Kind) ([]string, error) {
	return nil, errors.New("disk on fire")
}

func TestSelectNextStoreError(t *testing.T) {
	t.Parallel()

	sel := newSelector(t, brokenStore{memory.NewCacheStore()}, nil)
	_, err := sel.SelectNext(context.Background(), nil, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, newsstand.ErrNotFound)
}
