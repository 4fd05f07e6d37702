package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

func sampleRun(i int, base time.Time) *models.IntegrationRun {
	return &models.IntegrationRun{
		ID:            fmt.Sprintf("run-%02d", i),
		Plan:          "quick",
		StartTime:     base.Add(time.Duration(i) * time.Minute),
		EndTime:       base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		OverallScore:  float64(i) / 10,
		OverallStatus: models.RunFailure,
	}
}

func exerciseStore(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Saved out of order on purpose.
	for _, i := range []int{3, 1, 4, 2, 5} {
		require.NoError(t, store.Save(ctx, sampleRun(i, base)))
	}

	got, err := store.Get(ctx, "run-04")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.OverallScore, 1e-9)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "run-05", recent[0].ID)
	assert.Equal(t, "run-04", recent[1].ID)
	assert.Equal(t, "run-03", recent[2].ID)

	updated := sampleRun(5, base)
	updated.OverallStatus = models.RunSuccess
	require.NoError(t, store.Save(ctx, updated))
	all, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, models.RunSuccess, all[0].OverallStatus)

	none, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	store, err := NewFileStore(dir, utils.DiscardLogger())
	require.NoError(t, err)
	exerciseStore(t, store)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0o644))
	recent, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 5)
}

func TestBadgerStoreInMemory(t *testing.T) {
	store, err := OpenBadgerStore("", utils.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(config.HistoryConfig{Backend: "badger", Path: dir}, utils.DiscardLogger())
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleRun(1, time.Now())))
	require.NoError(t, store.Close())

	store, err = Open(config.HistoryConfig{Backend: "badger", Path: dir}, utils.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	got, err := store.Get(context.Background(), "run-01")
	require.NoError(t, err)
	assert.Equal(t, "quick", got.Plan)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(config.HistoryConfig{Backend: "sqlite"}, nil)
	assert.Error(t, err)
}
