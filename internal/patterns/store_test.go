package patterns

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	return Paths{
		Custom: filepath.Join(dir, "patterns.json"),
		Stats:  filepath.Join(dir, "pattern-stats.json"),
		Matrix: filepath.Join(dir, "correlation-matrix.json"),
	}
}

func customPattern(id string) models.ErrorPattern {
	return models.ErrorPattern{
		ID:       id,
		Matcher:  models.Matcher{Keywords: []string{"flaky widget"}},
		Category: models.ErrorTypeTest,
		Severity: models.SeverityLow,
		Solutions: []models.Solution{
			{Strategy: "quarantine", Confidence: 0.5, Steps: []string{"Move the test to the quarantine suite"}},
		},
		BaselineConfidence: 0.5,
	}
}

func TestLoadWithoutFilesUsesBuiltins(t *testing.T) {
	store := NewStore(utils.DiscardLogger(), testPaths(t))
	loaded := store.Load()

	assert.Equal(t, 0, loaded)
	assert.Equal(t, len(Builtins()), store.Len())
	p, ok := store.Get("build-timeout")
	require.True(t, ok)
	assert.True(t, p.AutoRecoverable)
	assert.Equal(t, "build-timeout", p.RecoveryProcedureRef)
}

func TestLoadCorruptFileFallsBackToBuiltins(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.WriteFile(paths.Custom, []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(paths.Stats, []byte("[]"), 0o644))

	store := NewStore(utils.DiscardLogger(), paths)
	assert.Equal(t, 0, store.Load())
	assert.Equal(t, len(Builtins()), store.Len())
}

func TestBuiltinsAreValid(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range Builtins() {
		require.NoError(t, Validate(p), p.ID)
		assert.False(t, seen[p.ID], "duplicate builtin %s", p.ID)
		seen[p.ID] = true
	}
}

func TestAddValidatesAndPersists(t *testing.T) {
	paths := testPaths(t)
	store := NewStore(utils.DiscardLogger(), paths)
	store.Load()

	err := store.Add(customPattern("build-timeout"))
	assert.ErrorIs(t, err, ErrDuplicatePattern)

	noMatcher := customPattern("no-matcher")
	noMatcher.Matcher = models.Matcher{}
	assert.ErrorIs(t, store.Add(noMatcher), ErrInvalidPattern)

	badRegex := customPattern("bad-regex")
	badRegex.Matcher = models.Matcher{Regex: "("}
	assert.ErrorIs(t, store.Add(badRegex), ErrInvalidPattern)

	noSolutions := customPattern("no-solutions")
	noSolutions.Solutions = nil
	assert.ErrorIs(t, store.Add(noSolutions), ErrInvalidPattern)

	require.NoError(t, store.Add(customPattern("flaky-widget")))
	assert.ErrorIs(t, store.Add(customPattern("flaky-widget")), ErrDuplicatePattern)

	reopened := NewStore(utils.DiscardLogger(), paths)
	assert.Equal(t, 1, reopened.Load())
	p, ok := reopened.Get("flaky-widget")
	require.True(t, ok)
	assert.True(t, p.Custom)
}

func TestAllReturnsIsolatedSnapshot(t *testing.T) {
	store := NewStore(utils.DiscardLogger(), Paths{})
	store.Load()

	snapshot := store.All()
	snapshot[0].Solutions[0].Strategy = "mutated"
	snapshot[0].Occurrences = 99

	fresh := store.All()
	assert.NotEqual(t, "mutated", fresh[0].Solutions[0].Strategy)
	assert.Equal(t, 0, fresh[0].Occurrences)
}

func TestRecordMatchIsMonotonic(t *testing.T) {
	store := NewStore(utils.DiscardLogger(), Paths{})
	store.Load()

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, store.RecordMatch("build-timeout", models.ErrorTypeBuild, later))
	require.NoError(t, store.RecordMatch("build-timeout", models.ErrorTypeBuild, earlier))

	p, _ := store.Get("build-timeout")
	assert.Equal(t, 2, p.Occurrences)
	require.NotNil(t, p.LastSeen)
	assert.True(t, p.LastSeen.Equal(later))

	cell := store.Matrix()["build-build"]
	assert.Equal(t, 2, cell.Count)
	assert.Equal(t, []string{"build-timeout"}, cell.PatternIDs)

	assert.ErrorIs(t, store.RecordMatch("nope", models.ErrorTypeBuild, later), ErrUnknownPattern)
	assert.ErrorIs(t, store.RecordResolution("nope"), ErrUnknownPattern)
}

func TestSaveAndLoadStatistics(t *testing.T) {
	paths := testPaths(t)
	store := NewStore(utils.DiscardLogger(), paths)
	store.Load()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordMatch("port-in-use", models.ErrorTypeNetwork, now))
	require.NoError(t, store.RecordResolution("port-in-use"))
	require.NoError(t, store.Save())

	reopened := NewStore(utils.DiscardLogger(), paths)
	reopened.Load()
	p, ok := reopened.Get("port-in-use")
	require.True(t, ok)
	assert.Equal(t, 1, p.Occurrences)
	assert.Equal(t, 1, p.ResolvedCount)
	assert.Equal(t, 1, reopened.Matrix()["network-network"].Count)
}

func TestReloadKeepsStatistics(t *testing.T) {
	paths := testPaths(t)
	store := NewStore(utils.DiscardLogger(), paths)
	store.Load()
	require.NoError(t, store.Add(customPattern("flaky-widget")))
	require.NoError(t, store.RecordMatch("flaky-widget", models.ErrorTypeTest, time.Now()))

	second := customPattern("slow-widget")
	second.Matcher = models.Matcher{Keywords: []string{"slow widget"}}
	require.NoError(t, utils.WriteJSONAtomic(paths.Custom, []models.ErrorPattern{customPattern("flaky-widget"), second}))

	loaded, err := store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	p, ok := store.Get("flaky-widget")
	require.True(t, ok)
	assert.Equal(t, 1, p.Occurrences)
	_, ok = store.Get("slow-widget")
	assert.True(t, ok)
	assert.Equal(t, len(Builtins())+2, store.Len())
}

func TestWatchReloadsOnChange(t *testing.T) {
	paths := testPaths(t)
	store := NewStore(utils.DiscardLogger(), paths)
	store.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 4)
	require.NoError(t, store.Watch(ctx, func(loaded int, err error) {
		if err == nil {
			reloaded <- loaded
		}
	}))

	require.NoError(t, utils.WriteJSONAtomic(paths.Custom, []models.ErrorPattern{customPattern("flaky-widget")}))

	select {
	case n := <-reloaded:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("expected reload after file change")
	}
	_, ok := store.Get("flaky-widget")
	assert.True(t, ok)
}
