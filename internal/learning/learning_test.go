package learning

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

func TestQueueAppendIsDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning-queue.json")
	queue := NewQueue(utils.DiscardLogger(), path)

	entry, err := queue.Append(models.ErrorInfo{Message: "unrecognized xyz123 failure", Type: models.ErrorTypeUnknown, Source: "build"})
	require.NoError(t, err)
	assert.True(t, entry.NeedsReview)
	assert.NotEmpty(t, entry.Signature)

	_, err = queue.Append(models.ErrorInfo{Message: "another odd failure", Source: "e2e"})
	require.NoError(t, err)

	reopened := NewQueue(utils.DiscardLogger(), path)
	entries := reopened.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "unrecognized xyz123 failure", entries[0].ErrorInfo.Message)
	assert.Equal(t, "e2e", entries[1].ErrorInfo.Source)
}

func TestQueueMovesCorruptLogAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learning-queue.json")
	require.NoError(t, os.WriteFile(path, []byte("[{broken"), 0o644))

	queue := NewQueue(utils.DiscardLogger(), path)
	_, err := queue.Append(models.ErrorInfo{Message: "fresh failure"})
	require.NoError(t, err)
	assert.Equal(t, 1, queue.Len())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var aside bool
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "learning-queue.json.corrupt-") {
			aside = true
		}
	}
	assert.True(t, aside, "expected corrupt log to be preserved")
}

func TestSignatureCollapsesVariableParts(t *testing.T) {
	a := Signature("Widget 42 exploded in /app/src/widget.tsx")
	b := Signature("widget 7 exploded in /app/src/other/page.tsx")
	assert.Equal(t, a, b)
	assert.Equal(t, "widget <*> exploded in <*>", a)
	assert.Equal(t, "", Signature("   "))
}

type recordingSink struct {
	added []models.ErrorPattern
}

func (r *recordingSink) Add(p models.ErrorPattern) error {
	r.added = append(r.added, p)
	return nil
}

func TestMinerProposesRecurringSignatures(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	entries := []models.LearningQueueEntry{
		{Timestamp: now, ErrorInfo: models.ErrorInfo{Message: "Widget 42 exploded in /app/src/widget.tsx", Type: models.ErrorTypeTest, Severity: models.SeverityHigh, Source: "unit"}},
		{Timestamp: now.Add(time.Minute), ErrorInfo: models.ErrorInfo{Message: "Widget 9 exploded in /app/src/card.tsx", Type: models.ErrorTypeTest, Severity: models.SeverityHigh, Source: "e2e"}},
		{Timestamp: now, ErrorInfo: models.ErrorInfo{Message: "one-off glitch", Source: "unit"}},
	}

	sink := &recordingSink{}
	miner := NewMiner(utils.DiscardLogger(), sink, 2)
	candidates, err := miner.Mine(context.Background(), entries)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, 2, c.Occurrences)
	assert.Equal(t, []string{"e2e", "unit"}, c.Sources)
	assert.Equal(t, models.ErrorTypeTest, c.Pattern.Category)
	assert.Equal(t, models.SeverityHigh, c.Pattern.Severity)
	assert.True(t, c.LastSeen.Equal(now.Add(time.Minute)))
	assert.True(t, strings.HasPrefix(c.Pattern.ID, "learned-"))

	re := regexp.MustCompile(c.Pattern.Matcher.Regex)
	assert.True(t, re.MatchString("Widget 100 exploded in /srv/app/x.tsx"))
	require.Len(t, sink.added, 1)
}

func TestMinerWithoutSinkIsDryRun(t *testing.T) {
	miner := NewMiner(nil, nil, 0)
	candidates, err := miner.Mine(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
