package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

// FileStore keeps one JSON document per run in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes run atomically.
func (s *FileStore) Save(_ context.Context, run *models.IntegrationRun) error {
	if run == nil || run.ID == "" {
		return errors.New("save run: missing id")
	}
	if err := utils.WriteJSONAtomic(s.path(run.ID), run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads a run by ID.
func (s *FileStore) Get(_ context.Context, id string) (*models.IntegrationRun, error) {
	var run models.IntegrationRun
	if err := utils.ReadJSON(s.path(id), &run); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return &run, nil
}

// Recent reads every run file and returns the newest n. Unreadable files are
// skipped with a warning.
func (s *FileStore) Recent(ctx context.Context, n int) ([]models.IntegrationRun, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	runs := make([]models.IntegrationRun, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var run models.IntegrationRun
		if err := utils.ReadJSON(filepath.Join(s.dir, entry.Name()), &run); err != nil {
			s.logger.Warn("skipping unreadable run record", slog.String("file", entry.Name()), slog.Any("error", err))
			continue
		}
		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	if len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
