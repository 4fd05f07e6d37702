package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/models"
)

// ErrRunNotFound is returned when a run ID is not in the history.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists integration runs for trend analysis.
type RunStore interface {
	Save(ctx context.Context, run *models.IntegrationRun) error
	Get(ctx context.Context, id string) (*models.IntegrationRun, error)
	// Recent returns up to n runs, newest first.
	Recent(ctx context.Context, n int) ([]models.IntegrationRun, error)
	Close() error
}

// Open builds the history backend selected in cfg.
func Open(cfg config.HistoryConfig, logger *slog.Logger) (RunStore, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path, logger)
	case "badger":
		return OpenBadgerStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
