package learning

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

// Queue is the durable append-only log of errors that matched no known pattern.
// Entries are never rewritten; each append replaces the file atomically.
type Queue struct {
	mu      sync.Mutex
	logger  *slog.Logger
	path    string
	now     func() time.Time
	loaded  bool
	entries []models.LearningQueueEntry
}

// NewQueue constructs a queue persisted at path. An empty path keeps entries in memory.
func NewQueue(logger *slog.Logger, path string) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{logger: logger, path: path, now: time.Now}
}

// Append records info for review and returns the stored entry.
func (q *Queue) Append(info models.ErrorInfo) (models.LearningQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.loadLocked()
	entry := models.LearningQueueEntry{
		Timestamp:   q.now().UTC(),
		ErrorInfo:   info,
		NeedsReview: true,
		Signature:   Signature(info.Message),
	}
	next := append(q.entries[:len(q.entries):len(q.entries)], entry)
	if q.path != "" {
		if err := utils.WriteJSONAtomic(q.path, next); err != nil {
			return entry, fmt.Errorf("append learning entry: %w", err)
		}
	}
	q.entries = next
	return entry, nil
}

// Entries returns a copy of every queued entry in append order.
func (q *Queue) Entries() []models.LearningQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.loadLocked()
	return append([]models.LearningQueueEntry(nil), q.entries...)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.loadLocked()
	return len(q.entries)
}

// loadLocked reads the log once. A corrupt log is moved aside so appends can continue.
func (q *Queue) loadLocked() {
	if q.loaded {
		return
	}
	q.loaded = true
	if q.path == "" {
		return
	}
	var entries []models.LearningQueueEntry
	err := utils.ReadJSON(q.path, &entries)
	switch {
	case err == nil:
		q.entries = entries
	case errors.Is(err, fs.ErrNotExist):
	default:
		aside := fmt.Sprintf("%s.corrupt-%d", q.path, q.now().UnixNano())
		if renameErr := os.Rename(q.path, aside); renameErr != nil {
			q.logger.Warn("learning queue unreadable and could not be moved aside",
				slog.String("path", q.path), slog.Any("error", err), slog.Any("rename_error", renameErr))
			return
		}
		q.logger.Warn("learning queue unreadable, starting a new log",
			slog.String("path", q.path), slog.String("moved_to", aside), slog.Any("error", err))
	}
}
