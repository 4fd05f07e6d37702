package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/release-gate/internal/models"
)

const (
	runPrefix   = "run/"
	indexPrefix = "id/"
)

// BadgerStore keeps runs in badger, keyed by start time so iteration is chronological.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadgerStore opens a persistent store at path, or an in-memory one when path is empty.
func OpenBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create history dir %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func runKey(run *models.IntegrationRun) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", runPrefix, run.StartTime.UnixNano(), run.ID))
}

// Save stores run and its ID index in one transaction.
func (s *BadgerStore) Save(ctx context.Context, run *models.IntegrationRun) error {
	if run == nil || run.ID == "" {
		return errors.New("save run: missing id")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	key := runKey(run)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if old, err := txn.Get([]byte(indexPrefix + run.ID)); err == nil {
			prev, err := old.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(prev); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, payload); err != nil {
			return err
		}
		return txn.Set([]byte(indexPrefix+run.ID), key)
	})
}

// Get loads a run by ID.
func (s *BadgerStore) Get(_ context.Context, id string) (*models.IntegrationRun, error) {
	var run models.IntegrationRun
	err := s.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get([]byte(indexPrefix + id))
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return &run, nil
}

// Recent iterates in reverse key order and returns the newest n runs.
func (s *BadgerStore) Recent(ctx context.Context, n int) ([]models.IntegrationRun, error) {
	if n <= 0 {
		return nil, nil
	}
	runs := make([]models.IntegrationRun, 0, n)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		seek := append([]byte(runPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix) && len(runs) < n; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var run models.IntegrationRun
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				s.logger.Warn("skipping unreadable run record", slog.String("key", string(it.Item().Key())), slog.Any("error", err))
				continue
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return runs, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
