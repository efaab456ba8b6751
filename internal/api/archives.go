package api

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/matheus3301/chatmerge/internal/store"
	"go.uber.org/zap"
)

type archiveKey struct {
	path     string
	readOnly bool
}

// Archives keeps archives opened by submitted jobs until the daemon stops.
// Jobs naming the same file share one handle.
type Archives struct {
	logger *zap.Logger

	mu  sync.Mutex
	dbs map[archiveKey]*store.DB
}

func NewArchives(logger *zap.Logger) *Archives {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archives{logger: logger, dbs: make(map[archiveKey]*store.DB)}
}

// Source opens path read-only.
func (a *Archives) Source(path string) (*store.DB, error) {
	return a.get(path, true)
}

// Target opens path for writing, applying migrations on first use.
func (a *Archives) Target(path string) (*store.DB, error) {
	return a.get(path, false)
}

func (a *Archives) get(path string, readOnly bool) (*store.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	key := archiveKey{path: abs, readOnly: readOnly}

	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.dbs[key]; ok {
		return db, nil
	}

	var db *store.DB
	if readOnly {
		db, err = store.OpenReadOnly(abs)
	} else {
		db, err = store.Open(abs)
	}
	if err != nil {
		return nil, err
	}
	if !readOnly {
		result, err := db.Migrate()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.logger.Info("archive opened",
			zap.String("path", abs),
			zap.Uint("version", result.Version),
			zap.Bool("migrated", result.Changed),
		)
	}
	a.dbs[key] = db
	return db, nil
}

// Close closes every archive.
func (a *Archives) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for key, db := range a.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key.path, err))
		}
		delete(a.dbs, key)
	}
	return errors.Join(errs...)
}
