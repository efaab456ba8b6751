// Package watch submits a merge whenever a source archive file settles after
// a burst of writes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SubmitFunc queues a diff_merge job from source into target and returns
// the job id.
type SubmitFunc func(source, target string) (string, error)

// Watcher watches one source archive. SQLite writes land in the -wal and
// -journal companions as well as the main file, so the whole directory is
// watched and filtered by name.
type Watcher struct {
	source   string
	target   string
	debounce time.Duration
	submit   SubmitFunc
	logger   *zap.Logger

	mu     sync.Mutex
	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher. A zero debounce means one second.
func New(source, target string, debounce time.Duration, submit SubmitFunc, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Watcher{source: source, target: target, debounce: debounce, submit: submit, logger: logger}
}

// Start begins watching until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw != nil {
		return nil
	}
	abs, err := filepath.Abs(w.source)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.source, err)
	}
	w.source = abs

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.fw = fw

	ctx, w.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	w.done = done
	go w.loop(ctx, fw, done)

	w.logger.Info("watching source archive",
		zap.String("source", abs),
		zap.String("target", w.target),
		zap.Duration("debounce", w.debounce),
	)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done, fw := w.cancel, w.done, w.fw
	w.cancel, w.done, w.fw = nil, nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	_ = fw.Close()
}

// relevant reports whether an event touches the source archive.
func (w *Watcher) relevant(evt fsnotify.Event) bool {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Clean(evt.Name) {
	case w.source, w.source + "-wal", w.source + "-journal":
		return true
	}
	return false
}

// loop owns done; Stop clears the watcher's fields before the loop exits.
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if w.relevant(evt) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch error", zap.Error(err))
				continue
			}
			// Some events were lost; assume the source changed.
			timer.Reset(w.debounce)
		case <-timer.C:
			id, err := w.submit(w.source, w.target)
			if err != nil {
				w.logger.Warn("submit merge failed", zap.String("source", w.source), zap.Error(err))
				continue
			}
			w.logger.Info("source changed, merge submitted", zap.String("job_id", id))
		}
	}
}
