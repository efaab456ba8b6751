// Package job runs reconciliation jobs on a dedicated worker goroutine.
package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/lock"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/reconcile"
	"github.com/matheus3301/chatmerge/internal/status"
	"go.uber.org/zap"
)

// Kind selects what a job does.
type Kind string

const (
	// KindDiff computes diffs and posts them back.
	KindDiff Kind = "diff"
	// KindDiffMerge computes diffs and applies each one.
	KindDiffMerge Kind = "diff_merge"
	// KindMerge applies diffs supplied in Params.Diffs.
	KindMerge Kind = "merge"
)

// Params describes one job.
type Params struct {
	// ID is assigned by Work when empty.
	ID     string
	Kind   Kind
	Source reconcile.Source
	Target reconcile.Target
	// SourceName and TargetName label the archives in summaries. They
	// default to the archives' String form.
	SourceName string
	TargetName string
	// Conversations restricts the job to these source identities.
	Conversations []string
	// Diffs are the diffs a merge job applies.
	Diffs []*reconcile.Diff
	// TrustDiffs applies Diffs as given. By default a merge job recomputes
	// each diff against the current target first.
	TrustDiffs bool
	Options    reconcile.Options
	// TargetLock is a lock file held while the job runs, if set.
	TargetLock string
}

type active struct {
	id     string
	cancel context.CancelFunc
	drop   atomic.Bool
}

// Runner executes queued jobs one at a time. Submitting a job never stops
// the one running.
type Runner struct {
	cb      progress.Callback
	machine *status.Machine
	logger  *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Params
	running  bool
	stopping bool
	current  *active
	wg       sync.WaitGroup
}

// New creates a runner posting events to cb. A nil machine gets a private
// one.
func New(cb progress.Callback, machine *status.Machine, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewJobMachine(nil)
	}
	if cb == nil {
		cb = func(progress.Event) {}
	}
	r := &Runner{cb: cb, machine: machine, logger: logger}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Work enqueues a job, starting the worker if needed, and returns its id.
// A job submitted while Stop winds the worker down finishes at once as
// stopped.
func (r *Runner) Work(p Params) string {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	r.mu.Lock()
	if r.stopping && r.running {
		// The worker exits after its current job and would never pick this up.
		r.mu.Unlock()
		r.logger.Warn("job rejected while runner stops", zap.String("job_id", p.ID))
		r.cb(progress.Event{
			Kind:      progress.KindDone,
			JobID:     p.ID,
			Done:      true,
			Stopped:   true,
			ErrorCode: apperr.Cancelled,
			Error:     "runner is stopping",
		})
		return p.ID
	}
	defer r.mu.Unlock()
	r.queue = append(r.queue, p)
	if !r.running {
		r.running = true
		r.stopping = false
		r.wg.Add(1)
		go r.loop()
	}
	r.cond.Signal()
	return p.ID
}

// StopWork cancels the running job and clears the queue. With drop set,
// nothing more is posted for the cancelled job.
func (r *Runner) StopWork(drop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
	r.cancelCurrentLocked(drop)
}

// Stop cancels the running job, clears the queue and ends the worker.
func (r *Runner) Stop(drop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
	r.stopping = true
	r.cancelCurrentLocked(drop)
	r.cond.Broadcast()
}

func (r *Runner) cancelCurrentLocked(drop bool) {
	if r.current == nil {
		return
	}
	if drop {
		r.current.drop.Store(true)
	}
	r.current.cancel()
}

// IsWorking reports whether a job is running or queued.
func (r *Runner) IsWorking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil || (r.running && len(r.queue) > 0)
}

// CurrentID returns the id of the running job, or "".
func (r *Runner) CurrentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.id
}

// State returns the runner's state.
func (r *Runner) State() status.State {
	return r.machine.Current()
}

// Wait blocks until the worker exits after Stop.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopping {
			r.cond.Wait()
		}
		if r.stopping {
			r.running = false
			r.mu.Unlock()
			return
		}
		p := r.queue[0]
		r.queue = r.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		a := &active{id: p.ID, cancel: cancel}
		r.current = a
		r.mu.Unlock()

		r.execute(ctx, a, p)
		cancel()

		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}
}

func (r *Runner) post(a *active, evt progress.Event) {
	if a.drop.Load() {
		return
	}
	evt.JobID = a.id
	r.cb(evt)
}

func (r *Runner) setState(s status.State) {
	if err := r.machine.Set(s); err != nil {
		r.logger.Debug("state change rejected", zap.Error(err))
	}
}

func (r *Runner) finish(a *active, evt progress.Event) {
	if evt.Stopped {
		r.setState(status.Stopping)
	}
	r.setState(status.Idle)
	evt.Kind = progress.KindDone
	evt.Done = true
	r.post(a, evt)
}

func (r *Runner) execute(ctx context.Context, a *active, p Params) {
	logger := r.logger.With(zap.String("job_id", p.ID), zap.String("kind", string(p.Kind)))
	defer func() {
		if rec := recover(); rec != nil {
			diag := fmt.Sprintf("panic: %v\n%s", rec, debug.Stack())
			logger.Error("job panicked", zap.String("panic", fmt.Sprint(rec)))
			r.finish(a, progress.Event{ErrorCode: apperr.Internal, Error: diag})
		}
	}()

	if err := validate(p); err != nil {
		r.finish(a, progress.Event{ErrorCode: apperr.CodeOf(err), Error: err.Error()})
		return
	}

	if p.TargetLock != "" {
		l, err := lock.AcquireFile(p.TargetLock)
		if err != nil {
			r.finish(a, progress.Event{ErrorCode: apperr.LockHeld, Error: err.Error()})
			return
		}
		defer func() { _ = l.Release() }()
	}

	logger.Info("job started")
	w := &worker{runner: r, active: a, params: p, logger: logger}
	evt := w.run(ctx)
	logger.Info("job finished",
		zap.Bool("stopped", evt.Stopped),
		zap.Int("completed", len(evt.Completed)),
		zap.Int("failures", len(evt.Failures)),
		zap.Int("messages", evt.Summary.Messages),
		zap.Int("participants", evt.Summary.Participants),
		zap.String("error_code", string(evt.ErrorCode)),
	)
	r.finish(a, evt)
}

func validate(p Params) error {
	switch p.Kind {
	case KindDiff, KindDiffMerge:
	case KindMerge:
		if len(p.Diffs) == 0 {
			return apperr.New(apperr.InvalidParams, "merge job without diffs")
		}
	default:
		return apperr.New(apperr.InvalidParams, fmt.Sprintf("unknown job kind %q", p.Kind))
	}
	if p.Source == nil || p.Target == nil {
		return apperr.New(apperr.InvalidParams, "source and target archives are required")
	}
	return nil
}
