package api

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/job"
	"github.com/matheus3301/chatmerge/internal/lock"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/reconcile"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// keepJobs bounds how many finished jobs keep their diffs for a later merge.
const keepJobs = 16

// JobEvents receives runner events, publishes them on the bus and keeps the
// diffs posted by recent jobs.
type JobEvents struct {
	bus *bus.Bus

	mu    sync.Mutex
	diffs map[string][]*reconcile.Diff
	order []string
}

func NewJobEvents(b *bus.Bus) *JobEvents {
	return &JobEvents{bus: b, diffs: make(map[string][]*reconcile.Diff)}
}

// Post is the runner callback.
func (j *JobEvents) Post(evt progress.Event) {
	if len(evt.Diffs) > 0 {
		j.record(evt.JobID, evt.Diffs)
	}
	if j.bus == nil {
		return
	}
	kind := bus.JobProgress
	if evt.Done {
		kind = bus.JobDone
	}
	j.bus.Emit(kind, evt)
}

func (j *JobEvents) record(jobID string, diffs []*reconcile.Diff) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.diffs[jobID]; !ok {
		j.order = append(j.order, jobID)
		if len(j.order) > keepJobs {
			delete(j.diffs, j.order[0])
			j.order = j.order[1:]
		}
	}
	j.diffs[jobID] = append(j.diffs[jobID], diffs...)
}

// Diffs returns the diffs posted by a job.
func (j *JobEvents) Diffs(jobID string) []*reconcile.Diff {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.diffs[jobID])
}

// ReconcileService implements chatmerge.v1.ReconcileService.
type ReconcileService struct {
	runner   *job.Runner
	events   *JobEvents
	bus      *bus.Bus
	archives *Archives
	opts     reconcile.Options
	profile  string
	logger   *zap.Logger
}

// NewReconcileService creates the reconcile service.
func NewReconcileService(runner *job.Runner, events *JobEvents, b *bus.Bus, archives *Archives, opts reconcile.Options, profile string, logger *zap.Logger) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileService{
		runner:   runner,
		events:   events,
		bus:      b,
		archives: archives,
		opts:     opts,
		profile:  profile,
		logger:   logger,
	}
}

// Submit queues a job. Fields: kind, source, target, conversations,
// trust_diffs and, for merge jobs, from_job naming the diff job whose
// diffs to apply.
func (s *ReconcileService) Submit(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	kind := job.Kind(stringField(in, "kind"))
	if kind == "" {
		kind = job.KindDiffMerge
	}
	p, err := s.params(submission{
		kind:          kind,
		source:        stringField(in, "source"),
		target:        stringField(in, "target"),
		conversations: stringList(in, "conversations"),
		trustDiffs:    boolField(in, "trust_diffs"),
		fromJob:       stringField(in, "from_job"),
	})
	if err != nil {
		return nil, rpcError(err)
	}
	busy := s.runner.IsWorking()
	id := s.queue(p)
	return respond(map[string]any{"job_id": id, "queued": busy})
}

// SubmitMerge queues a diff_merge job of every conversation from source
// into target.
func (s *ReconcileService) SubmitMerge(source, target string) (string, error) {
	p, err := s.params(submission{kind: job.KindDiffMerge, source: source, target: target})
	if err != nil {
		return "", err
	}
	return s.queue(p), nil
}

func (s *ReconcileService) queue(p job.Params) string {
	id := s.runner.Work(p)
	s.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("kind", string(p.Kind)),
		zap.String("source", p.SourceName),
		zap.String("target", p.TargetName),
	)
	return id
}

type submission struct {
	kind           job.Kind
	source, target string
	conversations  []string
	trustDiffs     bool
	fromJob        string
}

func (s *ReconcileService) params(sub submission) (job.Params, error) {
	switch sub.kind {
	case job.KindDiff, job.KindDiffMerge, job.KindMerge:
	default:
		return job.Params{}, apperr.New(apperr.InvalidParams, "unknown job kind "+string(sub.kind))
	}
	if sub.source == "" || sub.target == "" {
		return job.Params{}, apperr.New(apperr.InvalidParams, "source and target archives are required")
	}

	p := job.Params{
		Kind:          sub.kind,
		SourceName:    sub.source,
		TargetName:    sub.target,
		Conversations: sub.conversations,
		TrustDiffs:    sub.trustDiffs,
		Options:       s.opts,
		TargetLock:    lock.ForArchive(sub.target),
	}
	if sub.kind == job.KindMerge {
		if sub.fromJob == "" {
			return job.Params{}, apperr.New(apperr.InvalidParams, "merge jobs need from_job")
		}
		p.Diffs = s.events.Diffs(sub.fromJob)
		if len(p.Diffs) == 0 {
			return job.Params{}, apperr.New(apperr.InvalidParams, "no diffs recorded for job "+sub.fromJob)
		}
	}

	src, err := s.archives.Source(sub.source)
	if err != nil {
		return job.Params{}, apperr.Wrap(apperr.InvalidParams, "open source archive", err)
	}
	dst, err := s.archives.Target(sub.target)
	if err != nil {
		return job.Params{}, apperr.Wrap(apperr.InvalidParams, "open target archive", err)
	}
	p.Source, p.Target = src, dst
	return p, nil
}

// Stop cancels the running job and clears the queue. With drop set the
// cancelled job posts nothing more.
func (s *ReconcileService) Stop(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := s.runner.CurrentID()
	s.runner.StopWork(boolField(in, "drop"))
	return respond(map[string]any{"job_id": id, "stopped": id != ""})
}

// Status reports the job machine's state for the profile, including the
// running job id and whether anything is running or queued.
func (s *ReconcileService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(map[string]any{
		"profile": s.profile,
		"state":   string(s.runner.State()),
		"job_id":  s.runner.CurrentID(),
		"working": s.runner.IsWorking(),
	})
}

// Watch streams job and live events until the client goes away. Events
// the client is too slow for are dropped and reported in the log when the
// stream ends.
func (s *ReconcileService) Watch(_ *structpb.Struct, stream EventStream) error {
	sub, unsub := s.bus.SubscribeAll(256, "job.", "live.")
	defer func() {
		unsub()
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("watch dropped events", zap.Uint64("dropped", n))
		}
	}()

	for {
		select {
		case evt := <-sub.C():
			payload, ok := payloadFields(evt)
			if !ok {
				continue
			}
			env, err := envelope(s.profile, evt.Kind, evt.Timestamp, payload)
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
