package live

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/gateway"
	"github.com/matheus3301/chatmerge/internal/lock"
	"github.com/matheus3301/chatmerge/internal/match"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/reconcile"
	"github.com/matheus3301/chatmerge/internal/status"
	"github.com/matheus3301/chatmerge/internal/store"
	"go.uber.org/zap"
)

// Config tunes live ingestion.
type Config struct {
	Match match.Config
	// PageLimit caps the pages pulled per conversation in one sync; zero
	// means no cap.
	PageLimit int
	// AccountIDs are extra own-account identities.
	AccountIDs []string
	// LockPath is held while the ingestor writes, if set.
	LockPath string
}

// Ingestor feeds remote messages into a target archive, either pulled by
// Sync or pushed over the bus once started.
type Ingestor struct {
	st      Store
	gw      *gateway.Gateway
	bus     *bus.Bus
	machine *status.Machine
	cfg     Config
	logger  *zap.Logger

	// mu serializes runs; push and pull share the active run.
	mu     sync.Mutex
	run    *Run
	held   *lock.Lock
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIngestor creates an ingestor. A nil gateway gets the default limits;
// the bus and machine may be nil.
func NewIngestor(st Store, gw *gateway.Gateway, b *bus.Bus, machine *status.Machine, cfg Config, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gw == nil {
		gw = gateway.New(gateway.DefaultConfig(), gateway.WithLogger(logger))
	}
	if machine == nil {
		machine = status.NewJobMachine(nil)
	}
	if cfg.Match == (match.Config{}) {
		cfg.Match = match.DefaultConfig()
	}
	return &Ingestor{st: st, gw: gw, bus: b, machine: machine, cfg: cfg, logger: logger}
}

// Begin starts a run against the target. The run reads the archive's own
// identities and contact names for normalization.
func (in *Ingestor) Begin(ctx context.Context) (*Run, error) {
	accounts := slices.Clone(in.cfg.AccountIDs)
	names := make(map[string]string)
	if al, ok := in.st.(reconcile.AccountLister); ok {
		ids, err := al.AccountIdentities(ctx)
		if err != nil {
			return nil, fmt.Errorf("account identities: %w", err)
		}
		accounts = append(accounts, ids...)
	}
	if cn, ok := in.st.(reconcile.ContactNamer); ok {
		n, err := cn.ContactNames(ctx)
		if err != nil {
			return nil, fmt.Errorf("contact names: %w", err)
		}
		maps.Copy(names, n)
	}
	m := match.New(in.cfg.Match, match.NewNormalizer(accounts, names))
	return newRun(ctx, in.st, m, names, in.logger)
}

func (in *Ingestor) emit(kind string, payload any) {
	if in.bus != nil {
		in.bus.Emit(kind, payload)
	}
}

func (in *Ingestor) setState(s status.State) {
	if err := in.machine.Set(s); err != nil {
		in.logger.Debug("state change rejected", zap.Error(err))
	}
}

func (in *Ingestor) acquire() (func(), error) {
	if in.cfg.LockPath == "" || in.held != nil {
		return func() {}, nil
	}
	l, err := lock.AcquireFile(in.cfg.LockPath)
	if err != nil {
		return nil, err
	}
	return func() { _ = l.Release() }, nil
}

// Sync pulls the selected conversations (all when sel is empty) from src
// and ingests what the target lacks. Paging through a conversation stops at
// the first page that brings nothing new. The returned event is also
// published as live.done.
func (in *Ingestor) Sync(ctx context.Context, src Source, sel []string) (progress.Event, error) {
	in.mu.Lock()
	release, err := in.acquire()
	in.mu.Unlock()
	if err != nil {
		return progress.Event{}, err
	}
	defer release()

	in.setState(status.Ingesting)
	defer func() {
		if ctx.Err() != nil {
			in.setState(status.Stopping)
		}
		in.setState(status.Idle)
	}()

	convs, err := gateway.Do(ctx, in.gw, "conversations", src.Conversations)
	if err != nil {
		return progress.Event{}, apperr.Wrap(apperr.EnumerateFailed, "list remote conversations", err)
	}
	if len(sel) > 0 {
		convs = slices.DeleteFunc(convs, func(c store.Conversation) bool {
			return !slices.Contains(sel, c.Identity)
		})
	}

	in.mu.Lock()
	run := in.run
	in.mu.Unlock()
	if run == nil {
		run, err = in.Begin(ctx)
		if err != nil {
			return progress.Event{}, err
		}
	}

	done := progress.Event{Kind: progress.KindDone, Phase: progress.PhaseIngesting, Done: true}
	for i, c := range convs {
		if ctx.Err() != nil {
			break
		}
		added, updated, err := in.syncConversation(ctx, src, run, c)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			in.logger.Warn("conversation sync failed", zap.String("conversation", c.Identity), zap.Error(err))
			done.Failures = append(done.Failures, progress.Failure{
				Conversation: c.Identity,
				Code:         apperr.CodeOf(err),
				Error:        err.Error(),
			})
			continue
		}
		done.Completed = append(done.Completed, c.Identity)
		if added > 0 || updated > 0 {
			done.Summary.Conversations++
		}
		done.Summary.Messages += added
		done.Summary.Updated += updated
		in.emit(bus.LiveProgress, progress.Event{
			Kind:              progress.KindProgress,
			Phase:             progress.PhaseIngesting,
			Conversation:      c.Identity,
			ConversationIndex: i + 1,
			ConversationCount: len(convs),
			NewCount:          added,
			UpdatedCount:      updated,
		})
	}

	in.mu.Lock()
	err = run.End(context.WithoutCancel(ctx))
	in.mu.Unlock()
	if err != nil {
		return progress.Event{}, err
	}

	done.Stopped = ctx.Err() != nil
	done.Output = fmt.Sprintf("Ingested %d new and %d updated messages from %d conversations.",
		done.Summary.Messages, done.Summary.Updated, len(done.Completed))
	in.logger.Info("live sync finished",
		zap.Int("conversations", len(done.Completed)),
		zap.Int("messages", done.Summary.Messages),
		zap.Int("updated", done.Summary.Updated),
		zap.Int("failures", len(done.Failures)),
		zap.Bool("stopped", done.Stopped),
	)
	in.emit(bus.LiveDone, done)
	return done, nil
}

func (in *Ingestor) syncConversation(ctx context.Context, src Source, run *Run, c store.Conversation) (added, updated int, err error) {
	ps, err := gateway.Do(ctx, in.gw, "participants", func(ctx context.Context) ([]store.Participant, error) {
		return src.Participants(ctx, c.Identity)
	})
	if err != nil {
		return 0, 0, err
	}

	in.mu.Lock()
	if c.DisplayName == "" && c.Type == store.ConversationGroup {
		c.DisplayName = run.GroupName(ps)
	}
	conv, err := run.Conversation(ctx, c)
	if err == nil {
		_, err = run.Participants(ctx, conv, ps)
	}
	in.mu.Unlock()
	if err != nil {
		return 0, 0, err
	}

	cursor := ""
	for pages := 0; in.cfg.PageLimit <= 0 || pages < in.cfg.PageLimit; pages++ {
		page, err := gateway.Do(ctx, in.gw, "messages", func(ctx context.Context) (Page, error) {
			return src.Messages(ctx, c.Identity, cursor)
		})
		if err != nil {
			return added, updated, err
		}
		fresh := 0
		for _, m := range page.Messages {
			in.mu.Lock()
			res, err := run.Ingest(ctx, Arrival{Conversation: c, Message: m})
			in.mu.Unlock()
			if err != nil {
				return added, updated, err
			}
			switch res {
			case Inserted:
				added++
				fresh++
			case Updated:
				updated++
				fresh++
			}
		}
		if fresh == 0 || page.Next == "" {
			break
		}
		cursor = page.Next
	}
	return added, updated, nil
}

// Start subscribes to wa.* events on the bus and ingests what they carry
// until ctx ends or Stop is called.
func (in *Ingestor) Start(ctx context.Context) error {
	if in.bus == nil {
		return errors.New("live ingestor has no bus")
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		return nil
	}
	if in.cfg.LockPath != "" {
		l, err := lock.AcquireFile(in.cfg.LockPath)
		if err != nil {
			return err
		}
		in.held = l
	}
	run, err := in.Begin(ctx)
	if err != nil {
		_ = in.held.Release()
		in.held = nil
		return err
	}
	in.run = run

	ctx, in.cancel = context.WithCancel(ctx)
	in.done = make(chan struct{})
	ch, unsub := in.bus.Subscribe("wa.", 256)

	go func() {
		defer close(in.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				in.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends push ingestion and releases the target lock.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	cancel, done := in.cancel, in.done
	in.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.run != nil {
		if err := in.run.End(context.Background()); err != nil {
			in.logger.Warn("refresh activity failed", zap.Error(err))
		}
	}
	_ = in.held.Release()
	in.held, in.run, in.cancel, in.done = nil, nil, nil, nil
}

func (in *Ingestor) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.WAMessage:
		a, ok := evt.Payload.(Arrival)
		if !ok {
			return
		}
		in.ingestBatch(ctx, []Arrival{a})
	case bus.WAHistoryBatch:
		batch, ok := evt.Payload.([]Arrival)
		if !ok {
			return
		}
		in.ingestBatch(ctx, batch)
		in.logger.Info("history batch ingested", zap.Int("messages", len(batch)))
	case bus.WAIdentityLinks:
		links, ok := evt.Payload.(map[string]string)
		if !ok {
			return
		}
		in.link(ctx, links)
	}
}

func (in *Ingestor) ingestBatch(ctx context.Context, batch []Arrival) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.run == nil {
		return
	}
	counts := make(map[Result]int)
	for _, a := range batch {
		res, err := in.run.Ingest(ctx, a)
		if err != nil {
			in.logger.Error("failed to ingest message",
				zap.Error(err),
				zap.String("conversation", a.Conversation.Identity),
				zap.String("remote_id", a.Message.RemoteID),
			)
			continue
		}
		counts[res]++
	}
	if err := in.run.End(ctx); err != nil {
		in.logger.Warn("refresh activity failed", zap.Error(err))
	}
	if counts[Inserted] > 0 || counts[Updated] > 0 {
		in.emit(bus.LiveIngested, progress.Summary{
			Messages: counts[Inserted],
			Updated:  counts[Updated],
		})
	}
}

// link records legacy identities announced by the remote service and starts
// a fresh run so conversations resolve through them.
func (in *Ingestor) link(ctx context.Context, links map[string]string) {
	linker, ok := in.st.(identityLinker)
	if !ok || len(links) == 0 {
		return
	}
	n, err := linker.LinkIdentities(ctx, links)
	if err != nil {
		in.logger.Warn("failed to link identities", zap.Error(err))
		return
	}
	if n == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.run == nil {
		return
	}
	if err := in.run.End(ctx); err != nil {
		in.logger.Warn("refresh activity failed", zap.Error(err))
	}
	run, err := in.Begin(ctx)
	if err != nil {
		in.logger.Warn("failed to restart run", zap.Error(err))
		return
	}
	in.run = run
	in.logger.Info("identities linked", zap.Int64("count", n), zap.Int("announced", len(links)))
}
