package job

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/reconcile"
	"github.com/matheus3301/chatmerge/internal/status"
	"go.uber.org/zap"
)

// worker holds the state of one job execution.
type worker struct {
	runner *Runner
	active *active
	params Params
	logger *zap.Logger

	differ  *reconcile.Differ
	applier *reconcile.Applier
	evt     progress.Event
	scanned int
	total   int
}

func (w *worker) run(ctx context.Context) progress.Event {
	p := w.params
	src, dst := p.Source, p.Target

	selected := p.Conversations
	if p.Kind == KindMerge {
		selected = make([]string, 0, len(p.Diffs))
		for _, d := range p.Diffs {
			selected = append(selected, d.Conversation.Identity)
		}
	}

	var pairs []reconcile.ChatPair
	if p.Kind != KindMerge || !p.TrustDiffs {
		w.runner.setState(status.Scanning)
		var err error
		pairs, err = reconcile.Pair(ctx, src, dst, selected)
		if err != nil {
			return w.fatal(err)
		}
		w.differ, err = reconcile.NewDiffer(ctx, src, dst, p.Options, w.logger)
		if err != nil {
			return w.fatal(apperr.Wrap(apperr.EnumerateFailed, "read archive accounts", err))
		}
	}
	w.applier = reconcile.NewApplier(dst, p.Options, w.logger)

	if p.Kind == KindMerge && p.TrustDiffs {
		w.evt.ConversationCount = len(p.Diffs)
		for _, d := range p.Diffs {
			w.total += len(d.Messages)
		}
		for i, d := range p.Diffs {
			if ctx.Err() != nil {
				break
			}
			w.apply(ctx, i, d)
		}
	} else {
		w.evt.ConversationCount = len(pairs)
		for _, pair := range pairs {
			w.total += pair.Source.MessageCount
			if pair.Target != nil {
				w.total += pair.Target.MessageCount
			}
		}
		for i := range pairs {
			if ctx.Err() != nil {
				break
			}
			w.scan(ctx, i, pairs)
		}
	}

	w.evt.Stopped = ctx.Err() != nil
	w.evt.Output = w.summaryText()
	return w.evt
}

func (w *worker) fatal(err error) progress.Event {
	w.logger.Error("job failed", zap.Error(err))
	code := apperr.CodeOf(err)
	if code == apperr.Internal {
		code = apperr.EnumerateFailed
	}
	return progress.Event{ErrorCode: code, Error: err.Error()}
}

func (w *worker) scan(ctx context.Context, i int, pairs []reconcile.ChatPair) {
	pair := pairs[i]
	w.runner.setState(status.Scanning)
	base := w.scanned
	diff, err := w.differ.Diff(ctx, pair, func(processed, _ int) {
		w.runner.post(w.active, progress.Event{
			Kind:                  progress.KindProgress,
			Phase:                 progress.PhaseScanning,
			Conversation:          pair.Source.Identity,
			ConversationIndex:     i,
			ConversationCount:     len(pairs),
			MessagesProcessed:     base + processed,
			MessagesTotalEstimate: max(w.total, base+processed),
		})
		w.scanned = base + processed
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.fail(pair.Source.Identity, apperr.Wrap(apperr.DiffFailed, "diff "+pair.Title(), err))
		return
	}

	out := ""
	if mergeable(diff) {
		if w.params.Kind == KindDiff {
			w.count(diff, len(diff.Messages), len(diff.Participants))
			out = describe(diff, len(diff.Messages), len(diff.Participants), "")
			w.runner.post(w.active, progress.Event{
				Kind:              progress.KindDiff,
				Phase:             progress.PhaseScanning,
				Conversation:      pair.Source.Identity,
				ConversationIndex: i,
				ConversationCount: len(pairs),
				NewCount:          len(diff.Messages),
				Diffs:             []*reconcile.Diff{diff},
				Output:            out,
			})
		} else {
			w.runner.setState(status.Applying)
			counts, err := w.applier.Apply(ctx, diff)
			if err != nil {
				if ctx.Err() == nil {
					w.fail(pair.Source.Identity, err)
				}
				return
			}
			w.count(diff, counts.Messages, counts.Participants)
			out = describe(diff, counts.Messages, counts.Participants, "Merged ")
		}
	}

	w.evt.Completed = append(w.evt.Completed, pair.Source.Identity)
	next := ""
	if i < len(pairs)-1 {
		next = fmt.Sprintf("Scanning %s.", pairs[i+1].Title())
	}
	phase := progress.PhaseScanning
	if w.params.Kind != KindDiff {
		phase = progress.PhaseApplying
	}
	w.runner.post(w.active, progress.Event{
		Kind:                  progress.KindProgress,
		Phase:                 phase,
		Conversation:          pair.Source.Identity,
		ConversationIndex:     i + 1,
		ConversationCount:     len(pairs),
		MessagesProcessed:     w.scanned,
		MessagesTotalEstimate: max(w.total, w.scanned),
		NewCount:              len(diff.Messages),
		Status:                next,
		Output:                out,
	})
}

// apply merges a supplied diff as given.
func (w *worker) apply(ctx context.Context, i int, diff *reconcile.Diff) {
	w.runner.setState(status.Applying)
	id := diff.Conversation.Identity
	counts, err := w.applier.Apply(ctx, diff)
	if err != nil {
		if ctx.Err() == nil {
			w.fail(id, err)
		}
		return
	}
	w.count(diff, counts.Messages, counts.Participants)
	w.scanned += counts.Messages
	w.evt.Completed = append(w.evt.Completed, id)

	next := ""
	if i < len(w.params.Diffs)-1 {
		next = fmt.Sprintf("Merging %s.", w.params.Diffs[i+1].Conversation.Title())
	}
	w.runner.post(w.active, progress.Event{
		Kind:                  progress.KindProgress,
		Phase:                 progress.PhaseApplying,
		Conversation:          id,
		ConversationIndex:     i + 1,
		ConversationCount:     len(w.params.Diffs),
		MessagesProcessed:     w.scanned,
		MessagesTotalEstimate: max(w.total, w.scanned),
		NewCount:              counts.Messages,
		Status:                next,
		Output:                describe(diff, counts.Messages, counts.Participants, "Merged "),
	})
}

func (w *worker) fail(conversation string, err error) {
	w.logger.Warn("conversation failed", zap.String("conversation", conversation), zap.Error(err))
	w.evt.Failures = append(w.evt.Failures, progress.Failure{
		Conversation: conversation,
		Code:         apperr.CodeOf(err),
		Error:        err.Error(),
	})
}

func (w *worker) count(diff *reconcile.Diff, messages, participants int) {
	if messages == 0 && participants == 0 {
		return
	}
	w.evt.Summary.Conversations++
	w.evt.Summary.Messages += messages
	w.evt.Summary.Participants += participants
	w.evt.Summary.Superseded += diff.Superseded
}

// mergeable reports whether a diff is worth acting on. Participant changes
// alone only count for conversations that have messages.
func mergeable(d *reconcile.Diff) bool {
	if d == nil {
		return false
	}
	return len(d.Messages) > 0 || (d.Conversation.MessageCount > 0 && len(d.Participants) > 0)
}

func describe(d *reconcile.Diff, messages, participants int, verb string) string {
	newChat := d.Target == nil
	adj := "new "
	if newChat {
		adj = ""
	}
	var b strings.Builder
	b.WriteString(verb)
	b.WriteString(d.Conversation.Title())
	if newChat {
		b.WriteString(" - new chat")
	}
	if messages > 0 {
		b.WriteString(", " + plural(adj+"message", messages))
	} else {
		b.WriteString(", no messages")
	}
	if participants > 0 {
		b.WriteString(", " + plural(adj+"participant", participants))
	}
	b.WriteString(".")
	return b.String()
}

func (w *worker) summaryText() string {
	s := w.evt.Summary
	var parts []string
	if s.Messages > 0 {
		parts = append(parts, plural("new message", s.Messages))
	}
	if s.Participants > 0 {
		parts = append(parts, plural("new participant", s.Participants))
	}
	src, dst := w.names()
	if len(parts) == 0 {
		return fmt.Sprintf("Nothing new to merge from %s to %s.", src, dst)
	}
	if w.params.Kind == KindDiff {
		return fmt.Sprintf("Found %s in %s.", strings.Join(parts, " and "), plural("conversation", s.Conversations))
	}
	return fmt.Sprintf("Merged %s to %s.", strings.Join(parts, " and "), dst)
}

func (w *worker) names() (string, string) {
	src, dst := w.params.SourceName, w.params.TargetName
	if src == "" {
		src = archiveName(w.params.Source, "source")
	}
	if dst == "" {
		dst = archiveName(w.params.Target, "target")
	}
	return src, dst
}

func archiveName(a any, fallback string) string {
	if s, ok := a.(fmt.Stringer); ok {
		return s.String()
	}
	return fallback
}

func plural(word string, n int) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
