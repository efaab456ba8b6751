package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/matheus3301/chatmerge/internal/match"
	"github.com/matheus3301/chatmerge/internal/store"
	"go.uber.org/zap"
)

// Diff is what a source conversation holds that its target lacks. It is
// never persisted; after any interruption it must be recomputed.
type Diff struct {
	Conversation store.Conversation
	Target       *store.Conversation
	// Messages are ascending by timestamp.
	Messages     []store.Message
	Participants []store.Participant
	// Superseded counts messages whose remote id the target knows with
	// different content.
	Superseded int
	Edits      []Edit
}

// Edit links a superseded source message to its target counterpart.
type Edit struct {
	SourceID int64
	TargetID int64
	RemoteID string
}

// Empty reports whether applying d would change nothing.
func (d *Diff) Empty() bool {
	return d == nil || (len(d.Messages) == 0 && len(d.Participants) == 0)
}

// ProgressFunc receives the number of rows scanned so far and an estimate
// of the total.
type ProgressFunc func(processed, total int)

// Differ compares conversations of a source archive with a target archive.
type Differ struct {
	src     Source
	dst     Source
	opts    Options
	matcher *match.Matcher
	logger  *zap.Logger
}

// NewDiffer builds a differ. Own-account identities and contact names are
// read from both archives when they expose them.
func NewDiffer(ctx context.Context, src, dst Source, opts Options, logger *zap.Logger) (*Differ, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	accounts := slices.Clone(opts.AccountIDs)
	names := make(map[string]string)
	for _, s := range []Source{src, dst} {
		if al, ok := s.(AccountLister); ok {
			ids, err := al.AccountIdentities(ctx)
			if err != nil {
				return nil, fmt.Errorf("account identities: %w", err)
			}
			accounts = append(accounts, ids...)
		}
		if cn, ok := s.(ContactNamer); ok {
			n, err := cn.ContactNames(ctx)
			if err != nil {
				return nil, fmt.Errorf("contact names: %w", err)
			}
			maps.Copy(names, n)
		}
	}

	return &Differ{
		src:     src,
		dst:     dst,
		opts:    opts,
		matcher: match.New(opts.Match, match.NewNormalizer(accounts, names)),
		logger:  logger,
	}, nil
}

// Matcher returns the matcher the differ compares with.
func (d *Differ) Matcher() *match.Matcher { return d.matcher }

// Diff computes the difference for one conversation pair. progress may be
// nil.
func (d *Differ) Diff(ctx context.Context, pair ChatPair, progress ProgressFunc) (*Diff, error) {
	diff := &Diff{Conversation: pair.Source, Target: pair.Target}
	total := pair.Source.MessageCount
	if pair.Target != nil {
		total += pair.Target.MessageCount
	}
	processed := 0
	tick := func() error {
		processed++
		if processed%d.opts.CheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if progress != nil && processed%d.opts.PostbackEvery == 0 {
			progress(processed, max(total, processed))
		}
		return nil
	}

	srcParts, err := d.src.ListParticipants(ctx, pair.Source.ID)
	if err != nil {
		return nil, fmt.Errorf("list source participants: %w", err)
	}
	if pair.Target == nil {
		diff.Participants = srcParts
	} else {
		dstParts, err := d.dst.ListParticipants(ctx, pair.Target.ID)
		if err != nil {
			return nil, fmt.Errorf("list target participants: %w", err)
		}
		have := make(map[string]bool, len(dstParts))
		for _, p := range dstParts {
			have[p.Identity] = true
		}
		for _, p := range srcParts {
			if !have[p.Identity] {
				diff.Participants = append(diff.Participants, p)
			}
		}
	}

	var idx *match.Index
	targetRows := 0
	if pair.Target != nil {
		idx = d.matcher.NewIndex()
		for m, err := range d.dst.StreamMessages(ctx, pair.Target.ID, true) {
			if err != nil {
				return nil, fmt.Errorf("stream target messages: %w", err)
			}
			targetRows++
			idx.Add(m)
			if err := tick(); err != nil {
				return nil, err
			}
		}
	}

	for m, err := range d.src.StreamMessages(ctx, pair.Source.ID, true) {
		if err != nil {
			return nil, fmt.Errorf("stream source messages: %w", err)
		}
		if err := tick(); err != nil {
			return nil, err
		}
		if targetRows == 0 {
			diff.Messages = append(diff.Messages, m)
			continue
		}
		if m.Timestamp == 0 {
			continue
		}
		switch out, cand := d.matcher.Find(m, idx); out {
		case match.Absent:
			diff.Messages = append(diff.Messages, m)
		case match.Superseded:
			diff.Messages = append(diff.Messages, m)
			diff.Superseded++
			diff.Edits = append(diff.Edits, Edit{SourceID: m.ID, TargetID: cand.ID, RemoteID: m.RemoteID})
		}
	}

	slices.SortStableFunc(diff.Messages, func(a, b store.Message) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	if progress != nil {
		progress(processed, processed)
	}

	d.logger.Debug("conversation diffed",
		zap.String("conversation", pair.Source.Identity),
		zap.Int("messages", len(diff.Messages)),
		zap.Int("participants", len(diff.Participants)),
		zap.Int("superseded", diff.Superseded),
		zap.Int("scanned", processed),
	)
	return diff, nil
}
