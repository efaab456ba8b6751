package reconcile

import (
	"context"
	"errors"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/store"
	"go.uber.org/zap"
)

// AppliedCounts reports what Apply wrote.
type AppliedCounts struct {
	ConversationID int64
	Created        bool
	Messages       int
	Participants   int
}

// Applier writes diffs into a target archive.
type Applier struct {
	dst    Target
	opts   Options
	logger *zap.Logger
}

// NewApplier creates an applier for dst.
func NewApplier(dst Target, opts Options, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{dst: dst, opts: opts.withDefaults(), logger: logger}
}

// Apply merges diff into the target. The conversation is created first when
// the target lacks it, then participants, then messages in timestamp order.
// Cancellation of ctx is observed every YieldEvery rows and returned as-is;
// other write failures are StoreWrite errors.
func (a *Applier) Apply(ctx context.Context, diff *Diff) (AppliedCounts, error) {
	var counts AppliedCounts
	if diff.Empty() {
		return counts, nil
	}
	if err := ctx.Err(); err != nil {
		return counts, err
	}

	if diff.Target != nil {
		counts.ConversationID = diff.Target.ID
	} else {
		c := store.Conversation{
			Identity:       diff.Conversation.Identity,
			LinkedIdentity: diff.Conversation.LinkedIdentity,
			Type:           diff.Conversation.Type,
			DisplayName:    diff.Conversation.DisplayName,
			CreatedAt:      diff.Conversation.CreatedAt,
			LastActivityAt: diff.Conversation.LastActivityAt,
		}
		id, err := a.dst.InsertConversation(ctx, &c)
		if err != nil {
			return counts, storeErr("insert conversation", err)
		}
		counts.ConversationID = id
		counts.Created = true
	}

	if len(diff.Participants) > 0 {
		ps := make([]store.Participant, len(diff.Participants))
		for i, p := range diff.Participants {
			p.ConversationID = counts.ConversationID
			ps[i] = p
		}
		if err := a.dst.InsertParticipants(ctx, counts.ConversationID, ps); err != nil {
			return counts, storeErr("insert participants", err)
		}
		counts.Participants = len(ps)
	}

	if len(diff.Messages) > 0 {
		msgs := make([]store.Message, len(diff.Messages))
		for i, m := range diff.Messages {
			m.ID = 0
			m.ConversationID = counts.ConversationID
			msgs[i] = m
		}
		yield := func() error { return ctx.Err() }
		n, err := a.dst.InsertMessages(ctx, counts.ConversationID, msgs, yield, a.opts.YieldEvery)
		if err != nil {
			return counts, storeErr("insert messages", err)
		}
		counts.Messages = n
	}

	a.logger.Info("diff applied",
		zap.String("conversation", diff.Conversation.Identity),
		zap.Int64("target_id", counts.ConversationID),
		zap.Bool("created", counts.Created),
		zap.Int("messages", counts.Messages),
		zap.Int("participants", counts.Participants),
	)
	return counts, nil
}

func storeErr(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.StoreWrite, msg, err)
}
