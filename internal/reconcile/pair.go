// Package reconcile computes what one chat archive holds that another lacks
// and merges the difference into the other.
package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/store"
)

// Source is a readable chat archive.
type Source interface {
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	ListParticipants(ctx context.Context, convID int64) ([]store.Participant, error)
	StreamMessages(ctx context.Context, convID int64, ascending bool) iter.Seq2[store.Message, error]
}

// Target is a chat archive that accepts merged records.
type Target interface {
	Source
	InsertConversation(ctx context.Context, c *store.Conversation) (int64, error)
	InsertParticipants(ctx context.Context, convID int64, ps []store.Participant) error
	InsertMessages(ctx context.Context, convID int64, msgs []store.Message, yield func() error, every int) (int, error)
}

// AccountLister is implemented by archives that know their owner's own
// identities.
type AccountLister interface {
	AccountIdentities(ctx context.Context) ([]string, error)
}

// ContactNamer is implemented by archives that resolve display names.
type ContactNamer interface {
	ContactNames(ctx context.Context) (map[string]string, error)
}

// ChatPair is a source conversation and its counterpart on the target, if
// the target has one.
type ChatPair struct {
	Source store.Conversation
	Target *store.Conversation
}

// Title is the display title used for ordering and reporting.
func (p ChatPair) Title() string {
	return p.Source.Title()
}

// Pair resolves every source conversation (or only those whose identity is
// listed in selected) to its target counterpart. Conversations match on
// identity, or when one side's identity is the other's linked identity.
// Pairs are ordered by lower-cased title.
func Pair(ctx context.Context, src, dst Source, selected []string) ([]ChatPair, error) {
	srcConvs, err := src.ListConversations(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.EnumerateFailed, "list source conversations", err)
	}
	dstConvs, err := dst.ListConversations(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.EnumerateFailed, "list target conversations", err)
	}

	byIdentity := make(map[string]*store.Conversation, len(dstConvs))
	byLinked := make(map[string]*store.Conversation)
	for i := range dstConvs {
		c := &dstConvs[i]
		byIdentity[c.Identity] = c
		if c.LinkedIdentity != "" {
			byLinked[c.LinkedIdentity] = c
		}
	}

	want := make(map[string]bool, len(selected))
	for _, id := range selected {
		want[id] = false
	}

	var pairs []ChatPair
	for _, c := range srcConvs {
		if len(want) > 0 {
			if _, ok := want[c.Identity]; !ok {
				continue
			}
			want[c.Identity] = true
		}
		target := byIdentity[c.Identity]
		if target == nil {
			target = byLinked[c.Identity]
		}
		if target == nil && c.LinkedIdentity != "" {
			target = byIdentity[c.LinkedIdentity]
		}
		pairs = append(pairs, ChatPair{Source: c, Target: target})
	}

	for id, found := range want {
		if !found {
			return nil, apperr.New(apperr.InvalidParams, fmt.Sprintf("conversation %q not in source", id))
		}
	}

	slices.SortStableFunc(pairs, func(a, b ChatPair) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.Title()), strings.ToLower(b.Title())),
			strings.Compare(a.Source.Identity, b.Source.Identity),
		)
	})
	return pairs, nil
}
