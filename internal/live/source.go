// Package live ingests messages pulled or pushed from a remote service into
// a target archive without duplicating what the archive already holds.
package live

import (
	"context"

	"github.com/matheus3301/chatmerge/internal/reconcile"
	"github.com/matheus3301/chatmerge/internal/store"
)

// Source is a remote chat service.
type Source interface {
	Conversations(ctx context.Context) ([]store.Conversation, error)
	Participants(ctx context.Context, identity string) ([]store.Participant, error)
	// Messages returns one page of a conversation's messages, newest first.
	// An empty cursor asks for the newest page.
	Messages(ctx context.Context, identity, cursor string) (Page, error)
}

// Page is a slice of remote messages plus the cursor of the next, older
// page. Next is empty on the last page.
type Page struct {
	Messages []store.Message
	Next     string
}

// Store is the target archive live ingestion writes to.
type Store interface {
	reconcile.Target
	UpdateMessage(ctx context.Context, id int64, u store.MessageUpdate) error
}

type activityRefresher interface {
	RefreshActivity(ctx context.Context, convID int64) error
}

type identityLinker interface {
	LinkIdentities(ctx context.Context, links map[string]string) (int64, error)
}

// Arrival is one message delivered by the remote service together with the
// conversation it belongs to. Edits arrive with the edited message's remote
// id and the time of the edit.
type Arrival struct {
	Conversation store.Conversation
	Message      store.Message
}

// Result is what ingesting an arrival did.
type Result int

const (
	// Inserted means the message was new.
	Inserted Result = iota
	// Updated means a newer edit replaced the stored body.
	Updated
	// Unchanged means the archive already held the message.
	Unchanged
	// Stale means an older version arrived after a newer one; only edit
	// bookkeeping changed.
	Stale
	// Skipped means the arrival could not be matched or stored, such as a
	// message without a timestamp.
	Skipped
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Stale:
		return "stale"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}
