package wa

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/store"
)

const historyPageSize = 50

// History buffers messages delivered by history sync so that a pull sync
// can page through them. Pages are newest first.
type History struct {
	mu    sync.Mutex
	convs map[string]store.Conversation
	msgs  map[string][]store.Message
}

func NewHistory() *History {
	return &History{
		convs: make(map[string]store.Conversation),
		msgs:  make(map[string][]store.Message),
	}
}

// Add records arrivals. A message whose remote id is already buffered
// replaces the older copy.
func (h *History) Add(arrivals []live.Arrival) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dirty := make(map[string]bool)
	for _, a := range arrivals {
		id := a.Conversation.Identity
		if c, ok := h.convs[id]; !ok || c.DisplayName == "" {
			h.convs[id] = a.Conversation
		}
		msgs := h.msgs[id]
		if a.Message.RemoteID != "" {
			i := slices.IndexFunc(msgs, func(m store.Message) bool {
				return m.RemoteID == a.Message.RemoteID && m.EditedAt == a.Message.EditedAt
			})
			if i >= 0 {
				msgs[i] = a.Message
				continue
			}
		}
		h.msgs[id] = append(msgs, a.Message)
		dirty[id] = true
	}
	for id := range dirty {
		slices.SortStableFunc(h.msgs[id], func(x, y store.Message) int {
			return cmp.Compare(y.Timestamp, x.Timestamp)
		})
	}
}

// Conversations returns the buffered conversations ordered by identity.
func (h *History) Conversations() []store.Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]store.Conversation, 0, len(h.convs))
	for _, c := range h.convs {
		out = append(out, c)
	}
	slices.SortFunc(out, func(x, y store.Conversation) int { return cmp.Compare(x.Identity, y.Identity) })
	return out
}

// Page returns up to size messages of a conversation starting at cursor.
// An empty cursor is the newest page; an empty Next means no more pages.
func (h *History) Page(identity, cursor string, size int) (live.Page, error) {
	off := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return live.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		off = n
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.msgs[identity]
	if off >= len(msgs) {
		return live.Page{}, nil
	}
	end := min(off+size, len(msgs))
	page := live.Page{Messages: slices.Clone(msgs[off:end])}
	if end < len(msgs) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}
