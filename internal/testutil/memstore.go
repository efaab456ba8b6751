// Package testutil provides in-memory archives, clocks and fixtures for
// tests.
package testutil

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/chatmerge/internal/store"
)

// MemStore is an in-memory chat archive implementing the same operations as
// store.DB. Safe for concurrent use.
type MemStore struct {
	mu           sync.Mutex
	convs        []store.Conversation
	participants map[int64][]store.Participant
	messages     map[int64][]store.Message
	accounts     []string
	names        map[string]string
	nextConv     int64
	nextMsg      int64

	// ListErr, when set, fails ListConversations.
	ListErr error
	// InsertErr, when set, fails every insert.
	InsertErr error
	// StreamErr fails StreamMessages for the given conversation ids.
	StreamErr map[int64]error
	// OnStream is called before a conversation's messages are streamed.
	OnStream func(convID int64)
}

// NewMemStore returns an empty archive.
func NewMemStore() *MemStore {
	return &MemStore{
		participants: make(map[int64][]store.Participant),
		messages:     make(map[int64][]store.Message),
		names:        make(map[string]string),
		StreamErr:    make(map[int64]error),
	}
}

// AddConversation seeds a conversation with participants and messages and
// returns its id.
func (s *MemStore) AddConversation(c store.Conversation, ps []store.Participant, msgs ...store.Message) int64 {
	id, _ := s.InsertConversation(context.Background(), &c)
	_ = s.InsertParticipants(context.Background(), id, ps)
	_, _ = s.InsertMessages(context.Background(), id, msgs, nil, 0)
	return id
}

// SetAccounts sets the owner's own identities.
func (s *MemStore) SetAccounts(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = ids
}

// SetContactName records a display name for identity.
func (s *MemStore) SetContactName(identity, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[identity] = name
}

// Messages returns a copy of a conversation's messages ordered by timestamp.
func (s *MemStore) Messages(convID int64) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(convID, true)
}

// Participants returns a copy of a conversation's participants.
func (s *MemStore) Participants(convID int64) []store.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.participants[convID])
}

// Conversation returns the conversation with identity, or nil.
func (s *MemStore) Conversation(identity string) *store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.Identity == identity {
			c.MessageCount = len(s.messages[c.ID])
			return &c
		}
	}
	return nil
}

// MessageTotal returns the number of messages across all conversations.
func (s *MemStore) MessageTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msgs := range s.messages {
		n += len(msgs)
	}
	return n
}

func (s *MemStore) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := slices.Clone(s.convs)
	for i := range out {
		out[i].MessageCount = len(s.messages[out[i].ID])
	}
	return out, nil
}

func (s *MemStore) ListParticipants(ctx context.Context, convID int64) ([]store.Participant, error) {
	return s.Participants(convID), nil
}

func (s *MemStore) StreamMessages(ctx context.Context, convID int64, ascending bool) iter.Seq2[store.Message, error] {
	return func(yield func(store.Message, error) bool) {
		if s.OnStream != nil {
			s.OnStream(convID)
		}
		s.mu.Lock()
		err := s.StreamErr[convID]
		msgs := s.sortedLocked(convID, ascending)
		s.mu.Unlock()
		if err != nil {
			yield(store.Message{}, err)
			return
		}
		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				yield(store.Message{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *MemStore) sortedLocked(convID int64, ascending bool) []store.Message {
	msgs := slices.Clone(s.messages[convID])
	for i := range msgs {
		msgs[i].Identities = slices.Clone(msgs[i].Identities)
	}
	slices.SortStableFunc(msgs, func(a, b store.Message) int {
		c := cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), cmp.Compare(a.ID, b.ID))
		if !ascending {
			return -c
		}
		return c
	})
	return msgs
}

func (s *MemStore) InsertConversation(ctx context.Context, c *store.Conversation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return 0, s.InsertErr
	}
	for _, existing := range s.convs {
		if existing.Identity == c.Identity {
			return 0, fmt.Errorf("conversation %q exists", c.Identity)
		}
	}
	if c.Type == "" {
		c.Type = store.ConversationSingle
	}
	s.nextConv++
	c.ID = s.nextConv
	stored := *c
	stored.MessageCount = 0
	s.convs = append(s.convs, stored)
	return c.ID, nil
}

func (s *MemStore) InsertParticipants(ctx context.Context, convID int64, ps []store.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ps) == 0 {
		return nil
	}
	if s.InsertErr != nil {
		return s.InsertErr
	}
	for _, p := range ps {
		if slices.ContainsFunc(s.participants[convID], func(q store.Participant) bool { return q.Identity == p.Identity }) {
			continue
		}
		p.ConversationID = convID
		if p.Role == "" {
			p.Role = store.RoleMember
		}
		s.participants[convID] = append(s.participants[convID], p)
	}
	return nil
}

// InsertMessages is atomic: a yield error discards the whole batch.
func (s *MemStore) InsertMessages(ctx context.Context, convID int64, msgs []store.Message, yield func() error, every int) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if s.InsertErr != nil {
		s.mu.Unlock()
		return 0, s.InsertErr
	}
	next := s.nextMsg
	s.mu.Unlock()

	staged := make([]store.Message, len(msgs))
	for i, m := range msgs {
		next++
		m.ID = next
		m.ConversationID = convID
		if m.Type == "" {
			m.Type = store.TypeText
		}
		m.Identities = slices.Clone(m.Identities)
		staged[i] = m
		if yield != nil && every > 0 && (i+1)%every == 0 {
			if err := yield(); err != nil {
				return 0, err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Renumber in case another insert ran concurrently.
	for i := range staged {
		s.nextMsg++
		staged[i].ID = s.nextMsg
		msgs[i].ID = s.nextMsg
		msgs[i].ConversationID = convID
	}
	s.messages[convID] = append(s.messages[convID], staged...)
	return len(staged), nil
}

func (s *MemStore) UpdateMessage(ctx context.Context, id int64, u store.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID != id {
				continue
			}
			m := &s.messages[convID][i]
			if u.BodyRaw != nil {
				m.BodyRaw = *u.BodyRaw
			}
			if u.Body != nil {
				m.Body = *u.Body
			}
			if u.EditedBy != nil {
				m.EditedBy = *u.EditedBy
			}
			if u.EditedAt != nil {
				m.EditedAt = *u.EditedAt
			}
			if u.Timestamp != nil {
				m.Timestamp = *u.Timestamp
			}
			return nil
		}
	}
	return fmt.Errorf("update message %d: not found", id)
}

func (s *MemStore) AccountIdentities(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.accounts), nil
}

func (s *MemStore) ContactNames(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.names), nil
}

func (s *MemStore) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				return &m, nil
			}
		}
	}
	return nil, fmt.Errorf("get message %d: not found", id)
}
