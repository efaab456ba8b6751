package live

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/match"
	"github.com/matheus3301/chatmerge/internal/store"
	"go.uber.org/zap"
)

// storedRow is what a run remembers of a message in the target archive.
type storedRow struct {
	msg      store.Message
	fp       match.Fingerprint
	editedAt int64
	editedBy string
	// alias is the remote id an arrival attached to a row stored without one.
	alias string
}

// convCache is built from the target the first time a run touches a
// conversation.
type convCache struct {
	idx      *match.Index
	byRemote map[string][]int64
	rows     map[int64]*storedRow
	// stamps holds the last-known timestamp of each remote id.
	stamps map[string]int64
}

// Run is one ingestion pass. Its caches are rebuilt from the target for
// every run and are not safe for concurrent use.
type Run struct {
	st      Store
	matcher *match.Matcher
	names   map[string]string
	logger  *zap.Logger

	convs   map[string]*store.Conversation
	caches  map[int64]*convCache
	touched map[int64]bool
	counts  map[Result]int
}

func newRun(ctx context.Context, st Store, m *match.Matcher, names map[string]string, logger *zap.Logger) (*Run, error) {
	list, err := st.ListConversations(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.EnumerateFailed, "list target conversations", err)
	}
	r := &Run{
		st:      st,
		matcher: m,
		names:   names,
		logger:  logger,
		convs:   make(map[string]*store.Conversation, len(list)),
		caches:  make(map[int64]*convCache),
		touched: make(map[int64]bool),
		counts:  make(map[Result]int),
	}
	for i := range list {
		r.index(&list[i])
	}
	return r, nil
}

func (r *Run) index(c *store.Conversation) {
	r.convs[c.Identity] = c
	if c.LinkedIdentity != "" {
		if _, ok := r.convs[c.LinkedIdentity]; !ok {
			r.convs[c.LinkedIdentity] = c
		}
	}
}

// Counts returns how many arrivals ended with each result.
func (r *Run) Counts() map[Result]int {
	return maps.Clone(r.counts)
}

// Conversation returns the target conversation for c, inserting it when
// the target has none.
func (r *Run) Conversation(ctx context.Context, c store.Conversation) (*store.Conversation, error) {
	if conv, ok := r.convs[c.Identity]; ok {
		if conv.DisplayName == "" && c.DisplayName != "" {
			conv.DisplayName = c.DisplayName
		}
		return conv, nil
	}
	if c.LinkedIdentity != "" {
		if conv, ok := r.convs[c.LinkedIdentity]; ok {
			return conv, nil
		}
	}
	conv := &store.Conversation{
		Identity:       c.Identity,
		LinkedIdentity: c.LinkedIdentity,
		Type:           cmp.Or(c.Type, store.ConversationSingle),
		DisplayName:    c.DisplayName,
	}
	if _, err := r.st.InsertConversation(ctx, conv); err != nil {
		return nil, apperr.Wrap(apperr.StoreWrite, "insert conversation "+c.Identity, err)
	}
	r.index(conv)
	r.caches[conv.ID] = newConvCache(r.matcher)
	r.logger.Debug("conversation created", zap.String("conversation", conv.Identity))
	return conv, nil
}

// Participants inserts those of ps the target conversation lacks and
// returns how many were added.
func (r *Run) Participants(ctx context.Context, conv *store.Conversation, ps []store.Participant) (int, error) {
	have, err := r.st.ListParticipants(ctx, conv.ID)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	seen := make(map[string]bool, len(have))
	for _, p := range have {
		seen[p.Identity] = true
	}
	var missing []store.Participant
	for _, p := range ps {
		if seen[p.Identity] {
			continue
		}
		seen[p.Identity] = true
		p.ConversationID = conv.ID
		missing = append(missing, p)
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := r.st.InsertParticipants(ctx, conv.ID, missing); err != nil {
		return 0, apperr.Wrap(apperr.StoreWrite, "insert participants", err)
	}
	r.touched[conv.ID] = true
	return len(missing), nil
}

// GroupName builds a display name for an unnamed group from its
// participants: up to four names, then an ellipsis.
func (r *Run) GroupName(ps []store.Participant) string {
	var names []string
	for _, p := range ps {
		if r.matcher.Normalizer().Author(p.Identity) == "" {
			continue
		}
		names = append(names, cmp.Or(r.names[p.Identity], p.Identity))
	}
	if len(names) > 4 {
		return strings.Join(names[:4], ", ") + ", ..."
	}
	return strings.Join(names, ", ")
}

func newConvCache(m *match.Matcher) *convCache {
	return &convCache{
		idx:      m.NewIndex(),
		byRemote: make(map[string][]int64),
		rows:     make(map[int64]*storedRow),
		stamps:   make(map[string]int64),
	}
}

func (r *Run) cache(ctx context.Context, conv *store.Conversation) (*convCache, error) {
	if c, ok := r.caches[conv.ID]; ok {
		return c, nil
	}
	c := newConvCache(r.matcher)
	for m, err := range r.st.StreamMessages(ctx, conv.ID, true) {
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", conv.Identity, err)
		}
		c.remember(r.matcher.Normalizer(), m)
	}
	r.caches[conv.ID] = c
	return c, nil
}

func (c *convCache) remember(n *match.Normalizer, m store.Message) *storedRow {
	row := &storedRow{msg: m, fp: n.Fingerprint(&m), editedAt: m.EditedAt, editedBy: m.EditedBy}
	c.rows[m.ID] = row
	c.idx.Add(m)
	if m.RemoteID != "" {
		c.byRemote[m.RemoteID] = append(c.byRemote[m.RemoteID], m.ID)
		c.stamps[m.RemoteID] = max(c.stamps[m.RemoteID], m.Timestamp, m.EditedAt)
	}
	return row
}

// Ingest stores one arrival unless the target already has it. The final
// state of the archive does not depend on the order arrivals come in.
func (r *Run) Ingest(ctx context.Context, a Arrival) (Result, error) {
	res, err := r.ingest(ctx, a)
	if err != nil {
		return Skipped, err
	}
	r.counts[res]++
	return res, nil
}

func (r *Run) ingest(ctx context.Context, a Arrival) (Result, error) {
	m := a.Message
	if m.Timestamp == 0 {
		return Skipped, nil
	}
	conv, err := r.Conversation(ctx, a.Conversation)
	if err != nil {
		return Skipped, err
	}
	c, err := r.cache(ctx, conv)
	if err != nil {
		return Skipped, err
	}
	fp := r.matcher.Normalizer().Fingerprint(&m)

	if m.RemoteID != "" {
		if ids := c.byRemote[m.RemoteID]; len(ids) > 0 {
			for _, id := range ids {
				if c.rows[id].fp == fp {
					return Unchanged, nil
				}
			}
			return r.edit(ctx, conv, c, c.rows[ids[0]], m)
		}
	}

	// An unseen remote id only falls back to content for rows that were
	// stored without one; distinct ids are distinct messages.
	var accept func(*match.Candidate) bool
	if m.RemoteID != "" {
		accept = func(cand *match.Candidate) bool {
			row := c.rows[cand.ID]
			return row != nil && row.msg.RemoteID == "" && row.alias == ""
		}
	}
	if cand := r.matcher.FindContent(fp, m.Timestamp, c.idx, accept); cand != nil {
		if m.RemoteID != "" {
			row := c.rows[cand.ID]
			row.alias = m.RemoteID
			c.byRemote[m.RemoteID] = append(c.byRemote[m.RemoteID], cand.ID)
			c.stamps[m.RemoteID] = max(row.msg.Timestamp, row.editedAt, m.Timestamp)
		}
		return Unchanged, nil
	}

	m.ID = 0
	msgs := []store.Message{m}
	if _, err := r.st.InsertMessages(ctx, conv.ID, msgs, nil, 0); err != nil {
		return Skipped, apperr.Wrap(apperr.StoreWrite, "insert message", err)
	}
	c.remember(r.matcher.Normalizer(), msgs[0])
	r.touched[conv.ID] = true
	return Inserted, nil
}

// edit applies an arrival whose remote id the target knows with different
// content. Newer versions replace the body; older ones only move the edit
// bookkeeping.
func (r *Run) edit(ctx context.Context, conv *store.Conversation, c *convCache, row *storedRow, m store.Message) (Result, error) {
	known := c.stamps[m.RemoteID]
	editedAt := max(row.editedAt, known, m.Timestamp)
	id := row.msg.ID

	if m.Timestamp >= known {
		by := cmp.Or(m.EditedBy, m.Author)
		u := store.MessageUpdate{
			BodyRaw:  &m.BodyRaw,
			Body:     &m.Body,
			EditedBy: &by,
			EditedAt: &editedAt,
		}
		if err := r.st.UpdateMessage(ctx, id, u); err != nil {
			return Skipped, apperr.Wrap(apperr.StoreWrite, "update message", err)
		}
		updated := row.msg
		updated.BodyRaw, updated.Body, updated.Identities = m.BodyRaw, m.Body, m.Identities
		c.idx.Replace(updated)
		row.msg = updated
		row.fp = r.matcher.Normalizer().Fingerprint(&updated)
		row.editedAt, row.editedBy = editedAt, by
		c.stamps[m.RemoteID] = m.Timestamp
		r.touched[conv.ID] = true
		return Updated, nil
	}

	var u store.MessageUpdate
	if editedAt != row.editedAt {
		u.EditedAt = &editedAt
		if row.editedBy == "" {
			by := row.msg.Author
			u.EditedBy = &by
			row.editedBy = by
		}
		row.editedAt = editedAt
	}
	if m.Timestamp < row.msg.Timestamp {
		ts := m.Timestamp
		u.Timestamp = &ts
		row.msg.Timestamp = ts
		c.idx.Replace(row.msg)
	}
	if u != (store.MessageUpdate{}) {
		if err := r.st.UpdateMessage(ctx, id, u); err != nil {
			return Skipped, apperr.Wrap(apperr.StoreWrite, "update edit stamps", err)
		}
		r.touched[conv.ID] = true
	}
	return Stale, nil
}

// End refreshes the activity timestamps of every conversation the run
// changed.
func (r *Run) End(ctx context.Context) error {
	ar, ok := r.st.(activityRefresher)
	if !ok {
		return nil
	}
	for id := range r.touched {
		if err := ar.RefreshActivity(ctx, id); err != nil {
			return apperr.Wrap(apperr.StoreWrite, "refresh activity", err)
		}
	}
	clear(r.touched)
	return nil
}
