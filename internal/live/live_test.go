package live

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/gateway"
	"github.com/matheus3301/chatmerge/internal/lock"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/store"
	"github.com/matheus3301/chatmerge/internal/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var chat = store.Conversation{Identity: "alice@s.whatsapp.net", Type: store.ConversationSingle}

func arrival(m store.Message) Arrival {
	return Arrival{Conversation: chat, Message: m}
}

func editOf(remoteID, author string, ts int64, body string) store.Message {
	m := testutil.Text(remoteID, author, ts, body)
	m.EditedBy, m.EditedAt = author, ts
	return m
}

func newIngestor(st Store, cfg Config) *Ingestor {
	clock := testutil.FixedClock()
	gw := gateway.New(gateway.DefaultConfig(), gateway.WithClock(clock.Now, clock.Sleep))
	return NewIngestor(st, gw, nil, nil, cfg, nil)
}

func begin(t *testing.T, st Store) *Run {
	t.Helper()
	run, err := newIngestor(st, Config{}).Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestIngestResults(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	run := begin(t, st)
	t1, t2 := testutil.At(0), testutil.At(5*time.Minute)

	steps := []struct {
		name string
		msg  store.Message
		want Result
	}{
		{"new", testutil.Text("r1", "alice", t1, "hello"), Inserted},
		{"redelivery", testutil.Text("r1", "alice", t1, "hello"), Unchanged},
		{"same content without remote id", testutil.Text("", "alice", t1+60_000, "hello"), Unchanged},
		{"same content under another remote id", testutil.Text("r9", "alice", t1, "hello"), Inserted},
		{"no timestamp", testutil.Text("r2", "alice", 0, "lost"), Skipped},
		{"edit", editOf("r1", "alice", t2, "hello!"), Updated},
		{"original after edit", testutil.Text("r1", "alice", t1, "hello"), Stale},
		{"edit redelivered", editOf("r1", "alice", t2, "hello!"), Unchanged},
		{"stored without remote id", testutil.Text("", "alice", t1, "bye"), Inserted},
		{"remote id attaches to unidentified row", testutil.Text("r7", "alice", t1+30_000, "bye"), Unchanged},
		{"attached id redelivered", testutil.Text("r7", "alice", t1+30_000, "bye"), Unchanged},
		{"second id for the same content", testutil.Text("r8", "alice", t1, "bye"), Inserted},
	}
	for _, step := range steps {
		got, err := run.Ingest(ctx, arrival(step.msg))
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got != step.want {
			t.Errorf("%s: got %s, want %s", step.name, got, step.want)
		}
	}

	conv := st.Conversation(chat.Identity)
	msgs := st.Messages(conv.ID)
	if len(msgs) != 4 {
		t.Fatalf("stored %d messages, want 4", len(msgs))
	}
	i := slices.IndexFunc(msgs, func(m store.Message) bool { return m.RemoteID == "r1" })
	if i < 0 {
		t.Fatal("r1 not stored")
	}
	edited := msgs[i]
	if edited.Body != "hello!" || edited.EditedAt != t2 || edited.EditedBy != "alice" || edited.Timestamp != t1 {
		t.Errorf("edited message = %+v", edited)
	}
	counts := run.Counts()
	if counts[Inserted] != 4 || counts[Unchanged] != 5 || counts[Updated] != 1 || counts[Stale] != 1 || counts[Skipped] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestDistinctRemoteIDsSameContentKept(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	run := begin(t, st)
	t0 := testutil.At(0)

	for _, m := range []store.Message{
		testutil.Text("r1", "alice", t0, "ok"),
		testutil.Text("r2", "alice", t0+60_000, "ok"),
	} {
		got, err := run.Ingest(ctx, arrival(m))
		if err != nil {
			t.Fatal(err)
		}
		if got != Inserted {
			t.Errorf("%s: got %s, want %s", m.RemoteID, got, Inserted)
		}
	}
	if n := len(st.Messages(st.Conversation(chat.Identity).ID)); n != 2 {
		t.Errorf("stored %d messages, want 2", n)
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestEditOrderIndependence(t *testing.T) {
	t1, t2, t3 := testutil.At(0), testutil.At(time.Minute), testutil.At(2*time.Minute)
	versions := []store.Message{
		testutil.Text("r1", "alice", t1, "first"),
		editOf("r1", "alice", t2, "second"),
		editOf("r1", "alice", t3, "third"),
	}

	for _, order := range permutations(len(versions)) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			ctx := context.Background()
			st := testutil.NewMemStore()
			run := begin(t, st)
			for _, i := range order {
				if _, err := run.Ingest(ctx, arrival(versions[i])); err != nil {
					t.Fatal(err)
				}
			}
			msgs := st.Messages(st.Conversation(chat.Identity).ID)
			if len(msgs) != 1 {
				t.Fatalf("stored %d messages, want 1", len(msgs))
			}
			m := msgs[0]
			if m.Body != "third" || m.Timestamp != t1 || m.EditedAt != t3 || m.EditedBy != "alice" {
				t.Errorf("final = body %q ts %d edited_at %d edited_by %q", m.Body, m.Timestamp, m.EditedAt, m.EditedBy)
			}
		})
	}
}

func TestCacheLoadedFromTarget(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	edited := testutil.Text("r1", "alice", testutil.At(0), "v2")
	edited.EditedAt = testutil.At(10 * time.Minute)
	st.AddConversation(chat, nil, edited)

	run := begin(t, st)
	// Older than the stored edit, so only bookkeeping may move.
	got, err := run.Ingest(ctx, arrival(testutil.Text("r1", "alice", testutil.At(5*time.Minute), "v1")))
	if err != nil {
		t.Fatal(err)
	}
	if got != Stale {
		t.Errorf("got %s, want stale", got)
	}
	if m := st.Messages(st.Conversation(chat.Identity).ID)[0]; m.Body != "v2" {
		t.Errorf("body = %q", m.Body)
	}
}

func TestIngestResolvesLinkedIdentity(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	id := st.AddConversation(store.Conversation{Identity: "5511@s.whatsapp.net", LinkedIdentity: "9988@lid"}, nil)

	run := begin(t, st)
	a := Arrival{
		Conversation: store.Conversation{Identity: "9988@lid"},
		Message:      testutil.Text("r1", "bob", testutil.At(0), "hi"),
	}
	if _, err := run.Ingest(ctx, a); err != nil {
		t.Fatal(err)
	}
	if n := len(st.Messages(id)); n != 1 {
		t.Errorf("linked conversation has %d messages, want 1", n)
	}
	if st.Conversation("9988@lid") != nil {
		t.Error("a second conversation was created for the linked identity")
	}
}

type fakeRemote struct {
	mu      sync.Mutex
	convs   []store.Conversation
	parts   map[string][]store.Participant
	pages   map[string][]Page
	fetched map[string]int
	listErr error
	msgErr  map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		parts:   make(map[string][]store.Participant),
		pages:   make(map[string][]Page),
		fetched: make(map[string]int),
		msgErr:  make(map[string]error),
	}
}

func (f *fakeRemote) Conversations(ctx context.Context) ([]store.Conversation, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.convs, nil
}

func (f *fakeRemote) Participants(ctx context.Context, identity string) ([]store.Participant, error) {
	return f.parts[identity], nil
}

func (f *fakeRemote) Messages(ctx context.Context, identity, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.msgErr[identity]; err != nil {
		return Page{}, err
	}
	f.fetched[identity]++
	i := 0
	if cursor != "" {
		i, _ = strconv.Atoi(cursor)
	}
	pages := f.pages[identity]
	if i >= len(pages) {
		return Page{}, nil
	}
	p := Page{Messages: pages[i].Messages}
	if i+1 < len(pages) {
		p.Next = strconv.Itoa(i + 1)
	}
	return p, nil
}

func TestSyncStopsAtKnownPage(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	old := []store.Message{
		testutil.Text("r2", "alice", testutil.At(2*time.Minute), "two"),
		testutil.Text("r1", "alice", testutil.At(time.Minute), "one"),
	}
	st.AddConversation(chat, testutil.Members("alice"), old...)

	remote := newFakeRemote()
	remote.convs = []store.Conversation{chat}
	remote.parts[chat.Identity] = testutil.Members("alice", "me")
	remote.pages[chat.Identity] = []Page{
		{Messages: []store.Message{
			testutil.Text("r4", "alice", testutil.At(4*time.Minute), "four"),
			testutil.Text("r3", "", testutil.At(3*time.Minute), "three"),
		}},
		{Messages: old},
		{Messages: []store.Message{testutil.Text("r0", "alice", testutil.At(0), "zero")}},
	}

	done, err := newIngestor(st, Config{}).Sync(ctx, remote, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := remote.fetched[chat.Identity]; got != 2 {
		t.Errorf("fetched %d pages, want 2", got)
	}
	if done.Summary.Messages != 2 || done.Summary.Conversations != 1 {
		t.Errorf("summary = %+v", done.Summary)
	}
	if !done.Done || done.Stopped || len(done.Completed) != 1 {
		t.Errorf("done = %+v", done)
	}
	conv := st.Conversation(chat.Identity)
	if conv.MessageCount != 4 {
		t.Errorf("target has %d messages, want 4", conv.MessageCount)
	}
	if ps := st.Participants(conv.ID); len(ps) != 2 {
		t.Errorf("participants = %+v", ps)
	}
}

func TestSyncPageLimit(t *testing.T) {
	st := testutil.NewMemStore()
	remote := newFakeRemote()
	remote.convs = []store.Conversation{chat}
	for i := range 5 {
		remote.pages[chat.Identity] = append(remote.pages[chat.Identity], Page{Messages: []store.Message{
			testutil.Text(fmt.Sprintf("r%d", i), "alice", testutil.At(time.Duration(-i)*time.Hour), fmt.Sprintf("m%d", i)),
		}})
	}

	done, err := newIngestor(st, Config{PageLimit: 3}).Sync(context.Background(), remote, nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.Summary.Messages != 3 {
		t.Errorf("ingested %d messages, want 3", done.Summary.Messages)
	}
}

func TestSyncNamesUnnamedGroup(t *testing.T) {
	tests := []struct {
		name    string
		members []string
		want    string
	}{
		{"few", []string{"me", "ann", "bob"}, "Ann, Bob"},
		{"many", []string{"ann", "bob", "carol", "dave", "me", "erin"}, "Ann, Bob, carol, dave, ..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testutil.NewMemStore()
			st.SetAccounts("me")
			st.SetContactName("ann", "Ann")
			st.SetContactName("bob", "Bob")
			group := store.Conversation{Identity: "g1@g.us", Type: store.ConversationGroup}

			remote := newFakeRemote()
			remote.convs = []store.Conversation{group}
			remote.parts[group.Identity] = testutil.Members(tt.members...)

			if _, err := newIngestor(st, Config{}).Sync(context.Background(), remote, nil); err != nil {
				t.Fatal(err)
			}
			if got := st.Conversation(group.Identity).DisplayName; got != tt.want {
				t.Errorf("display name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSyncSelection(t *testing.T) {
	st := testutil.NewMemStore()
	other := store.Conversation{Identity: "bob@s.whatsapp.net"}
	remote := newFakeRemote()
	remote.convs = []store.Conversation{chat, other}
	remote.pages[other.Identity] = []Page{{Messages: []store.Message{testutil.Text("b1", "bob", testutil.At(0), "hey")}}}

	done, err := newIngestor(st, Config{}).Sync(context.Background(), remote, []string{other.Identity})
	if err != nil {
		t.Fatal(err)
	}
	if len(done.Completed) != 1 || done.Completed[0] != other.Identity {
		t.Errorf("completed = %v", done.Completed)
	}
	if st.Conversation(chat.Identity) != nil {
		t.Error("unselected conversation was synced")
	}
}

func TestSyncFailures(t *testing.T) {
	t.Run("enumeration is fatal", func(t *testing.T) {
		remote := newFakeRemote()
		remote.listErr = errors.New("not logged in")
		_, err := newIngestor(testutil.NewMemStore(), Config{}).Sync(context.Background(), remote, nil)
		if apperr.CodeOf(err) != apperr.EnumerateFailed {
			t.Errorf("err = %v, want ENUMERATE_FAILED", err)
		}
	})

	t.Run("conversation failure is collected", func(t *testing.T) {
		other := store.Conversation{Identity: "bob@s.whatsapp.net"}
		remote := newFakeRemote()
		remote.convs = []store.Conversation{chat, other}
		remote.msgErr[chat.Identity] = errors.New("bad request")
		remote.pages[other.Identity] = []Page{{Messages: []store.Message{testutil.Text("b1", "bob", testutil.At(0), "hey")}}}

		done, err := newIngestor(testutil.NewMemStore(), Config{}).Sync(context.Background(), remote, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(done.Failures) != 1 || done.Failures[0].Conversation != chat.Identity {
			t.Errorf("failures = %+v", done.Failures)
		}
		if len(done.Completed) != 1 {
			t.Errorf("completed = %v", done.Completed)
		}
	})

	t.Run("lock held", func(t *testing.T) {
		path := lock.ForArchive(filepath.Join(t.TempDir(), "live.db"))
		held, err := lock.AcquireFile(path)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = held.Release() }()

		_, err = newIngestor(testutil.NewMemStore(), Config{LockPath: path}).Sync(context.Background(), newFakeRemote(), nil)
		if apperr.CodeOf(err) != apperr.LockHeld {
			t.Errorf("err = %v, want LOCK_HELD", err)
		}
	})
}

func TestSyncRefreshesActivity(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t, "live")
	remote := newFakeRemote()
	remote.convs = []store.Conversation{chat}
	remote.pages[chat.Identity] = []Page{{Messages: []store.Message{
		testutil.Text("r2", "alice", testutil.At(time.Hour), "later"),
		testutil.Text("r1", "alice", testutil.At(0), "earlier"),
	}}}

	if _, err := newIngestor(db, Config{}).Sync(ctx, remote, nil); err != nil {
		t.Fatal(err)
	}
	conv, err := db.GetConversation(ctx, chat.Identity)
	if err != nil || conv == nil {
		t.Fatalf("conversation = %v, err = %v", conv, err)
	}
	if conv.CreatedAt != testutil.At(0) || conv.LastActivityAt != testutil.At(time.Hour) {
		t.Errorf("created %d, last activity %d", conv.CreatedAt, conv.LastActivityAt)
	}

	// A second sync against the same archive adds nothing.
	done, err := newIngestor(db, Config{}).Sync(ctx, remote, nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.Summary.Messages != 0 {
		t.Errorf("second sync ingested %d messages", done.Summary.Messages)
	}
}

func TestStartIngestsBusEvents(t *testing.T) {
	st := testutil.NewMemStore()
	b := bus.New()
	in := NewIngestor(st, nil, b, nil, Config{}, nil)
	if err := in.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer in.Stop()

	ingested, unsub := b.Subscribe(bus.LiveIngested, 4)
	defer unsub()

	b.Emit(bus.WAMessage, arrival(testutil.Text("r1", "alice", testutil.At(0), "pushed")))
	b.Emit(bus.WAHistoryBatch, []Arrival{
		arrival(testutil.Text("r1", "alice", testutil.At(0), "pushed")),
		arrival(testutil.Text("r2", "alice", testutil.At(time.Minute), "history")),
	})

	total := 0
	timeout := time.After(5 * time.Second)
	for total < 2 {
		select {
		case evt := <-ingested:
			total += evt.Payload.(progress.Summary).Messages
		case <-timeout:
			t.Fatalf("ingested %d messages before timeout", total)
		}
	}
	if n := st.MessageTotal(); n != 2 {
		t.Errorf("store has %d messages, want 2", n)
	}
}

// linkingStore links every announced identity and fails activity refreshes.
type linkingStore struct {
	*testutil.MemStore
}

func (linkingStore) LinkIdentities(_ context.Context, links map[string]string) (int64, error) {
	return int64(len(links)), nil
}

func (linkingStore) RefreshActivity(context.Context, int64) error {
	return errors.New("disk full")
}

func TestLinkLogsFailedRefresh(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	in := NewIngestor(linkingStore{testutil.NewMemStore()}, nil, nil, nil, Config{}, zap.New(core))

	run, err := in.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := run.Ingest(ctx, arrival(testutil.Text("r1", "alice", testutil.At(0), "hi"))); err != nil {
		t.Fatal(err)
	}
	in.run = run
	in.link(ctx, map[string]string{"123@lid": "alice@s.whatsapp.net"})

	if n := logs.FilterMessage("refresh activity failed").Len(); n != 1 {
		t.Errorf("got %d refresh warnings, want 1", n)
	}
	if in.run == run {
		t.Error("run was not restarted after linking")
	}
}
