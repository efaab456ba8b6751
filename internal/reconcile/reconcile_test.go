package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/store"
	"github.com/matheus3301/chatmerge/internal/testutil"
)

func newDiffer(t *testing.T, src, dst Source, opts Options) *Differ {
	t.Helper()
	d, err := NewDiffer(context.Background(), src, dst, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func diffAll(t *testing.T, src Source, dst Source, opts Options) []*Diff {
	t.Helper()
	ctx := context.Background()
	pairs, err := Pair(ctx, src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := newDiffer(t, src, dst, opts)
	var out []*Diff
	for _, p := range pairs {
		diff, err := d.Diff(ctx, p, nil)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, diff)
	}
	return out
}

func TestTargetAbsentMergesEverything(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	src.AddConversation(testutil.Group("g1", "Friends"), testutil.Members("alice", "bob", "carol"),
		testutil.Text("r1", "alice", testutil.At(0), "one"),
		testutil.Text("r2", "bob", testutil.At(time.Minute), "two"),
		testutil.Text("", "carol", testutil.At(2*time.Minute), "three"),
		testutil.Text("r4", "alice", testutil.At(3*time.Minute), "four"),
		testutil.Text("r5", "bob", testutil.At(4*time.Minute), "five"),
	)

	diffs := diffAll(t, src, dst, DefaultOptions())
	if len(diffs) != 1 {
		t.Fatalf("got %d diffs, want 1", len(diffs))
	}
	diff := diffs[0]
	if diff.Target != nil {
		t.Fatal("target should be absent")
	}
	if len(diff.Messages) != 5 || len(diff.Participants) != 3 {
		t.Fatalf("diff has %d messages, %d participants; want 5, 3", len(diff.Messages), len(diff.Participants))
	}

	counts, err := NewApplier(dst, DefaultOptions(), nil).Apply(ctx, diff)
	if err != nil {
		t.Fatal(err)
	}
	if !counts.Created || counts.Messages != 5 || counts.Participants != 3 {
		t.Errorf("counts = %+v", counts)
	}

	conv := dst.Conversation("g1")
	if conv == nil {
		t.Fatal("conversation not created")
	}
	if conv.DisplayName != "Friends" || conv.Type != store.ConversationGroup {
		t.Errorf("conversation = %+v", conv)
	}
	if got := dst.Messages(conv.ID); len(got) != 5 {
		t.Errorf("target has %d messages, want 5", len(got))
	}
	if got := dst.Participants(conv.ID); len(got) != 3 {
		t.Errorf("target has %d participants, want 3", len(got))
	}
}

func TestShiftedOffsetWithoutRemoteIDIsNotDuplicated(t *testing.T) {
	shift := 90 * time.Minute
	history := func(offset time.Duration) []store.Message {
		return []store.Message{
			testutil.Text("r1", "alice", testutil.At(offset), "morning"),
			testutil.Text("r2", "bob", testutil.At(offset+time.Minute), "hi alice"),
			testutil.Text("", "alice", testutil.At(offset+2*time.Minute), "see you at noon"),
			testutil.Text("r4", "carol", testutil.At(offset+3*time.Minute), "ok"),
			testutil.Text("r5", "bob", testutil.At(offset+4*time.Minute), "bring coffee"),
		}
	}
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	src.AddConversation(testutil.Group("g1", "Team"), nil, history(0)...)
	dst.AddConversation(testutil.Group("g1", "Team"), nil, history(shift)...)

	diffs := diffAll(t, src, dst, DefaultOptions())
	total := 0
	for _, d := range diffs {
		total += len(d.Messages)
	}
	if total != 0 {
		t.Errorf("expected no new messages, got %d", total)
	}
}

func TestDistinctRemoteIDsSameContentKept(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	src.AddConversation(testutil.Group("g1", "Team"), nil,
		testutil.Text("r1", "alice", testutil.At(0), "ok"),
		testutil.Text("r2", "alice", testutil.At(time.Minute), "ok"))
	dst.AddConversation(testutil.Group("g1", "Team"), nil,
		testutil.Text("r1", "alice", testutil.At(0), "ok"))

	diff := diffAll(t, src, dst, DefaultOptions())[0]
	if len(diff.Messages) != 1 || diff.Messages[0].RemoteID != "r2" {
		t.Fatalf("diff messages = %+v, want only r2", diff.Messages)
	}
	if _, err := NewApplier(dst, DefaultOptions(), nil).Apply(ctx, diff); err != nil {
		t.Fatal(err)
	}
	if got := dst.Messages(dst.Conversation("g1").ID); len(got) != 2 {
		t.Errorf("target has %d messages, want 2", len(got))
	}
}

func TestDiffCases(t *testing.T) {
	tests := []struct {
		name       string
		src        []store.Message
		dst        []store.Message
		wantMsgs   int
		superseded int
	}{
		{
			name: "source empty",
			dst:  []store.Message{testutil.Text("r1", "a", testutil.At(0), "x")},
		},
		{
			name:     "target empty takes everything",
			src:      []store.Message{testutil.Text("r1", "a", testutil.At(0), "x"), testutil.Text("", "a", 0, "no time")},
			wantMsgs: 2,
		},
		{
			name:     "new message after shared history",
			src:      []store.Message{testutil.Text("r1", "a", testutil.At(0), "x"), testutil.Text("r2", "b", testutil.At(time.Hour), "y")},
			dst:      []store.Message{testutil.Text("r1", "a", testutil.At(0), "x")},
			wantMsgs: 1,
		},
		{
			name:       "edited message is superseded",
			src:        []store.Message{testutil.Text("r1", "a", testutil.At(0), "x (edited)")},
			dst:        []store.Message{testutil.Text("r1", "a", testutil.At(0), "x")},
			wantMsgs:   1,
			superseded: 1,
		},
		{
			name: "remote id absent on target side only",
			src:  []store.Message{testutil.Text("r1", "a", testutil.At(0), "x")},
			dst:  []store.Message{testutil.Text("", "a", testutil.At(time.Minute), "x")},
		},
		{
			name: "untimed source message is not compared",
			src:  []store.Message{testutil.Text("", "a", 0, "x")},
			dst:  []store.Message{testutil.Text("", "b", testutil.At(0), "y")},
		},
		{
			name: "membership compared by identities",
			src:  []store.Message{testutil.Membership(store.TypeMembershipAdd, "a", testutil.At(0), "x", "y")},
			dst: []store.Message{func() store.Message {
				m := testutil.Membership(store.TypeMembershipAdd, "a", testutil.At(0), "y", "x")
				m.Body = "Alice added Y and X"
				return m
			}()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.NewMemStore()
			dst := testutil.NewMemStore()
			src.AddConversation(testutil.Group("g", "G"), nil, tt.src...)
			dst.AddConversation(testutil.Group("g", "G"), nil, tt.dst...)

			diff := diffAll(t, src, dst, DefaultOptions())[0]
			if len(diff.Messages) != tt.wantMsgs {
				t.Errorf("messages = %d, want %d", len(diff.Messages), tt.wantMsgs)
			}
			if diff.Superseded != tt.superseded || len(diff.Edits) != tt.superseded {
				t.Errorf("superseded = %d (%d edits), want %d", diff.Superseded, len(diff.Edits), tt.superseded)
			}
		})
	}
}

func TestDiffOrderedByTimestamp(t *testing.T) {
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	src.AddConversation(testutil.Group("g", "G"), nil,
		testutil.Text("r3", "a", testutil.At(3*time.Hour), "c"),
		testutil.Text("r1", "a", testutil.At(time.Hour), "a"),
		testutil.Text("r0", "a", testutil.At(0), "shared"),
		testutil.Text("r2", "a", testutil.At(2*time.Hour), "b"),
	)
	dst.AddConversation(testutil.Group("g", "G"), nil, testutil.Text("r0", "a", testutil.At(0), "shared"))

	diff := diffAll(t, src, dst, DefaultOptions())[0]
	if len(diff.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(diff.Messages))
	}
	for i := 1; i < len(diff.Messages); i++ {
		if diff.Messages[i-1].Timestamp > diff.Messages[i].Timestamp {
			t.Fatalf("messages not ascending: %d before %d", diff.Messages[i-1].Timestamp, diff.Messages[i].Timestamp)
		}
	}
}

func TestOwnAccountAuthorsMatch(t *testing.T) {
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	src.SetAccounts("live:owner")
	dst.SetAccounts("owner")
	src.AddConversation(testutil.Group("g", "G"), nil, testutil.Text("", "live:owner", testutil.At(0), "hi"))
	dst.AddConversation(testutil.Group("g", "G"), nil, testutil.Text("", "owner", testutil.At(0), "hi"))

	if diff := diffAll(t, src, dst, DefaultOptions())[0]; !diff.Empty() {
		t.Errorf("own-account message was reported as new")
	}
}

func TestApplyIsIdempotentOnRecomputedDiffs(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	src.AddConversation(testutil.Group("g", "G"), testutil.Members("a", "b"),
		testutil.Text("r1", "a", testutil.At(0), "x"),
		testutil.Text("", "b", testutil.At(time.Minute), "y"),
	)
	dst.AddConversation(testutil.Group("g", "G"), testutil.Members("a"),
		testutil.Text("r1", "a", testutil.At(0), "x"))

	applier := NewApplier(dst, DefaultOptions(), nil)
	for pass := range 3 {
		for _, diff := range diffAll(t, src, dst, DefaultOptions()) {
			counts, err := applier.Apply(ctx, diff)
			if err != nil {
				t.Fatal(err)
			}
			if pass > 0 && (counts.Messages != 0 || counts.Participants != 0) {
				t.Errorf("pass %d wrote %+v", pass, counts)
			}
		}
	}
	conv := dst.Conversation("g")
	if n := len(dst.Messages(conv.ID)); n != 2 {
		t.Errorf("target has %d messages, want 2", n)
	}
	if n := len(dst.Participants(conv.ID)); n != 2 {
		t.Errorf("target has %d participants, want 2", n)
	}
}

func TestPairLinkedIdentities(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()

	src.AddConversation(store.Conversation{Identity: "#alice/$bob;123", DisplayName: "beta"}, nil)
	src.AddConversation(store.Conversation{Identity: "19:new@thread", LinkedIdentity: "#old/$chat;9", DisplayName: "Alpha"}, nil)
	src.AddConversation(store.Conversation{Identity: "lonely", DisplayName: "gamma"}, nil)

	dst.AddConversation(store.Conversation{Identity: "19:beta@thread", LinkedIdentity: "#alice/$bob;123"}, nil)
	dst.AddConversation(store.Conversation{Identity: "#old/$chat;9"}, nil)

	pairs, err := Pair(ctx, src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	want := []struct {
		title  string
		target string
	}{
		{"Alpha", "#old/$chat;9"},
		{"beta", "19:beta@thread"},
		{"gamma", ""},
	}
	for i, w := range want {
		p := pairs[i]
		if p.Title() != w.title {
			t.Errorf("pairs[%d].Title = %q, want %q", i, p.Title(), w.title)
		}
		got := ""
		if p.Target != nil {
			got = p.Target.Identity
		}
		if got != w.target {
			t.Errorf("pairs[%d] target = %q, want %q", i, got, w.target)
		}
	}
}

func TestPairSelection(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	src.AddConversation(testutil.Group("a", "A"), nil)
	src.AddConversation(testutil.Group("b", "B"), nil)

	pairs, err := Pair(ctx, src, dst, []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 || pairs[0].Source.Identity != "b" {
		t.Errorf("pairs = %+v", pairs)
	}

	_, err = Pair(ctx, src, dst, []string{"missing"})
	if !apperr.Is(err, apperr.InvalidParams) {
		t.Errorf("err = %v, want INVALID_PARAMS", err)
	}

	src.ListErr = errors.New("locked")
	_, err = Pair(ctx, src, dst, nil)
	if !apperr.Is(err, apperr.EnumerateFailed) {
		t.Errorf("err = %v, want ENUMERATE_FAILED", err)
	}
}

func TestDiffProgressAndCancellation(t *testing.T) {
	src := testutil.NewMemStore()
	dst := testutil.NewMemStore()
	var msgs []store.Message
	for i := range 10 {
		msgs = append(msgs, testutil.Text("", "a", testutil.At(time.Duration(i)*time.Hour), fmt.Sprintf("m%d", i)))
	}
	src.AddConversation(testutil.Group("g", "G"), nil, msgs...)
	dst.AddConversation(testutil.Group("g", "G"), nil, msgs[0])

	opts := DefaultOptions()
	opts.PostbackEvery = 4
	opts.CheckEvery = 1
	d := newDiffer(t, src, dst, opts)
	pairs, _ := Pair(context.Background(), src, dst, nil)

	var calls []int
	diff, err := d.Diff(context.Background(), pairs[0], func(processed, total int) {
		calls = append(calls, processed)
		if total < processed {
			t.Errorf("total %d below processed %d", total, processed)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Messages) != 9 {
		t.Errorf("messages = %d, want 9", len(diff.Messages))
	}
	// 11 rows scanned: callbacks at 4 and 8, then the final one.
	if len(calls) != 3 || calls[2] != 11 {
		t.Errorf("progress calls = %v", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Diff(ctx, pairs[0], nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type cancellingTarget struct {
	*testutil.MemStore
	cancel context.CancelFunc
}

func (c cancellingTarget) InsertParticipants(ctx context.Context, convID int64, ps []store.Participant) error {
	c.cancel()
	return c.MemStore.InsertParticipants(ctx, convID, ps)
}

func TestApplyYieldObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dst := cancellingTarget{MemStore: testutil.NewMemStore(), cancel: cancel}

	msgs := make([]store.Message, 6)
	for i := range msgs {
		msgs[i] = testutil.Text("", "a", testutil.At(time.Duration(i)*time.Minute), "m")
	}
	diff := &Diff{
		Conversation: testutil.Group("g", "G"),
		Messages:     msgs,
		Participants: testutil.Members("a"),
	}
	opts := DefaultOptions()
	opts.YieldEvery = 2

	_, err := NewApplier(dst, opts, nil).Apply(ctx, diff)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if apperr.Is(err, apperr.StoreWrite) {
		t.Error("cancellation must not be reported as a store failure")
	}
	if n := dst.MessageTotal(); n != 0 {
		t.Errorf("target has %d messages after cancelled batch", n)
	}
}

func TestApplyStoreFailure(t *testing.T) {
	dst := testutil.NewMemStore()
	dst.InsertErr = errors.New("disk full")
	diff := &Diff{Conversation: testutil.Group("g", "G"), Messages: []store.Message{testutil.Text("", "a", 1, "x")}}

	_, err := NewApplier(dst, DefaultOptions(), nil).Apply(context.Background(), diff)
	if !apperr.Is(err, apperr.StoreWrite) {
		t.Errorf("err = %v, want STORE_WRITE", err)
	}
}

func TestReconcileSQLiteArchives(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewTestDB(t, "left")
	dst := testutil.NewTestDB(t, "right")

	srcID, err := src.InsertConversation(ctx, &store.Conversation{Identity: "g", Type: store.ConversationGroup, DisplayName: "G"})
	if err != nil {
		t.Fatal(err)
	}
	dstID, err := dst.InsertConversation(ctx, &store.Conversation{Identity: "g", Type: store.ConversationGroup, DisplayName: "G"})
	if err != nil {
		t.Fatal(err)
	}
	if err := src.InsertParticipants(ctx, srcID, testutil.Members("a", "b")); err != nil {
		t.Fatal(err)
	}
	shared := testutil.Text("", "a", testutil.At(0), "<b>hello</b>")
	if _, err := src.InsertMessages(ctx, srcID, []store.Message{
		shared,
		testutil.Text("r2", "b", testutil.At(time.Minute), "new one"),
	}, nil, 0); err != nil {
		t.Fatal(err)
	}
	shifted := testutil.Text("", "a", testutil.At(2*time.Hour), "hello")
	if _, err := dst.InsertMessages(ctx, dstID, []store.Message{shifted}, nil, 0); err != nil {
		t.Fatal(err)
	}

	applier := NewApplier(dst, DefaultOptions(), nil)
	for _, diff := range diffAll(t, src, dst, DefaultOptions()) {
		if len(diff.Messages) != 1 || len(diff.Participants) != 2 {
			t.Fatalf("diff = %d messages, %d participants", len(diff.Messages), len(diff.Participants))
		}
		if _, err := applier.Apply(ctx, diff); err != nil {
			t.Fatal(err)
		}
	}
	for _, diff := range diffAll(t, src, dst, DefaultOptions()) {
		if !diff.Empty() {
			t.Errorf("second pass not empty: %d messages", len(diff.Messages))
		}
	}
	n, _ := dst.MessageCount(ctx)
	if n != 2 {
		t.Errorf("target message count = %d, want 2", n)
	}
}
