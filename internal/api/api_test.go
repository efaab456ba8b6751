package api

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/job"
	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/reconcile"
	"github.com/matheus3301/chatmerge/internal/status"
	"github.com/matheus3301/chatmerge/internal/store"
	"github.com/matheus3301/chatmerge/internal/testutil"
	"github.com/matheus3301/chatmerge/internal/wa"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeStream struct {
	ctx  context.Context
	sent chan *structpb.Struct
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, sent: make(chan *structpb.Struct, 32)}
}

func (f *fakeStream) Send(m *structpb.Struct) error {
	f.sent <- m
	return nil
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}

func payload(env *structpb.Struct) *structpb.Struct {
	return field(env, "payload").GetStructValue()
}

type harness struct {
	svc    *ReconcileService
	bus    *bus.Bus
	events *JobEvents
	arch   *Archives
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	events := NewJobEvents(b)
	runner := job.New(events.Post, status.NewJobMachine(b), nil)
	arch := NewArchives(nil)
	t.Cleanup(func() {
		runner.Stop(true)
		runner.Wait()
		_ = arch.Close()
	})
	svc := NewReconcileService(runner, events, b, arch, reconcile.DefaultOptions(), "main", nil)
	return &harness{svc: svc, bus: b, events: events, arch: arch}
}

// submit queues a job and waits for it to finish.
func (h *harness) submit(t *testing.T, fields map[string]any) progress.Event {
	t.Helper()
	ch, unsub := h.bus.Subscribe(bus.JobDone, 8)
	defer unsub()

	resp, err := h.svc.Submit(context.Background(), request(t, fields))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	id := field(resp, "job_id").GetStringValue()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			done := evt.Payload.(progress.Event)
			if done.JobID == id {
				return done
			}
		case <-timeout:
			t.Fatalf("job %s did not finish", id)
		}
	}
}

func seedSource(t *testing.T) *store.DB {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewTestDB(t, "left")
	g := testutil.Group("g1", "Climbing")
	id, err := db.InsertConversation(ctx, &g)
	if err != nil {
		t.Fatal(err)
	}
	msgs := []store.Message{
		testutil.Text("r1", "ann", testutil.Base, "hi"),
		testutil.Text("r2", "bob", testutil.Base+1000, "hello"),
	}
	if _, err := db.InsertMessages(ctx, id, msgs, nil, 0); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestSubmitDiffThenMerge(t *testing.T) {
	h := newHarness(t)
	src := seedSource(t)
	target := filepath.Join(t.TempDir(), "right.db")

	diffDone := h.submit(t, map[string]any{"kind": "diff", "source": src.Path(), "target": target})
	if diffDone.Error != "" {
		t.Fatalf("diff job failed: %s", diffDone.Error)
	}
	diffs := h.events.Diffs(diffDone.JobID)
	if len(diffs) != 1 || len(diffs[0].Messages) != 2 {
		t.Fatalf("recorded diffs = %+v", diffs)
	}

	mergeDone := h.submit(t, map[string]any{"kind": "merge", "source": src.Path(), "target": target, "from_job": diffDone.JobID})
	if mergeDone.Error != "" {
		t.Fatalf("merge job failed: %s", mergeDone.Error)
	}
	if mergeDone.Summary.Messages != 2 {
		t.Errorf("merged %d messages, want 2", mergeDone.Summary.Messages)
	}

	dst, err := h.arch.Target(target)
	if err != nil {
		t.Fatal(err)
	}
	convs, err := dst.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].MessageCount != 2 {
		t.Errorf("target conversations = %+v", convs)
	}
}

func TestSubmitInvalid(t *testing.T) {
	h := newHarness(t)
	src := seedSource(t)
	target := filepath.Join(t.TempDir(), "right.db")

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing target", map[string]any{"kind": "diff", "source": src.Path()}},
		{"unknown kind", map[string]any{"kind": "sync", "source": src.Path(), "target": target}},
		{"merge without job", map[string]any{"kind": "merge", "source": src.Path(), "target": target}},
		{"merge unknown job", map[string]any{"kind": "merge", "source": src.Path(), "target": target, "from_job": "nope"}},
		{"missing source file", map[string]any{"kind": "diff", "source": filepath.Join(t.TempDir(), "absent.db"), "target": target}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(context.Background(), request(t, tt.fields))
			if code := grpcstatus.Code(err); code != codes.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument (err %v)", code, err)
			}
		})
	}
}

func TestStatusAndStopWhenIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.svc.Status(ctx, request(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := field(st, "state").GetStringValue(); got != string(status.Idle) {
		t.Errorf("state = %q", got)
	}
	if field(st, "working").GetBoolValue() {
		t.Error("working on an idle runner")
	}

	resp, err := h.svc.Stop(ctx, request(t, map[string]any{"drop": true}))
	if err != nil {
		t.Fatal(err)
	}
	if field(resp, "stopped").GetBoolValue() {
		t.Error("stopped reported with nothing running")
	}
}

func TestWatchFiltersNamespaces(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream := newFakeStream(ctx)

	errc := make(chan error, 1)
	req := request(t, nil)
	go func() { errc <- h.svc.Watch(req, stream) }()

	// Keep publishing until the subscription is in place.
	var env *structpb.Struct
	deadline := time.After(5 * time.Second)
	for env == nil {
		h.bus.Emit(bus.WAMessage, live.Arrival{})
		h.bus.Emit(bus.JobDone, progress.Event{Kind: progress.KindDone, JobID: "j1", Done: true})
		select {
		case env = <-stream.sent:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event streamed")
		}
	}

	if got := field(env, "kind").GetStringValue(); got != bus.JobDone {
		t.Errorf("kind = %q, want %q", got, bus.JobDone)
	}
	if field(env, "event_id").GetStringValue() == "" {
		t.Error("missing event id")
	}
	if field(env, "profile").GetStringValue() != "main" {
		t.Errorf("profile = %q", field(env, "profile").GetStringValue())
	}
	if got := field(payload(env), "job_id").GetStringValue(); got != "j1" {
		t.Errorf("job_id = %q", got)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestJobEventsKeepsRecentJobs(t *testing.T) {
	events := NewJobEvents(nil)
	d := &reconcile.Diff{Conversation: testutil.Group("g1", "")}
	for i := range keepJobs + 1 {
		events.Post(progress.Event{Kind: progress.KindDiff, JobID: fmt.Sprintf("job-%d", i), Diffs: []*reconcile.Diff{d}})
	}
	if got := events.Diffs("job-0"); len(got) != 0 {
		t.Errorf("oldest job still has %d diffs", len(got))
	}
	if got := events.Diffs(fmt.Sprintf("job-%d", keepJobs)); len(got) != 1 {
		t.Errorf("newest job has %d diffs", len(got))
	}
}

func TestRPCErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.New("plain"), codes.Internal},
		{apperr.New(apperr.InvalidParams, "bad"), codes.InvalidArgument},
		{fmt.Errorf("wrapped: %w", apperr.New(apperr.RemoteTransient, "later")), codes.Unavailable},
		{apperr.Wrap(apperr.LockHeld, "target", errors.New("held")), codes.FailedPrecondition},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(rpcError(tt.err)); got != tt.want {
			t.Errorf("rpcError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if rpcError(nil) != nil {
		t.Error("rpcError(nil) != nil")
	}
}

type fakeLive struct {
	loggedIn bool
	convs    []store.Conversation
	msgs     map[string][]store.Message
}

func (f *fakeLive) Conversations(context.Context) ([]store.Conversation, error) {
	return f.convs, nil
}

func (f *fakeLive) Participants(_ context.Context, identity string) ([]store.Participant, error) {
	return testutil.Members("ann@s.whatsapp.net"), nil
}

func (f *fakeLive) Messages(_ context.Context, identity, _ string) (live.Page, error) {
	return live.Page{Messages: f.msgs[identity]}, nil
}

func (f *fakeLive) StartQRAuth(context.Context, *status.Machine) (<-chan wa.AuthEvent, error) {
	ch := make(chan wa.AuthEvent, 2)
	ch <- wa.AuthEvent{Type: wa.AuthEventQRCode, QRCode: "2@abc"}
	ch <- wa.AuthEvent{Type: wa.AuthEventAuthenticated, Message: "authenticated"}
	close(ch)
	return ch, nil
}

func (f *fakeLive) IsLoggedIn() bool    { return f.loggedIn }
func (f *fakeLive) OwnIdentity() string { return "me@s.whatsapp.net" }

func readyConn(t *testing.T) *status.Machine {
	t.Helper()
	m := status.NewConnMachine(nil)
	for _, s := range []status.State{status.Connecting, status.Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func newLiveService(t *testing.T, src *fakeLive, conn *status.Machine) (*LiveService, *store.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, "live")
	in := live.NewIngestor(db, nil, nil, nil, live.Config{}, nil)
	return NewLiveService(src, in, conn, db, "main", nil), db
}

func TestLiveSyncRecordsCheckpoint(t *testing.T) {
	src := &fakeLive{
		loggedIn: true,
		convs:    []store.Conversation{testutil.Group("g1@g.us", "Climbing")},
		msgs: map[string][]store.Message{
			"g1@g.us": {testutil.Text("r1", "ann@s.whatsapp.net", testutil.Base, "hi")},
		},
	}
	svc, _ := newLiveService(t, src, readyConn(t))
	ctx := context.Background()

	resp, err := svc.Sync(ctx, request(t, nil))
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := field(resp, "summary").GetStructValue().GetFields()["messages"].GetNumberValue(); got != 1 {
		t.Errorf("summary messages = %v, want 1", got)
	}

	st, err := svc.Status(ctx, request(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	if field(st, "last_sync").GetStringValue() == "" {
		t.Error("last_sync not recorded")
	}
	if got := field(st, "state").GetStringValue(); got != string(status.Ready) {
		t.Errorf("state = %q", got)
	}
	if got := field(st, "identity").GetStringValue(); got != "me@s.whatsapp.net" {
		t.Errorf("identity = %q", got)
	}
}

func TestLiveSyncNeedsConnection(t *testing.T) {
	svc, _ := newLiveService(t, &fakeLive{}, status.NewConnMachine(nil))
	_, err := svc.Sync(context.Background(), request(t, nil))
	if code := grpcstatus.Code(err); code != codes.FailedPrecondition {
		t.Errorf("code = %v, want FailedPrecondition", code)
	}
}

func TestLiveLogin(t *testing.T) {
	tests := []struct {
		name     string
		loggedIn bool
		want     []string
	}{
		{"pairing", false, []string{"qr_code", "authenticated"}},
		{"already logged in", true, []string{"authenticated"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newLiveService(t, &fakeLive{loggedIn: tt.loggedIn}, status.NewConnMachine(nil))
			stream := newFakeStream(context.Background())
			if err := svc.Login(request(t, nil), stream); err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			close(stream.sent)
			var got []string
			for env := range stream.sent {
				got = append(got, field(payload(env), "type").GetStringValue())
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
		})
	}
}
