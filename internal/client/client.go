// Package client talks to a running chatmerged over its Unix socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatmerge/internal/api"
	"github.com/matheus3301/chatmerge/internal/report"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a connection to one profile daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily
// on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SubmitRequest describes a job to queue.
type SubmitRequest struct {
	Kind          string
	Source        string
	Target        string
	Conversations []string
	TrustDiffs    bool
	// FromJob names the diff job whose diffs a merge job applies.
	FromJob string
}

// SubmitResponse identifies a queued job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
	// Queued is set when another job was running or waiting.
	Queued bool `json:"queued"`
}

// JobStatus is the runner state.
type JobStatus struct {
	Profile string `json:"profile"`
	State   string `json:"state"`
	JobID   string `json:"job_id"`
	Working bool   `json:"working"`
	Stopped bool   `json:"stopped"`
}

// LiveStatus is the live source state.
type LiveStatus struct {
	Profile  string `json:"profile"`
	State    string `json:"state"`
	LoggedIn bool   `json:"logged_in"`
	Identity string `json:"identity"`
	LastSync string `json:"last_sync"`
}

// Summary counts what a job or sync changed.
type Summary struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Participants  int `json:"participants"`
	Updated       int `json:"updated"`
	Superseded    int `json:"superseded"`
}

// Failure is one conversation a job could not finish.
type Failure struct {
	Conversation string `json:"conversation"`
	Code         string `json:"code"`
	Error        string `json:"error"`
}

// Event is a job or live event.
type Event struct {
	Kind                  string       `json:"kind"`
	JobID                 string       `json:"job_id"`
	Phase                 string       `json:"phase"`
	Conversation          string       `json:"conversation"`
	ConversationIndex     int          `json:"conversation_index"`
	ConversationCount     int          `json:"conversation_count"`
	MessagesProcessed     int          `json:"messages_processed"`
	MessagesTotalEstimate int          `json:"messages_total_estimate"`
	NewCount              int          `json:"new_count"`
	UpdatedCount          int          `json:"updated_count"`
	Status                string       `json:"status"`
	Output                string       `json:"output"`
	Done                  bool         `json:"done"`
	Stopped               bool         `json:"stopped"`
	ErrorCode             string       `json:"error_code"`
	Error                 string       `json:"error"`
	Summary               Summary      `json:"summary"`
	Completed             []string     `json:"completed"`
	Diffs                 []report.Row `json:"diffs"`
	Failures              []Failure    `json:"failures"`
}

// StateChange is the payload of a state_changed event.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AuthEvent is one step of QR pairing.
type AuthEvent struct {
	Type    string `json:"type"`
	QRCode  string `json:"qr_code"`
	Message string `json:"message"`
}

// Envelope wraps a streamed event.
type Envelope struct {
	EventID          string          `json:"event_id"`
	Profile          string          `json:"profile"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Kind             string          `json:"kind"`
	PayloadVersion   int             `json:"payload_version"`
	Payload          json.RawMessage `json:"payload"`
}

// OccurredAt returns the event time.
func (e Envelope) OccurredAt() time.Time {
	return time.UnixMilli(e.OccurredAtUnixMs)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

func decode(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, resp); err != nil {
		return err
	}
	return decode(resp, out)
}

// stream opens a server stream and hands each envelope to fn until the
// stream ends, fn fails or ctx is done.
func (c *Client) stream(ctx context.Context, desc *grpc.StreamDesc, method string, fn func(Envelope) error) error {
	s, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return err
	}
	if err := s.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := s.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := s.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var env Envelope
		if err := decode(msg, &env); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

// Submit queues a job.
func (c *Client) Submit(ctx context.Context, r SubmitRequest) (SubmitResponse, error) {
	convs := make([]any, len(r.Conversations))
	for i, id := range r.Conversations {
		convs[i] = id
	}
	var out SubmitResponse
	err := c.invoke(ctx, api.MethodSubmit, map[string]any{
		"kind":          r.Kind,
		"source":        r.Source,
		"target":        r.Target,
		"conversations": convs,
		"trust_diffs":   r.TrustDiffs,
		"from_job":      r.FromJob,
	}, &out)
	return out, err
}

// Stop cancels the running job and clears the queue.
func (c *Client) Stop(ctx context.Context, drop bool) (JobStatus, error) {
	var out JobStatus
	err := c.invoke(ctx, api.MethodStop, map[string]any{"drop": drop}, &out)
	return out, err
}

// Status returns the runner state.
func (c *Client) Status(ctx context.Context) (JobStatus, error) {
	var out JobStatus
	err := c.invoke(ctx, api.MethodStatus, nil, &out)
	return out, err
}

// Watch streams job and live events to fn.
func (c *Client) Watch(ctx context.Context, fn func(Envelope) error) error {
	return c.stream(ctx, &api.ReconcileServiceDesc.Streams[0], api.MethodWatch, fn)
}

// Login runs QR pairing, handing each step to fn.
func (c *Client) Login(ctx context.Context, fn func(AuthEvent) error) error {
	return c.stream(ctx, &api.LiveServiceDesc.Streams[0], api.MethodLogin, func(env Envelope) error {
		var evt AuthEvent
		if err := env.Decode(&evt); err != nil {
			return err
		}
		return fn(evt)
	})
}

// Sync pulls the listed conversations, or all of them, from the live source.
func (c *Client) Sync(ctx context.Context, conversations []string) (Event, error) {
	convs := make([]any, len(conversations))
	for i, id := range conversations {
		convs[i] = id
	}
	var out Event
	err := c.invoke(ctx, api.MethodSync, map[string]any{"conversations": convs}, &out)
	return out, err
}

// LiveStatus returns the live source state.
func (c *Client) LiveStatus(ctx context.Context) (LiveStatus, error) {
	var out LiveStatus
	err := c.invoke(ctx, api.MethodLiveStatus, nil, &out)
	return out, err
}
