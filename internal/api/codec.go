package api

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/bus"
	"github.com/matheus3301/chatmerge/internal/progress"
	"github.com/matheus3301/chatmerge/internal/report"
	"github.com/matheus3301/chatmerge/internal/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// PayloadVersion is bumped when envelope payload fields change meaning.
const PayloadVersion = 1

// envelope wraps a streamed event with a fresh event id.
func envelope(profile, kind string, at time.Time, payload map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"event_id":            uuid.NewString(),
		"profile":             profile,
		"occurred_at_unix_ms": at.UnixMilli(),
		"kind":                kind,
		"payload_version":     PayloadVersion,
		"payload":             payload,
	})
}

// EventFields flattens a job or live event into a document.
func EventFields(evt progress.Event) map[string]any {
	m := map[string]any{
		"kind":                    string(evt.Kind),
		"job_id":                  evt.JobID,
		"phase":                   string(evt.Phase),
		"conversation":            evt.Conversation,
		"conversation_index":      evt.ConversationIndex,
		"conversation_count":      evt.ConversationCount,
		"messages_processed":      evt.MessagesProcessed,
		"messages_total_estimate": evt.MessagesTotalEstimate,
		"new_count":               evt.NewCount,
		"updated_count":           evt.UpdatedCount,
		"status":                  evt.Status,
		"output":                  evt.Output,
		"done":                    evt.Done,
		"stopped":                 evt.Stopped,
		"error_code":              string(evt.ErrorCode),
		"error":                   evt.Error,
		"summary":                 summaryFields(evt.Summary),
		"completed":               anyList(evt.Completed),
	}
	if len(evt.Diffs) > 0 {
		rows := make([]any, 0, len(evt.Diffs))
		for _, r := range report.Rows(evt.Diffs) {
			rows = append(rows, map[string]any{
				"conversation": r.Conversation,
				"title":        r.Title,
				"in_target":    r.InTarget,
				"messages":     r.Messages,
				"participants": r.Participants,
				"superseded":   r.Superseded,
			})
		}
		m["diffs"] = rows
	}
	if len(evt.Failures) > 0 {
		fs := make([]any, 0, len(evt.Failures))
		for _, f := range evt.Failures {
			fs = append(fs, map[string]any{
				"conversation": f.Conversation,
				"code":         string(f.Code),
				"error":        f.Error,
			})
		}
		m["failures"] = fs
	}
	return m
}

// payloadFields converts a bus payload for streaming. Payload types with no
// document form report false.
func payloadFields(evt bus.Event) (map[string]any, bool) {
	switch p := evt.Payload.(type) {
	case progress.Event:
		return EventFields(p), true
	case progress.Summary:
		return summaryFields(p), true
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}, true
	case string:
		return map[string]any{"value": p}, true
	}
	return nil, false
}

func summaryFields(s progress.Summary) map[string]any {
	return map[string]any{
		"conversations": s.Conversations,
		"messages":      s.Messages,
		"participants":  s.Participants,
		"updated":       s.Updated,
		"superseded":    s.Superseded,
	}
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// stringList reads a list of strings, ignoring other values.
func stringList(in *structpb.Struct, key string) []string {
	v := in.GetFields()[key].GetListValue()
	if v == nil {
		return nil
	}
	var out []string
	for _, item := range v.GetValues() {
		if s, ok := item.GetKind().(*structpb.Value_StringValue); ok {
			out = append(out, s.StringValue)
		}
	}
	return out
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// rpcError maps application error codes to gRPC status codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		return grpcstatus.Error(codes.Internal, err.Error())
	}
	code := codes.Internal
	switch ae.Code {
	case apperr.InvalidParams:
		code = codes.InvalidArgument
	case apperr.LockHeld:
		code = codes.FailedPrecondition
	case apperr.Cancelled:
		code = codes.Canceled
	case apperr.RemoteTransient:
		code = codes.Unavailable
	case apperr.EnumerateFailed, apperr.DiffFailed, apperr.StoreWrite:
		code = codes.Aborted
	}
	return grpcstatus.Error(code, err.Error())
}
