// Package progress defines the events reconciliation and ingestion jobs
// post back to their caller.
package progress

import (
	"github.com/matheus3301/chatmerge/internal/apperr"
	"github.com/matheus3301/chatmerge/internal/reconcile"
)

// Kind distinguishes intermediate from terminal events.
type Kind string

const (
	KindProgress Kind = "progress"
	KindDiff     Kind = "diff"
	KindDone     Kind = "done"
)

// Phase is the stage a job is in.
type Phase string

const (
	PhaseScanning  Phase = "scanning"
	PhaseApplying  Phase = "applying"
	PhaseIngesting Phase = "ingesting"
)

// Summary totals what a job merged or ingested.
type Summary struct {
	Conversations int
	Messages      int
	Participants  int
	Updated       int
	Superseded    int
}

// Failure is a conversation that could not be processed.
type Failure struct {
	Conversation string
	Code         apperr.Code
	Error        string
}

// Event is posted to a job's callback.
type Event struct {
	Kind  Kind
	JobID string
	Phase Phase

	Conversation          string
	ConversationIndex     int
	ConversationCount     int
	MessagesProcessed     int
	MessagesTotalEstimate int
	NewCount              int
	UpdatedCount          int
	Status                string
	Output                string

	// Diffs is set on diff events.
	Diffs []*reconcile.Diff

	// Terminal fields.
	Done      bool
	Stopped   bool
	ErrorCode apperr.Code
	Error     string
	Summary   Summary
	Completed []string
	Failures  []Failure
}

// Callback receives job events. It is invoked from the job's goroutine.
type Callback func(Event)
