package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by the namespace before the first dot.
const (
	JobStateChanged  = "job.state_changed"
	JobProgress      = "job.progress"
	JobDone          = "job.done"
	LiveStateChanged = "live.state_changed"
	LiveProgress     = "live.progress"
	LiveDone         = "live.done"
	LiveIngested     = "live.ingested"
	WAMessage        = "wa.message"
	WAHistoryBatch   = "wa.history_batch"
	WAIdentityLinks  = "wa.identity_links"
	WAQRCode         = "wa.qr_code"
	WAPairSuccess    = "wa.pair_success"
)
