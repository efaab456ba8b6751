package reconcile

import "github.com/matheus3301/chatmerge/internal/match"

// Options tunes diffing and merging.
type Options struct {
	Match match.Config
	// CheckEvery is how many rows pass between cancellation checks.
	CheckEvery int
	// PostbackEvery is how many rows pass between progress callbacks.
	PostbackEvery int
	// YieldEvery is how many inserted rows pass between yield calls.
	YieldEvery int
	// AccountIDs are extra own-account identities to blank from authors.
	AccountIDs []string
}

// DefaultOptions returns the standard options.
func DefaultOptions() Options {
	return Options{
		Match:         match.DefaultConfig(),
		CheckEvery:    5000,
		PostbackEvery: 5000,
		YieldEvery:    20000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Match == (match.Config{}) {
		o.Match = d.Match
	}
	if o.CheckEvery <= 0 {
		o.CheckEvery = d.CheckEvery
	}
	if o.PostbackEvery <= 0 {
		o.PostbackEvery = d.PostbackEvery
	}
	if o.YieldEvery <= 0 {
		o.YieldEvery = d.YieldEvery
	}
	return o
}
