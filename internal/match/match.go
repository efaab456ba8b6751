// Package match decides whether a message from one archive already exists in
// another, despite missing protocol ids, edits and clock offsets.
package match

import (
	"time"

	"github.com/matheus3301/chatmerge/internal/store"
)

// Outcome of matching a source message against a target index.
type Outcome int

const (
	// Absent means no equivalent message exists on the target.
	Absent Outcome = iota
	// Present means an equivalent message exists on the target.
	Present
	// Superseded means the target holds the same logical message (same
	// remote id) with different content.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Present:
		return "present"
	case Superseded:
		return "superseded"
	default:
		return "absent"
	}
}

// Config holds the time matching thresholds.
type Config struct {
	// Leeway is the largest residual difference still considered equal.
	Leeway time.Duration
	// MaxSkew rejects candidates further apart than this outright.
	MaxSkew time.Duration
	// OffsetStep is the granularity of time-zone offsets tolerated between
	// archives. Zero disables offset tolerance.
	OffsetStep time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Leeway:     180 * time.Second,
		MaxSkew:    24 * time.Hour,
		OffsetStep: 30 * time.Minute,
	}
}

// TimeMatch reports whether two naive millisecond timestamps may denote the
// same instant recorded under different time-zone offsets.
func (c Config) TimeMatch(a, b int64) bool {
	if a == 0 || b == 0 {
		return false
	}
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	if delta > c.MaxSkew.Milliseconds() {
		return false
	}
	leeway := c.Leeway.Milliseconds()
	step := c.OffsetStep.Milliseconds()
	if step <= 0 {
		return delta < leeway
	}
	for shift := int64(0); shift <= delta; shift += step {
		if delta-shift < leeway {
			return true
		}
	}
	return false
}

// Matcher compares source messages against an Index of target messages.
// It does no I/O and is safe for concurrent use.
type Matcher struct {
	cfg  Config
	norm *Normalizer
}

// New creates a matcher. A nil normalizer uses one without account ids.
func New(cfg Config, n *Normalizer) *Matcher {
	if n == nil {
		n = NewNormalizer(nil, nil)
	}
	return &Matcher{cfg: cfg, norm: n}
}

// Config returns the thresholds in use.
func (m *Matcher) Config() Config { return m.cfg }

// Normalizer returns the normalizer shared with indexes built by NewIndex.
func (m *Matcher) Normalizer() *Normalizer { return m.norm }

// NewIndex returns an empty index using the matcher's normalizer.
func (m *Matcher) NewIndex() *Index {
	return NewIndex(m.norm)
}

// Match classifies src against idx.
func (m *Matcher) Match(src store.Message, idx *Index) Outcome {
	out, _ := m.Find(src, idx)
	return out
}

// Find classifies src against idx and returns the target candidate
// involved, if any. A remote id known to the target decides the outcome on
// its own. Otherwise content and time are compared, and a source message
// that carries a remote id may only match a target message that has none.
func (m *Matcher) Find(src store.Message, idx *Index) (Outcome, *Candidate) {
	fp := m.norm.Fingerprint(&src)
	var accept func(*Candidate) bool
	if src.RemoteID != "" {
		if cands := idx.ByRemoteID(src.RemoteID); len(cands) > 0 {
			for i := range cands {
				if cands[i].Fingerprint == fp {
					return Present, &cands[i]
				}
			}
			return Superseded, &cands[0]
		}
		accept = Unidentified
	}
	if c := m.FindContent(fp, src.Timestamp, idx, accept); c != nil {
		return Present, c
	}
	return Absent, nil
}

// Unidentified accepts candidates without a remote id.
func Unidentified(c *Candidate) bool { return c.RemoteID == "" }

// FindContent returns the first candidate with fingerprint fp whose
// timestamp time-matches ts and that accept allows, or nil. A nil accept
// allows every candidate.
func (m *Matcher) FindContent(fp Fingerprint, ts int64, idx *Index, accept func(*Candidate) bool) *Candidate {
	cands := idx.ByFingerprint(fp)
	for i := range cands {
		if !m.cfg.TimeMatch(ts, cands[i].Timestamp) {
			continue
		}
		if accept == nil || accept(&cands[i]) {
			return &cands[i]
		}
	}
	return nil
}
