package match

import (
	"slices"

	"github.com/matheus3301/chatmerge/internal/store"
)

// Candidate is what an Index keeps of a target message.
type Candidate struct {
	ID          int64
	RemoteID    string
	Timestamp   int64
	Fingerprint Fingerprint
}

// Index is a lookup structure over target messages, keyed by remote id and
// by fingerprint. Bodies are not retained.
type Index struct {
	norm     *Normalizer
	byRemote map[string][]Candidate
	byFP     map[Fingerprint][]Candidate
	byID     map[int64]Fingerprint
}

// NewIndex returns an empty index. A nil normalizer blanks nothing.
func NewIndex(n *Normalizer) *Index {
	if n == nil {
		n = NewNormalizer(nil, nil)
	}
	return &Index{
		norm:     n,
		byRemote: make(map[string][]Candidate),
		byFP:     make(map[Fingerprint][]Candidate),
		byID:     make(map[int64]Fingerprint),
	}
}

// Add indexes m. Messages without a timestamp cannot be matched and are
// ignored; Add reports whether m was indexed.
func (ix *Index) Add(m store.Message) (Candidate, bool) {
	if m.Timestamp == 0 {
		return Candidate{}, false
	}
	c := Candidate{
		ID:          m.ID,
		RemoteID:    m.RemoteID,
		Timestamp:   m.Timestamp,
		Fingerprint: ix.norm.Fingerprint(&m),
	}
	ix.insert(c)
	return c, true
}

func (ix *Index) insert(c Candidate) {
	if c.RemoteID != "" {
		ix.byRemote[c.RemoteID] = append(ix.byRemote[c.RemoteID], c)
	}
	ix.byFP[c.Fingerprint] = append(ix.byFP[c.Fingerprint], c)
	ix.byID[c.ID] = c.Fingerprint
}

// Replace re-indexes the candidate with m.ID using m's current content.
func (ix *Index) Replace(m store.Message) {
	ix.remove(m.ID)
	ix.Add(m)
}

func (ix *Index) remove(id int64) {
	fp, ok := ix.byID[id]
	if !ok {
		return
	}
	delete(ix.byID, id)
	drop := func(c Candidate) bool { return c.ID == id }
	cands := ix.byFP[fp]
	i := slices.IndexFunc(cands, drop)
	if i < 0 {
		return
	}
	rid := cands[i].RemoteID
	if cands = slices.Delete(cands, i, i+1); len(cands) == 0 {
		delete(ix.byFP, fp)
	} else {
		ix.byFP[fp] = cands
	}
	if rid != "" {
		if rest := slices.DeleteFunc(ix.byRemote[rid], drop); len(rest) == 0 {
			delete(ix.byRemote, rid)
		} else {
			ix.byRemote[rid] = rest
		}
	}
}

// ByRemoteID returns candidates carrying the given remote id.
func (ix *Index) ByRemoteID(remoteID string) []Candidate {
	return ix.byRemote[remoteID]
}

// ByFingerprint returns candidates with the given fingerprint.
func (ix *Index) ByFingerprint(fp Fingerprint) []Candidate {
	return ix.byFP[fp]
}

// Len returns the number of indexed messages.
func (ix *Index) Len() int { return len(ix.byID) }
