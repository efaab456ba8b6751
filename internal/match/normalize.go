package match

import (
	"crypto/sha256"
	"slices"
	"strings"

	"github.com/matheus3301/chatmerge/internal/store"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint is a content digest of a message: author, type and body after
// normalization. It is never stored.
type Fingerprint [sha256.Size]byte

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
	"‘", "'", "’", "'", "‚", "'", "´", "'", "`", "'",
)

// Normalizer turns messages into fingerprints. Own account identities are
// blanked from the author since they differ between archives of the same
// owner. Known display names are stripped from "Name (identity)" mentions.
type Normalizer struct {
	own   map[string]struct{}
	names *strings.Replacer
}

// NewNormalizer builds a normalizer. names maps identity to display name and
// may be nil.
func NewNormalizer(accountIDs []string, names map[string]string) *Normalizer {
	n := &Normalizer{own: make(map[string]struct{}, len(accountIDs))}
	for _, id := range accountIDs {
		if id != "" {
			n.own[id] = struct{}{}
		}
	}
	if len(names) > 0 {
		pairs := make([]string, 0, 2*len(names))
		ids := make([]string, 0, len(names))
		for id := range names {
			ids = append(ids, id)
		}
		// Longer forms first so that overlapping names resolve deterministically.
		slices.SortFunc(ids, func(a, b string) int {
			la, lb := len(names[a])+len(a), len(names[b])+len(b)
			if la != lb {
				return lb - la
			}
			return strings.Compare(a, b)
		})
		for _, id := range ids {
			if names[id] == "" {
				continue
			}
			pairs = append(pairs, names[id]+" ("+id+")", id)
		}
		if len(pairs) > 0 {
			n.names = strings.NewReplacer(pairs...)
		}
	}
	return n
}

// Author returns the normalized author key.
func (n *Normalizer) Author(author string) string {
	if _, ok := n.own[author]; ok {
		return ""
	}
	return author
}

// Body returns the normalized comparison text of a message.
func (n *Normalizer) Body(m *store.Message) string {
	if m.Type.IsMembership() {
		ids := slices.Clone(m.Identities)
		slices.Sort(ids)
		return strings.Join(ids, ",")
	}
	text := m.BodyRaw
	if text == "" {
		text = m.Body
	}
	text = StripMarkup(text)
	if n.names != nil {
		text = n.names.Replace(text)
	}
	return NormalizeText(text)
}

// Fingerprint computes the content digest of m.
func (n *Normalizer) Fingerprint(m *store.Message) Fingerprint {
	h := sha256.New()
	h.Write([]byte(n.Author(m.Author)))
	h.Write([]byte{0})
	h.Write([]byte(m.Type))
	h.Write([]byte{0})
	h.Write([]byte(n.Body(m)))
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// StripMarkup removes tags from protocol markup and decodes entities.
func StripMarkup(raw string) string {
	if !strings.ContainsAny(raw, "<&") {
		return raw
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		}
	}
}

// NormalizeText applies NFC, unifies quotes and collapses whitespace.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = quoteReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
