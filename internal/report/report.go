// Package report renders reconciliation diffs for people and scripts.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/matheus3301/chatmerge/internal/reconcile"
	"github.com/matheus3301/chatmerge/internal/store"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json or yaml. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q: want text, json or yaml", s)
	}
}

// Row summarizes one conversation's diff.
type Row struct {
	Conversation string `json:"conversation" yaml:"conversation"`
	Title        string `json:"title" yaml:"title"`
	InTarget     bool   `json:"in_target" yaml:"in_target"`
	Messages     int    `json:"messages" yaml:"messages"`
	Participants int    `json:"participants" yaml:"participants"`
	Superseded   int    `json:"superseded" yaml:"superseded"`
}

// Report is the document written for json and yaml output.
type Report struct {
	Conversations []Row `json:"conversations" yaml:"conversations"`
	Total         Row   `json:"total" yaml:"total"`
}

// Rows summarizes diffs in order. Nil diffs are skipped.
func Rows(diffs []*reconcile.Diff) []Row {
	rows := make([]Row, 0, len(diffs))
	for _, d := range diffs {
		if d == nil {
			continue
		}
		rows = append(rows, Row{
			Conversation: d.Conversation.Identity,
			Title:        d.Conversation.Title(),
			InTarget:     d.Target != nil,
			Messages:     len(d.Messages),
			Participants: len(d.Participants),
			Superseded:   d.Superseded,
		})
	}
	return rows
}

// Build summarizes diffs with a total row.
func Build(diffs []*reconcile.Diff) Report {
	r := Report{Conversations: Rows(diffs), Total: Row{Conversation: "total"}}
	for _, row := range r.Conversations {
		r.Total.Messages += row.Messages
		r.Total.Participants += row.Participants
		r.Total.Superseded += row.Superseded
	}
	return r
}

// Render writes diffs to w in the given format.
func Render(w io.Writer, format Format, diffs []*reconcile.Diff) error {
	r := Build(diffs)
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(r)
	case FormatText, "":
		return renderText(w, r)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func renderText(w io.Writer, r Report) error {
	if len(r.Conversations) == 0 {
		_, err := fmt.Fprintln(w, "No differences.")
		return err
	}
	headers := []string{"CONVERSATION", "TITLE", "TARGET", "MESSAGES", "PARTICIPANTS", "SUPERSEDED"}
	cells := make([][]string, 0, len(r.Conversations)+1)
	for _, row := range append(r.Conversations, r.Total) {
		target := "new"
		if row.InTarget {
			target = "exists"
		}
		if row.Conversation == "total" {
			target = ""
		}
		cells = append(cells, []string{
			row.Conversation, row.Title, target,
			fmt.Sprint(row.Messages), fmt.Sprint(row.Participants), fmt.Sprint(row.Superseded),
		})
	}
	return table(w, headers, cells)
}

func table(w io.Writer, headers []string, rows [][]string) error {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	var b strings.Builder
	line := func(cells []string) {
		for i, cell := range cells {
			if i < len(cells)-1 {
				fmt.Fprintf(&b, "%-*s  ", widths[i], cell)
			} else {
				b.WriteString(cell)
			}
		}
		b.WriteByte('\n')
	}
	line(headers)
	sep := make([]string, len(widths))
	for i, n := range widths {
		sep[i] = strings.Repeat("-", n)
	}
	line(sep)
	for _, row := range rows {
		line(row)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// MessageGetter reads a single archived message.
type MessageGetter interface {
	GetMessage(ctx context.Context, id int64) (*store.Message, error)
}

// Edits writes a unified diff of the target body against the source body
// for every superseded message in d.
func Edits(ctx context.Context, w io.Writer, src, tgt MessageGetter, d *reconcile.Diff) error {
	for _, e := range d.Edits {
		from, err := tgt.GetMessage(ctx, e.TargetID)
		if err != nil {
			return fmt.Errorf("target message %d: %w", e.TargetID, err)
		}
		to, err := src.GetMessage(ctx, e.SourceID)
		if err != nil {
			return fmt.Errorf("source message %d: %w", e.SourceID, err)
		}
		text, err := EditDiff(e.RemoteID, from.BodyRaw, to.BodyRaw)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
	}
	return nil
}

// EditDiff returns a unified diff between two versions of a message body.
func EditDiff(remoteID, old, new string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.TrimSuffix(old, "\n")),
		B:        difflib.SplitLines(strings.TrimSuffix(new, "\n")),
		FromFile: "target/" + remoteID,
		ToFile:   "source/" + remoteID,
		Context:  2,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("diff %s: %w", remoteID, err)
	}
	return text, nil
}
