package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/ginkida/chat-runner/internal/session"
)

var csvColumns = []string{
	"role", "content", "received_at",
	"prompt_tokens", "completion_tokens", "total_tokens",
	"finish_reason",
}

// CSVCodec writes one row per message under a header row. Only messages
// survive; session settings come from defaults when the file is loaded.
type CSVCodec struct{}

func (CSVCodec) Encode(w io.Writer, snap *session.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for _, m := range snap.Messages {
		row := []string{
			m.Role, m.Content, m.ReceivedAt,
			formatCount(m.PromptTokens), formatCount(m.CompletionTokens), formatCount(m.TotalTokens),
			m.FinishReason,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Decode reads rows by header name, so column order is free and unknown
// columns are ignored. Totals are rebuilt from the per-message counts and
// marked as a lower bound when any reply lacks them.
func (CSVCodec) Decode(r io.Reader) (*session.Snapshot, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &session.ErrMalformedSession{Field: "document", Index: -1, Reason: "empty"}
		}
		return nil, malformed("csv", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"role", "content", "received_at"} {
		if _, ok := col[required]; !ok {
			return nil, &session.ErrMalformedSession{Field: required, Index: -1, Reason: "missing column"}
		}
	}
	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	snap := &session.Snapshot{}
	for i := 0; ; i++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &session.ErrMalformedSession{Field: "row", Index: i, Reason: "unreadable", Err: err}
		}
		m := session.PortableMessage{
			Role:         field(row, "role"),
			Content:      field(row, "content"),
			ReceivedAt:   field(row, "received_at"),
			FinishReason: field(row, "finish_reason"),
		}
		for _, c := range []struct {
			name string
			dst  **int
		}{
			{"prompt_tokens", &m.PromptTokens},
			{"completion_tokens", &m.CompletionTokens},
			{"total_tokens", &m.TotalTokens},
		} {
			v, err := parseCount(field(row, c.name))
			if err != nil {
				return nil, &session.ErrMalformedSession{Field: c.name, Index: i, Reason: "not an integer", Err: err}
			}
			*c.dst = v
		}
		snap.Messages = append(snap.Messages, m)
	}
	snap.Totals = totalsOf(snap.Messages)
	return snap, nil
}

func (CSVCodec) Extension() string { return "csv" }

func formatCount(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func parseCount(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return &v, nil
}

func totalsOf(msgs []session.PortableMessage) session.Totals {
	var t session.Totals
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		if m.PromptTokens == nil && m.CompletionTokens == nil {
			t.LowerBound = true
			continue
		}
		if m.PromptTokens != nil {
			t.Prompt += *m.PromptTokens
		}
		if m.CompletionTokens != nil {
			t.Completion += *m.CompletionTokens
		}
	}
	t.Total = t.Prompt + t.Completion
	return t
}
