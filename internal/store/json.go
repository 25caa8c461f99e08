package store

import (
	"encoding/json"
	"io"

	"github.com/ginkida/chat-runner/internal/session"
)

// JSONCodec writes the full snapshot as indented JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(w io.Writer, snap *session.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func (JSONCodec) Decode(r io.Reader) (*session.Snapshot, error) {
	var snap session.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, malformed("json", err)
	}
	return &snap, nil
}

func (JSONCodec) Extension() string { return "json" }
