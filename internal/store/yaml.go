package store

import (
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ginkida/chat-runner/internal/session"
)

// YAMLCodec writes the full snapshot as a YAML document.
type YAMLCodec struct{}

func (YAMLCodec) Encode(w io.Writer, snap *session.Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func (YAMLCodec) Decode(r io.Reader) (*session.Snapshot, error) {
	var snap session.Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &session.ErrMalformedSession{Field: "document", Index: -1, Reason: "empty"}
		}
		return nil, malformed("yaml", err)
	}
	return &snap, nil
}

func (YAMLCodec) Extension() string { return "yaml" }
