package store

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ginkida/chat-runner/internal/session"
)

// Codec converts a snapshot to and from one file format.
type Codec interface {
	Encode(w io.Writer, snap *session.Snapshot) error
	Decode(r io.Reader) (*session.Snapshot, error)
	Extension() string
}

// NewCodec returns the codec for format. An empty format means JSON.
func NewCodec(format string) (Codec, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return JSONCodec{}, nil
	case "yaml", "yml":
		return YAMLCodec{}, nil
	case "csv":
		return CSVCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, yaml, csv)", format)
	}
}

// CodecForPath picks a codec from the file extension of path.
func CodecForPath(path string) (Codec, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return nil, fmt.Errorf("cannot infer format of %s: no extension", path)
	}
	return NewCodec(ext)
}

func malformed(format string, err error) error {
	return &session.ErrMalformedSession{Field: "document", Index: -1, Reason: "invalid " + format, Err: err}
}
