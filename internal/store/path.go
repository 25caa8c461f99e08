package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ginkida/chat-runner/internal/session"
)

// ReadFile decodes the snapshot at path, choosing the format from its
// extension.
func ReadFile(path string) (*session.Snapshot, error) {
	codec, err := CodecForPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return codec.Decode(f)
}

// WriteFile encodes snap to path in the format named by its extension.
// The file is replaced atomically.
func WriteFile(path string, snap *session.Snapshot) error {
	codec, err := CodecForPath(path)
	if err != nil {
		return err
	}
	if err := writeAtomic(path, func(w io.Writer) error { return codec.Encode(w, snap) }); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeAtomic writes to a temporary file beside path and renames it into
// place, so readers never see a partial file.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
