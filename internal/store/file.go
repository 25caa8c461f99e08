package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ginkida/chat-runner/internal/session"
)

// FileStore keeps one file per session under dir, named key.<ext>.
type FileStore struct {
	dir   string
	codec Codec
}

func NewFileStore(dir string, codec Codec) *FileStore {
	return &FileStore{dir: dir, codec: codec}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+"."+s.codec.Extension())
}

// Save replaces the file for key atomically.
func (s *FileStore) Save(_ context.Context, key string, snap *session.Snapshot) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	if err := writeAtomic(s.path(key), func(w io.Writer) error { return s.codec.Encode(w, snap) }); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, key string) (*session.Snapshot, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	defer f.Close()

	snap, err := s.codec.Decode(f)
	if err != nil {
		return nil, err
	}
	if snap.ID == "" {
		snap.ID = key
	}
	return snap, nil
}

// List returns the saved keys in this store's format, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}

	suffix := "." + s.codec.Extension()
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, suffix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
