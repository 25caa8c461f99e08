// Package store saves and loads session snapshots, either as one file per
// session in a chosen format or as rows in a SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/session"
)

var (
	// ErrNotFound is returned when no session is saved under a key.
	ErrNotFound = errors.New("saved session not found")
	// ErrInvalidKey is returned for keys that cannot name a saved session.
	ErrInvalidKey = errors.New("invalid session key")
)

// Store persists session snapshots by key.
type Store interface {
	Save(ctx context.Context, key string, snap *session.Snapshot) error
	Load(ctx context.Context, key string) (*session.Snapshot, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateKey checks that key is safe to use as a file name.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// New opens the store selected by cfg. It returns a nil Store when the
// driver is "none".
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "file":
		codec, err := NewCodec(cfg.Format)
		if err != nil {
			return nil, err
		}
		return NewFileStore(cfg.Dir, codec), nil
	case "sqlite":
		db, err := OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s (supported: file, sqlite, none)", cfg.Driver)
	}
}
