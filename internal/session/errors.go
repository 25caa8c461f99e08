package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned for unknown or deleted keys on operations
// that do not create sessions.
type ErrSessionNotFound struct {
	Key string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %q not found", e.Key)
}

// ErrSessionExists is returned by Create for a key already in use.
type ErrSessionExists struct {
	Key string
}

func (e *ErrSessionExists) Error() string {
	return fmt.Sprintf("session %q already exists", e.Key)
}

// ErrMalformedSession is returned when a saved session cannot be
// restored. Nothing is installed.
type ErrMalformedSession struct {
	Field  string
	Index  int // message index, -1 for session-level fields
	Reason string
	Err    error
}

func (e *ErrMalformedSession) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("malformed session: message %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed session: %s: %s", e.Field, e.Reason)
}

func (e *ErrMalformedSession) Unwrap() error {
	return e.Err
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("turn stream closed")

// IsNotFound reports whether err is an ErrSessionNotFound.
func IsNotFound(err error) bool {
	var nf *ErrSessionNotFound
	return errors.As(err, &nf)
}

// IsExists reports whether err is an ErrSessionExists.
func IsExists(err error) bool {
	var ee *ErrSessionExists
	return errors.As(err, &ee)
}

// IsMalformed reports whether err is an ErrMalformedSession.
func IsMalformed(err error) bool {
	var me *ErrMalformedSession
	return errors.As(err, &me)
}
