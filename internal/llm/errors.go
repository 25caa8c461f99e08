package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrEmptyResponse is returned when the service answers without choices.
var ErrEmptyResponse = errors.New("no choices in response")

// ErrUnsupportedVocabulary is returned when a provider cannot express a
// requested output vocabulary constraint.
var ErrUnsupportedVocabulary = errors.New("output vocabulary constraint not supported")

// ErrTruncatedStream is returned when a stream ends before the service
// signalled completion.
var ErrTruncatedStream = errors.New("stream ended before completion")

// ErrMalformedChunk is returned when a streamed event cannot be decoded.
var ErrMalformedChunk = errors.New("malformed stream event")

// TransportError reports a failed or malformed call to the model service.
// Turns that hit a TransportError are never recorded.
type TransportError struct {
	Op         string // "complete", "stream", "tool selection", ...
	StatusCode int    // HTTP status; 0 when the request never got a response
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: API error (status %d): %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": transport failure"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call could succeed: rate limits,
// server errors and network failures without a response.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		var ne net.Error
		return errors.As(e.Err, &ne)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
