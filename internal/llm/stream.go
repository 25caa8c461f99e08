package llm

import (
	"context"
	"strings"
)

// StreamResponse carries incremental fragments of a streamed generation.
type StreamResponse struct {
	Chunks <-chan ResponseChunk
	Done   <-chan struct{}
}

// ResponseChunk is a single piece of a streaming response.
type ResponseChunk struct {
	Text         string
	Error        error
	Done         bool
	FinishReason FinishReason
}

// Collect reads all chunks into a single Response. Usage is left empty
// because streamed responses carry no token counts. A stream that closes
// without a Done chunk is an error.
func (sr *StreamResponse) Collect(ctx context.Context) (*Response, error) {
	var asm Assembler
	resp := &Response{}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-sr.Chunks:
			if !ok {
				return nil, &TransportError{Op: "stream", Err: ErrTruncatedStream}
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			asm.Consume(chunk.Text)
			if chunk.Done {
				resp.Text = asm.Text()
				resp.FinishReason = chunk.FinishReason
				return resp, nil
			}
		}
	}
}

// Assembler accumulates streamed deltas into the running response text.
// The zero value is ready to use. Not safe for concurrent use.
type Assembler struct {
	buf       strings.Builder
	fragments int
}

// Consume appends delta and returns it together with the full text so far.
func (a *Assembler) Consume(delta string) (string, string) {
	if delta != "" {
		a.buf.WriteString(delta)
		a.fragments++
	}
	return delta, a.buf.String()
}

// Text returns the accumulated text.
func (a *Assembler) Text() string {
	return a.buf.String()
}

// Fragments returns the number of non-empty deltas consumed.
func (a *Assembler) Fragments() int {
	return a.fragments
}

// Reset discards everything accumulated so far.
func (a *Assembler) Reset() {
	a.buf.Reset()
	a.fragments = 0
}
