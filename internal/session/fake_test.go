package session

import (
	"context"
	"sync"

	"github.com/ginkida/chat-runner/internal/llm"
)

// fakeClient answers selection calls with selection and generation calls
// by echoing the last user message.
type fakeClient struct {
	mu        sync.Mutex
	requests  []*llm.Request
	selection string
	err       error
	genErr    error
	deltas    []string
	// gate, when set, holds each streamed delta until a value is received.
	gate chan struct{}
	// truncate closes the stream without a Done chunk.
	truncate bool
}

func (f *fakeClient) Model() string { return "gpt-test" }

func (f *fakeClient) record(req *llm.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeClient) Requests() []*llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*llm.Request(nil), f.requests...)
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	if len(req.Vocabulary) > 0 {
		return &llm.Response{
			Text:         f.selection,
			FinishReason: llm.FinishReasonMaxTokens,
			Usage:        llm.Usage{PromptTokens: 30, CompletionTokens: 1, TotalTokens: 31},
		}, nil
	}
	if f.genErr != nil {
		return nil, f.genErr
	}
	last := req.Messages[len(req.Messages)-1].Content
	return &llm.Response{
		Text:         "reply to: " + last,
		FinishReason: llm.FinishReasonStop,
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *llm.Request) (*llm.StreamResponse, error) {
	f.record(req)
	if f.genErr != nil {
		return nil, f.genErr
	}
	chunks := make(chan llm.ResponseChunk)
	done := make(chan struct{})
	go func() {
		defer close(chunks)
		defer close(done)
		for _, d := range f.deltas {
			if f.gate != nil {
				select {
				case <-f.gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case chunks <- llm.ResponseChunk{Text: d}:
			case <-ctx.Done():
				return
			}
		}
		if f.truncate {
			return
		}
		select {
		case chunks <- llm.ResponseChunk{Done: true, FinishReason: llm.FinishReasonStop}:
		case <-ctx.Done():
		}
	}()
	return &llm.StreamResponse{Chunks: chunks, Done: done}, nil
}
