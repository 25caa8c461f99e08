package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAssemblerPrefixProperty(t *testing.T) {
	deltas := []string{"The ", "", "quick ", "brown", " fox"}
	var a Assembler
	var prev string
	for _, d := range deltas {
		delta, total := a.Consume(d)
		if delta != d {
			t.Errorf("delta = %q, want %q", delta, d)
		}
		if !strings.HasPrefix(total, prev) {
			t.Errorf("total %q does not extend previous %q", total, prev)
		}
		if total != prev+d {
			t.Errorf("total = %q, want %q", total, prev+d)
		}
		prev = total
	}
	if a.Text() != strings.Join(deltas, "") {
		t.Errorf("Text() = %q", a.Text())
	}
	if a.Fragments() != 4 {
		t.Errorf("Fragments() = %d, want 4", a.Fragments())
	}
	a.Reset()
	if a.Text() != "" || a.Fragments() != 0 {
		t.Error("Reset did not clear state")
	}
}

func TestParamsMerge(t *testing.T) {
	base := Params{Temperature: Float(0.7), MaxTokens: 200, Stop: []string{"\n"}}
	merged := base.Merge(Params{Temperature: Float(0), TopP: Float(0.9)})

	if *merged.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", *merged.Temperature)
	}
	if merged.MaxTokens != 200 {
		t.Errorf("max tokens = %d, want 200", merged.MaxTokens)
	}
	if merged.TopP == nil || *merged.TopP != 0.9 {
		t.Errorf("top_p = %v", merged.TopP)
	}
	if len(merged.Stop) != 1 {
		t.Errorf("stop = %v", merged.Stop)
	}
	if *base.Temperature != 0.7 {
		t.Error("Merge mutated the receiver")
	}
	if !(Params{}).IsZero() || merged.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestParamsMergeCopiesEverything(t *testing.T) {
	base := Params{Temperature: Float(0.7), TopP: Float(1), Stop: []string{"\n", "END"}}
	out := base.Merge(Params{})

	out.Stop[0] = "changed"
	*out.Temperature = 2
	*out.TopP = 0
	if base.Stop[0] != "\n" {
		t.Errorf("stop shared with receiver: %v", base.Stop)
	}
	if *base.Temperature != 0.7 || *base.TopP != 1 {
		t.Errorf("pointers shared with receiver: %v %v", *base.Temperature, *base.TopP)
	}

	override := Params{Stop: []string{"x"}}
	out = Params{}.Merge(override)
	out.Stop[0] = "y"
	if override.Stop[0] != "x" {
		t.Error("stop shared with override")
	}
}

func feed(chunks ...ResponseChunk) *StreamResponse {
	ch := make(chan ResponseChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &StreamResponse{Chunks: ch}
}

func TestCollect(t *testing.T) {
	resp, err := feed(
		ResponseChunk{Text: "a"},
		ResponseChunk{Text: "b"},
		ResponseChunk{Done: true, FinishReason: FinishReasonMaxTokens},
	).Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "ab" || resp.FinishReason != FinishReasonMaxTokens {
		t.Errorf("resp = %+v", resp)
	}

	boom := &TransportError{Op: "stream", Err: errors.New("reset")}
	if _, err := feed(ResponseChunk{Text: "a"}, ResponseChunk{Error: boom}).Collect(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}

	if _, err := feed(ResponseChunk{Text: "cut"}).Collect(context.Background()); !errors.Is(err, ErrTruncatedStream) {
		t.Errorf("stream without Done: err = %v", err)
	}
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Op: "complete", StatusCode: 401, Body: "unauthorized"}
	if got := err.Error(); got != "complete: API error (status 401): unauthorized" {
		t.Errorf("Error() = %q", got)
	}
	if !IsTransport(err) || IsTransport(errors.New("x")) {
		t.Error("IsTransport mismatch")
	}
}
