package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/observability"
	"github.com/ginkida/chat-runner/internal/tools"
)

type countingTool struct {
	name, desc, context string
	err                 error
	calls               int
	input               string
}

func (t *countingTool) Name() string        { return t.name }
func (t *countingTool) Description() string { return t.desc }

func (t *countingTool) Call(_ context.Context, input string) (*tools.Output, error) {
	t.calls++
	t.input = input
	if t.err != nil {
		return nil, t.err
	}
	return &tools.Output{Context: t.context, Metadata: map[string]any{"source": t.name}}, nil
}

func twoTools() (*countingTool, *countingTool) {
	return &countingTool{name: "search", desc: "Search the internet", context: "search results"},
		&countingTool{name: "lookup", desc: "Lookup more information about a topic", context: "Paris is the capital of France."}
}

func TestSelectionPicksTool(t *testing.T) {
	search, lookup := twoTools()
	c := &fakeClient{selection: "2"}
	m, rec := newTestManager(c)
	m.GetOrCreate("s", WithSystemPrompt("helpful assistant"))

	res, err := m.RunTurn(context.Background(), "s", "capital of France?", WithTools(search, lookup))
	if err != nil {
		t.Fatal(err)
	}
	if res.Tool != "lookup" || res.ToolIndex != 2 || res.Context["source"] != "lookup" {
		t.Errorf("result = %+v", res)
	}
	if search.calls != 0 || lookup.calls != 1 || lookup.input != "capital of France?" {
		t.Errorf("calls: search=%d lookup=%d input=%q", search.calls, lookup.calls, lookup.input)
	}

	reqs := c.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}

	sel := reqs[0]
	if strings.Join(sel.Vocabulary, "") != "0123456789" {
		t.Errorf("vocabulary = %v", sel.Vocabulary)
	}
	if sel.Params.MaxTokens != 1 || sel.Params.Temperature == nil || *sel.Params.Temperature != 0 {
		t.Errorf("selection params = %+v", sel.Params)
	}
	menu := sel.Messages[0].Content
	if !strings.HasPrefix(menu, "From the list of tools below:") ||
		!strings.HasSuffix(menu, "1. Search the internet\n2. Lookup more information about a topic") {
		t.Errorf("menu prompt = %q", menu)
	}

	gen := reqs[1]
	if gen.Messages[0].Content != "helpful assistant\n\nYou MUST use information from the context in your response." {
		t.Errorf("system = %q", gen.Messages[0].Content)
	}
	wire := gen.Messages[len(gen.Messages)-1].Content
	if wire != "Context: Paris is the capital of France.\n\nUser: capital of France?" {
		t.Errorf("wire input = %q", wire)
	}
	if len(gen.Vocabulary) != 0 || *gen.Params.Temperature != 0.7 {
		t.Error("generation call must use the session parameters")
	}

	sess, _ := m.Get("s")
	msgs := sess.Messages()
	if msgs[0].Content != "capital of France?" {
		t.Errorf("stored user message = %q, want the original input", msgs[0].Content)
	}
	if sess.System() != "helpful assistant" {
		t.Error("context instruction leaked into the session")
	}
	if tot := sess.Totals(); tot.Prompt != 40 || tot.Completion != 6 {
		t.Errorf("selection call not accounted: %+v", tot)
	}
	if rec.Count(observability.EventToolCall) != 1 {
		t.Error("expected a tool.call event")
	}
}

func TestSelectionNoTool(t *testing.T) {
	for _, sel := range []string{"0", "3", "9"} {
		t.Run(sel, func(t *testing.T) {
			search, lookup := twoTools()
			c := &fakeClient{selection: sel}
			m, rec := newTestManager(c)

			res, err := m.RunTurn(context.Background(), "n", "hello", WithTools(search, lookup))
			if err != nil {
				t.Fatal(err)
			}
			if res.Tool != "" || res.ToolIndex != 0 || search.calls+lookup.calls != 0 {
				t.Errorf("result = %+v", res)
			}
			gen := c.Requests()[1]
			if gen.Messages[0].Content != DefaultSystemPrompt || gen.Messages[len(gen.Messages)-1].Content != "hello" {
				t.Errorf("no-tool turn altered the prompt: %+v", gen.Messages)
			}
			wantOOR := 0
			if sel != "0" {
				wantOOR = 1
			}
			if rec.Count(observability.EventToolOutOfRange) != wantOOR {
				t.Errorf("out-of-range events = %d, want %d", rec.Count(observability.EventToolOutOfRange), wantOOR)
			}
		})
	}
}

func TestSelectionUnparseable(t *testing.T) {
	search, lookup := twoTools()
	c := &fakeClient{selection: "x"}
	m, _ := newTestManager(c)
	sess := m.GetOrCreate("u")

	_, err := m.RunTurn(context.Background(), "u", "hello", WithTools(search, lookup))
	var te *llm.TransportError
	if !errors.As(err, &te) || !errors.Is(err, tools.ErrNotADigit) {
		t.Fatalf("err = %v, want TransportError wrapping ErrNotADigit", err)
	}
	if sess.Len() != 0 || len(c.Requests()) != 1 {
		t.Error("turn should stop after the selection call")
	}
}

func TestSelectionToolFailure(t *testing.T) {
	search, lookup := twoTools()
	lookup.err = errors.New("offline")
	c := &fakeClient{selection: "2"}
	m, _ := newTestManager(c)
	sess := m.GetOrCreate("tf")

	_, err := m.RunTurn(context.Background(), "tf", "hello", WithTools(search, lookup))
	var ce *tools.CallError
	if !errors.As(err, &ce) || ce.Tool != "lookup" {
		t.Fatalf("err = %v, want CallError", err)
	}
	if sess.Len() != 0 {
		t.Error("failed turn was stored")
	}
}

func TestSelectionTooManyTools(t *testing.T) {
	c := &fakeClient{}
	m, _ := newTestManager(c)
	ts := make([]tools.Tool, tools.MaxTools+1)
	for i := range ts {
		ts[i] = &countingTool{name: "t", desc: "tool"}
	}
	if _, err := m.RunTurn(context.Background(), "", "hi", WithTools(ts...)); !errors.Is(err, tools.ErrTooManyTools) {
		t.Fatalf("err = %v", err)
	}
	if len(c.Requests()) != 0 {
		t.Error("no call should be made")
	}
}

func TestSelectionWithStreaming(t *testing.T) {
	search, lookup := twoTools()
	c := &fakeClient{selection: "1", deltas: []string{"Found ", "it."}}
	m, _ := newTestManager(c)

	ts, err := m.StreamTurn(context.Background(), "st", "find go", WithTools(search, lookup))
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()
	if err := drain(ts); err != nil {
		t.Fatal(err)
	}
	res := ts.Result()
	if res.Tool != "search" || res.Response != "Found it." {
		t.Errorf("result = %+v", res)
	}
	sess, _ := m.Get("st")
	if tot := sess.Totals(); !tot.LowerBound || tot.Prompt != 30 {
		t.Errorf("totals = %+v", tot)
	}
}
