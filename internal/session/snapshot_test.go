package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
)

func TestPortableRoundTrip(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	msgs := []Message{
		{Role: llm.RoleUser, Content: "hi, \"there\"\nsecond line", ReceivedAt: base},
		{Role: llm.RoleAssistant, Content: "hello", ReceivedAt: base.Add(time.Second), FinishReason: llm.FinishReasonStop,
			Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
		{Role: llm.RoleUser, Content: "", ReceivedAt: base.Add(2 * time.Second)},
		{Role: llm.RoleAssistant, Content: "streamed", ReceivedAt: base.Add(3 * time.Second)},
	}

	back, err := FromPortable(ToPortable(msgs))
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != len(msgs) {
		t.Fatalf("len = %d", len(back))
	}
	for i := range msgs {
		a, b := msgs[i], back[i]
		if a.Role != b.Role || a.Content != b.Content || !a.ReceivedAt.Equal(b.ReceivedAt) || a.FinishReason != b.FinishReason {
			t.Errorf("message %d: %+v != %+v", i, a, b)
		}
		if (a.Usage == nil) != (b.Usage == nil) || (a.Usage != nil && *a.Usage != *b.Usage) {
			t.Errorf("message %d usage: %v != %v", i, a.Usage, b.Usage)
		}
	}
}

func TestFromPortableRejects(t *testing.T) {
	ts := "2024-03-01T12:00:00Z"
	neg := -1
	tests := []struct {
		name  string
		msgs  []PortableMessage
		field string
	}{
		{"missing role", []PortableMessage{{Content: "x", ReceivedAt: ts}}, "role"},
		{"assistant first", []PortableMessage{{Role: "assistant", ReceivedAt: ts}}, "role"},
		{"system in log", []PortableMessage{{Role: "system", ReceivedAt: ts}}, "role"},
		{"missing time", []PortableMessage{{Role: "user"}}, "received_at"},
		{"bad time", []PortableMessage{{Role: "user", ReceivedAt: "yesterday"}}, "received_at"},
		{"dangling user", []PortableMessage{{Role: "user", ReceivedAt: ts}}, "messages"},
		{"negative tokens", []PortableMessage{
			{Role: "user", ReceivedAt: ts},
			{Role: "assistant", ReceivedAt: ts, PromptTokens: &neg},
		}, "prompt_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromPortable(tt.msgs)
			var me *ErrMalformedSession
			if !errors.As(err, &me) || me.Field != tt.field {
				t.Fatalf("err = %v, want malformed %s", err, tt.field)
			}
		})
	}
}

func TestRestoreAndContinue(t *testing.T) {
	c := &fakeClient{}
	src, _ := newTestManager(c)
	src.GetOrCreate("orig", WithSystemPrompt("pirate"), WithTitle("Arr"))
	src.RunTurn(context.Background(), "orig", "one")
	src.RunTurn(context.Background(), "orig", "two")
	orig, _ := src.Get("orig")
	snap := orig.Snapshot()

	dst, _ := newTestManager(c)
	sess, err := dst.Restore("loaded", snap)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Len() != 4 || sess.System() != "pirate" || sess.Title() != "Arr" {
		t.Fatalf("restored = len %d system %q title %q", sess.Len(), sess.System(), sess.Title())
	}
	if sess.Totals() != orig.Totals() {
		t.Errorf("totals = %+v, want %+v", sess.Totals(), orig.Totals())
	}
	prior := sess.Messages()

	if _, err := dst.RunTurn(context.Background(), "loaded", "three"); err != nil {
		t.Fatal(err)
	}
	after := sess.Messages()
	if len(after) != 6 {
		t.Fatalf("len = %d, want 6", len(after))
	}
	for i := range prior {
		if after[i].Content != prior[i].Content || !after[i].ReceivedAt.Equal(prior[i].ReceivedAt) {
			t.Errorf("message %d changed", i)
		}
	}
	if after[4].Content != "three" || after[5].Content != "reply to: three" {
		t.Errorf("new pair = %q / %q", after[4].Content, after[5].Content)
	}
}

func TestRestoreReplacesExisting(t *testing.T) {
	m, _ := newTestManager(&fakeClient{})
	held := m.GetOrCreate("k", WithOwner("client-1"))
	m.RunTurn(context.Background(), "k", "old")

	snap := &Snapshot{Messages: []PortableMessage{
		{Role: "user", Content: "u", ReceivedAt: "2024-01-01T00:00:00Z"},
		{Role: "assistant", Content: "a", ReceivedAt: "2024-01-01T00:00:01Z"},
	}}
	sess, err := m.Restore("k", snap)
	if err != nil {
		t.Fatal(err)
	}
	if sess != held {
		t.Error("restore should update the existing session in place")
	}
	if msgs := sess.Messages(); len(msgs) != 2 || msgs[0].Content != "u" {
		t.Errorf("log = %+v", msgs)
	}
	if sess.Owner() != "client-1" || sess.System() != DefaultSystemPrompt {
		t.Errorf("owner %q system %q", sess.Owner(), sess.System())
	}
}

func TestRestoreMalformedInstallsNothing(t *testing.T) {
	m, _ := newTestManager(&fakeClient{})
	_, err := m.Restore("bad", &Snapshot{Messages: []PortableMessage{{Role: "user", ReceivedAt: "nope"}}})
	if !IsMalformed(err) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Get("bad"); !IsNotFound(err) {
		t.Error("malformed snapshot was installed")
	}

	_, err = m.Restore("bad", &Snapshot{CreatedAt: "not a time"})
	if !IsMalformed(err) {
		t.Errorf("err = %v", err)
	}
}

func TestRestoreKeys(t *testing.T) {
	m, _ := newTestManager(&fakeClient{})
	s, err := m.Restore("", &Snapshot{ID: "from-snap"})
	if err != nil || s.Key() != "from-snap" {
		t.Errorf("key = %v, %v", s, err)
	}
	s, err = m.Restore("", &Snapshot{})
	if err != nil || len(s.Key()) != 36 {
		t.Errorf("generated key = %v, %v", s, err)
	}

	m.GetOrCreate("tomb")
	m.Delete("tomb")
	if _, err := m.Restore("tomb", &Snapshot{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RunTurn(context.Background(), "tomb", "back"); err != nil {
		t.Errorf("restored key should accept turns: %v", err)
	}
}

func TestAccountant(t *testing.T) {
	var a Accountant
	a.Record(10, 5)
	a.Record(Unknown, Unknown)
	a.Record(3, 1)
	got := a.Totals()
	want := Totals{Prompt: 13, Completion: 6, Total: 19, LowerBound: true}
	if got != want {
		t.Errorf("totals = %+v, want %+v", got, want)
	}

	a.Restore(Totals{Prompt: 4, Completion: 4})
	if a.Totals().Total != 8 || a.Totals().LowerBound {
		t.Errorf("restored = %+v", a.Totals())
	}
	a.Reset()
	if a.Totals() != (Totals{}) {
		t.Error("reset did not clear")
	}
}

func TestLogRenderRecent(t *testing.T) {
	var l Log
	now := time.Now()
	for i := 0; i < 3; i++ {
		l.AppendTurn(
			Message{Role: llm.RoleUser, Content: "u", ReceivedAt: now},
			Message{Role: llm.RoleAssistant, Content: "a", ReceivedAt: now},
		)
	}
	tests := []struct {
		recent int
		want   int
	}{
		{0, 8},
		{-1, 8},
		{2, 4},
		{6, 8},
		{100, 8},
	}
	for _, tt := range tests {
		msgs := l.Render("sys", tt.recent, "new")
		if len(msgs) != tt.want {
			t.Errorf("recent=%d: %d messages, want %d", tt.recent, len(msgs), tt.want)
		}
		if msgs[0].Role != llm.RoleSystem || msgs[len(msgs)-1].Content != "new" {
			t.Errorf("recent=%d: bad framing %+v", tt.recent, msgs)
		}
	}
}

func TestBuildSystem(t *testing.T) {
	ctx := context.Background()
	if got := BuildSystem(ctx, nil, "", "", ""); got != DefaultSystemPrompt {
		t.Errorf("default = %q", got)
	}
	if got := BuildSystem(ctx, nil, "", "", "be terse"); got != "be terse" {
		t.Errorf("system = %q", got)
	}

	lookup := func(_ context.Context, name string) (string, error) {
		if name == "Ada Lovelace" {
			return "Ada Lovelace was an English mathematician.", nil
		}
		return "", errors.New("not found")
	}
	got := BuildSystem(ctx, lookup, "Ada Lovelace", "Speak in rhymes.", "ignored")
	want := "You must follow ALL these rules in all responses:\n" +
		"- You are the following character and should ALWAYS act as them: Ada Lovelace was an English mathematician.\n" +
		"- NEVER speak in a formal tone.\n" +
		"- Concisely introduce yourself first in character.\n" +
		"- Speak in rhymes."
	if got != want {
		t.Errorf("character prompt =\n%s\nwant\n%s", got, want)
	}

	fallback := BuildSystem(ctx, lookup, "Nobody", "", "")
	if !strings.Contains(fallback, "ALWAYS act as them: Nobody\n") {
		t.Errorf("fallback = %q", fallback)
	}
}
