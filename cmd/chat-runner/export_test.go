package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/store"
)

func conversation() *session.Snapshot {
	return &session.Snapshot{
		ID:     "picnic",
		System: "You plan picnics.",
		Totals: session.Totals{Prompt: 12, Completion: 5, Total: 17},
		Messages: []session.PortableMessage{
			{Role: "user", Content: "Sandwiches?", ReceivedAt: "2024-06-01T12:00:00Z"},
			{Role: "assistant", Content: "Cucumber, obviously.", ReceivedAt: "2024-06-01T12:00:01Z", FinishReason: "stop"},
		},
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestExportConvertsByExtension(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "picnic.json")
	dst := filepath.Join(dir, "picnic.csv")
	if err := store.WriteFile(src, conversation()); err != nil {
		t.Fatal(err)
	}

	_, stderr, err := execute(t, "export", src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stderr, "exported 2 messages") {
		t.Errorf("stderr = %q", stderr)
	}

	got, err := store.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "Cucumber, obviously." {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestExportToStdout(t *testing.T) {
	src := filepath.Join(t.TempDir(), "picnic.yaml")
	if err := store.WriteFile(src, conversation()); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := execute(t, "export", src, "-", "--format", "yaml")
	if err != nil {
		t.Fatal(err)
	}
	var snap session.Snapshot
	if err := yaml.Unmarshal([]byte(stdout), &snap); err != nil {
		t.Fatalf("stdout is not YAML: %v\n%s", err, stdout)
	}
	if snap.System != "You plan picnics." || len(snap.Messages) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestExportRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.json")
	raw := `{"id":"x","messages":[{"role":"narrator","content":"hi","received_at":"2024-06-01T12:00:00Z"}]}`
	if err := os.WriteFile(src, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "out.csv")

	_, _, err := execute(t, "export", src, dst)
	if !session.IsMalformed(err) {
		t.Fatalf("err = %v, want malformed session", err)
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Error("malformed input still produced output")
	}
}

func TestExportFromSavedStore(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "sessions")
	st := store.NewFileStore(storeDir, store.JSONCodec{})
	if err := st.Save(context.Background(), "picnic", conversation()); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "storage:\n  driver: file\n  dir: " + storeDir + "\n  format: json\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "picnic.yaml")

	if _, _, err := execute(t, "--config", cfgPath, "export", "--saved", "picnic", dst); err != nil {
		t.Fatal(err)
	}
	got, err := store.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "picnic" || len(got.Messages) != 2 {
		t.Errorf("snapshot = %+v", got)
	}

	if _, _, err := execute(t, "--config", cfgPath, "export", "--saved", "missing", dst); err == nil {
		t.Error("exporting an unknown key succeeded")
	}
}
