package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSessionArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := json.RawMessage(`{"elements":[],"metadata":{"template":"blank"}}`)
	if err := svc.EnsureSessionRepo("ses-1", initial); err != nil {
		t.Fatalf("EnsureSessionRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ses-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Idempotent on an existing session
	if err := svc.EnsureSessionRepo("ses-1", initial); err != nil {
		t.Fatalf("EnsureSessionRepo() second call error = %v", err)
	}

	commit, err := svc.CommitSnapshot("ses-1", json.RawMessage(`{"elements":[{"id":"el-1"}]}`), "added load balancer")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if commit.Message != "added load balancer" {
		t.Fatalf("unexpected commit message %q", commit.Message)
	}

	if _, err := svc.CommitSnapshot("ses-1", json.RawMessage(`{"elements":[{"id":"el-1"},{"id":"el-2"}]}`), ""); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	history, err := svc.History("ses-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(history))
	}
	if !strings.Contains(history[0].Message, "autosave") {
		t.Fatalf("expected newest commit to be the autosave, got %q", history[0].Message)
	}
	if !strings.Contains(history[len(history)-1].Message, "initial") {
		t.Fatalf("expected oldest commit to be the initial snapshot, got %q", history[len(history)-1].Message)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureSessionRepo("ses-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("EnsureSessionRepo() error = %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := svc.CommitSnapshot("ses-1", json.RawMessage(`{"n":`+string(rune('0'+i))+`}`), "step"); err != nil {
			t.Fatalf("CommitSnapshot() error = %v", err)
		}
	}

	history, err := svc.History("ses-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits with limit, got %d", len(history))
	}
}

func TestSnapshotAt(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureSessionRepo("ses-1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("EnsureSessionRepo() error = %v", err)
	}
	commit, err := svc.CommitSnapshot("ses-1", json.RawMessage(`{"v":2}`), "bump")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	snapshot, err := svc.SnapshotAt("ses-1", commit.Hash)
	if err != nil {
		t.Fatalf("SnapshotAt() error = %v", err)
	}
	var parsed map[string]int
	if err := json.Unmarshal(snapshot, &parsed); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if parsed["v"] != 2 {
		t.Fatalf("unexpected snapshot %s", snapshot)
	}
}

func TestRejectsInvalidDocument(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureSessionRepo("ses-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("EnsureSessionRepo() error = %v", err)
	}
	if _, err := svc.CommitSnapshot("ses-1", json.RawMessage(`{broken`), "bad"); err == nil {
		t.Fatal("expected error for invalid JSON document")
	}
}
