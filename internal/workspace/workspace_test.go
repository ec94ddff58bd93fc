package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindRoot(t *testing.T) {
	t.Setenv(EnvRoot, "")
	root := t.TempDir()
	if err := os.MkdirAll(Dir(root), 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "src", "internal")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != root {
		t.Errorf("expected root %q, got %q", root, got)
	}
}

func TestFindRootEnvOverride(t *testing.T) {
	override := t.TempDir()
	t.Setenv(EnvRoot, override)

	// The override wins even without a workspace marker, so init can
	// bootstrap into it.
	got, err := FindRoot(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != override {
		t.Errorf("expected override %q, got %q", override, got)
	}
}

func TestFindRootNotFound(t *testing.T) {
	t.Setenv(EnvRoot, "")

	_, err := FindRoot(t.TempDir())
	if err == nil {
		t.Fatal("expected error outside a workspace")
	}
	if !strings.Contains(err.Error(), "orchestra init") {
		t.Errorf("error should point at init, got: %v", err)
	}
}

func TestEnsure(t *testing.T) {
	root := t.TempDir()

	if err := Ensure(root); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, dir := range []string{
		Dir(root),
		filepath.Join(Dir(root), "inbox"),
		filepath.Join(Dir(root), "outbox"),
		HistoryDir(root),
	} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}

	// Idempotent on an existing tree.
	if err := Ensure(root); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestWriteReadOutbox(t *testing.T) {
	root := t.TempDir()

	path, err := WriteOutbox(root, "builder", map[string]any{
		"status":  "completed",
		"summary": "added the endpoint",
	})
	if err != nil {
		t.Fatalf("write outbox: %v", err)
	}
	if path != OutboxPath(root, "builder") {
		t.Errorf("unexpected path %q", path)
	}

	got, err := ReadOutbox(root, "builder")
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if got["status"] != "completed" || got["summary"] != "added the endpoint" {
		t.Errorf("unexpected outbox content: %v", got)
	}
}

func TestReadOutboxMissing(t *testing.T) {
	got, err := ReadOutbox(t.TempDir(), "builder")
	if err != nil {
		t.Fatalf("missing outbox should not error, got: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing outbox, got: %v", got)
	}
}

func TestReadOutboxCorrupt(t *testing.T) {
	root := t.TempDir()
	if err := Ensure(root); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(OutboxPath(root, "builder"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ReadOutbox(root, "builder")
	if err == nil {
		t.Fatal("expected error for corrupt outbox")
	}
}

func TestReadOutboxNonObject(t *testing.T) {
	root := t.TempDir()
	if err := Ensure(root); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(OutboxPath(root, "builder"), []byte("[1, 2, 3]"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ReadOutbox(root, "builder")
	if err == nil {
		t.Fatal("expected error for non-object outbox")
	}
}

func TestWriteInboxAndClear(t *testing.T) {
	root := t.TempDir()

	path, err := WriteInbox(root, "builder", "# Build: task-1\n")
	if err != nil {
		t.Fatalf("write inbox: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "# Build: task-1\n" {
		t.Errorf("unexpected inbox content: %q", data)
	}

	if err := ClearInbox(root, "builder"); err != nil {
		t.Fatalf("clear inbox: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("inbox file should be gone")
	}

	// Clearing an already-clear inbox is fine.
	if err := ClearInbox(root, "builder"); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestClearRuntime(t *testing.T) {
	root := t.TempDir()
	for _, role := range []string{"builder", "reviewer", "decompose"} {
		if _, err := WriteInbox(root, role, "prompt"); err != nil {
			t.Fatal(err)
		}
		if _, err := WriteOutbox(root, role, map[string]any{"status": "completed"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := WriteTaskBrief(root, "# Task\n"); err != nil {
		t.Fatal(err)
	}
	if err := WriteAtomic(DashboardPath(root), []byte("# Dashboard\n")); err != nil {
		t.Fatal(err)
	}
	archived, err := ArchiveConversation(root, "task-old", []map[string]any{{"action": "started"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := ClearRuntime(root); err != nil {
		t.Fatalf("clear runtime: %v", err)
	}

	for _, path := range []string{
		InboxPath(root, "builder"),
		InboxPath(root, "reviewer"),
		InboxPath(root, "decompose"),
		OutboxPath(root, "builder"),
		OutboxPath(root, "reviewer"),
		OutboxPath(root, "decompose"),
		TaskBriefPath(root),
		DashboardPath(root),
	} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed", path)
		}
	}

	// The archive survives runtime cleanup.
	if _, err := os.Stat(archived); err != nil {
		t.Errorf("history archive should survive: %v", err)
	}
}

func TestArchiveConversation(t *testing.T) {
	root := t.TempDir()
	conversation := []map[string]any{
		{"role": "orchestrator", "action": "started"},
		{"role": "builder", "action": "completed"},
	}

	path, err := ArchiveConversation(root, "task-9f3a21bc", conversation)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if filepath.Base(path) != "task-9f3a21bc.json" {
		t.Errorf("unexpected archive name: %s", path)
	}

	var got []map[string]any
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(got) != 2 || got[1]["action"] != "completed" {
		t.Errorf("unexpected archive content: %v", got)
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	if err := WriteAtomic(path, []byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteAtomic(path, []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("expected %q, got %q", "second", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteJSONTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "}\n") {
		t.Errorf("expected trailing newline, got %q", data)
	}
}
