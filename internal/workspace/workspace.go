// Package workspace manages the .orchestra/ directory a run lives in:
// the file mailboxes agents are spoken to through (inbox/ prompts in,
// outbox/ JSON reports back), the task brief, the dashboard, and the
// archive of finished conversations.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvRoot overrides workspace root discovery when set.
const EnvRoot = "ORCHESTRA_ROOT"

// markerDir is the directory that makes a tree an orchestra workspace.
const markerDir = ".orchestra"

// FindRoot locates the workspace root by walking up from dir until a
// .orchestra directory is found. ORCHESTRA_ROOT overrides the search and
// is returned as-is, so it can point at a workspace that does not exist
// yet (init creates it).
func FindRoot(dir string) (string, error) {
	if override := os.Getenv(EnvRoot); override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", EnvRoot, err)
		}
		return abs, nil
	}

	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	for {
		if info, err := os.Stat(filepath.Join(cur, markerDir)); err == nil && info.IsDir() {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("not inside an orchestra workspace (no %s directory above %s): run 'orchestra init' first", markerDir, dir)
		}
		cur = parent
	}
}

// Dir returns the workspace directory for a root.
func Dir(root string) string {
	return filepath.Join(root, markerDir)
}

// DBPath returns the checkpoint database path.
func DBPath(root string) string {
	return filepath.Join(Dir(root), "orchestra.db")
}

// InboxPath returns the prompt file the named role reads from.
func InboxPath(root, role string) string {
	return filepath.Join(Dir(root), "inbox", role+".md")
}

// OutboxPath returns the report file the named role writes to.
func OutboxPath(root, role string) string {
	return filepath.Join(OutboxDir(root), role+".json")
}

// OutboxDir returns the directory agent reports land in.
func OutboxDir(root string) string {
	return filepath.Join(Dir(root), "outbox")
}

// RelInboxPath is InboxPath relative to the workspace root, for
// prompts and operator-facing messages.
func RelInboxPath(role string) string {
	return filepath.Join(markerDir, "inbox", role+".md")
}

// RelOutboxPath is OutboxPath relative to the workspace root.
func RelOutboxPath(role string) string {
	return filepath.Join(markerDir, "outbox", role+".json")
}

// HistoryDir returns the archive directory for finished conversations.
func HistoryDir(root string) string {
	return filepath.Join(Dir(root), "history")
}

// DashboardPath returns the rendered status page path.
func DashboardPath(root string) string {
	return filepath.Join(Dir(root), "dashboard.md")
}

// TaskBriefPath returns the human-readable task summary path.
func TaskBriefPath(root string) string {
	return filepath.Join(Dir(root), "TASK.md")
}

// Ensure creates the workspace directory tree if it does not exist.
func Ensure(root string) error {
	dirs := []string{
		Dir(root),
		filepath.Join(Dir(root), "inbox"),
		filepath.Join(Dir(root), "outbox"),
		HistoryDir(root),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return nil
}

// WriteInbox writes a prompt for the named role and returns the path.
func WriteInbox(root, role, content string) (string, error) {
	if err := Ensure(root); err != nil {
		return "", err
	}
	path := InboxPath(root, role)
	if err := WriteAtomic(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

// ReadOutbox reads and parses the named role's report.
// A missing file returns (nil, nil): the agent has not responded yet.
// Unparseable content is an error so callers can tell a half-written
// file from silence.
func ReadOutbox(root, role string) (map[string]any, error) {
	path := OutboxPath(root, role)
	_, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outbox %s: %w", path, err)
	}

	out := map[string]any{}
	if err := ReadJSON(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteOutbox writes a report for the named role and returns the path.
// The orchestrator uses it to plant error markers when an agent cannot
// be spawned; normally the agent itself writes this file.
func WriteOutbox(root, role string, data map[string]any) (string, error) {
	if err := Ensure(root); err != nil {
		return "", err
	}
	path := OutboxPath(root, role)
	if err := WriteJSON(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ClearInbox removes the named role's prompt file if present.
func ClearInbox(root, role string) error {
	return removeIfExists(InboxPath(root, role))
}

// ClearOutbox removes the named role's report file if present.
func ClearOutbox(root, role string) error {
	return removeIfExists(OutboxPath(root, role))
}

// ClearRuntime removes all shared runtime files (inboxes, outboxes,
// TASK.md, dashboard.md). Called at run start so no stale report from a
// previous run can be mistaken for a response, and at run end so nothing
// leaks into the next run. The history archive is left alone.
func ClearRuntime(root string) error {
	for _, role := range []string{"builder", "reviewer", "decompose"} {
		if err := ClearInbox(root, role); err != nil {
			return err
		}
		if err := ClearOutbox(root, role); err != nil {
			return err
		}
	}
	if err := removeIfExists(TaskBriefPath(root)); err != nil {
		return err
	}
	return removeIfExists(DashboardPath(root))
}

// TaskBrief frames a rendered prompt for TASK.md, ending with the
// outbox path the agent must write so the orchestrator can pick the
// answer up.
func TaskBrief(rendered, role string) string {
	return rendered + "\n\n---\n\n" +
		"> **When you finish, save the JSON result described above to the path below; the orchestrator picks it up automatically:**\n" +
		fmt.Sprintf("> `%s`\n", RelOutboxPath(role))
}

// WriteTaskBrief writes the human-readable task summary and returns the path.
func WriteTaskBrief(root, content string) (string, error) {
	if err := Ensure(root); err != nil {
		return "", err
	}
	path := TaskBriefPath(root)
	if err := WriteAtomic(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

// ArchiveConversation writes a finished run's conversation to
// history/<runID>.json and returns the path.
func ArchiveConversation(root, runID string, conversation any) (string, error) {
	if err := Ensure(root); err != nil {
		return "", err
	}
	path := filepath.Join(HistoryDir(root), runID+".json")
	if err := WriteJSON(path, conversation); err != nil {
		return "", err
	}
	return path, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
