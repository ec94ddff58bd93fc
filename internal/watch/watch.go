// Package watch polls the outbox for agent reports and feeds each one
// back into the task the workspace is waiting on, so runs advance
// without anyone typing done. Polling is plain mtime comparison, which
// works on every filesystem the agents write to; a file that does not
// parse yet is treated as still being written and is retried on the
// next tick without being marked consumed.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

// Arrival is one newly written outbox report: the role the filename
// addresses and the decoded JSON object.
type Arrival struct {
	Role  string
	Path  string
	Value map[string]any
}

// Poller detects new or rewritten outbox files. It only marks a file
// seen once the content decodes to a JSON object, so a partial write is
// picked up on a later tick when the writer has finished.
type Poller struct {
	dir   string
	known map[string]time.Time
}

// NewPoller watches the given outbox directory.
func NewPoller(dir string) *Poller {
	return &Poller{dir: dir, known: make(map[string]time.Time)}
}

// Check scans the outbox once and returns the reports that arrived
// since the last call, in filename order. A missing directory is an
// empty outbox, not an error.
func (p *Poller) Check() []Arrival {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil
	}
	var arrivals []Arrival
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		role := strings.TrimSuffix(entry.Name(), ".json")
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtime := info.ModTime()
		if last, seen := p.known[role]; seen && !mtime.After(last) {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var value map[string]any
		if err := json.Unmarshal(data, &value); err != nil || value == nil {
			// Not a JSON object yet. Leave it unknown so the finished
			// write is detected even if the mtime does not change.
			continue
		}
		p.known[role] = mtime
		arrivals = append(arrivals, Arrival{Role: role, Path: path, Value: value})
	}
	return arrivals
}

// Config wires a Watcher to its surroundings. Submit is called with the
// decoded report when the waited-for role's output arrives; a submit
// error is reported and watching continues, so a rejected plan or
// malformed report can be fixed in place and saved again. Spawn, when
// set, is called once per staged prompt with the waiting role and
// actor; the callback decides whether that actor is process-driven.
type Config struct {
	TaskID      string
	Interval    time.Duration
	Out         io.Writer
	Interactive bool
	Submit      func(value any) error
	Spawn       func(role, actor string)
}

// Watcher drives the poll loop for one task.
type Watcher struct {
	root    string
	store   *db.DB
	cfg     Config
	poller  *Poller
	spawned map[string]bool
	ticks   int
}

// New builds a Watcher over the workspace at root.
func New(root string, store *db.DB, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return &Watcher{
		root:    root,
		store:   store,
		cfg:     cfg,
		poller:  NewPoller(workspace.OutboxDir(root)),
		spawned: make(map[string]bool),
	}
}

// Run polls until the task reaches a terminal status or the context is
// cancelled. The first check happens immediately, before any sleep.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		done, err := w.tick()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick performs one poll cycle and reports whether watching is over.
func (w *Watcher) tick() (bool, error) {
	w.ticks++
	cp, err := w.store.LoadCheckpoint(w.cfg.TaskID)
	if err != nil {
		return false, err
	}
	if cp.Status != "" {
		fmt.Fprintf(w.cfg.Out, "Task %s finished: %s\n", cp.RunID, cp.Status)
		return true, nil
	}
	if !cp.Pending {
		fmt.Fprintf(w.cfg.Out, "Task %s is not waiting for input; nothing to watch.\n", cp.RunID)
		return true, nil
	}

	w.maybeSpawn(cp)

	for _, arrival := range w.poller.Check() {
		if arrival.Role != cp.WaitRole {
			fmt.Fprintf(w.cfg.Out, "Ignoring %s output; waiting for %s.\n", arrival.Role, cp.WaitRole)
			continue
		}
		fmt.Fprintf(w.cfg.Out, "Detected %s output, submitting...\n", arrival.Role)
		if err := w.cfg.Submit(arrival.Value); err != nil {
			fmt.Fprintf(w.cfg.Out, "Output rejected: %v\nFix %s and save it again.\n", err, arrival.Path)
			return false, nil
		}
		return w.report()
	}

	if w.cfg.Interactive && w.ticks%30 == 0 {
		fmt.Fprintf(w.cfg.Out, "Still waiting for %s (%s).\n", cp.WaitRole, cp.WaitActor)
	}
	return false, nil
}

// report reloads the checkpoint after a submit and prints where the
// task stands now.
func (w *Watcher) report() (bool, error) {
	cp, err := w.store.LoadCheckpoint(w.cfg.TaskID)
	if err != nil {
		return false, err
	}
	if cp.Status != "" {
		fmt.Fprintf(w.cfg.Out, "Task %s finished: %s\n", cp.RunID, cp.Status)
		return true, nil
	}
	fmt.Fprintf(w.cfg.Out, "Now waiting for %s (%s). Prompt: %s\n", cp.WaitRole, cp.WaitActor, cp.InboxPath)
	return false, nil
}

// maybeSpawn fires the spawn callback once per staged prompt. The key
// includes the inbox mtime so a retry cycle, which rewrites the prompt,
// spawns the actor again.
func (w *Watcher) maybeSpawn(cp *db.Checkpoint) {
	if w.cfg.Spawn == nil || cp.WaitActor == "" {
		return
	}
	key := w.promptKey(cp)
	if w.spawned[key] {
		return
	}
	w.spawned[key] = true
	w.cfg.Spawn(cp.WaitRole, cp.WaitActor)
}

func (w *Watcher) promptKey(cp *db.Checkpoint) string {
	var mtime int64
	if info, err := os.Stat(filepath.Join(w.root, cp.InboxPath)); err == nil {
		mtime = info.ModTime().UnixNano()
	}
	return fmt.Sprintf("%s|%s|%d", cp.WaitRole, cp.WaitActor, mtime)
}
