package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
)

var (
	// ErrAlreadyFinished rejects any attempt to drive a run whose
	// persisted snapshot is terminal.
	ErrAlreadyFinished = errors.New("already finished")
	// ErrNotWaiting rejects resuming a run with no pending suspension.
	ErrNotWaiting = errors.New("not waiting for input")
)

// StepKind says how a drive call came to rest.
type StepKind int

const (
	// StepSuspended means the run paused at an await node. This is the
	// expected outcome of driving, not an error.
	StepSuspended StepKind = iota
	// StepDone means the run reached End with a terminal snapshot.
	StepDone
)

// Step is the outcome of driving a run: a suspension to hand to an
// external actor, or completion.
type Step struct {
	Kind   StepKind
	Node   string
	Marker Marker
	Run    *state.Run
}

// Engine drives runs through a graph, checkpointing after every node so
// the process can exit at any point between nodes and pick up where it
// left off.
type Engine struct {
	store *db.DB
	graph *Graph
}

// New validates the graph and binds it to the store.
func New(store *db.DB, graph *Graph) (*Engine, error) {
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return &Engine{store: store, graph: graph}, nil
}

// Start begins a fresh run at the entry node and drives it until it
// suspends or finishes. A non-terminal checkpoint under the same id
// refuses the start; a terminal one is overwritten.
func (e *Engine) Start(run *state.Run) (*Step, error) {
	if run.RunID == "" {
		return nil, fmt.Errorf("run has no id")
	}
	prior, err := e.store.LoadCheckpoint(run.RunID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if prior != nil && prior.Status == "" {
		return nil, fmt.Errorf("run %s already exists and is not finished", run.RunID)
	}
	run.Version = state.SnapshotVersion
	return e.drive(run, e.graph.entry)
}

// Resume loads a suspended run and re-enters the waiting node's resume
// phase with the externally supplied value, then drives on.
func (e *Engine) Resume(runID string, value any) (*Step, error) {
	run, cp, err := e.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, fmt.Errorf("run %s: %w", runID, ErrAlreadyFinished)
	}
	if !cp.Pending {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotWaiting)
	}
	n, ok := e.graph.nodes[cp.NextNode]
	if !ok || n.resume == nil {
		return nil, fmt.Errorf("run %s is suspended at %q, which cannot resume", runID, cp.NextNode)
	}
	delta, err := n.resume(run, value)
	if err != nil {
		return nil, err
	}
	run.Apply(delta)
	next, err := e.graph.next(cp.NextNode, run)
	if err != nil {
		return nil, err
	}
	if err := e.save(run, next, Marker{}, false); err != nil {
		return nil, err
	}
	if err := e.store.LogEvent(runID, cp.NextNode, "resumed", ""); err != nil {
		return nil, err
	}
	return e.drive(run, next)
}

// Cancel marks a non-terminal run finished without executing any node.
// The entry is appended to the conversation before the final snapshot
// is written.
func (e *Engine) Cancel(runID string, status state.Status, entry state.Entry) (*state.Run, error) {
	run, _, err := e.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, fmt.Errorf("run %s: %w", runID, ErrAlreadyFinished)
	}
	run.Apply(state.Delta{FinalStatus: status, Conversation: []state.Entry{entry}})
	if err := e.save(run, End, Marker{}, false); err != nil {
		return nil, err
	}
	if err := e.store.LogEvent(runID, End, "cancelled", string(status)); err != nil {
		return nil, err
	}
	return run, nil
}

// LoadRun decodes the latest snapshot for a run id. A snapshot that no
// longer unmarshals surfaces db.ErrCorruptState, never an empty run.
func (e *Engine) LoadRun(runID string) (*state.Run, *db.Checkpoint, error) {
	cp, err := e.store.LoadCheckpoint(runID)
	if err != nil {
		return nil, nil, err
	}
	if cp.Kind != db.KindRun {
		return nil, nil, fmt.Errorf("checkpoint %s is a %s, not a run", runID, cp.Kind)
	}
	if cp.Version != state.SnapshotVersion {
		return nil, nil, fmt.Errorf("checkpoint %s has snapshot version %d, want %d", runID, cp.Version, state.SnapshotVersion)
	}
	var run state.Run
	if err := json.Unmarshal(cp.State, &run); err != nil {
		return nil, nil, fmt.Errorf("%w: run %s: %v", db.ErrCorruptState, runID, err)
	}
	return &run, cp, nil
}

// drive executes nodes starting at current until a suspension or End.
// A terminal snapshot never executes another node, whatever the edges
// say.
func (e *Engine) drive(run *state.Run, current string) (*Step, error) {
	for {
		if current == End || run.Terminal() {
			if err := e.save(run, End, Marker{}, false); err != nil {
				return nil, err
			}
			if err := e.store.LogEvent(run.RunID, End, "finished", string(run.FinalStatus)); err != nil {
				return nil, err
			}
			return &Step{Kind: StepDone, Node: End, Run: run}, nil
		}
		n, ok := e.graph.nodes[current]
		if !ok {
			return nil, fmt.Errorf("unknown node %q", current)
		}
		if n.await != nil {
			marker, delta, err := n.await(run)
			if err != nil {
				return nil, err
			}
			run.Apply(delta)
			if err := e.save(run, current, marker, true); err != nil {
				return nil, err
			}
			if err := e.store.LogEvent(run.RunID, current, "suspended", waitDetail(marker)); err != nil {
				return nil, err
			}
			return &Step{Kind: StepSuspended, Node: current, Marker: marker, Run: run}, nil
		}
		delta, err := n.fn(run)
		if err != nil {
			return nil, err
		}
		run.Apply(delta)
		next, err := e.graph.next(current, run)
		if err != nil {
			return nil, err
		}
		if err := e.save(run, next, Marker{}, false); err != nil {
			return nil, err
		}
		if err := e.store.LogEvent(run.RunID, current, "completed", ""); err != nil {
			return nil, err
		}
		current = next
	}
}

func (e *Engine) save(run *state.Run, next string, m Marker, pending bool) error {
	buf, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}
	return e.store.SaveCheckpoint(&db.Checkpoint{
		RunID:     run.RunID,
		Kind:      db.KindRun,
		Version:   state.SnapshotVersion,
		State:     buf,
		Status:    string(run.FinalStatus),
		NextNode:  next,
		WaitRole:  string(m.Role),
		WaitActor: m.Actor,
		InboxPath: m.InboxPath,
		Pending:   pending,
	})
}

func waitDetail(m Marker) string {
	if m.Actor == "" {
		return string(m.Role)
	}
	return fmt.Sprintf("%s (%s)", m.Role, m.Actor)
}
