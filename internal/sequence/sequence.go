// Package sequence runs a decomposed requirement: it stages the
// planning prompt, then drives one child run per subtask in dependency
// order, carrying each delivered result into the next child's prompt
// and rolling everything up at the end. The whole sequence is one
// durable checkpoint, so a restarted process picks up exactly where the
// last one stopped.
package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/config"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/dashboard"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/decompose"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/engine"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/prompt"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/skill"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workflow"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

// Phases of a sequence. The decompose phase waits for the planning
// agent's subtask list; the run phase drives children until the list is
// exhausted.
const (
	PhaseDecompose = "decompose"
	PhaseRun       = "run"
)

// State is the durable snapshot of a sequence, persisted under the
// parent id as a checkpoint of kind "sequence".
type State struct {
	Version      int                 `json:"version"`
	ParentID     string              `json:"parent_id"`
	Requirement  string              `json:"requirement"`
	DefaultSkill string              `json:"default_skill"`
	TimeoutSec   int                 `json:"timeout_sec"`
	RetryBudget  int                 `json:"retry_budget"`
	Builder      string              `json:"builder,omitempty"`
	Reviewer     string              `json:"reviewer,omitempty"`
	Phase        string              `json:"phase"`
	SubTasks     []decompose.SubTask `json:"sub_tasks,omitempty"`
	Reasoning    string              `json:"reasoning,omitempty"`
	Index        int                 `json:"index"`
	CurrentRunID string              `json:"current_run_id,omitempty"`
	Results      []SubResult         `json:"results,omitempty"`
	Error        string              `json:"error,omitempty"`
	FinalStatus  string              `json:"final_status,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Terminal reports whether the sequence has reached a final status.
func (s *State) Terminal() bool { return s.FinalStatus != "" }

// SubResult records how one subtask ended. Status is the child run's
// final status, or "skipped" for subtasks never started because a
// dependency did not deliver.
type SubResult struct {
	SubID        string   `json:"sub_id"`
	RunID        string   `json:"run_id,omitempty"`
	Status       string   `json:"status"`
	Summary      string   `json:"summary,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Retries      int      `json:"retry_count,omitempty"`
}

// Rollup is the aggregate report archived when a sequence finishes.
type Rollup struct {
	ParentID     string   `json:"task_id"`
	Total        int      `json:"total_sub_tasks"`
	Completed    int      `json:"completed"`
	Failed       []string `json:"failed,omitempty"`
	TotalRetries int      `json:"total_retries"`
	ChangedFiles []string `json:"all_changed_files,omitempty"`
	Summary      string   `json:"summary"`
	FinalStatus  string   `json:"final_status"`
}

// Outcome reports where a sequence stands after Begin or Resume. Step
// is set while a child run sits suspended, Rollup is set once the
// sequence finished, and neither set means the decomposition plan is
// still owed.
type Outcome struct {
	State  *State
	Step   *engine.Step
	Rollup *Rollup
}

// Runner drives sequences over a workflow service and a shared store.
type Runner struct {
	root     string
	settings *config.Settings
	service  *workflow.Service
	store    *db.DB

	now func() time.Time
}

// New returns a Runner rooted at the workspace.
func New(root string, settings *config.Settings, service *workflow.Service, store *db.DB) *Runner {
	return &Runner{root: root, settings: settings, service: service, store: store, now: time.Now}
}

// BeginRequest describes a sequence to start. Zero TimeoutSec and a
// RetryBudget of -1 defer to each subtask's skill contract, then to the
// workspace settings, exactly as for a single run.
type BeginRequest struct {
	ParentID    string
	Requirement string
	SkillID     string
	TimeoutSec  int
	RetryBudget int
	Builder     string
	Reviewer    string
}

// Begin claims the active slot, stages the decomposition prompt, and
// suspends until Resume is called with the planner's subtask list.
func (r *Runner) Begin(req BeginRequest) (*Outcome, error) {
	requirement := strings.TrimSpace(req.Requirement)
	if requirement == "" {
		return nil, fmt.Errorf("requirement must not be empty")
	}
	defaultSkill := req.SkillID
	if defaultSkill == "" {
		defaultSkill = r.settings.DefaultSkill
	}
	if _, err := skill.Load(r.skillsDir(), defaultSkill); err != nil {
		return nil, err
	}
	parentID := req.ParentID
	if parentID == "" {
		parentID = workflow.NewRunID()
	}

	if prior, err := r.store.LoadCheckpoint(parentID); err == nil {
		if prior.Status == "" {
			return nil, fmt.Errorf("task %s already exists and is not finished", parentID)
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	// Claim the slot before touching the mailboxes so a refused start
	// can never wipe the live run's files.
	if err := r.store.AcquireActive(parentID); err != nil {
		return nil, fmt.Errorf("start %s: %w", parentID, err)
	}
	st := &State{
		Version:      state.SnapshotVersion,
		ParentID:     parentID,
		Requirement:  requirement,
		DefaultSkill: defaultSkill,
		TimeoutSec:   req.TimeoutSec,
		RetryBudget:  req.RetryBudget,
		Builder:      req.Builder,
		Reviewer:     req.Reviewer,
		Phase:        PhaseDecompose,
		CreatedAt:    r.now().UTC(),
	}
	out, err := r.launchDecompose(st)
	if err != nil {
		// Best effort; the launch error is the one worth reporting.
		_ = r.store.ReleaseActive(parentID)
		return nil, err
	}
	return out, nil
}

func (r *Runner) launchDecompose(st *State) (*Outcome, error) {
	if err := workspace.ClearRuntime(r.root); err != nil {
		return nil, err
	}
	skills, err := skill.List(r.skillsDir())
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(skills))
	for _, id := range skills {
		lines = append(lines, "- "+id)
	}
	tmpl, err := prompt.LoadTemplate("decompose.md", r.root)
	if err != nil {
		return nil, err
	}
	text, err := prompt.Render(tmpl, prompt.Vars{
		"task_id":       st.ParentID,
		"requirement":   st.Requirement,
		"default_skill": st.DefaultSkill,
		"outbox_path":   workspace.RelOutboxPath(decomposeRole),
		"skills":        strings.Join(lines, "\n"),
	})
	if err != nil {
		return nil, fmt.Errorf("render decompose.md: %w", err)
	}
	if err := workspace.ClearOutbox(r.root, decomposeRole); err != nil {
		return nil, err
	}
	if _, err := workspace.WriteInbox(r.root, decomposeRole, text); err != nil {
		return nil, err
	}
	if _, err := workspace.WriteTaskBrief(r.root, workspace.TaskBrief(text, decomposeRole)); err != nil {
		return nil, err
	}
	if _, err := dashboard.Write(r.root, dashboard.Data{
		RunID:     st.ParentID,
		Role:      decomposeRole,
		StatusMsg: fmt.Sprintf("Waiting for the requirement to be split into subtasks. Prompt: `%s`", workspace.RelInboxPath(decomposeRole)),
	}); err != nil {
		return nil, err
	}
	m := engine.Marker{Role: state.RoleDecompose, InboxPath: workspace.RelInboxPath(decomposeRole)}
	if err := r.save(st, decomposeRole, m, true); err != nil {
		return nil, err
	}
	if err := r.store.LogEvent(st.ParentID, decomposeRole, "suspended", decomposeRole); err != nil {
		return nil, err
	}
	return &Outcome{State: st}, nil
}

const decomposeRole = string(state.RoleDecompose)

// Resume feeds an external answer into the sequence: the planner's
// subtask list during the decompose phase, or the waiting child's
// builder or reviewer output during the run phase. It then drives the
// sequence forward until the next suspension or the final rollup.
func (r *Runner) Resume(parentID string, value any) (*Outcome, error) {
	st, cp, err := r.Load(parentID)
	if err != nil {
		return nil, err
	}
	if st.Terminal() {
		return nil, fmt.Errorf("task %s: %w", parentID, engine.ErrAlreadyFinished)
	}
	if !cp.Pending {
		return nil, fmt.Errorf("task %s: %w", parentID, engine.ErrNotWaiting)
	}
	switch st.Phase {
	case PhaseDecompose:
		return r.acceptPlan(st, value)
	case PhaseRun:
		return r.resumeChild(st, value)
	default:
		return nil, fmt.Errorf("task %s is in unknown phase %q", parentID, st.Phase)
	}
}

// acceptPlan validates the planner's output. Validation failures return
// without touching the saved state, so the operator can fix the outbox
// file and submit it again.
func (r *Runner) acceptPlan(st *State, value any) (*Outcome, error) {
	plan, err := decompose.Coerce(value)
	if err != nil {
		return nil, err
	}
	plan.Normalize(st.DefaultSkill)
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	ordered, err := decompose.TopoSort(plan.SubTasks)
	if err != nil {
		return nil, err
	}
	for _, sub := range ordered {
		if _, err := skill.Load(r.skillsDir(), sub.SkillID); err != nil {
			return nil, fmt.Errorf("subtask '%s': %w", sub.ID, err)
		}
	}
	if err := r.store.LogEvent(st.ParentID, decomposeRole, "resumed", fmt.Sprintf("%d subtasks", len(ordered))); err != nil {
		return nil, err
	}
	st.Phase = PhaseRun
	st.SubTasks = ordered
	st.Reasoning = plan.Reasoning
	st.Index = 0
	st.Results = nil
	return r.advance(st)
}

func (r *Runner) resumeChild(st *State, value any) (*Outcome, error) {
	if st.CurrentRunID == "" {
		// A crash landed between recording one child and starting the
		// next. There is nothing waiting for this value; just advance.
		return r.advance(st)
	}
	step, err := r.service.Resume(st.CurrentRunID, value)
	if errors.Is(err, db.ErrNotFound) {
		// The intent to start this child was saved but the child
		// checkpoint never landed. Stage it now; the value answered a
		// prompt that was never delivered, so it is dropped.
		return r.startChild(st)
	}
	if errors.Is(err, engine.ErrAlreadyFinished) {
		// The child finished but the sequence snapshot missed it.
		run, _, lerr := r.service.Load(st.CurrentRunID)
		if lerr != nil {
			return nil, lerr
		}
		r.recordChild(st, run)
		return r.advance(st)
	}
	if err != nil {
		return nil, err
	}
	if step.Kind == engine.StepSuspended {
		if err := r.save(st, PhaseRun, step.Marker, true); err != nil {
			return nil, err
		}
		return &Outcome{State: st, Step: step}, nil
	}
	r.recordChild(st, step.Run)
	return r.advance(st)
}

// advance walks the subtask list from Index: skipping subtasks whose
// dependencies did not deliver, starting the next runnable child, and
// finishing with the rollup when the list is exhausted.
func (r *Runner) advance(st *State) (*Outcome, error) {
	for st.Index < len(st.SubTasks) {
		sub := st.SubTasks[st.Index]
		dep, blocked := firstUndeliveredDep(sub, st.Results)
		if !blocked {
			return r.startChild(st)
		}
		st.Results = append(st.Results, SubResult{
			SubID:   sub.ID,
			Status:  StatusSkipped,
			Summary: fmt.Sprintf("skipped: dependency '%s' did not complete", dep),
		})
		st.Index++
		st.CurrentRunID = ""
		if err := r.save(st, PhaseRun, engine.Marker{}, true); err != nil {
			return nil, err
		}
		if err := r.store.LogEvent(st.ParentID, sub.ID, "skipped", fmt.Sprintf("dependency '%s'", dep)); err != nil {
			return nil, err
		}
	}
	return r.finish(st)
}

// startChild launches the subtask at Index. The intent is saved before
// the child exists so a crash in between is recoverable; the reverse
// order would leave a child no snapshot points at.
func (r *Runner) startChild(st *State) (*Outcome, error) {
	sub := st.SubTasks[st.Index]
	childID := decompose.SubRunID(st.ParentID, sub.ID)
	st.CurrentRunID = childID
	if err := r.save(st, PhaseRun, engine.Marker{}, true); err != nil {
		return nil, err
	}
	step, err := r.service.Start(workflow.StartRequest{
		RunID:        childID,
		ParentID:     st.ParentID,
		Requirement:  sub.Description,
		SkillID:      sub.SkillID,
		DoneCriteria: sub.DoneCriteria,
		TimeoutSec:   st.TimeoutSec,
		RetryBudget:  st.RetryBudget,
		Builder:      st.Builder,
		Reviewer:     st.Reviewer,
		Context:      contextFrom(st.Results),
	})
	if err != nil {
		st.Results = append(st.Results, SubResult{
			SubID:   sub.ID,
			RunID:   childID,
			Status:  string(state.StatusFailed),
			Summary: fmt.Sprintf("failed to start: %v", err),
		})
		st.Index++
		st.CurrentRunID = ""
		if err2 := r.save(st, PhaseRun, engine.Marker{}, true); err2 != nil {
			return nil, err2
		}
		if err2 := r.store.LogEvent(st.ParentID, sub.ID, "failed", err.Error()); err2 != nil {
			return nil, err2
		}
		return r.advance(st)
	}
	if step.Kind == engine.StepDone {
		r.recordChild(st, step.Run)
		return r.advance(st)
	}
	if err := r.save(st, PhaseRun, step.Marker, true); err != nil {
		return nil, err
	}
	return &Outcome{State: st, Step: step}, nil
}

// recordChild folds a finished child run into Results and moves Index
// past it. The caller saves on its next step.
func (r *Runner) recordChild(st *State, run *state.Run) {
	sub := st.SubTasks[st.Index]
	res := SubResult{
		SubID:   sub.ID,
		RunID:   run.RunID,
		Status:  string(run.FinalStatus),
		Retries: run.RetryCount,
	}
	if run.BuilderOutput != nil {
		res.Summary = run.BuilderOutput.Summary
		res.ChangedFiles = run.BuilderOutput.ChangedFiles
	}
	if run.Error != "" {
		res.Summary = run.Error
	}
	st.Results = append(st.Results, res)
	st.Index++
	st.CurrentRunID = ""
}

func (r *Runner) finish(st *State) (*Outcome, error) {
	rollup := Aggregate(st.ParentID, st.Results)
	st.FinalStatus = rollup.FinalStatus
	st.CurrentRunID = ""
	if len(rollup.Failed) > 0 {
		st.Error = fmt.Sprintf("%d of %d subtasks failed: %s",
			len(rollup.Failed), rollup.Total, strings.Join(rollup.Failed, ", "))
	}
	if err := r.save(st, engine.End, engine.Marker{}, false); err != nil {
		return nil, err
	}
	if err := r.store.LogEvent(st.ParentID, engine.End, "finished", rollup.FinalStatus); err != nil {
		return nil, err
	}
	if _, err := workspace.ArchiveConversation(r.root, st.ParentID, rollup); err != nil {
		return nil, err
	}
	d := dashboard.Data{RunID: st.ParentID}
	if st.Error != "" {
		d.Error = st.Error
	} else {
		d.StatusMsg = fmt.Sprintf("All %d subtasks approved.\n\n%s", rollup.Total, rollup.Summary)
	}
	if _, err := dashboard.Write(r.root, d); err != nil {
		return nil, err
	}
	if err := r.releaseSlot(st.ParentID); err != nil {
		return nil, err
	}
	return &Outcome{State: st, Rollup: &rollup}, nil
}

// Cancel ends the sequence and its in-flight child, archives the
// partial rollup, and frees the active slot.
func (r *Runner) Cancel(parentID, reason string) (*State, error) {
	st, _, err := r.Load(parentID)
	if err != nil {
		return nil, err
	}
	if st.Terminal() {
		return nil, fmt.Errorf("task %s: %w", parentID, engine.ErrAlreadyFinished)
	}
	if st.CurrentRunID != "" {
		if _, err := r.service.Cancel(st.CurrentRunID, reason); err != nil &&
			!errors.Is(err, engine.ErrAlreadyFinished) && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	msg := "cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	st.FinalStatus = string(state.StatusCancelled)
	st.Error = msg
	if err := r.save(st, engine.End, engine.Marker{}, false); err != nil {
		return nil, err
	}
	if err := r.store.LogEvent(parentID, engine.End, "cancelled", string(state.StatusCancelled)); err != nil {
		return nil, err
	}
	rollup := Aggregate(parentID, st.Results)
	rollup.FinalStatus = string(state.StatusCancelled)
	if _, err := workspace.ArchiveConversation(r.root, parentID, rollup); err != nil {
		return nil, err
	}
	if _, err := dashboard.Write(r.root, dashboard.Data{RunID: parentID, Error: msg}); err != nil {
		return nil, err
	}
	if err := r.releaseSlot(parentID); err != nil {
		return nil, err
	}
	return st, nil
}

// Load reads a sequence snapshot back from the store.
func (r *Runner) Load(parentID string) (*State, *db.Checkpoint, error) {
	cp, err := r.store.LoadCheckpoint(parentID)
	if err != nil {
		return nil, nil, err
	}
	if cp.Kind != db.KindSequence {
		return nil, nil, fmt.Errorf("checkpoint %s is a %s, not a sequence", parentID, cp.Kind)
	}
	if cp.Version != state.SnapshotVersion {
		return nil, nil, fmt.Errorf("checkpoint %s has snapshot version %d, want %d", parentID, cp.Version, state.SnapshotVersion)
	}
	var st State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return nil, nil, fmt.Errorf("%w: task %s: %v", db.ErrCorruptState, parentID, err)
	}
	return &st, cp, nil
}

// save snapshots the sequence. The checkpoint's wait columns mirror
// whatever the workspace currently waits on, child markers included, so
// status and done read one row to know whose outbox closes the loop.
func (r *Runner) save(st *State, node string, m engine.Marker, pending bool) error {
	st.Version = state.SnapshotVersion
	buf, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", st.ParentID, err)
	}
	return r.store.SaveCheckpoint(&db.Checkpoint{
		RunID:     st.ParentID,
		Kind:      db.KindSequence,
		Version:   state.SnapshotVersion,
		State:     buf,
		Status:    st.FinalStatus,
		NextNode:  node,
		WaitRole:  string(m.Role),
		WaitActor: m.Actor,
		InboxPath: m.InboxPath,
		Pending:   pending,
	})
}

func (r *Runner) releaseSlot(parentID string) error {
	holder, err := r.store.ActiveRun()
	if err != nil {
		return err
	}
	if holder == parentID {
		return r.store.ReleaseActive(parentID)
	}
	return nil
}

func (r *Runner) skillsDir() string {
	return filepath.Join(r.root, r.settings.SkillsDir)
}

// StatusSkipped marks a subtask never run because a dependency did not
// deliver. Skipped subtasks count as failed in the rollup.
const StatusSkipped = "skipped"

// delivered reports whether a subtask result counts as done for
// dependents and the rollup. "completed" is accepted alongside the
// review verdict for results recorded without a review cycle.
func delivered(status string) bool {
	return status == string(state.StatusApproved) || status == "completed"
}

func firstUndeliveredDep(sub decompose.SubTask, results []SubResult) (string, bool) {
	byID := make(map[string]string, len(results))
	for _, res := range results {
		byID[res.SubID] = res.Status
	}
	for _, dep := range sub.Deps {
		status, ran := byID[dep]
		if ran && !delivered(status) {
			return dep, true
		}
	}
	return "", false
}

// contextFrom renders the delivered results so far for the next child's
// prompt. Undelivered subtasks are left out; their absence is the
// signal.
func contextFrom(results []SubResult) string {
	var lines []string
	for _, res := range results {
		if !delivered(res.Status) {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", res.SubID, res.Summary))
		if len(res.ChangedFiles) > 0 {
			lines = append(lines, fmt.Sprintf("  changed files: %s", strings.Join(res.ChangedFiles, ", ")))
		}
	}
	return strings.Join(lines, "\n")
}

// Aggregate rolls subtask results into the final report. Every status
// other than approved or completed lands in Failed, skipped included,
// and one failure fails the whole sequence.
func Aggregate(parentID string, results []SubResult) Rollup {
	var (
		failed  []string
		files   []string
		lines   []string
		retries int
	)
	for _, res := range results {
		lines = append(lines, fmt.Sprintf("- %s: %s", res.SubID, res.Summary))
		files = append(files, res.ChangedFiles...)
		retries += res.Retries
		if !delivered(res.Status) {
			failed = append(failed, res.SubID)
		}
	}
	final := string(state.StatusApproved)
	if len(failed) > 0 {
		final = string(state.StatusFailed)
	}
	return Rollup{
		ParentID:     parentID,
		Total:        len(results),
		Completed:    len(results) - len(failed),
		Failed:       failed,
		TotalRetries: retries,
		ChangedFiles: dedupSorted(files),
		Summary:      strings.Join(lines, "\n"),
		FinalStatus:  final,
	}
}

func dedupSorted(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
