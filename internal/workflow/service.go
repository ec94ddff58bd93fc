// Package workflow wires the build-review-decide cycle onto the
// checkpointing engine. It assembles the run graph, resolves incoming
// requests against skill contracts and workspace settings, and settles
// the side effects a finished run owes the workspace: conversation
// archive, final dashboard, active-slot release.
package workflow

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/agents"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/config"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/dashboard"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/engine"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/skill"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

// Service owns one workspace's runs. Every decision it needs lives in
// the store or on disk, never in memory between calls, so any method
// can be the first call of a fresh process.
type Service struct {
	root     string
	settings *config.Settings
	registry *agents.Registry
	store    *db.DB
	engine   *engine.Engine

	now func() time.Time
}

// New assembles the run graph and binds it to the workspace at root.
func New(root string, settings *config.Settings, registry *agents.Registry, store *db.DB) (*Service, error) {
	s := &Service{
		root:     root,
		settings: settings,
		registry: registry,
		store:    store,
		now:      time.Now,
	}

	g := engine.NewGraph()
	g.AddNode("plan", s.plan)
	g.AddAwaitNode("build", s.buildAwait, s.buildResume)
	g.AddAwaitNode("review", s.reviewAwait, s.reviewResume)
	g.AddNode("decide", s.decide)
	g.SetEntry("plan")
	g.AddEdge("plan", "build")
	g.AddConditionalEdge("build", routeAfterBuild, map[string]string{
		"review": "review",
		"end":    engine.End,
	})
	g.AddEdge("review", "decide")
	g.AddConditionalEdge("decide", routeDecision, map[string]string{
		"retry": "plan",
		"end":   engine.End,
	})

	eng, err := engine.New(store, g)
	if err != nil {
		return nil, err
	}
	s.engine = eng
	return s, nil
}

// StartRequest carries everything a caller knows about a new run. Empty
// fields fall back to the skill contract and then the workspace
// settings. RetryBudget uses -1 as its unset marker: an explicit budget
// of zero is meaningful and makes the first rejection escalate.
type StartRequest struct {
	RunID        string
	ParentID     string
	Requirement  string
	SkillID      string
	DoneCriteria []string
	TimeoutSec   int
	RetryBudget  int
	Builder      string
	Reviewer     string
	Context      string
}

// Start resolves the request, claims the single active-run slot for
// top-level runs, resets the shared mailboxes, and drives the run to
// its first suspension.
func (s *Service) Start(req StartRequest) (*engine.Step, error) {
	requirement := strings.TrimSpace(req.Requirement)
	if requirement == "" {
		return nil, fmt.Errorf("requirement must not be empty")
	}
	skillID := req.SkillID
	if skillID == "" {
		skillID = s.settings.DefaultSkill
	}
	contract, err := skill.Load(s.skillsDir(), skillID)
	if err != nil {
		return nil, err
	}

	timeout := req.TimeoutSec
	if timeout <= 0 {
		timeout = contract.Timeouts.RunSec
	}
	if timeout <= 0 {
		timeout = s.settings.TimeoutSec
	}
	budget := req.RetryBudget
	if budget < 0 {
		budget = contract.Retry.MaxAttempts
	}
	if budget < 0 {
		budget = s.settings.RetryBudget
	}
	criteria := req.DoneCriteria
	if len(criteria) == 0 {
		criteria = []string{requirement}
	}
	runID := req.RunID
	if runID == "" {
		runID = NewRunID()
	}

	// Claim the slot before touching the mailboxes so a refused start
	// can never wipe the live run's files.
	topLevel := req.ParentID == ""
	if topLevel {
		if err := s.store.AcquireActive(runID); err != nil {
			return nil, fmt.Errorf("start %s: %w", runID, err)
		}
	}

	step, err := s.launch(&state.Run{
		RunID:            runID,
		ParentID:         req.ParentID,
		Requirement:      requirement,
		SkillID:          skillID,
		DoneCriteria:     criteria,
		Context:          req.Context,
		TimeoutSec:       timeout,
		RetryBudget:      budget,
		BuilderExplicit:  req.Builder,
		ReviewerExplicit: req.Reviewer,
		CreatedAt:        s.now().UTC(),
	})
	if err != nil {
		if topLevel {
			// Best effort; the launch error is the one worth reporting.
			_ = s.store.ReleaseActive(runID)
		}
		return nil, err
	}
	return step, nil
}

func (s *Service) launch(run *state.Run) (*engine.Step, error) {
	if err := workspace.ClearRuntime(s.root); err != nil {
		return nil, err
	}
	step, err := s.engine.Start(run)
	if err != nil {
		return nil, err
	}
	return s.afterStep(step)
}

// NewRunID mints a fresh run id in the task-xxxxxxxx shape used across
// the workspace. Subtask ids are not minted here; they derive from the
// parent so restarts address the same checkpoints.
func NewRunID() string {
	u := uuid.New()
	return fmt.Sprintf("task-%x", u[:4])
}

// Resume feeds an agent's outbox payload to the suspended run and
// drives it onward.
func (s *Service) Resume(runID string, value any) (*engine.Step, error) {
	step, err := s.engine.Resume(runID, value)
	if err != nil {
		return nil, err
	}
	return s.afterStep(step)
}

// Cancel marks a non-terminal run cancelled and settles its side
// effects.
func (s *Service) Cancel(runID, reason string) (*state.Run, error) {
	run, err := s.engine.Cancel(runID, state.StatusCancelled, state.Entry{
		Role:   "orchestrator",
		Action: "cancelled",
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	msg := "cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	d := dashboard.Data{
		RunID:        run.RunID,
		DoneCriteria: run.DoneCriteria,
		Conversation: run.Conversation,
		Error:        msg,
	}
	if err := s.finalize(run, d); err != nil {
		return nil, err
	}
	return run, nil
}

// Load returns the persisted snapshot and checkpoint for a run.
func (s *Service) Load(runID string) (*state.Run, *db.Checkpoint, error) {
	return s.engine.LoadRun(runID)
}

// Active returns the run id holding the active slot, or "" when free.
func (s *Service) Active() (string, error) {
	return s.store.ActiveRun()
}

// afterStep settles what a terminal step owes the workspace.
// Suspensions pass through untouched.
func (s *Service) afterStep(step *engine.Step) (*engine.Step, error) {
	if step.Kind != engine.StepDone {
		return step, nil
	}
	if err := s.finalize(step.Run, finalDashboard(step.Run)); err != nil {
		return nil, err
	}
	return step, nil
}

// finalize archives the conversation, writes the last dashboard, and
// frees the active slot when this run holds it. Every terminal path
// funnels through here, cancellation included.
func (s *Service) finalize(run *state.Run, d dashboard.Data) error {
	if _, err := workspace.ArchiveConversation(s.root, run.RunID, run.Conversation); err != nil {
		return err
	}
	if _, err := dashboard.Write(s.root, d); err != nil {
		return err
	}
	if run.ParentID != "" {
		return nil
	}
	holder, err := s.store.ActiveRun()
	if err != nil {
		return err
	}
	if holder == run.RunID {
		return s.store.ReleaseActive(run.RunID)
	}
	return nil
}

func finalDashboard(run *state.Run) dashboard.Data {
	d := dashboard.Data{
		RunID:        run.RunID,
		DoneCriteria: run.DoneCriteria,
		Conversation: run.Conversation,
	}
	switch run.FinalStatus {
	case state.StatusApproved:
		d.StatusMsg = "Review passed. Run complete."
	case state.StatusEscalated:
		d.Error = fmt.Sprintf("retry budget of %d exhausted; a human needs to take over", run.RetryBudget)
	default:
		d.Error = run.Error
	}
	return d
}

func (s *Service) skillsDir() string {
	return filepath.Join(s.root, s.settings.SkillsDir)
}
