package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/dashboard"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/engine"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/prompt"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/skill"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

// plan resolves who works this attempt, renders the builder prompt into
// the inbox, and repaints the dashboard. Retries keep the pair already
// on the run so feedback lands with the agent that earned it.
func (s *Service) plan(run *state.Run) (state.Delta, error) {
	contract, err := skill.Load(s.skillsDir(), run.SkillID)
	if err != nil {
		return state.Delta{}, err
	}

	builderID, reviewerID := run.BuilderID, run.ReviewerID
	if builderID == "" || reviewerID == "" {
		builderID, err = s.registry.ResolveBuilder(contract, run.BuilderExplicit)
		if err != nil {
			return state.Delta{}, err
		}
		reviewerID, err = s.registry.ResolveReviewer(contract, builderID, run.ReviewerExplicit)
		if err != nil {
			return state.Delta{}, err
		}
	}

	vars := prompt.Vars{
		"task_id":       run.RunID,
		"skill_id":      run.SkillID,
		"agent_id":      builderID,
		"timeout_min":   strconv.Itoa((run.TimeoutSec + 59) / 60),
		"requirement":   run.Requirement,
		"done_criteria": bulleted(run.DoneCriteria),
		"outbox_path":   workspace.RelOutboxPath("builder"),
		"context":       run.Context,
		"quality_gates": bulleted(contract.QualityGates),
	}
	if run.RetryCount > 0 {
		vars["retry_count"] = strconv.Itoa(run.RetryCount)
		vars["retry_budget"] = strconv.Itoa(run.RetryBudget)
		feedback := ""
		if run.ReviewerOutput != nil {
			feedback = run.ReviewerOutput.Feedback
		}
		vars["retry_feedback"] = feedback
	}
	text, err := s.renderPrompt("builder.md", vars)
	if err != nil {
		return state.Delta{}, err
	}
	if err := s.deliver("builder", text); err != nil {
		return state.Delta{}, err
	}

	startedAt := s.now().UTC()
	entry := state.Entry{Role: "orchestrator", Action: "assigned", Agent: builderID}
	if _, err := dashboard.Write(s.root, dashboard.Data{
		RunID:        run.RunID,
		DoneCriteria: run.DoneCriteria,
		Agent:        builderID,
		Role:         "builder",
		Conversation: appendEntry(run.Conversation, entry),
		Remaining:    dashboard.Remaining(startedAt, run.TimeoutSec),
	}); err != nil {
		return state.Delta{}, err
	}

	return state.Delta{
		BuilderID:    builderID,
		ReviewerID:   reviewerID,
		CurrentRole:  state.RoleBuilder,
		StartedAt:    startedAt,
		Conversation: []state.Entry{entry},
	}, nil
}

// buildAwait parks the run on the builder's desk.
func (s *Service) buildAwait(run *state.Run) (engine.Marker, state.Delta, error) {
	return engine.Marker{
		Role:      state.RoleBuilder,
		Actor:     run.BuilderID,
		InboxPath: workspace.RelInboxPath("builder"),
	}, state.Delta{}, nil
}

// buildResume judges the attempt against its deadline, validates the
// builder's report, and stages the review. The deadline is checked
// here, when the builder reports back, not by a background timer.
func (s *Service) buildResume(run *state.Run, value any) (state.Delta, error) {
	elapsed := 0
	if !run.StartedAt.IsZero() {
		elapsed = int(s.now().UTC().Sub(run.StartedAt) / time.Second)
	}
	if run.TimeoutSec > 0 && elapsed > run.TimeoutSec {
		return state.Delta{
			Error:       fmt.Sprintf("TIMEOUT: builder took %ds (limit: %ds)", elapsed, run.TimeoutSec),
			FinalStatus: state.StatusFailed,
			Conversation: []state.Entry{{
				Role:    "orchestrator",
				Action:  "timeout",
				Elapsed: elapsed,
			}},
		}, nil
	}

	out, problems := state.ParseBuilderOutput(value)
	if len(problems) > 0 {
		return state.Delta{
			Error:       "builder output invalid: " + strings.Join(problems, "; "),
			FinalStatus: state.StatusFailed,
			Conversation: []state.Entry{{
				Role:   "builder",
				Output: "INVALID",
			}},
		}, nil
	}

	// A builder that reports failure ends the run; there is nothing for
	// a reviewer to verify. Blocked work still goes to review so the
	// rejection feedback can name what to unblock.
	switch out.Status {
	case "failed", "error", "cancelled":
		return state.Delta{
			BuilderOutput: out,
			Error:         fmt.Sprintf("builder reported %s: %s", out.Status, out.Summary),
			FinalStatus:   state.StatusFailed,
			Conversation: []state.Entry{{
				Role:    "builder",
				Output:  out.Summary,
				Elapsed: elapsed,
			}},
		}, nil
	}

	contract, err := skill.Load(s.skillsDir(), run.SkillID)
	if err != nil {
		return state.Delta{}, err
	}
	out.GateWarnings = contract.GateWarnings(out.CheckResults)

	vars := prompt.Vars{
		"task_id":         run.RunID,
		"agent_id":        run.ReviewerID,
		"builder_id":      run.BuilderID,
		"requirement":     run.Requirement,
		"done_criteria":   bulleted(run.DoneCriteria),
		"builder_summary": out.Summary,
		"outbox_path":     workspace.RelOutboxPath("reviewer"),
		"changed_files":   bulleted(out.ChangedFiles),
		"check_results":   formatChecks(out.CheckResults),
		"risks":           bulleted(out.Risks),
		"handoff_notes":   out.HandoffNotes,
		"gate_warnings":   bulleted(out.GateWarnings),
	}
	text, err := s.renderPrompt("reviewer.md", vars)
	if err != nil {
		return state.Delta{}, err
	}
	if err := s.deliver("reviewer", text); err != nil {
		return state.Delta{}, err
	}

	entry := state.Entry{Role: "builder", Output: out.Summary, Elapsed: elapsed}
	if _, err := dashboard.Write(s.root, dashboard.Data{
		RunID:        run.RunID,
		DoneCriteria: run.DoneCriteria,
		Agent:        run.ReviewerID,
		Role:         "reviewer",
		Conversation: appendEntry(run.Conversation, entry),
	}); err != nil {
		return state.Delta{}, err
	}

	return state.Delta{
		BuilderOutput: out,
		CurrentRole:   state.RoleReviewer,
		Conversation:  []state.Entry{entry},
	}, nil
}

// reviewAwait parks the run on the reviewer's desk.
func (s *Service) reviewAwait(run *state.Run) (engine.Marker, state.Delta, error) {
	return engine.Marker{
		Role:      state.RoleReviewer,
		Actor:     run.ReviewerID,
		InboxPath: workspace.RelInboxPath("reviewer"),
	}, state.Delta{}, nil
}

// reviewResume accepts whatever came back. A malformed verdict becomes
// a rejection so the cycle keeps moving instead of wedging the run.
func (s *Service) reviewResume(run *state.Run, value any) (state.Delta, error) {
	out, ok := state.ParseReviewerOutput(value)
	if !ok {
		out = &state.ReviewerOutput{Decision: "reject", Feedback: "Invalid reviewer output"}
	}
	return state.Delta{
		ReviewerOutput: out,
		Conversation: []state.Entry{{
			Role:     "reviewer",
			Decision: out.Decision,
		}},
	}, nil
}

// decide turns the verdict into an outcome: approval finishes the run,
// a rejection inside budget loops back to plan, and one past budget
// escalates to a human.
func (s *Service) decide(run *state.Run) (state.Delta, error) {
	if run.ReviewerOutput.Approved() {
		return state.Delta{
			FinalStatus: state.StatusApproved,
			Conversation: []state.Entry{{
				Role:   "orchestrator",
				Action: "approved",
			}},
		}, nil
	}

	retries := run.RetryCount + 1
	if retries > run.RetryBudget {
		return state.Delta{
			Error:       "BUDGET_EXHAUSTED",
			RetryCount:  retries,
			FinalStatus: state.StatusEscalated,
			Conversation: []state.Entry{{
				Role:   "orchestrator",
				Action: "escalated",
				Reason: "retry budget exhausted",
			}},
		}, nil
	}

	feedback := ""
	if run.ReviewerOutput != nil {
		feedback = run.ReviewerOutput.Feedback
	}
	return state.Delta{
		RetryCount: retries,
		Conversation: []state.Entry{{
			Role:     "orchestrator",
			Action:   "retry",
			Feedback: feedback,
		}},
	}, nil
}

// routeAfterBuild sends a healthy attempt to review and anything
// terminal to the end.
func routeAfterBuild(run *state.Run) string {
	if run.Error != "" || run.Terminal() {
		return "end"
	}
	return "review"
}

// routeDecision loops a within-budget rejection back to planning.
func routeDecision(run *state.Run) string {
	if run.Error != "" || run.Terminal() {
		return "end"
	}
	return "retry"
}

// deliver stages a rendered prompt for a role. The stale outbox goes
// first so a previous answer can never be mistaken for this one.
func (s *Service) deliver(role, rendered string) error {
	if err := workspace.ClearOutbox(s.root, role); err != nil {
		return err
	}
	if _, err := workspace.WriteInbox(s.root, role, rendered); err != nil {
		return err
	}
	if _, err := workspace.WriteTaskBrief(s.root, workspace.TaskBrief(rendered, role)); err != nil {
		return err
	}
	return nil
}

func (s *Service) renderPrompt(name string, vars prompt.Vars) (string, error) {
	tmpl, err := prompt.LoadTemplate(name, s.root)
	if err != nil {
		return "", err
	}
	text, err := prompt.Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return text, nil
}

// bulleted renders items as a markdown list, or "" so conditional
// template blocks drop cleanly.
func bulleted(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}

// formatChecks renders check_results sorted by gate name.
func formatChecks(results map[string]any) string {
	if len(results) == 0 {
		return ""
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("- %s: %v", k, results[k])
	}
	return strings.Join(lines, "\n")
}

// appendEntry copies before appending; node deltas must not alias the
// accumulated conversation slice.
func appendEntry(conv []state.Entry, e state.Entry) []state.Entry {
	out := make([]state.Entry, 0, len(conv)+1)
	out = append(out, conv...)
	return append(out, e)
}
