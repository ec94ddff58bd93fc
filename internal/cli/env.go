package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/agents"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/config"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/engine"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/sequence"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workflow"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

// env bundles everything a command needs once the workspace is found.
type env struct {
	root      string
	settings  *config.Settings
	registry  *agents.Registry
	store     *db.DB
	service   *workflow.Service
	sequences *sequence.Runner
}

// openEnv locates the workspace from the current directory and wires
// the full stack against it. The cleanup closes the store.
func openEnv() (*env, func(), error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	root, err := workspace.FindRoot(cwd)
	if err != nil {
		return nil, nil, err
	}
	settings, err := config.LoadDefault(root)
	if err != nil {
		return nil, nil, err
	}
	registry, err := agents.Load(filepath.Join(root, settings.AgentsFile))
	if err != nil {
		return nil, nil, err
	}
	store, err := db.Open(workspace.DBPath(root))
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, err
	}
	service, err := workflow.New(root, settings, registry, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return &env{
		root:      root,
		settings:  settings,
		registry:  registry,
		store:     store,
		service:   service,
		sequences: sequence.New(root, settings, service, store),
	}, func() { store.Close() }, nil
}

// resolveTaskID falls back to the holder of the active slot when no
// explicit id was given.
func (e *env) resolveTaskID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	id, err := e.store.ActiveRun()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("no active task found; pass --task-id")
	}
	return id, nil
}

// submit feeds agent output into whatever the checkpoint is: a plain
// run resumes directly, a sequence routes the value to its current
// phase (the decomposition plan or the in-flight child). Exactly one
// of step and outcome is set on success.
func (e *env) submit(taskID string, value any) (*engine.Step, *sequence.Outcome, error) {
	cp, err := e.store.LoadCheckpoint(taskID)
	if err != nil {
		return nil, nil, err
	}
	if cp.Kind == db.KindSequence {
		out, err := e.sequences.Resume(taskID, value)
		return nil, out, err
	}
	step, err := e.service.Resume(taskID, value)
	return step, nil, err
}

// printStep reports where a run now stands: the inbox to hand to the
// next agent, or the final status.
func printStep(cmd *cobra.Command, step *engine.Step) {
	if step.Kind == engine.StepDone {
		printFinal(cmd, step.Run)
		return
	}
	printWaiting(cmd, step.Node, step.Marker)
}

func printFinal(cmd *cobra.Command, run *state.Run) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Task %s finished: %s\n", run.RunID, run.FinalStatus)
	if run.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", run.Error)
	}
}

func printWaiting(cmd *cobra.Command, node string, m engine.Marker) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Paused at: %s\n", node)
	fmt.Fprintf(w, "  Role:  %s\n", m.Role)
	if m.Actor != "" {
		fmt.Fprintf(w, "  Agent: %s\n", m.Actor)
	}
	fmt.Fprintf(w, "  Inbox: %s\n", m.InboxPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Open the inbox file in the agent's editor (or reference it with @file)")
	fmt.Fprintln(w, "  2. Let the agent do the work")
	fmt.Fprintln(w, "  3. Run: orchestra done (or leave 'orchestra watch' running)")
}

// printOutcome is printStep for sequences. A decompose-phase outcome
// has neither a step nor a rollup; the wait belongs to the planner.
func printOutcome(cmd *cobra.Command, out *sequence.Outcome) {
	w := cmd.OutOrStdout()
	st := out.State
	switch {
	case out.Rollup != nil:
		r := out.Rollup
		fmt.Fprintf(w, "Sequence %s finished: %s\n", r.ParentID, r.FinalStatus)
		fmt.Fprintf(w, "  Subtasks: %d total, %d completed, %d failed\n", r.Total, r.Completed, len(r.Failed))
		if st.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", st.Error)
		}
	case out.Step != nil:
		fmt.Fprintf(w, "Subtask %d of %d: %s\n", st.Index+1, len(st.SubTasks), st.SubTasks[st.Index].ID)
		printStep(cmd, out.Step)
	default:
		printWaiting(cmd, "decompose", engine.Marker{
			Role:      state.RoleDecompose,
			InboxPath: workspace.RelInboxPath(string(state.RoleDecompose)),
		})
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func displayNode(cp *db.Checkpoint) string {
	if cp.NextNode == engine.End || cp.NextNode == "" {
		return "done"
	}
	return cp.NextNode
}
