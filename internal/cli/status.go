package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/sequence"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the current task stands",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		taskID, _ := cmd.Flags().GetString("task-id")
		if taskID == "" {
			id, err := e.store.ActiveRun()
			if err != nil {
				return err
			}
			if id == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No active task.")
				return nil
			}
			taskID = id
		}

		cp, err := e.store.LoadCheckpoint(taskID)
		if err != nil {
			return err
		}
		if cp.Kind == db.KindSequence {
			return sequenceStatus(cmd, e, taskID)
		}
		return runStatus(cmd, e, taskID)
	},
}

func runStatus(cmd *cobra.Command, e *env, taskID string) error {
	run, cp, err := e.service.Load(taskID)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Task: %s\n", run.RunID)
	fmt.Fprintf(w, "  Step:     %s\n", displayNode(cp))
	fmt.Fprintf(w, "  Builder:  %s\n", orDash(run.BuilderID))
	fmt.Fprintf(w, "  Reviewer: %s\n", orDash(run.ReviewerID))
	fmt.Fprintf(w, "  Retry:    %d/%d\n", run.RetryCount, run.RetryBudget)
	if run.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", run.Error)
	}
	if run.FinalStatus != "" {
		fmt.Fprintf(w, "  Final:    %s\n", run.FinalStatus)
	} else if cp.Pending {
		fmt.Fprintf(w, "  Waiting:  %s (%s)\n", cp.WaitRole, orDash(cp.WaitActor))
		fmt.Fprintf(w, "  Inbox:    %s\n", cp.InboxPath)
	}
	printDashboardPath(cmd, e.root)
	return nil
}

func sequenceStatus(cmd *cobra.Command, e *env, taskID string) error {
	st, cp, err := e.sequences.Load(taskID)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Sequence: %s\n", st.ParentID)
	fmt.Fprintf(w, "  Phase:    %s\n", st.Phase)
	if st.Phase == sequence.PhaseRun && len(st.SubTasks) > 0 {
		fmt.Fprintf(w, "  Subtasks: %d/%d done\n", len(st.Results), len(st.SubTasks))
		if st.CurrentRunID != "" && st.Index < len(st.SubTasks) {
			fmt.Fprintf(w, "  Current:  %s (%s)\n", st.SubTasks[st.Index].ID, st.CurrentRunID)
		}
	}
	if st.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", st.Error)
	}
	if st.FinalStatus != "" {
		fmt.Fprintf(w, "  Final:    %s\n", st.FinalStatus)
	} else if cp.Pending {
		fmt.Fprintf(w, "  Waiting:  %s (%s)\n", cp.WaitRole, orDash(cp.WaitActor))
		fmt.Fprintf(w, "  Inbox:    %s\n", cp.InboxPath)
	}
	printDashboardPath(cmd, e.root)
	return nil
}

func printDashboardPath(cmd *cobra.Command, root string) {
	path := workspace.DashboardPath(root)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nDashboard: %s\n", path)
	}
}

func init() {
	statusCmd.Flags().String("task-id", "", "Task id (defaults to the active task)")
}
