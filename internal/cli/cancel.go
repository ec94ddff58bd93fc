package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the current task",
	Long: `Marks the task cancelled, releases the active slot, and archives what
happened so far. The task cannot be resumed afterwards; start a new one
with the same requirement if needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		flags := cmd.Flags()
		taskID, _ := flags.GetString("task-id")
		reason, _ := flags.GetString("reason")

		if taskID == "" {
			id, err := e.store.ActiveRun()
			if err != nil {
				return err
			}
			if id == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No active task to cancel.")
				return nil
			}
			taskID = id
		}

		cp, err := e.store.LoadCheckpoint(taskID)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if cp.Kind == db.KindSequence {
			st, err := e.sequences.Cancel(taskID, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Sequence %s cancelled: %s\n", st.ParentID, reason)
			return nil
		}
		run, err := e.service.Cancel(taskID, reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Task %s cancelled: %s\n", run.RunID, reason)
		return nil
	},
}

func init() {
	cancelCmd.Flags().String("task-id", "", "Task id (defaults to the active task)")
	cancelCmd.Flags().String("reason", "user cancelled", "Why the task is being abandoned")
}
