package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = e.settings.HistoryLimit
		}
		cps, err := e.store.ListCheckpoints(limit)
		if err != nil {
			return err
		}
		if len(cps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks yet.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tKIND\tSTATUS\tSTEP\tUPDATED")
		for i := range cps {
			cp := &cps[i]
			status := cp.Status
			if status == "" {
				status = "active"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cp.RunID, cp.Kind, status, displayNode(cp), cp.UpdatedAt)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().Int("limit", 0, "Max rows (default from config)")
}
