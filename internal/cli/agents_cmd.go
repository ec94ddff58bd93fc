package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents and validate the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		w := cmd.OutOrStdout()
		reg := e.registry
		if len(reg.Agents) == 0 {
			fmt.Fprintf(w, "No agents registered. Add them to %s.\n", e.settings.AgentsFile)
			return nil
		}

		fmt.Fprintf(w, "Strategy: %s\n", reg.RoleStrategy)
		if reg.Defaults.Builder != "" || reg.Defaults.Reviewer != "" {
			fmt.Fprintf(w, "Defaults: builder=%s reviewer=%s\n", orDash(reg.Defaults.Builder), orDash(reg.Defaults.Reviewer))
		}
		fmt.Fprintln(w)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDRIVER\tCAPABILITIES\tRELIABILITY")
		for _, a := range reg.Agents {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\n", a.ID, a.Driver, strings.Join(a.Capabilities, ","), a.Reliability)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if errs := reg.Validate(); len(errs) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Problems:")
			for _, ve := range errs {
				fmt.Fprintf(w, "  - %s\n", ve.Error())
			}
			return fmt.Errorf("registry has %d problem(s)", len(errs))
		}
		return nil
	},
}
