package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "orchestra — durable coordination of coding agents",
	Long: `orchestra drives external coding agents through a build/review cycle
with durable checkpoints. A run suspends whenever an agent owes output,
survives process restarts, and picks up exactly where it stopped when
'orchestra done' (or a running 'orchestra watch') feeds the output back.

All state lives in .orchestra/ next to your project: SQLite for
checkpoints and events, plain files for prompts and agent output.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(goCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(lockCmd)
}
