package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Advisory locks for shared resources",
	Long: `Agents working in the same checkout can serialize access to shared
resources (a port, a schema, a fixture directory) through named locks.
Locks expire after their TTL so a crashed holder cannot wedge everyone
else.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <key>",
	Short: "Acquire a named lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		owner, err := lockOwner(cmd)
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetInt("ttl")
		if !cmd.Flags().Changed("ttl") {
			ttl = e.settings.LockTTLSec
		}
		if err := e.store.AcquireLock(args[0], owner, ttl); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Acquired %s for %s (ttl %ds)\n", args[0], owner, ttl)
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <key>",
	Short: "Release a lock you hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		owner, err := lockOwner(cmd)
		if err != nil {
			return err
		}
		if err := e.store.ReleaseLock(args[0], owner); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
		return nil
	},
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		locks, err := e.store.ListLocks()
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No locks held.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tOWNER\tTTL\tACQUIRED\tSTATE")
		for _, l := range locks {
			lockState := "held"
			if l.Expired {
				lockState = "expired"
			}
			fmt.Fprintf(w, "%s\t%s\t%ds\t%s\t%s\n", l.Key, l.Owner, l.TTLSec, l.AcquiredAt, lockState)
		}
		return w.Flush()
	},
}

var lockCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove expired locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := e.store.CleanLocks()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired lock(s)\n", n)
		return nil
	},
}

// lockOwner resolves the acting owner: the --owner flag, then $USER.
func lockOwner(cmd *cobra.Command) (string, error) {
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		owner = os.Getenv("USER")
	}
	if owner == "" {
		return "", fmt.Errorf("pass --owner (USER is not set)")
	}
	return owner, nil
}

func init() {
	lockAcquireCmd.Flags().String("owner", "", "Lock owner (defaults to $USER)")
	lockAcquireCmd.Flags().Int("ttl", 0, "Seconds until the lock expires on its own (default from config)")
	lockReleaseCmd.Flags().String("owner", "", "Lock owner (defaults to $USER)")
	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockListCmd)
	lockCmd.AddCommand(lockCleanCmd)
}
