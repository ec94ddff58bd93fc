package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/agents"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/driver"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the outbox and auto-submit agent output",
	Long: `Polls .orchestra/outbox/ and submits output for the waiting role as
soon as it appears, so nobody has to run 'orchestra done' by hand.
Agents with a cli driver are spawned automatically when their prompt is
staged. Ctrl-C stops watching; the task keeps its checkpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		flags := cmd.Flags()
		explicit, _ := flags.GetString("task-id")
		interval, _ := flags.GetFloat64("interval")
		if !flags.Changed("interval") && e.settings.PollIntervalSec > 0 {
			interval = float64(e.settings.PollIntervalSec)
		}

		taskID, err := e.resolveTaskID(explicit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watching outbox for task %s (poll every %gs). Ctrl-C stops.\n\n", taskID, interval)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := watch.New(e.root, e.store, watch.Config{
			TaskID:      taskID,
			Interval:    time.Duration(interval * float64(time.Second)),
			Out:         out,
			Interactive: isatty.IsTerminal(os.Stdout.Fd()),
			Submit: func(value any) error {
				_, _, err := e.submit(taskID, value)
				return err
			},
			Spawn: e.spawner(ctx, taskID),
		})
		if err := w.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(out, "\nWatch stopped.")
				return nil
			}
			return err
		}
		return nil
	},
}

// spawner builds the callback that launches cli-driver agents. File
// driver profiles (and unknown actors) are human-relayed, so spawn
// does nothing for them. Spawn failures surface through the error
// marker the runner writes to the outbox, which the next poll picks
// up like any other agent output.
func (e *env) spawner(ctx context.Context, taskID string) func(role, actor string) {
	runner := driver.New(e.root)
	return func(role, actor string) {
		profile, ok := e.registry.Profile(actor)
		if !ok || profile.Driver != agents.DriverCLI {
			return
		}
		timeout := time.Duration(e.taskTimeoutSec(taskID)) * time.Second
		go func() {
			_ = runner.Run(ctx, actor, role, profile.Command, timeout)
		}()
	}
}

// taskTimeoutSec digs the per-attempt timeout out of the saved state,
// whichever kind of checkpoint holds it.
func (e *env) taskTimeoutSec(taskID string) int {
	cp, err := e.store.LoadCheckpoint(taskID)
	if err != nil {
		return 0
	}
	var probe struct {
		TimeoutSec int `json:"timeout_sec"`
	}
	_ = json.Unmarshal(cp.State, &probe)
	return probe.TimeoutSec
}

func init() {
	watchCmd.Flags().String("task-id", "", "Task id (defaults to the active task)")
	watchCmd.Flags().Float64("interval", 2, "Poll interval in seconds (default from config)")
}
