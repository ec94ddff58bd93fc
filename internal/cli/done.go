package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

var doneCmd = &cobra.Command{
	Use:   "done",
	Short: "Submit agent output and advance the task",
	Long: `Reads the waiting role's outbox file (or --file, or piped stdin) and
hands the JSON to the suspended run. The run decides what the output
means: it either stages the next prompt or finishes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		flags := cmd.Flags()
		explicit, _ := flags.GetString("task-id")
		filePath, _ := flags.GetString("file")

		taskID, err := e.resolveTaskID(explicit)
		if err != nil {
			return err
		}
		cp, err := e.store.LoadCheckpoint(taskID)
		if err != nil {
			return err
		}
		if cp.Status != "" {
			return fmt.Errorf("task %s already finished: %s", taskID, cp.Status)
		}
		if !cp.Pending {
			return fmt.Errorf("task %s is not waiting for input", taskID)
		}

		value, src, err := readOutput(cmd, e.root, filePath, cp.WaitRole)
		if err != nil {
			return err
		}
		if value == nil {
			return fmt.Errorf("no output found; save it to %s or pass --file", workspace.RelOutboxPath(cp.WaitRole))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Submitting %s output for task %s (from %s)\n\n", cp.WaitRole, taskID, src)

		step, out, err := e.submit(taskID, value)
		if err != nil {
			return err
		}
		if out != nil {
			printOutcome(cmd, out)
			return nil
		}
		printStep(cmd, step)
		return nil
	},
}

// readOutput resolves the submitted value: an explicit --file wins,
// then the waiting role's outbox, then piped stdin. The source string
// is for display.
func readOutput(cmd *cobra.Command, root, filePath, role string) (map[string]any, string, error) {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, "", err
		}
		var value map[string]any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, "", fmt.Errorf("parsing %s: %w", filePath, err)
		}
		return value, filePath, nil
	}

	value, err := workspace.ReadOutbox(root, role)
	if err != nil {
		return nil, "", err
	}
	if value != nil {
		return value, workspace.RelOutboxPath(role), nil
	}

	return readPiped(cmd)
}

// readPiped reads JSON from stdin when something is piped in. An
// interactive terminal returns nothing instead of blocking.
func readPiped(cmd *cobra.Command) (map[string]any, string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return nil, "", nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, "", fmt.Errorf("reading stdin: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, "", nil
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, "", fmt.Errorf("parsing stdin: %w", err)
	}
	return value, "stdin", nil
}

func init() {
	doneCmd.Flags().String("task-id", "", "Task id (defaults to the active task)")
	doneCmd.Flags().String("file", "", "Read the output from this file instead of the outbox")
}
