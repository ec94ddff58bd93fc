package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/prompt"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

const exampleAgents = `# Agent registry. Each entry is an editor or CLI tool that can fill a
# role. driver: file means a human relays the prompt through the tool
# and saves its output; driver: cli means orchestra spawns the command
# itself during 'orchestra watch'.
version: 2
role_strategy: manual
defaults:
  builder: windsurf
  reviewer: cursor
agents:
  - id: windsurf
    driver: file
    capabilities: [implementation, review]
  - id: cursor
    driver: file
    capabilities: [implementation, review]
  - id: aider
    driver: cli
    command: aider --yes --message-file {task_file}
    capabilities: [implementation]
`

const exampleContract = `id: code-implement
version: 1.0.0
description: Implement a code change against stated done criteria.
quality_gates:
  - lint
  - unit_test
timeouts:
  run_sec: 1800
retry:
  max_attempts: 2
fallback:
  on_failure: retry
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .orchestra workspace in the current directory",
	Long: `Creates .orchestra/ with its mailbox directories, installs the builtin
prompt templates so they can be customized, and seeds a starter
agents.yaml and skill contract when none exist yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		// Re-init an existing workspace in place; otherwise the current
		// directory becomes the root.
		root, err := workspace.FindRoot(cwd)
		if err != nil {
			root = cwd
		}

		if err := workspace.Ensure(root); err != nil {
			return err
		}
		if err := prompt.InstallBuiltinTemplates(root); err != nil {
			return err
		}
		seededAgents, err := seedFile(filepath.Join(root, "agents.yaml"), exampleAgents)
		if err != nil {
			return err
		}
		seededSkill, err := seedFile(filepath.Join(root, "skills", "code-implement", "contract.yaml"), exampleContract)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Initialized workspace at %s\n", workspace.Dir(root))
		if seededAgents {
			fmt.Fprintln(w, "  Created agents.yaml; edit it to match your editors and tools.")
		}
		if seededSkill {
			fmt.Fprintln(w, "  Created skills/code-implement/contract.yaml.")
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Start a task with: orchestra go \"describe the change\"")
		return nil
	},
}

// seedFile writes content unless the target already exists.
func seedFile(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
