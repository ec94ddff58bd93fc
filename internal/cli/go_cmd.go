package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/db"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/sequence"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workflow"
)

var goCmd = &cobra.Command{
	Use:   "go \"requirement\"",
	Short: "Start a new task from a natural language requirement",
	Long: `Starts a task and stages the first prompt. The command returns as soon
as the run suspends; agents then work against the inbox files and their
output comes back through 'orchestra done' or 'orchestra watch'.

With --decompose the requirement is first handed to a planning agent
that splits it into ordered subtasks, each run as its own build/review
cycle.`,
	Example: `  orchestra go "Add a POST /users endpoint"
  orchestra go "Fix the login redirect" --builder cursor --reviewer windsurf
  orchestra go "Rebuild the billing module" --decompose`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv()
		if err != nil {
			return err
		}
		defer cleanup()

		flags := cmd.Flags()
		skillID, _ := flags.GetString("skill")
		taskID, _ := flags.GetString("task-id")
		builder, _ := flags.GetString("builder")
		reviewer, _ := flags.GetString("reviewer")
		budget, _ := flags.GetInt("retry-budget")
		timeout, _ := flags.GetInt("timeout")
		split, _ := flags.GetBool("decompose")

		requirement := args[0]
		w := cmd.OutOrStdout()

		if split {
			out, err := e.sequences.Begin(sequence.BeginRequest{
				ParentID:    taskID,
				Requirement: requirement,
				SkillID:     skillID,
				TimeoutSec:  timeout,
				RetryBudget: budget,
				Builder:     builder,
				Reviewer:    reviewer,
			})
			if err != nil {
				return startError(err)
			}
			fmt.Fprintf(w, "Started sequence %s\n", out.State.ParentID)
			fmt.Fprintf(w, "  Requirement: %s\n\n", requirement)
			printOutcome(cmd, out)
			return nil
		}

		step, err := e.service.Start(workflow.StartRequest{
			RunID:       taskID,
			Requirement: requirement,
			SkillID:     skillID,
			TimeoutSec:  timeout,
			RetryBudget: budget,
			Builder:     builder,
			Reviewer:    reviewer,
		})
		if err != nil {
			return startError(err)
		}
		fmt.Fprintf(w, "Started task %s\n", step.Run.RunID)
		fmt.Fprintf(w, "  Skill: %s\n", step.Run.SkillID)
		fmt.Fprintf(w, "  Requirement: %s\n\n", requirement)
		printStep(cmd, step)
		return nil
	},
}

// startError decorates the active-slot refusal with what to do about
// it.
func startError(err error) error {
	if errors.Is(err, db.ErrRunActive) {
		return fmt.Errorf("%w\nRun 'orchestra done' to finish it, or 'orchestra cancel' to abort.", err)
	}
	return err
}

func init() {
	goCmd.Flags().String("skill", "", "Skill contract to run under (default from config)")
	goCmd.Flags().String("task-id", "", "Override the generated task id")
	goCmd.Flags().String("builder", "", "Agent for the builder role (e.g. windsurf, cursor)")
	goCmd.Flags().String("reviewer", "", "Agent for the reviewer role")
	goCmd.Flags().Int("retry-budget", -1, "Max review rejections before escalating (default from skill)")
	goCmd.Flags().Int("timeout", 0, "Per-attempt timeout in seconds (default from skill)")
	goCmd.Flags().Bool("decompose", false, "Split the requirement into subtasks first")
}
