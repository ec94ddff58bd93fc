// Package driver runs process-driven agents: profiles whose driver is
// "cli" are invoked as a shell command instead of waiting for a human
// to relay the prompt. The command template gets {task_file} and
// {outbox_file} substituted, and whatever happens, the workflow ends up
// with something observable: the report the tool wrote, a report fished
// out of its stdout, or an error marker in the outbox.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

// DefaultTimeout bounds an agent process when the run carries no budget
// of its own.
const DefaultTimeout = 10 * time.Minute

// CommandRunner abstracts shell execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner runs agent commands through the shell, so configured
// commands can use pipes and redirects.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner spawns agents against one workspace.
type Runner struct {
	root string
	cmd  CommandRunner
}

// New returns a Runner that shells out for real.
func New(root string) *Runner {
	return &Runner{root: root, cmd: &ExecRunner{}}
}

// Run invokes the agent's command and waits for it. A non-zero exit is
// not an error; CLI coding tools routinely exit non-zero after doing
// the work, so the outbox and stdout decide what happened. Only a spawn
// failure or timeout produces an error marker.
func (r *Runner) Run(ctx context.Context, agentID, role, command string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	expanded := strings.NewReplacer(
		"{task_file}", workspace.TaskBriefPath(r.root),
		"{outbox_file}", workspace.OutboxPath(r.root, role),
	).Replace(command)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stdout, _, _, err := r.cmd.Run(runCtx, r.root, expanded)
	if runCtx.Err() == context.DeadlineExceeded {
		return r.writeError(role, fmt.Sprintf("%s timed out after %ds", agentID, int(timeout.Seconds())))
	}
	if err != nil {
		return r.writeError(role, fmt.Sprintf("%s could not run: %v", agentID, err))
	}

	if _, err := os.Stat(workspace.OutboxPath(r.root, role)); err == nil {
		// The tool wrote its own report; the poller takes it from here.
		return nil
	}
	if value, ok := ExtractObject(stdout); ok {
		_, err := workspace.WriteOutbox(r.root, role, value)
		return err
	}
	// Nothing usable anywhere. Leave the run suspended; a human can
	// still fill the outbox by hand.
	return nil
}

func (r *Runner) writeError(role, msg string) error {
	_, err := workspace.WriteOutbox(r.root, role, map[string]any{
		"status":  "error",
		"summary": msg,
	})
	return err
}

var fenceRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n\\s*```")

// ExtractObject finds a JSON object in tool output: a ```json fence
// first, then the whole text. Anything that is not an object is
// rejected, since role reports are always objects.
func ExtractObject(text string) (map[string]any, bool) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		if value, ok := tryObject(m[1]); ok {
			return value, true
		}
	}
	return tryObject(strings.TrimSpace(text))
}

func tryObject(s string) (map[string]any, bool) {
	var value map[string]any
	if err := json.Unmarshal([]byte(s), &value); err != nil || value == nil {
		return nil, false
	}
	return value, true
}
