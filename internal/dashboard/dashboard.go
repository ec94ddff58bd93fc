// Package dashboard renders the .orchestra/dashboard.md status page the
// operator keeps open while a run is in flight.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/workspace"
)

// Data is everything one dashboard render needs.
type Data struct {
	RunID        string
	DoneCriteria []string
	Agent        string
	Role         string
	Conversation []state.Entry
	StatusMsg    string
	Remaining    string
	Error        string
}

// now is swapped out in tests.
var now = time.Now

// Generate renders the dashboard markdown.
func Generate(d Data) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", d.RunID)
	fmt.Fprintf(&b, "Updated %s UTC\n\n", now().UTC().Format("15:04:05"))

	b.WriteString("## Progress\n\n")
	b.WriteString("| Done Criterion | Status |\n")
	b.WriteString("|---|---|\n")
	for _, criterion := range d.DoneCriteria {
		fmt.Fprintf(&b, "| %s | pending verification |\n", criterion)
	}
	b.WriteString("\n")

	b.WriteString("## Current Status\n\n")
	switch {
	case d.Error != "":
		fmt.Fprintf(&b, "**Error**: %s\n", d.Error)
	case d.StatusMsg != "":
		fmt.Fprintf(&b, "%s\n", d.StatusMsg)
	default:
		verb := "building"
		if d.Role == "reviewer" {
			verb = "reviewing"
		}
		fmt.Fprintf(&b, "**%s** is %s.\n", d.Agent, verb)
		fmt.Fprintf(&b, "Prompt: `.orchestra/inbox/%s.md`\n", d.Role)
		if d.Remaining != "" {
			fmt.Fprintf(&b, "Time remaining: %s\n", d.Remaining)
		}
	}
	b.WriteString("\n")

	b.WriteString("## Conversation\n\n")
	b.WriteString("| Role | Action |\n")
	b.WriteString("|---|---|\n")
	for _, entry := range d.Conversation {
		fmt.Fprintf(&b, "| %s | %s |\n", entry.Role, entryAction(entry))
	}
	b.WriteString("\n")

	b.WriteString("## Actions\n\n")
	fmt.Fprintf(&b, "- Inspect the prompt: `cat .orchestra/inbox/%s.md`\n", d.Role)
	b.WriteString("- Submit output: `orchestra done`\n")
	b.WriteString("- Show status: `orchestra status`\n")
	b.WriteString("- Cancel the run: `orchestra cancel`\n")

	return b.String()
}

// entryAction picks the most telling field of a conversation entry for
// the one-line table cell.
func entryAction(e state.Entry) string {
	switch {
	case e.Action != "":
		return e.Action
	case e.Decision != "":
		return e.Decision
	case e.Output != "":
		return e.Output
	}
	return "-"
}

// Write renders the dashboard and writes it into the workspace.
func Write(root string, d Data) (string, error) {
	path := workspace.DashboardPath(root)
	if err := workspace.WriteAtomic(path, []byte(Generate(d))); err != nil {
		return "", err
	}
	return path, nil
}

// Remaining formats how much of the timeout is left, floored at zero.
func Remaining(startedAt time.Time, timeoutSec int) string {
	if startedAt.IsZero() || timeoutSec <= 0 {
		return ""
	}
	left := time.Duration(timeoutSec)*time.Second - now().Sub(startedAt)
	if left < 0 {
		left = 0
	}
	return left.Truncate(time.Second).String()
}
