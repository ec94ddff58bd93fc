package state

import (
	"encoding/json"
	"strings"
)

// StatusError is the status value a failed driver invocation writes to
// the outbox in place of real actor output.
const StatusError = "error"

// BuilderOutput is the structured result a builder submits for one
// attempt. GateWarnings is filled in by the workflow after checking the
// skill contract's quality gates, never by the actor itself.
type BuilderOutput struct {
	Status       string         `json:"status"`
	Summary      string         `json:"summary"`
	ChangedFiles []string       `json:"changed_files,omitempty"`
	CheckResults map[string]any `json:"check_results,omitempty"`
	Risks        []string       `json:"risks,omitempty"`
	HandoffNotes string         `json:"handoff_notes,omitempty"`
	GateWarnings []string       `json:"gate_warnings,omitempty"`
}

// ReviewerOutput is the structured verdict a reviewer submits.
type ReviewerOutput struct {
	Decision string   `json:"decision"`
	Summary  string   `json:"summary,omitempty"`
	Issues   []string `json:"issues,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

// ParseBuilderOutput validates and decodes a resumed builder value.
// The returned problems list is non-empty when the value is not a JSON
// object or lacks the required status/summary fields; callers treat any
// problem as fatal to the run.
func ParseBuilderOutput(v any) (*BuilderOutput, []string) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, []string{"output must be a JSON object"}
	}
	var problems []string
	if _, ok := m["status"]; !ok {
		problems = append(problems, "missing 'status' field")
	}
	if _, ok := m["summary"]; !ok {
		problems = append(problems, "missing 'summary' field")
	}
	if len(problems) > 0 {
		return nil, problems
	}
	out := decodeBuilder(m)
	return out, nil
}

func decodeBuilder(m map[string]any) *BuilderOutput {
	var out BuilderOutput
	raw, err := json.Marshal(m)
	if err == nil && json.Unmarshal(raw, &out) == nil {
		return &out
	}
	// Extra fields with unexpected types must not lose the required pair.
	out = BuilderOutput{
		Status:  asString(m["status"]),
		Summary: asString(m["summary"]),
	}
	return &out
}

// ParseReviewerOutput decodes a resumed reviewer value. ok is false when
// the value is not a JSON object; callers must treat that as a reject,
// never as approval.
func ParseReviewerOutput(v any) (out *ReviewerOutput, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	var r ReviewerOutput
	raw, err := json.Marshal(m)
	if err != nil || json.Unmarshal(raw, &r) != nil {
		r = ReviewerOutput{Decision: asString(m["decision"])}
	}
	if r.Decision == "" {
		r.Decision = "reject"
	}
	return &r, true
}

// Approved reports whether the decision approves the work. Anything
// else, including request_changes, behaves as a rejection.
func (r *ReviewerOutput) Approved() bool {
	return r != nil && r.Decision == "approve"
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}
