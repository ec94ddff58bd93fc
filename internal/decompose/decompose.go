// Package decompose turns one oversized requirement into an ordered
// list of subtasks. An external actor proposes the split; this package
// parses, validates, and dependency-orders it before any subtask runs.
package decompose

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SubTask is one slice of a decomposed requirement. Created from the
// decomposition actor's output, normalized and ordered once, then run
// unchanged.
type SubTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	DoneCriteria []string `json:"done_criteria,omitempty"`
	Deps         []string `json:"deps,omitempty"`
	SkillID      string   `json:"skill_id,omitempty"`
}

// Plan is a decomposition as the actor proposed it: subtasks in the
// order given plus the actor's reasoning.
type Plan struct {
	SubTasks  []SubTask `json:"sub_tasks"`
	Reasoning string    `json:"reasoning,omitempty"`
}

var fenceRe = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n\\s*```")

// ParseOutput extracts a plan from raw actor text. The payload may be a
// bare JSON object or sit inside a ```json fence with prose around it;
// either way it must carry a sub_tasks key.
func ParseOutput(text string) (*Plan, error) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		if p, ok := tryPlan([]byte(m[1])); ok {
			return p, nil
		}
	}
	if p, ok := tryPlan([]byte(strings.TrimSpace(text))); ok {
		return p, nil
	}
	return nil, fmt.Errorf("no decomposition found: expected a JSON object with a sub_tasks list")
}

func tryPlan(raw []byte) (*Plan, bool) {
	var probe map[string]json.RawMessage
	if json.Unmarshal(raw, &probe) != nil {
		return nil, false
	}
	if _, ok := probe["sub_tasks"]; !ok {
		return nil, false
	}
	var p Plan
	if json.Unmarshal(raw, &p) != nil {
		return nil, false
	}
	return &p, true
}

// Coerce accepts the shapes a plan arrives in: an already-parsed Plan,
// a decoded JSON object, or raw text.
func Coerce(v any) (*Plan, error) {
	switch t := v.(type) {
	case *Plan:
		return t, nil
	case map[string]any:
		if _, ok := t["sub_tasks"]; !ok {
			return nil, fmt.Errorf("decomposition output has no sub_tasks list")
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("re-encode decomposition: %w", err)
		}
		var p Plan
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode decomposition: %w", err)
		}
		return &p, nil
	case string:
		return ParseOutput(t)
	}
	return nil, fmt.Errorf("decomposition output must be a JSON object, got %T", v)
}

// Normalize applies the documented defaults in place: ids and
// descriptions are trimmed, empty done_criteria becomes the
// description, and an absent skill falls back to defaultSkill.
func (p *Plan) Normalize(defaultSkill string) {
	for i := range p.SubTasks {
		st := &p.SubTasks[i]
		st.ID = strings.TrimSpace(st.ID)
		st.Description = strings.TrimSpace(st.Description)
		if len(st.DoneCriteria) == 0 && st.Description != "" {
			st.DoneCriteria = []string{st.Description}
		}
		if st.SkillID == "" {
			st.SkillID = defaultSkill
		}
	}
}

// Validate rejects structural problems a sequencer must not start on:
// no subtasks, blank or duplicate ids, missing descriptions. Dependency
// problems are TopoSort's to report.
func (p *Plan) Validate() error {
	if len(p.SubTasks) == 0 {
		return fmt.Errorf("decomposition produced no subtasks")
	}
	seen := make(map[string]bool, len(p.SubTasks))
	for _, st := range p.SubTasks {
		if st.ID == "" {
			return fmt.Errorf("subtask with empty id")
		}
		if seen[st.ID] {
			return fmt.Errorf("duplicate subtask id '%s'", st.ID)
		}
		seen[st.ID] = true
		if st.Description == "" {
			return fmt.Errorf("subtask '%s' has no description", st.ID)
		}
	}
	return nil
}

// TopoSort orders subtasks so every dependency lands before its
// dependents. Independent subtasks keep their input order, which makes
// the ordering deterministic. Cycles, self-loops included, and unknown
// dependency ids are errors.
func TopoSort(tasks []SubTask) ([]SubTask, error) {
	byID := make(map[string]*SubTask, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(tasks))
	order := make([]SubTask, 0, len(tasks))

	var visit func(st *SubTask) error
	visit = func(st *SubTask) error {
		switch mark[st.ID] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency detected involving '%s'", st.ID)
		}
		mark[st.ID] = visiting
		for _, dep := range st.Deps {
			depTask, ok := byID[dep]
			if !ok {
				return fmt.Errorf("unknown dependency '%s' in subtask '%s'", dep, st.ID)
			}
			if err := visit(depTask); err != nil {
				return err
			}
		}
		mark[st.ID] = done
		order = append(order, *st)
		return nil
	}

	for i := range tasks {
		if err := visit(&tasks[i]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// SubRunID derives the child run id for one subtask of a parent. Stable
// across restarts so a resumed sequence addresses the same checkpoints.
func SubRunID(parentID, subID string) string {
	sum := sha256.Sum256([]byte(parentID + "-" + subID))
	return "task-" + hex.EncodeToString(sum[:])[:6]
}
