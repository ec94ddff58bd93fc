package agents

import (
	"fmt"
	"sort"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/skill"
)

// Capabilities each role requires when auto-picking.
const (
	capImplementation = "implementation"
	capReview         = "review"
)

// ResolveBuilder picks the agent filling the builder role. Priority:
// explicit flag, then the registry default, then capability auto-pick.
// An explicit choice is taken as-is; the operator outranks the scoring.
func (r *Registry) ResolveBuilder(contract *skill.Contract, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if r.Defaults.Builder != "" {
		return r.Defaults.Builder, nil
	}
	candidates := r.eligible(contract, []string{capImplementation})
	if len(candidates) > 0 {
		return candidates[0].ID, nil
	}
	return "", fmt.Errorf("no agent configured for builder role")
}

// ResolveReviewer picks the agent filling the reviewer role. The
// reviewer must differ from the builder: an explicit match is a hard
// error, a default match falls through to auto-pick.
func (r *Registry) ResolveReviewer(contract *skill.Contract, builderID, explicit string) (string, error) {
	if explicit != "" {
		if explicit == builderID {
			return "", fmt.Errorf(
				"reviewer cannot be the same as builder (%s): cross-model adversarial review requires different agents",
				builderID)
		}
		return explicit, nil
	}
	if r.Defaults.Reviewer != "" && r.Defaults.Reviewer != builderID {
		return r.Defaults.Reviewer, nil
	}
	candidates := r.eligible(contract, []string{capReview}, builderID)
	if len(candidates) > 0 {
		return candidates[0].ID, nil
	}
	// Last resort: anyone who is not the builder.
	for _, a := range r.Agents {
		if a.ID != builderID {
			return a.ID, nil
		}
	}
	return "", fmt.Errorf(
		"no agent available for reviewer role (builder=%s): add at least 2 agents to the registry",
		builderID)
}

// eligible filters agents by contract compatibility and required
// capabilities, then orders them by reliability*queue_health descending
// with cost ascending as the tie-break. The sort is stable, so equal
// scores keep registry order.
func (r *Registry) eligible(contract *skill.Contract, required []string, exclude ...string) []Profile {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	supported := make(map[string]bool)
	if contract != nil {
		for _, id := range contract.Compatibility.SupportedAgents {
			supported[id] = true
		}
	}

	var candidates []Profile
	for _, a := range r.Agents {
		if excluded[a.ID] {
			continue
		}
		if len(supported) > 0 && !supported[a.ID] {
			continue
		}
		ok := true
		for _, cap := range required {
			if !a.Has(cap) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, a)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si := candidates[i].Reliability * candidates[i].QueueHealth
		sj := candidates[j].Reliability * candidates[j].QueueHealth
		if si != sj {
			return si > sj
		}
		return candidates[i].Cost < candidates[j].Cost
	})
	return candidates
}
