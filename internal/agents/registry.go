package agents

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/config"
)

// Driver names how an agent receives work: "file" agents are driven by
// a human pasting the inbox prompt into an IDE, "cli" agents are
// spawned as processes.
const (
	DriverFile = "file"
	DriverCLI  = "cli"
)

// Profile describes one registered agent.
type Profile struct {
	ID string `yaml:"id"`
	// Driver is "file" (manual IDE relay) or "cli" (auto-spawn).
	Driver string `yaml:"driver"`
	// Command is the spawn template for cli agents. {task_file} and
	// {outbox_file} are substituted at launch.
	Command      string   `yaml:"command"`
	Capabilities []string `yaml:"capabilities"`
	Reliability  float64  `yaml:"reliability"`
	QueueHealth  float64  `yaml:"queue_health"`
	Cost         float64  `yaml:"cost"`
}

// Has reports whether the profile lists a capability.
func (p *Profile) Has(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Defaults are the registry's standing role assignments.
type Defaults struct {
	Builder  string `yaml:"builder"`
	Reviewer string `yaml:"reviewer"`
}

// Registry is the parsed agents.yaml.
type Registry struct {
	Version      int       `yaml:"version"`
	RoleStrategy string    `yaml:"role_strategy"`
	Defaults     Defaults  `yaml:"defaults"`
	Agents       []Profile `yaml:"agents"`
}

// Load reads an agents.yaml registry. A missing file yields an empty
// manual-strategy registry rather than an error; runs then fail at
// role resolution with a message saying what to add.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{Version: 2, RoleStrategy: "manual"}, nil
		}
		return nil, fmt.Errorf("reading agent registry: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing agent registry %s: %w", path, err)
	}
	applyDefaults(&reg)
	return &reg, nil
}

func applyDefaults(reg *Registry) {
	if reg.RoleStrategy == "" {
		reg.RoleStrategy = "manual"
	}
	for i := range reg.Agents {
		a := &reg.Agents[i]
		if a.Driver == "" {
			a.Driver = DriverFile
		}
		if a.Reliability == 0 {
			a.Reliability = 0.9
		}
		if a.QueueHealth == 0 {
			a.QueueHealth = 0.9
		}
		if a.Cost == 0 {
			a.Cost = 0.5
		}
	}
}

// Profile returns the profile for an agent id.
func (r *Registry) Profile(id string) (*Profile, bool) {
	for i := range r.Agents {
		if r.Agents[i].ID == id {
			return &r.Agents[i], true
		}
	}
	return nil, false
}

// Validate reports structural problems with the registry.
func (r *Registry) Validate() []config.ValidationError {
	var errs []config.ValidationError

	if r.RoleStrategy != "manual" && r.RoleStrategy != "auto" {
		errs = append(errs, config.ValidationError{
			Field:   "role_strategy",
			Message: fmt.Sprintf("must be manual or auto, got %q", r.RoleStrategy),
		})
	}

	seen := make(map[string]bool)
	for i, a := range r.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, config.ValidationError{Field: prefix + ".id", Message: "is required"})
			continue
		}
		if seen[a.ID] {
			errs = append(errs, config.ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("duplicate agent id %q", a.ID),
			})
		}
		seen[a.ID] = true

		if a.Driver != DriverFile && a.Driver != DriverCLI {
			errs = append(errs, config.ValidationError{
				Field:   prefix + ".driver",
				Message: fmt.Sprintf("must be file or cli, got %q", a.Driver),
			})
		}
		if a.Driver == DriverCLI && a.Command == "" {
			errs = append(errs, config.ValidationError{
				Field:   prefix + ".command",
				Message: "cli agents need a spawn command",
			})
		}
		if a.Reliability < 0 || a.Reliability > 1 {
			errs = append(errs, config.ValidationError{
				Field:   prefix + ".reliability",
				Message: "must be between 0 and 1",
			})
		}
		if a.QueueHealth < 0 || a.QueueHealth > 1 {
			errs = append(errs, config.ValidationError{
				Field:   prefix + ".queue_health",
				Message: "must be between 0 and 1",
			})
		}
		if a.Cost < 0 {
			errs = append(errs, config.ValidationError{Field: prefix + ".cost", Message: "must not be negative"})
		}
	}

	if r.Defaults.Builder != "" && !seen[r.Defaults.Builder] {
		errs = append(errs, config.ValidationError{
			Field:   "defaults.builder",
			Message: fmt.Sprintf("references unknown agent %q", r.Defaults.Builder),
		})
	}
	if r.Defaults.Reviewer != "" && !seen[r.Defaults.Reviewer] {
		errs = append(errs, config.ValidationError{
			Field:   "defaults.reviewer",
			Message: fmt.Sprintf("references unknown agent %q", r.Defaults.Reviewer),
		})
	}
	return errs
}
