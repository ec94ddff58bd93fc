package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/config"
)

// Contract describes what a skill promises: the quality gates a builder
// must report against, the timeout for one attempt, and the retry
// policy. Loaded from skills/<id>/contract.yaml.
type Contract struct {
	ID            string        `yaml:"id"`
	Version       string        `yaml:"version"`
	Description   string        `yaml:"description"`
	QualityGates  []string      `yaml:"quality_gates"`
	Timeouts      Timeouts      `yaml:"timeouts"`
	Retry         RetryPolicy   `yaml:"retry"`
	Fallback      Fallback      `yaml:"fallback"`
	Compatibility Compatibility `yaml:"compatibility"`
}

type Timeouts struct {
	RunSec int `yaml:"run_sec"`
}

type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type Fallback struct {
	OnFailure string `yaml:"on_failure"`
}

type Compatibility struct {
	SupportedAgents []string `yaml:"supported_agents"`
}

func defaults() Contract {
	return Contract{
		Version:  "1.0.0",
		Timeouts: Timeouts{RunSec: 1800},
		Retry:    RetryPolicy{MaxAttempts: 2},
		Fallback: Fallback{OnFailure: "retry"},
	}
}

// Load reads skills/<skillID>/contract.yaml under dir. Missing keys
// keep contract defaults. The id field defaults to the directory name.
func Load(dir, skillID string) (*Contract, error) {
	path := filepath.Join(dir, skillID, "contract.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("skill contract not found: %s", path)
		}
		return nil, fmt.Errorf("reading skill contract: %w", err)
	}

	c := defaults()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing skill contract %s: %w", path, err)
	}
	if c.ID == "" {
		c.ID = skillID
	}
	return &c, nil
}

// List returns the ids of every skill directory under dir that carries
// a contract.yaml, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skills dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), "contract.yaml")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Validate reports structural problems with a contract.
func (c *Contract) Validate() []config.ValidationError {
	var errs []config.ValidationError
	if c.ID == "" {
		errs = append(errs, config.ValidationError{Field: "id", Message: "is required"})
	}
	if c.Timeouts.RunSec <= 0 {
		errs = append(errs, config.ValidationError{Field: "timeouts.run_sec", Message: "must be positive"})
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, config.ValidationError{Field: "retry.max_attempts", Message: "must not be negative"})
	}
	return errs
}

// passedValues are the check_results values that count as a passing
// gate, compared case-insensitively.
var passedValues = map[string]bool{
	"pass":    true,
	"passed":  true,
	"ok":      true,
	"success": true,
	"true":    true,
}

// GateWarnings evaluates the contract's quality gates against a
// builder's check_results. Gates warn, they do not fail the run: a
// missing gate reports "not reported", and any value outside the
// passing set reports the value it saw.
func (c *Contract) GateWarnings(results map[string]any) []string {
	var warnings []string
	for _, gate := range c.QualityGates {
		v, ok := results[gate]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("quality gate '%s' not reported", gate))
			continue
		}
		s := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
		if !passedValues[s] {
			warnings = append(warnings, fmt.Sprintf("quality gate '%s' failed: %v", gate, v))
		}
	}
	return warnings
}
