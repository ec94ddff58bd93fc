package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
default_skill: code-review
timeout_sec: 600
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if s.DefaultSkill != "code-review" {
		t.Errorf("DefaultSkill = %q, want code-review", s.DefaultSkill)
	}
	if s.TimeoutSec != 600 {
		t.Errorf("TimeoutSec = %d, want 600", s.TimeoutSec)
	}
	// Omitted keys keep their defaults
	if s.RetryBudget != 2 {
		t.Errorf("RetryBudget = %d, want default 2", s.RetryBudget)
	}
	if s.AgentsFile != "agents.yaml" {
		t.Errorf("AgentsFile = %q, want default agents.yaml", s.AgentsFile)
	}
}

func TestLoadExplicitZeroSticks(t *testing.T) {
	path := writeConfig(t, "retry_budget: 0\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.RetryBudget != 0 {
		t.Errorf("RetryBudget = %d, explicit 0 must not be replaced by the default", s.RetryBudget)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "retry_budget: [2,")
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("missing file accepted by Load")
	}
}

func TestLoadDefaultMissingFileIsFine(t *testing.T) {
	s, err := LoadDefault(t.TempDir())
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if *s != Default() {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestLoadDefaultReadsWorkspaceFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".orchestra")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "poll_interval_sec: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadDefault(root)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if s.PollIntervalSec != 5 {
		t.Errorf("PollIntervalSec = %d, want 5", s.PollIntervalSec)
	}
}

func TestValidateDefaultsAreValid(t *testing.T) {
	s := Default()
	if errs := Validate(&s); len(errs) != 0 {
		t.Errorf("Validate() returned %d errors for defaults:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	s := &Settings{
		DefaultSkill:    "",
		RetryBudget:     -1,
		TimeoutSec:      0,
		PollIntervalSec: 0,
		LockTTLSec:      -5,
		AgentsFile:      "",
		SkillsDir:       "",
		HistoryLimit:    0,
	}
	errs := Validate(s)
	if len(errs) != 8 {
		t.Fatalf("expected 8 validation errors, got %d: %v", len(errs), errs)
	}

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"default_skill", "retry_budget", "timeout_sec", "poll_interval_sec", "lock_ttl_sec", "agents_file", "skills_dir", "history_limit"} {
		if !fields[want] {
			t.Errorf("missing validation error for %s", want)
		}
	}
}

func TestValidateZeroRetryBudgetAllowed(t *testing.T) {
	s := Default()
	s.RetryBudget = 0
	for _, e := range Validate(&s) {
		if e.Field == "retry_budget" {
			t.Errorf("retry_budget 0 must be allowed: %s", e)
		}
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "timeout_sec", Message: "must be positive"}
	if e.Error() != "timeout_sec: must be positive" {
		t.Errorf("Error() = %q", e.Error())
	}
}
