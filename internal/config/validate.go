package config

import "fmt"

// ValidationError represents a single validation issue with a config.
// The agents registry and skill contracts report their problems with
// the same type.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks settings for semantic errors. It returns every
// problem found, not just the first.
func Validate(s *Settings) []ValidationError {
	var errs []ValidationError

	if s.DefaultSkill == "" {
		errs = append(errs, ValidationError{Field: "default_skill", Message: "is required"})
	}
	if s.RetryBudget < 0 {
		errs = append(errs, ValidationError{Field: "retry_budget", Message: "must not be negative"})
	}
	if s.TimeoutSec <= 0 {
		errs = append(errs, ValidationError{Field: "timeout_sec", Message: "must be positive"})
	}
	if s.PollIntervalSec <= 0 {
		errs = append(errs, ValidationError{Field: "poll_interval_sec", Message: "must be positive"})
	}
	if s.LockTTLSec < 0 {
		errs = append(errs, ValidationError{Field: "lock_ttl_sec", Message: "must not be negative"})
	}
	if s.AgentsFile == "" {
		errs = append(errs, ValidationError{Field: "agents_file", Message: "is required"})
	}
	if s.SkillsDir == "" {
		errs = append(errs, ValidationError{Field: "skills_dir", Message: "is required"})
	}
	if s.HistoryLimit <= 0 {
		errs = append(errs, ValidationError{Field: "history_limit", Message: "must be positive"})
	}
	return errs
}
