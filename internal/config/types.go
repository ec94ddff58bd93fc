package config

// Settings is the workspace-level configuration parsed from
// .orchestra/config.yaml. The file is optional: every field has a
// default, and an absent file means an all-defaults Settings.
type Settings struct {
	// DefaultSkill names the skill contract used when a run does not
	// specify one.
	DefaultSkill string `yaml:"default_skill"`
	// RetryBudget is how many reviewer rejections a run absorbs before
	// it escalates. Zero means the first rejection escalates.
	RetryBudget int `yaml:"retry_budget"`
	// TimeoutSec bounds one builder attempt, checked when the builder
	// reports back.
	TimeoutSec int `yaml:"timeout_sec"`
	// PollIntervalSec is the outbox watch cadence.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// LockTTLSec is the default advisory lock lifetime. Zero means
	// locks never expire.
	LockTTLSec int `yaml:"lock_ttl_sec"`
	// AgentsFile locates the agent registry, relative to the project
	// root.
	AgentsFile string `yaml:"agents_file"`
	// SkillsDir locates skill contract directories, relative to the
	// project root.
	SkillsDir string `yaml:"skills_dir"`
	// HistoryLimit caps how many runs listings show by default.
	HistoryLimit int `yaml:"history_limit"`
}

// Default returns the settings used when config.yaml is absent.
func Default() Settings {
	return Settings{
		DefaultSkill:    "code-implement",
		RetryBudget:     2,
		TimeoutSec:      1800,
		PollIntervalSec: 2,
		LockTTLSec:      900,
		AgentsFile:      "agents.yaml",
		SkillsDir:       "skills",
		HistoryLimit:    20,
	}
}
