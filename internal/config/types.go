// internal/config/types.go
package config

import "time"

// Global is the daemon's process-wide configuration, read entirely from
// environment variables — this engine's deployment target is a container
// where env vars are the natural configuration surface, unlike the
// teacher's YAML-file daemon config (see DESIGN.md).
type Global struct {
	Port      string
	LogLevel  string
	LogFormat string

	// LogFilePath, when set, directs the daemon's log output through a
	// logging.RotatingWriter at that path instead of stdout. Empty means
	// log to stdout/stderr directly (the default for local/dev runs).
	LogFilePath  string
	LogMaxSizeMB int

	UpstreamBaseURL string
	ServiceEmail    string
	ServicePassword string

	PollInterval           time.Duration
	MinPollInterval        time.Duration
	MaxConcurrentRuns      int
	DatabasePath           string
	ExecutionRetentionDays int

	WebhookHMACSecret string
}

// RuleBundle is the on-disk (YAML) shape automationctl uses for
// import/export of rule definitions — the one place this engine still
// reaches for gopkg.in/yaml.v3, since every other persisted shape
// round-trips through the JSON columns in internal/store.
type RuleBundle struct {
	Rules []RuleDocument `yaml:"rules"`
}

// RuleDocument mirrors model.Rule with yaml tags for human-editable bundle
// files; ToModel/FromModel convert to and from the engine's native type.
type RuleDocument struct {
	ID          string           `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	WorkspaceID string           `yaml:"workspaceId" json:"workspaceId"`
	Enabled     bool             `yaml:"enabled" json:"enabled"`
	Trigger     map[string]any   `yaml:"trigger" json:"trigger"`
	Components  []map[string]any `yaml:"components" json:"components"`
}
