// internal/config/loader.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

// LoadGlobal reads the daemon's process-wide config from environment
// variables, applying the same kind of defaulting the teacher's
// applyGlobalDefaults does for its YAML file.
func LoadGlobal() (*Global, error) {
	cfg := &Global{
		Port:                   getenv("PORT", "8080"),
		LogLevel:               getenv("LOG_LEVEL", "info"),
		LogFormat:              getenv("LOG_FORMAT", "json"),
		LogFilePath:            os.Getenv("LOG_FILE_PATH"),
		LogMaxSizeMB:           getenvInt("LOG_MAX_SIZE_MB", 100),
		UpstreamBaseURL:        os.Getenv("ONSTAQ_API_URL"),
		ServiceEmail:           os.Getenv("ONSTAQ_SERVICE_EMAIL"),
		ServicePassword:        os.Getenv("ONSTAQ_SERVICE_PASSWORD"),
		PollInterval:           getenvDuration("POLL_INTERVAL_MS", 60*time.Second),
		MinPollInterval:        getenvDuration("MIN_POLL_INTERVAL_MS", 10*time.Second),
		MaxConcurrentRuns:      getenvInt("MAX_CONCURRENT_EXECUTIONS", 4),
		DatabasePath:           getenv("DATABASE_URL", "automation.db"),
		ExecutionRetentionDays: getenvInt("EXECUTION_RETENTION_DAYS", 30),
		WebhookHMACSecret:      os.Getenv("WEBHOOK_HMAC_SECRET"),
	}

	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("ONSTAQ_API_URL is required")
	}
	if cfg.ServiceEmail == "" || cfg.ServicePassword == "" {
		return nil, fmt.Errorf("ONSTAQ_SERVICE_EMAIL and ONSTAQ_SERVICE_PASSWORD are required")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// LoadRuleBundle reads a YAML rule bundle from path.
func LoadRuleBundle(path string) (*RuleBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule bundle: %w", err)
	}
	var bundle RuleBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parsing rule bundle: %w", err)
	}
	return &bundle, nil
}

// SaveRuleBundle writes bundle to path as YAML.
func SaveRuleBundle(path string, bundle *RuleBundle) error {
	data, err := yaml.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encoding rule bundle: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ToModel converts d to the engine's native Rule, round-tripping the
// trigger/components maps through JSON so yaml.v3's string-keyed maps land
// in model.Rule's typed Trigger/Components fields.
func (d RuleDocument) ToModel() (*model.Rule, error) {
	raw := map[string]any{
		"id":          d.ID,
		"name":        d.Name,
		"description": d.Description,
		"workspaceId": d.WorkspaceID,
		"enabled":     d.Enabled,
		"trigger":     d.Trigger,
		"components":  d.Components,
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding rule document: %w", err)
	}
	var rule model.Rule
	if err := json.Unmarshal(b, &rule); err != nil {
		return nil, fmt.Errorf("decoding rule document: %w", err)
	}
	if rule.ID == "" {
		rule.ID = model.NewRuleID()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	return &rule, nil
}

// FromModel converts a persisted Rule back into the YAML-friendly shape
// for export.
func FromModel(r *model.Rule) (RuleDocument, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return RuleDocument{}, fmt.Errorf("encoding rule: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return RuleDocument{}, fmt.Errorf("decoding rule: %w", err)
	}

	trigger, _ := raw["trigger"].(map[string]any)
	var components []map[string]any
	if cs, ok := raw["components"].([]any); ok {
		for _, c := range cs {
			if m, ok := c.(map[string]any); ok {
				components = append(components, m)
			}
		}
	}

	return RuleDocument{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		WorkspaceID: r.WorkspaceID,
		Enabled:     r.Enabled,
		Trigger:     trigger,
		Components:  components,
	}, nil
}
