// Package store is the relational persistence layer: rules, executions,
// trigger bookmarks, and webhook subscriptions, generalized from the
// teacher's internal/state package onto a four-table schema.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

// Store wraps the SQLite connection backing all four tables.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS automations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    workspace_id TEXT NOT NULL,
    workspace_key TEXT,
    enabled BOOLEAN NOT NULL DEFAULT 0,
    trigger TEXT NOT NULL,
    components TEXT NOT NULL,
    conditions TEXT,
    actions TEXT,
    execution_order INTEGER NOT NULL DEFAULT 0,
    created_by TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    automation_id TEXT NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    trigger_data TEXT,
    component_results TEXT,
    condition_result TEXT,
    action_results TEXT,
    error TEXT,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions(automation_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);

CREATE TABLE IF NOT EXISTS trigger_state (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    automation_id TEXT NOT NULL UNIQUE REFERENCES automations(id) ON DELETE CASCADE,
    last_checked_at DATETIME,
    last_seen_data TEXT,
    checksum TEXT,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    id TEXT PRIMARY KEY,
    url TEXT,
    events TEXT,
    secret TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT 1,
    metadata TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
`

// Open opens or creates a SQLite database at path, applying the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count)
	if count == 0 {
		db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Automations (Rule) -----------------------------------------------

// legacyPayload captures the split (conditions, actions) shape some
// deployments still write; read-time normalization prefers components
// when present, else rebuilds it from the legacy pair.
type legacyPayload struct {
	Conditions json.RawMessage `json:"conditions"`
	Actions    json.RawMessage `json:"actions"`
}

// PutRule inserts or replaces a Rule.
func (s *Store) PutRule(r *model.Rule) error {
	trig, err := json.Marshal(r.Trigger)
	if err != nil {
		return fmt.Errorf("encoding trigger: %w", err)
	}
	comps, err := json.Marshal(r.Components)
	if err != nil {
		return fmt.Errorf("encoding components: %w", err)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO automations (id, name, description, workspace_id, workspace_key, enabled, trigger, components, execution_order, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, workspace_id=excluded.workspace_id,
			workspace_key=excluded.workspace_key, enabled=excluded.enabled, trigger=excluded.trigger,
			components=excluded.components, execution_order=excluded.execution_order, updated_at=excluded.updated_at`,
		r.ID, r.Name, r.Description, r.WorkspaceID, r.WorkspaceKey, r.Enabled, string(trig), string(comps),
		r.ExecutionOrder, r.CreatedBy, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("writing automation: %w", err)
	}
	return nil
}

// GetRule reads a single Rule by id, normalizing the legacy
// (conditions, actions) shape to Components on read.
func (s *Store) GetRule(id string) (*model.Rule, error) {
	row := s.db.QueryRow(`SELECT id, name, description, workspace_id, workspace_key, enabled, trigger, components,
		conditions, actions, execution_order, created_by, created_at, updated_at FROM automations WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns every persisted Rule, ordered by execution_order.
func (s *Store) ListRules() ([]*model.Rule, error) {
	rows, err := s.db.Query(`SELECT id, name, description, workspace_id, workspace_key, enabled, trigger, components,
		conditions, actions, execution_order, created_by, created_at, updated_at FROM automations ORDER BY execution_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing automations: %w", err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*model.Rule, error) {
	var r model.Rule
	var desc, workspaceKey, createdBy sql.NullString
	var trig, comps, conditions, actions sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &desc, &r.WorkspaceID, &workspaceKey, &r.Enabled, &trig, &comps,
		&conditions, &actions, &r.ExecutionOrder, &createdBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning automation: %w", err)
	}
	r.Description = desc.String
	r.WorkspaceKey = workspaceKey.String
	r.CreatedBy = createdBy.String

	if trig.Valid && trig.String != "" {
		if err := json.Unmarshal([]byte(trig.String), &r.Trigger); err != nil {
			return nil, fmt.Errorf("decoding trigger: %w", err)
		}
	}

	switch {
	case comps.Valid && comps.String != "" && comps.String != "null":
		if err := json.Unmarshal([]byte(comps.String), &r.Components); err != nil {
			return nil, fmt.Errorf("decoding components: %w", err)
		}
	case conditions.Valid || actions.Valid:
		var legacy model.LegacyRule
		if conditions.Valid && conditions.String != "" {
			if err := json.Unmarshal([]byte(conditions.String), &legacy.Conditions); err != nil {
				return nil, fmt.Errorf("decoding legacy conditions: %w", err)
			}
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &legacy.Actions); err != nil {
				return nil, fmt.Errorf("decoding legacy actions: %w", err)
			}
		}
		r.Components = legacy.ToComponents()
	}

	return &r, nil
}

// DeleteRule removes a Rule together with its executions and trigger
// state.
func (s *Store) DeleteRule(id string) error {
	for _, q := range []string{
		"DELETE FROM executions WHERE automation_id = ?",
		"DELETE FROM trigger_state WHERE automation_id = ?",
	} {
		if _, err := s.db.Exec(q, id); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("DELETE FROM automations WHERE id = ?", id)
	return err
}

// --- Executions ----------------------------------------------------------

// PutExecution inserts or replaces an Execution record.
func (s *Store) PutExecution(e *model.Execution) error {
	trigData, err := json.Marshal(e.TriggerEvent)
	if err != nil {
		return fmt.Errorf("encoding trigger event: %w", err)
	}
	results, err := json.Marshal(e.ComponentResults)
	if err != nil {
		return fmt.Errorf("encoding component results: %w", err)
	}

	var completedAt any
	if e.CompletedAt != nil {
		completedAt = *e.CompletedAt
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (id, automation_id, status, trigger_data, component_results, error, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, component_results=excluded.component_results, error=excluded.error,
			completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		e.ID, e.RuleID, string(e.Status), string(trigData), string(results), e.Error, e.StartedAt, completedAt, e.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("writing execution: %w", err)
	}
	return nil
}

// GetExecution reads one Execution by id.
func (s *Store) GetExecution(id string) (*model.Execution, error) {
	row := s.db.QueryRow(`SELECT id, automation_id, status, trigger_data, component_results, error, started_at, completed_at, duration_ms
		FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions filters by ruleID (optional) and returns up to limit, most
// recent first.
func (s *Store) ListExecutions(ruleID string, limit int) ([]*model.Execution, error) {
	query := `SELECT id, automation_id, status, trigger_data, component_results, error, started_at, completed_at, duration_ms
		FROM executions WHERE 1=1`
	var args []any
	if ruleID != "" {
		query += " AND automation_id = ?"
		args = append(args, ruleID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (*model.Execution, error) {
	var e model.Execution
	var status, triggerData, results, errStr string
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	if err := row.Scan(&e.ID, &e.RuleID, &status, &triggerData, &results, &errStr, &e.StartedAt, &completedAt, &durationMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	e.Status = model.ExecutionStatus(status)
	e.Error = errStr
	if triggerData != "" {
		json.Unmarshal([]byte(triggerData), &e.TriggerEvent)
	}
	if results != "" {
		json.Unmarshal([]byte(results), &e.ComponentResults)
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	e.DurationMs = durationMs.Int64
	return &e, nil
}

// ExecutionStats aggregates outcome counts for one rule.
type ExecutionStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ExecutionStats computes aggregate counts for ruleID.
func (s *Store) ExecutionStats(ruleID string) (*ExecutionStats, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM executions WHERE automation_id = ? GROUP BY status", ruleID)
	if err != nil {
		return nil, fmt.Errorf("aggregating executions: %w", err)
	}
	defer rows.Close()

	stats := &ExecutionStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch model.ExecutionStatus(status) {
		case model.ExecutionSuccess:
			stats.Success = count
		case model.ExecutionFailed:
			stats.Failed = count
		case model.ExecutionSkipped:
			stats.Skipped = count
		}
	}
	return stats, rows.Err()
}

// --- Trigger state ---------------------------------------------------------

// GetTriggerState reads the bookmark for ruleID, returning a fresh zero
// value (not an error) if none has been persisted yet.
func (s *Store) GetTriggerState(ruleID string) (*model.TriggerState, error) {
	row := s.db.QueryRow("SELECT last_checked_at, last_seen_data, checksum, updated_at FROM trigger_state WHERE automation_id = ?", ruleID)
	var lastChecked sql.NullTime
	var lastSeen, checksum sql.NullString
	var updatedAt sql.NullTime
	err := row.Scan(&lastChecked, &lastSeen, &checksum, &updatedAt)
	if err == sql.ErrNoRows {
		return &model.TriggerState{RuleID: ruleID, LastSeenData: make(map[string]any)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trigger state: %w", err)
	}

	ts := &model.TriggerState{RuleID: ruleID, Checksum: checksum.String}
	if lastChecked.Valid {
		ts.LastCheckedAt = lastChecked.Time
	}
	if updatedAt.Valid {
		ts.UpdatedAt = updatedAt.Time
	}
	ts.LastSeenData = make(map[string]any)
	if lastSeen.Valid && lastSeen.String != "" {
		json.Unmarshal([]byte(lastSeen.String), &ts.LastSeenData)
	}
	return ts, nil
}

// PutTriggerState upserts the bookmark for a rule. Callers are responsible
// for the "lastCheckedAt never moves backwards" invariant; this only
// writes what it is given.
func (s *Store) PutTriggerState(ts *model.TriggerState) error {
	data, err := json.Marshal(ts.LastSeenData)
	if err != nil {
		return fmt.Errorf("encoding last seen data: %w", err)
	}
	ts.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO trigger_state (automation_id, last_checked_at, last_seen_data, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(automation_id) DO UPDATE SET
			last_checked_at=excluded.last_checked_at, last_seen_data=excluded.last_seen_data,
			checksum=excluded.checksum, updated_at=excluded.updated_at`,
		ts.RuleID, ts.LastCheckedAt, string(data), ts.Checksum, ts.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("writing trigger state: %w", err)
	}
	return nil
}

// --- Webhook subscriptions -------------------------------------------------

// PutWebhookSubscription inserts or replaces a subscription.
func (s *Store) PutWebhookSubscription(w *model.WebhookSubscription) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}
	meta, err := json.Marshal(w.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO webhook_subscriptions (id, url, events, secret, active, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url=excluded.url, events=excluded.events, secret=excluded.secret, active=excluded.active,
			metadata=excluded.metadata, updated_at=excluded.updated_at`,
		w.ID, w.URL, string(events), w.Secret, w.Active, string(meta), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("writing webhook subscription: %w", err)
	}
	return nil
}

// GetWebhookSubscription reads a subscription by id.
func (s *Store) GetWebhookSubscription(id string) (*model.WebhookSubscription, error) {
	row := s.db.QueryRow("SELECT id, url, events, secret, active, metadata, created_at, updated_at FROM webhook_subscriptions WHERE id = ?", id)
	var w model.WebhookSubscription
	var events, meta sql.NullString
	var urlStr sql.NullString
	if err := row.Scan(&w.ID, &urlStr, &events, &w.Secret, &w.Active, &meta, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning webhook subscription: %w", err)
	}
	w.URL = urlStr.String
	if events.Valid && events.String != "" {
		json.Unmarshal([]byte(events.String), &w.Events)
	}
	if meta.Valid && meta.String != "" {
		json.Unmarshal([]byte(meta.String), &w.Metadata)
	}
	return &w, nil
}

// Cleanup removes execution records older than retentionDays.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM executions WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up executions: %w", err)
	}
	return result.RowsAffected()
}
