package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "automation.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutGetListDeleteRule(t *testing.T) {
	st := openTestStore(t)

	rule := &model.Rule{
		ID:          "rule_1",
		Name:        "Auto-close stale tickets",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     model.Trigger{Kind: model.TriggerSchedule},
		Components:  []model.Component{{Type: model.ComponentAction, Action: &model.Action{Type: model.ActionLog}}},
	}
	if err := st.PutRule(rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}

	got, err := st.GetRule("rule_1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got == nil || got.Name != rule.Name {
		t.Fatalf("GetRule returned %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be stamped, got %+v", got)
	}

	list, err := st.ListRules()
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(list))
	}

	if err := st.DeleteRule("rule_1"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	got, err = st.GetRule("rule_1")
	if err != nil {
		t.Fatalf("GetRule after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestPutRule_PreservesCreatedAtOnUpdate(t *testing.T) {
	st := openTestStore(t)

	rule := &model.Rule{ID: "rule_1", Name: "v1", WorkspaceID: "ws_1", Trigger: model.Trigger{Kind: model.TriggerManual}}
	if err := st.PutRule(rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	firstCreated := rule.CreatedAt

	updated := &model.Rule{ID: "rule_1", Name: "v2", WorkspaceID: "ws_1", Trigger: model.Trigger{Kind: model.TriggerManual}, CreatedAt: firstCreated}
	if err := st.PutRule(updated); err != nil {
		t.Fatalf("PutRule (update): %v", err)
	}

	got, err := st.GetRule("rule_1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Name != "v2" {
		t.Fatalf("expected updated name, got %q", got.Name)
	}
	if !got.CreatedAt.Equal(firstCreated) {
		t.Fatalf("expected CreatedAt preserved, got %v want %v", got.CreatedAt, firstCreated)
	}
}

func TestExecutionLifecycleAndStats(t *testing.T) {
	st := openTestStore(t)

	rule := &model.Rule{ID: "rule_1", Name: "r", WorkspaceID: "ws_1", Trigger: model.Trigger{Kind: model.TriggerManual}}
	if err := st.PutRule(rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}

	exec1 := &model.Execution{ID: "exec_1", RuleID: "rule_1", Status: model.ExecutionSuccess, StartedAt: time.Now().UTC()}
	exec2 := &model.Execution{ID: "exec_2", RuleID: "rule_1", Status: model.ExecutionFailed, Error: "boom", StartedAt: time.Now().UTC()}
	if err := st.PutExecution(exec1); err != nil {
		t.Fatalf("PutExecution 1: %v", err)
	}
	if err := st.PutExecution(exec2); err != nil {
		t.Fatalf("PutExecution 2: %v", err)
	}

	got, err := st.GetExecution("exec_1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got == nil || got.Status != model.ExecutionSuccess {
		t.Fatalf("GetExecution returned %+v", got)
	}

	list, err := st.ListExecutions("rule_1", 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(list))
	}

	stats, err := st.ExecutionStats("rule_1")
	if err != nil {
		t.Fatalf("ExecutionStats: %v", err)
	}
	if stats.Total != 2 || stats.Success != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTriggerState_DefaultsWhenAbsent(t *testing.T) {
	st := openTestStore(t)

	ts, err := st.GetTriggerState("rule_missing")
	if err != nil {
		t.Fatalf("GetTriggerState: %v", err)
	}
	if ts == nil || ts.RuleID != "rule_missing" || ts.LastSeenData == nil {
		t.Fatalf("expected zero-value trigger state, got %+v", ts)
	}
}

func TestTriggerState_PutAndGetRoundTrip(t *testing.T) {
	st := openTestStore(t)

	ts := &model.TriggerState{
		RuleID:        "rule_1",
		LastCheckedAt: time.Now().UTC(),
		LastSeenData:  map[string]any{"cursor": "abc123"},
		Checksum:      "deadbeef",
	}
	if err := st.PutTriggerState(ts); err != nil {
		t.Fatalf("PutTriggerState: %v", err)
	}

	got, err := st.GetTriggerState("rule_1")
	if err != nil {
		t.Fatalf("GetTriggerState: %v", err)
	}
	if got.Checksum != "deadbeef" || got.LastSeenData["cursor"] != "abc123" {
		t.Fatalf("unexpected trigger state: %+v", got)
	}
}

func TestWebhookSubscription_PutAndGet(t *testing.T) {
	st := openTestStore(t)

	sub := &model.WebhookSubscription{
		ID:     "inbound-path-1",
		URL:    "https://example.com/hook",
		Events: []string{"item.created"},
		Secret: "shh",
		Active: true,
		Metadata: map[string]any{
			"ruleId": "rule_1",
			"filter": map[string]any{"type": "alert"},
		},
	}
	if err := st.PutWebhookSubscription(sub); err != nil {
		t.Fatalf("PutWebhookSubscription: %v", err)
	}

	got, err := st.GetWebhookSubscription("inbound-path-1")
	if err != nil {
		t.Fatalf("GetWebhookSubscription: %v", err)
	}
	if got == nil || got.Secret != "shh" || got.Metadata["ruleId"] != "rule_1" {
		t.Fatalf("unexpected subscription: %+v", got)
	}

	missing, err := st.GetWebhookSubscription("nope")
	if err != nil {
		t.Fatalf("GetWebhookSubscription (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing subscription, got %+v", missing)
	}
}

func TestCleanup_RemovesOldExecutionsOnly(t *testing.T) {
	st := openTestStore(t)

	rule := &model.Rule{ID: "rule_1", Name: "r", WorkspaceID: "ws_1", Trigger: model.Trigger{Kind: model.TriggerManual}}
	if err := st.PutRule(rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}

	old := &model.Execution{ID: "exec_old", RuleID: "rule_1", Status: model.ExecutionSuccess, StartedAt: time.Now().AddDate(0, 0, -60)}
	recent := &model.Execution{ID: "exec_recent", RuleID: "rule_1", Status: model.ExecutionSuccess, StartedAt: time.Now().UTC()}
	if err := st.PutExecution(old); err != nil {
		t.Fatalf("PutExecution old: %v", err)
	}
	if err := st.PutExecution(recent); err != nil {
		t.Fatalf("PutExecution recent: %v", err)
	}

	n, err := st.Cleanup(30)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row deleted, got %d", n)
	}

	list, err := st.ListExecutions("rule_1", 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "exec_recent" {
		t.Fatalf("unexpected remaining executions: %+v", list)
	}
}
