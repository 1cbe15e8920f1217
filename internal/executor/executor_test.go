package executor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "automation.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestExecutor(t *testing.T, st *store.Store) *Executor {
	t.Helper()
	exec := New(st, nil, testLogger(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, exec.Start(ctx))
	t.Cleanup(func() {
		cancel()
		exec.Stop(time.Second)
	})
	return exec
}

func logRule(id string, enabled bool) *model.Rule {
	return &model.Rule{
		ID:          id,
		Name:        "log-rule-" + id,
		WorkspaceID: "ws_1",
		Enabled:     enabled,
		Trigger:     model.Trigger{Kind: model.TriggerManual},
		Components: []model.Component{
			{
				ID:   "c1",
				Type: model.ComponentAction,
				Action: &model.Action{
					Type:   model.ActionLog,
					Config: map[string]any{"message": "hello"},
				},
			},
		},
	}
}

func TestTriggerManually_RunsAndPersistsExecution(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.PutRule(logRule("rule_1", true)))
	exec := startTestExecutor(t, st)

	got, err := exec.TriggerManually(context.Background(), "rule_1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, got.Status)
	assert.Len(t, got.ComponentResults, 1)

	persisted, err := st.GetExecution(got.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, model.ExecutionSuccess, persisted.Status)
}

func TestTest_DoesNotPersistExecution(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.PutRule(logRule("rule_1", true)))
	exec := startTestExecutor(t, st)

	event := model.TriggerEvent{Type: model.TriggerManual, Timestamp: time.Now().UTC()}
	got, err := exec.Test(context.Background(), "rule_1", event)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, got.Status)

	persisted, err := st.GetExecution(got.ID)
	require.NoError(t, err)
	assert.Nil(t, persisted, "Test runs must not persist an execution record")
}

func TestTriggerManually_DisabledRuleIsSkipped(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.PutRule(logRule("rule_1", false)))
	exec := startTestExecutor(t, st)

	got, err := exec.TriggerManually(context.Background(), "rule_1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSkipped, got.Status)
}

func TestTriggerManually_ConditionGatesActions(t *testing.T) {
	st := openTestStore(t)
	rule := &model.Rule{
		ID:          "rule_1",
		Name:        "gated",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     model.Trigger{Kind: model.TriggerManual},
		Components: []model.Component{
			{
				ID:   "cond1",
				Type: model.ComponentCondition,
				Condition: &model.Condition{
					Kind:        model.ConditionLeafAttribute,
					Field:       "priority",
					AttributeOp: model.OpGreaterThan,
					Value:       float64(5),
				},
			},
			{
				ID:   "act1",
				Type: model.ComponentAction,
				Action: &model.Action{
					Type:   model.ActionVariableSet,
					Config: map[string]any{"name": "fired", "value": true},
				},
			},
		},
	}
	require.NoError(t, st.PutRule(rule))
	exec := startTestExecutor(t, st)

	lowPriority := model.TriggerEvent{
		Type:      model.TriggerManual,
		Item:      &model.Item{ID: "item_1", AttributeValues: map[string]any{"priority": float64(1)}},
		Timestamp: time.Now().UTC(),
	}
	got, err := exec.Test(context.Background(), "rule_1", lowPriority)
	require.NoError(t, err)
	require.Len(t, got.ComponentResults, 2)
	assert.Equal(t, model.StatusSkipped, got.ComponentResults[0].Status)
	assert.Equal(t, model.StatusSkipped, got.ComponentResults[1].Status, "action after a failed condition must be skipped")

	highPriority := model.TriggerEvent{
		Type:      model.TriggerManual,
		Item:      &model.Item{ID: "item_1", AttributeValues: map[string]any{"priority": float64(9)}},
		Timestamp: time.Now().UTC(),
	}
	got, err = exec.Test(context.Background(), "rule_1", highPriority)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got.ComponentResults[0].Status)
	assert.Equal(t, model.StatusSuccess, got.ComponentResults[1].Status)
}

func TestTriggerManually_IfElseBranches(t *testing.T) {
	st := openTestStore(t)
	rule := &model.Rule{
		ID:          "rule_1",
		Name:        "branching",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     model.Trigger{Kind: model.TriggerManual},
		Components: []model.Component{
			{
				ID:   "ifelse1",
				Type: model.ComponentIfElse,
				IfElse: &model.IfElse{
					Conditions: model.Condition{
						Kind:        model.ConditionLeafAttribute,
						Field:       "status",
						AttributeOp: model.OpEquals,
						Value:       "open",
					},
					Then: []model.Component{
						{ID: "then1", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionVariableSet, Config: map[string]any{"name": "branch", "value": "then"}}},
					},
					Else: []model.Component{
						{ID: "else1", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionVariableSet, Config: map[string]any{"name": "branch", "value": "else"}}},
					},
				},
			},
		},
	}
	require.NoError(t, st.PutRule(rule))
	exec := startTestExecutor(t, st)

	event := model.TriggerEvent{
		Type:      model.TriggerManual,
		Item:      &model.Item{ID: "item_1", AttributeValues: map[string]any{"status": "closed"}},
		Timestamp: time.Now().UTC(),
	}
	got, err := exec.Test(context.Background(), "rule_1", event)
	require.NoError(t, err)
	require.Len(t, got.ComponentResults, 1)
	require.Len(t, got.ComponentResults[0].Children, 1)
	assert.Equal(t, "else1", got.ComponentResults[0].Children[0].ComponentID)
}

func TestTriggerManually_FailedActionHaltsSiblingsWithoutContinueOnError(t *testing.T) {
	st := openTestStore(t)
	rule := &model.Rule{
		ID:          "rule_1",
		Name:        "halts",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     model.Trigger{Kind: model.TriggerManual},
		Components: []model.Component{
			{ID: "bad", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionItemCreate, Config: map[string]any{}}},
			{ID: "after", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionLog, Config: map[string]any{"message": "unreachable"}}},
		},
	}
	require.NoError(t, st.PutRule(rule))
	exec := startTestExecutor(t, st)

	got, err := exec.TriggerManually(context.Background(), "rule_1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	require.Len(t, got.ComponentResults, 2)
	assert.Equal(t, model.StatusFailed, got.ComponentResults[0].Status)
	assert.Equal(t, model.StatusSkipped, got.ComponentResults[1].Status)
	assert.NotEmpty(t, got.Error)
}

func TestTriggerManually_ContinueOnErrorLetsSiblingsRun(t *testing.T) {
	st := openTestStore(t)
	rule := &model.Rule{
		ID:          "rule_1",
		Name:        "continues",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     model.Trigger{Kind: model.TriggerManual},
		Components: []model.Component{
			{ID: "bad", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionItemCreate, Config: map[string]any{}, ContinueOnError: true}},
			{ID: "after", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionLog, Config: map[string]any{"message": "reached"}}},
		},
	}
	require.NoError(t, st.PutRule(rule))
	exec := startTestExecutor(t, st)

	got, err := exec.TriggerManually(context.Background(), "rule_1", nil)
	require.NoError(t, err)
	require.Len(t, got.ComponentResults, 2)
	assert.Equal(t, model.StatusFailed, got.ComponentResults[0].Status)
	assert.Equal(t, model.StatusSuccess, got.ComponentResults[1].Status)
}

func TestChainTrigger_AutomationTriggerRunsChildRuleInline(t *testing.T) {
	st := openTestStore(t)
	child := &model.Rule{
		ID:          "rule_child",
		Name:        "child",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     model.Trigger{Kind: model.TriggerManual},
		Components: []model.Component{
			{ID: "c1", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionVariableSet, Config: map[string]any{"name": "childRan", "value": true}}},
		},
	}
	parent := &model.Rule{
		ID:          "rule_parent",
		Name:        "parent",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     model.Trigger{Kind: model.TriggerManual},
		Components: []model.Component{
			{ID: "p1", Type: model.ComponentAction, Action: &model.Action{Type: model.ActionAutomationTrigger, Config: map[string]any{"ruleId": "rule_child"}}},
		},
	}
	require.NoError(t, st.PutRule(child))
	require.NoError(t, st.PutRule(parent))
	exec := startTestExecutor(t, st)

	got, err := exec.TriggerManually(context.Background(), "rule_parent", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, got.Status)

	childExecs, err := st.ListExecutions("rule_child", 10)
	require.NoError(t, err)
	require.Len(t, childExecs, 1)
	assert.Equal(t, model.ExecutionSuccess, childExecs[0].Status)
}
