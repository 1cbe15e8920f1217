package conditioneval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

func newExecCtxWithItem(item *model.Item) *model.ExecutionContext {
	return model.NewExecutionContext("rule_1", "test-rule", "ws_1", model.TriggerEvent{
		Type:      model.TriggerItemUpdated,
		Item:      item,
		Timestamp: time.Now().UTC(),
	})
}

func TestEvaluate_AttributeEquals(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"status": "Open"}}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{
		Kind:        model.ConditionLeafAttribute,
		Field:       "status",
		AttributeOp: model.OpEquals,
		Value:       "open",
	}
	ok, err := e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.True(t, ok, "loose equality should be case-insensitive")
}

func TestEvaluate_AttributeNumericComparison(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"priority": float64(7)}}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{
		Kind:        model.ConditionLeafAttribute,
		Field:       "priority",
		AttributeOp: model.OpGreaterThan,
		Value:       float64(5),
	}
	ok, err := e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_AttributeIn(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"category": "bug"}}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{
		Kind:        model.ConditionLeafAttribute,
		Field:       "category",
		AttributeOp: model.OpIn,
		Value:       []any{"feature", "bug", "chore"},
	}
	ok, err := e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_AttributeChangedTo(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"status": "closed"}}
	execCtx := newExecCtxWithItem(item)
	execCtx.Trigger.PreviousValues = map[string]any{"status": "open"}
	e := New(nil, "ws_1")

	cond := model.Condition{
		Kind:        model.ConditionLeafAttribute,
		Field:       "status",
		AttributeOp: model.OpChangedTo,
		Value:       "closed",
	}
	ok, err := e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)

	// No change recorded: previous equals current.
	execCtx.Trigger.PreviousValues["status"] = "closed"
	ok, err = e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_AttributeIsNull(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{}}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{Kind: model.ConditionLeafAttribute, Field: "missing", AttributeOp: model.OpIsNull}
	ok, err := e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_AttributeMatchesRegex(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"code": "INC-1234"}}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{
		Kind:        model.ConditionLeafAttribute,
		Field:       "code",
		AttributeOp: model.OpMatchesRegex,
		Value:       `^INC-\d+$`,
	}
	ok, err := e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_AndOrNot(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"status": "open", "priority": float64(8)}}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	statusOpen := model.Condition{Kind: model.ConditionLeafAttribute, Field: "status", AttributeOp: model.OpEquals, Value: "open"}
	highPriority := model.Condition{Kind: model.ConditionLeafAttribute, Field: "priority", AttributeOp: model.OpGreaterThan, Value: float64(5)}

	and := model.Condition{Operator: model.ConditionAnd, Children: []model.Condition{statusOpen, highPriority}}
	ok, err := e.Evaluate(context.Background(), and, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)

	not := model.Condition{Operator: model.ConditionNot, Children: []model.Condition{statusOpen}}
	ok, err = e.Evaluate(context.Background(), not, execCtx)
	require.NoError(t, err)
	assert.False(t, ok)

	closedOrHighPriority := model.Condition{
		Operator: model.ConditionOr,
		Children: []model.Condition{
			{Kind: model.ConditionLeafAttribute, Field: "status", AttributeOp: model.OpEquals, Value: "closed"},
			highPriority,
		},
	}
	ok, err = e.Evaluate(context.Background(), closedOrHighPriority, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_TemplateLeaf(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"score": float64(42)}}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{Kind: model.ConditionLeafTemplate, Template: "item.attributes.score > 10"}
	ok, err := e.Evaluate(context.Background(), cond, execCtx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_QueryLeafRequiresUpstream(t *testing.T) {
	execCtx := newExecCtxWithItem(nil)
	e := New(nil, "ws_1")

	cond := model.Condition{Kind: model.ConditionLeafQuery, Query: "SELECT * FROM items"}
	_, err := e.Evaluate(context.Background(), cond, execCtx)
	assert.Error(t, err)
}

func TestEvaluate_ReferenceLeafRequiresUpstream(t *testing.T) {
	item := &model.Item{ID: "item_1"}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{Kind: model.ConditionLeafReference, ReferenceKind: "blocks", Exists: true}
	_, err := e.Evaluate(context.Background(), cond, execCtx)
	assert.Error(t, err)
}

func TestEvaluate_UnknownOperatorErrors(t *testing.T) {
	item := &model.Item{ID: "item_1"}
	execCtx := newExecCtxWithItem(item)
	e := New(nil, "ws_1")

	cond := model.Condition{Kind: model.ConditionLeafAttribute, Field: "status", AttributeOp: model.AttributeOperator("bogus")}
	_, err := e.Evaluate(context.Background(), cond, execCtx)
	assert.Error(t, err)
}
