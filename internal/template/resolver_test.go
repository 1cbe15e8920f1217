package template

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

func newTestExecCtx(item *model.Item) *model.ExecutionContext {
	ec := model.NewExecutionContext("rule_1", "test-rule", "ws_1", model.TriggerEvent{
		Type:      model.TriggerItemUpdated,
		Item:      item,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	return ec
}

func newTestResolver(ec *model.ExecutionContext) *Resolver {
	return NewResolver(context.Background(), ec, nil, "ws_1")
}

func TestResolve_PlainAttribute(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"title": "Widget"}}
	r := newTestResolver(newTestExecCtx(item))

	out, err := r.Resolve("Item: {{item.attributes.title}}")
	require.NoError(t, err)
	assert.Equal(t, "Item: Widget", out)
}

func TestResolve_PipeNullCoalescing(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{}}
	r := newTestResolver(newTestExecCtx(item))

	out, err := r.Resolve("{{item.attributes.missing | \"fallback\"}}")
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestResolve_ArithmeticPrecedence(t *testing.T) {
	r := newTestResolver(newTestExecCtx(nil))
	out, err := r.Resolve("{{2 + 3 * 4}}")
	require.NoError(t, err)
	assert.Equal(t, "20", out)
}

func TestResolve_EqualityComparison(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"status": "open"}}
	r := newTestResolver(newTestExecCtx(item))
	out, err := r.Resolve("{{item.attributes.status == \"open\"}}")
	require.NoError(t, err)
	assert.Equal(t, "true", out)
}

func TestResolve_EachBlock(t *testing.T) {
	ec := newTestExecCtx(nil)
	ec.Variables["tags"] = []any{"a", "b", "c"}
	r := newTestResolver(ec)

	out, err := r.Resolve("{{#each context.tags}}[{{@index}}:{{this}}]{{/each}}")
	require.NoError(t, err)
	assert.Equal(t, "[0:a][1:b][2:c]", out)
}

func TestResolve_EachBlockCapsIterations(t *testing.T) {
	items := make([]any, 150)
	for i := range items {
		items[i] = i
	}
	ec := newTestExecCtx(nil)
	ec.Variables["nums"] = items
	r := newTestResolver(ec)

	out, err := r.Resolve("{{#each context.nums}}x{{/each}}")
	require.NoError(t, err)
	assert.Equal(t, blockMaxIterations, len(out))
}

func TestResolve_IfElseBlock(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"priority": "high"}}
	r := newTestResolver(newTestExecCtx(item))

	out, err := r.Resolve(`{{#if item.attributes.priority == "high"}}urgent{{else}}normal{{/if}}`)
	require.NoError(t, err)
	assert.Equal(t, "urgent", out)

	item.AttributeValues["priority"] = "low"
	out, err = r.Resolve(`{{#if item.attributes.priority == "high"}}urgent{{else}}normal{{/if}}`)
	require.NoError(t, err)
	assert.Equal(t, "normal", out)
}

func TestResolve_IfBareTruthiness(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"flag": true}}
	r := newTestResolver(newTestExecCtx(item))

	out, err := r.Resolve("{{#if item.attributes.flag}}yes{{/if}}")
	require.NoError(t, err)
	assert.Equal(t, "yes", out)
}

func TestResolve_FunctionCall(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"name": "widget"}}
	r := newTestResolver(newTestExecCtx(item))

	out, err := r.Resolve("{{item.attributes.name.toUpperCase()}}")
	require.NoError(t, err)
	assert.Equal(t, "WIDGET", out)
}

func TestResolve_NestedFunctionChain(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"name": "  widget  "}}
	r := newTestResolver(newTestExecCtx(item))

	out, err := r.Resolve("{{item.attributes.name.trim().toUpperCase()}}")
	require.NoError(t, err)
	assert.Equal(t, "WIDGET", out)
}

func TestResolve_LegacyFallbackOnParseError(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"name": "widget"}}
	r := newTestResolver(newTestExecCtx(item))

	// Unclosed parenthesis makes the expression unparseable; legacyResolve
	// degrades gracefully to leaving it untouched rather than erroring.
	out, err := r.Resolve(`{{item.attributes.name.toUpperCase(}}`)
	require.NoError(t, err)
	assert.Contains(t, out, "{{item.attributes.name.toUpperCase(}}")
}

func TestResolveDeep_NestedMap(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"title": "Widget"}}
	r := newTestResolver(newTestExecCtx(item))

	input := map[string]any{
		"summary": "{{item.attributes.title}}",
		"nested": map[string]any{
			"list": []any{"{{item.attributes.title}}", "static"},
		},
	}
	out, err := r.ResolveDeep(input)
	require.NoError(t, err)

	resolved, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Widget", resolved["summary"])
	nested := resolved["nested"].(map[string]any)
	list := nested["list"].([]any)
	assert.Equal(t, "Widget", list[0])
	assert.Equal(t, "static", list[1])
}

func TestEvalTruthy_UsedByConditionLeaf(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"count": float64(5)}}
	r := newTestResolver(newTestExecCtx(item))

	ok, err := r.EvalTruthy("item.attributes.count > 3")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EvalTruthy("item.attributes.count > 10")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve_OqlPrefixRequiresUpstream(t *testing.T) {
	r := newTestResolver(newTestExecCtx(nil))
	_, err := r.Resolve("{{oql: SELECT 1}}")
	// No rest adapter wired for this test; an oql: expression with no
	// upstream access is a genuine evaluation failure and must fail the
	// enclosing action, not silently fall back to legacy substitution.
	require.Error(t, err)
}

func TestResolve_DivisionByZeroFailsTheAction(t *testing.T) {
	r := newTestResolver(newTestExecCtx(nil))
	_, err := r.Resolve("{{1 / 0}}")
	require.Error(t, err)
}

func TestResolve_UnknownFunctionFailsTheAction(t *testing.T) {
	item := &model.Item{ID: "item_1", AttributeValues: map[string]any{"name": "widget"}}
	r := newTestResolver(newTestExecCtx(item))
	_, err := r.Resolve("{{item.attributes.name.notARealFunction()}}")
	require.Error(t, err)
}
