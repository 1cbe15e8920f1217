package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
)

// evalContext bundles the collaborators an expression may need: the
// runtime roots (trigger, item, env, variables, action) and, for oql:/
// lookup(key), the upstream adapter.
type evalContext struct {
	goCtx       context.Context
	execCtx     *model.ExecutionContext
	rest        *restadapter.Adapter
	workspaceID string
}

func toAnyMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func toAnySlice(v any) []any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// roots builds the context-root values available to path navigation.
func (e *evalContext) roots() map[string]any {
	ec := e.execCtx
	triggerMap := toAnyMap(ec.Trigger)
	if triggerMap == nil {
		triggerMap = map[string]any{}
	}
	if ec.Trigger.Item != nil {
		triggerMap["item"] = toAnyMap(ec.Trigger.Item)
	}
	triggerMap["previous"] = ec.Trigger.PreviousValues
	user := ""
	if ec.Trigger.Item != nil {
		user = ec.Trigger.Item.CreatedBy
		if ec.Trigger.Item.UpdatedBy != "" {
			user = ec.Trigger.Item.UpdatedBy
		}
	}
	triggerMap["user"] = user
	triggerMap["timestamp"] = ec.Trigger.Timestamp.Format(time.RFC3339)
	triggerMap["type"] = string(ec.Trigger.Type)
	triggerMap["manualParameters"] = ec.Trigger.ManualParameters
	triggerMap["webhookPayload"] = ec.Trigger.WebhookPayload
	if ec.Trigger.OQLResults != nil {
		triggerMap["oqlResults"] = toAnyMap(ec.Trigger.OQLResults)
	}

	currentItem := ec.CurrentItem
	if currentItem == nil {
		currentItem = ec.Trigger.Item
	}
	var itemMap map[string]any
	if currentItem != nil {
		itemMap = toAnyMap(currentItem)
	}

	now := time.Now().UTC()
	env := map[string]any{
		"NOW":   now.Format(time.RFC3339),
		"TODAY": now.Format("2006-01-02"),
	}

	actionResults := make([]any, 0, len(ec.ComponentResults))
	for _, r := range ec.ComponentResults {
		actionResults = append(actionResults, toAnyMap(r))
	}

	variables := ec.Variables
	if variables == nil {
		variables = map[string]any{}
	}

	return map[string]any{
		"trigger":     triggerMap,
		"item":        itemMap,
		"currentItem": itemMap,
		"env":         env,
		"context":     variables,
		"variables":   variables,
		"action":      actionResults,
	}
}

// Eval evaluates a parsed Node against e.
func (e *evalContext) Eval(n Node) (any, error) {
	switch v := n.(type) {
	case litNode:
		return v.value, nil
	case groupNode:
		return e.Eval(v.inner)
	case identNode:
		roots := e.roots()
		if val, ok := roots[v.name]; ok {
			return val, nil
		}
		return nil, fmt.Errorf("unknown root %q", v.name)
	case chainNode:
		val, err := e.Eval(v.base)
		if err != nil {
			return nil, err
		}
		for _, acc := range v.accessors {
			val, err = e.applyAccessor(val, acc)
			if err != nil {
				return nil, err
			}
		}
		return val, nil
	case topCallNode:
		args, err := e.evalArgs(v.args)
		if err != nil {
			return nil, err
		}
		return callFunction(v.name, nil, args, e)
	case pipeNode:
		left, err := e.Eval(v.left)
		if err != nil {
			return nil, err
		}
		if isNullish(left) {
			return e.Eval(v.right)
		}
		return left, nil
	case binaryNode:
		return e.evalBinary(v)
	case oqlNode:
		return e.evalOQL(v.query)
	case lookupNode:
		keyVal, err := e.Eval(v.key)
		if err != nil {
			return nil, err
		}
		return e.evalLookup(stringify(keyVal))
	default:
		return nil, fmt.Errorf("unsupported node type %T", n)
	}
}

// applyAccessor resolves `.name`, `.name(args)`, or `[expr]` against val.
func (e *evalContext) applyAccessor(val any, acc accessor) (any, error) {
	switch {
	case acc.index != nil:
		idxVal, err := e.Eval(acc.index)
		if err != nil {
			return nil, err
		}
		return indexInto(val, idxVal)
	case acc.call != nil:
		args, err := e.evalArgs(acc.call.args)
		if err != nil {
			return nil, err
		}
		return callFunction(acc.call.name, val, args, e)
	default:
		return e.navigateProp(val, acc.propName)
	}
}

func (e *evalContext) evalArgs(nodes []Node) ([]any, error) {
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		v, err := e.Eval(n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// navigateProp implements the `attributes`→`attributeValues` rewrite and
// falls back to a zero-arg registered function call when val has no such
// property.
func (e *evalContext) navigateProp(val any, name string) (any, error) {
	if m, ok := val.(map[string]any); ok {
		if name == "attributes" {
			if av, ok := m["attributeValues"]; ok {
				return av, nil
			}
		}
		if v, ok := m[name]; ok {
			return v, nil
		}
	}
	if fn, ok := registry[name]; ok && fn.minArgs == 0 {
		return fn.execute(val, nil, e)
	}
	return nil, nil
}

func indexInto(val any, idx any) (any, error) {
	switch container := val.(type) {
	case []any:
		i, err := toInt(idx)
		if err != nil {
			return nil, err
		}
		if i < 0 || i >= len(container) {
			return nil, nil
		}
		return container[i], nil
	case map[string]any:
		return container[stringify(idx)], nil
	default:
		return nil, nil
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("index %q is not numeric", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("non-numeric index")
	}
}

func isNullish(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}

func (e *evalContext) evalBinary(b binaryNode) (any, error) {
	left, err := e.Eval(b.left)
	if err != nil {
		return nil, err
	}
	right, err := e.Eval(b.right)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case tokEq:
		return looseEqual(left, right), nil
	case tokNe:
		return !looseEqual(left, right), nil
	case tokLt, tokGt, tokLe, tokGe:
		ln, lok := toFloat(left)
		rn, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("comparison operator requires numeric operands")
		}
		switch b.op {
		case tokLt:
			return ln < rn, nil
		case tokGt:
			return ln > rn, nil
		case tokLe:
			return ln <= rn, nil
		default:
			return ln >= rn, nil
		}
	case tokPlus:
		_, lStr := left.(string)
		_, rStr := right.(string)
		if lStr || rStr {
			return stringify(left) + stringify(right), nil
		}
		ln, lok := toFloat(left)
		rn, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("'+' requires numeric or string operands")
		}
		return ln + rn, nil
	case tokMinus, tokStar, tokSlash:
		ln, lok := toFloat(left)
		rn, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("arithmetic operator requires numeric operands")
		}
		switch b.op {
		case tokMinus:
			return ln - rn, nil
		case tokStar:
			return ln * rn, nil
		default:
			if rn == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return ln / rn, nil
		}
	default:
		return nil, fmt.Errorf("unsupported binary operator")
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return strings.EqualFold(stringify(a), stringify(b))
}

func (e *evalContext) evalOQL(query string) (any, error) {
	if e.rest == nil {
		return nil, fmt.Errorf("oql: expressions require upstream access")
	}
	result, err := e.rest.ExecuteQuery(e.goCtx, e.workspaceID, strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 1 {
		row := result.Rows[0]
		if len(row) == 1 {
			for _, v := range row {
				return v, nil
			}
		}
		return row, nil
	}
	rows := make([]any, 0, len(result.Rows))
	for _, r := range result.Rows {
		rows = append(rows, r)
	}
	return rows, nil
}

func (e *evalContext) evalLookup(key string) (any, error) {
	if e.rest == nil {
		return nil, fmt.Errorf("lookup() requires upstream access")
	}
	item, err := e.rest.FindItemInWorkspaceByKey(e.goCtx, e.workspaceID, key)
	if err != nil {
		return nil, err
	}
	return toAnyMap(item), nil
}
