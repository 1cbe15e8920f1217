// Package conditioneval evaluates a Rule's Condition tree (AND/OR/NOT over
// attribute/query/reference/template leaves) against the current execution
// context.
package conditioneval

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/template"
)

// Evaluator evaluates Condition trees against one workspace's upstream.
type Evaluator struct {
	rest        *restadapter.Adapter
	workspaceID string
}

func New(rest *restadapter.Adapter, workspaceID string) *Evaluator {
	return &Evaluator{rest: rest, workspaceID: workspaceID}
}

// Evaluate reports whether cond holds for execCtx's current item/trigger.
func (e *Evaluator) Evaluate(ctx context.Context, cond model.Condition, execCtx *model.ExecutionContext) (bool, error) {
	if cond.IsInner() {
		return e.evalInner(ctx, cond, execCtx)
	}
	switch cond.Kind {
	case model.ConditionLeafAttribute:
		return e.evalAttribute(cond, execCtx)
	case model.ConditionLeafQuery:
		return e.evalQuery(ctx, cond)
	case model.ConditionLeafReference:
		return e.evalReference(ctx, cond, execCtx)
	case model.ConditionLeafTemplate:
		return e.evalTemplate(ctx, cond, execCtx)
	default:
		return false, fmt.Errorf("condition leaf has no recognized kind")
	}
}

func (e *Evaluator) evalInner(ctx context.Context, cond model.Condition, execCtx *model.ExecutionContext) (bool, error) {
	switch cond.Operator {
	case model.ConditionNot:
		if len(cond.Children) != 1 {
			return false, fmt.Errorf("NOT condition requires exactly one child")
		}
		result, err := e.Evaluate(ctx, cond.Children[0], execCtx)
		if err != nil {
			return false, err
		}
		return !result, nil
	case model.ConditionAnd:
		for _, child := range cond.Children {
			result, err := e.Evaluate(ctx, child, execCtx)
			if err != nil {
				return false, err
			}
			if !result {
				return false, nil
			}
		}
		return true, nil
	case model.ConditionOr:
		for _, child := range cond.Children {
			result, err := e.Evaluate(ctx, child, execCtx)
			if err != nil {
				return false, err
			}
			if result {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", cond.Operator)
	}
}

func currentItemValue(execCtx *model.ExecutionContext, field string) any {
	item := execCtx.CurrentItem
	if item == nil {
		return nil
	}
	switch field {
	case "id":
		return item.ID
	case "key":
		return item.Key
	case "catalogId":
		return item.CatalogID
	case "createdBy":
		return item.CreatedBy
	case "updatedBy":
		return item.UpdatedBy
	}
	if item.AttributeValues == nil {
		return nil
	}
	return item.AttributeValues[field]
}

func (e *Evaluator) evalAttribute(cond model.Condition, execCtx *model.ExecutionContext) (bool, error) {
	current := currentItemValue(execCtx, cond.Field)

	switch cond.AttributeOp {
	case model.OpEquals:
		return looseEqual(current, cond.Value), nil
	case model.OpNotEquals:
		return !looseEqual(current, cond.Value), nil
	case model.OpContains:
		return strings.Contains(strings.ToLower(toStr(current)), strings.ToLower(toStr(cond.Value))), nil
	case model.OpNotContains:
		return !strings.Contains(strings.ToLower(toStr(current)), strings.ToLower(toStr(cond.Value))), nil
	case model.OpStartsWith:
		return strings.HasPrefix(strings.ToLower(toStr(current)), strings.ToLower(toStr(cond.Value))), nil
	case model.OpEndsWith:
		return strings.HasSuffix(strings.ToLower(toStr(current)), strings.ToLower(toStr(cond.Value))), nil
	case model.OpGreaterThan, model.OpLessThan, model.OpGreaterThanOrEqual, model.OpLessThanOrEqual:
		cf, cok := toFloat(current)
		vf, vok := toFloat(cond.Value)
		if !cok || !vok {
			return false, fmt.Errorf("operator %q requires numeric operands", cond.AttributeOp)
		}
		switch cond.AttributeOp {
		case model.OpGreaterThan:
			return cf > vf, nil
		case model.OpLessThan:
			return cf < vf, nil
		case model.OpGreaterThanOrEqual:
			return cf >= vf, nil
		default:
			return cf <= vf, nil
		}
	case model.OpIn, model.OpNotIn:
		list, _ := cond.Value.([]any)
		found := false
		for _, item := range list {
			if looseEqual(current, item) {
				found = true
				break
			}
		}
		if cond.AttributeOp == model.OpIn {
			return found, nil
		}
		return !found, nil
	case model.OpIsNull:
		return current == nil || current == "", nil
	case model.OpIsNotNull:
		return current != nil && current != "", nil
	case model.OpChangedTo:
		if execCtx.Trigger.PreviousValues == nil {
			return false, nil
		}
		previous, had := execCtx.Trigger.PreviousValues[cond.Field]
		if !had || looseEqual(previous, current) {
			return false, nil
		}
		return looseEqual(current, cond.Value), nil
	case model.OpChangedFrom:
		if execCtx.Trigger.PreviousValues == nil {
			return false, nil
		}
		previous, had := execCtx.Trigger.PreviousValues[cond.Field]
		if !had {
			return false, nil
		}
		return looseEqual(previous, cond.Value), nil
	case model.OpMatchesRegex:
		re, err := regexp.Compile(toStr(cond.Value))
		if err != nil {
			return false, fmt.Errorf("invalid regex in condition: %w", err)
		}
		return re.MatchString(toStr(current)), nil
	default:
		return false, fmt.Errorf("unknown attribute operator %q", cond.AttributeOp)
	}
}

func (e *Evaluator) evalQuery(ctx context.Context, cond model.Condition) (bool, error) {
	if e.rest == nil {
		return false, fmt.Errorf("query condition requires upstream access")
	}
	result, err := e.rest.ExecuteQuery(ctx, e.workspaceID, cond.Query)
	if err != nil {
		return false, err
	}
	if cond.ExpectCount != nil {
		return result.TotalCount == *cond.ExpectCount, nil
	}
	return result.TotalCount > 0, nil
}

func (e *Evaluator) evalReference(ctx context.Context, cond model.Condition, execCtx *model.ExecutionContext) (bool, error) {
	if e.rest == nil {
		return false, fmt.Errorf("reference condition requires upstream access")
	}
	if execCtx.CurrentItem == nil {
		return false, fmt.Errorf("reference condition requires a current item")
	}
	direction := restadapter.DirectionOutbound
	if cond.Direction == string(restadapter.DirectionInbound) {
		direction = restadapter.DirectionInbound
	}
	refs, err := e.rest.ListReferences(ctx, execCtx.CurrentItem.ID, direction, cond.ReferenceKind)
	if err != nil {
		return false, err
	}
	exists := len(refs) > 0
	return exists == cond.Exists, nil
}

func (e *Evaluator) evalTemplate(ctx context.Context, cond model.Condition, execCtx *model.ExecutionContext) (bool, error) {
	resolver := template.NewResolver(ctx, execCtx, e.rest, e.workspaceID)
	return resolver.EvalTruthy(cond.Template)
}

func toStr(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
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

// looseEqual matches the "loose equality" design note: numeric comparison
// when both sides coerce to a number, case-insensitive string comparison
// otherwise.
func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return strings.EqualFold(toStr(a), toStr(b))
}
