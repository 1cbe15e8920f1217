package executor

import (
	"context"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/actionrunner"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/conditioneval"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

// runComponents walks components in program order. A false condition or a
// failed action (without continueOnError) halts the remaining siblings at
// this level, recording them as skipped; branch and if/else components
// never halt siblings regardless of their own outcome.
func (e *Executor) runComponents(ctx context.Context, components []model.Component, execCtx *model.ExecutionContext, cond *conditioneval.Evaluator, actions *actionrunner.Runner) ([]model.ComponentResult, bool) {
	results := make([]model.ComponentResult, 0, len(components))
	halted := false

	for _, c := range components {
		if halted {
			results = append(results, model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusSkipped})
			continue
		}

		switch c.Type {
		case model.ComponentCondition:
			cr, pass := e.runCondition(ctx, c, execCtx, cond)
			results = append(results, cr)
			if !pass {
				halted = true
			}
		case model.ComponentAction:
			cr, ok := e.runAction(ctx, c, execCtx, actions)
			results = append(results, cr)
			execCtx.ComponentResults = append(execCtx.ComponentResults, cr)
			if !ok && !c.Action.ContinueOnError {
				halted = true
			}
		case model.ComponentBranch:
			results = append(results, e.runBranchComponent(ctx, c, execCtx, cond, actions))
		case model.ComponentIfElse:
			results = append(results, e.runIfElseComponent(ctx, c, execCtx, cond, actions))
		default:
			results = append(results, model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: "component has no populated branch for its type"})
			halted = true
		}
	}

	return results, halted
}

func (e *Executor) runCondition(ctx context.Context, c model.Component, execCtx *model.ExecutionContext, cond *conditioneval.Evaluator) (model.ComponentResult, bool) {
	if c.Condition == nil {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: "condition component missing its condition"}, false
	}
	pass, err := cond.Evaluate(ctx, *c.Condition, execCtx)
	if err != nil {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: err.Error()}, false
	}
	if !pass {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusSkipped}, false
	}
	return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusSuccess}, true
}

func (e *Executor) runAction(ctx context.Context, c model.Component, execCtx *model.ExecutionContext, actions *actionrunner.Runner) (model.ComponentResult, bool) {
	if c.Action == nil {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: "action component missing its action"}, false
	}
	start := time.Now()
	result, err := actions.Run(ctx, *c.Action, execCtx)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return model.ComponentResult{
			ComponentID: c.ID,
			Type:        c.Type,
			ActionType:  c.Action.Type,
			Status:      model.StatusFailed,
			Error:       err.Error(),
			DurationMs:  duration,
		}, false
	}
	if item, ok := result.(*model.Item); ok && item != nil {
		execCtx.AddCreatedItem(*item)
	}
	return model.ComponentResult{
		ComponentID: c.ID,
		Type:        c.Type,
		ActionType:  c.Action.Type,
		Status:      model.StatusSuccess,
		Result:      result,
		DurationMs:  duration,
	}, true
}

func (e *Executor) runIfElseComponent(ctx context.Context, c model.Component, execCtx *model.ExecutionContext, cond *conditioneval.Evaluator, actions *actionrunner.Runner) model.ComponentResult {
	if c.IfElse == nil {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: "if_else component missing its branches"}
	}
	pass, err := cond.Evaluate(ctx, c.IfElse.Conditions, execCtx)
	if err != nil {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: err.Error()}
	}

	branch := c.IfElse.Else
	if pass {
		branch = c.IfElse.Then
	}
	children, halted := e.runComponents(ctx, branch, execCtx, cond, actions)
	status := model.StatusSuccess
	if hasFailed(children) {
		status = model.StatusFailed
	}
	_ = halted
	return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: status, Children: children}
}
