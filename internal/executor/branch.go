package executor

import (
	"context"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/actionrunner"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/conditioneval"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
)

// runBranchComponent iterates the items drawn from c.Branch.Kind's source,
// running c.Branch.Components once per item against a derived child
// context. Variables are shared with the parent (by reference, via
// ExecutionContext.Child); created items flow back up via MergeCreatedItems.
func (e *Executor) runBranchComponent(ctx context.Context, c model.Component, execCtx *model.ExecutionContext, cond *conditioneval.Evaluator, actions *actionrunner.Runner) model.ComponentResult {
	if c.Branch == nil {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: "branch component missing its branch"}
	}

	items, err := e.branchItems(ctx, *c.Branch, execCtx)
	if err != nil {
		return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: model.StatusFailed, Error: err.Error()}
	}

	var children []model.ComponentResult
	for _, item := range items {
		childCtx := execCtx.Child(item)
		iterResults, _ := e.runComponents(ctx, c.Branch.Components, childCtx, cond, actions)
		children = append(children, iterResults...)
		execCtx.MergeCreatedItems(childCtx.CreatedItems)
	}

	status := model.StatusSuccess
	if hasFailed(children) {
		status = model.StatusFailed
	}
	return model.ComponentResult{ComponentID: c.ID, Type: c.Type, Status: status, Children: children}
}

// branchItems resolves the concrete []model.Item a Branch iterates over.
func (e *Executor) branchItems(ctx context.Context, branch model.Branch, execCtx *model.ExecutionContext) ([]model.Item, error) {
	switch branch.Kind {
	case model.BranchRelatedItems:
		return e.relatedItems(ctx, branch, execCtx)
	case model.BranchCreatedItems:
		return execCtx.CreatedItems, nil
	case model.BranchLookupItems:
		return e.lookupItems(ctx, branch, execCtx)
	default:
		return nil, nil
	}
}

func (e *Executor) relatedItems(ctx context.Context, branch model.Branch, execCtx *model.ExecutionContext) ([]model.Item, error) {
	if execCtx.CurrentItem == nil {
		return nil, nil
	}
	direction := restadapter.DirectionOutbound
	if branch.Direction == string(restadapter.DirectionInbound) {
		direction = restadapter.DirectionInbound
	}
	refs, err := e.rest.ListReferences(ctx, execCtx.CurrentItem.ID, direction, branch.ReferenceKind)
	if err != nil {
		return nil, err
	}

	var items []model.Item
	for _, ref := range refs {
		targetID := ref.ToItemID
		if direction == restadapter.DirectionInbound {
			targetID = ref.FromItemID
		}
		item, err := e.rest.GetItem(ctx, targetID)
		if err != nil {
			e.logger.Warn("fetching related item for branch", "itemId", targetID, "error", err)
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func (e *Executor) lookupItems(ctx context.Context, branch model.Branch, execCtx *model.ExecutionContext) ([]model.Item, error) {
	if branch.OQLQuery == "" {
		return nil, nil
	}
	result, err := e.rest.ExecuteQuery(ctx, execCtx.WorkspaceID, branch.OQLQuery)
	if err != nil {
		return nil, err
	}

	var items []model.Item
	for _, row := range result.Rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		item, err := e.rest.GetItem(ctx, id)
		if err != nil {
			e.logger.Warn("fetching lookup item for branch", "itemId", id, "error", err)
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}
