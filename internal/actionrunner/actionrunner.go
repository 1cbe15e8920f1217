// Package actionrunner executes the leaf Action nodes of a Rule's program
// tree: resolving their templated config against the current execution
// context, then calling the upstream adapter (or, for variable.set/log,
// mutating local state only).
package actionrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/apperror"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/security"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/template"
)

// ChainTrigger fires another rule by ID, as automation.trigger requests.
// Implemented by internal/executor, which alone holds the rule store and
// depth-bounding logic.
type ChainTrigger func(ctx context.Context, ruleID string, params map[string]any, parent *model.ExecutionContext) error

// Runner executes Action leaves bound to one workspace's upstream.
type Runner struct {
	rest        *restadapter.Adapter
	workspaceID string
	logger      *slog.Logger
	httpClient  *http.Client
	chain       ChainTrigger
}

func New(rest *restadapter.Adapter, workspaceID string, logger *slog.Logger, chain ChainTrigger) *Runner {
	return &Runner{
		rest:        rest,
		workspaceID: workspaceID,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		chain:       chain,
	}
}

// Run resolves action.Config's templates and executes the action, returning
// a JSON-able result recorded on the ComponentResult.
func (r *Runner) Run(ctx context.Context, action model.Action, execCtx *model.ExecutionContext) (any, error) {
	resolver := template.NewResolver(ctx, execCtx, r.rest, r.workspaceID)
	resolved, err := resolver.ResolveDeep(action.Config)
	if err != nil {
		return nil, apperror.NewTemplateEvaluation("resolving action config", err)
	}
	cfg, _ := resolved.(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
	}

	switch action.Type {
	case model.ActionItemCreate:
		return r.itemCreate(ctx, cfg)
	case model.ActionItemUpdate:
		return r.itemUpdate(ctx, cfg)
	case model.ActionItemDelete:
		return r.itemDelete(ctx, cfg)
	case model.ActionItemClone:
		return r.itemClone(ctx, cfg)
	case model.ActionItemTransition:
		return r.itemTransition(ctx, cfg)
	case model.ActionItemLookup:
		return r.itemLookup(ctx, cfg)
	case model.ActionAttributeSet:
		return r.attributeSet(ctx, cfg)
	case model.ActionReferenceAdd:
		return r.referenceAdd(ctx, cfg)
	case model.ActionReferenceRemove:
		return r.referenceRemove(ctx, cfg)
	case model.ActionCommentAdd:
		return r.commentAdd(ctx, cfg)
	case model.ActionItemImport:
		return r.itemImport(ctx, cfg)
	case model.ActionCatalogCreate:
		return r.catalogCreate(ctx, cfg)
	case model.ActionAttributeCreate:
		return r.attributeCreate(ctx, cfg)
	case model.ActionWorkspaceMemberAdd:
		return r.workspaceMemberAdd(ctx, cfg)
	case model.ActionOQLExecute:
		return r.oqlExecute(ctx, cfg)
	case model.ActionWebhookSend:
		return r.webhookSend(ctx, cfg)
	case model.ActionAutomationTrigger:
		return r.automationTrigger(ctx, cfg, execCtx)
	case model.ActionVariableSet:
		return r.variableSet(cfg, execCtx)
	case model.ActionLog:
		return r.log(cfg)
	case model.ActionRefetchData:
		return r.refetchData(ctx, cfg, execCtx)
	default:
		return nil, apperror.NewValidation(fmt.Sprintf("unknown action type %q", action.Type))
	}
}

func str(cfg map[string]any, key string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func strMap(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

func anySlice(cfg map[string]any, key string) []any {
	if v, ok := cfg[key]; ok {
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}

func (r *Runner) itemCreate(ctx context.Context, cfg map[string]any) (any, error) {
	catalogID := str(cfg, "catalogId")
	if catalogID == "" {
		return nil, apperror.NewValidation("item.create requires catalogId")
	}
	item, err := r.rest.CreateItem(ctx, catalogID, strMap(cfg, "attributes"))
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *Runner) itemUpdate(ctx context.Context, cfg map[string]any) (any, error) {
	itemID := str(cfg, "itemId")
	if itemID == "" {
		return nil, apperror.NewValidation("item.update requires itemId")
	}
	item, err := r.rest.UpdateItem(ctx, itemID, strMap(cfg, "attributes"))
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *Runner) itemDelete(ctx context.Context, cfg map[string]any) (any, error) {
	itemID := str(cfg, "itemId")
	if itemID == "" {
		return nil, apperror.NewValidation("item.delete requires itemId")
	}
	if err := r.rest.DeleteItem(ctx, itemID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": itemID}, nil
}

func (r *Runner) itemClone(ctx context.Context, cfg map[string]any) (any, error) {
	itemID := str(cfg, "itemId")
	if itemID == "" {
		return nil, apperror.NewValidation("item.clone requires itemId")
	}
	source, err := r.rest.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	attributes := make(map[string]any, len(source.AttributeValues))
	for k, v := range source.AttributeValues {
		attributes[k] = v
	}
	for k, v := range strMap(cfg, "overrides") {
		attributes[k] = v
	}
	return r.rest.CreateItem(ctx, source.CatalogID, attributes)
}

func (r *Runner) itemTransition(ctx context.Context, cfg map[string]any) (any, error) {
	itemID := str(cfg, "itemId")
	status := str(cfg, "status")
	if itemID == "" || status == "" {
		return nil, apperror.NewValidation("item.transition requires itemId and status")
	}
	catalogID := str(cfg, "catalogId")
	if catalogID == "" {
		item, err := r.rest.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		catalogID = item.CatalogID
	}
	attr, err := r.rest.FindStatusAttribute(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	field := "@status"
	if attr != nil {
		field = attr.Name
	}
	return r.rest.UpdateItem(ctx, itemID, map[string]any{field: status})
}

func (r *Runner) itemLookup(ctx context.Context, cfg map[string]any) (any, error) {
	if key := str(cfg, "key"); key != "" {
		if catalogID := str(cfg, "catalogId"); catalogID != "" {
			return r.rest.FindItemByKey(ctx, catalogID, key)
		}
		return r.rest.FindItemInWorkspaceByKey(ctx, r.workspaceID, key)
	}
	itemID := str(cfg, "itemId")
	if itemID == "" {
		return nil, apperror.NewValidation("item.lookup requires itemId or key")
	}
	return r.rest.GetItem(ctx, itemID)
}

func (r *Runner) attributeSet(ctx context.Context, cfg map[string]any) (any, error) {
	itemID := str(cfg, "itemId")
	name := str(cfg, "name")
	if itemID == "" || name == "" {
		return nil, apperror.NewValidation("attribute.set requires itemId and name")
	}
	return r.rest.UpdateItem(ctx, itemID, map[string]any{name: cfg["value"]})
}

func (r *Runner) referenceAdd(ctx context.Context, cfg map[string]any) (any, error) {
	from := str(cfg, "fromItemId")
	to := str(cfg, "toItemId")
	if from == "" || to == "" {
		return nil, apperror.NewValidation("reference.add requires fromItemId and toItemId")
	}
	return r.rest.CreateReference(ctx, from, to, str(cfg, "kind"), str(cfg, "label"))
}

func (r *Runner) referenceRemove(ctx context.Context, cfg map[string]any) (any, error) {
	itemID := str(cfg, "itemId")
	referenceID := str(cfg, "referenceId")
	if itemID == "" || referenceID == "" {
		return nil, apperror.NewValidation("reference.remove requires itemId and referenceId")
	}
	if err := r.rest.DeleteReference(ctx, itemID, referenceID); err != nil {
		return nil, err
	}
	return map[string]any{"removed": referenceID}, nil
}

func (r *Runner) commentAdd(ctx context.Context, cfg map[string]any) (any, error) {
	itemID := str(cfg, "itemId")
	body := str(cfg, "body")
	if itemID == "" || body == "" {
		return nil, apperror.NewValidation("comment.add requires itemId and body")
	}
	return r.rest.AddComment(ctx, itemID, body)
}

func (r *Runner) itemImport(ctx context.Context, cfg map[string]any) (any, error) {
	catalogID := str(cfg, "catalogId")
	if catalogID == "" {
		return nil, apperror.NewValidation("item.import requires catalogId")
	}
	var rows []map[string]any
	for _, row := range anySlice(cfg, "rows") {
		if m, ok := row.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return r.rest.ImportItems(ctx, catalogID, rows, str(cfg, "keyColumn"))
}

func (r *Runner) catalogCreate(ctx context.Context, cfg map[string]any) (any, error) {
	workspaceID := str(cfg, "workspaceId")
	if workspaceID == "" {
		workspaceID = r.workspaceID
	}
	name := str(cfg, "name")
	if name == "" {
		return nil, apperror.NewValidation("catalog.create requires name")
	}
	return r.rest.CreateCatalog(ctx, workspaceID, name, strMap(cfg, "options"))
}

func (r *Runner) attributeCreate(ctx context.Context, cfg map[string]any) (any, error) {
	catalogID := str(cfg, "catalogId")
	name := str(cfg, "name")
	attrType := str(cfg, "type")
	if catalogID == "" || name == "" || attrType == "" {
		return nil, apperror.NewValidation("attribute.create requires catalogId, name and type")
	}
	return r.rest.CreateAttribute(ctx, catalogID, name, attrType, strMap(cfg, "options"))
}

func (r *Runner) workspaceMemberAdd(ctx context.Context, cfg map[string]any) (any, error) {
	workspaceID := str(cfg, "workspaceId")
	if workspaceID == "" {
		workspaceID = r.workspaceID
	}
	userID := str(cfg, "userId")
	if userID == "" {
		return nil, apperror.NewValidation("workspace.member.add requires userId")
	}
	memberID, err := r.rest.AddWorkspaceMember(ctx, workspaceID, userID, str(cfg, "role"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"memberId": memberID}, nil
}

func (r *Runner) oqlExecute(ctx context.Context, cfg map[string]any) (any, error) {
	query := str(cfg, "query")
	if query == "" {
		return nil, apperror.NewValidation("oql.execute requires query")
	}
	return r.rest.ExecuteQuery(ctx, r.workspaceID, query)
}

func (r *Runner) webhookSend(ctx context.Context, cfg map[string]any) (any, error) {
	url := str(cfg, "url")
	if url == "" {
		return nil, apperror.NewValidation("webhook.send requires url")
	}
	method := str(cfg, "method")
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if payload, ok := cfg["body"]; ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, apperror.NewValidation("webhook.send body is not JSON-encodable: " + err.Error())
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, apperror.NewValidation("invalid webhook.send request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range strMap(cfg, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, apperror.NewUpstreamTransient("webhook.send request failed", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return map[string]any{
		"status": resp.StatusCode,
		"body":   security.ScrubOutput(string(respBody)),
	}, nil
}

func (r *Runner) automationTrigger(ctx context.Context, cfg map[string]any, execCtx *model.ExecutionContext) (any, error) {
	ruleID := str(cfg, "ruleId")
	if ruleID == "" {
		return nil, apperror.NewValidation("automation.trigger requires ruleId")
	}
	if r.chain == nil {
		return nil, apperror.NewProgramLogic("automation.trigger unsupported in this execution context")
	}
	if err := r.chain(ctx, ruleID, strMap(cfg, "parameters"), execCtx); err != nil {
		return nil, err
	}
	return map[string]any{"triggered": ruleID}, nil
}

func (r *Runner) variableSet(cfg map[string]any, execCtx *model.ExecutionContext) (any, error) {
	name := str(cfg, "name")
	if name == "" {
		return nil, apperror.NewValidation("variable.set requires name")
	}
	execCtx.Variables[name] = cfg["value"]
	return map[string]any{name: cfg["value"]}, nil
}

func (r *Runner) log(cfg map[string]any) (any, error) {
	message := str(cfg, "message")
	level := str(cfg, "level")
	switch level {
	case "warn":
		r.logger.Warn(message)
	case "error":
		r.logger.Error(message)
	case "debug":
		r.logger.Debug(message)
	default:
		r.logger.Info(message)
	}
	return map[string]any{"logged": message}, nil
}

func (r *Runner) refetchData(ctx context.Context, cfg map[string]any, execCtx *model.ExecutionContext) (any, error) {
	itemID := str(cfg, "itemId")
	if itemID == "" && execCtx.CurrentItem != nil {
		itemID = execCtx.CurrentItem.ID
	}
	if itemID == "" {
		return nil, apperror.NewValidation("refetch_data requires itemId or a current item")
	}
	item, err := r.rest.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	execCtx.CurrentItem = item
	return item, nil
}
