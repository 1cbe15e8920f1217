// Package mcpapi exposes the rule engine's CRUD and execution surface as
// named tools over the Model Context Protocol, for agent-driven authoring
// and operation of automations. Grounded on the teacher's
// internal/mcp/server.go, which wraps the same github.com/modelcontextprotocol/
// go-sdk server around its semantic-memory store; this repoints the same
// mcp.AddTool pattern at automations/executions instead.
package mcpapi

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/config"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/executor"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/store"
)

// Server wraps the MCP server with automation-authoring tools.
type Server struct {
	store  *store.Store
	exec   *executor.Executor
	server *mcp.Server
}

// NewServer builds an MCP server bound to st and exec.
func NewServer(st *store.Store, exec *executor.Executor) *Server {
	s := &Server{store: st, exec: exec}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "automation-engine",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_automations",
		Description: "List all persisted automations (rules), with their enabled state and trigger kind.",
	}, s.handleListAutomations)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_automation",
		Description: "Fetch one automation's full definition by id, including its trigger and component tree.",
	}, s.handleGetAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_automation",
		Description: "Create a new automation from a trigger definition and a component tree.",
	}, s.handleCreateAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_automation",
		Description: "Replace an existing automation's trigger and/or component tree.",
	}, s.handleUpdateAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_automation",
		Description: "Permanently delete an automation.",
	}, s.handleDeleteAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_automation",
		Description: "Manually run an automation now, with optional parameters, and persist the resulting execution record.",
	}, s.handleExecuteAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "test_automation",
		Description: "Dry-run an automation against a caller-supplied trigger event without persisting an execution record.",
	}, s.handleTestAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "enable_automation",
		Description: "Set an automation's stored enabled flag to true. This server runs no trigger manager, so no trigger watcher is installed here.",
	}, s.handleEnableAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "disable_automation",
		Description: "Set an automation's stored enabled flag to false. This server runs no trigger manager, so no trigger watcher is stopped here.",
	}, s.handleDisableAutomation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "describe_schema",
		Description: "Describe the action, condition, and trigger type registries an automation's component tree and trigger can use.",
	}, s.handleDescribeSchema)

	s.server = server
	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

type idInput struct {
	ID string `json:"id" jsonschema:"The automation's id"`
}

type listAutomationsOutput struct {
	Automations []*model.Rule `json:"automations"`
}

func (s *Server) handleListAutomations(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, listAutomationsOutput, error) {
	rules, err := s.store.ListRules()
	if err != nil {
		return nil, listAutomationsOutput{}, fmt.Errorf("listing automations: %w", err)
	}
	return nil, listAutomationsOutput{Automations: rules}, nil
}

func (s *Server) handleGetAutomation(ctx context.Context, req *mcp.CallToolRequest, input idInput) (*mcp.CallToolResult, *model.Rule, error) {
	rule, err := s.store.GetRule(input.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching automation: %w", err)
	}
	if rule == nil {
		return nil, nil, fmt.Errorf("automation %q not found", input.ID)
	}
	return nil, rule, nil
}

type createAutomationInput struct {
	Name        string           `json:"name" jsonschema:"Human-readable automation name"`
	Description string           `json:"description,omitempty" jsonschema:"Optional description"`
	WorkspaceID string           `json:"workspaceId" jsonschema:"Workspace the automation belongs to"`
	Enabled     bool             `json:"enabled" jsonschema:"Whether the automation is stored as enabled; this server installs no trigger watcher"`
	Trigger     map[string]any   `json:"trigger" jsonschema:"Trigger definition, e.g. {kind: item.created, catalogId: ...}"`
	Components  []map[string]any `json:"components" jsonschema:"The automation's component tree (conditions/actions/branches/if_else)"`
}

func (s *Server) handleCreateAutomation(ctx context.Context, req *mcp.CallToolRequest, input createAutomationInput) (*mcp.CallToolResult, *model.Rule, error) {
	doc := config.RuleDocument{
		Name:        input.Name,
		Description: input.Description,
		WorkspaceID: input.WorkspaceID,
		Enabled:     input.Enabled,
		Trigger:     input.Trigger,
		Components:  input.Components,
	}
	rule, err := doc.ToModel()
	if err != nil {
		return nil, nil, fmt.Errorf("building automation: %w", err)
	}
	if err := s.store.PutRule(rule); err != nil {
		return nil, nil, fmt.Errorf("saving automation: %w", err)
	}
	return nil, rule, nil
}

type updateAutomationInput struct {
	ID          string           `json:"id" jsonschema:"The automation's id"`
	Name        string           `json:"name" jsonschema:"Human-readable automation name"`
	Description string           `json:"description,omitempty" jsonschema:"Optional description"`
	Trigger     map[string]any   `json:"trigger" jsonschema:"Trigger definition"`
	Components  []map[string]any `json:"components" jsonschema:"The automation's component tree"`
}

func (s *Server) handleUpdateAutomation(ctx context.Context, req *mcp.CallToolRequest, input updateAutomationInput) (*mcp.CallToolResult, *model.Rule, error) {
	existing, err := s.store.GetRule(input.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching automation: %w", err)
	}
	if existing == nil {
		return nil, nil, fmt.Errorf("automation %q not found", input.ID)
	}

	doc := config.RuleDocument{
		ID:          input.ID,
		Name:        input.Name,
		Description: input.Description,
		WorkspaceID: existing.WorkspaceID,
		Enabled:     existing.Enabled,
		Trigger:     input.Trigger,
		Components:  input.Components,
	}
	rule, err := doc.ToModel()
	if err != nil {
		return nil, nil, fmt.Errorf("building automation: %w", err)
	}
	rule.CreatedAt = existing.CreatedAt
	if err := s.store.PutRule(rule); err != nil {
		return nil, nil, fmt.Errorf("saving automation: %w", err)
	}
	return nil, rule, nil
}

type deleteAutomationOutput struct {
	Message string `json:"message"`
}

func (s *Server) handleDeleteAutomation(ctx context.Context, req *mcp.CallToolRequest, input idInput) (*mcp.CallToolResult, deleteAutomationOutput, error) {
	if err := s.store.DeleteRule(input.ID); err != nil {
		return nil, deleteAutomationOutput{}, fmt.Errorf("deleting automation: %w", err)
	}
	return nil, deleteAutomationOutput{Message: fmt.Sprintf("deleted automation %s", input.ID)}, nil
}

type executeAutomationInput struct {
	ID         string         `json:"id" jsonschema:"The automation's id"`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"Manual trigger parameters"`
}

func (s *Server) handleExecuteAutomation(ctx context.Context, req *mcp.CallToolRequest, input executeAutomationInput) (*mcp.CallToolResult, *model.Execution, error) {
	exec, err := s.exec.TriggerManually(ctx, input.ID, input.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("executing automation: %w", err)
	}
	return nil, exec, nil
}

type testAutomationInput struct {
	ID    string             `json:"id" jsonschema:"The automation's id"`
	Event model.TriggerEvent `json:"event" jsonschema:"The trigger event to evaluate the automation against"`
}

func (s *Server) handleTestAutomation(ctx context.Context, req *mcp.CallToolRequest, input testAutomationInput) (*mcp.CallToolResult, *model.Execution, error) {
	exec, err := s.exec.Test(ctx, input.ID, input.Event)
	if err != nil {
		return nil, nil, fmt.Errorf("testing automation: %w", err)
	}
	return nil, exec, nil
}

func (s *Server) handleEnableAutomation(ctx context.Context, req *mcp.CallToolRequest, input idInput) (*mcp.CallToolResult, *model.Rule, error) {
	return s.setEnabled(ctx, input.ID, true)
}

func (s *Server) handleDisableAutomation(ctx context.Context, req *mcp.CallToolRequest, input idInput) (*mcp.CallToolResult, *model.Rule, error) {
	return s.setEnabled(ctx, input.ID, false)
}

func (s *Server) setEnabled(ctx context.Context, id string, enabled bool) (*mcp.CallToolResult, *model.Rule, error) {
	rule, err := s.store.GetRule(id)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching automation: %w", err)
	}
	if rule == nil {
		return nil, nil, fmt.Errorf("automation %q not found", id)
	}
	rule.Enabled = enabled
	if err := s.store.PutRule(rule); err != nil {
		return nil, nil, fmt.Errorf("saving automation: %w", err)
	}
	return nil, rule, nil
}

type describeSchemaOutput struct {
	ActionTypes    []string `json:"actionTypes"`
	ConditionTypes []string `json:"conditionTypes"`
	TriggerKinds   []string `json:"triggerKinds"`
}

func (s *Server) handleDescribeSchema(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, describeSchemaOutput, error) {
	return nil, describeSchemaOutput{
		ActionTypes: []string{
			string(model.ActionItemCreate), string(model.ActionItemUpdate), string(model.ActionItemDelete),
			string(model.ActionItemClone), string(model.ActionItemTransition), string(model.ActionItemLookup),
			string(model.ActionAttributeSet), string(model.ActionReferenceAdd), string(model.ActionReferenceRemove),
			string(model.ActionCommentAdd), string(model.ActionItemImport), string(model.ActionCatalogCreate),
			string(model.ActionAttributeCreate), string(model.ActionWorkspaceMemberAdd), string(model.ActionOQLExecute),
			string(model.ActionWebhookSend), string(model.ActionAutomationTrigger), string(model.ActionVariableSet),
			string(model.ActionLog), string(model.ActionRefetchData),
		},
		ConditionTypes: []string{
			string(model.ConditionAnd), string(model.ConditionOr), string(model.ConditionNot),
			string(model.ConditionLeafAttribute), string(model.ConditionLeafQuery), string(model.ConditionLeafReference),
			string(model.ConditionLeafTemplate),
		},
		TriggerKinds: []string{
			string(model.TriggerItemCreated), string(model.TriggerItemUpdated), string(model.TriggerItemDeleted),
			string(model.TriggerAttributeChanged), string(model.TriggerStatusChanged), string(model.TriggerReferenceAdded),
			string(model.TriggerItemLinked), string(model.TriggerItemUnlinked), string(model.TriggerItemCommented),
			string(model.TriggerOQLMatch), string(model.TriggerSchedule), string(model.TriggerManual),
			string(model.TriggerWebhookReceived),
		},
	}, nil
}
