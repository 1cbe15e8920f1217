// Package model holds the persisted and in-flight data shapes shared by
// every other package: rules, their component trees, trigger events, and
// the execution records produced by running them.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TriggerKind enumerates every trigger a Rule can declare.
type TriggerKind string

const (
	TriggerItemCreated       TriggerKind = "item.created"
	TriggerItemUpdated       TriggerKind = "item.updated"
	TriggerItemDeleted       TriggerKind = "item.deleted"
	TriggerAttributeChanged  TriggerKind = "attribute.changed"
	TriggerStatusChanged     TriggerKind = "status.changed"
	TriggerReferenceAdded    TriggerKind = "reference.added"
	TriggerItemLinked        TriggerKind = "item.linked"
	TriggerItemUnlinked      TriggerKind = "item.unlinked"
	TriggerItemCommented     TriggerKind = "item.commented"
	TriggerOQLMatch          TriggerKind = "oql.match"
	TriggerSchedule          TriggerKind = "schedule"
	TriggerManual            TriggerKind = "manual"
	TriggerWebhookReceived   TriggerKind = "webhook.received"
)

// OQLMatchPolicy controls when an oql.match trigger fires relative to its
// previous observation.
type OQLMatchPolicy string

const (
	OQLAnyResults   OQLMatchPolicy = "any_results"
	OQLNewResults   OQLMatchPolicy = "new_results"
	OQLCountChange  OQLMatchPolicy = "count_change"
)

// Trigger is the tagged-union trigger declaration persisted on a Rule.
// Only the fields relevant to Kind are populated; the rest are zero.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// item.created / item.updated / item.deleted / attribute.changed /
	// status.changed / reference.added / item.linked / item.unlinked /
	// item.commented / oql.match
	CatalogID string `json:"catalogId,omitempty"`

	// attribute.changed
	AttributeName string `json:"attributeName,omitempty"`

	// status.changed
	FromStatus string `json:"fromStatus,omitempty"`
	ToStatus   string `json:"toStatus,omitempty"`

	// reference.added / item.linked / item.unlinked
	ReferenceKind string `json:"referenceKind,omitempty"`

	// oql.match
	Query     string         `json:"query,omitempty"`
	TriggerOn OQLMatchPolicy `json:"triggerOn,omitempty"`

	// schedule
	CronExpression string `json:"cronExpression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`

	// webhook.received
	WebhookSubscriptionID string `json:"webhookSubscriptionId,omitempty"`
}

// ComponentType tags the payload populated on a Component.
type ComponentType string

const (
	ComponentAction    ComponentType = "action"
	ComponentCondition ComponentType = "condition"
	ComponentBranch    ComponentType = "branch"
	ComponentIfElse    ComponentType = "if_else"
)

// Component is one node of a Rule's program tree. Exactly one of Action,
// Condition, Branch, IfElse is populated, selected by Type.
type Component struct {
	ID   string        `json:"id"`
	Type ComponentType `json:"type"`

	Action    *Action    `json:"action,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	Branch    *Branch    `json:"branch,omitempty"`
	IfElse    *IfElse    `json:"ifElse,omitempty"`
}

// ActionType enumerates the closed set of action kinds the ActionRunner
// understands.
type ActionType string

const (
	ActionItemCreate           ActionType = "item.create"
	ActionItemUpdate           ActionType = "item.update"
	ActionItemDelete           ActionType = "item.delete"
	ActionItemClone            ActionType = "item.clone"
	ActionItemTransition       ActionType = "item.transition"
	ActionItemLookup           ActionType = "item.lookup"
	ActionAttributeSet         ActionType = "attribute.set"
	ActionReferenceAdd         ActionType = "reference.add"
	ActionReferenceRemove      ActionType = "reference.remove"
	ActionCommentAdd           ActionType = "comment.add"
	ActionItemImport           ActionType = "item.import"
	ActionCatalogCreate        ActionType = "catalog.create"
	ActionAttributeCreate      ActionType = "attribute.create"
	ActionWorkspaceMemberAdd   ActionType = "workspace.member.add"
	ActionOQLExecute           ActionType = "oql.execute"
	ActionWebhookSend          ActionType = "webhook.send"
	ActionAutomationTrigger    ActionType = "automation.trigger"
	ActionVariableSet          ActionType = "variable.set"
	ActionLog                  ActionType = "log"
	ActionRefetchData          ActionType = "refetch_data"
)

// Action is one leaf of the program tree: a type tag and a type-specific
// config blob, interpreted by internal/actionrunner.
type Action struct {
	Type            ActionType     `json:"type"`
	Name            string         `json:"name,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// ConditionOperator enumerates AND/OR/NOT for inner condition nodes.
type ConditionOperator string

const (
	ConditionAnd ConditionOperator = "AND"
	ConditionOr  ConditionOperator = "OR"
	ConditionNot ConditionOperator = "NOT"
)

// ConditionLeafKind enumerates the leaf condition shapes.
type ConditionLeafKind string

const (
	ConditionLeafAttribute ConditionLeafKind = "attribute"
	ConditionLeafQuery     ConditionLeafKind = "query"
	ConditionLeafReference ConditionLeafKind = "reference"
	ConditionLeafTemplate  ConditionLeafKind = "template"
)

// AttributeOperator enumerates the comparison operators an attribute leaf
// condition may use.
type AttributeOperator string

const (
	OpEquals             AttributeOperator = "equals"
	OpNotEquals          AttributeOperator = "not_equals"
	OpContains           AttributeOperator = "contains"
	OpNotContains        AttributeOperator = "not_contains"
	OpStartsWith         AttributeOperator = "starts_with"
	OpEndsWith           AttributeOperator = "ends_with"
	OpGreaterThan        AttributeOperator = "greater_than"
	OpLessThan           AttributeOperator = "less_than"
	OpGreaterThanOrEqual AttributeOperator = "greater_than_or_equal"
	OpLessThanOrEqual    AttributeOperator = "less_than_or_equal"
	OpIn                 AttributeOperator = "in"
	OpNotIn              AttributeOperator = "not_in"
	OpIsNull             AttributeOperator = "is_null"
	OpIsNotNull          AttributeOperator = "is_not_null"
	OpChangedTo          AttributeOperator = "changed_to"
	OpChangedFrom        AttributeOperator = "changed_from"
	OpMatchesRegex       AttributeOperator = "matches_regex"
)

// Condition is either a leaf (Kind populated, Operator/Field/etc. relevant
// to that leaf kind) or an inner node (Operator is AND/OR/NOT, Children
// populated).
type Condition struct {
	// Inner node
	Operator ConditionOperator `json:"operator,omitempty"`
	Children []Condition       `json:"children,omitempty"`

	// Leaf
	Kind ConditionLeafKind `json:"kind,omitempty"`

	// attribute leaf
	Field           string            `json:"field,omitempty"`
	AttributeOp     AttributeOperator `json:"attributeOp,omitempty"`
	Value           any               `json:"value,omitempty"`
	From            any               `json:"from,omitempty"`
	To              any               `json:"to,omitempty"`

	// query leaf
	Query       string `json:"query,omitempty"`
	ExpectCount *int   `json:"expectCount,omitempty"`

	// reference leaf
	ReferenceKind string `json:"referenceKind,omitempty"`
	Direction     string `json:"direction,omitempty"`
	Exists        bool   `json:"exists,omitempty"`

	// template leaf
	Template string `json:"template,omitempty"`
}

// IsInner reports whether c is an AND/OR/NOT node rather than a leaf.
func (c Condition) IsInner() bool {
	return c.Operator == ConditionAnd || c.Operator == ConditionOr || c.Operator == ConditionNot
}

// BranchKind enumerates the three iteration sources a Branch component can
// draw from.
type BranchKind string

const (
	BranchRelatedItems BranchKind = "related_items"
	BranchCreatedItems BranchKind = "created_items"
	BranchLookupItems  BranchKind = "lookup_items"
)

// Branch iterates its Components once per item drawn from Kind's source.
type Branch struct {
	Kind BranchKind `json:"kind"`

	// related_items
	Direction     string `json:"direction,omitempty"` // "outbound" | "inbound"
	ReferenceKind string `json:"referenceKind,omitempty"`
	CatalogID     string `json:"catalogId,omitempty"`

	// lookup_items
	OQLQuery string `json:"oqlQuery,omitempty"`

	Components []Component `json:"components"`
}

// IfElse evaluates Conditions and runs Then or Else.
type IfElse struct {
	Conditions Condition   `json:"conditions"`
	Then       []Component `json:"then"`
	Else       []Component `json:"else"`
}

// Rule is the persisted automation program.
type Rule struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	WorkspaceID    string      `json:"workspaceId"`
	WorkspaceKey   string      `json:"workspaceKey,omitempty"`
	Enabled        bool        `json:"enabled"`
	Trigger        Trigger     `json:"trigger"`
	Components     []Component `json:"components"`
	ExecutionOrder int         `json:"executionOrder"`
	CreatedBy      string      `json:"createdBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// NewRuleID mints a fresh identifier for a new Rule.
func NewRuleID() string { return uuid.NewString() }

// Item is the upstream record shape, normalized enough for template and
// condition evaluation to navigate.
type Item struct {
	ID              string         `json:"id"`
	Key             string         `json:"key,omitempty"`
	CatalogID       string         `json:"catalogId,omitempty"`
	AttributeValues map[string]any `json:"attributeValues,omitempty"`
	CreatedBy       string         `json:"createdBy,omitempty"`
	UpdatedBy       string         `json:"updatedBy,omitempty"`
	CreatedAt       time.Time      `json:"createdAt,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt,omitempty"`
}

// TriggerEvent is the runtime value the TriggerManager hands to the
// executor for every firing.
type TriggerEvent struct {
	Type             TriggerKind       `json:"type"`
	Item             *Item             `json:"item,omitempty"`
	PreviousValues   map[string]any    `json:"previousValues,omitempty"`
	OQLResults       *QueryResult      `json:"oqlResults,omitempty"`
	WebhookPayload   map[string]any    `json:"webhookPayload,omitempty"`
	ManualParameters map[string]any    `json:"manualParameters,omitempty"`
	ScheduleTime     *time.Time        `json:"scheduleTime,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// QueryResult is a tabular OQL response.
type QueryResult struct {
	TotalCount      int              `json:"totalCount"`
	ExecutionTimeMs int64            `json:"executionTimeMs,omitempty"`
	Rows            []map[string]any `json:"rows"`
}

// ComponentStatus is the outcome of evaluating or running one Component.
type ComponentStatus string

const (
	StatusSuccess ComponentStatus = "success"
	StatusFailed  ComponentStatus = "failed"
	StatusSkipped ComponentStatus = "skipped"
)

// ComponentResult mirrors the program tree: one node per executed (or
// skipped) Component.
type ComponentResult struct {
	ComponentID string            `json:"componentId"`
	Type        ComponentType     `json:"type"`
	ActionType  ActionType        `json:"actionType,omitempty"`
	Status      ComponentStatus   `json:"status"`
	Result      any               `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"durationMs"`
	Children    []ComponentResult `json:"children,omitempty"`
}

// ExecutionStatus is the lifecycle state of a persisted Execution.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
	ExecutionSkipped ExecutionStatus = "SKIPPED"
)

// Execution is the persisted record of one rule invocation.
type Execution struct {
	ID               string            `json:"id"`
	RuleID           string            `json:"ruleId"`
	Status           ExecutionStatus   `json:"status"`
	TriggerEvent     TriggerEvent      `json:"triggerEvent"`
	ComponentResults []ComponentResult `json:"componentResults"`
	Error            string            `json:"error,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	DurationMs       int64             `json:"durationMs,omitempty"`
}

// NewExecutionID mints a fresh identifier for a new Execution.
func NewExecutionID() string { return uuid.NewString() }

// TriggerState is the per-rule bookmark persisted across restarts.
type TriggerState struct {
	RuleID        string         `json:"ruleId"`
	LastCheckedAt time.Time      `json:"lastCheckedAt"`
	LastSeenData  map[string]any `json:"lastSeenData"`
	Checksum      string         `json:"checksum,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Fingerprints returns the fingerprint-keyed portion of LastSeenData as a
// set, ignoring any trigger-specific scalar memory (e.g. oqlCount) also
// stored there.
func (s *TriggerState) Fingerprints() map[string]bool {
	out := make(map[string]bool)
	for k, v := range s.LastSeenData {
		if b, ok := v.(bool); ok && b {
			out[k] = true
		}
	}
	return out
}

// MarkSeen records fingerprint as observed.
func (s *TriggerState) MarkSeen(fingerprint string) {
	if s.LastSeenData == nil {
		s.LastSeenData = make(map[string]any)
	}
	s.LastSeenData[fingerprint] = true
}

// Seen reports whether fingerprint has already been recorded.
func (s *TriggerState) Seen(fingerprint string) bool {
	if s.LastSeenData == nil {
		return false
	}
	v, ok := s.LastSeenData[fingerprint]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// WebhookSubscription is a persisted inbound webhook route.
type WebhookSubscription struct {
	ID        string         `json:"id"`
	URL       string         `json:"url,omitempty"`
	Events    []string       `json:"events,omitempty"`
	Secret    string         `json:"secret"`
	Active    bool           `json:"active"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ExecutionContext is the mutable per-run state threaded through the
// executor, condition evaluator, action runner, and template resolver.
type ExecutionContext struct {
	RuleID      string
	RuleName    string
	WorkspaceID string
	Trigger     TriggerEvent

	ComponentResults []ComponentResult
	Variables        map[string]any
	CreatedItems     []Item
	CurrentItem      *Item

	StartedAt time.Time

	// ChainDepth counts automation.trigger hops; bounded to guard against
	// cyclic chains (see Condition §9 open question on chain depth).
	ChainDepth int
}

// NewExecutionContext builds the root context for a fresh run.
func NewExecutionContext(ruleID, ruleName, workspaceID string, trigger TriggerEvent) *ExecutionContext {
	ctx := &ExecutionContext{
		RuleID:      ruleID,
		RuleName:    ruleName,
		WorkspaceID: workspaceID,
		Trigger:     trigger,
		Variables:   make(map[string]any),
		StartedAt:   time.Now(),
	}
	ctx.CurrentItem = trigger.Item
	return ctx
}

// Child derives a branch-iteration context: same Variables map (shared by
// reference, intentionally — see package executor), fresh CurrentItem and
// ComponentResults.
func (c *ExecutionContext) Child(item Item) *ExecutionContext {
	child := *c
	child.CurrentItem = &item
	child.ComponentResults = nil
	return &child
}

// AddCreatedItem appends item to CreatedItems if its ID is not already
// present.
func (c *ExecutionContext) AddCreatedItem(item Item) {
	for _, existing := range c.CreatedItems {
		if existing.ID == item.ID {
			return
		}
	}
	c.CreatedItems = append(c.CreatedItems, item)
}

// MergeCreatedItems folds items created inside a branch iteration back
// into the parent context, deduplicating by id.
func (c *ExecutionContext) MergeCreatedItems(items []Item) {
	for _, it := range items {
		c.AddCreatedItem(it)
	}
}

// MarshalComponents is a convenience for persisting a Rule's program tree.
func MarshalComponents(components []Component) ([]byte, error) {
	return json.Marshal(components)
}

// UnmarshalComponents is the inverse of MarshalComponents.
func UnmarshalComponents(data []byte) ([]Component, error) {
	var components []Component
	if err := json.Unmarshal(data, &components); err != nil {
		return nil, err
	}
	return components, nil
}

// LegacyRule is the older persisted shape some deployments still have:
// conditions and actions as separate top-level arrays instead of a unified
// component tree. ToComponents rewrites it into the unified shape.
type LegacyRule struct {
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// ToComponents converts a legacy (conditions, actions) pair into the
// unified Component tree: a single condition component (AND of all
// conditions, or the lone condition) prefixing the action list.
func (l LegacyRule) ToComponents() []Component {
	var out []Component
	if len(l.Conditions) == 1 {
		out = append(out, Component{ID: uuid.NewString(), Type: ComponentCondition, Condition: &l.Conditions[0]})
	} else if len(l.Conditions) > 1 {
		cond := Condition{Operator: ConditionAnd, Children: l.Conditions}
		out = append(out, Component{ID: uuid.NewString(), Type: ComponentCondition, Condition: &cond})
	}
	for i := range l.Actions {
		out = append(out, Component{ID: uuid.NewString(), Type: ComponentAction, Action: &l.Actions[i]})
	}
	return out
}
