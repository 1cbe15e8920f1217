package model

import (
	"testing"
	"time"
)

func TestNewExecutionContext_SeedsCurrentItemFromTrigger(t *testing.T) {
	item := &Item{ID: "item_1"}
	ctx := NewExecutionContext("rule_1", "rule-name", "ws_1", TriggerEvent{
		Type:      TriggerItemCreated,
		Item:      item,
		Timestamp: time.Now().UTC(),
	})

	if ctx.CurrentItem != item {
		t.Fatalf("expected CurrentItem to be the trigger's item")
	}
	if ctx.Variables == nil {
		t.Fatalf("expected Variables to be initialized")
	}
}

func TestExecutionContext_ChildSharesVariablesButResetsCurrentItem(t *testing.T) {
	parent := NewExecutionContext("rule_1", "rule-name", "ws_1", TriggerEvent{})
	parent.Variables["shared"] = "value"
	parent.ComponentResults = []ComponentResult{{ComponentID: "c1"}}

	child := parent.Child(Item{ID: "child_item"})

	if child.CurrentItem.ID != "child_item" {
		t.Fatalf("expected child's CurrentItem to be the branch item")
	}
	if len(child.ComponentResults) != 0 {
		t.Fatalf("expected child's ComponentResults to start empty")
	}

	child.Variables["shared"] = "mutated"
	if parent.Variables["shared"] != "mutated" {
		t.Fatalf("expected Variables map to be shared by reference between parent and child")
	}
}

func TestExecutionContext_AddCreatedItemDedupsByID(t *testing.T) {
	ctx := NewExecutionContext("rule_1", "rule-name", "ws_1", TriggerEvent{})

	ctx.AddCreatedItem(Item{ID: "item_1"})
	ctx.AddCreatedItem(Item{ID: "item_1"})
	ctx.AddCreatedItem(Item{ID: "item_2"})

	if len(ctx.CreatedItems) != 2 {
		t.Fatalf("expected 2 distinct created items, got %d", len(ctx.CreatedItems))
	}
}

func TestExecutionContext_MergeCreatedItemsDedupsAgainstExisting(t *testing.T) {
	ctx := NewExecutionContext("rule_1", "rule-name", "ws_1", TriggerEvent{})
	ctx.AddCreatedItem(Item{ID: "item_1"})

	ctx.MergeCreatedItems([]Item{{ID: "item_1"}, {ID: "item_2"}})

	if len(ctx.CreatedItems) != 2 {
		t.Fatalf("expected 2 distinct created items after merge, got %d", len(ctx.CreatedItems))
	}
}

func TestCondition_IsInner(t *testing.T) {
	cases := []struct {
		op   ConditionOperator
		want bool
	}{
		{ConditionAnd, true},
		{ConditionOr, true},
		{ConditionNot, true},
		{ConditionOperator(""), false},
	}
	for _, tc := range cases {
		c := Condition{Operator: tc.op}
		if got := c.IsInner(); got != tc.want {
			t.Errorf("IsInner() for operator %q = %v, want %v", tc.op, got, tc.want)
		}
	}
}

func TestTriggerState_SeenAndMarkSeen(t *testing.T) {
	ts := &TriggerState{RuleID: "rule_1"}

	if ts.Seen("fp1") {
		t.Fatalf("expected fp1 unseen before MarkSeen")
	}
	ts.MarkSeen("fp1")
	if !ts.Seen("fp1") {
		t.Fatalf("expected fp1 seen after MarkSeen")
	}
}

func TestTriggerState_Fingerprints(t *testing.T) {
	ts := &TriggerState{
		RuleID: "rule_1",
		LastSeenData: map[string]any{
			"fp1":      true,
			"fp2":      true,
			"oqlCount": float64(3),
		},
	}

	fps := ts.Fingerprints()
	if len(fps) != 2 {
		t.Fatalf("expected 2 fingerprints, got %d: %+v", len(fps), fps)
	}
	if !fps["fp1"] || !fps["fp2"] {
		t.Fatalf("expected fp1 and fp2 present, got %+v", fps)
	}
}
