// Package trigger turns a persisted Rule's trigger declaration into a live
// watcher: a periodic poller diffing a remote collection against a
// per-rule bookmark, a cron firing, or a push endpoint (manual invocation,
// webhook). It mirrors the shape of the teacher's internal/trigger
// package — a Trigger interface plus a kind-dispatching factory — widened
// from 5 kinds to the 13 the automation engine supports.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/store"
)

// Handler is invoked once per TriggerEvent a watcher emits.
type Handler func(ruleID string, event model.TriggerEvent)

// Trigger is a live watcher for one rule.
type Trigger interface {
	// Start installs the watcher; it must return promptly (long-running
	// work happens on its own goroutine) and emit events via handler
	// until ctx is cancelled or Stop is called.
	Start(ctx context.Context, handler Handler) error
	// Stop tears the watcher down; idempotent.
	Stop() error
	// RuleID identifies the owning rule.
	RuleID() string
}

// Deps bundles the collaborators every trigger kind needs.
type Deps struct {
	Rest   *restadapter.Adapter
	Store  *store.Store
	Logger *slog.Logger

	DefaultPollInterval time.Duration
	MinPollInterval     time.Duration
}

func (d Deps) pollInterval() time.Duration {
	iv := d.DefaultPollInterval
	if iv <= 0 {
		iv = 60 * time.Second
	}
	min := d.MinPollInterval
	if min <= 0 {
		min = 10 * time.Second
	}
	if iv < min {
		return min
	}
	return iv
}

// New builds the Trigger appropriate for rule.Trigger.Kind.
func New(rule *model.Rule, deps Deps) (Trigger, error) {
	switch rule.Trigger.Kind {
	case model.TriggerItemCreated, model.TriggerItemUpdated, model.TriggerItemDeleted,
		model.TriggerAttributeChanged, model.TriggerStatusChanged,
		model.TriggerReferenceAdded, model.TriggerItemLinked, model.TriggerItemUnlinked,
		model.TriggerItemCommented, model.TriggerOQLMatch:
		return newPollingTrigger(rule, deps), nil
	case model.TriggerSchedule:
		return newScheduledTrigger(rule, deps)
	case model.TriggerManual:
		return newManualTrigger(rule), nil
	case model.TriggerWebhookReceived:
		return newWebhookTrigger(rule), nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", rule.Trigger.Kind)
	}
}
