package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

// Manager installs at most one live watcher per enabled rule and funnels
// every TriggerEvent into a single callback, mirroring the teacher's
// daemon-level trigger bookkeeping but generalized to all 13 trigger kinds.
type Manager struct {
	deps    Deps
	handler Handler

	mu       sync.Mutex
	running  bool
	watchers map[string]Trigger
	cancels  map[string]context.CancelFunc
}

// NewManager builds a Manager; handler receives every TriggerEvent fired
// by any installed watcher.
func NewManager(deps Deps, handler Handler) *Manager {
	return &Manager{
		deps:     deps,
		handler:  handler,
		watchers: make(map[string]Trigger),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartAll installs watchers for every enabled rule.
func (m *Manager) StartAll(ctx context.Context, rules []*model.Rule) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := m.StartOne(ctx, r); err != nil {
			m.logger().Error("installing trigger", "rule", r.Name, "error", err)
		}
	}
}

// StartOne installs a single rule's watcher, stopping any existing one
// first. A rule is either enabled with at most one live watcher, or
// disabled with none. It installs nothing before StartAll has been called
// or after StopAll.
func (m *Manager) StartOne(ctx context.Context, rule *model.Rule) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.StopOne(rule.ID)

	if !rule.Enabled {
		return nil
	}

	t, err := New(rule, m.deps)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	if err := t.Start(watchCtx, m.dispatch); err != nil {
		cancel()
		return fmt.Errorf("starting watcher for rule %s: %w", rule.ID, err)
	}

	m.mu.Lock()
	m.watchers[rule.ID] = t
	m.cancels[rule.ID] = cancel
	m.mu.Unlock()
	return nil
}

// StopOne stops and removes the watcher for ruleID; idempotent.
func (m *Manager) StopOne(ruleID string) {
	m.mu.Lock()
	t, ok := m.watchers[ruleID]
	cancel := m.cancels[ruleID]
	delete(m.watchers, ruleID)
	delete(m.cancels, ruleID)
	m.mu.Unlock()

	if !ok {
		return
	}
	t.Stop()
	if cancel != nil {
		cancel()
	}
}

// StopAll stops every watcher and marks the manager not-running; subsequent
// tick callbacks exit immediately because their contexts are cancelled.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.running = false
	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopOne(id)
	}
}

// Reload stops the current watcher (if any) and reinstalls it from the
// current persisted rule.
func (m *Manager) Reload(ctx context.Context, rule *model.Rule) error {
	m.StopOne(rule.ID)
	return m.StartOne(ctx, rule)
}

// Manual returns the manualTrigger installed for ruleID, if any.
func (m *Manager) Manual(ruleID string) (*manualTrigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.watchers[ruleID].(*manualTrigger)
	return t, ok
}

// Webhook returns the webhookTrigger installed for ruleID, if any, so the
// inbound HTTP router can deliver a verified payload to it.
func (m *Manager) Webhook(ruleID string) (*webhookTrigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.watchers[ruleID].(*webhookTrigger)
	return t, ok
}

func (m *Manager) dispatch(ruleID string, event model.TriggerEvent) {
	if m.handler != nil {
		m.handler(ruleID, event)
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.deps.Logger != nil {
		return m.deps.Logger
	}
	return slog.Default()
}
