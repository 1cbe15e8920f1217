package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

// manualTrigger has no watcher of its own; it just blocks on ctx.Done()
// like the teacher's internal/trigger/manual.go. Fire builds a manual
// TriggerEvent; the executor's TriggerManually builds its own event and
// does not call it.
type manualTrigger struct {
	rule *model.Rule

	mu      sync.Mutex
	cancel  context.CancelFunc
	handler Handler
}

func newManualTrigger(rule *model.Rule) *manualTrigger {
	return &manualTrigger{rule: rule}
}

func (t *manualTrigger) RuleID() string { return t.rule.ID }

func (t *manualTrigger) Start(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	_, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.handler = handler
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
	}()
	return nil
}

func (t *manualTrigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Fire returns a manual TriggerEvent for the caller; it does not pass the
// event to the installed handler.
func (t *manualTrigger) Fire(manualParameters map[string]any, item *model.Item) model.TriggerEvent {
	return model.TriggerEvent{
		Type:             model.TriggerManual,
		Item:             item,
		ManualParameters: manualParameters,
		Timestamp:        time.Now().UTC(),
	}
}
