package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

// webhookTrigger installs no watcher of its own (push-driven, like
// manualTrigger); internal/httpapi's inbound webhook router calls
// HandleRequest after HMAC verification and subscription-filter matching.
type webhookTrigger struct {
	rule *model.Rule

	mu      sync.Mutex
	cancel  context.CancelFunc
	handler Handler
}

func newWebhookTrigger(rule *model.Rule) *webhookTrigger {
	return &webhookTrigger{rule: rule}
}

func (t *webhookTrigger) RuleID() string { return t.rule.ID }

func (t *webhookTrigger) Start(ctx context.Context, handler Handler) error {
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

func (t *webhookTrigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// HandleRequest delivers an already-verified inbound webhook payload to
// this rule's handler; it returns false if no handler is currently
// installed (watcher stopped or not yet started).
func (t *webhookTrigger) HandleRequest(payload map[string]any) bool {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(t.rule.ID, model.TriggerEvent{
		Type:           model.TriggerWebhookReceived,
		WebhookPayload: payload,
		Timestamp:      time.Now().UTC(),
	})
	return true
}
