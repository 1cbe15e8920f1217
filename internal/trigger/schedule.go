package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

// scheduledTrigger fires on a cron expression evaluated in a named IANA
// timezone (default UTC), the way the teacher's internal/trigger/scheduled.go
// drives robfig/cron/v3 with WithSeconds.
type scheduledTrigger struct {
	rule *model.Rule

	mu      sync.Mutex
	cr      *cron.Cron
	entryID cron.EntryID
}

func newScheduledTrigger(rule *model.Rule, deps Deps) (*scheduledTrigger, error) {
	_ = deps
	loc := time.UTC
	if rule.Trigger.Timezone != "" {
		l, err := time.LoadLocation(rule.Trigger.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", rule.Trigger.Timezone, err)
		}
		loc = l
	}
	if rule.Trigger.CronExpression == "" {
		return nil, fmt.Errorf("schedule trigger requires a cronExpression")
	}
	return &scheduledTrigger{
		rule: rule,
		cr:   cron.New(cron.WithLocation(loc), cron.WithSeconds(), cron.WithParser(scheduleParser)),
	}, nil
}

var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (t *scheduledTrigger) RuleID() string { return t.rule.ID }

func (t *scheduledTrigger) Start(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.cr.AddFunc(t.rule.Trigger.CronExpression, func() {
		now := time.Now().UTC()
		handler(t.rule.ID, model.TriggerEvent{
			Type:         model.TriggerSchedule,
			ScheduleTime: &now,
			Timestamp:    now,
		})
	})
	if err != nil {
		return fmt.Errorf("installing cron schedule %q: %w", t.rule.Trigger.CronExpression, err)
	}
	t.entryID = id
	t.cr.Start()

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return nil
}

func (t *scheduledTrigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cr == nil {
		return nil
	}
	stopCtx := t.cr.Stop()
	<-stopCtx.Done()
	return nil
}
