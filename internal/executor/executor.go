// Package executor runs a Rule's Component tree against a fired
// TriggerEvent: walking conditions/actions/branches/if-else in program
// order, bounding concurrency with a weighted semaphore plus an explicit
// FIFO queue in front of it (mirroring the teacher daemon's channel-backed
// concurrency limiter and in-flight WaitGroup, generalized from one flat
// rule-run worker pool to a full program tree walk).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/actionrunner"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/apperror"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/conditioneval"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/logging"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/store"
)

// maxChainDepth bounds automation.trigger hops so a cycle of rules
// triggering each other cannot recurse forever.
const maxChainDepth = 8

// queuedRun is one pending rule invocation waiting for a concurrency slot.
type queuedRun struct {
	ruleID  string
	event   model.TriggerEvent
	persist bool
	done    chan *model.Execution
}

// Executor is the engine's single point of rule-program execution, shared
// by trigger-driven firings, manual invocation, and ad-hoc tests.
type Executor struct {
	store  *store.Store
	rest   *restadapter.Adapter
	logger *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	queue    []queuedRun
	closed   bool
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an Executor bounded to maxConcurrent simultaneous rule
// executions (defaulting to 4 when maxConcurrent <= 0).
func New(st *store.Store, rest *restadapter.Adapter, logger *slog.Logger, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  st,
		rest:   rest,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
func (e *Executor) Start(ctx context.Context) error {
	go e.dispatchLoop(ctx)
	return nil
}

// Stop stops accepting new work and waits up to timeout for in-flight
// executions to finish.
func (e *Executor) Stop(timeout time.Duration) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("executor stop timed out after %s with executions still in flight", timeout)
	}
}

// HandleEvent is the trigger.Handler the TriggerManager dispatches every
// firing to; it enqueues a fire-and-forget run.
func (e *Executor) HandleEvent(ruleID string, event model.TriggerEvent) {
	e.enqueue(queuedRun{ruleID: ruleID, event: event, persist: true})
}

// TriggerManually runs ruleID synchronously with a manual TriggerEvent
// carrying params, waiting for the run to complete.
func (e *Executor) TriggerManually(ctx context.Context, ruleID string, params map[string]any) (*model.Execution, error) {
	event := model.TriggerEvent{Type: model.TriggerManual, ManualParameters: params, Timestamp: time.Now().UTC()}
	return e.runAndWait(ctx, ruleID, event, true)
}

// Test runs ruleID against a caller-supplied TriggerEvent without
// persisting an Execution record, for safe dry-run validation of a rule
// definition before enabling it.
func (e *Executor) Test(ctx context.Context, ruleID string, event model.TriggerEvent) (*model.Execution, error) {
	return e.runAndWait(ctx, ruleID, event, false)
}

func (e *Executor) runAndWait(ctx context.Context, ruleID string, event model.TriggerEvent, persist bool) (*model.Execution, error) {
	done := make(chan *model.Execution, 1)
	e.enqueue(queuedRun{ruleID: ruleID, event: event, persist: persist, done: done})
	select {
	case exec := <-done:
		if exec == nil {
			return nil, apperror.NewFatal("executor is shutting down", nil)
		}
		return exec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) enqueue(run queuedRun) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if run.done != nil {
			run.done <- nil
		}
		return
	}
	e.queue = append(e.queue, run)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) popQueue() (queuedRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return queuedRun{}, false
	}
	run := e.queue[0]
	e.queue = e.queue[1:]
	return run, true
}

func (e *Executor) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.wake:
		}

		for {
			run, ok := e.popQueue()
			if !ok {
				break
			}
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return
			}
			e.wg.Add(1)
			go func(run queuedRun) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				exec := e.run(ctx, run)
				if run.done != nil {
					run.done <- exec
				}
			}(run)
		}
	}
}

// run loads ruleID, walks its program tree against run.event, and persists
// (or not, per run.persist) the resulting Execution. When persisting, a
// RUNNING row is written immediately on slot admission — before the rule
// is even loaded — so a crash mid-walk leaves a visible RUNNING record
// behind instead of no trace at all; every later write in this function
// reuses the same execID so that row is updated in place, never orphaned.
func (e *Executor) run(ctx context.Context, run queuedRun) *model.Execution {
	started := time.Now().UTC()
	execID := model.NewExecutionID()
	runLogger := logging.WithField(e.logger, "rule", run.ruleID)

	if run.persist {
		running := &model.Execution{
			ID:           execID,
			RuleID:       run.ruleID,
			Status:       model.ExecutionRunning,
			TriggerEvent: run.event,
			StartedAt:    started,
		}
		if err := e.store.PutExecution(running); err != nil {
			runLogger.Error("persisting running execution", "error", err)
		}
	}

	rule, err := e.store.GetRule(run.ruleID)
	if err != nil {
		return e.failedExecution(execID, run, started, fmt.Sprintf("loading rule: %v", err))
	}
	if !rule.Enabled {
		return e.skippedExecution(execID, run, started)
	}
	runLogger = logging.WithField(e.logger, "rule", rule.Name)

	execCtx := model.NewExecutionContext(rule.ID, rule.Name, rule.WorkspaceID, run.event)
	cond := conditioneval.New(e.rest, rule.WorkspaceID)
	actions := actionrunner.New(e.rest, rule.WorkspaceID, runLogger, e.chainTrigger)

	results, _ := e.runComponents(ctx, rule.Components, execCtx, cond, actions)
	status := aggregateStatus(results)
	completed := time.Now().UTC()

	exec := &model.Execution{
		ID:               execID,
		RuleID:           rule.ID,
		Status:           status,
		TriggerEvent:     run.event,
		ComponentResults: results,
		StartedAt:        started,
		CompletedAt:      &completed,
		DurationMs:       completed.Sub(started).Milliseconds(),
	}
	if status == model.ExecutionFailed {
		exec.Error = firstError(results)
	}

	if run.persist {
		if err := e.store.PutExecution(exec); err != nil {
			runLogger.Error("persisting execution", "error", err)
		}
	}
	return exec
}

func (e *Executor) failedExecution(execID string, run queuedRun, started time.Time, message string) *model.Execution {
	completed := time.Now().UTC()
	exec := &model.Execution{
		ID:           execID,
		RuleID:       run.ruleID,
		Status:       model.ExecutionFailed,
		TriggerEvent: run.event,
		Error:        message,
		StartedAt:    started,
		CompletedAt:  &completed,
		DurationMs:   completed.Sub(started).Milliseconds(),
	}
	if run.persist {
		_ = e.store.PutExecution(exec)
	}
	return exec
}

func (e *Executor) skippedExecution(execID string, run queuedRun, started time.Time) *model.Execution {
	completed := time.Now().UTC()
	exec := &model.Execution{
		ID:           execID,
		RuleID:       run.ruleID,
		Status:       model.ExecutionSkipped,
		TriggerEvent: run.event,
		StartedAt:    started,
		CompletedAt:  &completed,
		DurationMs:   completed.Sub(started).Milliseconds(),
	}
	if run.persist {
		_ = e.store.PutExecution(exec)
	}
	return exec
}

func aggregateStatus(results []model.ComponentResult) model.ExecutionStatus {
	if hasFailed(results) {
		return model.ExecutionFailed
	}
	return model.ExecutionSuccess
}

func hasFailed(results []model.ComponentResult) bool {
	for _, r := range results {
		if r.Status == model.StatusFailed {
			return true
		}
		if hasFailed(r.Children) {
			return true
		}
	}
	return false
}

func firstError(results []model.ComponentResult) string {
	for _, r := range results {
		if r.Status == model.StatusFailed && r.Error != "" {
			return r.Error
		}
		if msg := firstError(r.Children); msg != "" {
			return msg
		}
	}
	return ""
}

// chainTrigger implements actionrunner.ChainTrigger: it runs the target
// rule inline (not through the queue) so a bounded chain of automation.
// trigger hops can't deadlock behind the same concurrency slot its parent
// already holds.
func (e *Executor) chainTrigger(ctx context.Context, ruleID string, params map[string]any, parent *model.ExecutionContext) error {
	if parent.ChainDepth+1 > maxChainDepth {
		return apperror.NewValidation(fmt.Sprintf("automation.trigger exceeded max chain depth of %d", maxChainDepth))
	}

	rule, err := e.store.GetRule(ruleID)
	if err != nil {
		return err
	}
	if !rule.Enabled {
		return nil
	}

	started := time.Now().UTC()
	execID := model.NewExecutionID()
	event := model.TriggerEvent{
		Type:             model.TriggerManual,
		Item:             parent.CurrentItem,
		ManualParameters: params,
		Timestamp:        started,
	}
	childCtx := model.NewExecutionContext(rule.ID, rule.Name, rule.WorkspaceID, event)
	childCtx.ChainDepth = parent.ChainDepth + 1
	runLogger := logging.WithField(e.logger, "rule", rule.Name)

	running := &model.Execution{
		ID:           execID,
		RuleID:       rule.ID,
		Status:       model.ExecutionRunning,
		TriggerEvent: event,
		StartedAt:    started,
	}
	if err := e.store.PutExecution(running); err != nil {
		runLogger.Error("persisting running chained execution", "error", err)
	}

	cond := conditioneval.New(e.rest, rule.WorkspaceID)
	actions := actionrunner.New(e.rest, rule.WorkspaceID, runLogger, e.chainTrigger)
	results, _ := e.runComponents(ctx, rule.Components, childCtx, cond, actions)
	status := aggregateStatus(results)
	completed := time.Now().UTC()

	exec := &model.Execution{
		ID:               execID,
		RuleID:           rule.ID,
		Status:           status,
		TriggerEvent:     event,
		ComponentResults: results,
		StartedAt:        started,
		CompletedAt:      &completed,
		DurationMs:       completed.Sub(started).Milliseconds(),
	}
	if status == model.ExecutionFailed {
		exec.Error = firstError(results)
	}
	if err := e.store.PutExecution(exec); err != nil {
		runLogger.Error("persisting chained execution", "error", err)
	}
	parent.MergeCreatedItems(childCtx.CreatedItems)

	if status == model.ExecutionFailed {
		return fmt.Errorf("chained rule %q failed: %s", rule.Name, exec.Error)
	}
	return nil
}
