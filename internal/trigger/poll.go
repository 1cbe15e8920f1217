package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
)

// candidate is one not-yet-deduplicated event observed during a poll tick.
type candidate struct {
	fingerprint string
	event       model.TriggerEvent
}

// fingerprint returns a short hex digest of the canonical per-kind string,
// per spec's dedup scheme (e.g. "item.created:<itemId>"). Reimplementations
// must use these exact canonical strings to stay compatible across
// restarts.
func fingerprint(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// pollingTrigger drives the 10 periodic-poller trigger kinds (every kind
// except schedule, manual, webhook.received) from one shared tick engine:
// load bookmark, run the kind-specific poll, emit unseen candidates,
// advance the bookmark only on success.
type pollingTrigger struct {
	rule *model.Rule
	deps Deps

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func newPollingTrigger(rule *model.Rule, deps Deps) *pollingTrigger {
	return &pollingTrigger{rule: rule, deps: deps}
}

func (t *pollingTrigger) RuleID() string { return t.rule.ID }

func (t *pollingTrigger) Start(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	tickCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		t.runTick(tickCtx, handler)
		ticker := time.NewTicker(t.deps.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				t.runTick(tickCtx, handler)
			}
		}
	}()
	return nil
}

func (t *pollingTrigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// runTick is one serialized poll: one at a time per rule, as required by
// §5's ordering guarantees.
func (t *pollingTrigger) runTick(ctx context.Context, handler Handler) {
	logger := t.deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state, err := t.deps.Store.GetTriggerState(t.rule.ID)
	if err != nil {
		logger.Error("loading trigger state", "rule", t.rule.Name, "error", err)
		return
	}

	candidates, err := t.poll(ctx, state)
	if err != nil {
		// lastCheckedAt is NOT advanced on failure, so the next tick
		// reprocesses the same window.
		logger.Error("poll failed", "rule", t.rule.Name, "trigger", t.rule.Trigger.Kind, "error", err)
		return
	}

	for _, c := range candidates {
		if state.Seen(c.fingerprint) {
			continue
		}
		state.MarkSeen(c.fingerprint)
		handler(t.rule.ID, c.event)
	}

	state.LastCheckedAt = time.Now().UTC()
	if err := t.deps.Store.PutTriggerState(state); err != nil {
		logger.Error("persisting trigger state", "rule", t.rule.Name, "error", err)
	}
}

// poll dispatches to the kind-specific collector.
func (t *pollingTrigger) poll(ctx context.Context, state *model.TriggerState) ([]candidate, error) {
	rest := t.deps.Rest
	trig := t.rule.Trigger

	switch trig.Kind {
	case model.TriggerItemCreated:
		return pollItemListBy(ctx, rest, trig.CatalogID, "createdAt", state, model.TriggerItemCreated)
	case model.TriggerItemUpdated:
		return pollItemListBy(ctx, rest, trig.CatalogID, "updatedAt", state, model.TriggerItemUpdated)
	case model.TriggerItemDeleted:
		return pollDeleted(ctx, rest, trig.CatalogID, state)
	case model.TriggerAttributeChanged:
		return pollAttributeChanged(ctx, rest, trig.CatalogID, trig.AttributeName, state)
	case model.TriggerStatusChanged:
		return pollStatusChanged(ctx, rest, trig, state)
	case model.TriggerReferenceAdded:
		return pollHistoryAction(ctx, rest, trig.CatalogID, "REFERENCE_ADDED", trig.ReferenceKind, model.TriggerReferenceAdded, state)
	case model.TriggerItemLinked:
		return pollHistoryAction(ctx, rest, trig.CatalogID, "REFERENCE_ADDED", trig.ReferenceKind, model.TriggerItemLinked, state)
	case model.TriggerItemUnlinked:
		return pollHistoryAction(ctx, rest, trig.CatalogID, "REFERENCE_REMOVED", trig.ReferenceKind, model.TriggerItemUnlinked, state)
	case model.TriggerItemCommented:
		return pollComments(ctx, rest, trig.CatalogID, state)
	case model.TriggerOQLMatch:
		return pollOQLMatch(ctx, rest, t.rule.WorkspaceID, trig, state)
	default:
		return nil, fmt.Errorf("unsupported polling trigger kind %q", trig.Kind)
	}
}

const pollWindowLimit = 20

func pollItemListBy(ctx context.Context, rest *restadapter.Adapter, catalogID, sortField string, state *model.TriggerState, kind model.TriggerKind) ([]candidate, error) {
	page, err := rest.ListItems(ctx, catalogID, restadapter.ListOptions{SortBy: sortField, SortOrder: "desc", Limit: pollWindowLimit})
	if err != nil {
		return nil, err
	}

	var out []candidate
	for i := range page.Items {
		item := page.Items[i]
		ts := itemTimestamp(item, sortField)
		if !ts.After(state.LastCheckedAt) {
			continue
		}
		var fp string
		if kind == model.TriggerItemCreated {
			fp = fingerprint(fmt.Sprintf("item.created:%s", item.ID))
		} else {
			fp = fingerprint(fmt.Sprintf("item.updated:%s:%s", item.ID, ts.Format(time.RFC3339Nano)))
		}
		out = append(out, candidate{
			fingerprint: fp,
			event: model.TriggerEvent{
				Type:           kind,
				Item:           &item,
				PreviousValues: derivePreviousValues(ctx, rest, item.ID),
				Timestamp:      time.Now().UTC(),
			},
		})
	}
	return out, nil
}

func itemTimestamp(item model.Item, field string) time.Time {
	if field == "createdAt" {
		return item.CreatedAt
	}
	return item.UpdatedAt
}

// pollDeleted has no list-based analog (deleted items are gone); it reads
// the catalog's DELETE history entries since the bookmark.
func pollDeleted(ctx context.Context, rest *restadapter.Adapter, catalogID string, state *model.TriggerState) ([]candidate, error) {
	entries, err := rest.ListHistorySince(ctx, catalogID, state.LastCheckedAt, "DELETED")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, e := range entries {
		out = append(out, candidate{
			fingerprint: fingerprint(fmt.Sprintf("item.deleted:%s:%s", e.ItemID, e.ID)),
			event: model.TriggerEvent{
				Type:      model.TriggerItemDeleted,
				Item:      &model.Item{ID: e.ItemID, CatalogID: catalogID},
				Timestamp: time.Now().UTC(),
			},
		})
	}
	return out, nil
}

func pollAttributeChanged(ctx context.Context, rest *restadapter.Adapter, catalogID, attrName string, state *model.TriggerState) ([]candidate, error) {
	entries, err := rest.ListHistorySince(ctx, catalogID, state.LastCheckedAt, "UPDATED")
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, e := range entries {
		change, ok := e.Changes[attrName]
		if !ok {
			continue
		}
		item, err := rest.GetItem(ctx, e.ItemID)
		if err != nil {
			continue
		}
		out = append(out, candidate{
			fingerprint: fingerprint(fmt.Sprintf("item.updated:%s:%s", e.ItemID, e.ID)),
			event: model.TriggerEvent{
				Type:           model.TriggerAttributeChanged,
				Item:           item,
				PreviousValues: map[string]any{attrName: change.From},
				Timestamp:      time.Now().UTC(),
			},
		})
	}
	return out, nil
}

// pollStatusChanged implements the "more recent and general" variant per
// the Design Notes open question: a distinguished @status field in
// history, or the catalog's STATUS-typed attribute when unfiltered.
func pollStatusChanged(ctx context.Context, rest *restadapter.Adapter, trig model.Trigger, state *model.TriggerState) ([]candidate, error) {
	statusField := "@status"
	if attr, err := rest.FindStatusAttribute(ctx, trig.CatalogID); err == nil && attr != nil {
		statusField = attr.Name
	}

	entries, err := rest.ListHistorySince(ctx, trig.CatalogID, state.LastCheckedAt, "UPDATED")
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, e := range entries {
		change, ok := e.Changes[statusField]
		if !ok {
			continue
		}
		from := fmt.Sprint(change.From)
		to := fmt.Sprint(change.To)
		if trig.FromStatus != "" && !strings.EqualFold(from, trig.FromStatus) {
			continue
		}
		if trig.ToStatus != "" && !strings.EqualFold(to, trig.ToStatus) {
			continue
		}
		item, err := rest.GetItem(ctx, e.ItemID)
		if err != nil {
			continue
		}
		out = append(out, candidate{
			fingerprint: fingerprint(fmt.Sprintf("status.changed:%s:%s", e.ItemID, e.ID)),
			event: model.TriggerEvent{
				Type:           model.TriggerStatusChanged,
				Item:           item,
				PreviousValues: map[string]any{statusField: change.From},
				Timestamp:      time.Now().UTC(),
			},
		})
	}
	return out, nil
}

func pollHistoryAction(ctx context.Context, rest *restadapter.Adapter, catalogID, action, referenceKindFilter string, kind model.TriggerKind, state *model.TriggerState) ([]candidate, error) {
	entries, err := rest.ListHistorySince(ctx, catalogID, state.LastCheckedAt, action)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, e := range entries {
		if referenceKindFilter != "" {
			if kindChange, ok := e.Changes["referenceKind"]; ok {
				if fmt.Sprint(kindChange.To) != referenceKindFilter && fmt.Sprint(kindChange.From) != referenceKindFilter {
					continue
				}
			}
		}
		item, err := rest.GetItem(ctx, e.ItemID)
		if err != nil {
			continue
		}
		out = append(out, candidate{
			fingerprint: fingerprint(fmt.Sprintf("item.linked:%s:%s", e.ItemID, e.ID)),
			event: model.TriggerEvent{
				Type:      kind,
				Item:      item,
				Timestamp: time.Now().UTC(),
			},
		})
	}
	return out, nil
}

func pollComments(ctx context.Context, rest *restadapter.Adapter, catalogID string, state *model.TriggerState) ([]candidate, error) {
	page, err := rest.ListItems(ctx, catalogID, restadapter.ListOptions{SortBy: "updatedAt", SortOrder: "desc", Limit: pollWindowLimit})
	if err != nil {
		return nil, err
	}
	var out []candidate
	for i := range page.Items {
		item := page.Items[i]
		comments, err := rest.ListCommentsSince(ctx, item.ID, state.LastCheckedAt)
		if err != nil {
			continue
		}
		for _, c := range comments {
			out = append(out, candidate{
				fingerprint: fingerprint(fmt.Sprintf("item.commented:%s:%s", item.ID, c.ID)),
				event: model.TriggerEvent{
					Type:      model.TriggerItemCommented,
					Item:      &item,
					Timestamp: time.Now().UTC(),
				},
			})
		}
	}
	return out, nil
}

// pollOQLMatch implements the any_results/new_results/count_change policy.
// The first observation primes lastSeenData.oqlCount without firing for
// new_results/count_change.
func pollOQLMatch(ctx context.Context, rest *restadapter.Adapter, workspaceID string, trig model.Trigger, state *model.TriggerState) ([]candidate, error) {
	result, err := rest.ExecuteQuery(ctx, workspaceID, trig.Query)
	if err != nil {
		return nil, err
	}

	prevCount := -1
	if v, ok := state.LastSeenData["oqlCount"]; ok {
		switch n := v.(type) {
		case float64:
			prevCount = int(n)
		case int:
			prevCount = n
		}
	}

	fire := false
	switch trig.TriggerOn {
	case model.OQLNewResults:
		fire = prevCount >= 0 && result.TotalCount > prevCount
	case model.OQLCountChange:
		fire = prevCount >= 0 && result.TotalCount != prevCount
	default: // any_results
		fire = result.TotalCount > 0
	}

	if state.LastSeenData == nil {
		state.LastSeenData = make(map[string]any)
	}
	state.LastSeenData["oqlCount"] = result.TotalCount

	if !fire {
		return nil, nil
	}
	return []candidate{{
		fingerprint: fingerprint(fmt.Sprintf("oql.match:%s:%d:%d", trig.Query, result.TotalCount, time.Now().UnixNano())),
		event: model.TriggerEvent{
			Type:       model.TriggerOQLMatch,
			OQLResults: result,
			Timestamp:  time.Now().UTC(),
		},
	}}, nil
}

// derivePreviousValues reads the most recent UPDATED history entry for
// itemID and records from-values for every changed field.
func derivePreviousValues(ctx context.Context, rest *restadapter.Adapter, itemID string) map[string]any {
	entries, err := rest.ListHistory(ctx, itemID, time.Time{})
	if err != nil || len(entries) == 0 {
		return nil
	}
	var latest *restadapter.HistoryEntry
	for i := range entries {
		if entries[i].Action != "UPDATED" {
			continue
		}
		if latest == nil || entries[i].CreatedAt.After(latest.CreatedAt) {
			latest = &entries[i]
		}
	}
	if latest == nil {
		return nil
	}
	out := make(map[string]any, len(latest.Changes))
	for field, change := range latest.Changes {
		out[field] = change.From
	}
	return out
}
