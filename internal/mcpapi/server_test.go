package mcpapi

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/executor"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "automation.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(st, nil, logger, 2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, exec.Start(ctx))
	t.Cleanup(func() {
		cancel()
		exec.Stop(time.Second)
	})

	return NewServer(st, exec)
}

func TestHandleCreateAndGetAutomation(t *testing.T) {
	s := newTestServer(t)

	_, created, err := s.handleCreateAutomation(context.Background(), nil, createAutomationInput{
		Name:        "my-rule",
		WorkspaceID: "ws_1",
		Enabled:     false,
		Trigger:     map[string]any{"kind": "manual"},
		Components:  []map[string]any{{"id": "c1", "type": "action", "action": map[string]any{"type": "log", "config": map[string]any{"message": "hi"}}}},
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "my-rule", created.Name)
	assert.NotEmpty(t, created.ID)

	_, got, err := s.handleGetAutomation(context.Background(), nil, idInput{ID: created.ID})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
}

func TestHandleGetAutomation_NotFound(t *testing.T) {
	s := newTestServer(t)

	_, got, err := s.handleGetAutomation(context.Background(), nil, idInput{ID: "missing"})
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestHandleListAutomations(t *testing.T) {
	s := newTestServer(t)

	_, _, err := s.handleCreateAutomation(context.Background(), nil, createAutomationInput{
		Name: "rule-a", WorkspaceID: "ws_1", Trigger: map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)
	_, _, err = s.handleCreateAutomation(context.Background(), nil, createAutomationInput{
		Name: "rule-b", WorkspaceID: "ws_1", Trigger: map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)

	_, out, err := s.handleListAutomations(context.Background(), nil, struct{}{})
	require.NoError(t, err)
	assert.Len(t, out.Automations, 2)
}

func TestHandleUpdateAutomation_PreservesCreatedAt(t *testing.T) {
	s := newTestServer(t)

	_, created, err := s.handleCreateAutomation(context.Background(), nil, createAutomationInput{
		Name: "v1", WorkspaceID: "ws_1", Trigger: map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)

	_, updated, err := s.handleUpdateAutomation(context.Background(), nil, updateAutomationInput{
		ID: created.ID, Name: "v2", Trigger: map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Name)
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))
}

func TestHandleDeleteAutomation(t *testing.T) {
	s := newTestServer(t)

	_, created, err := s.handleCreateAutomation(context.Background(), nil, createAutomationInput{
		Name: "to-delete", WorkspaceID: "ws_1", Trigger: map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)

	_, _, err = s.handleDeleteAutomation(context.Background(), nil, idInput{ID: created.ID})
	require.NoError(t, err)

	_, got, err := s.handleGetAutomation(context.Background(), nil, idInput{ID: created.ID})
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestHandleEnableDisableAutomation(t *testing.T) {
	s := newTestServer(t)

	_, created, err := s.handleCreateAutomation(context.Background(), nil, createAutomationInput{
		Name: "toggle", WorkspaceID: "ws_1", Enabled: false, Trigger: map[string]any{"kind": "manual"},
	})
	require.NoError(t, err)

	_, enabled, err := s.handleEnableAutomation(context.Background(), nil, idInput{ID: created.ID})
	require.NoError(t, err)
	assert.True(t, enabled.Enabled)

	_, disabled, err := s.handleDisableAutomation(context.Background(), nil, idInput{ID: created.ID})
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
}

func TestHandleExecuteAutomation(t *testing.T) {
	s := newTestServer(t)

	_, created, err := s.handleCreateAutomation(context.Background(), nil, createAutomationInput{
		Name:        "executable",
		WorkspaceID: "ws_1",
		Enabled:     true,
		Trigger:     map[string]any{"kind": "manual"},
		Components:  []map[string]any{{"id": "c1", "type": "action", "action": map[string]any{"type": "log", "config": map[string]any{"message": "hi"}}}},
	})
	require.NoError(t, err)

	_, exec, err := s.handleExecuteAutomation(context.Background(), nil, executeAutomationInput{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, exec.Status)
}

func TestHandleDescribeSchema_ListsAllRegisteredTypes(t *testing.T) {
	s := newTestServer(t)

	_, out, err := s.handleDescribeSchema(context.Background(), nil, struct{}{})
	require.NoError(t, err)
	assert.Len(t, out.ActionTypes, 20)
	assert.Len(t, out.ConditionTypes, 7)
	assert.Len(t, out.TriggerKinds, 13)
}
