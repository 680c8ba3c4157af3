package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// TestUpsertAgent_InsertsAtVersionZero verifies a fresh agent is created with
// Version 0.
func TestUpsertAgent_InsertsAtVersionZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &types.Agent{ID: "agent:1", Role: types.RoleExecutor, State: types.AgentStarting}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent() failed: %v", err)
	}
	if agent.Version != 0 {
		t.Errorf("Version after insert: got %d, want 0", agent.Version)
	}

	got, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent() failed: %v", err)
	}
	if got.Role != types.RoleExecutor || got.State != types.AgentStarting {
		t.Errorf("unexpected agent: %+v", got)
	}
}

// TestUpsertAgent_UpdateBumpsVersion verifies that a correctly-versioned
// update succeeds and bumps Version.
func TestUpsertAgent_UpdateBumpsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &types.Agent{ID: "agent:2", Role: types.RoleOrchestrator, State: types.AgentStarting}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent() insert failed: %v", err)
	}

	agent.State = types.AgentIdle
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent() update failed: %v", err)
	}
	if agent.Version != 1 {
		t.Errorf("Version after update: got %d, want 1", agent.Version)
	}

	got, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent() failed: %v", err)
	}
	if got.State != types.AgentIdle {
		t.Errorf("State: got %q, want %q", got.State, types.AgentIdle)
	}
}

// TestUpsertAgent_StaleVersionConflicts verifies that an update carrying a
// stale Version returns types.ErrConflict instead of silently overwriting.
func TestUpsertAgent_StaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &types.Agent{ID: "agent:3", Role: types.RoleReviewer, State: types.AgentStarting}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent() insert failed: %v", err)
	}

	// Simulate a concurrent writer advancing the row first.
	concurrent := *agent
	concurrent.State = types.AgentIdle
	if err := store.UpsertAgent(ctx, &concurrent); err != nil {
		t.Fatalf("UpsertAgent() concurrent update failed: %v", err)
	}

	// agent.Version is now stale (still 0); this write must conflict.
	agent.State = types.AgentRunning
	err := store.UpsertAgent(ctx, agent)
	if err != types.ErrConflict {
		t.Errorf("expected types.ErrConflict on stale version, got %v", err)
	}
}

// TestGetAgent_NotFound verifies GetAgent returns ErrNotFound for an unknown id.
func TestGetAgent_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetAgent(ctx, "agent:does-not-exist")
	if err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestListAgents_FiltersByRoleAndState verifies ListAgents filtering via
// ListOptions.CreatedBy (role) and ListOptions.Status (state).
func TestListAgents_FiltersByRoleAndState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agents := []*types.Agent{
		{ID: "agent:list-1", Role: types.RoleExecutor, State: types.AgentIdle},
		{ID: "agent:list-2", Role: types.RoleExecutor, State: types.AgentRunning},
		{ID: "agent:list-3", Role: types.RoleReviewer, State: types.AgentIdle},
	}
	for _, a := range agents {
		if err := store.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("UpsertAgent(%s) failed: %v", a.ID, err)
		}
	}

	result, err := store.ListAgents(ctx, storage.ListOptions{CreatedBy: string(types.RoleExecutor), Limit: 10})
	if err != nil {
		t.Fatalf("ListAgents() failed: %v", err)
	}
	if result.Total != 2 {
		t.Errorf("expected 2 executor agents, got %d", result.Total)
	}

	result2, err := store.ListAgents(ctx, storage.ListOptions{Status: string(types.AgentIdle), Limit: 10})
	if err != nil {
		t.Fatalf("ListAgents() failed: %v", err)
	}
	if result2.Total != 2 {
		t.Errorf("expected 2 idle agents, got %d", result2.Total)
	}
}

// TestRecordHeartbeat updates LastHeartbeatAt without touching Version.
func TestRecordHeartbeat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &types.Agent{ID: "agent:hb-1", Role: types.RoleExecutor, State: types.AgentRunning}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent() failed: %v", err)
	}

	beat := time.Now().UTC().Truncate(time.Second).Add(time.Minute)
	if err := store.RecordHeartbeat(ctx, agent.ID, beat); err != nil {
		t.Fatalf("RecordHeartbeat() failed: %v", err)
	}

	got, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent() failed: %v", err)
	}
	if !got.LastHeartbeatAt.Equal(beat) {
		t.Errorf("LastHeartbeatAt: got %v, want %v", got.LastHeartbeatAt, beat)
	}
	if got.Version != 0 {
		t.Errorf("Version should be unaffected by RecordHeartbeat, got %d", got.Version)
	}
}

// TestRecordHeartbeat_NotFound verifies the not-found path.
func TestRecordHeartbeat_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.RecordHeartbeat(ctx, "agent:missing", time.Now())
	if err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
