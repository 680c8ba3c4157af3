package sqlite

import (
	"context"
	"testing"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// TestCreateAndGetWorkItem verifies that a work item and its dependencies
// round-trip through CreateWorkItem/GetWorkItem.
func TestCreateAndGetWorkItem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := &types.WorkItem{ID: "work:dep-1", Description: "dependency", Phase: types.PhaseSpec}
	if err := store.CreateWorkItem(ctx, dep); err != nil {
		t.Fatalf("CreateWorkItem(dep) failed: %v", err)
	}

	item := &types.WorkItem{
		ID:           "work:item-1",
		Description:  "implement the thing",
		Phase:        types.PhaseImplementation,
		Priority:     1,
		Dependencies: []string{"work:dep-1"},
	}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem() failed: %v", err)
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem() failed: %v", err)
	}
	if got.Description != item.Description {
		t.Errorf("Description: got %q, want %q", got.Description, item.Description)
	}
	if got.State != types.WorkPending {
		t.Errorf("State: got %q, want %q (default)", got.State, types.WorkPending)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "work:dep-1" {
		t.Errorf("Dependencies: got %v, want [work:dep-1]", got.Dependencies)
	}
}

// TestGetWorkItem_NotFound verifies that GetWorkItem returns ErrNotFound for
// a nonexistent id.
func TestGetWorkItem_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetWorkItem(ctx, "work:does-not-exist")
	if err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestTransitionWorkItem_ValidChain walks the legal pending -> ready ->
// assigned -> in_progress -> completed chain.
func TestTransitionWorkItem_ValidChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.WorkItem{ID: "work:chain-1", Description: "chain test", Phase: types.PhasePlan}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem() failed: %v", err)
	}

	chain := []types.WorkItemState{types.WorkReady, types.WorkAssigned, types.WorkInProgress, types.WorkCompleted}
	for _, next := range chain {
		if err := store.TransitionWorkItem(ctx, item.ID, next); err != nil {
			t.Fatalf("TransitionWorkItem(%s) failed: %v", next, err)
		}
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem() failed: %v", err)
	}
	if got.State != types.WorkCompleted {
		t.Errorf("State: got %q, want %q", got.State, types.WorkCompleted)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be set after transitioning through in_progress")
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set after transitioning to completed")
	}
}

// TestTransitionWorkItem_RejectsIllegalTransition verifies that a disallowed
// transition (pending -> completed) is rejected.
func TestTransitionWorkItem_RejectsIllegalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.WorkItem{ID: "work:illegal-1", Description: "illegal test", Phase: types.PhaseSpec}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem() failed: %v", err)
	}

	err := store.TransitionWorkItem(ctx, item.ID, types.WorkCompleted)
	if err == nil {
		t.Fatal("expected error transitioning pending -> completed directly, got nil")
	}
}

// TestTransitionWorkItem_FailedRequeueIncrementsRetryCount verifies the
// failed -> pending requeue path clears assignment and bumps retry_count.
func TestTransitionWorkItem_FailedRequeueIncrementsRetryCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.WorkItem{ID: "work:requeue-1", Description: "requeue test", Phase: types.PhaseSpec}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem() failed: %v", err)
	}
	for _, next := range []types.WorkItemState{types.WorkReady, types.WorkAssigned, types.WorkFailed} {
		if err := store.TransitionWorkItem(ctx, item.ID, next); err != nil {
			t.Fatalf("TransitionWorkItem(%s) failed: %v", next, err)
		}
	}

	if err := store.TransitionWorkItem(ctx, item.ID, types.WorkPending); err != nil {
		t.Fatalf("TransitionWorkItem(requeue) failed: %v", err)
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem() failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount: got %d, want 1", got.RetryCount)
	}
	if got.AssignedAgent != "" {
		t.Errorf("AssignedAgent: got %q, want empty after requeue", got.AssignedAgent)
	}
}

// TestAssignWorkItem_OnlyFromReady verifies AssignWorkItem only succeeds
// when the item is in the ready state.
func TestAssignWorkItem_OnlyFromReady(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.WorkItem{ID: "work:assign-1", Description: "assign test", Phase: types.PhaseSpec}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem() failed: %v", err)
	}

	// Not yet ready: assignment must fail with a conflict.
	if err := store.AssignWorkItem(ctx, item.ID, "agent:1"); err != types.ErrConflict {
		t.Fatalf("expected ErrConflict assigning a pending item, got %v", err)
	}

	if err := store.TransitionWorkItem(ctx, item.ID, types.WorkReady); err != nil {
		t.Fatalf("TransitionWorkItem(ready) failed: %v", err)
	}
	if err := store.AssignWorkItem(ctx, item.ID, "agent:1"); err != nil {
		t.Fatalf("AssignWorkItem() failed: %v", err)
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem() failed: %v", err)
	}
	if got.State != types.WorkAssigned || got.AssignedAgent != "agent:1" {
		t.Errorf("expected assigned to agent:1, got state=%q assigned_agent=%q", got.State, got.AssignedAgent)
	}
}

// TestRecordResult_SuccessMarksCompleted verifies that RecordResult with
// Success=true transitions the item to completed and persists the result.
func TestRecordResult_SuccessMarksCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.WorkItem{ID: "work:result-1", Description: "result test", Phase: types.PhaseReview}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem() failed: %v", err)
	}

	result := &types.WorkResult{Success: true, MemoryIDs: []string{"mem:1"}, Metrics: types.WorkResultMetrics{DurationMS: 120}}
	if err := store.RecordResult(ctx, item.ID, result); err != nil {
		t.Fatalf("RecordResult() failed: %v", err)
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem() failed: %v", err)
	}
	if got.State != types.WorkCompleted {
		t.Errorf("State: got %q, want %q", got.State, types.WorkCompleted)
	}
	if len(got.Result) == 0 {
		t.Error("expected Result to be populated")
	}
}

// TestRecordResult_FailureMarksFailed verifies the failure path.
func TestRecordResult_FailureMarksFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.WorkItem{ID: "work:result-fail-1", Description: "failure test", Phase: types.PhaseReview}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("CreateWorkItem() failed: %v", err)
	}

	result := &types.WorkResult{Success: false, Error: "boom"}
	if err := store.RecordResult(ctx, item.ID, result); err != nil {
		t.Fatalf("RecordResult() failed: %v", err)
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem() failed: %v", err)
	}
	if got.State != types.WorkFailed {
		t.Errorf("State: got %q, want %q", got.State, types.WorkFailed)
	}
}

// TestListWorkItems_FiltersByState verifies state filtering via
// ListOptions.Status.
func TestListWorkItems_FiltersByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &types.WorkItem{ID: "work:list-a", Description: "a", Phase: types.PhaseSpec}
	b := &types.WorkItem{ID: "work:list-b", Description: "b", Phase: types.PhaseSpec}
	if err := store.CreateWorkItem(ctx, a); err != nil {
		t.Fatalf("CreateWorkItem(a) failed: %v", err)
	}
	if err := store.CreateWorkItem(ctx, b); err != nil {
		t.Fatalf("CreateWorkItem(b) failed: %v", err)
	}
	if err := store.TransitionWorkItem(ctx, b.ID, types.WorkReady); err != nil {
		t.Fatalf("TransitionWorkItem(b) failed: %v", err)
	}

	result, err := store.ListWorkItems(ctx, storage.ListOptions{Status: string(types.WorkReady), Limit: 10})
	if err != nil {
		t.Fatalf("ListWorkItems() failed: %v", err)
	}
	if result.Total != 1 || len(result.Items) != 1 || result.Items[0].ID != "work:list-b" {
		t.Errorf("expected only work:list-b in ready state, got %+v", result.Items)
	}
}
