package supervision

import (
	"context"
	"sort"
	"sync"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// maxActiveWorkItems and maxCompletedWorkItems implement the hard caps from
// the resource limits table in section 5.
const (
	maxActiveWorkItems    = 10000
	maxCompletedWorkItems = 1000
)

// phaseRole maps a work item's phase to the agent role responsible for it.
func phaseRole(phase types.WorkPhase) types.AgentRole {
	switch phase {
	case types.PhaseSpec, types.PhasePlan:
		return types.RoleOrchestrator
	case types.PhaseReview:
		return types.RoleReviewer
	case types.PhaseImplementation:
		return types.RoleExecutor
	default:
		return types.RoleExecutor
	}
}

// WorkQueue is the Orchestrator-owned queue described in section 4.6: an
// indexed map of active items, a priority-then-FIFO ready set, and a capped
// ring of completed ids so dependency checks don't grow unbounded.
type WorkQueue struct {
	store storage.WorkItemStore

	mu             sync.Mutex
	items          map[string]*types.WorkItem
	ready          []string
	completedSet   map[string]bool
	completedOrder []string
}

// NewWorkQueue constructs an empty queue backed by store for persistence.
func NewWorkQueue(store storage.WorkItemStore) *WorkQueue {
	return &WorkQueue{
		store:        store,
		items:        make(map[string]*types.WorkItem),
		completedSet: make(map[string]bool),
	}
}

// Submit validates dependencies, persists the item in WorkPending, and
// promotes it to WorkReady immediately if it has none outstanding. Returns
// types.ErrBackpressure once the active set is at capacity.
func (q *WorkQueue) Submit(ctx context.Context, item *types.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= maxActiveWorkItems {
		return types.NewError(types.KindBackpressure, "work_queue_submit", item.ID, nil)
	}
	for _, dep := range item.Dependencies {
		if _, active := q.items[dep]; !active && !q.completedSet[dep] {
			return types.NewError(types.KindValidation, "work_queue_submit", item.ID, nil)
		}
	}

	item.State = types.WorkPending
	if err := q.store.CreateWorkItem(ctx, item); err != nil {
		return err
	}
	q.items[item.ID] = item

	if q.depsSatisfiedLocked(item) {
		if err := q.promoteLocked(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (q *WorkQueue) depsSatisfiedLocked(item *types.WorkItem) bool {
	for _, dep := range item.Dependencies {
		if !q.completedSet[dep] {
			return false
		}
	}
	return true
}

func (q *WorkQueue) promoteLocked(ctx context.Context, item *types.WorkItem) error {
	if err := q.store.TransitionWorkItem(ctx, item.ID, types.WorkReady); err != nil {
		return err
	}
	item.State = types.WorkReady
	q.ready = append(q.ready, item.ID)
	sort.SliceStable(q.ready, func(i, j int) bool {
		return q.items[q.ready[i]].Priority < q.items[q.ready[j]].Priority
	})
	return nil
}

// Dispatch claims the highest-priority ready item whose phase maps to role
// and assigns it to agentID. Returns (nil, nil) when nothing is ready for
// that role.
func (q *WorkQueue) Dispatch(ctx context.Context, role types.AgentRole, agentID string) (*types.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.ready {
		item := q.items[id]
		if phaseRole(item.Phase) != role {
			continue
		}
		if err := q.store.AssignWorkItem(ctx, id, agentID); err != nil {
			return nil, err
		}
		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		item.State = types.WorkAssigned
		item.AssignedAgent = agentID
		return item, nil
	}
	return nil, nil
}

// Complete records a finished item's result, retires it into the completed
// ring, and promotes any pending item whose dependencies are now satisfied.
func (q *WorkQueue) Complete(ctx context.Context, id string, result *types.WorkResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return types.NewError(types.KindNotFound, "work_queue_complete", id, nil)
	}
	if err := q.store.RecordResult(ctx, id, result); err != nil {
		return err
	}

	delete(q.items, id)
	q.completedSet[id] = true
	q.completedOrder = append(q.completedOrder, id)
	if len(q.completedOrder) > maxCompletedWorkItems {
		oldest := q.completedOrder[0]
		q.completedOrder = q.completedOrder[1:]
		delete(q.completedSet, oldest)
	}

	for _, other := range q.items {
		if other.State != types.WorkPending {
			continue
		}
		if !dependsOn(other, id) {
			continue
		}
		if q.depsSatisfiedLocked(other) {
			if err := q.promoteLocked(ctx, other); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot returns the ids of items currently in WorkPending, for deadlock
// scanning.
func (q *WorkQueue) Snapshot() map[string]*types.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]*types.WorkItem, len(q.items))
	for id, item := range q.items {
		if item.State != types.WorkPending {
			continue
		}
		cp := *item
		out[id] = &cp
	}
	return out
}

// Fail removes a pending item from the active set and records its failure,
// used by deadlock breaking.
func (q *WorkQueue) Fail(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return types.NewError(types.KindNotFound, "work_queue_fail", id, nil)
	}
	if err := q.driveToFailedLocked(ctx, id, item.State); err != nil {
		return err
	}
	if err := q.store.RecordResult(ctx, id, &types.WorkResult{Success: false, Error: cause.Error()}); err != nil {
		return err
	}
	delete(q.items, id)
	q.completedSet[id] = true
	q.completedOrder = append(q.completedOrder, id)
	if len(q.completedOrder) > maxCompletedWorkItems {
		oldest := q.completedOrder[0]
		q.completedOrder = q.completedOrder[1:]
		delete(q.completedSet, oldest)
	}
	return nil
}

// driveToFailedLocked walks a pending or ready item through the legal
// intermediate states needed to reach WorkFailed, since the state machine
// only allows Failed from Assigned or InProgress. Callers hold q.mu.
func (q *WorkQueue) driveToFailedLocked(ctx context.Context, id string, current types.WorkItemState) error {
	switch current {
	case types.WorkPending, types.WorkBlocked:
		if err := q.store.TransitionWorkItem(ctx, id, types.WorkReady); err != nil {
			return err
		}
		fallthrough
	case types.WorkReady:
		if err := q.store.TransitionWorkItem(ctx, id, types.WorkAssigned); err != nil {
			return err
		}
		fallthrough
	case types.WorkAssigned, types.WorkInProgress:
		return q.store.TransitionWorkItem(ctx, id, types.WorkFailed)
	default:
		return q.store.TransitionWorkItem(ctx, id, types.WorkFailed)
	}
}

func dependsOn(item *types.WorkItem, id string) bool {
	for _, dep := range item.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
