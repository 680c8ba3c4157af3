package supervision

import (
	"context"
	"log"
	"time"

	"github.com/scrypster/memento/pkg/types"
)

// deadlockScanInterval matches the 10 s periodic scan from section 4.6.
const deadlockScanInterval = 10 * time.Second

// deadlockPreemptTimeout is how long the Pending set may go without any
// promotion before the lowest-priority blocker is preempted.
const deadlockPreemptTimeout = 60 * time.Second

// DeadlockDetector periodically scans a WorkQueue's pending set for
// dependency cycles and stalled frontiers.
type DeadlockDetector struct {
	queue *WorkQueue

	lastPromotion time.Time
	stop          chan struct{}
	done          chan struct{}
}

// NewDeadlockDetector wires a detector to the given queue.
func NewDeadlockDetector(queue *WorkQueue) *DeadlockDetector {
	return &DeadlockDetector{
		queue:         queue,
		lastPromotion: time.Now(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called.
func (d *DeadlockDetector) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop halts the scan loop and waits for it to exit.
func (d *DeadlockDetector) Stop() {
	close(d.stop)
	<-d.done
}

func (d *DeadlockDetector) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(deadlockScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// scan finds dependency cycles among pending items and fails the items of
// each cycle with ErrCircularDependency; a pending item whose dependencies
// have all failed is not detected as such. If nothing has
// been promoted to Ready within deadlockPreemptTimeout, it preempts the
// lowest-priority blocker to force forward progress.
func (d *DeadlockDetector) scan(ctx context.Context) {
	pending := d.queue.Snapshot()
	if len(pending) == 0 {
		return
	}

	promoted := false
	for id := range pending {
		if cycle := findCycle(id, pending, map[string]int{}); cycle != nil {
			for _, cid := range cycle {
				cause := types.NewError(types.KindCircularDependency, "deadlock_scan", cid, nil)
				if err := d.queue.Fail(ctx, cid, cause); err != nil {
					log.Printf("[supervision] deadlock scan failed to fail item %s: %v", cid, err)
				}
			}
			promoted = true
		}
	}
	if promoted {
		d.lastPromotion = time.Now()
		return
	}

	if time.Since(d.lastPromotion) < deadlockPreemptTimeout {
		return
	}

	blocker := lowestPriorityBlocker(pending)
	if blocker == "" {
		return
	}
	cause := types.NewError(types.KindCircularDependency, "deadlock_preempt", blocker, nil)
	if err := d.queue.Fail(ctx, blocker, cause); err != nil {
		log.Printf("[supervision] deadlock preemption failed for %s: %v", blocker, err)
		return
	}
	log.Printf("[supervision] preempted stalled work item %s after %s without progress", blocker, deadlockPreemptTimeout)
	d.lastPromotion = time.Now()
}

// findCycle walks the dependency graph from start using plain DFS coloring
// (0 unvisited, 1 in-progress, 2 done) and returns the cycle's member ids,
// or nil if start's dependency chain resolves without a cycle.
func findCycle(start string, items map[string]*types.WorkItem, color map[string]int) []string {
	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		item, ok := items[id]
		if !ok {
			return nil
		}
		if color[id] == 1 {
			// found the cycle; trim path back to id's first occurrence
			for i, p := range path {
				if p == id {
					return append([]string{}, path[i:]...)
				}
			}
			return []string{id}
		}
		if color[id] == 2 {
			return nil
		}
		color[id] = 1
		path = append(path, id)
		for _, dep := range item.Dependencies {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		color[id] = 2
		return nil
	}
	return visit(start)
}

// lowestPriorityBlocker returns the id of the pending item with the largest
// Priority value (lowest priority, since 0 is highest) as the item to
// preempt when nothing else can make progress.
func lowestPriorityBlocker(items map[string]*types.WorkItem) string {
	var worst *types.WorkItem
	for _, item := range items {
		if worst == nil || item.Priority > worst.Priority {
			worst = item
		}
	}
	if worst == nil {
		return ""
	}
	return worst.ID
}
