package supervision

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/memento/internal/eventbus"
	"github.com/scrypster/memento/pkg/types"
)

// Bridge is the contract an Executor drives to hand work to the out-of-
// process agent runtime (section 4.7). internal/bridge's concrete client
// satisfies this interface; it is declared here rather than imported to
// keep supervision free of a dependency on the bridge's transport details.
type Bridge interface {
	Spawn(ctx context.Context, role types.AgentRole) error
	SendWork(ctx context.Context, item *types.WorkItem) (*types.WorkResult, error)
	RecordError(ctx context.Context) error
	Restart(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// NewExecutorHandler builds the MsgDoWork handler for an Executor actor: it
// forwards the work item to bridge, records the result against queue, and
// publishes a WorkCompleted/WorkFailed event. A bridge failure is reported
// as a WorkResult with Success=false rather than silently swallowed, per
// section 4.7 — the caller's error return still propagates so the actor's
// own error budget (section 4.6) counts it.
//
// Policy, on the message, doubles as the branch identifier when the work
// item touches a shared mutable branch; pass an empty Policy to skip branch
// ownership checks entirely.
func NewExecutorHandler(bridge Bridge, queue *WorkQueue, registry *BranchRegistry, bus *eventbus.Bus, agentID string) Handler {
	return func(ctx context.Context, msg *Message) error {
		if msg.Kind != MsgDoWork || msg.WorkItem == nil {
			return nil
		}

		branch := msg.Policy
		if branch != "" {
			if err := registry.Acquire(branch, agentID); err != nil {
				return err
			}
			defer registry.Release(branch, agentID)
		}

		result, err := bridge.SendWork(ctx, msg.WorkItem)
		if err != nil {
			if recErr := bridge.RecordError(ctx); recErr != nil {
				log.Printf("[supervision] executor %s: bridge.RecordError failed: %v", agentID, recErr)
			}
			result = &types.WorkResult{Success: false, Error: err.Error()}
		}
		msg.WorkResult = result

		if compErr := queue.Complete(ctx, msg.WorkItem.ID, result); compErr != nil {
			log.Printf("[supervision] executor %s: failed to record completion for %s: %v", agentID, msg.WorkItem.ID, compErr)
		}

		kind := types.EventWorkCompleted
		if !result.Success {
			kind = types.EventWorkFailed
		}
		if bus != nil {
			bus.Publish(types.Event{
				ID:        uuid.NewString(),
				Kind:      kind,
				Source:    "supervision",
				Timestamp: time.Now(),
				Payload: map[string]any{
					"work_item_id": msg.WorkItem.ID,
					"agent_id":     agentID,
				},
			})
		}

		if !result.Success {
			return errors.New(result.Error)
		}
		return nil
	}
}
