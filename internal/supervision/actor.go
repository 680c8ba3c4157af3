package supervision

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/scrypster/memento/internal/eventbus"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
	"github.com/google/uuid"
)

// errorBudgetWindow is the 60 s window the restart policy counts errors
// within, per section 4.6.
const errorBudgetWindow = 60 * time.Second

// errorBudget is the error_count threshold that forces a restart.
const errorBudget = 5

// degradedThreshold is the error_count threshold that enters Degraded.
const degradedThreshold = 3

// maxConsecutiveRestartFailures declares an actor Stopped after this many
// restart attempts fail back to back.
const maxConsecutiveRestartFailures = 3

// Handler processes a single mailbox message. Returning an error counts
// against the actor's error budget.
type Handler func(ctx context.Context, msg *Message) error

// Actor is a supervised, single-goroutine task with a FIFO mailbox. Multiple
// actors run concurrently; the Go runtime's own goroutine scheduler provides
// the work-stealing the specification describes, so no hand-rolled pool sits
// between an actor and its goroutine.
type Actor struct {
	ID      string
	Role    types.AgentRole
	SubRole string

	mailbox *Mailbox
	handler Handler

	agentStore storage.AgentStore
	bus        *eventbus.Bus

	heartbeatInterval time.Duration

	mu              sync.Mutex
	state           types.AgentState
	errorCount      int
	errorWindowFrom time.Time
	restartFailures int

	onCrash func(actorID string) // invoked when the actor gives up and stops permanently

	cancel context.CancelFunc
	done   chan struct{}
}

// NewActor constructs an actor. heartbeatInterval matches the per-role
// cadence from section 4.6 (10s Orchestrator, 30s others).
func NewActor(id string, role types.AgentRole, subRole string, handler Handler, agentStore storage.AgentStore, bus *eventbus.Bus, heartbeatInterval time.Duration) *Actor {
	return &Actor{
		ID:                id,
		Role:              role,
		SubRole:           subRole,
		mailbox:           NewMailbox(),
		handler:           handler,
		agentStore:        agentStore,
		bus:               bus,
		heartbeatInterval: heartbeatInterval,
		done:              make(chan struct{}),
	}
}

// Send enqueues a message on the actor's mailbox.
func (a *Actor) Send(ctx context.Context, msg *Message) error {
	return a.mailbox.Send(ctx, msg)
}

// State returns the actor's current in-memory state.
func (a *Actor) State() types.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start transitions Starting -> Idle, persists the agent record, and spawns
// the run loop and heartbeat ticker.
func (a *Actor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.transition(runCtx, types.AgentStarting); err != nil {
		cancel()
		return err
	}
	if err := a.transition(runCtx, types.AgentIdle); err != nil {
		cancel()
		return err
	}
	a.publish(types.EventAgentStarted, nil)

	go a.run(runCtx)
	return nil
}

// Stop cancels the actor's run loop and waits for it to exit.
func (a *Actor) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mailbox.Close()
	<-a.done
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)

	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	if a.heartbeatInterval > 0 {
		heartbeat = time.NewTicker(a.heartbeatInterval)
		heartbeatC = heartbeat.C
		defer heartbeat.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			_ = a.transition(context.Background(), types.AgentStopped)
			a.publish(types.EventAgentStopped, nil)
			return

		case <-heartbeatC:
			a.heartbeat(ctx)

		case msg, ok := <-a.mailbox.Receive():
			if !ok {
				return
			}
			a.process(ctx, msg)
		}
	}
}

func (a *Actor) heartbeat(ctx context.Context) {
	if a.agentStore != nil {
		if err := a.agentStore.RecordHeartbeat(ctx, a.ID, time.Now()); err != nil {
			log.Printf("[supervision] actor %s failed to record heartbeat: %v", a.ID, err)
		}
	}
	a.publish(types.EventAgentHeartbeat, nil)
}

func (a *Actor) process(ctx context.Context, msg *Message) {
	if msg.Kind == MsgShutdown {
		msg.reply(nil)
		a.cancel()
		return
	}

	_ = a.transition(ctx, types.AgentRunning)

	err := a.handler(ctx, msg)
	msg.reply(err)

	if err != nil {
		a.recordError(ctx, err)
		return
	}

	a.mu.Lock()
	degraded := a.state == types.AgentDegraded
	a.mu.Unlock()
	if !degraded {
		_ = a.transition(ctx, types.AgentIdle)
	}
}

// recordError applies the per-actor error budget: errors are counted within
// a fixed 60s window that starts at the first error after the previous
// window expired; degradedThreshold enters Degraded, errorBudget
// forces a restart request to the actor's supervisor.
func (a *Actor) recordError(ctx context.Context, cause error) {
	a.mu.Lock()
	now := time.Now()
	if a.errorWindowFrom.IsZero() || now.Sub(a.errorWindowFrom) > errorBudgetWindow {
		a.errorWindowFrom = now
		a.errorCount = 0
	}
	a.errorCount++
	count := a.errorCount
	a.mu.Unlock()

	a.publish(types.EventAgentErrorRecorded, map[string]any{"error": cause.Error(), "count": count})

	if count >= errorBudget {
		log.Printf("[supervision] actor %s exceeded error budget (%d in %s), requesting restart", a.ID, count, errorBudgetWindow)
		if a.onCrash != nil {
			a.onCrash(a.ID)
		}
		return
	}

	if count >= degradedThreshold {
		_ = a.transition(ctx, types.AgentDegraded)
		a.publish(types.EventAgentHealthDegraded, map[string]any{"error_count": count})
		return
	}

	_ = a.transition(ctx, types.AgentIdle)
}

// Restart resets the error window and state, matching the restart policy:
// reinitialise state, emit AgentRestarted. Returns an error if the restart
// budget (maxConsecutiveRestartFailures) has been exhausted, in which case
// the caller should declare the actor permanently Stopped.
func (a *Actor) Restart(ctx context.Context) error {
	if err := a.transition(ctx, types.AgentRestarting); err != nil {
		return err
	}

	a.mu.Lock()
	a.errorCount = 0
	a.errorWindowFrom = time.Time{}
	a.mu.Unlock()

	if err := a.transition(ctx, types.AgentIdle); err != nil {
		a.mu.Lock()
		a.restartFailures++
		failures := a.restartFailures
		a.mu.Unlock()
		if failures >= maxConsecutiveRestartFailures {
			_ = a.transition(ctx, types.AgentStopped)
			return errors.New("supervision: restart budget exhausted, actor stopped")
		}
		return err
	}

	a.mu.Lock()
	a.restartFailures = 0
	a.mu.Unlock()
	a.publish(types.EventAgentRestarted, nil)
	return nil
}

func (a *Actor) transition(ctx context.Context, next types.AgentState) error {
	a.mu.Lock()
	current := a.state
	if !types.IsValidAgentTransition(current, next) {
		a.mu.Unlock()
		return types.NewError(types.KindInvalidState, "actor_transition", a.ID, nil)
	}
	a.state = next
	a.mu.Unlock()

	if a.agentStore == nil {
		return nil
	}

	agent, err := a.agentStore.GetAgent(ctx, a.ID)
	if err != nil {
		agent = &types.Agent{ID: a.ID, Role: a.Role, SubRole: a.SubRole, Version: 0}
	}
	agent.State = next
	agent.LastHeartbeatAt = time.Now()
	if err := a.agentStore.UpsertAgent(ctx, agent); err != nil && !errors.Is(err, types.ErrConflict) {
		log.Printf("[supervision] actor %s failed to persist state %s: %v", a.ID, next, err)
	}
	return nil
}

func (a *Actor) publish(kind types.EventKind, payload map[string]any) {
	if a.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["agent_id"] = a.ID
	a.bus.Publish(types.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    "supervision",
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
