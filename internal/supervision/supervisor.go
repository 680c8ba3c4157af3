package supervision

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/scrypster/memento/internal/eventbus"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// shutdownGraceTimeout is the per-level grace period for top-down shutdown
// described in section 5: Supervisor -> actors -> bridges -> background
// tasks, each given this long to stop before the next level is forced.
const shutdownGraceTimeout = 30 * time.Second

// orchestratorHeartbeat and defaultHeartbeat are the per-role cadences from
// section 4.6.
const (
	orchestratorHeartbeat = 10 * time.Second
	defaultHeartbeat      = 30 * time.Second
)

// Supervisor is the root of the actor hierarchy: it owns agent and work
// persistence, the event bus, the branch registry, the shared work queue,
// and every spawned actor. Dropping a Supervisor (Shutdown) aborts every
// background task it started, matching the resource-lifecycle requirement
// that no task run without a companion shutdown signal.
type Supervisor struct {
	agentStore storage.AgentStore
	bus        *eventbus.Bus
	registry   *BranchRegistry
	queue      *WorkQueue
	deadlock   *DeadlockDetector

	mu     sync.Mutex
	actors map[string]*Actor

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewSupervisor wires a Supervisor to its storage and bus dependencies.
func NewSupervisor(agentStore storage.AgentStore, workStore storage.WorkItemStore, bus *eventbus.Bus) *Supervisor {
	queue := NewWorkQueue(workStore)
	return &Supervisor{
		agentStore: agentStore,
		bus:        bus,
		registry:   NewBranchRegistry(),
		queue:      queue,
		deadlock:   NewDeadlockDetector(queue),
		actors:     make(map[string]*Actor),
	}
}

// Queue exposes the shared work queue so callers can Submit work items.
func (s *Supervisor) Queue() *WorkQueue { return s.queue }

// Registry exposes the branch registry for Executors constructed outside
// Spawn (tests, or a caller wiring its own handler).
func (s *Supervisor) Registry() *BranchRegistry { return s.registry }

// Start begins the deadlock scan loop. Call once before spawning actors.
func (s *Supervisor) Start(ctx context.Context) {
	s.rootCtx, s.rootCancel = context.WithCancel(ctx)
	s.deadlock.Start(s.rootCtx)
}

// Spawn starts a new supervised actor with the role-appropriate heartbeat
// cadence and registers the supervisor's restart policy as its crash
// handler.
func (s *Supervisor) Spawn(id string, role types.AgentRole, subRole string, handler Handler) (*Actor, error) {
	interval := defaultHeartbeat
	if role == types.RoleOrchestrator {
		interval = orchestratorHeartbeat
	}

	a := NewActor(id, role, subRole, handler, s.agentStore, s.bus, interval)
	a.onCrash = s.handleCrash

	if err := a.Start(s.rootCtx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.actors[id] = a
	s.mu.Unlock()
	return a, nil
}

// Actor returns a previously spawned actor by id, if any.
func (s *Supervisor) Actor(id string) (*Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	return a, ok
}

// handleCrash implements the restart policy: attempt a restart, and on
// repeated restart failure (tracked inside Actor.Restart) the actor is
// declared permanently Stopped and dropped from the live set so the parent
// can decide whether to continue degraded or escalate further.
func (s *Supervisor) handleCrash(actorID string) {
	s.mu.Lock()
	a, ok := s.actors[actorID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := a.Restart(s.rootCtx); err != nil {
		log.Printf("[supervision] actor %s exhausted its restart budget and is stopped: %v", actorID, err)
		s.mu.Lock()
		delete(s.actors, actorID)
		s.mu.Unlock()
	}
}

// Shutdown stops the deadlock scanner and every live actor, giving each
// actor up to shutdownGraceTimeout to exit its run loop before moving on.
func (s *Supervisor) Shutdown() {
	if s.rootCancel != nil {
		s.rootCancel()
	}
	s.deadlock.Stop()

	s.mu.Lock()
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			stopped := make(chan struct{})
			go func() {
				a.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownGraceTimeout):
				log.Printf("[supervision] actor %s did not stop within %s", a.ID, shutdownGraceTimeout)
			}
		}(a)
	}
	wg.Wait()
}
