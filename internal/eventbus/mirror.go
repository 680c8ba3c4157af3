package eventbus

import (
	"sync"
	"time"

	"github.com/scrypster/memento/pkg/types"
)

// AgentSnapshot is the state mirror's per-agent projection.
type AgentSnapshot struct {
	State         types.AgentState `json:"state"`
	Health        string           `json:"health"` // "healthy", "degraded", "unknown"
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// WorkQueueStats is the state mirror's aggregate work-item projection.
type WorkQueueStats struct {
	Submitted  int `json:"submitted"`
	Ready      int `json:"ready"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	QueueDepth int `json:"queue_depth"`
}

// MemoryCounters is the state mirror's aggregate memory-lifecycle projection.
type MemoryCounters struct {
	Stored   int `json:"stored"`
	Accessed int `json:"accessed"`
	Linked   int `json:"linked"`
	Archived int `json:"archived"`
}

// Snapshot is the JSON-shaped instant-in-time view the mirror hands to a
// late subscriber per section 4.8.
type Snapshot struct {
	Agents         map[string]AgentSnapshot `json:"agents"`
	WorkQueueStats WorkQueueStats           `json:"work_queue_stats"`
	MemoryCounters MemoryCounters           `json:"memory_counters"`
}

// StateMirror is an in-memory projection of the bus's event stream. Each
// member is guarded by its own lock; lock acquisition order is fixed
// (agents -> work -> memory) so that no operation needing more than one
// can deadlock against another. Readers clone under the lock and release
// it before returning, so no caller ever holds a guard across a blocking
// call.
type StateMirror struct {
	agentsMu sync.RWMutex
	agents   map[string]AgentSnapshot

	workMu sync.RWMutex
	work   WorkQueueStats

	memoryMu sync.RWMutex
	memory   MemoryCounters

	sub *Subscriber
}

// NewStateMirror subscribes to bus and returns a mirror that updates
// itself from the bus's event stream until Close is called.
func NewStateMirror(bus *Bus) *StateMirror {
	m := &StateMirror{
		agents: make(map[string]AgentSnapshot),
		sub:    bus.Subscribe(DefaultCapacity),
	}
	go m.run()
	return m
}

func (m *StateMirror) run() {
	for event := range m.sub.Events() {
		m.apply(event)
	}
}

// Close stops the mirror from consuming further events.
func (m *StateMirror) Close() {
	m.sub.Close()
}

func (m *StateMirror) apply(event types.Event) {
	switch event.Kind {
	case types.EventAgentStarted, types.EventAgentHeartbeat, types.EventAgentStopped,
		types.EventAgentRestarted, types.EventAgentErrorRecorded, types.EventAgentHealthDegraded:
		m.applyAgentEvent(event)

	case types.EventWorkSubmitted, types.EventWorkAssigned, types.EventWorkCompleted, types.EventWorkFailed:
		m.applyWorkEvent(event)

	case types.EventMemoryStored, types.EventMemoryAccessed, types.EventMemoryLinked, types.EventMemoryArchived:
		m.applyMemoryEvent(event)
	}
}

func agentIDFromPayload(event types.Event) string {
	id, _ := event.Payload["agent_id"].(string)
	return id
}

func (m *StateMirror) applyAgentEvent(event types.Event) {
	id := agentIDFromPayload(event)
	if id == "" {
		return
	}

	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()

	snap := m.agents[id]
	snap.Metadata = event.Payload

	switch event.Kind {
	case types.EventAgentStarted:
		snap.State = types.AgentStarting
		snap.Health = "healthy"
	case types.EventAgentHeartbeat:
		snap.LastHeartbeat = event.Timestamp
		if snap.Health != "degraded" {
			snap.Health = "healthy"
		}
	case types.EventAgentStopped:
		snap.State = types.AgentStopped
		snap.Health = "unknown"
	case types.EventAgentRestarted:
		snap.State = types.AgentRestarting
		snap.Health = "healthy"
	case types.EventAgentErrorRecorded:
		snap.Health = "degraded"
	case types.EventAgentHealthDegraded:
		snap.State = types.AgentDegraded
		snap.Health = "degraded"
	}

	m.agents[id] = snap
}

func (m *StateMirror) applyWorkEvent(event types.Event) {
	m.workMu.Lock()
	defer m.workMu.Unlock()

	switch event.Kind {
	case types.EventWorkSubmitted:
		m.work.Submitted++
		m.work.QueueDepth++
	case types.EventWorkAssigned:
		m.work.InProgress++
		if m.work.QueueDepth > 0 {
			m.work.QueueDepth--
		}
	case types.EventWorkCompleted:
		m.work.Completed++
		if m.work.InProgress > 0 {
			m.work.InProgress--
		}
	case types.EventWorkFailed:
		m.work.Failed++
		if m.work.InProgress > 0 {
			m.work.InProgress--
		}
	}
}

func (m *StateMirror) applyMemoryEvent(event types.Event) {
	m.memoryMu.Lock()
	defer m.memoryMu.Unlock()

	switch event.Kind {
	case types.EventMemoryStored:
		m.memory.Stored++
	case types.EventMemoryAccessed:
		m.memory.Accessed++
	case types.EventMemoryLinked:
		m.memory.Linked++
	case types.EventMemoryArchived:
		m.memory.Archived++
	}
}

// Snapshot returns a point-in-time copy of the mirror, acquiring locks in
// the fixed agents -> work -> memory order.
func (m *StateMirror) Snapshot() Snapshot {
	m.agentsMu.RLock()
	agents := make(map[string]AgentSnapshot, len(m.agents))
	for id, snap := range m.agents {
		agents[id] = snap
	}
	m.agentsMu.RUnlock()

	m.workMu.RLock()
	work := m.work
	m.workMu.RUnlock()

	m.memoryMu.RLock()
	memory := m.memory
	m.memoryMu.RUnlock()

	return Snapshot{Agents: agents, WorkQueueStats: work, MemoryCounters: memory}
}
