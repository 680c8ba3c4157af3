package types

import "time"

// AgentRole is the closed sum type for supervised-actor roles. Representing
// role as an exhaustively-matched enum (rather than a free-form runtime
// string) surfaces a missing case at compile time instead of a silent
// dispatch miss.
type AgentRole string

const (
	RoleOrchestrator AgentRole = "orchestrator"
	RoleOptimizer    AgentRole = "optimizer"
	RoleReviewer     AgentRole = "reviewer"
	RoleExecutor     AgentRole = "executor"
)

// AgentState is the closed per-actor state machine:
// Starting -> Idle <-> Running -> Degraded -> Restarting -> {Idle, Stopped}.
type AgentState string

const (
	AgentStarting   AgentState = "starting"
	AgentIdle       AgentState = "idle"
	AgentRunning    AgentState = "running"
	AgentDegraded   AgentState = "degraded"
	AgentRestarting AgentState = "restarting"
	AgentStopped    AgentState = "stopped"
)

// IsValidAgentTransition validates an actor's state transition per section
// 4.6 of the specification.
func IsValidAgentTransition(current, next AgentState) bool {
	switch current {
	case "":
		return next == AgentStarting
	case AgentStarting:
		return next == AgentIdle
	case AgentIdle:
		return next == AgentRunning || next == AgentRestarting || next == AgentStopped
	case AgentRunning:
		return next == AgentIdle || next == AgentDegraded || next == AgentRestarting
	case AgentDegraded:
		return next == AgentRunning || next == AgentIdle || next == AgentRestarting
	case AgentRestarting:
		return next == AgentIdle || next == AgentStopped
	case AgentStopped:
		return false // terminal
	default:
		return false
	}
}

// Agent is a supervised worker identity: its role, health, and position in
// the supervision tree (owner = parent actor id, empty for the root).
type Agent struct {
	ID              string     `json:"id"`
	Role            AgentRole  `json:"role"`
	SubRole         string     `json:"sub_role,omitempty"` // composite sub-role, e.g. "executor:branch-3"
	State           AgentState `json:"state"`
	ErrorCount      int        `json:"error_count"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	LastRestartAt   *time.Time `json:"last_restart_at,omitempty"`
	RestartFailures int        `json:"restart_failures"` // consecutive failed restart attempts
	OwnerID         string     `json:"owner_id,omitempty"`
	Version         int        `json:"version"` // optimistic-concurrency column
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
}
