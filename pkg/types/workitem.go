package types

import "time"

// WorkItemState is the closed set of states a WorkItem moves through. The
// permitted transitions form a DAG: Pending -> Ready -> Assigned ->
// InProgress -> {Completed, Failed}; Ready <-> Blocked; Failed items may be
// requeued back to Pending.
type WorkItemState string

const (
	WorkPending    WorkItemState = "pending"
	WorkReady      WorkItemState = "ready"
	WorkAssigned   WorkItemState = "assigned"
	WorkInProgress WorkItemState = "in_progress"
	WorkCompleted  WorkItemState = "completed"
	WorkFailed     WorkItemState = "failed"
	WorkBlocked    WorkItemState = "blocked"
)

// WorkPhase enumerates the recognized phases of delegated work.
type WorkPhase string

const (
	PhaseSpec           WorkPhase = "spec"
	PhasePlan           WorkPhase = "plan"
	PhaseImplementation WorkPhase = "implementation"
	PhaseReview         WorkPhase = "review"
)

// WorkItem is a unit of delegated work tracked by the Actor Supervision Core.
type WorkItem struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	Phase        WorkPhase     `json:"phase"`
	Priority     int           `json:"priority"` // 0 highest
	Dependencies []string      `json:"dependencies,omitempty"` // WorkItem ids
	State        WorkItemState `json:"state"`
	AssignedAgent string       `json:"assigned_agent,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result     []byte `json:"result,omitempty"` // opaque result blob, present on success
	Error      string `json:"error,omitempty"`  // present on failure
	RetryCount int    `json:"retry_count"`

	ContextBlob []byte `json:"context_blob,omitempty"` // serialized agent-private context for the bridge
}

// WorkResult is the structured outcome returned by the Agent FFI Bridge for
// a single WorkItem.
type WorkResult struct {
	Success    bool              `json:"success"`
	Data       []byte            `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	MemoryIDs  []string          `json:"memory_ids,omitempty"`
	Metrics    WorkResultMetrics `json:"metrics"`
}

// WorkResultMetrics carries the {duration_ms, api_calls, tokens} metrics
// record named in section 6 of the specification.
type WorkResultMetrics struct {
	DurationMS int64 `json:"duration_ms"`
	APICalls   int   `json:"api_calls"`
	Tokens     int   `json:"tokens"`
}
