package bridge

import "github.com/scrypster/memento/pkg/types"

// frame is the line-delimited JSON envelope exchanged with the agent
// runtime process over stdin/stdout, matching the request/response shape
// the teacher's Aider bridge used for its NATS command/status messages,
// adapted here to a direct pipe protocol instead of a second broker.
type frame struct {
	Type string `json:"type"`

	// Request fields (bridge -> process).
	RequestID string          `json:"request_id,omitempty"`
	Role      types.AgentRole `json:"role,omitempty"`
	WorkItem  *types.WorkItem `json:"work_item,omitempty"`

	// Response fields (process -> bridge).
	WorkResult *types.WorkResult `json:"work_result,omitempty"`
	Error      string            `json:"error,omitempty"`

	// Status fields, used for the unsolicited "status"/"log" frames a
	// process may emit between requests.
	Status string `json:"status,omitempty"`
	Line   string `json:"line,omitempty"`
}

const (
	frameSpawn    = "spawn"
	frameWork     = "work"
	frameResult   = "result"
	frameStatus   = "status"
	frameLog      = "log"
	frameShutdown = "shutdown"
)
