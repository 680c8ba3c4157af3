package supervision

import (
	"github.com/scrypster/memento/internal/llm"
	"github.com/scrypster/memento/pkg/types"
)

// MessageKind is the closed set of mailbox message types an actor may
// receive, matching the handler dispatch in section 4.6.
type MessageKind string

const (
	// MsgDoWork assigns a work item to the receiving actor.
	MsgDoWork MessageKind = "do_work"

	// MsgWorkResult carries the outcome of a DoWork assignment back to the
	// Orchestrator.
	MsgWorkResult MessageKind = "work_result"

	// MsgReview asks the Reviewer to run policy/quality checks on an artifact.
	MsgReview MessageKind = "review"

	// MsgConsolidationTick asks the Optimizer to trigger a C5 evolution run.
	MsgConsolidationTick MessageKind = "consolidation_tick"

	// MsgShutdown asks the actor to stop processing and exit its run loop.
	MsgShutdown MessageKind = "shutdown"
)

// Message is a single mailbox entry. Reply, when non-nil, receives the
// handler's error (nil on success) after the handler returns; the send is
// non-blocking, so the channel needs a buffer of at least one.
type Message struct {
	Kind MessageKind

	WorkItem  *types.WorkItem
	WorkResult *types.WorkResult

	ArtifactJSON string
	Policy       string
	ReviewResult *llm.ReviewResponse

	Reply chan error
}

// reply sends err on the message's reply channel, if one was provided, and
// never blocks a handler that forgot to set one.
func (m *Message) reply(err error) {
	if m.Reply == nil {
		return
	}
	select {
	case m.Reply <- err:
	default:
	}
}
