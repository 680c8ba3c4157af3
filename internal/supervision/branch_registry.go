package supervision

import (
	"sync"

	"github.com/scrypster/memento/pkg/types"
)

// BranchRegistry is the synchronous, process-local registry from section
// 4.6 that enforces at most one mutating Executor per branch. It is a plain
// mutex-guarded map rather than a channel-based actor: branch ownership
// checks happen on the hot path of every Executor dispatch and don't need
// the mailbox's suspension semantics.
type BranchRegistry struct {
	mu    sync.Mutex
	owner map[string]string // branch name -> owning agent id
}

// NewBranchRegistry creates an empty registry.
func NewBranchRegistry() *BranchRegistry {
	return &BranchRegistry{owner: make(map[string]string)}
}

// Acquire claims branch for agentID. Returns types.ErrBusy if another agent
// already owns it.
func (r *BranchRegistry) Acquire(branch, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.owner[branch]; ok && existing != agentID {
		return types.NewError(types.KindBusy, "branch_acquire", branch, nil)
	}
	r.owner[branch] = agentID
	return nil
}

// Release frees branch if agentID currently owns it. Releasing a branch you
// don't own is a no-op.
func (r *BranchRegistry) Release(branch, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner[branch] == agentID {
		delete(r.owner, branch)
	}
}

// Owner reports the current owner of branch, if any.
func (r *BranchRegistry) Owner(branch string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owner[branch]
	return id, ok
}
