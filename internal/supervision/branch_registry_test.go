package supervision

import "testing"

func TestBranchRegistry_AcquireRelease(t *testing.T) {
	r := NewBranchRegistry()

	if err := r.Acquire("feature/x", "agent:1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Acquire("feature/x", "agent:2"); err == nil {
		t.Fatal("expected second agent to be denied the branch")
	}
	// same owner re-acquiring is a no-op success
	if err := r.Acquire("feature/x", "agent:1"); err != nil {
		t.Fatalf("re-acquire by owner should succeed: %v", err)
	}

	r.Release("feature/x", "agent:1")
	if err := r.Acquire("feature/x", "agent:2"); err != nil {
		t.Fatalf("expected branch free after release: %v", err)
	}
}

func TestBranchRegistry_ReleaseByNonOwnerIsNoop(t *testing.T) {
	r := NewBranchRegistry()
	if err := r.Acquire("feature/y", "agent:1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Release("feature/y", "agent:2")

	owner, ok := r.Owner("feature/y")
	if !ok || owner != "agent:1" {
		t.Fatalf("expected agent:1 to still own feature/y, got %q ok=%v", owner, ok)
	}
}
