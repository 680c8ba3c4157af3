package sqlite

import (
	"context"
	"testing"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// TestCreateLink_RoundTrips verifies that a created link can be retrieved
// via GetLinks.
func TestCreateLink_RoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	storeTestMemory(t, store, "mem:test:link-a", "A")
	storeTestMemory(t, store, "mem:test:link-b", "B")

	link := &types.Link{FromID: "mem:test:link-a", ToID: "mem:test:link-b", Kind: types.LinkExtends, Strength: 0.6}
	if err := store.CreateLink(ctx, link); err != nil {
		t.Fatalf("CreateLink() failed: %v", err)
	}

	links, err := store.GetLinks(ctx, "mem:test:link-a", "")
	if err != nil {
		t.Fatalf("GetLinks() failed: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}
	if links[0].ToID != "mem:test:link-b" || links[0].Kind != types.LinkExtends {
		t.Errorf("unexpected link: %+v", links[0])
	}
	if links[0].Strength != 0.6 {
		t.Errorf("Strength: got %f, want 0.6", links[0].Strength)
	}
}

// TestCreateLink_RejectsSelfLink verifies that a link from a memory to
// itself is rejected.
func TestCreateLink_RejectsSelfLink(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateLink(ctx, &types.Link{FromID: "mem:test:x", ToID: "mem:test:x", Kind: types.LinkReferences})
	if err == nil {
		t.Fatal("expected error for self-link, got nil")
	}
}

// TestCreateLink_RejectsInvalidKind verifies that an unrecognized LinkKind
// is rejected.
func TestCreateLink_RejectsInvalidKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateLink(ctx, &types.Link{FromID: "mem:test:a", ToID: "mem:test:b", Kind: "bogus"})
	if err == nil {
		t.Fatal("expected error for invalid link kind, got nil")
	}
}

// TestCreateLink_ReinforcesExisting verifies that creating the same
// (from, to, kind) link a second time bumps strength instead of erroring.
func TestCreateLink_ReinforcesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	storeTestMemory(t, store, "mem:test:reinforce-a", "A")
	storeTestMemory(t, store, "mem:test:reinforce-b", "B")

	link := &types.Link{FromID: "mem:test:reinforce-a", ToID: "mem:test:reinforce-b", Kind: types.LinkImplements, Strength: 0.5}
	if err := store.CreateLink(ctx, link); err != nil {
		t.Fatalf("first CreateLink() failed: %v", err)
	}
	if err := store.CreateLink(ctx, link); err != nil {
		t.Fatalf("second CreateLink() failed: %v", err)
	}

	links, err := store.GetLinks(ctx, "mem:test:reinforce-a", types.LinkImplements)
	if err != nil {
		t.Fatalf("GetLinks() failed: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected exactly 1 link row after reinforcement, got %d", len(links))
	}
	if links[0].Strength <= 0.5 {
		t.Errorf("expected strength to grow from reinforcement, got %f", links[0].Strength)
	}
}

// TestDeleteLink removes a specific edge.
func TestDeleteLink(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	storeTestMemory(t, store, "mem:test:del-a", "A")
	storeTestMemory(t, store, "mem:test:del-b", "B")

	link := &types.Link{FromID: "mem:test:del-a", ToID: "mem:test:del-b", Kind: types.LinkReferences}
	if err := store.CreateLink(ctx, link); err != nil {
		t.Fatalf("CreateLink() failed: %v", err)
	}

	if err := store.DeleteLink(ctx, "mem:test:del-a", "mem:test:del-b", types.LinkReferences); err != nil {
		t.Fatalf("DeleteLink() failed: %v", err)
	}

	links, err := store.GetLinks(ctx, "mem:test:del-a", "")
	if err != nil {
		t.Fatalf("GetLinks() failed: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("expected 0 links after delete, got %d", len(links))
	}
}

// TestDeleteLink_NotFound verifies that deleting a nonexistent link returns
// storage.ErrNotFound.
func TestDeleteLink_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.DeleteLink(ctx, "mem:test:nope-a", "mem:test:nope-b", types.LinkReferences)
	if err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestDecayLinks verifies that a link reinforced many days ago decays toward
// zero strength according to the 0.01/day formula.
func TestDecayLinks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	storeTestMemory(t, store, "mem:test:decay-a", "A")
	storeTestMemory(t, store, "mem:test:decay-b", "B")

	link := &types.Link{FromID: "mem:test:decay-a", ToID: "mem:test:decay-b", Kind: types.LinkReferences, Strength: 1.0}
	if err := store.CreateLink(ctx, link); err != nil {
		t.Fatalf("CreateLink() failed: %v", err)
	}

	// Backdate last_reinforced_at by 50 days: 1.0*(1-0.01*50) = 0.5.
	if _, err := store.db.ExecContext(ctx,
		"UPDATE memory_links SET last_reinforced_at = datetime('now', '-50 days') WHERE from_id = ? AND to_id = ?",
		"mem:test:decay-a", "mem:test:decay-b"); err != nil {
		t.Fatalf("failed to backdate last_reinforced_at: %v", err)
	}

	n, err := store.DecayLinks(ctx)
	if err != nil {
		t.Fatalf("DecayLinks() failed: %v", err)
	}
	if n < 1 {
		t.Fatalf("DecayLinks() affected %d rows, want >= 1", n)
	}

	links, err := store.GetLinks(ctx, "mem:test:decay-a", "")
	if err != nil {
		t.Fatalf("GetLinks() failed: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}
	if links[0].Strength >= 1.0 {
		t.Errorf("expected decayed strength < 1.0, got %f", links[0].Strength)
	}
}

// TestPruneWeakLinks removes links below the given strength threshold.
func TestPruneWeakLinks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	storeTestMemory(t, store, "mem:test:prune-a", "A")
	storeTestMemory(t, store, "mem:test:prune-b", "B")
	storeTestMemory(t, store, "mem:test:prune-c", "C")

	weak := &types.Link{FromID: "mem:test:prune-a", ToID: "mem:test:prune-b", Kind: types.LinkReferences, Strength: 0.05}
	strong := &types.Link{FromID: "mem:test:prune-a", ToID: "mem:test:prune-c", Kind: types.LinkReferences, Strength: 0.9}
	if err := store.CreateLink(ctx, weak); err != nil {
		t.Fatalf("CreateLink(weak) failed: %v", err)
	}
	if err := store.CreateLink(ctx, strong); err != nil {
		t.Fatalf("CreateLink(strong) failed: %v", err)
	}

	n, err := store.PruneWeakLinks(ctx, 0.1)
	if err != nil {
		t.Fatalf("PruneWeakLinks() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned link, got %d", n)
	}

	links, err := store.GetLinks(ctx, "mem:test:prune-a", "")
	if err != nil {
		t.Fatalf("GetLinks() failed: %v", err)
	}
	if len(links) != 1 || links[0].ToID != "mem:test:prune-c" {
		t.Errorf("expected only the strong link to survive, got %+v", links)
	}
}
