package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing.
func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	store, err := NewMemoryStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreAndGetProvenanceFields verifies that namespace placement,
// provenance, and quality signal fields round-trip correctly through Store
// and Get.
func TestStoreAndGetProvenanceFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	mem := &types.Memory{
		ID:        "mem:test:provenance-1",
		Content:   "Memory with provenance fields",
		Source:    "agent",
		Namespace: types.ProjectNamespace("mnemosyne"),
		Timestamp: now,

		Status: types.StatusEnriched,

		// Provenance
		CreatedBy: "agent:claude",
		SessionID: "session-abc-123",
		SourceContext: map[string]interface{}{
			"tool":    "mcp",
			"version": "1.0",
		},

		// Quality signals
		AccessCount:    5,
		LastAccessedAt: &now,
		DecayScore:     0.85,
		DecayUpdatedAt: &now,
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if got.Namespace != types.ProjectNamespace("mnemosyne") {
		t.Errorf("Namespace: got %+v, want %+v", got.Namespace, types.ProjectNamespace("mnemosyne"))
	}
	if got.Status != types.StatusEnriched {
		t.Errorf("Status: got %q, want %q", got.Status, types.StatusEnriched)
	}

	// Provenance
	if got.CreatedBy != "agent:claude" {
		t.Errorf("CreatedBy: got %q, want %q", got.CreatedBy, "agent:claude")
	}
	if got.SessionID != "session-abc-123" {
		t.Errorf("SessionID: got %q, want %q", got.SessionID, "session-abc-123")
	}
	if got.SourceContext == nil {
		t.Fatal("SourceContext: got nil, want non-nil")
	}
	if tool, ok := got.SourceContext["tool"].(string); !ok || tool != "mcp" {
		t.Errorf("SourceContext[tool]: got %v, want %q", got.SourceContext["tool"], "mcp")
	}
	if version, ok := got.SourceContext["version"].(string); !ok || version != "1.0" {
		t.Errorf("SourceContext[version]: got %v, want %q", got.SourceContext["version"], "1.0")
	}

	// Quality signals
	if got.AccessCount != 5 {
		t.Errorf("AccessCount: got %d, want 5", got.AccessCount)
	}
	if got.LastAccessedAt == nil {
		t.Fatal("LastAccessedAt: got nil, want non-nil")
	}
	if !got.LastAccessedAt.Equal(now) {
		t.Errorf("LastAccessedAt: got %v, want %v", got.LastAccessedAt, now)
	}
	if got.DecayScore != 0.85 {
		t.Errorf("DecayScore: got %f, want 0.85", got.DecayScore)
	}
	if got.DecayUpdatedAt == nil {
		t.Fatal("DecayUpdatedAt: got nil, want non-nil")
	}
	if !got.DecayUpdatedAt.Equal(now) {
		t.Errorf("DecayUpdatedAt: got %v, want %v", got.DecayUpdatedAt, now)
	}
}

// TestStoreNullableProvenanceFields verifies that optional provenance fields
// are handled correctly when absent (zero/nil values stored and retrieved as nil).
func TestStoreNullableProvenanceFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:      "mem:test:provenance-null",
		Content: "Memory without optional provenance fields",
		Source:  "manual",

		// Intentionally omitting: CreatedBy, SessionID, SourceContext,
		// LastAccessedAt, DecayUpdatedAt
		AccessCount: 0,
		DecayScore:  1.0, // default
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	// Nullable timestamps must be nil when not set
	if got.LastAccessedAt != nil {
		t.Errorf("LastAccessedAt: got %v, want nil", got.LastAccessedAt)
	}
	if got.DecayUpdatedAt != nil {
		t.Errorf("DecayUpdatedAt: got %v, want nil", got.DecayUpdatedAt)
	}

	// Optional string fields must be empty when not set
	if got.CreatedBy != "" {
		t.Errorf("CreatedBy: got %q, want empty string", got.CreatedBy)
	}
	if got.SessionID != "" {
		t.Errorf("SessionID: got %q, want empty string", got.SessionID)
	}

	// SourceContext must be nil when not set
	if got.SourceContext != nil {
		t.Errorf("SourceContext: got %v, want nil", got.SourceContext)
	}

	// Namespace defaults to global when never set
	if !got.Namespace.IsZero() {
		t.Errorf("Namespace: got %+v, want global (zero)", got.Namespace)
	}

	// Default quality signal values
	if got.AccessCount != 0 {
		t.Errorf("AccessCount: got %d, want 0", got.AccessCount)
	}
	if got.DecayScore != 1.0 {
		t.Errorf("DecayScore: got %f, want 1.0", got.DecayScore)
	}
}

// TestStoreSourceContextSizeValidation verifies that Store returns an error
// when SourceContext serializes to more than 4096 bytes.
func TestStoreSourceContextSizeValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	largeContext := map[string]interface{}{
		"data": strings.Repeat("x", 5000),
	}

	mem := &types.Memory{
		ID:            "mem:test:large-context",
		Content:       "Memory with oversized source_context",
		Source:        "test",
		SourceContext: largeContext,
	}

	err := store.Store(ctx, mem)
	if err == nil {
		t.Fatal("Store() should have returned an error for SourceContext exceeding 4KB, got nil")
	}
	if !strings.Contains(err.Error(), "source_context") {
		t.Errorf("Store() error message should mention source_context, got: %v", err)
	}
}

// TestStoreSourceContextSizeValidationBoundary verifies that a SourceContext
// comfortably under 4096 bytes is accepted.
func TestStoreSourceContextSizeValidationBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	underLimit := map[string]interface{}{
		"k": strings.Repeat("x", 4080),
	}

	memUnder := &types.Memory{
		ID:            "mem:test:ctx-under-limit",
		Content:       "memory under limit",
		Source:        "test",
		SourceContext: underLimit,
	}

	if err := store.Store(ctx, memUnder); err != nil {
		t.Errorf("Store() should accept SourceContext under 4KB, got: %v", err)
	}
}

// TestUpsertPreservesProvenanceFields verifies that upserting a memory
// (calling Store a second time) correctly updates provenance fields.
func TestUpsertPreservesProvenanceFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	mem := &types.Memory{
		ID:         "mem:test:upsert-provenance",
		Content:    "Original content",
		Source:     "agent",
		CreatedBy:  "agent:v1",
		SessionID:  "session-old",
		Status:     types.StatusPending,
		DecayScore: 1.0,
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("first Store() failed: %v", err)
	}

	// Update provenance fields and upsert
	mem.Content = "Updated content"
	mem.CreatedBy = "agent:v2"
	mem.SessionID = "session-new"
	mem.Status = types.StatusEnriched
	mem.DecayScore = 0.9
	mem.AccessCount = 3
	mem.LastAccessedAt = &now

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("second Store() (upsert) failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if got.Content != "Updated content" {
		t.Errorf("Content: got %q, want %q", got.Content, "Updated content")
	}
	if got.CreatedBy != "agent:v2" {
		t.Errorf("CreatedBy: got %q, want %q", got.CreatedBy, "agent:v2")
	}
	if got.SessionID != "session-new" {
		t.Errorf("SessionID: got %q, want %q", got.SessionID, "session-new")
	}
	if got.Status != types.StatusEnriched {
		t.Errorf("Status: got %q, want %q", got.Status, types.StatusEnriched)
	}
	if got.DecayScore != 0.9 {
		t.Errorf("DecayScore: got %f, want 0.9", got.DecayScore)
	}
	if got.AccessCount != 3 {
		t.Errorf("AccessCount: got %d, want 3", got.AccessCount)
	}
}

// TestStoreAndGetNamespaceVariants verifies all three namespace scope shapes
// round-trip correctly.
func TestStoreAndGetNamespaceVariants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	namespaces := []types.Namespace{
		types.GlobalNamespace(),
		types.ProjectNamespace("mnemosyne"),
		types.SessionNamespace("mnemosyne", "sess-1"),
	}

	for i, ns := range namespaces {
		mem := &types.Memory{
			ID:        "mem:test:ns-" + ns.String(),
			Content:   "Memory in namespace " + ns.String(),
			Source:    "test",
			Namespace: ns,
		}

		if err := store.Store(ctx, mem); err != nil {
			t.Fatalf("Store() for namespace %q failed: %v", ns, err)
		}

		got, err := store.Get(ctx, mem.ID)
		if err != nil {
			t.Fatalf("Get() for namespace %q (index %d) failed: %v", ns, i, err)
		}

		if got.Namespace != ns {
			t.Errorf("Namespace[%d]: got %+v, want %+v", i, got.Namespace, ns)
		}
	}
}

// TestIncrementAccessCount verifies that IncrementAccessCount atomically
// increments access_count, access_since_evolution, and last_accessed_at.
func TestIncrementAccessCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:          "mem:test:access-count",
		Content:     "Memory for access count test",
		Source:      "test",
		AccessCount: 0,
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	if err := store.IncrementAccessCount(ctx, mem.ID); err != nil {
		t.Fatalf("IncrementAccessCount() #1 failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() after first increment failed: %v", err)
	}

	if got.AccessCount != 1 {
		t.Errorf("AccessCount after 1 increment: got %d, want 1", got.AccessCount)
	}
	if got.AccessSinceEvolution != 1 {
		t.Errorf("AccessSinceEvolution after 1 increment: got %d, want 1", got.AccessSinceEvolution)
	}
	if got.LastAccessedAt == nil {
		t.Fatal("LastAccessedAt: got nil after increment, want non-nil")
	}

	if err := store.IncrementAccessCount(ctx, mem.ID); err != nil {
		t.Fatalf("IncrementAccessCount() #2 failed: %v", err)
	}

	got2, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() after second increment failed: %v", err)
	}

	if got2.AccessCount != 2 {
		t.Errorf("AccessCount after 2 increments: got %d, want 2", got2.AccessCount)
	}
}

// TestIncrementAccessCount_NotFound verifies that IncrementAccessCount returns
// an error when the memory does not exist.
func TestIncrementAccessCount_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.IncrementAccessCount(ctx, "mem:test:does-not-exist")
	if err == nil {
		t.Fatal("IncrementAccessCount() on non-existent memory: expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("IncrementAccessCount() error should mention 'not found', got: %v", err)
	}
}

// TestDefaultDecayScore verifies that a memory stored with a zero decay score
// is given the default decay score of 1.0.
func TestDefaultDecayScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:         "mem:test:default-decay",
		Content:    "Memory without explicit decay score",
		Source:     "test",
		DecayScore: 0.0,
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if got.DecayScore != 1.0 {
		t.Errorf("DecayScore: got %f, want 1.0", got.DecayScore)
	}
	if got.AccessCount != 0 {
		t.Errorf("AccessCount: got %d, want 0", got.AccessCount)
	}
}

// TestUpdateDecayScores verifies the importance-recalibration formula lowers
// decay_score for an aged memory and clamps the recalibrated importance into
// [1,10].
func TestUpdateDecayScores(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:         "mem:test:decay-recalc",
		Content:    "Aged memory",
		Source:     "test",
		Importance: 8,
		DecayScore: 1.0,
	}
	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	// Backdate created_at so the decay formula has something to act on.
	oldCreatedAt := time.Now().AddDate(0, 0, -90)
	if _, err := store.db.ExecContext(ctx, "UPDATE memories SET created_at = ? WHERE id = ?", oldCreatedAt, mem.ID); err != nil {
		t.Fatalf("failed to backdate created_at: %v", err)
	}

	n, err := store.UpdateDecayScores(ctx)
	if err != nil {
		t.Fatalf("UpdateDecayScores() failed: %v", err)
	}
	if n < 1 {
		t.Fatalf("UpdateDecayScores() affected %d rows, want >= 1", n)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.DecayScore >= 1.0 {
		t.Errorf("DecayScore after 90 days: got %f, want < 1.0", got.DecayScore)
	}
	if got.DecayScore < 0.5 {
		t.Errorf("DecayScore floor violated: got %f, want >= 0.5", got.DecayScore)
	}
	if got.Importance < types.MinImportance || got.Importance > types.MaxImportance {
		t.Errorf("Importance out of bounds after recalibration: got %d", got.Importance)
	}
	if got.AccessSinceEvolution != 0 {
		t.Errorf("AccessSinceEvolution should reset to 0, got %d", got.AccessSinceEvolution)
	}
}

// TestDelete_SoftDelete verifies that Delete() performs a soft delete (sets deleted_at).
func TestDelete_SoftDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:      "mem:test:softdelete-1",
		Content: "To be soft deleted",
		Source:  "test",
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	if err := store.Delete(ctx, mem.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err == nil {
		t.Errorf("Get() should fail for soft-deleted memory, but got: %v", got)
	}

	result, err := store.List(ctx, storage.ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if result.Total > 0 {
		t.Errorf("List() should return no memories after soft delete, but got %d", result.Total)
	}
}

// TestRestore_UndoesSoftDelete verifies that Restore() clears deleted_at so
// the memory becomes visible again.
func TestRestore_UndoesSoftDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:      "mem:test:restore-1",
		Content: "To be restored",
		Source:  "test",
	}
	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if err := store.Delete(ctx, mem.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := store.Restore(ctx, mem.ID); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() after Restore() failed: %v", err)
	}
	if got.DeletedAt != nil {
		t.Errorf("DeletedAt after Restore(): got %v, want nil", got.DeletedAt)
	}
}

// TestArchive_SetsArchivedFlag verifies that Archive() marks the memory
// archived without hiding it from Get().
func TestArchive_SetsArchivedFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:      "mem:test:archive-1",
		Content: "To be archived",
		Source:  "test",
	}
	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if err := store.Archive(ctx, mem.ID); err != nil {
		t.Fatalf("Archive() failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() after Archive() failed: %v", err)
	}
	if !got.Archived {
		t.Error("Archived: got false, want true")
	}
}

// TestArchiveStale_ArchivesLowImportanceAgedMemory verifies the
// importance<2/age>90 leg of the archival rule.
func TestArchiveStale_ArchivesLowImportanceAgedMemory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{ID: "mem:test:stale-1", Content: "low importance aged", Source: "test", Importance: 1}
	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, "UPDATE memories SET created_at = datetime('now', '-100 days') WHERE id = ?", mem.ID); err != nil {
		t.Fatalf("failed to backdate created_at: %v", err)
	}

	n, err := store.ArchiveStale(ctx)
	if err != nil {
		t.Fatalf("ArchiveStale() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("ArchiveStale() affected %d rows, want 1", n)
	}

	got, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Archived {
		t.Error("expected memory to be archived")
	}
}

// TestArchiveStale_LeavesRecentOrImportantMemoriesAlone verifies memories
// outside the archival rule are left untouched.
func TestArchiveStale_LeavesRecentOrImportantMemoriesAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	important := &types.Memory{ID: "mem:test:stale-important", Content: "important", Source: "test", Importance: 9}
	if err := store.Store(ctx, important); err != nil {
		t.Fatalf("Store(important) failed: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, "UPDATE memories SET created_at = datetime('now', '-200 days') WHERE id = ?", important.ID); err != nil {
		t.Fatalf("failed to backdate created_at: %v", err)
	}

	recent := &types.Memory{ID: "mem:test:stale-recent", Content: "recent", Source: "test", Importance: 1}
	if err := store.Store(ctx, recent); err != nil {
		t.Fatalf("Store(recent) failed: %v", err)
	}

	n, err := store.ArchiveStale(ctx)
	if err != nil {
		t.Fatalf("ArchiveStale() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ArchiveStale() affected %d rows, want 0", n)
	}
}

// TestArchiveStale_ArchivesOldSupersession verifies the superseded_by-older-
// than-30-days leg of the archival rule.
func TestArchiveStale_ArchivesOldSupersession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original := &types.Memory{ID: "mem:test:stale-superseded", Content: "v1", Source: "test", Importance: 7}
	if err := store.Store(ctx, original); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if _, err := store.db.ExecContext(ctx,
		"UPDATE memories SET superseded_by = ?, updated_at = datetime('now', '-40 days') WHERE id = ?",
		"mem:test:stale-superseded-v2", original.ID); err != nil {
		t.Fatalf("failed to backdate supersession: %v", err)
	}

	n, err := store.ArchiveStale(ctx)
	if err != nil {
		t.Fatalf("ArchiveStale() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("ArchiveStale() affected %d rows, want 1", n)
	}
}

// TestDelete_HardDelete verifies that Purge() performs a hard delete.
func TestDelete_HardDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &types.Memory{
		ID:      "mem:test:harddelete-1",
		Content: "To be hard deleted",
		Source:  "test",
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	if err := store.Purge(ctx, mem.ID); err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}

	got, err := store.Get(ctx, mem.ID)
	if err == nil {
		t.Errorf("Get() should fail for purged memory, but got: %v", got)
	}

	err = store.Purge(ctx, mem.ID)
	if err != storage.ErrNotFound {
		t.Errorf("Purge() on non-existent memory: want ErrNotFound, got %v", err)
	}
}

// TestStoreMemory_ContentHashStored verifies that content_hash is computed
// and stored on every memory, scoped within a namespace.
func TestStoreMemory_ContentHashStored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	content := "Content hash storage test"

	mem := &types.Memory{
		ID:      "mem:test:hash-1",
		Content: content,
		Source:  "test",
	}

	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	if mem.ContentHash == "" {
		t.Error("ContentHash should be set after Store(), got empty string")
	}

	retrieved, err := store.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if retrieved.ContentHash != mem.ContentHash {
		t.Errorf("ContentHash mismatch: stored %q, retrieved %q", mem.ContentHash, retrieved.ContentHash)
	}
}

// TestStoreMemory_DuplicateContentDedupes verifies that storing identical
// content in the same namespace bumps the existing row's access count
// instead of inserting a second memory.
func TestStoreMemory_DuplicateContentDedupes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	content := "Duplicate content for dedup test"
	ns := types.ProjectNamespace("dedup-proj")

	first := &types.Memory{ID: "mem:test:dup-1", Content: content, Source: "test", Namespace: ns}
	if err := store.Store(ctx, first); err != nil {
		t.Fatalf("Store() first failed: %v", err)
	}

	second := &types.Memory{ID: "mem:test:dup-2", Content: content, Source: "test", Namespace: ns}
	if err := store.Store(ctx, second); err != nil {
		t.Fatalf("Store() second failed: %v", err)
	}

	// The second Store should have deduplicated against the first rather
	// than creating mem:test:dup-2.
	if _, err := store.Get(ctx, "mem:test:dup-2"); err == nil {
		t.Error("expected mem:test:dup-2 to not exist (deduped against mem:test:dup-1)")
	}

	got, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get() first failed: %v", err)
	}
	if got.AccessCount < 1 {
		t.Errorf("expected AccessCount to be bumped by duplicate Store(), got %d", got.AccessCount)
	}
}

// TestEvolveMemory_CreatesNewVersionAndSupersedes verifies evolution chains
// via superseded_by and GetEvolutionChain.
func TestEvolveMemory_CreatesNewVersionAndSupersedes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original := &types.Memory{
		ID:      "mem:test:evolve-1",
		Content: "Original content",
		Source:  "test",
		Tags:    []string{"important"},
	}

	if err := store.Store(ctx, original); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	evolved := &types.Memory{
		ID:      "mem:test:evolve-2",
		Content: "Evolved content",
		Source:  original.Source,
		Tags:    original.Tags,
	}

	if err := store.Store(ctx, evolved); err != nil {
		t.Fatalf("Store() evolved failed: %v", err)
	}

	// Mark original as superseded by the evolved memory.
	original.SupersededBy = evolved.ID
	if err := store.Update(ctx, original); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	retrievedOriginal, err := store.Get(ctx, original.ID)
	if err != nil {
		t.Fatalf("Get() original failed: %v", err)
	}
	if retrievedOriginal.SupersededBy != evolved.ID {
		t.Errorf("SupersededBy: want %s, got %s", evolved.ID, retrievedOriginal.SupersededBy)
	}

	chain, err := store.GetEvolutionChain(ctx, evolved.ID)
	if err != nil {
		t.Fatalf("GetEvolutionChain() failed: %v", err)
	}
	if len(chain) < 2 {
		t.Fatalf("expected evolution chain of at least 2, got %d", len(chain))
	}
	ids := map[string]bool{}
	for _, m := range chain {
		ids[m.ID] = true
	}
	if !ids[original.ID] || !ids[evolved.ID] {
		t.Errorf("expected chain to include both %s and %s, got %+v", original.ID, evolved.ID, ids)
	}
}

// TestDbPathFromDSN verifies DSN parsing for bare paths, file: URIs, and in-memory.
func TestDbPathFromDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"in-memory", ":memory:", ""},
		{"empty", "", ""},
		{"bare path", "/tmp/test.db", "/tmp/test.db"},
		{"file URI bare", "file:/tmp/test.db", "/tmp/test.db"},
		{"file URI with params", "file:/tmp/test.db?mode=rwc&_journal=WAL", "/tmp/test.db"},
		{"file URI memory", "file::memory:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dbPathFromDSN(tt.dsn)
			if got != tt.want {
				t.Errorf("dbPathFromDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
			}
		})
	}
}

// TestClose_WALCheckpoint verifies that Close() flushes the WAL so -shm is removed.
func TestClose_WALCheckpoint(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "checkpoint-test.db")

	store, err := NewMemoryStore(dbPath)
	if err != nil {
		t.Fatalf("NewMemoryStore() failed: %v", err)
	}

	ctx := context.Background()
	mem := &types.Memory{
		ID:      "mem:test:wal-checkpoint",
		Content: "WAL checkpoint test data",
		Source:  "test",
	}
	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	shmPath := dbPath + "-shm"
	if _, err := os.Stat(shmPath); err == nil {
		t.Errorf("-shm file still exists after Close(): %s", shmPath)
	}
}

// TestNewMemoryStore_RecoverStaleWAL verifies that NewMemoryStore can open a
// database after stale -shm files are left behind by a crashed process.
func TestNewMemoryStore_RecoverStaleWAL(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "stale-wal-test.db")

	store, err := NewMemoryStore(dbPath)
	if err != nil {
		t.Fatalf("initial NewMemoryStore() failed: %v", err)
	}

	ctx := context.Background()
	mem := &types.Memory{
		ID:      "mem:test:stale-wal",
		Content: "Stale WAL recovery test",
		Source:  "test",
	}
	if err := store.Store(ctx, mem); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	shmPath := dbPath + "-shm"
	if err := os.WriteFile(shmPath, []byte("garbage-shm-data-from-crash"), 0644); err != nil {
		t.Fatalf("failed to write fake -shm: %v", err)
	}

	store2, err := NewMemoryStore(dbPath)
	if err != nil {
		t.Fatalf("NewMemoryStore() after stale WAL should succeed, got: %v", err)
	}
	defer func() { _ = store2.Close() }()

	got, err := store2.Get(ctx, "mem:test:stale-wal")
	if err != nil {
		t.Fatalf("Get() after recovery failed: %v", err)
	}
	if got.Content != "Stale WAL recovery test" {
		t.Errorf("Content after recovery: got %q, want %q", got.Content, "Stale WAL recovery test")
	}
}
