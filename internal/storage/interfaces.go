// Package storage provides composable storage interfaces for the Mnemosyne
// system.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. This follows the
// Interface Segregation Principle and allows the sqlite and postgres
// backends to share call sites while diverging on vector search strategy.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/memento/pkg/types"
)

// MemoryStore provides CRUD operations and pagination for memories.
// This is the core storage interface for memory lifecycle management.
type MemoryStore interface {
	// Store creates or updates a memory (upsert semantics).
	// If a memory with the same ID exists, it is updated; otherwise, a new
	// one is created. Content is deduplicated within a namespace by
	// ContentHash: storing identical content to an existing, non-archived
	// memory in the same namespace updates that memory's access metadata
	// rather than creating a duplicate row.
	Store(ctx context.Context, memory *types.Memory) error

	// Get retrieves a memory by ID. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// List retrieves memories with pagination and filtering.
	List(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Memory], error)

	// Update modifies an existing memory. Returns ErrNotFound if it doesn't exist.
	Update(ctx context.Context, memory *types.Memory) error

	// Delete soft-deletes a memory by ID (sets deleted_at timestamp).
	// Returns ErrNotFound if the memory doesn't exist.
	Delete(ctx context.Context, id string) error

	// Purge hard-deletes a memory by ID (permanent removal).
	// Returns ErrNotFound if the memory doesn't exist.
	Purge(ctx context.Context, id string) error

	// Restore un-deletes a soft-deleted memory by clearing its deleted_at timestamp.
	// Returns ErrNotFound if the memory doesn't exist or was not soft-deleted.
	Restore(ctx context.Context, id string) error

	// Archive marks a memory as archived (excluded from retrieval, retained
	// for audit) per section 4.5's archival rule.
	Archive(ctx context.Context, id string) error

	// GetEvolutionChain returns the full supersession history for a memory,
	// ordered oldest -> newest (original at index 0, latest at last).
	// It walks backward via superseded_by links. Capped at 50 versions to
	// prevent infinite loops from a corrupted chain.
	GetEvolutionChain(ctx context.Context, memoryID string) ([]*types.Memory, error)

	// UpdateStatus updates the async-processing status of a memory.
	UpdateStatus(ctx context.Context, id string, status types.MemoryStatus) error

	// UpdateEnrichment writes enrichment results back onto a memory:
	// summary, keywords, tags, kind, importance, confidence, and status.
	UpdateEnrichment(ctx context.Context, id string, enrichment EnrichmentUpdate) error

	// IncrementAccessCount atomically increments access_count and
	// access_since_evolution and updates last_accessed_at for the given
	// memory ID. Returns ErrNotFound if the memory does not exist.
	IncrementAccessCount(ctx context.Context, id string) error

	// UpdateDecayScores applies the importance-recalibration formula from
	// section 4.5 to all non-archived memories. Should be invoked
	// periodically by the evolution scheduler. Returns count of updated rows.
	UpdateDecayScores(ctx context.Context) (int, error)

	// ArchiveStale applies the archival rule from section 4.5: archives any
	// non-archived, non-deleted memory with importance < 2 and age > 90
	// days, or whose superseded_by is set and has stood for over 30 days.
	// Returns count of newly archived rows.
	ArchiveStale(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// LinkStore manages typed, directed edges between memories.
type LinkStore interface {
	// CreateLink creates a link, or reinforces an existing (from, to, kind)
	// link by updating last_reinforced_at and bumping strength. Rejects
	// self-links (from == to).
	CreateLink(ctx context.Context, link *types.Link) error

	// GetLinks returns outbound links from a memory, optionally filtered by kind.
	GetLinks(ctx context.Context, fromID string, kind types.LinkKind) ([]*types.Link, error)

	// DeleteLink removes a specific (from, to, kind) link.
	DeleteLink(ctx context.Context, fromID, toID string, kind types.LinkKind) error

	// ReinforceLink increases an existing (from, to, kind) link's strength by
	// delta (clamped to [0,1]) and refreshes last_reinforced_at. Returns
	// ErrNotFound if no such link exists.
	ReinforceLink(ctx context.Context, fromID, toID string, kind types.LinkKind, delta float64) error

	// DecayLinks applies the link-strength decay formula from section 4.5
	// to every link not reinforced today. Returns count of updated rows.
	DecayLinks(ctx context.Context) (int, error)

	// PruneWeakLinks removes links whose strength has decayed below
	// threshold. Supersedes links are permanent and are never pruned.
	// Returns count of removed rows.
	PruneWeakLinks(ctx context.Context, threshold float64) (int, error)
}

// SearchProvider provides full-text, vector, and hybrid semantic search.
type SearchProvider interface {
	// FullTextSearch performs BM25-ranked full-text search across memory content.
	FullTextSearch(ctx context.Context, opts SearchOptions) (*PaginatedResult[types.Memory], error)

	// VectorSearch performs cosine-similarity semantic search using embeddings.
	VectorSearch(ctx context.Context, query []float64, opts SearchOptions) (*PaginatedResult[types.Memory], error)

	// HybridSearch combines full-text, vector, and graph-weighted scores
	// per the weighted-merge formula in section 4.4:
	// 0.70*v_sim + 0.20*k_sim + 0.10*g_weight, followed by recency/importance
	// re-weighting. Results are sorted descending by final score and carry a
	// MatchReason for explainability.
	HybridSearch(ctx context.Context, text string, vector []float64, opts SearchOptions) ([]RetrievalResult, error)
}

// GraphProvider provides bounded graph traversal operations over the Link table.
type GraphProvider interface {
	// Traverse performs bounded BFS/DFS traversal from a starting memory,
	// respecting the hop/node/edge/timeout limits in bounds.
	Traverse(ctx context.Context, startID string, bounds GraphBounds) (*GraphResult, error)

	// FindPath finds the shortest link path between two memories within bounds.
	FindPath(ctx context.Context, startID, endID string, bounds GraphBounds) ([]string, error)

	// GetNeighbors retrieves immediate linked neighbors of a memory.
	GetNeighbors(ctx context.Context, memoryID string, opts ListOptions) (*PaginatedResult[types.Memory], error)
}

// EmbeddingProvider manages vector embeddings with dimension tracking.
type EmbeddingProvider interface {
	// StoreEmbedding stores a vector embedding for a memory.
	StoreEmbedding(ctx context.Context, memoryID string, embedding []float64, dimension int, model string) error

	// GetEmbedding retrieves the embedding for a memory.
	GetEmbedding(ctx context.Context, memoryID string) ([]float64, error)

	// DeleteEmbedding removes an embedding.
	DeleteEmbedding(ctx context.Context, memoryID string) error

	// GetDimension returns the embedding dimension for a model.
	GetDimension(ctx context.Context, model string) (int, error)
}

// WorkItemStore manages delegated work tracked by the Actor Supervision Core.
type WorkItemStore interface {
	// CreateWorkItem inserts a new work item in WorkPending state.
	CreateWorkItem(ctx context.Context, item *types.WorkItem) error

	// GetWorkItem retrieves a work item by ID. Returns ErrNotFound if absent.
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)

	// ListWorkItems retrieves work items with pagination and filtering
	// (e.g. by state or assigned_agent).
	ListWorkItems(ctx context.Context, opts ListOptions) (*PaginatedResult[types.WorkItem], error)

	// TransitionWorkItem validates and applies a state transition per
	// types.IsValidWorkItemTransition, returning types.ErrInvalidState on a
	// disallowed move.
	TransitionWorkItem(ctx context.Context, id string, next types.WorkItemState) error

	// AssignWorkItem atomically assigns a ready work item to an agent and
	// transitions it to WorkAssigned. Returns ErrConflict if the item is no
	// longer in WorkReady state (already claimed by another agent).
	AssignWorkItem(ctx context.Context, id string, agentID string) error

	// RecordResult stores the outcome of a completed or failed work item.
	RecordResult(ctx context.Context, id string, result *types.WorkResult) error
}

// AgentStore manages supervised-actor identity and health records.
type AgentStore interface {
	// UpsertAgent creates or updates an agent record with optimistic
	// concurrency: the caller's Version must match the stored version, or
	// ErrConflict is returned.
	UpsertAgent(ctx context.Context, agent *types.Agent) error

	// GetAgent retrieves an agent by ID. Returns ErrNotFound if absent.
	GetAgent(ctx context.Context, id string) (*types.Agent, error)

	// ListAgents retrieves every known agent, optionally filtered by role or state.
	ListAgents(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Agent], error)

	// RecordHeartbeat updates LastHeartbeatAt for an agent without
	// requiring a full optimistic-concurrency upsert.
	RecordHeartbeat(ctx context.Context, id string, at time.Time) error
}

// EventStore persists the append-only event log backing the state mirror.
type EventStore interface {
	// AppendEvent persists a single event. Events are immutable once written.
	AppendEvent(ctx context.Context, event *types.Event) error

	// ListEvents retrieves events with pagination and filtering (e.g. by
	// kind, source, or time range).
	ListEvents(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Event], error)
}

// EnrichmentUpdate carries the result of an enrich(content) call back onto a
// stored memory.
type EnrichmentUpdate struct {
	Summary         string
	Keywords        []string
	Tags            []string
	Kind            types.MemoryKind
	Importance      int
	Confidence      float64
	RelatedEntities []string

	// Status is the resulting overall MemoryStatus (StatusEnriched or
	// StatusFailed).
	Status types.MemoryStatus

	EmbeddingStatus    types.EnrichmentStatus
	EnrichmentAttempts int
	EnrichmentError    string
	EnrichedAt         *time.Time
}
