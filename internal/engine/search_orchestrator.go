package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// SearchOrchestrator coordinates memory search operations.
// It provides hybrid retrieval combining full-text, vector, and
// graph-weighted scoring, per section 4.4's weighted-merge formula.
type SearchOrchestrator struct {
	memoryStore    storage.MemoryStore
	searchProvider storage.SearchProvider
}

// NewSearchOrchestrator creates a new search orchestrator.
// If the provided store also implements storage.SearchProvider (e.g.
// *sqlite.MemoryStore), hybrid search is used automatically.
func NewSearchOrchestrator(store storage.MemoryStore) *SearchOrchestrator {
	o := &SearchOrchestrator{
		memoryStore: store,
	}
	if sp, ok := store.(storage.SearchProvider); ok {
		o.searchProvider = sp
	}
	return o
}

// SearchOptions configures search behavior.
type SearchOptions struct {
	// Query is the search query string.
	Query string

	// Vector is an optional query embedding for vector/hybrid search.
	Vector []float64

	// Limit is the maximum number of results to return.
	Limit int

	// Offset is the number of results to skip (for pagination).
	Offset int

	// Namespace filters results to a single namespace key (optional).
	Namespace string

	// MinScore is the minimum relevance score (0.0 to 1.0).
	MinScore float64

	// IncludeArchived includes archived memories in results.
	IncludeArchived bool
}

// SearchResult represents a memory with relevance score and reasoning.
type SearchResult struct {
	// Memory is the matched memory.
	Memory *types.Memory

	// Score is the overall relevance score (0.0 to 1.0).
	Score float64

	// Reason classifies why this memory was matched, per section 6's
	// RetrievalResult contract.
	Reason storage.MatchReason

	// Hops is the graph distance from the nearest seed candidate, set only
	// when the graph step contributed to this match.
	Hops *int

	// Components breaks down the score into individual factors.
	Components ScoreComponents
}

// ScoreComponents breaks down relevance score using the section 4.4 weights:
// 0.70*VectorSim + 0.20*KeywordSim + 0.10*GraphWeight.
type ScoreComponents struct {
	// VectorSim is the cosine-similarity vector score (0.0 to 1.0).
	VectorSim float64

	// KeywordSim is the keyword/full-text match score (0.0 to 1.0).
	KeywordSim float64

	// GraphWeight is the graph-proximity score (0.0 to 1.0). The fallback
	// paths approximate it from the memory's decay score or importance.
	GraphWeight float64
}

const (
	vectorWeight  = 0.70
	keywordWeight = 0.20
	graphWeight   = 0.10
)

// Search performs hybrid memory retrieval with relevance scoring.
//
// When a SearchProvider is available (e.g. the SQLite FTS5 backend) and a
// query vector is supplied, it delegates to HybridSearch for the weighted
// merge of section 4.4. Otherwise it scores FullTextSearch hits (when a
// SearchProvider is available and the query is non-empty) or a List scan
// with calculateRelevance, using the same weighting with VectorSim at 0.
func (s *SearchOrchestrator) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var candidates []SearchResult

	if s.searchProvider != nil && len(opts.Vector) > 0 {
		searchOpts := storage.SearchOptions{
			Query:           opts.Query,
			Limit:           opts.Limit + opts.Offset,
			Offset:          0,
			MinScore:        opts.MinScore,
			IncludeArchived: opts.IncludeArchived,
		}

		results, err := s.searchProvider.HybridSearch(ctx, opts.Query, opts.Vector, searchOpts)
		if err != nil {
			return nil, err
		}

		for i := range results {
			r := &results[i]

			if opts.Namespace != "" && r.Memory.Namespace.String() != opts.Namespace {
				continue
			}

			memory := r.Memory
			candidates = append(candidates, SearchResult{
				Memory: &memory,
				Score:  r.Score,
				Reason: r.MatchReason,
				Hops:   r.Hops,
			})
		}
	} else if s.searchProvider != nil && opts.Query != "" {
		searchOpts := storage.SearchOptions{
			Query:         opts.Query,
			Limit:         opts.Limit + opts.Offset,
			Offset:        0,
			FuzzyFallback: true,
		}

		result, err := s.searchProvider.FullTextSearch(ctx, searchOpts)
		if err != nil {
			return nil, err
		}

		queryLower := strings.ToLower(opts.Query)
		for i := range result.Items {
			memory := &result.Items[i]

			if opts.Namespace != "" && memory.Namespace.String() != opts.Namespace {
				continue
			}
			if memory.Archived && !opts.IncludeArchived {
				continue
			}

			score, components := s.calculateRelevance(memory, queryLower)
			if score < opts.MinScore {
				continue
			}

			candidates = append(candidates, SearchResult{
				Memory:     memory,
				Score:      score,
				Components: components,
				Reason:     storage.ReasonKeyword,
			})
		}
	} else {
		fetchLimit := (opts.Offset + opts.Limit) * 2
		if fetchLimit < 100 {
			fetchLimit = 100
		}
		listOpts := storage.ListOptions{
			Page:      1,
			Limit:     fetchLimit,
			SortBy:    "created_at",
			SortOrder: "desc",
			Namespace: opts.Namespace,
			Archived:  opts.IncludeArchived,
		}

		result, err := s.memoryStore.List(ctx, listOpts)
		if err != nil {
			return nil, err
		}

		queryLower := strings.ToLower(opts.Query)
		for i := range result.Items {
			memory := &result.Items[i]
			score, components := s.calculateRelevance(memory, queryLower)
			if score < opts.MinScore {
				continue
			}
			candidates = append(candidates, SearchResult{
				Memory:     memory,
				Score:      score,
				Components: components,
				Reason:     storage.ReasonKeyword,
			})
		}
	}

	// Sort by score descending.
	slices.SortFunc(candidates, func(a, b SearchResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	start := 0
	if opts.Offset < len(candidates) {
		start = opts.Offset
	}

	end := start + opts.Limit
	if end > len(candidates) {
		end = len(candidates)
	}

	if start >= len(candidates) {
		return []SearchResult{}, nil
	}

	return candidates[start:end], nil
}

// SearchSimilar finds memories similar to a given memory, using its tags and
// related entities to build a keyword query.
func (s *SearchOrchestrator) SearchSimilar(ctx context.Context, memoryID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	memory, err := s.memoryStore.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	var queryParts []string
	queryParts = append(queryParts, memory.Tags...)
	queryParts = append(queryParts, memory.RelatedEntities...)

	query := strings.Join(queryParts, " ")

	opts := SearchOptions{
		Query:     query,
		Limit:     limit + 1, // +1 to account for source memory
		Offset:    0,
		Namespace: memory.Namespace.String(),
	}

	results, err := s.Search(ctx, opts)
	if err != nil {
		return nil, err
	}

	var filtered []SearchResult
	for _, result := range results {
		if result.Memory.ID != memoryID {
			filtered = append(filtered, result)
		}
	}

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return filtered, nil
}

// calculateRelevance scores a memory per section 4.4's weighted-merge
// formula: 0.70*v_sim + 0.20*k_sim + 0.10*g_weight. Without a separate
// vector comparison this fallback path only produces keyword and a graph
// component approximated by calculateGraphWeight; HybridSearch callers populate VectorSim
// directly from the storage layer's cosine similarity.
func (s *SearchOrchestrator) calculateRelevance(memory *types.Memory, queryLower string) (float64, ScoreComponents) {
	components := ScoreComponents{
		KeywordSim:  s.calculateKeywordMatch(memory, queryLower),
		GraphWeight: s.calculateGraphWeight(memory),
	}

	score := (components.VectorSim * vectorWeight) +
		(components.KeywordSim * keywordWeight) +
		(components.GraphWeight * graphWeight)

	return score, components
}

// calculateKeywordMatch scores text/tag/keyword matching (0.0 to 1.0).
func (s *SearchOrchestrator) calculateKeywordMatch(memory *types.Memory, queryLower string) float64 {
	if queryLower == "" {
		return 1.0
	}

	contentLower := strings.ToLower(memory.Content)
	score := 0.0

	if strings.Contains(contentLower, queryLower) {
		score = 1.0
	} else {
		queryWords := strings.Fields(queryLower)
		matchedWords := 0
		for _, word := range queryWords {
			if strings.Contains(contentLower, word) {
				matchedWords++
			}
		}
		if len(queryWords) > 0 {
			score = float64(matchedWords) / float64(len(queryWords))
		}
	}

	for _, tag := range memory.Tags {
		if strings.Contains(strings.ToLower(tag), queryLower) {
			score = min(1.0, score+0.2)
		}
	}

	for _, keyword := range memory.Keywords {
		if strings.Contains(strings.ToLower(keyword), queryLower) {
			score = min(1.0, score+0.1)
		}
	}

	return score
}

// calculateGraphWeight approximates graph proximity from the memory's own
// decay score as a proxy for link connectivity when no live graph traversal
// is performed inline (the sqlite/postgres SearchProvider computes the true
// g_weight term from actual link strengths).
func (s *SearchOrchestrator) calculateGraphWeight(memory *types.Memory) float64 {
	if memory.DecayScore > 0 {
		return min(1.0, memory.DecayScore)
	}
	return float64(memory.Importance) / float64(types.MaxImportance)
}

// min returns the minimum of two float64 values.
func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
