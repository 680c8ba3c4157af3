package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// Ensure *MemoryStore implements storage.SearchProvider at compile time.
var _ storage.SearchProvider = (*MemoryStore)(nil)

// FullTextSearch performs PostgreSQL tsvector full-text search across memory
// content, using the GIN-indexed content_tsv column maintained by the
// memories_tsv_trigger (see MigrationFTS).
//
// When opts.Query is empty the method falls back to a plain list ordered by
// created_at DESC so the caller still receives a useful result set.
func (s *MemoryStore) FullTextSearch(ctx context.Context, opts storage.SearchOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	if strings.TrimSpace(opts.Query) == "" {
		return s.List(ctx, storage.ListOptions{
			Page:      1,
			Limit:     opts.Limit,
			SortBy:    "created_at",
			SortOrder: "desc",
		})
	}

	query := "SELECT " + memoryColumnList + `
		FROM memories m
		WHERE m.content_tsv @@ plainto_tsquery('english', $1) AND m.deleted_at IS NULL
		ORDER BY ts_rank(m.content_tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, opts.Query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: FullTextSearch query %q: %w", opts.Query, err)
	}
	defer func() { _ = rows.Close() }()

	memories, err := scanMemoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: FullTextSearch scan: %w", err)
	}

	const countSQL = `
		SELECT COUNT(*) FROM memories
		WHERE content_tsv @@ plainto_tsquery('english', $1) AND deleted_at IS NULL
	`
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, opts.Query).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: FullTextSearch count: %w", err)
	}

	page := 1
	if opts.Limit > 0 {
		page = (opts.Offset / opts.Limit) + 1
	}

	result := &storage.PaginatedResult[types.Memory]{
		Items:    memories,
		Total:    total,
		Page:     page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset+len(memories) < total,
	}

	if opts.FuzzyFallback && len(result.Items) == 0 && opts.Query != "" {
		terms := strings.Fields(opts.Query)
		if len(terms) > 1 {
			relaxedOpts := opts
			relaxedOpts.Query = strings.Join(terms, " OR ")
			relaxedOpts.FuzzyFallback = false // prevent recursion
			return s.FullTextSearch(ctx, relaxedOpts)
		}
	}

	return result, nil
}

// VectorSearch performs semantic similarity search using pgvector cosine
// distance, accelerated by the ivfflat index created in MigrationPgvector.
//
// When pgvector is not available it falls back to returning recent memories,
// same as FullTextSearch with an empty query.
func (s *MemoryStore) VectorSearch(ctx context.Context, query []float64, opts storage.SearchOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	if len(query) == 0 {
		return &storage.PaginatedResult[types.Memory]{Items: []types.Memory{}, PageSize: opts.Limit}, nil
	}

	if !s.pgvectorAvailable {
		return s.List(ctx, storage.ListOptions{
			Page:      1,
			Limit:     opts.Limit,
			SortBy:    "created_at",
			SortOrder: "desc",
		})
	}

	f32 := make([]float32, len(query))
	for i, v := range query {
		f32[i] = float32(v)
	}
	vec := pgvector.NewVector(f32)

	sqlQuery := "SELECT " + memoryColumnList + `
		FROM memories m
		JOIN embeddings e ON e.memory_id = m.id
		WHERE e.embedding_vec IS NOT NULL AND m.deleted_at IS NULL
		ORDER BY e.embedding_vec <=> $1
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, sqlQuery, vec, opts.Limit, opts.Offset)
	if err != nil {
		return s.List(ctx, storage.ListOptions{
			Page:      1,
			Limit:     opts.Limit,
			SortBy:    "created_at",
			SortOrder: "desc",
		})
	}
	defer func() { _ = rows.Close() }()

	memories, err := scanMemoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: VectorSearch scan: %w", err)
	}

	const countSQL = `
		SELECT COUNT(*) FROM memories m
		JOIN embeddings e ON e.memory_id = m.id
		WHERE e.embedding_vec IS NOT NULL AND m.deleted_at IS NULL
	`
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL).Scan(&total); err != nil {
		total = len(memories) + opts.Offset
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    memories,
		Total:    total,
		PageSize: opts.Limit,
		HasMore:  opts.Offset+len(memories) < total,
	}, nil
}

// vectorScores loads the cosine distance (converted to a [0,1] similarity
// score) between query and every embedded memory's vector, keyed by memory
// ID. Used as the v_sim component of HybridSearch.
func (s *MemoryStore) vectorScores(ctx context.Context, query []float64) (map[string]float64, error) {
	f32 := make([]float32, len(query))
	for i, v := range query {
		f32[i] = float32(v)
	}
	vec := pgvector.NewVector(f32)

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.memory_id, e.embedding_vec <=> $1
		FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE e.embedding_vec IS NOT NULL AND m.deleted_at IS NULL
	`, vec)
	if err != nil {
		return nil, fmt.Errorf("postgres: vectorScores query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			continue
		}
		// Cosine distance is in [0,2]; convert to a [0,1] similarity score.
		scores[id] = 1 - distance/2
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vectorScores rows: %w", err)
	}
	return scores, nil
}

// bm25NormConstant is the k in the normalization s/(s+k) applied to
// ts_rank, mirroring the sqlite backend's BM25 normalization from section
// 4.4 step 1 so both backends produce comparably-scaled k_sim values.
const bm25NormConstant = 1.2

// tsRankCandidate pairs a memory id with its raw ts_rank score.
type tsRankCandidate struct {
	memoryID string
	rawRank  float64
}

// tsRankCandidates runs the tsvector full-text query and returns raw
// ts_rank scores per memory, best match first, capped at limit.
func (s *MemoryStore) tsRankCandidates(ctx context.Context, text string, limit int) ([]tsRankCandidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, ts_rank(m.content_tsv, plainto_tsquery('english', $1))
		FROM memories m
		WHERE m.content_tsv @@ plainto_tsquery('english', $1) AND m.deleted_at IS NULL
		ORDER BY ts_rank(m.content_tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $2
	`, text, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: ts_rank candidates query %q: %w", text, err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []tsRankCandidate
	for rows.Next() {
		var c tsRankCandidate
		if err := rows.Scan(&c.memoryID, &c.rawRank); err != nil {
			return nil, fmt.Errorf("postgres: ts_rank candidates scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// normalizeRank converts a raw ts_rank score (non-negative, higher is
// better) into a [0,1] similarity via s/(s+k), per section 4.4 step 1.
func normalizeRank(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	return raw / (raw + bm25NormConstant)
}

// Graph-expansion tuning for HybridSearch step 4: seed the top
// hybridGraphSeedCount candidates and traverse up to hybridGraphMaxHops
// hops, decaying g_weight by hybridGraphDecay per hop.
const (
	hybridGraphSeedCount  = 5
	hybridGraphMaxHops    = 2
	hybridGraphDecay      = 0.5
	hybridOverfetchFactor = 3
	recencyHalfLifeDays   = 30.0
)

// bfsHops runs a multi-source BFS from seeds up to maxHops, returning the
// minimum hop distance to every reached node (seeds included at hop 0).
func (s *MemoryStore) bfsHops(ctx context.Context, seeds []string, maxHops int) map[string]int {
	hops := make(map[string]int, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := hops[id]; !ok {
			hops[id] = 0
			frontier = append(frontier, id)
		}
	}

	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			links, err := s.outboundLinks(ctx, id)
			if err != nil {
				continue
			}
			for _, l := range links {
				if _, seen := hops[l.toID]; !seen {
					hops[l.toID] = depth + 1
					next = append(next, l.toID)
				}
			}
		}
		frontier = next
	}
	return hops
}

// listByRecencyImportance handles HybridSearch's empty-query edge case
// (section 4.4: "Empty query -> pure namespace listing ordered by
// recency*importance").
func (s *MemoryStore) listByRecencyImportance(ctx context.Context, opts storage.SearchOptions) ([]storage.RetrievalResult, error) {
	listed, err := s.List(ctx, storage.ListOptions{
		Page:      1,
		Limit:     opts.Limit + opts.Offset,
		SortBy:    "created_at",
		SortOrder: "desc",
		Archived:  opts.IncludeArchived,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: hybrid search empty-query listing: %w", err)
	}

	sort.Slice(listed.Items, func(i, j int) bool {
		return recencyImportanceScore(&listed.Items[i]) > recencyImportanceScore(&listed.Items[j])
	})

	start := opts.Offset
	if start > len(listed.Items) {
		start = len(listed.Items)
	}
	end := start + opts.Limit
	if end > len(listed.Items) {
		end = len(listed.Items)
	}

	results := make([]storage.RetrievalResult, 0, end-start)
	for i := start; i < end; i++ {
		mem := listed.Items[i]
		results = append(results, storage.RetrievalResult{
			Memory:      mem,
			Score:       recencyImportanceScore(&mem),
			MatchReason: storage.ReasonKeyword,
		})
	}
	return results, nil
}

// recencyImportanceScore orders the empty-query listing by recency*importance.
func recencyImportanceScore(mem *types.Memory) float64 {
	ageDays := time.Since(mem.CreatedAt).Hours() / 24
	return float64(mem.Importance) * math.Exp(-ageDays/recencyHalfLifeDays)
}

// hybridCandidate accumulates the per-component scores for one memory while
// HybridSearch merges its keyword, vector, and graph sources.
type hybridCandidate struct {
	vSim, kSim, gWeight     float64
	fromKeyword, fromVector bool
	hops                    *int
}

// HybridSearch implements section 4.4's algorithm: ts_rank-normalized
// keyword candidates and pgvector cosine-similarity candidates are merged
// by id into score = 0.70*v_sim + 0.20*k_sim + 0.10*g_weight (weights
// rebalanced to (0, 0.80, 0.20) when no query vector is supplied or
// pgvector is unavailable); optional graph expansion seeds the top
// candidates and sets g_weight = 0.5^hops for memories discovered within
// two hops; min_importance and archived filters apply before a final
// recency/importance re-weighting and a descending sort truncated to
// opts.Limit.
func (s *MemoryStore) HybridSearch(ctx context.Context, text string, vector []float64, opts storage.SearchOptions) ([]storage.RetrievalResult, error) {
	opts.Normalize()

	if strings.TrimSpace(text) == "" && len(vector) == 0 {
		return s.listByRecencyImportance(ctx, opts)
	}

	overfetch := (opts.Offset + opts.Limit) * hybridOverfetchFactor
	if overfetch < 30 {
		overfetch = 30
	}

	candidates := make(map[string]*hybridCandidate)

	if strings.TrimSpace(text) != "" {
		kCandidates, err := s.tsRankCandidates(ctx, text, overfetch)
		if err != nil {
			return nil, fmt.Errorf("postgres: hybrid search keyword phase: %w", err)
		}
		for _, c := range kCandidates {
			hc := candidates[c.memoryID]
			if hc == nil {
				hc = &hybridCandidate{}
				candidates[c.memoryID] = hc
			}
			hc.kSim = normalizeRank(c.rawRank)
			hc.fromKeyword = true
		}
	}

	vectorWeight, keywordWeight, graphW := 0.70, 0.20, 0.10
	if len(vector) > 0 && s.pgvectorAvailable {
		vecScores, err := s.vectorScores(ctx, vector)
		if err != nil {
			return nil, fmt.Errorf("postgres: hybrid search vector phase: %w", err)
		}
		count := 0
		for id, score := range vecScores {
			if count >= overfetch {
				break
			}
			hc := candidates[id]
			if hc == nil {
				hc = &hybridCandidate{}
				candidates[id] = hc
			}
			hc.vSim = score
			hc.fromVector = true
			count++
		}
	} else {
		// No query vector (or pgvector unavailable): rebalance weights per
		// section 4.4's no-vector edge case rather than scoring a component
		// that was never computed.
		vectorWeight, keywordWeight, graphW = 0.0, 0.80, 0.20
	}

	// Step 3: initial merge with g_weight = 0.
	type ranked struct {
		id    string
		score float64
	}
	prelim := make([]ranked, 0, len(candidates))
	for id, hc := range candidates {
		hc.gWeight = 0
		prelim = append(prelim, ranked{id, vectorWeight*hc.vSim + keywordWeight*hc.kSim})
	}
	sort.Slice(prelim, func(i, j int) bool { return prelim[i].score > prelim[j].score })

	// Step 4: graph expansion from the top seed candidates.
	if opts.ExpandGraph && len(prelim) > 0 {
		seedCount := hybridGraphSeedCount
		if seedCount > len(prelim) {
			seedCount = len(prelim)
		}
		seeds := make([]string, seedCount)
		for i := 0; i < seedCount; i++ {
			seeds[i] = prelim[i].id
		}

		hops := s.bfsHops(ctx, seeds, hybridGraphMaxHops)
		for id, hop := range hops {
			hc := candidates[id]
			if hc == nil {
				hc = &hybridCandidate{}
				candidates[id] = hc
			}
			g := math.Pow(hybridGraphDecay, float64(hop))
			if g > hc.gWeight {
				hc.gWeight = g
				h := hop
				hc.hops = &h
			}
		}
	}

	// Steps 5-6: fetch memories, apply min_importance/archived filters, and
	// recency/importance re-weighting.
	type finalResult struct {
		storage.RetrievalResult
		final float64
	}
	var results []finalResult
	for id, hc := range candidates {
		mem, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if opts.MinImportance > 0 && mem.Importance < opts.MinImportance {
			continue
		}
		if mem.Archived && !opts.IncludeArchived {
			continue
		}

		score := vectorWeight*hc.vSim + keywordWeight*hc.kSim + graphW*hc.gWeight
		if score < opts.MinScore {
			continue
		}

		importanceFactor := 1 + 0.1*(float64(mem.Importance-5))/5
		ageDays := time.Since(mem.CreatedAt).Hours() / 24
		recencyBoost := math.Exp(-ageDays / recencyHalfLifeDays)
		final := score * importanceFactor * recencyBoost

		reason := matchReasonFor(hc)
		results = append(results, finalResult{
			RetrievalResult: storage.RetrievalResult{Memory: *mem, Score: final, MatchReason: reason, Hops: hc.hops},
			final:           final,
		})
	}

	// Step 7: sort descending by final score, then paginate.
	sort.Slice(results, func(i, j int) bool { return results[i].final > results[j].final })

	start := opts.Offset
	if start > len(results) {
		start = len(results)
	}
	end := start + opts.Limit
	if end > len(results) {
		end = len(results)
	}

	out := make([]storage.RetrievalResult, 0, end-start)
	for _, r := range results[start:end] {
		out = append(out, r.RetrievalResult)
	}
	return out, nil
}

// matchReasonFor determines the closed match_reason enum for a candidate
// based on which of the keyword/vector/graph sources contributed to it.
func matchReasonFor(hc *hybridCandidate) storage.MatchReason {
	graphContributed := hc.gWeight > 0
	count := 0
	if hc.fromKeyword {
		count++
	}
	if hc.fromVector {
		count++
	}
	if graphContributed {
		count++
	}
	switch {
	case count > 1:
		return storage.ReasonBlended
	case graphContributed:
		return storage.ReasonGraph
	case hc.fromVector:
		return storage.ReasonVector
	default:
		return storage.ReasonKeyword
	}
}

// scanMemoryRows reads all rows returned by a query into a []types.Memory
// slice using the shared scanMemory helper from memory_store.go.
func scanMemoryRows(rows *sql.Rows) ([]types.Memory, error) {
	var memories []types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, *mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return memories, nil
}
