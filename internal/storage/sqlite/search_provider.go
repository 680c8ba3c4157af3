package sqlite

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// Ensure *MemoryStore implements storage.SearchProvider at compile time.
var _ storage.SearchProvider = (*MemoryStore)(nil)

// FullTextSearch performs FTS5-backed full-text search across memory content.
//
// The FTS5 virtual table (memories_fts) is kept in sync with the memories
// table via INSERT/UPDATE/DELETE triggers defined in schema.go.
//
// When opts.Query is empty the method falls back to a plain list ordered by
// created_at DESC so the caller still receives a useful result set.
//
// FTS5 rank values are negative (more negative == better match), so ordering
// by rank ASC gives the best results first.
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

	// Sanitise the raw query string so it is safe to pass to FTS5's MATCH
	// operator. FTS5 syntax is powerful but fragile: an unbalanced quote or
	// stray operator keyword will cause SQLite to return "fts5: syntax error".
	// We convert the free-form user input into a simple prefix query that
	// searches for each word individually (OR semantics).
	ftsQuery := sanitiseFTSQuery(opts.Query)

	const querySQL = `
		SELECT ` + memoryColumnList + `
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ? AND m.deleted_at IS NULL
		ORDER BY rank
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, querySQL, ftsQuery, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: FullTextSearch MATCH %q: %w", opts.Query, err)
	}
	defer rows.Close()

	var memories []types.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: FullTextSearch scan: %w", err)
		}
		memories = append(memories, *memory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: FullTextSearch rows: %w", err)
	}

	const countSQL = `
		SELECT COUNT(*)
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ? AND m.deleted_at IS NULL
	`
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, ftsQuery).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: FullTextSearch count: %w", err)
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

	// Fuzzy fallback: if no results and FuzzyFallback is enabled, retry with OR'd terms.
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

// vectorSearchMaxCandidates caps the number of embeddings loaded into memory
// during a vector search. Embeddings are selected in recency order (newest
// first) so the most recently-created memories are always considered. For
// typical project-memory datasets (< 10k memories) this limit is never hit;
// larger deployments should run the postgres backend with pgvector instead.
const vectorSearchMaxCandidates = 10_000

// VectorSearch performs cosine-similarity semantic search against stored
// embeddings. Embeddings are loaded into Go memory and ranked; the candidate
// pool is capped at vectorSearchMaxCandidates (most-recent first).
func (s *MemoryStore) VectorSearch(ctx context.Context, query []float64, opts storage.SearchOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	if len(query) == 0 {
		return &storage.PaginatedResult[types.Memory]{Items: []types.Memory{}, PageSize: opts.Limit}, nil
	}

	candidates, err := s.rankByVectorSimilarity(ctx, query)
	if err != nil {
		return nil, err
	}

	total := len(candidates)
	offset := opts.Offset
	if offset >= total {
		return &storage.PaginatedResult[types.Memory]{Items: []types.Memory{}, Total: total, PageSize: opts.Limit}, nil
	}
	end := offset + opts.Limit
	if end > total {
		end = total
	}

	var memories []types.Memory
	for _, c := range candidates[offset:end] {
		if c.score < opts.MinScore {
			continue
		}
		mem, err := s.Get(ctx, c.memoryID)
		if err != nil {
			continue
		}
		memories = append(memories, *mem)
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    memories,
		Total:    total,
		PageSize: opts.Limit,
		HasMore:  end < total,
	}, nil
}

type scoredMemory struct {
	memoryID string
	score    float64
}

// rankByVectorSimilarity loads candidate embeddings and scores them by cosine
// similarity against query, descending.
func (s *MemoryStore) rankByVectorSimilarity(ctx context.Context, query []float64) ([]scoredMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.memory_id, e.embedding, e.dimension
		FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE m.deleted_at IS NULL
		ORDER BY m.created_at DESC
		LIMIT ?`, vectorSearchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var candidates []scoredMemory
	for rows.Next() {
		var memID string
		var blob []byte
		var dim int
		if err := rows.Scan(&memID, &blob, &dim); err != nil {
			continue
		}
		embedding, err := deserializeEmbedding(blob, dim)
		if err != nil {
			continue
		}
		candidates = append(candidates, scoredMemory{memID, cosineSimilarity(query, embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating embeddings: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	return candidates, nil
}

// bm25NormConstant is the k in the BM25 normalization s/(s+k) from section
// 4.4 step 1, chosen small so a single strong match still scores close to 1.
const bm25NormConstant = 1.2

// bm25Candidate pairs a memory id with its raw (unnormalized) FTS5 bm25()
// score, which is negative and more-negative-is-better.
type bm25Candidate struct {
	memoryID string
	rawBM25  float64
}

// bm25Candidates runs the FTS5 query and returns raw bm25 scores per memory,
// best match first, capped at limit.
func (s *MemoryStore) bm25Candidates(ctx context.Context, text string, limit int) ([]bm25Candidate, error) {
	ftsQuery := sanitiseFTSQuery(text)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts)
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ? AND m.deleted_at IS NULL
		ORDER BY rank
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: bm25 candidates MATCH %q: %w", text, err)
	}
	defer rows.Close()

	var candidates []bm25Candidate
	for rows.Next() {
		var c bm25Candidate
		if err := rows.Scan(&c.memoryID, &c.rawBM25); err != nil {
			return nil, fmt.Errorf("sqlite: bm25 candidates scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// normalizeBM25 converts a raw FTS5 bm25() score (negative, more-negative
// is better) into a [0,1] similarity via s/(s+k), per section 4.4 step 1.
func normalizeBM25(raw float64) float64 {
	rel := -raw
	if rel < 0 {
		rel = 0
	}
	return rel / (rel + bm25NormConstant)
}

// Graph-expansion tuning for HybridSearch step 4: seed the top
// hybridGraphSeedCount candidates and traverse up to hybridGraphMaxHops
// hops, decaying g_weight by hybridGraphDecay per hop.
const (
	hybridGraphSeedCount = 5
	hybridGraphMaxHops   = 2
	hybridGraphDecay     = 0.5
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
		return nil, fmt.Errorf("sqlite: hybrid search empty-query listing: %w", err)
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

// HybridSearch implements section 4.4's algorithm: BM25-normalized keyword
// candidates and cosine-similarity vector candidates are merged by id into
// score = 0.70*v_sim + 0.20*k_sim + 0.10*g_weight (weights rebalanced to
// (0, 0.80, 0.20) when no query vector is supplied); optional graph
// expansion seeds the top candidates and sets g_weight = 0.5^hops for
// memories discovered within two hops; min_importance and archived filters
// apply before a final recency/importance re-weighting and a descending
// sort truncated to opts.Limit.
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
		kCandidates, err := s.bm25Candidates(ctx, text, overfetch)
		if err != nil {
			return nil, fmt.Errorf("sqlite: hybrid search keyword phase: %w", err)
		}
		for _, c := range kCandidates {
			hc := candidates[c.memoryID]
			if hc == nil {
				hc = &hybridCandidate{}
				candidates[c.memoryID] = hc
			}
			hc.kSim = normalizeBM25(c.rawBM25)
			hc.fromKeyword = true
		}
	}

	vectorWeight, keywordWeight, graphW := 0.70, 0.20, 0.10
	if len(vector) > 0 {
		ranked, err := s.rankByVectorSimilarity(ctx, vector)
		if err != nil {
			return nil, fmt.Errorf("sqlite: hybrid search vector phase: %w", err)
		}
		if len(ranked) > overfetch {
			ranked = ranked[:overfetch]
		}
		for _, c := range ranked {
			hc := candidates[c.memoryID]
			if hc == nil {
				hc = &hybridCandidate{}
				candidates[c.memoryID] = hc
			}
			hc.vSim = c.score
			hc.fromVector = true
		}
	} else {
		// No query vector: rebalance weights per section 4.4's no-vector
		// edge case rather than scoring a component that was never computed.
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

// cosineSimilarity computes cosine similarity between two equal-length vectors.
// Returns 0 if either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sanitiseFTSQuery converts a free-form user query into a safe FTS5 MATCH
// expression. It strips FTS5-special characters, removes common stop words,
// and uses prefix matching (term*) for better recall.
//
// Example: "What is the auth middleware?" -> "auth* OR middleware*"
func sanitiseFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `, `'`, ` `, `(`, ` `, `)`, ` `, `*`, ` `, `-`, ` `, `^`, ` `, `?`, ` `, `:`, ` `,
	)
	cleaned := replacer.Replace(query)

	words := strings.Fields(strings.ToLower(cleaned))

	stopWords := map[string]bool{
		"a": true, "an": true, "the": true,
		"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
		"have": true, "has": true, "had": true,
		"do": true, "does": true, "did": true,
		"will": true, "would": true, "could": true, "should": true,
		"may": true, "might": true, "shall": true, "can": true,
		"to": true, "of": true, "in": true, "on": true, "at": true,
		"by": true, "for": true, "with": true, "from": true, "as": true,
		"about": true, "into": true, "through": true, "during": true,
		"before": true, "after": true, "above": true, "below": true,
		"between": true, "out": true, "off": true, "over": true, "under": true,
		"what": true, "how": true, "when": true, "where": true, "why": true,
		"who": true, "which": true,
		"this": true, "that": true, "these": true, "those": true,
		"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
		"and": true, "or": true, "but": true, "if": true, "not": true,
		"s": true, "t": true, // post-apostrophe fragments e.g. "MJ's" -> "MJ" + "s"
	}

	var terms []string
	for _, w := range words {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}

	if len(terms) == 0 {
		return strings.ToLower(strings.TrimSpace(cleaned))
	}

	return strings.Join(terms, " OR ")
}
