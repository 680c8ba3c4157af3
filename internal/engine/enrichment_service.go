package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/scrypster/memento/internal/llm"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
	"golang.org/x/time/rate"
)

// embeddingCacheSize bounds how many distinct texts' embeddings are kept
// in memory, avoiding a repeat model call for identical content (e.g. the
// same snippet re-embedded across enrichment retries).
const embeddingCacheSize = 1024

// embeddingRateLimit caps outbound embedding-model requests per second so a
// burst of Store() calls cannot overrun a local model server or a metered
// API, per the C2 rate-limiting concern in section 6.
const embeddingRateLimit = 10

// EmbeddingProvider defines the interface for storing embeddings, matching
// storage.EmbeddingProvider without importing the storage package into every
// embedding-only call site.
type EmbeddingProvider interface {
	StoreEmbedding(ctx context.Context, memoryID string, embedding []float64, dimension int, model string) error
	GetEmbedding(ctx context.Context, memoryID string) ([]float64, error)
	DeleteEmbedding(ctx context.Context, memoryID string) error
	GetDimension(ctx context.Context, model string) (int, error)
}

// EnrichmentService implements the enrich/consolidate/review contract of
// section 4.3: LLM-powered summary/keyword/tag/kind/importance extraction
// with candidate link proposals, near-duplicate consolidation, and
// artifact review against a policy. Every LLM call is wrapped by a circuit
// breaker; when the breaker is open (or no LLM client is configured) the
// service degrades to heuristic keyword extraction with a default
// importance of 5 and confidence < 1.0, so Store() never blocks on LLM
// availability.
type EnrichmentService struct {
	llmClient         llm.TextGenerator
	embeddingClient   llm.EmbeddingGenerator
	embeddingProvider EmbeddingProvider
	breaker           *llm.CircuitBreaker
	memoryStore       storage.MemoryStore

	embeddingCache   *lru.Cache[string, []float64]
	embeddingLimiter *rate.Limiter
}

// NewEnrichmentService creates an enrichment service without embedding support.
func NewEnrichmentService(llmClient llm.TextGenerator, memoryStore storage.MemoryStore) *EnrichmentService {
	return &EnrichmentService{
		llmClient:   llmClient,
		memoryStore: memoryStore,
		breaker:     llm.NewCircuitBreaker(),
	}
}

// NewEnrichmentServiceWithEmbeddings creates an enrichment service with
// embedding generation support (a separate client, e.g. nomic-embed-text),
// an LRU cache of recently embedded text, and a rate limiter bounding
// outbound embedding calls.
func NewEnrichmentServiceWithEmbeddings(llmClient llm.TextGenerator, embeddingClient llm.EmbeddingGenerator, memoryStore storage.MemoryStore, embeddingProvider EmbeddingProvider) *EnrichmentService {
	cache, _ := lru.New[string, []float64](embeddingCacheSize)
	return &EnrichmentService{
		llmClient:         llmClient,
		embeddingClient:   embeddingClient,
		embeddingProvider: embeddingProvider,
		memoryStore:       memoryStore,
		breaker:           llm.NewCircuitBreaker(),
		embeddingCache:    cache,
		embeddingLimiter:  rate.NewLimiter(rate.Limit(embeddingRateLimit), embeddingRateLimit),
	}
}

// Embed generates a vector embedding for the given text via the dedicated
// embedding client, serving from the LRU cache when the exact text has
// already been embedded by the same model. Returns an error if no
// embedding client is configured.
func (s *EnrichmentService) Embed(ctx context.Context, text string) ([]float64, error) {
	if s.embeddingClient == nil {
		return nil, fmt.Errorf("no embedding client available")
	}

	key := hashText(s.embeddingClient.GetModel() + "\x00" + text)
	if s.embeddingCache != nil {
		if cached, ok := s.embeddingCache.Get(key); ok {
			return cached, nil
		}
	}

	if s.embeddingLimiter != nil {
		if err := s.embeddingLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limiter: %w", err)
		}
	}

	vec32, err := s.embeddingClient.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	vec64 := make([]float64, len(vec32))
	for i, v := range vec32 {
		vec64[i] = float64(v)
	}

	if s.embeddingCache != nil {
		s.embeddingCache.Add(key, vec64)
	}
	return vec64, nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EnrichResult is the outcome of Enrich: the artifact plus whether it
// degraded to the heuristic fallback path.
type EnrichResult struct {
	Artifact  llm.EnrichmentResponse
	Degraded  bool
	LinkTargets []types.Link // candidate_links translated into unsaved Link records, FromID left empty for the caller to fill
}

// Enrich implements enrich(content) -> {summary, keywords, tags, kind,
// importance, candidate_links}. candidates is the short list of existing
// memories in the same namespace eligible for linking; pass nil when the
// namespace is empty or unknown.
func (s *EnrichmentService) Enrich(ctx context.Context, content string, candidates []llm.LinkCandidateInput) (*EnrichResult, error) {
	if s.llmClient == nil {
		return s.heuristicEnrich(content), nil
	}

	prompt := llm.EnrichmentPrompt(content, candidates)
	raw, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.llmClient.Complete(ctx, prompt)
	})
	if err != nil {
		log.Printf("enrichment: LLM call failed or circuit open (%v), degrading to heuristic extraction", err)
		return s.heuristicEnrich(content), nil
	}

	parsed, err := llm.ParseEnrichmentResponse(raw.(string))
	if err != nil {
		log.Printf("enrichment: failed to parse LLM response (%v), degrading to heuristic extraction", err)
		return s.heuristicEnrich(content), nil
	}
	if parsed.Kind == "" {
		parsed.Kind = types.KindInsight
	}

	links := make([]types.Link, 0, len(parsed.CandidateLinks))
	for _, c := range parsed.CandidateLinks {
		links = append(links, types.Link{
			ToID:     c.TargetID,
			Kind:     c.Kind,
			Strength: c.Strength,
		})
	}

	return &EnrichResult{Artifact: *parsed, Degraded: false, LinkTargets: links}, nil
}

// heuristicEnrich implements the degraded fallback path: keyword frequency
// extraction, a crude kind classifier, DefaultImportance, and no candidate
// links (there is no LLM available to reason about relatedness).
func (s *EnrichmentService) heuristicEnrich(content string) *EnrichResult {
	keywords := heuristicKeywords(content, 8)
	summary := content
	if len(summary) > 200 {
		summary = summary[:200] + "..."
	}

	return &EnrichResult{
		Artifact: llm.EnrichmentResponse{
			Summary:    summary,
			Keywords:   keywords,
			Tags:       nil,
			Kind:       heuristicKind(content),
			Importance: types.DefaultImportance,
		},
		Degraded: true,
	}
}

// Consolidate implements consolidate(a, b) -> {decision, rationale}.
// Degrades to KeepBoth when no LLM client is configured or the circuit is open.
func (s *EnrichmentService) Consolidate(ctx context.Context, a, b string) (*llm.ConsolidationResponse, error) {
	if s.llmClient == nil {
		return &llm.ConsolidationResponse{Decision: llm.DecisionKeepBoth, Rationale: "no LLM available to compare content"}, nil
	}

	prompt := llm.ConsolidationPrompt(a, b)
	raw, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.llmClient.Complete(ctx, prompt)
	})
	if err != nil {
		log.Printf("consolidation: LLM call failed or circuit open (%v), keeping both", err)
		return &llm.ConsolidationResponse{Decision: llm.DecisionKeepBoth, Rationale: "LLM unavailable, keeping both conservatively"}, nil
	}

	parsed, err := llm.ParseConsolidationResponse(raw.(string))
	if err != nil {
		log.Printf("consolidation: failed to parse LLM response (%v), keeping both", err)
		return &llm.ConsolidationResponse{Decision: llm.DecisionKeepBoth, Rationale: "malformed LLM response, keeping both conservatively"}, nil
	}
	return parsed, nil
}

// Review implements review(artifact, policy) -> {pass, issues, confidence}.
// Degrades to an automatic pass with reduced confidence when no LLM client
// is available, matching the rest of the service's fail-open posture.
func (s *EnrichmentService) Review(ctx context.Context, artifactJSON, policy string) (*llm.ReviewResponse, error) {
	if s.llmClient == nil {
		return &llm.ReviewResponse{Pass: true, Confidence: 0.5}, nil
	}

	prompt := llm.ReviewPrompt(artifactJSON, policy)
	raw, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.llmClient.Complete(ctx, prompt)
	})
	if err != nil {
		log.Printf("review: LLM call failed or circuit open (%v), defaulting to pass", err)
		return &llm.ReviewResponse{Pass: true, Confidence: 0.5}, nil
	}

	parsed, err := llm.ParseReviewResponse(raw.(string))
	if err != nil {
		log.Printf("review: failed to parse LLM response (%v), defaulting to pass", err)
		return &llm.ReviewResponse{Pass: true, Confidence: 0.5}, nil
	}
	return parsed, nil
}

// GenerateEmbeddings generates and stores a vector embedding for a memory.
func (s *EnrichmentService) GenerateEmbeddings(ctx context.Context, memoryID, content string) error {
	if s.embeddingProvider == nil {
		return fmt.Errorf("embedding provider not available")
	}
	if s.embeddingClient == nil {
		return fmt.Errorf("no embedding client available")
	}

	embedding, err := s.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("generate embedding: %w", err)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}

	model := s.embeddingClient.GetModel()
	if err := s.embeddingProvider.StoreEmbedding(ctx, memoryID, embedding, len(embedding), model); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	log.Printf("stored embedding for memory %s (dimension=%d, model=%s)", memoryID, len(embedding), model)
	return nil
}
