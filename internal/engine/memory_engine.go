package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/memento/internal/attribution"
	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/connections"
	"github.com/scrypster/memento/internal/llm"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/internal/storage/sqlite"
	"github.com/scrypster/memento/pkg/types"
)

// MemoryEngine is the core orchestrator for memory storage and enrichment.
// It provides non-blocking Store() operations (<10ms) with async LLM enrichment
// via a worker pool and job queue architecture.
type MemoryEngine struct {
	// Configuration
	config Config

	// Storage layer
	memoryStore storage.MemoryStore
	linkStore   storage.LinkStore

	// Enrichment pipeline
	enrichmentQueue chan *EnrichmentJob
	workerWaitGroup sync.WaitGroup
	workerCtx       context.Context
	workerCancel    context.CancelFunc

	// Intelligence layer
	searchOrchestrator *SearchOrchestrator

	// Enrichment service (implements the enrich/consolidate/review contract)
	enrichmentService *EnrichmentService

	// State management
	started      bool
	shuttingDown bool
	mu           sync.RWMutex

	// Callbacks
	onMemoryCreated      func(memoryID string)
	onEnrichmentStarted  func(memoryID string)
	onEnrichmentComplete func(memoryID string)
}

// NewMemoryEngine creates a new memory engine with the given configuration.
// The store parameter provides the storage backend for memories.
// The globalConfig parameter provides LLM and system configuration.
// Use DefaultConfig() for sensible defaults.
func NewMemoryEngine(store storage.MemoryStore, engineConfig Config, globalConfig *config.Config) (*MemoryEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}

	if err := engineConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	engine := &MemoryEngine{
		config:          engineConfig,
		memoryStore:     store,
		enrichmentQueue: make(chan *EnrichmentJob, engineConfig.QueueSize),
		started:         false,
		shuttingDown:    false,
	}

	if ls, ok := store.(storage.LinkStore); ok {
		engine.linkStore = ls
	}

	// Initialize intelligence layer
	engine.searchOrchestrator = NewSearchOrchestrator(store)

	// Initialize enrichment service with LLM client via factory
	if globalConfig != nil {
		connCfg := llmConfigFromGlobal(globalConfig)
		llmClient, err := llm.NewTextGenerator(connCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}

		embeddingModel := globalConfig.LLM.OllamaEmbeddingModel
		embeddingClient, embErr := llm.NewEmbeddingGenerator(connCfg, embeddingModel)
		if embErr != nil {
			log.Printf("warning: failed to create embedding client: %v", embErr)
			embeddingClient = nil
		}

		// Get database connection from SQLite store
		if sqliteStore, ok := store.(*sqlite.MemoryStore); ok {
			embeddingProvider := sqlite.NewEmbeddingProvider(sqliteStore.GetDB())
			engine.enrichmentService = NewEnrichmentServiceWithEmbeddings(llmClient, embeddingClient, store, embeddingProvider)
			log.Printf("Enrichment service initialized with provider=%s model=%s", connCfg.Provider, connCfg.Model)
		} else {
			engine.enrichmentService = NewEnrichmentService(llmClient, store)
			log.Println("Enrichment service initialized without embedding support (non-SQLite store)")
		}
	} else {
		log.Println("Warning: Enrichment service not initialized (no config provided)")
	}

	return engine, nil
}

// NewMemoryEngineWithEmbeddings creates a new memory engine with embedding support.
// llmClient is used for enrichment; embeddingClient is used for vector
// embedding generation (e.g. nomic-embed-text).
func NewMemoryEngineWithEmbeddings(store storage.MemoryStore, engineConfig Config, llmClient llm.TextGenerator, embeddingClient llm.EmbeddingGenerator, embeddingProvider storage.EmbeddingProvider) (*MemoryEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}

	if llmClient == nil {
		return nil, fmt.Errorf("LLM client is required")
	}

	if embeddingProvider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}

	if err := engineConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	engine := &MemoryEngine{
		config:          engineConfig,
		memoryStore:     store,
		enrichmentQueue: make(chan *EnrichmentJob, engineConfig.QueueSize),
		started:         false,
		shuttingDown:    false,
	}

	if ls, ok := store.(storage.LinkStore); ok {
		engine.linkStore = ls
	}

	engine.searchOrchestrator = NewSearchOrchestrator(store)
	engine.enrichmentService = NewEnrichmentServiceWithEmbeddings(llmClient, embeddingClient, store, embeddingProvider)
	log.Println("Enrichment service initialized with LLM and embedding support")

	return engine, nil
}

// SetOnMemoryCreated sets a callback fired when a new memory is stored (before enrichment).
func (e *MemoryEngine) SetOnMemoryCreated(callback func(memoryID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMemoryCreated = callback
}

// SetOnEnrichmentStarted sets a callback fired when enrichment begins processing a memory.
func (e *MemoryEngine) SetOnEnrichmentStarted(callback func(memoryID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEnrichmentStarted = callback
}

// SetOnEnrichmentComplete sets a callback to be called when enrichment completes for a memory.
// The callback receives the memory ID. This is useful for publishing onto the event bus.
func (e *MemoryEngine) SetOnEnrichmentComplete(callback func(memoryID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEnrichmentComplete = callback
}

// QueueEnrichmentForMemory queues a memory for immediate enrichment.
// Returns true if the job was queued, false if the queue is full or engine not started.
func (e *MemoryEngine) QueueEnrichmentForMemory(memoryID, content string) bool {
	e.mu.RLock()
	canQueue := e.started && !e.shuttingDown
	e.mu.RUnlock()
	if !canQueue {
		return false
	}
	job := e.createEnrichmentJob(memoryID, content, 0)
	return e.queueEnrichmentJob(job)
}

// QueueEmbeddingForMemory queues a memory for embedding-only processing.
// This skips the full enrichment call and only generates vector embeddings.
// Returns true if the job was queued, false if the queue is full or engine not started.
func (e *MemoryEngine) QueueEmbeddingForMemory(memoryID, content string) bool {
	e.mu.RLock()
	canQueue := e.started && !e.shuttingDown
	e.mu.RUnlock()
	if !canQueue {
		return false
	}
	job := &EnrichmentJob{
		MemoryID:      memoryID,
		Content:       content,
		EmbeddingOnly: true,
	}
	return e.queueEnrichmentJob(job)
}

// Embed generates a vector embedding for the given text using the embedding model.
// Returns an error if no embedding client is configured.
func (e *MemoryEngine) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.enrichmentService == nil {
		return nil, fmt.Errorf("enrichment service not available")
	}
	return e.enrichmentService.Embed(ctx, text)
}

// Consolidate compares two memories and returns a merge/supersede/keep-both
// decision, delegating to the enrichment service's Consolidate call.
func (e *MemoryEngine) Consolidate(ctx context.Context, a, b string) (*llm.ConsolidationResponse, error) {
	if e.enrichmentService == nil {
		return nil, fmt.Errorf("enrichment service not available")
	}
	return e.enrichmentService.Consolidate(ctx, a, b)
}

// Review checks an artifact against a policy, delegating to the enrichment
// service's Review call.
func (e *MemoryEngine) Review(ctx context.Context, artifactJSON, policy string) (*llm.ReviewResponse, error) {
	if e.enrichmentService == nil {
		return nil, fmt.Errorf("enrichment service not available")
	}
	return e.enrichmentService.Review(ctx, artifactJSON, policy)
}

// Start starts the memory engine and its worker pool.
// It also initiates recovery of pending enrichments from previous runs.
// This must be called before using Store().
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	log.Println("Starting memory engine...")

	// Create worker context
	e.workerCtx, e.workerCancel = context.WithCancel(ctx)

	// Start worker pool
	e.startWorkerPool(e.workerCtx)

	// Recover pending enrichments in background
	// (non-blocking so Start() returns quickly)
	go func() {
		if err := e.RecoverPendingEnrichments(ctx); err != nil {
			log.Printf("ERROR: Enrichment recovery failed: %v", err)
		}
	}()

	e.started = true
	log.Println("Memory engine started successfully")

	return nil
}

// Store stores a new memory in the given namespace with non-blocking
// enrichment. It synchronously writes the memory to storage (<5ms) and
// queues it for async enrichment, then returns immediately (<10ms total).
//
// The memory is initially stored with StatusPending. Worker goroutines
// will process the enrichment asynchronously and update the status.
func (e *MemoryEngine) Store(ctx context.Context, content string, namespace types.Namespace, createdBy string) (*types.Memory, error) {
	e.mu.RLock()
	if !e.started {
		e.mu.RUnlock()
		return nil, fmt.Errorf("engine not started")
	}
	e.mu.RUnlock()

	if content == "" {
		return nil, fmt.Errorf("content is required")
	}

	if createdBy == "" {
		createdBy = attribution.DetectAgent()
	}

	now := time.Now()
	memory := &types.Memory{
		ID:          GenerateMemoryID(namespace.String(), ""),
		Content:     content,
		Namespace:   namespace,
		CreatedBy:   createdBy,
		Status:      types.StatusPending,
		ContentHash: hashContent(content),
		Timestamp:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Fast synchronous storage (<5ms)
	if err := e.memoryStore.Store(ctx, memory); err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}

	// Notify listeners that a new memory was created
	if e.onMemoryCreated != nil {
		e.onMemoryCreated(memory.ID)
	}

	// Queue async enrichment (non-blocking)
	job := e.createEnrichmentJob(memory.ID, content, 0)

	if !e.queueEnrichmentJob(job) {
		// Queue is full - mark as failed for manual retry
		if err := e.memoryStore.UpdateStatus(ctx, memory.ID, types.StatusFailed); err != nil {
			log.Printf("ERROR: Failed to mark memory %s as failed: %v", memory.ID, err)
		}
		return memory, fmt.Errorf("enrichment queue full, memory stored but not queued")
	}

	return memory, nil
}

// hashContent returns the SHA-256 hash of content, used for within-namespace
// deduplication by the storage layer.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Get retrieves a memory by ID.
func (e *MemoryEngine) Get(ctx context.Context, id string) (*types.Memory, error) {
	return e.memoryStore.Get(ctx, id)
}

// List retrieves memories with pagination and filtering.
func (e *MemoryEngine) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	return e.memoryStore.List(ctx, opts)
}

// Shutdown gracefully shuts down the memory engine.
// It closes the enrichment queue and waits for workers to drain (with timeout).
// Any pending jobs in the queue will be processed before shutdown completes.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("engine not started")
	}

	log.Println("Shutting down memory engine...")

	// Mark as shutting down (prevents requeueing)
	e.shuttingDown = true

	// Cancel worker context (stops workers from requeueing)
	if e.workerCancel != nil {
		e.workerCancel()
	}

	// Stop worker pool gracefully
	if err := e.stopWorkerPool(ctx); err != nil {
		log.Printf("WARNING: Worker pool shutdown had errors: %v", err)
	}

	e.started = false
	e.shuttingDown = false
	log.Println("Memory engine shut down successfully")

	return nil
}

// Search performs intelligent memory search with relevance scoring.
// It delegates to the SearchOrchestrator for advanced search capabilities.
func (e *MemoryEngine) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return nil, fmt.Errorf("engine not started")
	}

	return e.searchOrchestrator.Search(ctx, opts)
}

// SearchSimilar finds memories similar to a given memory.
// It delegates to the SearchOrchestrator for similarity search.
func (e *MemoryEngine) SearchSimilar(ctx context.Context, memoryID string, limit int) ([]SearchResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return nil, fmt.Errorf("engine not started")
	}

	return e.searchOrchestrator.SearchSimilar(ctx, memoryID, limit)
}

// GetQueueSize returns the current number of jobs in the enrichment queue.
func (e *MemoryEngine) GetQueueSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.enrichmentQueue)
}

// llmConfigFromGlobal maps the global application config to a connections.LLMConfig
// that the factory functions can consume.
func llmConfigFromGlobal(cfg *config.Config) connections.LLMConfig {
	switch cfg.LLM.LLMProvider {
	case "openai":
		return connections.LLMConfig{
			Provider: "openai",
			APIKey:   cfg.LLM.OpenAIAPIKey,
			Model:    cfg.LLM.OpenAIModel,
		}
	case "anthropic":
		return connections.LLMConfig{
			Provider: "anthropic",
			APIKey:   cfg.LLM.AnthropicAPIKey,
			Model:    cfg.LLM.AnthropicModel,
		}
	default:
		return connections.LLMConfig{
			Provider: "ollama",
			BaseURL:  cfg.LLM.OllamaURL,
			Model:    cfg.LLM.OllamaModel,
		}
	}
}
