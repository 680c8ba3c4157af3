package engine

import (
	"context"
	"log"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// enrichmentWorker is a worker goroutine that processes enrichment jobs.
// It runs continuously until the enrichment queue is closed.
func (e *MemoryEngine) enrichmentWorker(ctx context.Context, workerID int) {
	defer e.workerWaitGroup.Done()

	log.Printf("Enrichment worker %d started", workerID)

	for job := range e.enrichmentQueue {
		e.processEnrichmentJob(ctx, workerID, job)
	}

	log.Printf("Enrichment worker %d stopped", workerID)
}

// processEnrichmentJob processes a single enrichment job by calling the
// enrichment service's Enrich contract (summary, keywords, tags, kind,
// importance, candidate_links) and generating an embedding. If
// job.EmbeddingOnly is true, only embedding generation is performed.
func (e *MemoryEngine) processEnrichmentJob(ctx context.Context, workerID int, job *EnrichmentJob) {
	log.Printf("Worker %d processing memory %s (attempt %d, embeddingOnly=%v)", workerID, job.MemoryID, job.Attempt, job.EmbeddingOnly)

	// Use background context for database operations to avoid cancellation during shutdown
	dbCtx := context.Background()

	// Apply exponential backoff for retries to reduce database lock contention
	if job.Attempt > 0 {
		backoffDuration := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond // 100ms, 400ms, 900ms...
		log.Printf("Worker %d: Waiting %v before retry (attempt %d)", workerID, backoffDuration, job.Attempt)
		time.Sleep(backoffDuration)
	}

	// EmbeddingOnly path: just generate embeddings and return.
	if job.EmbeddingOnly {
		if e.enrichmentService != nil {
			if embErr := e.enrichmentService.GenerateEmbeddings(ctx, job.MemoryID, job.Content); embErr != nil {
				log.Printf("Worker %d: WARNING - embedding-only generation failed for %s: %v", workerID, job.MemoryID, embErr)
			} else {
				log.Printf("Worker %d: embedding-only job completed for %s", workerID, job.MemoryID)
			}
		} else {
			log.Printf("Worker %d: embedding-only job skipped (no enrichment service) for %s", workerID, job.MemoryID)
		}
		if e.onEnrichmentComplete != nil {
			e.onEnrichmentComplete(job.MemoryID)
		}
		return
	}

	if e.onEnrichmentStarted != nil {
		e.onEnrichmentStarted(job.MemoryID)
	}

	// Update status to processing
	if err := e.memoryStore.UpdateStatus(dbCtx, job.MemoryID, types.StatusProcessing); err != nil {
		log.Printf("ERROR: Worker %d failed to update status to processing for %s: %v",
			workerID, job.MemoryID, err)
		if !e.requeueEnrichmentJob(ctx, job) {
			e.memoryStore.UpdateStatus(dbCtx, job.MemoryID, types.StatusFailed)
		}
		return
	}

	now := time.Now()
	var enrichmentError string
	embeddingStatus := types.EnrichmentSkipped
	status := types.StatusEnriched

	if e.enrichmentService != nil {
		result, err := e.enrichmentService.Enrich(ctx, job.Content, nil)
		if err != nil {
			log.Printf("ERROR: Worker %d enrichment failed for %s: %v", workerID, job.MemoryID, err)
			enrichmentError = err.Error()
			if !e.requeueEnrichmentJob(ctx, job) {
				e.memoryStore.UpdateStatus(dbCtx, job.MemoryID, types.StatusFailed)
			}
			return
		}

		if result.Degraded {
			log.Printf("Worker %d: memory %s enriched via heuristic fallback (LLM unavailable)", workerID, job.MemoryID)
		}

		confidence := 1.0
		if result.Degraded {
			confidence = 0.4
		}

		// Persist candidate links, if any and a link store is available.
		if e.linkStore != nil {
			for _, link := range result.LinkTargets {
				l := link
				l.FromID = job.MemoryID
				l.CreatedAt = now
				l.LastReinforcedAt = now
				if createErr := e.linkStore.CreateLink(ctx, &l); createErr != nil {
					log.Printf("Worker %d: WARNING - failed to create candidate link %s->%s: %v", workerID, job.MemoryID, l.ToID, createErr)
				}
			}
		}

		// Generate vector embedding
		if embErr := e.enrichmentService.GenerateEmbeddings(ctx, job.MemoryID, job.Content); embErr != nil {
			log.Printf("Worker %d: WARNING - embedding generation failed for %s: %v", workerID, job.MemoryID, embErr)
			embeddingStatus = types.EnrichmentFailed
		} else {
			embeddingStatus = types.EnrichmentCompleted
			log.Printf("Worker %d: embedding generated for %s", workerID, job.MemoryID)
		}

		enrichment := storage.EnrichmentUpdate{
			Summary:            result.Artifact.Summary,
			Keywords:           result.Artifact.Keywords,
			Tags:               result.Artifact.Tags,
			Kind:               result.Artifact.Kind,
			Importance:         result.Artifact.Importance,
			Confidence:         confidence,
			Status:             status,
			EmbeddingStatus:    embeddingStatus,
			EnrichmentAttempts: job.Attempt + 1,
			EnrichmentError:    enrichmentError,
			EnrichedAt:         &now,
		}

		if err := e.memoryStore.UpdateEnrichment(ctx, job.MemoryID, enrichment); err != nil {
			log.Printf("WARNING: Worker %d failed to update enrichment metadata for %s: %v",
				workerID, job.MemoryID, err)
		}

		log.Printf("Worker %d completed enrichment for memory %s (kind=%s, importance=%d)",
			workerID, job.MemoryID, result.Artifact.Kind, result.Artifact.Importance)
	} else {
		log.Printf("Warning: Enrichment service not available, skipping enrichment for %s", job.MemoryID)
		enrichment := storage.EnrichmentUpdate{
			Status:             status,
			EmbeddingStatus:    types.EnrichmentSkipped,
			EnrichmentAttempts: job.Attempt + 1,
			EnrichedAt:         &now,
		}
		if err := e.memoryStore.UpdateEnrichment(ctx, job.MemoryID, enrichment); err != nil {
			log.Printf("WARNING: Worker %d failed to update enrichment metadata for %s: %v",
				workerID, job.MemoryID, err)
		}
	}

	// Trigger callback for event bus publication.
	if e.onEnrichmentComplete != nil {
		e.onEnrichmentComplete(job.MemoryID)
	}
}

// startWorkerPool starts the worker goroutines.
func (e *MemoryEngine) startWorkerPool(ctx context.Context) {
	for i := 0; i < e.config.NumWorkers; i++ {
		e.workerWaitGroup.Add(1)
		go e.enrichmentWorker(ctx, i)
	}

	log.Printf("Started %d enrichment workers", e.config.NumWorkers)
}

// stopWorkerPool stops the worker goroutines gracefully.
func (e *MemoryEngine) stopWorkerPool(ctx context.Context) error {
	// Close the enrichment queue (no more jobs)
	close(e.enrichmentQueue)

	// Wait for workers to drain (with timeout)
	done := make(chan struct{})
	go func() {
		e.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All enrichment workers finished gracefully")
		return nil
	case <-time.After(e.config.ShutdownTimeout):
		remaining := e.getQueueLength()
		log.Printf("WARNING: Shutdown timeout reached, %d enrichment jobs may be dropped", remaining)
		return nil
	case <-ctx.Done():
		remaining := e.getQueueLength()
		log.Printf("WARNING: Context cancelled, %d enrichment jobs may be dropped", remaining)
		return ctx.Err()
	}
}
