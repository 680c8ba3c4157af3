package evolution

import (
	"context"
	"fmt"
	"log"

	"github.com/scrypster/memento/internal/llm"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// ImportanceRecalibrationJob applies the decay(d)/access_boost formula from
// section 4.5 to every non-archived memory.
type ImportanceRecalibrationJob struct {
	Store storage.MemoryStore
}

func (j *ImportanceRecalibrationJob) Name() string { return "importance_recalibration" }

func (j *ImportanceRecalibrationJob) Run(ctx context.Context) error {
	n, err := j.Store.UpdateDecayScores(ctx)
	if err != nil {
		return fmt.Errorf("recalibrate importance: %w", err)
	}
	log.Printf("[evolution] importance_recalibration updated %d memories", n)
	return nil
}

// LinkDecayJob applies the link-strength decay formula from section 4.5 and
// then prunes any link whose strength has fallen below PruneThreshold.
type LinkDecayJob struct {
	Links          storage.LinkStore
	PruneThreshold float64
}

func (j *LinkDecayJob) Name() string { return "link_decay" }

func (j *LinkDecayJob) Run(ctx context.Context) error {
	decayed, err := j.Links.DecayLinks(ctx)
	if err != nil {
		return fmt.Errorf("decay links: %w", err)
	}
	pruned, err := j.Links.PruneWeakLinks(ctx, j.PruneThreshold)
	if err != nil {
		return fmt.Errorf("prune weak links: %w", err)
	}
	log.Printf("[evolution] link_decay decayed %d links, pruned %d below %.3f", decayed, pruned, j.PruneThreshold)
	return nil
}

// ArchivalJob applies the archival rule from section 4.5 via the storage
// layer's atomic ArchiveStale operation.
type ArchivalJob struct {
	Store storage.MemoryStore
}

func (j *ArchivalJob) Name() string { return "archival" }

func (j *ArchivalJob) Run(ctx context.Context) error {
	n, err := j.Store.ArchiveStale(ctx)
	if err != nil {
		return fmt.Errorf("archive stale memories: %w", err)
	}
	log.Printf("[evolution] archival archived %d memories", n)
	return nil
}

// Consolidator decides the outcome of comparing two pieces of memory
// content, matching EnrichmentService.Consolidate / MemoryEngine.Consolidate.
type Consolidator interface {
	Consolidate(ctx context.Context, a, b string) (*llm.ConsolidationResponse, error)
}

// ConsolidationJob finds near-duplicate memories within the same namespace
// via vector similarity and asks a Consolidator to decide whether to merge,
// supersede, or keep both, per section 4.5. A memory at or above
// ImportanceCeiling is never consolidated automatically, matching the rule
// that high-importance memories require explicit operator consent.
type ConsolidationJob struct {
	Store        storage.MemoryStore
	Search       storage.SearchProvider
	Consolidator Consolidator

	SimilarityThreshold float64
	ImportanceCeiling   int
	BatchSize           int
}

func (j *ConsolidationJob) Name() string { return "consolidation" }

func (j *ConsolidationJob) Run(ctx context.Context) error {
	candidates, err := j.collectCandidates(ctx)
	if err != nil {
		return fmt.Errorf("collect consolidation candidates: %w", err)
	}

	seen := make(map[string]bool)
	merged, superseded, keptBoth := 0, 0, 0

	for _, m := range candidates {
		if len(m.Embedding) == 0 || m.Importance >= j.ImportanceCeiling {
			continue
		}

		query := make([]float64, len(m.Embedding))
		for i, v := range m.Embedding {
			query[i] = float64(v)
		}

		results, err := j.Search.VectorSearch(ctx, query, storage.SearchOptions{
			Limit:    5,
			MinScore: j.SimilarityThreshold,
		})
		if err != nil {
			log.Printf("[evolution] consolidation: vector search failed for %s: %v", m.ID, err)
			continue
		}

		for _, candidate := range results.Items {
			if candidate.ID == m.ID || candidate.Archived {
				continue
			}
			if candidate.Namespace.String() != m.Namespace.String() {
				continue
			}
			if candidate.Importance >= j.ImportanceCeiling {
				continue
			}

			pairKey := pairKey(m.ID, candidate.ID)
			if seen[pairKey] {
				continue
			}
			seen[pairKey] = true

			a, b := m, candidate
			outcome, err := j.consolidatePair(ctx, &a, &b)
			if err != nil {
				log.Printf("[evolution] consolidation: failed to consolidate %s/%s: %v", a.ID, b.ID, err)
				continue
			}
			switch outcome {
			case llm.DecisionMerge:
				merged++
			case llm.DecisionSupersede:
				superseded++
			default:
				keptBoth++
			}
		}
	}

	log.Printf("[evolution] consolidation merged=%d superseded=%d kept_both=%d", merged, superseded, keptBoth)
	return nil
}

// collectCandidates pages through every non-archived memory with an
// embedding, in batches of BatchSize.
func (j *ConsolidationJob) collectCandidates(ctx context.Context) ([]types.Memory, error) {
	batchSize := j.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var all []types.Memory
	page := 1
	for {
		result, err := j.Store.List(ctx, storage.ListOptions{Page: page, Limit: batchSize})
		if err != nil {
			return nil, err
		}
		all = append(all, result.Items...)
		if !result.HasMore {
			break
		}
		page++
	}
	return all, nil
}

// consolidatePair asks the Consolidator to compare a and b, then applies the
// decision. The convention for "target" in a merge or supersede decision is
// the memory NOT named by ConsolidationResponse.Superseded: that memory
// keeps its id and, on a merge, receives the merged content, while the
// other is marked archived with SupersededBy pointing at the target.
func (j *ConsolidationJob) consolidatePair(ctx context.Context, a, b *types.Memory) (llm.ConsolidationDecision, error) {
	decision, err := j.Consolidator.Consolidate(ctx, a.Content, b.Content)
	if err != nil {
		return "", err
	}

	switch decision.Decision {
	case llm.DecisionKeepBoth:
		return decision.Decision, nil

	case llm.DecisionMerge, llm.DecisionSupersede:
		target, retired := a, b
		if decision.Superseded == "a" {
			target, retired = b, a
		}

		if decision.Decision == llm.DecisionMerge && decision.MergedContent != "" {
			target.Content = decision.MergedContent
			if err := j.Store.Update(ctx, target); err != nil {
				return "", fmt.Errorf("update merged memory %s: %w", target.ID, err)
			}
		}

		retired.SupersededBy = target.ID
		if err := j.Store.Update(ctx, retired); err != nil {
			return "", fmt.Errorf("mark %s superseded: %w", retired.ID, err)
		}
		if err := j.Store.Archive(ctx, retired.ID); err != nil {
			return "", fmt.Errorf("archive %s: %w", retired.ID, err)
		}
		return decision.Decision, nil

	default:
		return "", fmt.Errorf("unrecognized consolidation decision: %q", decision.Decision)
	}
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}
