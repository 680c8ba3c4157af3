// Package llm provides LLM integration for the enrichment service: turning
// raw memory content into a structured enrichment artifact, deciding how two
// near-duplicate memories should be consolidated, and reviewing a proposed
// artifact against a lightweight policy. Every prompt is strict JSON-only so
// the response parser never has to cope with conversational padding beyond
// stripping markdown fences.
package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/memento/pkg/types"
)

// EnrichmentPrompt generates a strict JSON-only prompt implementing the
// enrich(content) contract from section 4.3 of the specification: summary,
// keywords, tags, a memory kind classification, an importance score, and
// candidate links to other memories already present in the namespace.
func EnrichmentPrompt(content string, candidates []LinkCandidateInput) string {
	var candidateList strings.Builder
	if len(candidates) == 0 {
		candidateList.WriteString("(no existing memories to compare against)\n")
	}
	for i, c := range candidates {
		if i >= 40 {
			fmt.Fprintf(&candidateList, "... and %d more candidates\n", len(candidates)-40)
			break
		}
		fmt.Fprintf(&candidateList, "- id=%s: %s\n", c.ID, truncate(c.Summary, 200))
	}

	return fmt.Sprintf(`TASK: Enrich a stored memory. Return ONLY valid JSON, no markdown, no code blocks, no explanation.

MEMORY KINDS (pick exactly one):
- architecture_decision: a chosen system design or technical direction
- code_pattern: a reusable implementation idiom
- bug_fix: a diagnosed defect and its resolution
- configuration: an environment or tool configuration detail
- constraint: a hard limit or non-negotiable requirement
- entity: a fact about a specific person, project, or external system
- insight: a realization or lesson learned
- reference: a pointer to external documentation or material
- preference: a stated preference about how to work

LINK KINDS for candidate_links (pick only among these five):
- extends, contradicts, implements, references, supersedes

CANDIDATE MEMORIES TO CONSIDER LINKING AGAINST:
%s
CONTENT TO ENRICH:
%s

REQUIRED JSON STRUCTURE:
{
  "summary": "one or two sentence summary",
  "keywords": ["...", "..."],
  "tags": ["...", "..."],
  "kind": "one of the memory kinds above",
  "importance": 1-10,
  "candidate_links": [{"target_id": "...", "kind": "...", "strength": 0.0-1.0}]
}

Return ONLY the JSON object, nothing else:
{"summary":"...","keywords":["..."],"tags":["..."],"kind":"insight","importance":5,"candidate_links":[]}`, candidateList.String(), content)
}

// LinkCandidateInput is a condensed existing memory offered to the
// enrichment prompt as a candidate for linking.
type LinkCandidateInput struct {
	ID      string
	Summary string
}

// ConsolidationPrompt generates a strict JSON-only prompt implementing the
// consolidate(a, b) contract from section 4.3: decide whether two memories
// should be merged, one should supersede the other, or both should be kept.
func ConsolidationPrompt(a, b string) string {
	return fmt.Sprintf(`TASK: Decide how to consolidate two memories that the retrieval layer flagged as near-duplicates.
Return ONLY valid JSON, no markdown, no code blocks, no explanation.

DECISIONS (pick exactly one):
- merge: the two memories describe the same fact and should become one; provide merged_content
- supersede: the second memory replaces the first (e.g. a newer decision); the first should be marked superseded
- keep_both: the memories are related but distinct and should both remain

MEMORY A:
%s

MEMORY B:
%s

REQUIRED JSON STRUCTURE:
{
  "decision": "merge|supersede|keep_both",
  "merged_content": "only present when decision is merge",
  "superseded": "a|b, only present when decision is supersede",
  "rationale": "one sentence explanation"
}

Return ONLY the JSON object, nothing else:
{"decision":"keep_both","rationale":"..."}`, a, b)
}

// ReviewPrompt generates a strict JSON-only prompt implementing the
// review(artifact, policy) contract from section 4.3: a pass/fail check of
// a proposed enrichment artifact against a short natural-language policy.
func ReviewPrompt(artifact, policy string) string {
	return fmt.Sprintf(`TASK: Review a proposed memory-enrichment artifact against a policy.
Return ONLY valid JSON, no markdown, no code blocks, no explanation.

POLICY:
%s

ARTIFACT TO REVIEW (JSON):
%s

REQUIRED JSON STRUCTURE:
{
  "pass": true|false,
  "issues": ["...", "..."],
  "confidence": 0.0-1.0
}

Return ONLY the JSON object, nothing else:
{"pass":true,"issues":[],"confidence":0.9}`, policy, artifact)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// heuristicKeywords is used by the degraded (no-LLM / circuit-open) fallback
// path described in section 4.3: a crude top-N frequent-word extraction so
// Store() never blocks on LLM availability.
func heuristicKeywords(content string, n int) []string {
	freq := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(content)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) < 4 || isStopword(word) {
			continue
		}
		freq[word]++
	}

	type kv struct {
		word  string
		count int
	}
	ranked := make([]kv, 0, len(freq))
	for w, c := range freq {
		ranked = append(ranked, kv{w, c})
	}
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].count > ranked[i].count {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}

	out := make([]string, 0, n)
	for i := 0; i < len(ranked) && i < n; i++ {
		out = append(out, ranked[i].word)
	}
	return out
}

var stopwords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "have": true,
	"were": true, "been": true, "their": true, "about": true, "which": true,
	"would": true, "could": true, "there": true, "these": true, "those": true,
	"into": true, "when": true, "will": true, "shall": true,
}

func isStopword(w string) bool { return stopwords[w] }

// heuristicKind classifies content by crude keyword matching when no LLM is
// available, biased toward types.KindInsight as the generic fallback.
func heuristicKind(content string) types.MemoryKind {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "decided to") || strings.Contains(lower, "architecture"):
		return types.KindArchitectureDecision
	case strings.Contains(lower, "fixed") || strings.Contains(lower, "bug"):
		return types.KindBugFix
	case strings.Contains(lower, "config") || strings.Contains(lower, "env var"):
		return types.KindConfiguration
	case strings.Contains(lower, "must") || strings.Contains(lower, "never") || strings.Contains(lower, "always"):
		return types.KindConstraint
	case strings.Contains(lower, "prefer"):
		return types.KindPreference
	default:
		return types.KindInsight
	}
}
