package llm

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/scrypster/memento/pkg/types"
)

// LinkCandidateResponse is a single candidate_links entry in an enrichment
// response: a target memory id, the proposed LinkKind, and a strength.
type LinkCandidateResponse struct {
	TargetID string         `json:"target_id"`
	Kind     types.LinkKind `json:"kind"`
	Strength float64        `json:"strength"`
}

// EnrichmentResponse is the parsed result of the enrich(content) contract.
type EnrichmentResponse struct {
	Summary        string                  `json:"summary"`
	Keywords       []string                `json:"keywords"`
	Tags           []string                `json:"tags"`
	Kind           types.MemoryKind        `json:"kind"`
	Importance     int                     `json:"importance"`
	CandidateLinks []LinkCandidateResponse `json:"candidate_links"`
}

// ConsolidationDecision is the closed set of outcomes consolidate(a, b) may
// return, matching section 4.3 of the specification.
type ConsolidationDecision string

const (
	DecisionMerge     ConsolidationDecision = "merge"
	DecisionSupersede ConsolidationDecision = "supersede"
	DecisionKeepBoth  ConsolidationDecision = "keep_both"
)

// ConsolidationResponse is the parsed result of the consolidate(a, b) contract.
type ConsolidationResponse struct {
	Decision      ConsolidationDecision `json:"decision"`
	MergedContent string                `json:"merged_content,omitempty"`
	Superseded    string                `json:"superseded,omitempty"` // "a" or "b"
	Rationale     string                `json:"rationale"`
}

// ReviewResponse is the parsed result of the review(artifact, policy) contract.
type ReviewResponse struct {
	Pass       bool     `json:"pass"`
	Issues     []string `json:"issues"`
	Confidence float64  `json:"confidence"`
}

// extractJSON extracts the first valid JSON object from a string that may
// contain extra text: LLMs sometimes add explanations or markdown fences
// despite instructions not to.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text
}

// ParseEnrichmentResponse parses an enrich(content) JSON response. Candidate
// links with an unrecognized LinkKind are dropped rather than failing the
// whole response, matching the degrade-gracefully posture of section 4.3.
// Importance is clamped into [1,10]; an out-of-range or missing importance
// is not itself an error.
func ParseEnrichmentResponse(jsonStr string) (*EnrichmentResponse, error) {
	clean := extractJSON(jsonStr)

	var resp EnrichmentResponse
	if err := json.Unmarshal([]byte(clean), &resp); err != nil {
		return nil, fmt.Errorf("parse enrichment response: %w", err)
	}

	if !types.IsValidMemoryKind(resp.Kind) {
		log.Printf("llm: enrichment response had unknown kind %q, dropping classification", resp.Kind)
		resp.Kind = ""
	}

	resp.Importance = types.ClampImportance(resp.Importance)

	valid := resp.CandidateLinks[:0]
	for _, c := range resp.CandidateLinks {
		if c.TargetID == "" || !types.IsValidLinkKind(c.Kind) {
			log.Printf("llm: dropping candidate link with invalid kind %q", c.Kind)
			continue
		}
		c.Strength = types.ClampStrength(c.Strength)
		valid = append(valid, c)
	}
	resp.CandidateLinks = valid

	return &resp, nil
}

// ParseConsolidationResponse parses a consolidate(a, b) JSON response and
// validates the decision is one of the three recognized outcomes.
func ParseConsolidationResponse(jsonStr string) (*ConsolidationResponse, error) {
	clean := extractJSON(jsonStr)

	var resp ConsolidationResponse
	if err := json.Unmarshal([]byte(clean), &resp); err != nil {
		return nil, fmt.Errorf("parse consolidation response: %w", err)
	}

	switch resp.Decision {
	case DecisionMerge, DecisionSupersede, DecisionKeepBoth:
	default:
		return nil, fmt.Errorf("invalid consolidation decision: %q", resp.Decision)
	}

	return &resp, nil
}

// ParseReviewResponse parses a review(artifact, policy) JSON response.
func ParseReviewResponse(jsonStr string) (*ReviewResponse, error) {
	clean := extractJSON(jsonStr)

	var resp ReviewResponse
	if err := json.Unmarshal([]byte(clean), &resp); err != nil {
		return nil, fmt.Errorf("parse review response: %w", err)
	}

	if resp.Confidence < 0.0 || resp.Confidence > 1.0 {
		return nil, fmt.Errorf("invalid review confidence: %f", resp.Confidence)
	}

	return &resp, nil
}
