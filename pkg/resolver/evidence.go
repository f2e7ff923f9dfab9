package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/relgraph/pkg/confidence"
	"github.com/codeready-toolchain/relgraph/pkg/store"
)

// llmRelationship is one candidate relationship as the LLM reports it.
// Confidence is optional: some prompts ask the model for a self-rated
// score, others leave scoring entirely to the scorer below.
type llmRelationship struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	Type          string   `json:"type"`
	Reason        string   `json:"reason"`
	EvidenceQuote string   `json:"evidenceQuote"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

type llmResponse struct {
	Relationships []llmRelationship `json:"relationships"`
}

// parseLLMResponse parses a relationship-resolution prompt's reply into its
// candidate relationship list. The LLM is instructed (prompt construction
// is out of scope here) to reply with a single JSON object shaped like
// llmResponse.
func parseLLMResponse(raw string) ([]llmRelationship, error) {
	var resp llmResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w", err)
	}
	return resp.Relationships, nil
}

// buildEvidence turns one candidate relationship, plus store-derived
// context about its two endpoints, into the EvidenceItems C5 scores.
// Syntactic and semantic evidence come straight from what the LLM said;
// context and cross-reference evidence are heuristics over the POIs
// themselves, independent of anything the LLM claimed.
func buildEvidence(ctx context.Context, ex store.Execer, runID string, rel llmRelationship) ([]confidence.EvidenceItem, error) {
	items := []confidence.EvidenceItem{
		{Factor: confidence.FactorSyntactic, Strength: reasonStrength(rel.Reason)},
		{Factor: confidence.FactorSemantic, Strength: quoteStrength(rel.EvidenceQuote)},
	}

	from, err := store.GetPOIByName(ctx, ex, runID, rel.From)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", rel.From, err)
	}
	to, err := store.GetPOIByName(ctx, ex, runID, rel.To)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", rel.To, err)
	}

	items = append(items,
		confidence.EvidenceItem{Factor: confidence.FactorContext, Strength: contextStrength(from, to)},
		confidence.EvidenceItem{Factor: confidence.FactorCrossRef, Strength: crossRefStrength(from, to)},
	)
	return items, nil
}

// reasonStrength scores the LLM's stated reason by how substantive it
// reads: a short, generic reason is weaker evidence than a detailed one.
func reasonStrength(reason string) float64 {
	words := len(strings.Fields(reason))
	switch {
	case words == 0:
		return 0
	case words < 5:
		return 0.4
	case words < 15:
		return 0.7
	default:
		return 0.9
	}
}

// quoteStrength scores whether the LLM grounded its claim in an actual
// quoted evidence snippet, as opposed to asserting the relationship with
// no supporting text.
func quoteStrength(quote string) float64 {
	if strings.TrimSpace(quote) == "" {
		return 0.2
	}
	return 0.85
}

// contextStrength is a heuristic: two POIs that share a domain prefix in
// their semantic ids (the segment before the first '.') are more likely
// to be genuinely related than two drawn from unrelated domains.
func contextStrength(from, to store.POI) float64 {
	fromPrefix := domainPrefix(from.SemanticID)
	toPrefix := domainPrefix(to.SemanticID)
	if fromPrefix != "" && fromPrefix == toPrefix {
		return 0.8
	}
	return 0.35
}

// crossRefStrength is a heuristic: two POIs of the same entity class
// (e.g. both "function", both "type") corroborate relationship types that
// typically link same-class entities (calls, implements); a class
// mismatch is weaker but not disqualifying.
func crossRefStrength(from, to store.POI) float64 {
	if from.Type == to.Type {
		return 0.75
	}
	return 0.45
}

func domainPrefix(semanticID string) string {
	if i := strings.IndexByte(semanticID, '.'); i > 0 {
		return semanticID[:i]
	}
	return ""
}
