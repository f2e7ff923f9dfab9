package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/relgraph/pkg/jobqueue"
	"github.com/codeready-toolchain/relgraph/pkg/store"
)

// defaultRelationshipConfidence is applied when a finding omits confidence
// entirely, per the data model's default (§3).
const defaultRelationshipConfidence = 0.8

// relationshipResolutionBatchSize caps how many POI names ride in a single
// relationship-resolution job payload, keeping each LLM prompt C8 builds
// bounded regardless of how many POIs one file produced.
const relationshipResolutionBatchSize = 5

// handleFileAnalysis is Class A: one finding per analyzed file, carrying
// zero or more POIs. Buffered through the writer, then force-flushed so
// later classes in the same poll can resolve the POI ids they reference,
// then fans the file's POI names out into relationship-resolution jobs
// for C8 to consume.
func (p *Publisher) handleFileAnalysis(ctx context.Context, e store.OutboxEvent) error {
	payload, err := decodePayload[fileAnalysisPayload](e.Payload)
	if err != nil {
		return fmt.Errorf("decode file-analysis-finding: %w", err)
	}

	names := make([]string, 0, len(payload.POIs))
	for _, poi := range payload.POIs {
		hash := poiHash(payload.FilePath, poi.Name, poi.Type, poi.StartLine)
		semanticID := poi.SemanticID
		if semanticID == "" {
			semanticID = hash
		}
		p.writer.AddPOIInsert(store.POI{
			RunID:       payload.RunID,
			FilePath:    payload.FilePath,
			Name:        poi.Name,
			Type:        poi.Type,
			StartLine:   poi.StartLine,
			EndLine:     poi.EndLine,
			Description: poi.Description,
			IsExported:  poi.IsExported,
			SemanticID:  semanticID,
			Hash:        hash,
		})
		names = append(names, poi.Name)
	}

	if err := p.writer.Flush(ctx); err != nil {
		return err
	}

	return p.enqueueRelationshipResolution(ctx, payload.RunID, payload.FilePath, names)
}

// enqueueRelationshipResolution splits candidate POI names into batches of
// at most relationshipResolutionBatchSize and enqueues one
// relationship-resolution job per batch. A file with fewer than two POIs
// has nothing to relate, so it is skipped.
func (p *Publisher) enqueueRelationshipResolution(ctx context.Context, runID, filePath string, names []string) error {
	if len(names) < 2 {
		return nil
	}

	for start := 0; start < len(names); start += relationshipResolutionBatchSize {
		end := start + relationshipResolutionBatchSize
		if end > len(names) {
			end = len(names)
		}

		body, err := json.Marshal(struct {
			RunID      string   `json:"runId"`
			FilePath   string   `json:"filePath"`
			Candidates []string `json:"candidates"`
		}{RunID: runID, FilePath: filePath, Candidates: names[start:end]})
		if err != nil {
			return fmt.Errorf("encode relationship-resolution payload for %s: %w", filePath, err)
		}

		if err := p.queue.Enqueue(ctx, jobqueue.QueueRelationshipResolution, "relationship-resolution", body); err != nil {
			return fmt.Errorf("enqueue relationship-resolution for %s: %w", filePath, err)
		}
	}
	return nil
}

// handleDirectoryAnalysis is Class B: a per-directory summary. The writer's
// buffered contract has no directory-summary slot, so this upserts directly.
func (p *Publisher) handleDirectoryAnalysis(ctx context.Context, e store.OutboxEvent) error {
	payload, err := decodePayload[directoryAnalysisPayload](e.Payload)
	if err != nil {
		return fmt.Errorf("decode directory-analysis-finding: %w", err)
	}
	return store.UpsertDirectorySummary(ctx, p.client.DB(), payload.RunID, payload.DirectoryPath, payload.Summary)
}

// handleRelationshipAnalysis is Class C: one or more candidate relationships
// discovered while analyzing a single file. Each is recorded and its
// evidence counters advance; those below the confidence threshold are
// additionally dispatched to triangulation for re-analysis.
func (p *Publisher) handleRelationshipAnalysis(ctx context.Context, e store.OutboxEvent) error {
	payload, err := decodePayload[relationshipAnalysisPayload](e.Payload)
	if err != nil {
		return fmt.Errorf("decode relationship-analysis-finding: %w", err)
	}
	for _, rel := range payload.Relationships {
		if err := p.applyRelationship(ctx, payload.RunID, payload.FilePath, rel, false); err != nil {
			return err
		}
	}
	return p.writer.Flush(ctx)
}

// handleGlobalRelationshipAnalysis is Class D: a cross-file relationship
// finding produced by the global phase once a run is ready. Identical to
// Class C except the resulting relationships are marked cross-file.
func (p *Publisher) handleGlobalRelationshipAnalysis(ctx context.Context, e store.OutboxEvent) error {
	payload, err := decodePayload[relationshipAnalysisPayload](e.Payload)
	if err != nil {
		return fmt.Errorf("decode global-relationship-analysis-finding: %w", err)
	}
	for _, rel := range payload.Relationships {
		if err := p.applyRelationship(ctx, payload.RunID, payload.FilePath, rel, true); err != nil {
			return err
		}
	}
	return p.writer.Flush(ctx)
}

// resolvePOIToken resolves a relationship endpoint token to a POI id,
// trying semantic_id first (the preferred form per §6) and falling back to
// name. Returns sql.ErrNoRows, unwrapped, when neither lookup finds a row,
// so callers can distinguish "not found" from a real query failure.
func resolvePOIToken(ctx context.Context, ex store.Execer, runID, token string) (int64, error) {
	id, err := store.ResolvePOIBySemanticID(ctx, ex, runID, token)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	id, err = store.ResolvePOIByName(ctx, ex, runID, token)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Publisher) applyRelationship(ctx context.Context, runID, filePath string, rel relationshipPayload, crossFile bool) error {
	sourceID, err := resolvePOIToken(ctx, p.client.DB(), runID, rel.From)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Warn("outbox publisher: relationship source poi not found, skipping relationship", "run_id", runID, "from", rel.From, "to", rel.To, "type", rel.Type)
			return nil
		}
		return fmt.Errorf("resolve source poi %q: %w", rel.From, err)
	}
	targetID, err := resolvePOIToken(ctx, p.client.DB(), runID, rel.To)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Warn("outbox publisher: relationship target poi not found, skipping relationship", "run_id", runID, "from", rel.From, "to", rel.To, "type", rel.Type)
			return nil
		}
		return fmt.Errorf("resolve target poi %q: %w", rel.To, err)
	}

	conf := defaultRelationshipConfidence
	if rel.Confidence != nil {
		conf = *rel.Confidence
	}
	conf = clampConfidence(conf)
	relType := strings.ToUpper(rel.Type)

	// A finding dispatched to triangulation below stays pending until the
	// triangulation consumer decides it.
	escalate := rel.Confidence != nil && conf < p.confidenceThreshold()
	status := store.RelationshipStatusValidated
	switch {
	case crossFile:
		status = store.RelationshipStatusCrossFileValidated
	case escalate:
		status = store.RelationshipStatusPending
	}

	p.writer.AddRelationshipInsert(store.Relationship{
		RunID:       runID,
		SourcePOIID: sourceID,
		TargetPOIID: targetID,
		Type:        relType,
		FilePath:    filePath,
		Status:      status,
		Confidence:  conf,
		Reason:      rel.Reason,
		CrossFile:   crossFile,
	})

	hash := relationshipHash(runID, rel.From, rel.To, relType)
	p.writer.AddEvidenceInsert(runID, hash, true)
	if rel.Confidence != nil {
		p.writer.AddEvidenceInsert(runID, hash, false)
	}

	if escalate {
		if flushErr := p.writer.Flush(ctx); flushErr != nil {
			return fmt.Errorf("flush before triangulation dispatch: %w", flushErr)
		}
		relID, resolveErr := store.ResolveRelationship(ctx, p.client.DB(), runID, sourceID, targetID, relType)
		if resolveErr != nil {
			return fmt.Errorf("resolve relationship for triangulation dispatch: %w", resolveErr)
		}
		if dispatchErr := p.tri.Dispatch(ctx, relID, runID, conf); dispatchErr != nil {
			return fmt.Errorf("dispatch triangulation for relationship %d: %w", relID, dispatchErr)
		}
	}
	return nil
}

// clampConfidence bounds a relationship's confidence to [0,1], per the
// §8 confidence-clamp invariant.
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// handleEscalation is Class E: an explicit low-confidence escalation for an
// existing relationship row, raised by a producer outside this module.
// Nothing in this module emits one; pkg/resolver reports confidence in its
// Class C payload instead, and applyRelationship escalates from that.
func (p *Publisher) handleEscalation(ctx context.Context, e store.OutboxEvent) error {
	payload, err := decodePayload[escalationPayload](e.Payload)
	if err != nil {
		return fmt.Errorf("decode relationship-confidence-escalation: %w", err)
	}
	if _, err := store.GetRelationship(ctx, p.client.DB(), payload.RelationshipID); err != nil {
		return fmt.Errorf("resolve escalated relationship %d: %w", payload.RelationshipID, err)
	}
	return p.tri.Dispatch(ctx, payload.RelationshipID, payload.RunID, payload.Confidence)
}
