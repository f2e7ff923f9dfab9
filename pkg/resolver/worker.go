// Package resolver is the orchestration half of the Relationship
// Resolution Worker (C8): given a claimed job naming a file and its
// candidate POI names, it asks the LLM for relationships among them and
// drives each returned relationship through confidence scoring, an
// optional single enhancement pass, and either Class C outbox emission or
// a logged drop. Code extraction is out of scope; this package starts
// from already-extracted POI names.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/relgraph/pkg/confidence"
	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/codeready-toolchain/relgraph/pkg/jobqueue"
	"github.com/codeready-toolchain/relgraph/pkg/pool"
	"github.com/codeready-toolchain/relgraph/pkg/store"
)

// poolClass is the C4 worker class every LLM call in this package runs
// under. It is the same string as the queue this worker consumes from:
// both name the same unit of work from two different angles.
const poolClass = jobqueue.QueueRelationshipResolution

// llmCallTimeout bounds a single LLM round trip, enhancement re-prompts
// included.
const llmCallTimeout = 150 * time.Second

// Worker resolves candidate relationships for one file at a time.
type Worker struct {
	client  *store.Client
	pool    *pool.Manager
	llm     LLMCaller
	confCfg config.ConfidenceConfig
}

// New builds a Worker. llm is the only collaborator this package doesn't
// already have a concrete implementation for; callers supply a real
// client at wiring time and a fake in tests.
func New(client *store.Client, mgr *pool.Manager, llm LLMCaller, confCfg config.ConfidenceConfig) *Worker {
	return &Worker{client: client, pool: mgr, llm: llm, confCfg: confCfg}
}

// indexedVerdict pairs a fan-out slot's original index with its outcome,
// mirroring the reference executor's indexedAgentResult so results can be
// collected out of order and sorted back into input order before emission.
type indexedVerdict struct {
	index    int
	accepted outboxRelationship
	ok       bool
}

// HandleJob is this package's jobqueue.Handler: it unmarshals the claimed
// job's payload and resolves it. Wire it up with
// queue.Consume(ctx, jobqueue.QueueRelationshipResolution, interval, worker.HandleJob).
func (w *Worker) HandleJob(ctx context.Context, job *store.QueueJob) error {
	var payload jobPayload
	if err := decodeJobPayload(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode job %d payload: %w", job.ID, err)
	}
	return w.Resolve(ctx, payload)
}

// Resolve claims no state of its own: given one job's file path and
// candidate POI names, it queries the LLM once for candidate
// relationships, fans out one goroutine per returned relationship to score
// (and, if warranted, re-prompt) it, then emits every relationship that
// clears the confidence threshold as a single Class C outbox event.
func (w *Worker) Resolve(ctx context.Context, payload jobPayload) error {
	raw, err := w.queryCandidates(ctx, payload)
	if err != nil {
		return fmt.Errorf("query candidates for %s: %w", payload.FilePath, err)
	}

	candidates, err := parseLLMResponse(raw)
	if err != nil {
		return fmt.Errorf("parse candidates for %s: %w", payload.FilePath, err)
	}
	if len(candidates) == 0 {
		return nil
	}

	results := make(chan indexedVerdict, len(candidates))
	var wg sync.WaitGroup
	for i, rel := range candidates {
		wg.Add(1)
		go func(i int, rel llmRelationship) {
			defer wg.Done()
			accepted, ok := w.evaluate(ctx, payload.RunID, rel)
			results <- indexedVerdict{index: i, accepted: accepted, ok: ok}
		}(i, rel)
	}
	wg.Wait()
	close(results)

	verdicts := make([]indexedVerdict, 0, len(candidates))
	for v := range results {
		verdicts = append(verdicts, v)
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].index < verdicts[j].index })

	var accepted []outboxRelationship
	for _, v := range verdicts {
		if v.ok {
			accepted = append(accepted, v.accepted)
		}
	}
	if len(accepted) == 0 {
		return nil
	}

	body, err := encodeRelationshipFinding(payload.RunID, payload.FilePath, accepted)
	if err != nil {
		return fmt.Errorf("encode relationship finding: %w", err)
	}
	if _, err := store.InsertOutboxEvent(ctx, w.client.DB(), payload.RunID, store.EventTypeRelationshipAnalysisFinding, body); err != nil {
		return fmt.Errorf("emit relationship finding: %w", err)
	}
	return nil
}

// evaluate runs one candidate relationship through scoring, the capped
// enhancement pass, and the confidence gate. It never returns an error:
// a relationship this package cannot confidently score is dropped and
// logged, not retried as a processing failure, since a low score is a
// valid outcome rather than a fault.
func (w *Worker) evaluate(ctx context.Context, runID string, rel llmRelationship) (outboxRelationship, bool) {
	items, err := buildEvidence(ctx, w.client.DB(), runID, rel)
	if err != nil {
		slog.Warn("resolver: dropping relationship, evidence build failed", "run_id", runID, "from", rel.From, "to", rel.To, "error", err)
		return outboxRelationship{}, false
	}

	result := confidence.Score(items, w.confCfg)

	if result.Final >= w.confCfg.ConfidenceThreshold && result.Final < w.confCfg.IndividualThreshold {
		enhanced, err := w.enhance(ctx, runID, rel, result)
		if err != nil {
			slog.Warn("resolver: enhancement pass failed, keeping original score", "run_id", runID, "from", rel.From, "to", rel.To, "error", err)
		} else {
			rel = enhanced
			items, err = buildEvidence(ctx, w.client.DB(), runID, rel)
			if err == nil {
				result = confidence.Score(items, w.confCfg)
			}
		}
	}

	if result.Final < w.confCfg.ConfidenceThreshold {
		slog.Info("resolver: dropping relationship below confidence threshold",
			"run_id", runID, "from", rel.From, "to", rel.To, "final", result.Final, "level", result.Level)
		return outboxRelationship{}, false
	}

	final := result.Final
	return outboxRelationship{
		From:       rel.From,
		To:         rel.To,
		Type:       rel.Type,
		Reason:     rel.Reason,
		Confidence: &final,
	}, true
}

// enhance runs exactly one targeted re-prompt aimed at the scorer's
// weakest factor, adopting whatever the model returns for that factor's
// corroborating evidence regardless of whether the resulting score
// improves — a relationship gets one second look, not a retry loop.
func (w *Worker) enhance(ctx context.Context, runID string, rel llmRelationship, prior confidence.Result) (llmRelationship, error) {
	prompt := buildEnhancementPrompt(rel, prior.LowestFactor)

	raw, err := w.queryLLM(ctx, prompt)
	if err != nil {
		return rel, err
	}

	candidates, err := parseLLMResponse(raw)
	if err != nil || len(candidates) == 0 {
		return rel, fmt.Errorf("enhancement reply had no usable relationship")
	}
	return candidates[0], nil
}

// buildEnhancementPrompt asks the model to corroborate specifically the
// factor the scorer found weakest, rather than re-deriving the whole
// relationship from scratch.
func buildEnhancementPrompt(rel llmRelationship, weakest confidence.Factor) string {
	return fmt.Sprintf(
		"Relationship %s -> %s (%s) scored weakly on %s evidence. "+
			"Re-examine the code and provide stronger %s evidence, or revise the relationship. "+
			"Reply with the same JSON shape as before.",
		rel.From, rel.To, rel.Type, weakest, weakest,
	)
}

func (w *Worker) queryCandidates(ctx context.Context, payload jobPayload) (string, error) {
	prompt := buildResolutionPrompt(payload)
	return w.queryLLM(ctx, prompt)
}

// queryLLM runs one LLM round trip under C4's circuit breaker and slot
// accounting, bounded by llmCallTimeout.
func (w *Worker) queryLLM(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()

	var reply string
	err := w.pool.ExecuteWithManagement(callCtx, poolClass, func(opCtx context.Context) error {
		out, err := w.llm.Query(opCtx, prompt)
		if err != nil {
			return err
		}
		reply = out
		return nil
	})
	return reply, err
}

func buildResolutionPrompt(payload jobPayload) string {
	return fmt.Sprintf(
		"Identify relationships between the following points of interest in %s: %v. "+
			"Reply with a JSON object: {\"relationships\":[{\"from\":...,\"to\":...,\"type\":...,\"reason\":...,\"evidenceQuote\":...}]}.",
		payload.FilePath, payload.Candidates,
	)
}
