package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/relgraph/pkg/jobqueue"
	"github.com/codeready-toolchain/relgraph/pkg/store"
)

// ProcessOnce claims one batch of pending outbox events and drives them
// through their class handlers in order A, B, C, D, E, then runs the
// global-phase trigger for every run touched by the batch. The claim
// itself is a short transaction that commits immediately (mirroring the
// retrieved reference outbox worker) rather than staying open across the
// whole batch's processing: the batched writer (C2) already owns its own
// single-in-flight-transaction discipline, and nesting this claim's
// transaction around that would serialize every flush behind one lock for
// no benefit in a single-publisher deployment. FOR UPDATE SKIP LOCKED keeps
// two instances' claim queries from taking the same rows at the same
// moment only: once the claim commits, the rows stay pending and unlocked
// until this batch's status updates land, so another instance polling in
// between can claim them again.
func (p *Publisher) ProcessOnce(ctx context.Context) error {
	events, err := p.claim(ctx)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	byClass := partitionByClass(events)
	var updates []store.OutboxStatusUpdate
	runsTouched := make(map[string]struct{})

	process := func(class []store.OutboxEvent, handle func(store.OutboxEvent) error) {
		for _, e := range class {
			runsTouched[e.RunID] = struct{}{}
			if err := handle(e); err != nil {
				updates = append(updates, p.failureUpdate(e, err))
				continue
			}
			updates = append(updates, store.OutboxStatusUpdate{ID: e.ID, Status: store.OutboxStatusPublished})
		}
	}

	process(byClass.fileAnalysis, func(e store.OutboxEvent) error { return p.handleFileAnalysis(ctx, e) })
	process(byClass.directoryAnalysis, func(e store.OutboxEvent) error { return p.handleDirectoryAnalysis(ctx, e) })
	process(byClass.relationshipAnalysis, func(e store.OutboxEvent) error { return p.handleRelationshipAnalysis(ctx, e) })
	process(byClass.globalRelationship, func(e store.OutboxEvent) error { return p.handleGlobalRelationshipAnalysis(ctx, e) })
	process(byClass.escalation, func(e store.OutboxEvent) error { return p.handleEscalation(ctx, e) })
	for _, e := range byClass.other {
		runsTouched[e.RunID] = struct{}{}
		if err := p.routeUnrecognized(ctx, e); err != nil {
			updates = append(updates, p.failureUpdate(e, err))
			continue
		}
		updates = append(updates, store.OutboxStatusUpdate{ID: e.ID, Status: store.OutboxStatusPublished})
	}

	if err := p.applyUpdates(ctx, updates); err != nil {
		return fmt.Errorf("apply status updates: %w", err)
	}

	for runID := range runsTouched {
		if err := p.triggerGlobalPhase(ctx, runID); err != nil {
			slog.Error("outbox publisher: global-phase trigger failed", "run_id", runID, "error", err)
		}
	}
	return nil
}

func (p *Publisher) claim(ctx context.Context) ([]store.OutboxEvent, error) {
	batchSize := p.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	tx, err := p.client.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	events, err := store.ClaimPendingOutboxEvents(ctx, tx, batchSize)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim transaction: %w", err)
	}
	return events, nil
}

type classifiedBatch struct {
	fileAnalysis         []store.OutboxEvent
	directoryAnalysis    []store.OutboxEvent
	relationshipAnalysis []store.OutboxEvent
	globalRelationship   []store.OutboxEvent
	escalation           []store.OutboxEvent
	other                []store.OutboxEvent
}

func partitionByClass(events []store.OutboxEvent) classifiedBatch {
	var b classifiedBatch
	for _, e := range events {
		switch e.EventType {
		case store.EventTypeFileAnalysisFinding:
			b.fileAnalysis = append(b.fileAnalysis, e)
		case store.EventTypeDirectoryAnalysisFinding:
			b.directoryAnalysis = append(b.directoryAnalysis, e)
		case store.EventTypeRelationshipAnalysisFinding:
			b.relationshipAnalysis = append(b.relationshipAnalysis, e)
		case store.EventTypeGlobalRelationshipFinding:
			b.globalRelationship = append(b.globalRelationship, e)
		case store.EventTypeRelationshipConfidenceEscalation:
			b.escalation = append(b.escalation, e)
		default:
			b.other = append(b.other, e)
		}
	}
	return b
}

// routeUnrecognized handles event types outside the five named classes.
// None are defined today, so this is a deliberate no-op that still marks
// the event published: there is nothing downstream to hand it to.
func (p *Publisher) routeUnrecognized(_ context.Context, e store.OutboxEvent) error {
	slog.Warn("outbox publisher: no handler for event type, marking published with no action", "event_type", e.EventType, "event_id", e.ID)
	return nil
}

func (p *Publisher) failureUpdate(e store.OutboxEvent, cause error) store.OutboxStatusUpdate {
	slog.Error("outbox publisher: event processing failed", "event_id", e.ID, "event_type", e.EventType, "attempts", e.Attempts, "error", cause)
	return store.OutboxStatusUpdate{ID: e.ID, Status: store.OutboxStatusFailed, FailureReason: cause.Error()}
}

// applyUpdates writes back every status transition from this poll, routing
// any event that has now exhausted its retry budget to the dead-letter
// table instead of leaving it to fail forever in place.
func (p *Publisher) applyUpdates(ctx context.Context, updates []store.OutboxStatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	maxRetries := p.cfg.MaxEventRetries
	var published []store.OutboxStatusUpdate
	for _, u := range updates {
		if u.Status != store.OutboxStatusFailed {
			published = append(published, u)
			continue
		}
		attemptsAfter := p.attemptsFor(u.ID) + 1
		if attemptsAfter > maxRetries {
			if err := p.deadLetter(ctx, u); err != nil {
				return err
			}
			continue
		}
		if err := store.RetryOutboxEvent(ctx, p.client.DB(), u.ID, u.FailureReason); err != nil {
			return err
		}
	}
	return store.ApplyOutboxStatusUpdates(ctx, p.client.DB(), published)
}

// attemptsFor looks up an event's current attempt count. Small lookups like
// this, one per failing event in a batch, are cheap relative to the
// analysis work that produced the event in the first place.
func (p *Publisher) attemptsFor(eventID int64) int {
	var attempts int
	row := p.client.DB().QueryRowContext(context.Background(),
		"SELECT attempts FROM outbox WHERE id = $1", eventID)
	if err := row.Scan(&attempts); err != nil {
		return 0
	}
	return attempts
}

func (p *Publisher) deadLetter(ctx context.Context, u store.OutboxStatusUpdate) error {
	var e store.OutboxEvent
	row := p.client.DB().QueryRowContext(ctx,
		"SELECT id, run_id, event_type, payload, status, attempts, failure_reason, created_at, updated_at FROM outbox WHERE id = $1", u.ID)
	if err := row.Scan(&e.ID, &e.RunID, &e.EventType, &e.Payload, &e.Status, &e.Attempts, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("load event %d for dead-lettering: %w", u.ID, err)
	}
	if _, err := store.ArchiveDeadLetter(ctx, p.client.DB(), e, u.FailureReason); err != nil {
		return fmt.Errorf("archive dead letter for event %d: %w", u.ID, err)
	}
	return store.ApplyOutboxStatusUpdates(ctx, p.client.DB(), []store.OutboxStatusUpdate{
		{ID: u.ID, Status: store.OutboxStatusFailed, FailureReason: u.FailureReason},
	})
}

// triggerGlobalPhase enqueues one global-relationship-analysis job per
// directory once a run has no pending file or relationship events left,
// more than one file, and the phase hasn't already been marked started
// (store.RunReady). Claiming the marker (store.MarkGlobalPhaseStarted) is
// the atomic idempotency seam: only the poll that wins the claim enqueues
// anything, so a run is never re-triggered on a later poll.
func (p *Publisher) triggerGlobalPhase(ctx context.Context, runID string) error {
	ready, err := store.RunReady(ctx, p.client.DB(), runID)
	if err != nil {
		return fmt.Errorf("check run readiness for %s: %w", runID, err)
	}
	if !ready {
		return nil
	}

	claimed, err := store.MarkGlobalPhaseStarted(ctx, p.client.DB(), runID)
	if err != nil {
		return fmt.Errorf("mark global phase started for %s: %w", runID, err)
	}
	if !claimed {
		return nil
	}

	dirs, err := store.DistinctDirectories(ctx, p.client.DB(), runID)
	if err != nil {
		return fmt.Errorf("list directories for %s: %w", runID, err)
	}
	for _, dir := range dirs {
		payload := fmt.Sprintf(`{"runId":%q,"directoryPath":%q}`, runID, dir)
		if err := p.queue.Enqueue(ctx, jobqueue.QueueGlobalRelationshipAnalysis, "global-relationship-analysis", []byte(payload)); err != nil {
			return fmt.Errorf("enqueue global-relationship-analysis for %s: %w", dir, err)
		}
	}
	return nil
}

// Requeue resets a failed outbox event back to pending so it re-enters the
// normal poll cycle. This is the one sanctioned exception to the
// pending -> {published|failed} state machine, intended for operator use
// via the coordinator's admin surface after a root cause has been fixed.
func (p *Publisher) Requeue(ctx context.Context, eventID int64) error {
	return store.RequeueOutboxEvent(ctx, p.client.DB(), eventID)
}

// Counts reports exact pending/published/failed row counts for the
// /status/outbox surface, as distinct from the gauge's cheap estimate.
func (p *Publisher) Counts(ctx context.Context) (pending, published, failed int, err error) {
	return store.OutboxCounts(ctx, p.client.DB())
}
