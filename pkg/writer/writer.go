// Package writer is the Batched Database Writer (C2): it accumulates POI
// inserts, relationship inserts, evidence deltas and outbox status updates
// into per-kind buffers and commits them together on a dual batchSize /
// flushInterval trigger, one transaction at a time.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/codeready-toolchain/relgraph/pkg/store"
)

type evidenceKey struct {
	RunID string
	Hash  string
}

// Writer is the Batched Database Writer. The zero value is not usable; use
// New.
type Writer struct {
	client *store.Client
	cfg    config.WriterConfig

	bufMu            sync.Mutex
	pois             []store.POI
	relationships    []store.Relationship
	evidenceExpected []evidenceKey
	evidenceActual   []evidenceKey
	outboxUpdates    []store.OutboxStatusUpdate

	flushMu sync.Mutex

	signalCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Writer bound to client, using cfg's batching policy.
func New(client *store.Client, cfg config.WriterConfig) *Writer {
	return &Writer{
		client:   client,
		cfg:      cfg,
		signalCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic flush loop. Safe to call once.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.flushLoop(ctx)
	}()
}

// AddPOIInsert buffers a POI for the next flush.
func (w *Writer) AddPOIInsert(p store.POI) {
	w.bufMu.Lock()
	w.pois = append(w.pois, p)
	full := len(w.pois) >= w.cfg.BatchSize
	w.bufMu.Unlock()
	if full {
		w.signalFlush()
	}
}

// AddRelationshipInsert buffers a relationship for the next flush.
func (w *Writer) AddRelationshipInsert(r store.Relationship) {
	w.bufMu.Lock()
	w.relationships = append(w.relationships, r)
	full := len(w.relationships) >= w.cfg.BatchSize
	w.bufMu.Unlock()
	if full {
		w.signalFlush()
	}
}

// AddEvidenceInsert buffers expected/actual evidence-count deltas for a
// relationship hash. Pass expected=true to increment expected_count,
// false to increment actual_count.
func (w *Writer) AddEvidenceInsert(runID, hash string, expected bool) {
	w.bufMu.Lock()
	if expected {
		w.evidenceExpected = append(w.evidenceExpected, evidenceKey{RunID: runID, Hash: hash})
	} else {
		w.evidenceActual = append(w.evidenceActual, evidenceKey{RunID: runID, Hash: hash})
	}
	full := len(w.evidenceExpected)+len(w.evidenceActual) >= w.cfg.BatchSize
	w.bufMu.Unlock()
	if full {
		w.signalFlush()
	}
}

// AddOutboxStatusUpdate buffers an outbox row's terminal status transition.
func (w *Writer) AddOutboxStatusUpdate(u store.OutboxStatusUpdate) {
	w.bufMu.Lock()
	w.outboxUpdates = append(w.outboxUpdates, u)
	full := len(w.outboxUpdates) >= w.cfg.BatchSize
	w.bufMu.Unlock()
	if full {
		w.signalFlush()
	}
}

func (w *Writer) signalFlush() {
	select {
	case w.signalCh <- struct{}{}:
	default:
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush()
			return
		case <-w.stopCh:
			w.finalFlush()
			return
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				slog.Error("periodic flush failed", "error", err)
			}
		case <-w.signalCh:
			if err := w.Flush(context.Background()); err != nil {
				slog.Error("batch-size-triggered flush failed", "error", err)
			}
		}
	}
}

func (w *Writer) finalFlush() {
	if err := w.Flush(context.Background()); err != nil {
		slog.Error("final flush on shutdown failed, buffers may contain unflushed rows", "error", err)
	}
}

// Flush forces every buffer to commit now, in one transaction, in the
// fixed order POIs -> relationships -> evidence -> outbox-status-updates.
// It resolves once that transaction (or its retries) has committed or
// exhausted maxRetries. Only one Flush runs at a time; a Flush called
// while another is in flight blocks until it is this call's turn.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.bufMu.Lock()
	pois := w.pois
	rels := w.relationships
	expected := w.evidenceExpected
	actual := w.evidenceActual
	updates := w.outboxUpdates
	w.pois = nil
	w.relationships = nil
	w.evidenceExpected = nil
	w.evidenceActual = nil
	w.outboxUpdates = nil
	w.bufMu.Unlock()

	if len(pois) == 0 && len(rels) == 0 && len(expected) == 0 && len(actual) == 0 && len(updates) == 0 {
		return nil
	}

	return w.commitWithRetry(ctx, pois, rels, expected, actual, updates)
}

func (w *Writer) commitWithRetry(ctx context.Context, pois []store.POI, rels []store.Relationship, expected, actual []evidenceKey, updates []store.OutboxStatusUpdate) error {
	var lastErr error
	maxAttempts := w.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.commitOnce(ctx, pois, rels, expected, actual, updates)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return fmt.Errorf("flush failed (terminal, not retrying): %w", err)
		}
		if attempt == maxAttempts {
			break
		}
		slog.Warn("flush hit a transient error, retrying", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("flush failed after %d attempts: %w", maxAttempts, lastErr)
}

func (w *Writer) commitOnce(ctx context.Context, pois []store.POI, rels []store.Relationship, expected, actual []evidenceKey, updates []store.OutboxStatusUpdate) error {
	tx, err := w.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range pois {
		if _, _, err := store.InsertPOI(ctx, tx, p); err != nil {
			return fmt.Errorf("poi insert: %w", err)
		}
	}
	for _, r := range rels {
		if _, _, err := store.InsertRelationship(ctx, tx, r); err != nil {
			return fmt.Errorf("relationship insert: %w", err)
		}
	}
	for _, e := range expected {
		if err := store.AddExpectedEvidence(ctx, tx, e.RunID, e.Hash); err != nil {
			return fmt.Errorf("expected evidence: %w", err)
		}
	}
	for _, e := range actual {
		if err := store.AddActualEvidence(ctx, tx, e.RunID, e.Hash); err != nil {
			return fmt.Errorf("actual evidence: %w", err)
		}
	}
	if len(updates) > 0 {
		if err := store.ApplyOutboxStatusUpdates(ctx, tx, updates); err != nil {
			return fmt.Errorf("outbox status updates: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Checkpoint issues Postgres's CHECKPOINT, compacting the write-ahead log.
// On a managed instance without superuser privilege this is expected to
// fail; callers should treat that as informational, not fatal, since the
// WAL still checkpoints on its own schedule.
func (w *Writer) Checkpoint(ctx context.Context) error {
	_, err := w.client.DB().ExecContext(ctx, "CHECKPOINT")
	if err != nil {
		return fmt.Errorf("checkpoint failed (may require superuser on managed instances): %w", err)
	}
	return nil
}

// Shutdown stops the flush loop and performs one last flush of anything
// still buffered.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	return w.Flush(ctx)
}

// isTransient classifies an error as retryable: connection drops,
// canceled/timed-out statements, or Postgres's lock-not-available,
// deadlock-detected and serialization-failure SQLSTATEs. Everything else (constraint
// violations, undefined column, disk full) is terminal.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code, ok := pgErrorCode(err); ok {
		switch code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled
			return true
		}
		return false
	}
	return false
}
