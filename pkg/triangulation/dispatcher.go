// Package triangulation is the Triangulation Dispatcher (C6): it takes
// low-confidence relationships, classifies their urgency, records a
// triangulation-session row, and hands them to the job queue for
// out-of-process re-analysis. Priority classification follows the
// critical/important/nice-to-have triage shape used by the retrieved
// ekaya-engine relationship enrichment service, adapted to this module's
// confidence-driven thresholds instead of a fixed LLM-assigned priority.
package triangulation

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/codeready-toolchain/relgraph/pkg/jobqueue"
	"github.com/codeready-toolchain/relgraph/pkg/store"
)

// Priority is one of the three triangulation urgency bands.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Classify maps a confidence score to a Priority using cfg's thresholds.
func Classify(confidence float64, cfg config.TriangulationConfig) Priority {
	switch {
	case confidence < cfg.Urgent:
		return PriorityUrgent
	case confidence < cfg.High:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Dispatcher inserts a triangulation session for a low-confidence
// relationship and enqueues it onto the triangulated-analysis queue.
type Dispatcher struct {
	db    store.Execer
	queue *jobqueue.Queue
	cfg   config.TriangulationConfig
}

// New builds a Dispatcher. db is typically the store's pool or an
// in-flight transaction; queue backs the triangulated-analysis named
// queue.
func New(db store.Execer, queue *jobqueue.Queue, cfg config.TriangulationConfig) *Dispatcher {
	return &Dispatcher{db: db, queue: queue, cfg: cfg}
}

// Dispatch records a triangulation session for relationshipID and enqueues
// a job for the external triangulated-re-analysis consumer, with the
// priority derived from confidence.
func (d *Dispatcher) Dispatch(ctx context.Context, relationshipID int64, runID string, confidence float64) error {
	if !d.cfg.Enabled {
		return nil
	}

	priority := Classify(confidence, d.cfg)

	sessionID, err := store.InsertTriangulationSession(ctx, d.db, relationshipID, runID, string(priority))
	if err != nil {
		return fmt.Errorf("triangulation dispatch: %w", err)
	}

	payload := fmt.Sprintf(`{"relationshipId":%d,"sessionId":%d,"runId":%q,"priority":%q}`,
		relationshipID, sessionID, runID, priority)

	if err := d.queue.Enqueue(ctx, jobqueue.QueueTriangulatedAnalysis, "triangulate-relationship", []byte(payload)); err != nil {
		return fmt.Errorf("triangulation dispatch: failed to enqueue session %d: %w", sessionID, err)
	}

	return nil
}
