package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Execer is satisfied by both *sql.DB and *sql.Tx. Every query method below
// takes one explicitly so the batched writer (pkg/writer) can run a whole
// flush's worth of calls inside a single transaction, while the outbox
// publisher and job queue can run standalone calls directly against the
// pool.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// BeginTx starts a transaction on the underlying pool.
func (c *Client) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

// InsertPOI inserts a POI, ignoring duplicates on (run_id, hash).
// Returns the row's id (existing or newly inserted) and whether it was new.
func InsertPOI(ctx context.Context, ex Execer, p POI) (id int64, inserted bool, err error) {
	row := ex.QueryRowContext(ctx, `
		INSERT INTO pois (run_id, file_id, file_path, name, type, start_line, end_line,
		                   description, is_exported, semantic_id, llm_output, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (run_id, hash) DO NOTHING
		RETURNING id`,
		p.RunID, p.FileID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine,
		p.Description, p.IsExported, p.SemanticID, nullableJSON(p.LLMOutput), p.Hash)

	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			// conflict hit: the row already exists, look it up
			existing := ex.QueryRowContext(ctx,
				`SELECT id FROM pois WHERE run_id = $1 AND hash = $2`, p.RunID, p.Hash)
			if scanErr := existing.Scan(&id); scanErr != nil {
				return 0, false, fmt.Errorf("failed to resolve existing poi: %w", scanErr)
			}
			return id, false, nil
		}
		return 0, false, fmt.Errorf("failed to insert poi: %w", err)
	}
	return id, true, nil
}

// ResolvePOIBySemanticID resolves a POI id by semantic id, scoped to run_id.
func ResolvePOIBySemanticID(ctx context.Context, ex Execer, runID, semanticID string) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx,
		`SELECT id FROM pois WHERE run_id = $1 AND semantic_id = $2 ORDER BY id LIMIT 1`,
		runID, semanticID).Scan(&id)
	return id, err
}

// ResolvePOIByName resolves a POI id by name, scoped to run_id.
func ResolvePOIByName(ctx context.Context, ex Execer, runID, name string) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx,
		`SELECT id FROM pois WHERE run_id = $1 AND name = $2 ORDER BY id LIMIT 1`,
		runID, name).Scan(&id)
	return id, err
}

// GetPOIByName fetches a POI's full row by name, scoped to run_id. Used by
// callers that need more than the id ResolvePOIByName returns, such as C8
// building contextual evidence from a POI's semantic id and type.
func GetPOIByName(ctx context.Context, ex Execer, runID, name string) (POI, error) {
	var p POI
	err := ex.QueryRowContext(ctx, `
		SELECT id, run_id, file_id, file_path, name, type, start_line, end_line,
		       description, is_exported, semantic_id, llm_output, hash, created_at
		FROM pois WHERE run_id = $1 AND name = $2 ORDER BY id LIMIT 1`, runID, name).Scan(
		&p.ID, &p.RunID, &p.FileID, &p.FilePath, &p.Name, &p.Type, &p.StartLine, &p.EndLine,
		&p.Description, &p.IsExported, &p.SemanticID, &p.LLMOutput, &p.Hash, &p.CreatedAt)
	if err != nil {
		return POI{}, fmt.Errorf("failed to get poi %q: %w", name, err)
	}
	return p, nil
}

// InsertRelationship inserts a relationship, ignoring duplicates on
// (run_id, source_poi_id, target_poi_id, type).
func InsertRelationship(ctx context.Context, ex Execer, r Relationship) (id int64, inserted bool, err error) {
	row := ex.QueryRowContext(ctx, `
		INSERT INTO relationships (run_id, source_poi_id, target_poi_id, type, file_path,
		                            status, confidence, reason, cross_file)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (run_id, source_poi_id, target_poi_id, type) DO NOTHING
		RETURNING id`,
		r.RunID, r.SourcePOIID, r.TargetPOIID, r.Type, r.FilePath,
		r.Status, r.Confidence, r.Reason, r.CrossFile)

	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			existing := ex.QueryRowContext(ctx, `
				SELECT id FROM relationships
				WHERE run_id = $1 AND source_poi_id = $2 AND target_poi_id = $3 AND type = $4`,
				r.RunID, r.SourcePOIID, r.TargetPOIID, r.Type)
			if scanErr := existing.Scan(&id); scanErr != nil {
				return 0, false, fmt.Errorf("failed to resolve existing relationship: %w", scanErr)
			}
			return id, false, nil
		}
		return 0, false, fmt.Errorf("failed to insert relationship: %w", err)
	}
	return id, true, nil
}

// ResolveRelationship resolves a relationship's id by its natural key.
func ResolveRelationship(ctx context.Context, ex Execer, runID string, sourcePOIID, targetPOIID int64, relType string) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx, `
		SELECT id FROM relationships
		WHERE run_id = $1 AND source_poi_id = $2 AND target_poi_id = $3 AND type = $4`,
		runID, sourcePOIID, targetPOIID, relType).Scan(&id)
	return id, err
}

// GetRelationship fetches a relationship by id.
func GetRelationship(ctx context.Context, ex Execer, id int64) (Relationship, error) {
	var r Relationship
	err := ex.QueryRowContext(ctx, `
		SELECT id, run_id, source_poi_id, target_poi_id, type, file_path, status, confidence, reason, cross_file, created_at, updated_at
		FROM relationships WHERE id = $1`, id).Scan(
		&r.ID, &r.RunID, &r.SourcePOIID, &r.TargetPOIID, &r.Type, &r.FilePath,
		&r.Status, &r.Confidence, &r.Reason, &r.CrossFile, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Relationship{}, fmt.Errorf("failed to get relationship %d: %w", id, err)
	}
	return r, nil
}

// UpdateRelationshipStatus is idempotent: re-applying the same status,
// confidence and reason leaves the row unchanged.
func UpdateRelationshipStatus(ctx context.Context, ex Execer, id int64, status string, confidence float64, reason string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE relationships
		SET status = $2, confidence = $3, reason = $4, updated_at = now()
		WHERE id = $1`, id, status, confidence, reason)
	if err != nil {
		return fmt.Errorf("failed to update relationship %d: %w", id, err)
	}
	return nil
}

// InsertOutboxEvent inserts a new pending outbox event.
func InsertOutboxEvent(ctx context.Context, ex Execer, runID, eventType string, payload []byte) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO outbox (run_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, runID, eventType, payload, OutboxStatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return id, nil
}

// ClaimPendingOutboxEvents claims up to limit pending rows for processing,
// ordered by id, using SELECT ... FOR UPDATE SKIP LOCKED so multiple
// publisher instances never double-claim a row.
func ClaimPendingOutboxEvents(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, run_id, event_type, payload, status, attempts, failure_reason, created_at, updated_at
		FROM outbox
		WHERE status = $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.Payload, &e.Status,
			&e.Attempts, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// OutboxStatusUpdate is one row of a batched status update.
type OutboxStatusUpdate struct {
	ID            int64
	Status        string
	FailureReason string
}

// ApplyOutboxStatusUpdates applies a batch of status transitions. Each
// update is applied unconditionally. Re-applying a non-failed status is a
// no-op in effect; every failed update increments attempts, including a
// repeated one.
func ApplyOutboxStatusUpdates(ctx context.Context, ex Execer, updates []OutboxStatusUpdate) error {
	for _, u := range updates {
		if u.Status == OutboxStatusFailed {
			if _, err := ex.ExecContext(ctx, `
				UPDATE outbox SET status = $2, failure_reason = $3, attempts = attempts + 1, updated_at = now()
				WHERE id = $1`, u.ID, u.Status, u.FailureReason); err != nil {
				return fmt.Errorf("failed to mark outbox event %d failed: %w", u.ID, err)
			}
			continue
		}
		if _, err := ex.ExecContext(ctx, `
			UPDATE outbox SET status = $2, updated_at = now() WHERE id = $1`,
			u.ID, u.Status); err != nil {
			return fmt.Errorf("failed to update outbox event %d: %w", u.ID, err)
		}
	}
	return nil
}

// RetryOutboxEvent records a processing failure but leaves the row pending
// so the next poll reclaims it, incrementing attempts and recording the
// failure reason. Use ArchiveDeadLetter instead once attempts exhausts the
// configured retry budget.
func RetryOutboxEvent(ctx context.Context, ex Execer, id int64, reason string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE outbox SET status = $2, failure_reason = $3, attempts = attempts + 1, updated_at = now()
		WHERE id = $1`, id, OutboxStatusPending, reason)
	if err != nil {
		return fmt.Errorf("failed to record retry for outbox event %d: %w", id, err)
	}
	return nil
}

// addEvidence upserts a relationship hash's evidence row, adding
// expectedDelta to expected_count and actualDelta to actual_count. Callers
// outside this file use AddExpectedEvidence/AddActualEvidence.
func addEvidence(ctx context.Context, ex Execer, runID, hash string, expectedDelta, actualDelta int) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO relationship_evidence_tracking (run_id, relationship_hash, expected_count, actual_count, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (run_id, relationship_hash) DO UPDATE SET
			expected_count = relationship_evidence_tracking.expected_count + $3,
			actual_count = relationship_evidence_tracking.actual_count + $4,
			updated_at = now()`,
		runID, hash, expectedDelta, actualDelta)
	if err != nil {
		return fmt.Errorf("failed to upsert evidence count for %s: %w", hash, err)
	}
	return nil
}

// AddExpectedEvidence increments expected_count for a relationship hash.
func AddExpectedEvidence(ctx context.Context, ex Execer, runID, hash string) error {
	return addEvidence(ctx, ex, runID, hash, 1, 0)
}

// AddActualEvidence increments actual_count for a relationship hash.
func AddActualEvidence(ctx context.Context, ex Execer, runID, hash string) error {
	return addEvidence(ctx, ex, runID, hash, 0, 1)
}

// UpsertDirectorySummary inserts or replaces a directory's summary text.
func UpsertDirectorySummary(ctx context.Context, ex Execer, runID, path, summary string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO directory_summaries (run_id, directory_path, summary_text, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id, directory_path) DO UPDATE SET
			summary_text = $3, updated_at = now()`, runID, path, summary)
	if err != nil {
		return fmt.Errorf("failed to upsert directory summary for %s: %w", path, err)
	}
	return nil
}

// InsertTriangulationSession creates a queued triangulation session.
func InsertTriangulationSession(ctx context.Context, ex Execer, relationshipID int64, runID, priority string) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO triangulated_analysis_sessions (relationship_id, run_id, status, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, relationshipID, runID, TriangulationStatusQueued, priority).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert triangulation session: %w", err)
	}
	return id, nil
}

// RunReady implements the global-phase gating predicate: no pending
// file-analysis or relationship-analysis events remain for run_id, the
// run has more than one file, and the global phase has not already been
// marked started for it (GlobalPhaseStarted) — a durable marker rather
// than a count of global-analysis outbox events, since nothing in this
// module creates one of those at trigger time.
func RunReady(ctx context.Context, ex Execer, runID string) (bool, error) {
	var pendingCount int
	err := ex.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox
		WHERE run_id = $1 AND status = $2
		  AND event_type IN ($3, $4)`,
		runID, OutboxStatusPending, EventTypeFileAnalysisFinding, EventTypeRelationshipAnalysisFinding).
		Scan(&pendingCount)
	if err != nil {
		return false, fmt.Errorf("failed to count pending events for %s: %w", runID, err)
	}
	if pendingCount > 0 {
		return false, nil
	}

	var fileCount int
	if err := ex.QueryRowContext(ctx,
		`SELECT count(DISTINCT file_path) FROM pois WHERE run_id = $1`, runID).Scan(&fileCount); err != nil {
		return false, fmt.Errorf("failed to count files for %s: %w", runID, err)
	}
	if fileCount <= 1 {
		return false, nil
	}

	started, err := GlobalPhaseStarted(ctx, ex, runID)
	if err != nil {
		return false, err
	}
	return !started, nil
}

// GlobalPhaseStarted reports whether the global cross-file phase has
// already been triggered for run_id.
func GlobalPhaseStarted(ctx context.Context, ex Execer, runID string) (bool, error) {
	var exists bool
	if err := ex.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM global_phase_markers WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check global phase marker for %s: %w", runID, err)
	}
	return exists, nil
}

// MarkGlobalPhaseStarted durably records that the global phase has been
// triggered for run_id, so a later poll's RunReady check sees it as
// already started even though nothing else in this module creates a
// global-analysis outbox event at trigger time. Returns claimed=true only
// if this call actually inserted the marker (i.e. won the race to start
// the phase); a concurrent publisher instance that loses the race gets
// claimed=false and must not re-enqueue.
func MarkGlobalPhaseStarted(ctx context.Context, ex Execer, runID string) (claimed bool, err error) {
	var inserted string
	err = ex.QueryRowContext(ctx, `
		INSERT INTO global_phase_markers (run_id) VALUES ($1)
		ON CONFLICT (run_id) DO NOTHING
		RETURNING run_id`, runID).Scan(&inserted)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark global phase started for %s: %w", runID, err)
	}
	return true, nil
}

// DistinctDirectories returns every distinct directory referenced by a run's
// POIs. Files with no '/' in their path belong to the directory ".".
func DistinctDirectories(ctx context.Context, ex Execer, runID string) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT DISTINCT COALESCE(NULLIF(regexp_replace(file_path, '/?[^/]*$', ''), ''), '.') AS dir
		FROM pois WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list directories for %s: %w", runID, err)
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan directory: %w", err)
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

// ArchiveDeadLetter moves a failed outbox event into the dead-letter table.
func ArchiveDeadLetter(ctx context.Context, ex Execer, e OutboxEvent, reason string) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO dead_letter_events (original_event_id, run_id, event_type, payload, failure_reason, attempts)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`, e.ID, e.RunID, e.EventType, e.Payload, reason, e.Attempts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to archive dead letter for event %d: %w", e.ID, err)
	}
	return id, nil
}

// RequeueOutboxEvent resets a failed outbox event back to pending, clearing
// its attempt counter. This is the only sanctioned way a failed row
// re-enters the pipeline.
func RequeueOutboxEvent(ctx context.Context, ex Execer, id int64) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE outbox SET status = $2, attempts = 0, failure_reason = '', updated_at = now()
		WHERE id = $1`, id, OutboxStatusPending)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox event %d: %w", id, err)
	}
	return nil
}

// EnqueueJob inserts a claimable job for the C3 queue abstraction.
func EnqueueJob(ctx context.Context, ex Execer, queueName, jobType string, payload []byte, runAt time.Time) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO queue_jobs (queue_name, job_type, payload, status, run_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id`, queueName, jobType, payload, QueueJobStatusPending, runAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job on %s: %w", queueName, err)
	}
	return id, nil
}

// ClaimJob claims the oldest ready job on queueName, if any, using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent consumers never race on
// the same row. Mirrors the reference's AlertSession claim pattern in
// pkg/queue/worker.go, generalized to a named-queue job table.
func ClaimJob(ctx context.Context, tx *sql.Tx, queueName string) (*QueueJob, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, queue_name, job_type, payload, status, run_at, claimed_at, created_at
		FROM queue_jobs
		WHERE queue_name = $1 AND status = $2 AND run_at <= now()
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, queueName, QueueJobStatusPending)

	var j QueueJob
	if err := row.Scan(&j.ID, &j.QueueName, &j.JobType, &j.Payload, &j.Status,
		&j.RunAt, &j.ClaimedAt, &j.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job on %s: %w", queueName, err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs SET status = $2, claimed_at = $3 WHERE id = $1`,
		j.ID, QueueJobStatusClaimed, now); err != nil {
		return nil, fmt.Errorf("failed to mark job %d claimed: %w", j.ID, err)
	}
	j.Status = QueueJobStatusClaimed
	j.ClaimedAt = &now
	return &j, nil
}

// CompleteJob marks a claimed job done or failed.
func CompleteJob(ctx context.Context, ex Execer, id int64, success bool) error {
	status := QueueJobStatusDone
	if !success {
		status = QueueJobStatusFailed
	}
	_, err := ex.ExecContext(ctx, `UPDATE queue_jobs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

// OutboxCounts reports the exact number of events in each status, for the
// /status/outbox HTTP surface. The outbox backlog gauge does not use it.
func OutboxCounts(ctx context.Context, ex Execer) (pending, published, failed int, err error) {
	row := ex.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'published'),
			count(*) FILTER (WHERE status = 'failed')
		FROM outbox`)
	if scanErr := row.Scan(&pending, &published, &failed); scanErr != nil {
		return 0, 0, 0, fmt.Errorf("failed to count outbox rows: %w", scanErr)
	}
	return pending, published, failed, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
