package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/codeready-toolchain/relgraph/pkg/jobqueue"
	"github.com/codeready-toolchain/relgraph/pkg/store"
	"github.com/codeready-toolchain/relgraph/pkg/writer"
	"github.com/codeready-toolchain/relgraph/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) (*Publisher, *store.Client) {
	t.Helper()
	client := testutil.SetupTestStore(t)
	w := writer.New(client, config.WriterConfig{BatchSize: 1000, FlushInterval: time.Hour, MaxRetries: 1, RetryDelay: time.Millisecond})
	q := jobqueue.New(client)
	cfg := config.Default()
	p := New(client, w, q, cfg.Triangulation, cfg.Confidence, cfg.Outbox)
	return p, client
}

func insertOutboxEvent(t *testing.T, client *store.Client, eventType string, payload string) int64 {
	t.Helper()
	id, err := store.InsertOutboxEvent(context.Background(), client.DB(), "run-1", eventType, []byte(payload))
	require.NoError(t, err)
	return id
}

func TestProcessOnceHandlesFileAnalysis(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	payload := `{"runId":"run-1","source":"file-worker","type":"file-analysis-finding","filePath":"a.go",
		"pois":[{"name":"DoThing","type":"function","start_line":1,"end_line":5,"description":"d","is_exported":true}]}`
	insertOutboxEvent(t, client, store.EventTypeFileAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var count int
	row := client.DB().QueryRowContext(ctx, "SELECT count(*) FROM pois WHERE run_id = 'run-1' AND name = 'DoThing'")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	pending, published, failed, err := store.OutboxCounts(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, failed)
}

func TestProcessOnceFileAnalysisFansOutRelationshipResolution(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	payload := `{"runId":"run-1","source":"file-worker","type":"file-analysis-finding","filePath":"auth.go",
		"pois":[{"name":"auth_func_validate","type":"function","start_line":1,"end_line":5,"description":"validates credentials"},
		        {"name":"auth_var_db_url","type":"variable","start_line":7,"end_line":7,"description":"db dsn"}]}`
	insertOutboxEvent(t, client, store.EventTypeFileAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var count int
	row := client.DB().QueryRowContext(ctx, "SELECT count(*) FROM pois WHERE run_id = 'run-1'")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)

	job, err := p.queue.ClaimOne(ctx, jobqueue.QueueRelationshipResolution)
	require.NoError(t, err)
	require.NotNil(t, job)

	pending, published, failed, err := store.OutboxCounts(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, failed)
}

func TestProcessOnceFileAnalysisSinglePOISkipsResolution(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	payload := `{"runId":"run-1","source":"file-worker","type":"file-analysis-finding","filePath":"a.go",
		"pois":[{"name":"Solo","type":"function","start_line":1,"end_line":5}]}`
	insertOutboxEvent(t, client, store.EventTypeFileAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	job, err := p.queue.ClaimOne(ctx, jobqueue.QueueRelationshipResolution)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestProcessOnceFileAnalysisBatchesResolutionJobs(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	payload := `{"runId":"run-1","source":"file-worker","type":"file-analysis-finding","filePath":"big.go",
		"pois":[{"name":"P1","type":"function","start_line":1,"end_line":1},
		        {"name":"P2","type":"function","start_line":2,"end_line":2},
		        {"name":"P3","type":"function","start_line":3,"end_line":3},
		        {"name":"P4","type":"function","start_line":4,"end_line":4},
		        {"name":"P5","type":"function","start_line":5,"end_line":5},
		        {"name":"P6","type":"function","start_line":6,"end_line":6}]}`
	insertOutboxEvent(t, client, store.EventTypeFileAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var jobs int
	row := client.DB().QueryRowContext(ctx, "SELECT count(*) FROM queue_jobs WHERE queue_name = $1", jobqueue.QueueRelationshipResolution)
	require.NoError(t, row.Scan(&jobs))
	assert.Equal(t, 2, jobs)
}

func TestProcessOnceHandlesDirectoryAnalysis(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	payload := `{"runId":"run-1","source":"dir-worker","type":"directory-analysis-finding","directoryPath":"pkg/foo","summary":"does things"}`
	insertOutboxEvent(t, client, store.EventTypeDirectoryAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var summary string
	row := client.DB().QueryRowContext(ctx, "SELECT summary_text FROM directory_summaries WHERE run_id = 'run-1' AND directory_path = 'pkg/foo'")
	require.NoError(t, row.Scan(&summary))
	assert.Equal(t, "does things", summary)
}

func TestProcessOnceRelationshipAboveThresholdSkipsTriangulation(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Caller", Type: "function", Hash: "h1"})
	require.NoError(t, err)
	_, _, err = store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Callee", Type: "function", Hash: "h2"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"rel-worker","type":"relationship-analysis-finding","filePath":"a.go",
		"relationships":[{"from":"Caller","to":"Callee","type":"calls","reason":"direct call","confidence":0.9}]}`
	insertOutboxEvent(t, client, store.EventTypeRelationshipAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var status string
	var confidence float64
	row := client.DB().QueryRowContext(ctx, "SELECT status, confidence FROM relationships WHERE run_id = 'run-1'")
	require.NoError(t, row.Scan(&status, &confidence))
	assert.Equal(t, store.RelationshipStatusValidated, status)
	assert.InDelta(t, 0.9, confidence, 0.001)

	var sessions int
	row = client.DB().QueryRowContext(ctx, "SELECT count(*) FROM triangulated_analysis_sessions")
	require.NoError(t, row.Scan(&sessions))
	assert.Equal(t, 0, sessions)
}

func TestProcessOnceRelationshipBelowThresholdDispatchesTriangulation(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Caller", Type: "function", Hash: "h1"})
	require.NoError(t, err)
	_, _, err = store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Callee", Type: "function", Hash: "h2"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"rel-worker","type":"relationship-analysis-finding","filePath":"a.go",
		"relationships":[{"from":"Caller","to":"Callee","type":"calls","reason":"weak signal","confidence":0.1}]}`
	insertOutboxEvent(t, client, store.EventTypeRelationshipAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var sessions int
	row := client.DB().QueryRowContext(ctx, "SELECT count(*) FROM triangulated_analysis_sessions")
	require.NoError(t, row.Scan(&sessions))
	assert.Equal(t, 1, sessions)

	job, err := p.queue.ClaimOne(ctx, jobqueue.QueueTriangulatedAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestProcessOnceRelationshipResolvesBySemanticID(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	// The finding names its endpoints by semantic id only; neither token
	// matches a POI name, so the relationship can only be persisted if the
	// semantic_id lookup resolves both endpoints.
	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Caller", Type: "function", SemanticID: "svc.caller", Hash: "h1"})
	require.NoError(t, err)
	_, _, err = store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Callee", Type: "function", SemanticID: "svc.callee", Hash: "h2"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"rel-worker","type":"relationship-analysis-finding","filePath":"a.go",
		"relationships":[{"from":"svc.caller","to":"svc.callee","type":"calls","reason":"direct call","confidence":0.9}]}`
	insertOutboxEvent(t, client, store.EventTypeRelationshipAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var count int
	row := client.DB().QueryRowContext(ctx, "SELECT count(*) FROM relationships WHERE run_id = 'run-1'")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestProcessOnceUnresolvedEndpointSkipsRelationshipNotEvent(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Caller", Type: "function", Hash: "h1"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"rel-worker","type":"relationship-analysis-finding","filePath":"a.go",
		"relationships":[{"from":"Caller","to":"DoesNotExist","type":"calls","reason":"dangling","confidence":0.9}]}`
	insertOutboxEvent(t, client, store.EventTypeRelationshipAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var relCount int
	row := client.DB().QueryRowContext(ctx, "SELECT count(*) FROM relationships WHERE run_id = 'run-1'")
	require.NoError(t, row.Scan(&relCount))
	assert.Equal(t, 0, relCount)

	pending, published, failed, err := store.OutboxCounts(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, failed)
}

func TestProcessOnceRelationshipDefaultsAndClampsConfidenceUppercasesType(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Caller", Type: "function", Hash: "h1"})
	require.NoError(t, err)
	_, _, err = store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Callee", Type: "function", Hash: "h2"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"rel-worker","type":"relationship-analysis-finding","filePath":"a.go",
		"relationships":[{"from":"Caller","to":"Callee","type":"calls","reason":"no confidence supplied"}]}`
	insertOutboxEvent(t, client, store.EventTypeRelationshipAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var relType string
	var confidence float64
	row := client.DB().QueryRowContext(ctx, "SELECT type, confidence FROM relationships WHERE run_id = 'run-1'")
	require.NoError(t, row.Scan(&relType, &confidence))
	assert.Equal(t, "CALLS", relType)
	assert.InDelta(t, 0.8, confidence, 0.001)
}

func TestProcessOnceGlobalRelationshipMarksCrossFile(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "Caller", Type: "function", Hash: "h1"})
	require.NoError(t, err)
	_, _, err = store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "b.go", Name: "Callee", Type: "function", Hash: "h2"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"global-worker","type":"global-relationship-analysis-finding","filePath":"a.go",
		"relationships":[{"from":"Caller","to":"Callee","type":"imports","reason":"cross-file import","confidence":0.95}]}`
	insertOutboxEvent(t, client, store.EventTypeGlobalRelationshipFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var status string
	var crossFile bool
	row := client.DB().QueryRowContext(ctx, "SELECT status, cross_file FROM relationships WHERE run_id = 'run-1'")
	require.NoError(t, row.Scan(&status, &crossFile))
	assert.Equal(t, store.RelationshipStatusCrossFileValidated, status)
	assert.True(t, crossFile)
}

func TestProcessOnceEscalationDispatchesTriangulation(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	poiA, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "A", Type: "function", Hash: "ha"})
	require.NoError(t, err)
	poiB, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "B", Type: "function", Hash: "hb"})
	require.NoError(t, err)
	relID, _, err := store.InsertRelationship(ctx, client.DB(), store.Relationship{
		RunID: "run-1", SourcePOIID: poiA, TargetPOIID: poiB, Type: "calls",
		FilePath: "a.go", Status: store.RelationshipStatusPending, Confidence: 0.3,
	})
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"runId":"run-1","source":"resolver","type":"relationship-confidence-escalation",
		"relationshipId":%d,"confidence":0.3,"confidenceLevel":"low","escalationReason":"second attempt still below threshold"}`, relID)
	insertOutboxEvent(t, client, store.EventTypeRelationshipConfidenceEscalation, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	var sessions int
	row := client.DB().QueryRowContext(ctx, "SELECT count(*) FROM triangulated_analysis_sessions WHERE relationship_id = $1", relID)
	require.NoError(t, row.Scan(&sessions))
	assert.Equal(t, 1, sessions)
}

func TestProcessOnceDeadLettersAfterMaxRetries(t *testing.T) {
	p, client := newTestPublisher(t)
	p.cfg.MaxEventRetries = 1
	ctx := context.Background()

	id := insertOutboxEvent(t, client, store.EventTypeDirectoryAnalysisFinding, `not valid json`)

	// First failure is a retry-in-place: the row stays pending so the next
	// poll reclaims it automatically, no operator requeue needed.
	require.NoError(t, p.ProcessOnce(ctx))
	var attempts int
	var status string
	row := client.DB().QueryRowContext(ctx, "SELECT status, attempts FROM outbox WHERE id = $1", id)
	require.NoError(t, row.Scan(&status, &attempts))
	assert.Equal(t, store.OutboxStatusPending, status)
	assert.Equal(t, 1, attempts)

	// Second failure exceeds MaxEventRetries: the row is archived and
	// terminally marked failed.
	require.NoError(t, p.ProcessOnce(ctx))

	var deadLetters int
	row = client.DB().QueryRowContext(ctx, "SELECT count(*) FROM dead_letter_events WHERE original_event_id = $1", id)
	require.NoError(t, row.Scan(&deadLetters))
	assert.Equal(t, 1, deadLetters)

	row = client.DB().QueryRowContext(ctx, "SELECT status FROM outbox WHERE id = $1", id)
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, store.OutboxStatusFailed, status)
}

func TestProcessOnceEmptyOutboxIsNoop(t *testing.T) {
	p, _ := newTestPublisher(t)
	require.NoError(t, p.ProcessOnce(context.Background()))
}

func TestGlobalPhaseTriggersWhenRunReady(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "A", Type: "function", Hash: "ha"})
	require.NoError(t, err)
	_, _, err = store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "b.go", Name: "B", Type: "function", Hash: "hb"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"dir-worker","type":"directory-analysis-finding","directoryPath":"pkg/foo","summary":"s"}`
	insertOutboxEvent(t, client, store.EventTypeDirectoryAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	job, err := p.queue.ClaimOne(ctx, jobqueue.QueueGlobalRelationshipAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestGlobalPhaseDoesNotReTriggerOnSecondPoll(t *testing.T) {
	p, client := newTestPublisher(t)
	ctx := context.Background()

	_, _, err := store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "a.go", Name: "A", Type: "function", Hash: "ha"})
	require.NoError(t, err)
	_, _, err = store.InsertPOI(ctx, client.DB(), store.POI{RunID: "run-1", FilePath: "b.go", Name: "B", Type: "function", Hash: "hb"})
	require.NoError(t, err)

	payload := `{"runId":"run-1","source":"dir-worker","type":"directory-analysis-finding","directoryPath":"pkg/foo","summary":"s"}`
	insertOutboxEvent(t, client, store.EventTypeDirectoryAnalysisFinding, payload)

	require.NoError(t, p.ProcessOnce(ctx))

	job, err := p.queue.ClaimOne(ctx, jobqueue.QueueGlobalRelationshipAnalysis)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Nothing new entered the outbox, so the second poll is a no-op, but the
	// global phase must not be retriggered even if it were re-evaluated:
	// directly re-running the trigger for the same run_id must also be a no-op.
	require.NoError(t, p.triggerGlobalPhase(ctx, "run-1"))
	require.NoError(t, p.ProcessOnce(ctx))

	job, err = p.queue.ClaimOne(ctx, jobqueue.QueueGlobalRelationshipAnalysis)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDrainStopsPollLoop(t *testing.T) {
	p, _ := newTestPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	p.Drain(drainCtx)

	select {
	case <-p.done:
	default:
		t.Fatal("expected publisher to report done after Drain")
	}
}

func TestRequeueResetsFailedEvent(t *testing.T) {
	p, client := newTestPublisher(t)
	// With no retry budget the first failure dead-letters the row and marks
	// it failed, so Requeue below acts on a failed event.
	p.cfg.MaxEventRetries = 0
	ctx := context.Background()

	id := insertOutboxEvent(t, client, store.EventTypeDirectoryAnalysisFinding, `not valid json`)
	require.NoError(t, p.ProcessOnce(ctx))

	require.NoError(t, p.Requeue(ctx, id))

	var status string
	var attempts int
	row := client.DB().QueryRowContext(ctx, "SELECT status, attempts FROM outbox WHERE id = $1", id)
	require.NoError(t, row.Scan(&status, &attempts))
	assert.Equal(t, store.OutboxStatusPending, status)
	assert.Equal(t, 0, attempts)
}
