// Package jobqueue implements the abstract queue contract (C3) over the
// relational store itself: enqueue/consume operations backed by the
// queue_jobs table, claimed with SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent consumers never race on the same row. Structurally this
// mirrors the reference's claimNextSession pattern in pkg/queue/worker.go,
// generalized from a single session table to named job queues.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/relgraph/pkg/store"
)

// Named queues required by the core contract.
const (
	QueueRelationshipResolution   = "relationship-resolution"
	QueueValidation               = "validation"
	QueueGlobalRelationshipAnalysis = "global-relationship-analysis"
	QueueTriangulatedAnalysis     = "triangulated-analysis"
	QueueFailedJobs               = "failed-jobs"
)

// Handler processes one claimed job. A non-nil error marks the job failed;
// nil marks it done.
type Handler func(ctx context.Context, job *store.QueueJob) error

// Queue is the relational-store-backed implementation of the C3 queue
// contract.
type Queue struct {
	client *store.Client
}

// New builds a Queue bound to client.
func New(client *store.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue inserts a claimable job onto queueName, runnable immediately.
func (q *Queue) Enqueue(ctx context.Context, queueName, jobType string, payload []byte) error {
	_, err := store.EnqueueJob(ctx, q.client.DB(), queueName, jobType, payload, time.Now())
	if err != nil {
		return fmt.Errorf("jobqueue: enqueue on %s: %w", queueName, err)
	}
	return nil
}

// EnqueueAt inserts a claimable job onto queueName, not runnable until
// runAt.
func (q *Queue) EnqueueAt(ctx context.Context, queueName, jobType string, payload []byte, runAt time.Time) error {
	_, err := store.EnqueueJob(ctx, q.client.DB(), queueName, jobType, payload, runAt)
	if err != nil {
		return fmt.Errorf("jobqueue: enqueue at %s on %s: %w", runAt, queueName, err)
	}
	return nil
}

// ClaimOne claims and returns at most one ready job from queueName. It
// returns (nil, nil) when the queue is empty.
func (q *Queue) ClaimOne(ctx context.Context, queueName string) (*store.QueueJob, error) {
	tx, err := q.client.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := store.ClaimJob(ctx, tx, queueName)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim on %s: %w", queueName, err)
	}
	if job == nil {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobqueue: commit claim on %s: %w", queueName, err)
	}
	return job, nil
}

// Complete marks a claimed job done or failed. A failed job is left in
// place on its own queue; routing a permanently failed job onto
// QueueFailedJobs (with its original payload and failure context) is the
// caller's responsibility, mirroring how the outbox publisher routes
// exhausted events to the dead-letter record rather than this package
// doing so implicitly.
func (q *Queue) Complete(ctx context.Context, jobID int64, success bool) error {
	if err := store.CompleteJob(ctx, q.client.DB(), jobID, success); err != nil {
		return fmt.Errorf("jobqueue: complete job %d: %w", jobID, err)
	}
	return nil
}

// Consume polls queueName at pollInterval, handing each claimed job to
// handler, until ctx is cancelled. At-least-once delivery: a process
// crash between claim and Complete leaves the job Claimed, which the
// operator must reconcile (no automatic claim-expiry is implemented here,
// matching the narrow contract described in the core's external
// interfaces section — a production deployment backed by Redis/SQS would
// supply its own visibility timeout).
func (q *Queue) Consume(ctx context.Context, queueName string, pollInterval time.Duration, handler Handler) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				job, err := q.ClaimOne(ctx, queueName)
				if err != nil {
					return err
				}
				if job == nil {
					break
				}
				success := handler(ctx, job) == nil
				if err := q.Complete(ctx, job.ID, success); err != nil {
					return err
				}
			}
		}
	}
}
