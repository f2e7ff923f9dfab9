// Package outbox is the Transactional Outbox Publisher (C7), the central
// state machine: it converts durable outbox events into durable derived
// rows and durable downstream work, in event-class order, and batches the
// resulting status transitions back onto the outbox table.
//
// Structurally this is grounded on the retrieved ashita-ai-akashi outbox
// worker: an atomic.Bool start guard, a ticker-driven pollLoop with a final
// drain on context cancellation, and a channel-based Drain(ctx) that hands
// the poll loop a context to use for its last pass rather than blocking
// forever if the loop already exited.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/codeready-toolchain/relgraph/pkg/jobqueue"
	"github.com/codeready-toolchain/relgraph/pkg/store"
	"github.com/codeready-toolchain/relgraph/pkg/triangulation"
	"github.com/codeready-toolchain/relgraph/pkg/writer"
)

// Publisher is the outbox polling loop and per-class dispatcher.
type Publisher struct {
	client  *store.Client
	writer  *writer.Writer
	queue   *jobqueue.Queue
	tri     *triangulation.Dispatcher
	cfg     config.OutboxConfig
	confCfg config.ConfidenceConfig

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainOnce  sync.Once
	drainCh    chan context.Context
}

// New builds a Publisher wired to client/writer/queue, and its own
// triangulation dispatcher for low-confidence relationships.
func New(client *store.Client, w *writer.Writer, queue *jobqueue.Queue, triCfg config.TriangulationConfig, confCfg config.ConfidenceConfig, cfg config.OutboxConfig) *Publisher {
	return &Publisher{
		client:  client,
		writer:  w,
		queue:   queue,
		tri:     triangulation.New(client.DB(), queue, triCfg),
		cfg:     cfg,
		confCfg: confCfg,
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

func (p *Publisher) confidenceThreshold() float64 {
	return p.confCfg.ConfidenceThreshold
}

// Start begins the background poll loop. Safe to call only once;
// subsequent calls are no-ops.
func (p *Publisher) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		slog.Warn("outbox publisher: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, runs one last poll, and blocks
// until it finishes or ctx expires. Safe to call multiple times; only the
// first call triggers the drain.
func (p *Publisher) Drain(ctx context.Context) {
	p.drainOnce.Do(func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case p.drainCh <- ctx:
		case <-sendCtx.Done():
			slog.Warn("outbox publisher: drain context channel busy, final poll will use fallback timeout")
		}
		sendCancel()
		if p.cancelLoop != nil {
			p.cancelLoop()
		}
	})
	select {
	case <-p.done:
	case <-ctx.Done():
		slog.Warn("outbox publisher: drain timed out")
	}
}

func (p *Publisher) pollLoop(ctx context.Context) {
	interval := p.cfg.PollingInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-p.drainCh:
			default:
			}
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			if err := p.ProcessOnce(drainCtx); err != nil {
				slog.Error("outbox publisher: final drain poll failed", "error", err)
			}
			p.once.Do(func() { close(p.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := p.ProcessOnce(batchCtx); err != nil {
				slog.Error("outbox publisher: poll failed", "error", err)
			}
			cancel()
		}
	}
}
