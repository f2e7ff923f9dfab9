package outbox

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// registerMetrics registers an observable gauge estimating the outbox's
// total row count, all statuses together (not the pending rows alone).
// Grounded on the retrieved akashi search-outbox worker's
// pg_class.reltuples estimate, which avoids a full-table-scan COUNT(*) on a
// table that is, by design, under steady write pressure from every
// analysis worker in the pipeline.
func (p *Publisher) registerMetrics() {
	meter := otel.Meter("relgraph/outbox")

	_, _ = meter.Int64ObservableGauge("relgraph.outbox.backlog",
		metric.WithDescription("Estimated row count in the outbox table (via pg_class.reltuples)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			estimate, err := p.backlogEstimate(ctx)
			if err != nil {
				return nil // non-fatal: skip this observation
			}
			o.Observe(estimate)
			return nil
		}),
	)
}

func (p *Publisher) backlogEstimate(ctx context.Context) (int64, error) {
	var estimate float64
	row := p.client.DB().QueryRowContext(ctx, `SELECT reltuples FROM pg_class WHERE relname = 'outbox'`)
	if err := row.Scan(&estimate); err != nil {
		return 0, err
	}
	// reltuples can be -1 before the first VACUUM/ANALYZE; treat as zero.
	if estimate < 0 {
		estimate = 0
	}
	return int64(estimate), nil
}
