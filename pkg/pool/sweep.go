package pool

import (
	"context"
	"log/slog"
	"time"
)

// runLeakSweep periodically clamps any class whose activeJobs counter has
// drifted above its effective limit — a sign of a leaked ReleaseSlot call
// somewhere upstream. Structurally this is the same ticker-driven,
// idempotent-per-sweep shape as the reference's session orphan detector,
// applied to slot counters instead of session rows.
func (m *Manager) runLeakSweep(ctx context.Context) {
	interval := m.cfg.LeakSweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepLeaks()
		}
	}
}

func (m *Manager) sweepLeaks() {
	m.classesMu.RLock()
	classes := make([]*workerClass, 0, len(m.classes))
	for _, wc := range m.classes {
		classes = append(classes, wc)
	}
	m.classesMu.RUnlock()

	leaked := 0
	m.slotMu.Lock()
	for _, wc := range classes {
		if wc.activeJobs < 0 {
			slog.Warn("worker class active job counter went negative, clamping to zero", "class", wc.name, "active_jobs", wc.activeJobs)
			m.globalActive -= wc.activeJobs // adding back the deficit
			wc.activeJobs = 0
			leaked++
			continue
		}
		limit := wc.effectiveLimit()
		if wc.activeJobs > limit {
			slog.Warn("worker class active job counter exceeds its limit, clamping",
				"class", wc.name, "active_jobs", wc.activeJobs, "limit", limit)
			m.globalActive -= wc.activeJobs - limit
			wc.activeJobs = limit
			leaked++
		}
	}
	m.slotMu.Unlock()

	m.leakMu.Lock()
	m.lastSweep = time.Now()
	m.leakedTotal += leaked
	m.leakMu.Unlock()
}
