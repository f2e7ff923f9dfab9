package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/sony/gobreaker"
)

// workerClass tracks accounting and circuit-breaker state for one registered
// class of work (e.g. "relationship-resolution").
type workerClass struct {
	name       string
	cfg        config.WorkerClassConfig
	breaker    *gobreaker.CircuitBreaker
	limit      int  // caller-adjustable target concurrency (via Scale), capped by cfg.MaxConcurrency
	activeJobs int
	protective bool
}

func (wc *workerClass) effectiveLimit() int {
	if !wc.protective {
		return wc.limit
	}
	half := wc.limit / 2
	if half < 1 {
		half = 1
	}
	return half
}

// Manager is the Worker Pool Manager (C4). One Manager governs every
// worker class in the process and enforces the global concurrency cap.
type Manager struct {
	cfg config.PoolConfig

	classesMu sync.RWMutex
	classes   map[string]*workerClass

	slotMu       sync.Mutex
	globalActive int

	closed bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	leakMu      sync.Mutex
	lastSweep   time.Time
	leakedTotal int
}

// NewManager builds a Manager with every worker class from cfg already
// registered.
func NewManager(cfg config.PoolConfig) *Manager {
	m := &Manager{
		cfg:     cfg,
		classes: make(map[string]*workerClass, len(cfg.Workers)),
		stopCh:  make(chan struct{}),
	}
	for name, wc := range cfg.Workers {
		_ = m.RegisterWorker(name, wc)
	}
	return m
}

// RegisterWorker adds a new worker class. It returns an error if the class
// is already registered.
func (m *Manager) RegisterWorker(name string, wc config.WorkerClassConfig) error {
	m.classesMu.Lock()
	defer m.classesMu.Unlock()

	if _, exists := m.classes[name]; exists {
		return fmt.Errorf("worker class %q already registered", name)
	}

	className := name
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: wc.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(wc.FailureThreshold)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("worker class circuit breaker state change",
				"class", className, "from", from.String(), "to", to.String())
			m.setProtective(className, to == gobreaker.StateOpen)
		},
	})

	m.classes[className] = &workerClass{
		name:    className,
		cfg:     wc,
		breaker: breaker,
		limit:   wc.BaseConcurrency,
	}
	return nil
}

func (m *Manager) getClass(name string) (*workerClass, error) {
	m.classesMu.RLock()
	defer m.classesMu.RUnlock()
	wc, ok := m.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return wc, nil
}

func (m *Manager) setProtective(class string, on bool) {
	wc, err := m.getClass(class)
	if err != nil {
		return
	}
	m.slotMu.Lock()
	wc.protective = on
	m.slotMu.Unlock()
	if on {
		slog.Warn("entering protective mode, halving concurrency", "class", class)
	} else {
		slog.Info("leaving protective mode, restoring concurrency", "class", class)
	}
}

// RequestSlot hands out a slot for class, non-blocking. It returns
// ErrCapacityExceeded immediately if the global cap or the class's
// effective limit is saturated.
func (m *Manager) RequestSlot(_ context.Context, class string) (*Slot, error) {
	wc, err := m.getClass(class)
	if err != nil {
		return nil, err
	}

	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("pool is shut down")
	}
	if m.globalActive >= m.cfg.GlobalConcurrencyCap {
		return nil, ErrCapacityExceeded
	}
	if wc.activeJobs >= wc.effectiveLimit() {
		return nil, ErrCapacityExceeded
	}

	wc.activeJobs++
	m.globalActive++
	return &Slot{class: class, acquired: time.Now()}, nil
}

// WaitForSlot blocks, retrying RequestSlot with exponential backoff
// (100ms up to a 2s cap), until a slot is granted, ctx is cancelled, or
// timeout elapses.
func (m *Manager) WaitForSlot(ctx context.Context, class string, timeout time.Duration) (*Slot, error) {
	const (
		initialBackoff = 100 * time.Millisecond
		maxBackoff     = 2 * time.Second
	)

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff

	for {
		slot, err := m.RequestSlot(ctx, class)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, ErrCapacityExceeded) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrSlotTimeout
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// ReleaseSlot returns a slot to its class, decrementing both the class and
// global counters, and feeds the outcome into the class's circuit breaker.
func (m *Manager) ReleaseSlot(slot *Slot, success bool) {
	if slot == nil {
		return
	}
	wc, err := m.getClass(slot.class)
	if err != nil {
		return
	}

	m.slotMu.Lock()
	if !slot.released {
		slot.released = true
		if wc.activeJobs > 0 {
			wc.activeJobs--
		}
		if m.globalActive > 0 {
			m.globalActive--
		}
	}
	m.slotMu.Unlock()

	_, _ = wc.breaker.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errTrackedFailure
	})
}

var errTrackedFailure = errors.New("job failed")

// ExecuteWithManagement acquires a slot, consults the class's circuit
// breaker, runs operation, and releases the slot based on its outcome.
func (m *Manager) ExecuteWithManagement(ctx context.Context, class string, operation func(context.Context) error) error {
	wc, err := m.getClass(class)
	if err != nil {
		return err
	}

	slot, err := m.RequestSlot(ctx, class)
	if err != nil {
		return err
	}

	result, execErr := wc.breaker.Execute(func() (interface{}, error) {
		return nil, operation(ctx)
	})
	_ = result

	// The breaker already recorded this outcome through Execute above, so
	// only the slot counters are released here; ReleaseSlot would record it
	// a second time.
	m.slotMu.Lock()
	if !slot.released {
		slot.released = true
		if wc.activeJobs > 0 {
			wc.activeJobs--
		}
		if m.globalActive > 0 {
			m.globalActive--
		}
	}
	m.slotMu.Unlock()

	if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return execErr
}

// Scale adjusts a class's target concurrency, capped by its configured
// maximum. Protective mode continues to halve whatever target is set.
func (m *Manager) Scale(class string, target int) error {
	wc, err := m.getClass(class)
	if err != nil {
		return err
	}
	if target < 1 {
		return fmt.Errorf("target concurrency must be at least 1")
	}
	if target > wc.cfg.MaxConcurrency {
		target = wc.cfg.MaxConcurrency
	}

	m.slotMu.Lock()
	wc.limit = target
	m.slotMu.Unlock()
	return nil
}

// Status reports the pool's current state, for the /status/pool endpoint.
func (m *Manager) Status() Status {
	m.classesMu.RLock()
	names := make([]string, 0, len(m.classes))
	classesCopy := make(map[string]*workerClass, len(m.classes))
	for name, wc := range m.classes {
		names = append(names, name)
		classesCopy[name] = wc
	}
	m.classesMu.RUnlock()

	m.slotMu.Lock()
	global := m.globalActive
	statuses := make([]ClassStatus, 0, len(names))
	for _, name := range names {
		wc := classesCopy[name]
		statuses = append(statuses, ClassStatus{
			Name:            name,
			BaseConcurrency: wc.cfg.BaseConcurrency,
			EffectiveLimit:  wc.effectiveLimit(),
			ActiveJobs:      wc.activeJobs,
			Protective:      wc.protective,
			CircuitState:    wc.breaker.State().String(),
		})
	}
	m.slotMu.Unlock()

	m.leakMu.Lock()
	lastSweep, leaked := m.lastSweep, m.leakedTotal
	m.leakMu.Unlock()

	return Status{
		GlobalCap:        m.cfg.GlobalConcurrencyCap,
		GlobalActive:     global,
		LastLeakSweep:    lastSweep,
		SlotsLeakedTotal: leaked,
		Classes:          statuses,
	}
}

// Start launches the slot-leak recovery sweep in a background goroutine.
// Call it once: there is no guard against repeated calls, and each call
// starts another sweep goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLeakSweep(ctx)
	}()
}

// Shutdown stops admitting new slots, waits up to grace for active jobs to
// drain, then stops the leak sweep. It does not forcibly cancel in-flight
// work; callers are expected to cancel their own contexts.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	m.slotMu.Lock()
	m.closed = true
	m.slotMu.Unlock()

	deadline := time.Now().Add(grace)
drain:
	for {
		m.slotMu.Lock()
		active := m.globalActive
		m.slotMu.Unlock()
		if active == 0 {
			break
		}
		if time.Now().After(deadline) {
			slog.Warn("pool shutdown grace period elapsed with jobs still active", "active", active)
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(50 * time.Millisecond):
		}
	}

	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}
