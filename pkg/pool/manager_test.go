package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		GlobalConcurrencyCap: 4,
		SlotWaitTimeout:      2 * time.Second,
		LeakSweepInterval:    20 * time.Millisecond,
		Workers: map[string]config.WorkerClassConfig{
			"alpha": {
				BaseConcurrency:  2,
				MaxConcurrency:   4,
				FailureThreshold: 3,
				ResetTimeout:     50 * time.Millisecond,
				JobTimeout:       time.Second,
			},
		},
	}
}

func TestRequestSlotRespectsClassLimit(t *testing.T) {
	m := NewManager(testConfig())

	s1, err := m.RequestSlot(context.Background(), "alpha")
	require.NoError(t, err)
	s2, err := m.RequestSlot(context.Background(), "alpha")
	require.NoError(t, err)

	_, err = m.RequestSlot(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	m.ReleaseSlot(s1, true)
	s3, err := m.RequestSlot(context.Background(), "alpha")
	require.NoError(t, err)

	m.ReleaseSlot(s2, true)
	m.ReleaseSlot(s3, true)
}

func TestRequestSlotUnknownClass(t *testing.T) {
	m := NewManager(testConfig())
	_, err := m.RequestSlot(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestRequestSlotRespectsGlobalCap(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalConcurrencyCap = 1
	m := NewManager(cfg)

	s1, err := m.RequestSlot(context.Background(), "alpha")
	require.NoError(t, err)

	_, err = m.RequestSlot(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	m.ReleaseSlot(s1, true)
}

func TestWaitForSlotGrantsOnRelease(t *testing.T) {
	cfg := testConfig()
	cfg.Workers["alpha"] = config.WorkerClassConfig{
		BaseConcurrency: 1, MaxConcurrency: 1, FailureThreshold: 3,
		ResetTimeout: 50 * time.Millisecond, JobTimeout: time.Second,
	}
	m := NewManager(cfg)

	s1, err := m.RequestSlot(context.Background(), "alpha")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	var waited *Slot
	go func() {
		defer wg.Done()
		waited, waitErr = m.WaitForSlot(context.Background(), "alpha", time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.ReleaseSlot(s1, true)
	wg.Wait()

	require.NoError(t, waitErr)
	require.NotNil(t, waited)
	m.ReleaseSlot(waited, true)
}

func TestWaitForSlotTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Workers["alpha"] = config.WorkerClassConfig{
		BaseConcurrency: 1, MaxConcurrency: 1, FailureThreshold: 3,
		ResetTimeout: 50 * time.Millisecond, JobTimeout: time.Second,
	}
	m := NewManager(cfg)

	s1, err := m.RequestSlot(context.Background(), "alpha")
	require.NoError(t, err)
	defer m.ReleaseSlot(s1, true)

	_, err = m.WaitForSlot(context.Background(), "alpha", 80*time.Millisecond)
	assert.ErrorIs(t, err, ErrSlotTimeout)
}

func TestExecuteWithManagementOpensBreaker(t *testing.T) {
	m := NewManager(testConfig())
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := m.ExecuteWithManagement(context.Background(), "alpha", func(context.Context) error {
			return failing
		})
		assert.ErrorIs(t, err, failing)
	}

	err := m.ExecuteWithManagement(context.Background(), "alpha", func(context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	status := m.Status()
	require.Len(t, status.Classes, 1)
	assert.True(t, status.Classes[0].Protective)
	assert.Equal(t, 1, status.Classes[0].EffectiveLimit, "protective mode halves base concurrency of 2 down to 1")
}

func TestScaleCapsAtMaxConcurrency(t *testing.T) {
	m := NewManager(testConfig())
	require.NoError(t, m.Scale("alpha", 99))

	status := m.Status()
	assert.Equal(t, 4, status.Classes[0].EffectiveLimit)
}

func TestScaleRejectsBelowOne(t *testing.T) {
	m := NewManager(testConfig())
	assert.Error(t, m.Scale("alpha", 0))
}

func TestSweepLeaksClampsDriftedCounter(t *testing.T) {
	m := NewManager(testConfig())
	wc, err := m.getClass("alpha")
	require.NoError(t, err)

	m.slotMu.Lock()
	wc.activeJobs = 99
	m.globalActive = 99
	m.slotMu.Unlock()

	m.sweepLeaks()

	status := m.Status()
	assert.Equal(t, 2, status.Classes[0].ActiveJobs)
	assert.Equal(t, 1, status.SlotsLeakedTotal)
}

func TestShutdownWaitsForActiveJobs(t *testing.T) {
	m := NewManager(testConfig())
	s1, err := m.RequestSlot(context.Background(), "alpha")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		m.ReleaseSlot(s1, true)
	}()

	start := time.Now()
	require.NoError(t, m.Shutdown(context.Background(), 500*time.Millisecond))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegisterWorkerRejectsDuplicate(t *testing.T) {
	m := NewManager(testConfig())
	err := m.RegisterWorker("alpha", config.WorkerClassConfig{
		BaseConcurrency: 1, MaxConcurrency: 1, FailureThreshold: 1,
		ResetTimeout: time.Second, JobTimeout: time.Second,
	})
	assert.Error(t, err)
}
