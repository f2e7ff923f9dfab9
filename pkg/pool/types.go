// Package pool is the Worker Pool Manager: it hands out per-class
// concurrency slots under a process-wide cap, owns a circuit breaker per
// worker class, and sweeps for leaked slots the way the reference's
// orphan detector sweeps for leaked sessions.
package pool

import (
	"errors"
	"time"
)

// Sentinel errors for slot acquisition.
var (
	// ErrCapacityExceeded indicates the global or per-class cap is saturated
	// and the caller requested non-blocking semantics.
	ErrCapacityExceeded = errors.New("at capacity")

	// ErrSlotTimeout indicates WaitForSlot's deadline elapsed before a slot
	// freed up.
	ErrSlotTimeout = errors.New("slot wait timed out")

	// ErrUnknownClass indicates a class was never registered.
	ErrUnknownClass = errors.New("unknown worker class")

	// ErrCircuitOpen indicates the class's circuit breaker refused the call.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Slot is a handle returned by RequestSlot/WaitForSlot. Callers must pass it
// to ReleaseSlot exactly once.
type Slot struct {
	class     string
	acquired  time.Time
	released  bool
}

// Class returns the worker class this slot was acquired for.
func (s *Slot) Class() string { return s.class }

// ClassStatus reports the current state of one worker class.
type ClassStatus struct {
	Name             string `json:"name"`
	BaseConcurrency  int    `json:"base_concurrency"`
	EffectiveLimit   int    `json:"effective_limit"`
	ActiveJobs       int    `json:"active_jobs"`
	Protective       bool   `json:"protective_mode"`
	CircuitState     string `json:"circuit_state"`
}

// Status reports the whole pool's health.
type Status struct {
	GlobalCap         int           `json:"global_cap"`
	GlobalActive      int           `json:"global_active"`
	LastLeakSweep     time.Time     `json:"last_leak_sweep"`
	SlotsLeakedTotal  int           `json:"slots_leaked_total"`
	Classes           []ClassStatus `json:"classes"`
}
