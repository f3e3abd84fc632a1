package governance

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// GateState represents the state of the global pause gate.
type GateState string

const (
	// GateOpen indicates admissions flow through the buckets.
	GateOpen GateState = "open"
	// GatePaused indicates every new admission is rejected with a hard stop.
	GatePaused GateState = "paused"
)

// pauseGate is the process-wide circuit breaker. Only the Governor flips it;
// buckets see it through pauseReader.
type pauseGate struct {
	paused    atomic.Bool
	hardStops atomic.Int64
	clock     clock.PassiveClock

	mu              sync.Mutex
	lastStateChange time.Time
}

func newPauseGate(clk clock.PassiveClock) *pauseGate {
	return &pauseGate{
		clock:           clk,
		lastStateChange: clk.Now(),
	}
}

// Paused reports whether the gate is engaged.
func (g *pauseGate) Paused() bool {
	return g.paused.Load()
}

// set flips the gate and reports whether the state changed.
func (g *pauseGate) set(paused bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused.Load() == paused {
		return false
	}
	g.paused.Store(paused)
	g.lastStateChange = g.clock.Now()
	return true
}

func (g *pauseGate) recordHardStop() {
	g.hardStops.Add(1)
}

func (g *pauseGate) state() GateState {
	if g.Paused() {
		return GatePaused
	}
	return GateOpen
}

// GateStats exposes pause gate status information.
type GateStats struct {
	State           string `json:"state"`
	LastStateChange string `json:"lastStateChange"`
	HardStops       int64  `json:"hardStops"`
}

func (g *pauseGate) stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return GateStats{
		State:           string(g.state()),
		LastStateChange: g.lastStateChange.Format(time.RFC3339),
		HardStops:       g.hardStops.Load(),
	}
}
