package domain

import (
	"fmt"
	"time"
)

// Default priority range produced by the scheduler.
const (
	MinPriority = 0
	MaxPriority = 10
)

// BucketConfig describes the quota for one external resource.
type BucketConfig struct {
	// Capacity is the maximum token balance.
	Capacity float64 `json:"capacity" yaml:"capacity"`
	// RefillRate is the number of tokens added per second. Zero disables refill.
	RefillRate float64 `json:"refillRate" yaml:"refill_rate"`
	// Cost is the number of tokens one admission consumes.
	Cost float64 `json:"cost" yaml:"cost"`
}

// Validate checks the bucket invariants. A cost above capacity would leave
// every request queued forever, so it is rejected at startup.
func (c BucketConfig) Validate() error {
	switch {
	case !(c.Capacity > 0):
		return fmt.Errorf("%w: capacity must be > 0 (got %v)", ErrConfigInvalid, c.Capacity)
	case !(c.RefillRate >= 0):
		return fmt.Errorf("%w: refill_rate must be >= 0 (got %v)", ErrConfigInvalid, c.RefillRate)
	case !(c.Cost > 0):
		return fmt.Errorf("%w: cost must be > 0 (got %v)", ErrConfigInvalid, c.Cost)
	case c.Cost > c.Capacity:
		return fmt.Errorf("%w: cost %v exceeds capacity %v", ErrConfigInvalid, c.Cost, c.Capacity)
	}
	return nil
}

// BucketStats is a read-only snapshot of one token bucket.
type BucketStats struct {
	Capacity       float64   `json:"capacity"`
	RefillRate     float64   `json:"refillRate"`
	Cost           float64   `json:"cost"`
	Available      float64   `json:"available"`
	Queued         int       `json:"queued"`
	LastRefillTime time.Time `json:"lastRefillTime"`
}

// AdmissionEventKind names an admission state transition.
type AdmissionEventKind string

const (
	// EventQueued fires when a caller is suspended in a bucket's wait queue.
	EventQueued AdmissionEventKind = "queued"
	// EventReleased fires when a queued caller is drained and may proceed.
	EventReleased AdmissionEventKind = "released"
	// EventCancelled fires when a queued caller leaves before release.
	EventCancelled AdmissionEventKind = "cancelled"
	// EventHardStop fires when a call is rejected by the global pause.
	EventHardStop AdmissionEventKind = "hard_stop"
)

// AdmissionEvent describes one admission transition.
type AdmissionEvent struct {
	Kind      AdmissionEventKind
	Resource  string
	RequestID string
	Priority  int
	// Waited is the time spent queued; set for released and cancelled events.
	Waited time.Duration
	At     time.Time
}

// AdmissionObserver receives admission transitions. Observers are notified
// outside of bucket locks and have no way to influence admission decisions.
type AdmissionObserver interface {
	ObserveAdmission(event AdmissionEvent)
}

// AdmissionObserverFunc adapts a function to AdmissionObserver.
type AdmissionObserverFunc func(event AdmissionEvent)

// ObserveAdmission implements AdmissionObserver.
func (f AdmissionObserverFunc) ObserveAdmission(event AdmissionEvent) {
	f(event)
}
