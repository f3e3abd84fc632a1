package governance

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/polisai/polis-governor/pkg/domain"
)

// tokenEpsilon absorbs float rounding when comparing the balance to a cost.
const tokenEpsilon = 1e-9

// pauseReader is the read-only view of the pause gate given to buckets.
type pauseReader interface {
	Paused() bool
}

// tokenBucket implements a token bucket with a priority wait queue for one
// resource. Every field below mu is guarded by it.
//
// The balance is derived from an anchor: tokens = base + (now-anchor)*rate,
// where base absorbs every spend since the anchor. The anchor moves only when
// the balance hits capacity, so many short refills land on the same value as
// one long one.
//
// emitMu is taken before mu is released whenever events are pending, so
// observers see a bucket's events in the order they happened.
type tokenBucket struct {
	resource string
	cfg      domain.BucketConfig
	clock    clock.PassiveClock
	gate     pauseReader
	notify   func(domain.AdmissionEvent)
	emitMu   sync.Mutex

	mu         sync.Mutex
	tokens     float64   // current available tokens
	base       float64   // balance at anchor minus spends since
	anchor     time.Time // accrual origin
	lastRefill time.Time // last time tokens were refilled
	queue      waitQueue
	seq        uint64
	closedErr  error
}

// newTokenBucket creates a full bucket for the given resource.
func newTokenBucket(resource string, cfg domain.BucketConfig, clk clock.PassiveClock, gate pauseReader, notify func(domain.AdmissionEvent)) *tokenBucket {
	now := clk.Now()
	return &tokenBucket{
		resource:   resource,
		cfg:        cfg,
		clock:      clk,
		gate:       gate,
		notify:     notify,
		tokens:     cfg.Capacity, // Start with full bucket
		base:       cfg.Capacity,
		anchor:     now,
		lastRefill: now,
	}
}

// tryConsumeOrEnqueue admits the caller immediately when tokens are available
// and nobody is waiting, otherwise it queues a waiter and returns it. A nil
// waiter with a nil error means admitted.
func (tb *tokenBucket) tryConsumeOrEnqueue(priority int) (*waiter, error) {
	tb.mu.Lock()
	if tb.closedErr != nil {
		err := tb.closedErr
		tb.mu.Unlock()
		return nil, err
	}

	now := tb.clock.Now()
	tb.refillLocked(now)
	events := tb.drainLocked(now)

	if len(tb.queue) == 0 && tb.affordableLocked() {
		tb.spendLocked()
		tb.unlockAndEmit(events)
		return nil, nil
	}

	tb.seq++
	w := &waiter{
		id:       uuid.NewString(),
		priority: priority,
		enqueued: now,
		seq:      tb.seq,
		done:     make(chan struct{}),
	}
	heap.Push(&tb.queue, w)

	tb.unlockAndEmit(append(events, domain.AdmissionEvent{
		Kind:      domain.EventQueued,
		Resource:  tb.resource,
		RequestID: w.id,
		Priority:  w.priority,
		At:        now,
	}))
	return w, nil
}

// refill brings the balance up to date and releases whatever the new
// balance can pay for.
func (tb *tokenBucket) refill() {
	tb.mu.Lock()
	now := tb.clock.Now()
	tb.refillLocked(now)
	tb.unlockAndEmit(tb.drainLocked(now))
}

// refillLocked adds tokens based on elapsed time and reports whether the
// balance grew. A clock reading older than lastRefill adds nothing.
func (tb *tokenBucket) refillLocked(now time.Time) bool {
	if !now.After(tb.lastRefill) {
		return false
	}

	before := tb.tokens
	tb.tokens = tb.base + now.Sub(tb.anchor).Seconds()*tb.cfg.RefillRate

	if tb.tokens < 0 {
		tb.tokens = 0
	}
	// Cap at capacity
	if tb.tokens >= tb.cfg.Capacity {
		tb.tokens = tb.cfg.Capacity
		tb.reanchorLocked(now)
	}

	tb.lastRefill = now
	return tb.tokens > before
}

// reanchorLocked restarts accrual from the current balance at t.
func (tb *tokenBucket) reanchorLocked(t time.Time) {
	tb.base = tb.tokens
	tb.anchor = t
}

func (tb *tokenBucket) affordableLocked() bool {
	return tb.tokens+tokenEpsilon >= tb.cfg.Cost
}

// spendLocked takes one cost from the balance. A shortfall within
// tokenEpsilon is forgiven so the balance never goes negative.
func (tb *tokenBucket) spendLocked() {
	tb.tokens -= tb.cfg.Cost
	tb.base -= tb.cfg.Cost
	if tb.tokens < 0 {
		tb.base -= tb.tokens
		tb.tokens = 0
	}
}

// drainLocked releases queued waiters in rank order while the balance covers
// their cost. Nothing is released while the gate is paused.
func (tb *tokenBucket) drainLocked(now time.Time) []domain.AdmissionEvent {
	if len(tb.queue) == 0 || tb.gate.Paused() {
		return nil
	}

	var events []domain.AdmissionEvent
	for len(tb.queue) > 0 && tb.affordableLocked() {
		w := heap.Pop(&tb.queue).(*waiter)
		tb.spendLocked()
		w.resolve(nil)
		events = append(events, domain.AdmissionEvent{
			Kind:      domain.EventReleased,
			Resource:  tb.resource,
			RequestID: w.id,
			Priority:  w.priority,
			Waited:    now.Sub(w.enqueued),
			At:        now,
		})
	}
	return events
}

// cancel removes w from the queue if it is still waiting. It returns false
// when w was already released or closed.
func (tb *tokenBucket) cancel(w *waiter) bool {
	tb.mu.Lock()
	if w.index < 0 {
		tb.mu.Unlock()
		return false
	}
	heap.Remove(&tb.queue, w.index)
	w.resolve(domain.ErrCancelled)
	now := tb.clock.Now()

	tb.unlockAndEmit([]domain.AdmissionEvent{{
		Kind:      domain.EventCancelled,
		Resource:  tb.resource,
		RequestID: w.id,
		Priority:  w.priority,
		Waited:    now.Sub(w.enqueued),
		At:        now,
	}})
	return true
}

// closeAll resolves every pending waiter with err and refuses new callers.
func (tb *tokenBucket) closeAll(err error) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.closedErr = err
	pending := tb.queue
	tb.queue = nil
	for _, w := range pending {
		w.index = -1
		w.resolve(err)
	}
	return len(pending)
}

// stats returns current statistics for this bucket.
func (tb *tokenBucket) stats() domain.BucketStats {
	tb.mu.Lock()
	now := tb.clock.Now()
	tb.refillLocked(now)
	events := tb.drainLocked(now)
	stats := domain.BucketStats{
		Capacity:       tb.cfg.Capacity,
		RefillRate:     tb.cfg.RefillRate,
		Cost:           tb.cfg.Cost,
		Available:      tb.tokens,
		Queued:         len(tb.queue),
		LastRefillTime: tb.lastRefill,
	}
	tb.unlockAndEmit(events)
	return stats
}

// unlockAndEmit releases mu and delivers events outside it. Observers must
// not call back into the same bucket.
func (tb *tokenBucket) unlockAndEmit(events []domain.AdmissionEvent) {
	if len(events) == 0 || tb.notify == nil {
		tb.mu.Unlock()
		return
	}
	tb.emitMu.Lock()
	tb.mu.Unlock()
	defer tb.emitMu.Unlock()

	for _, ev := range events {
		tb.notify(ev)
	}
}
