package governance

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-governor/pkg/domain"
)

const waitFor = 2 * time.Second

func admitAsync(ctx context.Context, g *Governor, resource string, priority int) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- g.Admit(ctx, resource, priority)
	}()
	return ch
}

func requireAdmitted(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("admission was not released")
	}
}

func requirePending(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("expected admission to still be queued, got result %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func waitQueued(t *testing.T, rec *eventRecorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rec.count(domain.EventQueued) == n
	}, waitFor, time.Millisecond, "expected %d queued admissions", n)
}

func drainBurst(t *testing.T, g *Governor, resource string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, g.Admit(context.Background(), resource, 0), "burst admission %d", i)
	}
}

// TestGovernor_ScenarioA: burst of 15 against capacity 10, then refill releases the rest in submission order.
func TestGovernor_ScenarioA(t *testing.T) {
	g, fc, rec := newTestGovernor(t, secQuota())
	ctx := context.Background()

	drainBurst(t, g, "SEC", 10)
	assert.Zero(t, rec.count(domain.EventQueued), "burst must be admitted synchronously")

	pending := make([]<-chan error, 0, 5)
	for i := 0; i < 5; i++ {
		pending = append(pending, admitAsync(ctx, g, "SEC", 0))
		waitQueued(t, rec, i+1)
	}
	for _, ch := range pending {
		requirePending(t, ch)
	}

	fc.Step(5 * time.Second)
	g.Refill()

	for _, ch := range pending {
		requireAdmitted(t, ch)
	}
	assert.Equal(t, requestIDs(rec.ofKind(domain.EventQueued)), requestIDs(rec.ofKind(domain.EventReleased)))

	stats, err := g.BucketStats("SEC")
	require.NoError(t, err)
	assert.InDelta(t, 0, stats.Available, 1e-9)
	assert.Zero(t, stats.Queued)
}

// TestGovernor_ScenarioA_TickedRefill: the same release schedule holds when
// the balance is refilled every 100ms as the Run loop does.
func TestGovernor_ScenarioA_TickedRefill(t *testing.T) {
	g, fc, rec := newTestGovernor(t, secQuota())
	ctx := context.Background()

	drainBurst(t, g, "SEC", 10)
	pending := make([]<-chan error, 0, 5)
	for i := 0; i < 5; i++ {
		pending = append(pending, admitAsync(ctx, g, "SEC", 0))
		waitQueued(t, rec, i+1)
	}

	for step := 1; step <= 50; step++ {
		fc.Step(DefaultRefillInterval)
		g.Refill()
		require.Equal(t, step/10, rec.count(domain.EventReleased), "after %v", fc.Since(testEpoch))
	}

	for _, ch := range pending {
		requireAdmitted(t, ch)
	}
	assert.Equal(t, requestIDs(rec.ofKind(domain.EventQueued)), requestIDs(rec.ofKind(domain.EventReleased)))
	released := rec.ofKind(domain.EventReleased)
	assert.Equal(t, 5*time.Second, released[4].At.Sub(testEpoch))
}

// orderObserver records requests released before their queued event arrived.
type orderObserver struct {
	mu         sync.Mutex
	queued     map[string]bool
	outOfOrder []string
}

func (o *orderObserver) ObserveAdmission(ev domain.AdmissionEvent) {
	if ev.Kind == domain.EventQueued {
		runtime.Gosched()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Kind {
	case domain.EventQueued:
		o.queued[ev.RequestID] = true
	case domain.EventReleased:
		if !o.queued[ev.RequestID] {
			o.outOfOrder = append(o.outOfOrder, ev.RequestID)
		}
	}
}

func TestGovernor_QueuedEventPrecedesRelease(t *testing.T) {
	order := &orderObserver{queued: make(map[string]bool)}
	g, fc, rec := newTestGovernor(t, map[string]domain.BucketConfig{
		"SEC": {Capacity: 1, RefillRate: 1000, Cost: 1},
	}, WithObservers(order))
	ctx := context.Background()

	stop := make(chan struct{})
	refilled := make(chan struct{})
	go func() {
		defer close(refilled)
		for {
			select {
			case <-stop:
				return
			default:
				fc.Step(time.Millisecond)
				g.Refill()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Admit(ctx, "SEC", i%3))
		}()
	}
	wg.Wait()
	close(stop)
	<-refilled

	order.mu.Lock()
	defer order.mu.Unlock()
	assert.Empty(t, order.outOfOrder)
	assert.Equal(t, rec.count(domain.EventQueued), rec.count(domain.EventReleased))
}

// TestGovernor_ScenarioB: a single refilled token goes to the highest priority entry.
func TestGovernor_ScenarioB(t *testing.T) {
	g, fc, rec := newTestGovernor(t, secQuota())
	ctx := context.Background()
	drainBurst(t, g, "SEC", 10)

	firstLow := admitAsync(ctx, g, "SEC", 1)
	waitQueued(t, rec, 1)
	fc.Step(100 * time.Millisecond)

	high := admitAsync(ctx, g, "SEC", 5)
	waitQueued(t, rec, 2)
	fc.Step(100 * time.Millisecond)

	secondLow := admitAsync(ctx, g, "SEC", 1)
	waitQueued(t, rec, 3)

	fc.Step(900 * time.Millisecond)
	g.Refill()

	requireAdmitted(t, high)
	requirePending(t, firstLow)
	requirePending(t, secondLow)

	released := rec.ofKind(domain.EventReleased)
	require.Len(t, released, 1)
	assert.Equal(t, 5, released[0].Priority)
	assert.Equal(t, 1100*time.Millisecond, released[0].At.Sub(testEpoch))

	// Among equal priorities the older entry goes next.
	fc.Step(time.Second)
	g.Refill()
	requireAdmitted(t, firstLow)
	requirePending(t, secondLow)

	fc.Step(time.Second)
	g.Refill()
	requireAdmitted(t, secondLow)
}

// TestGovernor_ScenarioC: a paused governor rejects without consuming tokens.
func TestGovernor_ScenarioC(t *testing.T) {
	g, _, rec := newTestGovernor(t, secQuota())

	g.SetPaused(true)
	err := g.Admit(context.Background(), "SEC", 0)
	require.ErrorIs(t, err, domain.ErrHardStop)

	stats, err := g.BucketStats("SEC")
	require.NoError(t, err)
	assert.InDelta(t, 10, stats.Available, 1e-9)
	assert.Zero(t, stats.Queued)

	assert.Equal(t, 1, rec.count(domain.EventHardStop))
	assert.Zero(t, rec.count(domain.EventQueued))

	gate := g.GateStats()
	assert.Equal(t, string(GatePaused), gate.State)
	assert.EqualValues(t, 1, gate.HardStops)
}

func TestGovernor_UnknownResourceFailsOpen(t *testing.T) {
	g, _, rec := newTestGovernor(t, secQuota())
	ctx := context.Background()

	for priority := -5; priority <= 15; priority++ {
		require.NoError(t, g.Admit(ctx, "UNCONFIGURED", priority))
	}
	assert.Empty(t, rec.events)

	_, err := g.BucketStats("UNCONFIGURED")
	assert.ErrorIs(t, err, domain.ErrUnknownResource)
}

func TestGovernor_HardStopUntilResumed(t *testing.T) {
	resources := secQuota()
	resources["PRICES"] = domain.BucketConfig{Capacity: 5, RefillRate: 2, Cost: 1}
	g, _, _ := newTestGovernor(t, resources)
	ctx := context.Background()

	g.SetPaused(true)
	assert.True(t, g.Paused())
	for _, resource := range []string{"SEC", "PRICES", "UNCONFIGURED"} {
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, g.Admit(ctx, resource, 10), domain.ErrHardStop, resource)
		}
	}

	g.SetPaused(false)
	assert.False(t, g.Paused())
	for _, resource := range []string{"SEC", "PRICES", "UNCONFIGURED"} {
		assert.NoError(t, g.Admit(ctx, resource, 0), resource)
	}
	assert.Equal(t, string(GateOpen), g.GateStats().State)
}

// Pausing freezes draining: tokens accrue, queued callers stay suspended, and
// resuming releases them.
func TestGovernor_PauseFreezesQueuedEntries(t *testing.T) {
	g, fc, rec := newTestGovernor(t, secQuota())
	drainBurst(t, g, "SEC", 10)

	ch := admitAsync(context.Background(), g, "SEC", 0)
	waitQueued(t, rec, 1)

	g.SetPaused(true)
	fc.Step(3 * time.Second)
	g.Refill()
	requirePending(t, ch)

	stats, err := g.BucketStats("SEC")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.InDelta(t, 3, stats.Available, 1e-9)

	g.SetPaused(false)
	requireAdmitted(t, ch)

	stats, err = g.BucketStats("SEC")
	require.NoError(t, err)
	assert.Zero(t, stats.Queued)
	assert.InDelta(t, 2, stats.Available, 1e-9)
}

func TestGovernor_CancelRemovesQueuedEntry(t *testing.T) {
	g, fc, rec := newTestGovernor(t, secQuota())
	drainBurst(t, g, "SEC", 10)

	ctx, cancel := context.WithCancel(context.Background())
	ch := admitAsync(ctx, g, "SEC", 3)
	waitQueued(t, rec, 1)
	cancel()

	select {
	case err := <-ch:
		require.ErrorIs(t, err, domain.ErrCancelled)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("cancelled admission did not return")
	}

	cancelled := rec.ofKind(domain.EventCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, 3, cancelled[0].Priority)

	fc.Step(time.Second)
	stats, err := g.BucketStats("SEC")
	require.NoError(t, err)
	assert.Zero(t, stats.Queued)
	assert.InDelta(t, 1, stats.Available, 1e-9, "cancelled entry must not consume tokens")
	assert.Zero(t, rec.count(domain.EventReleased))
}

func TestGovernor_DeadlineWhileQueued(t *testing.T) {
	g, _, rec := newTestGovernor(t, secQuota())
	drainBurst(t, g, "SEC", 10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Admit(ctx, "SEC", 0)
	require.ErrorIs(t, err, domain.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, rec.count(domain.EventCancelled))
}

func TestGovernor_CloseReleasesWaiters(t *testing.T) {
	g, _, rec := newTestGovernor(t, secQuota())
	drainBurst(t, g, "SEC", 10)

	ch := admitAsync(context.Background(), g, "SEC", 0)
	waitQueued(t, rec, 1)

	require.NoError(t, g.Close())
	select {
	case err := <-ch:
		require.ErrorIs(t, err, domain.ErrGovernorClosed)
	case <-time.After(waitFor):
		t.Fatal("close did not release the queued caller")
	}

	assert.True(t, g.Closed())
	assert.ErrorIs(t, g.Admit(context.Background(), "SEC", 0), domain.ErrGovernorClosed)
	assert.NoError(t, g.Admit(context.Background(), "UNCONFIGURED", 0))
	assert.NoError(t, g.Close(), "close must be idempotent")
}

func TestGovernor_FractionalCost(t *testing.T) {
	g, fc, rec := newTestGovernor(t, map[string]domain.BucketConfig{
		"FX": {Capacity: 1, RefillRate: 0.5, Cost: 0.25},
	})
	drainBurst(t, g, "FX", 4)

	ch := admitAsync(context.Background(), g, "FX", 0)
	waitQueued(t, rec, 1)

	fc.Step(250 * time.Millisecond)
	g.Refill()
	requirePending(t, ch)

	fc.Step(250 * time.Millisecond)
	g.Refill()
	requireAdmitted(t, ch)
}

func TestGovernor_ConcurrentCallersNeverOverdraw(t *testing.T) {
	rec := &eventRecorder{}
	g, err := NewGovernor(map[string]domain.BucketConfig{
		"API": {Capacity: 10, RefillRate: 0, Cost: 1},
	}, WithLogger(slog.New(slog.DiscardHandler)), WithObservers(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	const callers = 50
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var admitted, cancelled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(priority int) {
			defer wg.Done()
			err := g.Admit(ctx, "API", priority)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, domain.ErrCancelled):
				cancelled.Add(1)
			default:
				t.Errorf("unexpected admission error: %v", err)
			}
		}(i % 11)
	}

	require.Eventually(t, func() bool {
		stats, err := g.BucketStats("API")
		return err == nil && stats.Queued == callers-10
	}, waitFor, time.Millisecond)

	stats, err := g.BucketStats("API")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Available, 0.0)
	assert.Less(t, stats.Available, 1.0)

	cancel()
	wg.Wait()

	assert.EqualValues(t, 10, admitted.Load())
	assert.EqualValues(t, callers-10, cancelled.Load())
	assert.Equal(t, callers-10, rec.count(domain.EventCancelled))
}

func TestGovernor_RunDrainsWithoutNewTraffic(t *testing.T) {
	g, fc, rec := newTestGovernor(t, map[string]domain.BucketConfig{
		"SEC": {Capacity: 1, RefillRate: 10, Cost: 1},
	}, WithRefillInterval(100*time.Millisecond))
	drainBurst(t, g, "SEC", 1)

	ch := admitAsync(context.Background(), g, "SEC", 0)
	waitQueued(t, rec, 1)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx)
	}()

	require.Eventually(t, fc.HasWaiters, waitFor, time.Millisecond, "refill ticker not registered")
	fc.Step(200 * time.Millisecond)
	requireAdmitted(t, ch)

	stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("refill loop did not stop")
	}
}

func TestGovernor_WatchPause(t *testing.T) {
	g, _, _ := newTestGovernor(t, secQuota())

	signals := make(chan bool)
	done := make(chan error, 1)
	go func() {
		done <- g.WatchPause(context.Background(), signals)
	}()

	signals <- true
	require.Eventually(t, g.Paused, waitFor, time.Millisecond)

	signals <- false
	require.Eventually(t, func() bool { return !g.Paused() }, waitFor, time.Millisecond)

	close(signals)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("WatchPause did not return after the signal channel closed")
	}
}

func TestNewGovernor_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name      string
		resources map[string]domain.BucketConfig
	}{
		{"cost above capacity", map[string]domain.BucketConfig{"SEC": {Capacity: 1, RefillRate: 1, Cost: 2}}},
		{"zero capacity", map[string]domain.BucketConfig{"SEC": {Capacity: 0, RefillRate: 1, Cost: 1}}},
		{"negative refill", map[string]domain.BucketConfig{"SEC": {Capacity: 1, RefillRate: -1, Cost: 1}}},
		{"zero cost", map[string]domain.BucketConfig{"SEC": {Capacity: 1, RefillRate: 1, Cost: 0}}},
		{"empty resource name", map[string]domain.BucketConfig{" ": {Capacity: 1, RefillRate: 1, Cost: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGovernor(tt.resources, WithLogger(slog.New(slog.DiscardHandler)))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			assert.Nil(t, g)
		})
	}
}

func TestGovernor_ResourcesAndStats(t *testing.T) {
	resources := secQuota()
	resources["ANALYST"] = domain.BucketConfig{Capacity: 4, RefillRate: 0.1, Cost: 2}
	g, _, _ := newTestGovernor(t, resources)

	assert.Equal(t, []string{"ANALYST", "SEC"}, g.Resources())

	stats := g.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, domain.BucketStats{
		Capacity:       4,
		RefillRate:     0.1,
		Cost:           2,
		Available:      4,
		LastRefillTime: testEpoch,
	}, stats["ANALYST"])
}

func TestGovernor_AdmitSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	g, _, _ := newTestGovernor(t, secQuota(), WithTracer(provider.Tracer("test")))
	require.NoError(t, g.Admit(context.Background(), "SEC", 4))
	g.SetPaused(true)
	require.Error(t, g.Admit(context.Background(), "SEC", 4))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	outcomes := make([]string, 0, len(spans))
	for _, span := range spans {
		assert.Equal(t, "governor.admit", span.Name())
		for _, attr := range span.Attributes() {
			if attr.Key == attribute.Key("governor.outcome") {
				outcomes = append(outcomes, attr.Value.AsString())
			}
		}
	}
	assert.Equal(t, []string{outcomeAdmitted, outcomeHardStop}, outcomes)
}
