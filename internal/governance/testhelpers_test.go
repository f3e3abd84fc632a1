package governance

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/polisai/polis-governor/pkg/domain"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// eventRecorder collects admission events in the order they were fired.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.AdmissionEvent
}

func (r *eventRecorder) ObserveAdmission(ev domain.AdmissionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofKind(kind domain.AdmissionEventKind) []domain.AdmissionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AdmissionEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(kind domain.AdmissionEventKind) int {
	return len(r.ofKind(kind))
}

func requestIDs(events []domain.AdmissionEvent) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.RequestID
	}
	return ids
}

func newTestGovernor(t *testing.T, resources map[string]domain.BucketConfig, opts ...Option) (*Governor, *testclock.FakeClock, *eventRecorder) {
	t.Helper()

	fc := testclock.NewFakeClock(testEpoch)
	rec := &eventRecorder{}
	base := []Option{
		WithClock(fc),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithObservers(rec),
	}
	g, err := NewGovernor(resources, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, fc, rec
}

// secQuota is the bucket used by the reference scenarios.
func secQuota() map[string]domain.BucketConfig {
	return map[string]domain.BucketConfig{
		"SEC": {Capacity: 10, RefillRate: 1, Cost: 1},
	}
}

func isDone(w *waiter) bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
