package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/polisai/polis-governor/pkg/domain"
)

// DefaultRefillInterval is how often Run refills buckets when no interval is configured.
const DefaultRefillInterval = 100 * time.Millisecond

const tracerName = "github.com/polisai/polis-governor/internal/governance"

// Admission outcomes recorded on spans.
const (
	outcomeAdmitted    = "admitted"
	outcomeUnthrottled = "unthrottled"
	outcomeHardStop    = "hard_stop"
	outcomeCancelled   = "cancelled"
	outcomeClosed      = "closed"
)

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(g *Governor) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithObservers registers observers for admission transitions.
func WithObservers(observers ...domain.AdmissionObserver) Option {
	return func(g *Governor) {
		for _, o := range observers {
			if o != nil {
				g.observers = append(g.observers, o)
			}
		}
	}
}

// WithRefillInterval sets the period of the background refill loop.
func WithRefillInterval(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.refillInterval = d
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(g *Governor) {
		if t != nil {
			g.tracer = t
		}
	}
}

// Governor is the single admission entry point. It owns one token bucket per
// configured resource and the global pause gate. The set of buckets is fixed
// at construction.
type Governor struct {
	buckets        map[string]*tokenBucket
	gate           *pauseGate
	clock          clock.WithTicker
	logger         *slog.Logger
	observers      []domain.AdmissionObserver
	refillInterval time.Duration
	tracer         trace.Tracer

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewGovernor validates the per-resource configuration and builds one bucket
// per entry. Any invalid entry fails construction.
func NewGovernor(resources map[string]domain.BucketConfig, opts ...Option) (*Governor, error) {
	g := &Governor{
		clock:          clock.RealClock{},
		logger:         slog.Default(),
		refillInterval: DefaultRefillInterval,
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}

	names := sortedKeys(resources)
	var errs []error
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("%w: empty resource identifier", domain.ErrConfigInvalid))
			continue
		}
		if err := resources[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resource %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g.gate = newPauseGate(g.clock)
	g.buckets = make(map[string]*tokenBucket, len(resources))
	for _, name := range names {
		g.buckets[name] = newTokenBucket(name, resources[name], g.clock, g.gate, g.notify)
	}

	g.logger.Info("Governor initialized", "resources", names)
	return g, nil
}

// Admit blocks until the caller may proceed with a call to resourceID.
//
// It returns nil once admitted, an error wrapping domain.ErrHardStop while the
// governor is paused, domain.ErrGovernorClosed after Close, or an error
// wrapping domain.ErrCancelled and ctx.Err() when ctx ends while queued.
// Resources without a bucket are always admitted.
func (g *Governor) Admit(ctx context.Context, resourceID string, priority int) (err error) {
	ctx, span := g.tracer.Start(ctx, "governor.admit", trace.WithAttributes(
		attribute.String("governor.resource", resourceID),
		attribute.Int("governor.priority", priority),
	))
	outcome := outcomeAdmitted
	defer func() {
		span.SetAttributes(attribute.String("governor.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if g.gate.Paused() {
		outcome = outcomeHardStop
		g.gate.recordHardStop()
		g.notify(domain.AdmissionEvent{
			Kind:     domain.EventHardStop,
			Resource: resourceID,
			Priority: priority,
			At:       g.clock.Now(),
		})
		return fmt.Errorf("%w (resource %q)", domain.ErrHardStop, resourceID)
	}

	bucket, ok := g.buckets[resourceID]
	if !ok {
		// No quota configured for this resource - allow
		outcome = outcomeUnthrottled
		return nil
	}

	w, err := bucket.tryConsumeOrEnqueue(priority)
	if err != nil {
		outcome = outcomeClosed
		return err
	}
	if w == nil {
		return nil
	}

	span.AddEvent("queued", trace.WithAttributes(attribute.String("governor.request_id", w.id)))

	select {
	case <-w.done:
	case <-ctx.Done():
		if bucket.cancel(w) {
			outcome = outcomeCancelled
			return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}
		// Released or closed concurrently; that result stands.
		<-w.done
	}

	if w.err != nil {
		outcome = outcomeClosed
	}
	return w.err
}

// SetPaused engages or lifts the global hard stop. Queued callers are neither
// released nor rejected while paused; lifting the pause drains every bucket.
func (g *Governor) SetPaused(paused bool) {
	if !g.gate.set(paused) {
		return
	}
	if paused {
		g.logger.Warn("Admission paused; new calls will be rejected")
		return
	}
	g.logger.Info("Admission resumed")
	g.Refill()
}

// Paused reports whether the hard stop is engaged.
func (g *Governor) Paused() bool {
	return g.gate.Paused()
}

// WatchPause applies pause transitions from signals until the channel is
// closed or ctx ends.
func (g *Governor) WatchPause(ctx context.Context, signals <-chan bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case paused, ok := <-signals:
			if !ok {
				return nil
			}
			g.SetPaused(paused)
		}
	}
}

// Run refills every bucket on a fixed interval so queued callers drain even
// when no new admissions arrive. It returns when ctx ends.
func (g *Governor) Run(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.refillInterval)
	defer ticker.Stop()

	g.logger.Debug("Refill loop started", "interval", g.refillInterval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			g.Refill()
		}
	}
}

// Refill performs one refill and drain pass over all buckets.
func (g *Governor) Refill() {
	for _, bucket := range g.buckets {
		bucket.refill()
	}
}

// Close rejects future admissions and releases every queued caller with
// domain.ErrGovernorClosed. It is safe to call more than once.
func (g *Governor) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		released := 0
		for _, bucket := range g.buckets {
			released += bucket.closeAll(domain.ErrGovernorClosed)
		}
		g.logger.Info("Governor closed", "released_waiters", released)
	})
	return nil
}

// Closed reports whether Close has been called.
func (g *Governor) Closed() bool {
	return g.closed.Load()
}

// Resources returns the configured resource identifiers in sorted order.
func (g *Governor) Resources() []string {
	return sortedKeys(g.buckets)
}

// Stats returns current bucket statistics for all resources.
func (g *Governor) Stats() map[string]domain.BucketStats {
	stats := make(map[string]domain.BucketStats, len(g.buckets))
	for name, bucket := range g.buckets {
		stats[name] = bucket.stats()
	}
	return stats
}

// BucketStats returns statistics for one resource.
func (g *Governor) BucketStats(resourceID string) (domain.BucketStats, error) {
	bucket, ok := g.buckets[resourceID]
	if !ok {
		return domain.BucketStats{}, fmt.Errorf("%w: %q", domain.ErrUnknownResource, resourceID)
	}
	return bucket.stats(), nil
}

// GateStats returns the pause gate status.
func (g *Governor) GateStats() GateStats {
	return g.gate.stats()
}

func (g *Governor) notify(event domain.AdmissionEvent) {
	for _, o := range g.observers {
		o.ObserveAdmission(event)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
