// Package governance implements admission control for outbound calls to
// external data resources.
//
// Each configured resource owns a token bucket with its own lock and a
// priority wait queue. The Governor aggregates the buckets, owns the
// process-wide pause gate and exposes Admit as the single entry point for
// connectors. Callers that find a bucket empty are suspended until a refill
// drains them in (priority desc, enqueue time asc) order.
package governance
