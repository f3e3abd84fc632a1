// Package admin exposes the governor over HTTP: admission for out-of-process
// callers, bucket and gate statistics, control signals and Prometheus metrics.
package admin
