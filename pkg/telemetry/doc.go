// Package telemetry wires OpenTelemetry tracing and metrics and the
// Prometheus collector for the admission governor.
//
// Admission transitions reach this package through domain.AdmissionObserver,
// so the governance core never imports an exporter.
package telemetry
