// Package domain defines the core types shared by the admission governor,
// the priority scheduler and the adapters around them.
//
// This package depends on the Go standard library only. All types here are:
//
// - Independent of infrastructure (no HTTP, gRPC, file watching, etc.)
// - Free of locking or scheduling behaviour
// - Stable across the governor, telemetry and admin packages
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
