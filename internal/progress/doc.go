// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the job runner uses to report progress beyond the registry. Events
// are batched on a background goroutine and fanned out to sinks such as
// Prometheus metrics or structured logs.
package progress
