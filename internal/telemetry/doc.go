// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// mediation core a centralized TracerProvider and MeterProvider setup.
// When telemetry is disabled it falls back to noop implementations and
// connects to no external service.
package telemetry
