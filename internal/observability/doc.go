// Package observability provides structured logging, metrics, and tracing
// for the fleet control plane.
//
// This package implements:
//   - zap logger construction (JSON in production, console in development)
//   - Prometheus counters and histograms for heartbeats, verdicts and sweeps
//   - OpenTelemetry tracing with an OTLP/HTTP exporter
//
// Every component receives its logger and metrics through its constructor.
package observability
