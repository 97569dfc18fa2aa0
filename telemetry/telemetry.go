// Package telemetry integrates orchestrator events with Clue logging and
// OTEL metrics.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the orchestrator.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and timer helpers for orchestrator
// instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Metric names emitted by the orchestrator.
const (
	MetricScenariosSubmitted = "maestro.scenarios.submitted"
	MetricTasksPublished     = "maestro.tasks.published"
	MetricTasksCompleted     = "maestro.tasks.completed"
	MetricTasksFailed        = "maestro.tasks.failed"
	MetricTasksRevoked       = "maestro.tasks.revoked"
	MetricClaimLatency       = "maestro.claim.latency"
	MetricQueueDepth         = "maestro.queue.depth"
)
