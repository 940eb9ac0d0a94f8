// Package metrics defines the pipeline event record and the Observer
// sinks that consume it.
package metrics

import "time"

// MetricsEvent is a single pipeline measurement: a counter tick, a
// duration, or a state annotation. Tags carry low-cardinality labels,
// Fields carry free-form detail.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer consumes pipeline events. Implementations must tolerate
// concurrent calls.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
