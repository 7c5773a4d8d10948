package actor

import (
	"context"
	"sync"
	"time"

	"github.com/theater-run/theater/telemetry"
)

type (
	// OperationStats aggregates the timing and count figures for one named
	// operation (a CallFunction target or a capability call).
	OperationStats struct {
		Count    int64         `json:"count"`
		Errors   int64         `json:"errors"`
		Total    time.Duration `json:"total"`
		Max      time.Duration `json:"max"`
	}

	// MetricsSnapshot is the point-in-time view of every operation's
	// aggregates, returned by the info loop's GetMetrics request and logged
	// once at actor teardown.
	MetricsSnapshot map[string]OperationStats

	// Collector is the per-actor Metrics Collector: it implements
	// telemetry.Metrics so it can sit in front of the real backend (every
	// RecordTimer/IncCounter is forwarded), while additionally keeping
	// per-operation aggregates the info loop can report without a metrics
	// backend round-trip.
	Collector struct {
		backend telemetry.Metrics

		mu  sync.Mutex
		ops map[string]*OperationStats
	}
)

// NewCollector constructs a Collector forwarding to backend. backend may be
// nil, in which case aggregates are still kept and the forwarding is a no-op.
func NewCollector(backend telemetry.Metrics) *Collector {
	if backend == nil {
		backend = telemetry.NewNoopMetrics()
	}
	return &Collector{backend: backend, ops: make(map[string]*OperationStats)}
}

func (c *Collector) stats(name string) *OperationStats {
	s, ok := c.ops[name]
	if !ok {
		s = &OperationStats{}
		c.ops[name] = s
	}
	return s
}

// IncCounter implements telemetry.Metrics. Counter names ending in ".error"
// add to the Errors field of their aggregate (keyed, like every other, by
// counter name plus tag values); other counters add to Count.
func (c *Collector) IncCounter(name string, value float64, tags ...string) {
	c.backend.IncCounter(name, value, tags...)

	c.mu.Lock()
	defer c.mu.Unlock()
	op := name + tagSuffix(tags)
	if isErrorCounter(name) {
		c.stats(op).Errors += int64(value)
		return
	}
	c.stats(op).Count += int64(value)
}

// RecordTimer implements telemetry.Metrics, folding the duration into the
// operation's Count/Total/Max aggregates.
func (c *Collector) RecordTimer(name string, duration time.Duration, tags ...string) {
	c.backend.RecordTimer(name, duration, tags...)

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats(name + tagSuffix(tags))
	s.Count++
	s.Total += duration
	if duration > s.Max {
		s.Max = duration
	}
}

// RecordGauge implements telemetry.Metrics by forwarding only; gauges have
// no per-operation aggregate.
func (c *Collector) RecordGauge(name string, value float64, tags ...string) {
	c.backend.RecordGauge(name, value, tags...)
}

// Snapshot returns a copy of the current aggregates.
func (c *Collector) Snapshot() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(MetricsSnapshot, len(c.ops))
	for name, s := range c.ops {
		out[name] = *s
	}
	return out
}

// LogFinal writes the final aggregates through logger, one line per
// operation. Called by the control loop during actor teardown.
func (c *Collector) LogFinal(ctx context.Context, logger telemetry.Logger) {
	for name, s := range c.Snapshot() {
		logger.Info(ctx, "final operation metrics",
			"operation", name,
			"count", s.Count,
			"errors", s.Errors,
			"total", s.Total.String(),
			"max", s.Max.String(),
		)
	}
}

func isErrorCounter(name string) bool {
	const suffix = ".error"
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}

// tagSuffix folds the tag pairs into the aggregate key so that calls to the
// same instrument with different tags (e.g. different function names) keep
// separate tallies.
func tagSuffix(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	out := ""
	for i := 1; i < len(tags); i += 2 {
		out += ":" + tags[i]
	}
	return out
}

var _ telemetry.Metrics = (*Collector)(nil)
