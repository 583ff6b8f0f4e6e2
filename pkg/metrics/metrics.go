package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Option configures a Collector.
type Option func(*Collector)

// WithPrefix sets the metric name prefix. Default: "nodedrainer".
func WithPrefix(prefix string) Option {
	return func(c *Collector) {
		c.prefix = prefix
	}
}

// WithMetricsSet registers metrics in the given set instead of a new one.
// The caller is responsible for exposing it.
func WithMetricsSet(set *metrics.Set) Option {
	return func(c *Collector) {
		c.set = set
	}
}

// Collector records drain activity. A nil *Collector is valid and records
// nothing.
type Collector struct {
	set    *metrics.Set
	prefix string
}

func New(opts ...Option) *Collector {
	c := &Collector{prefix: "nodedrainer"}
	for _, opt := range opts {
		opt(c)
	}
	if c.set == nil {
		c.set = metrics.NewSet()
	}
	return c
}

func (c *Collector) MembershipsResolved(source string, n int) {
	if c == nil {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_memberships_resolved_total{source=%q}`, c.prefix, source)).Add(n)
}

func (c *Collector) MembershipSkipped(source, health string) {
	if c == nil {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_memberships_skipped_total{source=%q,health=%q}`, c.prefix, source, health)).Inc()
}

func (c *Collector) RemovalRequested(source, result string) {
	if c == nil {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_removals_total{source=%q,result=%q}`, c.prefix, source, result)).Inc()
}

func (c *Collector) ConvergenceRound(source string) {
	if c == nil {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_convergence_rounds_total{source=%q}`, c.prefix, source)).Inc()
}

func (c *Collector) DrainFinished(source, phase string, took time.Duration) {
	if c == nil {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_drains_total{source=%q,phase=%q}`, c.prefix, source, phase)).Inc()
	c.set.GetOrCreateHistogram(fmt.Sprintf(`%s_drain_duration_seconds{source=%q}`, c.prefix, source)).Update(took.Seconds())
}

func (c *Collector) LifecycleCompleted(result string) {
	if c == nil {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_lifecycle_actions_total{result=%q}`, c.prefix, result)).Inc()
}

func (c *Collector) EventReceived(kind string) {
	if c == nil {
		return
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`%s_events_total{kind=%q}`, c.prefix, kind)).Inc()
}

// WritePrometheus writes the collector's metrics in Prometheus text format.
func (c *Collector) WritePrometheus(w io.Writer) {
	if c == nil {
		return
	}
	c.set.WritePrometheus(w)
}
