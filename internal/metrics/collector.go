// Package metrics provides internal metrics collection for the STM module.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the module's Prometheus metrics. Metrics are
// deliberately unlabeled by thread id to keep cardinality bounded.
type Collector struct {
	turnsAppended     prometheus.Counter
	duplicatesDropped prometheus.Counter
	factsMerged       prometheus.Counter
	extractionJobs    *prometheus.CounterVec
	contextAssemblies prometheus.Counter
	contextDuration   prometheus.Histogram
}

// NewCollector registers the STM metrics on reg under the given namespace.
// A nil reg falls back to the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "engram"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		turnsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns newly appended to the STM log.",
		}),
		duplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_turns_dropped_total",
			Help:      "Turns rejected by the idempotent append dedupe.",
		}),
		factsMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_merged_total",
			Help:      "Extracted facts merged into the fact set.",
		}),
		extractionJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_jobs_total",
			Help:      "Background extraction jobs by terminal status.",
		}, []string{"status"}),
		contextAssemblies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_assemblies_total",
			Help:      "Context bundle assemblies served.",
		}),
		contextDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_assembly_duration_seconds",
			Help:      "Latency of context bundle assembly.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// TurnsAppended records n newly appended turns.
func (c *Collector) TurnsAppended(n int) {
	c.turnsAppended.Add(float64(n))
}

// DuplicateDropped records one deduplicated turn.
func (c *Collector) DuplicateDropped() {
	c.duplicatesDropped.Inc()
}

// FactsMerged records n facts merged into a thread's fact set.
func (c *Collector) FactsMerged(n int) {
	c.factsMerged.Add(float64(n))
}

// ExtractionJob records a job reaching a terminal status
// ("completed", "failed", "rejected").
func (c *Collector) ExtractionJob(status string) {
	c.extractionJobs.WithLabelValues(status).Inc()
}

// ContextAssembled records one context assembly and its latency.
func (c *Collector) ContextAssembled(d time.Duration) {
	c.contextAssemblies.Inc()
	c.contextDuration.Observe(d.Seconds())
}
