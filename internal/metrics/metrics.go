// Package metrics exposes validation counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe result labels.
const (
	ResultWorking = "working"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
)

// Recorder is what the validation and consolidation paths report to.
type Recorder interface {
	RecordProbe(result string, elapsed time.Duration)
	RecordPromotion()
	RecordDeactivation()
	RecordRun(status string, took time.Duration)
	RecordArtifact(channels, duplicates int)
}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	probes        *prometheus.CounterVec
	probeLatency  prometheus.Histogram
	promotions    prometheus.Counter
	deactivations prometheus.Counter
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	artifactSize  prometheus.Gauge
	duplicates    prometheus.Counter
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwarden_probes_total",
			Help: "Stream probes by result.",
		}, []string{"result"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamwarden_probe_latency_seconds",
			Help:    "Time spent per probe including fallback.",
			Buckets: prometheus.DefBuckets,
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamwarden_alternate_promotions_total",
			Help: "Alternate addresses promoted to primary.",
		}),
		deactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamwarden_channel_deactivations_total",
			Help: "Channels deactivated after reaching the failure threshold.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwarden_validation_runs_total",
			Help: "Validation runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamwarden_validation_run_duration_seconds",
			Help:    "Wall time of a validation run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		artifactSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamwarden_playlist_channels",
			Help: "Channels in the last generated playlist.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamwarden_duplicates_removed_total",
			Help: "Channels dropped as duplicates during generation.",
		}),
	}

	reg.MustRegister(
		c.probes,
		c.probeLatency,
		c.promotions,
		c.deactivations,
		c.runs,
		c.runDuration,
		c.artifactSize,
		c.duplicates,
	)
	return c
}

func (c *Collector) RecordProbe(result string, elapsed time.Duration) {
	c.probes.WithLabelValues(result).Inc()
	c.probeLatency.Observe(elapsed.Seconds())
}

func (c *Collector) RecordPromotion() { c.promotions.Inc() }

func (c *Collector) RecordDeactivation() { c.deactivations.Inc() }

func (c *Collector) RecordRun(status string, took time.Duration) {
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.Observe(took.Seconds())
}

func (c *Collector) RecordArtifact(channels, duplicates int) {
	c.artifactSize.Set(float64(channels))
	c.duplicates.Add(float64(duplicates))
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordProbe(string, time.Duration) {}
func (Nop) RecordPromotion()                  {}
func (Nop) RecordDeactivation()               {}
func (Nop) RecordRun(string, time.Duration)   {}
func (Nop) RecordArtifact(int, int)           {}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
