// Package metrics exposes erase and export counters to Prometheus.
package metrics

import (
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gophdrop"

// Collector is a prometheus.Collector for the erase queue and the archive
// export builder.
type Collector struct {
	eraseJobs      *prometheus.CounterVec
	eraseDuration  prometheus.Histogram
	archiveBuilds  *prometheus.CounterVec
	archiveBytes   prometheus.Counter
	keyDeleteFails prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		eraseJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "erase_jobs_total",
				Help:      "Finished erase job attempts by outcome.",
			}, []string{"status"},
		),
		eraseDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "erase_duration_seconds",
				Help:      "Time spent erasing one source directory.",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
		),
		archiveBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archive_builds_total",
				Help:      "Archive builds by selection policy and result.",
			}, []string{"policy", "result"},
		),
		archiveBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archive_bytes_total",
				Help:      "Blob bytes written into successful archives.",
			},
		),
		keyDeleteFails: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "key_delete_failures_total",
				Help:      "Collection deletions whose keypair could not be removed.",
			},
		),
	}
}

// EraseFinished records one erase attempt.
func (c *Collector) EraseFinished(status models.JobStatus, elapsed time.Duration) {
	c.eraseJobs.WithLabelValues(string(status)).Inc()
	c.eraseDuration.Observe(elapsed.Seconds())
}

// ArchiveBuilt records one archive build; bytes are only counted on success.
func (c *Collector) ArchiveBuilt(policy string, ok bool, bytes int64) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.archiveBuilds.WithLabelValues(policy, result).Inc()
	if ok {
		c.archiveBytes.Add(float64(bytes))
	}
}

// KeyDeleteFailed records a keystore failure during collection deletion.
func (c *Collector) KeyDeleteFailed() {
	c.keyDeleteFails.Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.eraseJobs.Describe(ch)
	c.eraseDuration.Describe(ch)
	c.archiveBuilds.Describe(ch)
	c.archiveBytes.Describe(ch)
	c.keyDeleteFails.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.eraseJobs.Collect(ch)
	c.eraseDuration.Collect(ch)
	c.archiveBuilds.Collect(ch)
	c.archiveBytes.Collect(ch)
	c.keyDeleteFails.Collect(ch)
}
