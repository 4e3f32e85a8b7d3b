package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the pipeline's Prometheus metrics. It carries its own
// registry so multiple collectors can exist in one process (tests, tools)
// without MustRegister panics.
type Collector struct {
	registry *prometheus.Registry

	fetches        prometheus.Counter
	fetchErrors    prometheus.Counter
	accountsSeen   prometheus.Counter
	recordsDecoded prometheus.Counter
	batchesRouted  prometheus.Counter
	batchesDropped prometheus.Counter
	workerRestarts prometheus.Counter

	fetchDuration prometheus.Histogram

	jobsPending prometheus.Gauge
	jobsActive  prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_fetches_total",
			Help: "Total number of repo fetch attempts",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_fetch_errors_total",
			Help: "Total number of repo fetches that failed",
		}),
		accountsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_accounts_seen_total",
			Help: "Total number of accounts marked seen",
		}),
		recordsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_records_decoded_total",
			Help: "Total number of records decoded from snapshots",
		}),
		batchesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_batches_routed_total",
			Help: "Total number of commit batches routed to writers",
		}),
		batchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_batches_dropped_total",
			Help: "Total number of commit batches dropped (unknown collection)",
		}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_worker_restarts_total",
			Help: "Total number of worker processes respawned",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backfill_fetch_duration_seconds",
			Help:    "Repo fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backfill_jobs_pending",
			Help: "Current number of pending decode jobs",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backfill_jobs_active",
			Help: "Current number of leased decode jobs",
		}),
	}

	c.registry.MustRegister(
		c.fetches,
		c.fetchErrors,
		c.accountsSeen,
		c.recordsDecoded,
		c.batchesRouted,
		c.batchesDropped,
		c.workerRestarts,
		c.fetchDuration,
		c.jobsPending,
		c.jobsActive,
	)

	return c
}

// RecordFetch records one fetch attempt and its duration.
func (c *Collector) RecordFetch(seconds float64) {
	c.fetches.Inc()
	c.fetchDuration.Observe(seconds)
}

// RecordFetchError records a failed fetch.
func (c *Collector) RecordFetchError() {
	c.fetchErrors.Inc()
}

// RecordAccountSeen records an account entering the seen set.
func (c *Collector) RecordAccountSeen() {
	c.accountsSeen.Inc()
}

// RecordDecoded records records decoded from one snapshot.
func (c *Collector) RecordDecoded(n int) {
	c.recordsDecoded.Add(float64(n))
}

// RecordBatchRouted records a commit batch forwarded to a writer.
func (c *Collector) RecordBatchRouted() {
	c.batchesRouted.Inc()
}

// RecordBatchDropped records a commit batch dropped for lack of a route.
func (c *Collector) RecordBatchDropped() {
	c.batchesDropped.Inc()
}

// RecordWorkerRestart records one worker respawn.
func (c *Collector) RecordWorkerRestart() {
	c.workerRestarts.Inc()
}

// UpdateQueueStats sets the queue depth gauges.
func (c *Collector) UpdateQueueStats(pending, active int64) {
	c.jobsPending.Set(float64(pending))
	c.jobsActive.Set(float64(active))
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
