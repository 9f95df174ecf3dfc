package completion

import "github.com/prometheus/client_golang/prometheus"

// Collector exports per-engine completion counts as Prometheus metrics,
// grounded on the teacher's RdmaCollector.Collect shape: a handful of
// prometheus.Counter fields, each forwarded straight through on Collect
// rather than recomputed from scratch per scrape.
type Collector struct {
	completed prometheus.Counter
	canceled  prometheus.Counter
	recovered prometheus.Counter
	ioErrors  prometheus.Counter
	dropped   prometheus.Counter
}

// NewCollector returns a Collector with fresh, zeroed counters.
func NewCollector() *Collector {
	return &Collector{
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "naofi_completions_total",
			Help: "Total number of completion-queue events successfully dispatched to an op.",
		}),
		canceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "naofi_completions_canceled_total",
			Help: "Total number of completions delivered as FI_ECANCELED.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "naofi_completions_addr_recovered_total",
			Help: "Total number of FI_EADDRNOTAVAIL completions whose source address was recovered into the address cache.",
		}),
		ioErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "naofi_completions_io_errors_total",
			Help: "Total number of completions that surfaced a hard FI_EIO error.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "naofi_completions_dropped_total",
			Help: "Total number of completion-queue events dropped: no op matched the token, or the error code was unrecognized.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.completed.Describe(ch)
	c.canceled.Describe(ch)
	c.recovered.Describe(ch)
	c.ioErrors.Describe(ch)
	c.dropped.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.completed.Collect(ch)
	c.canceled.Collect(ch)
	c.recovered.Collect(ch)
	c.ioErrors.Collect(ch)
	c.dropped.Collect(ch)
}
