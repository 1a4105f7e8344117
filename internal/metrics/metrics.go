// Package metrics exposes queue health and job lifecycle counters to
// prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/celestiaorg/provisioner/internal/events"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/queue"
)

const namespace = "provisioner"

// collectTimeout bounds the stats query run on every scrape
const collectTimeout = 5 * time.Second

// StatsSource is anything that can summarise the queues
type StatsSource interface {
	ListStats(ctx context.Context) ([]*queue.QueueStats, error)
}

// QueueCollector reads queue stats from the store on every scrape
type QueueCollector struct {
	src StatsSource

	jobs        *prometheus.Desc
	depth       *prometheus.Desc
	avgMS       *prometheus.Desc
	successRate *prometheus.Desc
	up          *prometheus.Desc
}

// NewQueueCollector creates a collector over src
func NewQueueCollector(src StatsSource) *QueueCollector {
	return &QueueCollector{
		src: src,
		jobs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Number of jobs by queue and status.", []string{"queue", "status"}, nil),
		depth: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "depth"),
			"Pending jobs waiting in the queue.", []string{"queue"}, nil),
		avgMS: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "avg_processing_ms"),
			"Average processing time of finished jobs in milliseconds.", []string{"queue"}, nil),
		successRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "success_rate"),
			"Completed jobs over all finished jobs.", []string{"queue"}, nil),
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "stats_up"),
			"Whether the last stats query succeeded.", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.depth
	ch <- c.avgMS
	ch <- c.successRate
	ch <- c.up
}

// Collect implements prometheus.Collector
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	stats, err := c.src.ListStats(ctx)
	if err != nil {
		logger.Warnf("Failed to collect queue stats: %v", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	for _, s := range stats {
		for status, n := range s.Counts {
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(n), s.Queue, string(status))
		}
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(s.Depth), s.Queue)
		ch <- prometheus.MustNewConstMetric(c.avgMS, prometheus.GaugeValue, s.AvgProcessingMS, s.Queue)
		ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, s.SuccessRate, s.Queue)
	}
}

// EventCounters counts job lifecycle events published on the bus
type EventCounters struct {
	events *prometheus.CounterVec
}

// NewEventCounters creates the counters
func NewEventCounters() *EventCounters {
	return &EventCounters{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle events by type, job type and queue.",
		}, []string{"event", "job_type", "queue"}),
	}
}

// Subscribe registers the counters for every lifecycle event
func (e *EventCounters) Subscribe(bus *events.Bus) {
	for _, t := range []events.EventType{
		events.EventJobEnqueued,
		events.EventJobCompleted,
		events.EventJobRetryScheduled,
		events.EventJobFailed,
		events.EventJobDeadLettered,
		events.EventJobCancelled,
		events.EventLeaseReclaimed,
		events.EventManualCleanupRequired,
	} {
		bus.Subscribe(t, e.Handle)
	}
}

// Handle counts one event
func (e *EventCounters) Handle(_ context.Context, ev events.Event) error {
	e.events.WithLabelValues(string(ev.Type), string(ev.JobType), ev.Queue).Inc()
	return nil
}

// Describe implements prometheus.Collector
func (e *EventCounters) Describe(ch chan<- *prometheus.Desc) { e.events.Describe(ch) }

// Collect implements prometheus.Collector
func (e *EventCounters) Collect(ch chan<- prometheus.Metric) { e.events.Collect(ch) }

// NewRegistry builds the registry served on /metrics
func NewRegistry(src StatsSource, counters *EventCounters) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewQueueCollector(src),
	)
	if counters != nil {
		reg.MustRegister(counters)
	}
	return reg
}
