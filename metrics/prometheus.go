// Package metrics exports kvgo operational metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kvgo"

// Prometheus implements kvgo.MetricsCollector on client_golang collectors.
type Prometheus struct {
	ops       *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	getHits   prometheus.Counter
	scanned   prometheus.Counter
	flushed   *prometheus.CounterVec
	rotations prometheus.Counter
	recovered prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of store operations.",
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of failed store operations.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"op"}),
		getHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_hits_total",
			Help:      "Total number of gets that found the key.",
		}),
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_entries_total",
			Help:      "Total number of entries yielded by scans.",
		}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_total",
			Help:      "Entries and bytes handed to the flush function.",
		}, []string{"unit"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memtable_rotations_total",
			Help:      "Total number of memtables made immutable.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_recovered_records_total",
			Help:      "Total number of WAL records replayed on open.",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.ops, p.errors, p.latency, p.getHits, p.scanned, p.flushed, p.rotations, p.recovered,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) observe(op string, d time.Duration, err error) {
	p.ops.WithLabelValues(op).Inc()
	p.latency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		p.errors.WithLabelValues(op).Inc()
	}
}

func (p *Prometheus) RecordPut(d time.Duration, err error) { p.observe("put", d, err) }

func (p *Prometheus) RecordGet(d time.Duration, found bool, err error) {
	p.observe("get", d, err)
	if found {
		p.getHits.Inc()
	}
}

func (p *Prometheus) RecordDelete(d time.Duration, err error) { p.observe("delete", d, err) }

func (p *Prometheus) RecordScan(entries int, d time.Duration) {
	p.observe("scan", d, nil)
	p.scanned.Add(float64(entries))
}

func (p *Prometheus) RecordFlush(entries int, bytes int64, d time.Duration, err error) {
	p.observe("flush", d, err)
	if err == nil {
		p.flushed.WithLabelValues("entries").Add(float64(entries))
		p.flushed.WithLabelValues("bytes").Add(float64(bytes))
	}
}

func (p *Prometheus) RecordRotation() { p.rotations.Inc() }

func (p *Prometheus) RecordRecovery(records int, d time.Duration, err error) {
	p.observe("recover", d, err)
	p.recovered.Add(float64(records))
}
