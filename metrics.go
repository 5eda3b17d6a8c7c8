package kvgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the metrics
// package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordPut is called after each put. err is nil if successful.
	RecordPut(duration time.Duration, err error)

	// RecordGet is called after each get. A missing key is not an error.
	RecordGet(duration time.Duration, found bool, err error)

	// RecordDelete is called after each delete.
	RecordDelete(duration time.Duration, err error)

	// RecordScan is called after each scan with the number of entries yielded.
	RecordScan(entries int, duration time.Duration)

	// RecordFlush is called after an immutable memtable was handed to the
	// flush function.
	RecordFlush(entries int, bytes int64, duration time.Duration, err error)

	// RecordRotation is called when the active memtable becomes immutable.
	RecordRotation()

	// RecordRecovery is called once per Open with the replayed record count.
	RecordRecovery(records int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, error)               {}
func (NoopMetricsCollector) RecordGet(time.Duration, bool, error)         {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)            {}
func (NoopMetricsCollector) RecordScan(int, time.Duration)                {}
func (NoopMetricsCollector) RecordFlush(int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordRotation()                              {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount      atomic.Int64
	PutErrors     atomic.Int64
	PutTotalNanos atomic.Int64
	GetCount      atomic.Int64
	GetHits       atomic.Int64
	GetErrors     atomic.Int64
	GetTotalNanos atomic.Int64
	DeleteCount   atomic.Int64
	DeleteErrors  atomic.Int64
	ScanCount     atomic.Int64
	ScanEntries   atomic.Int64
	FlushCount    atomic.Int64
	FlushErrors   atomic.Int64
	FlushEntries  atomic.Int64
	FlushBytes    atomic.Int64
	Rotations     atomic.Int64
	Recovered     atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, found bool, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if found {
		b.GetHits.Add(1)
	}
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordScan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScan(entries int, _ time.Duration) {
	b.ScanCount.Add(1)
	b.ScanEntries.Add(int64(entries))
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(entries int, bytes int64, _ time.Duration, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushEntries.Add(int64(entries))
	b.FlushBytes.Add(bytes)
}

// RecordRotation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRotation() {
	b.Rotations.Add(1)
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(records int, _ time.Duration, _ error) {
	b.Recovered.Add(int64(records))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:     b.PutCount.Load(),
		PutErrors:    b.PutErrors.Load(),
		PutAvgNanos:  avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		GetCount:     b.GetCount.Load(),
		GetHits:      b.GetHits.Load(),
		GetErrors:    b.GetErrors.Load(),
		GetAvgNanos:  avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		DeleteCount:  b.DeleteCount.Load(),
		DeleteErrors: b.DeleteErrors.Load(),
		ScanCount:    b.ScanCount.Load(),
		ScanEntries:  b.ScanEntries.Load(),
		FlushCount:   b.FlushCount.Load(),
		FlushErrors:  b.FlushErrors.Load(),
		FlushEntries: b.FlushEntries.Load(),
		FlushBytes:   b.FlushBytes.Load(),
		Rotations:    b.Rotations.Load(),
		Recovered:    b.Recovered.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount     int64
	PutErrors    int64
	PutAvgNanos  int64
	GetCount     int64
	GetHits      int64
	GetErrors    int64
	GetAvgNanos  int64
	DeleteCount  int64
	DeleteErrors int64
	ScanCount    int64
	ScanEntries  int64
	FlushCount   int64
	FlushErrors  int64
	FlushEntries int64
	FlushBytes   int64
	Rotations    int64
	Recovered    int64
}

