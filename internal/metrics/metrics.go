// Package metrics collects and exposes Nexus runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-command counters + time series)
//     that backs the `metrics` builtin and the kernel status report.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// Record is called by the engine after every command and must be as
// fast as possible. It uses atomic increments for global counters and
// dispatches a lightweight event onto a buffered channel (tsChan) for
// the time-series worker to process asynchronously. No lock is held on
// the hot path; events are dropped, and counted, when the channel is
// full.
//
// # Invariants
//
//   - TotalCommands == SuccessCommands + FailedCommands.
//   - The time-series ring holds at most timeSeriesBucketCount buckets
//     (60 minutes at 1-minute granularity).
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 60
)

// TimeSeriesBucket stores per-minute aggregates.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Commands     int64
	Errors       int64
	TotalLatency int64 // µs
}

// CommandMetrics aggregates one command name's counters.
type CommandMetrics struct {
	Invocations    atomic.Int64
	Failures       atomic.Int64
	TotalLatencyUs atomic.Int64
	MaxLatencyUs   atomic.Int64
}

type tsEvent struct {
	latencyUs int64
	ok        bool
}

// Metrics is the in-process metric store.
type Metrics struct {
	TotalCommands     atomic.Int64
	SuccessCommands   atomic.Int64
	FailedCommands    atomic.Int64
	PermissionDenials atomic.Int64
	ScriptedCommands  atomic.Int64
	AsyncSubmitted    atomic.Int64
	LiveValueBytes    atomic.Int64

	perCommand sync.Map // name -> *CommandMetrics

	tsMu      sync.RWMutex
	ts        []*TimeSeriesBucket
	tsChan    chan tsEvent
	tsDropped atomic.Int64
	tsStop    chan struct{}

	startTime time.Time
}

// New creates the metric store and starts the time-series worker.
func New() *Metrics {
	m := &Metrics{
		tsChan:    make(chan tsEvent, 8192),
		tsStop:    make(chan struct{}),
		startTime: time.Now(),
	}
	go m.tsWorker()
	return m
}

// Record registers one finished command invocation.
func (m *Metrics) Record(name string, latency time.Duration, ok bool) {
	us := latency.Microseconds()
	m.TotalCommands.Add(1)
	if ok {
		m.SuccessCommands.Add(1)
	} else {
		m.FailedCommands.Add(1)
	}

	cm := m.commandMetrics(name)
	cm.Invocations.Add(1)
	if !ok {
		cm.Failures.Add(1)
	}
	cm.TotalLatencyUs.Add(us)
	for {
		max := cm.MaxLatencyUs.Load()
		if us <= max || cm.MaxLatencyUs.CompareAndSwap(max, us) {
			break
		}
	}

	select {
	case m.tsChan <- tsEvent{latencyUs: us, ok: ok}:
	default:
		m.tsDropped.Add(1)
	}

	recordPrometheus(name, latency, ok)
}

// RecordPermissionDenial counts a capability denial.
func (m *Metrics) RecordPermissionDenial() {
	m.PermissionDenials.Add(1)
	recordPrometheusDenial()
}

// RecordScripted counts a scripted evaluation.
func (m *Metrics) RecordScripted() { m.ScriptedCommands.Add(1) }

// RecordAsync counts an async submission.
func (m *Metrics) RecordAsync() { m.AsyncSubmitted.Add(1) }

// SetLiveValueBytes publishes the bridge's live payload total.
func (m *Metrics) SetLiveValueBytes(n int64) {
	m.LiveValueBytes.Store(n)
	setPrometheusLiveBytes(n)
}

func (m *Metrics) commandMetrics(name string) *CommandMetrics {
	if v, ok := m.perCommand.Load(name); ok {
		return v.(*CommandMetrics)
	}
	v, _ := m.perCommand.LoadOrStore(name, &CommandMetrics{})
	return v.(*CommandMetrics)
}

// Command returns the per-command aggregate, or nil if the command has
// never run.
func (m *Metrics) Command(name string) *CommandMetrics {
	if v, ok := m.perCommand.Load(name); ok {
		return v.(*CommandMetrics)
	}
	return nil
}

// EachCommand visits every per-command aggregate.
func (m *Metrics) EachCommand(fn func(name string, cm *CommandMetrics)) {
	m.perCommand.Range(func(k, v any) bool {
		fn(k.(string), v.(*CommandMetrics))
		return true
	})
}

// Uptime reports how long the store has been alive.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }

// DroppedEvents reports time-series events lost to a full channel.
func (m *Metrics) DroppedEvents() int64 { return m.tsDropped.Load() }

func (m *Metrics) tsWorker() {
	for {
		select {
		case ev := <-m.tsChan:
			m.applyEvent(ev)
		case <-m.tsStop:
			return
		}
	}
}

func (m *Metrics) applyEvent(ev tsEvent) {
	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.tsMu.Lock()
	defer m.tsMu.Unlock()

	var bucket *TimeSeriesBucket
	if n := len(m.ts); n > 0 && m.ts[n-1].Timestamp.Equal(now) {
		bucket = m.ts[n-1]
	} else {
		bucket = &TimeSeriesBucket{Timestamp: now}
		m.ts = append(m.ts, bucket)
		if len(m.ts) > timeSeriesBucketCount {
			m.ts = m.ts[len(m.ts)-timeSeriesBucketCount:]
		}
	}
	bucket.Commands++
	if !ev.ok {
		bucket.Errors++
	}
	bucket.TotalLatency += ev.latencyUs
}

// TimeSeries returns a copy of the retained buckets, oldest first.
func (m *Metrics) TimeSeries() []TimeSeriesBucket {
	m.tsMu.RLock()
	defer m.tsMu.RUnlock()
	out := make([]TimeSeriesBucket, len(m.ts))
	for i, b := range m.ts {
		out[i] = *b
	}
	return out
}

// Close stops the time-series worker.
func (m *Metrics) Close() {
	close(m.tsStop)
}
