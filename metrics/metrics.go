// Package metrics is a small reporting facade: components update named counters,
// gauges and stopwatches, and every update is forwarded as a Record to the installed
// Reporters (Prometheus in production, a mock in tests). With no reporter installed
// all updates are no-ops.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is implemented by every metric kind.
type Metrics interface {
	Name() string
	Group() string
	Policy() Policy
}

// registry lazily creates one metric per (group, name).
type registry[T Metrics] struct {
	mu     sync.RWMutex
	m      map[string]T
	create func(name, group string) T
}

func newRegistry[T Metrics](create func(name, group string) T) *registry[T] {
	return &registry[T]{m: map[string]T{}, create: create}
}

func (r *registry[T]) get(name, group string) T {
	key := group + "." + name
	r.mu.RLock()
	v, ok := r.m[key]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.m[key]; ok {
		return v
	}
	v = r.create(name, group)
	r.m[key] = v
	return v
}

var (
	_counters = newRegistry(func(name, group string) Counter {
		return &counter{name: name, group: group}
	})
	_gauges = newRegistry(func(name, group string) Gauge {
		return &gauge{name: name, group: group, policy: Policy_Set}
	})
	_avgGauges = newRegistry(func(name, group string) Gauge {
		return &gauge{name: name, group: group, policy: Policy_Avg}
	})
	_maxGauges = newRegistry(func(name, group string) Gauge {
		return &gauge{name: name, group: group, policy: Policy_Max}
	})
	_stopwatches = newRegistry(func(name, group string) StopWatch {
		return &stopwatch{name: name, group: group}
	})

	_reporters atomic.Pointer[[]Reporter]
)

// SetMetricsReporters replaces the installed reporters. Safe to call while metrics are
// being updated.
func SetMetricsReporters(reporters []Reporter) {
	cp := append([]Reporter(nil), reporters...)
	_reporters.Store(&cp)
}

// AddMetricsReporter appends one reporter to the installed set.
func AddMetricsReporter(r Reporter) {
	for {
		old := _reporters.Load()
		var next []Reporter
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, r)
		if _reporters.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveMetricsReporter uninstalls r.
func RemoveMetricsReporter(r Reporter) {
	for {
		old := _reporters.Load()
		if old == nil {
			return
		}
		next := make([]Reporter, 0, len(*old))
		for _, cur := range *old {
			if cur != r {
				next = append(next, cur)
			}
		}
		if _reporters.CompareAndSwap(old, &next) {
			return
		}
	}
}

func report(r Record) {
	reporters := _reporters.Load()
	if reporters == nil {
		return
	}
	for _, reporter := range *reporters {
		reporter.Report(r)
	}
}

// IncrCounterWithGroup adds value to a cumulative counter.
func IncrCounterWithGroup(key, group string, value Value) {
	_counters.get(key, group).Incr(value)
}

// IncrCounterWithDimGroup adds value to a counter series selected by dimensions.
func IncrCounterWithDimGroup(key, group string, value Value, dimensions Dimension) {
	_counters.get(key, group).IncrWithDim(value, dimensions)
}

// UpdateGaugeWithGroup sets a point-in-time value.
func UpdateGaugeWithGroup(key, group string, value Value) {
	_gauges.get(key, group).Update(value)
}

// UpdateGaugeWithDimGroup sets a point-in-time value for one dimension set.
func UpdateGaugeWithDimGroup(key, group string, value Value, dimensions Dimension) {
	_gauges.get(key, group).UpdateWithDim(value, dimensions)
}

// UpdateAvgGaugeWithGroup feeds one sample to a gauge reporting the running mean.
func UpdateAvgGaugeWithGroup(key, group string, value Value) {
	_avgGauges.get(key, group).Update(value)
}

// UpdateMaxGaugeWithGroup feeds one sample to a gauge reporting the maximum seen.
func UpdateMaxGaugeWithGroup(key, group string, value Value) {
	_maxGauges.get(key, group).Update(value)
}

// UpdateMaxGaugeWithDimGroup is UpdateMaxGaugeWithGroup for one dimension set.
func UpdateMaxGaugeWithDimGroup(key, group string, value Value, dimensions Dimension) {
	_maxGauges.get(key, group).UpdateWithDim(value, dimensions)
}

// RecordStopwatchWithGroup reports the time elapsed since startTime in milliseconds.
func RecordStopwatchWithGroup(key, group string, startTime time.Time) time.Duration {
	return _stopwatches.get(key, group).RecordWithDim(nil, startTime)
}

// RecordStopwatchWithDimGroup is RecordStopwatchWithGroup for one dimension set.
func RecordStopwatchWithDimGroup(key, group string, startTime time.Time, dimensions Dimension) time.Duration {
	return _stopwatches.get(key, group).RecordWithDim(dimensions, startTime)
}
