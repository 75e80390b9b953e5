package metrics

import (
	"errors"
	"fmt"
	"maps"
)

var errRecordMismatch = errors.New("metrics record mismatch")

// Record is one update as seen by a Reporter.
type Record struct {
	metrics    Metrics
	value      Value
	cnt        int
	dimensions Dimension
}

// NewRecord builds a record, mostly for reporters and tests.
func NewRecord(m Metrics, v Value, cnt int, dimensions Dimension) Record {
	return Record{metrics: m, value: v, cnt: cnt, dimensions: dimensions}
}

// Clone copies the record including its dimensions.
func (r *Record) Clone() *Record {
	cp := *r
	cp.dimensions = maps.Clone(r.dimensions)
	return &cp
}

// Metrics returns the metric this record was produced by.
func (r *Record) Metrics() Metrics { return r.metrics }

// Value returns the reported value; averaging policies divide by the sample count.
func (r *Record) Value() Value {
	switch r.metrics.Policy() {
	case Policy_Avg, Policy_Stopwatch:
		if r.cnt != 0 {
			return r.value / Value(r.cnt)
		}
	}
	return r.value
}

// RawData returns the accumulated value and sample count.
func (r *Record) RawData() (Value, int) {
	return r.value, r.cnt
}

// Dimensions returns the labels of the record, or nil.
func (r *Record) Dimensions() Dimension {
	return r.dimensions
}

// Merge folds other into r according to the policy. Both records must describe the
// same series.
func (r *Record) Merge(other Record) error {
	if r.metrics.Name() != other.metrics.Name() || r.metrics.Group() != other.metrics.Group() {
		return fmt.Errorf("%w: %s.%s vs %s.%s", errRecordMismatch,
			r.metrics.Group(), r.metrics.Name(), other.metrics.Group(), other.metrics.Name())
	}
	if r.metrics.Policy() != other.metrics.Policy() {
		return fmt.Errorf("%w: policy %v vs %v", errRecordMismatch, r.metrics.Policy(), other.metrics.Policy())
	}
	if !maps.Equal(r.dimensions, other.dimensions) {
		return fmt.Errorf("%w: dimensions %v vs %v", errRecordMismatch, r.dimensions, other.dimensions)
	}

	switch r.metrics.Policy() {
	case Policy_Set:
		r.value = other.value
	case Policy_Sum:
		r.value += other.value
	case Policy_Max:
		r.value = max(r.value, other.value)
	case Policy_Min:
		r.value = min(r.value, other.value)
	case Policy_Avg, Policy_Stopwatch:
		r.value += other.value
		r.cnt += other.cnt
	default:
		return fmt.Errorf("%w: unsupported policy %v", errRecordMismatch, r.metrics.Policy())
	}
	return nil
}
