package metrics

import "time"

// StopWatch reports durations. Reporters average the samples.
type StopWatch interface {
	Metrics
	// RecordWithDim reports time.Since(startTime) in milliseconds and returns it.
	RecordWithDim(dimensions Dimension, startTime time.Time) time.Duration
}

type stopwatch struct {
	name  string
	group string
}

// Name, Group and Policy identify the stopwatch to reporters.
func (s *stopwatch) Name() string   { return s.name }
func (s *stopwatch) Group() string  { return s.group }
func (s *stopwatch) Policy() Policy { return Policy_Stopwatch }

// RecordWithDim records the time elapsed since startTime and returns it.
func (s *stopwatch) RecordWithDim(dimensions Dimension, startTime time.Time) time.Duration {
	d := time.Since(startTime)
	report(Record{
		metrics:    s,
		value:      Value(float64(d.Microseconds()) / 1000),
		cnt:        1,
		dimensions: dimensions,
	})
	return d
}
