package metrics

import "sync"

// MemoryReporter keeps every record it receives merged per series. It backs tests and
// embedded tools that read metrics in-process instead of scraping them.
type MemoryReporter struct {
	mu     sync.Mutex
	series map[string]*Record
	count  int
}

// NewMemoryReporter returns an empty MemoryReporter.
func NewMemoryReporter() *MemoryReporter {
	return &MemoryReporter{series: map[string]*Record{}}
}

// Report merges r into its series.
func (m *MemoryReporter) Report(r Record) {
	key := r.metrics.Group() + "." + r.metrics.Name() + "{" + joinLabels(r.dimensions) + "}"

	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	if cur, ok := m.series[key]; ok {
		_ = cur.Merge(r)
		return
	}
	m.series[key] = r.Clone()
}

// Value returns the merged value of one series, or 0 when nothing was reported.
func (m *MemoryReporter) Value(group, name string, dims Dimension) Value {
	key := group + "." + name + "{" + joinLabels(dims) + "}"

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.series[key]; ok {
		return r.Value()
	}
	return 0
}

// Total sums the merged values of every series of one metric regardless of dimensions.
func (m *MemoryReporter) Total(group, name string) Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total Value
	for _, r := range m.series {
		if r.metrics.Group() == group && r.metrics.Name() == name {
			total += r.Value()
		}
	}
	return total
}

// Count returns how many records were reported.
func (m *MemoryReporter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Reset forgets everything reported so far.
func (m *MemoryReporter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = map[string]*Record{}
	m.count = 0
}
