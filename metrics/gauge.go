package metrics

// Gauge reports a value that can go up or down. How successive samples are combined
// depends on its policy: last value (Set), running mean (Avg) or maximum (Max).
type Gauge interface {
	Metrics
	Update(value Value)
	UpdateWithDim(value Value, dimensions Dimension)
}

type gauge struct {
	name   string
	group  string
	policy Policy
}

// Name, Group and Policy identify the gauge to reporters.
func (g *gauge) Name() string   { return g.name }
func (g *gauge) Group() string  { return g.group }
func (g *gauge) Policy() Policy { return g.policy }

// Update records v as the current value.
func (g *gauge) Update(v Value) {
	g.UpdateWithDim(v, nil)
}

// UpdateWithDim records v for the series selected by dimensions.
func (g *gauge) UpdateWithDim(v Value, dimensions Dimension) {
	r := Record{metrics: g, value: v, dimensions: dimensions}
	if g.policy == Policy_Avg {
		r.cnt = 1
	}
	report(r)
}
