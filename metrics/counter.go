package metrics

// Counter accumulates deltas. Reporters sum the values.
type Counter interface {
	Metrics
	Incr(delta Value)
	IncrWithDim(delta Value, dimensions Dimension)
}

type counter struct {
	name  string
	group string
}

// Name, Group and Policy identify the counter to reporters.
func (c *counter) Name() string   { return c.name }
func (c *counter) Group() string  { return c.group }
func (c *counter) Policy() Policy { return Policy_Sum }

// Incr adds v to the counter.
func (c *counter) Incr(v Value) {
	c.IncrWithDim(v, nil)
}

// IncrWithDim adds v to the series selected by dimensions.
func (c *counter) IncrWithDim(v Value, dimensions Dimension) {
	report(Record{metrics: c, value: v, dimensions: dimensions})
}
