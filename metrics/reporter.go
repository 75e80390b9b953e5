package metrics

// Reporter receives every metric update. Report is called on the updating goroutine,
// often a reactor loop, so implementations must not block.
type Reporter interface {
	Report(r Record)
}
