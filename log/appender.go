package log

// LogAppender is an output destination for finished log lines.
// Implementations must be safe for concurrent use: connection loops log from
// several goroutines at once.
type LogAppender interface {
	// Write outputs one formatted line. buf is reused after Write returns.
	Write(buf []byte) (n int, err error)

	// Refresh flushes buffered data.
	Refresh() error

	// Close flushes and releases resources.
	Close() error
}
