package log

import (
	"io"
	"os"
	"sync"
)

// ConsoleAppender writes unbuffered lines to stdout, or to any writer in tests.
type ConsoleAppender struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleAppender returns an appender bound to os.Stdout.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{out: os.Stdout}
}

// NewWriterAppender returns an appender bound to w.
func NewWriterAppender(w io.Writer) *ConsoleAppender {
	return &ConsoleAppender{out: w}
}

// Write writes one formatted record. Concurrent writers are serialized.
func (ca *ConsoleAppender) Write(buf []byte) (int, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.out.Write(buf)
}

// Refresh is a no-op; writes are unbuffered.
func (ca *ConsoleAppender) Refresh() error {
	return nil
}

// Close is a no-op; stdout is not owned by the appender.
func (ca *ConsoleAppender) Close() error {
	return nil
}
