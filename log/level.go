package log

import "strings"

// Level is the severity of a log event. Higher values are more severe.
type Level int8

const (
	// TraceLevel is for per-datagram tracing.
	TraceLevel Level = iota + 1
	// DebugLevel is for per-operation diagnostics such as dropped sends.
	DebugLevel
	// InfoLevel is for lifecycle events.
	InfoLevel
	// WarnLevel is for recoverable anomalies.
	WarnLevel
	// ErrorLevel is for failures that close a connection or a component.
	ErrorLevel
	// FatalLevel panics once the event is written.
	FatalLevel
)

// String returns the upper-case level name used in records.
func (l Level) String() string {
	switch l {
	case TraceLevel:
		return "TRACE"
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name. Unknown names map to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TraceLevel
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	}
	return InfoLevel
}
