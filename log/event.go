package log

import (
	"bytes"
	"fmt"
	"time"
)

// LogEvent is one log line under construction. Events are pooled; do not keep a
// reference after Msg or End.
type LogEvent struct {
	buf    *bytes.Buffer
	logger Logger
	level  Level
}

func newEvent(l Logger) *LogEvent {
	e := &LogEvent{
		buf:    &bytes.Buffer{},
		logger: l,
		level:  DebugLevel,
	}
	e.buf.Grow(512)
	return e
}

// Reset clears the event for reuse and opens a new JSON object.
func (e *LogEvent) Reset() {
	if e.buf.Cap() > 8192 {
		e.buf = &bytes.Buffer{}
		e.buf.Grow(512)
	}
	e.buf.Reset()
	e.level = DebugLevel
	AppendBeginMarker(e.buf)
}

// Time writes t as "YYYY-MM-DD HH:MM:SS.mmm".
func (e *LogEvent) Time(k string, t time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	var tmp [32]byte
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(tmp[:0], "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

// Str adds a quoted, escaped string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendString(e.buf, v)
	return e
}

// Strs adds a JSON array of strings.
func (e *LogEvent) Strs(k string, v []string) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendStrings(e.buf, v)
	return e
}

// Stringer writes v.String(), or null for a nil value.
func (e *LogEvent) Stringer(k string, v fmt.Stringer) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	if v == nil {
		AppendNil(e.buf)
		return e
	}
	AppendString(e.buf, v.String())
	return e
}

// Int adds an integer field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int32 adds an integer field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int64 adds an integer field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendInt64(e.buf, v)
	return e
}

// Uint32 adds an unsigned integer field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint64 adds an unsigned integer field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendUint64(e.buf, v)
	return e
}

// Float64 adds a floating point field.
func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendFloat64(e.buf, v)
	return e
}

// Bool adds a true/false field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendBool(e.buf, v)
	return e
}

// Dur writes d in its time.Duration string form.
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendString(e.buf, d.String())
	return e
}

// Err writes the error under the "error" key.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, "error")
	if err == nil {
		AppendNil(e.buf)
		return e
	}
	AppendString(e.buf, err.Error())
	return e
}

// Any writes v through encoding/json. Prefer the typed methods on hot paths.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendInterface(e.buf, v)
	return e
}

// Msg adds the message and writes the event.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.Str("msg", msg)
	e.End()
}

// Msgf is Msg with fmt formatting.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

// End writes the event without a message.
func (e *LogEvent) End() {
	if e == nil {
		return
	}
	AppendEndMarker(e.buf)
	AppendLineBreak(e.buf)
	e.logger.OnEventEnd(e)
}
