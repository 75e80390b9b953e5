package log

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"unicode/utf8"
)

// The Append helpers render JSON fragments straight into the event buffer.
// They avoid encoding/json on the hot path; only Any falls back to it.

// AppendBeginMarker opens the JSON object of a log line.
func AppendBeginMarker(buf *bytes.Buffer) {
	buf.WriteByte('{')
}

// AppendEndMarker closes the JSON object of a log line.
func AppendEndMarker(buf *bytes.Buffer) {
	buf.WriteByte('}')
}

// AppendLineBreak terminates a log line.
func AppendLineBreak(buf *bytes.Buffer) {
	buf.WriteByte('\n')
}

// AppendKey writes `"key":`, preceded by a comma unless it is the first field.
func AppendKey(buf *bytes.Buffer, key string) {
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '{' {
		buf.WriteByte(',')
	}
	AppendString(buf, key)
	buf.WriteByte(':')
}

// AppendNil writes null.
func AppendNil(buf *bytes.Buffer) {
	buf.WriteString("null")
}

// AppendBool writes true or false.
func AppendBool(buf *bytes.Buffer, val bool) {
	if val {
		buf.WriteString("true")
		return
	}
	buf.WriteString("false")
}

// AppendInt64 writes a signed integer.
func AppendInt64(buf *bytes.Buffer, val int64) {
	var tmp [20]byte
	buf.Write(strconv.AppendInt(tmp[:0], val, 10))
}

// AppendUint64 writes an unsigned integer.
func AppendUint64(buf *bytes.Buffer, val uint64) {
	var tmp [20]byte
	buf.Write(strconv.AppendUint(tmp[:0], val, 10))
}

// AppendFloat64 writes a float. NaN and infinities are quoted since JSON has no literal for them.
func AppendFloat64(buf *bytes.Buffer, val float64) {
	switch {
	case math.IsNaN(val):
		buf.WriteString(`"NaN"`)
		return
	case math.IsInf(val, 1):
		buf.WriteString(`"+Inf"`)
		return
	case math.IsInf(val, -1):
		buf.WriteString(`"-Inf"`)
		return
	}
	var tmp [32]byte
	buf.Write(strconv.AppendFloat(tmp[:0], val, 'f', -1, 64))
}

// AppendStrings writes a JSON array of strings.
func AppendStrings(buf *bytes.Buffer, vals []string) {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		AppendString(buf, v)
	}
	buf.WriteByte(']')
}

// AppendInterface marshals v with encoding/json.
func AppendInterface(buf *bytes.Buffer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		AppendString(buf, "marshaling error: "+err.Error())
		return
	}
	buf.Write(b)
}

const _hex = "0123456789abcdef"

var _noEscapeTable = [256]bool{}

func init() {
	for i := 0; i <= 0x7e; i++ {
		_noEscapeTable[i] = i >= 0x20 && i != '\\' && i != '"'
	}
}

// AppendString writes s as a quoted JSON string. Strings that need no escaping are
// copied in one write.
func AppendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if !_noEscapeTable[s[i]] {
			appendEscaped(buf, s)
			buf.WriteByte('"')
			return
		}
	}
	buf.WriteString(s)
	buf.WriteByte('"')
}

func appendEscaped(buf *bytes.Buffer, s string) {
	start := 0
	for i := 0; i < len(s); {
		b := s[i]
		if b >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString(s[start:i])
				buf.WriteString(`\ufffd`)
				i++
				start = i
				continue
			}
			i += size
			continue
		}
		if _noEscapeTable[b] {
			i++
			continue
		}

		buf.WriteString(s[start:i])
		switch b {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteString(`\u00`)
			buf.WriteByte(_hex[b>>4])
			buf.WriteByte(_hex[b&0xF])
		}
		i++
		start = i
	}
	buf.WriteString(s[start:])
}
