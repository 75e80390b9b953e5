package log

import "strconv"

var _unknownCaller = &callerInfo{file: "unknown", function: "unknown", info: "unknown"}

type callerInfo struct {
	file     string
	function string
	line     int
	info     string
}

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		info:     file + ":" + strconv.Itoa(line) + " " + function,
	}
}

// String returns "file:line function".
func (c *callerInfo) String() string {
	return c.info
}
