// Package log is the structured, allocation-conscious logger used across realtinet.
// Events are built with a fluent API and rendered as one JSON object per line:
//
//	log.Info().Str("conn", c.Name()).Uint64("id", c.ID()).Msg("connection established")
//
// A nil *LogEvent is returned when the level is filtered out, and every field method
// tolerates a nil receiver, so disabled log statements cost a level check only.
package log

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the contract shared by the default logger and any custom implementation.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

// NetLogger is the default Logger implementation. Level checks are lock free so the
// level can be changed at runtime by a configuration watcher.
type NetLogger struct {
	appenders         []LogAppender
	minLevel          atomic.Int32
	callerSkip        int
	eventPool         sync.Pool
	levelChange       *levelChange
	callerCache       sync.Map
	enabledCallerInfo bool
}

var _defaultLogger = NewLogger(getDefaultCfg())

// NewLogger builds a NetLogger from cfg. A nil cfg selects the defaults.
func NewLogger(cfg *LogCfg) *NetLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	l := &NetLogger{
		callerSkip:        cfg.CallerSkip,
		levelChange:       newLevelChange(cfg.LevelChange),
		enabledCallerInfo: cfg.EnabledCallerInfo,
	}
	l.minLevel.Store(int32(cfg.LogLevel))
	l.eventPool.New = func() any {
		return newEvent(l)
	}

	if cfg.FileAppender {
		l.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		l.AddAppender(NewConsoleAppender())
	}
	return l
}

// Initialize validates cfg and installs a new default logger built from it.
// A nil cfg restores the defaults.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// SetDefaultLogger replaces the logger behind the package-level functions.
func SetDefaultLogger(logger *NetLogger) {
	_defaultLogger = logger
}

// DefaultLogger returns the logger behind the package-level functions.
func DefaultLogger() *NetLogger {
	return _defaultLogger
}

// SetLevel changes the minimum level of the default logger.
func SetLevel(level Level) {
	_defaultLogger.SetLevel(level)
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.AddAppender(appender)
}

// Refresh flushes every appender of the default logger.
func Refresh() {
	_defaultLogger.Refresh()
}

// Close flushes and closes the default logger's appenders.
func Close() {
	_defaultLogger.Close()
}

// Debug starts a debug event on the default logger.
func Debug() *LogEvent { return _defaultLogger.Debug() }

// Info starts an info event on the default logger.
func Info() *LogEvent { return _defaultLogger.Info() }

// Warn starts a warn event on the default logger.
func Warn() *LogEvent { return _defaultLogger.Warn() }

// Error starts an error event on the default logger.
func Error() *LogEvent { return _defaultLogger.Error() }

// Fatal starts a fatal event on the default logger. Finishing the event panics.
func Fatal() *LogEvent { return _defaultLogger.Fatal() }

// SetLevel changes the minimum level accepted by l.
func (l *NetLogger) SetLevel(level Level) {
	l.minLevel.Store(int32(level))
}

// GetLevel returns the minimum level accepted by l.
func (l *NetLogger) GetLevel() Level {
	return Level(l.minLevel.Load())
}

// AddAppender registers another output. It is not safe to call concurrently with logging.
func (l *NetLogger) AddAppender(appender LogAppender) {
	l.appenders = append(l.appenders, appender)
}

// GetAppender returns the registered outputs.
func (l *NetLogger) GetAppender() []LogAppender {
	return l.appenders
}

// Refresh flushes all appenders.
func (l *NetLogger) Refresh() {
	for _, a := range l.appenders {
		_ = a.Refresh()
	}
}

// Close closes all appenders.
func (l *NetLogger) Close() {
	for _, a := range l.appenders {
		_ = a.Close()
	}
}

// OnEventEnd writes a finished event to every appender and recycles it.
func (l *NetLogger) OnEventEnd(e *LogEvent) {
	for _, a := range l.appenders {
		_, _ = a.Write(e.buf.Bytes())
	}

	if e.level == FatalLevel {
		panic(e.buf.String())
	}
	l.eventPool.Put(e)
}

// Debug starts a debug event. It returns nil when the level is disabled; every
// LogEvent method accepts a nil receiver.
func (l *NetLogger) Debug() *LogEvent { return l.newLogEvent(DebugLevel) }

// Info starts an info event, or returns nil when the level is disabled.
func (l *NetLogger) Info() *LogEvent { return l.newLogEvent(InfoLevel) }

// Warn starts a warning event, or returns nil when the level is disabled.
func (l *NetLogger) Warn() *LogEvent { return l.newLogEvent(WarnLevel) }

// Error starts an error event, or returns nil when the level is disabled.
func (l *NetLogger) Error() *LogEvent { return l.newLogEvent(ErrorLevel) }

// Fatal starts a fatal event. Sending it does not exit the process.
func (l *NetLogger) Fatal() *LogEvent { return l.newLogEvent(FatalLevel) }

func (l *NetLogger) enabled(level Level) bool {
	return Level(l.minLevel.Load()) <= level
}

// newLogEvent applies level filtering (including per-location overrides) and stamps the
// common fields.
func (l *NetLogger) newLogEvent(level Level) *LogEvent {
	var info *callerInfo
	if !l.enabled(level) {
		if l.levelChange.Empty() {
			return nil
		}
		info = l.getCallerInfo()
		level = l.levelChange.GetLevel(info.file, info.line, level)
		if !l.enabled(level) {
			return nil
		}
	}

	e := l.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level

	now := time.Now()
	e.Time("time", now)
	e.Str("level", level.String())
	if l.enabledCallerInfo {
		if info == nil {
			info = l.getCallerInfo()
		}
		e.Str("caller", info.String())
	}
	return e
}

// getCallerInfo resolves the user call site. Skipped frames: getCallerInfo, newLogEvent,
// NetLogger.Xxx, then callerSkip more for wrappers such as log.Info.
func (l *NetLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + l.callerSkip)
	if !ok {
		return _unknownCaller
	}
	if cached, found := l.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	fn := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndexByte(fn, '.'); i != -1 {
		fn = fn[i+1:]
	}
	if i := strings.LastIndexByte(file, '/'); i > 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}

	c := newCallerInfo(file, fn, line)
	l.callerCache.Store(pc, c)
	return c
}
