package log

import (
	"errors"
	"fmt"
	"path/filepath"
)

// LogCfg configures the default logger. It is decoded from the `log` section of the
// application config with mapstructure.
type LogCfg struct {
	// LogPath is the file written by the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. It can be changed at runtime.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the file once it grows past this size.
	FileSplitMB int `mapstructure:"splitMB"`

	// FileSplitHour rotates the file every N hours. Zero disables time based rotation.
	FileSplitHour int `mapstructure:"splitHour"`

	CallerSkip        int  `mapstructure:"callerSkip"`
	FileAppender      bool `mapstructure:"fileAppender"`
	ConsoleAppender   bool `mapstructure:"consoleAppender"`
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`

	// LevelChange overrides the level for single source locations, e.g. to trace one
	// code path of the connection in production.
	LevelChange []LevelChangeEntry `mapstructure:"levelChange"`
}

// GetName returns the config section name.
func (cfg *LogCfg) GetName() string {
	return "log"
}

// Validate checks ranges and normalizes the log path.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel < TraceLevel || cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level: %d, must be between %d (Trace) and %d (Fatal)",
			cfg.LogLevel, TraceLevel, FatalLevel)
	}
	if cfg.FileSplitMB < 1 || cfg.FileSplitMB > 1024 {
		return fmt.Errorf("file split size must be between 1MB and 1024MB, got %dMB", cfg.FileSplitMB)
	}
	if cfg.FileSplitHour < 0 || cfg.FileSplitHour > 23 {
		return fmt.Errorf("file split hour must be between 0 and 23, got %d", cfg.FileSplitHour)
	}
	if cfg.CallerSkip < 0 {
		return fmt.Errorf("caller skip must be non-negative, got %d", cfg.CallerSkip)
	}
	if cfg.FileAppender {
		if cfg.LogPath == "" {
			return errors.New("log path cannot be empty when file appender is enabled")
		}
		cfg.LogPath = filepath.Clean(cfg.LogPath)
	}
	if !cfg.FileAppender && !cfg.ConsoleAppender {
		return errors.New("at least one appender (file or console) must be enabled")
	}
	return nil
}

// DefaultLogCfg returns a copy of the built-in configuration: console output at debug level.
func DefaultLogCfg() *LogCfg {
	cfg := *_defaultCfg
	return &cfg
}

var _defaultCfg = &LogCfg{
	LogPath:           "./realtinet.log",
	LogLevel:          DebugLevel,
	FileSplitMB:       50,
	CallerSkip:        1,
	ConsoleAppender:   true,
	EnabledCallerInfo: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
