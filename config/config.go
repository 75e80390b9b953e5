// Package config loads the YAML application file. The `log` section becomes a
// log.LogCfg; the `plugin` section is kept as a raw map for plugin.Manager, which
// decodes each plugin's block into its own config struct.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/linchenxuan/realtinet/log"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Errors returned by Load, wrapped with the path or section they concern.
var (
	ErrReadFile       = errors.New("read config file")
	ErrParse          = errors.New("parse config")
	ErrInvalidSection = errors.New("invalid config section")
)

// Top-level keys of the application file.
const (
	SectionLog    = "log"
	SectionPlugin = "plugin"
)

// Config is one parsed application file.
type Config struct {
	// Path is the file the config was read from.
	Path string
	// Log is the decoded log section.
	Log *log.LogCfg
	// Plugin is the raw plugin section, keyed by plugin type then factory name.
	Plugin map[string]any

	raw map[string]any
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrReadFile, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse builds a Config from YAML. A missing log section yields log.DefaultLogCfg.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	cfg := &Config{
		Log:    log.DefaultLogCfg(),
		Plugin: map[string]any{},
		raw:    raw,
	}
	if sec, ok := raw[SectionLog]; ok && sec != nil {
		if err := Decode(sec, cfg.Log); err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidSection, SectionLog, err)
		}
	}
	if err := cfg.Log.Validate(); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidSection, SectionLog, err)
	}

	if sec, ok := raw[SectionPlugin]; ok && sec != nil {
		m, ok := sec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w %s: want a mapping, got %T", ErrInvalidSection, SectionPlugin, sec)
		}
		cfg.Plugin = m
	}
	return cfg, nil
}

// Section returns a top-level section as parsed, or nil.
func (c *Config) Section(name string) any {
	return c.raw[name]
}

// Decode copies a raw section into the struct pointed to by out using its mapstructure
// tags. Unknown keys are an error.
func Decode(section any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return d.Decode(section)
}
