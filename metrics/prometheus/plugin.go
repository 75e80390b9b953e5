// Package prometheus registers the Prometheus metrics reporter as a plugin.
package prometheus

import (
	"fmt"

	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/metrics"
	"github.com/linchenxuan/realtinet/plugin"
)

// Factory builds metrics.PrometheusReporter instances and installs them as the
// process-wide metrics reporter.
type Factory struct{}

// NewFactory returns the prometheus plugin factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Type returns the plugin type.
func (f *Factory) Type() plugin.Type {
	return plugin.Metrics
}

// Name returns the name of the plugin implementation.
func (f *Factory) Name() string {
	return "prometheus"
}

// ConfigType returns the config struct the manager decodes into.
func (f *Factory) ConfigType() any {
	return &metrics.PrometheusReporterConfig{}
}

// Setup starts a reporter and adds it to the installed reporters.
func (f *Factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*metrics.PrometheusReporterConfig)
	if !ok {
		return nil, fmt.Errorf("prometheus: unexpected config type %T", cfgAny)
	}

	p, err := metrics.NewPrometheusReporter(cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	metrics.AddMetricsReporter(p)
	return p, nil
}

// Destroy uninstalls and stops a reporter built by Setup.
func (f *Factory) Destroy(p plugin.Plugin) {
	prom, ok := p.(*metrics.PrometheusReporter)
	if !ok {
		log.Error().Str("type", fmt.Sprintf("%T", p)).Msg("prometheus destroy: unexpected plugin")
		return
	}
	metrics.RemoveMetricsReporter(prom)
	prom.Stop()
}
