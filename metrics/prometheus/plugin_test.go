package prometheus

import (
	"testing"

	"github.com/linchenxuan/realtinet/metrics"
	"github.com/linchenxuan/realtinet/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryThroughManager(t *testing.T) {
	m := plugin.NewManager()
	m.RegisterFactory(NewFactory())

	err := m.SetupPlugins(map[string]any{
		string(plugin.Metrics): map[string]any{
			"prometheus": map[string]any{
				"tag":            plugin.DefaultInsName,
				"httpListenAddr": "127.0.0.1:0",
				"extLabels":      map[string]any{"svc": "test"},
			},
		},
	})
	require.NoError(t, err)

	p, err := m.GetDefaultPlugin(plugin.Metrics)
	require.NoError(t, err)
	prom, ok := p.(*metrics.PrometheusReporter)
	require.True(t, ok)
	assert.NotNil(t, prom.Addr())
	assert.Equal(t, "prometheus", prom.FactoryName())

	m.DestroyPlugins()
}

func TestFactoryRejectsBadConfig(t *testing.T) {
	f := NewFactory()
	_, err := f.Setup(struct{}{})
	assert.Error(t, err)

	_, err = f.Setup(&metrics.PrometheusReporterConfig{UsePush: true})
	assert.Error(t, err)
}
