package metrics

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, x *PrometheusReporter, fqName string) (float64, bool) {
	t.Helper()
	families, err := x.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != fqName {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
		return total, true
	}
	return 0, false
}

func TestPrometheusReporterConfigValidate(t *testing.T) {
	cfg := &PrometheusReporterConfig{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/metrics", cfg.MetricPath)
	assert.Equal(t, "/health", cfg.HealthCheckPath)
	assert.Equal(t, _defaultMetricsChanSize, cfg.ChanSize)

	cfg = &PrometheusReporterConfig{UsePush: true}
	assert.Error(t, cfg.Validate())

	cfg = &PrometheusReporterConfig{UsePush: true, PushAddr: "http://gw:9091", PushJobName: "realtinet"}
	assert.Error(t, cfg.Validate())
	cfg.PushIntervalSec = 10
	assert.NoError(t, cfg.Validate())
}

func TestPrometheusReporterAggregates(t *testing.T) {
	x, err := NewPrometheusReporter(&PrometheusReporterConfig{ExtLabels: map[string]string{"zone": "a"}})
	require.NoError(t, err)
	require.NoError(t, x.Start())
	defer x.Stop()

	sum := &counter{name: "sent", group: "prom_test"}
	mx := &gauge{name: "depth", group: "prom_test", policy: Policy_Max}
	avg := &gauge{name: "size", group: "prom_test", policy: Policy_Avg}

	x.Report(NewRecord(sum, 2, 0, Dimension{"role": "active"}))
	x.Report(NewRecord(sum, 3, 0, Dimension{"role": "active"}))
	x.Report(NewRecord(mx, 9, 0, nil))
	x.Report(NewRecord(mx, 4, 0, nil))
	x.Report(NewRecord(avg, 10, 1, nil))
	x.Report(NewRecord(avg, 20, 1, nil))

	require.Eventually(t, func() bool {
		v, ok := gatherValue(t, x, "prom_test_sent")
		return ok && v == 5
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		v, ok := gatherValue(t, x, "prom_test_depth")
		return ok && v == 9
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		v, ok := gatherValue(t, x, "prom_test_size")
		return ok && v == 15
	}, time.Second, 10*time.Millisecond)
}

func TestPrometheusReporterHTTP(t *testing.T) {
	x, err := NewPrometheusReporter(&PrometheusReporterConfig{
		HTTPListenAddr:    "127.0.0.1:0",
		EnableHealthCheck: true,
	})
	require.NoError(t, err)
	require.NoError(t, x.Start())
	defer x.Stop()
	require.NotNil(t, x.Addr())

	x.Report(NewRecord(&counter{name: "scraped", group: "prom_http"}, 1, 0, nil))
	require.Eventually(t, func() bool {
		_, ok := gatherValue(t, x, "prom_http_scraped")
		return ok
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + x.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "prom_http_scraped 1")

	resp, err = http.Get("http://" + x.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPrometheusReporterStopIdempotent(t *testing.T) {
	x, err := NewPrometheusReporter(nil)
	require.NoError(t, err)
	require.NoError(t, x.Start())
	x.Stop()
	x.Stop()
}
