package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/realtinet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	_defaultMetricsChanSize = 1 << 16
	_healthCheckInterval    = 30 * time.Second
	_pushTimeout            = 5 * time.Second
)

// PrometheusReporterConfig configures the Prometheus reporter plugin.
type PrometheusReporterConfig struct {
	Tag               string            `mapstructure:"tag"`
	HTTPListenAddr    string            `mapstructure:"httpListenAddr"` // "" disables the scrape endpoint
	MetricPath        string            `mapstructure:"metricPath"`
	UsePush           bool              `mapstructure:"usePush"`
	PushAddr          string            `mapstructure:"pushAddr"`
	PushJobName       string            `mapstructure:"pushJobName"`
	PushIntervalSec   int               `mapstructure:"pushIntervalSec"`
	ExtLabels         map[string]string `mapstructure:"extLabels"` // added to every series
	EnableHealthCheck bool              `mapstructure:"enableHealthCheck"`
	HealthCheckPath   string            `mapstructure:"healthCheckPath"`
	ChanSize          int               `mapstructure:"chanSize"`
}

// GetName returns the plugin name of the reporter.
func (c *PrometheusReporterConfig) GetName() string {
	return "prometheus"
}

// Validate fills defaults and checks push settings.
func (c *PrometheusReporterConfig) Validate() error {
	if c.MetricPath == "" {
		c.MetricPath = "/metrics"
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/health"
	}
	if c.ChanSize <= 0 {
		c.ChanSize = _defaultMetricsChanSize
	}
	if c.UsePush {
		if c.PushAddr == "" || c.PushJobName == "" {
			return errors.New("pushAddr and pushJobName are required when usePush is set")
		}
		if c.PushIntervalSec <= 0 {
			return errors.New("pushIntervalSec must be positive when usePush is set")
		}
	}
	return nil
}

type promGauge struct {
	prometheus.Gauge
	sum float64
	cnt int
}

func (g *promGauge) merge(rc *Record) error {
	switch rc.Metrics().Policy() {
	case Policy_Set, Policy_Max, Policy_Min:
		g.Set(float64(rc.Value()))
	case Policy_Sum:
		g.Add(float64(rc.Value()))
	case Policy_Avg, Policy_Stopwatch:
		v, c := rc.RawData()
		g.sum += float64(v)
		g.cnt += c
		if g.cnt <= 0 {
			return fmt.Errorf("metrics(%s) count invalid", rc.Metrics().Name())
		}
		g.Set(g.sum / float64(g.cnt))
	default:
		return fmt.Errorf("metrics(%s) policy invalid", rc.Metrics().Name())
	}
	return nil
}

// promSeries is one exported series plus the last value for max/min policies.
type promSeries struct {
	counter prometheus.Counter
	gauge   *promGauge
	last    float64
}

// PrometheusReporter aggregates records on its own goroutine and exposes them on a
// private registry through HTTP scraping and/or a push gateway.
type PrometheusReporter struct {
	cfg       *PrometheusReporterConfig
	registry  *prometheus.Registry
	records   chan Record
	series    map[string]*promSeries
	extLabels string

	srv      *http.Server
	addr     net.Addr
	pusher   *push.Pusher
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	healthy     atomic.Bool
	lastHealthy atomic.Int64
}

// NewPrometheusReporter validates cfg and builds a reporter. Call Start to run it.
func NewPrometheusReporter(cfg *PrometheusReporterConfig) (*PrometheusReporter, error) {
	if cfg == nil {
		cfg = &PrometheusReporterConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PrometheusReporterConfig: %w", err)
	}

	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	p := &PrometheusReporter{
		cfg:       cfg,
		registry:  reg,
		records:   make(chan Record, cfg.ChanSize),
		series:    map[string]*promSeries{},
		extLabels: joinLabels(cfg.ExtLabels),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.healthy.Store(true)
	return p, nil
}

// FactoryName identifies the plugin.
func (x *PrometheusReporter) FactoryName() string {
	return "prometheus"
}

// Registry exposes the private registry the reporter writes to.
func (x *PrometheusReporter) Registry() *prometheus.Registry {
	return x.registry
}

// Addr returns the scrape endpoint address once started, or nil.
func (x *PrometheusReporter) Addr() net.Addr {
	return x.addr
}

// Report queues r for aggregation. A full queue drops the record.
func (x *PrometheusReporter) Report(r Record) {
	select {
	case x.records <- r:
	default:
		x.healthy.Store(false)
	}
}

// Start launches the aggregation goroutine, the scrape endpoint and the pusher.
func (x *PrometheusReporter) Start() error {
	x.wg.Add(1)
	go x.aggregate()

	if x.cfg.HTTPListenAddr != "" {
		if err := x.startHTTPSvr(); err != nil {
			x.Stop()
			return err
		}
	}
	if x.cfg.UsePush {
		x.startPusher()
	}
	if x.cfg.EnableHealthCheck {
		x.startHealthCheck()
	}
	return nil
}

// Stop shuts everything down. It is idempotent.
func (x *PrometheusReporter) Stop() {
	x.stopOnce.Do(func() {
		x.cancel()
		if x.srv != nil {
			if err := x.srv.Close(); err != nil {
				log.Error().Err(err).Msg("prometheus http server close")
			}
		}
		x.wg.Wait()
	})
}

func (x *PrometheusReporter) startHTTPSvr() error {
	l, err := net.Listen("tcp", x.cfg.HTTPListenAddr)
	if err != nil {
		return fmt.Errorf("listen prometheus endpoint %q: %w", x.cfg.HTTPListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(x.cfg.MetricPath, promhttp.HandlerFor(x.registry, promhttp.HandlerOpts{}))
	if x.cfg.EnableHealthCheck {
		mux.HandleFunc(x.cfg.HealthCheckPath, x.healthCheckHandler)
	}

	x.addr = l.Addr()
	x.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := x.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("prometheus http server stopped")
		}
	}()
	log.Info().Str("addr", l.Addr().String()).Str("path", x.cfg.MetricPath).Msg("prometheus endpoint listening")
	return nil
}

func (x *PrometheusReporter) startPusher() {
	x.pusher = push.New(x.cfg.PushAddr, x.cfg.PushJobName).Gatherer(x.registry)
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		t := time.NewTicker(time.Duration(x.cfg.PushIntervalSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-x.ctx.Done():
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(x.ctx, _pushTimeout)
				if err := x.pusher.PushContext(ctx); err != nil {
					log.Warn().Err(err).Str("gateway", x.cfg.PushAddr).Msg("prometheus push failed")
				}
				cancel()
			}
		}
	}()
}

func (x *PrometheusReporter) aggregate() {
	defer x.wg.Done()
	for {
		select {
		case rc := <-x.records:
			x.merge(&rc)
		case <-x.ctx.Done():
			return
		}
	}
}

func (x *PrometheusReporter) startHealthCheck() {
	x.lastHealthy.Store(time.Now().UnixNano())
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		t := time.NewTicker(_healthCheckInterval)
		defer t.Stop()
		for {
			select {
			case <-x.ctx.Done():
				return
			case <-t.C:
				x.performHealthCheck()
			}
		}
	}()
}

// performHealthCheck marks the reporter unhealthy while its queue is nearly full.
func (x *PrometheusReporter) performHealthCheck() {
	usage := float64(len(x.records)) / float64(cap(x.records))
	if usage > 0.9 {
		x.healthy.Store(false)
		log.Warn().Float64("chan_usage", usage).Msg("metrics reporter unhealthy")
		return
	}
	x.healthy.Store(true)
	x.lastHealthy.Store(time.Now().UnixNano())
}

func (x *PrometheusReporter) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, code := "healthy", http.StatusOK
	if !x.healthy.Load() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       status,
		"last_healthy": time.Unix(0, x.lastHealthy.Load()).Format(time.RFC3339),
		"queued":       len(x.records),
	})
}

func (x *PrometheusReporter) merge(rc *Record) {
	key := x.seriesKey(rc)
	s, ok := x.series[key]
	if !ok {
		s = x.newSeries(rc)
		if s == nil {
			return
		}
		x.series[key] = s
	}

	if s.counter != nil {
		s.counter.Add(float64(rc.Value()))
		return
	}
	v := float64(rc.Value())
	switch rc.Metrics().Policy() {
	case Policy_Max:
		if ok && v <= s.last {
			return
		}
		s.last = v
	case Policy_Min:
		if ok && v >= s.last {
			return
		}
		s.last = v
	}
	if err := s.gauge.merge(rc); err != nil {
		log.Error().Err(err).Msg("prometheus merge")
	}
}

func (x *PrometheusReporter) newSeries(rc *Record) *promSeries {
	subsystem := sanitize(rc.Metrics().Group())
	name := sanitize(rc.Metrics().Name())
	labels := make(prometheus.Labels, len(x.cfg.ExtLabels)+len(rc.Dimensions()))
	for k, v := range x.cfg.ExtLabels {
		labels[sanitize(k)] = v
	}
	for k, v := range rc.Dimensions() {
		labels[sanitize(k)] = v
	}

	var (
		s         *promSeries
		collector prometheus.Collector
	)
	switch rc.Metrics().(type) {
	case Counter:
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem, Name: name, ConstLabels: labels,
		})
		s, collector = &promSeries{counter: c}, c
	case Gauge, StopWatch:
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: name, ConstLabels: labels,
		})
		s, collector = &promSeries{gauge: &promGauge{Gauge: g}}, g
	default:
		log.Error().Str("type", fmt.Sprintf("%T", rc.Metrics())).Msg("prometheus merge unknown metric type")
		return nil
	}

	// Series of one name must share label names.
	if err := x.registry.Register(collector); err != nil {
		log.Error().Err(err).Str("metric", rc.Metrics().Group()+"."+rc.Metrics().Name()).Msg("prometheus register")
		return nil
	}
	return s
}

// seriesKey is group*name*extlabels*dims with dimensions sorted.
func (x *PrometheusReporter) seriesKey(rc *Record) string {
	var sb strings.Builder
	sb.WriteString(rc.Metrics().Group())
	sb.WriteByte('*')
	sb.WriteString(rc.Metrics().Name())
	sb.WriteByte('*')
	sb.WriteString(x.extLabels)
	sb.WriteByte('*')
	sb.WriteString(joinLabels(rc.Dimensions()))
	return sb.String()
}

func joinLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(labels[k])
		sb.WriteByte(',')
	}
	return sb.String()
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(s)
}
