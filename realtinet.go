// Package realtinet assembles the logger, the plugin manager, the built-in transport and
// metrics factories and a protobuf message dispatcher into one application object.
package realtinet

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/linchenxuan/realtinet/config"
	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/metrics/prometheus"
	"github.com/linchenxuan/realtinet/network/codec"
	"github.com/linchenxuan/realtinet/network/dispatcher"
	"github.com/linchenxuan/realtinet/network/transport/udp"
	"github.com/linchenxuan/realtinet/plugin"
	"google.golang.org/protobuf/proto"
)

const (
	// InstanceLabel is the metrics label carrying App.InstanceID.
	InstanceLabel = "instance"
	// SectionDispatcher is the top-level config section decoded into a DispatcherConfig.
	SectionDispatcher = "dispatcher"
)

// MessageRouter is a transport whose received bytes can be handed to a callback.
// Both udp.Server and udp.Client satisfy it.
type MessageRouter interface {
	SetMessageCallback(cb udp.MessageCallback)
}

// App is the application object.
type App struct {
	// Logger is the process logger installed by New.
	Logger log.Logger
	// PluginManager owns the transport and reporter plugins.
	PluginManager *plugin.Manager
	// Config is the parsed file, or nil for an App built by New.
	Config *config.Config
	// Dispatcher routes decoded messages to handlers registered with Handle.
	Dispatcher *dispatcher.Dispatcher
	// Codec frames protobuf messages and feeds them to Dispatcher.
	Codec *codec.ProtoCodec
	// InstanceID identifies this process in logs and metrics.
	InstanceID string

	watcher *config.Watcher
}

// New creates an App with the default log configuration and every built-in factory
// registered. No plugin is set up yet.
func New() (*App, error) {
	cfg, err := config.Parse(nil)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

// NewFromFile loads path, sets up the plugins it configures and reloads the log level
// whenever the file changes.
func NewFromFile(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	app, err := newApp(cfg)
	if err != nil {
		return nil, err
	}
	if err := app.SetupPlugins(cfg.Plugin); err != nil {
		app.PluginManager.DestroyPlugins()
		return nil, err
	}
	w, err := config.Watch(cfg)
	if err != nil {
		app.Stop()
		return nil, err
	}
	w.OnReload(app.reloadDispatcher)
	app.watcher = w
	return app, nil
}

func newApp(cfg *config.Config) (*App, error) {
	if err := log.Initialize(cfg.Log); err != nil {
		return nil, fmt.Errorf("init log: %w", err)
	}

	dcfg, err := dispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	d, err := dispatcher.NewDispatcher(dcfg)
	if err != nil {
		return nil, err
	}

	pm := plugin.NewManager()
	pm.RegisterFactory(prometheus.NewFactory())
	pm.RegisterFactory(udp.NewServerFactory())
	pm.RegisterFactory(udp.NewClientFactory())

	app := &App{
		Logger:        log.DefaultLogger(),
		PluginManager: pm,
		Config:        cfg,
		Dispatcher:    d,
		Codec:         codec.NewProtoCodec(d.OnMessage),
		InstanceID:    uuid.NewString(),
	}
	app.Logger.Info().Str("instance", app.InstanceID).Msg("realtinet application initialized")
	return app, nil
}

func dispatcherConfig(cfg *config.Config) (*dispatcher.DispatcherConfig, error) {
	dcfg := dispatcher.DefaultDispatcherConfig()
	if sec := cfg.Section(SectionDispatcher); sec != nil {
		if err := config.Decode(sec, dcfg); err != nil {
			return nil, fmt.Errorf("%w %s: %w", config.ErrInvalidSection, SectionDispatcher, err)
		}
	}
	return dcfg, nil
}

func (a *App) reloadDispatcher(cfg *config.Config) {
	dcfg, err := dispatcherConfig(cfg)
	if err == nil {
		err = a.Dispatcher.Reload(dcfg)
	}
	if err != nil {
		a.Logger.Warn().Err(err).Msg("dispatcher config not reloaded")
	}
}

// Handle routes received messages of the type of m to h.
func (a *App) Handle(m proto.Message, h dispatcher.HandlerFunc) error {
	return a.Dispatcher.Register(m, h)
}

// Route decodes everything r receives as protobuf frames and dispatches the messages.
func (a *App) Route(r MessageRouter) {
	r.SetMessageCallback(a.Codec.OnMessage)
}

// SetupPlugins builds the plugins in pluginConf. Prometheus reporters get the instance
// label unless the configuration sets one.
func (a *App) SetupPlugins(pluginConf map[string]any) error {
	labelInstance(pluginConf, a.InstanceID)
	return a.PluginManager.SetupPlugins(pluginConf)
}

func labelInstance(pluginConf map[string]any, id string) {
	metricsConf, ok := pluginConf[string(plugin.Metrics)].(map[string]any)
	if !ok {
		return
	}
	promConf, ok := metricsConf["prometheus"].(map[string]any)
	if !ok {
		return
	}
	labels, ok := promConf["extLabels"].(map[string]any)
	if !ok {
		labels = map[string]any{}
		promConf["extLabels"] = labels
	}
	if _, set := labels[InstanceLabel]; !set {
		labels[InstanceLabel] = id
	}
}

// Server returns the default udp_server plugin.
func (a *App) Server() (*udp.Server, error) {
	p, err := a.PluginManager.GetDefaultPlugin(plugin.ServerTransport)
	if err != nil {
		return nil, err
	}
	s, ok := p.(*udp.Server)
	if !ok {
		return nil, fmt.Errorf("default %s plugin is %T", plugin.ServerTransport, p)
	}
	return s, nil
}

// Client returns the default udp_client plugin.
func (a *App) Client() (*udp.Client, error) {
	p, err := a.PluginManager.GetDefaultPlugin(plugin.ClientTransport)
	if err != nil {
		return nil, err
	}
	cl, ok := p.(*udp.Client)
	if !ok {
		return nil, fmt.Errorf("default %s plugin is %T", plugin.ClientTransport, p)
	}
	return cl, nil
}

// Stop stops watching the config file and destroys every plugin.
func (a *App) Stop() {
	a.Logger.Info().Str("instance", a.InstanceID).Msg("realtinet application shutting down")
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close config watcher")
		}
		a.watcher = nil
	}
	a.PluginManager.DestroyPlugins()
	log.Refresh()
}
