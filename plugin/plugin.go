package plugin

// Type groups plugins by the role they play in an application.
type Type string

const (
	// Metrics plugins install a metrics.Reporter.
	Metrics Type = "metrics"
	// ServerTransport plugins accept datagram peers and own their connections.
	ServerTransport Type = "server_transport"
	// ClientTransport plugins dial one peer.
	ClientTransport Type = "client_transport"
)

// Factory builds plugin instances of one Type from a decoded configuration.
type Factory interface {
	// Type returns the plugin type.
	Type() Type
	// Name returns the implementation name; it is the key under the type in config.
	Name() string
	// ConfigType returns a pointer to an empty config struct. The manager decodes the
	// raw configuration into it with mapstructure before calling Setup.
	ConfigType() any
	// Setup builds an instance from the decoded configuration.
	Setup(cfg any) (Plugin, error)
	// Destroy releases an instance built by Setup.
	Destroy(Plugin)
}

// Plugin is implemented by every instance a Factory returns.
type Plugin interface {
	FactoryName() string
}
