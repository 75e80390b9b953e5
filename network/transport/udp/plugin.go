package udp

import (
	"fmt"

	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/plugin"
)

type serverFactory struct{}

var _ plugin.Factory = (*serverFactory)(nil)

// NewServerFactory returns the udp_server plugin factory. Instances are built stopped
// so callbacks can be installed before Start.
func NewServerFactory() plugin.Factory {
	return &serverFactory{}
}

// Type, Name and ConfigType register the factory under server_transport/udp_server.
func (f *serverFactory) Type() plugin.Type { return plugin.ServerTransport }
func (f *serverFactory) Name() string      { return "udp_server" }
func (f *serverFactory) ConfigType() any   { return &ServerCfg{} }

// Setup builds a Server from a decoded *ServerCfg. The server is not started.
func (f *serverFactory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*ServerCfg)
	if !ok {
		return nil, fmt.Errorf("udp_server setup failed: invalid config type %T", cfgAny)
	}
	s, err := NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("udp_server setup failed: %w", err)
	}
	return s, nil
}

// Destroy stops the server.
func (f *serverFactory) Destroy(p plugin.Plugin) {
	s, ok := p.(*Server)
	if !ok {
		log.Error().Str("type", fmt.Sprintf("%T", p)).Msg("udp_server destroy: unexpected plugin")
		return
	}
	_ = s.Stop()
}

type clientFactory struct{}

var _ plugin.Factory = (*clientFactory)(nil)

// NewClientFactory returns the udp_client plugin factory.
func NewClientFactory() plugin.Factory {
	return &clientFactory{}
}

// Type, Name and ConfigType register the factory under client_transport/udp_client.
func (f *clientFactory) Type() plugin.Type { return plugin.ClientTransport }
func (f *clientFactory) Name() string      { return "udp_client" }
func (f *clientFactory) ConfigType() any   { return &ClientCfg{} }

// Setup builds a Client from a decoded *ClientCfg. The client is not started.
func (f *clientFactory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*ClientCfg)
	if !ok {
		return nil, fmt.Errorf("udp_client setup failed: invalid config type %T", cfgAny)
	}
	cl, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("udp_client setup failed: %w", err)
	}
	return cl, nil
}

// Destroy stops the client.
func (f *clientFactory) Destroy(p plugin.Plugin) {
	cl, ok := p.(*Client)
	if !ok {
		log.Error().Str("type", fmt.Sprintf("%T", p)).Msg("udp_client destroy: unexpected plugin")
		return
	}
	_ = cl.Stop()
}
