package udp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/network/reactor"
	"github.com/linchenxuan/realtinet/network/session"
	"github.com/linchenxuan/realtinet/network/transport"
)

// _clientStopTimeout bounds how long Stop waits for the connection to be destroyed.
const _clientStopTimeout = 2 * time.Second

// ErrNotConnected is returned by Client operations that need a live connection.
var ErrNotConnected = errors.New("udp: client not connected")

// Client dials one server from its own loop. Callbacks must be set before Start.
type Client struct {
	cfg     *ClientCfg
	loop    *reactor.EventLoop
	conn    atomic.Pointer[Connection]
	started atomic.Bool

	stopDone chan struct{} // loop only

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
}

var _ transport.Transport = (*Client)(nil)

// NewClient validates cfg and builds a stopped client.
func NewClient(cfg *ClientCfg) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ClientCfg: %w", err)
	}
	return &Client{
		cfg:                cfg,
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
	}, nil
}

// FactoryName identifies the plugin.
func (cl *Client) FactoryName() string { return "udp_client" }

// SetConnectionCallback sets the up/down callback copied onto the connection by Start.
func (cl *Client) SetConnectionCallback(cb ConnectionCallback) { cl.connectionCallback = cb }

// SetMessageCallback sets the input callback copied onto the connection by Start.
func (cl *Client) SetMessageCallback(cb MessageCallback) { cl.messageCallback = cb }

// SetWriteCompleteCallback sets the drain callback copied onto the connection by Start.
func (cl *Client) SetWriteCompleteCallback(cb WriteCompleteCallback) { cl.writeCompleteCallback = cb }

// Loop returns the client loop once started.
func (cl *Client) Loop() *reactor.EventLoop { return cl.loop }

// Connection returns the live connection, or nil.
func (cl *Client) Connection() *Connection { return cl.conn.Load() }

// Start runs the client loop and connects.
func (cl *Client) Start() error {
	if !cl.started.CompareAndSwap(false, true) {
		return fmt.Errorf("udp client %s already started", cl.cfg.Name)
	}
	loop, err := reactor.NewEventLoop(cl.cfg.Name)
	if err != nil {
		cl.started.Store(false)
		return err
	}
	cl.loop = loop
	go func() {
		if err := loop.Loop(); err != nil {
			log.Error().Str("client", cl.cfg.Name).Err(err).Msg("client loop exited")
		}
	}()

	if err := cl.Connect(); err != nil {
		cl.stopLoop()
		cl.started.Store(false)
		return err
	}
	return nil
}

// Connect dials the server and establishes a new connection. It fails while a
// connection is live.
func (cl *Client) Connect() error {
	if cl.loop == nil {
		return errors.New("udp client not started")
	}
	if cl.conn.Load() != nil {
		return fmt.Errorf("udp client %s already connected", cl.cfg.Name)
	}

	peer, err := net.ResolveUDPAddr("udp", cl.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", cl.cfg.Addr, err)
	}
	sock, local, err := dial(nil, peer)
	if err != nil {
		return err
	}

	var sess session.Engine
	if cl.cfg.Reliable {
		eng, err := session.NewKCPEngine(cl.cfg.Session)
		if err != nil {
			_ = sock.Close()
			return err
		}
		sess = eng
	}

	id := nextConnID()
	c := NewConnection(cl.loop, ConnParams{
		Role:         Active,
		Name:         fmt.Sprintf("%s-%s#%d", cl.cfg.Name, peer, id),
		ID:           id,
		Socket:       sock,
		LocalAddr:    local,
		PeerAddr:     peer,
		Session:      sess,
		TickInterval: cl.cfg.TickInterval(),
	})
	c.SetConnectionCallback(cl.connectionCallback)
	c.SetMessageCallback(cl.messageCallback)
	c.SetWriteCompleteCallback(cl.writeCompleteCallback)
	c.SetCloseCallback(cl.removeConnection)
	cl.conn.Store(c)

	runAndWait(cl.loop, c.ConnectEstablished)
	return nil
}

// Disconnect shuts the connection down gracefully.
func (cl *Client) Disconnect() error {
	c := cl.conn.Load()
	if c == nil {
		return ErrNotConnected
	}
	cl.loop.RunInLoop(c.Shutdown)
	return nil
}

// Stop force-closes the connection, waits for it to be destroyed and stops the loop.
func (cl *Client) Stop() error {
	if !cl.started.CompareAndSwap(true, false) {
		return nil
	}

	done := make(chan struct{})
	cl.loop.RunInLoop(func() {
		c := cl.conn.Load()
		if c == nil {
			close(done)
			return
		}
		cl.stopDone = done
		c.ForceClose()
	})
	select {
	case <-done:
	case <-time.After(_clientStopTimeout):
		log.Warn().Str("client", cl.cfg.Name).Msg("connection not destroyed before stop timeout")
	}

	cl.stopLoop()
	log.Info().Str("client", cl.cfg.Name).Msg("udp client stopped")
	return nil
}

func (cl *Client) stopLoop() {
	cl.loop.Quit()
	<-cl.loop.Done()
	if err := cl.loop.Close(); err != nil {
		log.Warn().Str("client", cl.cfg.Name).Err(err).Msg("close client loop")
	}
}

// removeConnection is the close callback of the client's connection.
func (cl *Client) removeConnection(c *Connection) {
	c.Loop().QueueInLoop(func() {
		c.ConnectDestroyed()
		cl.conn.CompareAndSwap(c, nil)
		if cl.stopDone != nil {
			close(cl.stopDone)
			cl.stopDone = nil
		}
	})
}
