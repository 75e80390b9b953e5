package udp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/metrics"
	"github.com/linchenxuan/realtinet/network/reactor"
	"github.com/linchenxuan/realtinet/network/session"
	"github.com/linchenxuan/realtinet/network/transport"
	"golang.org/x/time/rate"
)

// Server accepts datagram peers on one address. The first datagram from an unknown
// peer creates a socket connected to that peer, bound to the listen address, and a
// Passive Connection on the next I/O loop; later datagrams from the peer reach that
// socket directly.
//
// The connection table lives on the base loop. Callbacks must be set before Start.
type Server struct {
	cfg      *ServerCfg
	baseLoop *reactor.EventLoop
	pool     *reactor.LoopPool
	listener *listenSocket
	listenCh *reactor.Channel
	limiter  *rate.Limiter
	started  atomic.Bool

	// base loop only
	conns   map[string]*Connection
	peers   map[string]*Connection
	recvBuf [PacketBufSize]byte

	connCount atomic.Int64

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
}

var _ transport.Transport = (*Server)(nil)

// NewServer validates cfg and builds a stopped server.
func NewServer(cfg *ServerCfg) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ServerCfg: %w", err)
	}
	s := &Server{
		cfg:                cfg,
		limiter:            rate.NewLimiter(rate.Inf, 0),
		conns:              make(map[string]*Connection),
		peers:              make(map[string]*Connection),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return s, nil
}

// FactoryName identifies the plugin.
func (s *Server) FactoryName() string { return "udp_server" }

// SetConnectionCallback sets the up/down callback of every accepted connection.
// Callbacks are set before Start.
func (s *Server) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

// SetMessageCallback sets the input callback of every accepted connection.
func (s *Server) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

// SetWriteCompleteCallback sets the drain callback of every accepted connection.
func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// Addr returns the bound listen address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.addr
}

// Loop returns the base loop once started.
func (s *Server) Loop() *reactor.EventLoop { return s.baseLoop }

// ConnCount returns the number of connections in the table.
func (s *Server) ConnCount() int { return int(s.connCount.Load()) }

// Start binds the listen socket and runs the base loop and the I/O loops.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("udp server %s already started", s.cfg.Name)
	}

	ln, err := listen(s.cfg.Addr)
	if err != nil {
		s.started.Store(false)
		return err
	}
	base, err := reactor.NewEventLoop(s.cfg.Name + "-base")
	if err != nil {
		_ = ln.Close()
		s.started.Store(false)
		return err
	}
	s.listener, s.baseLoop = ln, base
	go func() {
		if err := base.Loop(); err != nil {
			log.Error().Str("server", s.cfg.Name).Err(err).Msg("base loop exited")
		}
	}()

	s.pool = reactor.NewLoopPool(base, s.cfg.Name+"-io", s.cfg.LoopNum)
	if err := s.pool.Start(); err != nil {
		s.stopBase()
		_ = ln.Close()
		s.started.Store(false)
		return err
	}

	runAndWait(base, func() {
		s.listenCh = reactor.NewChannel(base, ln.Fd())
		s.listenCh.SetReadCallback(s.handleListenRead)
		s.listenCh.EnableReading()
	})

	log.Info().Str("server", s.cfg.Name).Stringer("addr", ln.addr).Int("loops", s.cfg.LoopNum).
		Bool("reliable", s.cfg.Reliable).Msg("udp server listening")
	return nil
}

// Stop closes the listen socket, destroys every connection and stops all loops.
func (s *Server) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	runAndWait(s.baseLoop, func() {
		s.listenCh.DisableAll()
		s.listenCh.Remove()
		if err := s.listener.Close(); err != nil {
			log.Warn().Str("server", s.cfg.Name).Err(err).Msg("close listen socket")
		}
		for name, c := range s.conns {
			delete(s.conns, name)
			c.Loop().RunInLoop(c.ConnectDestroyed)
		}
		clear(s.peers)
		s.connCount.Store(0)
	})

	s.pool.Stop()
	s.stopBase()
	log.Info().Str("server", s.cfg.Name).Msg("udp server stopped")
	return nil
}

func (s *Server) stopBase() {
	s.baseLoop.Quit()
	<-s.baseLoop.Done()
	if err := s.baseLoop.Close(); err != nil {
		log.Warn().Str("server", s.cfg.Name).Err(err).Msg("close base loop")
	}
}

func (s *Server) handleListenRead(receiveTime time.Time) {
	n, from, err := s.listener.readFrom(s.recvBuf[:])
	if err != nil {
		if !errors.Is(err, ErrWouldBlock) {
			log.Warn().Str("server", s.cfg.Name).Err(err).Msg("listen socket read failed")
		}
		return
	}
	data := append([]byte(nil), s.recvBuf[:n]...)
	key := from.String()

	if c, ok := s.peers[key]; ok {
		// Arrived before the connected socket took over the peer.
		c.Loop().RunInLoop(func() { c.injectDatagram(data, receiveTime) })
		return
	}

	if s.cfg.Reliable && !session.IsConnectRequest(data) {
		s.reject(from, "no_handshake")
		return
	}
	if s.cfg.MaxConns > 0 && len(s.conns) >= s.cfg.MaxConns {
		s.reject(from, "max_conns")
		return
	}
	if !s.limiter.Allow() {
		s.reject(from, "rate_limited")
		return
	}
	s.newConnection(from, data, receiveTime)
}

func (s *Server) reject(from *net.UDPAddr, reason string) {
	metrics.IncrCounterWithDimGroup(metrics.NameAcceptRejectTotal, metrics.GroupRealtinet, 1,
		metrics.Dimension{metrics.DimReason: reason})
	log.Debug().Str("server", s.cfg.Name).Stringer("peer", from).Str("reason", reason).Msg("peer rejected")
}

func (s *Server) newConnection(from *net.UDPAddr, first []byte, receiveTime time.Time) {
	s.baseLoop.AssertInLoopThread()

	sock, local, err := dial(s.listener.addr, from)
	if err != nil {
		log.Error().Str("server", s.cfg.Name).Stringer("peer", from).Err(err).Msg("accept socket")
		s.reject(from, "socket_error")
		return
	}

	var sess session.Engine
	if s.cfg.Reliable {
		eng, err := session.NewKCPEngine(s.cfg.Session)
		if err != nil {
			_ = sock.Close()
			log.Error().Str("server", s.cfg.Name).Err(err).Msg("create session")
			s.reject(from, "session_error")
			return
		}
		sess = eng
	}

	ioLoop := s.pool.NextLoop()
	id := nextConnID()
	c := NewConnection(ioLoop, ConnParams{
		Role:         Passive,
		Name:         fmt.Sprintf("%s-%s#%d", s.cfg.Name, from, id),
		ID:           id,
		Socket:       sock,
		LocalAddr:    local,
		PeerAddr:     from,
		Session:      sess,
		TickInterval: s.cfg.TickInterval(),
	})
	c.SetConnectionCallback(s.connectionCallback)
	c.SetMessageCallback(s.messageCallback)
	c.SetWriteCompleteCallback(s.writeCompleteCallback)
	c.SetCloseCallback(s.removeConnection)

	s.conns[c.Name()] = c
	s.peers[from.String()] = c
	s.connCount.Store(int64(len(s.conns)))
	metrics.IncrCounterWithGroup(metrics.NameAcceptTotal, metrics.GroupRealtinet, 1)

	ioLoop.RunInLoop(func() {
		c.ConnectEstablished()
		c.injectDatagram(first, receiveTime)
	})
}

// removeConnection is the close callback of every accepted connection. It runs on the
// connection's loop.
func (s *Server) removeConnection(c *Connection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(c) })
}

func (s *Server) removeConnectionInLoop(c *Connection) {
	s.baseLoop.AssertInLoopThread()
	if cur, ok := s.conns[c.Name()]; !ok || cur != c {
		return
	}
	delete(s.conns, c.Name())
	if key := c.PeerAddr().String(); s.peers[key] == c {
		delete(s.peers, key)
	}
	s.connCount.Store(int64(len(s.conns)))
	log.Debug().Str("server", s.cfg.Name).Str("conn", c.Name()).Int("remaining", len(s.conns)).Msg("connection removed")

	c.Loop().QueueInLoop(c.ConnectDestroyed)
}

// runAndWait runs fn on loop and waits for it to finish.
func runAndWait(loop *reactor.EventLoop, fn func()) {
	if loop.IsInLoopThread() {
		fn()
		return
	}
	done := make(chan struct{})
	loop.QueueInLoop(func() {
		defer close(done)
		fn()
	})
	<-done
}
