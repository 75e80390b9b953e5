package udp

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/metrics"
	"github.com/linchenxuan/realtinet/network/reactor"
	"github.com/linchenxuan/realtinet/network/session"
	"github.com/linchenxuan/realtinet/utils/pool"
)

// PacketBufSize is the size of the per-connection receive buffer, one Ethernet MTU.
const PacketBufSize = 1500

// DefaultTickInterval drives the session when ConnParams leaves TickInterval unset.
const DefaultTickInterval = 10 * time.Millisecond

var (
	_connSeq     atomic.Uint64
	_activeConns atomic.Int64

	// Copies of payloads sent from outside the loop.
	_sendBufPool = pool.NewBufferPool("udp_send", PacketBufSize, 64<<10)
)

// nextConnID returns a process-unique connection id.
func nextConnID() uint64 {
	return _connSeq.Add(1)
}

// ConnParams carries what an acceptor or dialer knows about a new connection.
type ConnParams struct {
	// Role is Active for a dialed connection and Passive for an accepted one. An Active
	// connection with a session opens the handshake.
	Role Role
	// Name is used in logs. Servers use "<listen addr>#<peer addr>".
	Name string
	// ID is 0 to allocate a fresh id.
	ID uint64
	// Socket is connected and non-blocking. The connection owns it from now on.
	Socket Socket
	// LocalAddr is the bound address of Socket.
	LocalAddr net.Addr
	// PeerAddr is the address Socket is connected to.
	PeerAddr net.Addr
	// Session enables reliable delivery. Nil means plain datagrams for the whole life
	// of the connection.
	Session session.Engine
	// TickInterval is the session update period. Zero uses DefaultTickInterval.
	TickInterval time.Duration
}

// Connection is one peer on a connected datagram socket, bound to a single loop.
//
// Everything except Send, CanSend, State and the immutable getters must be called on
// the loop goroutine. Connections are created by a Server or Client, which call
// ConnectEstablished and ConnectDestroyed exactly once each.
type Connection struct {
	loop      *reactor.EventLoop
	name      string
	id        uint64
	role      Role
	socket    Socket
	channel   *reactor.Channel
	localAddr net.Addr
	peerAddr  net.Addr

	state     atomic.Int32
	canSend   atomic.Bool
	shutdown  atomic.Bool // reliable sends refused, close once output drains
	reading   bool
	closing   bool
	destroyed bool

	session      session.Engine
	tickInterval time.Duration
	tickTimer    reactor.TimerID
	hadPending   bool
	sessionUp    bool // handshake completion was observed

	scratch     [PacketBufSize]byte
	inputBuffer bytes.Buffer
	context     any

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	closeCallback         CloseCallback
}

// NewConnection wraps an already connected socket. The connection starts in
// Connecting and does nothing until ConnectEstablished.
func NewConnection(loop *reactor.EventLoop, p ConnParams) *Connection {
	if loop == nil || p.Socket == nil {
		panic("udp: NewConnection needs a loop and a socket")
	}
	if p.ID == 0 {
		p.ID = nextConnID()
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("udp-%d", p.ID)
	}
	if p.TickInterval <= 0 {
		p.TickInterval = DefaultTickInterval
	}

	c := &Connection{
		loop:                  loop,
		name:                  p.Name,
		id:                    p.ID,
		role:                  p.Role,
		socket:                p.Socket,
		localAddr:             p.LocalAddr,
		peerAddr:              p.PeerAddr,
		session:               p.Session,
		tickInterval:          p.TickInterval,
		connectionCallback:    defaultConnectionCallback,
		messageCallback:       defaultMessageCallback,
		writeCompleteCallback: nil,
	}
	c.state.Store(int32(Connecting))
	c.canSend.Store(true)

	c.channel = reactor.NewChannel(loop, p.Socket.Fd())
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(func() { c.handleClose(causePeer) })
	c.channel.SetErrorCallback(c.handleError)

	log.Debug().Str("conn", c.name).Uint64("id", c.id).Stringer("role", c.role).
		Bool("reliable", c.session != nil).Msg("udp connection created")
	return c
}

// Loop returns the loop the connection is bound to for its whole life.
func (c *Connection) Loop() *reactor.EventLoop { return c.loop }

// Name returns the human-readable name given at construction.
func (c *Connection) Name() string { return c.name }

// ID returns the process-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// Role reports whether the connection was dialed or accepted.
func (c *Connection) Role() Role { return c.role }

// LocalAddr returns the local address of the connected socket.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// PeerAddr returns the address of the peer.
func (c *Connection) PeerAddr() net.Addr { return c.peerAddr }

// State returns the current lifecycle state. Off the loop it is a point-in-time read.
func (c *Connection) State() State { return State(c.state.Load()) }

// StateString names the current state.
func (c *Connection) StateString() string { return c.State().String() }

// Connected reports whether the connection is established and not closing.
func (c *Connection) Connected() bool { return c.State() == Connected }

// Disconnected reports whether ConnectDestroyed has run.
func (c *Connection) Disconnected() bool { return c.State() == Disconnected }

// Reliable reports whether the connection runs a session.
func (c *Connection) Reliable() bool { return c.session != nil }

// CanSend reports whether the session is below its send threshold. It is always true
// without a session. The flag is refreshed after every session operation.
func (c *Connection) CanSend() bool { return c.canSend.Load() }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// SetConnectionCallback sets the callback fired on establishment and on destruction.
func (c *Connection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback sets the callback fired once per read event that produced bytes.
func (c *Connection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback sets the callback fired when pending output drains. Nil disables it.
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// SetCloseCallback sets the owner's teardown hook. It runs once, at the end of the close
// sequence, and must arrange for ConnectDestroyed.
func (c *Connection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// SetContext stores one user value on the connection.
func (c *Connection) SetContext(v any) { c.context = v }

// Context returns the stored user value.
func (c *Connection) Context() any { return c.context }

// MutableContext returns the context slot itself for in-place updates.
func (c *Connection) MutableContext() *any { return &c.context }

// ContextAs returns the connection context as T.
func ContextAs[T any](c *Connection) (T, bool) {
	v, ok := c.context.(T)
	return v, ok
}

// Send queues p for reliable delivery. See SendWithMode.
func (c *Connection) Send(p []byte) {
	c.SendWithMode(p, session.Reliable)
}

// SendWithMode queues p on the given lane. It may be called from any goroutine and never
// fails: payloads sent while not connected, or that the session cannot carry, are dropped
// and counted. Off the loop p is copied before SendWithMode returns.
func (c *Connection) SendWithMode(p []byte, mode session.Mode) {
	if c.State() != Connected {
		c.drop(len(p), "not_connected")
		return
	}
	if mode == session.Reliable && c.shutdown.Load() {
		c.drop(len(p), "shutting_down")
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(p, mode)
		return
	}
	buf := _sendBufPool.Copy(p)
	c.loop.RunInLoop(func() {
		c.sendInLoop(buf.Bytes(), mode)
		_sendBufPool.Put(buf)
	})
}

// SendBuffer sends the unread contents of buf and empties it.
func (c *Connection) SendBuffer(buf *bytes.Buffer, mode session.Mode) {
	c.SendWithMode(buf.Bytes(), mode)
	buf.Reset()
}

func (c *Connection) sendInLoop(p []byte, mode session.Mode) {
	c.loop.AssertInLoopThread()
	switch c.State() {
	case Disconnected:
		log.Warn().Str("conn", c.name).Msg("disconnected, give up writing")
		c.drop(len(p), "disconnected")
		return
	case Disconnecting:
		// ForceClose or a close already under way: nothing queued before it goes out.
		c.drop(len(p), "closing")
		return
	}
	if mode == session.Reliable && c.shutdown.Load() {
		c.drop(len(p), "shutting_down")
		return
	}

	if c.session == nil {
		c.writeDirect(p)
		return
	}

	if !c.session.CanSend() {
		metrics.IncrCounterWithGroup(metrics.NameSendBackpressureTotal, metrics.GroupRealtinet, 1)
		log.Debug().Str("conn", c.name).Int("pending", c.session.Pending()).Msg("send above session threshold")
	}
	if err := c.session.Submit(p, mode); err != nil {
		switch {
		case errors.Is(err, session.ErrPayloadTooLarge):
			log.Error().Str("conn", c.name).Int("len", len(p)).Err(err).Msg("payload dropped")
			c.drop(len(p), "too_large")
		case errors.Is(err, session.ErrClosed):
			c.drop(len(p), "session_closed")
		default:
			log.Error().Str("conn", c.name).Err(err).Msg("session submit failed")
			c.handleClose(causeSession)
		}
		return
	}
	c.hadPending = true
	c.flush()
}

// writeDirect sends one datagram without a session. A full socket buffer drops it.
func (c *Connection) writeDirect(p []byte) {
	err := c.writeDatagram(p)
	switch {
	case err == nil:
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
	case errors.Is(err, ErrWouldBlock):
		log.Debug().Str("conn", c.name).Int("len", len(p)).Msg("socket buffer full, datagram dropped")
		c.drop(len(p), "would_block")
	default:
		log.Error().Str("conn", c.name).Err(err).Msg("udp write failed")
		c.handleClose(causeSocketError)
	}
}

func (c *Connection) writeDatagram(d []byte) error {
	if _, err := c.socket.Write(d); err != nil {
		return err
	}
	metrics.IncrCounterWithGroup(metrics.NameDatagramSendTotal, metrics.GroupRealtinet, 1)
	metrics.IncrCounterWithGroup(metrics.NameDatagramSendBytes, metrics.GroupRealtinet, metrics.Value(len(d)))
	return nil
}

func (c *Connection) drop(n int, reason string) {
	metrics.IncrCounterWithDimGroup(metrics.NameDatagramDropTotal, metrics.GroupRealtinet, 1,
		metrics.Dimension{metrics.DimReason: reason})
	log.Debug().Str("conn", c.name).Int("len", n).Str("reason", reason).Msg("send dropped")
}

// flush drains the session's queued datagrams and reacts to what the session reports.
func (c *Connection) flush() {
	if c.session == nil || c.closing {
		return
	}

	err := c.session.Drain(c.writeDatagram)
	switch {
	case err == nil:
		if c.channel.IsWriting() {
			c.channel.DisableWriting()
		}
	case errors.Is(err, ErrWouldBlock):
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	default:
		log.Error().Str("conn", c.name).Err(err).Msg("udp write failed")
		c.handleClose(causeSocketError)
		return
	}

	if !c.sessionUp && c.session.Established() {
		c.sessionUp = true
		log.Info().Str("conn", c.name).Stringer("role", c.role).Int("pending", c.session.Pending()).
			Msg("udp session established")
	}

	pending := c.session.Pending()
	metrics.UpdateMaxGaugeWithGroup(metrics.NamePendingOutputMax, metrics.GroupRealtinet, metrics.Value(pending))
	c.canSend.Store(c.session.CanSend())
	if c.hadPending && pending == 0 && c.writeCompleteCallback != nil {
		c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
	}
	c.hadPending = pending > 0

	if err := c.session.Failed(); err != nil {
		log.Warn().Str("conn", c.name).Err(err).Msg("session failed")
		c.handleClose(causeSession)
		return
	}
	if c.session.PeerClosed() {
		c.handleClose(causePeer)
		return
	}
	if c.shutdown.Load() && pending == 0 {
		c.handleClose(causeShutdown)
	}
}

func (c *Connection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	n, err := c.socket.Read(c.scratch[:])
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		log.Error().Str("conn", c.name).Err(err).Msg("udp read failed")
		c.handleClose(causeSocketError)
		return
	}
	if n == 0 {
		c.handleClose(causePeer)
		return
	}
	c.handleDatagram(c.scratch[:n], receiveTime)
}

// handleDatagram processes one inbound datagram. The Server also calls it for datagrams
// of this peer that reached the listen socket.
func (c *Connection) handleDatagram(d []byte, receiveTime time.Time) {
	metrics.IncrCounterWithGroup(metrics.NameDatagramRecvTotal, metrics.GroupRealtinet, 1)
	metrics.IncrCounterWithGroup(metrics.NameDatagramRecvBytes, metrics.GroupRealtinet, metrics.Value(len(d)))

	if c.session == nil {
		c.inputBuffer.Write(d)
		c.messageCallback(c, &c.inputBuffer, receiveTime)
		return
	}

	chunks, err := c.session.Ingest(d)
	if err != nil {
		log.Warn().Str("conn", c.name).Err(err).Msg("session rejected datagram")
		c.handleClose(causeSession)
		return
	}
	for _, chunk := range chunks {
		c.inputBuffer.Write(chunk)
		metrics.UpdateAvgGaugeWithGroup(metrics.NameChunkSizeAvg, metrics.GroupRealtinet, metrics.Value(len(chunk)))
	}
	if len(chunks) > 0 {
		c.messageCallback(c, &c.inputBuffer, receiveTime)
	}
	c.flush()
}

// injectDatagram delivers a datagram that reached this peer by another socket.
func (c *Connection) injectDatagram(d []byte, receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	if c.closing || c.State() == Connecting || c.State() == Disconnected {
		return
	}
	c.handleDatagram(d, receiveTime)
}

func (c *Connection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		return
	}
	if c.session == nil {
		c.channel.DisableWriting()
		return
	}
	c.flush()
}

func (c *Connection) handleError() {
	var err error
	if s, ok := c.socket.(soErrorer); ok {
		err = s.SoError()
	}
	log.Warn().Str("conn", c.name).Err(err).Msg("udp socket error")
}

func (c *Connection) handleTick(now time.Time) {
	start := time.Now()
	if err := c.session.Tick(now); err != nil {
		log.Warn().Str("conn", c.name).Err(err).Msg("session tick failed")
		c.handleClose(causeSession)
		return
	}
	c.flush()
	metrics.RecordStopwatchWithGroup(metrics.NameSessionTickMS, metrics.GroupRealtinet, start)
}

// handleClose runs the close sequence once: stop watching the socket, stop the tick
// timer, then hand the connection to its owner through the close callback.
func (c *Connection) handleClose(cause closeCause) {
	c.loop.AssertInLoopThread()
	if c.closing {
		return
	}
	c.closing = true
	if c.State() == Connected {
		c.setState(Disconnecting)
	}
	log.Info().Str("conn", c.name).Uint64("id", c.id).Stringer("peer", c.peerAddr).
		Str("cause", cause.String()).Msg("udp connection closing")

	if cause.local() && c.session != nil {
		c.session.Close()
		if err := c.session.Drain(c.writeDatagram); err != nil {
			log.Debug().Str("conn", c.name).Err(err).Msg("close notification not sent")
		}
	}

	c.channel.DisableAll()
	c.cancelTick()
	metrics.IncrCounterWithDimGroup(metrics.NameConnClosedTotal, metrics.GroupRealtinet, 1,
		metrics.Dimension{metrics.DimCause: cause.String()})
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) cancelTick() {
	if c.tickTimer != 0 {
		c.loop.Cancel(c.tickTimer)
		c.tickTimer = 0
	}
}

// Shutdown stops accepting reliable sends and closes once the session has nothing left
// to deliver. The connection stays Connected while its output drains. It belongs on the
// loop goroutine; an off-loop call is marshalled like Send.
func (c *Connection) Shutdown() {
	if c.State() == Connected && c.shutdown.CompareAndSwap(false, true) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

// ShuttingDown reports whether Shutdown was called.
func (c *Connection) ShuttingDown() bool { return c.shutdown.Load() }

func (c *Connection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if c.closing {
		return
	}
	if c.session == nil || c.session.Pending() == 0 {
		c.handleClose(causeShutdown)
	}
}

// ForceClose abandons pending output and closes. Repeated calls close once.
func (c *Connection) ForceClose() {
	if s := c.State(); s == Connected || s == Disconnecting {
		c.setState(Disconnecting)
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *Connection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	if s := c.State(); s == Connected || s == Disconnecting {
		c.handleClose(causeForce)
	}
}

// StartRead resumes reading from the socket.
func (c *Connection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

// StopRead stops reading; inbound datagrams wait in the socket buffer.
func (c *Connection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.channel.IsReading() {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

// IsReading reports whether reading is enabled.
func (c *Connection) IsReading() bool { return c.reading }

// ConnectEstablished starts the connection. Called once by the owner on the loop.
func (c *Connection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if c.State() != Connecting {
		panic(fmt.Sprintf("udp: ConnectEstablished on %s in state %s", c.name, c.StateString()))
	}
	c.setState(Connected)
	c.channel.EnableReading()
	c.reading = true
	if c.session != nil {
		if c.role == Active {
			c.session.Connect()
		}
		c.tickTimer = c.loop.RunEvery(c.tickInterval, c.handleTick)
		c.flush()
		c.canSend.Store(c.session.CanSend())
	}

	metrics.IncrCounterWithDimGroup(metrics.NameConnEstablishedTotal, metrics.GroupRealtinet, 1,
		metrics.Dimension{metrics.DimRole: c.role.String()})
	metrics.UpdateGaugeWithGroup(metrics.NameConnActive, metrics.GroupRealtinet, metrics.Value(_activeConns.Add(1)))
	log.Info().Str("conn", c.name).Uint64("id", c.id).Stringer("role", c.role).
		Stringer("local", c.localAddr).Stringer("peer", c.peerAddr).Msg("udp connection established")

	c.connectionCallback(c)
}

// ConnectDestroyed releases the socket. Called once by the owner on the loop, after the
// close callback or instead of it when the owner shuts down.
func (c *Connection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.destroyed {
		panic(fmt.Sprintf("udp: ConnectDestroyed called twice on %s", c.name))
	}
	c.destroyed = true

	wasEstablished := c.State() != Connecting
	if !c.closing {
		c.closing = true
		c.channel.DisableAll()
		c.cancelTick()
	}
	c.setState(Disconnected)
	if wasEstablished {
		metrics.UpdateGaugeWithGroup(metrics.NameConnActive, metrics.GroupRealtinet, metrics.Value(_activeConns.Add(-1)))
		c.connectionCallback(c)
	}

	c.channel.Remove()
	if err := c.socket.Close(); err != nil {
		log.Warn().Str("conn", c.name).Err(err).Msg("close udp socket")
	}
	log.Debug().Str("conn", c.name).Uint64("id", c.id).Msg("udp connection destroyed")
}
