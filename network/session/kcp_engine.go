package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/linchenxuan/realtinet/log"
	"github.com/xtaci/kcp-go/v5"
)

// First byte of every datagram a KCPEngine emits. SYN and ACCEPT carry the conversation
// id as a little endian uint32 after the prefix.
const (
	frameKCP        byte = 0x01
	frameUnreliable byte = 0x02
	frameFIN        byte = 0x03
	frameSYN        byte = 0x04
	frameAccept     byte = 0x05
)

// _handshakeSize is the length of a SYN or ACCEPT datagram.
const _handshakeSize = 5

// IsConnectRequest reports whether d opens a session, so an acceptor can ignore stray
// datagrams from unknown peers.
func IsConnectRequest(d []byte) bool {
	return len(d) == _handshakeSize && d[0] == frameSYN
}

// handshakeState tracks whether payloads can reach KCP yet.
type handshakeState uint8

const (
	// stateIdle waits for the peer's SYN.
	stateIdle handshakeState = iota
	// stateConnecting has sent a SYN and waits for the ACCEPT.
	stateConnecting
	// stateEstablished passes payloads straight to KCP.
	stateEstablished
)

// heldPayload is a Submit issued before the handshake finished.
type heldPayload struct {
	p    []byte
	mode Mode
}

// _kcpOverhead is the KCP segment header size.
const _kcpOverhead = 24

// _maxFragments bounds how many segments one reliable payload may span.
const _maxFragments = 127

// KCPEngine runs a KCP control block. KCP segments, unreliable payloads and the close
// notification share one socket and are told apart by a one-byte frame prefix.
//
// A session opens with a handshake: the active side sends SYN until the passive side
// answers ACCEPT. Payloads submitted before that are held in order and released to KCP
// when the session is established. Any KCP or unreliable frame from the peer also
// establishes the session, so a lost ACCEPT costs nothing once data flows.
type KCPEngine struct {
	cfg        *Config // validated at construction
	kcp        *kcp.KCP
	outq       [][]byte // framed datagrams waiting for Drain
	maxPayload int      // largest reliable payload, see MaxPayload

	state    handshakeState
	held     []heldPayload // Submits waiting for the handshake
	heldSegs int           // KCP segments the held reliable payloads will occupy
	lastSYN  time.Time     // when the last SYN was queued

	failed     error     // terminal error, sticky
	peerClosed bool      // a FIN arrived
	closed     bool      // Close was called
	lastRecv   time.Time // arrival of the last datagram, for dead link detection
}

var _ Engine = (*KCPEngine)(nil)

// NewKCPEngine builds an engine from cfg. A nil cfg uses DefaultConfig.
func NewKCPEngine(cfg *Config) (*KCPEngine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	e := &KCPEngine{cfg: cfg, lastRecv: time.Now()}
	e.kcp = kcp.NewKCP(cfg.Conv, e.output)
	if ret := e.kcp.SetMtu(cfg.MTU - 1); ret < 0 {
		return nil, fmt.Errorf("kcp rejected mtu %d", cfg.MTU-1)
	}
	e.kcp.WndSize(cfg.SndWnd, cfg.RcvWnd)
	e.kcp.NoDelay(cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion)

	mss := cfg.MTU - 1 - _kcpOverhead
	e.maxPayload = mss * min(_maxFragments, cfg.RcvWnd)
	return e, nil
}

// output receives segments from KCP. buf is reused by KCP after the call.
func (e *KCPEngine) output(buf []byte, size int) {
	d := make([]byte, size+1)
	d[0] = frameKCP
	copy(d[1:], buf[:size])
	e.outq = append(e.outq, d)
}

// MaxPayload is the largest reliable payload Submit accepts.
func (e *KCPEngine) MaxPayload() int {
	return e.maxPayload
}

// Submit queues p on the selected lane.
func (e *KCPEngine) Submit(p []byte, mode Mode) error {
	if e.failed != nil {
		return e.failed
	}
	if e.closed {
		return ErrClosed
	}

	switch mode {
	case Reliable:
		if len(p) > e.maxPayload {
			return fmt.Errorf("%w: %d bytes, reliable limit %d", ErrPayloadTooLarge, len(p), e.maxPayload)
		}
	case Unreliable:
		if len(p)+1 > e.cfg.MTU {
			return fmt.Errorf("%w: %d bytes, unreliable limit %d", ErrPayloadTooLarge, len(p), e.cfg.MTU-1)
		}
	default:
		return fmt.Errorf("session: unknown mode %d", mode)
	}

	if e.state != stateEstablished {
		e.held = append(e.held, heldPayload{p: append([]byte(nil), p...), mode: mode})
		if mode == Reliable {
			e.heldSegs += e.segments(len(p))
		}
		return nil
	}
	return e.submitNow(p, mode)
}

// segments returns how many KCP segments a reliable payload of n bytes occupies.
func (e *KCPEngine) segments(n int) int {
	mss := e.cfg.MTU - 1 - _kcpOverhead
	return max(1, (n+mss-1)/mss)
}

func (e *KCPEngine) submitNow(p []byte, mode Mode) error {
	switch mode {
	case Reliable:
		if ret := e.kcp.Send(p); ret < 0 {
			return fmt.Errorf("%w: kcp send returned %d", ErrPayloadTooLarge, ret)
		}
	case Unreliable:
		d := make([]byte, len(p)+1)
		d[0] = frameUnreliable
		copy(d[1:], p)
		e.outq = append(e.outq, d)
	}
	return nil
}

// Connect starts the handshake from the active side. It is a no-op once the session is
// connecting, established or closed.
func (e *KCPEngine) Connect() {
	if e.state != stateIdle || e.closed || e.failed != nil {
		return
	}
	e.state = stateConnecting
	e.lastRecv = time.Now()
	e.queueHandshake(frameSYN)
}

// Established reports whether the handshake finished.
func (e *KCPEngine) Established() bool {
	return e.state == stateEstablished
}

func (e *KCPEngine) queueHandshake(frame byte) {
	d := make([]byte, _handshakeSize)
	d[0] = frame
	binary.LittleEndian.PutUint32(d[1:], e.cfg.Conv)
	e.outq = append(e.outq, d)
	if frame == frameSYN {
		e.lastSYN = time.Now()
	}
}

// establish releases the held payloads to KCP in submission order.
func (e *KCPEngine) establish() {
	if e.state == stateEstablished {
		return
	}
	e.state = stateEstablished
	held := e.held
	e.held, e.heldSegs = nil, 0
	for _, h := range held {
		if err := e.submitNow(h.p, h.mode); err != nil {
			log.Warn().Int("len", len(h.p)).Err(err).Msg("session: held payload dropped")
		}
	}
}

// handshakeConv checks a SYN or ACCEPT datagram against the local conversation id.
func (e *KCPEngine) handshakeConv(d []byte) bool {
	if len(d) != _handshakeSize {
		return false
	}
	if conv := binary.LittleEndian.Uint32(d[1:]); conv != e.cfg.Conv {
		log.Debug().Uint32("conv", conv).Uint32("want", e.cfg.Conv).Msg("session: handshake for another conversation")
		return false
	}
	return true
}

// Ingest demultiplexes one datagram.
func (e *KCPEngine) Ingest(datagram []byte) ([][]byte, error) {
	if e.failed != nil {
		return nil, e.failed
	}
	if len(datagram) == 0 {
		return nil, nil
	}
	e.lastRecv = time.Now()

	switch datagram[0] {
	case frameSYN:
		if e.handshakeConv(datagram) && !e.closed {
			e.establish()
			// Every SYN is answered; the previous ACCEPT may have been lost.
			e.queueHandshake(frameAccept)
		}
		return nil, nil
	case frameAccept:
		if e.handshakeConv(datagram) {
			e.establish()
		}
		return nil, nil
	case frameKCP:
		e.establish()
		if ret := e.kcp.Input(datagram[1:], true, e.cfg.AckNoDelay); ret < 0 {
			e.failed = fmt.Errorf("%w: kcp input returned %d", ErrSessionFailed, ret)
			return nil, e.failed
		}
		return e.recvAll(), nil
	case frameUnreliable:
		e.establish()
		if len(datagram) == 1 {
			return nil, nil
		}
		chunk := make([]byte, len(datagram)-1)
		copy(chunk, datagram[1:])
		return [][]byte{chunk}, nil
	case frameFIN:
		e.peerClosed = true
		return nil, nil
	default:
		log.Debug().Uint32("frame", uint32(datagram[0])).Int("len", len(datagram)).Msg("session: unknown frame dropped")
		return nil, nil
	}
}

func (e *KCPEngine) recvAll() [][]byte {
	var chunks [][]byte
	for {
		size := e.kcp.PeekSize()
		if size <= 0 {
			return chunks
		}
		buf := make([]byte, size)
		n := e.kcp.Recv(buf)
		if n < 0 {
			return chunks
		}
		chunks = append(chunks, buf[:n])
	}
}

// Tick drives KCP's flush and retransmission timers, repeats an unanswered SYN and
// checks liveness.
func (e *KCPEngine) Tick(now time.Time) error {
	if e.failed != nil {
		return e.failed
	}
	e.kcp.Update()

	if e.state == stateConnecting && !e.closed && now.Sub(e.lastSYN) >= e.cfg.HandshakeInterval() {
		e.queueHandshake(frameSYN)
	}

	waiting := e.kcp.WaitSnd() > 0 || len(e.held) > 0 || e.state == stateConnecting
	if timeout := e.cfg.DeadLinkTimeout(); timeout > 0 && waiting && now.Sub(e.lastRecv) > timeout {
		e.failed = fmt.Errorf("%w: no datagram for %s with %d segments unacknowledged and %d held",
			ErrDeadLink, now.Sub(e.lastRecv).Truncate(time.Millisecond), e.kcp.WaitSnd(), len(e.held))
		return e.failed
	}
	return nil
}

// Drain writes queued datagrams in order.
func (e *KCPEngine) Drain(write func([]byte) error) error {
	for len(e.outq) > 0 {
		if err := write(e.outq[0]); err != nil {
			return err
		}
		e.outq[0] = nil
		e.outq = e.outq[1:]
	}
	e.outq = nil
	return nil
}

// Pending counts framed datagrams not yet drained, reliable segments not yet
// acknowledged and payloads held for the handshake.
func (e *KCPEngine) Pending() int {
	return len(e.outq) + e.kcp.WaitSnd() + len(e.held)
}

// CanSend reports whether unacknowledged plus held reliable segments are below
// Config.SendThreshold.
func (e *KCPEngine) CanSend() bool {
	return e.kcp.WaitSnd()+e.heldSegs < e.cfg.SendThreshold
}

// Failed returns the sticky terminal error: malformed input or a dead link.
func (e *KCPEngine) Failed() error {
	return e.failed
}

// PeerClosed reports whether a FIN arrived from the peer.
func (e *KCPEngine) PeerClosed() bool {
	return e.peerClosed
}

// Close queues a FIN datagram once, discards held payloads and releases KCP's transmit
// buffers.
func (e *KCPEngine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.held, e.heldSegs = nil, 0
	e.outq = append(e.outq, []byte{frameFIN})
	e.kcp.ReleaseTX()
}
