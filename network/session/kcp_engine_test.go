package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// tester is satisfied by *testing.T and *rapid.T.
type tester interface {
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	FailNow()
}

// link moves datagrams between two engines in memory.
type link struct {
	a, b       *KCPEngine
	gotA, gotB [][]byte
	dropAtoB   func([]byte) bool
}

// newLink connects a (active) to b (passive) and completes the handshake.
func newLink(t tester, cfg func() *Config) *link {
	a, err := NewKCPEngine(cfg())
	require.NoError(t, err)
	b, err := NewKCPEngine(cfg())
	require.NoError(t, err)
	l := &link{a: a, b: b}
	a.Connect()
	l.pump(t, func() bool {
		return a.Established() && b.Established() && a.Pending() == 0 && b.Pending() == 0
	})
	return l
}

// accepted returns a passive engine that has answered a SYN, with its output drained.
func accepted(t *testing.T, cfg *Config) *KCPEngine {
	t.Helper()
	e, err := NewKCPEngine(cfg)
	require.NoError(t, err)
	_, err = e.Ingest(syn(DefaultConv))
	require.NoError(t, err)
	require.True(t, e.Established())
	require.NoError(t, e.Drain(func([]byte) error { return nil }))
	return e
}

func syn(conv uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{frameSYN}, conv)
}

func drainAll(t *testing.T, e *KCPEngine) [][]byte {
	t.Helper()
	var wire [][]byte
	require.NoError(t, e.Drain(func(d []byte) error {
		wire = append(wire, d)
		return nil
	}))
	return wire
}

func (l *link) round(t tester, now time.Time) {
	require.NoError(t, l.a.Tick(now))
	require.NoError(t, l.b.Tick(now))
	require.NoError(t, l.a.Drain(func(d []byte) error {
		if l.dropAtoB != nil && l.dropAtoB(d) {
			return nil
		}
		chunks, err := l.b.Ingest(d)
		l.gotB = append(l.gotB, chunks...)
		return err
	}))
	require.NoError(t, l.b.Drain(func(d []byte) error {
		chunks, err := l.a.Ingest(d)
		l.gotA = append(l.gotA, chunks...)
		return err
	}))
}

// pump runs rounds until done reports true or the deadline passes.
func (l *link) pump(t tester, done func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("link did not settle: pendingA=%d pendingB=%d", l.a.Pending(), l.b.Pending())
		}
		l.round(t, time.Now())
		if !done() {
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConv, cfg.Conv)
	assert.Equal(t, 1400, cfg.MTU)
	assert.Equal(t, 256, cfg.SendThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.HandshakeInterval())
	assert.Equal(t, "session", cfg.GetName())

	for name, c := range map[string]*Config{
		"MTUTooLarge":       {MTU: 1501},
		"MTUTooSmall":       {MTU: 20},
		"NegativeHandshake": {HandshakeIntervalMs: -1},
		"IntervalTooShort":  {Interval: 5},
		"NegativeResend":    {Resend: -1},
		"NegativeDeadLink":  {DeadLinkTimeoutMs: -1},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, c.Validate())
		})
	}
}

func TestReliableRoundTrip(t *testing.T) {
	l := newLink(t, DefaultConfig)

	require.NoError(t, l.a.Submit([]byte("hello"), Reliable))
	require.NoError(t, l.a.Submit([]byte("world"), Reliable))
	assert.Positive(t, l.a.Pending())

	l.pump(t, func() bool { return len(l.gotB) == 2 && l.a.Pending() == 0 })
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, l.gotB)
	assert.Zero(t, l.a.Pending())
}

func TestReliableFragmentation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := newLink(rt, DefaultConfig)
		payload := rapid.SliceOfN(rapid.Byte(), 1, l.a.MaxPayload()).Draw(rt, "payload")

		require.NoError(rt, l.a.Submit(payload, Reliable))
		l.pump(rt, func() bool { return len(l.gotB) == 1 })
		if !bytes.Equal(payload, l.gotB[0]) {
			rt.Fatalf("payload of %d bytes changed in transit", len(payload))
		}
	})
}

func TestPayloadTooLarge(t *testing.T) {
	e, err := NewKCPEngine(nil)
	require.NoError(t, err)

	err = e.Submit(make([]byte, e.MaxPayload()+1), Reliable)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	err = e.Submit(make([]byte, 1400), Unreliable)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.NoError(t, e.Submit(make([]byte, 1399), Unreliable))
}

func TestUnreliableLane(t *testing.T) {
	l := newLink(t, DefaultConfig)

	require.NoError(t, l.a.Submit([]byte("state-1"), Unreliable))
	assert.Equal(t, 1, l.a.Pending())

	var wire [][]byte
	require.NoError(t, l.a.Drain(func(d []byte) error {
		wire = append(wire, d)
		return nil
	}))
	require.Len(t, wire, 1)
	assert.Equal(t, frameUnreliable, wire[0][0])
	assert.Zero(t, l.a.Pending())

	chunks, err := l.b.Ingest(wire[0])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("state-1")}, chunks)

	// A lost unreliable datagram is gone for good.
	l.dropAtoB = func(d []byte) bool { return d[0] == frameUnreliable }
	require.NoError(t, l.a.Submit([]byte("state-2"), Unreliable))
	require.NoError(t, l.a.Submit([]byte("order"), Reliable))
	l.pump(t, func() bool { return l.a.Pending() == 0 })
	assert.Equal(t, [][]byte{[]byte("order")}, l.gotB)
}

func TestReliableSurvivesLoss(t *testing.T) {
	l := newLink(t, DefaultConfig)
	dropped := 0
	l.dropAtoB = func(d []byte) bool {
		if d[0] == frameKCP && dropped < 2 {
			dropped++
			return true
		}
		return false
	}

	require.NoError(t, l.a.Submit([]byte("must-arrive"), Reliable))
	l.pump(t, func() bool { return len(l.gotB) == 1 })
	assert.Equal(t, []byte("must-arrive"), l.gotB[0])
	assert.Equal(t, 2, dropped)
}

func TestDrainStopsAtFirstError(t *testing.T) {
	e := accepted(t, nil)
	require.NoError(t, e.Submit([]byte("a"), Unreliable))
	require.NoError(t, e.Submit([]byte("b"), Unreliable))

	boom := errors.New("would block")
	var written [][]byte
	err := e.Drain(func(d []byte) error {
		if len(written) == 1 {
			return boom
		}
		written = append(written, d)
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, written, 1)
	assert.Equal(t, 1, e.Pending())

	require.NoError(t, e.Drain(func(d []byte) error {
		written = append(written, d)
		return nil
	}))
	require.Len(t, written, 2)
	assert.Equal(t, []byte("b"), written[1][1:])
}

func TestCanSendThreshold(t *testing.T) {
	e, err := NewKCPEngine(&Config{SendThreshold: 4})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Submit([]byte("x"), Reliable))
		assert.True(t, e.CanSend())
	}
	require.NoError(t, e.Submit([]byte("x"), Reliable))
	assert.False(t, e.CanSend())
}

func TestCloseSendsFIN(t *testing.T) {
	l := newLink(t, DefaultConfig)

	l.a.Close()
	l.a.Close()
	assert.ErrorIs(t, l.a.Submit([]byte("late"), Reliable), ErrClosed)
	assert.Equal(t, 1, l.a.Pending())

	l.round(t, time.Now())
	assert.True(t, l.b.PeerClosed())
	assert.False(t, l.a.PeerClosed())
	assert.Zero(t, l.a.Pending())
}

func TestMalformedInputFails(t *testing.T) {
	e, err := NewKCPEngine(nil)
	require.NoError(t, err)

	_, err = e.Ingest([]byte{frameKCP, 1, 2, 3})
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.ErrorIs(t, e.Failed(), ErrSessionFailed)
	assert.ErrorIs(t, e.Submit([]byte("x"), Reliable), ErrSessionFailed)
	assert.ErrorIs(t, e.Tick(time.Now()), ErrSessionFailed)

	// Unknown frames and empty datagrams are ignored.
	e2, err := NewKCPEngine(nil)
	require.NoError(t, err)
	chunks, err := e2.Ingest([]byte{0x7f, 1})
	assert.NoError(t, err)
	assert.Empty(t, chunks)
	chunks, err = e2.Ingest(nil)
	assert.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestDeadLink(t *testing.T) {
	e, err := NewKCPEngine(&Config{DeadLinkTimeoutMs: 50})
	require.NoError(t, err)

	// Nothing unacknowledged: silence is fine.
	assert.NoError(t, e.Tick(time.Now().Add(time.Second)))

	require.NoError(t, e.Submit([]byte("unanswered"), Reliable))
	assert.NoError(t, e.Tick(time.Now()))
	err = e.Tick(time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrDeadLink)
	assert.ErrorIs(t, e.Failed(), ErrDeadLink)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "reliable", Reliable.String())
	assert.Equal(t, "unreliable", Unreliable.String())
	assert.Equal(t, "unknown", Mode(9).String())
}

func TestHandshakeHoldsPayloads(t *testing.T) {
	a, err := NewKCPEngine(nil)
	require.NoError(t, err)
	b, err := NewKCPEngine(nil)
	require.NoError(t, err)

	require.NoError(t, a.Submit([]byte("early"), Reliable))
	require.NoError(t, a.Submit([]byte("fast"), Unreliable))
	assert.Equal(t, 2, a.Pending())
	assert.Empty(t, drainAll(t, a), "nothing leaves before the handshake starts")

	a.Connect()
	a.Connect()
	wire := drainAll(t, a)
	require.Len(t, wire, 1)
	assert.True(t, IsConnectRequest(wire[0]))
	assert.False(t, a.Established())

	_, err = b.Ingest(wire[0])
	require.NoError(t, err)
	assert.True(t, b.Established())
	reply := drainAll(t, b)
	require.Len(t, reply, 1)
	assert.Equal(t, frameAccept, reply[0][0])

	_, err = a.Ingest(reply[0])
	require.NoError(t, err)
	assert.True(t, a.Established())

	// The unreliable payload is framed at once, the reliable one on the next tick.
	out := drainAll(t, a)
	require.Len(t, out, 1)
	assert.Equal(t, append([]byte{frameUnreliable}, "fast"...), out[0])

	l := &link{a: a, b: b}
	l.pump(t, func() bool { return len(l.gotB) == 1 && a.Pending() == 0 })
	assert.Equal(t, []byte("early"), l.gotB[0])
}

func TestHandshakeCountsTowardThreshold(t *testing.T) {
	e, err := NewKCPEngine(&Config{SendThreshold: 3})
	require.NoError(t, err)
	e.Connect()

	require.NoError(t, e.Submit(make([]byte, 2000), Reliable))
	assert.True(t, e.CanSend())
	require.NoError(t, e.Submit([]byte("x"), Reliable))
	assert.False(t, e.CanSend(), "a 2000 byte payload spans two segments")
	require.NoError(t, e.Submit([]byte("u"), Unreliable))
	assert.Equal(t, 4, e.Pending(), "SYN plus three held payloads")

	e.Close()
	assert.Equal(t, 2, e.Pending(), "held payloads are discarded on close")
}

func TestHandshakeRepeatsSYN(t *testing.T) {
	e, err := NewKCPEngine(&Config{HandshakeIntervalMs: 20, DeadLinkTimeoutMs: 200})
	require.NoError(t, err)
	e.Connect()
	require.Len(t, drainAll(t, e), 1)

	require.NoError(t, e.Tick(time.Now()))
	assert.Empty(t, drainAll(t, e), "interval not yet elapsed")

	require.NoError(t, e.Tick(time.Now().Add(50*time.Millisecond)))
	wire := drainAll(t, e)
	require.Len(t, wire, 1)
	assert.True(t, IsConnectRequest(wire[0]))

	// An unanswered handshake is a dead link.
	assert.ErrorIs(t, e.Tick(time.Now().Add(time.Second)), ErrDeadLink)
}

func TestHandshakeChecksConversation(t *testing.T) {
	e, err := NewKCPEngine(nil)
	require.NoError(t, err)

	_, err = e.Ingest(syn(DefaultConv + 1))
	require.NoError(t, err)
	assert.False(t, e.Established())
	assert.Empty(t, drainAll(t, e))

	_, err = e.Ingest([]byte{frameSYN, 1})
	require.NoError(t, err)
	assert.False(t, e.Established())

	// Retransmitted SYNs are answered every time.
	for range 2 {
		_, err = e.Ingest(syn(DefaultConv))
		require.NoError(t, err)
	}
	assert.True(t, e.Established())
	assert.Len(t, drainAll(t, e), 2)
}

func TestDataEstablishesSession(t *testing.T) {
	e, err := NewKCPEngine(nil)
	require.NoError(t, err)
	e.Connect()
	require.NoError(t, e.Submit([]byte("held"), Unreliable))

	// The ACCEPT was lost but the peer already sends data.
	chunks, err := e.Ingest([]byte{frameUnreliable, 'p'})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("p")}, chunks)
	assert.True(t, e.Established())

	wire := drainAll(t, e)
	require.Len(t, wire, 2)
	assert.True(t, IsConnectRequest(wire[0]))
	assert.Equal(t, []byte{frameUnreliable, 'h', 'e', 'l', 'd'}, wire[1])
}

func TestIsConnectRequest(t *testing.T) {
	assert.True(t, IsConnectRequest(syn(7)))
	assert.False(t, IsConnectRequest([]byte{frameSYN}))
	assert.False(t, IsConnectRequest([]byte{frameUnreliable, 'x'}))
	assert.False(t, IsConnectRequest(nil))
}
