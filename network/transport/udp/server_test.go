//go:build linux

package udp

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linchenxuan/realtinet/metrics"
	"github.com/linchenxuan/realtinet/network/session"
	"github.com/linchenxuan/realtinet/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer starts a server that sends every message back on the lane it asks for.
func echoServer(t *testing.T, cfg *ServerCfg) (*Server, *atomic.Int64) {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)

	var up atomic.Int64
	s.SetConnectionCallback(func(c *Connection) {
		if c.Connected() {
			up.Add(1)
		} else {
			up.Add(-1)
		}
	})
	s.SetMessageCallback(func(c *Connection, buf *bytes.Buffer, _ time.Time) {
		c.SendBuffer(buf, session.Reliable)
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, &up
}

type inbox struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (in *inbox) onMessage(_ *Connection, buf *bytes.Buffer, _ time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.buf.Write(buf.Bytes())
	buf.Reset()
}

func (in *inbox) String() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.buf.String()
}

func startClient(t *testing.T, addr string, reliable bool) (*Client, *inbox) {
	t.Helper()
	cl, err := NewClient(&ClientCfg{Name: t.Name(), Addr: addr, Reliable: reliable})
	require.NoError(t, err)
	in := &inbox{}
	cl.SetMessageCallback(in.onMessage)
	require.NoError(t, cl.Start())
	t.Cleanup(func() { _ = cl.Stop() })
	return cl, in
}

func TestServerClientReliableEcho(t *testing.T) {
	m := installMemory(t)
	s, up := echoServer(t, &ServerCfg{Name: "echo", Addr: "127.0.0.1:0", LoopNum: 2, Reliable: true})
	cl, in := startClient(t, s.Addr().String(), true)

	conn := cl.Connection()
	require.NotNil(t, conn)
	assert.Equal(t, Active, conn.Role())
	assert.True(t, conn.Reliable())

	conn.Send([]byte("ping"))
	require.Eventually(t, func() bool { return in.String() == "ping" }, _waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, s.ConnCount())
	assert.Equal(t, int64(1), up.Load())
	assert.Equal(t, metrics.Value(1), m.Value(metrics.GroupRealtinet, metrics.NameAcceptTotal, nil))

	big := bytes.Repeat([]byte("0123456789"), 3000)
	conn.Send(big)
	require.Eventually(t, func() bool { return in.String() == "ping"+string(big) }, _waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, s.ConnCount(), "later datagrams reuse the accepted connection")

	require.NoError(t, cl.Disconnect())
	require.Eventually(t, func() bool { return cl.Connection() == nil }, _waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.ConnCount() == 0 }, _waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return up.Load() == 0 }, _waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, cl.Disconnect(), ErrNotConnected)
}

func TestServerClientPlainEcho(t *testing.T) {
	s, _ := echoServer(t, &ServerCfg{Addr: "127.0.0.1:0"})
	cl, in := startClient(t, s.Addr().String(), false)

	cl.Connection().SendWithMode([]byte("hi"), session.Unreliable)
	require.Eventually(t, func() bool { return in.String() == "hi" }, _waitFor, 5*time.Millisecond)
	cl.Connection().Send([]byte("!"))
	require.Eventually(t, func() bool { return in.String() == "hi!" }, _waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, s.ConnCount())
}

func TestServerMaxConns(t *testing.T) {
	m := installMemory(t)
	s, _ := echoServer(t, &ServerCfg{Addr: "127.0.0.1:0", MaxConns: 1})

	first, in1 := startClient(t, s.Addr().String(), false)
	first.Connection().Send([]byte("one"))
	require.Eventually(t, func() bool { return in1.String() == "one" }, _waitFor, 5*time.Millisecond)

	second, in2 := startClient(t, s.Addr().String(), false)
	second.Connection().Send([]byte("two"))
	require.Eventually(t, func() bool {
		return m.Value(metrics.GroupRealtinet, metrics.NameAcceptRejectTotal,
			metrics.Dimension{metrics.DimReason: "max_conns"}) >= 1
	}, _waitFor, 5*time.Millisecond)
	assert.Empty(t, in2.String())
	assert.Equal(t, 1, s.ConnCount())
}

func TestServerAcceptRate(t *testing.T) {
	m := installMemory(t)
	s, _ := echoServer(t, &ServerCfg{Addr: "127.0.0.1:0", AcceptRate: 0.001, AcceptBurst: 1})

	first, in1 := startClient(t, s.Addr().String(), false)
	first.Connection().Send([]byte("one"))
	require.Eventually(t, func() bool { return in1.String() == "one" }, _waitFor, 5*time.Millisecond)

	second, _ := startClient(t, s.Addr().String(), false)
	second.Connection().Send([]byte("two"))
	require.Eventually(t, func() bool {
		return m.Value(metrics.GroupRealtinet, metrics.NameAcceptRejectTotal,
			metrics.Dimension{metrics.DimReason: "rate_limited"}) >= 1
	}, _waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, s.ConnCount())
}

func TestReliableServerAcceptsOnlyHandshakes(t *testing.T) {
	m := installMemory(t)
	s, up := echoServer(t, &ServerCfg{Addr: "127.0.0.1:0", LoopNum: 1, Reliable: true})

	raw, err := net.DialUDP("udp", nil, s.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	_, err = raw.Write([]byte{0x02, 'x'})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.Value(metrics.GroupRealtinet, metrics.NameAcceptRejectTotal,
			metrics.Dimension{metrics.DimReason: "no_handshake"}) == 1
	}, _waitFor, 5*time.Millisecond)
	assert.Zero(t, s.ConnCount())

	syn := binary.LittleEndian.AppendUint32([]byte{0x04}, session.DefaultConv)
	_, err = raw.Write(syn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ConnCount() == 1 }, _waitFor, 5*time.Millisecond)
	assert.Equal(t, int64(1), up.Load())

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(_waitFor)))
	reply := make([]byte, 64)
	n, err := raw.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x05}, syn[1:]...), reply[:n])
}

func TestServerStopDestroysConnections(t *testing.T) {
	s, up := echoServer(t, &ServerCfg{Addr: "127.0.0.1:0", LoopNum: 1, Reliable: true})
	cl, in := startClient(t, s.Addr().String(), true)

	cl.Connection().Send([]byte("x"))
	require.Eventually(t, func() bool { return in.String() == "x" }, _waitFor, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Zero(t, s.ConnCount())
	assert.Zero(t, up.Load())
}

func TestClientLifecycle(t *testing.T) {
	cl, err := NewClient(&ClientCfg{Addr: "127.0.0.1:9"})
	require.NoError(t, err)
	assert.Error(t, cl.Connect(), "not started")
	assert.ErrorIs(t, cl.Disconnect(), ErrNotConnected)
	require.NoError(t, cl.Stop())

	require.NoError(t, cl.Start())
	assert.Error(t, cl.Start())
	assert.Error(t, cl.Connect(), "already connected")
	require.NoError(t, cl.Stop())
	assert.Nil(t, cl.Connection())
}

func TestTransportConfig(t *testing.T) {
	t.Run("ServerDefaults", func(t *testing.T) {
		cfg := &ServerCfg{Addr: ":0", AcceptRate: 50}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "udp_server", cfg.Name)
		assert.Equal(t, 50, cfg.AcceptBurst)
		assert.Equal(t, DefaultTickInterval, cfg.TickInterval())
		require.NotNil(t, cfg.Session)
		assert.Equal(t, session.DefaultConv, cfg.Session.Conv)
		assert.Equal(t, "udp_server", cfg.GetName())
	})

	t.Run("ServerErrors", func(t *testing.T) {
		for name, cfg := range map[string]*ServerCfg{
			"NoAddr":       {},
			"NegativeLoop": {Addr: ":0", LoopNum: -1},
			"NegativeRate": {Addr: ":0", AcceptRate: -1},
			"NegativeMax":  {Addr: ":0", MaxConns: -1},
			"BadSession":   {Addr: ":0", Session: &session.Config{MTU: 9000}},
		} {
			assert.Error(t, cfg.Validate(), name)
		}
	})

	t.Run("Client", func(t *testing.T) {
		cfg := &ClientCfg{Addr: "127.0.0.1:1", TickIntervalMs: 20}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 20*time.Millisecond, cfg.TickInterval())
		assert.Equal(t, "udp_client", cfg.Name)
		assert.Error(t, (&ClientCfg{}).Validate())
	})
}

func TestPluginFactories(t *testing.T) {
	m := plugin.NewManager()
	m.RegisterFactory(NewServerFactory())
	m.RegisterFactory(NewClientFactory())

	require.NoError(t, m.SetupPlugins(map[string]any{
		string(plugin.ServerTransport): map[string]any{
			"udp_server": map[string]any{
				"tag": plugin.DefaultInsName, "addr": "127.0.0.1:0", "loopNum": 1, "reliable": true,
				"session": map[string]any{"sndWnd": 64, "rcvWnd": 64},
			},
		},
	}))
	p, err := m.GetDefaultPlugin(plugin.ServerTransport)
	require.NoError(t, err)
	s, ok := p.(*Server)
	require.True(t, ok)
	assert.Equal(t, 64, s.cfg.Session.SndWnd)
	assert.Equal(t, 1400, s.cfg.Session.MTU)

	require.NoError(t, s.Start())
	assert.NotNil(t, s.Addr())
	m.DestroyPlugins()
	assert.Zero(t, s.ConnCount())

	err = m.SetupPlugins(map[string]any{
		string(plugin.ClientTransport): map[string]any{"udp_client": map[string]any{"reliable": true}},
	})
	assert.ErrorIs(t, err, plugin.ErrConfigInvalid)
}
