package network

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cbEvent struct {
	kind string // "message" "drop" "bind" "connection"
	node Node
	data string
	ok   bool
}

// recorder collects every upcall so tests can assert order.
type recorder struct {
	events chan cbEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan cbEvent, 256)}
}

func (r *recorder) AllocateForMessage(node Node, suggested int) []byte {
	return make([]byte, suggested)
}

func (r *recorder) DeallocateForMessage(node Node, buf []byte) {
}

func (r *recorder) Message(node Node, data []byte) {
	r.events <- cbEvent{kind: "message", node: node, data: string(data)}
}

func (r *recorder) Drop(node Node, data []byte) {
	r.events <- cbEvent{kind: "drop", node: node, data: string(data)}
}

func (r *recorder) BindStatus(node Node, ok bool) {
	r.events <- cbEvent{kind: "bind", node: node, ok: ok}
}

func (r *recorder) ConnectionStatus(node Node, ok bool) {
	r.events <- cbEvent{kind: "connection", node: node, ok: ok}
}

func (r *recorder) wait(t *testing.T, kind string) cbEvent {
	t.Helper()
	for {
		select {
		case e := <-r.events:
			if e.kind == kind {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s", kind)
			return cbEvent{}
		}
	}
}

func (r *recorder) expectNone(t *testing.T, kind string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e := <-r.events:
			if e.kind == kind {
				t.Fatalf("unexpected %s event %+v", kind, e)
			}
		case <-deadline:
			return
		}
	}
}

// freePort grabs an ephemeral port and releases it again.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return uint16(port)
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestPoolBindUnbind(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	node := NewNode(ProtocolTCP, "127.0.0.1", freePort(t))
	pool.Bind(node, true)
	e := rec.wait(t, "bind")
	assert.Equal(t, node, e.node)
	assert.True(t, e.ok)

	// binding again just re-reports success
	pool.Bind(node, true)
	e = rec.wait(t, "bind")
	assert.True(t, e.ok)

	pool.Bind(node, false)
	e = rec.wait(t, "bind")
	assert.False(t, e.ok)

	// the port is released, no accepts occur any more
	_, dialErr := net.DialTimeout("tcp", node.Addr(), 500*time.Millisecond)
	if dialErr == nil {
		// a racing dial may still land in the kernel backlog before
		// the close finished, but no connection event may surface
		rec.expectNone(t, "connection", 300*time.Millisecond)
	}
}

func TestPoolEcho(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)

	node := NewNode(ProtocolTCP, "127.0.0.1", freePort(t))
	pool.Bind(node, true)
	require.True(t, rec.wait(t, "bind").ok)

	client, err := net.Dial("tcp", node.Addr())
	require.NoError(t, err)

	up := rec.wait(t, "connection")
	require.True(t, up.ok)
	peer := up.node

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	msg := rec.wait(t, "message")
	assert.Equal(t, "ping", msg.data)
	assert.Equal(t, peer, msg.node)

	require.True(t, pool.Send(peer, []byte("pong"), false))
	reply := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = readFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))

	client.Close()
	down := rec.wait(t, "connection")
	assert.False(t, down.ok)
	assert.Equal(t, peer, down.node)

	pool.Shutdown()
	assert.Equal(t, int64(0), pool.MemoryTrace().MemoryUsage())
	assert.Equal(t, int32(0), pool.MemoryTrace().ObjectCount())
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestPoolAutoConnectRefused(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	// nothing listens here
	node := NewNode(ProtocolTCP, "127.0.0.1", freePort(t))
	require.True(t, pool.Send(node, []byte("hello"), true))

	down := rec.wait(t, "connection")
	assert.False(t, down.ok)
	assert.Equal(t, node, down.node)

	drop := rec.wait(t, "drop")
	assert.Equal(t, "hello", drop.data)
	assert.Equal(t, node, drop.node)
}

func TestPoolSendWithoutAutoConnect(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	node := NewNode(ProtocolTCP, "127.0.0.1", freePort(t))
	require.True(t, pool.Send(node, []byte("nope"), false))
	drop := rec.wait(t, "drop")
	assert.Equal(t, "nope", drop.data)
	// no connection was attempted, no down notify
	rec.expectNone(t, "connection", 300*time.Millisecond)
}

func TestPoolOutboundConnectAndClose(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			accepted <- conn
		}
	}()

	node := NewNodeFromAddr(ProtocolTCP, ln.Addr())
	require.True(t, pool.Send(node, []byte("queued"), true))

	up := rec.wait(t, "connection")
	require.True(t, up.ok)
	require.Equal(t, node, up.node)

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timeout")
	}
	defer server.Close()

	// the queued payload arrives as one write
	buf := make([]byte, 6)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = readFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(buf))

	// close is idempotent, only one down notify
	pool.Close(node, false)
	pool.Close(node, true)
	down := rec.wait(t, "connection")
	assert.False(t, down.ok)
	rec.expectNone(t, "connection", 300*time.Millisecond)
}

func TestPoolWaitingSendGatheredWrite(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, aerr := ln.Accept()
		if aerr == nil {
			accepted <- conn
		}
	}()

	node := NewNodeFromAddr(ProtocolTCP, ln.Addr())
	// several payloads queue while the connect is in flight, they must
	// arrive in enqueue order
	require.True(t, pool.Send(node, []byte("aa"), true))
	require.True(t, pool.Send(node, []byte("bb"), false))
	require.True(t, pool.Send(node, []byte("cc"), false))

	require.True(t, rec.wait(t, "connection").ok)
	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timeout")
	}
	defer server.Close()

	buf := make([]byte, 6)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = readFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "aabbcc", string(buf))
}

func TestPoolShutdownDropsEverything(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)

	node := NewNode(ProtocolTCP, "127.0.0.1", freePort(t))
	pool.Bind(node, true)
	require.True(t, rec.wait(t, "bind").ok)

	pool.Shutdown()
	// bind down for the listener
	e := rec.wait(t, "bind")
	assert.False(t, e.ok)

	// nothing is accepted after shutdown
	assert.False(t, pool.Send(node, []byte("late"), false))
	pool.Bind(node, true)
	pool.Close(node, false)

	assert.Equal(t, int64(0), pool.MemoryTrace().MemoryUsage())
	assert.Equal(t, int32(0), pool.MemoryTrace().ObjectCount())
}

func TestPoolUDP(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	node := NewNode(ProtocolUDP, "127.0.0.1", freeUDPPort(t))
	pool.Bind(node, true)
	require.True(t, rec.wait(t, "bind").ok)

	ext, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ext.Close()

	raddr, err := net.ResolveUDPAddr("udp", node.Addr())
	require.NoError(t, err)
	_, err = ext.WriteToUDP([]byte("datagram"), raddr)
	require.NoError(t, err)

	msg := rec.wait(t, "message")
	assert.Equal(t, "datagram", msg.data)
	assert.Equal(t, ProtocolUDP, msg.node.Protocol())

	// egress goes round robin over the bound senders
	extNode := NewNodeFromAddr(ProtocolUDP, ext.LocalAddr())
	require.True(t, pool.Send(extNode, []byte("reply"), false))
	buf := make([]byte, 16)
	ext.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := ext.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
}

func TestPoolUDPNoSenderSilentDrop(t *testing.T) {
	rec := newRecorder()
	pool, err := NewPool(DefaultSettings(), rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	node := NewNode(ProtocolUDP, "127.0.0.1", freeUDPPort(t))
	require.True(t, pool.Send(node, []byte("void"), false))
	// no sender bound: the payload vanishes with no callback
	rec.expectNone(t, "drop", 300*time.Millisecond)
	assert.Equal(t, int64(0), pool.MemoryTrace().MemoryUsage())
}

func TestPoolIdleTimeout(t *testing.T) {
	rec := newRecorder()
	settings := DefaultSettings()
	settings.TCPIdleTimeoutSeconds = 1
	pool, err := NewPool(settings, rec)
	require.NoError(t, err)
	defer pool.Shutdown()

	node := NewNode(ProtocolTCP, "127.0.0.1", freePort(t))
	pool.Bind(node, true)
	require.True(t, rec.wait(t, "bind").ok)

	client, err := net.Dial("tcp", node.Addr())
	require.NoError(t, err)
	defer client.Close()
	require.True(t, rec.wait(t, "connection").ok)

	// no traffic: the idle deadline shuts the connection down
	down := rec.wait(t, "connection")
	assert.False(t, down.ok)
}
