package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
)

type eventKind uint8

const (
	evAccept eventKind = iota
	evListenError
	evConnectDone
	evRead
	evWriteDone
	evDatagram
	evTimer
	evPartClosed
)

// ioEvent is what the I/O goroutines hand back to the loop. Exactly one
// of lis/conn/udp identifies the owner.
type ioEvent struct {
	kind eventKind
	lis  *tcpListener
	conn *tcpConn
	udp  *udpSock
	nc   net.Conn
	buf  []byte
	n    int
	err  error
	from Node
	req  *writeRequest
	gen  uint32
}

// writeRequest carries one or more payload slots written as a single
// ordered gathered write. Slot memory is counted by the pool's trace
// and released in the write-done path.
type writeRequest struct {
	bufs [][]byte
}

func (r *writeRequest) writeTo(conn net.Conn) error {
	// net.Buffers consumes itself, keep r.bufs for the completion path.
	bufs := make(net.Buffers, len(r.bufs))
	copy(bufs, r.bufs)
	_, err := bufs.WriteTo(conn)
	return err
}

// tcpConn owns one TCP stream plus the per-connection deadline timer.
// The reader and writer goroutines are its sub-handles: the record is
// released only after every started part has posted evPartClosed.
//
// closing/waitClose/parts/pendingWrites只在loop线程访问
type tcpConn struct {
	pool *Pool
	node Node

	conn       net.Conn
	cancelDial context.CancelFunc

	timer    *time.Timer
	timerGen uint32

	closing      bool
	waitClose    bool
	gracefulFIN  bool
	downNotified bool

	started       bool
	parts         int
	pendingWrites int

	recvCh chan []byte

	writeMu     sync.Mutex
	writeQ      *queue.Queue
	writeClosed bool
	writeSig    chan struct{}
}

func newTCPConn(p *Pool, node Node) *tcpConn {
	p.trace.AddObject()
	return &tcpConn{
		pool: p,
		node: node,
	}
}

// startIO spawns the reader and writer parts. Only valid once the
// stream is established (accept or connect done).
func (c *tcpConn) startIO() {
	c.recvCh = make(chan []byte, 1)
	c.writeQ = queue.New()
	c.writeSig = make(chan struct{}, 1)
	c.started = true
	c.parts += 2
	c.pool.liveParts += 2
	go c.readerLoop()
	go c.writerLoop()
}

func (c *tcpConn) readerLoop() {
	for buf := range c.recvCh {
		n, err := c.conn.Read(buf)
		c.pool.postEvent(ioEvent{kind: evRead, conn: c, buf: buf, n: n, err: err})
		if err != nil {
			break
		}
	}
	c.pool.postEvent(ioEvent{kind: evPartClosed, conn: c})
}

func (c *tcpConn) writerLoop() {
	for {
		c.writeMu.Lock()
		if c.writeQ.Length() == 0 {
			closed := c.writeClosed
			c.writeMu.Unlock()
			if closed {
				break
			}
			<-c.writeSig
			continue
		}
		req := c.writeQ.Remove().(*writeRequest)
		c.writeMu.Unlock()
		err := req.writeTo(c.conn)
		c.pool.postEvent(ioEvent{kind: evWriteDone, conn: c, req: req, err: err})
	}
	c.pool.postEvent(ioEvent{kind: evPartClosed, conn: c})
}

func (c *tcpConn) enqueueWrite(req *writeRequest) {
	c.writeMu.Lock()
	c.writeQ.Add(req)
	c.writeMu.Unlock()
	c.signalWriter()
}

func (c *tcpConn) signalWriter() {
	select {
	case c.writeSig <- struct{}{}:
	default:
	}
}

// armTimer rearms the connection timer. The role of the timer is
// whichever deadline armed it last; a fire from an older arm carries a
// stale generation and is ignored by the loop.
func (c *tcpConn) armTimer(d time.Duration) {
	c.timerGen++
	gen := c.timerGen
	if c.timer != nil {
		c.timer.Stop()
	}
	pool := c.pool
	conn := c
	c.timer = time.AfterFunc(d, func() {
		pool.postEvent(ioEvent{kind: evTimer, conn: conn, gen: gen})
	})
}

func (c *tcpConn) dialLoop(ctx context.Context) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.node.Addr())
	c.pool.postEvent(ioEvent{kind: evConnectDone, conn: c, nc: nc, err: err})
	c.pool.postEvent(ioEvent{kind: evPartClosed, conn: c})
}

// tcpListener owns one listening socket and its accept part.
type tcpListener struct {
	pool    *Pool
	node    Node
	ln      net.Listener
	closing bool
	parts   int
}

func (l *tcpListener) acceptLoop() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.pool.postEvent(ioEvent{kind: evListenError, lis: l, err: err})
			}
			break
		}
		l.pool.postEvent(ioEvent{kind: evAccept, lis: l, nc: nc})
	}
	l.pool.postEvent(ioEvent{kind: evPartClosed, lis: l})
}

// udpSock owns one bound UDP socket, used both for receive and as a
// round-robin egress sender.
type udpSock struct {
	pool    *Pool
	node    Node
	conn    *net.UDPConn
	closing bool
	parts   int
}

func (u *udpSock) readLoop() {
	scratch := make([]byte, recvSuggestedSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(scratch)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				u.pool.postEvent(ioEvent{kind: evListenError, udp: u, err: err})
			}
			break
		}
		data := u.pool.trace.Malloc(n)
		copy(data, scratch[:n])
		from := NewNode(ProtocolUDP, addr.IP.String(), uint16(addr.Port))
		u.pool.postEvent(ioEvent{kind: evDatagram, udp: u, buf: data, from: from})
	}
	u.pool.postEvent(ioEvent{kind: evPartClosed, udp: u})
}
