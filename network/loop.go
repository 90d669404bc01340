package network

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/liangpengcheng/qnetpool/base"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func (p *Pool) loop() {
	defer p.wg.Done()
	p.tcpServers = make(map[Node]*tcpListener)
	p.node2stream = make(map[Node]*tcpConn)
	p.connecting = make(map[*tcpConn]struct{})
	p.waitingSend = make(map[Node]*queue.Queue)
	atomic.StoreInt32(&p.state, poolGood)
	for {
		select {
		case <-p.wake:
			p.onWakeup()
		case e := <-p.events:
			p.onEvent(e)
		}
		if p.exiting && p.liveParts == 0 {
			break
		}
	}
	close(p.loopExit)
}

// onWakeup moves the pending queues to local scratch under the lock,
// then works outside it.
func (p *Pool) onWakeup() {
	p.mu.Lock()
	bindCopy := p.pendingBind
	sendCopy := p.pendingSend
	closeCopy := p.pendingClose
	p.pendingBind = make(map[Node]bool)
	p.pendingSend = nil
	p.pendingClose = make(map[Node]bool)
	wantExit := p.wantExit
	p.mu.Unlock()

	if p.exiting {
		// Commands that raced the teardown wakeup; nothing is accepted
		// any more, just account the payloads back.
		for i := range sendCopy {
			p.trace.Free(sendCopy[i].data)
		}
		return
	}
	if wantExit {
		p.teardown(bindCopy, sendCopy)
		return
	}
	p.processBind(bindCopy)
	p.processSend(sendCopy)
	p.processClose(closeCopy)
}

func (p *Pool) onEvent(e ioEvent) {
	switch e.kind {
	case evAccept:
		p.onAccept(e)
	case evListenError:
		p.onListenError(e)
	case evConnectDone:
		p.onConnectDone(e)
	case evRead:
		p.onRead(e)
	case evWriteDone:
		p.onWriteDone(e)
	case evDatagram:
		p.onDatagram(e)
	case evTimer:
		p.onTimer(e)
	case evPartClosed:
		p.onPartClosed(e)
	}
}

//
// commands
//

func (p *Pool) processBind(bindCopy map[Node]bool) {
	for node, bBind := range bindCopy {
		switch node.Protocol() {
		case ProtocolTCP:
			if l, ok := p.tcpServers[node]; ok {
				if bBind {
					p.callback.BindStatus(node, true)
				} else {
					delete(p.tcpServers, node)
					atomic.AddInt32(&p.statListeners, -1)
					p.callback.BindStatus(node, false)
					p.closeListener(l)
				}
			} else if bBind {
				l := p.bindAndListenTCP(node)
				if l != nil {
					p.tcpServers[node] = l
					atomic.AddInt32(&p.statListeners, 1)
				}
				p.callback.BindStatus(node, l != nil)
			} else {
				p.callback.BindStatus(node, false)
			}
		case ProtocolUDP:
			idx := -1
			for i, u := range p.udpServers {
				if u.node.Equal(node) {
					idx = i
					break
				}
			}
			if idx >= 0 {
				if bBind {
					p.callback.BindStatus(node, true)
				} else {
					u := p.udpServers[idx]
					p.udpServers = append(p.udpServers[:idx], p.udpServers[idx+1:]...)
					atomic.AddInt32(&p.statListeners, -1)
					p.callback.BindStatus(node, false)
					p.closeUDP(u)
				}
			} else if bBind {
				u := p.bindUDP(node)
				if u != nil {
					p.udpServers = append(p.udpServers, u)
					atomic.AddInt32(&p.statListeners, 1)
				}
				p.callback.BindStatus(node, u != nil)
			} else {
				p.callback.BindStatus(node, false)
			}
		}
	}
}

func (p *Pool) processSend(sendCopy []pendingSend) {
	for i := range sendCopy {
		req := &sendCopy[i]
		switch req.node.Protocol() {
		case ProtocolTCP:
			p.sendTCP(req.node, req.data, req.autoConnect)
		case ProtocolUDP:
			p.sendUDP(req.node, req.data)
		default:
			if req.autoConnect {
				p.callback.ConnectionStatus(req.node, false)
			}
			p.callback.Drop(req.node, req.data)
			p.trace.Free(req.data)
		}
	}
}

func (p *Pool) processClose(closeCopy map[Node]bool) {
	for node, force := range closeCopy {
		c := p.node2stream[node]
		if c == nil {
			continue
		}
		if force || (c.pendingWrites == 0 && c.writeQueueEmpty()) {
			c.gracefulFIN = !force
			p.shutdownTCP(c, false)
		} else {
			// close after drain, bounded by the send deadline
			c.waitClose = true
			c.gracefulFIN = true
			c.armTimer(p.sendTimeout())
		}
	}
}

//
// tcp
//

func (p *Pool) bindAndListenTCP(node Node) *tcpListener {
	ln, err := net.Listen("tcp", node.Addr())
	if err != nil {
		base.LogWarn("bind and listen tcp %s error:%s", node.String(), err.Error())
		return nil
	}
	l := &tcpListener{pool: p, node: node, ln: ln}
	p.trace.AddObject()
	l.parts = 1
	p.liveParts++
	go l.acceptLoop()
	return l
}

// setupTCP applies the construction-time socket preferences to a
// freshly established stream.
func (p *Pool) setupTCP(nc net.Conn) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(p.settings.TCPEnableNoDelay); err != nil {
		base.LogWarn("set tcp nodelay error:%s", err.Error())
	}
	if err := tc.SetKeepAlive(p.settings.TCPEnableKeepAlive); err != nil {
		base.LogWarn("set tcp keepalive error:%s", err.Error())
	}
	if p.settings.TCPEnableKeepAlive {
		if err := tc.SetKeepAlivePeriod(time.Duration(p.settings.TCPKeepAliveTimeSeconds) * time.Second); err != nil {
			base.LogWarn("set tcp keepalive period error:%s", err.Error())
		}
	}
	// Just prefer, ignore failures.
	if sz := int(atomic.LoadInt32(&p.sendBufferSize)); sz != 0 {
		tc.SetWriteBuffer(sz)
	}
	if sz := int(atomic.LoadInt32(&p.recvBufferSize)); sz != 0 {
		tc.SetReadBuffer(sz)
	}
}

func (p *Pool) sendTCP(node Node, data []byte, autoConnect bool) {
	if c := p.node2stream[node]; c != nil {
		p.startWrite(c, &writeRequest{bufs: [][]byte{data}})
		return
	}
	_, waiting := p.waitingSend[node]
	if !waiting && !autoConnect {
		// no connection and no permission to make one
		p.callback.Drop(node, data)
		p.trace.Free(data)
		return
	}
	p.pushWaiting(node, data)
	if !waiting {
		c := p.connectTCP(node)
		if c == nil {
			p.callback.ConnectionStatus(node, false)
			p.dropWaiting(node)
			return
		}
		p.connecting[c] = struct{}{}
	}
}

// startWrite arms the send deadline and hands the request to the
// writer part. Failures surface in the write-done path.
func (p *Pool) startWrite(c *tcpConn, req *writeRequest) {
	c.armTimer(p.sendTimeout())
	c.pendingWrites++
	c.enqueueWrite(req)
}

func (p *Pool) connectTCP(node Node) *tcpConn {
	c := newTCPConn(p, node)
	c.armTimer(p.connectTimeout())
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.parts++
	p.liveParts++
	go c.dialLoop(ctx)
	return c
}

// startupTCP moves an established stream into node2stream, reports the
// connection and flushes any waiting payloads as one gathered write.
func (p *Pool) startupTCP(c *tcpConn) {
	if c.node.IP() == "" {
		base.LogError("startup a connection without node")
		p.closeConn(c)
		return
	}
	if _, exists := p.node2stream[c.node]; exists {
		// remote port reuse, the later flow loses with no callback
		base.LogWarn("startup %s rejected with remote port reuse", c.node.String())
		p.closeConn(c)
		return
	}
	p.node2stream[c.node] = c
	atomic.AddInt32(&p.statConnections, 1)
	p.callback.ConnectionStatus(c.node, true)
	q := p.waitingSend[c.node]
	if q == nil {
		return
	}
	req := &writeRequest{bufs: make([][]byte, 0, q.Length())}
	for q.Length() > 0 {
		req.bufs = append(req.bufs, q.Remove().([]byte))
	}
	delete(p.waitingSend, c.node)
	p.startWrite(c, req)
}

// shutdownTCP is idempotent and callable whenever the connection is
// still valid (closing included). At most one down notify per
// connection; alwaysNotify covers connects that never started up.
func (p *Pool) shutdownTCP(c *tcpConn, alwaysNotify bool) {
	c.waitClose = false
	removed := false
	if cur, ok := p.node2stream[c.node]; ok && cur == c {
		delete(p.node2stream, c.node)
		atomic.AddInt32(&p.statConnections, -1)
		removed = true
	}
	if (removed || alwaysNotify) && !c.downNotified {
		c.downNotified = true
		p.callback.ConnectionStatus(c.node, false)
	}
	p.dropWaiting(c.node)
	p.closeConn(c)
}

// closeConn runs the one-at-a-time close protocol: first call flips
// closing, cancels/halves/closes the owned resources and the record is
// released once every started part has completed.
func (p *Pool) closeConn(c *tcpConn) {
	if c.closing {
		return
	}
	c.closing = true
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
	}
	if c.conn != nil {
		if c.gracefulFIN {
			if tc, ok := c.conn.(*net.TCPConn); ok {
				tc.CloseWrite()
			}
		}
		c.conn.Close()
	}
	if c.started {
		close(c.recvCh)
		c.writeMu.Lock()
		c.writeClosed = true
		c.writeMu.Unlock()
		c.signalWriter()
	}
	if c.parts == 0 {
		p.releaseConn(c)
	}
}

func (p *Pool) releaseConn(c *tcpConn) {
	delete(p.connecting, c)
	p.trace.DelObject()
}

func (p *Pool) closeListener(l *tcpListener) {
	if l.closing {
		return
	}
	l.closing = true
	l.ln.Close()
}

func (p *Pool) closeUDP(u *udpSock) {
	if u.closing {
		return
	}
	u.closing = true
	u.conn.Close()
}

func (c *tcpConn) writeQueueEmpty() bool {
	if !c.started {
		return true
	}
	c.writeMu.Lock()
	empty := c.writeQ.Length() == 0
	c.writeMu.Unlock()
	return empty
}

//
// waiting send queue
//

func (p *Pool) pushWaiting(node Node, data []byte) {
	q := p.waitingSend[node]
	if q == nil {
		q = queue.New()
		p.waitingSend[node] = q
	}
	q.Add(data)
}

func (p *Pool) dropWaiting(node Node) {
	q := p.waitingSend[node]
	if q == nil {
		return
	}
	for q.Length() > 0 {
		data := q.Remove().([]byte)
		p.callback.Drop(node, data)
		p.trace.Free(data)
	}
	delete(p.waitingSend, node)
}

//
// udp
//

func (p *Pool) bindUDP(node Node) *udpSock {
	addr, err := net.ResolveUDPAddr("udp", node.Addr())
	if err != nil {
		base.LogWarn("bind udp %s addr error:%s", node.String(), err.Error())
		return nil
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		base.LogWarn("bind udp %s error:%s", node.String(), err.Error())
		return nil
	}
	if p.settings.UDPTTL > 0 {
		if node.IsIPv6() {
			if err := ipv6.NewPacketConn(conn).SetHopLimit(p.settings.UDPTTL); err != nil {
				base.LogWarn("set udp hop limit error:%s", err.Error())
			}
		} else {
			if err := ipv4.NewPacketConn(conn).SetTTL(p.settings.UDPTTL); err != nil {
				base.LogWarn("set udp ttl error:%s", err.Error())
			}
		}
	}
	u := &udpSock{pool: p, node: node, conn: conn}
	p.trace.AddObject()
	u.parts = 1
	p.liveParts++
	go u.readLoop()
	return u
}

// sendUDP picks a bound sender round robin. With no sender bound the
// payload is dropped silently, no callback fires.
func (p *Pool) sendUDP(node Node, data []byte) {
	if len(p.udpServers) == 0 {
		p.trace.Free(data)
		return
	}
	u := p.udpServers[p.udpIndex%len(p.udpServers)]
	p.udpIndex++
	raddr, err := net.ResolveUDPAddr("udp", node.Addr())
	if err != nil {
		p.callback.Drop(node, data)
		p.trace.Free(data)
		return
	}
	_, werr := u.conn.WriteToUDP(data, raddr)
	p.trace.Free(data)
	if werr != nil {
		base.LogWarn("udp send via %s error:%s", u.node.String(), werr.Error())
		p.removeUDPServer(u)
		p.callback.BindStatus(u.node, false)
		p.closeUDP(u)
	}
}

func (p *Pool) removeUDPServer(u *udpSock) {
	for i, s := range p.udpServers {
		if s == u {
			p.udpServers = append(p.udpServers[:i], p.udpServers[i+1:]...)
			atomic.AddInt32(&p.statListeners, -1)
			return
		}
	}
}

//
// events
//

func (p *Pool) onAccept(e ioEvent) {
	l := e.lis
	if l.closing || p.exiting {
		e.nc.Close()
		return
	}
	node := NewNodeFromAddr(ProtocolTCP, e.nc.RemoteAddr())
	if _, exists := p.node2stream[node]; exists {
		// remote port reuse, silent to the application
		base.LogWarn("incoming %s rejected with remote port reuse", node.String())
		e.nc.Close()
		return
	}
	c := newTCPConn(p, node)
	c.conn = e.nc
	p.setupTCP(e.nc)
	c.armTimer(p.idleTimeout())
	c.startIO()
	p.startupTCP(c)
	if !c.closing {
		p.armRecv(c)
	}
}

func (p *Pool) onListenError(e ioEvent) {
	if e.lis != nil {
		l := e.lis
		if l.closing {
			return
		}
		base.LogWarn("tcp listen %s error:%s", l.node.String(), e.err.Error())
		if _, ok := p.tcpServers[l.node]; ok {
			delete(p.tcpServers, l.node)
			atomic.AddInt32(&p.statListeners, -1)
			p.callback.BindStatus(l.node, false)
		}
		p.closeListener(l)
		return
	}
	u := e.udp
	if u.closing {
		return
	}
	base.LogWarn("udp recv %s error:%s", u.node.String(), e.err.Error())
	p.removeUDPServer(u)
	p.callback.BindStatus(u.node, false)
	p.closeUDP(u)
}

func (p *Pool) onConnectDone(e ioEvent) {
	c := e.conn
	delete(p.connecting, c)
	if c.closing {
		if e.nc != nil {
			e.nc.Close()
		}
		return
	}
	if e.err != nil {
		base.LogWarn("connect %s error:%s", c.node.String(), e.err.Error())
		// always notify so exactly one down is observed
		p.shutdownTCP(c, true)
		return
	}
	c.conn = e.nc
	p.setupTCP(e.nc)
	c.armTimer(p.idleTimeout())
	c.startIO()
	p.startupTCP(c)
	if !c.closing {
		p.armRecv(c)
	}
}

// armRecv asks the application for the next receive buffer and hands
// it to the reader part. An empty buffer refuses the receive.
func (p *Pool) armRecv(c *tcpConn) {
	buf := p.callback.AllocateForMessage(c.node, recvSuggestedSize)
	if len(buf) == 0 {
		p.callback.DeallocateForMessage(c.node, buf)
		p.shutdownTCP(c, false)
		return
	}
	c.recvCh <- buf
}

func (p *Pool) onRead(e ioEvent) {
	c := e.conn
	if c.closing {
		p.callback.DeallocateForMessage(c.node, e.buf)
		return
	}
	if e.n > 0 {
		p.callback.Message(c.node, e.buf[:e.n])
	}
	p.callback.DeallocateForMessage(c.node, e.buf)
	if e.err != nil {
		if e.err != io.EOF {
			base.LogWarn("read %s error:%s", c.node.String(), e.err.Error())
		}
		p.shutdownTCP(c, false)
		return
	}
	p.armRecv(c)
	if !c.closing && c.pendingWrites == 0 {
		c.armTimer(p.idleTimeout())
	}
}

func (p *Pool) onWriteDone(e ioEvent) {
	c := e.conn
	req := e.req
	c.pendingWrites--
	if e.err != nil {
		base.LogWarn("tcp write %s error:%s", c.node.String(), e.err.Error())
		for _, b := range req.bufs {
			p.callback.Drop(c.node, b)
		}
		for _, b := range req.bufs {
			p.trace.Free(b)
		}
		p.shutdownTCP(c, false)
		return
	}
	for _, b := range req.bufs {
		p.trace.Free(b)
	}
	if c.closing {
		return
	}
	if c.pendingWrites == 0 && c.writeQueueEmpty() {
		if c.waitClose {
			p.shutdownTCP(c, false)
			return
		}
		c.armTimer(p.idleTimeout())
	}
}

func (p *Pool) onDatagram(e ioEvent) {
	u := e.udp
	if u.closing || p.exiting {
		p.trace.Free(e.buf)
		return
	}
	buf := p.callback.AllocateForMessage(e.from, len(e.buf))
	if len(buf) >= len(e.buf) {
		copy(buf, e.buf)
		p.callback.Message(e.from, buf[:len(e.buf)])
	}
	p.callback.DeallocateForMessage(e.from, buf)
	p.trace.Free(e.buf)
}

func (p *Pool) onTimer(e ioEvent) {
	c := e.conn
	if c.closing || e.gen != c.timerGen {
		return
	}
	if _, isConnecting := p.connecting[c]; isConnecting {
		p.shutdownTCP(c, true)
		return
	}
	p.shutdownTCP(c, false)
}

func (p *Pool) onPartClosed(e ioEvent) {
	p.liveParts--
	switch {
	case e.conn != nil:
		c := e.conn
		c.parts--
		if c.parts == 0 && c.closing {
			p.releaseConn(c)
		}
	case e.lis != nil:
		l := e.lis
		l.parts--
		if l.parts == 0 {
			p.trace.DelObject()
		}
	case e.udp != nil:
		u := e.udp
		u.parts--
		if u.parts == 0 {
			p.trace.DelObject()
		}
	}
}

//
// teardown
//

// teardown stops and frees everything in a fixed order: listeners,
// udp sockets, live peers, connecting peers, waiting payloads, then
// the command queues that were drained with the exit flag.
func (p *Pool) teardown(bindCopy map[Node]bool, sendCopy []pendingSend) {
	p.exiting = true
	for node, l := range p.tcpServers {
		p.callback.BindStatus(node, false)
		p.closeListener(l)
	}
	p.tcpServers = make(map[Node]*tcpListener)
	for _, u := range p.udpServers {
		p.callback.BindStatus(u.node, false)
		p.closeUDP(u)
	}
	p.udpServers = nil
	atomic.StoreInt32(&p.statListeners, 0)
	for node, c := range p.node2stream {
		c.downNotified = true
		p.callback.ConnectionStatus(node, false)
		p.closeConn(c)
	}
	p.node2stream = make(map[Node]*tcpConn)
	atomic.StoreInt32(&p.statConnections, 0)
	for c := range p.connecting {
		if !c.downNotified {
			c.downNotified = true
			p.callback.ConnectionStatus(c.node, false)
		}
		p.closeConn(c)
	}
	p.connecting = make(map[*tcpConn]struct{})
	for node, q := range p.waitingSend {
		for q.Length() > 0 {
			data := q.Remove().([]byte)
			p.callback.Drop(node, data)
			p.trace.Free(data)
		}
	}
	p.waitingSend = make(map[Node]*queue.Queue)
	for node := range bindCopy {
		p.callback.BindStatus(node, false)
	}
	for i := range sendCopy {
		p.callback.Drop(sendCopy[i].node, sendCopy[i].data)
		p.trace.Free(sendCopy[i].data)
	}
}
