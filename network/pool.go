package network

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Pool is a connection pool around one event loop goroutine that owns
// every socket, timer and in-flight request. Applications never touch
// sockets: they publish commands through Bind/Send/Close from any
// goroutine and receive the results through PoolCallback upcalls, all
// delivered on the loop goroutine.
//
// TCP port reuse may cause some problem. A second connection
// presenting an already-known remote endpoint is silently rejected.
//
// 注意检查MemoryTrace再往pool里压数据，分配失败的关键路径会丢包
type Pool struct {
	state int32

	callback PoolCallback
	settings Settings
	trace    MemoryTrace

	// data exchanged between producers and the loop
	mu           sync.Mutex
	pendingBind  map[Node]bool
	pendingSend  []pendingSend
	pendingClose map[Node]bool
	wantExit     bool

	wake     chan struct{}
	events   chan ioEvent
	loopExit chan struct{}
	wg       sync.WaitGroup
	closed   sync.Once

	sendBufferSize int32
	recvBufferSize int32

	statConnections int32
	statListeners   int32

	// loop private state
	tcpServers  map[Node]*tcpListener
	udpServers  []*udpSock
	udpIndex    int
	node2stream map[Node]*tcpConn
	connecting  map[*tcpConn]struct{}
	waitingSend map[Node]*queue.Queue
	liveParts   int
	exiting     bool
}

type pendingSend struct {
	node        Node
	data        []byte
	autoConnect bool
}

const (
	poolInitializing int32 = iota
	poolGood
	poolBad
)

const recvSuggestedSize = 64 * 1024

// ErrBadPool the loop failed to initialize
var ErrBadPool = errors.New("network: pool loop init failed")

// NewPool spawns the loop goroutine and waits until it is up.
func NewPool(settings Settings, callback PoolCallback) (*Pool, error) {
	if callback == nil {
		return nil, errors.New("network: nil callback")
	}
	settings.withDefaults()
	p := &Pool{
		callback:     callback,
		settings:     settings,
		pendingBind:  make(map[Node]bool),
		pendingClose: make(map[Node]bool),
		wake:         make(chan struct{}, 1),
		events:       make(chan ioEvent, 256),
		loopExit:     make(chan struct{}),
	}
	p.sendBufferSize = int32(settings.TCPSendBufferSize)
	p.recvBufferSize = int32(settings.TCPRecvBufferSize)
	p.wg.Add(1)
	go p.loop()
	for atomic.LoadInt32(&p.state) == poolInitializing {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&p.state) == poolBad {
		p.wg.Wait()
		return nil, ErrBadPool
	}
	return p, nil
}

// SetSendAndRecvBufferSize set the preferred socket Tx & Rx buffer
// size for connections established afterwards. 0 means the system
// default. Linux sets double the given value.
func (p *Pool) SetSendAndRecvBufferSize(sendBufferSize, recvBufferSize int) {
	atomic.StoreInt32(&p.sendBufferSize, int32(sendBufferSize))
	atomic.StoreInt32(&p.recvBufferSize, int32(recvBufferSize))
}

// MemoryTrace the pool's accounting allocator
func (p *Pool) MemoryTrace() *MemoryTrace {
	return &p.trace
}

// ConnectionCount live started connections
func (p *Pool) ConnectionCount() int32 {
	return atomic.LoadInt32(&p.statConnections)
}

// ListenerCount live tcp listeners and udp sockets
func (p *Pool) ListenerCount() int32 {
	return atomic.LoadInt32(&p.statListeners)
}

// Bind request a bind (bBind=true) or unbind (bBind=false) of node.
// The result arrives as a BindStatus callback; binding an endpoint
// that is already bound just re-reports success.
func (p *Pool) Bind(node Node, bBind bool) {
	p.mu.Lock()
	if p.wantExit {
		p.mu.Unlock()
		return
	}
	p.pendingBind[node] = bBind
	p.mu.Unlock()
	p.wakePost()
}

// Send queue data for node and return immediately. The payload is
// copied before the lock is taken. false means the command was
// refused outright (pool closed or allocation refused); an accepted
// payload either reaches the socket or comes back through Drop.
func (p *Pool) Send(node Node, data []byte, autoConnect bool) bool {
	buf := p.trace.MallocNoThrow(len(data))
	if buf == nil {
		return false
	}
	copy(buf, data)
	p.mu.Lock()
	if p.wantExit {
		p.mu.Unlock()
		p.trace.Free(buf)
		return false
	}
	p.pendingSend = append(p.pendingSend, pendingSend{node: node, data: buf, autoConnect: autoConnect})
	p.mu.Unlock()
	p.wakePost()
	return true
}

// Close request a close of the connection to node. force=false drains
// pending writes first (bounded by the send deadline), force=true
// closes immediately. Repeated calls collapse; force wins.
func (p *Pool) Close(node Node, force bool) {
	p.mu.Lock()
	if p.wantExit {
		p.mu.Unlock()
		return
	}
	p.pendingClose[node] = p.pendingClose[node] || force
	p.mu.Unlock()
	p.wakePost()
}

// Shutdown stops the loop and releases everything. Every listener and
// connection gets its down notify, every queued payload its Drop, and
// the trace counters return to their pre-construction values. Must not
// be called from inside a callback.
func (p *Pool) Shutdown() {
	p.closed.Do(func() {
		p.mu.Lock()
		p.wantExit = true
		p.mu.Unlock()
		p.wakePost()
		p.wg.Wait()
	})
}

// wakePost coalesces: posts between two drains collapse into one.
func (p *Pool) wakePost() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// postEvent hands an event to the loop. The loop drains until every
// part has closed, so parts always deliver; timer fires may abandon
// the post once the loop is gone.
func (p *Pool) postEvent(e ioEvent) {
	select {
	case p.events <- e:
	case <-p.loopExit:
	}
}

func (p *Pool) sendTimeout() time.Duration {
	return time.Duration(p.settings.TCPSendTimeoutSeconds) * time.Second
}

func (p *Pool) idleTimeout() time.Duration {
	return time.Duration(p.settings.TCPIdleTimeoutSeconds) * time.Second
}

func (p *Pool) connectTimeout() time.Duration {
	return time.Duration(p.settings.TCPConnectTimeoutSeconds) * time.Second
}
