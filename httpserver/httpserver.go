package httpserver

import (
	"strconv"
	"sync/atomic"

	"github.com/liangpengcheng/qnetpool/base"
	"github.com/liangpengcheng/qnetpool/network"
)

var respBody = func() string {
	s := ""
	for i := 0; i < 60; i++ {
		s += "0123456789"
	}
	return s
}()

// HTTPServer is the pool callback of the demo HTTP/1.1 server. Each
// connection gets a streaming context the receive path parses into,
// completed requests run on the work queue and answer through the
// pool's publish API.
//
// contexts只在loop线程访问，task只走publish接口
type HTTPServer struct {
	pool     *network.Pool
	work     *network.WorkQueue
	trace    *network.MemoryTrace
	contexts map[network.Node]*network.HTTPContext
	served   uint64
}

// NewHTTPServer server dispatching requests to work
func NewHTTPServer(work *network.WorkQueue) *HTTPServer {
	return &HTTPServer{
		work:     work,
		contexts: make(map[network.Node]*network.HTTPContext),
	}
}

// SetPool attach the pool once it is constructed
func (s *HTTPServer) SetPool(pool *network.Pool) {
	s.pool = pool
	s.trace = pool.MemoryTrace()
}

// Served requests answered so far
func (s *HTTPServer) Served() uint64 {
	return atomic.LoadUint64(&s.served)
}

// AllocateForMessage splice the receive directly into the context
// buffer, no copy.
func (s *HTTPServer) AllocateForMessage(node network.Node, suggested int) []byte {
	ctx := s.contexts[node]
	if ctx == nil {
		return nil
	}
	return ctx.NextBuffer()
}

// DeallocateForMessage the buffer belongs to the context
func (s *HTTPServer) DeallocateForMessage(node network.Node, buf []byte) {
}

// Message push received bytes through the framer and dispatch every
// completed request.
func (s *HTTPServer) Message(node network.Node, data []byte) {
	ctx := s.contexts[node]
	if ctx == nil {
		return
	}
	ctx.Push(len(data))
	for ctx.Analysis() {
		if !ctx.IsGood() {
			s.pool.Close(node, false)
			return
		}
		method, uri, version, ok := ctx.Info()
		if !ok {
			s.pool.Close(node, false)
			return
		}
		task := &httpTask{
			server:    s,
			node:      node,
			method:    method,
			uri:       uri,
			version:   version,
			keepAlive: ctx.IsKeepAlive(),
		}
		s.trace.AddObject()
		s.work.Push(task, func(t network.Task) {
			s.trace.DelObject()
		})
		if !ctx.ReinitForNext(0) {
			// no keep-alive, the task closes after the response
			return
		}
	}
}

// Drop 发送失败
func (s *HTTPServer) Drop(node network.Node, data []byte) {
	base.LogInfo("pkt drop: %s", node.String())
}

// BindStatus bind结果
func (s *HTTPServer) BindStatus(node network.Node, ok bool) {
	base.LogInfo("bind: %s %v", node.String(), ok)
}

// ConnectionStatus a context per started connection
func (s *HTTPServer) ConnectionStatus(node network.Node, ok bool) {
	if ok {
		ctx := network.NewHTTPContext(s.trace)
		ctx.Init(0)
		s.contexts[node] = ctx
		return
	}
	if ctx := s.contexts[node]; ctx != nil {
		ctx.Free()
		delete(s.contexts, node)
	}
}

// httpTask answers one parsed request on a worker goroutine.
type httpTask struct {
	server    *HTTPServer
	node      network.Node
	method    string
	uri       string
	version   string
	keepAlive bool
}

func (t *httpTask) Run() {
	base.LogInfo("http req: '%s' '%s'", t.method, t.uri)
	resp := "HTTP/1.1 200 OK\r\n"
	if t.keepAlive {
		resp += "Connection: Keep-Alive\r\n"
	}
	resp += "Content-Length: " + strconv.Itoa(len(respBody)) + "\r\n\r\n" + respBody
	t.server.pool.Send(t.node, base.Bytes(resp), false)
	if !t.keepAlive {
		t.server.pool.Close(t.node, false)
	}
	atomic.AddUint64(&t.server.served, 1)
}
