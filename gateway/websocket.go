package gateway

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/liangpengcheng/qnetpool/base"
	"github.com/liangpengcheng/qnetpool/network"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSBridge accepts websocket clients and publishes their binary
// frames to one target node through the pool, auto connecting on the
// first frame. Frames for the clients go out with Broadcast from the
// application's Message callback.
type WSBridge struct {
	pool   *network.Pool
	target network.Node

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
}

// NewWSBridge bridge towards target
func NewWSBridge(pool *network.Pool, target network.Node) *WSBridge {
	return &WSBridge{
		pool:     pool,
		target:   target,
		sessions: make(map[string]*websocket.Conn),
	}
}

// Handle upgrade one http request and pump it until the client leaves
func (b *WSBridge) Handle(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			base.LogError("%v", err)
		}
	}()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		base.LogWarn("websocket upgrade error:%s", err.Error())
		return
	}
	remote := ws.RemoteAddr().String()
	base.LogInfo("new webclient connected :%s", remote)
	b.mu.Lock()
	b.sessions[remote] = ws
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, remote)
		b.mu.Unlock()
		ws.Close()
	}()
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			base.LogInfo("websocket read error: %v", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !b.pool.Send(b.target, data, true) {
			base.LogWarn("websocket publish refused")
			return
		}
	}
}

// Broadcast one binary frame to every connected client
func (b *WSBridge) Broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for remote, ws := range b.sessions {
		if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			base.LogWarn("websocket write %s error:%s", remote, err.Error())
		}
	}
}

// Count connected clients
func (b *WSBridge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
