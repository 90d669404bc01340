package gateway

import (
	"github.com/liangpengcheng/qnetpool/base"
	"github.com/liangpengcheng/qnetpool/network"
	kcp "github.com/xtaci/kcp-go"
)

// KCPBridge accepts kcp sessions and publishes whatever they send to
// one target node through the pool.
type KCPBridge struct {
	Listener *kcp.Listener
	pool     *network.Pool
	target   network.Node
}

// NewKCPBridge listen on host and bridge towards target
func NewKCPBridge(host string, pool *network.Pool, target network.Node) (*KCPBridge, error) {
	lis, err := kcp.ListenWithOptions(host, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := lis.SetDSCP(0); err != nil {
		lis.Close()
		return nil, err
	}
	if err := lis.SetReadBuffer(4194304); err != nil {
		lis.Close()
		return nil, err
	}
	if err := lis.SetWriteBuffer(4194304); err != nil {
		lis.Close()
		return nil, err
	}
	return &KCPBridge{
		Listener: lis,
		pool:     pool,
		target:   target,
	}, nil
}

// BlockAccept 阻塞收连接
func (b *KCPBridge) BlockAccept() {
	for {
		conn, err := b.Listener.AcceptKCP()
		if err != nil {
			base.LogError("accept error :%s", err.Error())
			break
		}
		base.LogInfo("remote address:%s", conn.RemoteAddr().String())
		setupKcp(conn)
		go b.sessionPump(conn)
	}
	base.LogInfo("exit accept")
}

func (b *KCPBridge) sessionPump(conn *kcp.UDPSession) {
	defer func() {
		if err := recover(); err != nil {
			base.LogError("%v", err)
		}
	}()
	defer conn.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			base.LogInfo("kcp read error %s,%s", conn.RemoteAddr().String(), err.Error())
			return
		}
		if n == 0 {
			continue
		}
		if !b.pool.Send(b.target, buf[:n], true) {
			base.LogWarn("kcp publish refused")
			return
		}
	}
}

// Close stop accepting
func (b *KCPBridge) Close() error {
	return b.Listener.Close()
}

func setupKcp(conn *kcp.UDPSession) {
	conn.SetStreamMode(false)
	conn.SetWriteDelay(false)
	// 这个参数需要好好研究
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetMtu(1400)
	conn.SetWindowSize(1, 1)
	conn.SetACKNoDelay(true)
}
