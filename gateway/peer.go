package gateway

import (
	"errors"

	"github.com/golang/protobuf/proto"
	"github.com/liangpengcheng/qnetpool/network"
)

// ErrSendRefused the pool refused the payload outright
var ErrSendRefused = errors.New("gateway: send refused")

// SendProto marshal msg and publish it to node
func SendProto(pool *network.Pool, node network.Node, msg proto.Message, autoConnect bool) error {
	buf, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	if !pool.Send(node, buf, autoConnect) {
		return ErrSendRefused
	}
	return nil
}
