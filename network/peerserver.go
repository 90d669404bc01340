package network

import "encoding/binary"

// PeerContext frames a tcp byte stream of the form
// ([length:4bytes little endian][data:length])+ into owned payloads.
// Udp datagrams carry whole frames and use DecodeDatagram instead.
type PeerContext struct {
	maxBufferSize int
	buf           *Buffer
	nowIndex      int
}

// NewPeerContext maxBufferSize 0 means 16MB
func NewPeerContext(trace *MemoryTrace, maxBufferSize int) *PeerContext {
	if maxBufferSize <= 0 {
		maxBufferSize = httpDefaultMaxBuffer
	}
	return &PeerContext{
		maxBufferSize: maxBufferSize,
		buf:           NewBuffer(trace),
	}
}

func (c *PeerContext) init() {
	// only init at first time
	if c.buf.Cap() == 0 {
		c.buf.Resize(httpInitialBuffer, 0)
	}
}

// PrepareBuffer the writable region for the next receive, same grow
// discipline as the http context. nil means full.
func (c *PeerContext) PrepareBuffer() []byte {
	c.init()
	if c.buf.Len()-c.nowIndex < httpMinHeadroom {
		if c.buf.Len()*2 > c.maxBufferSize {
			c.buf.Resize(c.maxBufferSize, c.nowIndex)
		} else {
			c.buf.Resize(c.buf.Len()*2, c.nowIndex)
		}
	}
	length := c.buf.Len() - c.nowIndex
	if length == 0 {
		return nil
	}
	return c.buf.Data()[c.nowIndex : c.nowIndex+length]
}

// PushBuffer account length bytes received into PrepareBuffer
func (c *PeerContext) PushBuffer(length int) {
	if c.nowIndex+length <= c.buf.Len() {
		c.nowIndex += length
	}
}

// Content pop every complete frame, each as an owned buffer the
// caller must Free, then shift the surplus to the front.
func (c *PeerContext) Content(trace *MemoryTrace) []*Buffer {
	var buffers []*Buffer
	data := c.buf.Data()
	nowCheck := 0
	for {
		if c.nowIndex < nowCheck+4 {
			break
		}
		packLength := int(binary.LittleEndian.Uint32(data[nowCheck:]))
		if c.nowIndex < nowCheck+4+packLength {
			break
		}
		buffers = append(buffers, NewBufferFrom(trace, data[nowCheck+4:nowCheck+4+packLength]))
		nowCheck += 4 + packLength
	}
	if nowCheck > 0 {
		// reinit for next
		extra := c.nowIndex - nowCheck
		copy(data, data[nowCheck:c.nowIndex])
		c.nowIndex = extra
	}
	return buffers
}

// Free release the context buffer
func (c *PeerContext) Free() {
	c.buf.Free()
}

// DecodeDatagram frame decode for one udp datagram
func DecodeDatagram(trace *MemoryTrace, data []byte) []*Buffer {
	var buffers []*Buffer
	nowCheck := 0
	for {
		if len(data) < nowCheck+4 {
			break
		}
		packLength := int(binary.LittleEndian.Uint32(data[nowCheck:]))
		if len(data) < nowCheck+4+packLength {
			break
		}
		buffers = append(buffers, NewBufferFrom(trace, data[nowCheck+4:nowCheck+4+packLength]))
		nowCheck += 4 + packLength
	}
	return buffers
}
