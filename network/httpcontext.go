package network

import (
	"bytes"
	"strconv"
	"strings"
)

type httpState uint8

const (
	httpStateStart httpState = iota
	httpStateReadHeader
	httpStateReadBody
	httpStateReadChunkHeader
	httpStateReadChunkBody
	httpStateReadChunkFooter
	httpStateDone
	httpStateBad
)

const (
	httpDefaultMaxBuffer = 0x1000000 // 16MB
	httpInitialBuffer    = 0x1000    // 4KB
	httpMinHeadroom      = 0x800     // 2KB
)

// span marks a region inside the context buffer. length -1 means the
// terminating CRLF has not arrived yet.
type span struct {
	start  int
	length int
}

// HTTPContext is a streaming HTTP/1.1 framer for one connection. Bytes
// arrive by NextBuffer/Push, Analysis advances the state machine and
// the accessors expose the framed request or response once done.
type HTTPContext struct {
	maxBufferSize int

	buf           *Buffer
	nowIndex      int
	analysisIndex int

	state      httpState
	lines      []span
	headerSize int

	keepAlive     bool
	chunked       bool
	contentLength int

	nowChunkSize   int
	chunkSizeStart bool
	chunkSizeDone  bool
	chunks         []span
}

// NewHTTPContext context backed by trace, Init before use
func NewHTTPContext(trace *MemoryTrace) *HTTPContext {
	return &HTTPContext{buf: NewBuffer(trace)}
}

// Init reset for the first request. maxBufferSize 0 means 16MB.
func (c *HTTPContext) Init(maxBufferSize int) {
	if maxBufferSize <= 0 {
		maxBufferSize = httpDefaultMaxBuffer
	}
	c.maxBufferSize = maxBufferSize
	c.buf.Resize(httpInitialBuffer, 0)
	c.nowIndex = 0
	c.analysisIndex = 0
	c.resetParse()
}

func (c *HTTPContext) resetParse() {
	c.state = httpStateStart
	c.lines = c.lines[:0]
	c.headerSize = 0
	c.keepAlive = false
	c.chunked = false
	c.contentLength = 0
	c.nowChunkSize = 0
	c.chunkSizeStart = false
	c.chunkSizeDone = false
	c.chunks = c.chunks[:0]
}

// NextBuffer the writable region for the next receive. Grows by
// doubling up to the cap when the headroom falls under 2KB; nil means
// the buffer is full.
func (c *HTTPContext) NextBuffer() []byte {
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

// Push account length bytes received into NextBuffer
func (c *HTTPContext) Push(length int) {
	if c.nowIndex+length <= c.buf.Len() {
		c.nowIndex += length
	}
}

func (c *HTTPContext) decodeHeader(name, value string) {
	if strings.EqualFold("Connection", name) {
		c.keepAlive = strings.EqualFold("Keep-Alive", value)
	} else if strings.EqualFold("Content-Length", name) {
		c.contentLength, _ = strconv.Atoi(value)
	} else if strings.EqualFold("Transfer-Encoding", name) {
		c.chunked = strings.EqualFold("chunked", value)
	}
}

func (c *HTTPContext) splitHeaderLine(line []byte) (string, string, bool) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", false
	}
	name := strings.TrimSpace(string(line[:colon]))
	value := strings.TrimSpace(string(line[colon+1:]))
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}

// decodeHeaderAndUpdateState runs once the blank line arrived.
func (c *HTTPContext) decodeHeaderAndUpdateState() {
	ptr := c.buf.Data()
	for _, line := range c.lines {
		if line.start > c.headerSize {
			break
		}
		if line.length < 0 {
			continue
		}
		name, value, ok := c.splitHeaderLine(ptr[line.start : line.start+line.length])
		if !ok {
			continue
		}
		c.decodeHeader(name, value)
	}
	if c.chunked {
		c.state = httpStateReadChunkHeader
		c.nowChunkSize = 0
		c.chunkSizeStart = false
		c.chunkSizeDone = false
	} else if c.contentLength > 0 {
		c.state = httpStateReadBody
	} else {
		c.state = httpStateDone
	}
}

func isLinearSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\r'
}

// Analysis advance as far as the received bytes allow. Returns true
// once the context is done or bad.
func (c *HTTPContext) Analysis() bool {
again:
	if c.state == httpStateDone || c.state == httpStateBad {
		return true
	}
	if c.nowIndex <= c.analysisIndex {
		return false
	}
	ptr := c.buf.Data()
	switch c.state {
	case httpStateStart:
		if c.analysisIndex != 0 || ptr[0] == '\n' {
			c.state = httpStateBad
			return true
		}
		c.state = httpStateReadHeader
		c.lines = append(c.lines, span{0, -1})
		goto again

	case httpStateReadHeader:
		for c.analysisIndex < c.nowIndex {
			if ptr[c.analysisIndex] == '\n' {
				if ptr[c.analysisIndex-1] != '\r' {
					c.state = httpStateBad
					return true
				}
				last := &c.lines[len(c.lines)-1]
				last.length = c.analysisIndex - 1 - last.start
				if last.length == 0 {
					c.lines = c.lines[:len(c.lines)-1]
					c.analysisIndex++
					c.headerSize = c.analysisIndex
					c.decodeHeaderAndUpdateState()
					goto again
				}
				c.lines = append(c.lines, span{c.analysisIndex + 1, -1})
			}
			c.analysisIndex++
		}

	case httpStateReadBody:
		if c.nowIndex-c.analysisIndex >= c.contentLength {
			c.chunks = append(c.chunks, span{c.analysisIndex, c.contentLength})
			c.analysisIndex += c.contentLength
			c.state = httpStateDone
			return true
		}

	case httpStateReadChunkHeader:
		for c.analysisIndex < c.nowIndex {
			ch := ptr[c.analysisIndex]
			if ch == '\n' {
				if ptr[c.analysisIndex-1] != '\r' {
					c.state = httpStateBad
					return true
				}
				c.analysisIndex++
				if c.nowChunkSize > 0 {
					c.state = httpStateReadChunkBody
				} else {
					c.state = httpStateReadChunkFooter
					c.lines = append(c.lines, span{c.analysisIndex, -1})
				}
				goto again
			}
			if !c.chunkSizeDone {
				switch {
				case ch >= '0' && ch <= '9':
					c.nowChunkSize = (c.nowChunkSize << 4) + int(ch-'0')
					c.chunkSizeStart = true
				case ch >= 'a' && ch <= 'f':
					c.nowChunkSize = (c.nowChunkSize << 4) + int(ch-'a') + 10
					c.chunkSizeStart = true
				case ch >= 'A' && ch <= 'F':
					c.nowChunkSize = (c.nowChunkSize << 4) + int(ch-'A') + 10
					c.chunkSizeStart = true
				default:
					// stop accumulating at the first non-hex
					if c.chunkSizeStart || !isLinearSpace(ch) {
						c.chunkSizeDone = true
					}
				}
			}
			c.analysisIndex++
		}

	case httpStateReadChunkBody:
		// the payload plus its trailing CRLF
		if c.nowIndex-c.analysisIndex >= c.nowChunkSize+2 {
			c.chunks = append(c.chunks, span{c.analysisIndex, c.nowChunkSize})
			c.analysisIndex += c.nowChunkSize + 2
			c.state = httpStateReadChunkHeader
			c.nowChunkSize = 0
			c.chunkSizeStart = false
			c.chunkSizeDone = false
			goto again
		}

	case httpStateReadChunkFooter:
		for c.analysisIndex < c.nowIndex {
			if ptr[c.analysisIndex] == '\n' {
				if ptr[c.analysisIndex-1] != '\r' {
					c.state = httpStateBad
					return true
				}
				last := &c.lines[len(c.lines)-1]
				last.length = c.analysisIndex - 1 - last.start
				if last.length == 0 {
					c.lines = c.lines[:len(c.lines)-1]
					c.analysisIndex++
					c.state = httpStateDone
					return true
				}
				c.lines = append(c.lines, span{c.analysisIndex + 1, -1})
			}
			c.analysisIndex++
		}
	}
	return false
}

// IsGood done without errors
func (c *HTTPContext) IsGood() bool {
	return c.state == httpStateDone
}

// IsKeepAlive Connection: Keep-Alive was negotiated
func (c *HTTPContext) IsKeepAlive() bool {
	return c.keepAlive
}

// Info the first line split on two spaces.
// For a request (method, uri, version), for a response
// (version, code, reason).
func (c *HTTPContext) Info() (first, second, third string, ok bool) {
	if c.state != httpStateDone || len(c.lines) == 0 {
		return
	}
	line := c.lines[0]
	data := c.buf.Data()[line.start : line.start+line.length]
	b1 := bytes.IndexByte(data, ' ')
	if b1 < 0 {
		return
	}
	b2 := bytes.IndexByte(data[b1+1:], ' ')
	if b2 < 0 {
		return
	}
	b2 += b1 + 1
	return string(data[:b1]), string(data[b1+1 : b2]), string(data[b2+1:]), true
}

// Headers all header (and trailer) lines as a multimap
func (c *HTTPContext) Headers() (map[string][]string, bool) {
	if c.state != httpStateDone {
		return nil, false
	}
	headers := make(map[string][]string)
	ptr := c.buf.Data()
	for _, line := range c.lines {
		if line.length < 0 {
			continue
		}
		name, value, ok := c.splitHeaderLine(ptr[line.start : line.start+line.length])
		if !ok {
			continue
		}
		headers[name] = append(headers[name], value)
	}
	return headers, true
}

// Content the contiguous body or the merged chunks
func (c *HTTPContext) Content(out *Buffer) bool {
	if c.state != httpStateDone {
		return false
	}
	total := 0
	for _, chunk := range c.chunks {
		total += chunk.length
	}
	out.Resize(total, 0)
	src := c.buf.Data()
	dst := out.Data()
	off := 0
	for _, chunk := range c.chunks {
		copy(dst[off:], src[chunk.start:chunk.start+chunk.length])
		off += chunk.length
	}
	return true
}

// ReinitForNext shift surplus bytes to the front and reset for the
// next request on the same connection. Only valid when done and
// keep-alive was negotiated; otherwise close the connection.
func (c *HTTPContext) ReinitForNext(maxBufferSize int) bool {
	if c.state != httpStateDone || !c.keepAlive {
		return false
	}
	extra := c.nowIndex - c.analysisIndex
	ptr := c.buf.Data()
	copy(ptr, ptr[c.analysisIndex:c.nowIndex])
	c.nowIndex = extra

	if maxBufferSize <= 0 {
		maxBufferSize = httpDefaultMaxBuffer
	}
	c.maxBufferSize = maxBufferSize
	c.analysisIndex = 0
	c.resetParse()
	return true
}

// Free release the context buffer
func (c *HTTPContext) Free() {
	c.buf.Free()
}
