package network

// Buffer is an owned, resizable byte region backed by a MemoryTrace.
// It is never aliased: Transfer hands the backing memory to an I/O
// request and leaves the buffer empty, and whoever ends up with the
// memory must give it back to the trace.
type Buffer struct {
	trace  *MemoryTrace
	data   []byte // cap(data) is the max length, nil when empty
	length int
}

// NewBuffer 空buffer
func NewBuffer(trace *MemoryTrace) *Buffer {
	return &Buffer{trace: trace}
}

// NewBufferSize buffer with an initial length
func NewBufferSize(trace *MemoryTrace, length int) *Buffer {
	b := &Buffer{trace: trace}
	if length > 0 {
		b.data = trace.Malloc(length)
		b.length = length
	}
	return b
}

// NewBufferFrom buffer holding a copy of data
func NewBufferFrom(trace *MemoryTrace, data []byte) *Buffer {
	b := &Buffer{trace: trace}
	b.Set(data)
	return b
}

// Data the backing region, valid for [0, Len())
func (b *Buffer) Data() []byte {
	return b.data
}

// Len 有效长度
func (b *Buffer) Len() int {
	return b.length
}

// Cap 最大长度
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Set copy data in, reallocating only when it does not fit
func (b *Buffer) Set(data []byte) {
	if len(data) <= cap(b.data) {
		copy(b.data[:cap(b.data)], data)
		b.length = len(data)
		return
	}
	b.trace.Free(b.data)
	b.data = b.trace.Malloc(len(data))
	copy(b.data, data)
	b.length = len(data)
}

// Resize set the length to preferLength, keeping the first validLength
// bytes when the region has to grow.
func (b *Buffer) Resize(preferLength, validLength int) {
	if preferLength <= cap(b.data) {
		b.length = preferLength
		return
	}
	keep := validLength
	if keep > b.length {
		keep = b.length
	}
	newData := b.trace.Malloc(preferLength)
	if keep > 0 {
		copy(newData, b.data[:keep])
	}
	b.trace.Free(b.data)
	b.data = newData
	b.length = preferLength
}

// Transfer move the backing memory out, leaving the buffer empty.
// The returned slice is sized to Len() and still counted by the trace;
// release it with trace.Free when the I/O request completes.
func (b *Buffer) Transfer() []byte {
	out := b.data
	if out != nil {
		out = out[:b.length]
	}
	b.data = nil
	b.length = 0
	return out
}

// Free release the backing memory
func (b *Buffer) Free() {
	b.trace.Free(b.data)
	b.data = nil
	b.length = 0
}
