package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSetResize(t *testing.T) {
	var trace MemoryTrace
	b := NewBuffer(&trace)
	assert.Equal(t, 0, b.Len())

	b.Set([]byte("hello"))
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []byte("hello"), b.Data()[:b.Len()])

	// shrink keeps the backing region
	capBefore := b.Cap()
	b.Resize(3, 0)
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, capBefore, b.Cap())

	// grow preserving a prefix
	b.Set([]byte("hello"))
	b.Resize(64, 5)
	require.Equal(t, 64, b.Len())
	assert.Equal(t, []byte("hello"), b.Data()[:5])

	b.Free()
	assert.Equal(t, int64(0), trace.MemoryUsage())
	assert.Equal(t, int32(0), trace.ObjectCount())
}

func TestBufferTransfer(t *testing.T) {
	var trace MemoryTrace
	b := NewBufferFrom(&trace, []byte("payload"))
	out := b.Transfer()
	assert.Equal(t, []byte("payload"), out)
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Data())
	// the memory is still counted until whoever owns it frees it
	assert.Equal(t, int64(7), trace.MemoryUsage())
	trace.Free(out)
	assert.Equal(t, int64(0), trace.MemoryUsage())
	assert.Equal(t, int32(0), trace.ObjectCount())

	// a second transfer hands out nothing
	assert.Nil(t, b.Transfer())
}

func TestMemoryTraceCounters(t *testing.T) {
	var trace MemoryTrace
	a := trace.Malloc(100)
	b := trace.MallocNoThrow(28)
	require.NotNil(t, b)
	assert.Equal(t, int64(128), trace.MemoryUsage())
	assert.Equal(t, int32(2), trace.ObjectCount())
	trace.Free(a)
	trace.Free(b)
	assert.Equal(t, int64(0), trace.MemoryUsage())
	assert.Equal(t, int32(0), trace.ObjectCount())

	assert.Nil(t, trace.MallocNoThrow(-1))

	trace.AddObject()
	assert.Equal(t, int32(1), trace.ObjectCount())
	trace.DelObject()
	assert.Equal(t, int32(0), trace.ObjectCount())
}
