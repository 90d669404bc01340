package network

import (
	"sync/atomic"

	"github.com/liangpengcheng/qnetpool/base"
)

// MemoryTrace counts the live bytes and live objects a pool holds for
// buffers, requests and handle records. Callers can read the counters
// before pushing more packets to gauge pressure.
//
// 所有pool内部分配都走这里，Shutdown之后计数必须归零
type MemoryTrace struct {
	size  int64
	count int32
}

// MemoryUsage live byte count
func (t *MemoryTrace) MemoryUsage() int64 {
	return atomic.LoadInt64(&t.size)
}

// ObjectCount live object count
func (t *MemoryTrace) ObjectCount() int32 {
	return atomic.LoadInt32(&t.count)
}

// Malloc allocate a counted byte region, panics on bad size
func (t *MemoryTrace) Malloc(n int) []byte {
	if n < 0 {
		base.LogPanic("malloc with negative size %d", n)
	}
	buf := make([]byte, n)
	atomic.AddInt64(&t.size, int64(n))
	atomic.AddInt32(&t.count, 1)
	return buf
}

// MallocNoThrow allocate a counted byte region, nil on bad size
func (t *MemoryTrace) MallocNoThrow(n int) []byte {
	if n < 0 {
		return nil
	}
	buf := make([]byte, n)
	atomic.AddInt64(&t.size, int64(n))
	atomic.AddInt32(&t.count, 1)
	return buf
}

// Free release a region obtained from Malloc/MallocNoThrow.
// The slice may have been resliced; accounting uses the capacity.
func (t *MemoryTrace) Free(buf []byte) {
	if buf == nil {
		return
	}
	atomic.AddInt64(&t.size, -int64(cap(buf)))
	atomic.AddInt32(&t.count, -1)
}

// AddObject count one live handle/record
func (t *MemoryTrace) AddObject() {
	atomic.AddInt32(&t.count, 1)
}

// DelObject release one live handle/record
func (t *MemoryTrace) DelObject() {
	atomic.AddInt32(&t.count, -1)
}
