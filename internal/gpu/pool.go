package gpu

import (
	"math/bits"
	"sync"
)

const minSizeClass = 256

// PoolStats summarizes buffer pool activity.
type PoolStats struct {
	Acquired  uint64
	Reused    uint64
	Released  uint64
	Allocated uint64
	FreeBytes int64
	FreeCount int
}

type poolKey struct {
	size  int
	usage BufferUsage
}

// BufferPool reuses device buffers by power-of-two size class and usage.
// Release may be called from a submission completion callback, so all state
// is mutex guarded. Acquired buffers are not zeroed.
type BufferPool struct {
	dev Device

	mu    sync.Mutex
	free  map[poolKey][]*Buffer
	stats PoolStats
}

func NewBufferPool(dev Device) *BufferPool {
	return &BufferPool{
		dev:  dev,
		free: make(map[poolKey][]*Buffer),
	}
}

// Device returns the device buffers are allocated on.
func (p *BufferPool) Device() Device { return p.dev }

// SizeClass returns the allocation size used for a request of n bytes.
func SizeClass(n int) int {
	if n <= minSizeClass {
		return minSizeClass
	}
	return 1 << bits.Len(uint(n-1))
}

// Acquire returns a buffer of at least size bytes. The buffer's Size is the
// size class, not the requested size.
func (p *BufferPool) Acquire(size int, usage BufferUsage, label string) (*Buffer, error) {
	class := SizeClass(size)
	key := poolKey{size: class, usage: usage}

	p.mu.Lock()
	p.stats.Acquired++
	if list := p.free[key]; len(list) > 0 {
		buf := list[len(list)-1]
		p.free[key] = list[:len(list)-1]
		p.stats.Reused++
		p.stats.FreeBytes -= int64(class)
		p.stats.FreeCount--
		p.mu.Unlock()
		buf.label = label
		return buf, nil
	}
	p.stats.Allocated++
	p.mu.Unlock()

	buf, err := p.dev.CreateBuffer(class, usage, label)
	if err != nil {
		return nil, err
	}
	buf.pooled = true
	return buf, nil
}

// Release returns buf to its size class. Buffers that did not come from the
// pool are destroyed instead. Callers must only release a buffer once the
// device no longer reads it; Recorder does this for temporaries.
func (p *BufferPool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	if !buf.pooled {
		p.dev.DestroyBuffer(buf)
		return
	}
	key := poolKey{size: buf.size, usage: buf.usage}
	p.mu.Lock()
	p.free[key] = append(p.free[key], buf)
	p.stats.Released++
	p.stats.FreeBytes += int64(buf.size)
	p.stats.FreeCount++
	p.mu.Unlock()
}

// Stats returns a snapshot of pool counters.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Trim destroys every free buffer. It must not be called from a completion
// callback.
func (p *BufferPool) Trim() {
	p.mu.Lock()
	free := p.free
	p.free = make(map[poolKey][]*Buffer)
	p.stats.FreeBytes = 0
	p.stats.FreeCount = 0
	p.mu.Unlock()

	for _, list := range free {
		for _, buf := range list {
			p.dev.DestroyBuffer(buf)
		}
	}
}
