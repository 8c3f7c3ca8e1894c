package arena

import "sync"

const (
	DefaultSize      = 32 * 1024
	DefaultHighWater = 24 * 1024
	DefaultSpillCap  = 12
)

// Arena 为握手令牌的解码提供可复用的内存。
// 小请求从一块共享的固定区域中切出，放不下的请求走一个有界的回收池，
// 池子也空了才真正分配。所有方法都可以并发调用。
//
// Region claims are released LIFO where possible. Once the offset passes the
// high-water mark no new region claims are made until the region drains, so
// out-of-order releases cannot pin it indefinitely.
type Arena struct {
	mu        sync.Mutex
	region    []byte
	offset    int
	live      int
	highWater int

	spill chan []byte
}

// Stats is a point-in-time view of the arena, used by the status API.
type Stats struct {
	Size        int `json:"size"`
	Offset      int `json:"offset"`
	LiveLeases  int `json:"live_leases"`
	SpillPooled int `json:"spill_pooled"`
}

// New creates an arena with a region of size bytes. A non-positive highWater
// defaults to three quarters of the region, a non-positive spillCap to DefaultSpillCap.
func New(size, highWater, spillCap int) *Arena {
	if size < 0 {
		size = 0
	}
	if highWater <= 0 || highWater > size {
		highWater = size * 3 / 4
	}
	if spillCap <= 0 {
		spillCap = DefaultSpillCap
	}
	return &Arena{
		region:    make([]byte, size),
		highWater: highWater,
		spill:     make(chan []byte, spillCap),
	}
}

// Lease is one claim on arena memory. It must be released exactly once;
// extra calls to Release are ignored.
type Lease struct {
	arena    *Arena
	buf      []byte
	off      int
	inRegion bool
	released bool
}

// Bytes returns the leased memory. Its content is undefined until written.
func (l *Lease) Bytes() []byte { return l.buf }

// Acquire hands out n bytes.
func (a *Arena) Acquire(n int) *Lease {
	if n < 0 {
		n = 0
	}
	a.mu.Lock()
	// 越过高水位后区域只出不进，等所有租约归还后整体归零
	if a.offset <= a.highWater && a.offset+n <= len(a.region) {
		l := &Lease{
			arena:    a,
			buf:      a.region[a.offset : a.offset+n : a.offset+n],
			off:      a.offset,
			inRegion: true,
		}
		a.offset += n
		a.live++
		a.mu.Unlock()
		return l
	}
	a.mu.Unlock()

	// 区域已满，尝试从回收池取一个足够大的缓冲区
	select {
	case b := <-a.spill:
		if cap(b) >= n {
			return &Lease{arena: a, buf: b[:n]}
		}
		// 太小的缓冲区直接丢弃，交给 GC
	default:
	}
	return &Lease{arena: a, buf: make([]byte, n)}
}

// Release returns the lease's memory to the arena.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	a := l.arena

	if !l.inRegion {
		select {
		case a.spill <- l.buf[:0]:
		default:
		}
		l.buf = nil
		return
	}

	a.mu.Lock()
	a.live--
	switch {
	case a.live == 0:
		a.offset = 0
	case l.off+len(l.buf) == a.offset:
		a.offset = l.off
	}
	a.mu.Unlock()
	l.buf = nil
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Size:        len(a.region),
		Offset:      a.offset,
		LiveLeases:  a.live,
		SpillPooled: len(a.spill),
	}
}
