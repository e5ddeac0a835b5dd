// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bufpool provides a pooled allocator for MTU-sized packet
// buffers shared by the codec, connection pool, and DNS interceptor.
// Follows the ion-sfu buffer factory's pooling idiom (sync.Pool keyed
// by size class, population tracked separately from the pool itself so
// it can be sampled by metrics without draining the pool).
package bufpool

import (
	"sync"
	"sync/atomic"
)

// DefaultMTU is the buffer payload size used when a Pool is built
// without an explicit size, matching the tunnel's default MTU.
const DefaultMTU = 1280

// headroom reserves space at the front of every buffer for
// encapsulation layers added while a packet travels outward (IP/UDP,
// then WireGuard, then possibly a TURN ChannelData header) without a
// second allocation.
const headroom = 96

// Pool is a lock-free free-list of *Buffer, backed by a sync.Pool.
// Buffers are always headroom+size bytes; callers use Reserve to
// carve out the usable window from the end of that space.
type Pool struct {
	size int
	pool sync.Pool

	inUse    atomic.Int64
	capacity atomic.Int64
	exhaust  func()
}

// New creates a Pool of buffers sized to hold size bytes of payload
// plus internal headroom. onExhaust, if non-nil, is invoked every time
// Get is called while the pool is already at the configured capacity
// (see SetCapacity) — it is the seam internal/metrics uses to bump the
// exhaustion counter without this package importing metrics.
func New(size int, onExhaust func()) *Pool {
	if size <= 0 {
		size = DefaultMTU
	}
	p := &Pool{size: size, exhaust: onExhaust}
	p.pool.New = func() any {
		buf := make([]byte, headroom+p.size)
		return &Buffer{backing: buf, pool: p}
	}
	p.capacity.Store(-1) // unlimited unless SetCapacity is called
	return p
}

// SetCapacity bounds the number of buffers considered "in flight"
// before Get starts reporting exhaustion via onExhaust. It does not
// actually block allocation — Go's GC reclaims unreturned buffers
// regardless — it only signals the host that callers are leaking
// Buffers faster than they release them.
func (p *Pool) SetCapacity(n int) {
	p.capacity.Store(int64(n))
}

// Capacity returns the configured capacity, or -1 if unbounded.
func (p *Pool) Capacity() int {
	return int(p.capacity.Load())
}

// InUse returns the number of buffers currently checked out.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Get checks out a buffer with a zero-length usable window. Call
// Reserve to grow it before writing.
func (p *Pool) Get() *Buffer {
	cap := p.capacity.Load()
	if cap >= 0 && p.inUse.Load() >= cap && p.exhaust != nil {
		p.exhaust()
	}
	b := p.pool.Get().(*Buffer)
	b.start = headroom
	b.end = headroom
	b.freed = false
	p.inUse.Add(1)
	return b
}

// Buffer is a pooled byte window with a single owner; it carries no
// reference count. It is not safe for concurrent use from multiple
// goroutines.
type Buffer struct {
	backing []byte
	start   int
	end     int
	pool    *Pool
	freed   bool
}

// Reserve grows the usable window to n bytes, starting at the current
// headroom boundary. It panics if n exceeds the buffer's configured
// size — callers size pools to the largest packet they expect and
// Parse/Build paths never request more.
func (b *Buffer) Reserve(n int) {
	if headroom+n > len(b.backing) {
		panic("bufpool: reserve exceeds buffer capacity")
	}
	b.end = headroom + n
}

// ShiftLeft grows the window by n bytes to the left of the current
// start, for prepending a header (e.g. wrapping a packet in a TURN
// ChannelData frame). It panics if there isn't enough headroom left,
// which indicates a pool sized without enough encapsulation budget.
func (b *Buffer) ShiftLeft(n int) {
	if b.start-n < 0 {
		panic("bufpool: shift-left exceeds headroom")
	}
	b.start -= n
}

// ShiftRight strips n bytes from the front of the window, for peeling
// off a header after it has been parsed.
func (b *Buffer) ShiftRight(n int) {
	if b.start+n > b.end {
		panic("bufpool: shift-right exceeds window")
	}
	b.start += n
}

// Bytes returns the current usable window. The slice is only valid
// until the next Reserve/ShiftLeft/ShiftRight/Release call.
func (b *Buffer) Bytes() []byte {
	return b.backing[b.start:b.end]
}

// Cap returns the maximum payload size this buffer supports via
// Reserve, not counting headroom.
func (b *Buffer) Cap() int {
	return len(b.backing) - headroom
}

// Release returns the buffer to its pool. Calling Bytes after Release
// is a use-after-free bug in the caller; Release itself is safe to
// call at most once per Get.
func (b *Buffer) Release() {
	if b.freed {
		return
	}
	b.freed = true
	b.pool.inUse.Add(-1)
	b.start = 0
	b.end = 0
	b.pool.pool.Put(b)
}
