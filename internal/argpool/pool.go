// Package argpool provides pooled storage for small per-task argument blobs.
//
// A Pool carves one slab into fixed-size items. Requests larger than the item
// size take an overflow allocation instead; overflow buffers up to 64KB are
// recycled through size-bucketed sync.Pools, larger ones are left to the GC.
package argpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

var (
	// ErrExhausted reports that no pooled item became free in time
	ErrExhausted = fmt.Errorf("argpool: pool exhausted: %w", iox.ErrWouldBlock)
	// ErrInvalidSize reports a negative request size
	ErrInvalidSize = errors.New("argpool: invalid size")
)

// overflowFlag marks handle ids of overflow allocations
const overflowFlag = uint64(1) << 63

// Overflow bucket sizes
const (
	size4k  = 4 * 1024
	size16k = 16 * 1024
	size64k = 64 * 1024
)

// Uses *[]byte to avoid the sync.Pool interface allocation
var overflowPool = struct {
	pool4k  sync.Pool
	pool16k sync.Pool
	pool64k sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool16k: sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
}

func getOverflow(size int) []byte {
	switch {
	case size <= size4k:
		return (*overflowPool.pool4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*overflowPool.pool16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*overflowPool.pool64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

func putOverflow(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		overflowPool.pool4k.Put(&buf)
	case size16k:
		overflowPool.pool16k.Put(&buf)
	case size64k:
		overflowPool.pool64k.Put(&buf)
		// Larger buffers are dropped
	}
}

// Config configures a Pool.
type Config struct {
	ItemSize       int
	Items          int
	AcquireTimeout time.Duration // wait for a pooled item; 0 fails immediately
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	ItemSize         int
	Items            int
	InUse            int
	PooledAcquired   uint64
	OverflowAcquired uint64
	Released         uint64
	Waits            uint64
	Exhausted        uint64
}

// Pool hands out argument buffers.
type Pool struct {
	itemSize       int
	items          int
	slab           []byte
	free           chan int32
	acquireTimeout time.Duration

	nextOverflow     atomix.Uint64
	pooledAcquired   atomix.Uint64
	overflowAcquired atomix.Uint64
	released         atomix.Uint64
	waits            atomix.Uint64
	exhausted        atomix.Uint64
}

// New creates a pool of cfg.Items items of cfg.ItemSize bytes each.
func New(cfg Config) (*Pool, error) {
	if cfg.ItemSize <= 0 || cfg.Items <= 0 {
		return nil, fmt.Errorf("argpool: item size %d and count %d must be positive", cfg.ItemSize, cfg.Items)
	}
	p := &Pool{
		itemSize:       cfg.ItemSize,
		items:          cfg.Items,
		slab:           make([]byte, cfg.ItemSize*cfg.Items),
		free:           make(chan int32, cfg.Items),
		acquireTimeout: cfg.AcquireTimeout,
	}
	for i := 0; i < cfg.Items; i++ {
		p.free <- int32(i)
	}
	return p, nil
}

// ItemSize returns the fixed pooled item size.
func (p *Pool) ItemSize() int {
	return p.itemSize
}

// Handle owns one argument buffer until released.
type Handle struct {
	pool  *Pool
	buf   []byte
	index int32 // -1 for overflow
	id    uint64
	owns  atomix.Uint64
}

// Bytes returns the buffer. It must not be used after Release.
func (h *Handle) Bytes() []byte {
	if h == nil {
		return nil
	}
	return h.buf
}

// Len returns the requested size.
func (h *Handle) Len() int {
	if h == nil {
		return 0
	}
	return len(h.buf)
}

// ID returns the opaque identifier carried in hardware commands.
func (h *Handle) ID() uint64 {
	if h == nil {
		return 0
	}
	return h.id
}

// Overflow reports whether the handle owns an overflow allocation.
func (h *Handle) Overflow() bool {
	return h != nil && h.index < 0
}

// Owned reports whether the handle still owns its memory.
func (h *Handle) Owned() bool {
	return h != nil && h.owns.LoadAcquire() == 1
}

// Release returns the buffer. Releasing a nil or already released handle
// does nothing.
func (h *Handle) Release() {
	if h == nil || !h.owns.CompareAndSwapAcqRel(1, 0) {
		return
	}
	p := h.pool
	buf := h.buf
	h.buf = nil
	p.released.AddAcqRel(1)
	if h.index < 0 {
		putOverflow(buf)
		return
	}
	p.free <- h.index
}

// Acquire returns a handle to a buffer of size bytes, waiting up to the
// configured timeout for a pooled item.
func (p *Pool) Acquire(ctx context.Context, size int) (*Handle, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size > p.itemSize {
		h := &Handle{
			pool:  p,
			buf:   getOverflow(size),
			index: -1,
			id:    overflowFlag | p.nextOverflow.AddAcqRel(1),
		}
		h.owns.StoreRelease(1)
		p.overflowAcquired.AddAcqRel(1)
		return h, nil
	}

	idx, err := p.take(ctx)
	if err != nil {
		return nil, err
	}
	return p.pooled(idx, size), nil
}

func (p *Pool) pooled(idx int32, size int) *Handle {
	off := int(idx) * p.itemSize
	h := &Handle{
		pool:  p,
		buf:   p.slab[off : off+size : off+p.itemSize],
		index: idx,
		id:    uint64(idx) + 1,
	}
	h.owns.StoreRelease(1)
	p.pooledAcquired.AddAcqRel(1)
	return h
}

// AllocateCopy acquires a buffer sized for data and copies data into it.
func (p *Pool) AllocateCopy(ctx context.Context, data []byte) (*Handle, error) {
	h, err := p.Acquire(ctx, len(data))
	if err != nil {
		return nil, err
	}
	copy(h.buf, data)
	return h, nil
}

// Release releases h.
func (p *Pool) Release(h *Handle) {
	h.Release()
}

func (p *Pool) take(ctx context.Context) (int32, error) {
	select {
	case idx := <-p.free:
		return idx, nil
	default:
	}
	if p.acquireTimeout <= 0 {
		p.exhausted.AddAcqRel(1)
		return 0, ErrExhausted
	}

	p.waits.AddAcqRel(1)
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case idx := <-p.free:
		return idx, nil
	case <-timer.C:
		p.exhausted.AddAcqRel(1)
		return 0, ErrExhausted
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats returns current usage counters.
func (p *Pool) Stats() Stats {
	return Stats{
		ItemSize:         p.itemSize,
		Items:            p.items,
		InUse:            p.items - len(p.free),
		PooledAcquired:   p.pooledAcquired.LoadAcquire(),
		OverflowAcquired: p.overflowAcquired.LoadAcquire(),
		Released:         p.released.LoadAcquire(),
		Waits:            p.waits.LoadAcquire(),
		Exhausted:        p.exhausted.LoadAcquire(),
	}
}
