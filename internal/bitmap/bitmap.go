// Package bitmap implements a fixed-size id allocator.
package bitmap

import "github.com/bits-and-blooms/bitset"

// None is returned by Alloc when every id is taken.
const None = -1

// Bitmap tracks which ids in [0, size) are allocated. It is not safe for
// concurrent use; callers hold their own lock.
type Bitmap struct {
	set  *bitset.BitSet
	size int
	used int
	next int // search hint
}

// New creates a bitmap of size ids, all free.
func New(size int) *Bitmap {
	if size < 0 {
		size = 0
	}
	return &Bitmap{
		set:  bitset.New(uint(size)),
		size: size,
	}
}

// Size returns the number of ids.
func (b *Bitmap) Size() int { return b.size }

// Used returns the number of allocated ids.
func (b *Bitmap) Used() int { return b.used }

// Alloc returns the lowest free id at or after the search hint, wrapping
// around, or None.
func (b *Bitmap) Alloc() int {
	if b.used == b.size {
		return None
	}
	id, ok := b.nextClear(b.next)
	if !ok {
		if id, ok = b.nextClear(0); !ok {
			return None
		}
	}
	b.set.Set(uint(id))
	b.used++
	b.next = (id + 1) % b.size
	return id
}

func (b *Bitmap) nextClear(from int) (int, bool) {
	i, ok := b.set.NextClear(uint(from))
	if !ok || int(i) >= b.size {
		return 0, false
	}
	return int(i), true
}

// Set marks id as allocated. It reports false if id is out of range or
// already allocated.
func (b *Bitmap) Set(id int) bool {
	if id < 0 || id >= b.size || b.IsSet(id) {
		return false
	}
	b.set.Set(uint(id))
	b.used++
	return true
}

// Free releases id. It reports false if id was not allocated.
func (b *Bitmap) Free(id int) bool {
	if !b.IsSet(id) {
		return false
	}
	b.set.Clear(uint(id))
	b.used--
	return true
}

// IsSet reports whether id is allocated.
func (b *Bitmap) IsSet(id int) bool {
	if id < 0 || id >= b.size {
		return false
	}
	return b.set.Test(uint(id))
}
