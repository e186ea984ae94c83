// Package ring implements the per-stream task slot ring.
//
// Slots are addressed by a global 64-bit sequence number; a slot's ring
// position is seq % depth and the epoch (flip count) is tail / depth. One
// slot is always kept free so a hardware head position equal to the tail
// position unambiguously means "drained".
//
// The tail side (Allocate, Set, MarkSent, Unsend, Rollback) must be driven by
// a single goroutine at a time, typically under the stream submission lock.
// The head side (RetireUpTo, Lookup, Boundary) must likewise be serialized,
// typically under the stream recycle lock. The two sides may run concurrently.
package ring

import (
	"errors"
	"fmt"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"golang.org/x/sys/cpu"
)

var (
	// ErrQueueFull reports that the ring has no room for the requested slots.
	// It wraps iox.ErrWouldBlock: callers back off and retry.
	ErrQueueFull = fmt.Errorf("ring: queue full: %w", iox.ErrWouldBlock)

	// ErrInvalidState reports a head position inconsistent with the ring
	ErrInvalidState = errors.New("ring: invalid queue state")

	// ErrInvalidCount reports a slot count of zero or one the ring can never hold
	ErrInvalidCount = errors.New("ring: invalid slot count")

	// ErrNotLatest reports a rollback of a reservation that is not the newest one
	ErrNotLatest = errors.New("ring: reservation is not the latest")
)

// SlotState is the lifecycle tag of one slot.
type SlotState uint64

const (
	// SlotRetired slots are free for allocation
	SlotRetired SlotState = iota
	// SlotAllocated slots are reserved but not handed to hardware
	SlotAllocated
	// SlotSent slots are owned by hardware until retired
	SlotSent
)

func (s SlotState) String() string {
	switch s {
	case SlotRetired:
		return "retired"
	case SlotAllocated:
		return "allocated"
	case SlotSent:
		return "sent"
	default:
		return fmt.Sprintf("SlotState(%d)", uint64(s))
	}
}

type slot[T any] struct {
	state atomix.Uint64
	seq   uint64
	val   T
}

// Reservation describes contiguous slots returned by Allocate.
type Reservation struct {
	First uint64 // sequence of the first slot
	Count uint32
}

// Last returns the sequence of the final slot of the reservation.
func (r Reservation) Last() uint64 {
	return r.First + uint64(r.Count) - 1
}

// Retirement describes the outcome of RetireUpTo.
type Retirement struct {
	First        uint64 // first retired sequence
	Count        uint64
	LastFinished uint64 // valid only when Count > 0
}

// Ring is a fixed-capacity task slot ring.
type Ring[T any] struct {
	_     cpu.CacheLinePad
	tail  atomix.Uint64 // next sequence to allocate
	_     cpu.CacheLinePad
	head  atomix.Uint64 // oldest unretired sequence
	_     cpu.CacheLinePad
	slots []slot[T]
	depth uint64
}

// New creates a ring with depth slots. depth must be at least 2.
func New[T any](depth uint32) *Ring[T] {
	if depth < 2 {
		panic("ring: depth must be >= 2")
	}
	return &Ring[T]{
		slots: make([]slot[T], depth),
		depth: uint64(depth),
	}
}

// Depth returns the number of slots.
func (r *Ring[T]) Depth() uint32 {
	return uint32(r.depth)
}

// Capacity returns the maximum number of pending slots.
func (r *Ring[T]) Capacity() uint32 {
	return uint32(r.depth - 1)
}

// PositionOf returns the ring position of a sequence.
func (r *Ring[T]) PositionOf(seq uint64) uint32 {
	return uint32(seq % r.depth)
}

// Epoch returns the number of times allocation has crossed the end of the ring.
func (r *Ring[T]) Epoch() uint64 {
	return r.tail.LoadAcquire() / r.depth
}

// Tail returns the next sequence to be allocated.
func (r *Ring[T]) Tail() uint64 {
	return r.tail.LoadAcquire()
}

// Head returns the oldest sequence not yet retired.
func (r *Ring[T]) Head() uint64 {
	return r.head.LoadAcquire()
}

// HeadPosition and TailPosition return the cursors as ring positions.
func (r *Ring[T]) HeadPosition() uint32 { return r.PositionOf(r.head.LoadAcquire()) }
func (r *Ring[T]) TailPosition() uint32 { return r.PositionOf(r.tail.LoadAcquire()) }

// Pending returns (tail - head) mod depth.
func (r *Ring[T]) Pending() uint32 {
	head := r.head.LoadAcquire()
	tail := r.tail.LoadAcquire()
	return uint32((tail%r.depth + r.depth - head%r.depth) % r.depth)
}

// Free returns the number of slots Allocate can still hand out.
func (r *Ring[T]) Free() uint32 {
	return r.Capacity() - r.Pending()
}

// Allocate reserves count contiguous slots at the tail.
func (r *Ring[T]) Allocate(count uint32) (Reservation, error) {
	n := uint64(count)
	if n == 0 || n > r.depth-1 {
		return Reservation{}, ErrInvalidCount
	}
	tail := r.tail.LoadRelaxed()
	head := r.head.LoadAcquire()
	if tail-head+n > r.depth-1 {
		return Reservation{}, ErrQueueFull
	}
	for i := uint64(0); i < n; i++ {
		s := &r.slots[(tail+i)%r.depth]
		if SlotState(s.state.LoadAcquire()) != SlotRetired {
			return Reservation{}, ErrInvalidState
		}
	}
	for i := uint64(0); i < n; i++ {
		s := &r.slots[(tail+i)%r.depth]
		s.seq = tail + i
		s.state.StoreRelease(uint64(SlotAllocated))
	}
	r.tail.StoreRelease(tail + n)
	return Reservation{First: tail, Count: count}, nil
}

// Set attaches a value to the final slot of the reservation.
func (r *Ring[T]) Set(res Reservation, v T) {
	r.slots[res.Last()%r.depth].val = v
}

// MarkSent transfers the reservation to hardware ownership. It must be called
// before the command is pushed: once hardware sees a command the recycle side
// may retire it.
func (r *Ring[T]) MarkSent(res Reservation) {
	for i := uint64(0); i < uint64(res.Count); i++ {
		r.slots[(res.First+i)%r.depth].state.StoreRelease(uint64(SlotSent))
	}
}

// Unsend returns a reservation whose push failed to the allocated state.
func (r *Ring[T]) Unsend(res Reservation) {
	for i := uint64(0); i < uint64(res.Count); i++ {
		r.slots[(res.First+i)%r.depth].state.StoreRelease(uint64(SlotAllocated))
	}
}

// State returns the state of the slot currently holding seq.
func (r *Ring[T]) State(seq uint64) SlotState {
	s := &r.slots[seq%r.depth]
	st := SlotState(s.state.LoadAcquire())
	if st == SlotRetired || s.seq != seq {
		return SlotRetired
	}
	return st
}

// Rollback undoes the newest reservation. Only reservations that were never
// sent may be rolled back.
func (r *Ring[T]) Rollback(res Reservation) error {
	tail := r.tail.LoadRelaxed()
	if res.Count == 0 || tail != res.Last()+1 {
		return ErrNotLatest
	}
	for i := uint64(0); i < uint64(res.Count); i++ {
		if SlotState(r.slots[(res.First+i)%r.depth].state.LoadAcquire()) != SlotAllocated {
			return ErrInvalidState
		}
	}
	var zero T
	for i := uint64(0); i < uint64(res.Count); i++ {
		s := &r.slots[(res.First+i)%r.depth]
		s.val = zero
		s.state.StoreRelease(uint64(SlotRetired))
	}
	r.tail.StoreRelease(res.First)
	return nil
}

// advance returns how many slots a hardware head position has moved past the
// ring head. ok is false when the position is ahead of the tail.
func (r *Ring[T]) advance(head, tail uint64, hwPos uint32) (uint64, bool) {
	pos := uint64(hwPos)
	if pos >= r.depth {
		return 0, false
	}
	adv := (pos + r.depth - head%r.depth) % r.depth
	return adv, adv <= tail-head
}

// RetireUpTo retires every slot the hardware head position has moved past.
// fn runs for each retired slot, in sequence order, before the slot becomes
// reusable. An empty ring or an unchanged head retires nothing. A head ahead
// of the tail, or one that passes a slot hardware does not own, returns
// ErrInvalidState and leaves the ring unchanged.
func (r *Ring[T]) RetireUpTo(hwHeadPos uint32, fn func(seq uint64, v T)) (Retirement, error) {
	head := r.head.LoadRelaxed()
	tail := r.tail.LoadAcquire()
	if head == tail {
		return Retirement{}, nil
	}
	adv, ok := r.advance(head, tail, hwHeadPos)
	if !ok {
		return Retirement{}, fmt.Errorf("%w: head %d ahead of tail %d (ring head %d)",
			ErrInvalidState, hwHeadPos, tail%r.depth, head%r.depth)
	}
	if adv == 0 {
		return Retirement{}, nil
	}
	for i := uint64(0); i < adv; i++ {
		s := &r.slots[(head+i)%r.depth]
		if st := SlotState(s.state.LoadAcquire()); st != SlotSent {
			return Retirement{}, fmt.Errorf("%w: slot %d is %s",
				ErrInvalidState, (head+i)%r.depth, st)
		}
	}
	var zero T
	for i := uint64(0); i < adv; i++ {
		s := &r.slots[(head+i)%r.depth]
		if fn != nil {
			fn(head+i, s.val)
		}
		s.val = zero
		s.state.StoreRelease(uint64(SlotRetired))
	}
	r.head.StoreRelease(head + adv)
	return Retirement{First: head, Count: adv, LastFinished: head + adv - 1}, nil
}

// Boundary returns the sequence hardware has finished up to (exclusive) for a
// head position, without retiring anything.
func (r *Ring[T]) Boundary(hwHeadPos uint32) (uint64, bool) {
	head := r.head.LoadAcquire()
	tail := r.tail.LoadAcquire()
	if head == tail {
		return head, true
	}
	adv, ok := r.advance(head, tail, hwHeadPos)
	if !ok {
		return head, false
	}
	return head + adv, true
}

// Lookup resolves the low 32 bits of a sequence, as carried in a completion
// record, to a slot owned by hardware.
func (r *Ring[T]) Lookup(seq32 uint32) (uint64, T, bool) {
	var zero T
	head := r.head.LoadAcquire()
	tail := r.tail.LoadAcquire()
	diff := uint64(seq32 - uint32(head))
	seq := head + diff
	if diff >= r.depth || seq >= tail {
		return 0, zero, false
	}
	s := &r.slots[seq%r.depth]
	if SlotState(s.state.LoadAcquire()) != SlotSent || s.seq != seq {
		return 0, zero, false
	}
	return seq, s.val, true
}
