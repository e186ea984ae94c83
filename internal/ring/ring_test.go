package ring

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// submit allocates, sends and returns the reservation, hardware style.
func submit(t *testing.T, r *Ring[int], count uint32, v int) Reservation {
	t.Helper()
	res, err := r.Allocate(count)
	require.NoError(t, err)
	r.Set(res, v)
	r.MarkSent(res)
	return res
}

func TestSequenceArithmetic(t *testing.T) {
	r := New[int](4)
	assert.Equal(t, uint32(2), r.PositionOf(6))
	assert.Equal(t, uint32(3), r.Capacity())
}

func TestMonotonicSequenceAcrossWrap(t *testing.T) {
	r := New[int](4)
	var seqs []uint64
	for i := 0; i < 10; i++ {
		res := submit(t, r, 1, i)
		seqs = append(seqs, res.Last())
		// hardware drains immediately
		_, err := r.RetireUpTo(r.TailPosition(), nil)
		require.NoError(t, err)
	}
	for i := range seqs {
		assert.Equal(t, uint64(i), seqs[i])
		assert.Equal(t, uint32(i%4), r.PositionOf(seqs[i]))
	}
}

func TestEpochFlipBoundary(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 5; i++ {
		res := submit(t, r, 1, i)
		assert.Equal(t, uint64(i), res.Last())
		switch {
		case i < 3:
			assert.Equal(t, uint64(0), r.Epoch(), "after submission %d", i+1)
		default:
			assert.Equal(t, uint64(1), r.Epoch(), "after submission %d", i+1)
		}
		_, err := r.RetireUpTo(r.TailPosition(), nil)
		require.NoError(t, err)
	}
}

func TestRetireUpToReportsLastFinished(t *testing.T) {
	r := New[int](4)
	submit(t, r, 1, 10)
	submit(t, r, 1, 11)

	var retired []int
	out, err := r.RetireUpTo(2, func(seq uint64, v int) {
		retired = append(retired, v)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), out.First)
	assert.Equal(t, uint64(2), out.Count)
	assert.Equal(t, uint64(1), out.LastFinished)
	assert.Equal(t, []int{10, 11}, retired)
	assert.Equal(t, uint32(0), r.Pending())
}

func TestRetireUpToEdgeCases(t *testing.T) {
	t.Run("EmptyRing", func(t *testing.T) {
		r := New[int](4)
		out, err := r.RetireUpTo(3, nil)
		require.NoError(t, err)
		assert.Zero(t, out.Count)
	})

	t.Run("NothingNew", func(t *testing.T) {
		r := New[int](4)
		submit(t, r, 1, 1)
		out, err := r.RetireUpTo(0, nil)
		require.NoError(t, err)
		assert.Zero(t, out.Count)
		assert.Equal(t, uint32(1), r.Pending())
	})

	t.Run("AheadOfTail", func(t *testing.T) {
		r := New[int](4)
		submit(t, r, 1, 1)
		submit(t, r, 1, 2)
		_, err := r.RetireUpTo(3, nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, uint32(2), r.Pending())
	})

	t.Run("PositionOutOfRange", func(t *testing.T) {
		r := New[int](4)
		submit(t, r, 1, 1)
		_, err := r.RetireUpTo(4, nil)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("UnsentSlot", func(t *testing.T) {
		r := New[int](4)
		submit(t, r, 1, 1)
		_, err := r.Allocate(1)
		require.NoError(t, err)
		_, err = r.RetireUpTo(2, nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, uint64(0), r.Head())
	})
}

func TestAllocateQueueFull(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 3; i++ {
		submit(t, r, 1, i)
	}
	_, err := r.Allocate(1)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, iox.IsWouldBlock(err))
	assert.Equal(t, uint32(0), r.Free())

	_, err = r.RetireUpTo(1, nil)
	require.NoError(t, err)
	res, err := r.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.First)
}

func TestAllocateInvalidCount(t *testing.T) {
	r := New[int](4)
	_, err := r.Allocate(0)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = r.Allocate(4)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestMultiSlotReservation(t *testing.T) {
	r := New[int](4)
	submit(t, r, 1, 0)
	submit(t, r, 1, 1)
	submit(t, r, 1, 2)
	_, err := r.RetireUpTo(3, nil)
	require.NoError(t, err)

	res := submit(t, r, 2, 42)
	assert.Equal(t, uint64(3), res.First)
	assert.Equal(t, uint64(4), res.Last())
	assert.Equal(t, uint64(1), r.Epoch())

	seq, v, ok := r.Lookup(4)
	require.True(t, ok)
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, 42, v)

	_, v, ok = r.Lookup(3)
	require.True(t, ok)
	assert.Zero(t, v, "continuation slots carry no value")
}

func TestRollback(t *testing.T) {
	r := New[int](4)
	a, err := r.Allocate(1)
	require.NoError(t, err)
	b, err := r.Allocate(1)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Rollback(a), ErrNotLatest)
	require.NoError(t, r.Rollback(b))
	assert.Equal(t, uint64(1), r.Tail())
	assert.Equal(t, SlotRetired, r.State(b.First))

	r.MarkSent(a)
	assert.ErrorIs(t, r.Rollback(a), ErrInvalidState)

	r.Unsend(a)
	assert.Equal(t, SlotAllocated, r.State(a.First))
	require.NoError(t, r.Rollback(a))
	assert.Equal(t, uint64(0), r.Tail())
}

func TestLookup(t *testing.T) {
	t.Run("StaleSequence", func(t *testing.T) {
		r := New[int](4)
		submit(t, r, 1, 7)
		_, err := r.RetireUpTo(1, nil)
		require.NoError(t, err)
		_, _, ok := r.Lookup(0)
		assert.False(t, ok)
	})

	t.Run("Unallocated", func(t *testing.T) {
		r := New[int](4)
		submit(t, r, 1, 7)
		_, _, ok := r.Lookup(1)
		assert.False(t, ok)
	})

	t.Run("Wraps32Bits", func(t *testing.T) {
		r := New[int](4)
		start := uint64(1)<<32 - 2
		r.tail.StoreRelease(start)
		r.head.StoreRelease(start)
		for i := 0; i < 3; i++ {
			submit(t, r, 1, i)
		}
		seq, v, ok := r.Lookup(0)
		require.True(t, ok)
		assert.Equal(t, uint64(1)<<32, seq)
		assert.Equal(t, 2, v)
	})
}

func TestBoundary(t *testing.T) {
	r := New[int](8)
	b, ok := r.Boundary(5)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), b, "empty ring")

	for i := 0; i < 3; i++ {
		submit(t, r, 1, i)
	}
	b, ok = r.Boundary(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), b)

	_, ok = r.Boundary(5)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), r.Head(), "boundary never retires")
}

func TestRandomInterleavingNeverDuplicatesLiveSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	r := New[int](8)
	live := make(map[uint64]bool)
	var lastAlloc int64 = -1
	var hw uint64 // hardware head as a sequence

	for step := 0; step < 20000; step++ {
		if rng.Intn(2) == 0 {
			res, err := r.Allocate(uint32(1 + rng.Intn(3)))
			if errors.Is(err, ErrQueueFull) {
				continue
			}
			require.NoError(t, err)
			for s := res.First; s <= res.Last(); s++ {
				require.False(t, live[s], "sequence %d allocated twice", s)
				require.Greater(t, int64(s), lastAlloc)
				lastAlloc = int64(s)
				live[s] = true
			}
			r.Set(res, int(res.Last()))
			r.MarkSent(res)
			continue
		}
		pending := r.Tail() - hw
		if pending == 0 {
			continue
		}
		hw += uint64(rng.Int63n(int64(pending) + 1))
		next := r.Head()
		_, err := r.RetireUpTo(r.PositionOf(hw), func(seq uint64, v int) {
			require.Equal(t, next, seq)
			require.True(t, live[seq])
			delete(live, seq)
			next++
		})
		require.NoError(t, err)
		require.Equal(t, hw, r.Head())
	}
	assert.Len(t, live, int(r.Tail()-r.Head()))
}

func TestConcurrentSubmitAndRetire(t *testing.T) {
	const total = 20000
	r := New[int](16)
	var hw atomic.Uint64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			res, err := r.Allocate(1)
			if errors.Is(err, ErrQueueFull) {
				runtime.Gosched()
				continue
			}
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			r.Set(res, i)
			r.MarkSent(res)
			hw.Store(res.Last() + 1)
			i++
		}
	}()

	var expected uint64
	for expected < total {
		_, err := r.RetireUpTo(r.PositionOf(hw.Load()), func(seq uint64, v int) {
			if seq != expected || uint64(v) != seq {
				t.Errorf("retired seq %d value %d, expected %d", seq, v, expected)
			}
			expected++
		})
		require.NoError(t, err)
		runtime.Gosched()
	}
	wg.Wait()
	assert.Equal(t, uint32(0), r.Pending())
}
