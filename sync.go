package npurt

import (
	"context"
	"fmt"
	"time"

	"code.hybscloud.com/spin"

	"github.com/ehrlich-b/go-npurt/internal/constants"
)

// Synchronize blocks until the task with sequence seq has finished on
// hardware, the stream or its context fails, ctx is done, or timeout
// elapses. A sequence beyond the last submitted task waits for the last
// submitted task. A non-positive timeout waits without limit.
func (s *Stream) Synchronize(ctx context.Context, seq uint64, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	last := s.LastSubmitted()
	if last < 0 || s.ring.Pending() == 0 {
		return s.syncErr()
	}
	if int64(seq) > last || int64(seq) < 0 {
		seq = uint64(last)
	}

	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}
	nextReport := start.Add(s.dev.opts.LongWaitInterval)
	waited := false

	var sw spin.Wait
	for polls := 1; ; polls++ {
		if err := s.syncErr(); err != nil {
			return err
		}
		if s.finishedThrough(seq) {
			if waited {
				s.dev.observer.ObserveSync(false)
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		if !deadline.IsZero() && now.After(deadline) {
			s.dev.observer.ObserveSync(true)
			e := s.newError("SYNCHRONIZE", ErrCodeStreamSyncTimeout,
				fmt.Sprintf("task %d not finished after %v", seq, timeout))
			e.Seq = int64(seq)
			return e
		}
		if now.After(nextReport) {
			s.dev.observer.ObserveLongWait(s.id, seq, now.Sub(start))
			s.log.Warn("synchronize still waiting", "seq", seq, "waited", now.Sub(start),
				"head", s.ring.HeadPosition(), "tail", s.ring.TailPosition())
			nextReport = now.Add(s.dev.opts.LongWaitInterval)
		}
		waited = true

		if !s.dev.busy.LoadAcquire() {
			s.dev.WakeReconciler()
		}
		if polls%constants.SyncYieldEvery == 0 {
			time.Sleep(s.dev.opts.SyncPollInterval)
		} else {
			sw.Once()
		}
	}
}

// SynchronizeAll waits for every task submitted so far
func (s *Stream) SynchronizeAll(ctx context.Context, timeout time.Duration) error {
	last := s.LastSubmitted()
	if last < 0 {
		return s.syncErr()
	}
	return s.Synchronize(ctx, uint64(last), timeout)
}

// finishedThrough reports whether every slot up to and including seq has
// been retired, or the hardware head is already past it with no reports
// left to consume.
func (s *Stream) finishedThrough(seq uint64) bool {
	if s.ring.Head() > seq {
		return true
	}
	if !s.recycleMu.TryLock() {
		return false
	}
	defer s.recycleMu.Unlock()
	if s.ring.Head() > seq {
		return true
	}
	hw, err := s.dev.backend.QueryHead(s.sqID())
	if err != nil || s.dev.backend.QueryHasCompletion(s.sqID()) {
		return false
	}
	boundary, ok := s.ring.Boundary(hw)
	return ok && boundary > seq
}

// syncErr is the stream failure a synchronize reports, or nil
func (s *Stream) syncErr() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.queueErr.Load(); err != nil {
		return err
	}
	return nil
}
