package npurt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"github.com/ehrlich-b/go-npurt/internal/logging"
	"github.com/ehrlich-b/go-npurt/internal/ring"
	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// FailureMode selects how a failed task affects its stream and context
type FailureMode int

const (
	// FailureNormal attaches errors to the failing task only
	FailureNormal FailureMode = iota
	// FailureStopOnFirst latches the context abort on the first failed task
	FailureStopOnFirst
	// FailureAbortAll latches the abort and quits every queue in the context
	FailureAbortAll
)

func (m FailureMode) String() string {
	switch m {
	case FailureNormal:
		return "normal"
	case FailureStopOnFirst:
		return "stop-on-first"
	case FailureAbortAll:
		return "abort-all"
	default:
		return fmt.Sprintf("FailureMode(%d)", int(m))
	}
}

// ParseFailureMode parses the String form of a FailureMode
func ParseFailureMode(s string) (FailureMode, error) {
	for _, m := range []FailureMode{FailureNormal, FailureStopOnFirst, FailureAbortAll} {
		if m.String() == s {
			return m, nil
		}
	}
	return FailureNormal, NewError("PARSE", ErrCodeInvalidParameters, fmt.Sprintf("unknown failure mode %q", s))
}

// StreamOptions configures StreamCreate
type StreamOptions struct {
	FailureMode FailureMode
}

// Stream is a logical submission stream bound to one hardware queue pair
type Stream struct {
	dev  *Device
	ctx  *Context
	id   int
	mode FailureMode
	log  *logging.Logger

	ring *ring.Ring[*Task]
	post *ring.Fifo[*Task]

	// mu guards the tail side: reservation, encoding, push
	mu         sync.Mutex
	cmdBuf     []byte
	sendFailed *Task

	// recycleMu guards the head side: completion reports and retirement
	recycleMu sync.Mutex

	submitted atomix.Uint64 // last submitted sequence + 1
	queueErr  atomicError   // latched protocol error
	closing   atomix.Bool
	closed    atomix.Bool
}

type atomicError struct {
	mu  sync.Mutex
	err error
}

func (a *atomicError) Load() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *atomicError) Store(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
}

func newStream(d *Device, c *Context, id int, opts StreamOptions) *Stream {
	depth := uint32(d.cfg.MaxStreamDepth)
	return &Stream{
		dev:    d,
		ctx:    c,
		id:     id,
		mode:   opts.FailureMode,
		log:    d.log.WithStream(id),
		ring:   ring.New[*Task](depth),
		post:   ring.NewFifo[*Task](int(depth)),
		cmdBuf: make([]byte, uapi.NPU_SQE_SIZE*MaxSqesPerTask),
	}
}

// ID returns the stream id, which is also its queue pair id
func (s *Stream) ID() int { return s.id }

// Context returns the owning context
func (s *Stream) Context() *Context { return s.ctx }

// Depth returns the number of ring slots
func (s *Stream) Depth() uint32 { return s.ring.Depth() }

// Epoch returns the number of times allocation has wrapped the ring
func (s *Stream) Epoch() uint64 { return s.ring.Epoch() }

// Pending returns the number of slots not yet retired
func (s *Stream) Pending() uint32 { return s.ring.Pending() }

// FailureMode returns the stream's failure mode
func (s *Stream) FailureMode() FailureMode { return s.mode }

// LastSubmitted returns the sequence of the newest task handed to hardware,
// or -1 before the first submission
func (s *Stream) LastSubmitted() int64 {
	return int64(s.submitted.LoadAcquire()) - 1
}

// LastFinished returns the sequence of the newest retired task, or -1
func (s *Stream) LastFinished() int64 {
	return int64(s.ring.Head()) - 1
}

// HardwareState queries the submission queue state
func (s *Stream) HardwareState() (SqState, error) {
	st, err := s.dev.backend.QuerySqState(s.sqID())
	if err != nil {
		return st, s.wrap("QUERY_SQ_STATE", err)
	}
	return st, nil
}

func (s *Stream) sqID() uint32 { return uint32(s.id) }

func (s *Stream) wrap(op string, err error) *Error {
	return WrapError(op, err).withContext(s.dev.id, s.id, -1)
}

func (s *Stream) newError(op string, code ErrorCode, msg string) *Error {
	return NewStreamError(op, s.dev.id, s.id, code, msg)
}

// checkHealth must be called with mu held
func (s *Stream) checkHealth() error {
	if s.closing.LoadAcquire() {
		return s.newError("SUBMIT", ErrCodeStreamClosed, "stream is closed")
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.queueErr.Load(); err != nil {
		return err
	}
	if t := s.sendFailed; t != nil {
		return t.newError("SUBMIT", ErrCodeSendFailed,
			fmt.Sprintf("task %d awaits Resend or Abandon", t.Sequence()))
	}
	return nil
}

// SubmitTask reserves ring slots for spec, encodes it and pushes it to the
// hardware queue. A full ring is waited out; ctx bounds the wait. If the
// push fails the returned task is in TaskSendFailed and the stream accepts
// no new work until it is passed to Resend or Abandon.
func (s *Stream) SubmitTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	count := spec.SqeCount
	if count == 0 {
		count = 1
	}
	if count > s.ring.Capacity() || count > MaxSqesPerTask {
		return nil, s.newError("SUBMIT", ErrCodeInvalidParameters,
			fmt.Sprintf("task needs %d slots, ring holds %d", count, s.ring.Capacity()))
	}
	t := newTask(s, spec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHealth(); err != nil {
		return nil, err
	}

	res, err := s.reserve(ctx, count)
	if err != nil {
		return nil, err
	}
	t.res = res
	t.setState(TaskReserved)

	if len(spec.Args) > 0 {
		h, err := s.dev.args.AllocateCopy(ctx, spec.Args)
		if err != nil {
			s.rollback(t)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			e := t.newError("SUBMIT", ErrCodeMemoryAllocationFailed, "argument allocation failed")
			e.Inner = err
			return nil, e
		}
		t.args = h
		s.dev.observer.ObserveArgAlloc(h.Overflow())
	}

	cmd := s.cmdBuf[:count*uapi.NPU_SQE_SIZE]
	clear(cmd)
	info := CommandInfo{
		Kind:      uint8(t.kind),
		QueueID:   uint16(s.id),
		Position:  s.ring.PositionOf(res.First),
		Depth:     s.ring.Depth(),
		Sequence:  res.Last(),
		SqeCount:  count,
		Report:    spec.Report,
		ArgHandle: t.args.ID(),
		ArgLen:    uint32(t.args.Len()),
		Payload:   spec.Payload,
	}
	encode := s.dev.encoder.Encode
	if t.handler.Encode != nil {
		encode = t.handler.Encode
	}
	if err := encode(&info, cmd); err != nil {
		s.rollback(t)
		return nil, WrapError("ENCODE", err).withContext(s.dev.id, s.id, int64(res.Last()))
	}
	t.setState(TaskEncoded)

	if t.needsPost {
		if err := s.AddToPostProcessingQueue(t); err != nil {
			s.rollback(t)
			return nil, err
		}
	}

	s.ring.Set(res, t)
	if err := s.push(t, cmd); err != nil {
		t.cmd = append([]byte(nil), cmd...)
		return t, err
	}
	return t, nil
}

// reserve allocates ring slots, backing off while the ring is full. Called
// with mu held; mu is released while waiting.
func (s *Stream) reserve(ctx context.Context, count uint32) (ring.Reservation, error) {
	backoff := iox.Backoff{}
	for {
		res, err := s.ring.Allocate(count)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ring.ErrQueueFull) {
			return ring.Reservation{}, s.wrap("RESERVE", err)
		}
		s.dev.observer.ObserveQueueFull()

		s.mu.Unlock()
		s.dev.WakeReconciler()
		herr := ctx.Err()
		if herr == nil {
			herr = s.ctx.Err()
		}
		if herr == nil {
			backoff.Wait()
		}
		s.mu.Lock()

		if herr != nil {
			return ring.Reservation{}, herr
		}
		if err := s.checkHealth(); err != nil {
			return ring.Reservation{}, err
		}
	}
}

// rollback undoes a reservation that never reached hardware or the
// post-processing queue
func (s *Stream) rollback(t *Task) {
	if err := s.ring.Rollback(t.res); err != nil {
		s.log.WithError(err).Error("rollback failed", "seq", t.res.Last())
	}
	t.args.Release()
	t.args = nil
}

// push hands an encoded task to hardware. Called with mu held.
func (s *Stream) push(t *Task, cmd []byte) error {
	t.submitted = time.Now()
	s.ring.MarkSent(t.res)
	if err := s.dev.backend.PushCommand(s.sqID(), cmd, t.res.Count); err != nil {
		s.ring.Unsend(t.res)
		if t.needsPost {
			s.post.PopBack()
		}
		t.setState(TaskSendFailed)
		s.sendFailed = t
		s.dev.observer.ObserveSendFailure()

		e := t.newError("SUBMIT", ErrCodeSendFailed, "push to hardware queue failed")
		e.Inner = err
		if dc, ok := DriverCodeOf(err); ok {
			e.DriverCode = dc
		}
		t.setErr(e)
		s.log.WithError(err).Warn("push failed", "seq", t.Sequence())
		return e
	}

	t.setState(TaskSent)
	s.submitted.StoreRelease(t.res.Last() + 1)
	s.dev.observer.ObserveSubmit(t.kind, t.res.Count)
	s.dev.observer.ObserveQueueDepth(s.ring.Pending())
	s.log.TaskSubmitted(t.Sequence(), t.kind.String(), t.Position())
	return nil
}

// Resend retries the push of a task in TaskSendFailed.
func (s *Stream) Resend(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil || s.sendFailed != t {
		return s.newError("RESEND", ErrCodeInvalidParameters, "task is not awaiting resend")
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if t.needsPost {
		if err := s.AddToPostProcessingQueue(t); err != nil {
			return err
		}
	}
	s.sendFailed = nil
	t.mu.Lock()
	t.err = nil
	t.mu.Unlock()
	if err := s.push(t, t.cmd); err != nil {
		return err
	}
	t.cmd = nil
	return nil
}

// Abandon gives up on a task in TaskSendFailed, returning its slots to the ring.
func (s *Stream) Abandon(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil || s.sendFailed != t {
		return s.newError("ABANDON", ErrCodeInvalidParameters, "task is not awaiting resend")
	}
	s.abandonLocked(t)
	return nil
}

func (s *Stream) abandonLocked(t *Task) {
	s.sendFailed = nil
	t.cmd = nil
	if err := s.ring.Rollback(t.res); err != nil {
		s.log.WithError(err).Error("abandon rollback failed", "seq", t.Sequence())
	}
	t.args.Release()
	t.finish(TaskAbandoned)
}

// AddToPostProcessingQueue records a task whose retirement must run Uninit.
// A full queue is StreamFull.
func (s *Stream) AddToPostProcessingQueue(t *Task) error {
	if err := s.post.Push(t); err != nil {
		return t.newError("POST_QUEUE", ErrCodeStreamFull, "post-processing queue full")
	}
	return nil
}

// TakePostProcessingHead removes the oldest post-processing entry if it is t.
func (s *Stream) TakePostProcessingHead(t *Task) bool {
	head, ok := s.post.Peek()
	if !ok || head != t {
		return false
	}
	s.post.Pop()
	return true
}
