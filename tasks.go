package npurt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/ehrlich-b/go-npurt/internal/argpool"
	"github.com/ehrlich-b/go-npurt/internal/ring"
	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// TaskKind identifies the hardware operation a task performs
type TaskKind uint8

const (
	KindNop         TaskKind = uapi.NPU_TASK_NOP
	KindKernel      TaskKind = uapi.NPU_TASK_KERNEL // cpu-kernel launch, needs post-processing
	KindMemcpy      TaskKind = uapi.NPU_TASK_MEMCPY
	KindEventRecord TaskKind = uapi.NPU_TASK_EVENT_RECORD
	KindEventWait   TaskKind = uapi.NPU_TASK_EVENT_WAIT
)

func (k TaskKind) String() string {
	return lookupKind(k).Name
}

// KindHandler is the per-kind behavior table entry
type KindHandler struct {
	Name string

	// NeedsPost routes retired tasks through the post-processing FIFO and Uninit
	NeedsPost bool

	// Encode overrides the device encoder for this kind (optional)
	Encode func(info *CommandInfo, cmd []byte) error

	// Complete translates a completion record into the task's error (nil on success)
	Complete func(t *Task, rec *CompletionRecord) error

	// Uninit releases auxiliary objects of a post-processed task
	Uninit func(t *Task)

	// PrintError renders a failed completion record for logs and errors
	PrintError func(t *Task, rec *CompletionRecord) string
}

var kindTable [256]atomic.Pointer[KindHandler]

var unknownKind = &KindHandler{
	Name:       "unknown",
	Complete:   func(*Task, *CompletionRecord) error { return nil },
	Uninit:     func(*Task) {},
	PrintError: defaultPrintError,
}

func init() {
	builtin := []struct {
		kind TaskKind
		name string
		post bool
	}{
		{KindNop, "nop", false},
		{KindKernel, "kernel", true},
		{KindMemcpy, "memcpy", false},
		{KindEventRecord, "event-record", false},
		{KindEventWait, "event-wait", false},
	}
	for _, b := range builtin {
		h := KindHandler{
			Name:       b.name,
			NeedsPost:  b.post,
			Complete:   defaultComplete,
			Uninit:     defaultUninit,
			PrintError: defaultPrintError,
		}
		if err := RegisterTaskKind(b.kind, h); err != nil {
			panic(err)
		}
	}
}

// RegisterTaskKind installs or replaces the handler for kind. Complete,
// Uninit and PrintError are required.
func RegisterTaskKind(kind TaskKind, h KindHandler) error {
	switch {
	case h.Name == "":
		return NewError("REGISTER_KIND", ErrCodeInvalidParameters, fmt.Sprintf("kind %d has no name", kind))
	case h.Complete == nil, h.Uninit == nil, h.PrintError == nil:
		return NewError("REGISTER_KIND", ErrCodeInvalidParameters, fmt.Sprintf("kind %s is missing handlers", h.Name))
	}
	kindTable[kind].Store(&h)
	return nil
}

func lookupKind(kind TaskKind) *KindHandler {
	if h := kindTable[kind].Load(); h != nil {
		return h
	}
	return unknownKind
}

func defaultComplete(t *Task, rec *CompletionRecord) error {
	if !rec.Failed() && !rec.IsQuit() {
		return nil
	}
	var code ErrorCode
	switch {
	case rec.IsQuit():
		code = ErrCodeContextAborted
	case rec.ErrorCode != 0:
		code = TranslateDriverCode(uapi.DriverCode(rec.ErrorCode))
	case rec.HasTimeout():
		code = ErrCodeTaskTimeout
	default:
		code = ErrCodeTaskFailed
	}
	if rec.HasTimeout() && code == ErrCodeDriverError {
		code = ErrCodeTaskTimeout
	}
	e := t.newError("COMPLETE", code, t.handler.PrintError(t, rec))
	e.DriverCode = uapi.DriverCode(rec.ErrorCode)
	return e
}

func defaultUninit(t *Task) {
	if t.cleanup != nil {
		t.cleanup()
	}
}

func defaultPrintError(t *Task, rec *CompletionRecord) string {
	var kind string
	if t != nil {
		kind = t.kind.String()
	}
	switch {
	case rec.IsQuit():
		return fmt.Sprintf("%s task flushed by queue quit", kind)
	case rec.HasTimeout():
		return fmt.Sprintf("%s task timed out (code 0x%x)", kind, rec.ErrorCode)
	default:
		return fmt.Sprintf("%s task failed (code 0x%x)", kind, rec.ErrorCode)
	}
}

// TaskState is the lifecycle state of a task
type TaskState int32

const (
	TaskRequested TaskState = iota
	TaskReserved
	TaskEncoded
	TaskSent
	TaskSendFailed
	TaskCompleted
	TaskFailed
	TaskAbandoned
)

func (s TaskState) String() string {
	switch s {
	case TaskRequested:
		return "requested"
	case TaskReserved:
		return "reserved"
	case TaskEncoded:
		return "encoded"
	case TaskSent:
		return "sent"
	case TaskSendFailed:
		return "send-failed"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// TaskSpec describes a task to submit
type TaskSpec struct {
	Kind TaskKind

	// Payload is encoded inline into the SQE bodies
	Payload []byte

	// Args is copied into the device argument pool; the handle travels in the command
	Args []byte

	// SqeCount is the number of ring slots the task occupies (0 means 1)
	SqeCount uint32

	// Report asks the device for a completion record even on success
	Report bool

	// OnComplete runs exactly once when the task reaches a terminal state.
	// It runs on the reconciler and must not block.
	OnComplete func(*Task)

	// Cleanup releases auxiliary objects; it runs during post-processing of
	// kinds that need it
	Cleanup func()
}

// Task is a submitted task
type Task struct {
	stream     *Stream
	kind       TaskKind
	handler    *KindHandler
	spec       TaskSpec
	res        ring.Reservation
	args       *argpool.Handle
	needsPost  bool
	cmd        []byte // retained only after a failed push
	onComplete func(*Task)
	cleanup    func()
	submitted  time.Time

	state    atomic.Int32
	mu       sync.Mutex
	err      error
	finished atomix.Uint64
	done     chan struct{}
}

func newTask(s *Stream, spec TaskSpec) *Task {
	h := lookupKind(spec.Kind)
	t := &Task{
		stream:     s,
		kind:       spec.Kind,
		handler:    h,
		spec:       spec,
		needsPost:  h.NeedsPost,
		onComplete: spec.OnComplete,
		cleanup:    spec.Cleanup,
		done:       make(chan struct{}),
	}
	return t
}

// Sequence returns the task's sequence number: that of its last slot
func (t *Task) Sequence() uint64 {
	return t.res.Last()
}

// Position returns the ring position of the slot holding the task record
func (t *Task) Position() uint32 {
	return t.stream.ring.PositionOf(t.res.Last())
}

// SqeCount returns the number of slots the task occupies
func (t *Task) SqeCount() uint32 {
	return t.res.Count
}

// Kind returns the task kind
func (t *Task) Kind() TaskKind {
	return t.kind
}

// Stream returns the stream the task was submitted on
func (t *Task) Stream() *Stream {
	return t.stream
}

// State returns the current lifecycle state
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Err returns the error recorded for the task, if any
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task reaches a terminal state
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its error. A non-positive
// timeout waits without limit; otherwise it bounds the whole call.
func (t *Task) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-t.done:
		return t.Err()
	default:
	}
	if t.State() == TaskSendFailed {
		return t.Err()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.stream.Synchronize(ctx, t.Sequence(), timeout); err != nil {
		select {
		case <-t.done:
			return t.Err()
		default:
			return err
		}
	}

	// hardware is past the task; wait for the reconciler to retire it
	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(t.stream.dev.cfg.TimeoutMonitorGranularity)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return t.Err()
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return t.retireTimeout(timeout)
		case <-ticker.C:
			if err := t.stream.syncErr(); err != nil {
				return err
			}
			t.stream.dev.WakeReconciler()
		}
	}
}

// retireTimeout is the error of a Wait whose task finished on hardware but
// was not retired in time.
func (t *Task) retireTimeout(timeout time.Duration) error {
	select {
	case <-t.done:
		return t.Err()
	default:
	}
	t.stream.dev.observer.ObserveSync(true)
	return t.newError("WAIT", ErrCodeStreamSyncTimeout,
		fmt.Sprintf("task finished on hardware but not retired after %v", timeout))
}

func (t *Task) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *Task) newError(op string, code ErrorCode, msg string) *Error {
	return NewTaskError(op, t.stream.dev.id, t.stream.id, t.res.Last(), code, msg)
}

// finish moves the task to its terminal state once
func (t *Task) finish(state TaskState) bool {
	if !t.finished.CompareAndSwapAcqRel(0, 1) {
		return false
	}
	if state == TaskCompleted && t.Err() != nil {
		state = TaskFailed
	}
	t.setState(state)
	if t.onComplete != nil {
		t.onComplete(t)
	}
	close(t.done)
	return true
}
