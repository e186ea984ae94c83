package npurt

import (
	"sync"

	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// MockQueueBackend is a scriptable QueueBackend for tests. Hardware makes
// no progress on its own: tests move the head with Complete and inject
// completion records with AddCompletion, unless AutoComplete is set.
type MockQueueBackend struct {
	mu     sync.Mutex
	depth  uint32
	opened bool
	queues map[uint32]*mockQueue

	// OpenErr is returned by Open when set
	OpenErr error
	// AllocErr is returned by AllocQueuePair when set
	AllocErr error
	// AutoComplete retires every pushed command immediately
	AutoComplete bool

	pushErr   error
	pushFails int

	// Method call tracking
	openCalls  int
	closeCalls int
	pushCalls  int
	headCalls  int
	drainCalls int
	quitCalls  int
}

type mockQueue struct {
	head, tail uint64 // absolute SQE counts
	override   *uint32
	cqes       []CompletionRecord
	pushed     []uapi.SqeHeader
	quit       bool
}

// NewMockQueueBackend creates a mock backend
func NewMockQueueBackend() *MockQueueBackend {
	return &MockQueueBackend{queues: make(map[uint32]*mockQueue)}
}

// Open implements QueueBackend
func (m *MockQueueBackend) Open(deviceID uint32, cfg BackendConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	if m.OpenErr != nil {
		return m.OpenErr
	}
	m.depth = cfg.QueueDepth
	m.opened = true
	return nil
}

// Close implements QueueBackend
func (m *MockQueueBackend) Close(deviceID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.opened = false
	return nil
}

// AllocQueuePair implements QueueBackend
func (m *MockQueueBackend) AllocQueuePair(sqID, cqID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AllocErr != nil {
		return m.AllocErr
	}
	if _, ok := m.queues[sqID]; ok {
		return uapi.NPU_DRV_QUEUE_INVALID
	}
	m.queues[sqID] = &mockQueue{}
	return nil
}

// FreeQueuePair implements QueueBackend
func (m *MockQueueBackend) FreeQueuePair(sqID, cqID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[sqID]; !ok {
		return uapi.NPU_DRV_QUEUE_INVALID
	}
	delete(m.queues, sqID)
	return nil
}

// PushCommand implements QueueBackend
func (m *MockQueueBackend) PushCommand(sqID uint32, cmd []byte, count uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushCalls++
	q, ok := m.queues[sqID]
	if !ok {
		return uapi.NPU_DRV_QUEUE_INVALID
	}
	if m.pushFails > 0 {
		m.pushFails--
		return m.pushErr
	}
	if q.quit {
		return uapi.NPU_DRV_QUEUE_ABORTED
	}
	if uint64(count) > uint64(m.depth)-1-(q.tail-q.head) {
		return uapi.NPU_DRV_QUEUE_FULL
	}
	for i := uint32(0); i < count; i++ {
		var h uapi.SqeHeader
		if err := uapi.UnmarshalSqeHeader(cmd[i*uapi.NPU_SQE_SIZE:], &h); err != nil {
			return uapi.NPU_DRV_INVALID_PARAM
		}
		q.pushed = append(q.pushed, h)
	}
	q.tail += uint64(count)
	if m.AutoComplete {
		q.head = q.tail
	}
	return nil
}

// QueryHead implements QueueBackend
func (m *MockQueueBackend) QueryHead(sqID uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headCalls++
	q, ok := m.queues[sqID]
	if !ok {
		return 0, uapi.NPU_DRV_QUEUE_INVALID
	}
	if q.override != nil {
		return *q.override, nil
	}
	return uint32(q.head % uint64(m.depth)), nil
}

// QueryHasCompletion implements QueueBackend
func (m *MockQueueBackend) QueryHasCompletion(sqID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sqID]
	return ok && len(q.cqes) > 0
}

// DrainCompletions implements QueueBackend
func (m *MockQueueBackend) DrainCompletions(cqID uint32, maxCount int) ([]CompletionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainCalls++
	q, ok := m.queues[cqID]
	if !ok {
		return nil, uapi.NPU_DRV_QUEUE_INVALID
	}
	n := min(maxCount, len(q.cqes))
	out := append([]CompletionRecord(nil), q.cqes[:n]...)
	q.cqes = q.cqes[n:]
	return out, nil
}

// QuerySqState implements QueueBackend
func (m *MockQueueBackend) QuerySqState(sqID uint32) (SqState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sqID]
	if !ok {
		return SqState{}, uapi.NPU_DRV_QUEUE_INVALID
	}
	return SqState{Running: !q.quit, Quit: q.quit}, nil
}

// RequestQuit implements QueueBackend. Outstanding tasks are flushed with
// quit reports and the head moves to the tail.
func (m *MockQueueBackend) RequestQuit(sqID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quitCalls++
	q, ok := m.queues[sqID]
	if !ok {
		return uapi.NPU_DRV_QUEUE_INVALID
	}
	q.quit = true
	for _, h := range q.outstanding() {
		if h.IsLast() {
			q.cqes = append(q.cqes, CompletionRecord{
				TaskSequence: h.TaskSeq,
				ErrorCode:    uint32(uapi.NPU_DRV_QUEUE_ABORTED),
				ErrorType:    uapi.NPU_ERR_TYPE_QUIT,
				TaskKind:     h.Kind,
				QueueID:      uint16(sqID),
			})
		}
	}
	q.head = q.tail
	return nil
}

// outstanding returns the headers hardware has not finished
func (q *mockQueue) outstanding() []uapi.SqeHeader {
	done := len(q.pushed) - int(q.tail-q.head)
	return q.pushed[done:]
}

// Complete lets hardware finish the next n SQEs of a queue
func (m *MockQueueBackend) Complete(sqID uint32, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sqID]; ok {
		q.head = min(q.head+uint64(n), q.tail)
	}
}

// CompleteAll lets hardware finish everything pushed to a queue
func (m *MockQueueBackend) CompleteAll(sqID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sqID]; ok {
		q.head = q.tail
	}
}

// Fail posts an error report for the task with sequence seq. The head is
// left alone; use CompleteAll or SetHead to finish the task.
func (m *MockQueueBackend) Fail(sqID uint32, seq uint32, errType uint8, code DriverCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sqID]
	if !ok {
		return
	}
	var kind uint8
	for _, h := range q.outstanding() {
		if h.TaskSeq == seq && h.IsLast() {
			kind = h.Kind
		}
	}
	q.cqes = append(q.cqes, CompletionRecord{
		TaskSequence: seq,
		ErrorCode:    uint32(code),
		ErrorType:    errType,
		TaskKind:     kind,
		QueueID:      uint16(sqID),
	})
}

// AddCompletion injects a raw completion record
func (m *MockQueueBackend) AddCompletion(sqID uint32, rec CompletionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sqID]; ok {
		q.cqes = append(q.cqes, rec)
	}
}

// SetHead forces QueryHead to report pos until ClearHead is called
func (m *MockQueueBackend) SetHead(sqID uint32, pos uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sqID]; ok {
		q.override = &pos
	}
}

// ClearHead undoes SetHead
func (m *MockQueueBackend) ClearHead(sqID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sqID]; ok {
		q.override = nil
	}
}

// FailPush makes the next n pushes return err
func (m *MockQueueBackend) FailPush(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushFails = n
	m.pushErr = err
}

// Pushed returns the headers of every SQE pushed to a queue
func (m *MockQueueBackend) Pushed(sqID uint32) []SqeHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sqID]
	if !ok {
		return nil
	}
	return append([]SqeHeader(nil), q.pushed...)
}

// HasQueue reports whether a queue pair is allocated
func (m *MockQueueBackend) HasQueue(sqID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[sqID]
	return ok
}

// QuitRequested reports whether RequestQuit was called for a queue
func (m *MockQueueBackend) QuitRequested(sqID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sqID]
	return ok && q.quit
}

// Opened reports whether Open succeeded and Close has not been called
func (m *MockQueueBackend) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// MockCalls holds call counts for verification
type MockCalls struct {
	Open, Close, Push, QueryHead, Drain, Quit int
}

// Calls returns the method call counts
func (m *MockQueueBackend) Calls() MockCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MockCalls{
		Open:      m.openCalls,
		Close:     m.closeCalls,
		Push:      m.pushCalls,
		QueryHead: m.headCalls,
		Drain:     m.drainCalls,
		Quit:      m.quitCalls,
	}
}

var _ QueueBackend = (*MockQueueBackend)(nil)
