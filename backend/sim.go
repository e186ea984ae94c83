// Package backend provides QueueBackend implementations
package backend

import (
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	npurt "github.com/ehrlich-b/go-npurt"
	"github.com/ehrlich-b/go-npurt/internal/interfaces"
	"github.com/ehrlich-b/go-npurt/internal/logging"
	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// SimConfig configures a simulated NPU
type SimConfig struct {
	// Latency is the execution time of one task
	Latency time.Duration

	// KindLatency overrides Latency per task kind
	KindLatency map[uint8]time.Duration

	// ReportAll emits a completion record for every task, not only for
	// tasks that request one or fail
	ReportAll bool

	// Execute, when set, runs every task that is not flushed. A non-nil
	// result fails the task. Injected faults take precedence.
	Execute func(*SimTask) *Fault
}

// SimTask is a task as decoded by the device
type SimTask struct {
	Queue     uint32
	Seq       uint32
	Kind      uint8
	ArgHandle uint64
	ArgLen    uint32
	Payload   []byte // full body capacity, trailing bytes zero
}

// Fault is an injected task failure
type Fault struct {
	ErrorType uint8           // uapi.NPU_ERR_TYPE_* bits
	Code      uapi.DriverCode // reported error code
}

// SimStats counts simulated device activity
type SimStats struct {
	Pushed   uint64 // SQEs accepted
	Executed uint64 // tasks executed
	Reports  uint64 // completion records posted
	Faults   uint64 // tasks reported as failed
	Flushed  uint64 // tasks flushed by quit
}

type faultKey struct {
	queue uint32
	seq   uint32
}

// Sim is an in-memory NPU. Every queue pair has its own executor goroutine
// that consumes SQEs in order, posts completion records and then advances
// the queue head.
type Sim struct {
	cfg SimConfig
	log *logging.Logger

	mu     sync.RWMutex
	devID  uint32
	depth  uint32
	open   bool
	queues map[uint32]*simQueue

	faultMu    sync.Mutex
	faults     map[faultKey]Fault
	kindFaults map[uint8]Fault
	pushFails  int
	pushErr    error

	paused atomix.Bool

	pushed   atomix.Uint64
	executed atomix.Uint64
	reports  atomix.Uint64
	faulted  atomix.Uint64
	flushed  atomix.Uint64
}

type simQueue struct {
	id    uint32
	depth uint32

	// pushMu serializes producers; tail is the count of SQEs accepted
	pushMu sync.Mutex
	tail   uint64
	sq     chan []byte

	head atomix.Uint64 // count of SQEs finished

	cmd []byte // SQEs of the task being executed; executor only

	cqMu sync.Mutex
	cq   []byte // packed completion records

	quit   atomix.Bool
	failed atomix.Bool
	stop   chan struct{}
	done   chan struct{}
}

// NewSim creates a simulated NPU
func NewSim(cfg SimConfig) *Sim {
	return &Sim{
		cfg:        cfg,
		log:        logging.Default(),
		queues:     make(map[uint32]*simQueue),
		faults:     make(map[faultKey]Fault),
		kindFaults: make(map[uint8]Fault),
	}
}

// Open implements QueueBackend
func (s *Sim) Open(deviceID uint32, cfg interfaces.BackendConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return uapi.NPU_DRV_DEVICE_BUSY
	}
	if cfg.QueueDepth < 2 {
		return uapi.NPU_DRV_INVALID_PARAM
	}
	s.devID = deviceID
	s.depth = cfg.QueueDepth
	s.open = true
	s.log = logging.Default().WithDevice(int(deviceID))
	s.log.Debug("simulated device opened", "depth", cfg.QueueDepth, "max_queues", cfg.MaxQueues)
	return nil
}

// Close implements QueueBackend
func (s *Sim) Close(deviceID uint32) error {
	s.mu.Lock()
	queues := s.queues
	s.queues = make(map[uint32]*simQueue)
	s.open = false
	s.mu.Unlock()

	for _, q := range queues {
		q.shutdown()
	}
	return nil
}

// AllocQueuePair implements QueueBackend
func (s *Sim) AllocQueuePair(sqID, cqID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return uapi.NPU_DRV_NO_DEVICE
	}
	if sqID != cqID {
		return uapi.NPU_DRV_INVALID_PARAM
	}
	if _, ok := s.queues[sqID]; ok {
		return uapi.NPU_DRV_QUEUE_INVALID
	}
	q := &simQueue{
		id:    sqID,
		depth: s.depth,
		sq:    make(chan []byte, s.depth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.queues[sqID] = q
	go s.run(q)
	return nil
}

// FreeQueuePair implements QueueBackend
func (s *Sim) FreeQueuePair(sqID, cqID uint32) error {
	s.mu.Lock()
	q, ok := s.queues[sqID]
	delete(s.queues, sqID)
	s.mu.Unlock()
	if !ok {
		return uapi.NPU_DRV_QUEUE_INVALID
	}
	q.shutdown()
	return nil
}

func (s *Sim) queue(id uint32) (*simQueue, error) {
	s.mu.RLock()
	q, ok := s.queues[id]
	s.mu.RUnlock()
	if !ok {
		return nil, uapi.NPU_DRV_QUEUE_INVALID
	}
	return q, nil
}

// PushCommand implements QueueBackend. A push is accepted whole or
// rejected with NPU_DRV_QUEUE_FULL.
func (s *Sim) PushCommand(sqID uint32, cmd []byte, count uint32) error {
	q, err := s.queue(sqID)
	if err != nil {
		return err
	}
	if len(cmd) < int(count)*uapi.NPU_SQE_SIZE || count == 0 {
		return uapi.NPU_DRV_INVALID_PARAM
	}
	if err := s.takePushFailure(); err != nil {
		return err
	}

	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	if q.quit.LoadAcquire() {
		return uapi.NPU_DRV_QUEUE_ABORTED
	}
	used := q.tail - q.head.LoadAcquire()
	if used+uint64(count) > uint64(q.depth)-1 {
		return uapi.NPU_DRV_QUEUE_FULL
	}
	for i := uint32(0); i < count; i++ {
		sqe := make([]byte, uapi.NPU_SQE_SIZE)
		copy(sqe, cmd[i*uapi.NPU_SQE_SIZE:])
		q.sq <- sqe
	}
	q.tail += uint64(count)
	s.pushed.AddAcqRel(uint64(count))
	return nil
}

func (s *Sim) takePushFailure() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.pushFails == 0 {
		return nil
	}
	s.pushFails--
	return s.pushErr
}

// QueryHead implements QueueBackend
func (s *Sim) QueryHead(sqID uint32) (uint32, error) {
	q, err := s.queue(sqID)
	if err != nil {
		return 0, err
	}
	return uint32(q.head.LoadAcquire() % uint64(q.depth)), nil
}

// QueryHasCompletion implements QueueBackend
func (s *Sim) QueryHasCompletion(sqID uint32) bool {
	q, err := s.queue(sqID)
	if err != nil {
		return false
	}
	q.cqMu.Lock()
	defer q.cqMu.Unlock()
	return len(q.cq) > 0
}

// DrainCompletions implements QueueBackend
func (s *Sim) DrainCompletions(cqID uint32, maxCount int) ([]uapi.CompletionRecord, error) {
	q, err := s.queue(cqID)
	if err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return nil, uapi.NPU_DRV_INVALID_PARAM
	}
	q.cqMu.Lock()
	n := min(len(q.cq), maxCount*uapi.NPU_CQE_SIZE)
	buf := append([]byte(nil), q.cq[:n]...)
	q.cq = q.cq[n:]
	q.cqMu.Unlock()
	return uapi.UnmarshalCompletions(buf)
}

// QuerySqState implements QueueBackend
func (s *Sim) QuerySqState(sqID uint32) (interfaces.SqState, error) {
	q, err := s.queue(sqID)
	if err != nil {
		return interfaces.SqState{}, err
	}
	quit := q.quit.LoadAcquire()
	return interfaces.SqState{
		Running: !quit && !s.paused.LoadAcquire(),
		Error:   q.failed.LoadAcquire(),
		Quit:    quit,
	}, nil
}

// RequestQuit implements QueueBackend. Outstanding tasks are flushed with
// quit reports and later pushes are rejected.
func (s *Sim) RequestQuit(sqID uint32) error {
	q, err := s.queue(sqID)
	if err != nil {
		return err
	}
	q.pushMu.Lock()
	q.quit.StoreRelease(true)
	q.pushMu.Unlock()
	s.log.Debug("queue quit requested", "queue", sqID)
	return nil
}

// InjectFault makes the task with sequence seq on queue sqID fail
func (s *Sim) InjectFault(sqID, seq uint32, f Fault) {
	s.faultMu.Lock()
	s.faults[faultKey{sqID, seq}] = f
	s.faultMu.Unlock()
}

// InjectKindFault makes every task of kind fail
func (s *Sim) InjectKindFault(kind uint8, f Fault) {
	s.faultMu.Lock()
	s.kindFaults[kind] = f
	s.faultMu.Unlock()
}

// ClearFaults removes every injected fault
func (s *Sim) ClearFaults() {
	s.faultMu.Lock()
	clear(s.faults)
	clear(s.kindFaults)
	s.pushFails = 0
	s.faultMu.Unlock()
}

// FailPush makes the next n pushes return err
func (s *Sim) FailPush(n int, err error) {
	s.faultMu.Lock()
	s.pushFails = n
	s.pushErr = err
	s.faultMu.Unlock()
}

// Pause stops every executor before its next SQE
func (s *Sim) Pause() { s.paused.StoreRelease(true) }

// Resume restarts paused executors
func (s *Sim) Resume() { s.paused.StoreRelease(false) }

// Stats returns activity counters
func (s *Sim) Stats() SimStats {
	return SimStats{
		Pushed:   s.pushed.LoadAcquire(),
		Executed: s.executed.LoadAcquire(),
		Reports:  s.reports.LoadAcquire(),
		Faults:   s.faulted.LoadAcquire(),
		Flushed:  s.flushed.LoadAcquire(),
	}
}

func (s *Sim) fault(queue uint32, h *uapi.SqeHeader) (Fault, bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if f, ok := s.faults[faultKey{queue, h.TaskSeq}]; ok {
		delete(s.faults, faultKey{queue, h.TaskSeq})
		return f, true
	}
	f, ok := s.kindFaults[h.Kind]
	return f, ok
}

func (s *Sim) latency(kind uint8) time.Duration {
	if d, ok := s.cfg.KindLatency[kind]; ok {
		return d
	}
	return s.cfg.Latency
}

// run is the executor loop of one queue
func (s *Sim) run(q *simQueue) {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case sqe := <-q.sq:
			if !s.waitRunnable(q) {
				return
			}
			s.execute(q, sqe)
		}
	}
}

// waitRunnable blocks while the device is paused. It reports false if the
// queue is being shut down.
func (s *Sim) waitRunnable(q *simQueue) bool {
	var backoff iox.Backoff
	for s.paused.LoadAcquire() && !q.quit.LoadAcquire() {
		select {
		case <-q.stop:
			return false
		default:
		}
		backoff.Wait()
	}
	return true
}

func (s *Sim) execute(q *simQueue, sqe []byte) {
	var h uapi.SqeHeader
	if err := uapi.UnmarshalSqeHeader(sqe, &h); err != nil {
		s.log.WithError(err).Error("malformed sqe", "queue", q.id)
		q.failed.StoreRelease(true)
		q.cmd = q.cmd[:0]
		q.head.AddAcqRel(1)
		return
	}
	q.cmd = append(q.cmd, sqe...)
	if !h.IsLast() {
		q.head.AddAcqRel(1)
		return
	}
	cmd := q.cmd
	q.cmd = q.cmd[:0]

	if q.quit.LoadAcquire() {
		s.flushed.AddAcqRel(1)
		s.post(q, &h, uapi.NPU_ERR_TYPE_QUIT, uapi.NPU_DRV_QUEUE_ABORTED)
		q.head.AddAcqRel(1)
		return
	}

	handle, payload, err := npurt.DecodePayload(cmd, uint32(h.SqeCount))
	if err != nil {
		s.log.WithError(err).Error("truncated task", "queue", q.id, "seq", h.TaskSeq)
		s.faulted.AddAcqRel(1)
		q.failed.StoreRelease(true)
		s.post(q, &h, uapi.NPU_ERR_TYPE_EXIST_ERROR, uapi.NPU_DRV_INVALID_PARAM)
		q.head.AddAcqRel(1)
		return
	}

	if d := s.latency(h.Kind); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-q.stop:
			t.Stop()
			return
		}
	}
	s.executed.AddAcqRel(1)

	f, ok := s.fault(q.id, &h)
	if !ok && s.cfg.Execute != nil {
		if res := s.cfg.Execute(&SimTask{
			Queue:     q.id,
			Seq:       h.TaskSeq,
			Kind:      h.Kind,
			ArgHandle: handle,
			ArgLen:    h.ArgLen,
			Payload:   payload,
		}); res != nil {
			f, ok = *res, true
		}
	}
	switch {
	case ok:
		s.faulted.AddAcqRel(1)
		if f.ErrorType&uapi.NPU_ERR_TYPE_EXIST_ERROR != 0 {
			q.failed.StoreRelease(true)
		}
		s.post(q, &h, f.ErrorType, f.Code)
	case h.WantsReport() || s.cfg.ReportAll:
		s.post(q, &h, 0, uapi.NPU_DRV_OK)
	}
	// the report is visible before the head moves past the task
	q.head.AddAcqRel(1)
}

func (s *Sim) post(q *simQueue, h *uapi.SqeHeader, errType uint8, code uapi.DriverCode) {
	rec := uapi.CompletionRecord{
		TaskSequence: h.TaskSeq,
		ErrorCode:    uint32(code),
		ErrorType:    errType,
		TaskKind:     h.Kind,
		QueueID:      uint16(q.id),
		QueueHead:    uint16((q.head.LoadAcquire() + 1) % uint64(q.depth)),
	}
	var buf [uapi.NPU_CQE_SIZE]byte
	if err := uapi.MarshalCompletion(&rec, buf[:]); err != nil {
		s.log.WithError(err).Error("completion encode failed", "queue", q.id)
		return
	}
	q.cqMu.Lock()
	q.cq = append(q.cq, buf[:]...)
	q.cqMu.Unlock()
	s.reports.AddAcqRel(1)
}

func (q *simQueue) shutdown() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	<-q.done
}

// String describes the device
func (s *Sim) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("sim(dev=%d, depth=%d, queues=%d)", s.devID, s.depth, len(s.queues))
}

// Compile-time interface check
var _ interfaces.QueueBackend = (*Sim)(nil)
