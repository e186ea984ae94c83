package interfaces

import "github.com/ehrlich-b/go-npurt/internal/uapi"

// BackendConfig is handed to QueueBackend.Open
type BackendConfig struct {
	MaxQueues  uint32 // number of queue pairs the device may allocate
	QueueDepth uint32 // entries per submission queue
}

// SqState describes the hardware state of one submission queue
type SqState struct {
	Running bool // queue is accepting and executing commands
	Error   bool // queue stopped on an error
	Quit    bool // quit directive was processed
}

// QueueBackend is the driver capability the runtime submits through.
// Queue pair ids equal stream ids. Implementations must be safe for
// concurrent use by submitting goroutines and the reconciler.
type QueueBackend interface {
	// Open establishes the connection to the device.
	Open(deviceID uint32, cfg BackendConfig) error

	// Close releases the device connection. No other method is called afterwards.
	Close(deviceID uint32) error

	// AllocQueuePair creates a submission/completion queue pair.
	AllocQueuePair(sqID, cqID uint32) error

	// FreeQueuePair destroys a queue pair. The caller guarantees it is drained.
	FreeQueuePair(sqID, cqID uint32) error

	// PushCommand appends count SQEs (count*NPU_SQE_SIZE bytes of cmd) to the queue.
	// Implementations must not retain cmd.
	PushCommand(sqID uint32, cmd []byte, count uint32) error

	// QueryHead returns the hardware drain position: the ring position of the
	// next SQE the device has not yet finished.
	QueryHead(sqID uint32) (uint32, error)

	// QueryHasCompletion reports whether completion records are waiting.
	QueryHasCompletion(sqID uint32) bool

	// DrainCompletions removes and returns up to maxCount completion records.
	DrainCompletions(cqID uint32, maxCount int) ([]uapi.CompletionRecord, error)

	// QuerySqState returns the hardware state of the submission queue.
	QuerySqState(sqID uint32) (SqState, error)

	// RequestQuit asks the device to stop the queue and flush outstanding work.
	RequestQuit(sqID uint32) error
}

// CommandInfo is everything an encoder may put into a task's SQEs
type CommandInfo struct {
	Kind      uint8
	QueueID   uint16
	Position  uint32 // first slot of the task
	Depth     uint32 // ring depth; slot i of the task is (Position+i) % Depth
	Sequence  uint64 // sequence of the task's last slot
	SqeCount  uint32
	Report    bool   // ask the device for a CQE on success
	ArgHandle uint64 // opaque argument reference
	ArgLen    uint32
	Payload   []byte
}

// CommandEncoder fills the fixed-size hardware command buffer for one task.
// cmd is SqeCount*NPU_SQE_SIZE bytes and zeroed on entry.
type CommandEncoder interface {
	Encode(info *CommandInfo, cmd []byte) error
}
