package constants

import "time"

// Default configuration constants
const (
	// DefaultConfigVersion is reported when the configuration source carries none
	DefaultConfigVersion = "1.0"

	// DefaultMaxStreamNum is the default number of streams per device
	DefaultMaxStreamNum = 64

	// DefaultMaxStreamDepth is the default number of task slots per stream
	DefaultMaxStreamDepth = 1024

	// DefaultTimeoutMonitorGranularity is the reconciler's idle poll interval
	DefaultTimeoutMonitorGranularity = 10 * time.Millisecond

	// DefaultTaskExeTimeout bounds forced teardown and drains
	DefaultTaskExeTimeout = 30 * time.Second
)

// Hard limits; configured values outside these are clamped
const (
	// HardMaxStreamNum is the ceiling on streams per device
	HardMaxStreamNum = 2048

	// HardMaxStreamDepth is the ceiling on slots per stream (queue head is 16-bit on the wire)
	HardMaxStreamDepth = 32768

	// MinStreamDepth is the smallest usable ring; one slot always stays empty
	MinStreamDepth = 2

	// MinTimeoutMonitorGranularity is the fastest reconciler poll interval
	MinTimeoutMonitorGranularity = time.Millisecond

	// MaxTimeoutMonitorGranularity is the slowest reconciler poll interval
	MaxTimeoutMonitorGranularity = time.Second
)

// Argument pool constants
const (
	// DefaultArgItemSize is the fixed size of one pooled argument buffer
	DefaultArgItemSize = 512

	// DefaultArgPoolItems is the number of pooled argument buffers per device
	DefaultArgPoolItems = 4096

	// DefaultArgAcquireTimeout bounds how long a saturated pool is waited on
	DefaultArgAcquireTimeout = 100 * time.Millisecond
)

// Synchronization and reconciliation constants
const (
	// DefaultLongWaitInterval is how often a blocked synchronize logs that it is still waiting
	DefaultLongWaitInterval = 3 * time.Minute

	// DefaultSyncPollInterval is the sleep taken every SyncYieldEvery polls
	DefaultSyncPollInterval = 100 * time.Microsecond

	// SyncYieldEvery is the number of spin polls between cooperative sleeps
	SyncYieldEvery = 32

	// DefaultCompletionBatch is the maximum CQEs drained per backend call
	DefaultCompletionBatch = 64

	// WakeSignalDepth bounds outstanding reconciler wakeups
	WakeSignalDepth = 2
)
