package npurt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-npurt/internal/argpool"
	"github.com/ehrlich-b/go-npurt/internal/ring"
	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// Error represents a structured runtime error with context and driver code mapping
type Error struct {
	Op         string          // Operation that failed (e.g., "STREAM_CREATE", "SUBMIT")
	DevID      uint32          // Device ID
	Stream     int             // Stream ID (-1 if not applicable)
	Seq        int64           // Task sequence (-1 if not applicable)
	Code       ErrorCode       // High-level error category
	DriverCode uapi.DriverCode // Raw driver code (0 if not applicable)
	Msg        string          // Human-readable message
	Inner      error           // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}

	if e.Stream >= 0 {
		parts = append(parts, fmt.Sprintf("stream=%d", e.Stream))
	}

	if e.Seq >= 0 {
		parts = append(parts, fmt.Sprintf("seq=%d", e.Seq))
	}

	if e.DriverCode != 0 {
		parts = append(parts, fmt.Sprintf("drv=0x%x", uint32(e.DriverCode)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("npurt: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("npurt: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel RuntimeError values and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if re, ok := target.(RuntimeError); ok {
		return e.Code == ErrorCode(re)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeConfigInvalid          ErrorCode = "configuration invalid"
	ErrCodeBackendOpenFailed      ErrorCode = "backend open failed"
	ErrCodeThreadCreateFailed     ErrorCode = "reconciler start failed"
	ErrCodeNoStreamResources      ErrorCode = "no stream resources"
	ErrCodeQueueFull              ErrorCode = "queue full"
	ErrCodeStreamFull             ErrorCode = "stream full"
	ErrCodeMemoryAllocationFailed ErrorCode = "memory allocation failed"
	ErrCodeDriverError            ErrorCode = "driver error"
	ErrCodeInvalidQueueState      ErrorCode = "invalid queue state"
	ErrCodeStreamSyncTimeout      ErrorCode = "stream synchronize timeout"
	ErrCodeInvalidParameters      ErrorCode = "invalid parameters"
	ErrCodeDeviceBusy             ErrorCode = "device busy"
	ErrCodeStreamClosed           ErrorCode = "stream closed"
	ErrCodeSendFailed             ErrorCode = "send failed"
	ErrCodeTaskFailed             ErrorCode = "task failed"
	ErrCodeTaskTimeout            ErrorCode = "task execution timeout"
	ErrCodeContextAborted         ErrorCode = "context aborted"
)

// RuntimeError is a sentinel usable with errors.Is against any *Error
type RuntimeError string

func (e RuntimeError) Error() string {
	return string(e)
}

// Sentinel errors
const (
	ErrConfigInvalid          RuntimeError = RuntimeError(ErrCodeConfigInvalid)
	ErrBackendOpenFailed      RuntimeError = RuntimeError(ErrCodeBackendOpenFailed)
	ErrThreadCreateFailed     RuntimeError = RuntimeError(ErrCodeThreadCreateFailed)
	ErrNoStreamResources      RuntimeError = RuntimeError(ErrCodeNoStreamResources)
	ErrQueueFull              RuntimeError = RuntimeError(ErrCodeQueueFull)
	ErrStreamFull             RuntimeError = RuntimeError(ErrCodeStreamFull)
	ErrMemoryAllocationFailed RuntimeError = RuntimeError(ErrCodeMemoryAllocationFailed)
	ErrDriverError            RuntimeError = RuntimeError(ErrCodeDriverError)
	ErrInvalidQueueState      RuntimeError = RuntimeError(ErrCodeInvalidQueueState)
	ErrStreamSyncTimeout      RuntimeError = RuntimeError(ErrCodeStreamSyncTimeout)
	ErrInvalidParameters      RuntimeError = RuntimeError(ErrCodeInvalidParameters)
	ErrDeviceBusy             RuntimeError = RuntimeError(ErrCodeDeviceBusy)
	ErrStreamClosed           RuntimeError = RuntimeError(ErrCodeStreamClosed)
	ErrSendFailed             RuntimeError = RuntimeError(ErrCodeSendFailed)
	ErrTaskFailed             RuntimeError = RuntimeError(ErrCodeTaskFailed)
	ErrTaskTimeout            RuntimeError = RuntimeError(ErrCodeTaskTimeout)
	ErrContextAborted         RuntimeError = RuntimeError(ErrCodeContextAborted)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Stream: -1,
		Seq:    -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, devID uint32, code ErrorCode, msg string) *Error {
	e := NewError(op, code, msg)
	e.DevID = devID
	return e
}

// NewStreamError creates a new stream-specific error
func NewStreamError(op string, devID uint32, stream int, code ErrorCode, msg string) *Error {
	e := NewDeviceError(op, devID, code, msg)
	e.Stream = stream
	return e
}

// NewTaskError creates a new task-specific error
func NewTaskError(op string, devID uint32, stream int, seq uint64, code ErrorCode, msg string) *Error {
	e := NewStreamError(op, devID, stream, code, msg)
	e.Seq = int64(seq)
	return e
}

// driverCodeTable maps driver codes to runtime codes; unmapped codes are DriverError
var driverCodeTable = map[uapi.DriverCode]ErrorCode{
	uapi.NPU_DRV_INVALID_PARAM: ErrCodeInvalidParameters,
	uapi.NPU_DRV_NO_MEMORY:     ErrCodeMemoryAllocationFailed,
	uapi.NPU_DRV_QUEUE_FULL:    ErrCodeQueueFull,
	uapi.NPU_DRV_EXEC_TIMEOUT:  ErrCodeTaskTimeout,
	uapi.NPU_DRV_EXEC_FAILED:   ErrCodeTaskFailed,
	uapi.NPU_DRV_QUEUE_ABORTED: ErrCodeContextAborted,
	uapi.NPU_DRV_QUEUE_STATE:   ErrCodeInvalidQueueState,
	uapi.NPU_DRV_NO_DEVICE:     ErrCodeBackendOpenFailed,
	uapi.NPU_DRV_QUEUE_INVALID: ErrCodeInvalidParameters,
	uapi.NPU_DRV_DEVICE_BUSY:   ErrCodeDeviceBusy,
	uapi.NPU_DRV_KERNEL_FAULT:  ErrCodeTaskFailed,
	uapi.NPU_DRV_MEMORY_FAULT:  ErrCodeTaskFailed,
}

// TranslateDriverCode maps a driver code to a runtime error code
func TranslateDriverCode(code uapi.DriverCode) ErrorCode {
	if c, ok := driverCodeTable[code]; ok {
		return c
	}
	return ErrCodeDriverError
}

// WrapError wraps an existing error with runtime context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var re *Error
	if errors.As(inner, &re) {
		return &Error{
			Op:         op,
			DevID:      re.DevID,
			Stream:     re.Stream,
			Seq:        re.Seq,
			Code:       re.Code,
			DriverCode: re.DriverCode,
			Msg:        re.Msg,
			Inner:      inner,
		}
	}

	var dc uapi.DriverCode
	if errors.As(inner, &dc) {
		e := NewError(op, TranslateDriverCode(dc), dc.Error())
		e.DriverCode = dc
		e.Inner = inner
		return e
	}

	e := NewError(op, mapInternalError(inner), inner.Error())
	e.Inner = inner
	return e
}

// mapInternalError maps errors from internal packages to runtime codes
func mapInternalError(err error) ErrorCode {
	switch {
	case errors.Is(err, ring.ErrQueueFull):
		return ErrCodeQueueFull
	case errors.Is(err, ring.ErrFifoFull):
		return ErrCodeStreamFull
	case errors.Is(err, ring.ErrInvalidState):
		return ErrCodeInvalidQueueState
	case errors.Is(err, ring.ErrInvalidCount), errors.Is(err, argpool.ErrInvalidSize):
		return ErrCodeInvalidParameters
	case errors.Is(err, argpool.ErrExhausted):
		return ErrCodeMemoryAllocationFailed
	default:
		return ErrCodeDriverError
	}
}

// withContext fills in device, stream and task fields that are still unset
func (e *Error) withContext(devID uint32, stream int, seq int64) *Error {
	if e == nil {
		return nil
	}
	if e.DevID == 0 {
		e.DevID = devID
	}
	if e.Stream < 0 {
		e.Stream = stream
	}
	if e.Seq < 0 {
		e.Seq = seq
	}
	return e
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// DriverCodeOf returns the raw driver code carried by err, if any
func DriverCodeOf(err error) (uapi.DriverCode, bool) {
	var re *Error
	if errors.As(err, &re) && re.DriverCode != 0 {
		return re.DriverCode, true
	}
	var dc uapi.DriverCode
	if errors.As(err, &dc) {
		return dc, true
	}
	return 0, false
}
