package npurt

import (
	"github.com/ehrlich-b/go-npurt/internal/interfaces"
	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// QueueBackend is the driver capability a Device submits through
type QueueBackend = interfaces.QueueBackend

// CommandEncoder fills hardware commands for a task
type CommandEncoder = interfaces.CommandEncoder

// CommandInfo is the encoder's view of a task
type CommandInfo = interfaces.CommandInfo

// BackendConfig is handed to QueueBackend.Open
type BackendConfig = interfaces.BackendConfig

// SqState is the hardware state of a submission queue
type SqState = interfaces.SqState

// CompletionRecord is one completion report
type CompletionRecord = uapi.CompletionRecord

// SqeHeader is the typed header at the start of every hardware command
type SqeHeader = uapi.SqeHeader

// DriverCode is a status code reported by the driver or device
type DriverCode = uapi.DriverCode
