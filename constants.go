package npurt

import (
	"github.com/ehrlich-b/go-npurt/internal/bitmap"
	"github.com/ehrlich-b/go-npurt/internal/constants"
	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// Re-export constants for public API
const (
	DefaultMaxStreamNum              = constants.DefaultMaxStreamNum
	DefaultMaxStreamDepth            = constants.DefaultMaxStreamDepth
	DefaultTimeoutMonitorGranularity = constants.DefaultTimeoutMonitorGranularity
	DefaultTaskExeTimeout            = constants.DefaultTaskExeTimeout
	HardMaxStreamNum                 = constants.HardMaxStreamNum
	HardMaxStreamDepth               = constants.HardMaxStreamDepth
	SqeSize                          = uapi.NPU_SQE_SIZE
	CqeSize                          = uapi.NPU_CQE_SIZE
)

// NoStreamID is returned by AllocStreamId when every stream id is in use
const NoStreamID = bitmap.None

// Completion record error-type bits
const (
	ErrTypeError   = uapi.NPU_ERR_TYPE_EXIST_ERROR
	ErrTypeTimeout = uapi.NPU_ERR_TYPE_EXIST_TIMEOUT
	ErrTypeWarning = uapi.NPU_ERR_TYPE_EXIST_WARNING
	ErrTypeQuit    = uapi.NPU_ERR_TYPE_QUIT
)
