// Package uapi provides the host/device wire definitions for the NPU queue protocol
package uapi

// Entry sizes
const (
	NPU_SQE_SIZE        = 64 // bytes per submission queue entry
	NPU_SQE_HEADER_SIZE = 16 // typed header at the start of every SQE
	NPU_SQE_BODY_SIZE   = NPU_SQE_SIZE - NPU_SQE_HEADER_SIZE
	NPU_CQE_SIZE        = 14 // packed completion record
)

// Task kinds as carried in the SQE header and CQE
const (
	NPU_TASK_NOP          = 0x00
	NPU_TASK_KERNEL       = 0x01 // cpu-kernel launch
	NPU_TASK_MEMCPY       = 0x02
	NPU_TASK_EVENT_RECORD = 0x03
	NPU_TASK_EVENT_WAIT   = 0x04
)

// SQE header flags
const (
	NPU_SQE_F_REPORT = 1 << 0 // request a CQE even on success
	NPU_SQE_F_CONT   = 1 << 1 // continuation entry of a multi-SQE task
	NPU_SQE_F_LAST   = 1 << 2 // last entry of a task
)

// CQE error-type bit flags
const (
	NPU_ERR_TYPE_EXIST_ERROR   = 1 << 0
	NPU_ERR_TYPE_EXIST_TIMEOUT = 1 << 1
	NPU_ERR_TYPE_EXIST_WARNING = 1 << 2
	NPU_ERR_TYPE_QUIT          = 1 << 3 // task flushed by a queue quit directive
)

// Driver error codes reported in CQE.ErrorCode and by backend calls
const (
	NPU_DRV_OK            DriverCode = 0
	NPU_DRV_INVALID_PARAM DriverCode = 1
	NPU_DRV_NO_MEMORY     DriverCode = 2
	NPU_DRV_QUEUE_FULL    DriverCode = 3
	NPU_DRV_EXEC_TIMEOUT  DriverCode = 4
	NPU_DRV_EXEC_FAILED   DriverCode = 5
	NPU_DRV_QUEUE_ABORTED DriverCode = 6
	NPU_DRV_QUEUE_STATE   DriverCode = 7
	NPU_DRV_NO_DEVICE     DriverCode = 8
	NPU_DRV_QUEUE_INVALID DriverCode = 9
	NPU_DRV_DEVICE_BUSY   DriverCode = 10
	NPU_DRV_KERNEL_FAULT  DriverCode = 0x101
	NPU_DRV_MEMORY_FAULT  DriverCode = 0x102
	NPU_DRV_BUS_ERROR     DriverCode = 0x103
)
