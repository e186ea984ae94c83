package uapi

import (
	"fmt"
	"unsafe"
)

// DriverCode is a raw error code produced by the device driver.
// It implements error so backends can return it directly.
type DriverCode uint32

func (c DriverCode) Error() string {
	if name, ok := driverCodeNames[c]; ok {
		return fmt.Sprintf("driver error %s (0x%x)", name, uint32(c))
	}
	return fmt.Sprintf("driver error 0x%x", uint32(c))
}

var driverCodeNames = map[DriverCode]string{
	NPU_DRV_OK:            "OK",
	NPU_DRV_INVALID_PARAM: "INVALID_PARAM",
	NPU_DRV_NO_MEMORY:     "NO_MEMORY",
	NPU_DRV_QUEUE_FULL:    "QUEUE_FULL",
	NPU_DRV_EXEC_TIMEOUT:  "EXEC_TIMEOUT",
	NPU_DRV_EXEC_FAILED:   "EXEC_FAILED",
	NPU_DRV_QUEUE_ABORTED: "QUEUE_ABORTED",
	NPU_DRV_QUEUE_STATE:   "QUEUE_STATE",
	NPU_DRV_NO_DEVICE:     "NO_DEVICE",
	NPU_DRV_QUEUE_INVALID: "QUEUE_INVALID",
	NPU_DRV_DEVICE_BUSY:   "DEVICE_BUSY",
	NPU_DRV_KERNEL_FAULT:  "KERNEL_FAULT",
	NPU_DRV_MEMORY_FAULT:  "MEMORY_FAULT",
	NPU_DRV_BUS_ERROR:     "BUS_ERROR",
}

// SqeHeader is the typed header at the start of every SQE (16 bytes):
//
//	struct npu_sqe_header {
//	  __u8  kind;       // task kind
//	  __u8  flags;      // NPU_SQE_F_*
//	  __u8  sqe_count;  // entries used by the task
//	  __u8  sqe_index;  // index of this entry within the task
//	  __u16 queue_id;   // submission queue id
//	  __u16 position;   // slot position inside the ring
//	  __u32 task_seq;   // low 32 bits of the task sequence number
//	  __u32 arg_len;    // argument blob length
//	};
type SqeHeader struct {
	Kind     uint8
	Flags    uint8
	SqeCount uint8
	SqeIndex uint8
	QueueID  uint16
	Position uint16
	TaskSeq  uint32
	ArgLen   uint32
}

var _ [NPU_SQE_HEADER_SIZE]byte = [unsafe.Sizeof(SqeHeader{})]byte{}

// IsLast reports whether this entry terminates its task
func (h *SqeHeader) IsLast() bool {
	return h.Flags&NPU_SQE_F_LAST != 0
}

// WantsReport reports whether the device should emit a CQE on success
func (h *SqeHeader) WantsReport() bool {
	return h.Flags&NPU_SQE_F_REPORT != 0
}

// CompletionRecord is a completion report as delivered by the device.
// On the wire it is packed to NPU_CQE_SIZE bytes:
//
//	struct npu_cqe {
//	  __u32 task_seq;
//	  __u32 error_code;
//	  __u8  error_type;   // NPU_ERR_TYPE_* bits
//	  __u8  task_kind;
//	  __u16 queue_id;
//	  __u16 queue_head;   // SQ head at the time of the report
//	} __attribute__((packed));
type CompletionRecord struct {
	TaskSequence uint32
	ErrorCode    uint32
	ErrorType    uint8
	TaskKind     uint8
	QueueID      uint16
	QueueHead    uint16
}

// HasError reports whether the record carries the error bit
func (r *CompletionRecord) HasError() bool {
	return r.ErrorType&NPU_ERR_TYPE_EXIST_ERROR != 0
}

// HasTimeout reports whether the record carries the timeout bit
func (r *CompletionRecord) HasTimeout() bool {
	return r.ErrorType&NPU_ERR_TYPE_EXIST_TIMEOUT != 0
}

// HasWarning reports whether the record carries the warning bit
func (r *CompletionRecord) HasWarning() bool {
	return r.ErrorType&NPU_ERR_TYPE_EXIST_WARNING != 0
}

// IsQuit reports whether the task was flushed by a quit directive
func (r *CompletionRecord) IsQuit() bool {
	return r.ErrorType&NPU_ERR_TYPE_QUIT != 0
}

// Failed reports whether the record describes a failed task
func (r *CompletionRecord) Failed() bool {
	return r.ErrorType&(NPU_ERR_TYPE_EXIST_ERROR|NPU_ERR_TYPE_EXIST_TIMEOUT) != 0
}

func (r CompletionRecord) String() string {
	return fmt.Sprintf("cqe{seq=%d kind=%d q=%d head=%d type=0x%x code=0x%x}",
		r.TaskSequence, r.TaskKind, r.QueueID, r.QueueHead, r.ErrorType, r.ErrorCode)
}
