package npurt

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

// argRefSize is the argument handle stored at the start of the first SQE body
const argRefSize = 8

// MaxSqesPerTask is the largest SqeCount the header can describe
const MaxSqesPerTask = 255

// PayloadCapacity returns how many payload bytes fit into sqeCount SQEs
func PayloadCapacity(sqeCount uint32) int {
	return int(sqeCount)*uapi.NPU_SQE_BODY_SIZE - argRefSize
}

// SqeEncoder is the default CommandEncoder. Every SQE carries a typed
// header; the bodies hold the argument handle followed by the payload.
type SqeEncoder struct{}

// Encode implements CommandEncoder
func (SqeEncoder) Encode(info *CommandInfo, cmd []byte) error {
	count := info.SqeCount
	if count == 0 || count > MaxSqesPerTask {
		return NewError("ENCODE", ErrCodeInvalidParameters, fmt.Sprintf("sqe count %d", count))
	}
	if len(cmd) < int(count)*uapi.NPU_SQE_SIZE {
		return NewError("ENCODE", ErrCodeInvalidParameters,
			fmt.Sprintf("command buffer %d bytes, need %d", len(cmd), int(count)*uapi.NPU_SQE_SIZE))
	}
	if len(info.Payload) > PayloadCapacity(count) {
		return NewError("ENCODE", ErrCodeInvalidParameters,
			fmt.Sprintf("payload %d bytes exceeds %d sqe capacity %d", len(info.Payload), count, PayloadCapacity(count)))
	}
	if info.Depth == 0 {
		return NewError("ENCODE", ErrCodeInvalidParameters, "ring depth is zero")
	}

	payload := info.Payload
	for i := uint32(0); i < count; i++ {
		sqe := cmd[i*uapi.NPU_SQE_SIZE : (i+1)*uapi.NPU_SQE_SIZE]
		hdr := uapi.SqeHeader{
			Kind:     info.Kind,
			SqeCount: uint8(count),
			SqeIndex: uint8(i),
			QueueID:  info.QueueID,
			Position: uint16((info.Position + i) % info.Depth),
			TaskSeq:  uint32(info.Sequence),
			ArgLen:   info.ArgLen,
		}
		if i > 0 {
			hdr.Flags |= uapi.NPU_SQE_F_CONT
		}
		if i == count-1 {
			hdr.Flags |= uapi.NPU_SQE_F_LAST
			if info.Report {
				hdr.Flags |= uapi.NPU_SQE_F_REPORT
			}
		}
		if err := uapi.MarshalSqeHeader(&hdr, sqe); err != nil {
			return err
		}

		body := uapi.SqeBody(sqe)
		if i == 0 {
			binary.LittleEndian.PutUint64(body[:argRefSize], info.ArgHandle)
			body = body[argRefSize:]
		}
		n := copy(body, payload)
		payload = payload[n:]
	}
	return nil
}

// DecodePayload reassembles the argument handle and payload bytes written by
// SqeEncoder. The payload is returned with the full body capacity, trailing
// bytes zero.
func DecodePayload(cmd []byte, count uint32) (argHandle uint64, payload []byte, err error) {
	if len(cmd) < int(count)*uapi.NPU_SQE_SIZE || count == 0 {
		return 0, nil, uapi.ErrInsufficientData
	}
	payload = make([]byte, 0, PayloadCapacity(count))
	for i := uint32(0); i < count; i++ {
		body := uapi.SqeBody(cmd[i*uapi.NPU_SQE_SIZE : (i+1)*uapi.NPU_SQE_SIZE])
		if i == 0 {
			argHandle = binary.LittleEndian.Uint64(body[:argRefSize])
			body = body[argRefSize:]
		}
		payload = append(payload, body...)
	}
	return argHandle, payload, nil
}
