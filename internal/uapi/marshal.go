package uapi

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInsufficientData = errors.New("insufficient data for unmarshal")
	ErrBufferTooSmall   = errors.New("buffer too small for marshal")
)

// MarshalSqeHeader writes h into the first NPU_SQE_HEADER_SIZE bytes of sqe
func MarshalSqeHeader(h *SqeHeader, sqe []byte) error {
	if len(sqe) < NPU_SQE_HEADER_SIZE {
		return ErrBufferTooSmall
	}

	sqe[0] = h.Kind
	sqe[1] = h.Flags
	sqe[2] = h.SqeCount
	sqe[3] = h.SqeIndex
	binary.LittleEndian.PutUint16(sqe[4:6], h.QueueID)
	binary.LittleEndian.PutUint16(sqe[6:8], h.Position)
	binary.LittleEndian.PutUint32(sqe[8:12], h.TaskSeq)
	binary.LittleEndian.PutUint32(sqe[12:16], h.ArgLen)

	return nil
}

// UnmarshalSqeHeader reads the header of one SQE
func UnmarshalSqeHeader(sqe []byte, h *SqeHeader) error {
	if len(sqe) < NPU_SQE_HEADER_SIZE {
		return ErrInsufficientData
	}

	h.Kind = sqe[0]
	h.Flags = sqe[1]
	h.SqeCount = sqe[2]
	h.SqeIndex = sqe[3]
	h.QueueID = binary.LittleEndian.Uint16(sqe[4:6])
	h.Position = binary.LittleEndian.Uint16(sqe[6:8])
	h.TaskSeq = binary.LittleEndian.Uint32(sqe[8:12])
	h.ArgLen = binary.LittleEndian.Uint32(sqe[12:16])

	return nil
}

// SqeBody returns the body area of one SQE
func SqeBody(sqe []byte) []byte {
	return sqe[NPU_SQE_HEADER_SIZE:NPU_SQE_SIZE]
}

// MarshalCompletion packs r into NPU_CQE_SIZE bytes of buf
func MarshalCompletion(r *CompletionRecord, buf []byte) error {
	if len(buf) < NPU_CQE_SIZE {
		return ErrBufferTooSmall
	}

	binary.LittleEndian.PutUint32(buf[0:4], r.TaskSequence)
	binary.LittleEndian.PutUint32(buf[4:8], r.ErrorCode)
	buf[8] = r.ErrorType
	buf[9] = r.TaskKind
	binary.LittleEndian.PutUint16(buf[10:12], r.QueueID)
	binary.LittleEndian.PutUint16(buf[12:14], r.QueueHead)

	return nil
}

// UnmarshalCompletion decodes one packed completion record
func UnmarshalCompletion(buf []byte, r *CompletionRecord) error {
	if len(buf) < NPU_CQE_SIZE {
		return ErrInsufficientData
	}

	r.TaskSequence = binary.LittleEndian.Uint32(buf[0:4])
	r.ErrorCode = binary.LittleEndian.Uint32(buf[4:8])
	r.ErrorType = buf[8]
	r.TaskKind = buf[9]
	r.QueueID = binary.LittleEndian.Uint16(buf[10:12])
	r.QueueHead = binary.LittleEndian.Uint16(buf[12:14])

	return nil
}

// UnmarshalCompletions decodes a contiguous batch of packed records
func UnmarshalCompletions(buf []byte) ([]CompletionRecord, error) {
	if len(buf)%NPU_CQE_SIZE != 0 {
		return nil, ErrInsufficientData
	}

	out := make([]CompletionRecord, len(buf)/NPU_CQE_SIZE)
	for i := range out {
		if err := UnmarshalCompletion(buf[i*NPU_CQE_SIZE:], &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
