package npurt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

func TestSqeEncoderRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 90)
	info := CommandInfo{
		Kind:      uint8(KindMemcpy),
		QueueID:   3,
		Position:  6,
		Depth:     8,
		Sequence:  0x1_0000_0007,
		SqeCount:  2,
		Report:    true,
		ArgHandle: 0xDEADBEEF,
		ArgLen:    12,
		Payload:   payload,
	}
	cmd := make([]byte, 2*SqeSize)
	require.NoError(t, SqeEncoder{}.Encode(&info, cmd))

	var first, second uapi.SqeHeader
	require.NoError(t, uapi.UnmarshalSqeHeader(cmd, &first))
	require.NoError(t, uapi.UnmarshalSqeHeader(cmd[SqeSize:], &second))

	assert.Equal(t, uint16(6), first.Position)
	assert.Equal(t, uint16(7), second.Position)
	assert.Equal(t, uint32(7), first.TaskSeq, "low 32 bits of the sequence")
	assert.Equal(t, uint8(0), first.Flags)
	assert.True(t, second.IsLast())
	assert.True(t, second.WantsReport())
	assert.Equal(t, uint8(1), second.SqeIndex)
	assert.Equal(t, uint32(12), second.ArgLen)

	handle, got, err := DecodePayload(cmd, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), handle)
	assert.Equal(t, payload, got[:len(payload)])
	assert.Len(t, got, PayloadCapacity(2))
}

func TestSqeEncoderPositionWraps(t *testing.T) {
	info := CommandInfo{Position: 7, Depth: 8, SqeCount: 3}
	cmd := make([]byte, 3*SqeSize)
	require.NoError(t, SqeEncoder{}.Encode(&info, cmd))

	for i, want := range []uint16{7, 0, 1} {
		var h uapi.SqeHeader
		require.NoError(t, uapi.UnmarshalSqeHeader(cmd[i*SqeSize:], &h))
		assert.Equal(t, want, h.Position)
	}
}

func TestSqeEncoderRejects(t *testing.T) {
	tests := []struct {
		name string
		info CommandInfo
		size int
	}{
		{"zero count", CommandInfo{Depth: 8}, SqeSize},
		{"short buffer", CommandInfo{Depth: 8, SqeCount: 2}, SqeSize},
		{"payload too large", CommandInfo{Depth: 8, SqeCount: 1, Payload: make([]byte, PayloadCapacity(1)+1)}, SqeSize},
		{"zero depth", CommandInfo{SqeCount: 1}, SqeSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SqeEncoder{}.Encode(&tt.info, make([]byte, tt.size))
			assert.True(t, IsCode(err, ErrCodeInvalidParameters), "got %v", err)
		})
	}

	_, _, err := DecodePayload(make([]byte, 10), 1)
	assert.ErrorIs(t, err, uapi.ErrInsufficientData)
}
