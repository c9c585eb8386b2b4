package flamingo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cmdCode := rapid.Uint32().Draw(t, "cmdCode")
		params := Params{
			Param0:  rapid.Uint32().Draw(t, "param0"),
			Param1:  rapid.Uint32().Draw(t, "param1"),
			Param2:  rapid.Uint32().Draw(t, "param2"),
			CmdBits: rapid.Uint32().Draw(t, "cmdBits"),
		}
		value := rapid.Float64().Draw(t, "value")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "payload")

		encoded := EncodeFrame(cmdCode, params, value, payload)
		require.Equal(t, frameSize+len(payload), len(encoded))

		decoded, err := DecodeFrame(encoded[:frameSize])
		require.NoError(t, err)

		assert.Equal(t, cmdCode, decoded.CommandCode)
		assert.Equal(t, params, decoded.Params)
		if value != value { // NaN never equals itself: check the decoded value is NaN too
			assert.True(t, decoded.Value != decoded.Value)
		} else {
			assert.Equal(t, value, decoded.Value)
		}
		assert.Equal(t, uint32(len(payload)), decoded.AdditionalDataBytes)
	})
}

func TestDecodeFrameRejectsBadStartMarker(t *testing.T) {
	encoded := EncodeFrame(42, Params{}, 1.0, nil)
	encoded[0] ^= 0xFF

	_, err := DecodeFrame(encoded)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "BadMarker", protoErr.Kind)
}

func TestDecodeFrameRejectsBadEndMarker(t *testing.T) {
	encoded := EncodeFrame(42, Params{}, 1.0, nil)
	encoded[frameSize-1] ^= 0xFF

	_, err := DecodeFrame(encoded)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "BadMarker", protoErr.Kind)
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	_, err := DecodeFrame(make([]byte, frameSize-1))
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "ShortFrame", protoErr.Kind)
}

func TestDecodeFrameRetainsReservedBytes(t *testing.T) {
	// Reserved is zero-filled on encode but must round-trip verbatim on
	// decode for diagnostic display, even though it carries no semantics.
	encoded := EncodeFrame(1, Params{}, 0, nil)
	decoded, err := DecodeFrame(encoded)
	require.NoError(t, err)
	for _, b := range decoded.Reserved {
		assert.Equal(t, byte(0), b)
	}

	// Reserved starts at byte offset 52 on the wire.
	var want [reservedSize]byte
	for i := range want {
		want[i] = byte(i + 1)
	}
	copy(encoded[52:52+reservedSize], want[:])
	decoded, err = DecodeFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, want, decoded.Reserved)
}

func TestStageSetPositionFrame(t *testing.T) {
	// The X-axis frame of S2 from spec.md (the first of move_to's four
	// outbound frames).
	encoded := EncodeFrame(opStagePositionSet, Params{Param0: uint32(AxisX)}, 12.5, nil)
	decoded, err := DecodeFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, opStagePositionSet, decoded.CommandCode)
	assert.Equal(t, AxisX, Axis(decoded.Params.Param0))
	assert.Equal(t, 12.5, decoded.Value)
	assert.Equal(t, uint32(0), decoded.AdditionalDataBytes)
}
