package flamingo

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	startMarker uint32 = 0xF321E654
	endMarker   uint32 = 0xFEDC4321

	frameSize    = 128
	reservedSize = 72
)

// AxisX, AxisY, AxisZ, AxisR are the param0 axis selectors used on
// stage-position commands. R is in degrees; X/Y/Z are in millimetres.
type Axis uint32

const (
	AxisX Axis = 1
	AxisY Axis = 2
	AxisZ Axis = 3
	AxisR Axis = 4
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	case AxisR:
		return "R"
	default:
		return fmt.Sprintf("Axis(%d)", uint32(a))
	}
}

// Params bundles the three general-purpose 32-bit parameter fields and the
// 32-bit cmd_bits field a CommandFrame carries beyond its opcode and value.
// Param0 doubles as the axis selector
// on position commands.
type Params struct {
	Param0   uint32
	Param1   uint32
	Param2   uint32
	CmdBits  uint32
}

// CommandFrame is the fixed 128-byte control-channel frame described in
// spec.md §3. Reserved carries the 72 bytes of inline/reserved data
// verbatim for diagnostic display; it has no semantic meaning to other
// components.
type CommandFrame struct {
	CommandCode         uint32
	Status              uint32
	HardwareID          uint32
	SubsystemID         uint32
	ClientID            uint32
	Params              Params
	Value               float64
	AdditionalDataBytes uint32
	Reserved            [reservedSize]byte
}

// wireFrame is the byte-for-byte little-endian layout of CommandFrame,
// mirroring the way the teacher's AGWPEHeader mirrors its wire struct one
// field at a time instead of hand-rolling offsets.
type wireFrame struct {
	StartMarker         uint32
	CommandCode         uint32
	Status              uint32
	HardwareID          uint32
	SubsystemID         uint32
	ClientID            uint32
	Param0              uint32
	Param1              uint32
	Param2              uint32
	CmdBits             uint32
	Value               float64
	AdditionalDataBytes uint32
	Reserved            [reservedSize]byte
	EndMarker           uint32
}

// EncodeFrame serializes cmd, params, value, and the trailing payload into
// a wire-ready buffer. Callers needing a bare command with no payload pass
// nil or an empty payload.
func EncodeFrame(cmdCode uint32, params Params, value float64, payload []byte) []byte {
	wf := wireFrame{
		StartMarker:         startMarker,
		CommandCode:         cmdCode,
		Param0:              params.Param0,
		Param1:              params.Param1,
		Param2:              params.Param2,
		CmdBits:             params.CmdBits,
		Value:               value,
		AdditionalDataBytes: uint32(len(payload)),
		EndMarker:           endMarker,
	}

	var buf bytes.Buffer
	buf.Grow(frameSize + len(payload))
	_ = binary.Write(&buf, binary.LittleEndian, wf)
	buf.Write(payload)
	return buf.Bytes()
}

// DecodeFrame parses exactly 128 bytes into a CommandFrame. It fails with
// a *ProtocolError (BadMarker, ShortFrame) rather than panicking; the
// caller is responsible for reading AdditionalDataBytes more bytes from
// the same socket before decoding the next frame.
func DecodeFrame(raw []byte) (CommandFrame, error) {
	if len(raw) != frameSize {
		return CommandFrame{}, errShortFrame(fmt.Sprintf("want %d bytes, got %d", frameSize, len(raw)))
	}

	var wf wireFrame
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &wf); err != nil {
		return CommandFrame{}, errShortFrame(err.Error())
	}

	if wf.StartMarker != startMarker {
		return CommandFrame{}, errBadMarker(fmt.Sprintf("start marker = 0x%08X", wf.StartMarker))
	}
	if wf.EndMarker != endMarker {
		return CommandFrame{}, errBadMarker(fmt.Sprintf("end marker = 0x%08X", wf.EndMarker))
	}

	return CommandFrame{
		CommandCode: wf.CommandCode,
		Status:      wf.Status,
		HardwareID:  wf.HardwareID,
		SubsystemID: wf.SubsystemID,
		ClientID:    wf.ClientID,
		Params: Params{
			Param0:  wf.Param0,
			Param1:  wf.Param1,
			Param2:  wf.Param2,
			CmdBits: wf.CmdBits,
		},
		Value:               wf.Value,
		AdditionalDataBytes: wf.AdditionalDataBytes,
		Reserved:            wf.Reserved,
	}, nil
}

