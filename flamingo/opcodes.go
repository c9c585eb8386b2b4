package flamingo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Symbolic opcode names the core must understand, per spec.md §3. The
// numeric values are controller-specific and are loaded at runtime from an
// OpcodeTable rather than hardcoded — see LoadOpcodeTable.
const (
	OpWorkflowStart        = "workflow-start"
	OpSettingsLoad          = "settings-load"
	OpSettingsSave          = "settings-save"
	OpStagePositionSet      = "stage-position-set"
	OpStagePositionGet      = "stage-position-get"
	OpStageMotionStopped    = "stage-motion-stopped"
	OpSystemStateIdle       = "system-state-idle"
	OpSystemStateGet        = "system-state-get"
	OpCameraPixelFOVGet     = "camera-pixel-fov-get"
	OpCameraImageSizeGet    = "camera-image-size-get"
	OpCameraCheckStack      = "camera-check-stack"
)

// requiredOpcodes is every symbolic name §3 requires the core to recognize.
var requiredOpcodes = []string{
	OpWorkflowStart, OpSettingsLoad, OpSettingsSave,
	OpStagePositionSet, OpStagePositionGet, OpStageMotionStopped,
	OpSystemStateIdle, OpSystemStateGet,
	OpCameraPixelFOVGet, OpCameraImageSizeGet, OpCameraCheckStack,
}

// OpcodeTable maps symbolic opcode names to the controller's numeric codes
// and back, loaded from a text resource so the core adapts to firmware
// revisions without recompiling. A build-time placeholder table (used only
// by tests, never shipped against a real controller) lives in
// opStagePositionSet and friends below.
type OpcodeTable struct {
	byName map[string]uint32
	byCode map[uint32]string
}

// LoadOpcodeTable reads "name = code" lines (blank lines and '#' comments
// ignored) in the same permissive key=value style as the workflow
// document's section bodies, and validates that every opcode spec.md §3
// requires is present.
func LoadOpcodeTable(r io.Reader) (*OpcodeTable, error) {
	table := &OpcodeTable{byName: map[string]uint32{}, byCode: map[uint32]string{}}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, errDocSyntax(lineNo, "expected 'name = code'")
		}

		name := strings.TrimSpace(parts[0])
		codeStr := strings.TrimSpace(parts[1])
		code, err := strconv.ParseUint(codeStr, 0, 32)
		if err != nil {
			return nil, errDocSyntax(lineNo, fmt.Sprintf("bad opcode value %q: %v", codeStr, err))
		}

		table.byName[name] = uint32(code)
		table.byCode[uint32(code)] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range requiredOpcodes {
		if _, ok := table.byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errDocMissing(fmt.Sprintf("opcode table missing required entries: %s", strings.Join(missing, ", ")))
	}

	return table, nil
}

// Code returns the numeric code for a symbolic opcode name.
func (t *OpcodeTable) Code(name string) (uint32, bool) {
	code, ok := t.byName[name]
	return code, ok
}

// Name returns the symbolic name for a numeric opcode, "" if unrecognized.
func (t *OpcodeTable) Name(code uint32) string {
	return t.byCode[code]
}

// opStagePositionSet and its siblings below are a fixed placeholder table
// used only by unit tests; production
// deployments always load their controller's real numbers via
// LoadOpcodeTable. Keeping them as unexported package constants (rather
// than literals scattered through tests) keeps one source of truth for the
// test harness's synthetic controller.
const (
	opWorkflowStart     uint32 = 1
	opSettingsLoad      uint32 = 2
	opSettingsSave      uint32 = 3
	opStagePositionSet  uint32 = 4
	opStagePositionGet  uint32 = 5
	opStageMotionStopped uint32 = 6
	opSystemStateIdle   uint32 = 7
	opSystemStateGet    uint32 = 8
	opCameraPixelFOVGet uint32 = 9
	opCameraImageSizeGet uint32 = 10
	opCameraCheckStack  uint32 = 11
)

func defaultOpcodeTable() *OpcodeTable {
	t := &OpcodeTable{byName: map[string]uint32{}, byCode: map[uint32]string{}}
	add := func(name string, code uint32) {
		t.byName[name] = code
		t.byCode[code] = name
	}
	add(OpWorkflowStart, opWorkflowStart)
	add(OpSettingsLoad, opSettingsLoad)
	add(OpSettingsSave, opSettingsSave)
	add(OpStagePositionSet, opStagePositionSet)
	add(OpStagePositionGet, opStagePositionGet)
	add(OpStageMotionStopped, opStageMotionStopped)
	add(OpSystemStateIdle, opSystemStateIdle)
	add(OpSystemStateGet, opSystemStateGet)
	add(OpCameraPixelFOVGet, opCameraPixelFOVGet)
	add(OpCameraImageSizeGet, opCameraImageSizeGet)
	add(OpCameraCheckStack, opCameraCheckStack)
	return t
}
