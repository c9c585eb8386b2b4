package flamingo

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// listenConsecutivePorts binds two adjacent TCP ports, the way a real
// Flamingo controller exposes its command channel on one port and its
// image channel on the next (spec.md §6).
func listenConsecutivePorts(t *testing.T) (ctrlLn, imgLn net.Listener, port int) {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		c, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		p := c.Addr().(*net.TCPAddr).Port
		i, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p+1))
		if err != nil {
			c.Close()
			continue
		}
		return c, i, p
	}
	t.Fatal("could not find two consecutive free ports")
	return nil, nil, 0
}

func testConfig(port int, workDir string) Config {
	cfg := DefaultConfig()
	cfg.ControlIP = "127.0.0.1"
	cfg.ControlPort = port
	cfg.WorkDir = workDir
	cfg.ConnectTimeoutS = 2
	cfg.WorkflowTimeoutS = 5
	cfg.SettingsLoadTimeoutS = 2
	cfg.PositionQueryTimeoutS = 2
	cfg.BufferMaxPlanes = 4
	return cfg
}

// performOpenHandshake answers the settings-load + sensor-geometry
// exchange every Open() performs before it returns (spec.md §4.8), the way
// every synthetic controller in this file must, immediately after
// accepting the control connection and before any scenario-specific
// frames. It replies with an objective magnification of 16 (scenario S1)
// and a 2048-pixel frame side.
func performOpenHandshake(t *testing.T, ctrlConn net.Conn) {
	t.Helper()

	frame, _ := recvCommandFrame(t, ctrlConn)
	require.Equal(t, opSettingsLoad, frame.CommandCode)
	payload := []byte("<Type>\n    Objective lens magnification = 16\n")
	_, err := ctrlConn.Write(EncodeFrame(opSettingsLoad, Params{}, 0, payload))
	require.NoError(t, err)

	frame, _ = recvCommandFrame(t, ctrlConn)
	require.Equal(t, opCameraPixelFOVGet, frame.CommandCode)
	_, err = ctrlConn.Write(EncodeFrame(opCameraPixelFOVGet, Params{}, 0.0005, nil))
	require.NoError(t, err)

	frame, _ = recvCommandFrame(t, ctrlConn)
	require.Equal(t, opCameraImageSizeGet, frame.CommandCode)
	_, err = ctrlConn.Write(EncodeFrame(opCameraImageSizeGet, Params{Param1: 2048}, 0, nil))
	require.NoError(t, err)
}

func recvCommandFrame(t *testing.T, conn net.Conn) (CommandFrame, []byte) {
	t.Helper()
	raw := make([]byte, frameSize)
	_, err := io.ReadFull(conn, raw)
	require.NoError(t, err)
	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	var payload []byte
	if frame.AdditionalDataBytes > 0 {
		payload = make([]byte, frame.AdditionalDataBytes)
		_, err := io.ReadFull(conn, payload)
		require.NoError(t, err)
	}
	return frame, payload
}

// TestSessionMoveToOrdersAxesXZRY is scenario S2: move_to submits its four
// stage-position-set commands in X, Z, R, Y order, each waiting for the
// previous to drain before the next is sent.
func TestSessionMoveToOrdersAxesXZRY(t *testing.T) {
	ctrlLn, imgLn, port := listenConsecutivePorts(t)
	defer ctrlLn.Close()
	defer imgLn.Close()

	type seen struct {
		axis  Axis
		value float64
	}
	gotCh := make(chan []seen, 1)

	go func() {
		ctrlConn, err := ctrlLn.Accept()
		require.NoError(t, err)
		defer ctrlConn.Close()
		imgConn, err := imgLn.Accept()
		require.NoError(t, err)
		defer imgConn.Close()

		performOpenHandshake(t, ctrlConn)

		var got []seen
		for i := 0; i < 4; i++ {
			frame, _ := recvCommandFrame(t, ctrlConn)
			got = append(got, seen{Axis(frame.Params.Param0), frame.Value})
		}
		gotCh <- got
	}()

	ctx := context.Background()
	session, err := Open(ctx, testConfig(port, t.TempDir()), defaultOpcodeTable(), nil)
	require.NoError(t, err)
	defer session.Close()

	target := NewPosition(12.5, 3.0, -1.5, 90)
	require.NoError(t, session.MoveTo(ctx, target, false))

	select {
	case got := <-gotCh:
		require.Equal(t, []seen{
			{AxisX, 12.5},
			{AxisZ, -1.5},
			{AxisR, 90},
			{AxisY, 3.0},
		}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for controller to observe move_to frames")
	}
}

// TestSessionRunWorkflowSnapshotRoundTrip is scenario S3: submitting a
// snapshot workflow writes the active-workflow file, sends workflow-start,
// and returns the single acquired frame once it arrives on the image
// channel.
func TestSessionRunWorkflowSnapshotRoundTrip(t *testing.T) {
	ctrlLn, imgLn, port := listenConsecutivePorts(t)
	defer ctrlLn.Close()
	defer imgLn.Close()

	go func() {
		ctrlConn, err := ctrlLn.Accept()
		require.NoError(t, err)
		defer ctrlConn.Close()
		imgConn, err := imgLn.Accept()
		require.NoError(t, err)
		defer imgConn.Close()

		performOpenHandshake(t, ctrlConn)

		for i := 0; i < 4; i++ {
			recvCommandFrame(t, ctrlConn) // move_to
		}

		frame, payload := recvCommandFrame(t, ctrlConn)
		require.Equal(t, opWorkflowStart, frame.CommandCode)
		require.NotEmpty(t, payload)

		width, height := 4, 4
		pixels := make([]byte, width*height*2)
		for i := range pixels {
			pixels[i] = byte(i)
		}
		header := EncodeImageHeader(ImageHeader{
			ImageSize:   uint32(len(pixels)),
			ImageWidth:  uint32(width),
			ImageHeight: uint32(height),
		})
		_, err = imgConn.Write(header)
		require.NoError(t, err)
		_, err = imgConn.Write(pixels)
		require.NoError(t, err)
	}()

	ctx := context.Background()
	session, err := Open(ctx, testConfig(port, t.TempDir()), defaultOpcodeTable(), nil)
	require.NoError(t, err)
	defer session.Close()

	target := NewPosition(1, 2, 3, 0)
	require.NoError(t, session.MoveTo(ctx, target, false))

	result, err := session.RunWorkflow(ctx, NewSnapshotWorkflow(target), "Snapshot")
	require.NoError(t, err)
	require.NotNil(t, result.Frame)
	require.Equal(t, 4, result.Frame.Width)
	require.Equal(t, 4, result.Frame.Height)
}

// TestSessionProtocolDesyncTerminatesAndCloseReturnsPromptly is scenario
// S6: three consecutive bad end markers on the command channel escalate
// to ProtocolDesync, setting Terminate, and Close() still returns quickly
// even though the controller never responds to anything afterward.
func TestSessionProtocolDesyncTerminatesAndCloseReturnsPromptly(t *testing.T) {
	ctrlLn, imgLn, port := listenConsecutivePorts(t)
	defer ctrlLn.Close()
	defer imgLn.Close()

	go func() {
		ctrlConn, err := ctrlLn.Accept()
		require.NoError(t, err)
		defer ctrlConn.Close()
		imgConn, err := imgLn.Accept()
		require.NoError(t, err)
		defer imgConn.Close()

		performOpenHandshake(t, ctrlConn)

		bad := make([]byte, frameSize)
		binary.LittleEndian.PutUint32(bad[0:4], startMarker)
		for i := 0; i < 3; i++ {
			_, err := ctrlConn.Write(bad)
			require.NoError(t, err)
		}
		time.Sleep(500 * time.Millisecond)
	}()

	ctx := context.Background()
	session, err := Open(ctx, testConfig(port, t.TempDir()), defaultOpcodeTable(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return session.terminate.IsSet()
	}, 2*time.Second, 10*time.Millisecond)

	diag, ok := session.LastDiagnostic()
	require.True(t, ok)
	sessErr, ok := diag.(*SessionError)
	require.True(t, ok)
	require.Equal(t, "ProtocolDesync", sessErr.Kind)

	done := make(chan struct{})
	go func() {
		session.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return promptly after protocol desync")
	}
}

// TestSessionHomeRoundTripsAcrossOpen is the set_home/close/reopen
// supplement: a home position persists to disk and is seeded back into a
// fresh Session opened against the same work directory.
func TestSessionHomeRoundTripsAcrossOpen(t *testing.T) {
	ctrlLn, imgLn, port := listenConsecutivePorts(t)
	defer ctrlLn.Close()
	defer imgLn.Close()

	acceptBoth := func() (net.Conn, net.Conn) {
		c, err := ctrlLn.Accept()
		require.NoError(t, err)
		i, err := imgLn.Accept()
		require.NoError(t, err)
		performOpenHandshake(t, c)
		return c, i
	}

	connCh := make(chan [2]net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, img := acceptBoth()
			connCh <- [2]net.Conn{c, img}
		}
	}()

	ctx := context.Background()
	workDir := t.TempDir()

	session, err := Open(ctx, testConfig(port, workDir), defaultOpcodeTable(), nil)
	require.NoError(t, err)
	first := <-connCh

	home := NewPosition(5, 6, 7, 45)
	require.NoError(t, session.SetHome(home))
	require.NoError(t, session.Close())
	first[0].Close()
	first[1].Close()

	session2, err := Open(ctx, testConfig(port, workDir), defaultOpcodeTable(), nil)
	require.NoError(t, err)
	defer session2.Close()
	second := <-connCh
	defer second[0].Close()
	defer second[1].Close()

	got, ok := session2.Home()
	require.True(t, ok)
	require.Equal(t, home.X, got.X)
	require.Equal(t, home.Y, got.Y)
	require.Equal(t, home.Z, got.Z)
	require.Equal(t, home.AngleDeg, got.AngleDeg)
}

// TestSessionOpenLoadsSettingsAndSensorGeometry is scenario S1: Open loads
// microscope settings and sensor geometry before returning, exposing the
// objective magnification parsed from the settings payload and a field of
// view derived from pixel_size_mm x frame_side.
func TestSessionOpenLoadsSettingsAndSensorGeometry(t *testing.T) {
	ctrlLn, imgLn, port := listenConsecutivePorts(t)
	defer ctrlLn.Close()
	defer imgLn.Close()

	go func() {
		ctrlConn, err := ctrlLn.Accept()
		require.NoError(t, err)
		defer ctrlConn.Close()
		imgConn, err := imgLn.Accept()
		require.NoError(t, err)
		defer imgConn.Close()

		performOpenHandshake(t, ctrlConn)
		time.Sleep(200 * time.Millisecond)
	}()

	ctx := context.Background()
	session, err := Open(ctx, testConfig(port, t.TempDir()), defaultOpcodeTable(), nil)
	require.NoError(t, err)
	defer session.Close()

	require.Equal(t, 16.0, session.ObjectiveMagnification())
	require.InDelta(t, 0.0005*2048, session.FOVMM(), 1e-9)
}

// TestSessionRunWorkflowRejectsOversizedZStack is scenario S5: a non-MIP
// Z-stack whose plane count exceeds buffer_max_planes without subdivision
// is rejected with SessionError::OutOfRange before anything is sent to the
// microscope.
func TestSessionRunWorkflowRejectsOversizedZStack(t *testing.T) {
	ctrlLn, imgLn, port := listenConsecutivePorts(t)
	defer ctrlLn.Close()
	defer imgLn.Close()

	go func() {
		ctrlConn, err := ctrlLn.Accept()
		require.NoError(t, err)
		defer ctrlConn.Close()
		imgConn, err := imgLn.Accept()
		require.NoError(t, err)
		defer imgConn.Close()

		performOpenHandshake(t, ctrlConn)
		time.Sleep(500 * time.Millisecond)
	}()

	ctx := context.Background()
	cfg := testConfig(port, t.TempDir())
	session, err := Open(ctx, cfg, defaultOpcodeTable(), nil)
	require.NoError(t, err)
	defer session.Close()

	wf := NewZStackWorkflow(NewPosition(0, 0, -1, 0), NewPosition(0, 0, 1, 0))
	wf.SetPlaneCount(cfg.BufferMaxPlanes + 1)

	_, err = session.RunWorkflow(ctx, wf, "ZStack")
	require.Error(t, err)
	sessErr, ok := err.(*SessionError)
	require.True(t, ok)
	require.Equal(t, "OutOfRange", sessErr.Kind)
}
