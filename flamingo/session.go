package flamingo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/uwloci/flamingo-core/internal/audit"
)

// FrameOrStack is what RunWorkflow hands back: exactly one of Frame or
// Stack is set, depending on whether the submitted workflow was a
// single-plane MIP (snapshot) or a full Z-stack.
type FrameOrStack struct {
	Frame *Frame2D
	Stack *Stack3D
}

// Session is SessionState (spec.md §4.8): it owns both sockets, the
// opcode table, the four typed queues, the level-triggered events, the
// position/motion caches, and the four long-running threads, and
// serializes MoveTo/RunWorkflow/GetPosition/Close behind a single mutex the way the
// teacher's appserver.go serializes command-line clients behind
// cmd_mutex in server.go.
type Session struct {
	cfg     Config
	opcodes *OpcodeTable
	control *Conn
	image   *Conn

	idle            *Event
	busy            *Event
	settingsChanged *Event
	terminate       *Event

	positions *PositionCache
	motion    *MotionStatus

	frames    *Queue[Frame2D]
	stacks    *Queue[Stack3D]
	scalars   *Queue[ScalarResult]
	blobs     *Queue[[]byte]
	visualize *LatestSlot[Frame2D]
	commands  *Queue[CommandEntry]

	// diagnostics surfaces the most recent protocol/transport error the
	// listener threads observed (spec.md §7); LastDiagnostic reads it.
	diagnostics *LatestSlot[error]

	cmdListener *CmdListener
	imgListener *ImageListener
	sender      *Sender
	processor   *Processor

	audit  *audit.Log
	logger *log.Logger

	// settings, pixelFOVMM, and frameSidePX are populated once during
	// Open, before the *Session is handed to its caller, and are read-only
	// afterward — no locking needed (spec.md §4.8: settings-load and the
	// frame-size/pixel-FOV query always complete before open() returns).
	settings    ScopeSettings
	pixelFOVMM  float64
	frameSidePX int

	awMu sync.Mutex
	aw   *Workflow

	homeMu  sync.Mutex
	home    Position
	homeSet bool

	mu     sync.Mutex // serializes MoveTo/RunWorkflow/GetPosition/Close
	cancel context.CancelFunc

	doneCmd, doneImage, doneSender, doneProcessor chan struct{}
}

// Open dials both the command and image channels, starts the four
// session threads, and opportunistically seeds the position cache and
// home position from whatever the previous session persisted.
func Open(ctx context.Context, cfg Config, opcodes *OpcodeTable, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Default()
	}

	controlAddr := fmt.Sprintf("%s:%d", cfg.ControlIP, cfg.ControlPort)
	imageAddr := fmt.Sprintf("%s:%d", cfg.ControlIP, cfg.imagePort())

	control, err := DialConn(controlAddr, cfg.connectTimeout())
	if err != nil {
		return nil, err
	}
	image, err := DialConn(imageAddr, cfg.connectTimeout())
	if err != nil {
		control.Close()
		return nil, err
	}

	auditLog, err := audit.New(filepath.Join(cfg.WorkDir, "audit"))
	if err != nil {
		control.Close()
		image.Close()
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		opcodes: opcodes,
		control: control,
		image:   image,

		idle:            NewEvent(),
		busy:            NewEvent(),
		settingsChanged: NewEvent(),
		terminate:       NewEvent(),

		positions: NewPositionCache(Position{}),
		motion:    NewMotionStatus(),

		frames:    NewQueue[Frame2D](),
		stacks:    NewQueue[Stack3D](),
		scalars:   NewQueue[ScalarResult](),
		blobs:     NewQueue[[]byte](),
		visualize: NewLatestSlot[Frame2D](),
		commands:  NewQueue[CommandEntry](),

		diagnostics: NewLatestSlot[error](),

		audit:  auditLog,
		logger: logger,

		doneCmd:       make(chan struct{}),
		doneImage:     make(chan struct{}),
		doneSender:    make(chan struct{}),
		doneProcessor: make(chan struct{}),
	}

	// A controller is assumed idle when a session first attaches to it.
	// Afterwards the sender clears idle before each workflow-start and
	// only a system-state-idle frame from the controller sets it again.
	s.idle.Set()

	if pos, err := s.readPositionFile(s.lastPositionPath()); err == nil {
		s.positions.Seed(pos)
	}
	if pos, err := s.readPositionFile(s.homePath()); err == nil {
		s.homeMu.Lock()
		s.home, s.homeSet = pos, true
		s.homeMu.Unlock()
	}

	s.cmdListener = &CmdListener{
		Conn:            control,
		Opcodes:         opcodes,
		Idle:            s.idle,
		Busy:            s.busy,
		SettingsChanged: s.settingsChanged,
		Terminate:       s.terminate,
		Positions:       s.positions,
		Motion:          s.motion,
		Scalars:         s.scalars,
		Blobs:           s.blobs,
		SettingsPath:    s.settingsPath(),
		Diagnostics:     s.diagnostics,
		Logger:          logger,
		onDesync:        s.terminate.Set,
	}

	s.imgListener = &ImageListener{
		Conn:              image,
		Terminate:         s.terminate,
		Frames:            s.frames,
		Stacks:            s.stacks,
		Visualize:         s.visualize,
		ActiveWorkflow:    s.getActiveWorkflow,
		DefaultPlaneCount: 200,
		Diagnostics:       s.diagnostics,
		Logger:            logger,
	}

	s.sender = &Sender{
		Conn:                control,
		Opcodes:             opcodes,
		Commands:            s.commands,
		Idle:                s.idle,
		Terminate:           s.terminate,
		WorkflowPath:        s.workflowPath(),
		PendingSettingsPath: s.pendingSettingsPath(),
		ActiveWorkflow:      s.getActiveWorkflow,
		Logger:              logger,
	}

	s.processor = &Processor{
		Frames:          s.frames,
		Stacks:          s.stacks,
		Scalars:         s.scalars,
		RollingWindowPX: cfg.RollingWindowPX,
		Logger:          logger,
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() { s.cmdListener.Run(runCtx); close(s.doneCmd) }()
	go func() { s.imgListener.Run(runCtx); close(s.doneImage) }()
	go func() { s.sender.Run(runCtx); close(s.doneSender) }()
	go func() { s.processor.Run(runCtx); close(s.doneProcessor) }()

	// spec.md §4.8: open() loads microscope settings (settings-load, then
	// waits for settings-changed with a timeout) and queries frame size
	// and pixel FOV before returning.
	if err := s.loadSettings(runCtx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.querySensorGeometry(runCtx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// loadSettings sends settings-load and blocks until the controller's
// settings-changed response arrives (cmdlistener.go's OpSettingsLoad
// dispatch case), polling at a short interval so a ProtocolDesync
// escalation during the wait is noticed promptly rather than only after
// the full settings_load_timeout_s elapses.
func (s *Session) loadSettings(ctx context.Context) error {
	s.settingsChanged.Clear()
	s.commands.Put(CommandEntry{Opcode: OpSettingsLoad})

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.settingsLoadTimeout())
	defer cancel()
	for {
		if s.terminate.IsSet() {
			return errProtocolDesync()
		}
		pollCtx, pollCancel := context.WithTimeout(waitCtx, 100*time.Millisecond)
		err := s.settingsChanged.Wait(pollCtx)
		pollCancel()
		if err == nil {
			break
		}
		if waitCtx.Err() != nil {
			return errSettingsTimeout()
		}
	}

	f, err := os.Open(s.settingsPath())
	if err != nil {
		return err
	}
	defer f.Close()
	settings, err := ParseScopeSettings(f)
	if err != nil {
		return err
	}
	s.settings = settings
	return nil
}

// querySensorGeometry sends camera-pixel-fov-get and camera-image-size-get
// and blocks until both answers arrive on the scalar queue (spec.md §4.9:
// field of view is pixel_size_mm × frame_side). This runs before Open
// returns and before any workflow has been submitted, so it is the only
// consumer of the scalar queue at this point — the processor (C7) only
// ever publishes onto it in reaction to frames/stacks, and none exist yet.
func (s *Session) querySensorGeometry(ctx context.Context) error {
	s.commands.Put(CommandEntry{Opcode: OpCameraPixelFOVGet})
	s.commands.Put(CommandEntry{Opcode: OpCameraImageSizeGet})

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.settingsLoadTimeout())
	defer cancel()

	var gotFOV, gotFrameSize bool
	for !gotFOV || !gotFrameSize {
		if s.terminate.IsSet() {
			return errProtocolDesync()
		}
		result, ok, err := s.scalars.Get(waitCtx)
		if err != nil || !ok {
			return errSettingsTimeout()
		}
		switch result.Kind {
		case "pixel-fov":
			s.pixelFOVMM = result.MeanTopQuartile
			gotFOV = true
		case "frame-size":
			s.frameSidePX = result.ArgmaxPlaneIndex
			gotFrameSize = true
		}
	}
	return nil
}

// ObjectiveMagnification returns the objective lens magnification parsed
// from the controller's settings-load response (spec.md §8 scenario S1).
func (s *Session) ObjectiveMagnification() float64 {
	return s.settings.ObjectiveMagnification
}

// FOVMM returns the field of view in millimetres (pixel_size_mm ×
// frame_side), queried once at Open time per spec.md §4.9.
func (s *Session) FOVMM() float64 {
	return s.pixelFOVMM * float64(s.frameSidePX)
}

// LastDiagnostic returns the most recently published listener-thread
// diagnostic (protocol error, ProtocolDesync escalation, transport
// failure), if any, per spec.md §7.
func (s *Session) LastDiagnostic() (error, bool) {
	return s.diagnostics.TryGet()
}

// Close signals Terminate, cancels the threads' shared context so any
// blocking Wait/Get returns immediately, closes both sockets so the
// listeners' blocking reads return, joins the four threads in the order
// spec.md §4.8 specifies (sender, image-listener, command-listener,
// processor), and persists the last-known position.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminate.Set()
	s.cancel()

	// The listener threads block on plain net.Conn reads that don't know
	// about ctx; closing both sockets now is what actually unblocks them
	// (cancel alone only wakes the condition-variable waits in Sender and
	// Processor).
	cErr := s.control.Close()
	iErr := s.image.Close()

	<-s.doneSender
	<-s.doneImage
	<-s.doneCmd
	<-s.doneProcessor

	s.frames.Close()
	s.stacks.Close()
	s.scalars.Close()
	s.blobs.Close()
	s.commands.Close()

	_ = s.writePositionFile(s.lastPositionPath(), s.positions.Get())

	s.audit.Close()

	if cErr != nil {
		return cErr
	}
	return iErr
}

// MoveTo submits a stage-position-set command per axis in X, Z, R, Y
// order (spec.md §9's design note on axis movement order), waiting for
// the command queue to drain between successive axes. When verify is
// true it additionally waits for a stage-motion-stopped frame on every
// axis before returning.
func (s *Session) MoveTo(ctx context.Context, pos Position, verify bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := [4]struct {
		axis Axis
		val  float64
	}{
		{AxisX, pos.X},
		{AxisZ, pos.Z},
		{AxisR, pos.AngleDeg},
		{AxisY, pos.Y},
	}

	if verify {
		s.motion.ClearAll()
	}

	for _, step := range order {
		done := make(chan struct{})
		s.commands.Put(CommandEntry{
			Opcode: OpStagePositionSet,
			Params: Params{Param0: uint32(step.axis)},
			Value:  step.val,
			Done:   done,
		})
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !verify {
		return nil
	}
	for _, step := range order {
		if err := s.waitMotionStopped(ctx, step.axis); err != nil {
			return err
		}
	}
	return nil
}

const motionPollInterval = 500 * time.Millisecond

func (s *Session) waitMotionStopped(ctx context.Context, axis Axis) error {
	for {
		if s.terminate.IsSet() {
			return errTransport("session terminated while waiting for motion to stop")
		}
		pollCtx, cancel := context.WithTimeout(ctx, motionPollInterval)
		err := s.motion.Wait(pollCtx, axis)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// GetPosition issues a stage-position-get for every axis and blocks until
// all four have reported back, or position_query_timeout_s elapses.
func (s *Session) GetPosition(ctx context.Context) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions.BeginQuery()
	for _, axis := range []Axis{AxisX, AxisY, AxisZ, AxisR} {
		s.commands.Put(CommandEntry{Opcode: OpStagePositionGet, Params: Params{Param0: uint32(axis)}})
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.positionQueryTimeout())
	defer cancel()
	if err := s.positions.AwaitAll(qctx); err != nil {
		return Position{}, errPositionQueryTimeout()
	}
	return s.positions.Get(), nil
}

// RunWorkflow writes wf to the active-workflow file, submits
// workflow-start, and blocks for either the first acquired frame (MIP/
// snapshot workflows) or the first acquired stack (full Z-stacks), up to
// workflow_timeout_s. kind labels the submission in the audit trail and
// selects which workflows/current<Kind>.txt copy is written (spec.md §6).
func (s *Session) RunWorkflow(ctx context.Context, wf *Workflow, kind string) (FrameOrStack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Validate(wf); err != nil {
		return FrameOrStack{}, err
	}

	mip := wf.DisplayMaxProjection()
	n, _, err := wf.PlaneCount(200)
	if err != nil {
		return FrameOrStack{}, err
	}
	// spec.md §8 scenario S5: a Z-stack whose plane count exceeds
	// buffer_max_planes without subdivision is rejected before it ever
	// reaches the wire (§7: semantic errors are "never sent to the
	// microscope"). Callers subdivide into ceil(n/buffer_max_planes)
	// sub-stacks of at most buffer_max_planes each instead.
	if !mip && n > 1 && s.cfg.BufferMaxPlanes > 0 && n > s.cfg.BufferMaxPlanes {
		return FrameOrStack{}, errOutOfRange(fmt.Sprintf(
			"z-stack requests %d planes, exceeds buffer_max_planes=%d; subdivide into %d sub-stacks",
			n, s.cfg.BufferMaxPlanes, ceilDiv(n, s.cfg.BufferMaxPlanes)))
	}

	wf = wf.Clone()
	s.setActiveWorkflow(wf)
	if err := s.writeWorkflowFile(s.workflowPath(), wf); err != nil {
		return FrameOrStack{}, err
	}
	if kind != "" {
		if err := s.writeWorkflowFile(s.currentKindPath(kind), wf); err != nil {
			s.logger.Warnf("failed to write workflows/current%s.txt: %v", kind, err)
		}
	}

	start := time.Now()
	s.audit.Submit(start, kind)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.workflowTimeout())
	defer cancel()

	s.commands.Put(CommandEntry{Opcode: OpWorkflowStart})

	var result FrameOrStack
	var runErr error
	if mip || n == 1 {
		frame, ok, err := s.frames.Get(runCtx)
		switch {
		case err != nil || !ok:
			runErr = errWorkflowTimeout()
		default:
			result = FrameOrStack{Frame: &frame}
		}
	} else {
		stack, ok, err := s.stacks.Get(runCtx)
		switch {
		case err != nil || !ok:
			runErr = errWorkflowTimeout()
		default:
			result = FrameOrStack{Stack: &stack}
		}
	}

	s.audit.Complete(time.Now(), kind, runErr, time.Since(start))
	return result, runErr
}

// SetHome records pos as the home position, persisting it to
// workflows/home_position.txt (original_source's set_home.py supplement).
func (s *Session) SetHome(pos Position) error {
	s.homeMu.Lock()
	s.home, s.homeSet = pos, true
	s.homeMu.Unlock()
	return s.writePositionFile(s.homePath(), pos)
}

// Home returns the persisted home position, if one has been set.
func (s *Session) Home() (Position, bool) {
	s.homeMu.Lock()
	defer s.homeMu.Unlock()
	return s.home, s.homeSet
}

func (s *Session) getActiveWorkflow() *Workflow {
	s.awMu.Lock()
	defer s.awMu.Unlock()
	return s.aw
}

func (s *Session) setActiveWorkflow(wf *Workflow) {
	s.awMu.Lock()
	s.aw = wf
	s.awMu.Unlock()
}

// --- runSnapshotAt / runZStackAt: the C9 procedures' building blocks ---

func (s *Session) runSnapshotAt(ctx context.Context, pos Position) (Frame2D, error) {
	if err := s.MoveTo(ctx, pos, false); err != nil {
		return Frame2D{}, err
	}
	result, err := s.RunWorkflow(ctx, NewSnapshotWorkflow(pos), "Snapshot")
	if err != nil {
		return Frame2D{}, err
	}
	if result.Frame == nil {
		return Frame2D{}, errTransport("snapshot workflow completed without a frame")
	}
	return *result.Frame, nil
}

func (s *Session) runZStackAt(ctx context.Context, start, end Position, planeCount int) (Stack3D, error) {
	if err := s.MoveTo(ctx, start, false); err != nil {
		return Stack3D{}, err
	}
	wf := NewZStackWorkflow(start, end)
	if planeCount > 0 {
		wf.SetPlaneCount(planeCount)
	}
	result, err := s.RunWorkflow(ctx, wf, "ZStack")
	if err != nil {
		return Stack3D{}, err
	}
	if result.Stack == nil {
		return Stack3D{}, errTransport("z-stack workflow completed without a stack")
	}
	return *result.Stack, nil
}

// checkCancelled reports ErrCancelled if ctx has already concluded,
// without blocking — the C9 procedures check this at every workflow
// submission boundary rather than only at loop entry.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

// --- file-as-IPC paths (spec.md §6) ---

func (s *Session) workflowPath() string {
	return filepath.Join(s.cfg.WorkDir, "workflows", "workflow.txt")
}

func (s *Session) currentKindPath(kind string) string {
	return filepath.Join(s.cfg.WorkDir, "workflows", "current"+kind+".txt")
}

func (s *Session) settingsPath() string {
	return filepath.Join(s.cfg.WorkDir, "microscope_settings", "ScopeSettings.txt")
}

func (s *Session) pendingSettingsPath() string {
	return filepath.Join(s.cfg.WorkDir, "microscope_settings", "send_settings.txt")
}

func (s *Session) homePath() string {
	return filepath.Join(s.cfg.WorkDir, "workflows", "home_position.txt")
}

func (s *Session) lastPositionPath() string {
	return filepath.Join(s.cfg.WorkDir, "workflows", "last_position.txt")
}

func (s *Session) writeWorkflowFile(path string, wf *Workflow) error {
	var buf bytes.Buffer
	if err := DumpWorkflowText(wf, &buf); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

func (s *Session) writeBoundsFileAtomic(path string, box BoundingBox) error {
	var buf bytes.Buffer
	if err := WriteBoundsFile(box, &buf); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

// writePositionFile/readPositionFile persist a single Position in the
// same bracketed key=value style as bounds.go, under one "<position>"
// section.
func (s *Session) writePositionFile(path string, pos Position) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<position>\n")
	fmt.Fprintf(&buf, "x (mm) = %g\n", pos.X)
	fmt.Fprintf(&buf, "y (mm) = %g\n", pos.Y)
	fmt.Fprintf(&buf, "z (mm) = %g\n", pos.Z)
	fmt.Fprintf(&buf, "r (°) = %g\n", pos.AngleDeg)
	fmt.Fprintf(&buf, "</position>\n")
	return writeFileAtomic(path, buf.Bytes())
}

func (s *Session) readPositionFile(path string) (Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Position{}, err
	}
	values := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "<") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		values[strings.TrimSpace(line[:eq])] = strings.TrimSpace(line[eq+1:])
	}
	x, err1 := strconv.ParseFloat(values["x (mm)"], 64)
	y, err2 := strconv.ParseFloat(values["y (mm)"], 64)
	z, err3 := strconv.ParseFloat(values["z (mm)"], 64)
	r, err4 := strconv.ParseFloat(values["r (°)"], 64)
	for _, e := range []error{err1, err2, err3, err4} {
		if e != nil {
			return Position{}, errDocBadValue("position file: " + e.Error())
		}
	}
	return NewPosition(x, y, z, r), nil
}

// ceilDiv returns ceil(a/b), per spec.md §8 scenario S5's subdivision
// count.
func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
