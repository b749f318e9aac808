package gpucore

import "github.com/gogpu/nlmeans/frame"

// Command is one recorded command of an [ExecContext].
type Command interface {
	command()
}

// BufferBarrier is the transition of one buffer from its previous stage
// and access to the next.
type BufferBarrier struct {
	Buffer    BufferID
	SrcStage  Stage
	SrcAccess Access
	DstStage  Stage
	DstAccess Access
}

// BarrierCmd makes every command before it complete and become visible to
// every command after it for the listed buffers.
type BarrierCmd struct {
	Buffers []BufferBarrier
}

// FillCmd fills Size bytes of a buffer at Offset with a repeated 32-bit value.
type FillCmd struct {
	Buffer BufferID
	Offset uint64
	Size   uint64
	Value  uint32
}

// BufferBinding binds a buffer range to a kernel slot.
type BufferBinding struct {
	Slot   uint32
	Buffer BufferID
	Offset uint64
	Size   uint64
}

// DispatchCmd runs a kernel over Groups workgroups. Source and Destination
// frame planes are bound to the kernel's RoleSource and RoleDestination slots.
type DispatchCmd struct {
	Kernel      Kernel
	Groups      [3]uint32
	Params      []byte
	Buffers     []BufferBinding
	Source      *frame.Frame
	Destination *frame.Frame
}

func (*BarrierCmd) command()  {}
func (*FillCmd) command()     {}
func (*DispatchCmd) command() {}

// FrameRole says how a submission uses a frame.
type FrameRole uint8

// Frame roles.
const (
	FrameInput FrameRole = iota
	FrameOutput
)

// FrameDep registers a frame with a submission. The submission waits for
// any outstanding producer of the frame before Wait and, for outputs,
// signals completion after Signal.
type FrameDep struct {
	Frame  *frame.Frame
	Role   FrameRole
	Wait   Stage
	Signal Stage
}

// ExecContext is one submission: the frames and buffers it depends on and
// the ordered commands it runs.
type ExecContext struct {
	Label string

	frames  []FrameDep
	buffers []BufferID
	cmds    []Command
}

// NewExecContext returns an empty context.
func NewExecContext(label string) *ExecContext {
	return &ExecContext{Label: label}
}

// AddFrameDep registers a frame dependency.
func (e *ExecContext) AddFrameDep(f *frame.Frame, role FrameRole, wait, signal Stage) {
	e.frames = append(e.frames, FrameDep{Frame: f, Role: role, Wait: wait, Signal: signal})
}

// AddBufferDep registers a buffer the commands use.
func (e *ExecContext) AddBufferDep(id BufferID) {
	for _, b := range e.buffers {
		if b == id {
			return
		}
	}
	e.buffers = append(e.buffers, id)
}

// Barrier records a barrier. An empty barrier is dropped.
func (e *ExecContext) Barrier(bs ...BufferBarrier) {
	if len(bs) == 0 {
		return
	}
	e.cmds = append(e.cmds, &BarrierCmd{Buffers: bs})
}

// Fill records a fill.
func (e *ExecContext) Fill(id BufferID, offset, size uint64, value uint32) {
	e.AddBufferDep(id)
	e.cmds = append(e.cmds, &FillCmd{Buffer: id, Offset: offset, Size: size, Value: value})
}

// Dispatch records a kernel dispatch.
func (e *ExecContext) Dispatch(cmd *DispatchCmd) {
	for _, b := range cmd.Buffers {
		e.AddBufferDep(b.Buffer)
	}
	e.cmds = append(e.cmds, cmd)
}

// Commands returns the recorded commands in order.
func (e *ExecContext) Commands() []Command { return e.cmds }

// FrameDeps returns the registered frame dependencies.
func (e *ExecContext) FrameDeps() []FrameDep { return e.frames }

// BufferDeps returns every buffer referenced by the commands.
func (e *ExecContext) BufferDeps() []BufferID { return e.buffers }

// Count returns how many commands of each kind were recorded.
func (e *ExecContext) Count() (barriers, fills, dispatches int) {
	for _, c := range e.cmds {
		switch c.(type) {
		case *BarrierCmd:
			barriers++
		case *FillCmd:
			fills++
		case *DispatchCmd:
			dispatches++
		}
	}
	return barriers, fills, dispatches
}
