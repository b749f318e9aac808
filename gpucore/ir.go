package gpucore

import (
	"fmt"
	"strings"
)

// KernelKind identifies which of the two pipeline kernels a program is.
type KernelKind uint8

// Kernel kinds.
const (
	KernelWeights KernelKind = iota + 1
	KernelDenoise
)

func (k KernelKind) String() string {
	switch k {
	case KernelWeights:
		return "weights"
	case KernelDenoise:
		return "denoise"
	}
	return "unknown"
}

// Lanes is the number of offsets processed together in one weights
// dispatch, one per vector lane.
const Lanes = 4

// MaxComponents is the largest number of image components a kernel handles.
const MaxComponents = 4

// Op is a kernel instruction opcode.
type Op uint8

// Opcodes. Ops between a Begin/End pair run once per iteration of that loop.
const (
	// OpBarrier synchronizes the invocations of a workgroup, including
	// their storage writes.
	OpBarrier Op = iota + 1

	// OpBeginLines starts a loop over the lines of Plane swept along Axis:
	// rows for AxisHorizontal, columns for AxisVertical. The plane size is
	// taken from the parameter block entry of Component.
	OpBeginLines
	OpEndLines

	// OpDifference writes, for every element of the line, the squared
	// difference between the pixel and its four offset neighbors into the
	// integral buffer.
	OpDifference

	// OpLocalPrefix turns each invocation's block of Rows elements into an
	// inclusive prefix sum and stores the block total in the state buffer.
	OpLocalPrefix

	// OpCarry adds the sum of all preceding block totals to every element.
	OpCarry

	// OpBeginPixels starts a loop over the pixels of Plane, sized like
	// OpBeginLines. AxisGrid maps one invocation to one pixel.
	OpBeginPixels
	OpEndPixels

	// OpPatchWeight computes the four lane weights and weighted sums of
	// Component from the integral image.
	OpPatchWeight

	// OpAccumulate adds the weight and sum of Component into the
	// weight/sum buffers, atomically when Atomic is set.
	OpAccumulate

	// OpLoad reads all channels of the current pixel of Plane.
	OpLoad

	// OpNormalize computes the denoised value of Component stored in
	// Channel of the loaded pixel.
	OpNormalize

	// OpStore writes the current pixel of Plane to the destination.
	OpStore
)

var opNames = map[Op]string{
	OpBarrier:     "barrier",
	OpBeginLines:  "begin_lines",
	OpEndLines:    "end_lines",
	OpDifference:  "difference",
	OpLocalPrefix: "local_prefix",
	OpCarry:       "carry",
	OpBeginPixels: "begin_pixels",
	OpEndPixels:   "end_pixels",
	OpPatchWeight: "patch_weight",
	OpAccumulate:  "accumulate",
	OpLoad:        "load",
	OpNormalize:   "normalize",
	OpStore:       "store",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Axis is the direction a loop walks.
type Axis uint8

// Axes.
const (
	AxisHorizontal Axis = iota
	AxisVertical
	AxisGrid
)

func (a Axis) String() string {
	switch a {
	case AxisHorizontal:
		return "h"
	case AxisVertical:
		return "v"
	case AxisGrid:
		return "grid"
	}
	return "?"
}

// Instr is one kernel instruction. Unused operands are zero.
type Instr struct {
	Op        Op
	Axis      Axis
	Plane     int
	Channel   int
	Component int
	Atomic    bool
}

func (in Instr) String() string {
	switch in.Op {
	case OpBeginLines, OpBeginPixels:
		return fmt.Sprintf("%s %s comp=%d plane=%d", in.Op, in.Axis, in.Component, in.Plane)
	case OpLocalPrefix, OpCarry:
		return fmt.Sprintf("%s %s", in.Op, in.Axis)
	case OpDifference:
		return fmt.Sprintf("%s plane=%d ch=%d", in.Op, in.Plane, in.Channel)
	case OpPatchWeight:
		return fmt.Sprintf("%s comp=%d plane=%d ch=%d", in.Op, in.Component, in.Plane, in.Channel)
	case OpAccumulate:
		if in.Atomic {
			return fmt.Sprintf("%s comp=%d atomic", in.Op, in.Component)
		}
		return fmt.Sprintf("%s comp=%d", in.Op, in.Component)
	case OpLoad, OpStore:
		return fmt.Sprintf("%s plane=%d", in.Op, in.Plane)
	case OpNormalize:
		return fmt.Sprintf("%s comp=%d ch=%d", in.Op, in.Component, in.Channel)
	}
	return in.Op.String()
}

// Program is a kernel in instruction form. It is the input both to WGSL
// lowering and to devices that execute instructions directly.
type Program struct {
	Kind      KernelKind
	Workgroup [3]uint32

	// Rows is the number of consecutive line elements each invocation owns
	// in a sweep. Workgroup[0]*Rows is the integral stride.
	Rows int

	// Channels holds the interleaved channel count of each plane.
	Channels []int

	Instrs []Instr
}

// Stride returns the integral image stride in elements.
func (p *Program) Stride() int { return int(p.Workgroup[0]) * p.Rows }

// String renders one instruction per line.
func (p *Program) String() string {
	var b strings.Builder
	depth := 0
	for _, in := range p.Instrs {
		if in.Op == OpEndLines || in.Op == OpEndPixels {
			depth--
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(in.String())
		b.WriteByte('\n')
		if in.Op == OpBeginLines || in.Op == OpBeginPixels {
			depth++
		}
	}
	return b.String()
}

// Validate checks loop structure and operand ranges.
func (p *Program) Validate() error {
	if p.Kind != KernelWeights && p.Kind != KernelDenoise {
		return fmt.Errorf("gpucore: program has unknown kind %d", p.Kind)
	}
	if p.Workgroup[0] == 0 || p.Workgroup[1] == 0 || p.Workgroup[2] == 0 {
		return fmt.Errorf("gpucore: %s program has empty workgroup %v", p.Kind, p.Workgroup)
	}
	var open Op
	for i, in := range p.Instrs {
		if in.Plane < 0 || in.Plane >= len(p.Channels) {
			return fmt.Errorf("gpucore: instr %d (%s) plane out of range", i, in)
		}
		if in.Channel < 0 || in.Channel >= p.Channels[in.Plane] {
			return fmt.Errorf("gpucore: instr %d (%s) channel out of range", i, in)
		}
		switch in.Op {
		case OpBeginLines, OpBeginPixels:
			if open != 0 {
				return fmt.Errorf("gpucore: instr %d (%s) nested inside %s", i, in, open)
			}
			open = in.Op
		case OpEndLines:
			if open != OpBeginLines {
				return fmt.Errorf("gpucore: instr %d: unmatched %s", i, in.Op)
			}
			open = 0
		case OpEndPixels:
			if open != OpBeginPixels {
				return fmt.Errorf("gpucore: instr %d: unmatched %s", i, in.Op)
			}
			open = 0
		case OpDifference, OpLocalPrefix, OpCarry:
			if open != OpBeginLines || p.Kind != KernelWeights {
				return fmt.Errorf("gpucore: instr %d (%s) outside a weights line loop", i, in)
			}
		case OpPatchWeight, OpAccumulate:
			if open != OpBeginPixels || p.Kind != KernelWeights {
				return fmt.Errorf("gpucore: instr %d (%s) outside a weights pixel loop", i, in)
			}
		case OpLoad, OpNormalize, OpStore:
			if open != OpBeginPixels || p.Kind != KernelDenoise {
				return fmt.Errorf("gpucore: instr %d (%s) outside a denoise pixel loop", i, in)
			}
		case OpBarrier:
		default:
			return fmt.Errorf("gpucore: instr %d has unknown opcode %s", i, in.Op)
		}
		if in.Component < 0 || in.Component >= MaxComponents {
			return fmt.Errorf("gpucore: instr %d (%s) component out of range", i, in)
		}
	}
	if open != 0 {
		return fmt.Errorf("gpucore: %s program ends inside %s", p.Kind, open)
	}
	return nil
}
