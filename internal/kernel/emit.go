package kernel

import "github.com/gogpu/nlmeans/gpucore"

// program is an append-only instruction list. Emitters only append.
type program struct {
	instrs []gpucore.Instr
}

func (p *program) emit(in gpucore.Instr) { p.instrs = append(p.instrs, in) }

func (p *program) barrier() { p.emit(gpucore.Instr{Op: gpucore.OpBarrier}) }

// emitDifference fills the current line with squared lane differences.
func emitDifference(p *program, c *ComponentLayout) {
	p.emit(gpucore.Instr{Op: gpucore.OpDifference, Plane: c.Plane, Channel: c.Channel})
}

// emitPrefixSum scans the current line: block-local prefix, barrier,
// cross-block carry, barrier.
func emitPrefixSum(p *program, axis gpucore.Axis) {
	p.emit(gpucore.Instr{Op: gpucore.OpLocalPrefix, Axis: axis})
	p.barrier()
	p.emit(gpucore.Instr{Op: gpucore.OpCarry, Axis: axis})
	p.barrier()
}

// emitSweep runs one separable prefix sweep over every line of a
// component. The first sweep of a component also computes differences.
func emitSweep(p *program, axis gpucore.Axis, comp int, c *ComponentLayout, first bool) {
	p.emit(gpucore.Instr{Op: gpucore.OpBeginLines, Axis: axis, Component: comp, Plane: c.Plane})
	if first {
		emitDifference(p, c)
	}
	emitPrefixSum(p, axis)
	p.emit(gpucore.Instr{Op: gpucore.OpEndLines, Plane: c.Plane})
}

// emitPatchWeight accumulates the lane weights of every pixel of a
// component, then waits for the whole workgroup.
func emitPatchWeight(p *program, axis gpucore.Axis, comp int, c *ComponentLayout, atomic bool) {
	p.emit(gpucore.Instr{Op: gpucore.OpBeginPixels, Axis: axis, Component: comp, Plane: c.Plane})
	p.emit(gpucore.Instr{Op: gpucore.OpPatchWeight, Component: comp, Plane: c.Plane, Channel: c.Channel})
	p.emit(gpucore.Instr{Op: gpucore.OpAccumulate, Component: comp, Plane: c.Plane, Atomic: atomic})
	p.emit(gpucore.Instr{Op: gpucore.OpEndPixels, Plane: c.Plane})
	p.barrier()
}

// emitNormalize writes the denoised values of every component stored in
// one plane.
func emitNormalize(p *program, plane int, first int, comps []ComponentLayout) {
	p.emit(gpucore.Instr{Op: gpucore.OpBeginPixels, Axis: gpucore.AxisGrid, Component: first, Plane: plane})
	p.emit(gpucore.Instr{Op: gpucore.OpLoad, Plane: plane})
	for i := range comps {
		if comps[i].Plane == plane {
			p.emit(gpucore.Instr{Op: gpucore.OpNormalize, Component: i, Plane: plane, Channel: comps[i].Channel})
		}
	}
	p.emit(gpucore.Instr{Op: gpucore.OpStore, Plane: plane})
	p.emit(gpucore.Instr{Op: gpucore.OpEndPixels, Plane: plane})
}
