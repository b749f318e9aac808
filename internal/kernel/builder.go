// Package kernel builds the two compute kernels of the denoise pipeline.
//
// Kernels are assembled by small emitters appending to an instruction list
// ([gpucore.Program]); WGSL is then lowered from the program. Both outputs
// are pure functions of the layout, so builds share no state.
//
// The weights kernel runs as a single workgroup. For each component it
// computes squared differences against four neighbor offsets at once (one
// per vector lane), turns them into an integral image with two separable
// prefix sweeps, and accumulates patch weights read from the integral image
// in constant time per pixel. The denoise kernel normalizes the
// accumulated sums into the output frame.
package kernel

import (
	"github.com/gogpu/nlmeans/gpucore"
)

// Config selects the kernel variant.
type Config struct {
	Layout *Layout
	// Atomic selects atomic accumulation into the weight/sum buffers.
	Atomic bool
}

// axes returns the first and second sweep directions.
func (l *Layout) axes() (gpucore.Axis, gpucore.Axis) {
	if l.Horizontal {
		return gpucore.AxisHorizontal, gpucore.AxisVertical
	}
	return gpucore.AxisVertical, gpucore.AxisHorizontal
}

// WeightsProgram emits the weights kernel program.
func WeightsProgram(cfg Config) *gpucore.Program {
	l := cfg.Layout
	first, second := l.axes()
	p := &program{}
	for i := range l.Components {
		c := &l.Components[i]
		emitSweep(p, first, i, c, true)
		emitSweep(p, second, i, c, false)
		emitPatchWeight(p, first, i, c, cfg.Atomic)
	}
	return &gpucore.Program{
		Kind:      gpucore.KernelWeights,
		Workgroup: [3]uint32{uint32(l.WorkgroupSize), 1, 1},
		Rows:      l.Rows,
		Channels:  append([]int(nil), l.Channels...),
		Instrs:    p.instrs,
	}
}

// DenoiseProgram emits the denoise kernel program.
func DenoiseProgram(cfg Config) *gpucore.Program {
	l := cfg.Layout
	p := &program{}
	for plane := range l.Channels {
		first := -1
		for i := range l.Components {
			if l.Components[i].Plane == plane {
				first = i
				break
			}
		}
		if first < 0 {
			continue
		}
		emitNormalize(p, plane, first, l.Components)
	}
	return &gpucore.Program{
		Kind:      gpucore.KernelDenoise,
		Workgroup: [3]uint32{DenoiseWorkgroup, DenoiseWorkgroup, 1},
		Rows:      1,
		Channels:  append([]int(nil), l.Channels...),
		Instrs:    p.instrs,
	}
}

// WeightsBindings is the descriptor layout of the weights kernel: params,
// source planes, integral, state, then weights and sums per component.
func WeightsBindings(l *Layout) []gpucore.Binding {
	var bs []gpucore.Binding
	slot := uint32(0)
	add := func(role gpucore.BindingRole, index int, access gpucore.Access) {
		bs = append(bs, gpucore.Binding{Slot: slot, Role: role, Index: index, Access: access})
		slot++
	}
	add(gpucore.RoleParams, 0, gpucore.AccessRead)
	for p := range l.Channels {
		add(gpucore.RoleSource, p, gpucore.AccessRead)
	}
	add(gpucore.RoleIntegral, 0, gpucore.AccessReadWrite)
	add(gpucore.RoleState, 0, gpucore.AccessReadWrite)
	for i := range l.Components {
		add(gpucore.RoleWeights, i, gpucore.AccessReadWrite)
		add(gpucore.RoleSums, i, gpucore.AccessReadWrite)
	}
	return bs
}

// DenoiseBindings is the descriptor layout of the denoise kernel: params,
// source planes, destination planes, then weights and sums per component.
func DenoiseBindings(l *Layout) []gpucore.Binding {
	var bs []gpucore.Binding
	slot := uint32(0)
	add := func(role gpucore.BindingRole, index int, access gpucore.Access) {
		bs = append(bs, gpucore.Binding{Slot: slot, Role: role, Index: index, Access: access})
		slot++
	}
	add(gpucore.RoleParams, 0, gpucore.AccessRead)
	for p := range l.Channels {
		add(gpucore.RoleSource, p, gpucore.AccessRead)
	}
	for p := range l.Channels {
		add(gpucore.RoleDestination, p, gpucore.AccessReadWrite)
	}
	for i := range l.Components {
		add(gpucore.RoleWeights, i, gpucore.AccessRead)
		add(gpucore.RoleSums, i, gpucore.AccessRead)
	}
	return bs
}

// BuildWeights returns the complete weights kernel source.
func BuildWeights(cfg Config) *gpucore.KernelSource {
	prog := WeightsProgram(cfg)
	bindings := WeightsBindings(cfg.Layout)
	return &gpucore.KernelSource{
		Label:      "nlmeans_weights",
		Kind:       gpucore.KernelWeights,
		WGSL:       Lower(prog, bindings, cfg.Layout),
		Program:    prog,
		Bindings:   bindings,
		ParamsSize: gpucore.WeightsParamsSize,
	}
}

// BuildDenoise returns the complete denoise kernel source.
func BuildDenoise(cfg Config) *gpucore.KernelSource {
	prog := DenoiseProgram(cfg)
	bindings := DenoiseBindings(cfg.Layout)
	return &gpucore.KernelSource{
		Label:      "nlmeans_denoise",
		Kind:       gpucore.KernelDenoise,
		WGSL:       Lower(prog, bindings, cfg.Layout),
		Program:    prog,
		Bindings:   bindings,
		ParamsSize: gpucore.DenoiseParamsSize,
	}
}
