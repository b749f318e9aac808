//go:build !nogpu

package native

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/cache"
	"github.com/gogpu/nlmeans/internal/logging"
)

// kernel is a compiled compute pipeline.
type kernel struct {
	src      *gpucore.KernelSource
	spirv    []uint32
	module   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

func (k *kernel) Label() string                 { return k.src.Label }
func (k *kernel) Source() *gpucore.KernelSource { return k.src }

// spirvCache holds SPIR-V by WGSL source. Filters of one geometry share
// their kernels' source text.
var spirvCache = cache.New[string, []uint32](64)

// CompileSPIRV compiles WGSL to SPIR-V words. Results are cached by source.
func CompileSPIRV(wgsl string) ([]uint32, error) {
	return spirvCache.GetOrCompute(wgsl, func() ([]uint32, error) {
		return compileSPIRV(wgsl)
	})
}

func compileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, err
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V length %d is not a multiple of 4", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

// CompileKernel compiles the WGSL of src and creates its pipeline.
func (d *Device) CompileKernel(src *gpucore.KernelSource) (gpucore.Kernel, error) {
	if src == nil || src.WGSL == "" {
		return nil, fmt.Errorf("%w: kernel has no WGSL", gpucore.ErrCompile)
	}
	words, err := CompileSPIRV(src.WGSL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", gpucore.ErrCompile, src.Label, err)
	}

	k := &kernel{src: src, spirv: words}
	if err := d.createPipeline(k); err != nil {
		d.DestroyKernel(k)
		return nil, fmt.Errorf("%w: %s: %w", gpucore.ErrCompile, src.Label, err)
	}
	logging.Logger().Debug("nlmeans: kernel compiled",
		"kernel", src.Label, "bindings", len(src.Bindings), "spirv_words", len(words))
	return k, nil
}

func (d *Device) createPipeline(k *kernel) error {
	var err error
	k.module, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  k.src.Label,
		Source: hal.ShaderSource{SPIRV: k.spirv},
	})
	if err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}

	k.bgLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   k.src.Label + "_bgl",
		Entries: layoutEntries(k.src.Bindings),
	})
	if err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}

	k.layout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            k.src.Label + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{k.bgLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}

	k.pipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  k.src.Label,
		Layout: k.layout,
		Compute: hal.ComputeState{
			Module:     k.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	return nil
}

func layoutEntries(bindings []gpucore.Binding) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		typ := gputypes.BufferBindingTypeStorage
		switch {
		case b.Role == gpucore.RoleParams:
			typ = gputypes.BufferBindingTypeUniform
		case !b.Access.Writes():
			typ = gputypes.BufferBindingTypeReadOnlyStorage
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    b.Slot,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: typ},
		}
	}
	return entries
}

// DestroyKernel releases the pipeline objects of a kernel.
func (d *Device) DestroyKernel(gk gpucore.Kernel) {
	k, ok := gk.(*kernel)
	if !ok {
		return
	}
	if k.pipeline != nil {
		d.device.DestroyComputePipeline(k.pipeline)
		k.pipeline = nil
	}
	if k.layout != nil {
		d.device.DestroyPipelineLayout(k.layout)
		k.layout = nil
	}
	if k.bgLayout != nil {
		d.device.DestroyBindGroupLayout(k.bgLayout)
		k.bgLayout = nil
	}
	if k.module != nil {
		d.device.DestroyShaderModule(k.module)
		k.module = nil
	}
}
