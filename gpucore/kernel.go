package gpucore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BindingRole says what a kernel binding slot holds.
type BindingRole uint8

// Binding roles.
const (
	// RoleParams is the per-dispatch parameter block (uniform).
	RoleParams BindingRole = iota
	// RoleSource is plane Index of the input frame.
	RoleSource
	// RoleDestination is plane Index of the output frame.
	RoleDestination
	// RoleIntegral is the integral image slot.
	RoleIntegral
	// RoleState is the prefix-sum block state slot.
	RoleState
	// RoleWeights is the weight accumulator of component Index.
	RoleWeights
	// RoleSums is the weighted-sum accumulator of component Index.
	RoleSums
)

func (r BindingRole) String() string {
	switch r {
	case RoleParams:
		return "params"
	case RoleSource:
		return "source"
	case RoleDestination:
		return "destination"
	case RoleIntegral:
		return "integral"
	case RoleState:
		return "state"
	case RoleWeights:
		return "weights"
	case RoleSums:
		return "sums"
	}
	return "unknown"
}

// Binding describes one slot of a kernel's descriptor layout.
type Binding struct {
	Slot   uint32
	Role   BindingRole
	Index  int
	Access Access
}

// KernelSource is everything a device needs to build a kernel.
type KernelSource struct {
	Label string
	Kind  KernelKind

	// WGSL is the program lowered to WebGPU shading language.
	WGSL string

	// Program is the instruction form WGSL was lowered from.
	Program *Program

	// Bindings is the descriptor layout, ordered by slot.
	Bindings []Binding

	// ParamsSize is the size in bytes of the parameter block at slot 0.
	ParamsSize int
}

// Lookup returns the binding with the given role and index.
func (s *KernelSource) Lookup(role BindingRole, index int) (Binding, bool) {
	for _, b := range s.Bindings {
		if b.Role == role && b.Index == index {
			return b, true
		}
	}
	return Binding{}, false
}

// Parameter block sizes in bytes.
const (
	WeightsParamsSize = 8 * 16
	DenoiseParamsSize = 3 * 16
)

// WeightsParams is the parameter block of one weights dispatch. Every
// array is indexed by component except XOffs/YOffs, indexed by lane.
type WeightsParams struct {
	XOffs     [Lanes]int32
	YOffs     [Lanes]int32
	Width     [MaxComponents]uint32
	Height    [MaxComponents]uint32
	WSStride  [MaxComponents]uint32
	PatchSize [MaxComponents]int32 // patch half-size
	Strength  [MaxComponents]float32
	IntStride uint32
}

// Bytes encodes the block as std140-compatible little-endian bytes.
func (p *WeightsParams) Bytes() []byte {
	buf := make([]byte, WeightsParamsSize)
	o := 0
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[o:], v)
		o += 4
	}
	for _, v := range p.XOffs {
		put(uint32(v))
	}
	for _, v := range p.YOffs {
		put(uint32(v))
	}
	for _, v := range p.Width {
		put(v)
	}
	for _, v := range p.Height {
		put(v)
	}
	for _, v := range p.WSStride {
		put(v)
	}
	for _, v := range p.PatchSize {
		put(uint32(v))
	}
	for _, v := range p.Strength {
		put(math.Float32bits(v))
	}
	put(p.IntStride)
	return buf
}

// DecodeWeightsParams is the inverse of [WeightsParams.Bytes].
func DecodeWeightsParams(b []byte) (WeightsParams, error) {
	var p WeightsParams
	if len(b) < WeightsParamsSize {
		return p, fmt.Errorf("gpucore: weights params: %d bytes, want %d", len(b), WeightsParamsSize)
	}
	o := 0
	get := func() uint32 {
		v := binary.LittleEndian.Uint32(b[o:])
		o += 4
		return v
	}
	for i := range p.XOffs {
		p.XOffs[i] = int32(get())
	}
	for i := range p.YOffs {
		p.YOffs[i] = int32(get())
	}
	for i := range p.Width {
		p.Width[i] = get()
	}
	for i := range p.Height {
		p.Height[i] = get()
	}
	for i := range p.WSStride {
		p.WSStride[i] = get()
	}
	for i := range p.PatchSize {
		p.PatchSize[i] = int32(get())
	}
	for i := range p.Strength {
		p.Strength[i] = math.Float32frombits(get())
	}
	p.IntStride = get()
	return p, nil
}

// DenoiseParams is the parameter block of the denoise dispatch, indexed
// by component.
type DenoiseParams struct {
	Width    [MaxComponents]uint32
	Height   [MaxComponents]uint32
	WSStride [MaxComponents]uint32
}

// Bytes encodes the block as little-endian bytes.
func (p *DenoiseParams) Bytes() []byte {
	buf := make([]byte, DenoiseParamsSize)
	for i := 0; i < MaxComponents; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], p.Width[i])
		binary.LittleEndian.PutUint32(buf[16+i*4:], p.Height[i])
		binary.LittleEndian.PutUint32(buf[32+i*4:], p.WSStride[i])
	}
	return buf
}

// DecodeDenoiseParams is the inverse of [DenoiseParams.Bytes].
func DecodeDenoiseParams(b []byte) (DenoiseParams, error) {
	var p DenoiseParams
	if len(b) < DenoiseParamsSize {
		return p, fmt.Errorf("gpucore: denoise params: %d bytes, want %d", len(b), DenoiseParamsSize)
	}
	for i := 0; i < MaxComponents; i++ {
		p.Width[i] = binary.LittleEndian.Uint32(b[i*4:])
		p.Height[i] = binary.LittleEndian.Uint32(b[16+i*4:])
		p.WSStride[i] = binary.LittleEndian.Uint32(b[32+i*4:])
	}
	return p, nil
}
