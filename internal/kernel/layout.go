package kernel

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
)

// DenoiseWorkgroup is the side of the square denoise workgroup. Weight/sum
// buffers are padded to multiples of it.
const DenoiseWorkgroup = 16

// laneBytes is the size of one integral element: four float32 lanes.
const laneBytes = gpucore.Lanes * 4

// bindAlign is the storage binding offset alignment.
const bindAlign = 256

// defaultWorkgroup is used when a device reports no workgroup limit.
const defaultWorkgroup = 256

// ComponentLayout holds the geometry of one component.
type ComponentLayout struct {
	Plane   int
	Channel int
	Width   int
	Height  int

	// WSStride is the padded row length of the weight/sum arrays.
	WSStride int
	// WSOffset is the byte offset of the component's weight array inside
	// the weight/sum buffer; its sum array follows at WSOffset+WSTotal.
	WSOffset uint64
	// WSSize is the byte size of one of the component's arrays.
	WSSize uint64
}

// Layout is the size-dependent geometry shared by kernels and buffers.
type Layout struct {
	Width  int
	Height int

	// Horizontal reports a horizontal first sweep (width > height).
	Horizontal bool

	WorkgroupSize int
	Rows          int
	Stride        int

	IntegralSlot uint64
	StateSlot    uint64

	Components []ComponentLayout
	Channels   []int
	WSTotal    uint64
}

// NewLayout computes the geometry for frames of the given size and format.
func NewLayout(width, height int, format *frame.PixelFormat, caps gpucore.Capabilities) (*Layout, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("kernel: invalid frame size %dx%d", width, height)
	}

	l := &Layout{
		Width:      width,
		Height:     height,
		Horizontal: width > height,
	}
	l.WorkgroupSize, l.Rows = workgroupSize(max(width, height), caps.MaxWorkgroupSize, caps.MaxSharedMemory)
	l.Stride = l.WorkgroupSize * l.Rows
	l.IntegralSlot = alignUp(uint64(l.Stride)*uint64(l.Stride)*laneBytes, bindAlign)
	l.StateSlot = alignUp(uint64(2*l.WorkgroupSize)*laneBytes, bindAlign)

	l.Channels = make([]int, format.Planes())
	for p := range l.Channels {
		l.Channels[p] = format.Channels(p)
	}

	var off uint64
	for _, c := range format.Components {
		pw, ph := format.PlaneSize(c.Plane, width, height)
		cl := ComponentLayout{
			Plane:    c.Plane,
			Channel:  c.Channel,
			Width:    pw,
			Height:   ph,
			WSStride: alignInt(pw, DenoiseWorkgroup),
			WSOffset: off,
		}
		cl.WSSize = uint64(cl.WSStride) * uint64(alignInt(ph, DenoiseWorkgroup)) * 4
		off += cl.WSSize
		l.Components = append(l.Components, cl)
	}
	l.WSTotal = off
	return l, nil
}

// WSBufferSize is the byte size of the weight/sum buffer: every weight
// array followed by every sum array.
func (l *Layout) WSBufferSize() uint64 { return 2 * l.WSTotal }

// WeightsGroups returns the weights dispatch size: a single workgroup
// sweeps every line of the plane.
func (l *Layout) WeightsGroups() [3]uint32 { return [3]uint32{1, 1, 1} }

// DenoiseGroups returns the denoise dispatch size.
func (l *Layout) DenoiseGroups() [3]uint32 {
	return [3]uint32{
		uint32((l.Width + DenoiseWorkgroup - 1) / DenoiseWorkgroup),
		uint32((l.Height + DenoiseWorkgroup - 1) / DenoiseWorkgroup),
		1,
	}
}

// workgroupSize picks the weights workgroup size and the number of line
// elements each invocation owns so that size*rows covers maxDim.
func workgroupSize(maxDim int, maxWG, maxShared uint32) (size, rows int) {
	if maxWG == 0 {
		maxWG = defaultWorkgroup
	}
	size = 1 << (bits.Len32(maxWG) - 1)
	if size > maxDim {
		size /= size / maxDim
	}
	// Each invocation keeps one vec4 plus a small shared header.
	for maxShared != 0 && size > 1 && size*laneBytes+16+8 > int(maxShared) {
		size >>= 1
	}
	rows = (maxDim + size - 1) / size
	return size, rows
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) / a * a }

func alignInt(v, a int) int { return (v + a - 1) / a * a }
