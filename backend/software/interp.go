package software

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/parallel"
)

// dispatch is a kernel invocation with its storage resolved.
type dispatch struct {
	prog   *gpucore.Program
	groups [3]uint32

	src, dst      [][]float32
	integral      []uint32
	state         []uint32
	weights, sums [gpucore.MaxComponents][]uint32
	wp            gpucore.WeightsParams
	dp            gpucore.DenoiseParams
}

// bind resolves the slots of a dispatch. Caller holds d.mu.
func (d *Device) bind(c *gpucore.DispatchCmd) (*dispatch, error) {
	k, ok := c.Kernel.(*kernel)
	if !ok {
		return nil, fmt.Errorf("kernel %v was not compiled by this device", c.Kernel)
	}
	src := k.src
	dp := &dispatch{prog: src.Program, groups: c.Groups}

	var err error
	switch src.Kind {
	case gpucore.KernelWeights:
		dp.wp, err = gpucore.DecodeWeightsParams(c.Params)
	case gpucore.KernelDenoise:
		dp.dp, err = gpucore.DecodeDenoiseParams(c.Params)
	}
	if err != nil {
		return nil, err
	}

	planes := len(src.Program.Channels)
	dp.src = make([][]float32, planes)
	dp.dst = make([][]float32, planes)

	for _, b := range src.Bindings {
		switch b.Role {
		case gpucore.RoleParams:
			continue
		case gpucore.RoleSource:
			if c.Source == nil || b.Index >= len(c.Source.Planes) {
				return nil, fmt.Errorf("%s: source plane %d not bound", src.Label, b.Index)
			}
			dp.src[b.Index] = c.Source.Planes[b.Index]
			continue
		case gpucore.RoleDestination:
			if c.Destination == nil || b.Index >= len(c.Destination.Planes) {
				return nil, fmt.Errorf("%s: destination plane %d not bound", src.Label, b.Index)
			}
			dp.dst[b.Index] = c.Destination.Planes[b.Index]
			continue
		}

		words, err := d.slot(c, b.Slot)
		if err != nil {
			return nil, fmt.Errorf("%s: %s slot %d: %w", src.Label, b.Role, b.Slot, err)
		}
		switch b.Role {
		case gpucore.RoleIntegral:
			dp.integral = words
		case gpucore.RoleState:
			dp.state = words
		case gpucore.RoleWeights:
			dp.weights[b.Index] = words
		case gpucore.RoleSums:
			dp.sums[b.Index] = words
		}
	}
	return dp, nil
}

func (d *Device) slot(c *gpucore.DispatchCmd, slot uint32) ([]uint32, error) {
	for _, bb := range c.Buffers {
		if bb.Slot != slot {
			continue
		}
		b, ok := d.buffers[bb.Buffer]
		if !ok {
			return nil, fmt.Errorf("unknown buffer %d", bb.Buffer)
		}
		return view(b, bb.Offset, bb.Size)
	}
	return nil, fmt.Errorf("not bound")
}

func loadf(words []uint32, i int) float32 { return math.Float32frombits(words[i]) }

func storef(words []uint32, i int, v float32) { words[i] = math.Float32bits(v) }

// addf adds v to words[i] with a compare-and-swap loop.
func addf(words []uint32, i int, v float32) {
	p := &words[i]
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, math.Float32bits(math.Float32frombits(old)+v)) {
			return
		}
	}
}

type vec4 [gpucore.Lanes]float32

func (d *dispatch) loadVec(i int) vec4 {
	return vec4{loadf(d.integral, 4*i), loadf(d.integral, 4*i+1), loadf(d.integral, 4*i+2), loadf(d.integral, 4*i+3)}
}

func (d *dispatch) storeVec(i int, v vec4) {
	for l := range v {
		storef(d.integral, 4*i+l, v[l])
	}
}

func (d *dispatch) run(pool *parallel.WorkerPool) error {
	instrs := d.prog.Instrs
	for i := 0; i < len(instrs); i++ {
		in := instrs[i]
		switch in.Op {
		case gpucore.OpBarrier:
			// Instructions already complete in order.
		case gpucore.OpBeginLines, gpucore.OpBeginPixels:
			end := i + 1
			for end < len(instrs) && instrs[end].Op != gpucore.OpEndLines && instrs[end].Op != gpucore.OpEndPixels {
				end++
			}
			if err := d.loop(pool, in, instrs[i+1:end]); err != nil {
				return err
			}
			i = end
		default:
			return fmt.Errorf("%s outside a loop", in)
		}
	}
	return nil
}

func (d *dispatch) loop(pool *parallel.WorkerPool, begin gpucore.Instr, body []gpucore.Instr) error {
	switch {
	case begin.Op == gpucore.OpBeginLines:
		return d.lines(pool, begin, body)
	case begin.Axis == gpucore.AxisGrid:
		return d.grid(pool, begin, body)
	default:
		return d.pixels(pool, begin, body)
	}
}

// cursor maps line elements to integral indices and pixel coordinates.
type cursor struct {
	axis   gpucore.Axis
	stride int
	line   int
}

func (c cursor) index(e int) int {
	if c.axis == gpucore.AxisHorizontal {
		return c.line*c.stride + e
	}
	return e*c.stride + c.line
}

func (c cursor) xy(e int) (int, int) {
	if c.axis == gpucore.AxisHorizontal {
		return e, c.line
	}
	return c.line, e
}

// extent returns the number of lines and the line length of a sweep over
// component comp.
func (d *dispatch) extent(axis gpucore.Axis, comp int) (lines, length int) {
	w, h := int(d.wp.Width[comp]), int(d.wp.Height[comp])
	if axis == gpucore.AxisHorizontal {
		return h, w
	}
	return w, h
}

// lines runs a sweep. Within one instruction each invocation owns Rows
// consecutive elements of the line.
func (d *dispatch) lines(pool *parallel.WorkerPool, begin gpucore.Instr, body []gpucore.Instr) error {
	wg := int(d.prog.Workgroup[0])
	rows := d.prog.Rows
	stride := int(d.wp.IntStride)
	if stride < wg*rows {
		return fmt.Errorf("integral stride %d below workgroup coverage %d", stride, wg*rows)
	}
	lines, length := d.extent(begin.Axis, begin.Component)
	if length > wg*rows {
		return fmt.Errorf("line length %d exceeds workgroup coverage %d", length, wg*rows)
	}
	if len(d.state) < 4*wg {
		return fmt.Errorf("state slot holds %d lanes, need %d", len(d.state), 4*wg)
	}

	for line := range lines {
		cur := cursor{axis: begin.Axis, stride: stride, line: line}
		for _, in := range body {
			switch in.Op {
			case gpucore.OpBarrier:
			case gpucore.OpDifference:
				pool.Range(length, func(lo, hi int) {
					for e := lo; e < hi; e++ {
						x, y := cur.xy(e)
						d.storeVec(cur.index(e), d.difference(in, begin.Component, x, y))
					}
				})
			case gpucore.OpLocalPrefix:
				pool.Range(wg, func(lo, hi int) {
					for g := lo; g < hi; g++ {
						var acc vec4
						for e := g * rows; e < min((g+1)*rows, length); e++ {
							v := d.loadVec(cur.index(e))
							for l := range acc {
								acc[l] += v[l]
							}
							d.storeVec(cur.index(e), acc)
						}
						for l := range acc {
							storef(d.state, 4*g+l, acc[l])
						}
					}
				})
			case gpucore.OpCarry:
				carries := make([]vec4, wg)
				var run vec4
				for g := range wg {
					carries[g] = run
					for l := range run {
						run[l] += loadf(d.state, 4*g+l)
					}
				}
				pool.Range(wg, func(lo, hi int) {
					for g := lo; g < hi; g++ {
						c := carries[g]
						for e := g * rows; e < min((g+1)*rows, length); e++ {
							v := d.loadVec(cur.index(e))
							for l := range v {
								v[l] += c[l]
							}
							d.storeVec(cur.index(e), v)
						}
					}
				})
			default:
				return fmt.Errorf("%s inside a line loop", in)
			}
		}
	}
	return nil
}

// pixels runs a weights pixel loop; each element runs the whole body.
func (d *dispatch) pixels(pool *parallel.WorkerPool, begin gpucore.Instr, body []gpucore.Instr) error {
	for _, in := range body {
		if in.Op != gpucore.OpPatchWeight && in.Op != gpucore.OpAccumulate {
			return fmt.Errorf("%s inside a weights pixel loop", in)
		}
	}
	lines, length := d.extent(begin.Axis, begin.Component)
	stride := int(d.wp.IntStride)
	pool.Range(lines, func(lo, hi int) {
		for line := lo; line < hi; line++ {
			cur := cursor{axis: begin.Axis, stride: stride, line: line}
			for e := range length {
				x, y := cur.xy(e)
				var wsum, ssum float32
				contrib := false
				for _, in := range body {
					switch in.Op {
					case gpucore.OpPatchWeight:
						wsum, ssum, contrib = d.patchWeight(in, x, y)
					case gpucore.OpAccumulate:
						if contrib {
							d.accumulate(in, x, y, wsum, ssum)
						}
					}
				}
			}
		}
	})
	return nil
}

// load reads channel ch of plane p at (x, y), clamped to the plane.
func (d *dispatch) load(p, ch, x, y, w, h int) float32 {
	x = min(max(x, 0), w-1)
	y = min(max(y, 0), h-1)
	return d.src[p][(y*w+x)*d.prog.Channels[p]+ch]
}

func (d *dispatch) neighbors(in gpucore.Instr, comp, x, y int) vec4 {
	w, h := int(d.wp.Width[comp]), int(d.wp.Height[comp])
	var n vec4
	for l := range n {
		n[l] = d.load(in.Plane, in.Channel, x+int(d.wp.XOffs[l]), y+int(d.wp.YOffs[l]), w, h)
	}
	return n
}

func (d *dispatch) difference(in gpucore.Instr, comp, x, y int) vec4 {
	w, h := int(d.wp.Width[comp]), int(d.wp.Height[comp])
	s1 := d.load(in.Plane, in.Channel, x, y, w, h)
	n := d.neighbors(in, comp, x, y)
	var out vec4
	for l := range n {
		diff := s1 - n[l]
		out[l] = diff * diff
	}
	return out
}

// patchWeight reads the patch differences of all lanes from the integral
// image. Pixels whose patch reaches past the top or left edge contribute
// nothing.
func (d *dispatch) patchWeight(in gpucore.Instr, x, y int) (wsum, ssum float32, contrib bool) {
	c := in.Component
	ps := int(d.wp.PatchSize[c])
	xa, ya := x-ps, y-ps
	if xa < 0 || ya < 0 {
		return 0, 0, false
	}
	xb := min(x+ps, int(d.wp.Width[c])-1)
	yb := min(y+ps, int(d.wp.Height[c])-1)
	stride := int(d.wp.IntStride)
	ta := d.loadVec(ya*stride + xa)
	tb := d.loadVec(yb*stride + xa)
	tc := d.loadVec(ya*stride + xb)
	td := d.loadVec(yb*stride + xb)
	v := d.load(in.Plane, in.Channel, x, y, int(d.wp.Width[c]), int(d.wp.Height[c]))
	n := d.neighbors(in, c, x, y)
	for l := range n {
		wt := float32(math.Exp(float64((td[l] + ta[l] - tb[l] - tc[l]) * d.wp.Strength[c])))
		wsum += wt
		ssum += wt * ((n[l] - v) * 255)
	}
	return wsum, ssum, true
}

func (d *dispatch) accumulate(in gpucore.Instr, x, y int, wsum, ssum float32) {
	c := in.Component
	wi := y*int(d.wp.WSStride[c]) + x
	if in.Atomic {
		addf(d.weights[c], wi, wsum)
		addf(d.sums[c], wi, ssum)
		return
	}
	storef(d.weights[c], wi, loadf(d.weights[c], wi)+wsum)
	storef(d.sums[c], wi, loadf(d.sums[c], wi)+ssum)
}

// grid runs a denoise pixel loop over the dispatched workgroups.
func (d *dispatch) grid(pool *parallel.WorkerPool, begin gpucore.Instr, body []gpucore.Instr) error {
	comp := begin.Component
	w := min(int(d.dp.Width[comp]), int(d.groups[0])*int(d.prog.Workgroup[0]))
	h := min(int(d.dp.Height[comp]), int(d.groups[1])*int(d.prog.Workgroup[1]))
	channels := d.prog.Channels[begin.Plane]
	for _, in := range body {
		switch in.Op {
		case gpucore.OpLoad, gpucore.OpNormalize, gpucore.OpStore:
		default:
			return fmt.Errorf("%s inside a denoise pixel loop", in)
		}
	}
	pool.Range(h, func(lo, hi int) {
		var px [4]float32
		for y := lo; y < hi; y++ {
			for x := range w {
				base := (y*int(d.dp.Width[comp]) + x) * channels
				for _, in := range body {
					switch in.Op {
					case gpucore.OpLoad:
						copy(px[:channels], d.src[in.Plane][base:base+channels])
					case gpucore.OpNormalize:
						c := in.Component
						wi := y*int(d.dp.WSStride[c]) + x
						wt := loadf(d.weights[c], wi)
						sm := loadf(d.sums[c], wi)
						v := px[in.Channel]
						px[in.Channel] = v + sm/((1+wt)*255)
					case gpucore.OpStore:
						copy(d.dst[in.Plane][base:base+channels], px[:channels])
					}
				}
			}
		}
	})
	return nil
}
