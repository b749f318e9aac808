// Package engine records and submits the per-frame command sequence of the
// denoise pipeline.
//
// One frame is a single submission: the weight/sum buffer is zeroed, the
// weights kernel runs once per batch of [gpucore.Lanes] offsets spread over
// the parallelism slots, and the denoise kernel runs once after a barrier
// that makes every accumulation visible.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/barrier"
	"github.com/gogpu/nlmeans/internal/kernel"
	"github.com/gogpu/nlmeans/internal/logging"
	"github.com/gogpu/nlmeans/internal/params"
	"github.com/gogpu/nlmeans/internal/pool"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("engine: closed")

// Engine owns the compiled kernels of one filter instance.
type Engine struct {
	dev    gpucore.Device
	cfg    *params.Resolved
	layout *kernel.Layout
	pool   *pool.Pool

	// weights is nil when the offset set is empty.
	weights gpucore.Kernel
	denoise gpucore.Kernel

	seq atomic.Uint64

	// mu is held shared by Run and exclusively by Close.
	mu     sync.RWMutex
	closed bool
}

// New builds and compiles both kernels. Compile failures wrap
// gpucore.ErrCompile.
func New(dev gpucore.Device, cfg *params.Resolved, layout *kernel.Layout, p *pool.Pool) (*Engine, error) {
	if len(layout.Components) != cfg.Components {
		return nil, fmt.Errorf("engine: layout has %d components, configuration %d",
			len(layout.Components), cfg.Components)
	}
	e := &Engine{dev: dev, cfg: cfg, layout: layout, pool: p}
	kc := kernel.Config{Layout: layout, Atomic: cfg.Atomic}

	var err error
	if len(cfg.Offsets) > 0 {
		if e.weights, err = dev.CompileKernel(kernel.BuildWeights(kc)); err != nil {
			return nil, err
		}
	}
	if e.denoise, err = dev.CompileKernel(kernel.BuildDenoise(kc)); err != nil {
		e.destroyKernels()
		return nil, err
	}
	return e, nil
}

// frameBuffers are the pooled buffers of one frame.
type frameBuffers struct {
	ws       *pool.Buffer
	integral []*pool.Buffer
	state    []*pool.Buffer
}

func (fb *frameBuffers) all() []*pool.Buffer {
	out := make([]*pool.Buffer, 0, 1+len(fb.integral)+len(fb.state))
	if fb.ws != nil {
		out = append(out, fb.ws)
	}
	out = append(out, fb.integral...)
	return append(out, fb.state...)
}

// Run records and submits one frame. out is pending until the returned
// fence signals. Errors wrap gpucore.ErrResourceAllocation or
// gpucore.ErrSubmission.
func (e *Engine) Run(ctx context.Context, in, out *frame.Frame) (gpucore.Fence, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	fb, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}

	ec := gpucore.NewExecContext(fmt.Sprintf("nlmeans_frame%d", e.seq.Add(1)))
	ec.AddFrameDep(in, gpucore.FrameInput, gpucore.StageCompute, gpucore.StageNone)
	ec.AddFrameDep(out, gpucore.FrameOutput, gpucore.StageNone, gpucore.StageCompute)
	e.record(ec, in, out, fb)

	barriers, fills, dispatches := ec.Count()
	logging.Logger().Debug("nlmeans: frame recorded", "label", ec.Label,
		"dispatches", dispatches, "barriers", barriers, "fills", fills)

	fence, err := e.dev.Submit(ctx, ec)
	if err != nil {
		e.release(fb, nil)
		if !errors.Is(err, gpucore.ErrSubmission) {
			err = fmt.Errorf("%w: %w", gpucore.ErrSubmission, err)
		}
		return nil, err
	}
	e.release(fb, fence)
	return fence, nil
}

func (e *Engine) acquire(ctx context.Context) (*frameBuffers, error) {
	l := e.layout
	fb := &frameBuffers{}
	fail := func(err error) (*frameBuffers, error) {
		e.release(fb, nil)
		if errors.Is(err, pool.ErrClosed) {
			return nil, ErrClosed
		}
		if !errors.Is(err, gpucore.ErrResourceAllocation) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", gpucore.ErrResourceAllocation, err)
		}
		return nil, err
	}

	var err error
	if fb.ws, err = e.pool.Acquire(ctx, pool.KindWeightSum, l.WSBufferSize()); err != nil {
		return fail(err)
	}
	if e.weights == nil {
		return fb, nil
	}
	for range e.cfg.Parallelism {
		ib, err := e.pool.Acquire(ctx, pool.KindIntegral, l.IntegralSlot)
		if err != nil {
			return fail(err)
		}
		fb.integral = append(fb.integral, ib)
		sb, err := e.pool.Acquire(ctx, pool.KindState, l.StateSlot)
		if err != nil {
			return fail(err)
		}
		fb.state = append(fb.state, sb)
	}
	return fb, nil
}

func (e *Engine) release(fb *frameBuffers, fence gpucore.Fence) {
	for _, b := range fb.all() {
		e.pool.Release(b, fence)
	}
}

// record appends the command sequence of one frame to ec.
func (e *Engine) record(ec *gpucore.ExecContext, in, out *frame.Frame, fb *frameBuffers) {
	l := e.layout
	ws := fb.ws
	t := len(fb.integral)

	// Zero the accumulators; every slot starts in the compute stage.
	first := []barrier.Request{{Buffer: ws.ID, State: &ws.State, Stage: gpucore.StageTransfer, Access: gpucore.AccessWrite}}
	first = append(first, e.slotRequests(fb, false)...)
	barrier.Transition(ec, first...)
	ec.Fill(ws.ID, 0, l.WSBufferSize(), 0)

	offs := e.cfg.Offsets
	for b := 0; b*gpucore.Lanes < len(offs); b++ {
		slot := b % t
		if slot == 0 {
			// Plain accumulation serializes every dispatch on ws.
			reqs := []barrier.Request{{Buffer: ws.ID, State: &ws.State, Stage: gpucore.StageCompute,
				Access: gpucore.AccessReadWrite, Reuse: !e.cfg.Atomic}}
			reqs = append(reqs, e.slotRequests(fb, b > 0)...)
			barrier.Transition(ec, reqs...)
		}
		batch := offs[b*gpucore.Lanes : min((b+1)*gpucore.Lanes, len(offs))]
		wp := e.weightsParams(batch)
		ec.Dispatch(&gpucore.DispatchCmd{
			Kernel:  e.weights,
			Groups:  l.WeightsGroups(),
			Params:  wp.Bytes(),
			Buffers: e.bindings(e.weights.Source(), fb, slot),
			Source:  in,
		})
	}

	barrier.Transition(ec, barrier.Request{Buffer: ws.ID, State: &ws.State,
		Stage: gpucore.StageCompute, Access: gpucore.AccessRead})
	dp := e.denoiseParams()
	ec.Dispatch(&gpucore.DispatchCmd{
		Kernel:      e.denoise,
		Groups:      l.DenoiseGroups(),
		Params:      dp.Bytes(),
		Buffers:     e.bindings(e.denoise.Source(), fb, 0),
		Source:      in,
		Destination: out,
	})
}

// slotRequests moves every integral and state slot to compute read-write.
// With reuse set the slots are about to be overwritten.
func (e *Engine) slotRequests(fb *frameBuffers, reuse bool) []barrier.Request {
	var reqs []barrier.Request
	for i := range fb.integral {
		for _, b := range []*pool.Buffer{fb.integral[i], fb.state[i]} {
			reqs = append(reqs, barrier.Request{Buffer: b.ID, State: &b.State,
				Stage: gpucore.StageCompute, Access: gpucore.AccessReadWrite, Reuse: reuse})
		}
	}
	return reqs
}

// bindings binds the pooled buffers to the scratch slots of src. Frame
// planes and parameters are bound by the device.
func (e *Engine) bindings(src *gpucore.KernelSource, fb *frameBuffers, slot int) []gpucore.BufferBinding {
	l := e.layout
	var out []gpucore.BufferBinding
	for _, b := range src.Bindings {
		switch b.Role {
		case gpucore.RoleIntegral:
			out = append(out, gpucore.BufferBinding{Slot: b.Slot, Buffer: fb.integral[slot].ID, Size: l.IntegralSlot})
		case gpucore.RoleState:
			out = append(out, gpucore.BufferBinding{Slot: b.Slot, Buffer: fb.state[slot].ID, Size: l.StateSlot})
		case gpucore.RoleWeights:
			c := l.Components[b.Index]
			out = append(out, gpucore.BufferBinding{Slot: b.Slot, Buffer: fb.ws.ID, Offset: c.WSOffset, Size: c.WSSize})
		case gpucore.RoleSums:
			c := l.Components[b.Index]
			out = append(out, gpucore.BufferBinding{Slot: b.Slot, Buffer: fb.ws.ID, Offset: l.WSTotal + c.WSOffset, Size: c.WSSize})
		}
	}
	return out
}

func (e *Engine) weightsParams(batch []params.Offset) gpucore.WeightsParams {
	wp := gpucore.WeightsParams{IntStride: uint32(e.layout.Stride)}
	for i, o := range batch {
		wp.XOffs[i], wp.YOffs[i] = int32(o.DX), int32(o.DY)
	}
	for i, c := range e.layout.Components {
		wp.Width[i] = uint32(c.Width)
		wp.Height[i] = uint32(c.Height)
		wp.WSStride[i] = uint32(c.WSStride)
		wp.PatchSize[i] = int32(e.cfg.PatchHalf(i))
		wp.Strength[i] = e.cfg.Strength[i]
	}
	return wp
}

func (e *Engine) denoiseParams() gpucore.DenoiseParams {
	var dp gpucore.DenoiseParams
	for i, c := range e.layout.Components {
		dp.Width[i] = uint32(c.Width)
		dp.Height[i] = uint32(c.Height)
		dp.WSStride[i] = uint32(c.WSStride)
	}
	return dp
}

// Close destroys the kernels once no Run is recording. Submitted frames
// keep running; their buffers return to the pool, which the owner closes.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.destroyKernels()
}

func (e *Engine) destroyKernels() {
	if e.weights != nil {
		e.dev.DestroyKernel(e.weights)
		e.weights = nil
	}
	if e.denoise != nil {
		e.dev.DestroyKernel(e.denoise)
		e.denoise = nil
	}
}
