//go:build !nogpu

package native

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/logging"
)

// frameBuffers holds the device copies of one frame's planes.
type frameBuffers struct {
	planes  []hal.Buffer
	sizes   []uint64
	staging []hal.Buffer
}

// submission tracks the per-submit resources released once the fence
// signalled.
type submission struct {
	d          *Device
	label      string
	frames     map[*frame.Frame]*frameBuffers
	outputs    []*frame.Frame
	params     hal.Buffer
	temp       []hal.Buffer
	bindGroups []hal.BindGroup
	cmdBuf     hal.CommandBuffer
	fence      hal.Fence
}

func (s *submission) cleanup() {
	dev := s.d.device
	if s.fence != nil {
		dev.DestroyFence(s.fence)
	}
	if s.cmdBuf != nil {
		dev.FreeCommandBuffer(s.cmdBuf)
	}
	for _, g := range s.bindGroups {
		dev.DestroyBindGroup(g)
	}
	for _, b := range s.temp {
		dev.DestroyBuffer(b)
	}
}

func (s *submission) createBuffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	const minBufSize = 4
	buf, err := s.d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  max(size, minBufSize),
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", gpucore.ErrResourceAllocation, label, err)
	}
	s.temp = append(s.temp, buf)
	return buf, nil
}

// Submit encodes ec into one command buffer and submits it. Input frames
// are waited for and uploaded first; output frames are pending until the
// returned fence is waited on.
func (d *Device) Submit(ctx context.Context, ec *gpucore.ExecContext) (gpucore.Fence, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: %w", gpucore.ErrSubmission, errClosed)
	}

	for _, dep := range ec.FrameDeps() {
		if dep.Role != gpucore.FrameInput {
			continue
		}
		if err := dep.Frame.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: waiting for input: %w", gpucore.ErrSubmission, ec.Label, err)
		}
	}

	s := &submission{d: d, label: ec.Label, frames: make(map[*frame.Frame]*frameBuffers)}
	if err := s.prepare(ec); err != nil {
		s.cleanup()
		return nil, err
	}
	if err := s.encode(ec); err != nil {
		s.cleanup()
		return nil, err
	}

	fence, err := d.device.CreateFence()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("%w: create fence: %w", gpucore.ErrSubmission, err)
	}
	s.fence = fence

	d.submitMu.Lock()
	err = d.queue.Submit([]hal.CommandBuffer{s.cmdBuf}, fence, 1)
	d.submitMu.Unlock()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("%w: %s: submit: %w", gpucore.ErrSubmission, ec.Label, err)
	}

	f := &fence{done: make(chan struct{})}
	for _, out := range s.outputs {
		out.SetPending(f)
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer s.cleanup()
		f.signal(s.complete())
	}()
	return f, nil
}

// prepare uploads frames, parameter blocks and fills.
func (s *submission) prepare(ec *gpucore.ExecContext) error {
	var params []byte
	dispatched := false
	for i, c := range ec.Commands() {
		switch c := c.(type) {
		case *gpucore.DispatchCmd:
			dispatched = true
			if c.Source != nil {
				if err := s.upload(c.Source); err != nil {
					return err
				}
			}
			if c.Destination != nil {
				if err := s.allocOutput(c.Destination); err != nil {
					return err
				}
			}
			block := make([]byte, alignUp(uint64(len(c.Params)), paramsAlign))
			copy(block, c.Params)
			params = append(params, block...)
		case *gpucore.FillCmd:
			// Fills run through the queue before the command buffer.
			if dispatched {
				return fmt.Errorf("%w: %s: command %d: fill after a dispatch", gpucore.ErrSubmission, ec.Label, i)
			}
			if err := s.fill(c); err != nil {
				return fmt.Errorf("%w: %s: command %d: %w", gpucore.ErrSubmission, ec.Label, i, err)
			}
		}
	}
	if len(params) == 0 {
		return nil
	}
	buf, err := s.createBuffer(s.label+"_params", uint64(len(params)),
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	s.d.queue.WriteBuffer(buf, 0, params)
	s.params = buf
	return nil
}

func (s *submission) upload(f *frame.Frame) error {
	if _, ok := s.frames[f]; ok {
		return nil
	}
	fb := &frameBuffers{}
	for p, plane := range f.Planes {
		size := uint64(len(plane)) * 4
		buf, err := s.createBuffer(fmt.Sprintf("%s_src%d", s.label, p), size,
			gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		s.d.queue.WriteBuffer(buf, 0, floatBytes(plane))
		fb.planes = append(fb.planes, buf)
		fb.sizes = append(fb.sizes, size)
	}
	s.frames[f] = fb
	return nil
}

func (s *submission) allocOutput(f *frame.Frame) error {
	if _, ok := s.frames[f]; ok {
		return nil
	}
	fb := &frameBuffers{}
	for p, plane := range f.Planes {
		size := uint64(len(plane)) * 4
		buf, err := s.createBuffer(fmt.Sprintf("%s_dst%d", s.label, p), size,
			gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc)
		if err != nil {
			return err
		}
		staging, err := s.createBuffer(fmt.Sprintf("%s_staging%d", s.label, p), size,
			gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		fb.planes = append(fb.planes, buf)
		fb.sizes = append(fb.sizes, size)
		fb.staging = append(fb.staging, staging)
	}
	s.frames[f] = fb
	s.outputs = append(s.outputs, f)
	return nil
}

func (s *submission) fill(c *gpucore.FillCmd) error {
	b, err := s.d.lookup(c.Buffer)
	if err != nil {
		return err
	}
	size := c.Size
	if size == 0 {
		size = b.size - min(c.Offset, b.size)
	}
	if c.Offset+size > b.size || size%4 != 0 {
		return fmt.Errorf("fill [%d, %d) outside buffer of %d bytes", c.Offset, c.Offset+size, b.size)
	}
	data := make([]byte, size)
	if c.Value != 0 {
		for i := 0; i < len(data); i += 4 {
			binary.LittleEndian.PutUint32(data[i:], c.Value)
		}
	}
	s.d.queue.WriteBuffer(b.buf, c.Offset, data)
	return nil
}

// encode records one compute pass per barrier-separated segment, then the
// output readback copies. Barriers become buffer usage transitions between
// passes.
func (s *submission) encode(ec *gpucore.ExecContext) error {
	encoder, err := s.d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: s.label})
	if err != nil {
		return fmt.Errorf("%w: create command encoder: %w", gpucore.ErrSubmission, err)
	}
	if err := encoder.BeginEncoding(s.label); err != nil {
		return fmt.Errorf("%w: begin encoding: %w", gpucore.ErrSubmission, err)
	}

	var pass hal.ComputePassEncoder
	passes, n := 0, 0
	for i, c := range ec.Commands() {
		switch c := c.(type) {
		case *gpucore.BarrierCmd:
			if pass != nil {
				pass.End()
				pass = nil
			}
			barriers, err := s.transitions(c)
			if err != nil {
				encoder.DiscardEncoding()
				return fmt.Errorf("%w: %s: command %d: %w", gpucore.ErrSubmission, ec.Label, i, err)
			}
			if len(barriers) > 0 {
				encoder.TransitionBuffers(barriers)
			}
		case *gpucore.DispatchCmd:
			k, ok := c.Kernel.(*kernel)
			if !ok || k.pipeline == nil {
				encoder.DiscardEncoding()
				return fmt.Errorf("%w: %s: command %d: kernel not compiled by this device", gpucore.ErrSubmission, ec.Label, i)
			}
			bg, err := s.bindGroup(k, c, n)
			if err != nil {
				encoder.DiscardEncoding()
				return fmt.Errorf("%w: %s: command %d: %w", gpucore.ErrSubmission, ec.Label, i, err)
			}
			if pass == nil {
				pass = encoder.BeginComputePass(&hal.ComputePassDescriptor{
					Label: fmt.Sprintf("%s_pass%d", s.label, passes),
				})
				passes++
			}
			pass.SetPipeline(k.pipeline)
			pass.SetBindGroup(0, bg, nil)
			pass.Dispatch(c.Groups[0], c.Groups[1], c.Groups[2])
			n++
		}
	}
	if pass != nil {
		pass.End()
	}

	var readback []hal.BufferBarrier
	for _, out := range s.outputs {
		for _, buf := range s.frames[out].planes {
			readback = append(readback, hal.BufferBarrier{
				Buffer: buf,
				Usage: hal.BufferUsageTransition{
					OldUsage: gputypes.BufferUsageStorage,
					NewUsage: gputypes.BufferUsageCopySrc,
				},
			})
		}
	}
	if len(readback) > 0 {
		encoder.TransitionBuffers(readback)
	}
	for _, out := range s.outputs {
		fb := s.frames[out]
		for p := range fb.planes {
			encoder.CopyBufferToBuffer(fb.planes[p], fb.staging[p], []hal.BufferCopy{
				{SrcOffset: 0, DstOffset: 0, Size: fb.sizes[p]},
			})
		}
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("%w: end encoding: %w", gpucore.ErrSubmission, err)
	}
	s.cmdBuf = cmdBuf
	logging.Logger().Debug("nlmeans: native submission encoded",
		"label", s.label, "dispatches", n, "passes", passes)
	return nil
}

// transitions converts the buffers of a barrier to HAL usage transitions.
func (s *submission) transitions(c *gpucore.BarrierCmd) ([]hal.BufferBarrier, error) {
	barriers := make([]hal.BufferBarrier, 0, len(c.Buffers))
	for _, b := range c.Buffers {
		hb, err := s.d.lookup(b.Buffer)
		if err != nil {
			return nil, err
		}
		barriers = append(barriers, hal.BufferBarrier{
			Buffer: hb.buf,
			Usage: hal.BufferUsageTransition{
				OldUsage: usageOf(b.SrcStage, b.SrcAccess),
				NewUsage: usageOf(b.DstStage, b.DstAccess),
			},
		})
	}
	return barriers, nil
}

// usageOf maps a stage and access pair to the buffer usage it implies.
// StageNone and AccessNone map to no usage.
func usageOf(stage gpucore.Stage, access gpucore.Access) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	reads, writes := access&gpucore.AccessRead != 0, access.Writes()
	switch stage {
	case gpucore.StageTransfer:
		if reads {
			u |= gputypes.BufferUsageCopySrc
		}
		if writes {
			u |= gputypes.BufferUsageCopyDst
		}
	case gpucore.StageCompute:
		if reads || writes {
			u = gputypes.BufferUsageStorage
		}
	case gpucore.StageHost:
		if reads {
			u |= gputypes.BufferUsageMapRead
		}
		if writes {
			u |= gputypes.BufferUsageMapWrite
		}
	}
	return u
}

func (s *submission) bindGroup(k *kernel, c *gpucore.DispatchCmd, n int) (hal.BindGroup, error) {
	entries := make([]gputypes.BindGroupEntry, 0, len(k.src.Bindings))
	for _, b := range k.src.Bindings {
		var (
			buf          hal.Buffer
			offset, size uint64
		)
		switch b.Role {
		case gpucore.RoleParams:
			buf, offset, size = s.params, uint64(n)*paramsAlign, uint64(k.src.ParamsSize)
		case gpucore.RoleSource, gpucore.RoleDestination:
			f := c.Source
			if b.Role == gpucore.RoleDestination {
				f = c.Destination
			}
			fb, ok := s.frames[f]
			if f == nil || !ok || b.Index >= len(fb.planes) {
				return nil, fmt.Errorf("%s plane %d not bound", b.Role, b.Index)
			}
			buf, size = fb.planes[b.Index], max(fb.sizes[b.Index], 4)
		default:
			bb, ok := slotBinding(c, b.Slot)
			if !ok {
				return nil, fmt.Errorf("%s slot %d not bound", b.Role, b.Slot)
			}
			hb, err := s.d.lookup(bb.Buffer)
			if err != nil {
				return nil, err
			}
			buf, offset, size = hb.buf, bb.Offset, bb.Size
			if size == 0 {
				size = hb.size - min(offset, hb.size)
			}
			if offset+size > hb.size {
				return nil, fmt.Errorf("%s slot %d range [%d, %d) outside buffer of %d bytes",
					b.Role, b.Slot, offset, offset+size, hb.size)
			}
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  b.Slot,
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: offset, Size: size},
		})
	}

	bg, err := s.d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   fmt.Sprintf("%s_bg%d", k.src.Label, n),
		Layout:  k.bgLayout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group: %w", err)
	}
	s.bindGroups = append(s.bindGroups, bg)
	return bg, nil
}

func slotBinding(c *gpucore.DispatchCmd, slot uint32) (gpucore.BufferBinding, bool) {
	for _, bb := range c.Buffers {
		if bb.Slot == slot {
			return bb, true
		}
	}
	return gpucore.BufferBinding{}, false
}

func (d *Device) lookup(id gpucore.BufferID) (*halBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("unknown buffer %d", id)
	}
	return b, nil
}

// complete waits for the GPU and reads the output planes back.
func (s *submission) complete() error {
	ok, err := s.d.device.Wait(s.fence, 1, s.d.cfg.FenceTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: wait for GPU: %w", gpucore.ErrSubmission, s.label, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s: %w: timeout after %v", gpucore.ErrSubmission, s.label, ErrDeviceLost, s.d.cfg.FenceTimeout)
	}
	for _, out := range s.outputs {
		fb := s.frames[out]
		for p, plane := range out.Planes {
			readback := make([]byte, fb.sizes[p])
			if err := s.d.queue.ReadBuffer(fb.staging[p], 0, readback); err != nil {
				return fmt.Errorf("%w: %s: readback plane %d: %w", gpucore.ErrSubmission, s.label, p, err)
			}
			for i := range plane {
				plane[i] = math.Float32frombits(binary.LittleEndian.Uint32(readback[i*4:]))
			}
		}
	}
	return nil
}

func floatBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) / a * a }

// fence signals once the GPU finished and outputs were read back.
type fence struct {
	done chan struct{}
	err  error
	set  atomic.Bool
}

func (f *fence) signal(err error) {
	f.err = err
	f.set.Store(true)
	close(f.done)
}

// Wait blocks until the submission completed.
func (f *fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", gpucore.ErrSubmission, ctx.Err())
	}
}

// Done reports completion without blocking.
func (f *fence) Done() bool { return f.set.Load() }
