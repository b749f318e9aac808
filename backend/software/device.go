// Package software implements the pipeline device on the CPU.
//
// The device executes the kernel instruction programs directly: every
// instruction of a workgroup runs for all invocations before the next one,
// which is a valid ordering of a program whose cross-invocation data flow
// is separated by barriers. Commands between two barriers of a submission
// run concurrently, so offset batches in flight race on the accumulators
// exactly as they do on a GPU.
//
// Importing the package registers it as the "software" backend.
package software

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid"

	"github.com/gogpu/nlmeans/backend"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/logging"
	"github.com/gogpu/nlmeans/internal/parallel"
)

func init() {
	backend.Register(backend.BackendSoftware, func() (gpucore.Device, error) {
		return New(DefaultOptions()), nil
	})
}

// Options configures a software device.
type Options struct {
	// Workers is the number of worker goroutines. Zero uses the logical
	// core count.
	Workers int

	// AtomicFloatAdd and MemoryModel are reported as capabilities.
	AtomicFloatAdd bool
	MemoryModel    bool

	// MaxWorkgroupSize and MaxSharedMemory are reported as limits.
	MaxWorkgroupSize uint32
	MaxSharedMemory  uint32
}

// DefaultOptions returns a device with every capability.
func DefaultOptions() Options {
	return Options{
		AtomicFloatAdd:   true,
		MemoryModel:      true,
		MaxWorkgroupSize: 256,
		MaxSharedMemory:  16 << 10,
	}
}

// Device is a CPU device. Safe for concurrent use.
type Device struct {
	opts Options
	pool *parallel.WorkerPool

	mu      sync.Mutex
	next    gpucore.BufferID
	buffers map[gpucore.BufferID]*buffer
	closed  bool

	inflight sync.WaitGroup
}

// buffer holds float32 bit patterns so accumulators can be updated with
// compare-and-swap.
type buffer struct {
	words []uint32
}

// New creates a software device.
func New(opts Options) *Device {
	workers := opts.Workers
	if workers <= 0 {
		workers = cpuid.CPU.LogicalCores
	}
	d := &Device{
		opts:    opts,
		pool:    parallel.NewWorkerPool(workers),
		buffers: make(map[gpucore.BufferID]*buffer),
	}
	logging.Logger().Info("nlmeans: software device",
		"cpu", cpuid.CPU.BrandName, "workers", d.pool.Workers(), "avx2", cpuid.CPU.AVX2())
	return d
}

// Name returns the device name.
func (d *Device) Name() string {
	return fmt.Sprintf("software (%d workers)", d.pool.Workers())
}

// Capabilities returns the configured capabilities.
func (d *Device) Capabilities() gpucore.Capabilities {
	return gpucore.Capabilities{
		AtomicFloatAdd:   d.opts.AtomicFloatAdd,
		MemoryModel:      d.opts.MemoryModel,
		MaxWorkgroupSize: d.opts.MaxWorkgroupSize,
		MaxSharedMemory:  d.opts.MaxSharedMemory,
	}
}

type kernel struct {
	src *gpucore.KernelSource
}

func (k *kernel) Label() string                 { return k.src.Label }
func (k *kernel) Source() *gpucore.KernelSource { return k.src }

// CompileKernel validates the program of src.
func (d *Device) CompileKernel(src *gpucore.KernelSource) (gpucore.Kernel, error) {
	if src == nil || src.Program == nil {
		return nil, fmt.Errorf("%w: kernel has no program", gpucore.ErrCompile)
	}
	if err := src.Program.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", gpucore.ErrCompile, src.Label, err)
	}
	if src.Program.Kind == gpucore.KernelWeights && src.Program.Workgroup[0] > d.opts.MaxWorkgroupSize && d.opts.MaxWorkgroupSize != 0 {
		return nil, fmt.Errorf("%w: %s: workgroup %d exceeds device limit %d",
			gpucore.ErrCompile, src.Label, src.Program.Workgroup[0], d.opts.MaxWorkgroupSize)
	}
	if _, ok := src.Lookup(gpucore.RoleParams, 0); !ok {
		return nil, fmt.Errorf("%w: %s: no parameter binding", gpucore.ErrCompile, src.Label)
	}
	return &kernel{src: src}, nil
}

// DestroyKernel is a no-op.
func (d *Device) DestroyKernel(gpucore.Kernel) {}

// CreateBuffer allocates a zeroed buffer.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	if desc.Size == 0 || desc.Size%4 != 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: %s: size %d is not a positive multiple of 4",
			gpucore.ErrResourceAllocation, desc.Label, desc.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, fmt.Errorf("%w: device closed", gpucore.ErrResourceAllocation)
	}
	d.next++
	d.buffers[d.next] = &buffer{words: make([]uint32, desc.Size/4)}
	return d.next, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

// ReadBuffer copies the contents of a buffer as float32 values.
func (d *Device) ReadBuffer(id gpucore.BufferID) ([]float32, error) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("software: unknown buffer %d", id)
	}
	out := make([]float32, len(b.words))
	for i := range b.words {
		out[i] = loadf(b.words, i)
	}
	return out, nil
}

// Submit resolves every command's bindings and runs the commands on a
// background goroutine. Output frames are pending until the fence signals.
func (d *Device) Submit(ctx context.Context, ec *gpucore.ExecContext) (gpucore.Fence, error) {
	segments, err := d.prepare(ec)
	if err != nil {
		return nil, err
	}

	f := &fence{done: make(chan struct{})}
	for _, dep := range ec.FrameDeps() {
		if dep.Role == gpucore.FrameOutput {
			dep.Frame.SetPending(f)
		}
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		f.signal(d.run(ctx, ec, segments))
	}()
	return f, nil
}

// Close waits for in-flight submissions and releases all buffers.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()
	d.pool.Close()

	d.mu.Lock()
	d.buffers = nil
	d.mu.Unlock()
	return nil
}

// step is one command with its resolved storage.
type step struct {
	fill     *gpucore.FillCmd
	words    []uint32
	dispatch *dispatch
}

// prepare splits the commands at barriers and resolves buffer ids.
func (d *Device) prepare(ec *gpucore.ExecContext) ([][]step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: device closed", gpucore.ErrSubmission)
	}

	var segments [][]step
	var cur []step
	for i, c := range ec.Commands() {
		switch c := c.(type) {
		case *gpucore.BarrierCmd:
			if len(cur) > 0 {
				segments = append(segments, cur)
				cur = nil
			}
		case *gpucore.FillCmd:
			b, ok := d.buffers[c.Buffer]
			if !ok {
				return nil, fmt.Errorf("%w: %s: command %d fills unknown buffer %d", gpucore.ErrSubmission, ec.Label, i, c.Buffer)
			}
			words, err := view(b, c.Offset, c.Size)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: command %d: %w", gpucore.ErrSubmission, ec.Label, i, err)
			}
			cur = append(cur, step{fill: c, words: words})
		case *gpucore.DispatchCmd:
			dp, err := d.bind(c)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: command %d: %w", gpucore.ErrSubmission, ec.Label, i, err)
			}
			cur = append(cur, step{dispatch: dp})
		}
	}
	if len(cur) > 0 {
		segments = append(segments, cur)
	}
	return segments, nil
}

// run executes the segments in order, the steps of each concurrently.
func (d *Device) run(ctx context.Context, ec *gpucore.ExecContext, segments [][]step) error {
	for _, dep := range ec.FrameDeps() {
		if dep.Role != gpucore.FrameInput {
			continue
		}
		if err := dep.Frame.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: waiting for input: %w", gpucore.ErrSubmission, ec.Label, err)
		}
	}

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s: %w", gpucore.ErrSubmission, ec.Label, err)
		}
		errs := make([]error, len(seg))
		var wg sync.WaitGroup
		for i, s := range seg {
			wg.Add(1)
			go func() {
				defer wg.Done()
				switch {
				case s.fill != nil:
					for j := range s.words {
						s.words[j] = s.fill.Value
					}
				case s.dispatch != nil:
					errs[i] = s.dispatch.run(d.pool)
				}
			}()
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return fmt.Errorf("%w: %s: %w", gpucore.ErrSubmission, ec.Label, err)
			}
		}
	}
	logging.Logger().Debug("nlmeans: software submission complete", "label", ec.Label, "segments", len(segments))
	return nil
}

// view returns the words of b covered by a byte range; size 0 means the
// rest of the buffer.
func view(b *buffer, offset, size uint64) ([]uint32, error) {
	n := uint64(len(b.words)) * 4
	if size == 0 {
		size = n - min(offset, n)
	}
	if offset%4 != 0 || size%4 != 0 || offset+size > n {
		return nil, fmt.Errorf("range [%d, %d) outside buffer of %d bytes", offset, offset+size, n)
	}
	return b.words[offset/4 : (offset+size)/4], nil
}

// fence is signalled once by the submission goroutine.
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

// Wait blocks until the submission finished.
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
