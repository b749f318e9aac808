package nlmeans

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/engine"
	"github.com/gogpu/nlmeans/internal/kernel"
	"github.com/gogpu/nlmeans/internal/logging"
	"github.com/gogpu/nlmeans/internal/params"
	"github.com/gogpu/nlmeans/internal/pool"
)

// State is the lifecycle state of a Filter.
type State int

// Filter states.
const (
	// StateUninitialized is a filter that has not seen a frame yet.
	StateUninitialized State = iota
	// StateInitialized is a filter ready to process frames.
	StateInitialized
	// StateFailed is a filter whose initialization failed. Every frame
	// returns ErrFilterFailed.
	StateFailed
	// StateClosed is a filter released by Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config is the resolved configuration of an initialized filter.
type Config struct {
	Device string

	Width  int
	Height int
	Format string

	Radius    int
	PatchSize []int
	// Strength is the weighting coefficient per component.
	Strength []float32

	Offsets     int
	Dispatches  int
	Parallelism int
	Atomic      bool
	// Degraded reports parallelism forced to 1 by the device.
	Degraded bool
	// Corrections lists even window sizes raised to odd.
	Corrections []string

	WorkgroupSize int
	Rows          int
	Stride        int
}

// Filter denoises frames of one size and format on one device.
//
// Process calls are serialized. The device is borrowed: Close does not
// close it.
type Filter struct {
	dev  gpucore.Device
	opts Options
	fo   filterOptions

	mu      sync.Mutex
	state   State
	initErr error

	width  int
	height int
	format *frame.PixelFormat

	cfg    *params.Resolved
	layout *kernel.Layout
	pool   *pool.Pool
	engine *engine.Engine
}

// New returns an uninitialized filter. Options are validated here; the
// device is queried and kernels are compiled on the first frame.
func New(dev gpucore.Device, opts Options, options ...Option) (*Filter, error) {
	if dev == nil {
		return nil, errors.New("nlmeans: nil device")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	fo := defaultFilterOptions()
	for _, o := range options {
		o(&fo)
	}
	return &Filter{dev: dev, opts: opts, fo: fo}, nil
}

// State returns the lifecycle state.
func (f *Filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Process denoises in and returns a new frame of the same geometry with
// in's metadata. Process takes ownership of in and releases it to the
// frame provider, whether or not the frame succeeds.
//
// The first frame initializes the filter. On failure the error wraps both
// ErrFilterFailed and the cause, and the filter stays failed. Later errors
// drop only the current frame.
func (f *Filter) Process(ctx context.Context, in *frame.Frame) (*frame.Frame, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	defer f.fo.provider.Release(in)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateClosed:
		return nil, ErrClosed
	case StateFailed:
		return nil, fmt.Errorf("%w: %w", ErrFilterFailed, f.initErr)
	case StateUninitialized:
		if err := f.init(in); err != nil {
			f.state = StateFailed
			f.initErr = err
			return nil, fmt.Errorf("%w: %w", ErrFilterFailed, err)
		}
		f.state = StateInitialized
	}

	if in.Width != f.width || in.Height != f.height || in.Format != f.format {
		return nil, fmt.Errorf("%w: %dx%d %s, filter configured for %dx%d %s", ErrFrameMismatch,
			in.Width, in.Height, in.Format, f.width, f.height, f.format)
	}

	out, err := f.fo.provider.Allocate(in.Width, in.Height, in.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: output frame: %w", ErrResourceAllocation, err)
	}
	if err := f.run(ctx, in, out); err != nil {
		f.fo.provider.Release(out)
		logging.Logger().Debug("nlmeans: frame dropped", "error", err)
		return nil, err
	}
	f.fo.provider.CopyProps(out, in)
	return out, nil
}

// run submits one frame and waits for it.
func (f *Filter) run(ctx context.Context, in, out *frame.Frame) error {
	fence, err := f.engine.Run(ctx, in, out)
	if err != nil {
		return err
	}
	if err := fence.Wait(ctx); err != nil {
		if !errors.Is(err, ErrSubmission) {
			err = fmt.Errorf("%w: %w", ErrSubmission, err)
		}
		return err
	}
	return nil
}

// init resolves the options against the device and builds the pipeline
// for the geometry of the first frame.
func (f *Filter) init(in *frame.Frame) error {
	caps := f.dev.Capabilities()
	cfg, err := params.Resolve(f.paramsInput(len(in.Format.Components)), caps)
	if err != nil {
		return err
	}
	layout, err := kernel.NewLayout(in.Width, in.Height, in.Format, caps)
	if err != nil {
		return err
	}
	p := pool.New(f.dev, pool.Config{Budget: f.fo.budget})
	e, err := engine.New(f.dev, cfg, layout, p)
	if err != nil {
		p.Close()
		return err
	}

	f.width, f.height, f.format = in.Width, in.Height, in.Format
	f.cfg, f.layout, f.pool, f.engine = cfg, layout, p, e

	logging.Logger().Info("nlmeans: filter initialized",
		"device", f.dev.Name(),
		"size", fmt.Sprintf("%dx%d", in.Width, in.Height),
		"format", in.Format,
		"offsets", len(cfg.Offsets),
		"dispatches", cfg.Batches(),
		"parallelism", cfg.Parallelism,
		"atomic", cfg.Atomic,
		"workgroup", layout.WorkgroupSize,
		"rows", layout.Rows)
	return nil
}

func (f *Filter) paramsInput(components int) params.Input {
	return params.Input{
		Radius:            f.opts.Radius,
		Patch:             f.opts.Patch,
		Strength:          f.opts.Strength,
		Parallelism:       f.opts.Parallelism,
		ComponentStrength: f.opts.ComponentStrength,
		ComponentPatch:    f.opts.ComponentPatch,
		Components:        components,
	}
}

// Config returns the resolved configuration. ok is false until the first
// frame initialized the filter.
func (f *Filter) Config() (cfg Config, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg == nil {
		return Config{}, false
	}
	r, l := f.cfg, f.layout
	cfg = Config{
		Device:        f.dev.Name(),
		Width:         f.width,
		Height:        f.height,
		Format:        f.format.Name,
		Radius:        r.Radius,
		PatchSize:     append([]int(nil), r.PatchSize[:r.Components]...),
		Strength:      append([]float32(nil), r.Strength[:r.Components]...),
		Offsets:       len(r.Offsets),
		Dispatches:    r.Batches(),
		Parallelism:   r.Parallelism,
		Atomic:        r.Atomic,
		Degraded:      r.Degraded,
		WorkgroupSize: l.WorkgroupSize,
		Rows:          l.Rows,
		Stride:        l.Stride,
	}
	for _, c := range r.Corrections {
		cfg.Corrections = append(cfg.Corrections, c.String())
	}
	return cfg, true
}

// PoolStats reports the scratch buffer pool. ok is false before
// initialization.
func (f *Filter) PoolStats() (stats pool.Stats, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pool == nil {
		return pool.Stats{}, false
	}
	return f.pool.Stats(), true
}

// Close releases the kernels and pooled buffers. It is safe to call more
// than once.
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateClosed {
		return nil
	}
	f.state = StateClosed
	if f.engine != nil {
		f.engine.Close()
	}
	if f.pool != nil {
		f.pool.Close()
	}
	return nil
}
