//go:build !nogpu

// Package native runs the denoise pipeline on a GPU through gogpu/wgpu.
//
// Kernels are lowered to WGSL, compiled to SPIR-V with naga and executed as
// compute pipelines. A submission uploads the frame planes, records one
// compute pass per barrier-separated segment, and reads the output planes
// back when its fence is waited on.
//
// Importing the package registers it as the "native" backend.
package native

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan HAL backend

	"github.com/gogpu/nlmeans/backend"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/logging"
)

func init() {
	backend.Register(backend.BackendNative, func() (gpucore.Device, error) {
		return Open(Config{})
	})
}

// DefaultFenceTimeout bounds the wait for one submission.
const DefaultFenceTimeout = 5 * time.Second

// paramsAlign is the uniform buffer offset alignment.
const paramsAlign = 256

// Config configures a native device.
type Config struct {
	// FenceTimeout bounds the wait for one submission. Zero selects
	// DefaultFenceTimeout.
	FenceTimeout time.Duration

	// DisableAtomics reports no atomic float add, forcing one offset batch
	// in flight.
	DisableAtomics bool

	// Limits overrides the device limits. Nil uses gputypes.DefaultLimits.
	Limits *gputypes.Limits
}

// Device is a GPU device. Safe for concurrent use.
type Device struct {
	cfg    Config
	name   string
	limits gputypes.Limits

	device hal.Device
	queue  hal.Queue

	// instance is set when the device was opened by Open.
	instance hal.Instance
	owned    bool

	mu      sync.Mutex
	buffers map[gpucore.BufferID]*halBuffer
	nextID  atomic.Uint64
	closed  bool

	// submitMu serializes queue access.
	submitMu sync.Mutex
	inflight sync.WaitGroup
}

type halBuffer struct {
	buf  hal.Buffer
	size uint64
}

// Open opens a standalone Vulkan device.
func Open(cfg Config) (*Device, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoGPU)
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", ErrNoGPU, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	limits := gputypes.DefaultLimits()
	if cfg.Limits != nil {
		limits = *cfg.Limits
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device: %w", ErrNoGPU, err)
	}

	cfg.Limits = &limits
	d := newDevice(openDev.Device, openDev.Queue, selected.Info.Name, cfg)
	d.instance = instance
	d.owned = true
	logging.Logger().Info("nlmeans: GPU initialized (standalone)", "adapter", selected.Info.Name)
	return d, nil
}

// NewFromHAL wraps an existing HAL device and queue. The device is not
// destroyed by Close.
func NewFromHAL(device hal.Device, queue hal.Queue, cfg Config) (*Device, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("%w: device and queue are required", ErrNotHAL)
	}
	return newDevice(device, queue, "hal", cfg), nil
}

// NewFromProvider shares the device of a host application. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, cfg Config) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHAL)
	}
	d := newDevice(device, queue, "shared", cfg)
	logging.Logger().Info("nlmeans: GPU initialized (shared device)")
	return d, nil
}

func newDevice(device hal.Device, queue hal.Queue, name string, cfg Config) *Device {
	if cfg.FenceTimeout <= 0 {
		cfg.FenceTimeout = DefaultFenceTimeout
	}
	limits := gputypes.DefaultLimits()
	if cfg.Limits != nil {
		limits = *cfg.Limits
	}
	d := &Device{
		cfg:     cfg,
		name:    name,
		limits:  limits,
		device:  device,
		queue:   queue,
		buffers: make(map[gpucore.BufferID]*halBuffer),
	}
	d.nextID.Store(1)
	return d
}

// Name returns the adapter name.
func (d *Device) Name() string { return "native (" + d.name + ")" }

// Capabilities derives the pipeline capabilities from the device limits.
// Atomic float add is built from 32-bit compare-and-swap, which every
// compute device has.
func (d *Device) Capabilities() gpucore.Capabilities {
	return gpucore.Capabilities{
		AtomicFloatAdd:   !d.cfg.DisableAtomics,
		MemoryModel:      true,
		MaxWorkgroupSize: min(d.limits.MaxComputeInvocationsPerWorkgroup, d.limits.MaxComputeWorkgroupSizeX),
		MaxSharedMemory:  d.limits.MaxComputeWorkgroupStorageSize,
	}
}

// CreateBuffer allocates a zeroed storage buffer.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return gpucore.InvalidID, fmt.Errorf("%w: device closed", gpucore.ErrResourceAllocation)
	}

	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: convertBufferUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("%w: %s: %w", gpucore.ErrResourceAllocation, desc.Label, err)
	}
	d.queue.WriteBuffer(buf, 0, make([]byte, desc.Size))

	id := gpucore.BufferID(d.nextID.Add(1) - 1)
	d.mu.Lock()
	d.buffers[id] = &halBuffer{buf: buf, size: desc.Size}
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.device.DestroyBuffer(b.buf)
	}
}

// Close waits for in-flight submissions and releases every buffer. A
// device opened by Open is destroyed as well.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()

	d.mu.Lock()
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	d.mu.Unlock()

	if d.owned {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	return nil
}

func convertBufferUsage(u gpucore.BufferUsage) gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u&gpucore.BufferUsageStorage != 0 {
		out |= gputypes.BufferUsageStorage
	}
	if u&gpucore.BufferUsageCopyDst != 0 {
		out |= gputypes.BufferUsageCopyDst
	}
	if u&gpucore.BufferUsageCopySrc != 0 {
		out |= gputypes.BufferUsageCopySrc
	}
	return out
}

var errClosed = errors.New("native: device closed")
