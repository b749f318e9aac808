package gpucore

import "context"

// Device executes the pipeline's kernels.
//
// Implementations must be safe for concurrent use: independent frames may
// record and submit from different goroutines.
type Device interface {
	// Name identifies the device in logs.
	Name() string

	// Capabilities reports the device features. Read once per filter.
	Capabilities() Capabilities

	// CompileKernel builds an executable kernel. Failures wrap ErrCompile.
	CompileKernel(src *KernelSource) (Kernel, error)

	// DestroyKernel releases a kernel.
	DestroyKernel(k Kernel)

	// CreateBuffer allocates a zeroed buffer. Failures wrap
	// ErrResourceAllocation.
	CreateBuffer(desc *BufferDescriptor) (BufferID, error)

	// DestroyBuffer releases a buffer. The caller guarantees no in-flight
	// submission still uses it.
	DestroyBuffer(id BufferID)

	// Submit starts executing ec and returns its completion signal.
	// Failures to start wrap ErrSubmission; execution failures are
	// reported by Fence.Wait.
	Submit(ctx context.Context, ec *ExecContext) (Fence, error)

	// Close releases the device.
	Close() error
}

// Kernel is a compiled kernel.
type Kernel interface {
	Label() string
	Source() *KernelSource
}

// Fence signals completion of one submission.
type Fence interface {
	// Wait blocks until the submission finished and returns its error,
	// wrapping ErrSubmission.
	Wait(ctx context.Context) error

	// Done reports completion without blocking.
	Done() bool
}
