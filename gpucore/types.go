package gpucore

import "errors"

// Error taxonomy shared by devices and the pipeline.
var (
	// ErrCapability reports a required device feature that is missing.
	ErrCapability = errors.New("gpucore: required device capability missing")

	// ErrCompile reports a kernel that failed to build or compile.
	ErrCompile = errors.New("gpucore: kernel compilation failed")

	// ErrResourceAllocation reports a buffer or frame allocation failure.
	ErrResourceAllocation = errors.New("gpucore: resource allocation failed")

	// ErrSubmission reports a queue submission or execution failure.
	ErrSubmission = errors.New("gpucore: command submission failed")
)

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID BufferID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageStorage allows binding as a read or read-write storage buffer.
	BufferUsageStorage BufferUsage = 1 << iota

	// BufferUsageCopyDst allows the buffer as a transfer destination (fills).
	BufferUsageCopyDst

	// BufferUsageCopySrc allows the buffer as a transfer source.
	BufferUsageCopySrc
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Capabilities is read once from a device at filter initialization.
type Capabilities struct {
	// AtomicFloatAdd reports atomic float32 add on storage buffers.
	// Without it only one offset batch may be in flight at a time.
	AtomicFloatAdd bool

	// MemoryModel reports the baseline memory-ordering guarantees the
	// kernels rely on for workgroup barriers. Required.
	MemoryModel bool

	// MaxWorkgroupSize is the largest number of invocations in a workgroup.
	MaxWorkgroupSize uint32

	// MaxSharedMemory is the workgroup-shared memory budget in bytes.
	MaxSharedMemory uint32
}

// Stage is a pipeline stage a buffer access happens in.
type Stage uint8

// Pipeline stages.
const (
	// StageNone means the buffer has not been accessed yet.
	StageNone Stage = iota
	// StageTransfer covers fills and copies.
	StageTransfer
	// StageCompute covers kernel dispatches.
	StageCompute
	// StageHost covers host reads and writes.
	StageHost
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageTransfer:
		return "transfer"
	case StageCompute:
		return "compute"
	case StageHost:
		return "host"
	}
	return "unknown"
}

// Access is a bitmask of access modes.
type Access uint8

// Access modes.
const (
	AccessNone  Access = 0
	AccessRead  Access = 1 << 0
	AccessWrite Access = 1 << 1

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	}
	return "unknown"
}

// Writes reports whether the access includes a write.
func (a Access) Writes() bool { return a&AccessWrite != 0 }
