package nlmeans

import (
	"errors"

	"github.com/gogpu/nlmeans/gpucore"
)

// Error taxonomy. Use errors.Is to classify errors returned by the filter.
var (
	// ErrCapability reports a device lacking a required feature. Fatal at
	// initialization.
	ErrCapability = gpucore.ErrCapability

	// ErrCompile reports a kernel that failed to compile. Fatal at
	// initialization.
	ErrCompile = gpucore.ErrCompile

	// ErrResourceAllocation reports a buffer or frame allocation failure.
	// Only the current frame is dropped.
	ErrResourceAllocation = gpucore.ErrResourceAllocation

	// ErrSubmission reports a failed submission or execution. Only the
	// current frame is dropped.
	ErrSubmission = gpucore.ErrSubmission
)

var (
	// ErrFilterFailed is returned for every frame once initialization
	// failed. It wraps the initialization error.
	ErrFilterFailed = errors.New("nlmeans: filter failed")

	// ErrClosed is returned when using a closed filter.
	ErrClosed = errors.New("nlmeans: filter closed")

	// ErrInvalidOption is returned for an option out of range or an
	// unparsable option string.
	ErrInvalidOption = errors.New("nlmeans: invalid option")

	// ErrFrameMismatch is returned for a frame whose size or format differs
	// from the first frame the filter processed.
	ErrFrameMismatch = errors.New("nlmeans: frame geometry changed")

	// ErrInvalidFrame is returned for a nil, released or malformed frame.
	ErrInvalidFrame = errors.New("nlmeans: invalid frame")
)
