package backend

import (
	"errors"
)

// Backend name constants.
const (
	// BackendNative is the name of the GPU backend on gogpu/wgpu.
	BackendNative = "native"
	// BackendSoftware is the name of the CPU reference backend.
	BackendSoftware = "software"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or no registered backend could open a device.
	ErrBackendNotAvailable = errors.New("backend: not available")
)
