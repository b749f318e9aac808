package native

import "errors"

// Package errors for the native backend.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrDeviceLost is returned when a submission does not complete.
	ErrDeviceLost = errors.New("native: GPU device lost")

	// ErrNotHAL is returned when a device provider does not expose HAL types.
	ErrNotHAL = errors.New("native: provider does not expose HAL device and queue")
)
