// Package gpucore defines the boundary between the nlmeans pipeline and the
// devices that execute it.
//
// The pipeline never talks to a GPU API directly. It builds kernels as a
// small instruction program ([Program]) plus WGSL lowered from it, asks a
// [Device] to compile them, allocates buffers through the device, and records
// each frame's work into an [ExecContext] that the device submits
// asynchronously and signals through a [Fence].
//
// # Architecture
//
//	               +-----------------+
//	               |  internal/engine |
//	               +--------+--------+
//	                        |  ExecContext
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	| backend/native  |          | backend/software |
//	|  (wgpu HAL)     |          |  (IR on the CPU) |
//	+-----------------+          +-----------------+
//
// # Commands
//
// An ExecContext holds three kinds of commands:
//
//   - [BarrierCmd]: orders earlier buffer accesses before later ones.
//   - [FillCmd]: fills a buffer range with a 32-bit value.
//   - [DispatchCmd]: runs a kernel with a parameter block and bindings.
//
// Commands between two barriers carry no ordering guarantee and may run
// concurrently.
//
// # Errors
//
// Devices wrap failures in the taxonomy sentinels [ErrCapability],
// [ErrCompile], [ErrResourceAllocation] and [ErrSubmission] so callers can
// classify them with errors.Is.
package gpucore
