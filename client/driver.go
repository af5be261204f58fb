// Package client implements the in-process nvshare client: the gate
// that blocks GPU submission calls until the process holds the GPU
// lock, the background worker that maintains the daemon connection, the
// idle releaser, the submission-rate controller, and the memory-info
// shim.
//
// The actual symbol interposition that injects this package into a
// target process — replacing the dynamic-linker's symbol resolution for
// the real GPU driver library — is an external collaborator (see
// SPEC_FULL.md §1, §9). This package instead models the real driver
// entry points as the Driver interface below, the same function-pointer
// abstraction the original C client resolves via dlsym at bootstrap.
package client

import "context"

// Context is an opaque handle to a captured device context, analogous to
// a CUcontext in the real driver API.
type Context uintptr

// Driver abstracts the real GPU driver entry points the client wraps.
// A production build backs this with the real driver's C ABI resolved
// through the injection mechanism; tests back it with a fake.
type Driver interface {
	// Init ensures the driver is bootstrapped for this process. Called
	// once, from Client.Start.
	Init(ctx context.Context) error

	// CurrentContext captures the calling thread's current device
	// context, analogous to cuCtxGetCurrent.
	CurrentContext() (Context, error)

	// Synchronize blocks until all work previously submitted against ctx
	// has completed, analogous to cuCtxSynchronize.
	Synchronize(ctx Context) error

	// MemGetInfo returns the driver's reported free and total device
	// memory, unmodified by any shim.
	MemGetInfo() (free, total uint64, err error)

	// MemAllocManaged performs a managed (device-paged) allocation,
	// analogous to cuMemAllocManaged with CU_MEM_ATTACH_GLOBAL.
	MemAllocManaged(size uint64) (ptr uintptr, err error)

	// MemFree releases a previously allocated pointer.
	MemFree(ptr uintptr) error
}

// UtilizationSensor is the opportunistic device-utilization probe the
// idle releaser prefers over timing a synchronize. A real build backs
// this with the driver's management API (e.g. NVML); it is expected to
// fail permanently on some systems, at which point the releaser
// downgrades to the sync-timing fallback for the lifetime of the
// process (see §4.4 and §7.6).
type UtilizationSensor interface {
	// UtilizationPercent returns the device's current utilization
	// percentage. A non-nil error means the sensor is unavailable.
	UtilizationPercent() (int, error)
}

// NoSensor is a UtilizationSensor that is always unavailable, for
// processes/builds with no utilization-sampling API wired in.
type NoSensor struct{}

func (NoSensor) UtilizationPercent() (int, error) {
	return 0, errSensorUnavailable
}
