// Package computedev defines the accelerator abstraction: devices, their
// command-stream contexts, buffers, and kernel launches.
package computedev

import (
	"github.com/anlab-kaist/nba-go/numa"
)

// Kernel is a device-specific kernel handle; the owning device interprets it.
type Kernel any

// OffloadArm binds one supported device kind to its kernel handle and
// per-device parameters. Elements register concrete arms; the coprocessor
// dispatches by Kind.
type OffloadArm struct {
	Kind          string
	Kernel        Kernel
	WorkgroupSize int
}

// ResourceParam sizes one kernel launch.
type ResourceParam struct {
	NumWorkitems        int
	ThreadsPerWorkgroup int
}

// HostBuffer is pinned host memory usable for device transfers.
type HostBuffer struct {
	Bytes []byte
}

// DeviceBuffer is an opaque device-side allocation.
type DeviceBuffer struct {
	Handle any
}

// ContextState tracks whether a context has a pending task.
type ContextState int

// Context states.
const (
	ContextReady ContextState = iota
	ContextPreparing
	ContextRunning
)

// Device is an accelerator owned by one coprocessor thread.
type Device interface {
	Name() string
	Kind() string
	NumaNode() numa.Node

	AllocHostBuffer(size int) HostBuffer
	AllocDeviceBuffer(size int) DeviceBuffer
	// Memwrite copies host buffer contents to a device buffer.
	Memwrite(src HostBuffer, dst DeviceBuffer, offset, size int) error
	// Memread copies device buffer contents back to a host buffer.
	Memread(src DeviceBuffer, dst HostBuffer, offset, size int) error

	// GetAvailableContext takes a READY context, nil when exhausted.
	GetAvailableContext() Context

	Close() error
}

// Context is a device command stream plus its staging buffers, usable by one
// pending task at a time.
type Context interface {
	Device() Device
	State() ContextState

	// AllocStaging carves pinned staging memory for datablock materialization.
	// Reclaimed as a whole by Release.
	AllocStaging(size int) []byte

	// PushKernelArg appends one kernel argument; arguments accumulate in
	// push order for the next launch.
	PushKernelArg(arg any)

	// EnqueueKernelLaunch issues host-copy, launch, and copy-back on the
	// command stream; done fires on the coprocessor thread when finished.
	EnqueueKernelLaunch(k Kernel, res ResourceParam, done func(e error))

	// Release reclaims staging memory and returns the context to READY.
	Release()
}
