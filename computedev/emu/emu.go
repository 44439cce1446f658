// Package emu provides a CPU-emulated compute device. It backs tests and the
// fallback path on machines without an accelerator: kernels are plain Go
// functions executed on the coprocessor thread.
package emu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/core/logging"
	"github.com/anlab-kaist/nba-go/numa"
)

var logger = logging.New("emu")

// DeviceKind identifies the emulated device in offload arms.
const DeviceKind = "emu"

// KernelFunc is an emulated kernel: it receives the pushed kernel arguments
// in push order and runs to completion on the coprocessor thread.
type KernelFunc func(args []any, res computedev.ResourceParam) error

// Kernel wraps a KernelFunc as a computedev.Kernel handle.
type Kernel struct {
	Name string
	Func KernelFunc
}

// Device is the emulated compute device.
type Device struct {
	name     string
	node     numa.Node
	mu       sync.Mutex
	contexts []*context
}

// New creates an emulated device with the given context pool size.
func New(node numa.Node, nContexts int) *Device {
	dev := &Device{
		name: fmt.Sprintf("emu@%s", node),
		node: node,
	}
	for i := 0; i < nContexts; i++ {
		dev.contexts = append(dev.contexts, &context{dev: dev, id: i})
	}
	return dev
}

// Name implements computedev.Device.
func (dev *Device) Name() string { return dev.name }

// Kind implements computedev.Device.
func (dev *Device) Kind() string { return DeviceKind }

// NumaNode implements computedev.Device.
func (dev *Device) NumaNode() numa.Node { return dev.node }

// AllocHostBuffer implements computedev.Device.
func (dev *Device) AllocHostBuffer(size int) computedev.HostBuffer {
	return computedev.HostBuffer{Bytes: make([]byte, size)}
}

// AllocDeviceBuffer implements computedev.Device.
func (dev *Device) AllocDeviceBuffer(size int) computedev.DeviceBuffer {
	return computedev.DeviceBuffer{Handle: make([]byte, size)}
}

// Memwrite implements computedev.Device.
func (dev *Device) Memwrite(src computedev.HostBuffer, dst computedev.DeviceBuffer, offset, size int) error {
	b, ok := dst.Handle.([]byte)
	if !ok || offset+size > len(b) {
		return errors.New("bad device buffer")
	}
	copy(b[offset:offset+size], src.Bytes[:size])
	return nil
}

// Memread implements computedev.Device.
func (dev *Device) Memread(src computedev.DeviceBuffer, dst computedev.HostBuffer, offset, size int) error {
	b, ok := src.Handle.([]byte)
	if !ok || offset+size > len(b) {
		return errors.New("bad device buffer")
	}
	copy(dst.Bytes[:size], b[offset:offset+size])
	return nil
}

// GetAvailableContext implements computedev.Device.
func (dev *Device) GetAvailableContext() computedev.Context {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for _, cctx := range dev.contexts {
		if cctx.state == computedev.ContextReady {
			cctx.state = computedev.ContextPreparing
			return cctx
		}
	}
	return nil
}

// Close implements computedev.Device.
func (dev *Device) Close() error {
	return nil
}

type context struct {
	dev     *Device
	id      int
	state   computedev.ContextState
	staging [][]byte
	args    []any
}

func (cctx *context) Device() computedev.Device { return cctx.dev }

func (cctx *context) State() computedev.ContextState {
	cctx.dev.mu.Lock()
	defer cctx.dev.mu.Unlock()
	return cctx.state
}

func (cctx *context) AllocStaging(size int) []byte {
	b := make([]byte, size)
	cctx.staging = append(cctx.staging, b)
	return b
}

func (cctx *context) PushKernelArg(arg any) {
	cctx.args = append(cctx.args, arg)
}

func (cctx *context) EnqueueKernelLaunch(k computedev.Kernel, res computedev.ResourceParam, done func(e error)) {
	kern, ok := k.(Kernel)
	if !ok {
		done(fmt.Errorf("emu: incompatible kernel handle %T", k))
		return
	}
	cctx.dev.mu.Lock()
	cctx.state = computedev.ContextRunning
	args := cctx.args
	cctx.args = nil
	cctx.dev.mu.Unlock()

	// Emulated command stream: the kernel runs synchronously on the caller,
	// which is the coprocessor thread.
	done(kern.Func(args, res))
}

func (cctx *context) Release() {
	cctx.dev.mu.Lock()
	defer cctx.dev.mu.Unlock()
	cctx.staging = nil
	cctx.args = nil
	cctx.state = computedev.ContextReady
}
