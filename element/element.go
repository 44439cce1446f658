// Package element defines the pipeline element contract: plain per-packet
// stages, offloadable stages, dispositions, and the class registry the graph
// builder instantiates from.
package element

import (
	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/nodelocal"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

// Context is the computation-thread view handed to elements at configure and
// initialization time.
type Context struct {
	Node            numa.Node
	NodeLocal       *nodelocal.Storage
	BatchSize       int
	NumTxPorts      int
	PreserveLatency bool

	// Devices maps device kind to the node's compute device; empty without a
	// coprocessor on this node.
	Devices map[string]computedev.Device
}

// Element is one stage of the pipeline.
type Element interface {
	ClassName() string

	// PortCount returns input and output arity.
	PortCount() (nIn, nOut int)

	// Configure consumes configuration tokens and captures the context.
	Configure(ctx *Context, args []string) error
}

// Plain elements process one packet at a time.
type Plain interface {
	Element
	Process(inPort int, pkt *pktbuf.Packet) Disposition
}

// GlobalInitializer runs on the first computation context only, once for each
// element of that context's graph.
type GlobalInitializer interface {
	InitializeGlobal() error
}

// PerNodeInitializer runs once per populated NUMA node.
type PerNodeInitializer interface {
	InitializePerNode() error
}

// Initializer runs once per computation thread, after the per-node phase.
type Initializer interface {
	Initialize() error
}

// Offloadable elements additionally describe bulk device work. They must also
// implement Plain as the CPU path unless every node carries a device.
type Offloadable interface {
	Element

	// OffloadArms lists the supported device kinds with their kernels.
	OffloadArms() []computedev.OffloadArm

	// UsedDatablocks returns ids of the datablocks the kernels consume.
	UsedDatablocks() []int

	// InitOffload runs on the coprocessor thread owning the device; it
	// allocates device buffers bound to that thread's command stream.
	InitOffload(dev computedev.Device) error

	// PushComputeArgs pushes element-global kernel arguments (device-resident
	// tables) ahead of the datablock arguments of each launch.
	PushComputeArgs(cctx computedev.Context)

	// Postproc lets the element copy kernel outputs into packet memory and
	// route each packet after an offload completes.
	Postproc(inPort int, pkt *pktbuf.Packet) Disposition
}
