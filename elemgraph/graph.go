// Package elemgraph builds the element graph from the pipeline description
// and moves packet batches through it.
package elemgraph

import (
	"fmt"
	"sync"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/core/logging"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

var logger = logging.New("elemgraph")

type edgeRef struct {
	node   int // -1 when unwired
	inPort int
}

type node struct {
	id   int
	name string
	el   element.Element
	outs []edgeRef
}

// Hooks connect the graph to the owning computation thread's rings, pools,
// and coprocessor attachment.
type Hooks struct {
	// GetContext takes a free compute context; nil disables the offload path.
	GetContext func() computedev.Context
	// EnqueueTask pushes a task to the coprocessor's input ring.
	EnqueueTask func(task *OffloadTask) bool
	// SendTx delivers packets to a per-port TX ring, returning how many were accepted.
	SendTx func(port uint16, pkts []*pktbuf.Packet) int
	// TxAboveWatermark reports TX-ring backpressure for a port.
	TxAboveWatermark func(port uint16) bool
	// DropPkts returns packets to the owning I/O thread's drop ring.
	DropPkts func(pkts []*pktbuf.Packet)
	// CountSwDrop and CountInvalid bump per-port counters.
	CountSwDrop  func(port uint16, n int)
	CountInvalid func(port uint16, n int)
}

// Graph is one computation thread's element graph.
// The lock is held during init and graph mutation, never in steady state.
type Graph struct {
	Lock sync.Mutex

	ctx         *element.Context
	hooks       Hooks
	nodes       []*node
	rootsByPort map[uint16]int

	inflight   map[uint64]*inflightTask
	nextTaskID uint64
}

// New builds the graph described by the pipeline IR. Elements are
// instantiated and configured; arity and acyclicity are validated.
func New(ctx *element.Context, pl *config.Pipeline, hooks Hooks) (*Graph, error) {
	g := &Graph{
		ctx:         ctx,
		hooks:       hooks,
		rootsByPort: make(map[uint16]int),
		inflight:    make(map[uint64]*inflightTask),
	}

	byID := map[string]*node{}
	for _, decl := range pl.Elements {
		el, e := element.NewByClass(decl.Class)
		if e != nil {
			return nil, e
		}
		if e := el.Configure(ctx, decl.Args); e != nil {
			return nil, e
		}
		_, nOut := el.PortCount()
		n := &node{name: decl.ID, el: el, outs: make([]edgeRef, nOut)}
		for p := range n.outs {
			n.outs[p] = edgeRef{node: -1}
		}
		byID[decl.ID] = n
	}

	// Wire edges; every output port must be wired exactly once.
	indeg := map[*node]int{}
	adj := map[*node][]*node{}
	for _, edge := range pl.Edges {
		src, dst := byID[edge.Src], byID[edge.Dst]
		if edge.SrcPort >= len(src.outs) {
			return nil, fmt.Errorf("element %s has no output port %d", edge.Src, edge.SrcPort)
		}
		nIn, _ := dst.el.PortCount()
		if edge.DstPort >= nIn {
			return nil, fmt.Errorf("element %s has no input port %d", edge.Dst, edge.DstPort)
		}
		if src.outs[edge.SrcPort].node != -1 {
			return nil, fmt.Errorf("element %s output port %d wired twice", edge.Src, edge.SrcPort)
		}
		src.outs[edge.SrcPort] = edgeRef{node: -2, inPort: edge.DstPort} // resolved after ordering
		indeg[dst]++
		adj[src] = append(adj[src], dst)
	}

	// Topological launch order (Kahn).
	var order []*node
	var queue []*node
	for _, decl := range pl.Elements {
		n := byID[decl.ID]
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		n.id = len(order)
		order = append(order, n)
		for _, next := range adj[n] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(pl.Elements) {
		return nil, fmt.Errorf("pipeline graph contains a cycle")
	}
	g.nodes = order

	// Resolve out-edges to node indices.
	for _, edge := range pl.Edges {
		src, dst := byID[edge.Src], byID[edge.Dst]
		src.outs[edge.SrcPort] = edgeRef{node: dst.id, inPort: edge.DstPort}
	}
	for _, n := range g.nodes {
		for p, ref := range n.outs {
			if ref.node < 0 {
				return nil, fmt.Errorf("element %s output port %d is unwired", n.name, p)
			}
			if ref.node <= n.id {
				return nil, fmt.Errorf("element %s output port %d wires backwards", n.name, p)
			}
		}
	}

	// Identify roots.
	for _, n := range g.nodes {
		if root, ok := n.el.(element.Root); ok {
			port := root.DevicePort()
			if prev, dup := g.rootsByPort[port]; dup {
				return nil, fmt.Errorf("elements %s and %s both read device port %d",
					g.nodes[prev].name, n.name, port)
			}
			g.rootsByPort[port] = n.id
		}
	}
	if len(g.rootsByPort) == 0 {
		return nil, fmt.Errorf("pipeline graph has no FromDevice root")
	}
	return g, nil
}

// Elements lists the instantiated elements in topological launch order.
func (g *Graph) Elements() []element.Element {
	list := make([]element.Element, len(g.nodes))
	for i, n := range g.nodes {
		list[i] = n.el
	}
	return list
}

// InflightCount returns the number of batches parked across offloads.
func (g *Graph) InflightCount() int {
	return len(g.inflight)
}

// InitGlobal runs the global phase for every element of this graph. The
// orchestrator calls it on the first computation context's graph only.
func (g *Graph) InitGlobal() error {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	for _, n := range g.nodes {
		if init, ok := n.el.(element.GlobalInitializer); ok {
			if e := init.InitializeGlobal(); e != nil {
				return fmt.Errorf("%s: initialize_global: %w", n.name, e)
			}
		}
	}
	return nil
}

// InitPerNode runs the per-node phase: once per populated NUMA node.
func (g *Graph) InitPerNode() error {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	for _, n := range g.nodes {
		if init, ok := n.el.(element.PerNodeInitializer); ok {
			if e := init.InitializePerNode(); e != nil {
				return fmt.Errorf("%s: initialize_per_node: %w", n.name, e)
			}
		}
	}
	return nil
}

// InitOffloadables runs device-side element init. It must execute on the
// coprocessor thread owning dev so device buffers bind to its command stream.
func (g *Graph) InitOffloadables(dev computedev.Device) error {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	for _, n := range g.nodes {
		if off, ok := n.el.(element.Offloadable); ok {
			if e := off.InitOffload(dev); e != nil {
				return fmt.Errorf("%s: offloadable init: %w", n.name, e)
			}
		}
	}
	return nil
}

// InitPerThread runs the per-thread phase on every computation context.
func (g *Graph) InitPerThread() error {
	g.Lock.Lock()
	defer g.Lock.Unlock()
	for _, n := range g.nodes {
		if init, ok := n.el.(element.Initializer); ok {
			if e := init.Initialize(); e != nil {
				return fmt.Errorf("%s: initialize: %w", n.name, e)
			}
		}
	}
	return nil
}

func (g *Graph) offloadArmFor(el element.Offloadable) (computedev.OffloadArm, bool) {
	for _, arm := range el.OffloadArms() {
		if _, ok := g.ctx.Devices[arm.Kind]; ok {
			return arm, true
		}
	}
	return computedev.OffloadArm{}, false
}

// HasOffloadPath reports whether any offloadable element can reach a device.
func (g *Graph) HasOffloadPath() bool {
	for _, n := range g.nodes {
		if off, ok := n.el.(element.Offloadable); ok {
			if _, ok := g.offloadArmFor(off); ok {
				return true
			}
		}
	}
	return false
}
