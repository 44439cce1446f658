package elemgraph

import (
	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/datablock"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

// OffloadTask is one staged offload: a batch's datablock snapshot bound to a
// compute context and kernel arm.
type OffloadTask struct {
	ID    uint64
	Batch *pktbuf.Batch
	Elem  element.Offloadable
	Arm   computedev.OffloadArm
	Cctx  computedev.Context
	// KernelArgs holds one record per used datablock, in declaration order.
	KernelArgs []*datablock.KernelArg
	Resource   computedev.ResourceParam

	// Owner identifies the computation thread whose task-output ring receives
	// the completion; set when the task is enqueued.
	Owner any
}

// Completion reports one finished offload back to the owning computation thread.
type Completion struct {
	TaskID uint64
	Err    error
}

type slotIn struct {
	slot   int
	inPort int
}

type runState struct {
	batch  *pktbuf.Batch
	inputs [][]slotIn              // per node
	tx     map[uint16][]int        // TX port -> slots
	drops  []*pktbuf.Packet        // to drop ring
}

type inflightTask struct {
	task      *OffloadTask
	st        *runState
	nodeIdx   int     // the offloadable node
	descs     []*datablock.Desc
	infos     []*datablock.BatchInfo
	slots     []int   // slots included in the task
	inPort    int
}

// RunResult tells the computation loop what happened to a batch.
type RunResult int

// Run results.
const (
	// RunDone: the batch fully exited the graph along TX ports and drops.
	RunDone RunResult = iota
	// RunParked: the batch is held by an in-flight offload; resume on completion.
	RunParked
)

// Run pulls one batch through the graph. Packets enter at the root matching
// their ingress port; packets with no root are counted invalid and dropped.
func (g *Graph) Run(batch *pktbuf.Batch) RunResult {
	st := &runState{
		batch:  batch,
		inputs: make([][]slotIn, len(g.nodes)),
		tx:     make(map[uint16][]int),
	}
	for i := 0; i < batch.Size(); i++ {
		pkt := batch.At(i)
		if pkt == nil {
			continue
		}
		rootIdx, ok := g.rootsByPort[pkt.Port()]
		if !ok {
			g.hooks.CountInvalid(pkt.Port(), 1)
			st.drops = append(st.drops, batch.Kill(i))
			continue
		}
		st.inputs[rootIdx] = append(st.inputs[rootIdx], slotIn{slot: i})
	}
	return g.walk(st, 0)
}

// walk processes nodes in topological order starting at startIdx.
func (g *Graph) walk(st *runState, startIdx int) RunResult {
	for idx := startIdx; idx < len(g.nodes); idx++ {
		in := st.inputs[idx]
		if len(in) == 0 {
			continue
		}
		st.inputs[idx] = nil
		n := g.nodes[idx]

		if _, ok := n.el.(element.Root); ok {
			for _, si := range in {
				g.route(st, n, si.slot, element.Pass(0))
			}
			continue
		}
		if sink, ok := n.el.(element.TxSink); ok {
			for _, si := range in {
				pkt := st.batch.At(si.slot)
				if pkt == nil {
					continue
				}
				port, ok := sink.TxPort(pkt)
				if !ok {
					g.hooks.CountInvalid(pkt.Port(), 1)
					st.drops = append(st.drops, st.batch.Kill(si.slot))
					continue
				}
				st.tx[port] = append(st.tx[port], si.slot)
			}
			continue
		}
		if off, ok := n.el.(element.Offloadable); ok {
			switch g.tryOffload(st, idx, off, in) {
			case offloadParked:
				return RunParked
			case offloadAborted:
				return RunDone
			case offloadCPU:
				// Device or context unavailable: run the CPU path below.
			}
		}
		plain, ok := n.el.(element.Plain)
		if !ok {
			logger.Warn("element has no runnable path; dropping input",
				zap.String("element", n.name))
			for _, si := range in {
				if pkt := st.batch.Kill(si.slot); pkt != nil {
					st.drops = append(st.drops, pkt)
				}
			}
			continue
		}
		for _, si := range in {
			pkt := st.batch.At(si.slot)
			if pkt == nil {
				continue
			}
			g.route(st, n, si.slot, plain.Process(si.inPort, pkt))
		}
	}
	g.finish(st)
	return RunDone
}

// route applies one packet's disposition at one node.
func (g *Graph) route(st *runState, n *node, slot int, disp element.Disposition) {
	if port, ok := disp.IsPass(); ok {
		ref := n.outs[port]
		st.inputs[ref.node] = append(st.inputs[ref.node], slotIn{slot: slot, inPort: ref.inPort})
		return
	}
	if disp.IsPending() {
		return
	}
	// Drop and the reserved slow-path disposition both leave a tombstone and
	// count against the ingress port.
	if pkt := st.batch.Kill(slot); pkt != nil {
		g.hooks.CountSwDrop(pkt.Port(), 1)
		st.drops = append(st.drops, pkt)
	}
}

// finish flushes per-TX-port buffers and the drop list, honoring TX-ring
// backpressure: packets bound for a saturated port are dropped and counted
// as sw-drop, keeping latency bounded.
func (g *Graph) finish(st *runState) {
	for port, slots := range st.tx {
		pkts := make([]*pktbuf.Packet, 0, len(slots))
		for _, slot := range slots {
			if pkt := st.batch.Kill(slot); pkt != nil {
				pkts = append(pkts, pkt)
			}
		}
		if len(pkts) == 0 {
			continue
		}
		// Under preserve-latency, stop pushing at the high-water mark and drop
		// instead of queueing; otherwise packets queue until the ring is full.
		if g.ctx.PreserveLatency && g.hooks.TxAboveWatermark(port) {
			g.hooks.CountSwDrop(port, len(pkts))
			st.drops = append(st.drops, pkts...)
			continue
		}
		accepted := g.hooks.SendTx(port, pkts)
		if accepted < len(pkts) {
			g.hooks.CountSwDrop(port, len(pkts)-accepted)
			st.drops = append(st.drops, pkts[accepted:]...)
		}
	}
	if len(st.drops) > 0 {
		g.hooks.DropPkts(st.drops)
		st.drops = nil
	}
}
