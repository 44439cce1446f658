package elemgraph

import (
	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/datablock"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

type offloadOutcome int

const (
	// offloadCPU: no offload path; the caller runs the CPU path instead.
	offloadCPU offloadOutcome = iota
	// offloadParked: the batch is held by an in-flight task.
	offloadParked
	// offloadAborted: the batch was abandoned and fully flushed.
	offloadAborted
)

// tryOffload stages the element's input as one offload task.
func (g *Graph) tryOffload(st *runState, idx int, off element.Offloadable, in []slotIn) offloadOutcome {
	arm, ok := g.offloadArmFor(off)
	if !ok || g.hooks.GetContext == nil || g.hooks.EnqueueTask == nil {
		return offloadCPU
	}
	cctx := g.hooks.GetContext()
	if cctx == nil {
		// Context pool exhausted; the CPU path keeps the batch moving.
		return offloadCPU
	}

	descs := make([]*datablock.Desc, 0, len(off.UsedDatablocks()))
	for _, id := range off.UsedDatablocks() {
		descs = append(descs, datablock.Get(id))
	}

	// Packets must satisfy every datablock; rejects are dropped up front so
	// the item vectors stay aligned across datablocks.
	var slots []int
	inPort := 0
	for _, si := range in {
		pkt := st.batch.At(si.slot)
		if pkt == nil {
			continue
		}
		valid := true
		for _, d := range descs {
			if !datablock.Validate(d, pkt) {
				valid = false
				break
			}
		}
		if !valid {
			g.hooks.CountInvalid(pkt.Port(), 1)
			st.drops = append(st.drops, st.batch.Kill(si.slot))
			continue
		}
		slots = append(slots, si.slot)
		inPort = si.inPort
	}
	if len(slots) == 0 {
		cctx.Release()
		return offloadCPU
	}

	infos := make([]*datablock.BatchInfo, len(descs))
	kargs := make([]*datablock.KernelArg, len(descs))
	for i, d := range descs {
		infos[i] = datablock.Materialize(d, st.batch, slots, cctx.AllocStaging)
		kargs[i] = datablock.BuildKernelArg([]*datablock.BatchInfo{infos[i]})
	}

	g.nextTaskID++
	task := &OffloadTask{
		ID:         g.nextTaskID,
		Batch:      st.batch,
		Elem:       off,
		Arm:        arm,
		Cctx:       cctx,
		KernelArgs: kargs,
		Resource: computedev.ResourceParam{
			NumWorkitems:        len(slots),
			ThreadsPerWorkgroup: arm.WorkgroupSize,
		},
	}
	st.batch.TaskID = task.ID
	st.batch.PendingOffloads = 1
	g.inflight[task.ID] = &inflightTask{
		task:    task,
		st:      st,
		nodeIdx: idx,
		descs:   descs,
		infos:   infos,
		slots:   slots,
		inPort:  inPort,
	}

	if !g.hooks.EnqueueTask(task) {
		// Task ring full: abandon the batch entirely.
		logger.Warn("task-input ring rejected offload; abandoning batch",
			zap.Uint64("task-id", task.ID))
		delete(g.inflight, task.ID)
		cctx.Release()
		st.batch.PendingOffloads = 0
		g.abandon(st)
		return offloadAborted
	}
	return offloadParked
}

// abandon drops every alive packet of the batch and flushes the run state.
func (g *Graph) abandon(st *runState) {
	for i := 0; i < st.batch.Size(); i++ {
		if pkt := st.batch.Kill(i); pkt != nil {
			g.hooks.CountSwDrop(pkt.Port(), 1)
			st.drops = append(st.drops, pkt)
		}
	}
	st.tx = map[uint16][]int{}
	g.finish(st)
}

// Complete resumes a parked batch after its offload finishes: writable
// datablock regions are copied back, the element post-processes each packet,
// and traversal continues from the offloadable element's output port.
// A failed offload abandons the whole batch. The returned batch is ready for
// recycling when the result is RunDone.
func (g *Graph) Complete(c Completion) (batch *pktbuf.Batch, res RunResult, ok bool) {
	t, ok := g.inflight[c.TaskID]
	if !ok {
		logger.Warn("completion for unknown task", zap.Uint64("task-id", c.TaskID))
		return nil, RunDone, false
	}
	delete(g.inflight, c.TaskID)
	st := t.st
	st.batch.PendingOffloads = 0

	if c.Err != nil {
		logger.Warn("offload failed; abandoning batch",
			zap.Uint64("task-id", c.TaskID), zap.Error(c.Err))
		t.task.Cctx.Release()
		g.abandon(st)
		return st.batch, RunDone, true
	}

	for i, d := range t.descs {
		datablock.WriteBack(d, st.batch, t.infos[i])
	}
	t.task.Cctx.Release()

	n := g.nodes[t.nodeIdx]
	for _, slot := range t.slots {
		pkt := st.batch.At(slot)
		if pkt == nil {
			continue
		}
		g.route(st, n, slot, t.task.Elem.Postproc(t.inPort, pkt))
	}
	return st.batch, g.walk(st, t.nodeIdx+1), true
}
