package dataplane

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/elemgraph"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"
	"github.com/anlab-kaist/nba-go/ring"
	"github.com/anlab-kaist/nba-go/worker"
)

var errTerminating = fmt.Errorf("terminating")

// Comp is a per-core computation thread: it runs the element graph over
// batches from its SW-RX ring and resumes batches parked across offloads.
type Comp struct {
	worker.Thread
	id   int
	node numa.Node

	dp   *DataPlane
	conf config.CompThreadConf
	ectx *element.Context
	g    *elemgraph.Graph
	io   *IO

	swRx         *ring.Ring[*pktbuf.Batch]
	swRxWatcher  *ring.Watcher
	taskIn       *ring.Ring[*elemgraph.OffloadTask] // nil without a coprocessor
	taskOut      *ring.Ring[elemgraph.Completion]
	taskOutWake  *ring.Watcher
	device       computedev.Device
	batches      *batchPool
	stop         worker.StopChan
	compBatchSz  int

	complBuf []elemgraph.Completion
	swrxBuf  []*pktbuf.Batch
}

// ThreadRole implements worker.ThreadWithRole.
func (comp *Comp) ThreadRole() string {
	return "COMP"
}

func (comp *Comp) String() string {
	return fmt.Sprintf("comp%d", comp.id)
}

// NumaNode returns the thread's NUMA node.
func (comp *Comp) NumaNode() numa.Node {
	return comp.node
}

func newComp(id int, dp *DataPlane, conf config.CompThreadConf) *Comp {
	comp := &Comp{
		id:          id,
		node:        numa.NodeOfCore(conf.Core),
		dp:          dp,
		conf:        conf,
		stop:        worker.NewStopChan(),
		compBatchSz: dp.sys.CompBatchSize,
		swRxWatcher: ring.NewWatcher(),
		taskOutWake: ring.NewWatcher(),
	}
	comp.Thread = worker.New(comp.main, comp.stop)
	comp.SetCore(numa.CoreFromID(conf.Core))
	return comp
}

// hooks wires the graph to this thread's rings and its node's coprocessor.
func (comp *Comp) hooks() elemgraph.Hooks {
	h := elemgraph.Hooks{
		SendTx: func(port uint16, pkts []*pktbuf.Packet) int {
			return comp.io.txRings[port].Enqueue(pkts)
		},
		TxAboveWatermark: func(port uint16) bool {
			return comp.io.txRings[port].IsAboveWatermark()
		},
		DropPkts: func(pkts []*pktbuf.Packet) {
			n := comp.io.dropRing.Enqueue(pkts)
			for _, pkt := range pkts[n:] {
				pkt.Close()
			}
		},
		CountSwDrop: func(port uint16, n int) {
			comp.dp.counters[port].SwDrop.Add(uint64(n))
		},
		CountInvalid: func(port uint16, n int) {
			comp.dp.counters[port].Invalid.Add(uint64(n))
		},
	}
	if comp.taskIn != nil {
		h.GetContext = func() computedev.Context {
			return comp.device.GetAvailableContext()
		}
		h.EnqueueTask = func(task *elemgraph.OffloadTask) bool {
			task.Owner = comp
			return comp.taskIn.Enqueue([]*elemgraph.OffloadTask{task}) == 1
		}
	}
	return h
}

func (comp *Comp) main() int {
	logger.Info("comp thread started",
		zap.Int("id", comp.id),
		zap.Stringer("node", comp.node),
	)
	comp.complBuf = make([]elemgraph.Completion, comp.compBatchSz)
	comp.swrxBuf = make([]*pktbuf.Batch, 1)
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for comp.stop.Continue() {
		// Drain completions first so parked batches resume before new work
		// starts; both drains are bounded to avoid starvation.
		work := comp.drainCompletions()
		work = comp.drainSwRx() || work
		if !work {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(100 * time.Microsecond)
			select {
			case <-comp.stop.C():
			case <-comp.swRxWatcher.C():
			case <-comp.taskOutWake.C():
			case <-idle.C:
			}
		}
	}
	comp.drainAbandoned()
	logger.Info("comp thread stopped", zap.Int("id", comp.id))
	return 0
}

func (comp *Comp) drainCompletions() (work bool) {
	if comp.taskOut == nil {
		return false
	}
	buf := comp.complBuf
	n := comp.taskOut.Dequeue(buf)
	for _, c := range buf[:n] {
		work = true
		batch, res, ok := comp.g.Complete(c)
		if ok && res == elemgraph.RunDone {
			comp.batches.free(batch)
		}
	}
	return work
}

func (comp *Comp) drainSwRx() (work bool) {
	buf := comp.swrxBuf
	for i := 0; i < comp.compBatchSz; i++ {
		if comp.swRx.Dequeue(buf) == 0 {
			break
		}
		work = true
		if comp.g.Run(buf[0]) == elemgraph.RunDone {
			comp.batches.free(buf[0])
		}
	}
	return work
}

// drainAbandoned consumes and discards completions of in-flight offloads at
// termination, then frees batches left in the SW-RX ring.
func (comp *Comp) drainAbandoned() {
	if comp.taskOut != nil {
		deadline := time.Now().Add(time.Second)
		buf := make([]elemgraph.Completion, comp.compBatchSz)
		for comp.g.InflightCount() > 0 && time.Now().Before(deadline) {
			n := comp.taskOut.Dequeue(buf)
			if n == 0 {
				time.Sleep(100 * time.Microsecond)
				continue
			}
			for _, c := range buf[:n] {
				// In-flight offloads are abandoned at termination: their
				// completions are consumed and the batches dropped.
				c.Err = errTerminating
				if batch, res, ok := comp.g.Complete(c); ok && res == elemgraph.RunDone {
					comp.batches.free(batch)
				}
			}
		}
	}
	bbuf := make([]*pktbuf.Batch, 1)
	for comp.swRx.Dequeue(bbuf) == 1 {
		b := bbuf[0]
		for i := 0; i < b.Size(); i++ {
			if pkt := b.Kill(i); pkt != nil {
				pkt.Close()
			}
		}
		comp.batches.free(b)
	}
}
