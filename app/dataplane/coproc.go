package dataplane

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/core/barrier"
	"github.com/anlab-kaist/nba-go/elemgraph"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/ring"
	"github.com/anlab-kaist/nba-go/worker"
)

// Coproc is the per-node coprocessor thread: it owns the node's compute
// device, drains the task-input ring, dispatches offload work, and pushes
// completions back to the originating computation threads.
type Coproc struct {
	worker.Thread
	id   int
	node numa.Node

	dp     *DataPlane
	conf   config.CoprocThreadConf
	device computedev.Device

	taskIn     *ring.Ring[*elemgraph.OffloadTask]
	taskInWake *ring.Watcher

	// ctl carries init rendezvous closures executed on this thread before
	// the loop-start barrier releases.
	ctl chan func()

	initDone  *barrier.Counted
	loopStart *barrier.Counted
	stop      worker.StopChan
	ppdepth   int
}

// ThreadRole implements worker.ThreadWithRole.
func (cop *Coproc) ThreadRole() string {
	return "COPROC"
}

func (cop *Coproc) String() string {
	return fmt.Sprintf("coproc%d", cop.id)
}

// NumaNode returns the thread's NUMA node.
func (cop *Coproc) NumaNode() numa.Node {
	return cop.node
}

func newCoproc(id int, dp *DataPlane, conf config.CoprocThreadConf, device computedev.Device) *Coproc {
	cop := &Coproc{
		id:         id,
		node:       numa.NodeOfCore(conf.Core),
		dp:         dp,
		conf:       conf,
		device:     device,
		ctl:        make(chan func()),
		initDone:   barrier.NewCounted(1),
		loopStart:  barrier.NewCounted(1),
		stop:       worker.NewStopChan(),
		ppdepth:    dp.sys.CoprocPpdepth,
		taskInWake: ring.NewWatcher(),
	}
	cop.Thread = worker.New(cop.main, cop.stop)
	cop.SetCore(numa.CoreFromID(conf.Core))
	return cop
}

// RunOnThread executes f on the coprocessor thread and waits for it; used for
// the offloadable-init rendezvous, which must bind device buffers to this
// thread's command stream.
func (cop *Coproc) RunOnThread(f func() error) error {
	done := make(chan error, 1)
	cop.ctl <- func() { done <- f() }
	return <-done
}

func (cop *Coproc) main() int {
	logger.Info("coproc thread started",
		zap.Int("id", cop.id),
		zap.Stringer("node", cop.node),
		zap.String("device", cop.device.Name()),
	)
	cop.initDone.Proceed()

	// Serve init rendezvous until the orchestrator releases the loop.
	started := make(chan struct{})
	go func() {
		cop.loopStart.Wait()
		close(started)
	}()
serveInit:
	for {
		select {
		case f := <-cop.ctl:
			f()
		case <-started:
			break serveInit
		case <-cop.stop.C():
			return 0
		}
	}

	taskBuf := make([]*elemgraph.OffloadTask, cop.ppdepth)
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for cop.stop.Continue() {
		n := cop.taskIn.Dequeue(taskBuf)
		for _, task := range taskBuf[:n] {
			cop.dispatch(task)
		}
		if n == 0 {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(100 * time.Microsecond)
			select {
			case <-cop.stop.C():
			case <-cop.taskInWake.C():
			case <-idle.C:
			case f := <-cop.ctl:
				f()
			}
		}
	}
	logger.Info("coproc thread stopped", zap.Int("id", cop.id))
	return 0
}

// dispatch issues one task: element args, datablock args, kernel launch, and
// the completion notification to the owning computation thread.
func (cop *Coproc) dispatch(task *elemgraph.OffloadTask) {
	task.Elem.PushComputeArgs(task.Cctx)
	for _, karg := range task.KernelArgs {
		task.Cctx.PushKernelArg(karg)
	}
	task.Cctx.EnqueueKernelLaunch(task.Arm.Kernel, task.Resource, func(e error) {
		comp, ok := task.Owner.(*Comp)
		if !ok {
			logger.DPanic("task has no owning comp thread", zap.Uint64("task-id", task.ID))
			return
		}
		c := elemgraph.Completion{TaskID: task.ID, Err: e}
		if comp.taskOut.Enqueue([]elemgraph.Completion{c}) == 0 {
			logger.DPanic("task-output ring overflow", zap.Uint64("task-id", task.ID))
		}
	})
}
