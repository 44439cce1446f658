// Package dataplane assembles and runs the packet processor: the NIC ports,
// cross-tier rings, and the three thread tiers (I/O, computation,
// coprocessor) with their initialization choreography.
package dataplane

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go4.org/must"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/computedev/emu"
	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/core/logging"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/elemgraph"
	"github.com/anlab-kaist/nba-go/netdev"
	"github.com/anlab-kaist/nba-go/nodelocal"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"
	"github.com/anlab-kaist/nba-go/ring"
)

var logger = logging.New("dataplane")

// Config assembles the inputs of one dataplane instance.
type Config struct {
	System          *config.System
	Pipeline        *config.Pipeline
	PreserveLatency bool
}

// DataPlane owns every thread and shared resource of the packet processor.
type DataPlane struct {
	sys             *config.System
	pipeline        *config.Pipeline
	preserveLatency bool

	drv      netdev.Driver
	ports    []netdev.Port
	counters []PortCounters

	swRxRings   []*ring.Ring[*pktbuf.Batch]
	taskInRings []*ring.Ring[*elemgraph.OffloadTask]

	nls     map[int]*nodelocal.Storage
	coprocs []*Coproc
	comps   []*Comp
	ios     []*IO

	metrics  *prometheus.Registry
	launched bool

	statMu   sync.Mutex
	statLast time.Time
}

// New builds the dataplane over an already-brought-up driver, following the
// strict initialization order; every worker thread observes fully
// initialized state at first touch.
func New(cfg Config, drv netdev.Driver) (dp *DataPlane, e error) {
	sys := cfg.System
	dp = &DataPlane{
		sys:             sys,
		pipeline:        cfg.Pipeline,
		preserveLatency: cfg.PreserveLatency,
		drv:             drv,
		ports:           drv.Ports(),
		nls:             map[int]*nodelocal.Storage{},
		metrics:         prometheus.NewRegistry(),
		statLast:        time.Now(),
	}
	if len(dp.ports) == 0 {
		return nil, fmt.Errorf("no available ports")
	}
	logger.Info("detected ports", zap.Int("count", len(dp.ports)))
	dp.counters = make([]PortCounters, len(dp.ports))
	if e := dp.metrics.Register(newCountersCollector(dp)); e != nil {
		return nil, e
	}

	if e := dp.setupPorts(); e != nil {
		return nil, e
	}
	dp.createRings()
	if e := dp.spawnCoprocs(); e != nil {
		dp.Close()
		return nil, e
	}
	if e := dp.buildComps(); e != nil {
		dp.Close()
		return nil, e
	}
	if e := dp.buildIOs(); e != nil {
		dp.Close()
		return nil, e
	}
	if e := dp.initGraphs(); e != nil {
		dp.Close()
		return nil, e
	}
	return dp, nil
}

// setupPorts configures queues, creates per-queue pools, and starts every
// port in promiscuous mode.
func (dp *DataPlane) setupPorts() error {
	sys := dp.sys
	nTxQueues := len(sys.IOThreads)
	for _, port := range dp.ports {
		info := port.DevInfo()
		if sys.NumRxqPerPort > info.MaxRxQueues {
			return fmt.Errorf("port %d (%s) does not support %d rxqs",
				port.ID(), info.DriverName, sys.NumRxqPerPort)
		}
		if nTxQueues > info.MaxTxQueues {
			return fmt.Errorf("port %d (%s) does not support %d txqs",
				port.ID(), info.DriverName, nTxQueues)
		}
		if e := port.Configure(sys.NumRxqPerPort, nTxQueues); e != nil {
			return e
		}
		node := port.NumaNode()
		for q := 0; q < nTxQueues; q++ {
			if e := port.SetupTxQueue(q, sys.IODescPerHwTxq); e != nil {
				return e
			}
		}
		for q := 0; q < sys.NumRxqPerPort; q++ {
			pool, e := pktbuf.NewPool(
				fmt.Sprintf("pktbuf_n%s_d%d_r%d", node, port.ID(), q),
				pktbuf.PoolConfig{
					Capacity: sys.IODescPerHwRxq * 2,
					Dataroom: pktbuf.RxPool.Config().Dataroom,
					Headroom: pktbuf.DefaultHeadroom,
				}, node)
			if e != nil {
				return e
			}
			if e := port.SetupRxQueue(q, sys.IODescPerHwRxq, pool); e != nil {
				return e
			}
		}
		if e := port.Start(); e != nil {
			return e
		}
		port.SetPromiscuous(true)
		link := port.LinkStatus()
		if !link.Up {
			return fmt.Errorf("port %d link is down", port.ID())
		}
		logger.Info("port enabled",
			zap.Uint16("port", port.ID()),
			zap.Stringer("mac", port.MacAddr()),
			zap.Int("speed-mbps", link.SpeedMbps),
		)
	}
	return nil
}

// createRings builds the cross-tier rings. One endpoint of each ring is
// private to one consumer thread; producers share the other.
func (dp *DataPlane) createRings() {
	sys := dp.sys
	nSwRx := 0
	for _, conf := range sys.CompThreads {
		if conf.SwRxQ >= nSwRx {
			nSwRx = conf.SwRxQ + 1
		}
	}
	dp.swRxRings = make([]*ring.Ring[*pktbuf.Batch], nSwRx)
	for i := range dp.swRxRings {
		r := ring.New[*pktbuf.Batch](256, numa.Node{}, ring.ProducerMulti, ring.ConsumerSingle)
		r.SetWatermark(1)
		dp.swRxRings[i] = r
	}

	nTaskIn := 0
	for _, conf := range sys.CoprocThreads {
		if conf.TaskInQ >= nTaskIn {
			nTaskIn = conf.TaskInQ + 1
		}
	}
	dp.taskInRings = make([]*ring.Ring[*elemgraph.OffloadTask], nTaskIn)
	for i := range dp.taskInRings {
		r := ring.New[*elemgraph.OffloadTask](sys.CoprocInputQLength, numa.Node{},
			ring.ProducerMulti, ring.ConsumerSingle)
		r.SetWatermark(1)
		dp.taskInRings[i] = r
	}
}

// spawnCoprocs launches one coprocessor thread per configured node and waits
// for each thread's init-done barrier before spawning the next.
func (dp *DataPlane) spawnCoprocs() error {
	for i, conf := range dp.sys.CoprocThreads {
		node := numa.NodeOfCore(conf.Core)
		nComp := 0
		for _, cc := range dp.sys.CompThreads {
			if numa.NodeOfCore(cc.Core).Match(node) {
				nComp++
			}
		}
		device := computedev.Device(emu.New(node, dp.sys.CoprocCtxPerCompThread*nComp))
		cop := newCoproc(i, dp, conf, device)
		cop.taskIn = dp.taskInRings[conf.TaskInQ]
		cop.taskIn.SetWatcher(cop.taskInWake)
		cop.Launch()
		cop.initDone.Wait()
		dp.coprocs = append(dp.coprocs, cop)
	}
	return nil
}

func (dp *DataPlane) coprocOnNode(node numa.Node) *Coproc {
	for _, cop := range dp.coprocs {
		if cop.node.Match(node) {
			return cop
		}
	}
	return nil
}

func (dp *DataPlane) nodeLocal(node numa.Node) *nodelocal.Storage {
	nls, ok := dp.nls[node.ID()]
	if !ok {
		nls = nodelocal.New(node)
		dp.nls[node.ID()] = nls
	}
	return nls
}

// buildComps creates computation contexts and their graphs.
func (dp *DataPlane) buildComps() error {
	for i, conf := range dp.sys.CompThreads {
		comp := newComp(i, dp, conf)
		comp.swRx = dp.swRxRings[conf.SwRxQ]
		comp.swRx.SetWatcher(comp.swRxWatcher)
		comp.batches = newBatchPool(dp.sys.BatchpoolSize, dp.sys.CompBatchSize)

		devices := map[string]computedev.Device{}
		if cop := dp.coprocOnNode(comp.node); cop != nil && conf.TaskInQ >= 0 && conf.TaskOutQ >= 0 {
			comp.device = cop.device
			comp.taskIn = dp.taskInRings[conf.TaskInQ]
			comp.taskOut = ring.New[elemgraph.Completion](dp.sys.CoprocComplQLength,
				comp.node, ring.ProducerSingle, ring.ConsumerSingle)
			comp.taskOut.SetWatermark(1)
			comp.taskOut.SetWatcher(comp.taskOutWake)
			devices[cop.device.Kind()] = cop.device
		}

		comp.ectx = &element.Context{
			Node:            comp.node,
			NodeLocal:       dp.nodeLocal(comp.node),
			BatchSize:       dp.sys.CompBatchSize,
			NumTxPorts:      len(dp.ports),
			PreserveLatency: dp.preserveLatency,
			Devices:         devices,
		}
		g, e := elemgraph.New(comp.ectx, dp.pipeline, comp.hooks())
		if e != nil {
			return fmt.Errorf("comp%d: %w", i, e)
		}
		comp.g = g
		dp.comps = append(dp.comps, comp)
	}
	return nil
}

// buildIOs creates I/O thread contexts and pairs them with computation
// threads through the shared SW-RX ring ids.
func (dp *DataPlane) buildIOs() error {
	nodeMasterSeen := map[int]bool{}
	for i, conf := range dp.sys.IOThreads {
		iot := newIO(i, dp, conf)
		if !nodeMasterSeen[iot.node.ID()] {
			nodeMasterSeen[iot.node.ID()] = true
			iot.nodeMaster = true
		}
		for _, q := range conf.RxQueues {
			if q.Port >= len(dp.ports) || q.Queue >= dp.sys.NumRxqPerPort {
				return fmt.Errorf("io%d: rxq %s is not available", i, q)
			}
			iot.rxqs = append(iot.rxqs, attachedRxq{port: dp.ports[q.Port], queue: q.Queue})
		}
		iot.newPool = pktbuf.NewPktPool.Get(iot.node)

		txCap := 8 * dp.sys.CompBatchSize
		iot.txRings = make([]*ring.Ring[*pktbuf.Packet], len(dp.ports))
		for p := range iot.txRings {
			r := ring.New[*pktbuf.Packet](txCap, iot.node, ring.ProducerMulti, ring.ConsumerSingle)
			r.SetWatermark(ring.AlignCapacity(txCap) - 16)
			iot.txRings[p] = r
		}
		iot.dropRing = ring.New[*pktbuf.Packet](8*dp.sys.CompBatchSize, iot.node,
			ring.ProducerMulti, ring.ConsumerSingle)
		iot.reqRing = ring.New[*PacketRequest](1024, iot.node,
			ring.ProducerMulti, ring.ConsumerSingle)

		// Pair with the computation thread sharing this SW-RX ring.
		for _, comp := range dp.comps {
			if comp.conf.SwRxQ == conf.SwRxQ {
				iot.comp = comp
				comp.io = iot
				break
			}
		}
		if iot.comp == nil {
			return fmt.Errorf("io%d: no computation thread on swrxq %d", i, conf.SwRxQ)
		}
		dp.ios = append(dp.ios, iot)
	}
	for _, comp := range dp.comps {
		if comp.io == nil {
			return fmt.Errorf("%s has no paired io thread", comp)
		}
	}
	return nil
}

// initGraphs runs the element init ladder: global once, per-node once per
// populated node, offloadable init on the owning coprocessor thread, then
// per-thread everywhere.
func (dp *DataPlane) initGraphs() error {
	if len(dp.comps) == 0 {
		return fmt.Errorf("no computation threads configured")
	}
	if e := dp.comps[0].g.InitGlobal(); e != nil {
		return e
	}

	nodeInit := map[int]bool{}
	for _, comp := range dp.comps {
		if nodeInit[comp.node.ID()] {
			continue
		}
		nodeInit[comp.node.ID()] = true
		if e := comp.g.InitPerNode(); e != nil {
			return e
		}
	}

	nodeInit = map[int]bool{}
	for _, comp := range dp.comps {
		cop := dp.coprocOnNode(comp.node)
		if cop == nil || nodeInit[comp.node.ID()] {
			continue
		}
		nodeInit[comp.node.ID()] = true
		g := comp.g
		if e := cop.RunOnThread(func() error {
			return g.InitOffloadables(cop.device)
		}); e != nil {
			return e
		}
	}

	for _, comp := range dp.comps {
		if e := comp.g.InitPerThread(); e != nil {
			return e
		}
	}
	return nil
}

// Launch releases the coprocessor loops and spawns the computation and I/O
// threads. The data path is live when it returns.
func (dp *DataPlane) Launch() {
	for _, cop := range dp.coprocs {
		cop.loopStart.Proceed()
	}
	for _, comp := range dp.comps {
		comp.Launch()
	}
	for _, iot := range dp.ios {
		iot.Launch()
	}
	dp.launched = true
	logger.Info("running",
		zap.Int("io-threads", len(dp.ios)),
		zap.Int("comp-threads", len(dp.comps)),
		zap.Int("coproc-threads", len(dp.coprocs)),
	)
}

// Metrics exposes the dataplane's prometheus registry.
func (dp *DataPlane) Metrics() *prometheus.Registry {
	return dp.metrics
}

// Counters returns the per-port counter block.
func (dp *DataPlane) Counters(port int) *PortCounters {
	return &dp.counters[port]
}

// sampleStats is invoked by each node-master I/O thread; aggregate counters
// are logged at most once a second.
func (dp *DataPlane) sampleStats() {
	dp.statMu.Lock()
	if time.Since(dp.statLast) < time.Second {
		dp.statMu.Unlock()
		return
	}
	dp.statLast = time.Now()
	dp.statMu.Unlock()
	for i := range dp.counters {
		c := &dp.counters[i]
		logger.Debug("port stats",
			zap.Int("port", i),
			zap.Uint64("recv", c.Recv.Load()),
			zap.Uint64("sent", c.Sent.Load()),
			zap.Uint64("sw-drop", c.SwDrop.Load()),
		)
	}
}

// Close stops every thread in I/O, computation, coprocessor order, reports
// the final counters once, and releases the driver.
func (dp *DataPlane) Close() error {
	var errs []error
	for _, iot := range dp.ios {
		errs = append(errs, iot.Stop())
	}
	for _, comp := range dp.comps {
		errs = append(errs, comp.Stop())
	}
	for _, cop := range dp.coprocs {
		errs = append(errs, cop.Stop())
		must.Close(cop.device)
	}
	dp.drainLeftovers()
	if dp.launched {
		dp.reportCounters()
	}
	for _, port := range dp.ports {
		errs = append(errs, port.Stop())
	}
	if dp.drv != nil {
		errs = append(errs, dp.drv.Close())
	}
	return multierr.Combine(errs...)
}

// drainLeftovers frees packets stranded in rings after all threads joined.
func (dp *DataPlane) drainLeftovers() {
	buf := make([]*pktbuf.Packet, 64)
	for _, iot := range dp.ios {
		rings := append([]*ring.Ring[*pktbuf.Packet]{iot.dropRing}, iot.txRings...)
		for _, r := range rings {
			for {
				n := r.Dequeue(buf)
				if n == 0 {
					break
				}
				for _, pkt := range buf[:n] {
					pkt.Close()
				}
			}
		}
	}
	bbuf := make([]*pktbuf.Batch, 1)
	for _, r := range dp.swRxRings {
		for r.Dequeue(bbuf) == 1 {
			b := bbuf[0]
			for i := 0; i < b.Size(); i++ {
				if pkt := b.Kill(i); pkt != nil {
					pkt.Close()
				}
			}
		}
	}
}

func (dp *DataPlane) reportCounters() {
	for i := range dp.counters {
		c := &dp.counters[i]
		logger.Info("final port counters",
			zap.Int("port", i),
			zap.Uint64("recv", c.Recv.Load()),
			zap.Uint64("sent", c.Sent.Load()),
			zap.Uint64("sw-drop", c.SwDrop.Load()),
			zap.Uint64("rx-drop", c.RxDrop.Load()),
			zap.Uint64("tx-drop", c.TxDrop.Load()),
			zap.Uint64("invalid", c.Invalid.Load()),
		)
	}
}
