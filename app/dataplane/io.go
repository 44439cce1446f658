package dataplane

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/netdev"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"
	"github.com/anlab-kaist/nba-go/ring"
	"github.com/anlab-kaist/nba-go/worker"
)

// PacketRequest asks the owning I/O thread to synthesize and transmit a packet.
type PacketRequest struct {
	Port  uint16
	Frame []byte
}

type attachedRxq struct {
	port  netdev.Port
	queue int
	pool  *pktbuf.Pool
}

// IO is a per-core poll-mode I/O thread: it bursts RX from its attached
// hardware queues into batches for its paired computation thread, and drains
// the TX, drop, and packet-request rings it owns.
type IO struct {
	worker.Thread
	id         int
	node       numa.Node
	nodeMaster bool

	dp      *DataPlane
	conf    config.IOThreadConf
	rxqs    []attachedRxq
	comp    *Comp
	newPool *pktbuf.Pool

	// txRings is indexed by output port; multiple computation threads
	// produce, this thread alone consumes.
	txRings  []*ring.Ring[*pktbuf.Packet]
	dropRing *ring.Ring[*pktbuf.Packet]
	reqRing  *ring.Ring[*PacketRequest]

	stop        worker.StopChan
	ioBatchSize int
	txQueue     int // this thread's TX queue index on every port

	rxBuf, txBuf, dropBuf []*pktbuf.Packet
	reqBuf                []*PacketRequest
}

// ThreadRole implements worker.ThreadWithRole.
func (io *IO) ThreadRole() string {
	return "IO"
}

func (io *IO) String() string {
	return fmt.Sprintf("io%d", io.id)
}

// NumaNode returns the thread's NUMA node.
func (io *IO) NumaNode() numa.Node {
	return io.node
}

func newIO(id int, dp *DataPlane, conf config.IOThreadConf) *IO {
	iot := &IO{
		id:          id,
		node:        numa.NodeOfCore(conf.Core),
		dp:          dp,
		conf:        conf,
		stop:        worker.NewStopChan(),
		ioBatchSize: dp.sys.IOBatchSize,
		txQueue:     id,
	}
	iot.Thread = worker.New(iot.main, iot.stop)
	iot.SetCore(numa.CoreFromID(conf.Core))
	return iot
}

func (io *IO) main() int {
	logger.Info("io thread started",
		zap.Int("id", io.id),
		zap.Stringer("node", io.node),
		zap.Int("rxqs", len(io.rxqs)),
	)
	io.rxBuf = make([]*pktbuf.Packet, io.ioBatchSize)
	io.txBuf = make([]*pktbuf.Packet, io.ioBatchSize)
	io.dropBuf = make([]*pktbuf.Packet, io.ioBatchSize)
	io.reqBuf = make([]*PacketRequest, io.ioBatchSize)
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for io.stop.Continue() {
		if !io.turn() {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(50 * time.Microsecond)
			select {
			case <-io.stop.C():
			case <-idle.C:
			}
		}
	}
	io.drainRings()
	logger.Info("io thread stopped", zap.Int("id", io.id))
	return 0
}

// turn runs one steady-state cycle, reporting whether any work was done.
func (io *IO) turn() (work bool) {
	// (a)(b) Burst-RX each attached queue and hand batches to the paired
	// computation thread; the SW-RX ring wakes its watcher on the high-water
	// crossing.
	rxBuf := io.rxBuf
	for _, rxq := range io.rxqs {
		n := rxq.port.RxBurst(rxq.queue, rxBuf)
		if n == 0 {
			continue
		}
		work = true
		io.dp.counters[rxq.port.ID()].Recv.Add(uint64(n))
		batch := io.comp.batches.alloc()
		if batch == nil {
			io.swDropBurst(rxq.port.ID(), rxBuf[:n])
			continue
		}
		for i := 0; i < n; i++ {
			rxBuf[i].SetPort(rxq.port.ID())
			if !batch.Append(rxBuf[i]) {
				io.swDropBurst(rxq.port.ID(), rxBuf[i:i+1])
			}
		}
		if io.comp.swRx.Enqueue([]*pktbuf.Batch{batch}) == 0 {
			for i := 0; i < batch.Size(); i++ {
				if pkt := batch.Kill(i); pkt != nil {
					rxBuf[i] = pkt
				}
			}
			io.swDropBurst(rxq.port.ID(), rxBuf[:n])
			io.comp.batches.free(batch)
		}
	}

	// (c) Drain one TX ring per port with burst-TX.
	txBuf := io.txBuf
	for portIdx, txRing := range io.txRings {
		n := txRing.Dequeue(txBuf)
		if n == 0 {
			continue
		}
		work = true
		port := io.dp.ports[portIdx]
		sent := port.TxBurst(io.txQueue, txBuf[:n])
		io.dp.counters[portIdx].Sent.Add(uint64(sent))
		if sent < n {
			// No TX progress: put the leftovers back so ring occupancy keeps
			// exerting backpressure on the graph.
			back := txRing.Prepend(txBuf[sent:n])
			if rejected := (n - sent) - back; rejected > 0 {
				io.dp.counters[portIdx].TxDrop.Add(uint64(rejected))
				for _, pkt := range txBuf[sent+back : n] {
					pkt.Close()
				}
			}
		}
	}

	// (d) Return dropped buffers to their pools.
	dropBuf := io.dropBuf
	for {
		n := io.dropRing.Dequeue(dropBuf)
		if n == 0 {
			break
		}
		work = true
		for _, pkt := range dropBuf[:n] {
			pkt.Close()
		}
	}

	// (e) Service new-packet requests.
	reqBuf := io.reqBuf
	for {
		n := io.reqRing.Dequeue(reqBuf)
		if n == 0 {
			break
		}
		work = true
		for _, req := range reqBuf[:n] {
			io.servePacketRequest(req)
		}
	}

	// (f) The node master samples port stats.
	if io.nodeMaster {
		io.dp.sampleStats()
	}
	return work
}

func (io *IO) swDropBurst(port uint16, pkts []*pktbuf.Packet) {
	io.dp.counters[port].SwDrop.Add(uint64(len(pkts)))
	n := io.dropRing.Enqueue(pkts)
	for _, pkt := range pkts[n:] {
		pkt.Close()
	}
}

func (io *IO) servePacketRequest(req *PacketRequest) {
	if int(req.Port) >= len(io.txRings) {
		return
	}
	pkt := io.newPool.Alloc()
	if pkt == nil {
		io.dp.counters[req.Port].SwDrop.Add(1)
		return
	}
	if !pkt.Append(req.Frame) {
		pkt.Close()
		io.dp.counters[req.Port].SwDrop.Add(1)
		return
	}
	if io.txRings[req.Port].Enqueue([]*pktbuf.Packet{pkt}) == 0 {
		pkt.Close()
		io.dp.counters[req.Port].SwDrop.Add(1)
	}
}

// drainRings frees buffers left in this thread's rings at shutdown.
func (io *IO) drainRings() {
	buf := make([]*pktbuf.Packet, io.ioBatchSize)
	for _, r := range append([]*ring.Ring[*pktbuf.Packet]{io.dropRing}, io.txRings...) {
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
