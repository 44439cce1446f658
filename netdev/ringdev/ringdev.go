// Package ringdev provides a ring-backed loopback implementation of the
// netdev contract. Tests inject packets into RX queues and observe transmitted
// frames; a port's TX side can be stalled to exercise backpressure.
package ringdev

import (
	"fmt"
	"sync"

	"github.com/anlab-kaist/nba-go/netdev"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"
	"github.com/anlab-kaist/nba-go/ring"
)

// Driver is a set of ring-backed ports.
type Driver struct {
	ports []netdev.Port
}

// NewDriver creates nPorts loopback ports on the given node.
func NewDriver(nPorts int, node numa.Node) *Driver {
	drv := &Driver{}
	for i := 0; i < nPorts; i++ {
		drv.ports = append(drv.ports, NewPort(uint16(i), node))
	}
	return drv
}

// Ports implements netdev.Driver.
func (drv *Driver) Ports() []netdev.Port {
	return drv.ports
}

// Close implements netdev.Driver.
func (drv *Driver) Close() error {
	return nil
}

// Port returns port i as its concrete type for test access.
func (drv *Driver) Port(i int) *Port {
	return drv.ports[i].(*Port)
}

type rxQueue struct {
	ring *ring.Ring[*pktbuf.Packet]
	pool *pktbuf.Pool
}

// Port is one loopback port.
type Port struct {
	id   uint16
	node numa.Node
	mac  netdev.MACAddr

	mu       sync.Mutex
	started  bool
	promisc  bool
	stallTx  bool
	rxQueues []*rxQueue
	nTx      int
	sent     [][]byte
}

// NewPort creates an unconfigured loopback port.
func NewPort(id uint16, node numa.Node) *Port {
	return &Port{
		id:   id,
		node: node,
		mac:  netdev.MACAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(id)},
	}
}

// ID implements netdev.Port.
func (p *Port) ID() uint16 { return p.id }

// DevInfo implements netdev.Port.
func (p *Port) DevInfo() netdev.DevInfo {
	return netdev.DevInfo{DriverName: "net_ring", MaxRxQueues: 16, MaxTxQueues: 64}
}

// MacAddr implements netdev.Port.
func (p *Port) MacAddr() netdev.MACAddr { return p.mac }

// NumaNode implements netdev.Port.
func (p *Port) NumaNode() numa.Node { return p.node }

// Configure implements netdev.Port.
func (p *Port) Configure(nRxQueues, nTxQueues int) error {
	info := p.DevInfo()
	if nRxQueues > info.MaxRxQueues {
		return fmt.Errorf("port %d: %d rxqs exceed device maximum %d", p.id, nRxQueues, info.MaxRxQueues)
	}
	if nTxQueues > info.MaxTxQueues {
		return fmt.Errorf("port %d: %d txqs exceed device maximum %d", p.id, nTxQueues, info.MaxTxQueues)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxQueues = make([]*rxQueue, nRxQueues)
	p.nTx = nTxQueues
	return nil
}

// SetupRxQueue implements netdev.Port.
func (p *Port) SetupRxQueue(queue, nDesc int, pool *pktbuf.Pool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if queue < 0 || queue >= len(p.rxQueues) {
		return fmt.Errorf("port %d: rxq %d not configured", p.id, queue)
	}
	p.rxQueues[queue] = &rxQueue{
		ring: ring.New[*pktbuf.Packet](nDesc, p.node, ring.ProducerSingle, ring.ConsumerSingle),
		pool: pool,
	}
	return nil
}

// SetupTxQueue implements netdev.Port.
func (p *Port) SetupTxQueue(queue, nDesc int) error {
	if queue < 0 || queue >= p.nTx {
		return fmt.Errorf("port %d: txq %d not configured", p.id, queue)
	}
	return nil
}

// Start implements netdev.Port.
func (p *Port) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.rxQueues {
		if q == nil {
			return fmt.Errorf("port %d: rxq %d was not set up", p.id, i)
		}
	}
	p.started = true
	return nil
}

// Stop implements netdev.Port.
func (p *Port) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

// SetPromiscuous implements netdev.Port.
func (p *Port) SetPromiscuous(enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promisc = enable
}

// LinkStatus implements netdev.Port.
func (p *Port) LinkStatus() netdev.LinkStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return netdev.LinkStatus{Up: p.started, SpeedMbps: 10000, FullDuplex: true}
}

// RxBurst implements netdev.Port.
func (p *Port) RxBurst(queue int, pkts []*pktbuf.Packet) int {
	p.mu.Lock()
	q := p.rxQueues[queue]
	p.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.ring.Dequeue(pkts)
}

// TxBurst implements netdev.Port. Transmitted frames are copied into the sent
// log and their buffers freed, emulating TX completion.
func (p *Port) TxBurst(queue int, pkts []*pktbuf.Packet) int {
	p.mu.Lock()
	if p.stallTx {
		p.mu.Unlock()
		return 0
	}
	for _, pkt := range pkts {
		frame := make([]byte, pkt.Len())
		copy(frame, pkt.Bytes())
		p.sent = append(p.sent, frame)
	}
	p.mu.Unlock()
	for _, pkt := range pkts {
		pkt.Close()
	}
	return len(pkts)
}

// Inject places packets into an RX queue for the next RxBurst.
// Returns how many were accepted.
func (p *Port) Inject(queue int, pkts ...*pktbuf.Packet) int {
	p.mu.Lock()
	q := p.rxQueues[queue]
	p.mu.Unlock()
	if q == nil {
		return 0
	}
	for _, pkt := range pkts {
		pkt.SetPort(p.id)
	}
	return q.ring.Enqueue(pkts)
}

// InjectFrame allocates a buffer from the queue's RX pool, copies the frame,
// and places it on the RX queue, the way the NIC would on receive.
func (p *Port) InjectFrame(queue int, frame []byte) bool {
	p.mu.Lock()
	q := p.rxQueues[queue]
	p.mu.Unlock()
	if q == nil {
		return false
	}
	pkt := q.pool.Alloc()
	if pkt == nil {
		return false
	}
	if !pkt.Append(frame) {
		pkt.Close()
		return false
	}
	pkt.SetPort(p.id)
	if q.ring.Enqueue([]*pktbuf.Packet{pkt}) == 0 {
		pkt.Close()
		return false
	}
	return true
}

// SetStallTx freezes or resumes TX progress, for backpressure tests.
func (p *Port) SetStallTx(stall bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stallTx = stall
}

// Transmitted returns the frames sent so far.
func (p *Port) Transmitted() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}
