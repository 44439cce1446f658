package pktbuf

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/numa"
)

// PoolConfig contains packet pool configuration.
type PoolConfig struct {
	Capacity int
	Dataroom int
	Headroom int
}

func (cfg *PoolConfig) applyDefaults() {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 2048
	}
	if cfg.Dataroom <= 0 {
		cfg.Dataroom = 2048
	}
	if cfg.Headroom < 0 {
		cfg.Headroom = DefaultHeadroom
	}
}

// Pool is a fixed-capacity packet buffer pool on one NUMA node.
// The driver produces from it on receive; the owning I/O thread consumes
// returned buffers.
type Pool struct {
	name string
	node numa.Node
	cfg  PoolConfig

	mu   sync.Mutex
	free []*Packet
}

// NewPool creates a Pool. All buffers are preallocated.
func NewPool(name string, cfg PoolConfig, node numa.Node) (*Pool, error) {
	cfg.applyDefaults()
	if cfg.Headroom >= cfg.Dataroom {
		return nil, fmt.Errorf("headroom %d exceeds dataroom %d", cfg.Headroom, cfg.Dataroom)
	}
	mp := &Pool{
		name: name,
		node: node,
		cfg:  cfg,
		free: make([]*Packet, cfg.Capacity),
	}
	for i := range mp.free {
		mp.free[i] = &Packet{
			buf:  make([]byte, cfg.Dataroom),
			off:  cfg.Headroom,
			pool: mp,
		}
	}
	logger.Debug("pool created",
		zap.String("name", name),
		zap.Int("capacity", cfg.Capacity),
		zap.Stringer("node", node),
	)
	return mp, nil
}

func (mp *Pool) String() string {
	return mp.name
}

// NumaNode returns the NUMA node the pool allocates on.
func (mp *Pool) NumaNode() numa.Node {
	return mp.node
}

// Capacity returns the pool capacity.
func (mp *Pool) Capacity() int {
	return mp.cfg.Capacity
}

// CountAvailable returns the number of free buffers.
func (mp *Pool) CountAvailable() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.free)
}

// Alloc takes one packet buffer from the pool, nil when exhausted.
// The returned packet has zero length, the pool's configured headroom, and a
// clear annotation.
func (mp *Pool) Alloc() *Packet {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if len(mp.free) == 0 {
		return nil
	}
	pkt := mp.free[len(mp.free)-1]
	mp.free = mp.free[:len(mp.free)-1]
	pkt.off = mp.cfg.Headroom
	pkt.length = 0
	pkt.port = 0
	pkt.anno.Reset()
	return pkt
}

// AllocBurst fills objs with packet buffers, returning how many were taken.
func (mp *Pool) AllocBurst(objs []*Packet) int {
	for i := range objs {
		pkt := mp.Alloc()
		if pkt == nil {
			return i
		}
		objs[i] = pkt
	}
	return len(objs)
}

func (mp *Pool) put(pkt *Packet) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if len(mp.free) == mp.cfg.Capacity {
		logger.DPanic("pool overflow on release", zap.String("name", mp.name))
		return
	}
	mp.free = append(mp.free, pkt)
}
