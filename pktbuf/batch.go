package pktbuf

// Batch is a fixed-capacity ordered group of packets that traverses the
// element graph as a unit. Killed packets are tombstoned in place so indices
// stay stable until the batch exits the graph.
type Batch struct {
	pkts  []*Packet
	alive []bool
	nLive int

	// TaskID keys the in-flight offload map while the batch is parked.
	TaskID uint64
	// PendingOffloads counts offload tasks the batch is waiting on.
	PendingOffloads int32
}

// NewBatch creates an empty batch with the given capacity.
func NewBatch(capacity int) *Batch {
	return &Batch{
		pkts:  make([]*Packet, 0, capacity),
		alive: make([]bool, 0, capacity),
	}
}

// Append adds a packet; returns false when the batch is full.
func (b *Batch) Append(pkt *Packet) bool {
	if len(b.pkts) == cap(b.pkts) {
		return false
	}
	b.pkts = append(b.pkts, pkt)
	b.alive = append(b.alive, true)
	b.nLive++
	return true
}

// Size returns the number of slots, tombstones included.
func (b *Batch) Size() int {
	return len(b.pkts)
}

// Count returns the number of alive packets.
func (b *Batch) Count() int {
	return b.nLive
}

// IsEmpty reports whether no packet is alive.
func (b *Batch) IsEmpty() bool {
	return b.nLive == 0
}

// At returns the packet in a slot, nil if tombstoned.
func (b *Batch) At(i int) *Packet {
	if !b.alive[i] {
		return nil
	}
	return b.pkts[i]
}

// Alive reports whether a slot holds a live packet.
func (b *Batch) Alive(i int) bool {
	return b.alive[i]
}

// Kill tombstones a slot and returns the packet for disposal.
// The slot index remains valid for downstream elements.
func (b *Batch) Kill(i int) *Packet {
	if !b.alive[i] {
		return nil
	}
	b.alive[i] = false
	b.nLive--
	return b.pkts[i]
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.pkts = b.pkts[:0]
	b.alive = b.alive[:0]
	b.nLive = 0
	b.TaskID = 0
	b.PendingOffloads = 0
}
