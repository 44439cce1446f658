// Package pktbuf provides packet buffers, per-packet annotations, batches,
// and the NUMA-aware packet pools backing them.
package pktbuf

import (
	"github.com/anlab-kaist/nba-go/core/logging"
)

var logger = logging.New("pktbuf")

// DefaultHeadroom is the default headroom of a packet buffer.
const DefaultHeadroom = 128

// Packet represents a packet in a driver buffer.
type Packet struct {
	buf    []byte // full buffer including headroom
	off    int
	length int
	port   uint16
	anno   Annotation
	pool   *Pool
}

// Len returns packet length in octets.
func (pkt *Packet) Len() int {
	return pkt.length
}

// Bytes returns the packet data. The slice aliases the driver buffer.
func (pkt *Packet) Bytes() []byte {
	return pkt.buf[pkt.off : pkt.off+pkt.length]
}

// SetLength resizes the packet within the buffer's tailroom.
func (pkt *Packet) SetLength(n int) bool {
	if n < 0 || pkt.off+n > len(pkt.buf) {
		return false
	}
	pkt.length = n
	return true
}

// Append extends the packet by copying data into its tailroom.
func (pkt *Packet) Append(data []byte) bool {
	if pkt.off+pkt.length+len(data) > len(pkt.buf) {
		return false
	}
	copy(pkt.buf[pkt.off+pkt.length:], data)
	pkt.length += len(data)
	return true
}

// Prepend grows the packet into its headroom.
func (pkt *Packet) Prepend(data []byte) bool {
	if len(data) > pkt.off {
		return false
	}
	pkt.off -= len(data)
	pkt.length += len(data)
	copy(pkt.buf[pkt.off:], data)
	return true
}

// Headroom returns the headroom of the buffer.
func (pkt *Packet) Headroom() int {
	return pkt.off
}

// Tailroom returns the tailroom of the buffer.
func (pkt *Packet) Tailroom() int {
	return len(pkt.buf) - pkt.off - pkt.length
}

// Port returns the ingress port index.
func (pkt *Packet) Port() uint16 {
	return pkt.port
}

// SetPort sets the ingress port index.
func (pkt *Packet) SetPort(port uint16) {
	pkt.port = port
}

// Anno exposes the per-packet annotation record.
func (pkt *Packet) Anno() *Annotation {
	return &pkt.anno
}

// Close releases the packet back to its pool.
func (pkt *Packet) Close() error {
	if pkt.pool != nil {
		pkt.pool.put(pkt)
	}
	return nil
}
