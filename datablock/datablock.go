// Package datablock implements the declarative per-element description of
// packet regions an offloaded kernel reads and writes, and the per-batch
// materialization of those regions into device-friendly records.
package datablock

import (
	"fmt"

	"github.com/anlab-kaist/nba-go/pktbuf"
)

// AccessMode describes how a kernel touches a packet region.
type AccessMode int

// Access modes.
const (
	ReadOnly AccessMode = iota
	WriteOnly
	ReadWrite
)

// RangeSpec selects one contiguous byte range per packet, anchored at a fixed
// offset into packet data. Length is fixed, or the packet remainder when
// WholePacket is set.
type RangeSpec struct {
	Offset      int
	Length      int
	WholePacket bool
}

func (rs RangeSpec) resolve(pkt *pktbuf.Packet) (off, length int, e error) {
	off = rs.Offset
	length = rs.Length
	if rs.WholePacket {
		length = pkt.Len() - rs.Offset
	}
	if off < 0 || length < 0 || off+length > pkt.Len() {
		return 0, 0, fmt.Errorf("range [%d:%d) exceeds packet length %d", off, off+length, pkt.Len())
	}
	return off, length, nil
}

// AnnoSpec selects a per-packet annotation slot instead of packet bytes.
// Each item is the slot value as 8 little-endian octets; packets lacking the
// slot are rejected from the batch.
type AnnoSpec struct {
	Slot int
}

// Desc declares the regions one datablock carries to and from the device.
// ReadAnno, when set, replaces Read as the input source.
type Desc struct {
	Name     string
	Mode     AccessMode
	Read     RangeSpec // valid unless Mode == WriteOnly or ReadAnno is set
	ReadAnno *AnnoSpec
	Write    RangeSpec // valid unless Mode == ReadOnly
	id       int
}

// ID returns the process-wide datablock id.
func (d *Desc) ID() int {
	return d.id
}
