package datablock

import (
	"encoding/binary"

	"github.com/anlab-kaist/nba-go/pktbuf"
)

// StagingAlloc obtains pinned staging memory, typically from a compute context.
type StagingAlloc func(size int) []byte

const annoItemSize = 8

func (d *Desc) readSize(pkt *pktbuf.Packet) (int, bool) {
	if d.ReadAnno != nil {
		if !pkt.Anno().IsSet(d.ReadAnno.Slot) {
			return 0, false
		}
		return annoItemSize, true
	}
	_, length, e := d.Read.resolve(pkt)
	if e != nil {
		return 0, false
	}
	return length, true
}

// Validate reports whether a packet satisfies the datablock's declared ranges
// and annotation requirements.
func Validate(d *Desc, pkt *pktbuf.Packet) bool {
	if d.Mode != WriteOnly {
		if _, ok := d.readSize(pkt); !ok {
			return false
		}
	}
	if d.Mode != ReadOnly {
		if _, _, e := d.Write.resolve(pkt); e != nil {
			return false
		}
	}
	return true
}

// Materialize builds the datablock's BatchInfo over the given batch slots:
// per-item size and offset vectors plus packet bytes copied into contiguous
// staging memory. Callers validate slots beforehand; slots that fail here are
// silently skipped.
func Materialize(d *Desc, batch *pktbuf.Batch, slots []int, alloc StagingAlloc) *BatchInfo {
	bi := &BatchInfo{}

	var used []int
	totalIn, totalOut := 0, 0
	for _, slot := range slots {
		pkt := batch.At(slot)
		if pkt == nil {
			continue
		}
		if d.Mode != WriteOnly {
			length, ok := d.readSize(pkt)
			if !ok {
				continue
			}
			totalIn += length
		}
		if d.Mode != ReadOnly {
			_, length, e := d.Write.resolve(pkt)
			if e != nil {
				continue
			}
			totalOut += length
		}
		used = append(used, slot)
	}

	bi.slots = used
	if d.Mode != WriteOnly {
		bi.BufferBasesIn = alloc(totalIn)
		bi.ItemSizesIn = make([]uint16, len(used))
		bi.ItemOffsetsIn = make([]uint32, len(used))
	}
	if d.Mode != ReadOnly {
		bi.BufferBasesOut = alloc(totalOut)
		bi.ItemSizesOut = make([]uint16, len(used))
		bi.ItemOffsetsOut = make([]uint32, len(used))
	}

	inPos, outPos := 0, 0
	for i, slot := range used {
		pkt := batch.At(slot)
		if d.Mode != WriteOnly {
			var length int
			if d.ReadAnno != nil {
				v, _ := pkt.Anno().Get(d.ReadAnno.Slot)
				binary.LittleEndian.PutUint64(bi.BufferBasesIn[inPos:inPos+annoItemSize], v)
				length = annoItemSize
			} else {
				off, n, _ := d.Read.resolve(pkt)
				copy(bi.BufferBasesIn[inPos:inPos+n], pkt.Bytes()[off:off+n])
				length = n
			}
			bi.ItemSizesIn[i] = uint16(length)
			bi.ItemOffsetsIn[i] = uint32(inPos)
			inPos += length
			bi.ItemCountIn++
		}
		if d.Mode != ReadOnly {
			_, length, _ := d.Write.resolve(pkt)
			bi.ItemSizesOut[i] = uint16(length)
			bi.ItemOffsetsOut[i] = uint32(outPos)
			outPos += length
			bi.ItemCountOut++
		}
	}
	return bi
}

// WriteBack copies writable staging regions back into packet memory after a
// kernel completes.
func WriteBack(d *Desc, batch *pktbuf.Batch, bi *BatchInfo) {
	if d.Mode == ReadOnly {
		return
	}
	for i, slot := range bi.slots {
		pkt := batch.At(slot)
		if pkt == nil {
			continue
		}
		off, length, e := d.Write.resolve(pkt)
		if e != nil {
			continue
		}
		pos := int(bi.ItemOffsetsOut[i])
		copy(pkt.Bytes()[off:off+length], bi.BufferBasesOut[pos:pos+length])
	}
}

// BuildKernelArg assembles the kernel argument record from materialized batches.
func BuildKernelArg(infos []*BatchInfo) *KernelArg {
	arg := &KernelArg{Batches: infos}
	var sizesIn, sizesOut []uint16
	for _, bi := range infos {
		arg.TotalItemCountIn += bi.ItemCountIn
		arg.TotalItemCountOut += bi.ItemCountOut
		sizesIn = append(sizesIn, bi.ItemSizesIn...)
		sizesOut = append(sizesOut, bi.ItemSizesOut...)
	}
	arg.ItemSizeIn = (&BatchInfo{ItemSizesIn: sizesIn}).FixedItemSize()
	arg.ItemSizeOut = (&BatchInfo{ItemSizesIn: sizesOut}).FixedItemSize()
	return arg
}
