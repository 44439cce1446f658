// Package ipsec provides IPsec pipeline elements.
package ipsec

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/computedev/emu"
	"github.com/anlab-kaist/nba-go/core/logging"
	"github.com/anlab-kaist/nba-go/datablock"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

var logger = logging.New("ipsec")

// HMAC parameters.
const (
	HMACKeySize   = 64
	SHADigestSize = sha1.Size
)

const (
	etherHdrSize = 14
	ipHdrSize    = 20
)

// espOffset is where the authenticated region begins: after the Ethernet and
// outer IP headers.
const espOffset = etherHdrSize + ipHdrSize

// ipaddrPair keys the SA table by outer src/dst address.
type ipaddrPair struct {
	src, dst uint32
}

// saEntry stores one tunnel's authentication key.
type saEntry struct {
	entryIdx int
	hmacKey  [HMACKeySize]byte
}

// nodelocal keys.
const (
	nlsSaTable  = "ipsec.h_hmac_sa_table"
	nlsFlows    = "ipsec.h_hmac_flows"
	nlsDevFlows = "ipsec.d_hmac_flows"
)

// Datablocks carried by the HMAC kernel.
var (
	dbEncPayloads = &datablock.Desc{
		Name:  "ipsec.hmac.payload",
		Mode:  datablock.ReadWrite,
		Read:  datablock.RangeSpec{Offset: espOffset, WholePacket: true},
		Write: datablock.RangeSpec{Offset: espOffset, WholePacket: true},
	}
	dbFlowIDs = &datablock.Desc{
		Name:     "ipsec.hmac.flow_ids",
		Mode:     datablock.ReadOnly,
		ReadAnno: &datablock.AnnoSpec{Slot: pktbuf.AnnoIPsecFlowID},
	}
)

func init() {
	datablock.Register(dbEncPayloads)
	datablock.Register(dbFlowIDs)
	element.Register("IPsecAuthHMACSHA1", func() element.Element { return new(AuthHMACSHA1) })
}

// Build-time SA records, produced once in InitializeGlobal, copied into each
// node's local storage in InitializePerNode, and freed before steady state.
var buildRecord *struct {
	table   map[ipaddrPair]int
	entries []saEntry
}

// AuthHMACSHA1 authenticates ESP-encapsulated packets by writing an
// HMAC-SHA1 signature over the encapsulated payload into the digest octets
// that end the packet; the packet length is unchanged. The flow's key is
// selected by the IPsec flow-id annotation; packets without it are dropped.
type AuthHMACSHA1 struct {
	ctx        *element.Context
	numTunnels int

	saTable  map[ipaddrPair]int
	flows    []saEntry
	devFlows computedev.DeviceBuffer
}

// ClassName implements element.Element.
func (el *AuthHMACSHA1) ClassName() string { return "IPsecAuthHMACSHA1" }

// PortCount implements element.Element.
func (el *AuthHMACSHA1) PortCount() (int, int) { return 1, 1 }

// Configure implements element.Element.
func (el *AuthHMACSHA1) Configure(ctx *element.Context, args []string) error {
	el.ctx = ctx
	el.numTunnels = 1024
	for _, arg := range args {
		if strings.HasPrefix(arg, "num_tunnels=") {
			v := strings.TrimPrefix(arg, "num_tunnels=")
			n, e := strconv.Atoi(v)
			if e != nil || n <= 0 {
				return fmt.Errorf("IPsecAuthHMACSHA1: bad num_tunnels %q", v)
			}
			el.numTunnels = n
			continue
		}
		return fmt.Errorf("IPsecAuthHMACSHA1: unknown token %q", arg)
	}
	return nil
}

// InitializeGlobal builds the SA table and key array in the global init phase.
func (el *AuthHMACSHA1) InitializeGlobal() error {
	rec := &struct {
		table   map[ipaddrPair]int
		entries []saEntry
	}{
		table:   make(map[ipaddrPair]int, el.numTunnels),
		entries: make([]saEntry, el.numTunnels),
	}
	for i := 0; i < el.numTunnels; i++ {
		pair := ipaddrPair{src: 0x0a000001, dst: 0x0a000000 | uint32(i+1)}
		rec.table[pair] = i
		entry := &rec.entries[i]
		entry.entryIdx = i
		copy(entry.hmacKey[:], []byte(strings.Repeat("abcd", HMACKeySize/4)))
	}
	buildRecord = rec
	return nil
}

// InitializePerNode copies the SA records into node-local storage.
func (el *AuthHMACSHA1) InitializePerNode() error {
	nls := el.ctx.NodeLocal
	table := make(map[ipaddrPair]int, len(buildRecord.table))
	for k, v := range buildRecord.table {
		table[k] = v
	}
	if e := nls.PutObj(nlsSaTable, table); e != nil {
		return e
	}
	flows := make([]saEntry, len(buildRecord.entries))
	copy(flows, buildRecord.entries)
	return nls.PutObj(nlsFlows, flows)
}

// Initialize borrows per-node state into the thread's element instance and
// releases the build-time records.
func (el *AuthHMACSHA1) Initialize() error {
	nls := el.ctx.NodeLocal
	el.saTable, _ = nls.GetObj(nlsSaTable).(map[ipaddrPair]int)
	el.flows, _ = nls.GetObj(nlsFlows).([]saEntry)
	if el.flows == nil {
		return fmt.Errorf("IPsecAuthHMACSHA1: node-local flows missing")
	}
	if dev, ok := nls.GetObj(nlsDevFlows).(computedev.DeviceBuffer); ok {
		el.devFlows = dev
	}
	buildRecord = nil
	return nil
}

// Process implements element.Plain: the CPU path.
//
// Input packet layout (already encapsulated):
//
//	Ethernet | IP(proto=ESP) | ESP | IP | payload | padding | HMAC-SHA1 digest
//
// The authenticated region runs from the ESP header to the digest.
func (el *AuthHMACSHA1) Process(inPort int, pkt *pktbuf.Packet) element.Disposition {
	flowID, ok := pkt.Anno().Get(pktbuf.AnnoIPsecFlowID)
	if !ok {
		return element.Drop
	}
	if int(flowID) >= len(el.flows) {
		return element.Drop
	}
	data := pkt.Bytes()
	if len(data) < espOffset+SHADigestSize {
		return element.Drop
	}
	totLen := int(binary.BigEndian.Uint16(data[etherHdrSize+2 : etherHdrSize+4]))
	ihl := int(data[etherHdrSize]&0x0f) * 4
	payloadLen := totLen - ihl - SHADigestSize
	if payloadLen < 0 || espOffset+payloadLen+SHADigestSize > len(data) {
		return element.Drop
	}
	key := el.flows[flowID].hmacKey[:]
	signHMACSHA1(key, data[espOffset:espOffset+payloadLen], data[espOffset+payloadLen:])
	return element.Pass(0)
}

// OffloadArms implements element.Offloadable.
func (el *AuthHMACSHA1) OffloadArms() []computedev.OffloadArm {
	return []computedev.OffloadArm{{
		Kind:          emu.DeviceKind,
		Kernel:        emu.Kernel{Name: "ipsec_hmac_sha1", Func: hmacKernel},
		WorkgroupSize: 32,
	}}
}

// UsedDatablocks implements element.Offloadable.
func (el *AuthHMACSHA1) UsedDatablocks() []int {
	return []int{dbEncPayloads.ID(), dbFlowIDs.ID()}
}

// InitOffload implements element.Offloadable: the key array is written to a
// device buffer bound to the coprocessor's command stream, once per node.
func (el *AuthHMACSHA1) InitOffload(dev computedev.Device) error {
	nls := el.ctx.NodeLocal
	if nls.GetObj(nlsDevFlows) != nil {
		return nil
	}
	flows, _ := nls.GetObj(nlsFlows).([]saEntry)
	if flows == nil {
		return fmt.Errorf("IPsecAuthHMACSHA1: per-node init has not run")
	}
	size := len(flows) * HMACKeySize
	host := dev.AllocHostBuffer(size)
	for i := range flows {
		copy(host.Bytes[i*HMACKeySize:], flows[i].hmacKey[:])
	}
	devBuf := dev.AllocDeviceBuffer(size)
	if e := dev.Memwrite(host, devBuf, 0, size); e != nil {
		return e
	}
	return nls.PutObj(nlsDevFlows, devBuf)
}

// PushComputeArgs implements element.Offloadable.
func (el *AuthHMACSHA1) PushComputeArgs(cctx computedev.Context) {
	cctx.PushKernelArg(el.devFlows)
}

// Postproc implements element.Offloadable.
func (el *AuthHMACSHA1) Postproc(inPort int, pkt *pktbuf.Packet) element.Disposition {
	return element.Pass(0)
}

// hmacKernel is the emulated device kernel. Argument order matches the push
// sequence: the device key array, then one kernel-arg record per datablock.
func hmacKernel(args []any, res computedev.ResourceParam) error {
	if len(args) != 3 {
		return fmt.Errorf("ipsec_hmac_sha1: expected 3 args, got %d", len(args))
	}
	flowsBuf, ok := args[0].(computedev.DeviceBuffer)
	if !ok {
		return fmt.Errorf("ipsec_hmac_sha1: bad flows buffer")
	}
	keys, _ := flowsBuf.Handle.([]byte)
	payloadArg, ok1 := args[1].(*datablock.KernelArg)
	flowIDArg, ok2 := args[2].(*datablock.KernelArg)
	if !ok1 || !ok2 {
		return fmt.Errorf("ipsec_hmac_sha1: bad datablock args")
	}
	for b, pb := range payloadArg.Batches {
		fb := flowIDArg.Batches[b]
		for i := 0; i < int(pb.ItemCountIn); i++ {
			flowID := binary.LittleEndian.Uint64(
				fb.BufferBasesIn[fb.ItemOffsetsIn[i] : fb.ItemOffsetsIn[i]+8])
			if int(flowID)*HMACKeySize+HMACKeySize > len(keys) {
				return fmt.Errorf("ipsec_hmac_sha1: flow id %d out of range", flowID)
			}
			key := keys[flowID*HMACKeySize : flowID*HMACKeySize+HMACKeySize]

			size := int(pb.ItemSizesIn[i])
			in := pb.BufferBasesIn[pb.ItemOffsetsIn[i] : int(pb.ItemOffsetsIn[i])+size]
			out := pb.BufferBasesOut[pb.ItemOffsetsOut[i] : int(pb.ItemOffsetsOut[i])+int(pb.ItemSizesOut[i])]
			copy(out, in)
			authLen := size - SHADigestSize
			if authLen < 0 {
				continue
			}
			signHMACSHA1(key, out[:authLen], out[authLen:])
		}
	}
	return nil
}

// signHMACSHA1 writes the HMAC-SHA1 digest of msg under key into out.
func signHMACSHA1(key, msg, out []byte) {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	copy(out, mac.Sum(nil))
}
