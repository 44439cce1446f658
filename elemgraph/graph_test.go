package elemgraph_test

import (
	"fmt"
	"testing"

	"github.com/anlab-kaist/nba-go/computedev"
	"github.com/anlab-kaist/nba-go/computedev/emu"
	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/core/testenv"
	"github.com/anlab-kaist/nba-go/datablock"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/elemgraph"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"

	_ "github.com/anlab-kaist/nba-go/element/std"
)

// harness captures everything the graph pushes out.
type harness struct {
	ectx  *element.Context
	pool  *pktbuf.Pool
	tx    map[uint16][][]byte
	drops int
	sw    map[uint16]int
	inv   map[uint16]int
	tasks []*elemgraph.OffloadTask
	dev   *emu.Device
}

func newHarness(t *testing.T, withDevice bool) *harness {
	h := &harness{
		tx:  map[uint16][][]byte{},
		sw:  map[uint16]int{},
		inv: map[uint16]int{},
	}
	pool, e := pktbuf.NewPool(fmt.Sprintf("G%p", h), pktbuf.PoolConfig{Capacity: 256, Dataroom: 2048}, numa.Node{})
	if e != nil {
		t.Fatal(e)
	}
	h.pool = pool
	devices := map[string]computedev.Device{}
	if withDevice {
		h.dev = emu.New(numa.Node{}, 4)
		devices[emu.DeviceKind] = h.dev
	}
	h.ectx = &element.Context{
		NodeLocal:  nil,
		BatchSize:  64,
		NumTxPorts: 4,
		Devices:    devices,
	}
	return h
}

func (h *harness) hooks() elemgraph.Hooks {
	hooks := elemgraph.Hooks{
		SendTx: func(port uint16, pkts []*pktbuf.Packet) int {
			for _, pkt := range pkts {
				frame := make([]byte, pkt.Len())
				copy(frame, pkt.Bytes())
				h.tx[port] = append(h.tx[port], frame)
				pkt.Close()
			}
			return len(pkts)
		},
		TxAboveWatermark: func(port uint16) bool { return false },
		DropPkts: func(pkts []*pktbuf.Packet) {
			h.drops += len(pkts)
			for _, pkt := range pkts {
				pkt.Close()
			}
		},
		CountSwDrop:  func(port uint16, n int) { h.sw[port] += n },
		CountInvalid: func(port uint16, n int) { h.inv[port] += n },
	}
	if h.dev != nil {
		hooks.GetContext = func() computedev.Context { return h.dev.GetAvailableContext() }
		hooks.EnqueueTask = func(task *elemgraph.OffloadTask) bool {
			h.tasks = append(h.tasks, task)
			return true
		}
	}
	return hooks
}

func (h *harness) makeBatch(t *testing.T, port uint16, frames ...[]byte) *pktbuf.Batch {
	b := pktbuf.NewBatch(64)
	for _, frame := range frames {
		pkt := h.pool.Alloc()
		if pkt == nil {
			t.Fatal("pool exhausted")
		}
		if !pkt.Append(frame) {
			t.Fatal("frame too large")
		}
		pkt.SetPort(port)
		b.Append(pkt)
	}
	return b
}

func identityPipeline() *config.Pipeline {
	return &config.Pipeline{
		Elements: []config.ElementDecl{
			{ID: "rx0", Class: "FromDevice", Args: []string{"0"}},
			{ID: "a", Class: "Identity"},
			{ID: "b", Class: "Identity"},
			{ID: "tx1", Class: "ToDevice", Args: []string{"1"}},
		},
		Edges: []config.Edge{
			{Src: "rx0", Dst: "a"},
			{Src: "a", Dst: "b"},
			{Src: "b", Dst: "tx1"},
		},
	}
}

func TestIdentityChainBitIdentical(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	h := newHarness(t, false)

	g, e := elemgraph.New(h.ectx, identityPipeline(), h.hooks())
	require.NoError(e)
	require.NoError(g.InitPerThread())

	frames := [][]byte{{1, 2, 3, 4}, {5, 6}, {7, 8, 9, 10, 11, 12, 13, 14}}
	b := h.makeBatch(t, 0, frames...)
	assert.Equal(elemgraph.RunDone, g.Run(b))

	require.Len(h.tx[1], len(frames))
	for i, frame := range frames {
		assert.Equal(frame, h.tx[1][i])
	}
	assert.Zero(h.drops)
	assert.True(b.IsEmpty())
}

func TestDiscardDropsEverything(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	h := newHarness(t, false)

	pl := &config.Pipeline{
		Elements: []config.ElementDecl{
			{ID: "rx0", Class: "FromDevice", Args: []string{"0"}},
			{ID: "sink", Class: "Discard"},
		},
		Edges: []config.Edge{{Src: "rx0", Dst: "sink"}},
	}
	g, e := elemgraph.New(h.ectx, pl, h.hooks())
	require.NoError(e)

	nFrames := 100
	var frames [][]byte
	for i := 0; i < nFrames; i++ {
		frames = append(frames, []byte{byte(i)})
	}
	// Feed in batches of 25; every packet must drop, none transmit.
	for off := 0; off < nFrames; off += 25 {
		b := h.makeBatch(t, 0, frames[off:off+25]...)
		assert.Equal(elemgraph.RunDone, g.Run(b))
	}
	assert.Equal(nFrames, h.drops)
	assert.Equal(nFrames, h.sw[0])
	assert.Empty(h.tx)
	assert.Equal(256, h.pool.CountAvailable(), "all buffers returned")
}

func TestPacketConservation(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	h := newHarness(t, false)

	// One root chained into a sink; packets from an unknown port drop as invalid.
	g, e := elemgraph.New(h.ectx, identityPipeline(), h.hooks())
	require.NoError(e)

	b := h.makeBatch(t, 0, []byte{1}, []byte{2}, []byte{3})
	extra := h.pool.Alloc()
	extra.Append([]byte{9})
	extra.SetPort(3) // no FromDevice(3) root
	b.Append(extra)

	assert.Equal(elemgraph.RunDone, g.Run(b))
	assert.Equal(3, len(h.tx[1]))
	assert.Equal(1, h.drops)
	assert.Equal(1, h.inv[3])
	// Multiset conservation: TX + drops equals input.
	assert.Equal(4, len(h.tx[1])+h.drops)
}

func TestTombstonedBatchSkipsElements(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	h := newHarness(t, false)

	g, e := elemgraph.New(h.ectx, identityPipeline(), h.hooks())
	require.NoError(e)

	b := h.makeBatch(t, 0, []byte{1}, []byte{2})
	for i := 0; i < b.Size(); i++ {
		b.Kill(i).Close()
	}
	assert.Equal(elemgraph.RunDone, g.Run(b))
	assert.Empty(h.tx)
	assert.Zero(h.drops)
}

func TestGraphValidation(t *testing.T) {
	assert, _ := testenv.MakeAR(t)
	h := newHarness(t, false)

	// Cycle.
	_, e := elemgraph.New(h.ectx, &config.Pipeline{
		Elements: []config.ElementDecl{
			{ID: "a", Class: "Identity"},
			{ID: "b", Class: "Identity"},
		},
		Edges: []config.Edge{
			{Src: "a", Dst: "b"},
			{Src: "b", Dst: "a"},
		},
	}, h.hooks())
	assert.ErrorContains(e, "cycle")

	// Unwired output port.
	_, e = elemgraph.New(h.ectx, &config.Pipeline{
		Elements: []config.ElementDecl{
			{ID: "rx0", Class: "FromDevice", Args: []string{"0"}},
			{ID: "a", Class: "Identity"},
		},
		Edges: []config.Edge{{Src: "rx0", Dst: "a"}},
	}, h.hooks())
	assert.ErrorContains(e, "unwired")

	// No root.
	_, e = elemgraph.New(h.ectx, &config.Pipeline{
		Elements: []config.ElementDecl{{ID: "sink", Class: "Discard"}},
	}, h.hooks())
	assert.ErrorContains(e, "FromDevice")

	// Unknown class.
	_, e = elemgraph.New(h.ectx, &config.Pipeline{
		Elements: []config.ElementDecl{{ID: "x", Class: "NoSuchElement"}},
	}, h.hooks())
	assert.Error(e)
}

// countingOffload records prepare/complete interactions through the offload path.
type countingOffload struct {
	ctx       *element.Context
	kernelRan *int
	postproc  *int
}

var dbCounting = &datablock.Desc{
	Name: "test.counting",
	Mode: datablock.ReadWrite,
	Read: datablock.RangeSpec{Offset: 0, WholePacket: true},
	Write: datablock.RangeSpec{
		Offset: 0, WholePacket: true,
	},
}

func init() {
	datablock.Register(dbCounting)
}

func (el *countingOffload) ClassName() string         { return "countingOffload" }
func (el *countingOffload) PortCount() (int, int)     { return 1, 1 }
func (el *countingOffload) Configure(ctx *element.Context, args []string) error {
	el.ctx = ctx
	return nil
}

func (el *countingOffload) OffloadArms() []computedev.OffloadArm {
	return []computedev.OffloadArm{{
		Kind: emu.DeviceKind,
		Kernel: emu.Kernel{Name: "counting", Func: func(args []any, res computedev.ResourceParam) error {
			karg := args[0].(*datablock.KernelArg)
			for _, bi := range karg.Batches {
				for i := 0; i < int(bi.ItemCountIn); i++ {
					*el.kernelRan++
					off := bi.ItemOffsetsIn[i]
					size := bi.ItemSizesIn[i]
					out := bi.BufferBasesOut[bi.ItemOffsetsOut[i] : int(bi.ItemOffsetsOut[i])+int(size)]
					copy(out, bi.BufferBasesIn[off:off+uint32(size)])
					out[0] ^= 0xff
				}
			}
			return nil
		}},
		WorkgroupSize: 32,
	}}
}

func (el *countingOffload) UsedDatablocks() []int                   { return []int{dbCounting.ID()} }
func (el *countingOffload) InitOffload(dev computedev.Device) error { return nil }
func (el *countingOffload) PushComputeArgs(cctx computedev.Context) {}
func (el *countingOffload) Postproc(inPort int, pkt *pktbuf.Packet) element.Disposition {
	*el.postproc++
	return element.Pass(0)
}

func (el *countingOffload) Process(inPort int, pkt *pktbuf.Packet) element.Disposition {
	// CPU path is unused while a device context is available.
	return element.Pass(0)
}

func TestOffloadParkAndResume(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	h := newHarness(t, true)

	kernelRan, postproc := 0, 0
	element.Register("countingOffload", func() element.Element {
		return &countingOffload{kernelRan: &kernelRan, postproc: &postproc}
	})

	pl := &config.Pipeline{
		Elements: []config.ElementDecl{
			{ID: "rx0", Class: "FromDevice", Args: []string{"0"}},
			{ID: "off", Class: "countingOffload"},
			{ID: "tx0", Class: "ToDevice", Args: []string{"0"}},
		},
		Edges: []config.Edge{
			{Src: "rx0", Dst: "off"},
			{Src: "off", Dst: "tx0"},
		},
	}
	g, e := elemgraph.New(h.ectx, pl, h.hooks())
	require.NoError(e)

	b1 := h.makeBatch(t, 0, []byte{0x01, 0x02}, []byte{0x03, 0x04})
	b2 := h.makeBatch(t, 0, []byte{0x05, 0x06})
	assert.Equal(elemgraph.RunParked, g.Run(b1))
	assert.Equal(elemgraph.RunParked, g.Run(b2))
	require.Len(h.tasks, 2)
	assert.Equal(2, g.InflightCount())
	assert.EqualValues(1, b1.PendingOffloads)

	// Dispatch as the coprocessor would, completing out of order.
	dispatch := func(task *elemgraph.OffloadTask) elemgraph.Completion {
		task.Elem.PushComputeArgs(task.Cctx)
		for _, karg := range task.KernelArgs {
			task.Cctx.PushKernelArg(karg)
		}
		var c elemgraph.Completion
		task.Cctx.EnqueueKernelLaunch(task.Arm.Kernel, task.Resource, func(e error) {
			c = elemgraph.Completion{TaskID: task.ID, Err: e}
		})
		return c
	}
	c2 := dispatch(h.tasks[1])
	c1 := dispatch(h.tasks[0])

	batch, res, ok := g.Complete(c2)
	require.True(ok)
	assert.Equal(elemgraph.RunDone, res)
	assert.Same(b2, batch)
	batch, res, ok = g.Complete(c1)
	require.True(ok)
	assert.Equal(elemgraph.RunDone, res)
	assert.Same(b1, batch)

	// Every packet went through the kernel and postproc exactly once, and the
	// written-back bytes reached TX.
	assert.Equal(3, kernelRan)
	assert.Equal(3, postproc)
	require.Len(h.tx[0], 3)
	assert.Equal([]byte{0x05 ^ 0xff, 0x06}, h.tx[0][0], "batch 2 completed first")
	assert.Equal([]byte{0x01 ^ 0xff, 0x02}, h.tx[0][1])
	assert.Equal(0, g.InflightCount())

	// Unknown completion tag is tolerated.
	_, _, ok = g.Complete(elemgraph.Completion{TaskID: 999})
	assert.False(ok)
}
