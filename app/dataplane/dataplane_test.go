package dataplane

import (
	"crypto/hmac"
	"crypto/sha1"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/core/testenv"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/netdev/ringdev"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"

	_ "github.com/anlab-kaist/nba-go/element/ether"
	_ "github.com/anlab-kaist/nba-go/element/ipsec"
	_ "github.com/anlab-kaist/nba-go/element/std"
)

const sysPlain = `
IO_BATCH_SIZE = 32
COMP_BATCH_SIZE = 32

[io.0]
core = 0
rxqs = 0:0
swrxq = 0

[comp.0]
core = 1
swrxq = 0
`

const sysTwoPorts = `
IO_BATCH_SIZE = 32
COMP_BATCH_SIZE = 32

[io.0]
core = 0
rxqs = 0:0, 1:0
swrxq = 0

[comp.0]
core = 1
swrxq = 0
`

const sysCoproc = `
IO_BATCH_SIZE = 32
COMP_BATCH_SIZE = 32

[io.0]
core = 0
rxqs = 0:0
swrxq = 0

[comp.0]
core = 1
swrxq = 0
taskinq = 0
taskoutq = 0

[coproc.0]
core = 2
device = 0
taskinq = 0
`

func buildDataPlane(t *testing.T, sysText, plText string, nPorts int) (*DataPlane, *ringdev.Driver) {
	_, require := testenv.MakeAR(t)
	sys, e := config.ParseSystem([]byte(sysText))
	require.NoError(e)
	pl, e := config.ParsePipeline([]byte(plText))
	require.NoError(e)
	drv := ringdev.NewDriver(nPorts, numa.NodeFromID(0))
	dp, e := New(Config{System: sys, Pipeline: pl}, drv)
	require.NoError(e)
	return dp, drv
}

// inject delivers frames to a port's RX queue, retrying while the queue is full.
func inject(t *testing.T, port *ringdev.Port, n int, frame func(i int) []byte) {
	deadline := time.Now().Add(10 * time.Second)
	for i := 0; i < n; i++ {
		for !port.InjectFrame(0, frame(i)) {
			if time.Now().After(deadline) {
				t.Fatalf("injection stalled at packet %d", i)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func ethFrame(dst byte, seq int) []byte {
	frame := make([]byte, 60)
	copy(frame, []byte{0x02, 0, 0, 0, 0, dst})
	copy(frame[6:], []byte{0x02, 0, 0, 0, 0, 0x00})
	frame[12], frame[13] = 0x08, 0x00
	frame[14] = byte(seq)
	frame[15] = byte(seq >> 8)
	return frame
}

func TestL2ForwardSmoke(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	dp, drv := buildDataPlane(t, sysTwoPorts, `{
		"elements": [
			{"id": "rx0", "class": "FromDevice", "args": ["0"]},
			{"id": "fwd", "class": "L2ForwardCreate", "args": ["next_port=1"]},
			{"id": "tx1", "class": "ToDevice", "args": ["1"]}
		],
		"edges": [
			{"src": "rx0", "dst": "fwd"},
			{"src": "fwd", "dst": "tx1"}
		]
	}`, 2)
	dp.Launch()

	const nPkts = 1000
	inject(t, drv.Port(0), nPkts, func(i int) []byte { return ethFrame(1, i) })

	require.Eventually(func() bool {
		return len(drv.Port(1).Transmitted()) == nPkts
	}, 10*time.Second, time.Millisecond)

	sent := drv.Port(1).Transmitted()
	assert.Equal(ethFrame(1, 0), sent[0], "frames must arrive unmodified and in order")
	assert.Equal(ethFrame(1, nPkts-1), sent[nPkts-1])
	assert.EqualValues(nPkts, dp.Counters(0).Recv.Load())
	assert.EqualValues(nPkts, dp.Counters(1).Sent.Load())
	assert.Zero(dp.Counters(0).SwDrop.Load())
	assert.Empty(drv.Port(0).Transmitted())

	require.NoError(dp.Close())
}

func TestDiscardPath(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	dp, drv := buildDataPlane(t, sysPlain, `{
		"elements": [
			{"id": "rx0", "class": "FromDevice", "args": ["0"]},
			{"id": "sink", "class": "Discard"}
		],
		"edges": [{"src": "rx0", "dst": "sink"}]
	}`, 1)
	dp.Launch()

	const nPkts = 100
	inject(t, drv.Port(0), nPkts, func(i int) []byte { return ethFrame(0, i) })

	require.Eventually(func() bool {
		return dp.Counters(0).SwDrop.Load() == nPkts
	}, 10*time.Second, time.Millisecond)
	assert.Empty(drv.Port(0).Transmitted())
	assert.EqualValues(nPkts, dp.Counters(0).Recv.Load())

	require.NoError(dp.Close())
}

func TestBackpressure(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	dp, drv := buildDataPlane(t, sysPlain, `{
		"elements": [
			{"id": "rx0", "class": "FromDevice", "args": ["0"]},
			{"id": "id", "class": "Identity"},
			{"id": "tx0", "class": "ToDevice", "args": ["0"]}
		],
		"edges": [
			{"src": "rx0", "dst": "id"},
			{"src": "id", "dst": "tx0"}
		]
	}`, 1)
	drv.Port(0).SetStallTx(true)
	dp.Launch()

	const nPkts = 800
	inject(t, drv.Port(0), nPkts, func(i int) []byte { return ethFrame(0, i) })

	// With TX stalled and preserve-latency off, the ring fills to capacity;
	// the overflow is dropped and counted as sw-drop. Every packet is
	// accounted for.
	require.Eventually(func() bool {
		inRing := dp.ios[0].txRings[0].CountInUse()
		swDrop := int(dp.Counters(0).SwDrop.Load())
		return swDrop > 0 && inRing+swDrop == nPkts
	}, 10*time.Second, time.Millisecond)
	assert.Zero(dp.Counters(0).Sent.Load())

	// TX resumes; steady state recovers and the queued packets drain.
	queued := dp.ios[0].txRings[0].CountInUse()
	drv.Port(0).SetStallTx(false)
	require.Eventually(func() bool {
		return len(drv.Port(0).Transmitted()) >= queued
	}, 10*time.Second, time.Millisecond)

	require.NoError(dp.Close())
	total := int(dp.Counters(0).Sent.Load() + dp.Counters(0).SwDrop.Load() + dp.Counters(0).TxDrop.Load())
	assert.Equal(nPkts, total, "no loss, no duplication")
}

func TestGracefulTermination(t *testing.T) {
	_, require := testenv.MakeAR(t)
	dp, drv := buildDataPlane(t, sysTwoPorts, `{
		"elements": [
			{"id": "rx0", "class": "FromDevice", "args": ["0"]},
			{"id": "fwd", "class": "L2ForwardCreate", "args": ["next_port=1"]},
			{"id": "tx1", "class": "ToDevice", "args": ["1"]}
		],
		"edges": [
			{"src": "rx0", "dst": "fwd"},
			{"src": "fwd", "dst": "tx1"}
		]
	}`, 2)
	dp.Launch()

	var stopFeeding atomic.Bool
	go func() {
		for i := 0; !stopFeeding.Load(); i++ {
			drv.Port(0).InjectFrame(0, ethFrame(1, i))
		}
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- dp.Close() }()
	select {
	case e := <-done:
		require.NoError(e)
	case <-time.After(10 * time.Second):
		t.Fatal("threads did not join within the drain interval")
	}
	stopFeeding.Store(true)
}

// setIPsecFlow stamps every packet with IPsec flow 0, standing in for a flow
// classifier ahead of the authenticator.
type setIPsecFlow struct{}

func (setIPsecFlow) ClassName() string     { return "SetIPsecFlow" }
func (setIPsecFlow) PortCount() (int, int) { return 1, 1 }
func (setIPsecFlow) Configure(ctx *element.Context, args []string) error {
	return nil
}
func (setIPsecFlow) Process(inPort int, pkt *pktbuf.Packet) element.Disposition {
	pkt.Anno().Set(pktbuf.AnnoIPsecFlowID, 0)
	return element.Pass(0)
}

func init() {
	element.Register("SetIPsecFlow", func() element.Element { return setIPsecFlow{} })
}

func espFrame(t *testing.T, authLen int) []byte {
	payload := make([]byte, authLen+sha1.Size)
	for i := 0; i < authLen; i++ {
		payload[i] = byte(i*13 + 1)
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x10},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x20},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolESP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if e := gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload(payload)); e != nil {
		t.Fatal(e)
	}
	return buf.Bytes()
}

func TestIPsecOffloadPath(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	dp, drv := buildDataPlane(t, sysCoproc, `{
		"elements": [
			{"id": "rx0", "class": "FromDevice", "args": ["0"]},
			{"id": "cls", "class": "SetIPsecFlow"},
			{"id": "auth", "class": "IPsecAuthHMACSHA1", "args": ["num_tunnels=16"]},
			{"id": "tx0", "class": "ToDevice", "args": ["0"]}
		],
		"edges": [
			{"src": "rx0", "dst": "cls"},
			{"src": "cls", "dst": "auth"},
			{"src": "auth", "dst": "tx0"}
		]
	}`, 1)
	dp.Launch()

	const nPkts = 50
	const authLen = 128
	frame := espFrame(t, authLen)
	inject(t, drv.Port(0), nPkts, func(i int) []byte { return frame })

	require.Eventually(func() bool {
		return len(drv.Port(0).Transmitted()) == nPkts
	}, 10*time.Second, time.Millisecond)

	key := []byte(strings.Repeat("abcd", 16))
	for _, sent := range drv.Port(0).Transmitted() {
		authStart := 14 + 20
		mac := hmac.New(sha1.New, key)
		mac.Write(sent[authStart : authStart+authLen])
		assert.Equal(mac.Sum(nil), sent[len(sent)-sha1.Size:])
	}
	require.NoError(dp.Close())
}

func TestIPsecWithoutAnnotationDrops(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	dp, drv := buildDataPlane(t, sysCoproc, `{
		"elements": [
			{"id": "rx0", "class": "FromDevice", "args": ["0"]},
			{"id": "auth", "class": "IPsecAuthHMACSHA1", "args": ["num_tunnels=16"]},
			{"id": "tx0", "class": "ToDevice", "args": ["0"]}
		],
		"edges": [
			{"src": "rx0", "dst": "auth"},
			{"src": "auth", "dst": "tx0"}
		]
	}`, 1)
	dp.Launch()

	const nPkts = 10
	frame := espFrame(t, 64)
	inject(t, drv.Port(0), nPkts, func(i int) []byte { return frame })

	// Packets lacking the flow-id annotation never reach TX.
	require.Eventually(func() bool {
		c := dp.Counters(0)
		return c.Invalid.Load()+c.SwDrop.Load() == nPkts
	}, 10*time.Second, time.Millisecond)
	assert.Empty(drv.Port(0).Transmitted())
	require.NoError(dp.Close())
}
