package ipsec_test

import (
	"crypto/hmac"
	"crypto/sha1"
	"net"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/anlab-kaist/nba-go/core/testenv"
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/element/ipsec"
	"github.com/anlab-kaist/nba-go/nodelocal"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

// buildESPFrame serializes Ethernet+IPv4 carrying an opaque ESP payload of
// authLen octets followed by room for the HMAC-SHA1 digest.
func buildESPFrame(t *testing.T, authLen int) []byte {
	payload := make([]byte, authLen+ipsec.SHADigestSize)
	for i := 0; i < authLen; i++ {
		payload[i] = byte(i*7 + 3)
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

func newAuthElement(t *testing.T) (*ipsec.AuthHMACSHA1, *pktbuf.Pool) {
	_, require := testenv.MakeAR(t)

	ectx := &element.Context{
		Node:      numa.NodeFromID(0),
		NodeLocal: nodelocal.New(numa.NodeFromID(0)),
		BatchSize: 64,
	}
	el, e := element.NewByClass("IPsecAuthHMACSHA1")
	require.NoError(e)
	auth := el.(*ipsec.AuthHMACSHA1)
	require.NoError(auth.Configure(ectx, []string{"num_tunnels=8"}))
	require.NoError(auth.InitializeGlobal())
	require.NoError(auth.InitializePerNode())
	require.NoError(auth.Initialize())

	pool, e := pktbuf.NewPool("ESP", pktbuf.PoolConfig{Capacity: 8, Dataroom: 2048}, numa.Node{})
	require.NoError(e)
	return auth, pool
}

func TestProcessSignsPayload(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	auth, pool := newAuthElement(t)

	frame := buildESPFrame(t, 128)
	pkt := pool.Alloc()
	require.True(pkt.Append(frame))
	pkt.Anno().Set(pktbuf.AnnoIPsecFlowID, 0)

	disp := auth.Process(0, pkt)
	port, pass := disp.IsPass()
	require.True(pass)
	assert.Equal(0, port)

	data := pkt.Bytes()
	authStart := 14 + 20
	authRegion := data[authStart : authStart+128]
	key := []byte(strings.Repeat("abcd", 16))
	mac := hmac.New(sha1.New, key)
	mac.Write(authRegion)
	assert.Equal(mac.Sum(nil), data[len(data)-ipsec.SHADigestSize:],
		"trailing octets must be the HMAC-SHA1 of the authenticated region")
	pkt.Close()
}

func TestProcessWithoutAnnotationDrops(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	auth, pool := newAuthElement(t)

	pkt := pool.Alloc()
	require.True(pkt.Append(buildESPFrame(t, 64)))

	disp := auth.Process(0, pkt)
	assert.True(disp.IsDrop())
	pkt.Close()
}

func TestProcessBoundsChecked(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	auth, pool := newAuthElement(t)

	// Runt frame, shorter than headers plus digest.
	pkt := pool.Alloc()
	require.True(pkt.Append(make([]byte, 20)))
	pkt.Anno().Set(pktbuf.AnnoIPsecFlowID, 1)
	assert.True(auth.Process(0, pkt).IsDrop())
	pkt.Close()

	// Flow id beyond the SA table.
	pkt = pool.Alloc()
	require.True(pkt.Append(buildESPFrame(t, 64)))
	pkt.Anno().Set(pktbuf.AnnoIPsecFlowID, 1000)
	assert.True(auth.Process(0, pkt).IsDrop())
	pkt.Close()
}
