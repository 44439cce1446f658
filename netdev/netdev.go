// Package netdev defines the poll-mode NIC driver contract: burst RX/TX on
// hardware queues, port configuration, and link state.
package netdev

import (
	"fmt"

	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

// MACAddr is an Ethernet hardware address.
type MACAddr [6]byte

func (a MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// LinkStatus reports the port's link state.
type LinkStatus struct {
	Up         bool
	SpeedMbps  int
	FullDuplex bool
}

// DevInfo describes device capabilities.
type DevInfo struct {
	DriverName  string
	MaxRxQueues int
	MaxTxQueues int
}

// Port is one NIC port exposed by the driver.
type Port interface {
	ID() uint16
	DevInfo() DevInfo
	MacAddr() MACAddr
	NumaNode() numa.Node

	// Configure sets the queue counts before queue setup.
	Configure(nRxQueues, nTxQueues int) error
	// SetupRxQueue binds a descriptor ring and packet pool to an RX queue.
	SetupRxQueue(queue, nDesc int, pool *pktbuf.Pool) error
	// SetupTxQueue creates a TX descriptor ring.
	SetupTxQueue(queue, nDesc int) error

	Start() error
	Stop() error
	SetPromiscuous(enable bool)
	LinkStatus() LinkStatus

	// RxBurst fills pkts from an RX queue, returning the burst size.
	RxBurst(queue int, pkts []*pktbuf.Packet) int
	// TxBurst transmits pkts on a TX queue, returning how many were taken.
	// Taken packets are owned by the driver until TX completion frees them.
	TxBurst(queue int, pkts []*pktbuf.Packet) int
}

// Driver is the poll-mode driver: it discovers ports at bring-up.
type Driver interface {
	Ports() []Port
	Close() error
}
