package element

import "github.com/anlab-kaist/nba-go/pktbuf"

// Root is an element fed directly by the SW-RX stage. Packets whose ingress
// port matches DevicePort enter the graph here.
type Root interface {
	Element
	DevicePort() uint16
}

// TxSink is an element that terminates the graph into a TX port.
// Ok false drops the packet instead.
type TxSink interface {
	Element
	TxPort(pkt *pktbuf.Packet) (port uint16, ok bool)
}
