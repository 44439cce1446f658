package std

import (
	"fmt"
	"strconv"

	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

func init() {
	element.Register("FromDevice", func() element.Element { return new(FromDevice) })
	element.Register("ToDevice", func() element.Element { return new(ToDevice) })
	element.Register("ToOutput", func() element.Element { return new(ToOutput) })
}

func parsePortArg(className string, args []string) (uint16, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s: expected one port argument, got %d", className, len(args))
	}
	v, e := strconv.ParseUint(args[0], 10, 16)
	if e != nil {
		return 0, fmt.Errorf("%s: bad port %q", className, args[0])
	}
	return uint16(v), nil
}

// FromDevice feeds the graph with packets received on one NIC port.
type FromDevice struct {
	ctx  *element.Context
	port uint16
}

// ClassName implements element.Element.
func (el *FromDevice) ClassName() string { return "FromDevice" }

// PortCount implements element.Element.
func (el *FromDevice) PortCount() (int, int) { return 0, 1 }

// Configure implements element.Element.
func (el *FromDevice) Configure(ctx *element.Context, args []string) (e error) {
	el.ctx = ctx
	el.port, e = parsePortArg("FromDevice", args)
	return e
}

// DevicePort implements element.Root.
func (el *FromDevice) DevicePort() uint16 { return el.port }

// ToDevice transmits packets on one fixed NIC port.
type ToDevice struct {
	ctx  *element.Context
	port uint16
}

// ClassName implements element.Element.
func (el *ToDevice) ClassName() string { return "ToDevice" }

// PortCount implements element.Element.
func (el *ToDevice) PortCount() (int, int) { return 1, 0 }

// Configure implements element.Element.
func (el *ToDevice) Configure(ctx *element.Context, args []string) (e error) {
	el.ctx = ctx
	el.port, e = parsePortArg("ToDevice", args)
	if e == nil && int(el.port) >= ctx.NumTxPorts {
		return fmt.Errorf("ToDevice: port %d exceeds %d TX ports", el.port, ctx.NumTxPorts)
	}
	return e
}

// TxPort implements element.TxSink.
func (el *ToDevice) TxPort(pkt *pktbuf.Packet) (uint16, bool) {
	return el.port, true
}

// ToOutput transmits packets on the port chosen by the out-iface annotation;
// packets without the annotation are dropped.
type ToOutput struct {
	ctx *element.Context
}

// ClassName implements element.Element.
func (el *ToOutput) ClassName() string { return "ToOutput" }

// PortCount implements element.Element.
func (el *ToOutput) PortCount() (int, int) { return 1, 0 }

// Configure implements element.Element.
func (el *ToOutput) Configure(ctx *element.Context, args []string) error {
	el.ctx = ctx
	return nil
}

// TxPort implements element.TxSink.
func (el *ToOutput) TxPort(pkt *pktbuf.Packet) (uint16, bool) {
	v, ok := pkt.Anno().Get(pktbuf.AnnoIfaceOut)
	if !ok || int(v) >= el.ctx.NumTxPorts {
		return 0, false
	}
	return uint16(v), true
}
