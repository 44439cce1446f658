// Package ether provides Ethernet-layer pipeline elements.
package ether

import (
	"fmt"
	"strconv"

	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

func init() {
	element.Register("L2ForwardCreate", func() element.Element { return new(L2ForwardCreate) })
}

// L2ForwardCreate stamps every packet's out-iface annotation with a
// statically configured NIC port and passes it to its only output; the
// downstream sink decides the TX port. Configuration tokens: method
// echo|forward (default forward), next_port index for the forward method;
// echo stamps the ingress port instead.
type L2ForwardCreate struct {
	ctx      *element.Context
	echo     bool
	nextPort uint16
}

// ClassName implements element.Element.
func (el *L2ForwardCreate) ClassName() string { return "L2ForwardCreate" }

// PortCount implements element.Element.
func (el *L2ForwardCreate) PortCount() (int, int) { return 1, 1 }

// Configure implements element.Element.
func (el *L2ForwardCreate) Configure(ctx *element.Context, args []string) error {
	el.ctx = ctx
	for _, arg := range args {
		key, value := splitToken(arg)
		switch key {
		case "method":
			switch value {
			case "echo":
				el.echo = true
			case "forward":
				el.echo = false
			default:
				return fmt.Errorf("L2ForwardCreate: unknown method %q", value)
			}
		case "next_port":
			v, e := strconv.ParseUint(value, 10, 16)
			if e != nil {
				return fmt.Errorf("L2ForwardCreate: bad next_port %q", value)
			}
			el.nextPort = uint16(v)
		default:
			return fmt.Errorf("L2ForwardCreate: unknown token %q", arg)
		}
	}
	if int(el.nextPort) >= ctx.NumTxPorts && !el.echo {
		return fmt.Errorf("L2ForwardCreate: next_port %d exceeds %d TX ports", el.nextPort, ctx.NumTxPorts)
	}
	return nil
}

// Process implements element.Plain.
func (el *L2ForwardCreate) Process(inPort int, pkt *pktbuf.Packet) element.Disposition {
	out := el.nextPort
	if el.echo {
		out = pkt.Port()
	}
	pkt.Anno().Set(pktbuf.AnnoIfaceOut, uint64(out))
	return element.Pass(0)
}

func splitToken(tok string) (key, value string) {
	for i := 0; i < len(tok); i++ {
		if tok[i] == '=' {
			return tok[:i], tok[i+1:]
		}
	}
	return tok, ""
}
