// Package std provides the standard pipeline elements.
package std

import (
	"github.com/anlab-kaist/nba-go/element"
	"github.com/anlab-kaist/nba-go/pktbuf"
)

func init() {
	element.Register("Discard", func() element.Element { return new(Discard) })
	element.Register("Identity", func() element.Element { return new(Identity) })
}

// Discard drops every packet.
type Discard struct {
	ctx *element.Context
}

// ClassName implements element.Element.
func (el *Discard) ClassName() string { return "Discard" }

// PortCount implements element.Element.
func (el *Discard) PortCount() (int, int) { return 1, 0 }

// Configure implements element.Element.
func (el *Discard) Configure(ctx *element.Context, args []string) error {
	el.ctx = ctx
	return nil
}

// Process implements element.Plain.
func (el *Discard) Process(inPort int, pkt *pktbuf.Packet) element.Disposition {
	return element.Drop
}

// Identity forwards every packet unchanged.
type Identity struct {
	ctx *element.Context
}

// ClassName implements element.Element.
func (el *Identity) ClassName() string { return "Identity" }

// PortCount implements element.Element.
func (el *Identity) PortCount() (int, int) { return 1, 1 }

// Configure implements element.Element.
func (el *Identity) Configure(ctx *element.Context, args []string) error {
	el.ctx = ctx
	return nil
}

// Process implements element.Plain.
func (el *Identity) Process(inPort int, pkt *pktbuf.Packet) element.Disposition {
	return element.Pass(0)
}
