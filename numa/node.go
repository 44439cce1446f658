// Package numa models the machine's NUMA topology and pins threads to cores.
package numa

import (
	"encoding/json"
	"strconv"
)

// MaxNodes is the highest supported NUMA node count.
const MaxNodes = 8

// Node represents a NUMA node.
// Zero value is "any node".
type Node struct {
	v int // node ID + 1
}

// NodeFromID converts node ID to Node.
func NodeFromID(id int) (node Node) {
	if id < 0 || id >= MaxNodes {
		return node
	}
	node.v = id + 1
	return node
}

// ID returns NUMA node ID.
func (node Node) ID() int {
	return node.v - 1
}

// IsAny returns true if this represents "any node".
func (node Node) IsAny() bool {
	return node.v == 0
}

// Match returns true if either Node is "any", or both are the same node.
func (node Node) Match(other Node) bool {
	return node.IsAny() || other.IsAny() || node.v == other.v
}

func (node Node) String() string {
	if node.IsAny() {
		return "any"
	}
	return strconv.Itoa(node.ID())
}

// MarshalJSON encodes the node as a number. Any is encoded as null.
func (node Node) MarshalJSON() ([]byte, error) {
	if node.IsAny() {
		return json.Marshal(nil)
	}
	return json.Marshal(node.ID())
}

// WithNode interface is implemented by types that have an associated or preferred NUMA node.
type WithNode interface {
	NumaNode() Node
}
