// Package nodelocal provides per-NUMA-node keyed storage written during
// initialization and read without synchronization afterwards.
package nodelocal

import (
	"fmt"
	"sync"

	"github.com/anlab-kaist/nba-go/numa"
)

// Storage is a per-node table of string-keyed blobs and objects.
// Writers only run during init; steady-state readers share borrows freely.
type Storage struct {
	node numa.Node

	mu      sync.Mutex
	regions map[string][]byte
	objects map[string]any
}

// New creates a Storage for one node.
func New(node numa.Node) *Storage {
	return &Storage{
		node:    node,
		regions: make(map[string][]byte),
		objects: make(map[string]any),
	}
}

// NumaNode returns the owning node.
func (nls *Storage) NumaNode() numa.Node {
	return nls.node
}

// Alloc reserves a fixed-size byte region under key.
// A second Alloc of the same key on the same node is rejected.
func (nls *Storage) Alloc(key string, size int) ([]byte, error) {
	nls.mu.Lock()
	defer nls.mu.Unlock()
	if _, ok := nls.regions[key]; ok {
		return nil, fmt.Errorf("nodelocal: key %q already allocated on node %s", key, nls.node)
	}
	region := make([]byte, size)
	nls.regions[key] = region
	return region, nil
}

// Get borrows the region under key, nil if absent.
// The node owns the allocation; callers must not retain it past shutdown.
func (nls *Storage) Get(key string) []byte {
	nls.mu.Lock()
	defer nls.mu.Unlock()
	return nls.regions[key]
}

// PutObj stores a typed object under key, for state that is not a flat byte
// region. Same collision rule as Alloc.
func (nls *Storage) PutObj(key string, obj any) error {
	nls.mu.Lock()
	defer nls.mu.Unlock()
	if _, ok := nls.objects[key]; ok {
		return fmt.Errorf("nodelocal: key %q already allocated on node %s", key, nls.node)
	}
	nls.objects[key] = obj
	return nil
}

// GetObj borrows the object under key, nil if absent.
func (nls *Storage) GetObj(key string) any {
	nls.mu.Lock()
	defer nls.mu.Unlock()
	return nls.objects[key]
}
