package numa

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Core represents a logical CPU core.
// Zero value is an invalid core.
type Core struct {
	v int // core ID + 1
}

// CoreFromID converts core ID to Core.
func CoreFromID(id int) (core Core) {
	if id < 0 {
		return core
	}
	core.v = id + 1
	return core
}

// ID returns core ID.
func (core Core) ID() int {
	return core.v - 1
}

// Valid returns true if this is a valid core (not zero value).
func (core Core) Valid() bool {
	return core.v != 0
}

func (core Core) String() string {
	if !core.Valid() {
		return "invalid"
	}
	return strconv.Itoa(core.ID())
}

// NumaNode returns the NUMA node where this core is located.
func (core Core) NumaNode() Node {
	if !core.Valid() {
		return Node{}
	}
	return NodeOfCore(core.ID())
}

var (
	topoOnce   sync.Once
	coreToNode map[int]int
	nodeCount  int
)

func readTopology() {
	coreToNode = map[int]int{}
	nodeCount = 1
	entries, e := os.ReadDir("/sys/devices/system/node")
	if e != nil {
		return
	}
	maxNode := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, e := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if e != nil {
			continue
		}
		if id > maxNode {
			maxNode = id
		}
		cpus, e := filepath.Glob(filepath.Join("/sys/devices/system/node", name, "cpu[0-9]*"))
		if e != nil {
			continue
		}
		for _, cpu := range cpus {
			base := filepath.Base(cpu)
			cpuID, e := strconv.Atoi(strings.TrimPrefix(base, "cpu"))
			if e != nil {
				continue
			}
			coreToNode[cpuID] = id
		}
	}
	nodeCount = maxNode + 1
}

// CountNodes returns the number of configured NUMA nodes, at least 1.
func CountNodes() int {
	topoOnce.Do(readTopology)
	return nodeCount
}

// NodeOfCore returns the NUMA node containing the given CPU core.
// Unknown cores map to node 0.
func NodeOfCore(coreID int) Node {
	topoOnce.Do(readTopology)
	if id, ok := coreToNode[coreID]; ok {
		return NodeFromID(id)
	}
	return NodeFromID(0)
}

// Pin binds the calling goroutine to the given core: the goroutine is locked
// to its OS thread and the thread's CPU affinity is restricted to the core.
// Pinning failures are ignored; they only cost locality, not correctness.
func Pin(core Core) {
	runtime.LockOSThread()
	if !core.Valid() {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core.ID())
	unix.SchedSetaffinity(0, &set)
}

// Unpin releases the OS-thread lock taken by Pin.
func Unpin() {
	runtime.UnlockOSThread()
}
