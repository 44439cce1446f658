// Package ring provides a bounded MPMC ring buffer with a high-water mark
// that wakes an attached watcher.
package ring

import (
	"sync"

	binutils "github.com/jfoster/binary-utilities"
	"github.com/pkg/math"

	"github.com/anlab-kaist/nba-go/numa"
)

// Limits and defaults.
const (
	MinCapacity     = 4
	MaxCapacity     = 1 << 24
	DefaultCapacity = 256
)

// AlignCapacity adjusts Ring capacity to a power of two between minimum and maximum.
// Optional arguments: minimum capacity, default capacity, maximum capacity.
// Default capacity is used if input is zero.
func AlignCapacity(capacity int, opts ...int) int {
	min, dflt, max := MinCapacity, DefaultCapacity, MaxCapacity
	switch len(opts) {
	case 0:
	case 1:
		min, dflt = opts[0], opts[0]
	case 2:
		min, dflt = opts[0], opts[1]
	case 3:
		min, dflt, max = opts[0], opts[1], opts[2]
	default:
		panic("unexpected opts count")
	}
	if dflt < min || dflt > max ||
		binutils.NextPowerOfTwo(int64(min)) != int64(min) ||
		binutils.NextPowerOfTwo(int64(dflt)) != int64(dflt) ||
		binutils.NextPowerOfTwo(int64(max)) != int64(max) {
		panic("invalid min, dflt, max")
	}

	if capacity <= 0 {
		capacity = dflt
	} else {
		capacity = int(binutils.NextPowerOfTwo(int64(capacity)))
	}
	return math.MinInt(math.MaxInt(min, capacity), max)
}

// ProducerMode indicates ring producer synchronization mode.
type ProducerMode int

// Ring producer synchronization modes.
const (
	ProducerMulti ProducerMode = iota
	ProducerSingle
)

// ConsumerMode indicates ring consumer synchronization mode.
type ConsumerMode int

// Ring consumer synchronization modes.
const (
	ConsumerMulti ConsumerMode = iota
	ConsumerSingle
)

// Ring is a bounded FIFO ring buffer.
// Enqueue never blocks; rejected items are surfaced to the caller.
type Ring[T any] struct {
	mu        sync.Mutex
	buf       []T
	head      int // dequeue position
	count     int
	watermark int
	signaled  bool
	watcher   *Watcher
	node      numa.Node
}

// New creates a Ring on the given NUMA node.
// The producer/consumer modes are fixed at creation; the portable
// implementation behaves identically for all modes.
func New[T any](capacity int, node numa.Node, pm ProducerMode, cm ConsumerMode) *Ring[T] {
	capacity = AlignCapacity(capacity)
	return &Ring[T]{
		buf:       make([]T, capacity),
		watermark: capacity,
		node:      node,
	}
}

// NumaNode returns the NUMA node the ring was created on.
func (r *Ring[T]) NumaNode() numa.Node {
	return r.node
}

// Capacity returns ring capacity.
func (r *Ring[T]) Capacity() int {
	return len(r.buf)
}

// SetWatermark sets the high-water mark. Crossing it from below signals the
// attached watcher once; the mark re-arms when occupancy drains below it.
func (r *Ring[T]) SetWatermark(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	r.watermark = n
}

// SetWatcher attaches the consumer's wake watcher.
func (r *Ring[T]) SetWatcher(w *Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watcher = w
}

// CountInUse returns used space.
func (r *Ring[T]) CountInUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// CountAvailable returns free space.
func (r *Ring[T]) CountAvailable() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.count
}

// IsAboveWatermark reports whether occupancy has reached the high-water mark.
func (r *Ring[T]) IsAboveWatermark() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count >= r.watermark
}

// Enqueue enqueues a burst of objects, returning how many were accepted.
// A partial enqueue leaves the remainder with the caller.
func (r *Ring[T]) Enqueue(objs []T) (nEnqueued int) {
	r.mu.Lock()
	free := len(r.buf) - r.count
	n := len(objs)
	if n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[(r.head+r.count+i)%len(r.buf)] = objs[i]
	}
	r.count += n
	wake := false
	if n > 0 && r.count >= r.watermark && !r.signaled {
		r.signaled = true
		wake = r.watcher != nil
	}
	w := r.watcher
	r.mu.Unlock()
	if wake {
		w.Signal()
	}
	return n
}

// Dequeue dequeues up to len(objs) objects, returning how many were filled.
func (r *Ring[T]) Dequeue(objs []T) (nDequeued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(objs)
	if n > r.count {
		n = r.count
	}
	var zero T
	for i := 0; i < n; i++ {
		objs[i] = r.buf[r.head]
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count -= n
	if r.count < r.watermark {
		r.signaled = false
	}
	return n
}

// Prepend pushes objects back to the head of the ring, undoing a dequeue from
// the single consumer. Objects beyond free space are rejected; order relative
// to items already queued is preserved.
func (r *Ring[T]) Prepend(objs []T) (nPrepended int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	free := len(r.buf) - r.count
	n := len(objs)
	if n > free {
		n = free
	}
	for i := n - 1; i >= 0; i-- {
		r.head = (r.head - 1 + len(r.buf)) % len(r.buf)
		r.buf[r.head] = objs[i]
	}
	r.count += n
	return n
}
