package dataplane

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/anlab-kaist/nba-go/pktbuf"
)

// batchPool is a bounded freelist of batches shared between a computation
// thread and its paired I/O threads.
type batchPool struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newBatchPool(size, batchCapacity int) *batchPool {
	bp := &batchPool{q: queue.New()}
	for i := 0; i < size; i++ {
		bp.q.Add(pktbuf.NewBatch(batchCapacity))
	}
	return bp
}

// alloc takes a batch, nil when the pool is empty.
func (bp *batchPool) alloc() *pktbuf.Batch {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.q.Length() == 0 {
		return nil
	}
	return bp.q.Remove().(*pktbuf.Batch)
}

// free resets and returns a batch.
func (bp *batchPool) free(b *pktbuf.Batch) {
	b.Reset()
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.q.Add(b)
}
