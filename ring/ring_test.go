package ring_test

import (
	"testing"

	"github.com/anlab-kaist/nba-go/core/testenv"
	"github.com/anlab-kaist/nba-go/numa"
	"github.com/anlab-kaist/nba-go/ring"
)

func TestAlignCapacity(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	assert.Equal(ring.DefaultCapacity, ring.AlignCapacity(0))
	assert.Equal(4, ring.AlignCapacity(3))
	assert.Equal(256, ring.AlignCapacity(129))
	assert.Equal(ring.MinCapacity, ring.AlignCapacity(1))
}

func TestRingBurst(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	r := ring.New[int](8, numa.Node{}, ring.ProducerMulti, ring.ConsumerMulti)
	assert.Equal(8, r.Capacity())
	assert.Equal(0, r.CountInUse())

	input := []int{1, 2, 3, 4, 5}
	assert.Equal(5, r.Enqueue(input))
	assert.Equal(5, r.CountInUse())
	assert.Equal(3, r.CountAvailable())

	// Enqueue beyond capacity is partial, never blocking.
	assert.Equal(3, r.Enqueue([]int{6, 7, 8, 9, 10}))
	assert.Equal(0, r.Enqueue([]int{11}))

	out := make([]int, 6)
	assert.Equal(6, r.Dequeue(out))
	assert.Equal([]int{1, 2, 3, 4, 5, 6}, out)
	assert.Equal(2, r.Dequeue(out))
	assert.Equal([]int{7, 8}, out[:2])
	assert.Equal(0, r.Dequeue(out))
}

func TestRingWatermarkWatcher(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	r := ring.New[int](16, numa.Node{}, ring.ProducerSingle, ring.ConsumerSingle)
	r.SetWatermark(4)
	w := ring.NewWatcher()
	r.SetWatcher(w)

	signaled := func() bool {
		select {
		case <-w.C():
			return true
		default:
			return false
		}
	}

	r.Enqueue([]int{1, 2, 3})
	assert.False(signaled())
	assert.False(r.IsAboveWatermark())

	// Crossing the mark signals exactly once until drained below it.
	r.Enqueue([]int{4})
	assert.True(r.IsAboveWatermark())
	assert.True(signaled())
	r.Enqueue([]int{5, 6})
	assert.False(signaled())

	out := make([]int, 3)
	r.Dequeue(out)
	assert.False(r.IsAboveWatermark())
	r.Enqueue([]int{7})
	assert.True(signaled())
}

func TestRingPrepend(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	r := ring.New[int](8, numa.Node{}, ring.ProducerMulti, ring.ConsumerSingle)
	r.Enqueue([]int{1, 2, 3, 4})

	out := make([]int, 2)
	assert.Equal(2, r.Dequeue(out))
	assert.Equal(2, r.Prepend(out[:2]))

	all := make([]int, 4)
	assert.Equal(4, r.Dequeue(all))
	assert.Equal([]int{1, 2, 3, 4}, all)
}
