package ring

// Watcher is an edge-triggered wake primitive shared between threads on a node.
// Signal is non-blocking and coalesces with a pending wake; the consumer must
// drain its queues until empty before blocking on C again.
type Watcher struct {
	ch chan struct{}
}

// NewWatcher constructs a Watcher.
func NewWatcher() *Watcher {
	return &Watcher{ch: make(chan struct{}, 1)}
}

// Signal wakes the consumer. Coalesced while a wake is pending.
func (w *Watcher) Signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the wake channel.
func (w *Watcher) C() <-chan struct{} {
	return w.ch
}
