package worker

import "sync"

// Stopper abstracts how to tell a thread to stop.
type Stopper interface {
	// BeforeWait is invoked before waiting for the thread to exit.
	BeforeWait()

	// AfterWait is invoked after the thread has exited.
	AfterWait()
}

// StopChan stops a thread by closing a channel.
// The thread polls Continue or selects on C.
type StopChan struct {
	ch   chan struct{}
	once *sync.Once
}

// NewStopChan constructs a StopChan.
func NewStopChan() StopChan {
	return StopChan{ch: make(chan struct{}), once: new(sync.Once)}
}

// C returns the channel closed upon stop request.
func (stop StopChan) C() <-chan struct{} {
	return stop.ch
}

// Continue returns true if the thread should continue.
// This should be invoked within the running thread.
func (stop StopChan) Continue() bool {
	select {
	case <-stop.ch:
		return false
	default:
		return true
	}
}

// RequestStop requests a stop.
// This may be used independent from Thread.
func (stop StopChan) RequestStop() {
	stop.once.Do(func() { close(stop.ch) })
}

// BeforeWait requests a stop.
func (stop StopChan) BeforeWait() {
	stop.RequestStop()
}

// AfterWait completes a stop request.
func (stop StopChan) AfterWait() {
}
