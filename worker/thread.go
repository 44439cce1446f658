// Package worker provides a thread abstraction bound to a pinned CPU core.
package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/anlab-kaist/nba-go/core/logging"
	"github.com/anlab-kaist/nba-go/numa"
)

// ErrRunning indicates an error condition when a function expects the thread to be stopped.
var ErrRunning = errors.New("operation not permitted when thread is running")

var logger = logging.New("worker")

// Thread represents a procedure running on a pinned core.
type Thread interface {
	// Core returns the allocated core.
	Core() numa.Core

	// SetCore assigns a core.
	// This can only be used when the thread is stopped.
	SetCore(core numa.Core)

	// IsRunning indicates whether the thread is running.
	IsRunning() bool

	// Launch launches the thread.
	Launch()

	// Stop stops the thread and waits for it to exit.
	Stop() error
}

// ThreadWithRole is a thread that identifies itself with a role.
type ThreadWithRole interface {
	Thread
	ThreadRole() string
}

// New creates a Thread running main on its own pinned OS thread.
func New(main func() int, stop Stopper) Thread {
	return &threadImpl{
		main: main,
		stop: stop,
	}
}

type threadImpl struct {
	mu       sync.Mutex
	core     numa.Core
	main     func() int
	stop     Stopper
	running  bool
	exitCode int
	done     chan struct{}
}

func (th *threadImpl) Core() numa.Core {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.core
}

func (th *threadImpl) SetCore(core numa.Core) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.running {
		panic(ErrRunning)
	}
	th.core = core
}

func (th *threadImpl) IsRunning() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.running
}

func (th *threadImpl) Launch() {
	th.mu.Lock()
	defer th.mu.Unlock()
	if !th.core.Valid() {
		logger.Panic("core unassigned")
	}
	if th.running {
		logger.Panic("thread already running")
	}
	th.running = true
	th.done = make(chan struct{})
	core := th.core
	go func() {
		numa.Pin(core)
		defer numa.Unpin()
		th.exitCode = th.main()
		close(th.done)
	}()
}

func (th *threadImpl) Stop() error {
	th.mu.Lock()
	if !th.running {
		th.mu.Unlock()
		return nil
	}
	done := th.done
	th.mu.Unlock()

	th.stop.BeforeWait()
	<-done
	th.stop.AfterWait()

	th.mu.Lock()
	th.running = false
	exitCode := th.exitCode
	th.mu.Unlock()
	if exitCode != 0 {
		return fmt.Errorf("exit code %d", exitCode)
	}
	return nil
}
