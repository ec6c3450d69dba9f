// Package dispatch runs the compositor event loop: one goroutine, locked to
// one OS thread, that owns every protocol event post. Other goroutines hand
// work to it with Post or Sync.
package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bnema/westeros/internal/guard"
	"github.com/bnema/westeros/internal/logger"
	"golang.org/x/sys/unix"
)

// ErrStopped is returned when work is posted to a loop that is not running.
var ErrStopped = errors.New("dispatch loop stopped")

const queueDepth = 256

// Loop is a single-threaded work queue.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	guard    *guard.Guard
	tid      atomic.Int64
	running  atomic.Bool

	// closed is set under mu before the final drain; Post sends under mu
	// so nothing can be queued after the drain.
	mu     sync.RWMutex
	closed bool
}

// New creates a loop whose event posts are checked against g.
func New(g *guard.Guard) *Loop {
	if g == nil {
		g = guard.New()
	}
	return &Loop{
		tasks:  make(chan func(), queueDepth),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		guard:  g,
	}
}

// Start launches the loop goroutine. It returns once the loop thread is
// known so that OnLoop is valid immediately afterwards.
func (l *Loop) Start(ctx context.Context) {
	ready := make(chan struct{})
	l.wg.Add(1)
	go l.run(ctx, ready)
	<-ready
}

func (l *Loop) run(ctx context.Context, ready chan<- struct{}) {
	defer l.wg.Done()
	defer close(l.exited)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.tid.Store(int64(unix.Gettid()))
	l.running.Store(true)
	close(ready)
	defer l.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-l.done:
			l.shutdown()
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

// shutdown refuses further posts and runs what is already queued. Closing
// done first releases posters blocked on a full queue so mu can be taken.
func (l *Loop) shutdown() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.drain()
}

// drain runs work that was queued before the stop request so that callers
// blocked in Sync are released.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		default:
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("dispatch task panic: %v", r)
		}
	}()
	fn()
}

// Post queues fn to run on the loop thread.
func (l *Loop) Post(fn func()) error {
	if !l.running.Load() {
		return ErrStopped
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrStopped
	}
	select {
	case <-l.done:
		return ErrStopped
	case l.tasks <- fn:
		return nil
	}
}

// Sync runs fn on the loop thread and waits for it. Called from the loop
// thread itself, fn runs inline.
func (l *Loop) Sync(fn func()) error {
	if l.OnLoop() {
		fn()
		return nil
	}
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.exited:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Emit posts one protocol event. It must run on the loop thread; calls from
// any other thread are recorded by the guard.
func (l *Loop) Emit(send func() error) error {
	l.guard.CheckCurrent()
	return send()
}

// OnLoop reports whether the caller runs on the loop thread.
func (l *Loop) OnLoop() bool {
	return l.running.Load() && int64(unix.Gettid()) == l.tid.Load()
}

// Guard returns the posting guard of the loop.
func (l *Loop) Guard() *guard.Guard {
	return l.guard
}

// Stop ends the loop and waits for the goroutine to exit. It is safe to
// call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	if !l.OnLoop() {
		l.wg.Wait()
	}
}
