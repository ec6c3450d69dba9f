// Package guard detects protocol events being posted from more than one OS
// thread. Client resources are not safe for concurrent event delivery, so
// the compositor funnels all posting through one thread; the guard records
// any call that breaks that discipline.
package guard

import (
	"sync"

	"github.com/bnema/westeros/internal/logger"
	"golang.org/x/sys/unix"
)

// Guard tracks the thread that last posted a protocol event.
type Guard struct {
	mu       sync.Mutex
	last     int
	set      bool
	violated bool
	count    uint64
}

// New creates a guard with no recorded posting thread.
func New() *Guard {
	return &Guard{}
}

// Check records a post from the thread tid. A post from a thread other
// than the previous poster sets the sticky violation flag.
func (g *Guard) Check(tid int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.count++
	if !g.set {
		g.last = tid
		g.set = true
		return
	}
	if g.last != tid {
		if !g.violated {
			logger.Warn("protocol event posted from a second thread", "previous", g.last, "current", tid)
		}
		g.violated = true
		g.last = tid
	}
}

// CheckCurrent records a post from the calling OS thread.
func (g *Guard) CheckCurrent() {
	g.Check(unix.Gettid())
}

// Violated reports whether a cross-thread post happened since the last
// call and clears the flag.
func (g *Guard) Violated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.violated
	g.violated = false
	return v
}

// Posts returns the number of posts checked so far.
func (g *Guard) Posts() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Reset forgets the recorded thread and the violation flag.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.set = false
	g.last = 0
	g.violated = false
}
