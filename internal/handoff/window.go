// Package handoff moves decoded video frames from the decode thread to the
// compositor. Buffer ids come from a fixed ring per output window and every
// buffer handed out is released exactly once.
package handoff

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrNoFreeBuffer is returned when the next ring slot is still in use.
	ErrNoFreeBuffer = errors.New("no free buffer")
	// ErrAlreadyReleased is returned by a second Release of the same buffer.
	ErrAlreadyReleased = errors.New("buffer already released")
	// ErrWindowDestroyed is returned by Acquire after Destroy.
	ErrWindowDestroyed = errors.New("window destroyed")
	// ErrInvalidRing is returned for a ring with no slots.
	ErrInvalidRing = errors.New("invalid buffer ring")
)

// Buffer is one ring slot handed to the compositor.
type Buffer struct {
	id       int
	window   *Window
	released atomic.Bool

	// Frame carries the decoder payload, typically a frame number or handle.
	Frame any
}

// ID returns the ring id of the buffer.
func (b *Buffer) ID() int {
	return b.id
}

// Release returns the slot to the ring. Only the first call has any effect.
func (b *Buffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	b.window.release(b)
	return nil
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	return b.released.Load()
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer %d", b.id)
}

// Window is the decoder output window owning a ring of buffer ids.
type Window struct {
	mu        sync.Mutex
	base      int
	count     int
	next      int
	inFlight  map[int]*Buffer
	destroyed bool
	torndown  bool
	done      chan struct{}

	onRelease  func(id int)
	onTeardown func()

	acquired uint64
	releases uint64
}

// NewWindow creates a window whose buffers cycle base, base+1, ..., base+count-1.
func NewWindow(base, count int) (*Window, error) {
	if count <= 0 {
		return nil, ErrInvalidRing
	}
	return &Window{
		base:     base,
		count:    count,
		inFlight: make(map[int]*Buffer, count),
		done:     make(chan struct{}),
	}, nil
}

// OnRelease sets a callback invoked once for every released buffer.
func (w *Window) OnRelease(fn func(id int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRelease = fn
}

// OnTeardown sets a callback invoked when the window's resources are freed.
func (w *Window) OnTeardown(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onTeardown = fn
}

// Acquire hands out the next id in ring order. If that slot is still in
// flight the ring does not advance.
func (w *Window) Acquire() (*Buffer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.destroyed {
		return nil, ErrWindowDestroyed
	}
	id := w.base + w.next
	if _, busy := w.inFlight[id]; busy {
		return nil, ErrNoFreeBuffer
	}
	b := &Buffer{id: id, window: w}
	w.inFlight[id] = b
	w.next = (w.next + 1) % w.count
	w.acquired++
	return b, nil
}

func (w *Window) release(b *Buffer) {
	w.mu.Lock()
	if cur, ok := w.inFlight[b.id]; ok && cur == b {
		delete(w.inFlight, b.id)
	}
	w.releases++
	onRelease := w.onRelease
	teardown := w.destroyed && !w.torndown && len(w.inFlight) == 0
	if teardown {
		w.torndown = true
	}
	onTeardown := w.onTeardown
	w.mu.Unlock()

	if onRelease != nil {
		onRelease(b.id)
	}
	if teardown {
		w.finish(onTeardown)
	}
}

// Outstanding returns the number of buffers not yet released.
func (w *Window) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

// Stats returns the number of acquired and released buffers.
func (w *Window) Stats() (acquired, released uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquired, w.releases
}

// Destroy stops the window from handing out buffers. Teardown completes
// immediately when nothing is outstanding, otherwise on the last release.
func (w *Window) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	teardown := len(w.inFlight) == 0
	if teardown {
		w.torndown = true
	}
	onTeardown := w.onTeardown
	w.mu.Unlock()

	if teardown {
		w.finish(onTeardown)
	}
}

func (w *Window) finish(onTeardown func()) {
	if onTeardown != nil {
		onTeardown()
	}
	close(w.done)
}

// Done is closed once the window is torn down.
func (w *Window) Done() <-chan struct{} {
	return w.done
}

// TornDown reports whether teardown completed.
func (w *Window) TornDown() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
