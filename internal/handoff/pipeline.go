package handoff

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bnema/westeros/internal/dispatch"
	"github.com/bnema/westeros/internal/logger"
)

const historyLimit = 1024

// Attacher swaps the buffer shown by a surface and returns the previous one.
type Attacher interface {
	Attach(id uint32, buffer any) (prev any, err error)
}

// Pipeline carries frames from the decode thread to the video surface.
// Attaching and the release events it causes always run on the loop thread.
type Pipeline struct {
	loop      *dispatch.Loop
	window    *Window
	target    Attacher
	surfaceID uint32

	mu        sync.Mutex
	history   []int
	onRelease func(id int) error

	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewPipeline wires window to the surface surfaceID of target.
func NewPipeline(loop *dispatch.Loop, window *Window, target Attacher, surfaceID uint32) *Pipeline {
	p := &Pipeline{
		loop:      loop,
		window:    window,
		target:    target,
		surfaceID: surfaceID,
	}
	window.OnRelease(p.released)
	return p
}

// OnBufferRelease sets the protocol event sent when a buffer is released.
func (p *Pipeline) OnBufferRelease(fn func(id int) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRelease = fn
}

// Deliver hands one decoded frame to the compositor. It is called on the
// decode thread and returns the ring id used.
func (p *Pipeline) Deliver(frame any) (int, error) {
	if p.closed.Load() {
		return 0, ErrWindowDestroyed
	}
	b, err := p.window.Acquire()
	if err != nil {
		if errors.Is(err, ErrNoFreeBuffer) {
			p.dropped.Add(1)
		}
		return 0, err
	}
	b.Frame = frame
	if err := p.loop.Post(func() { p.attach(b) }); err != nil {
		_ = b.Release()
		return 0, err
	}
	return b.ID(), nil
}

func (p *Pipeline) attach(b *Buffer) {
	if p.closed.Load() {
		_ = b.Release()
		return
	}
	prev, err := p.target.Attach(p.surfaceID, b)
	if err != nil {
		logger.Debugf("Dropping %s: %v", b, err)
		_ = b.Release()
		return
	}

	p.mu.Lock()
	if len(p.history) == historyLimit {
		p.history = p.history[1:]
	}
	p.history = append(p.history, b.ID())
	p.mu.Unlock()

	if pb, ok := prev.(*Buffer); ok && pb != nil {
		_ = pb.Release()
	}
}

func (p *Pipeline) released(id int) {
	p.mu.Lock()
	send := p.onRelease
	p.mu.Unlock()
	if send == nil {
		return
	}
	if err := p.loop.Emit(func() error { return send(id) }); err != nil {
		logger.Debugf("Buffer release event for %d failed: %v", id, err)
	}
}

// History returns the ids attached to the surface, oldest first.
func (p *Pipeline) History() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.history...)
}

// Dropped returns the number of frames refused because the ring was full.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Window returns the output window of the pipeline.
func (p *Pipeline) Window() *Window {
	return p.window
}

// Close detaches the current buffer and destroys the window. Frames still
// queued on the loop are released as they arrive.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	detach := func() {
		prev, err := p.target.Attach(p.surfaceID, nil)
		if err != nil {
			return
		}
		if pb, ok := prev.(*Buffer); ok && pb != nil {
			_ = pb.Release()
		}
	}
	if err := p.loop.Sync(detach); err != nil {
		detach()
	}
	p.window.Destroy()
}
