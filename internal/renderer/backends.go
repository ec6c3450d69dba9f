package renderer

import (
	"sync"

	"github.com/bnema/westeros/internal/compose"
	"github.com/bnema/westeros/internal/logger"
)

// FrameStats describes the last finished frame of a backend.
type FrameStats struct {
	Width     int
	Height    int
	Ops       []compose.DrawOp
	HolePunch bool
}

// Recorder is a backend that keeps the draw calls of each frame instead of
// rasterizing them. The built-in gl, nexus and fast modules are recorders.
type Recorder struct {
	name string

	mu      sync.Mutex
	open    bool
	term    bool
	current FrameStats
	last    FrameStats
	frames  int
}

func newRecorder(name string) Factory {
	return func(opts Options) (Renderer, error) {
		logger.Debugf("Renderer %s opened for %dx%d", name, opts.Width, opts.Height)
		return &Recorder{name: name}, nil
	}
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) Begin(width, height int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term {
		return ErrTerminated
	}
	r.open = true
	r.current = FrameStats{Width: width, Height: height}
	return nil
}

func (r *Recorder) DrawSurface(op compose.DrawOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return ErrNotInFrame
	}
	r.current.Ops = append(r.current.Ops, op)
	return nil
}

func (r *Recorder) End(holePunch bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return ErrNotInFrame
	}
	r.open = false
	r.current.HolePunch = holePunch
	r.last = r.current
	r.current = FrameStats{}
	r.frames++
	return nil
}

func (r *Recorder) Term() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term {
		return ErrTerminated
	}
	r.term = true
	r.open = false
	return nil
}

// Frames returns the number of finished frames.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// LastFrame returns the last finished frame.
func (r *Recorder) LastFrame() FrameStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.last
	f.Ops = append([]compose.DrawOp(nil), r.last.Ops...)
	return f
}

// Embedded hands textures produced by the composition engine to the host,
// which composes them itself. Draw calls are only recorded.
type Embedded struct {
	*Recorder
	onTexture func(compose.Texture)
}

// NewEmbedded is the factory of the embedded module.
func NewEmbedded(opts Options) (Renderer, error) {
	return &Embedded{
		Recorder:  &Recorder{name: "embedded"},
		onTexture: opts.OnTexture,
	}, nil
}

// TextureCreated forwards one texture to the host.
func (e *Embedded) TextureCreated(t compose.Texture) {
	if e.onTexture != nil {
		e.onTexture(t)
	}
}

// TextureSink is implemented by renderers that pass textures to a host.
type TextureSink interface {
	TextureCreated(t compose.Texture)
}

// FastPath reports whether a frame can go to a fast render module: a single
// video surface with nothing composited above it.
func FastPath(frame compose.Frame) bool {
	return len(frame.Ops) == 1 && frame.Ops[0].Video && !frame.NeedHolePunch
}
