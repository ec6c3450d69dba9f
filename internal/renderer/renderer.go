// Package renderer holds the drawing backends a compositor can be started
// with. Backends are looked up by module file name in a Registry; the name
// is only resolved when the compositor starts.
package renderer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bnema/westeros/internal/compose"
)

const (
	ModuleGL       = "libwesteros_render_gl.so.0.0.0"
	ModuleEmbedded = "libwesteros_render_embedded.so.0.0.0"
	ModuleNexus    = "libwesteros_render_nexus.so.0.0.0"
	ModuleFast     = "libwesteros_render_fast.so.0.0.0"
)

var (
	ErrUnknownModule     = errors.New("unknown renderer module")
	ErrMissingEntryPoint = errors.New("renderer module has no entry point")
	ErrDuplicateModule   = errors.New("renderer module already registered")
	ErrNotInFrame        = errors.New("draw outside of a frame")
	ErrTerminated        = errors.New("renderer terminated")
)

// Renderer draws one compositor output.
type Renderer interface {
	Name() string
	// Begin starts a frame of the given output size.
	Begin(width, height int) error
	DrawSurface(op compose.DrawOp) error
	// End finishes the frame. holePunch tells the backend to leave the video
	// rectangle transparent.
	End(holePunch bool) error
	Term() error
}

// Options are passed to a factory when the compositor starts.
type Options struct {
	Width  int
	Height int
	// OnTexture receives frames the embedded backend hands to the host.
	OnTexture func(compose.Texture)
}

// Factory creates a renderer. A nil factory stands for a module without
// an entry point.
type Factory func(opts Options) (Renderer, error)

// Registry maps module names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a module under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownModule)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered module names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open resolves name and creates its renderer.
func (r *Registry) Open(name string, opts Options) (Renderer, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingEntryPoint, name)
	}
	rend, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open renderer %s: %w", name, err)
	}
	if rend == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingEntryPoint, name)
	}
	return rend, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process registry holding the built-in modules.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		_ = defaultRegistry.Register(ModuleGL, newRecorder("gl"))
		_ = defaultRegistry.Register(ModuleNexus, newRecorder("nexus"))
		_ = defaultRegistry.Register(ModuleFast, newRecorder("fast"))
		_ = defaultRegistry.Register(ModuleEmbedded, NewEmbedded)
	})
	return defaultRegistry
}
