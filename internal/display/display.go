// Package display wraps the platform display behind one interface: GL
// context setup, native window creation, and the current display size with
// change notification.
package display

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/bnema/westeros/internal/logger"
)

var (
	ErrNoBackend         = errors.New("no display backend available")
	ErrInvalidSize       = errors.New("invalid display size")
	ErrDuplicateListener = errors.New("listener already registered")
	ErrUnknownListener   = errors.New("listener not registered")
	ErrInvalidListener   = errors.New("invalid listener")
	ErrUnknownWindow     = errors.New("unknown native window")
	ErrBackendTerminated = errors.New("display backend terminated")
)

// NativeWindow is a window handle created by a backend.
type NativeWindow struct {
	ID      uint32
	Width   int
	Height  int
	Backend string
}

// Backend is one way of reaching the platform display.
type Backend interface {
	Name() string
	Init() error
	Term() error
	DisplaySize() (int, int, error)
	CreateNativeWindow(width, height int) (*NativeWindow, error)
	DestroyNativeWindow(w *NativeWindow) error
}

// Factory creates a backend, failing when the platform does not support it.
type Factory func() (Backend, error)

// SizeListener is told about display size changes.
type SizeListener interface {
	DisplaySizeChanged(width, height int)
}

// Display owns a backend and the cached display size.
type Display struct {
	backend Backend

	sizeMu sync.RWMutex
	width  int
	height int

	listenerMu sync.Mutex
	listeners  []SizeListener
}

// DefaultFactories lists backends in order of preference.
func DefaultFactories() []Factory {
	return []Factory{
		func() (Backend, error) { return NewSysfsBackend(DefaultSysfsRoot) },
		NewWlrRandrBackend,
		func() (Backend, error) { return NewEmulatedBackend(1280, 720), nil },
	}
}

// New tries each factory in order and uses the first backend that
// initializes. With no factories, DefaultFactories is used.
func New(factories ...Factory) (*Display, error) {
	if len(factories) == 0 {
		factories = DefaultFactories()
	}

	for i, create := range factories {
		backend, err := create()
		if err != nil {
			logger.Debugf("Display.New: backend %d unavailable: %v", i, err)
			continue
		}
		if err := backend.Init(); err != nil {
			logger.Debugf("Display.New: backend %s failed to init: %v", backend.Name(), err)
			continue
		}
		w, h, err := backend.DisplaySize()
		if err != nil {
			logger.Debugf("Display.New: backend %s has no size: %v", backend.Name(), err)
			_ = backend.Term()
			continue
		}
		logger.Debugf("Display.New: using backend %s (%dx%d)", backend.Name(), w, h)
		return &Display{backend: backend, width: w, height: h}, nil
	}

	return nil, ErrNoBackend
}

// Backend returns the backend in use.
func (d *Display) Backend() Backend {
	return d.backend
}

// Size returns the cached display size.
func (d *Display) Size() (int, int) {
	d.sizeMu.RLock()
	defer d.sizeMu.RUnlock()
	return d.width, d.height
}

// SetDisplaySize overrides the cached size and notifies listeners. Listeners
// run outside every lock and may call back into the display.
func (d *Display) SetDisplaySize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}

	d.sizeMu.Lock()
	changed := d.width != width || d.height != height
	d.width, d.height = width, height
	d.sizeMu.Unlock()

	if !changed {
		return nil
	}

	d.listenerMu.Lock()
	listeners := append([]SizeListener(nil), d.listeners...)
	d.listenerMu.Unlock()

	for _, l := range listeners {
		l.DisplaySizeChanged(width, height)
	}
	return nil
}

// Refresh re-reads the size from the backend.
func (d *Display) Refresh() error {
	w, h, err := d.backend.DisplaySize()
	if err != nil {
		return err
	}
	return d.SetDisplaySize(w, h)
}

// AddSizeListener registers l. Registering the same listener twice fails.
func (d *Display) AddSizeListener(l SizeListener) error {
	if l == nil {
		return ErrInvalidListener
	}
	// Listeners are matched by identity
	if !reflect.ValueOf(l).Comparable() {
		return fmt.Errorf("%w: %T is not comparable, register a pointer", ErrInvalidListener, l)
	}
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return ErrDuplicateListener
		}
	}
	d.listeners = append(d.listeners, l)
	return nil
}

// RemoveSizeListener unregisters l.
func (d *Display) RemoveSizeListener(l SizeListener) error {
	if l == nil || !reflect.ValueOf(l).Comparable() {
		return ErrUnknownListener
	}
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return nil
		}
	}
	return ErrUnknownListener
}

// CreateNativeWindow creates a window on the backend.
func (d *Display) CreateNativeWindow(width, height int) (*NativeWindow, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	return d.backend.CreateNativeWindow(width, height)
}

// DestroyNativeWindow destroys a window created by CreateNativeWindow.
func (d *Display) DestroyNativeWindow(w *NativeWindow) error {
	return d.backend.DestroyNativeWindow(w)
}

// Close terminates the backend.
func (d *Display) Close() error {
	if d.backend != nil {
		return d.backend.Term()
	}
	return nil
}

// windowSet is the window bookkeeping shared by the backends.
type windowSet struct {
	mu         sync.Mutex
	name       string
	next       uint32
	windows    map[uint32]*NativeWindow
	terminated bool
}

func newWindowSet(name string) *windowSet {
	return &windowSet{name: name, windows: make(map[uint32]*NativeWindow)}
}

func (s *windowSet) create(width, height int) (*NativeWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil, ErrBackendTerminated
	}
	s.next++
	w := &NativeWindow{ID: s.next, Width: width, Height: height, Backend: s.name}
	s.windows[w.ID] = w
	return w, nil
}

func (s *windowSet) destroy(w *NativeWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == nil {
		return ErrUnknownWindow
	}
	if cur, ok := s.windows[w.ID]; !ok || cur != w {
		return ErrUnknownWindow
	}
	delete(s.windows, w.ID)
	return nil
}

func (s *windowSet) terminate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	n := len(s.windows)
	s.windows = make(map[uint32]*NativeWindow)
	return n
}

func (s *windowSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = false
}

func (s *windowSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
