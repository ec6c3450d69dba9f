package display

import (
	"sync"

	"github.com/bnema/westeros/internal/logger"
)

// EmulatedBackend is an in-memory display used by the emulation harness
// and on hosts without a usable display.
type EmulatedBackend struct {
	mu      sync.Mutex
	width   int
	height  int
	inited  bool
	windows *windowSet
}

// NewEmulatedBackend creates an emulated display of the given size.
func NewEmulatedBackend(width, height int) *EmulatedBackend {
	return &EmulatedBackend{
		width:   width,
		height:  height,
		windows: newWindowSet("emulated"),
	}
}

func (e *EmulatedBackend) Name() string { return "emulated" }

func (e *EmulatedBackend) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inited = true
	e.windows.reset()
	return nil
}

func (e *EmulatedBackend) Term() error {
	e.mu.Lock()
	e.inited = false
	e.mu.Unlock()
	if n := e.windows.terminate(); n > 0 {
		logger.Debugf("Emulated display terminated with %d native windows open", n)
	}
	return nil
}

func (e *EmulatedBackend) DisplaySize() (int, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.width, e.height, nil
}

// SetSize changes what DisplaySize reports, as a mode change would.
func (e *EmulatedBackend) SetSize(width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.width, e.height = width, height
}

func (e *EmulatedBackend) CreateNativeWindow(width, height int) (*NativeWindow, error) {
	return e.windows.create(width, height)
}

func (e *EmulatedBackend) DestroyNativeWindow(w *NativeWindow) error {
	return e.windows.destroy(w)
}

// Windows returns the number of live native windows.
func (e *EmulatedBackend) Windows() int {
	return e.windows.count()
}
