package compositor

import (
	"fmt"
	"os"
	"sync"

	"github.com/bnema/westeros/internal/compose"
	"github.com/bnema/westeros/internal/surface"
)

// In-process instances by display name. Nested and bridged compositors
// find their outer compositor here.
var (
	instancesMu sync.Mutex
	instances   = map[string]*Compositor{}
)

func register(name string, c *Compositor) error {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	if other, ok := instances[name]; ok && other != c {
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	instances[name] = c
	return nil
}

func unregister(name string, c *Compositor) {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	if instances[name] == c {
		delete(instances, name)
	}
}

func lookup(name string) *Compositor {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	return instances[name]
}

// Lookup returns the running compositor serving display name in this
// process.
func Lookup(name string) (*Compositor, bool) {
	c := lookup(name)
	return c, c != nil
}

// nestedWindow is the surface a nested compositor presents in its outer
// compositor.
type nestedWindow struct {
	outer     *Compositor
	child     *Compositor
	display   string
	client    *surface.Client
	surfaceID uint32
}

// frameBuffer is a composed frame attached to a nested window.
type frameBuffer struct {
	display string
	frame   compose.Frame
}

// openNestedWindow creates the surface showing child inside c.
func (c *Compositor) openNestedWindow(child *Compositor) (*nestedWindow, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("%w: outer display %s is not running", ErrNoDisplay, c.DisplayName())
	}

	cl := c.registry.AddClient(os.Getpid())
	id, err := c.registry.CreateSurface(cl)
	if err != nil {
		return nil, err
	}
	if err := c.registry.SetName(id, child.name); err != nil {
		_ = c.registry.RemoveClient(cl)
		return nil, err
	}
	c.addChild(child)
	return &nestedWindow{outer: c, child: child, display: child.name, client: cl, surfaceID: id}, nil
}

func (c *Compositor) closeNestedWindow(w *nestedWindow) {
	c.removeChild(w.child)
	_ = c.registry.RemoveClient(w.client)
}

// relay presents a composed frame of the nested compositor as the content
// of its window in the outer compositor.
func (w *nestedWindow) relay(frame compose.Frame) {
	if _, err := w.outer.registry.Attach(w.surfaceID, frameBuffer{display: w.display, frame: frame}); err != nil {
		w.outer.logger().Debug("nested frame dropped", "surface", w.surfaceID, "err", err)
	}
}

func (c *Compositor) addChild(child *Compositor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

func (c *Compositor) removeChild(child *Compositor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.children {
		if other == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// outerSizeChanged reports a new outer output size to a nested compositor.
func (c *Compositor) outerSizeChanged(width, height int) {
	c.mu.Lock()
	fn := c.onOutputNested
	c.mu.Unlock()
	if fn != nil {
		fn(width, height)
	}
}

// outerGone detaches a nested or bridged compositor from an outer one that
// is stopping.
func (c *Compositor) outerGone() {
	c.mu.Lock()
	c.parent = nil
	c.window = nil
	c.mu.Unlock()
	c.engine.SetParent(nil)
	c.logger().Warn("outer display went away")
}
