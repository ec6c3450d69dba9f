// Package compositor ties the westeros components into one compositor
// instance: configuration before Start, the client socket and dispatch
// loop while running, and ordered teardown on Stop and Destroy.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/westeros/internal/compose"
	"github.com/bnema/westeros/internal/config"
	"github.com/bnema/westeros/internal/dispatch"
	"github.com/bnema/westeros/internal/guard"
	"github.com/bnema/westeros/internal/input"
	"github.com/bnema/westeros/internal/ipc"
	"github.com/bnema/westeros/internal/launcher"
	"github.com/bnema/westeros/internal/logger"
	"github.com/bnema/westeros/internal/renderer"
	"github.com/bnema/westeros/internal/surface"
	"github.com/charmbracelet/log"
	"golang.org/x/image/math/f64"
)

var (
	ErrRunning         = errors.New("compositor is running")
	ErrNotRunning      = errors.New("compositor is not running")
	ErrDestroyed       = errors.New("compositor is destroyed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidMode     = errors.New("invalid mode combination")
	ErrNoDisplay       = errors.New("no display to attach to")
	ErrNotEmbedded     = errors.New("compositor is not embedded")
	ErrNameInUse       = errors.New("display name in use")
)

const (
	DefaultWidth     = 1280
	DefaultHeight    = 720
	DefaultFrameRate = 60
)

var displayCounter atomic.Uint32

// nextDisplayName returns westeros-<pid>-<n> with n counting from 0.
func nextDisplayName() string {
	n := displayCounter.Add(1) - 1
	return fmt.Sprintf("westeros-%d-%d", os.Getpid(), n)
}

// Module is an add-on started with the compositor. Init runs once, after
// the compositor is serving; a failing Init stops it again. Term is only
// called, from Destroy, for modules whose Init succeeded.
type Module interface {
	Name() string
	Init(c *Compositor) error
	Term(c *Compositor)
}

// Compositor is one compositor instance.
type Compositor struct {
	mu             sync.Mutex
	name           string
	rendererModule string
	embedded       bool
	nested         bool
	repeater       bool
	nestedName     string
	width          int
	height         int
	frameRate      int
	modules        []Module
	renderers      *renderer.Registry

	onTerminated   func()
	onDispatch     func()
	onInvalidate   func()
	onOutputNested func(width, height int)
	onClientStatus launcher.StatusFunc
	onTexture      func(compose.Texture)

	running   bool
	destroyed bool
	log       *log.Logger

	errMu   sync.Mutex
	lastErr string

	guard    *guard.Guard
	registry *surface.Registry
	engine   *compose.Engine
	router   *input.Router

	// running state
	loop       *dispatch.Loop
	launcher   *launcher.Manager
	shell      *ipc.SocketServer
	listener   *net.UnixListener
	socketPath string
	rend       renderer.Renderer
	fast       renderer.Renderer
	inited     []Module
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	parent     *Compositor
	window     *nestedWindow
	children   []*Compositor
	pipelines  []pipelineCloser

	connMu sync.Mutex
	conns  map[*connection]struct{}
	owners map[uint32]*connection

	frames atomic.Uint64
}

type pipelineCloser interface {
	Close()
}

// New creates a compositor that is configured but not running.
func New() *Compositor {
	c := &Compositor{
		rendererModule: renderer.ModuleGL,
		width:          DefaultWidth,
		height:         DefaultHeight,
		frameRate:      DefaultFrameRate,
		renderers:      renderer.Default(),
		guard:          guard.New(),
		registry:       surface.New(DefaultWidth, DefaultHeight),
		engine:         compose.New(DefaultWidth, DefaultHeight),
		conns:          make(map[*connection]struct{}),
		owners:         make(map[uint32]*connection),
		log:            logger.Logger,
	}
	c.router = input.NewRouter(c, c.registry)
	_ = c.registry.AddListener(shellHook{c})
	return c
}

// Configure applies a configuration file section. It fails once running.
func (c *Compositor) Configure(cfg *config.Config) error {
	cc := cfg.Compositor
	if cc.DisplayName != "" {
		if err := c.SetDisplayName(cc.DisplayName); err != nil {
			return err
		}
	}
	if cc.RendererModule != "" {
		if err := c.SetRendererModule(cc.RendererModule); err != nil {
			return err
		}
	}
	if err := c.SetIsEmbedded(cc.Embedded); err != nil {
		return err
	}
	if err := c.SetIsNested(cc.Nested); err != nil {
		return err
	}
	if err := c.SetIsRepeater(cc.Repeater); err != nil {
		return err
	}
	if cc.NestedDisplayName != "" {
		if err := c.SetNestedDisplayName(cc.NestedDisplayName); err != nil {
			return err
		}
	}
	if err := c.SetOutputSize(cc.OutputWidth, cc.OutputHeight); err != nil {
		return err
	}
	if err := c.SetFrameRate(cc.FrameRate); err != nil {
		return err
	}
	delay := time.Duration(cfg.Input.RepeatDelayMS) * time.Millisecond
	period := time.Duration(cfg.Input.RepeatPeriodMS) * time.Millisecond
	if err := c.router.SetRepeat(delay, period); err != nil {
		return c.fail(err)
	}
	return nil
}

// fail records err as the last error and returns it.
func (c *Compositor) fail(err error) error {
	if err == nil {
		return nil
	}
	c.errMu.Lock()
	c.lastErr = err.Error()
	c.errMu.Unlock()
	return err
}

// LastError returns the message of the last failed call.
func (c *Compositor) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// configure runs fn under the lock if the compositor is neither running
// nor destroyed.
func (c *Compositor) configure(what string, fn func() error) error {
	c.mu.Lock()
	var err error
	switch {
	case c.destroyed:
		err = ErrDestroyed
	case c.running:
		err = fmt.Errorf("%w: cannot set %s", ErrRunning, what)
	default:
		err = fn()
	}
	c.mu.Unlock()
	return c.fail(err)
}

func validName(name string) error {
	if name == "" || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: display name %q", ErrInvalidArgument, name)
	}
	return nil
}

func (c *Compositor) SetDisplayName(name string) error {
	return c.configure("display name", func() error {
		if err := validName(name); err != nil {
			return err
		}
		c.name = name
		return nil
	})
}

func (c *Compositor) SetRendererModule(module string) error {
	return c.configure("renderer module", func() error {
		if module == "" {
			return fmt.Errorf("%w: empty renderer module", ErrInvalidArgument)
		}
		c.rendererModule = module
		return nil
	})
}

// SetRendererRegistry replaces the module registry used by Start.
func (c *Compositor) SetRendererRegistry(r *renderer.Registry) error {
	return c.configure("renderer registry", func() error {
		if r == nil {
			return ErrInvalidArgument
		}
		c.renderers = r
		return nil
	})
}

func (c *Compositor) SetIsEmbedded(embedded bool) error {
	return c.configure("embedded mode", func() error {
		c.embedded = embedded
		return nil
	})
}

func (c *Compositor) SetIsNested(nested bool) error {
	return c.configure("nested mode", func() error {
		c.nested = nested
		return nil
	})
}

func (c *Compositor) SetIsRepeater(repeater bool) error {
	return c.configure("repeater mode", func() error {
		c.repeater = repeater
		return nil
	})
}

func (c *Compositor) SetNestedDisplayName(name string) error {
	return c.configure("nested display name", func() error {
		if err := validName(name); err != nil {
			return err
		}
		c.nestedName = name
		return nil
	})
}

func (c *Compositor) SetFrameRate(fps int) error {
	return c.configure("frame rate", func() error {
		if fps <= 0 {
			return fmt.Errorf("%w: frame rate %d", ErrInvalidArgument, fps)
		}
		c.frameRate = fps
		return nil
	})
}

// SetOutputSize changes the output size. It is allowed while running and
// takes effect on the next composition pass; nested compositors are told
// about the new size.
func (c *Compositor) SetOutputSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return c.fail(fmt.Errorf("%w: output size %dx%d", ErrInvalidArgument, width, height))
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return c.fail(ErrDestroyed)
	}
	c.width, c.height = width, height
	children := append([]*Compositor(nil), c.children...)
	c.mu.Unlock()

	if err := c.engine.SetOutputSize(width, height); err != nil {
		return c.fail(err)
	}
	c.registry.SetDefaultSize(width, height)
	for _, child := range children {
		child.outerSizeChanged(width, height)
	}
	c.invalidate()
	return nil
}

// DisplaySizeChanged lets a display.Display drive the output size.
func (c *Compositor) DisplaySizeChanged(width, height int) {
	if err := c.SetOutputSize(width, height); err != nil {
		c.logger().Warn("display size not applied", "width", width, "height", height, "err", err)
	}
}

func (c *Compositor) SetTerminatedListener(fn func()) error {
	return c.configure("terminated listener", func() error { c.onTerminated = fn; return nil })
}

func (c *Compositor) SetDispatchListener(fn func()) error {
	return c.configure("dispatch listener", func() error { c.onDispatch = fn; return nil })
}

func (c *Compositor) SetInvalidateListener(fn func()) error {
	return c.configure("invalidate listener", func() error { c.onInvalidate = fn; return nil })
}

func (c *Compositor) SetOutputNestedListener(fn func(width, height int)) error {
	return c.configure("output nested listener", func() error { c.onOutputNested = fn; return nil })
}

func (c *Compositor) SetClientStatusListener(fn launcher.StatusFunc) error {
	return c.configure("client status listener", func() error { c.onClientStatus = fn; return nil })
}

// SetTextureListener sets the host callback receiving textures in embedded
// mode. The embedded renderer module delivers them.
func (c *Compositor) SetTextureListener(fn func(compose.Texture)) error {
	return c.configure("texture listener", func() error { c.onTexture = fn; return nil })
}

// AddModule attaches an add-on before Start.
func (c *Compositor) AddModule(m Module) error {
	return c.configure("module", func() error {
		if m == nil {
			return fmt.Errorf("%w: nil module", ErrInvalidArgument)
		}
		if !reflect.ValueOf(m).Comparable() {
			return fmt.Errorf("%w: module %s is not comparable", ErrInvalidArgument, m.Name())
		}
		for _, existing := range c.modules {
			if existing == m {
				return fmt.Errorf("%w: module %s added twice", ErrInvalidArgument, m.Name())
			}
		}
		c.modules = append(c.modules, m)
		return nil
	})
}

// SetVideoDecoder attaches the decoder that owns the hardware video plane.
func (c *Compositor) SetVideoDecoder(v compose.VideoSource) {
	c.engine.SetVideo(v)
}

// AddShellListener subscribes to simple-shell notifications.
func (c *Compositor) AddShellListener(l surface.ShellListener) error {
	return c.fail(c.registry.AddListener(l))
}

// RemoveShellListener unsubscribes l.
func (c *Compositor) RemoveShellListener(l surface.ShellListener) error {
	return c.fail(c.registry.RemoveListener(l))
}

func (c *Compositor) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Compositor) RendererModule() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rendererModule
}

func (c *Compositor) IsEmbedded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.embedded
}

func (c *Compositor) IsNested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nested
}

func (c *Compositor) IsRepeater() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repeater
}

func (c *Compositor) NestedDisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nestedName
}

func (c *Compositor) OutputSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

func (c *Compositor) FrameRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameRate
}

func (c *Compositor) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Registry returns the surface registry.
func (c *Compositor) Registry() *surface.Registry { return c.registry }

// Engine returns the composition engine.
func (c *Compositor) Engine() *compose.Engine { return c.engine }

// Router returns the input router.
func (c *Compositor) Router() *input.Router { return c.router }

// Guard returns the protocol posting guard.
func (c *Compositor) Guard() *guard.Guard { return c.guard }

// Frames returns the number of hosted frames drawn.
func (c *Compositor) Frames() uint64 { return c.frames.Load() }

// Renderer returns the renderer opened by Start, nil when not running.
func (c *Compositor) Renderer() renderer.Renderer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rend
}

// Loop returns the dispatch loop of a running compositor, nil otherwise.
func (c *Compositor) Loop() *dispatch.Loop {
	return c.currentLoop()
}

func (c *Compositor) currentLoop() *dispatch.Loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

// SocketPath returns the client socket path of a running compositor.
func (c *Compositor) SocketPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketPath
}

// Start validates the configuration, opens the renderer, initializes
// modules and starts serving clients. On failure the compositor is left
// stopped and can be destroyed.
func (c *Compositor) Start() error {
	c.mu.Lock()
	err := c.startLocked()
	var nestedW, nestedH int
	onNested := c.onOutputNested
	if err == nil && c.window != nil {
		nestedW, nestedH = c.window.outer.OutputSize()
	}
	modules := append([]Module(nil), c.modules...)
	c.mu.Unlock()
	if err != nil {
		return c.fail(err)
	}

	// Modules run unlocked so Init may use the compositor's accessors.
	for _, m := range modules {
		c.mu.Lock()
		done := c.isInited(m)
		c.mu.Unlock()
		if done {
			continue
		}
		if err := m.Init(c); err != nil {
			err = fmt.Errorf("module %s failed to init: %w", m.Name(), err)
			_ = c.Stop()
			return c.fail(err)
		}
		c.mu.Lock()
		c.inited = append(c.inited, m)
		c.mu.Unlock()
	}

	if onNested != nil && nestedW > 0 {
		onNested(nestedW, nestedH)
	}
	return nil
}

func (c *Compositor) startLocked() (err error) {
	switch {
	case c.destroyed:
		return ErrDestroyed
	case c.running:
		return ErrRunning
	case c.repeater && !c.nested:
		return fmt.Errorf("%w: repeater requires nested", ErrInvalidMode)
	case c.repeater && c.embedded:
		return fmt.Errorf("%w: repeater cannot be embedded", ErrInvalidMode)
	}

	if c.name == "" {
		c.name = nextDisplayName()
	}
	c.log = logger.With("display", c.name)

	var parent *Compositor
	if c.nested {
		outer := c.nestedName
		if outer == "" {
			outer = os.Getenv("WAYLAND_DISPLAY")
		}
		if outer == "" || outer == c.name {
			return fmt.Errorf("%w: nested mode needs an outer display", ErrNoDisplay)
		}
		if parent = lookup(outer); parent == nil {
			return fmt.Errorf("%w: %s", ErrNoDisplay, outer)
		}
	} else if c.embedded {
		if bridge := os.Getenv("WESTEROS_VPC_BRIDGE"); bridge != "" && bridge != c.name {
			if parent = lookup(bridge); parent == nil {
				c.log.Warn("VPC bridge display not found", "bridge", bridge)
			}
		}
	}

	// Undo everything acquired so far when a later step fails.
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	if err := register(c.name, c); err != nil {
		return err
	}
	undo = append(undo, func() { unregister(c.name, c) })

	rend, err := c.renderers.Open(c.rendererModule, renderer.Options{
		Width:     c.width,
		Height:    c.height,
		OnTexture: c.onTexture,
	})
	if err != nil {
		return err
	}
	undo = append(undo, func() { _ = rend.Term() })
	c.log.Info("renderer opened", "module", c.rendererModule, "backend", rend.Name())

	var fast renderer.Renderer
	if module := os.Getenv("WESTEROS_FAST_RENDER"); module != "" && !c.embedded {
		if fast, err = c.renderers.Open(module, renderer.Options{Width: c.width, Height: c.height}); err != nil {
			c.log.Warn("fast render module unavailable", "module", module, "err", err)
			fast = nil
		} else {
			f := fast
			undo = append(undo, func() { _ = f.Term() })
		}
	}

	socketPath := filepath.Join(ipc.RuntimeDir(), c.name)
	_ = os.Remove(socketPath)
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", socketPath, err)
	}
	undo = append(undo, func() {
		listener.Close()
		_ = os.Remove(socketPath)
	})

	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatch.New(c.guard)
	loop.Start(ctx)
	undo = append(undo, func() {
		cancel()
		loop.Stop()
	})

	shell := ipc.NewSocketServer(c.name, shellHandler{c})
	if err := shell.Start(); err != nil {
		return err
	}
	undo = append(undo, shell.Stop)

	c.engine.SetTextureCallback(nil)
	if sink, ok := rend.(renderer.TextureSink); ok {
		c.engine.SetTextureCallback(sink.TextureCreated)
	}
	if err := c.engine.SetOutputSize(c.width, c.height); err != nil {
		return err
	}
	c.registry.SetDefaultSize(c.width, c.height)

	if parent != nil {
		if c.nested {
			win, err := parent.openNestedWindow(c)
			if err != nil {
				return err
			}
			c.window = win
		} else {
			parent.addChild(c)
		}
		c.engine.SetParent(parent.engine)
		c.parent = parent
	}

	c.loop = loop
	c.rend = rend
	c.fast = fast
	c.listener = listener
	c.socketPath = socketPath
	c.shell = shell
	c.cancel = cancel
	c.launcher = launcher.NewManager(c.name, c.clientStatus)
	c.running = true

	c.wg.Add(2)
	go c.acceptLoop(listener)
	go c.tickLoop(ctx, c.frameRate, c.embedded)

	c.log.Info("compositor started", "embedded", c.embedded, "nested", c.nested, "repeater", c.repeater,
		"size", fmt.Sprintf("%dx%d", c.width, c.height))
	return nil
}

func (c *Compositor) logger() *log.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func (c *Compositor) isInited(m Module) bool {
	for _, done := range c.inited {
		if done == m {
			return true
		}
	}
	return false
}

// Stop ends serving: launched clients are terminated and joined, client
// connections are closed and their surfaces destroyed.
func (c *Compositor) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return c.fail(ErrNotRunning)
	}
	c.running = false
	mgr := c.launcher
	cancel := c.cancel
	listener := c.listener
	shell := c.shell
	loop := c.loop
	rend, fast := c.rend, c.fast
	parent, window := c.parent, c.window
	children := c.children
	pipelines := c.pipelines
	socketPath := c.socketPath
	onTerminated := c.onTerminated
	c.children = nil
	c.pipelines = nil
	c.parent, c.window = nil, nil
	c.mu.Unlock()

	// Launched clients first, so their exit statuses are reported while
	// the compositor still exists.
	mgr.StopAll()

	cancel()
	listener.Close()
	c.connMu.Lock()
	for cn := range c.conns {
		cn.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()

	for _, p := range pipelines {
		p.Close()
	}
	shell.Stop()

	for _, child := range children {
		child.outerGone()
	}
	if parent != nil {
		if window != nil {
			parent.closeNestedWindow(window)
		} else {
			parent.removeChild(c)
		}
		c.engine.SetParent(nil)
	}

	loop.Stop()
	if err := rend.Term(); err != nil {
		c.logger().Debug("renderer term failed", "err", err)
	}
	if fast != nil {
		_ = fast.Term()
	}
	_ = os.Remove(socketPath)

	c.mu.Lock()
	unregister(c.name, c)
	c.loop = nil
	c.rend, c.fast = nil, nil
	c.mu.Unlock()

	c.logger().Info("compositor stopped")
	if onTerminated != nil {
		onTerminated()
	}
	return nil
}

// Destroy stops the compositor if needed, terminates modules whose init
// succeeded and destroys every remaining surface.
func (c *Compositor) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return c.fail(ErrDestroyed)
	}
	running := c.running
	c.mu.Unlock()

	if running {
		if err := c.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	}

	c.mu.Lock()
	c.destroyed = true
	inited := c.inited
	c.inited = nil
	c.mu.Unlock()

	for i := len(inited) - 1; i >= 0; i-- {
		inited[i].Term(c)
	}
	for _, cl := range c.registry.Clients() {
		_ = c.registry.RemoveClient(cl)
	}
	c.router.Close()
	return nil
}

// LaunchClient runs command as a client of this compositor and blocks
// until it exits or the compositor stops.
func (c *Compositor) LaunchClient(ctx context.Context, command string) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return c.fail(ErrNotRunning)
	}
	mgr := c.launcher
	c.mu.Unlock()
	return c.fail(mgr.Launch(ctx, command))
}

func (c *Compositor) clientStatus(status launcher.Status, pid int, detail int) {
	c.mu.Lock()
	fn := c.onClientStatus
	c.mu.Unlock()
	c.logger().Debug("client status", "pid", pid, "status", status, "detail", detail)
	if fn != nil {
		fn(status, pid, detail)
	}
}

func (c *Compositor) acceptLoop(listener *net.UnixListener) {
	defer c.wg.Done()
	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger().Error("accept failed", "err", err)
			}
			return
		}
		pid, err := peerPID(conn)
		if err != nil {
			c.logger().Warn("peer credentials unavailable", "err", err)
		}

		cn := &connection{
			comp:   c,
			conn:   conn,
			pid:    pid,
			client: c.registry.AddClient(pid),
			owned:  make(map[uint32]bool),
		}
		c.connMu.Lock()
		c.conns[cn] = struct{}{}
		c.connMu.Unlock()

		c.mu.Lock()
		mgr := c.launcher
		c.mu.Unlock()
		if mgr != nil {
			_ = mgr.NotifyConnected(pid)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			cn.serve()
		}()
	}
}

func (c *Compositor) connectionClosed(cn *connection) {
	c.connMu.Lock()
	delete(c.conns, cn)
	c.connMu.Unlock()

	c.mu.Lock()
	mgr := c.launcher
	c.mu.Unlock()
	if mgr != nil {
		_ = mgr.NotifyDisconnected(cn.pid)
	}
}

// Clients returns the number of connected socket clients.
func (c *Compositor) Clients() int {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return len(c.conns)
}

func (c *Compositor) setOwner(id uint32, cn *connection) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if cn == nil {
		delete(c.owners, id)
		return
	}
	c.owners[id] = cn
}

func (c *Compositor) owner(id uint32) *connection {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.owners[id]
}

// tickLoop drives hosted composition at the frame rate and calls the
// dispatch listener once per tick in both modes.
func (c *Compositor) tickLoop(ctx context.Context, fps int, embedded bool) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loop := c.currentLoop()
			if loop == nil {
				return
			}
			_ = loop.Post(func() {
				if !embedded {
					c.composeHosted()
				}
				c.mu.Lock()
				fn := c.onDispatch
				c.mu.Unlock()
				if fn != nil {
					fn()
				}
			})
		}
	}
}

// composeHosted runs one hosted pass on the loop thread.
func (c *Compositor) composeHosted() {
	c.registry.Commit()
	frame := c.engine.ComposeHosted(c.registry.Snapshot())
	c.render(frame)
	c.frames.Add(1)

	c.mu.Lock()
	repeater, window := c.repeater, c.window
	c.mu.Unlock()
	if repeater && window != nil {
		window.relay(frame)
	}
}

func (c *Compositor) render(frame compose.Frame) {
	c.mu.Lock()
	rend, fast := c.rend, c.fast
	w, h := c.width, c.height
	c.mu.Unlock()
	if rend == nil {
		return
	}
	if fast != nil && renderer.FastPath(frame) {
		rend = fast
	}

	if err := rend.Begin(w, h); err != nil {
		_ = c.fail(fmt.Errorf("renderer %s: %w", rend.Name(), err))
		return
	}
	for _, op := range frame.Ops {
		if err := rend.DrawSurface(op); err != nil {
			_ = c.fail(fmt.Errorf("renderer %s: %w", rend.Name(), err))
		}
	}
	if err := rend.End(frame.NeedHolePunch); err != nil {
		_ = c.fail(fmt.Errorf("renderer %s: %w", rend.Name(), err))
	}
}

// ComposeEmbedded runs one composition pass for a host application. The
// viewport is (x, y, width, height) in host space and matrix maps the
// compositor output into it. It returns whether the host must punch a hole
// for the video plane and the rectangles to redraw in draw order.
func (c *Compositor) ComposeEmbedded(x, y, width, height int, matrix f64.Mat4, alpha float32, hints compose.Hints) (bool, []surface.Rect, error) {
	c.mu.Lock()
	running, embedded := c.running, c.embedded
	c.mu.Unlock()
	switch {
	case !running:
		return false, nil, c.fail(ErrNotRunning)
	case !embedded:
		return false, nil, c.fail(ErrNotEmbedded)
	}

	c.registry.Commit()
	frame, err := c.engine.ComposeEmbedded(c.registry.Snapshot(), compose.Params{
		X: x, Y: y, Width: width, Height: height,
		Matrix: matrix,
		Alpha:  alpha,
		Hints:  hints,
	})
	if err != nil {
		return false, nil, c.fail(fmt.Errorf("%w: viewport %dx%d", ErrInvalidArgument, width, height))
	}
	c.render(frame)
	return frame.NeedHolePunch, frame.Rects, nil
}

func (c *Compositor) invalidate() {
	c.mu.Lock()
	fn := c.onInvalidate
	running := c.running
	c.mu.Unlock()
	if running && fn != nil {
		fn()
	}
}

// shellHook keeps input focus and the host in step with surface changes.
type shellHook struct{ c *Compositor }

func (h shellHook) SurfaceIDAssigned(id uint32)           {}
func (h shellHook) SurfaceCreated(id uint32, name string) { h.c.invalidate() }
func (h shellHook) SurfaceStatus(status surface.Status)   { h.c.invalidate() }

func (h shellHook) SurfaceDestroyed(id uint32, name string) {
	h.c.router.SurfaceDestroyed(id)
	h.c.setOwner(id, nil)
	h.c.invalidate()
}
