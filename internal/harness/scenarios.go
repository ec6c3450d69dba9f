package harness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/bnema/westeros/internal/compose"
	"github.com/bnema/westeros/internal/compositor"
	"github.com/bnema/westeros/internal/dispatch"
	"github.com/bnema/westeros/internal/guard"
	"github.com/bnema/westeros/internal/input"
	"github.com/bnema/westeros/internal/ipc"
	"github.com/bnema/westeros/internal/launcher"
	"github.com/bnema/westeros/internal/renderer"
	"github.com/bnema/westeros/internal/surface"
	"github.com/bnema/westeros/internal/video"
	evdev "github.com/gvalkov/golang-evdev"
	"golang.org/x/sync/errgroup"
)

var scenarios = []Scenario{
	{"surface-geometry", "geometry set over the shell reads back after one tick", testGeometry},
	{"surface-visibility", "visibility follows the latest write", testVisibility},
	{"buffer-ring", "video buffers cycle 1500,1501,1502 without skips", testBufferRing},
	{"vpc-chain", "bridged video rect follows the chain transform and override", testVPCChain},
	{"segment-seek", "seek reports segment or zero based position", testSegmentSeek},
	{"animation-textures", "video hides only after a graphics frame exists", testAnimationTextures},
	{"hole-punch", "opaque graphics over the video plane need a hole", testHolePunch},
	{"launch-normal", "launched client reports start, connect, exit, disconnect", testLaunchNormal},
	{"launch-abnormal", "client killed by SIGSEGV reports signal 11 then disconnect", testLaunchAbnormal},
	{"stop-joins-clients", "stopping the compositor terminates and joins launches", testStopJoins},
	{"nested-repeater", "nested repeater frames reach the outer compositor", testNestedRepeater},
	{"concurrent-clients", "clients connecting in parallel get distinct surfaces", testConcurrentClients},
	{"guard-single-thread", "events posted from one loop leave the guard clear", testGuardSingle},
	{"guard-two-threads", "events posted from two threads set the guard", testGuardTwoThreads},
	{"uinput-input", "kernel key events reach the focused client", testUInput},
}

// envMu serializes scenarios that change process environment variables.
var envMu sync.Mutex

func withEnv(key, value string, fn func() error) error {
	envMu.Lock()
	defer envMu.Unlock()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	defer func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	}()
	return fn()
}

// start creates and starts a compositor. cleanup stops and destroys it.
func start(configure func(c *compositor.Compositor) error) (*compositor.Compositor, func(), error) {
	c := compositor.New()
	if configure != nil {
		if err := configure(c); err != nil {
			_ = c.Destroy()
			return nil, nil, err
		}
	}
	if err := c.Start(); err != nil {
		_ = c.Destroy()
		return nil, nil, err
	}
	return c, func() { _ = c.Destroy() }, nil
}

func waitFor(ctx context.Context, what string, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// nextTick waits until c has composed at least one more hosted frame.
func nextTick(ctx context.Context, c *compositor.Compositor) error {
	seen := c.Frames()
	return waitFor(ctx, "composition tick", func() bool { return c.Frames() > seen })
}

func clientSurface(ctx context.Context, c *compositor.Compositor) (*compositor.Conn, uint32, error) {
	conn, err := compositor.Connect(c.DisplayName())
	if err != nil {
		return nil, 0, err
	}
	id, err := conn.CreateSurface(ctx)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	return conn, id, nil
}

func fastTicks(c *compositor.Compositor) error {
	return c.SetFrameRate(200)
}

func testGeometry(ctx context.Context, env *Env) error {
	c, cleanup, err := start(fastTicks)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, id, err := clientSurface(ctx, c)
	if err != nil {
		return err
	}
	defer conn.Close()

	shell := ipc.NewClient(c.DisplayName())
	for _, want := range []surface.Rect{
		{X: 0, Y: 0, W: 640, H: 360},
		{X: 100, Y: 50, W: 320, H: 240},
		{X: -20, Y: -20, W: 1920, H: 1080},
	} {
		if err := shell.SetGeometry(id, want); err != nil {
			return err
		}
		if err := nextTick(ctx, c); err != nil {
			return err
		}
		st, err := shell.Status(id)
		if err != nil {
			return err
		}
		if err := expect(st.Rect == want, "geometry %s read back as %s", want, st.Rect); err != nil {
			return err
		}
	}
	return nil
}

func testVisibility(ctx context.Context, env *Env) error {
	c, cleanup, err := start(nil)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, id, err := clientSurface(ctx, c)
	if err != nil {
		return err
	}
	defer conn.Close()

	shell := ipc.NewClient(c.DisplayName())
	for i, visible := range []bool{false, false, true, true, false, true, false, true, true, false} {
		if err := shell.SetVisible(id, visible); err != nil {
			return err
		}
		st, err := shell.Status(id)
		if err != nil {
			return err
		}
		if err := expect(st.Visible == visible, "write %d: visible=%v read back as %v", i, visible, st.Visible); err != nil {
			return err
		}
	}
	return nil
}

func testBufferRing(ctx context.Context, env *Env) error {
	c, cleanup, err := start(nil)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, id, err := clientSurface(ctx, c)
	if err != nil {
		return err
	}
	defer conn.Close()

	p, err := c.NewVideoPipeline(id, 1500, 3)
	if err != nil {
		return err
	}
	dec, err := video.NewEmulated(video.Options{FrameRate: 60, Width: 1280, Height: 720})
	if err != nil {
		return err
	}
	dec.OnDeliver(func(f video.Frame) (int, error) { return p.Deliver(f) })

	const ticks = 12
	var want []int
	for i := 0; i < ticks; i++ {
		dec.Step()
		if err := c.Loop().Sync(func() {}); err != nil {
			return err
		}
		want = append(want, 1500+i%3)
	}
	if got := p.History(); !slices.Equal(got, want) {
		return fmt.Errorf("attached ids %v, want %v", got, want)
	}

	if err := conn.Sync(ctx); err != nil {
		return err
	}
	var released []int
	for _, ev := range conn.Events() {
		if ev.Kind == compositor.EventBufferRelease {
			released = append(released, int(ev.Args[0]))
		}
	}
	return expect(slices.Equal(released, want[:ticks-1]), "released ids %v, want %v", released, want[:ticks-1])
}

func embedded(width, height int) func(c *compositor.Compositor) error {
	return func(c *compositor.Compositor) error {
		if err := c.SetIsEmbedded(true); err != nil {
			return err
		}
		return c.SetOutputSize(width, height)
	}
}

func lastPosition(d *video.Emulated) surface.Rect {
	p := d.WindowPositions()
	if len(p) == 0 {
		return surface.Rect{}
	}
	return p[len(p)-1]
}

func testVPCChain(ctx context.Context, env *Env) error {
	outer, cleanupOuter, err := start(embedded(480, 270))
	if err != nil {
		return err
	}
	defer cleanupOuter()

	var leaf *compositor.Compositor
	var cleanupLeaf func()
	if err := withEnv("WESTEROS_VPC_BRIDGE", outer.DisplayName(), func() error {
		leaf, cleanupLeaf, err = start(embedded(480, 270))
		return err
	}); err != nil {
		return err
	}
	defer cleanupLeaf()

	dec, err := video.NewEmulated(video.Options{FrameRate: 60, Width: 480, Height: 270})
	if err != nil {
		return err
	}
	leaf.SetVideoDecoder(dec)
	conn, id, err := clientSurface(ctx, leaf)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := leaf.Registry().SetVideo(id, true); err != nil {
		return err
	}

	translate := compose.ScaleTranslate(1, 1, 200, 200)
	if _, _, err := leaf.ComposeEmbedded(0, 0, 1280, 720, translate, 1, compose.HintNone); err != nil {
		return err
	}
	want := surface.Rect{X: 200, Y: 200, W: 480, H: 270}
	if got := lastPosition(dec); got != want {
		return fmt.Errorf("video rect %s, want %s", got, want)
	}

	dec.SetWindowRect(surface.Rect{X: 25, Y: 25, W: 160, H: 90})
	if _, _, err := leaf.ComposeEmbedded(0, 0, 1280, 720, translate, 1, compose.HintNone); err != nil {
		return err
	}
	want = surface.Rect{X: 225, Y: 225, W: 160, H: 90}
	got := lastPosition(dec)
	return expect(got == want, "overridden video rect %s, want %s", got, want)
}

func testSegmentSeek(ctx context.Context, env *Env) error {
	for _, tc := range []struct {
		zero bool
		want time.Duration
	}{
		{false, 30 * time.Second},
		{true, 0},
	} {
		dec, err := video.NewEmulated(video.Options{FrameRate: 30, BasePTS: 5 * time.Second})
		if err != nil {
			return err
		}
		dec.SetSegmentStartZero(tc.zero)
		dec.Seek(30 * time.Second)
		if got := dec.Position(); got != tc.want {
			return fmt.Errorf("zero-based=%v: position after seek %s, want %s", tc.zero, got, tc.want)
		}

		var frames int
		var mu sync.Mutex
		dec.OnDeliver(func(video.Frame) (int, error) {
			mu.Lock()
			frames++
			mu.Unlock()
			return 0, nil
		})
		if err := dec.Start(ctx); err != nil {
			return err
		}
		err = waitFor(ctx, "decoded frames", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return frames >= 3
		})
		dec.Stop()
		if err != nil {
			return err
		}
		pos := dec.Position()
		if pos <= tc.want || pos > tc.want+10*time.Second {
			return fmt.Errorf("zero-based=%v: position %s does not follow %s", tc.zero, pos, tc.want)
		}
	}
	return nil
}

// positionLog records the video window positions and textures of a pass in
// the order they happen.
type positionLog struct {
	*video.Emulated
	mu     sync.Mutex
	events []string
}

func (l *positionLog) SetWindowPosition(x, y, w, h int) {
	l.Emulated.SetWindowPosition(x, y, w, h)
	l.add(fmt.Sprintf("pos:%d", y))
	if h > 0 && y == -h {
		l.add("hidden")
	}
}

func (l *positionLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *positionLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func testAnimationTextures(ctx context.Context, env *Env) error {
	dec, err := video.NewEmulated(video.Options{FrameRate: 60, Width: 1280, Height: 720})
	if err != nil {
		return err
	}
	vlog := &positionLog{Emulated: dec}

	c, cleanup, err := start(func(c *compositor.Compositor) error {
		if err := embedded(1280, 720)(c); err != nil {
			return err
		}
		if err := c.SetRendererModule(renderer.ModuleEmbedded); err != nil {
			return err
		}
		return c.SetTextureListener(func(compose.Texture) { vlog.add("texture") })
	})
	if err != nil {
		return err
	}
	defer cleanup()
	c.SetVideoDecoder(vlog)

	conn, id, err := clientSurface(ctx, c)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := c.Registry().SetVideo(id, true); err != nil {
		return err
	}

	for i := 0; i < 4; i++ {
		if _, _, err := c.ComposeEmbedded(0, 0, 1280, 720, compose.Identity(), 1, compose.HintAnimating); err != nil {
			return err
		}
	}
	events := vlog.snapshot()
	hidden := slices.Index(events, "hidden")
	if hidden < 0 {
		return fmt.Errorf("video never hidden during animation: %v", events)
	}
	textures := 0
	for _, ev := range events[:hidden] {
		if ev == "texture" {
			textures++
		}
	}
	if err := expect(textures >= 1, "video hidden after %d textures", textures); err != nil {
		return err
	}

	if _, _, err := c.ComposeEmbedded(0, 0, 1280, 720, compose.Identity(), 1, compose.HintNone); err != nil {
		return err
	}
	last := lastPosition(dec)
	return expect(last.Y >= 0, "video still hidden after the animation: %s", last)
}

func testHolePunch(ctx context.Context, env *Env) error {
	dec, err := video.NewEmulated(video.Options{FrameRate: 60})
	if err != nil {
		return err
	}
	c, cleanup, err := start(embedded(1280, 720))
	if err != nil {
		return err
	}
	defer cleanup()
	c.SetVideoDecoder(dec)

	conn, err := compositor.Connect(c.DisplayName())
	if err != nil {
		return err
	}
	defer conn.Close()
	videoID, err := conn.CreateSurface(ctx)
	if err != nil {
		return err
	}
	uiID, err := conn.CreateSurface(ctx)
	if err != nil {
		return err
	}
	reg := c.Registry()
	if err := reg.SetVideo(videoID, true); err != nil {
		return err
	}
	if err := reg.SetZOrder(videoID, 0.1); err != nil {
		return err
	}
	if err := reg.SetGeometry(uiID, surface.Rect{X: 100, Y: 100, W: 200, H: 100}); err != nil {
		return err
	}

	pass := func() (bool, error) {
		hole, _, err := c.ComposeEmbedded(0, 0, 1280, 720, compose.Identity(), 1, compose.HintNone)
		return hole, err
	}
	hole, err := pass()
	if err != nil {
		return err
	}
	if err := expect(hole, "opaque overlay did not need a hole punch"); err != nil {
		return err
	}

	if err := reg.SetOpacity(uiID, 0); err != nil {
		return err
	}
	if hole, err = pass(); err != nil {
		return err
	}
	if err := expect(!hole, "transparent overlay needed a hole punch"); err != nil {
		return err
	}

	if err := reg.SetOpacity(uiID, 1); err != nil {
		return err
	}
	if err := reg.SetZOrder(uiID, 0.05); err != nil {
		return err
	}
	if hole, err = pass(); err != nil {
		return err
	}
	if err := expect(!hole, "overlay drawn below the video needed a hole punch"); err != nil {
		return err
	}
	if err := reg.SetZOrder(uiID, 0.5); err != nil {
		return err
	}
	if err := reg.SetVisible(videoID, false); err != nil {
		return err
	}
	if hole, err = pass(); err != nil {
		return err
	}
	return expect(!hole, "hole punched without a visible video surface")
}

type statusLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *statusLog) record(s launcher.Status, pid, detail int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == launcher.StatusStoppedAbnormal {
		l.entries = append(l.entries, fmt.Sprintf("%s:%d", s, detail))
		return
	}
	l.entries = append(l.entries, s.String())
}

func (l *statusLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func launch(ctx context.Context, env *Env, args string, want []string) error {
	if env.ClientCommand == "" {
		return skip("no helper client command")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		return skip("sh not available")
	}

	var log statusLog
	c, cleanup, err := start(func(c *compositor.Compositor) error {
		return c.SetClientStatusListener(log.record)
	})
	if err != nil {
		return err
	}
	defer cleanup()

	if err := c.LaunchClient(ctx, env.ClientCommand+args); err != nil {
		return err
	}
	got := log.get()
	return expect(slices.Equal(got, want), "client statuses %v, want %v", got, want)
}

func testLaunchNormal(ctx context.Context, env *Env) error {
	return launch(ctx, env, "", []string{"started", "connected", "stopped-normal", "disconnected"})
}

func testLaunchAbnormal(ctx context.Context, env *Env) error {
	return launch(ctx, env, " --crash", []string{"started", "connected", "stopped-abnormal:11", "disconnected"})
}

func testStopJoins(ctx context.Context, env *Env) error {
	if _, err := exec.LookPath("sleep"); err != nil {
		return skip("sleep not available")
	}
	var log statusLog
	c, cleanup, err := start(func(c *compositor.Compositor) error {
		return c.SetClientStatusListener(log.record)
	})
	if err != nil {
		return err
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		g.Go(func() error { return c.LaunchClient(gctx, "sleep 30") })
	}
	if err := waitFor(ctx, "launches", func() bool { return len(log.get()) == 2 }); err != nil {
		return err
	}
	if err := c.Stop(); err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}
	got := log.get()
	sigterm := 0
	for _, s := range got {
		if s == "stopped-abnormal:15" {
			sigterm++
		}
	}
	return expect(len(got) == 4 && sigterm == 2, "statuses after stop %v", got)
}

func testNestedRepeater(ctx context.Context, env *Env) error {
	outer, cleanupOuter, err := start(func(c *compositor.Compositor) error {
		if err := fastTicks(c); err != nil {
			return err
		}
		return c.SetOutputSize(1920, 1080)
	})
	if err != nil {
		return err
	}
	defer cleanupOuter()

	var mu sync.Mutex
	var sizes []string
	inner, cleanupInner, err := start(func(c *compositor.Compositor) error {
		for _, set := range []func() error{
			func() error { return c.SetIsNested(true) },
			func() error { return c.SetIsRepeater(true) },
			func() error { return c.SetNestedDisplayName(outer.DisplayName()) },
			func() error { return fastTicks(c) },
		} {
			if err := set(); err != nil {
				return err
			}
		}
		return c.SetOutputNestedListener(func(w, h int) {
			mu.Lock()
			sizes = append(sizes, fmt.Sprintf("%dx%d", w, h))
			mu.Unlock()
		})
	})
	if err != nil {
		return err
	}
	defer cleanupInner()

	if err := waitFor(ctx, "repeated frame", func() bool {
		snap := outer.Registry().Snapshot()
		return len(snap) == 1 && snap[0].Name == inner.DisplayName() && snap[0].Buffer != nil
	}); err != nil {
		return err
	}
	if err := outer.SetOutputSize(1280, 720); err != nil {
		return err
	}
	mu.Lock()
	got := append([]string(nil), sizes...)
	mu.Unlock()
	return expect(slices.Equal(got, []string{"1920x1080", "1280x720"}), "nested output sizes %v", got)
}

func testConcurrentClients(ctx context.Context, env *Env) error {
	c, cleanup, err := start(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	const clients, perClient = 8, 4
	var mu sync.Mutex
	var conns []*compositor.Conn
	ids := map[uint32]bool{}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			conn, err := compositor.Connect(c.DisplayName())
			if err != nil {
				return err
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			for j := 0; j < perClient; j++ {
				id, err := conn.CreateSurface(gctx)
				if err != nil {
					return err
				}
				if err := conn.Attach(id, uint32(j)); err != nil {
					return err
				}
				mu.Lock()
				ids[id] = true
				mu.Unlock()
			}
			return conn.Sync(gctx)
		})
	}
	err = g.Wait()
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()
	if err != nil {
		return err
	}

	if err := expect(len(ids) == clients*perClient, "%d distinct surface ids, want %d", len(ids), clients*perClient); err != nil {
		return err
	}
	if err := expect(c.Registry().Len() == clients*perClient, "registry holds %d surfaces", c.Registry().Len()); err != nil {
		return err
	}
	return expect(!c.Guard().Violated(), "events were posted from more than one thread")
}

func testGuardSingle(ctx context.Context, env *Env) error {
	c, cleanup, err := start(fastTicks)
	if err != nil {
		return err
	}
	defer cleanup()
	c.Guard().Reset()

	conn, id, err := clientSurface(ctx, c)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.Router().SetFocus(id)
	for i := 0; i < 20; i++ {
		c.Router().KeyEvent(uint32(evdev.KEY_A+i%5), i%2 == 0)
		c.Router().PointerMotion(10+i, 10+i)
		if err := conn.Attach(id, uint32(i)); err != nil {
			return err
		}
	}
	if err := conn.Sync(ctx); err != nil {
		return err
	}
	if err := expect(c.Guard().Posts() > 0, "no events were posted"); err != nil {
		return err
	}
	return expect(!c.Guard().Violated(), "single loop flagged as multi-threaded")
}

func testGuardTwoThreads(ctx context.Context, env *Env) error {
	g := guard.New()
	loops := []*dispatch.Loop{dispatch.New(g), dispatch.New(g)}
	for _, l := range loops {
		l.Start(ctx)
		defer l.Stop()
	}

	eg, _ := errgroup.WithContext(ctx)
	for _, l := range loops {
		eg.Go(func() error {
			for i := 0; i < 10; i++ {
				var emitErr error
				if err := l.Sync(func() { emitErr = l.Emit(func() error { return nil }) }); err != nil {
					return err
				}
				if emitErr != nil {
					return emitErr
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := expect(g.Violated(), "posts from two loop threads were not detected"); err != nil {
		return err
	}
	return expect(!g.Violated(), "violation flag not consumed by the first read")
}

func testUInput(ctx context.Context, env *Env) error {
	path := env.UInputPath
	if path == "" {
		path = "/dev/uinput"
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return skip("cannot open %s: %v", path, err)
	}
	f.Close()

	v, err := input.CreateVirtual(path, fmt.Sprintf("westeros-harness-%d", os.Getpid()))
	if err != nil {
		return skip("cannot create virtual devices: %v", err)
	}
	defer v.Close()
	devPath, err := input.FindDevice(v.KeyboardName(), 2*time.Second)
	if err != nil {
		return skip("virtual keyboard not visible: %v", err)
	}

	c, cleanup, err := start(nil)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, id, err := clientSurface(ctx, c)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := c.Router().SetRepeat(time.Hour, time.Hour); err != nil {
		return err
	}
	c.Router().SetFocus(id)

	w, h := c.OutputSize()
	src := input.NewSource(c.Router(), w, h)
	if err := src.Open(devPath); err != nil {
		return skip("cannot read %s: %v", devPath, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Let the reader settle before injecting.
	runtime.Gosched()
	time.Sleep(100 * time.Millisecond)
	if err := v.Key(evdev.KEY_Q, true); err != nil {
		return err
	}
	if err := v.Key(evdev.KEY_Q, false); err != nil {
		return err
	}
	_, err = conn.Wait(ctx, compositor.EventKey, func(ev compositor.Event) bool {
		return len(ev.Args) == 4 && ev.Args[2] == evdev.KEY_Q && ev.Args[3] == uint32(input.KeyReleased)
	})
	return err
}
