package compositor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/westeros/internal/compose"
	"github.com/bnema/westeros/internal/ipc"
	"github.com/bnema/westeros/internal/launcher"
	"github.com/bnema/westeros/internal/renderer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runtimeDir points sockets at a short private directory.
func runtimeDir(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("", "wst")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("XDG_RUNTIME_DIR", dir)
	t.Setenv("WAYLAND_DISPLAY", "")
	t.Setenv("WESTEROS_VPC_BRIDGE", "")
	t.Setenv("WESTEROS_FAST_RENDER", "")
}

var testDisplays atomic.Int32

func started(t *testing.T, configure func(c *Compositor)) *Compositor {
	t.Helper()
	c := New()
	require.NoError(t, c.SetDisplayName(fmt.Sprintf("test-%d", testDisplays.Add(1))))
	if configure != nil {
		configure(c)
	}
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Destroy() })
	return c
}

func connect(t *testing.T, c *Compositor) *Conn {
	t.Helper()
	conn, err := Connect(c.DisplayName())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLifecycle(t *testing.T) {
	runtimeDir(t)

	var terminated atomic.Int32
	c := New()
	require.NoError(t, c.SetTerminatedListener(func() { terminated.Add(1) }))
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)

	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	assert.True(t, strings.HasPrefix(c.DisplayName(), fmt.Sprintf("westeros-%d-", os.Getpid())))
	assert.FileExists(t, c.SocketPath())
	assert.ErrorIs(t, c.Start(), ErrRunning)

	require.NoError(t, c.Stop())
	assert.NoFileExists(t, c.SocketPath())
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)
	assert.Equal(t, int32(1), terminated.Load())

	require.NoError(t, c.Destroy())
	assert.ErrorIs(t, c.Destroy(), ErrDestroyed)
	assert.ErrorIs(t, c.Start(), ErrDestroyed)
}

func TestDisplayNamesAreUnique(t *testing.T) {
	a, b := nextDisplayName(), nextDisplayName()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "westeros-"))
}

func TestSettersRejectedWhileRunning(t *testing.T) {
	runtimeDir(t)
	c := started(t, nil)

	err := c.SetDisplayName("other")
	assert.ErrorIs(t, err, ErrRunning)
	assert.Contains(t, c.LastError(), "display name")
	assert.ErrorIs(t, c.SetRendererModule(renderer.ModuleFast), ErrRunning)
	assert.ErrorIs(t, c.SetIsEmbedded(true), ErrRunning)
	assert.ErrorIs(t, c.SetIsNested(true), ErrRunning)
	assert.ErrorIs(t, c.SetIsRepeater(true), ErrRunning)
	assert.ErrorIs(t, c.SetFrameRate(30), ErrRunning)
	assert.ErrorIs(t, c.SetDispatchListener(func() {}), ErrRunning)
	assert.ErrorIs(t, c.AddModule(&testModule{name: "late"}), ErrRunning)

	require.NoError(t, c.SetOutputSize(1920, 1080))
	w, h := c.OutputSize()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
	w, h = c.Engine().OutputSize()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestSetterValidation(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.SetDisplayName(""), ErrInvalidArgument)
	assert.ErrorIs(t, c.SetDisplayName("a/b"), ErrInvalidArgument)
	assert.ErrorIs(t, c.SetFrameRate(0), ErrInvalidArgument)
	assert.ErrorIs(t, c.SetOutputSize(0, 10), ErrInvalidArgument)
	assert.ErrorIs(t, c.AddModule(nil), ErrInvalidArgument)
	assert.Contains(t, c.LastError(), "nil module")
}

func TestInvalidModes(t *testing.T) {
	runtimeDir(t)

	c := New()
	require.NoError(t, c.SetIsRepeater(true))
	assert.ErrorIs(t, c.Start(), ErrInvalidMode)

	require.NoError(t, c.SetIsNested(true))
	require.NoError(t, c.SetIsEmbedded(true))
	assert.ErrorIs(t, c.Start(), ErrInvalidMode)

	require.NoError(t, c.SetIsEmbedded(false))
	assert.ErrorIs(t, c.Start(), ErrNoDisplay)
	assert.False(t, c.IsRunning())
	require.NoError(t, c.Destroy())
}

func TestUnknownRendererModule(t *testing.T) {
	runtimeDir(t)

	c := New()
	require.NoError(t, c.SetDisplayName("bad-renderer"))
	require.NoError(t, c.SetRendererModule("libmissing.so"))
	assert.ErrorIs(t, c.Start(), renderer.ErrUnknownModule)
	assert.Contains(t, c.LastError(), "libmissing.so")

	_, ok := Lookup("bad-renderer")
	assert.False(t, ok)
	require.NoError(t, c.Destroy())
}

func TestDuplicateDisplayName(t *testing.T) {
	runtimeDir(t)
	a := started(t, nil)

	b := New()
	require.NoError(t, b.SetDisplayName(a.DisplayName()))
	assert.ErrorIs(t, b.Start(), ErrNameInUse)
	require.NoError(t, b.Destroy())
}

func TestClientSurfaceLifecycle(t *testing.T) {
	runtimeDir(t)
	c := started(t, nil)
	conn := connect(t, c)
	ctx := testContext(t)

	id, err := conn.CreateSurface(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Registry().Len())

	st, err := c.Registry().GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 1280, st.Rect.W)
	assert.Equal(t, float32(0.5), st.ZOrder)

	require.NoError(t, conn.Attach(id, 100))
	require.NoError(t, conn.Attach(id, 101))
	ev, err := conn.Wait(ctx, EventBufferRelease, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{100}, ev.Args)

	require.NoError(t, conn.DestroySurface(id))
	require.NoError(t, conn.Sync(ctx))
	assert.Equal(t, 0, c.Registry().Len())
	_, err = conn.Wait(ctx, EventBufferRelease, func(ev Event) bool { return ev.Args[0] == 101 })
	require.NoError(t, err)

	assert.False(t, c.Guard().Violated())
}

func TestDisconnectDestroysSurfaces(t *testing.T) {
	runtimeDir(t)
	c := started(t, nil)
	conn := connect(t, c)
	ctx := testContext(t)

	_, err := conn.CreateSurface(ctx)
	require.NoError(t, err)
	_, err = conn.CreateSurface(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Registry().Len())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return c.Registry().Len() == 0 && c.Clients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProtocolErrorReported(t *testing.T) {
	runtimeDir(t)
	c := started(t, nil)
	conn := connect(t, c)
	ctx := testContext(t)

	require.NoError(t, conn.DestroySurface(999999))
	ev, err := conn.Wait(ctx, EventError, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{displayObject, uint32(reqDestroySurface)}, ev.Args)

	// Surfaces of another client are not reachable.
	other := connect(t, c)
	id, err := other.CreateSurface(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.DestroySurface(id))
	require.NoError(t, conn.Sync(ctx))
	assert.Equal(t, 2, conn.Count(EventError))
	assert.Equal(t, 1, c.Registry().Len())
}

func TestInputReachesOwner(t *testing.T) {
	runtimeDir(t)
	c := started(t, nil)
	conn := connect(t, c)
	ctx := testContext(t)

	id, err := conn.CreateSurface(ctx)
	require.NoError(t, err)

	c.Router().SetFocus(id)
	ev, err := conn.Wait(ctx, EventKeyboardEnter, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{id, 0}, ev.Args)

	c.Router().KeyEvent(30, true)
	ev, err = conn.Wait(ctx, EventKey, nil)
	require.NoError(t, err)
	require.Len(t, ev.Args, 4)
	assert.Equal(t, id, ev.Args[0])
	assert.Equal(t, uint32(30), ev.Args[2])
	assert.Equal(t, uint32(1), ev.Args[3])

	c.Router().PointerMotion(10, 20)
	ev, err = conn.Wait(ctx, EventPointerEnter, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{id, 10, 20}, ev.Args)

	assert.False(t, c.Guard().Violated())
}

func TestHostedFramesAndDispatch(t *testing.T) {
	runtimeDir(t)
	var dispatched atomic.Int32
	c := started(t, func(c *Compositor) {
		require.NoError(t, c.SetFrameRate(200))
		require.NoError(t, c.SetDispatchListener(func() { dispatched.Add(1) }))
	})
	conn := connect(t, c)
	id, err := conn.CreateSurface(testContext(t))
	require.NoError(t, err)
	require.NoError(t, conn.Attach(id, 7))

	assert.Eventually(t, func() bool {
		return dispatched.Load() > 2 && c.Frames() > 2
	}, 2*time.Second, 10*time.Millisecond)

	rec, ok := c.Renderer().(*renderer.Recorder)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return len(rec.LastFrame().Ops) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, rec.LastFrame().Ops[0].SurfaceID)
}

func TestShellSocket(t *testing.T) {
	runtimeDir(t)
	c := started(t, nil)
	conn := connect(t, c)
	ctx := testContext(t)
	id, err := conn.CreateSurface(ctx)
	require.NoError(t, err)

	shell := ipc.NewClient(c.DisplayName())
	surfaces, err := shell.List()
	require.NoError(t, err)
	require.Len(t, surfaces, 1)
	assert.Equal(t, id, surfaces[0].ID)

	require.NoError(t, shell.SetName(id, "player"))
	require.NoError(t, shell.SetOpacity(id, 0.25))
	st, err := shell.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "player", st.Name)
	assert.Equal(t, float32(0.25), st.Opacity)

	assert.Error(t, shell.SetOpacity(id, 2))
	_, err = shell.Status(424242)
	assert.ErrorContains(t, err, "424242")

	focus, err := shell.Focus(id)
	require.NoError(t, err)
	assert.Equal(t, id, focus)
	_, err = conn.Wait(ctx, EventKeyboardEnter, nil)
	require.NoError(t, err)
}

type testModule struct {
	name    string
	initErr error

	mu    sync.Mutex
	inits int
	terms int
	seen  string
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) Init(c *Compositor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
	m.seen = c.DisplayName()
	return m.initErr
}

func (m *testModule) Term(c *Compositor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms++
}

func TestModulesInitOnceAndTerm(t *testing.T) {
	runtimeDir(t)

	mod := &testModule{name: "ok"}
	c := New()
	require.NoError(t, c.SetDisplayName("modules"))
	require.NoError(t, c.AddModule(mod))
	assert.ErrorIs(t, c.AddModule(mod), ErrInvalidArgument)

	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Start())
	require.NoError(t, c.Destroy())

	assert.Equal(t, 1, mod.inits)
	assert.Equal(t, 1, mod.terms)
	assert.Equal(t, "modules", mod.seen)
}

type funcModule struct {
	init func(c *Compositor) error
}

func (m funcModule) Name() string             { return "func" }
func (m funcModule) Init(c *Compositor) error { return m.init(c) }
func (m funcModule) Term(c *Compositor)       {}

func TestUncomparableModuleRejected(t *testing.T) {
	c := New()
	defer c.Destroy()

	m := funcModule{init: func(*Compositor) error { return nil }}
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, c.AddModule(m), ErrInvalidArgument)
	})
	require.NoError(t, c.AddModule(&m))
}

func TestModuleInitFailureStops(t *testing.T) {
	runtimeDir(t)

	good := &testModule{name: "good"}
	bad := &testModule{name: "bad", initErr: errors.New("no hardware")}
	c := New()
	require.NoError(t, c.AddModule(good))
	require.NoError(t, c.AddModule(bad))

	err := c.Start()
	assert.ErrorContains(t, err, "no hardware")
	assert.False(t, c.IsRunning())

	require.NoError(t, c.Destroy())
	assert.Equal(t, 1, good.terms)
	assert.Equal(t, 0, bad.terms)
}

func TestEmbeddedCompose(t *testing.T) {
	runtimeDir(t)

	var mu sync.Mutex
	var textures []compose.Texture
	c := started(t, func(c *Compositor) {
		require.NoError(t, c.SetIsEmbedded(true))
		require.NoError(t, c.SetRendererModule(renderer.ModuleEmbedded))
		require.NoError(t, c.SetTextureListener(func(tx compose.Texture) {
			mu.Lock()
			textures = append(textures, tx)
			mu.Unlock()
		}))
	})
	conn := connect(t, c)
	ctx := testContext(t)
	id, err := conn.CreateSurface(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Attach(id, 1))
	require.NoError(t, conn.Sync(ctx))

	hole, rects, err := c.ComposeEmbedded(0, 0, 640, 360, compose.Scale(0.5, 0.5), 1, compose.HintNone)
	require.NoError(t, err)
	assert.False(t, hole)
	require.Len(t, rects, 1)
	assert.Equal(t, 640, rects[0].W)

	mu.Lock()
	assert.Len(t, textures, 1)
	mu.Unlock()

	_, _, err = c.ComposeEmbedded(0, 0, 0, 360, compose.Identity(), 1, compose.HintNone)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	hosted := started(t, nil)
	_, _, err = hosted.ComposeEmbedded(0, 0, 640, 360, compose.Identity(), 1, compose.HintNone)
	assert.ErrorIs(t, err, ErrNotEmbedded)
}

func TestNestedCompositor(t *testing.T) {
	runtimeDir(t)

	outer := started(t, func(c *Compositor) {
		require.NoError(t, c.SetOutputSize(1920, 1080))
		require.NoError(t, c.SetFrameRate(200))
	})

	var nestedW, nestedH atomic.Int32
	inner := started(t, func(c *Compositor) {
		require.NoError(t, c.SetIsNested(true))
		require.NoError(t, c.SetIsRepeater(true))
		require.NoError(t, c.SetNestedDisplayName(outer.DisplayName()))
		require.NoError(t, c.SetFrameRate(200))
		require.NoError(t, c.SetOutputNestedListener(func(w, h int) {
			nestedW.Store(int32(w))
			nestedH.Store(int32(h))
		}))
	})

	assert.Equal(t, int32(1920), nestedW.Load())
	assert.Equal(t, int32(1080), nestedH.Load())

	surfaces := outer.Registry().Snapshot()
	require.Len(t, surfaces, 1)
	assert.Equal(t, inner.DisplayName(), surfaces[0].Name)
	assert.Eventually(t, func() bool {
		snap := outer.Registry().Snapshot()
		return len(snap) == 1 && snap[0].Buffer != nil
	}, 2*time.Second, 10*time.Millisecond, "repeater frames reach the outer surface")

	require.NoError(t, outer.SetOutputSize(1280, 720))
	assert.Equal(t, int32(1280), nestedW.Load())

	require.NoError(t, inner.Stop())
	assert.Equal(t, 0, outer.Registry().Len())
}

func TestBridgedVideoChain(t *testing.T) {
	runtimeDir(t)

	outer := started(t, func(c *Compositor) {
		require.NoError(t, c.SetIsEmbedded(true))
	})
	t.Setenv("WESTEROS_VPC_BRIDGE", outer.DisplayName())
	inner := started(t, func(c *Compositor) {
		require.NoError(t, c.SetIsEmbedded(true))
	})

	outerMatrix := compose.ScaleTranslate(0.5, 0.5, 100, 50)
	_, _, err := outer.ComposeEmbedded(0, 0, 1280, 720, outerMatrix, 1, compose.HintNone)
	require.NoError(t, err)

	innerMatrix := compose.ScaleTranslate(0.5, 0.5, 10, 10)
	_, _, err = inner.ComposeEmbedded(0, 0, 640, 360, innerMatrix, 1, compose.HintNone)
	require.NoError(t, err)

	assert.Equal(t, compose.Mul(outerMatrix, innerMatrix), inner.Engine().ChainTransform())

	require.NoError(t, outer.Stop())
	assert.Equal(t, innerMatrix, inner.Engine().ChainTransform())
}

func requireShell(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"sh", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
}

func TestStopJoinsLaunchedClients(t *testing.T) {
	runtimeDir(t)
	requireShell(t)

	var mu sync.Mutex
	var statuses []launcher.Status
	var details []int
	c := started(t, func(c *Compositor) {
		require.NoError(t, c.SetClientStatusListener(func(s launcher.Status, pid, detail int) {
			mu.Lock()
			statuses = append(statuses, s)
			details = append(details, detail)
			mu.Unlock()
		}))
	})

	done := make(chan error, 1)
	go func() { done <- c.LaunchClient(context.Background(), "sleep 30") }()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not return after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	assert.Equal(t, launcher.StatusStarted, statuses[0])
	assert.Equal(t, launcher.StatusStoppedAbnormal, statuses[1])
	assert.Equal(t, 15, details[1])

	assert.ErrorIs(t, c.LaunchClient(context.Background(), "true"), ErrNotRunning)
}
