package display

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sizeRecorder struct {
	mu    sync.Mutex
	sizes [][2]int
}

func (r *sizeRecorder) DisplaySizeChanged(w, h int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, [2]int{w, h})
}

func (r *sizeRecorder) got() [][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]int(nil), r.sizes...)
}

func emulated(w, h int) Factory {
	return func() (Backend, error) { return NewEmulatedBackend(w, h), nil }
}

func TestNewFallsBackInOrder(t *testing.T) {
	failing := func() (Backend, error) { return nil, errors.New("unsupported") }
	d, err := New(failing, emulated(640, 480))
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "emulated", d.Backend().Name())
	w, h := d.Size()
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)

	_, err = New(failing)
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestSizeListeners(t *testing.T) {
	d, err := New(emulated(1280, 720))
	require.NoError(t, err)

	a, b := &sizeRecorder{}, &sizeRecorder{}
	require.NoError(t, d.AddSizeListener(a))
	assert.ErrorIs(t, d.AddSizeListener(a), ErrDuplicateListener)
	require.NoError(t, d.AddSizeListener(b))

	require.NoError(t, d.SetDisplaySize(1920, 1080))
	require.NoError(t, d.SetDisplaySize(1920, 1080))
	require.NoError(t, d.RemoveSizeListener(b))
	assert.ErrorIs(t, d.RemoveSizeListener(b), ErrUnknownListener)
	require.NoError(t, d.SetDisplaySize(640, 360))

	assert.Equal(t, [][2]int{{1920, 1080}, {640, 360}}, a.got())
	assert.Equal(t, [][2]int{{1920, 1080}}, b.got(), "unchanged size is not reported")

	assert.ErrorIs(t, d.SetDisplaySize(0, 360), ErrInvalidSize)
}

type funcListener struct {
	fn func(w, h int)
}

func (l funcListener) DisplaySizeChanged(w, h int) { l.fn(w, h) }

func TestUncomparableSizeListener(t *testing.T) {
	d, err := New(emulated(1280, 720))
	require.NoError(t, err)

	l := funcListener{fn: func(int, int) {}}
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, d.AddSizeListener(l), ErrInvalidListener)
		assert.ErrorIs(t, d.AddSizeListener(l), ErrInvalidListener)
		assert.ErrorIs(t, d.RemoveSizeListener(l), ErrUnknownListener)
	})
	assert.ErrorIs(t, d.AddSizeListener(nil), ErrInvalidListener)

	var got [][2]int
	p := &funcListener{fn: func(w, h int) { got = append(got, [2]int{w, h}) }}
	require.NoError(t, d.AddSizeListener(p))
	assert.ErrorIs(t, d.AddSizeListener(p), ErrDuplicateListener)
	require.NoError(t, d.SetDisplaySize(800, 600))
	require.NoError(t, d.RemoveSizeListener(p))
	assert.Equal(t, [][2]int{{800, 600}}, got)
}

type reentrantListener struct {
	d    *Display
	seen [][2]int
}

func (l *reentrantListener) DisplaySizeChanged(w, h int) {
	gw, gh := l.d.Size()
	l.seen = append(l.seen, [2]int{gw, gh})
	// Calling back into the display from a listener must not deadlock
	_ = l.d.RemoveSizeListener(l)
}

func TestSizeListenerReentrancy(t *testing.T) {
	d, err := New(emulated(100, 100))
	require.NoError(t, err)
	l := &reentrantListener{d: d}
	require.NoError(t, d.AddSizeListener(l))

	require.NoError(t, d.SetDisplaySize(200, 100))
	require.NoError(t, d.SetDisplaySize(300, 100))
	assert.Equal(t, [][2]int{{200, 100}}, l.seen)
}

func TestConcurrentSizeReaders(t *testing.T) {
	d, err := New(emulated(100, 100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				w, h := d.Size()
				assert.Equal(t, w, h, "width and height are written together")
			}
		}()
	}
	for j := 1; j <= 200; j++ {
		require.NoError(t, d.SetDisplaySize(j, j))
	}
	wg.Wait()
}

func TestNativeWindows(t *testing.T) {
	backend := NewEmulatedBackend(1280, 720)
	d, err := New(func() (Backend, error) { return backend, nil })
	require.NoError(t, err)

	w, err := d.CreateNativeWindow(320, 240)
	require.NoError(t, err)
	assert.Equal(t, "emulated", w.Backend)
	assert.Equal(t, 1, backend.Windows())

	_, err = d.CreateNativeWindow(0, 240)
	assert.ErrorIs(t, err, ErrInvalidSize)

	require.NoError(t, d.DestroyNativeWindow(w))
	assert.ErrorIs(t, d.DestroyNativeWindow(w), ErrUnknownWindow)
	assert.ErrorIs(t, d.DestroyNativeWindow(nil), ErrUnknownWindow)

	require.NoError(t, d.Close())
	_, err = backend.CreateNativeWindow(10, 10)
	assert.ErrorIs(t, err, ErrBackendTerminated)
}

func TestRefreshPicksUpModeChange(t *testing.T) {
	backend := NewEmulatedBackend(1280, 720)
	d, err := New(func() (Backend, error) { return backend, nil })
	require.NoError(t, err)
	rec := &sizeRecorder{}
	require.NoError(t, d.AddSizeListener(rec))

	backend.SetSize(3840, 2160)
	require.NoError(t, d.Refresh())
	assert.Equal(t, [][2]int{{3840, 2160}}, rec.got())
}

func writeConnector(t *testing.T, root, name, status, modes string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modes"), []byte(modes), 0o644))
}

func TestSysfsBackend(t *testing.T) {
	root := t.TempDir()
	writeConnector(t, root, "card0-DP-1", "disconnected", "")
	writeConnector(t, root, "card0-HDMI-A-1", "connected", "1920x1080\n1280x720\n720x480i\n")

	d, err := New(func() (Backend, error) { return NewSysfsBackend(root) })
	require.NoError(t, err)
	assert.Equal(t, "drm", d.Backend().Name())
	w, h := d.Size()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestSysfsBackendNoConnector(t *testing.T) {
	root := t.TempDir()
	writeConnector(t, root, "card0-DP-1", "disconnected", "")

	_, err := New(func() (Backend, error) { return NewSysfsBackend(root) })
	assert.ErrorIs(t, err, ErrNoBackend)

	_, err = NewSysfsBackend(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		w, h int
		ok   bool
	}{
		{"1920x1080", 1920, 1080, true},
		{" 720x576i ", 720, 576, true},
		{"garbage", 0, 0, false},
		{"0x0", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, ok := parseMode(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.w, w, tt.in)
		assert.Equal(t, tt.h, h, tt.in)
	}
}

func TestParseWlrRandrJSON(t *testing.T) {
	data := []byte(`[
		{"name": "eDP-1", "enabled": true, "scale": 2,
		 "modes": [{"width": 2560, "height": 1600, "current": false}, {"width": 1920, "height": 1200, "current": true}],
		 "position": {"x": 1920, "y": 0}},
		{"name": "HDMI-A-1", "enabled": true,
		 "modes": [{"width": 1920, "height": 1080, "current": true}],
		 "position": {"x": 0, "y": 0}},
		{"name": "DP-2", "enabled": false}
	]`)
	outputs, err := parseWlrRandrJSON(data)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, 1920, outputs[0].Width)
	assert.Equal(t, 1200, outputs[0].Height)
	assert.Equal(t, 2.0, outputs[0].Scale)
	assert.False(t, outputs[0].Primary)
	assert.True(t, outputs[1].Primary, "output at origin becomes primary")
	assert.Equal(t, 1.0, outputs[1].Scale)

	backend := &wlrRandrBackend{
		run:     func() ([]byte, error) { return data, nil },
		windows: newWindowSet("wlr-randr"),
	}
	d, err := New(func() (Backend, error) { return backend, nil })
	require.NoError(t, err)
	w, h := d.Size()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	_, err = parseWlrRandrJSON([]byte(`[]`))
	assert.Error(t, err)
	_, err = parseWlrRandrJSON([]byte(`not json`))
	assert.Error(t, err)
}
