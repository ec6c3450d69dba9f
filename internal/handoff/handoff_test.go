package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bnema/westeros/internal/dispatch"
	"github.com/bnema/westeros/internal/guard"
	"github.com/bnema/westeros/internal/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingCyclesInOrder(t *testing.T) {
	w, err := NewWindow(1500, 3)
	require.NoError(t, err)

	var got []int
	for i := 0; i < 9; i++ {
		b, err := w.Acquire()
		require.NoError(t, err)
		got = append(got, b.ID())
		require.NoError(t, b.Release())
	}
	assert.Equal(t, []int{1500, 1501, 1502, 1500, 1501, 1502, 1500, 1501, 1502}, got)
}

func TestAcquireDoesNotSkipBusySlot(t *testing.T) {
	w, err := NewWindow(10, 2)
	require.NoError(t, err)

	a, err := w.Acquire()
	require.NoError(t, err)
	b, err := w.Acquire()
	require.NoError(t, err)

	_, err = w.Acquire()
	assert.ErrorIs(t, err, ErrNoFreeBuffer)

	// Freeing the second slot does not let the ring jump past the first
	require.NoError(t, b.Release())
	_, err = w.Acquire()
	assert.ErrorIs(t, err, ErrNoFreeBuffer)

	require.NoError(t, a.Release())
	c, err := w.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 10, c.ID())
	d, err := w.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 11, d.ID())
}

func TestReleaseExactlyOnce(t *testing.T) {
	w, err := NewWindow(0, 1)
	require.NoError(t, err)
	var released []int
	w.OnRelease(func(id int) { released = append(released, id) })

	b, err := w.Acquire()
	require.NoError(t, err)
	require.NoError(t, b.Release())
	assert.ErrorIs(t, b.Release(), ErrAlreadyReleased)
	assert.True(t, b.Released())
	assert.Equal(t, []int{0}, released)

	acquired, releases := w.Stats()
	assert.Equal(t, uint64(1), acquired)
	assert.Equal(t, uint64(1), releases)
}

func TestDestroyDefersTeardown(t *testing.T) {
	w, err := NewWindow(1500, 3)
	require.NoError(t, err)
	tornDown := 0
	w.OnTeardown(func() { tornDown++ })

	a, err := w.Acquire()
	require.NoError(t, err)
	b, err := w.Acquire()
	require.NoError(t, err)

	w.Destroy()
	w.Destroy()
	assert.False(t, w.TornDown())
	_, err = w.Acquire()
	assert.ErrorIs(t, err, ErrWindowDestroyed)

	require.NoError(t, a.Release())
	assert.False(t, w.TornDown())
	assert.Equal(t, 0, tornDown)

	require.NoError(t, b.Release())
	assert.True(t, w.TornDown())
	assert.Equal(t, 1, tornDown)
	assert.ErrorIs(t, b.Release(), ErrAlreadyReleased)
	assert.Equal(t, 1, tornDown)
}

func TestDestroyIdleWindow(t *testing.T) {
	w, err := NewWindow(0, 2)
	require.NoError(t, err)
	w.Destroy()
	select {
	case <-w.Done():
	default:
		t.Fatal("idle window should tear down immediately")
	}

	_, err = NewWindow(0, 0)
	assert.ErrorIs(t, err, ErrInvalidRing)
}

func newPipeline(t *testing.T, base, count int) (*Pipeline, *surface.Registry, *dispatch.Loop, uint32) {
	t.Helper()
	loop := dispatch.New(guard.New())
	loop.Start(context.Background())
	t.Cleanup(loop.Stop)

	reg := surface.New(1280, 720)
	c := reg.AddClient(0)
	id, err := reg.CreateSurface(c)
	require.NoError(t, err)
	require.NoError(t, reg.SetVideo(id, true))

	w, err := NewWindow(base, count)
	require.NoError(t, err)
	return NewPipeline(loop, w, reg, id), reg, loop, id
}

func TestPipelineSteadyState(t *testing.T) {
	p, _, loop, _ := newPipeline(t, 1500, 3)

	var mu sync.Mutex
	var releases []int
	p.OnBufferRelease(func(id int) error {
		mu.Lock()
		defer mu.Unlock()
		releases = append(releases, id)
		return nil
	})

	var want []int
	for i := 0; i < 12; i++ {
		id, err := p.Deliver(i)
		require.NoError(t, err)
		want = append(want, 1500+i%3)
		assert.Equal(t, 1500+i%3, id)
		require.NoError(t, loop.Sync(func() {}))
	}

	assert.Equal(t, want, p.History())
	mu.Lock()
	assert.Equal(t, want[:11], releases)
	mu.Unlock()
	assert.False(t, loop.Guard().Violated(), "release events posted from the loop thread only")
}

func TestPipelineCloseTearsDown(t *testing.T) {
	p, reg, loop, id := newPipeline(t, 7, 2)

	_, err := p.Deliver("frame")
	require.NoError(t, err)
	require.NoError(t, loop.Sync(func() {}))
	assert.Equal(t, 1, p.Window().Outstanding())

	p.Close()
	p.Close()
	select {
	case <-p.Window().Done():
	case <-time.After(time.Second):
		t.Fatal("window not torn down after close")
	}

	_, err = p.Deliver("late")
	assert.ErrorIs(t, err, ErrWindowDestroyed)
	require.NoError(t, reg.DestroySurface(id))
}

func TestSurfaceDestroyReleasesBuffer(t *testing.T) {
	p, reg, loop, id := newPipeline(t, 0, 2)

	_, err := p.Deliver(1)
	require.NoError(t, err)
	require.NoError(t, loop.Sync(func() {}))
	p.Window().Destroy()
	assert.False(t, p.Window().TornDown())

	require.NoError(t, reg.DestroySurface(id))
	assert.True(t, p.Window().TornDown())
}

func TestPipelineDropsWhenRingFull(t *testing.T) {
	p, _, _, _ := newPipeline(t, 0, 1)

	_, err := p.Deliver(1)
	require.NoError(t, err)
	// The only slot is attached and stays in flight
	require.Eventually(t, func() bool { return len(p.History()) == 1 }, time.Second, time.Millisecond)
	_, err = p.Deliver(2)
	assert.ErrorIs(t, err, ErrNoFreeBuffer)
	assert.Equal(t, uint64(1), p.Dropped())
}
