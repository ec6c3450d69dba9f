package video

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/westeros/internal/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDecoder(t *testing.T, opts Options) *Emulated {
	t.Helper()
	if opts.FrameRate == 0 {
		opts.FrameRate = 60
	}
	d, err := NewEmulated(opts)
	require.NoError(t, err)
	return d
}

func TestSeekPositionBySegmentMode(t *testing.T) {
	tests := []struct {
		name      string
		zeroBased bool
		want      time.Duration
	}{
		{"segment start", false, 30 * time.Second},
		{"zero based", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDecoder(t, Options{})
			d.SetSegmentStartZero(tt.zeroBased)
			d.Seek(30 * time.Second)
			assert.Equal(t, tt.want, d.Position())

			for i := 0; i < 60; i++ {
				d.Step()
			}
			assert.InDelta(t, float64(tt.want+time.Second), float64(d.Position()), float64(time.Millisecond))
		})
	}
}

func TestTrickPlayRate(t *testing.T) {
	d := newDecoder(t, Options{FrameRate: 30})
	require.NoError(t, d.SetRate(2))
	d.Seek(10 * time.Second)
	for i := 0; i < 30; i++ {
		d.Step()
	}
	assert.InDelta(t, float64(12*time.Second), float64(d.Position()), float64(time.Millisecond))

	require.NoError(t, d.SetRate(-1))
	for i := 0; i < 30; i++ {
		d.Step()
	}
	assert.InDelta(t, float64(11*time.Second), float64(d.Position()), float64(time.Millisecond))

	assert.ErrorIs(t, d.SetRate(0), ErrInvalidRate)
	assert.Equal(t, -1.0, d.Rate())
}

func TestInvalidFrameRate(t *testing.T) {
	_, err := NewEmulated(Options{FrameRate: 0})
	assert.ErrorIs(t, err, ErrInvalidFrameRate)
	_, err = NewEmulated(Options{FrameRate: -24})
	assert.ErrorIs(t, err, ErrInvalidFrameRate)
}

func TestUnderflowReportedOnce(t *testing.T) {
	d := newDecoder(t, Options{MaxFrames: 3})
	var underflows int
	d.OnUnderflow(func() { underflows++ })
	var delivered []int64
	d.OnDeliver(func(f Frame) (int, error) {
		delivered = append(delivered, f.Number)
		return 0, nil
	})

	for i := 0; i < 6; i++ {
		d.Step()
	}
	assert.Equal(t, []int64{0, 1, 2}, delivered)
	assert.Equal(t, 1, underflows)
	assert.Equal(t, int64(3), d.Decoded())
}

func TestPTSDiscontinuity(t *testing.T) {
	d := newDecoder(t, Options{PTSJumpAt: 5, PTSJump: 10 * time.Second})
	var errs []time.Duration
	d.OnPTSError(func(pts time.Duration) { errs = append(errs, pts) })
	for i := 0; i < 10; i++ {
		d.Step()
	}
	require.Len(t, errs, 1)
	assert.Greater(t, errs[0], 10*time.Second)
}

func TestWindowRectOverride(t *testing.T) {
	d := newDecoder(t, Options{Width: 1920, Height: 1080})
	_, ok := d.WindowRect()
	assert.False(t, ok)

	d.SetWindowRect(surface.Rect{X: 25, Y: 25, W: 160, H: 90})
	r, ok := d.WindowRect()
	assert.True(t, ok)
	assert.Equal(t, surface.Rect{X: 25, Y: 25, W: 160, H: 90}, r)

	d.ClearWindowRect()
	_, ok = d.WindowRect()
	assert.False(t, ok)

	d.SetWindowPosition(1, 2, 3, 4)
	assert.Equal(t, []surface.Rect{{X: 1, Y: 2, W: 3, H: 4}}, d.WindowPositions())
	w, h := d.VideoSize()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestDecodeGoroutine(t *testing.T) {
	d := newDecoder(t, Options{FrameRate: 200})
	var frames atomic.Int64
	d.OnDeliver(func(f Frame) (int, error) {
		frames.Add(1)
		return 0, nil
	})

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)
	assert.Eventually(t, func() bool { return frames.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	n := frames.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, frames.Load(), "no frames after Stop")
}
