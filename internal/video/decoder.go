// Package video models the decoder side of the hardware video path: a
// handle carrying frame timing and trick-play state, and an emulated
// decoder that produces frames on its own goroutine.
package video

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/bnema/westeros/internal/logger"
	"github.com/bnema/westeros/internal/surface"
)

var (
	// ErrInvalidRate is returned for a zero or non-finite playback rate.
	ErrInvalidRate = errors.New("invalid playback rate")
	// ErrInvalidFrameRate is returned for a non-positive frame rate.
	ErrInvalidFrameRate = errors.New("invalid frame rate")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("decoder already started")
)

// Decoder is the handle the compositor reads timing and placement from.
type Decoder interface {
	FrameRate() float64
	BasePTS() time.Duration
	VideoSize() (int, int)
	Rate() float64
	SegmentStartZero() bool
	Position() time.Duration
	SetWindowPosition(x, y, w, h int)
	WindowRect() (surface.Rect, bool)
}

// Frame is one decoded picture.
type Frame struct {
	Number int64
	PTS    time.Duration
}

// DeliverFunc hands a frame to the compositor and returns the buffer id used.
type DeliverFunc func(f Frame) (int, error)

// Options configure an emulated decoder.
type Options struct {
	FrameRate float64
	Width     int
	Height    int
	BasePTS   time.Duration
	// MaxFrames stops decoding after this many frames and reports underflow.
	// Zero means unlimited.
	MaxFrames int64
	// PTSJumpAt injects a timestamp discontinuity of PTSJump at that frame.
	PTSJumpAt int64
	PTSJump   time.Duration
}

// Emulated is a software stand-in for a SoC decoder.
type Emulated struct {
	mu        sync.Mutex
	opts      Options
	rate      float64
	segStart  time.Duration
	zeroBased bool
	elapsed   time.Duration
	total     int64
	lastPTS   time.Duration
	havePTS   bool
	underflow bool

	window    *surface.Rect
	positions []surface.Rect

	deliver     DeliverFunc
	onUnderflow func()
	onPTSError  func(pts time.Duration)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEmulated creates a decoder. It decodes nothing until Start.
func NewEmulated(opts Options) (*Emulated, error) {
	if opts.FrameRate <= 0 || math.IsNaN(opts.FrameRate) || math.IsInf(opts.FrameRate, 0) {
		return nil, ErrInvalidFrameRate
	}
	return &Emulated{opts: opts, rate: 1}, nil
}

// OnDeliver sets where decoded frames go.
func (d *Emulated) OnDeliver(fn DeliverFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliver = fn
}

// OnUnderflow sets the callback for running out of input.
func (d *Emulated) OnUnderflow(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUnderflow = fn
}

// OnPTSError sets the callback for timestamp discontinuities.
func (d *Emulated) OnPTSError(fn func(pts time.Duration)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPTSError = fn
}

func (d *Emulated) FrameRate() float64 { return d.opts.FrameRate }

func (d *Emulated) BasePTS() time.Duration { return d.opts.BasePTS }

func (d *Emulated) VideoSize() (int, int) { return d.opts.Width, d.opts.Height }

// Rate returns the trick-play rate.
func (d *Emulated) Rate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

// SetRate changes the trick-play rate. Negative rates play backwards.
func (d *Emulated) SetRate(rate float64) error {
	if rate == 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return ErrInvalidRate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rate = rate
	return nil
}

// SegmentStartZero reports whether positions are reported relative to the
// segment start.
func (d *Emulated) SegmentStartZero() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zeroBased
}

// SetSegmentStartZero selects zero-based position reporting.
func (d *Emulated) SetSegmentStartZero(zero bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.zeroBased = zero
}

// Seek starts a new segment at pos and flushes decoded state.
func (d *Emulated) Seek(pos time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.segStart = pos
	d.elapsed = 0
	d.havePTS = false
	d.underflow = false
	logger.Debugf("Decoder seek to %s", pos)
}

// Position returns the presentation position of the last decoded frame.
func (d *Emulated) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.positionLocked(d.zeroBased)
}

func (d *Emulated) positionLocked(zeroBased bool) time.Duration {
	if zeroBased {
		return d.elapsed
	}
	return d.segStart + d.elapsed
}

// SetWindowPosition records where the compositor placed the video window.
func (d *Emulated) SetWindowPosition(x, y, w, h int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.positions = append(d.positions, surface.Rect{X: x, Y: y, W: w, H: h})
}

// WindowPositions returns every position set so far.
func (d *Emulated) WindowPositions() []surface.Rect {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]surface.Rect(nil), d.positions...)
}

// SetWindowRect overrides the video rectangle in compositor output space.
func (d *Emulated) SetWindowRect(r surface.Rect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = &r
}

// ClearWindowRect removes the override; video then fills the output.
func (d *Emulated) ClearWindowRect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
}

// WindowRect returns the override rectangle, if one is set.
func (d *Emulated) WindowRect() (surface.Rect, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window == nil {
		return surface.Rect{}, false
	}
	return *d.window, true
}

// Decoded returns the number of frames decoded since Start.
func (d *Emulated) Decoded() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Start runs the decode goroutine until ctx is done or Stop is called.
func (d *Emulated) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	interval := time.Duration(float64(time.Second) / d.opts.FrameRate)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Step()
			}
		}
	}()
	return nil
}

// Stop ends the decode goroutine and waits for it.
func (d *Emulated) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Step decodes one frame. The decode goroutine calls it once per frame
// period; tests call it directly.
func (d *Emulated) Step() {
	d.mu.Lock()
	if d.opts.MaxFrames > 0 && d.total >= d.opts.MaxFrames {
		fire := !d.underflow
		d.underflow = true
		onUnderflow := d.onUnderflow
		d.mu.Unlock()
		if fire && onUnderflow != nil {
			onUnderflow()
		}
		return
	}

	step := time.Duration(float64(time.Second) / d.opts.FrameRate * d.rate)
	d.elapsed += step

	frame := Frame{Number: d.total}
	frame.PTS = d.opts.BasePTS + d.segStart + d.elapsed
	if d.opts.PTSJumpAt > 0 && d.total >= d.opts.PTSJumpAt {
		frame.PTS += d.opts.PTSJump
	}
	ptsError := d.havePTS && absDuration(frame.PTS-d.lastPTS) > 2*absDuration(step)
	d.lastPTS = frame.PTS
	d.havePTS = true
	d.total++
	deliver := d.deliver
	onPTSError := d.onPTSError
	d.mu.Unlock()

	if ptsError && onPTSError != nil {
		onPTSError(frame.PTS)
	}
	if deliver != nil {
		if _, err := deliver(frame); err != nil {
			logger.Debugf("Frame %d not delivered: %v", frame.Number, err)
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
