// Package compose computes what a compositor draws each pass: surface order,
// transformed rectangles, hardware video plane placement and hole punching.
package compose

import (
	"errors"
	"sync"

	"github.com/bnema/westeros/internal/logger"
	"github.com/bnema/westeros/internal/surface"
	"golang.org/x/image/math/f64"
)

var (
	// ErrInvalidSize is returned for zero or negative sizes.
	ErrInvalidSize = errors.New("invalid size")
)

// Hints is a bitmask passed by the host with each embedded pass.
type Hints uint32

const (
	HintNone           Hints = 0
	HintNoRotation     Hints = 1 << 0
	HintHolePunch      Hints = 1 << 1
	HintApplyTransform Hints = 1 << 2
	HintAnimating      Hints = 1 << 3
	HintHidden         Hints = 1 << 4
)

// Chain is implemented by compositors that enclose another one. The
// returned matrix holds only the accumulated scale and translation.
type Chain interface {
	ChainTransform() f64.Mat4
}

// VideoSource is the decoder side of the hardware video plane.
type VideoSource interface {
	PositionSink
	// WindowRect returns an override rectangle in compositor output space.
	WindowRect() (surface.Rect, bool)
}

// Texture describes a frame pushed to the host for graphics compositing.
type Texture struct {
	SurfaceID uint32
	Buffer    any
	Rect      surface.Rect
	Video     bool
}

// DrawOp is one renderer call.
type DrawOp struct {
	SurfaceID uint32
	Buffer    any
	Rect      surface.Rect
	Transform f64.Mat4
	Alpha     float32
	Hints     Hints
	Video     bool
}

// Params are the host inputs of an embedded pass.
type Params struct {
	X, Y          int
	Width, Height int
	Matrix        f64.Mat4
	Alpha         float32
	Hints         Hints
}

// Viewport returns the host rectangle of the pass.
func (p Params) Viewport() surface.Rect {
	return surface.Rect{X: p.X, Y: p.Y, W: p.Width, H: p.Height}
}

// Frame is the result of one composition pass.
type Frame struct {
	Ops           []DrawOp
	Rects         []surface.Rect
	NeedHolePunch bool
	VideoRect     surface.Rect
	VideoActive   bool
	VideoHidden   bool
}

// Engine holds the per-compositor composition state carried between passes.
type Engine struct {
	mu     sync.Mutex
	width  int
	height int
	own    f64.Mat4
	parent Chain
	video  VideoSource

	onTexture func(Texture)

	// textures produced for the video surface since the current animation began
	animTextures int
	textures     int
	passes       int

	plane VideoPlane
}

// New creates an engine for an output of the given size.
func New(width, height int) *Engine {
	return &Engine{
		width:  width,
		height: height,
		own:    Identity(),
	}
}

// SetOutputSize changes the output size used by subsequent passes.
func (e *Engine) SetOutputSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return ErrInvalidSize
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.width, e.height = width, height
	return nil
}

// OutputSize returns the current output size.
func (e *Engine) OutputSize() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.width, e.height
}

// SetParent links this engine under an enclosing compositor. nil detaches.
func (e *Engine) SetParent(parent Chain) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parent = parent
}

// SetVideo attaches the decoder that owns the hardware video plane.
func (e *Engine) SetVideo(v VideoSource) {
	e.mu.Lock()
	e.video = v
	e.mu.Unlock()
	if v == nil {
		e.plane.SetSink(nil)
		return
	}
	e.plane.SetSink(v)
}

// SetTextureCallback sets the host callback receiving texture frames in
// embedded mode.
func (e *Engine) SetTextureCallback(fn func(Texture)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTexture = fn
}

// ChainTransform returns the scale and translation from this compositor's
// output space to the outermost host space.
func (e *Engine) ChainTransform() f64.Mat4 {
	e.mu.Lock()
	parent, own := e.parent, e.own
	e.mu.Unlock()
	return Mul(chainOf(parent), ScaleTranslateOf(own))
}

func chainOf(c Chain) f64.Mat4 {
	if c == nil {
		return Identity()
	}
	return c.ChainTransform()
}

// TexturesProduced returns the number of textures pushed to the host.
func (e *Engine) TexturesProduced() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.textures
}

// Passes returns the number of completed composition passes.
func (e *Engine) Passes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.passes
}

// VideoPlane exposes the staged and committed video window position.
func (e *Engine) VideoPlane() *VideoPlane {
	return &e.plane
}

// ComposeHosted runs a pass where the compositor's own renderer draws.
func (e *Engine) ComposeHosted(views []surface.View) Frame {
	e.mu.Lock()
	e.own = Identity()
	e.mu.Unlock()
	return e.compose(views, Params{Matrix: Identity(), Alpha: 1}, false)
}

// ComposeEmbedded runs a pass driven by a host application. The matrix maps
// compositor output space into the host's space.
func (e *Engine) ComposeEmbedded(views []surface.View, p Params) (Frame, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return Frame{}, ErrInvalidSize
	}
	e.mu.Lock()
	e.own = p.Matrix
	e.mu.Unlock()
	return e.compose(views, p, true), nil
}

func (e *Engine) compose(views []surface.View, p Params, embedded bool) Frame {
	ordered := make([]surface.View, 0, len(views))
	for _, v := range views {
		if v.Visible {
			ordered = append(ordered, v)
		}
	}
	surface.SortViews(ordered)

	e.mu.Lock()
	parentChain := chainOf(e.parent)
	full := Mul(parentChain, p.Matrix)
	videoT := Mul(parentChain, ScaleTranslateOf(p.Matrix))
	width, height := e.width, e.height
	video := e.video
	onTexture := e.onTexture
	animating := p.Hints&HintAnimating != 0
	viewport := surface.Rect{}
	if embedded {
		viewport = p.Viewport()
	}

	var frame Frame
	var textures []Texture
	var videoView *surface.View
	var videoRect surface.Rect
	for i := range ordered {
		if ordered[i].Video {
			videoView = &ordered[i]
			break
		}
	}

	if videoView != nil && video != nil {
		base := surface.Rect{X: 0, Y: 0, W: width, H: height}
		if r, ok := video.WindowRect(); ok {
			base = r
		}
		vr := Rect(videoT, base)
		videoRect = vr
		frame.VideoActive = true
		frame.VideoRect = vr

		if animating && embedded {
			// Video is hidden only once a graphics frame of it exists.
			if e.animTextures > 0 {
				frame.VideoHidden = true
				frame.VideoRect = surface.Rect{X: vr.X, Y: -vr.H, W: vr.W, H: vr.H}
			}
			e.animTextures++
			e.textures++
			textures = append(textures, Texture{
				SurfaceID: videoView.ID,
				Buffer:    videoView.Buffer,
				Rect:      vr,
				Video:     true,
			})
		} else {
			e.animTextures = 0
		}
		e.plane.Stage(frame.VideoRect)
	} else {
		e.animTextures = 0
	}
	videoOnPlane := frame.VideoActive && !frame.VideoHidden && !frame.VideoRect.Empty()

	// Only surfaces drawn after the video can cover it.
	aboveVideo := false
	for _, v := range ordered {
		alpha := v.Opacity * p.Alpha
		if videoView != nil && video != nil && v.ID == videoView.ID {
			op := DrawOp{
				SurfaceID: v.ID,
				Buffer:    v.Buffer,
				Rect:      frame.VideoRect,
				Transform: videoT,
				Alpha:     alpha,
				Hints:     p.Hints,
				Video:     true,
			}
			if videoOnPlane {
				op.Hints |= HintHolePunch
			} else {
				op.Rect = videoRect
			}
			frame.Ops = append(frame.Ops, op)
			if r := Clip(op.Rect, viewport); !r.Empty() {
				frame.Rects = append(frame.Rects, r)
			}
			aboveVideo = true
			continue
		}

		r := Rect(full, v.Rect)
		frame.Ops = append(frame.Ops, DrawOp{
			SurfaceID: v.ID,
			Buffer:    v.Buffer,
			Rect:      r,
			Transform: full,
			Alpha:     alpha,
			Hints:     p.Hints,
		})
		if clipped := Clip(r, viewport); !clipped.Empty() {
			frame.Rects = append(frame.Rects, clipped)
		}
		if videoOnPlane && aboveVideo && alpha > 0 && !r.Empty() && r.Intersects(frame.VideoRect) {
			frame.NeedHolePunch = true
		}
		if embedded && v.Buffer != nil {
			e.textures++
			textures = append(textures, Texture{SurfaceID: v.ID, Buffer: v.Buffer, Rect: r})
		}
	}
	e.passes++
	e.mu.Unlock()

	if onTexture != nil {
		for _, t := range textures {
			onTexture(t)
		}
	}
	if e.plane.Commit() {
		r, _ := e.plane.Committed()
		logger.Debugf("Video window position committed: %s", r)
	}
	return frame
}
