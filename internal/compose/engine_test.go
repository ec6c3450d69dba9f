package compose

import (
	"sync"
	"testing"

	"github.com/bnema/westeros/internal/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVideo struct {
	mu        sync.Mutex
	override  *surface.Rect
	positions []surface.Rect
}

func (v *fakeVideo) SetWindowPosition(x, y, w, h int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions = append(v.positions, surface.Rect{X: x, Y: y, W: w, H: h})
}

func (v *fakeVideo) WindowRect() (surface.Rect, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.override == nil {
		return surface.Rect{}, false
	}
	return *v.override, true
}

func (v *fakeVideo) setOverride(r surface.Rect) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.override = &r
}

func (v *fakeVideo) all() []surface.Rect {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]surface.Rect(nil), v.positions...)
}

func (v *fakeVideo) last() surface.Rect {
	p := v.all()
	if len(p) == 0 {
		return surface.Rect{}
	}
	return p[len(p)-1]
}

func videoView(w, h int) surface.View {
	return surface.View{ID: 1, Seq: 1, Visible: true, Rect: surface.Rect{W: w, H: h}, Opacity: 1, ZOrder: 0.5, Video: true}
}

func embedded(tx, ty float64, w, h int) Params {
	return Params{Width: w, Height: h, Matrix: ScaleTranslate(1, 1, tx, ty), Alpha: 1}
}

func TestChainedVideoRect(t *testing.T) {
	outer := New(480, 270)
	leaf := New(480, 270)
	leaf.SetParent(outer)
	video := &fakeVideo{}
	leaf.SetVideo(video)

	views := []surface.View{videoView(480, 270)}

	_, err := leaf.ComposeEmbedded(views, embedded(200, 200, 1280, 720))
	require.NoError(t, err)
	assert.Equal(t, surface.Rect{X: 200, Y: 200, W: 480, H: 270}, video.last())

	video.setOverride(surface.Rect{X: 25, Y: 25, W: 160, H: 90})
	_, err = leaf.ComposeEmbedded(views, embedded(200, 200, 1280, 720))
	require.NoError(t, err)
	assert.Equal(t, surface.Rect{X: 225, Y: 225, W: 160, H: 90}, video.last())
	assert.Len(t, video.all(), 2)
}

func TestChainAppliesEnclosingScale(t *testing.T) {
	outer := New(1280, 720)
	leaf := New(480, 270)
	leaf.SetParent(outer)
	video := &fakeVideo{}
	leaf.SetVideo(video)

	_, err := outer.ComposeEmbedded(nil, Params{Width: 1280, Height: 720, Matrix: ScaleTranslate(0.5, 0.5, 100, 50), Alpha: 1})
	require.NoError(t, err)

	_, err = leaf.ComposeEmbedded([]surface.View{videoView(480, 270)}, embedded(200, 200, 1280, 720))
	require.NoError(t, err)
	assert.Equal(t, surface.Rect{X: 200, Y: 150, W: 240, H: 135}, video.last())
}

func TestOutputSizeChangeWhileComposing(t *testing.T) {
	leaf := New(480, 270)
	video := &fakeVideo{}
	leaf.SetVideo(video)
	views := []surface.View{videoView(480, 270)}

	_, err := leaf.ComposeEmbedded(views, embedded(200, 200, 1920, 1080))
	require.NoError(t, err)
	require.NoError(t, leaf.SetOutputSize(960, 540))
	_, err = leaf.ComposeEmbedded(views, embedded(200, 200, 1920, 1080))
	require.NoError(t, err)

	assert.Equal(t, surface.Rect{X: 200, Y: 200, W: 960, H: 540}, video.last())
	assert.ErrorIs(t, leaf.SetOutputSize(0, 540), ErrInvalidSize)
}

func TestVideoPositionCommittedOncePerChange(t *testing.T) {
	e := New(640, 360)
	video := &fakeVideo{}
	e.SetVideo(video)
	views := []surface.View{videoView(640, 360)}

	for i := 0; i < 5; i++ {
		e.ComposeHosted(views)
	}
	assert.Len(t, video.all(), 1)

	video.setOverride(surface.Rect{X: 10, Y: 10, W: 320, H: 180})
	for i := 0; i < 5; i++ {
		e.ComposeHosted(views)
	}
	assert.Equal(t, []surface.Rect{
		{X: 0, Y: 0, W: 640, H: 360},
		{X: 10, Y: 10, W: 320, H: 180},
	}, video.all())
	assert.Equal(t, 2, e.VideoPlane().Commits())
	assert.Equal(t, 10, e.Passes())
}

func TestAnimationHidesVideoAfterTexture(t *testing.T) {
	e := New(480, 270)
	video := &fakeVideo{}
	e.SetVideo(video)

	var mu sync.Mutex
	var order []string
	e.SetTextureCallback(func(tex Texture) {
		mu.Lock()
		defer mu.Unlock()
		if tex.Video {
			order = append(order, "texture")
		}
	})

	views := []surface.View{videoView(480, 270)}
	anim := embedded(0, 0, 480, 270)
	anim.Hints = HintAnimating

	_, err := e.ComposeEmbedded(views, embedded(0, 0, 480, 270))
	require.NoError(t, err)

	texturesBeforeHidden := -1
	for i := 0; i < 4; i++ {
		frame, err := e.ComposeEmbedded(views, anim)
		require.NoError(t, err)
		if frame.VideoHidden && texturesBeforeHidden < 0 {
			mu.Lock()
			// Exclude the texture pushed by the hiding pass itself.
			texturesBeforeHidden = len(order) - 1
			mu.Unlock()
			assert.Equal(t, -270, video.last().Y)
		}
		if i == 0 {
			assert.False(t, frame.VideoHidden, "never hidden on the first animated pass")
		}
	}
	assert.GreaterOrEqual(t, texturesBeforeHidden, 1)

	frame, err := e.ComposeEmbedded(views, embedded(0, 0, 480, 270))
	require.NoError(t, err)
	assert.False(t, frame.VideoHidden)
	assert.Equal(t, surface.Rect{X: 0, Y: 0, W: 480, H: 270}, video.last())
	assert.Equal(t, []surface.Rect{
		{X: 0, Y: 0, W: 480, H: 270},
		{X: 0, Y: -270, W: 480, H: 270},
		{X: 0, Y: 0, W: 480, H: 270},
	}, video.all())
}

func TestHolePunch(t *testing.T) {
	graphic := func(mod func(v *surface.View)) surface.View {
		v := surface.View{ID: 2, Seq: 2, Visible: true, Rect: surface.Rect{X: 100, Y: 100, W: 200, H: 100}, Opacity: 1, ZOrder: 0.6}
		if mod != nil {
			mod(&v)
		}
		return v
	}

	tests := []struct {
		name  string
		views []surface.View
		video bool
		want  bool
	}{
		{"opaque overlap", []surface.View{videoView(640, 360), graphic(nil)}, true, true},
		{"transparent", []surface.View{videoView(640, 360), graphic(func(v *surface.View) { v.Opacity = 0 })}, true, false},
		{"invisible", []surface.View{videoView(640, 360), graphic(func(v *surface.View) { v.Visible = false })}, true, false},
		{"outside video", []surface.View{videoView(640, 360), graphic(func(v *surface.View) { v.Rect.X = 700 })}, true, false},
		{"empty rect", []surface.View{videoView(640, 360), graphic(func(v *surface.View) { v.Rect.W = 0 })}, true, false},
		{"no decoder", []surface.View{videoView(640, 360), graphic(nil)}, false, false},
		{"graphics only", []surface.View{graphic(nil)}, true, false},
		{"below video", []surface.View{videoView(640, 360), graphic(func(v *surface.View) { v.ZOrder = 0.1 })}, true, false},
		{"below and above", []surface.View{
			videoView(640, 360),
			graphic(func(v *surface.View) { v.ZOrder = 0.1 }),
			graphic(func(v *surface.View) { v.ID, v.Seq = 3, 3 }),
		}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(640, 360)
			if tt.video {
				e.SetVideo(&fakeVideo{})
			}
			frame := e.ComposeHosted(tt.views)
			assert.Equal(t, tt.want, frame.NeedHolePunch)
		})
	}
}

func TestEmbeddedHolePunchIgnoresSurfacesBelowVideo(t *testing.T) {
	e := New(640, 360)
	e.SetVideo(&fakeVideo{})
	video := videoView(640, 360)
	video.ZOrder = 0.9
	below := surface.View{ID: 2, Seq: 2, Visible: true, Rect: surface.Rect{W: 320, H: 180}, Opacity: 1, ZOrder: 0.1}

	frame, err := e.ComposeEmbedded([]surface.View{below, video}, embedded(0, 0, 640, 360))
	require.NoError(t, err)
	require.Len(t, frame.Ops, 2)
	assert.Equal(t, uint32(2), frame.Ops[0].SurfaceID)
	assert.True(t, frame.Ops[1].Video)
	assert.False(t, frame.NeedHolePunch)
}

func TestNoHolePunchWhileVideoHidden(t *testing.T) {
	e := New(640, 360)
	e.SetVideo(&fakeVideo{})
	views := []surface.View{
		videoView(640, 360),
		{ID: 2, Seq: 2, Visible: true, Rect: surface.Rect{W: 100, H: 100}, Opacity: 1, ZOrder: 0.6},
	}
	p := embedded(0, 0, 640, 360)
	p.Hints = HintAnimating

	first, err := e.ComposeEmbedded(views, p)
	require.NoError(t, err)
	assert.True(t, first.NeedHolePunch)

	second, err := e.ComposeEmbedded(views, p)
	require.NoError(t, err)
	assert.True(t, second.VideoHidden)
	assert.False(t, second.NeedHolePunch)
}

func TestDrawOrderAndRects(t *testing.T) {
	e := New(1280, 720)
	views := []surface.View{
		{ID: 3, Seq: 3, Visible: true, Rect: surface.Rect{X: 0, Y: 0, W: 10, H: 10}, Opacity: 1, ZOrder: 0.5},
		{ID: 1, Seq: 1, Visible: true, Rect: surface.Rect{X: 10, Y: 0, W: 10, H: 10}, Opacity: 0.5, ZOrder: 0.9},
		{ID: 2, Seq: 2, Visible: true, Rect: surface.Rect{X: 20, Y: 0, W: 10, H: 10}, Opacity: 1, ZOrder: 0.5},
		{ID: 4, Seq: 4, Visible: false, Rect: surface.Rect{X: 30, Y: 0, W: 10, H: 10}, Opacity: 1, ZOrder: 0.1},
	}

	frame, err := e.ComposeEmbedded(views, Params{X: 0, Y: 0, Width: 1280, Height: 720, Matrix: Translate(5, 5), Alpha: 0.5})
	require.NoError(t, err)

	var ids []uint32
	for _, op := range frame.Ops {
		ids = append(ids, op.SurfaceID)
	}
	assert.Equal(t, []uint32{2, 3, 1}, ids)
	assert.Equal(t, float32(0.25), frame.Ops[2].Alpha)
	assert.Equal(t, []surface.Rect{
		{X: 25, Y: 5, W: 10, H: 10},
		{X: 5, Y: 5, W: 10, H: 10},
		{X: 15, Y: 5, W: 10, H: 10},
	}, frame.Rects)
}

func TestRectsClippedToViewport(t *testing.T) {
	e := New(1280, 720)
	views := []surface.View{
		{ID: 1, Seq: 1, Visible: true, Rect: surface.Rect{X: 0, Y: 0, W: 200, H: 200}, Opacity: 1},
		{ID: 2, Seq: 2, Visible: true, Rect: surface.Rect{X: 500, Y: 500, W: 10, H: 10}, Opacity: 1},
	}
	frame, err := e.ComposeEmbedded(views, Params{X: 50, Y: 50, Width: 100, Height: 100, Matrix: Identity(), Alpha: 1})
	require.NoError(t, err)
	assert.Equal(t, []surface.Rect{{X: 50, Y: 50, W: 100, H: 100}}, frame.Rects)
	assert.Len(t, frame.Ops, 2)
}

func TestComposeEmbeddedRejectsEmptyViewport(t *testing.T) {
	e := New(1280, 720)
	_, err := e.ComposeEmbedded(nil, Params{Width: 0, Height: 720, Matrix: Identity()})
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestEmbeddedTexturesForBufferedSurfaces(t *testing.T) {
	e := New(1280, 720)
	var got []uint32
	e.SetTextureCallback(func(tex Texture) { got = append(got, tex.SurfaceID) })
	views := []surface.View{
		{ID: 1, Seq: 1, Visible: true, Rect: surface.Rect{W: 10, H: 10}, Opacity: 1, Buffer: "frame"},
		{ID: 2, Seq: 2, Visible: true, Rect: surface.Rect{W: 10, H: 10}, Opacity: 1},
	}
	_, err := e.ComposeEmbedded(views, embedded(0, 0, 1280, 720))
	require.NoError(t, err)
	e.ComposeHosted(views)
	assert.Equal(t, []uint32{1}, got)
	assert.Equal(t, 1, e.TexturesProduced())
}
