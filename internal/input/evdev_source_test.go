package input

import (
	"fmt"
	"testing"
	"time"

	"github.com/bnema/westeros/internal/surface"
	evdev "github.com/gvalkov/golang-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceTranslatesEvents(t *testing.T) {
	r, sink, reg := newTestRouter(t)
	require.NoError(t, r.SetRepeat(time.Hour, time.Hour))
	c := reg.AddClient(0)
	id, err := reg.CreateSurface(c)
	require.NoError(t, err)
	require.NoError(t, reg.SetGeometry(id, surface.Rect{X: 0, Y: 0, W: 100, H: 100}))
	reg.Commit()
	r.SetFocus(id)

	src := NewSource(r, 200, 200)
	assert.Equal(t, []int{100, 100}, pos(src))

	tests := []struct {
		name string
		ev   evdev.InputEvent
		want []int
	}{
		{"relative x", evdev.InputEvent{Type: evdev.EV_REL, Code: evdev.REL_X, Value: -60}, []int{40, 100}},
		{"relative y", evdev.InputEvent{Type: evdev.EV_REL, Code: evdev.REL_Y, Value: -70}, []int{40, 30}},
		{"clamped low", evdev.InputEvent{Type: evdev.EV_REL, Code: evdev.REL_X, Value: -500}, []int{0, 30}},
		{"clamped high", evdev.InputEvent{Type: evdev.EV_REL, Code: evdev.REL_Y, Value: 500}, []int{0, 199}},
		{"absolute", evdev.InputEvent{Type: evdev.EV_ABS, Code: evdev.ABS_Y, Value: 10}, []int{0, 10}},
		{"wheel ignored", evdev.InputEvent{Type: evdev.EV_REL, Code: evdev.REL_WHEEL, Value: 1}, []int{0, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.Handle(tt.ev)
			assert.Equal(t, tt.want, pos(src))
		})
	}

	x, y := r.PointerPosition()
	assert.Equal(t, 0, x)
	assert.Equal(t, 10, y)
	assert.Equal(t, id, r.PointerFocus())

	src.Handle(evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_B, Value: 1})
	src.Handle(evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_B, Value: 2})
	src.Handle(evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.KEY_B, Value: 0})
	src.Handle(evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.BTN_LEFT, Value: 1})

	events := sink.snapshot()
	assert.Contains(t, events, fmt.Sprintf("key:%d:%d:pressed", id, evdev.KEY_B))
	assert.Contains(t, events, fmt.Sprintf("key:%d:%d:released", id, evdev.KEY_B))
	assert.Zero(t, sink.count(fmt.Sprintf("key:%d:%d:repeated", id, evdev.KEY_B)), "kernel autorepeat ignored")
	assert.Contains(t, events, fmt.Sprintf("button:%d:%d:true", id, evdev.BTN_LEFT))
}

func TestSourceSetOutputSizeClamps(t *testing.T) {
	r, _, _ := newTestRouter(t)
	src := NewSource(r, 1280, 720)
	src.SetOutputSize(320, 240)
	assert.Equal(t, []int{319, 239}, pos(src))
}

func TestSourceOpenRequiresDevice(t *testing.T) {
	r, _, _ := newTestRouter(t)
	src := NewSource(r, 10, 10)
	assert.Error(t, src.Open("", ""))
	assert.Error(t, src.Open("/nonexistent/event99"))
}

func TestHasCodes(t *testing.T) {
	assert.True(t, hasCodes([]int{evdev.REL_X, evdev.REL_Y, evdev.REL_WHEEL}, evdev.REL_X, evdev.REL_Y))
	assert.False(t, hasCodes([]int{evdev.REL_X}, evdev.REL_X, evdev.REL_Y))
	assert.True(t, hasCodes(nil))
}

func pos(s *Source) []int {
	x, y := s.Position()
	return []int{x, y}
}
