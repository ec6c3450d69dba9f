package compositor

import (
	"errors"
	"fmt"

	"github.com/bnema/westeros/internal/handoff"
	"github.com/bnema/westeros/internal/input"
	"github.com/bnema/westeros/internal/ipc"
	"github.com/bnema/westeros/internal/surface"
)

// The compositor is the input router's sink: each routed event goes to the
// connection owning the target surface. Surfaces without a socket owner,
// such as nested windows, do not receive input.

func (c *Compositor) toOwner(id uint32, kind EventKind, args ...uint32) {
	if cn := c.owner(id); cn != nil {
		cn.post(kind, append([]uint32{id}, args...)...)
	}
}

func coord(v int) uint32 { return uint32(int32(v)) }

func flag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (c *Compositor) KeyboardEnter(id uint32, keys []uint32) {
	c.toOwner(id, EventKeyboardEnter, append([]uint32{uint32(len(keys))}, keys...)...)
}

func (c *Compositor) KeyboardLeave(id uint32) {
	c.toOwner(id, EventKeyboardLeave)
}

func (c *Compositor) Key(id uint32, timeMS uint32, code uint32, state input.KeyState) {
	c.toOwner(id, EventKey, timeMS, code, uint32(state))
}

func (c *Compositor) Modifiers(id uint32, mods input.Modifier) {
	c.toOwner(id, EventModifiers, uint32(mods))
}

func (c *Compositor) PointerEnter(id uint32, sx, sy int) {
	c.toOwner(id, EventPointerEnter, coord(sx), coord(sy))
}

func (c *Compositor) PointerLeave(id uint32) {
	c.toOwner(id, EventPointerLeave)
}

func (c *Compositor) PointerMotion(id uint32, timeMS uint32, sx, sy int) {
	c.toOwner(id, EventPointerMotion, timeMS, coord(sx), coord(sy))
}

func (c *Compositor) PointerButton(id uint32, timeMS uint32, button uint32, pressed bool) {
	c.toOwner(id, EventPointerButton, timeMS, button, flag(pressed))
}

func (c *Compositor) TouchDown(id uint32, timeMS uint32, touchID int32, sx, sy int) {
	c.toOwner(id, EventTouchDown, timeMS, uint32(touchID), coord(sx), coord(sy))
}

func (c *Compositor) TouchUp(id uint32, timeMS uint32, touchID int32) {
	c.toOwner(id, EventTouchUp, timeMS, uint32(touchID))
}

func (c *Compositor) TouchMotion(id uint32, timeMS uint32, touchID int32, sx, sy int) {
	c.toOwner(id, EventTouchMotion, timeMS, uint32(touchID), coord(sx), coord(sy))
}

// NewVideoPipeline marks surfaceID as the video surface and returns a
// pipeline feeding it from a buffer ring of count ids starting at base.
// Buffer releases are reported to the client owning the surface.
func (c *Compositor) NewVideoPipeline(surfaceID uint32, base, count int) (*handoff.Pipeline, error) {
	loop := c.currentLoop()
	if loop == nil {
		return nil, c.fail(ErrNotRunning)
	}
	window, err := handoff.NewWindow(base, count)
	if err != nil {
		return nil, c.fail(err)
	}
	if err := c.registry.SetVideo(surfaceID, true); err != nil {
		window.Destroy()
		return nil, c.fail(err)
	}

	p := handoff.NewPipeline(loop, window, c.registry, surfaceID)
	p.OnBufferRelease(func(id int) error {
		cn := c.owner(surfaceID)
		if cn == nil {
			return nil
		}
		return cn.send(message{
			object: displayObject,
			opcode: uint16(EventBufferRelease),
			args:   []uint32{uint32(id)},
		})
	})

	c.mu.Lock()
	c.pipelines = append(c.pipelines, p)
	c.mu.Unlock()
	return p, nil
}

// shellHandler serves the simple-shell control socket.
type shellHandler struct{ c *Compositor }

func (h shellHandler) HandleRequest(req *ipc.Request) (*ipc.Response, error) {
	reg := h.c.registry
	resp := &ipc.Response{}
	var err error

	switch req.Op {
	case ipc.OpList:
		for _, v := range reg.Snapshot() {
			resp.Surfaces = append(resp.Surfaces, surface.Status{
				ID:      v.ID,
				Name:    v.Name,
				Visible: v.Visible,
				Rect:    v.Rect,
				Opacity: v.Opacity,
				ZOrder:  v.ZOrder,
			})
		}
		resp.Focus = h.c.router.KeyboardFocus()
	case ipc.OpStatus:
		var st surface.Status
		if st, err = reg.GetStatus(req.SurfaceID); err == nil {
			resp.Surfaces = []surface.Status{st}
		}
	case ipc.OpSetVisible:
		err = reg.SetVisible(req.SurfaceID, req.Visible)
	case ipc.OpSetGeometry:
		err = reg.SetGeometry(req.SurfaceID, req.Rect)
	case ipc.OpSetOpacity:
		err = reg.SetOpacity(req.SurfaceID, req.Opacity)
	case ipc.OpSetZOrder:
		err = reg.SetZOrder(req.SurfaceID, req.ZOrder)
	case ipc.OpSetName:
		err = reg.SetName(req.SurfaceID, req.Name)
	case ipc.OpFocus:
		if req.SurfaceID != 0 {
			if _, err = reg.GetStatus(req.SurfaceID); err != nil {
				break
			}
		}
		h.c.router.SetFocus(req.SurfaceID)
		resp.Focus = h.c.router.KeyboardFocus()
	default:
		err = fmt.Errorf("%w: %s", ipc.ErrMalformed, req.Op)
	}

	if err != nil {
		if errors.Is(err, surface.ErrUnknownSurface) {
			err = fmt.Errorf("surface %d: %w", req.SurfaceID, err)
		}
		return nil, h.c.fail(err)
	}
	return resp, nil
}
