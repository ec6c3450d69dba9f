// Package input routes keyboard, pointer and touch input to client surfaces.
// It tracks keyboard and pointer focus, modifier state and key repeat.
package input

import (
	"errors"
	"sync"
	"time"

	"github.com/bnema/westeros/internal/logger"
	"github.com/bnema/westeros/internal/surface"
	evdev "github.com/gvalkov/golang-evdev"
)

var (
	// ErrNoFocus is returned when an event has no surface to go to
	ErrNoFocus = errors.New("no focused surface")
	// ErrInvalidRepeat is returned for a non-positive repeat period
	ErrInvalidRepeat = errors.New("invalid key repeat")
)

const (
	DefaultRepeatDelay  = 500 * time.Millisecond
	DefaultRepeatPeriod = 200 * time.Millisecond
)

// KeyState is the state carried by a key event.
type KeyState int

const (
	KeyReleased KeyState = iota
	KeyPressed
	KeyRepeated
)

func (s KeyState) String() string {
	switch s {
	case KeyReleased:
		return "released"
	case KeyPressed:
		return "pressed"
	case KeyRepeated:
		return "repeated"
	default:
		return "unknown"
	}
}

// Modifier is a bitmask of active modifiers.
type Modifier uint32

const (
	ModShift Modifier = 1 << iota
	ModCtrl
	ModAlt
	ModCapsLock
)

// modifierFor returns the level modifier bound to a key code.
func modifierFor(code uint32) (Modifier, bool) {
	switch code {
	case evdev.KEY_LEFTSHIFT, evdev.KEY_RIGHTSHIFT:
		return ModShift, true
	case evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL:
		return ModCtrl, true
	case evdev.KEY_LEFTALT, evdev.KEY_RIGHTALT:
		return ModAlt, true
	}
	return 0, false
}

// EventSink receives the routed events. Calls for one router are
// serialized and arrive in order; the sink must not call back into the
// router synchronously.
type EventSink interface {
	KeyboardEnter(surfaceID uint32, keys []uint32)
	KeyboardLeave(surfaceID uint32)
	Key(surfaceID uint32, timeMS uint32, code uint32, state KeyState)
	Modifiers(surfaceID uint32, mods Modifier)
	PointerEnter(surfaceID uint32, sx, sy int)
	PointerLeave(surfaceID uint32)
	PointerMotion(surfaceID uint32, timeMS uint32, sx, sy int)
	PointerButton(surfaceID uint32, timeMS uint32, button uint32, pressed bool)
	TouchDown(surfaceID uint32, timeMS uint32, touchID int32, sx, sy int)
	TouchUp(surfaceID uint32, timeMS uint32, touchID int32)
	TouchMotion(surfaceID uint32, timeMS uint32, touchID int32, sx, sy int)
}

// Locator finds the top-most visible surface at a point in output space.
type Locator interface {
	SurfaceAt(x, y int) (surface.View, bool)
}

type touchPoint struct {
	surface uint32
	rect    surface.Rect
}

// Router owns the seat state of one compositor.
type Router struct {
	mu      sync.Mutex
	sinkMu  sync.Mutex
	sink    EventSink
	locator Locator
	start   time.Time

	keyboardFocus uint32
	keysDown      []uint32
	mods          Modifier

	pointerFocus uint32
	pointerRect  surface.Rect
	pointerX     int
	pointerY     int

	touches map[int32]touchPoint

	repeatDelay  time.Duration
	repeatPeriod time.Duration
	repeatKey    uint32
	repeatTimer  *time.Timer
	repeatGen    uint64
}

// NewRouter creates a router delivering to sink and hit-testing with locator.
func NewRouter(sink EventSink, locator Locator) *Router {
	return &Router{
		sink:         sink,
		locator:      locator,
		start:        time.Now(),
		touches:      make(map[int32]touchPoint),
		repeatDelay:  DefaultRepeatDelay,
		repeatPeriod: DefaultRepeatPeriod,
	}
}

// SetRepeat configures key repeat. A zero delay repeats immediately.
func (r *Router) SetRepeat(delay, period time.Duration) error {
	if delay < 0 || period <= 0 {
		return ErrInvalidRepeat
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repeatDelay = delay
	r.repeatPeriod = period
	return nil
}

func (r *Router) now() uint32 {
	return uint32(time.Since(r.start) / time.Millisecond)
}

// deliver hands events to the sink in order without holding the router lock.
// It must be called with r.mu held and releases it.
func (r *Router) deliver(events []func(EventSink)) {
	r.sinkMu.Lock()
	r.mu.Unlock()
	defer r.sinkMu.Unlock()
	if r.sink == nil {
		return
	}
	for _, ev := range events {
		ev(r.sink)
	}
}

// KeyboardFocus returns the focused surface id, 0 when none.
func (r *Router) KeyboardFocus() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyboardFocus
}

// PointerFocus returns the surface under pointer focus, 0 when none.
func (r *Router) PointerFocus() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pointerFocus
}

// Modifiers returns the current modifier mask.
func (r *Router) Modifiers() Modifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mods
}

// SetFocus moves keyboard focus to id (0 clears it). The previous holder
// gets a leave before the new one gets an enter; keys held at the time of
// the change are dropped.
func (r *Router) SetFocus(id uint32) {
	r.mu.Lock()
	if id == r.keyboardFocus {
		r.mu.Unlock()
		return
	}
	var events []func(EventSink)
	events = append(events, r.leaveKeyboardLocked()...)
	r.keyboardFocus = id
	if id != 0 {
		mods := r.mods
		events = append(events,
			func(s EventSink) { s.KeyboardEnter(id, nil) },
			func(s EventSink) { s.Modifiers(id, mods) },
		)
	}
	logger.Debug("keyboard focus", "surface", id)
	r.deliver(events)
}

func (r *Router) leaveKeyboardLocked() []func(EventSink) {
	r.stopRepeatLocked()
	r.keysDown = nil
	// level modifiers are released with their keys; caps lock is latched
	r.mods &= ModCapsLock
	prev := r.keyboardFocus
	r.keyboardFocus = 0
	if prev == 0 {
		return nil
	}
	return []func(EventSink){func(s EventSink) { s.KeyboardLeave(prev) }}
}

// KeyEvent processes a hardware key press or release.
func (r *Router) KeyEvent(code uint32, pressed bool) {
	r.mu.Lock()
	t := r.now()
	focus := r.keyboardFocus

	down := r.isDownLocked(code)
	if pressed == down {
		// duplicate press or release of an idle key
		r.mu.Unlock()
		return
	}

	var events []func(EventSink)
	oldMods := r.mods
	if pressed {
		r.keysDown = append(r.keysDown, code)
		if code == evdev.KEY_CAPSLOCK {
			r.mods ^= ModCapsLock
		}
	} else {
		r.removeDownLocked(code)
	}
	if m, ok := modifierFor(code); ok {
		r.mods &^= m
		for _, k := range r.keysDown {
			if km, ok := modifierFor(k); ok && km == m {
				r.mods |= m
			}
		}
	}

	if focus == 0 {
		r.stopRepeatLocked()
		r.mu.Unlock()
		return
	}

	state := KeyReleased
	if pressed {
		state = KeyPressed
	}
	events = append(events, func(s EventSink) { s.Key(focus, t, code, state) })
	if mods := r.mods; mods != oldMods {
		events = append(events, func(s EventSink) { s.Modifiers(focus, mods) })
	}

	_, isMod := modifierFor(code)
	switch {
	case pressed && !isMod && code != evdev.KEY_CAPSLOCK:
		r.startRepeatLocked(code)
	case !pressed && code == r.repeatKey:
		r.stopRepeatLocked()
	}

	r.deliver(events)
}

func (r *Router) isDownLocked(code uint32) bool {
	for _, k := range r.keysDown {
		if k == code {
			return true
		}
	}
	return false
}

func (r *Router) removeDownLocked(code uint32) {
	for i, k := range r.keysDown {
		if k == code {
			r.keysDown = append(r.keysDown[:i], r.keysDown[i+1:]...)
			return
		}
	}
}

func (r *Router) startRepeatLocked(code uint32) {
	r.stopRepeatLocked()
	r.repeatKey = code
	gen := r.repeatGen
	r.repeatTimer = time.AfterFunc(r.repeatDelay, func() { r.repeat(gen) })
}

func (r *Router) stopRepeatLocked() {
	r.repeatGen++
	r.repeatKey = 0
	if r.repeatTimer != nil {
		r.repeatTimer.Stop()
		r.repeatTimer = nil
	}
}

func (r *Router) repeat(gen uint64) {
	r.mu.Lock()
	if gen != r.repeatGen || r.keyboardFocus == 0 || !r.isDownLocked(r.repeatKey) {
		r.mu.Unlock()
		return
	}
	focus, code, t := r.keyboardFocus, r.repeatKey, r.now()
	r.repeatTimer = time.AfterFunc(r.repeatPeriod, func() { r.repeat(gen) })
	r.deliver([]func(EventSink){func(s EventSink) { s.Key(focus, t, code, KeyRepeated) }})
}

// PointerMotion moves the pointer to (x, y) in output space, updating
// pointer focus when it crosses surface bounds.
func (r *Router) PointerMotion(x, y int) {
	var target surface.View
	var hit bool
	if r.locator != nil {
		target, hit = r.locator.SurfaceAt(x, y)
	}

	r.mu.Lock()
	t := r.now()
	r.pointerX, r.pointerY = x, y

	var events []func(EventSink)
	newFocus := uint32(0)
	if hit {
		newFocus = target.ID
	}
	if newFocus != r.pointerFocus {
		if prev := r.pointerFocus; prev != 0 {
			events = append(events, func(s EventSink) { s.PointerLeave(prev) })
		}
		r.pointerFocus = newFocus
		r.pointerRect = target.Rect
		if newFocus != 0 {
			sx, sy := x-target.Rect.X, y-target.Rect.Y
			events = append(events, func(s EventSink) { s.PointerEnter(newFocus, sx, sy) })
		}
	} else if hit {
		r.pointerRect = target.Rect
	}
	if focus := r.pointerFocus; focus != 0 {
		sx, sy := x-r.pointerRect.X, y-r.pointerRect.Y
		events = append(events, func(s EventSink) { s.PointerMotion(focus, t, sx, sy) })
	}
	r.deliver(events)
}

// PointerPosition returns the last pointer position in output space.
func (r *Router) PointerPosition() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pointerX, r.pointerY
}

// PointerButton sends a button event to the surface under pointer focus.
func (r *Router) PointerButton(button uint32, pressed bool) error {
	r.mu.Lock()
	focus := r.pointerFocus
	if focus == 0 {
		r.mu.Unlock()
		return ErrNoFocus
	}
	t := r.now()
	r.deliver([]func(EventSink){func(s EventSink) { s.PointerButton(focus, t, button, pressed) }})
	return nil
}

// TouchDown starts a touch point on the surface under (x, y).
func (r *Router) TouchDown(touchID int32, x, y int) error {
	if r.locator == nil {
		return ErrNoFocus
	}
	target, ok := r.locator.SurfaceAt(x, y)
	if !ok {
		return ErrNoFocus
	}

	r.mu.Lock()
	t := r.now()
	r.touches[touchID] = touchPoint{surface: target.ID, rect: target.Rect}
	sx, sy := x-target.Rect.X, y-target.Rect.Y
	r.deliver([]func(EventSink){func(s EventSink) { s.TouchDown(target.ID, t, touchID, sx, sy) }})
	return nil
}

// TouchMotion moves an active touch point. Motion stays with the surface
// the touch started on.
func (r *Router) TouchMotion(touchID int32, x, y int) error {
	r.mu.Lock()
	tp, ok := r.touches[touchID]
	if !ok {
		r.mu.Unlock()
		return ErrNoFocus
	}
	t := r.now()
	sx, sy := x-tp.rect.X, y-tp.rect.Y
	r.deliver([]func(EventSink){func(s EventSink) { s.TouchMotion(tp.surface, t, touchID, sx, sy) }})
	return nil
}

// TouchUp ends a touch point.
func (r *Router) TouchUp(touchID int32) error {
	r.mu.Lock()
	tp, ok := r.touches[touchID]
	if !ok {
		r.mu.Unlock()
		return ErrNoFocus
	}
	delete(r.touches, touchID)
	t := r.now()
	r.deliver([]func(EventSink){func(s EventSink) { s.TouchUp(tp.surface, t, touchID) }})
	return nil
}

// SurfaceDestroyed drops any focus held by a destroyed surface. No leave is
// sent since the surface no longer exists.
func (r *Router) SurfaceDestroyed(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyboardFocus == id {
		r.stopRepeatLocked()
		r.keysDown = nil
		r.mods &= ModCapsLock
		r.keyboardFocus = 0
	}
	if r.pointerFocus == id {
		r.pointerFocus = 0
		r.pointerRect = surface.Rect{}
	}
	for tid, tp := range r.touches {
		if tp.surface == id {
			delete(r.touches, tid)
		}
	}
}

// Close stops key repeat.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRepeatLocked()
}
