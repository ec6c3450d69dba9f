// Package surface models the clients connected to a compositor and the
// surfaces they own, together with the simple-shell metadata (name,
// visibility, geometry, opacity, z-order) exposed to shell listeners.
package surface

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrUnknownSurface is returned for ids that were never assigned or are
	// already destroyed
	ErrUnknownSurface = errors.New("unknown surface")
	// ErrInvalidClient is returned when the owning client is nil or gone
	ErrInvalidClient = errors.New("invalid client")
	// ErrInvalidArgument is returned for out-of-range names and geometry
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicateListener is returned when a listener is registered twice
	ErrDuplicateListener = errors.New("listener already registered")
	// ErrUnknownListener is returned when removing a listener that was never added
	ErrUnknownListener = errors.New("listener not registered")
)

// MaxNameLength is the longest name a surface may carry.
const MaxNameLength = 32

// Surface ids are unique for the lifetime of the process, across all
// compositor instances.
var lastSurfaceID atomic.Uint32

func nextSurfaceID() uint32 {
	return lastSurfaceID.Add(1)
}

// Rect is an integer rectangle in compositor output space.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Intersects reports whether r and o overlap.
func (r Rect) Intersects(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Contains reports whether the point lies inside r.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.W && y >= r.Y && y < r.Y+r.H
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", r.X, r.Y, r.W, r.H)
}

// Status is the read-back state of a surface.
type Status struct {
	ID      uint32
	Name    string
	Visible bool
	Rect    Rect
	Opacity float32
	ZOrder  float32
}

// Surface is one client surface. Its fields are guarded by the registry.
type Surface struct {
	id     uint32
	seq    uint64
	client *Client

	name    string
	visible bool
	rect    Rect
	pending *Rect
	opacity float32
	zorder  float32

	// video marks the surface as the target of decoder hand-off
	video bool
	// native is set on first buffer attach
	native bool
	buffer any
}

// ID returns the compositor-assigned id.
func (s *Surface) ID() uint32 {
	return s.id
}

// Client returns the owning connection.
func (s *Surface) Client() *Client {
	return s.client
}

func (s *Surface) status() Status {
	return Status{
		ID:      s.id,
		Name:    s.name,
		Visible: s.visible,
		Rect:    s.rect,
		Opacity: s.opacity,
		ZOrder:  s.zorder,
	}
}

// View is an immutable copy of a surface used by one composition pass.
type View struct {
	ID      uint32
	Seq     uint64
	Name    string
	Visible bool
	Rect    Rect
	Opacity float32
	ZOrder  float32
	Video   bool
	Buffer  any
}
