package surface

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/bnema/westeros/internal/logger"
)

// ShellListener receives simple-shell notifications. For a new surface the
// order is SurfaceIDAssigned, SurfaceCreated, then zero or more
// SurfaceStatus calls. Listeners are never called with the registry lock
// held and may call back into the registry.
type ShellListener interface {
	SurfaceIDAssigned(id uint32)
	SurfaceCreated(id uint32, name string)
	SurfaceStatus(status Status)
	SurfaceDestroyed(id uint32, name string)
}

// Client is one protocol connection.
type Client struct {
	id       uint32
	pid      int
	surfaces map[uint32]*Surface
	gone     bool
}

// ID returns the registry-assigned client id.
func (c *Client) ID() uint32 {
	return c.id
}

// PID returns the peer process id, or 0 when unknown.
func (c *Client) PID() int {
	return c.pid
}

type eventKind int

const (
	eventIDAssigned eventKind = iota
	eventCreated
	eventStatus
	eventDestroyed
)

type shellEvent struct {
	kind   eventKind
	status Status
	// buffer still attached to a destroyed surface
	buffer any
}

type releaser interface {
	Release() error
}

func (e shellEvent) deliver(l ShellListener) {
	switch e.kind {
	case eventIDAssigned:
		l.SurfaceIDAssigned(e.status.ID)
	case eventCreated:
		l.SurfaceCreated(e.status.ID, e.status.Name)
	case eventStatus:
		l.SurfaceStatus(e.status)
	case eventDestroyed:
		l.SurfaceDestroyed(e.status.ID, e.status.Name)
	}
}

// Registry tracks clients and surfaces of one compositor.
type Registry struct {
	mu           sync.Mutex
	clients      map[uint32]*Client
	surfaces     map[uint32]*Surface
	lastClientID uint32
	seq          uint64
	defaultRect  Rect

	listeners  []ShellListener
	events     []shellEvent
	delivering bool
}

// New creates an empty registry. New surfaces cover (0,0,w,h).
func New(w, h int) *Registry {
	return &Registry{
		clients:     make(map[uint32]*Client),
		surfaces:    make(map[uint32]*Surface),
		defaultRect: Rect{W: w, H: h},
	}
}

// SetDefaultSize changes the geometry given to surfaces created later.
func (r *Registry) SetDefaultSize(w, h int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultRect = Rect{W: w, H: h}
}

// AddClient registers a new connection from process pid.
func (r *Registry) AddClient(pid int) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastClientID++
	c := &Client{
		id:       r.lastClientID,
		pid:      pid,
		surfaces: make(map[uint32]*Surface),
	}
	r.clients[c.id] = c
	logger.Debug("client added", "client", c.id, "pid", pid)
	return c
}

// RemoveClient destroys every surface owned by c and forgets it.
func (r *Registry) RemoveClient(c *Client) error {
	if c == nil {
		return ErrInvalidClient
	}

	r.mu.Lock()
	if c.gone {
		r.mu.Unlock()
		return ErrInvalidClient
	}
	c.gone = true
	delete(r.clients, c.id)

	ids := make([]uint32, 0, len(c.surfaces))
	for id := range c.surfaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.destroyLocked(r.surfaces[id])
	}
	r.mu.Unlock()

	logger.Debug("client removed", "client", c.id, "surfaces", len(ids))
	r.flush()
	return nil
}

// Clients returns the live clients.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CreateSurface creates a surface owned by c and returns its id.
func (r *Registry) CreateSurface(c *Client) (uint32, error) {
	if c == nil {
		return 0, ErrInvalidClient
	}

	r.mu.Lock()
	if c.gone {
		r.mu.Unlock()
		return 0, ErrInvalidClient
	}
	r.seq++
	s := &Surface{
		id:      nextSurfaceID(),
		seq:     r.seq,
		client:  c,
		visible: true,
		rect:    r.defaultRect,
		opacity: 1.0,
		zorder:  0.5,
	}
	r.surfaces[s.id] = s
	c.surfaces[s.id] = s

	st := s.status()
	r.events = append(r.events,
		shellEvent{kind: eventIDAssigned, status: st},
		shellEvent{kind: eventCreated, status: st},
		shellEvent{kind: eventStatus, status: st},
	)
	r.mu.Unlock()

	r.flush()
	return s.id, nil
}

// DestroySurface removes the surface. Unknown or already destroyed ids are
// a no-op reported as ErrUnknownSurface.
func (r *Registry) DestroySurface(id uint32) error {
	r.mu.Lock()
	s, ok := r.surfaces[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSurface
	}
	r.destroyLocked(s)
	r.mu.Unlock()

	r.flush()
	return nil
}

func (r *Registry) destroyLocked(s *Surface) {
	delete(r.surfaces, s.id)
	delete(s.client.surfaces, s.id)
	r.events = append(r.events, shellEvent{kind: eventDestroyed, status: s.status(), buffer: s.buffer})
	s.buffer = nil
}

// update applies fn to surface id and queues a status event when fn
// reports a change.
func (r *Registry) update(id uint32, fn func(s *Surface) bool) error {
	r.mu.Lock()
	s, ok := r.surfaces[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSurface
	}
	if fn(s) {
		r.events = append(r.events, shellEvent{kind: eventStatus, status: s.status()})
	}
	r.mu.Unlock()

	r.flush()
	return nil
}

// SetVisible shows or hides a surface.
func (r *Registry) SetVisible(id uint32, visible bool) error {
	return r.update(id, func(s *Surface) bool {
		changed := s.visible != visible
		s.visible = visible
		return changed
	})
}

// SetGeometry stages a new rectangle. It becomes visible to GetStatus and
// to rendering on the next Commit.
func (r *Registry) SetGeometry(id uint32, rect Rect) error {
	if rect.W < 0 || rect.H < 0 {
		return fmt.Errorf("%w: geometry %v", ErrInvalidArgument, rect)
	}
	return r.update(id, func(s *Surface) bool {
		pending := rect
		s.pending = &pending
		return false
	})
}

// SetOpacity sets the surface alpha in [0,1].
func (r *Registry) SetOpacity(id uint32, opacity float32) error {
	if math.IsNaN(float64(opacity)) || opacity < 0 || opacity > 1 {
		return fmt.Errorf("%w: opacity %v", ErrInvalidArgument, opacity)
	}
	return r.update(id, func(s *Surface) bool {
		changed := s.opacity != opacity
		s.opacity = opacity
		return changed
	})
}

// SetZOrder sets the draw order key. Lower values are drawn first.
func (r *Registry) SetZOrder(id uint32, zorder float32) error {
	if math.IsNaN(float64(zorder)) {
		return fmt.Errorf("%w: zorder NaN", ErrInvalidArgument)
	}
	return r.update(id, func(s *Surface) bool {
		changed := s.zorder != zorder
		s.zorder = zorder
		return changed
	})
}

// SetName names the surface.
func (r *Registry) SetName(id uint32, name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidArgument, MaxNameLength)
	}
	return r.update(id, func(s *Surface) bool {
		changed := s.name != name
		s.name = name
		return changed
	})
}

// SetVideo marks whether the surface displays decoder output.
func (r *Registry) SetVideo(id uint32, video bool) error {
	return r.update(id, func(s *Surface) bool {
		s.video = video
		return false
	})
}

// Attach makes buffer the current content of the surface and returns the
// buffer it replaces, if any.
func (r *Registry) Attach(id uint32, buffer any) (prev any, err error) {
	err = r.update(id, func(s *Surface) bool {
		prev = s.buffer
		s.buffer = buffer
		s.native = true
		return false
	})
	return prev, err
}

// GetStatus returns the applied state of a surface.
func (r *Registry) GetStatus(id uint32) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[id]
	if !ok {
		return Status{}, ErrUnknownSurface
	}
	return s.status(), nil
}

// Commit applies staged geometry. It runs at the start of each composition
// pass.
func (r *Registry) Commit() {
	r.mu.Lock()
	for _, s := range r.surfaces {
		if s.pending == nil {
			continue
		}
		changed := *s.pending != s.rect
		s.rect = *s.pending
		s.pending = nil
		if changed {
			r.events = append(r.events, shellEvent{kind: eventStatus, status: s.status()})
		}
	}
	r.mu.Unlock()

	r.flush()
}

// Snapshot returns every surface sorted by ascending z-order, ties broken
// by creation order.
func (r *Registry) Snapshot() []View {
	r.mu.Lock()
	views := make([]View, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		views = append(views, View{
			ID:      s.id,
			Seq:     s.seq,
			Name:    s.name,
			Visible: s.visible,
			Rect:    s.rect,
			Opacity: s.opacity,
			ZOrder:  s.zorder,
			Video:   s.video,
			Buffer:  s.buffer,
		})
	}
	r.mu.Unlock()

	SortViews(views)
	return views
}

// SortViews orders views for drawing: ascending z-order, then creation.
func SortViews(views []View) {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].ZOrder != views[j].ZOrder {
			return views[i].ZOrder < views[j].ZOrder
		}
		return views[i].Seq < views[j].Seq
	})
}

// SurfaceAt returns the top-most visible surface containing the point.
func (r *Registry) SurfaceAt(x, y int) (View, bool) {
	views := r.Snapshot()
	for i := len(views) - 1; i >= 0; i-- {
		v := views[i]
		if v.Visible && v.Rect.Contains(x, y) {
			return v, true
		}
	}
	return View{}, false
}

// Len returns the number of live surfaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.surfaces)
}

// AddListener subscribes l to shell notifications. Listeners are matched
// by identity, so l must be comparable (a pointer, typically).
func (r *Registry) AddListener(l ShellListener) error {
	if l == nil {
		return ErrInvalidArgument
	}
	if !isComparable(l) {
		return fmt.Errorf("%w: listener of type %T is not comparable", ErrInvalidArgument, l)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners {
		if existing == l {
			return ErrDuplicateListener
		}
	}
	r.listeners = append(r.listeners, l)
	return nil
}

// RemoveListener unsubscribes l.
func (r *Registry) RemoveListener(l ShellListener) error {
	if l == nil || !isComparable(l) {
		return ErrUnknownListener
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return nil
		}
	}
	return ErrUnknownListener
}

// flush delivers queued events outside the lock. One goroutine delivers at
// a time so every listener sees events in the order they were queued;
// events queued by a re-entrant listener are picked up by the same loop.
func (r *Registry) flush() {
	r.mu.Lock()
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true
	for len(r.events) > 0 {
		events := r.events
		r.events = nil
		listeners := append([]ShellListener(nil), r.listeners...)
		r.mu.Unlock()

		for _, e := range events {
			for _, l := range listeners {
				e.deliver(l)
			}
			if b, ok := e.buffer.(releaser); ok {
				_ = b.Release()
			}
		}

		r.mu.Lock()
	}
	r.delivering = false
	r.mu.Unlock()
}

func isComparable(l any) bool {
	return reflect.ValueOf(l).Comparable()
}
