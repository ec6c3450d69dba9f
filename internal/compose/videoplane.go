package compose

import (
	"sync"

	"github.com/bnema/westeros/internal/surface"
)

// PositionSink receives video window positions. Decoder handles implement it.
type PositionSink interface {
	SetWindowPosition(x, y, w, h int)
}

// VideoPlane stages the hardware video window position and commits it to
// the sink only when it differs from the last committed value.
type VideoPlane struct {
	// commitMu keeps sink calls in commit order
	commitMu  sync.Mutex
	mu        sync.Mutex
	sink      PositionSink
	pending   surface.Rect
	staged    bool
	committed surface.Rect
	valid     bool
	commits   int
}

// SetSink replaces the sink. The next commit is always forwarded.
func (p *VideoPlane) SetSink(sink PositionSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
	p.valid = false
}

// Stage records the position for the next Commit.
func (p *VideoPlane) Stage(r surface.Rect) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = r
	p.staged = true
}

// Commit forwards the staged position if it changed. It reports whether
// the sink was called.
func (p *VideoPlane) Commit() bool {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	p.mu.Lock()
	if !p.staged || p.sink == nil {
		p.mu.Unlock()
		return false
	}
	p.staged = false
	if p.valid && p.committed == p.pending {
		p.mu.Unlock()
		return false
	}
	r := p.pending
	p.committed = r
	p.valid = true
	p.commits++
	sink := p.sink
	p.mu.Unlock()

	sink.SetWindowPosition(r.X, r.Y, r.W, r.H)
	return true
}

// Committed returns the last committed position.
func (p *VideoPlane) Committed() (surface.Rect, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed, p.valid
}

// Commits returns how many positions reached the sink.
func (p *VideoPlane) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits
}
