package compositor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"

	"github.com/bnema/westeros/internal/ipc"
)

// Event is one event received by a Conn.
type Event struct {
	Kind EventKind
	Args []uint32
}

// Conn is a minimal protocol client used by tools and tests to act as a
// compositor client.
type Conn struct {
	conn *net.UnixConn

	writeMu sync.Mutex

	mu      sync.Mutex
	next    uint32
	events  []Event
	changed chan struct{}
	err     error
	done    chan struct{}
}

// Connect opens a client connection to the compositor serving display.
func Connect(display string) (*Conn, error) {
	path := filepath.Join(ipc.RuntimeDir(), display)
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", display, err)
	}
	c := &Conn{
		conn:    conn,
		next:    1,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		m, err := readMessage(c.conn)
		c.mu.Lock()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = net.ErrClosed
			}
			c.err = err
		} else {
			c.events = append(c.events, Event{Kind: EventKind(m.opcode), Args: m.args})
		}
		close(c.changed)
		c.changed = make(chan struct{})
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Conn) request(opcode uint16, args ...uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeMessage(c.conn, message{object: displayObject, opcode: opcode, args: args})
}

func (c *Conn) newID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	return id
}

// Wait blocks until an event of kind matching match has been received and
// returns the first such event.
func (c *Conn) Wait(ctx context.Context, kind EventKind, match func(Event) bool) (Event, error) {
	for {
		c.mu.Lock()
		for _, ev := range c.events {
			if ev.Kind == kind && (match == nil || match(ev)) {
				c.mu.Unlock()
				return ev, nil
			}
		}
		err, changed := c.err, c.changed
		c.mu.Unlock()
		if err != nil {
			return Event{}, err
		}

		select {
		case <-ctx.Done():
			return Event{}, fmt.Errorf("waiting for %s: %w", kind, ctx.Err())
		case <-changed:
		}
	}
}

// CreateSurface creates a surface and returns the id the compositor
// assigned to it.
func (c *Conn) CreateSurface(ctx context.Context) (uint32, error) {
	newID := c.newID()
	if err := c.request(reqCreateSurface, newID); err != nil {
		return 0, err
	}
	ev, err := c.Wait(ctx, EventSurfaceID, func(ev Event) bool {
		return len(ev.Args) == 2 && ev.Args[0] == newID
	})
	if err != nil {
		return 0, err
	}
	return ev.Args[1], nil
}

// DestroySurface destroys a surface created on this connection.
func (c *Conn) DestroySurface(id uint32) error {
	return c.request(reqDestroySurface, id)
}

// Attach makes buffer the content of surface id.
func (c *Conn) Attach(id, buffer uint32) error {
	return c.request(reqAttach, id, buffer)
}

// Sync waits until the compositor has handled every earlier request.
func (c *Conn) Sync(ctx context.Context) error {
	cb := c.newID()
	if err := c.request(reqSync, cb); err != nil {
		return err
	}
	_, err := c.Wait(ctx, EventDone, func(ev Event) bool {
		return len(ev.Args) == 1 && ev.Args[0] == cb
	})
	return err
}

// Events returns every event received so far.
func (c *Conn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Count returns how many events of kind were received.
func (c *Conn) Count(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Closed is closed once the compositor side hangs up or Close is called.
func (c *Conn) Closed() <-chan struct{} {
	return c.done
}

// Close disconnects.
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}
