package compositor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bnema/westeros/internal/logger"
	"github.com/bnema/westeros/internal/surface"
	"golang.org/x/sys/unix"
)

// connection is one client socket. Requests are read on a per-connection
// goroutine and executed on the dispatch loop; events are only written
// from the loop.
type connection struct {
	comp   *Compositor
	conn   *net.UnixConn
	pid    int
	client *surface.Client
	closed atomic.Bool

	mu    sync.Mutex
	owned map[uint32]bool
}

// peerPID returns the process id of the other end of a unix socket.
func peerPID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return int(cred.Pid), nil
}

// send writes one event. It runs on the loop thread only.
func (cn *connection) send(m message) error {
	if cn.closed.Load() {
		return net.ErrClosed
	}
	return writeMessage(cn.conn, m)
}

// post queues an event for the loop thread.
func (cn *connection) post(kind EventKind, args ...uint32) {
	loop := cn.comp.currentLoop()
	if loop == nil {
		return
	}
	m := message{object: displayObject, opcode: uint16(kind), args: args}
	err := loop.Post(func() {
		if err := loop.Emit(func() error { return cn.send(m) }); err != nil && !cn.closed.Load() {
			logger.Debugf("event %s to client %d failed: %v", kind, cn.pid, err)
		}
	})
	if err != nil {
		logger.Debugf("event %s to client %d dropped: %v", kind, cn.pid, err)
	}
}

func (cn *connection) owns(id uint32) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.owned[id]
}

// serve reads requests until the socket closes.
func (cn *connection) serve() {
	defer cn.teardown()

	for {
		m, err := readMessage(cn.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debugf("client %d read failed: %v", cn.pid, err)
			}
			return
		}
		loop := cn.comp.currentLoop()
		if loop == nil {
			return
		}
		var reqErr error
		if err := loop.Sync(func() { reqErr = cn.handle(m) }); err != nil {
			return
		}
		if reqErr != nil {
			logger.Warnf("client %d protocol error: %v", cn.pid, reqErr)
			cn.post(EventError, m.object, uint32(m.opcode))
		}
	}
}

func (cn *connection) handle(m message) error {
	if m.object != displayObject {
		return fmt.Errorf("unknown object %d", m.object)
	}
	reg := cn.comp.registry

	switch m.opcode {
	case reqCreateSurface:
		newID, err := m.arg(0)
		if err != nil {
			return err
		}
		id, err := reg.CreateSurface(cn.client)
		if err != nil {
			return err
		}
		cn.mu.Lock()
		cn.owned[id] = true
		cn.mu.Unlock()
		cn.comp.setOwner(id, cn)
		cn.post(EventSurfaceID, newID, id)

	case reqDestroySurface:
		id, err := m.arg(0)
		if err != nil {
			return err
		}
		if !cn.owns(id) {
			return fmt.Errorf("%w: %d", surface.ErrUnknownSurface, id)
		}
		cn.mu.Lock()
		delete(cn.owned, id)
		cn.mu.Unlock()
		return reg.DestroySurface(id)

	case reqAttach:
		id, err := m.arg(0)
		if err != nil {
			return err
		}
		bufID, err := m.arg(1)
		if err != nil {
			return err
		}
		if !cn.owns(id) {
			return fmt.Errorf("%w: %d", surface.ErrUnknownSurface, id)
		}
		prev, err := reg.Attach(id, &clientBuffer{conn: cn, id: bufID})
		if err != nil {
			return err
		}
		if b, ok := prev.(*clientBuffer); ok {
			_ = b.Release()
		}

	case reqSync:
		cb, err := m.arg(0)
		if err != nil {
			return err
		}
		cn.post(EventDone, cb)

	default:
		return fmt.Errorf("unknown opcode %d", m.opcode)
	}
	return nil
}

// teardown destroys the client's surfaces and reports the disconnect.
func (cn *connection) teardown() {
	cn.closed.Store(true)
	cn.conn.Close()

	cn.mu.Lock()
	ids := make([]uint32, 0, len(cn.owned))
	for id := range cn.owned {
		ids = append(ids, id)
	}
	cn.owned = map[uint32]bool{}
	cn.mu.Unlock()
	for _, id := range ids {
		cn.comp.setOwner(id, nil)
	}

	if err := cn.comp.registry.RemoveClient(cn.client); err != nil && !errors.Is(err, surface.ErrInvalidClient) {
		logger.Debugf("client %d removal failed: %v", cn.pid, err)
	}
	cn.comp.connectionClosed(cn)
}

// clientBuffer is a buffer attached by a client. Releasing it sends the
// release event once.
type clientBuffer struct {
	conn     *connection
	id       uint32
	released atomic.Bool
}

func (b *clientBuffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return errors.New("buffer already released")
	}
	b.conn.post(EventBufferRelease, b.id)
	return nil
}
