// Package launcher starts client processes for a compositor and reports
// their lifecycle: started, connected, disconnected, and how they stopped.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/anmitsu/go-shlex"
	"github.com/bnema/westeros/internal/logger"
	"golang.org/x/sys/unix"
)

var (
	// ErrEmptyCommand is returned for a command line with no program
	ErrEmptyCommand = errors.New("empty command line")
	// ErrStopping is returned by Launch once StopAll has begun
	ErrStopping = errors.New("launcher is stopping")
	// ErrUnknownClient is returned for pids this manager did not launch
	ErrUnknownClient = errors.New("unknown client process")
)

// DefaultGrace is how long StopAll waits after SIGTERM before SIGKILL.
const DefaultGrace = 2 * time.Second

// Status is a client lifecycle transition.
type Status int

const (
	StatusStarted Status = iota
	StatusConnected
	StatusDisconnected
	StatusStoppedNormal
	StatusStoppedAbnormal
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusStoppedNormal:
		return "stopped-normal"
	case StatusStoppedAbnormal:
		return "stopped-abnormal"
	default:
		return "unknown"
	}
}

// StatusFunc receives transitions. detail is the terminating signal or the
// exit code for StatusStoppedAbnormal and zero otherwise. It is never called
// with a manager lock held.
type StatusFunc func(status Status, pid int, detail int)

type transition struct {
	status Status
	detail int
}

type child struct {
	pid       int
	cmd       *exec.Cmd
	connected bool
	exited    bool

	events     []transition
	delivering bool
}

// Manager launches and tracks the clients of one compositor.
type Manager struct {
	display string
	notify  StatusFunc
	grace   time.Duration

	mu       sync.Mutex
	clients  map[int]*child
	stopping bool
	wg       sync.WaitGroup
}

// NewManager creates a manager whose clients attach to display.
func NewManager(display string, notify StatusFunc) *Manager {
	return &Manager{
		display: display,
		notify:  notify,
		grace:   DefaultGrace,
		clients: make(map[int]*child),
	}
}

// SetGrace changes the delay between SIGTERM and SIGKILL in StopAll.
func (m *Manager) SetGrace(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grace = d
}

// Launch runs command as a client and blocks until it exits. Cancelling
// ctx terminates the client. The command line is split with shell quoting
// rules but not run through a shell.
func (m *Manager) Launch(ctx context.Context, command string) error {
	args, err := shlex.Split(command, true)
	if err != nil {
		return fmt.Errorf("failed to parse command line: %w", err)
	}
	if len(args) == 0 {
		return ErrEmptyCommand
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "WAYLAND_DISPLAY="+m.display)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Registering under the lock means NotifyConnected for this pid always
	// finds the child.
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return ErrStopping
	}
	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	c := &child{pid: cmd.Process.Pid, cmd: cmd}
	m.clients[c.pid] = c
	c.events = append(c.events, transition{status: StatusStarted})
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	logger.Info("client launched", "pid", c.pid, "command", args[0], "display", m.display)
	m.flush(c)

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waited:
	case <-ctx.Done():
		m.terminate(c)
		waitErr = <-waited
	}

	status, detail := exitStatus(cmd.ProcessState, waitErr)
	m.mu.Lock()
	c.exited = true
	c.events = append(c.events, transition{status: status, detail: detail})
	if c.connected {
		c.connected = false
		c.events = append(c.events, transition{status: StatusDisconnected})
	}
	delete(m.clients, c.pid)
	m.mu.Unlock()

	logger.Info("client exited", "pid", c.pid, "status", status, "detail", detail)
	m.flush(c)
	return nil
}

// exitStatus maps a finished process to its stop transition.
func exitStatus(state *os.ProcessState, waitErr error) (Status, int) {
	if state == nil {
		logger.Warnf("client wait failed: %v", waitErr)
		return StatusStoppedAbnormal, -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return StatusStoppedAbnormal, int(ws.Signal())
	}
	if code := state.ExitCode(); code != 0 {
		return StatusStoppedAbnormal, code
	}
	return StatusStoppedNormal, 0
}

// NotifyConnected records that client pid opened its protocol connection.
func (m *Manager) NotifyConnected(pid int) error {
	m.mu.Lock()
	c, ok := m.clients[pid]
	if !ok || c.exited {
		m.mu.Unlock()
		return ErrUnknownClient
	}
	if c.connected {
		m.mu.Unlock()
		return nil
	}
	c.connected = true
	c.events = append(c.events, transition{status: StatusConnected})
	m.mu.Unlock()

	m.flush(c)
	return nil
}

// NotifyDisconnected records that client pid closed its connection. The
// disconnected transition is reported after the process has stopped.
func (m *Manager) NotifyDisconnected(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[pid]; !ok {
		return ErrUnknownClient
	}
	return nil
}

// Launched reports whether pid is a running client of this manager.
func (m *Manager) Launched(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[pid]
	return ok
}

// PIDs returns the running clients.
func (m *Manager) PIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]int, 0, len(m.clients))
	for pid := range m.clients {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// StopAll terminates every client and returns once every Launch call has
// returned. Later Launch calls fail with ErrStopping.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.stopping = true
	children := make([]*child, 0, len(m.clients))
	for _, c := range m.clients {
		children = append(children, c)
	}
	m.mu.Unlock()

	for _, c := range children {
		m.terminate(c)
	}
	m.wg.Wait()
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (m *Manager) terminate(c *child) {
	m.mu.Lock()
	grace := m.grace
	exited := c.exited
	m.mu.Unlock()
	if exited {
		return
	}

	if err := c.cmd.Process.Signal(unix.SIGTERM); err != nil {
		logger.Debugf("SIGTERM to client %d failed: %v", c.pid, err)
		return
	}
	time.AfterFunc(grace, func() {
		m.mu.Lock()
		exited := c.exited
		m.mu.Unlock()
		if !exited {
			logger.Warnf("client %d ignored SIGTERM, killing", c.pid)
			_ = c.cmd.Process.Signal(unix.SIGKILL)
		}
	})
}

// flush reports queued transitions of c in order, outside the lock. A
// transition queued from inside the callback is reported by the same loop.
func (m *Manager) flush(c *child) {
	m.mu.Lock()
	if c.delivering {
		m.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.events) > 0 {
		events := c.events
		c.events = nil
		m.mu.Unlock()

		for _, e := range events {
			if m.notify != nil {
				m.notify(e.status, c.pid, e.detail)
			}
		}

		m.mu.Lock()
	}
	c.delivering = false
	m.mu.Unlock()
}
