package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/bnema/westeros/internal/logger"
)

// maxMessageSize bounds a single framed message.
const maxMessageSize = 1 << 20

// Handler executes shell requests.
type Handler interface {
	HandleRequest(req *Request) (*Response, error)
}

// SocketServer serves the shell socket of one compositor.
type SocketServer struct {
	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	handler    Handler
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	conns      map[net.Conn]struct{}
	running    bool
}

// NewSocketServer creates a server for the compositor named display.
func NewSocketServer(display string, handler Handler) *SocketServer {
	return &SocketServer{
		socketPath: SocketPath(display),
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path.
func (s *SocketServer) Path() string {
	return s.socketPath
}

// Start binds the socket and starts accepting connections.
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	// Remove a stale socket left by a crashed compositor
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	logger.Debugf("Shell socket listening at %s", s.socketPath)
	return nil
}

// Stop closes the listener and every open connection and waits for the
// connection goroutines.
func (s *SocketServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.RemoveAll(s.socketPath)
	logger.Debug("Shell socket stopped")
}

func (s *SocketServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Errorf("Failed to accept shell connection: %v", err)
				continue
			}
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *SocketServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		data, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debugf("Shell connection closed: %v", err)
			}
			return
		}

		resp := s.handleMessage(data)
		if err := writeFrame(conn, resp.Marshal()); err != nil {
			logger.Errorf("Failed to send shell response: %v", err)
			return
		}
	}
}

func (s *SocketServer) handleMessage(data []byte) *Response {
	req, err := UnmarshalRequest(data)
	if err != nil {
		return &Response{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	resp, err := s.handler.HandleRequest(req)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	if resp == nil {
		resp = &Response{}
	}
	return resp
}

// readFrame reads one length-prefixed message (4 bytes, big endian).
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("%w: %d byte message", ErrMalformed, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}
	return data, nil
}

func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// RuntimeDir returns XDG_RUNTIME_DIR, or the temp dir when it is unset.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// SocketPath returns the shell socket path of the compositor named display.
func SocketPath(display string) string {
	return filepath.Join(RuntimeDir(), display+"-shell")
}
