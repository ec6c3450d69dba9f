package ipc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bnema/westeros/internal/surface"
)

// Client talks to the shell socket of a running compositor. Each call
// opens its own connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the compositor named display.
func NewClient(display string) *Client {
	return &Client{
		socketPath: SocketPath(display),
		timeout:    5 * time.Second,
	}
}

// NewClientWithTimeout creates a client with a custom per-call timeout.
func NewClientWithTimeout(display string, timeout time.Duration) *Client {
	c := NewClient(display)
	c.timeout = timeout
	return c
}

// List returns every surface.
func (c *Client) List() ([]surface.Status, error) {
	resp, err := c.call(&Request{Op: OpList})
	if err != nil {
		return nil, err
	}
	return resp.Surfaces, nil
}

// Focused returns the surface holding keyboard focus, 0 for none.
func (c *Client) Focused() (uint32, error) {
	resp, err := c.call(&Request{Op: OpList})
	if err != nil {
		return 0, err
	}
	return resp.Focus, nil
}

// Status returns one surface.
func (c *Client) Status(id uint32) (surface.Status, error) {
	resp, err := c.call(&Request{Op: OpStatus, SurfaceID: id})
	if err != nil {
		return surface.Status{}, err
	}
	if len(resp.Surfaces) != 1 {
		return surface.Status{}, fmt.Errorf("%w: expected one surface, got %d", ErrMalformed, len(resp.Surfaces))
	}
	return resp.Surfaces[0], nil
}

func (c *Client) SetVisible(id uint32, visible bool) error {
	_, err := c.call(&Request{Op: OpSetVisible, SurfaceID: id, Visible: visible})
	return err
}

func (c *Client) SetGeometry(id uint32, r surface.Rect) error {
	_, err := c.call(&Request{Op: OpSetGeometry, SurfaceID: id, Rect: r})
	return err
}

func (c *Client) SetOpacity(id uint32, opacity float32) error {
	_, err := c.call(&Request{Op: OpSetOpacity, SurfaceID: id, Opacity: opacity})
	return err
}

func (c *Client) SetZOrder(id uint32, zorder float32) error {
	_, err := c.call(&Request{Op: OpSetZOrder, SurfaceID: id, ZOrder: zorder})
	return err
}

func (c *Client) SetName(id uint32, name string) error {
	_, err := c.call(&Request{Op: OpSetName, SurfaceID: id, Name: name})
	return err
}

// Focus gives keyboard focus to id and returns the focused surface. An id
// of 0 clears the focus.
func (c *Client) Focus(id uint32) (uint32, error) {
	resp, err := c.call(&Request{Op: OpFocus, SurfaceID: id})
	if err != nil {
		return 0, err
	}
	return resp.Focus, nil
}

func (c *Client) call(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if err := writeFrame(conn, req.Marshal()); err != nil {
		return nil, err
	}
	data, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	resp, err := UnmarshalResponse(data)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}
