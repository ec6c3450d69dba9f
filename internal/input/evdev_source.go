package input

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bnema/westeros/internal/logger"
	"github.com/gvalkov/golang-evdev"
	"golang.org/x/sync/errgroup"
)

// Source reads kernel input events from evdev devices and feeds them to a Router.
// Relative pointer motion is accumulated into an absolute position clamped
// to the output size.
type Source struct {
	router *Router

	mu     sync.Mutex
	width  int
	height int
	x, y   int

	devices []*evdev.InputDevice
	grabbed bool
}

// NewSource creates a source for an output of the given size.
func NewSource(router *Router, width, height int) *Source {
	return &Source{
		router: router,
		width:  width,
		height: height,
		x:      width / 2,
		y:      height / 2,
	}
}

// SetOutputSize changes the clamp rectangle for pointer motion.
func (s *Source) SetOutputSize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
	s.x, s.y = clamp(s.x, 0, width-1), clamp(s.y, 0, height-1)
}

// Open opens the configured devices. Empty paths are skipped.
func (s *Source) Open(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		dev, err := evdev.Open(path)
		if err != nil {
			s.Close()
			return fmt.Errorf("failed to open input device %s: %w", path, err)
		}
		logger.Infof("Opened input device: %s (%s)", dev.Name, path)
		s.devices = append(s.devices, dev)
	}
	if len(s.devices) == 0 {
		return errors.New("no input devices configured")
	}
	return nil
}

// Grab takes exclusive access to every opened device.
func (s *Source) Grab() error {
	for i, dev := range s.devices {
		if err := dev.Grab(); err != nil {
			for _, prev := range s.devices[:i] {
				prev.Release()
			}
			return fmt.Errorf("failed to grab %s: %w", dev.Fn, err)
		}
	}
	s.grabbed = true
	return nil
}

// Run reads all devices until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, dev := range s.devices {
		g.Go(func() error {
			return s.readLoop(ctx, dev)
		})
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return g.Wait()
}

func (s *Source) readLoop(ctx context.Context, dev *evdev.InputDevice) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		events, err := dev.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if strings.Contains(err.Error(), "resource temporarily unavailable") {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("read %s: %w", dev.Fn, err)
		}
		for _, ev := range events {
			s.Handle(ev)
		}
	}
}

// Handle translates one kernel event into router calls.
func (s *Source) Handle(ev evdev.InputEvent) {
	switch ev.Type {
	case evdev.EV_KEY:
		// Autorepeat from the kernel is ignored, the router generates its own.
		if ev.Value != 0 && ev.Value != 1 {
			return
		}
		if ev.Code >= evdev.BTN_LEFT && ev.Code <= evdev.BTN_TASK {
			if err := s.router.PointerButton(uint32(ev.Code), ev.Value == 1); err != nil {
				logger.Debugf("Dropped button %d: %v", ev.Code, err)
			}
			return
		}
		s.router.KeyEvent(uint32(ev.Code), ev.Value == 1)

	case evdev.EV_REL:
		s.mu.Lock()
		switch ev.Code {
		case evdev.REL_X:
			s.x = clamp(s.x+int(ev.Value), 0, s.width-1)
		case evdev.REL_Y:
			s.y = clamp(s.y+int(ev.Value), 0, s.height-1)
		default:
			s.mu.Unlock()
			return
		}
		x, y := s.x, s.y
		s.mu.Unlock()
		s.router.PointerMotion(x, y)

	case evdev.EV_ABS:
		s.mu.Lock()
		switch ev.Code {
		case evdev.ABS_X:
			s.x = clamp(int(ev.Value), 0, s.width-1)
		case evdev.ABS_Y:
			s.y = clamp(int(ev.Value), 0, s.height-1)
		default:
			s.mu.Unlock()
			return
		}
		x, y := s.x, s.y
		s.mu.Unlock()
		s.router.PointerMotion(x, y)
	}
}

// Position returns the accumulated pointer position.
func (s *Source) Position() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y
}

// Close releases and closes all devices. Safe to call more than once.
func (s *Source) Close() {
	s.mu.Lock()
	devices := s.devices
	s.devices = nil
	grabbed := s.grabbed
	s.grabbed = false
	s.mu.Unlock()

	for _, dev := range devices {
		if grabbed {
			dev.Release()
		}
		if err := dev.File.Close(); err != nil {
			logger.Debugf("Failed to close %s: %v", dev.Fn, err)
		}
	}
}

// IsEvdevAvailable reports whether any evdev device can be listed.
func IsEvdevAvailable() bool {
	devices, err := evdev.ListInputDevices("/dev/input/event*")
	return err == nil && len(devices) > 0
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
