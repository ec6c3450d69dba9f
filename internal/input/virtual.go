package input

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThomasT75/uinput"
	"github.com/gvalkov/golang-evdev"
)

// ErrVirtualClosed is returned after Close.
var ErrVirtualClosed = errors.New("virtual device closed")

// Virtual is a pair of uinput devices used to inject kernel input events
// that a Source can read back through evdev.
type Virtual struct {
	name     string
	mouse    uinput.Mouse
	keyboard uinput.Keyboard
	mu       sync.Mutex
	closed   bool
}

// CreateVirtual creates a virtual keyboard and mouse under uinputPath.
// Device names are derived from name so they can be found with FindDevice.
func CreateVirtual(uinputPath, name string) (*Virtual, error) {
	keyboard, err := uinput.CreateKeyboard(uinputPath, []byte(name+" keyboard"))
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual keyboard: %w", err)
	}
	mouse, err := uinput.CreateMouse(uinputPath, []byte(name+" mouse"))
	if err != nil {
		keyboard.Close()
		return nil, fmt.Errorf("failed to create virtual mouse: %w", err)
	}
	return &Virtual{name: name, mouse: mouse, keyboard: keyboard}, nil
}

// KeyboardName is the kernel name of the virtual keyboard.
func (v *Virtual) KeyboardName() string { return v.name + " keyboard" }

// MouseName is the kernel name of the virtual mouse.
func (v *Virtual) MouseName() string { return v.name + " mouse" }

// Key presses or releases a key code.
func (v *Virtual) Key(code int, pressed bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVirtualClosed
	}
	if pressed {
		return v.keyboard.KeyDown(code)
	}
	return v.keyboard.KeyUp(code)
}

// Move moves the virtual mouse by a relative amount.
func (v *Virtual) Move(dx, dy int32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVirtualClosed
	}
	if dx == 0 && dy == 0 {
		return nil
	}
	return v.mouse.Move(dx, dy)
}

// Button presses or releases one of the three standard buttons.
func (v *Virtual) Button(code uint32, pressed bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVirtualClosed
	}
	switch code {
	case evdev.BTN_LEFT:
		if pressed {
			return v.mouse.LeftPress()
		}
		return v.mouse.LeftRelease()
	case evdev.BTN_RIGHT:
		if pressed {
			return v.mouse.RightPress()
		}
		return v.mouse.RightRelease()
	case evdev.BTN_MIDDLE:
		if pressed {
			return v.mouse.MiddlePress()
		}
		return v.mouse.MiddleRelease()
	default:
		return fmt.Errorf("unsupported button %d", code)
	}
}

// Close destroys both devices.
func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	err := v.mouse.Close()
	if e := v.keyboard.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// FindDevice polls the evdev device list until a device with the given name
// appears, returning its event node path.
func FindDevice(name string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		devices, err := evdev.ListInputDevices("/dev/input/event*")
		if err == nil {
			for _, dev := range devices {
				if dev.Name == name {
					return dev.Fn, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("input device %q not found", name)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
