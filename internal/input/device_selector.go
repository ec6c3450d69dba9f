package input

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/westeros/internal/logger"
	"github.com/charmbracelet/huh"
	"github.com/gvalkov/golang-evdev"
)

// DeviceType represents the type of input device
type DeviceType int

const (
	DeviceTypePointer DeviceType = iota
	DeviceTypeKeyboard
)

func (t DeviceType) String() string {
	if t == DeviceTypeKeyboard {
		return "keyboard"
	}
	return "pointer"
}

// DeviceInfo represents information about an input device
type DeviceInfo struct {
	Path        string
	Name        string
	Symlink     string
	Descriptive string
}

// DeviceSelector provides interactive device selection using huh
type DeviceSelector struct {
	list func(globs ...string) ([]*evdev.InputDevice, error)
}

// NewDeviceSelector creates a new device selector
func NewDeviceSelector() *DeviceSelector {
	return &DeviceSelector{list: evdev.ListInputDevices}
}

// Select presents an interactive selection for devices of the given type.
// A single candidate is chosen without prompting.
func (s *DeviceSelector) Select(deviceType DeviceType) (string, error) {
	devices, err := s.ListDevices(deviceType)
	if err != nil {
		return "", err
	}

	if len(devices) == 0 {
		return "", fmt.Errorf("no %s devices found", deviceType)
	}

	if len(devices) == 1 {
		logger.Infof("Auto-selected %s device: %s", deviceType, devices[0].Descriptive)
		return devices[0].Path, nil
	}

	options := make([]huh.Option[string], len(devices))
	for i, dev := range devices {
		options[i] = huh.NewOption(dev.Descriptive, dev.Path)
	}

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Select %s device", deviceType)).
				Description("Input events from this device are routed to the focused surface").
				Options(options...).
				Value(&selected),
		),
	)

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("device selection cancelled: %w", err)
	}

	return selected, nil
}

// ListDevices lists available input devices of the specified type
func (s *DeviceSelector) ListDevices(deviceType DeviceType) ([]DeviceInfo, error) {
	evdevices, err := s.list("/dev/input/event*")
	if err != nil {
		return nil, fmt.Errorf("failed to list input devices: %w", err)
	}

	var devices []DeviceInfo
	for _, dev := range evdevices {
		if !isDeviceType(dev, deviceType) {
			continue
		}
		info := DeviceInfo{
			Path:    dev.Fn,
			Name:    dev.Name,
			Symlink: findSymlink(dev.Fn),
		}
		if info.Symlink != "" {
			info.Descriptive = fmt.Sprintf("%s (%s → %s)", dev.Name, info.Symlink, dev.Fn)
		} else {
			info.Descriptive = fmt.Sprintf("%s (%s)", dev.Name, dev.Fn)
		}
		devices = append(devices, info)
	}

	return devices, nil
}

func isDeviceType(dev *evdev.InputDevice, deviceType DeviceType) bool {
	if dev.CapabilitiesFlat == nil {
		return false
	}

	switch deviceType {
	case DeviceTypePointer:
		if hasCodes(dev.CapabilitiesFlat[evdev.EV_REL], evdev.REL_X, evdev.REL_Y) ||
			hasCodes(dev.CapabilitiesFlat[evdev.EV_ABS], evdev.ABS_X, evdev.ABS_Y) {
			for _, btn := range dev.CapabilitiesFlat[evdev.EV_KEY] {
				if btn == evdev.BTN_LEFT || btn == evdev.BTN_TOUCH {
					return true
				}
			}
		}
		return false

	case DeviceTypeKeyboard:
		nameLower := strings.ToLower(dev.Name)
		for _, skip := range []string{"power", "video", "sleep", "button"} {
			if strings.Contains(nameLower, skip) {
				return false
			}
		}
		for _, key := range dev.CapabilitiesFlat[evdev.EV_KEY] {
			if key >= evdev.KEY_A && key <= evdev.KEY_Z {
				return true
			}
		}
		return false

	default:
		return false
	}
}

func hasCodes(codes []int, want ...int) bool {
	for _, w := range want {
		found := false
		for _, c := range codes {
			if c == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// findSymlink finds the symlink for a device path in /dev/input/by-id or /dev/input/by-path
func findSymlink(devicePath string) string {
	for _, dir := range []string{"/dev/input/by-id", "/dev/input/by-path"} {
		if symlink := findSymlinkInDir(devicePath, dir); symlink != "" {
			return symlink
		}
	}
	return ""
}

func findSymlinkInDir(devicePath, dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		fullPath := filepath.Join(dir, entry.Name())
		target, err := os.Readlink(fullPath)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, target)
		}
		if filepath.Clean(target) == devicePath {
			return fullPath
		}
	}

	return ""
}
