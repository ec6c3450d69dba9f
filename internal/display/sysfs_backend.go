package display

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSysfsRoot is where the kernel exposes DRM connectors.
const DefaultSysfsRoot = "/sys/class/drm"

// sysfsBackend reads the preferred mode of the first connected DRM
// connector from /sys/class/drm/card*-*/modes.
type sysfsBackend struct {
	root      string
	connector string
	windows   *windowSet
}

// NewSysfsBackend creates a backend reading connectors under root.
func NewSysfsBackend(root string) (Backend, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("drm sysfs not available: %w", err)
	}
	return &sysfsBackend{root: root, windows: newWindowSet("drm")}, nil
}

func (s *sysfsBackend) Name() string { return "drm" }

func (s *sysfsBackend) Init() error {
	connector, err := s.findConnector()
	if err != nil {
		return err
	}
	s.connector = connector
	s.windows.reset()
	return nil
}

func (s *sysfsBackend) Term() error {
	s.windows.terminate()
	return nil
}

func (s *sysfsBackend) findConnector() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "card*-*"))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	for _, dir := range matches {
		status, err := os.ReadFile(filepath.Join(dir, "status"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(status)) == "connected" {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no connected drm connector under %s", s.root)
}

func (s *sysfsBackend) DisplaySize() (int, int, error) {
	if s.connector == "" {
		return 0, 0, fmt.Errorf("drm backend not initialized")
	}
	f, err := os.Open(filepath.Join(s.connector, "modes"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	// The first listed mode is the preferred one.
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if w, h, ok := parseMode(scanner.Text()); ok {
			return w, h, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("no modes for %s", filepath.Base(s.connector))
}

func (s *sysfsBackend) CreateNativeWindow(width, height int) (*NativeWindow, error) {
	return s.windows.create(width, height)
}

func (s *sysfsBackend) DestroyNativeWindow(w *NativeWindow) error {
	return s.windows.destroy(w)
}

// parseMode parses "1920x1080" and interlaced variants such as "1920x1080i".
func parseMode(line string) (int, int, bool) {
	line = strings.TrimSpace(line)
	var w, h int
	if n, _ := fmt.Sscanf(line, "%dx%d", &w, &h); n != 2 || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
