package display

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bnema/westeros/internal/logger"
)

// Output is one display output reported by wlr-randr.
type Output struct {
	Name    string
	X, Y    int
	Width   int
	Height  int
	Scale   float64
	Primary bool
}

// wlrRandrBackend sizes the display from the host wlroots compositor. It is
// used when westeros runs nested on a desktop session.
type wlrRandrBackend struct {
	run     func() ([]byte, error)
	outputs []Output
	windows *windowSet
}

// NewWlrRandrBackend creates a backend if wlr-randr is installed.
func NewWlrRandrBackend() (Backend, error) {
	if _, err := exec.LookPath("wlr-randr"); err != nil {
		return nil, fmt.Errorf("wlr-randr not found: %w", err)
	}
	return &wlrRandrBackend{
		run:     func() ([]byte, error) { return exec.Command("wlr-randr", "--json").CombinedOutput() },
		windows: newWindowSet("wlr-randr"),
	}, nil
}

func (w *wlrRandrBackend) Name() string { return "wlr-randr" }

func (w *wlrRandrBackend) Init() error {
	output, err := w.run()
	if err != nil {
		if len(output) > 0 {
			logger.Debugf("wlr-randr --json error: %s", strings.TrimSpace(string(output)))
		}
		return fmt.Errorf("failed to run wlr-randr: %w", err)
	}
	outputs, err := parseWlrRandrJSON(output)
	if err != nil {
		return err
	}
	w.outputs = outputs
	w.windows.reset()
	return nil
}

func (w *wlrRandrBackend) Term() error {
	w.windows.terminate()
	return nil
}

// DisplaySize returns the current mode of the primary output.
func (w *wlrRandrBackend) DisplaySize() (int, int, error) {
	for _, o := range w.outputs {
		if o.Primary {
			return o.Width, o.Height, nil
		}
	}
	return 0, 0, fmt.Errorf("no active outputs")
}

func (w *wlrRandrBackend) CreateNativeWindow(width, height int) (*NativeWindow, error) {
	return w.windows.create(width, height)
}

func (w *wlrRandrBackend) DestroyNativeWindow(nw *NativeWindow) error {
	return w.windows.destroy(nw)
}

// parseWlrRandrJSON keeps enabled outputs with a usable mode and marks a
// primary one: the explicit primary, else the output at (0,0), else the first.
func parseWlrRandrJSON(data []byte) ([]Output, error) {
	var raw []struct {
		Name    string  `json:"name"`
		Enabled bool    `json:"enabled"`
		Width   int     `json:"width"`
		Height  int     `json:"height"`
		Scale   float64 `json:"scale"`
		Primary bool    `json:"primary"`
		Modes   []struct {
			Width   int  `json:"width"`
			Height  int  `json:"height"`
			Current bool `json:"current"`
		} `json:"modes"`
		Position struct {
			X int `json:"x"`
			Y int `json:"y"`
		} `json:"position"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse wlr-randr output: %w", err)
	}

	var outputs []Output
	for _, r := range raw {
		if !r.Enabled {
			continue
		}
		width, height := r.Width, r.Height
		for _, m := range r.Modes {
			if m.Current {
				width, height = m.Width, m.Height
				break
			}
		}
		if width <= 0 || height <= 0 {
			logger.Warnf("Skipping output %s with invalid dimensions: %dx%d", r.Name, width, height)
			continue
		}
		scale := r.Scale
		if scale == 0 {
			scale = 1.0
		}
		outputs = append(outputs, Output{
			Name:    r.Name,
			X:       r.Position.X,
			Y:       r.Position.Y,
			Width:   width,
			Height:  height,
			Scale:   scale,
			Primary: r.Primary,
		})
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("no active outputs found")
	}
	markPrimary(outputs)
	return outputs, nil
}

func markPrimary(outputs []Output) {
	for _, o := range outputs {
		if o.Primary {
			return
		}
	}
	for i := range outputs {
		if outputs[i].X == 0 && outputs[i].Y == 0 {
			outputs[i].Primary = true
			return
		}
	}
	outputs[0].Primary = true
}
