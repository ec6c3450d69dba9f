package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/bnema/westeros/internal/compositor"
	"github.com/bnema/westeros/internal/config"
	"github.com/bnema/westeros/internal/display"
	"github.com/bnema/westeros/internal/input"
	"github.com/bnema/westeros/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- client command...]",
	Short: "Run a compositor",
	Long: `Run a westeros compositor until interrupted. Each argument after -- is
launched as a client of the new display.`,
	RunE: runCompositor,
}

func init() {
	runCmd.Flags().StringP("display", "d", "", "Display name (default westeros-<pid>-<n>)")
	runCmd.Flags().String("renderer", "", "Renderer module")
	runCmd.Flags().Bool("nested", false, "Run as a client window of another compositor")
	runCmd.Flags().Bool("repeater", false, "Forward frames to the outer compositor unchanged")
	runCmd.Flags().String("nested-display", "", "Display of the outer compositor (default WAYLAND_DISPLAY)")
	runCmd.Flags().Int("width", 0, "Output width")
	runCmd.Flags().Int("height", 0, "Output height")
	runCmd.Flags().Int("framerate", 0, "Composition rate in frames per second")

	viper.BindPFlag("compositor.display_name", runCmd.Flags().Lookup("display"))
	viper.BindPFlag("compositor.renderer_module", runCmd.Flags().Lookup("renderer"))
	viper.BindPFlag("compositor.nested", runCmd.Flags().Lookup("nested"))
	viper.BindPFlag("compositor.repeater", runCmd.Flags().Lookup("repeater"))
	viper.BindPFlag("compositor.nested_display_name", runCmd.Flags().Lookup("nested-display"))
	viper.BindPFlag("compositor.output_width", runCmd.Flags().Lookup("width"))
	viper.BindPFlag("compositor.output_height", runCmd.Flags().Lookup("height"))
	viper.BindPFlag("compositor.frame_rate", runCmd.Flags().Lookup("framerate"))
}

// moduleFactories are the add-ons that can be named in compositor.modules
var moduleFactories = map[string]func(cfg *config.Config) compositor.Module{
	"evdev-input": func(cfg *config.Config) compositor.Module { return newInputModule(cfg.Input) },
}

func runCompositor(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	c := compositor.New()
	defer c.Destroy()
	if err := c.Configure(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	names := slices.Clone(cfg.Compositor.Modules)
	if (cfg.Input.KeyboardDevice != "" || cfg.Input.PointerDevice != "") && !slices.Contains(names, "evdev-input") {
		names = append(names, "evdev-input")
	}
	listeners := []display.SizeListener{c}
	for _, name := range names {
		factory, ok := moduleFactories[name]
		if !ok {
			return fmt.Errorf("unknown module %q", name)
		}
		m := factory(cfg)
		if err := c.AddModule(m); err != nil {
			return err
		}
		if l, ok := m.(display.SizeListener); ok {
			listeners = append(listeners, l)
		}
	}

	// A compositor that owns the screen follows the display size
	if !cfg.Compositor.Nested && !cfg.Compositor.Embedded {
		disp, err := display.New()
		if err != nil {
			logger.Warnf("No display backend, keeping %dx%d: %v", cfg.Compositor.OutputWidth, cfg.Compositor.OutputHeight, err)
		} else {
			defer disp.Close()
			w, h := disp.Size()
			logger.Infof("Display backend %s reports %dx%d", disp.Backend().Name(), w, h)
			if err := c.SetOutputSize(w, h); err != nil {
				return err
			}
			for _, l := range listeners {
				if err := disp.AddSizeListener(l); err != nil {
					return err
				}
				defer disp.RemoveSizeListener(l)
			}
		}
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start compositor: %w", err)
	}
	logger.Info("Compositor running", "display", c.DisplayName(), "renderer", c.RendererModule())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, command := range args {
		g.Go(func() error {
			if err := c.LaunchClient(gctx, command); err != nil {
				logger.Error("Client launch failed", "command", command, "err", err)
			}
			return nil
		})
	}
	<-ctx.Done()
	logger.Info("Shutting down", "display", c.DisplayName())

	if err := c.Stop(); err != nil && !errors.Is(err, compositor.ErrNotRunning) {
		return err
	}
	return g.Wait()
}

// inputModule feeds evdev devices into the router of the compositor
type inputModule struct {
	cfg config.InputConfig

	mu     sync.Mutex
	src    *input.Source
	cancel context.CancelFunc
	done   chan struct{}
}

func newInputModule(cfg config.InputConfig) *inputModule {
	return &inputModule{cfg: cfg}
}

func (m *inputModule) Name() string { return "evdev-input" }

func (m *inputModule) Init(c *compositor.Compositor) error {
	var paths []string
	for _, p := range []string{m.cfg.KeyboardDevice, m.cfg.PointerDevice} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("no input devices configured, run 'westeros config input'")
	}

	w, h := c.OutputSize()
	src := input.NewSource(c.Router(), w, h)
	if err := src.Open(paths...); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Input source stopped", "err", err)
		}
	}()

	m.mu.Lock()
	m.src, m.cancel, m.done = src, cancel, done
	m.mu.Unlock()
	logger.Debug("Input module started", "devices", paths)
	return nil
}

// DisplaySizeChanged keeps the pointer clamp in step with the output
func (m *inputModule) DisplaySizeChanged(width, height int) {
	m.mu.Lock()
	src := m.src
	m.mu.Unlock()
	if src != nil {
		src.SetOutputSize(width, height)
	}
}

func (m *inputModule) Term(c *compositor.Compositor) {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.src, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
