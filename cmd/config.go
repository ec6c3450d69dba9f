package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/bnema/westeros/internal/config"
	"github.com/bnema/westeros/internal/input"
	"github.com/bnema/westeros/internal/logger"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage westeros configuration",
	Long:  `Manage westeros configuration including compositor, input and video settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		section := func(name string) {
			fmt.Fprintf(w, "\n[%s]\n", name)
		}
		field := func(name string, value any) {
			fmt.Fprintf(w, "  %s\t%v\n", name, value)
		}
		orDefault := func(s, def string) string {
			if s == "" {
				return def
			}
			return s
		}

		fmt.Fprintf(w, "Config file: %s\n", config.GetConfigPath())

		section("Compositor")
		field("Display Name:", orDefault(cfg.Compositor.DisplayName, "(generated)"))
		field("Renderer Module:", cfg.Compositor.RendererModule)
		field("Embedded:", cfg.Compositor.Embedded)
		field("Nested:", cfg.Compositor.Nested)
		field("Repeater:", cfg.Compositor.Repeater)
		field("Nested Display:", orDefault(cfg.Compositor.NestedDisplayName, "(none)"))
		field("Output Size:", fmt.Sprintf("%dx%d", cfg.Compositor.OutputWidth, cfg.Compositor.OutputHeight))
		field("Frame Rate:", cfg.Compositor.FrameRate)
		field("Modules:", orDefault(strings.Join(cfg.Compositor.Modules, ", "), "(none)"))

		section("Input")
		field("Keyboard Device:", orDefault(cfg.Input.KeyboardDevice, "(none)"))
		field("Pointer Device:", orDefault(cfg.Input.PointerDevice, "(none)"))
		field("Key Repeat:", fmt.Sprintf("%dms delay, %dms period", cfg.Input.RepeatDelayMS, cfg.Input.RepeatPeriodMS))

		section("Video")
		field("Buffer Ids:", fmt.Sprintf("%d..%d", cfg.Video.BufferBase, cfg.Video.BufferBase+cfg.Video.BufferCount-1))
		field("VPC Bridge:", orDefault(cfg.Video.VPCBridge, "(none)"))
		field("Fast Render:", orDefault(cfg.Video.FastRender, "(none)"))

		section("Harness")
		field("Watchdog:", fmt.Sprintf("%d seconds", cfg.Harness.WatchdogSeconds))

		section("Logging")
		field("Log Level:", orDefault(cfg.Logging.LogLevel, "(LOG_LEVEL)"))

		return w.Flush()
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save current configuration to file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(); err != nil {
			return err
		}
		logger.Infof("Configuration saved to: %s", config.GetConfigPath())
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				logger.Infof("Configuration file already exists at: %s", configPath)
				logger.Info("Use --force to overwrite")
				return nil
			}
		}

		if err := config.Save(); err != nil {
			return err
		}

		logger.Infof("Configuration initialized at: %s", configPath)
		logger.Info("You can now:")
		logger.Info("  - Edit the configuration file directly")
		logger.Info("  - Use 'westeros config input' to pick input devices")
		logger.Info("  - Use 'westeros config show' to view current settings")
		return nil
	},
}

var configInputCmd = &cobra.Command{
	Use:   "input",
	Short: "Select the evdev devices routed to clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !input.IsEvdevAvailable() {
			return fmt.Errorf("no readable devices under /dev/input, check permissions")
		}

		selector := input.NewDeviceSelector()
		inputCfg := config.Get().Input

		keyboard, err := selector.Select(input.DeviceTypeKeyboard)
		if err != nil {
			return err
		}
		inputCfg.KeyboardDevice = keyboard

		skipPointer, _ := cmd.Flags().GetBool("keyboard-only")
		if !skipPointer {
			pointer, err := selector.Select(input.DeviceTypePointer)
			if err != nil {
				logger.Warnf("No pointer selected: %v", err)
			} else {
				inputCfg.PointerDevice = pointer
			}
		}

		if err := config.UpdateInput(inputCfg); err != nil {
			return err
		}
		logger.Infof("Input devices saved to: %s", config.GetConfigPath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSaveCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configInputCmd)

	configInitCmd.Flags().Bool("force", false, "Force overwrite existing configuration")
	configInputCmd.Flags().Bool("keyboard-only", false, "Do not select a pointer device")

	rootCmd.AddCommand(configCmd)
}
