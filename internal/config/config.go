// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Compositor CompositorConfig `mapstructure:"compositor"`
	Input      InputConfig      `mapstructure:"input"`
	Video      VideoConfig      `mapstructure:"video"`
	Harness    HarnessConfig    `mapstructure:"harness"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CompositorConfig contains the settings applied to a compositor instance
// before it is started
type CompositorConfig struct {
	DisplayName       string   `mapstructure:"display_name"` // Empty means westeros-<pid>-<n>
	RendererModule    string   `mapstructure:"renderer_module"`
	Embedded          bool     `mapstructure:"embedded"`
	Nested            bool     `mapstructure:"nested"`
	Repeater          bool     `mapstructure:"repeater"`
	NestedDisplayName string   `mapstructure:"nested_display_name"` // Falls back to WAYLAND_DISPLAY
	OutputWidth       int      `mapstructure:"output_width"`
	OutputHeight      int      `mapstructure:"output_height"`
	FrameRate         int      `mapstructure:"frame_rate"`
	Modules           []string `mapstructure:"modules"`
}

// InputConfig contains input device and key repeat settings
type InputConfig struct {
	KeyboardDevice string `mapstructure:"keyboard_device"` // evdev path, empty disables
	PointerDevice  string `mapstructure:"pointer_device"`
	RepeatDelayMS  int    `mapstructure:"repeat_delay_ms"`
	RepeatPeriodMS int    `mapstructure:"repeat_period_ms"`
}

// VideoConfig contains decoder hand-off settings
type VideoConfig struct {
	BufferBase  int    `mapstructure:"buffer_base"`
	BufferCount int    `mapstructure:"buffer_count"`
	VPCBridge   string `mapstructure:"vpc_bridge"`  // Overridden by WESTEROS_VPC_BRIDGE
	FastRender  string `mapstructure:"fast_render"` // Overridden by WESTEROS_FAST_RENDER
}

// HarnessConfig contains emulation harness settings
type HarnessConfig struct {
	WatchdogSeconds int `mapstructure:"watchdog_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Compositor: CompositorConfig{
			DisplayName:    "",
			RendererModule: "libwesteros_render_gl.so.0.0.0",
			OutputWidth:    1280,
			OutputHeight:   720,
			FrameRate:      60,
			Modules:        []string{},
		},
		Input: InputConfig{
			RepeatDelayMS:  500,
			RepeatPeriodMS: 200,
		},
		Video: VideoConfig{
			BufferBase:  1500,
			BufferCount: 3,
		},
		Harness: HarnessConfig{
			WatchdogSeconds: 30,
		},
		Logging: LoggingConfig{
			LogLevel: "", // Empty means use LOG_LEVEL env var
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("westeros")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/westeros")
		if home := os.Getenv("HOME"); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".config", "westeros"))
		}
		viper.AddConfigPath(".")
	}

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("compositor.display_name", DefaultConfig.Compositor.DisplayName)
	viper.SetDefault("compositor.renderer_module", DefaultConfig.Compositor.RendererModule)
	viper.SetDefault("compositor.embedded", DefaultConfig.Compositor.Embedded)
	viper.SetDefault("compositor.nested", DefaultConfig.Compositor.Nested)
	viper.SetDefault("compositor.repeater", DefaultConfig.Compositor.Repeater)
	viper.SetDefault("compositor.nested_display_name", DefaultConfig.Compositor.NestedDisplayName)
	viper.SetDefault("compositor.output_width", DefaultConfig.Compositor.OutputWidth)
	viper.SetDefault("compositor.output_height", DefaultConfig.Compositor.OutputHeight)
	viper.SetDefault("compositor.frame_rate", DefaultConfig.Compositor.FrameRate)
	viper.SetDefault("compositor.modules", DefaultConfig.Compositor.Modules)

	viper.SetDefault("input.keyboard_device", DefaultConfig.Input.KeyboardDevice)
	viper.SetDefault("input.pointer_device", DefaultConfig.Input.PointerDevice)
	viper.SetDefault("input.repeat_delay_ms", DefaultConfig.Input.RepeatDelayMS)
	viper.SetDefault("input.repeat_period_ms", DefaultConfig.Input.RepeatPeriodMS)

	viper.SetDefault("video.buffer_base", DefaultConfig.Video.BufferBase)
	viper.SetDefault("video.buffer_count", DefaultConfig.Video.BufferCount)
	viper.SetDefault("video.vpc_bridge", DefaultConfig.Video.VPCBridge)
	viper.SetDefault("video.fast_render", DefaultConfig.Video.FastRender)

	viper.SetDefault("harness.watchdog_seconds", DefaultConfig.Harness.WatchdogSeconds)
	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	// The environment contract of the compositor wins over the file
	viper.MustBindEnv("compositor.nested_display_name", "WAYLAND_DISPLAY")
	viper.MustBindEnv("video.vpc_bridge", "WESTEROS_VPC_BRIDGE")
	viper.MustBindEnv("video.fast_render", "WESTEROS_FAST_RENDER")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return cfg.Validate()
}

// Validate rejects values the compositor cannot start with
func (c *Config) Validate() error {
	if c.Compositor.OutputWidth <= 0 || c.Compositor.OutputHeight <= 0 {
		return fmt.Errorf("invalid output size %dx%d", c.Compositor.OutputWidth, c.Compositor.OutputHeight)
	}
	if c.Compositor.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %d", c.Compositor.FrameRate)
	}
	if c.Compositor.Repeater && !c.Compositor.Nested {
		return fmt.Errorf("repeater mode requires nested mode")
	}
	if c.Video.BufferCount <= 0 {
		return fmt.Errorf("invalid buffer count %d", c.Video.BufferCount)
	}
	if c.Input.RepeatDelayMS < 0 || c.Input.RepeatPeriodMS <= 0 {
		return fmt.Errorf("invalid key repeat %dms/%dms", c.Input.RepeatDelayMS, c.Input.RepeatPeriodMS)
	}
	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Save saves the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		if os.IsPermission(err) && strings.Contains(configPath, "/etc/") {
			return fmt.Errorf("failed to create config directory %s: permission denied. Try running with sudo", dir)
		}
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	if os.Getuid() == 0 {
		return "/etc/westeros/westeros.toml"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/westeros/westeros.toml"
	}

	return filepath.Join(home, ".config", "westeros", "westeros.toml")
}

// UpdateInput updates the input configuration and persists it
func UpdateInput(inputCfg InputConfig) error {
	viper.Set("input", inputCfg)
	Get().Input = inputCfg
	return Save()
}
