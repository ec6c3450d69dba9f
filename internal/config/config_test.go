package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	configPathOverride = ""
	cfg = nil
	t.Cleanup(func() {
		viper.Reset()
		configPathOverride = ""
		cfg = nil
	})
}

func TestInit(t *testing.T) {
	t.Run("initializes with defaults when no config exists", func(t *testing.T) {
		resetConfig(t)
		tmp := t.TempDir()
		t.Setenv("HOME", tmp)
		t.Chdir(tmp)

		require.NoError(t, Init())
		c := Get()
		require.NotNil(t, c)
		assert.Equal(t, 1280, c.Compositor.OutputWidth)
		assert.Equal(t, "libwesteros_render_gl.so.0.0.0", c.Compositor.RendererModule)
		assert.Equal(t, 3, c.Video.BufferCount)
	})

	t.Run("reads compositor section", func(t *testing.T) {
		resetConfig(t)
		path := filepath.Join(t.TempDir(), "westeros.toml")
		content := `[compositor]
display_name = "westeros-test"
renderer_module = "libwesteros_render_embedded.so.0.0.0"
embedded = true
output_width = 480
output_height = 270

[video]
buffer_base = 1500
buffer_count = 3
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		SetConfigPath(path)

		require.NoError(t, Init())
		c := Get()
		assert.Equal(t, "westeros-test", c.Compositor.DisplayName)
		assert.True(t, c.Compositor.Embedded)
		assert.Equal(t, 480, c.Compositor.OutputWidth)
		assert.Equal(t, 270, c.Compositor.OutputHeight)
		assert.Equal(t, 60, c.Compositor.FrameRate, "unset keys keep defaults")
		assert.Equal(t, 500, c.Input.RepeatDelayMS)
		assert.Equal(t, 30, c.Harness.WatchdogSeconds)
	})

	t.Run("handles invalid TOML", func(t *testing.T) {
		resetConfig(t)
		path := filepath.Join(t.TempDir(), "westeros.toml")
		require.NoError(t, os.WriteFile(path, []byte("[compositor\nembedded = true"), 0644))
		SetConfigPath(path)

		assert.Error(t, Init())
	})

	t.Run("environment overrides bridge name", func(t *testing.T) {
		resetConfig(t)
		path := filepath.Join(t.TempDir(), "westeros.toml")
		require.NoError(t, os.WriteFile(path, []byte("[video]\nvpc_bridge = \"from-file\"\n"), 0644))
		SetConfigPath(path)
		t.Setenv("WESTEROS_VPC_BRIDGE", "westeros-outer")

		require.NoError(t, Init())
		assert.Equal(t, "westeros-outer", Get().Video.VPCBridge)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "zero width", mutate: func(c *Config) { c.Compositor.OutputWidth = 0 }, wantErr: true},
		{name: "negative height", mutate: func(c *Config) { c.Compositor.OutputHeight = -1 }, wantErr: true},
		{name: "zero frame rate", mutate: func(c *Config) { c.Compositor.FrameRate = 0 }, wantErr: true},
		{name: "repeater without nested", mutate: func(c *Config) { c.Compositor.Repeater = true }, wantErr: true},
		{name: "repeater with nested", mutate: func(c *Config) {
			c.Compositor.Repeater = true
			c.Compositor.Nested = true
		}},
		{name: "no buffers", mutate: func(c *Config) { c.Video.BufferCount = 0 }, wantErr: true},
		{name: "zero repeat period", mutate: func(c *Config) { c.Input.RepeatPeriodMS = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigPathResolution(t *testing.T) {
	resetConfig(t)

	t.Run("override wins", func(t *testing.T) {
		SetConfigPath("/tmp/custom.toml")
		defer SetConfigPath("")
		assert.Equal(t, "/tmp/custom.toml", GetConfigPath())
	})

	t.Run("user config for non-root", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("running as root")
		}
		t.Setenv("HOME", "/home/testuser")
		assert.Equal(t, "/home/testuser/.config/westeros/westeros.toml", GetConfigPath())
	})
}

func TestSave(t *testing.T) {
	resetConfig(t)
	path := filepath.Join(t.TempDir(), "sub", "westeros.toml")
	SetConfigPath(path)

	viper.Set("compositor.display_name", "saved")
	require.NoError(t, Save())

	_, err := os.Stat(path)
	require.NoError(t, err)
}
