package cmd

import (
	"fmt"
	"os"

	"github.com/bnema/westeros/internal/config"
	"github.com/bnema/westeros/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "westeros",
		Short: "Westeros - lightweight Wayland compositor",
		Long: `Westeros is a small Wayland compositor for set-top devices. It can run
as the display server of a device, nested inside another compositor, or
embedded in an application that composes its surfaces itself.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.config/westeros/westeros.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(monitorCmd)
}

func initConfig(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	if err := config.Init(); err != nil {
		return err
	}
	switch {
	case logLevel != "":
		logger.SetLevel(logLevel)
	case config.Get().Logging.LogLevel != "":
		logger.SetLevel(config.Get().Logging.LogLevel)
	}
	return nil
}

// displayName picks the display a client command talks to
func displayName(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if name := os.Getenv("WAYLAND_DISPLAY"); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("no display given and WAYLAND_DISPLAY is not set")
}
