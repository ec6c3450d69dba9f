package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnema/westeros/internal/ipc"
	"github.com/bnema/westeros/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	monitorDisplay  string
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch and control the surfaces of a running compositor",
	Long: `Open a terminal view of the surfaces of a running compositor. Surfaces can
be hidden, faded and focused from the keyboard.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		display, err := displayName(monitorDisplay)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		model := ui.NewMonitorModel(display, ipc.NewClient(display), monitorInterval)
		return ui.Run(ctx, model, tea.WithAltScreen())
	},
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorDisplay, "display", "d", "", "Compositor display name")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 500*time.Millisecond, "Refresh interval")
}
