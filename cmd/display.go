package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bnema/westeros/internal/display"
	"github.com/spf13/cobra"
)

// DisplayInfo represents the display information output
type DisplayInfo struct {
	Backend string `json:"backend,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Error   string `json:"error,omitempty"`
}

var jsonOutput bool

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Show the display a compositor would drive",
	Long:  `Probe the display backends in order of preference and show the size of the first one that works.`,
	RunE:  runDisplay,
}

func init() {
	displayCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.AddCommand(displayCmd)
}

func runDisplay(cmd *cobra.Command, args []string) error {
	disp, err := display.New()
	if err != nil {
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(DisplayInfo{Error: err.Error()})
		}
		return fmt.Errorf("failed to initialize display detection: %w", err)
	}
	defer disp.Close()

	w, h := disp.Size()
	info := DisplayInfo{Backend: disp.Backend().Name(), Width: w, Height: h}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(info)
	}

	fmt.Printf("Backend:    %s\n", info.Backend)
	fmt.Printf("Resolution: %dx%d\n", info.Width, info.Height)
	return nil
}
