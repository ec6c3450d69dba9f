package cmd

import (
	"fmt"
	"strconv"

	"github.com/bnema/westeros/internal/ipc"
	"github.com/bnema/westeros/internal/surface"
	"github.com/bnema/westeros/internal/ui"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var shellDisplay string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Control the surfaces of a running compositor",
	Long: `Talk to the shell socket of a running compositor. The display defaults to
WAYLAND_DISPLAY.`,
}

var shellListCmd = &cobra.Command{
	Use:   "list",
	Short: "List surfaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, display, err := shellClient()
		if err != nil {
			return err
		}
		surfaces, err := client.List()
		if err != nil {
			return err
		}
		focus, err := client.Focused()
		if err != nil {
			return err
		}

		fmt.Println(ui.FormatAppHeader("SURFACES", display))
		fmt.Println()
		if len(surfaces) == 0 {
			fmt.Println(ui.InfoStyle.Render("No surfaces"))
			return nil
		}
		fmt.Println(ui.SurfaceTable(surfaces, -1, focus))
		return nil
	},
}

var shellStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one surface",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, _, err := shellClient()
		if err != nil {
			return err
		}
		st, err := client.Status(id)
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var shellVisibleCmd = &cobra.Command{
	Use:   "visible <id> <true|false>",
	Short: "Show or hide a surface",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		visible, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid visibility %q: %w", args[1], err)
		}
		return shellSet(func(c *ipc.Client) error { return c.SetVisible(id, visible) })
	},
}

var shellGeometryCmd = &cobra.Command{
	Use:   "geometry <id> <x> <y> <width> <height>",
	Short: "Move and resize a surface",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var v [4]int
		for i, a := range args[1:] {
			if v[i], err = strconv.Atoi(a); err != nil {
				return fmt.Errorf("invalid geometry value %q: %w", a, err)
			}
		}
		r := surface.Rect{X: v[0], Y: v[1], W: v[2], H: v[3]}
		return shellSet(func(c *ipc.Client) error { return c.SetGeometry(id, r) })
	},
}

var shellOpacityCmd = &cobra.Command{
	Use:   "opacity <id> <0..1>",
	Short: "Set surface opacity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		opacity, err := strconv.ParseFloat(args[1], 32)
		if err != nil {
			return fmt.Errorf("invalid opacity %q: %w", args[1], err)
		}
		return shellSet(func(c *ipc.Client) error { return c.SetOpacity(id, float32(opacity)) })
	},
}

var shellZOrderCmd = &cobra.Command{
	Use:   "zorder <id> <0..1>",
	Short: "Set surface stacking order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		zorder, err := strconv.ParseFloat(args[1], 32)
		if err != nil {
			return fmt.Errorf("invalid zorder %q: %w", args[1], err)
		}
		return shellSet(func(c *ipc.Client) error { return c.SetZOrder(id, float32(zorder)) })
	},
}

var shellNameCmd = &cobra.Command{
	Use:   "name <id> <name>",
	Short: "Name a surface",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return shellSet(func(c *ipc.Client) error { return c.SetName(id, args[1]) })
	},
}

var shellFocusCmd = &cobra.Command{
	Use:   "focus [id]",
	Short: "Give a surface keyboard focus, or show the focused one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := shellClient()
		if err != nil {
			return err
		}
		var focus uint32
		if len(args) == 1 {
			var id uint32
			if id, err = parseID(args[0]); err != nil {
				return err
			}
			focus, err = client.Focus(id)
		} else {
			focus, err = client.Focused()
		}
		if err != nil {
			return err
		}
		if focus == 0 {
			fmt.Println("No surface has keyboard focus")
			return nil
		}
		fmt.Printf("%s surface %d has keyboard focus\n", ui.IconFocus, focus)
		return nil
	},
}

func init() {
	shellCmd.PersistentFlags().StringVarP(&shellDisplay, "display", "d", "", "Compositor display name")

	shellCmd.AddCommand(shellListCmd)
	shellCmd.AddCommand(shellStatusCmd)
	shellCmd.AddCommand(shellVisibleCmd)
	shellCmd.AddCommand(shellGeometryCmd)
	shellCmd.AddCommand(shellOpacityCmd)
	shellCmd.AddCommand(shellZOrderCmd)
	shellCmd.AddCommand(shellNameCmd)
	shellCmd.AddCommand(shellFocusCmd)
}

func shellClient() (*ipc.Client, string, error) {
	display, err := displayName(shellDisplay)
	if err != nil {
		return nil, "", err
	}
	return ipc.NewClient(display), display, nil
}

func shellSet(fn func(c *ipc.Client) error) error {
	client, _, err := shellClient()
	if err != nil {
		return err
	}
	if err := fn(client); err != nil {
		return err
	}
	fmt.Println(ui.SuccessStyle.Render(ui.IconSuccess + " done"))
	return nil
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid surface id %q", s)
	}
	return uint32(id), nil
}

func printStatus(st surface.Status) {
	name := st.Name
	if name == "" {
		name = "-"
	}
	rows := [][2]string{
		{"Surface", strconv.FormatUint(uint64(st.ID), 10)},
		{"Name", name},
		{"Visible", ui.FormatVisible(st.Visible)},
		{"Geometry", st.Rect.String()},
		{"Opacity", ui.FormatOpacity(st.Opacity)},
		{"Z-order", strconv.FormatFloat(float64(st.ZOrder), 'f', 2, 32)},
	}
	label := ui.HeaderStyle.Width(10)
	for _, r := range rows {
		fmt.Println(lipgloss.JoinHorizontal(lipgloss.Top, label.Render(r[0]), r[1]))
	}
}
