package ui

import (
	"fmt"
	"time"

	"github.com/bnema/westeros/internal/surface"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

func cellStyle(header bool) lipgloss.Style {
	if header {
		return lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true).
			Padding(0, 1)
	}
	return lipgloss.NewStyle().
		Foreground(ColorText).
		Padding(0, 1)
}

// SurfaceTable renders surfaces in draw order. The row of selected (an
// index into surfaces, -1 for none) is highlighted and the surface holding
// keyboard focus is marked.
func SurfaceTable(surfaces []surface.Status, selected int, focus uint32) string {
	rows := make([][]string, 0, len(surfaces))
	for _, s := range surfaces {
		marker := ""
		if s.ID == focus && focus != 0 {
			marker = IconFocus
		}
		name := s.Name
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", s.ID),
			name,
			FormatVisible(s.Visible),
			s.Rect.String(),
			FormatOpacity(s.Opacity),
			fmt.Sprintf("%.2f", s.ZOrder),
			marker,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSubtle)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return cellStyle(true)
			case row == selected:
				return SelectedStyle.Padding(0, 1)
			case col == 0:
				return lipgloss.NewStyle().Foreground(ColorInfo).Padding(0, 1)
			default:
				return cellStyle(false)
			}
		}).
		Headers("ID", "NAME", "VIS", "GEOMETRY", "ALPHA", "Z", "FOCUS").
		Rows(rows...)
	return t.String()
}

// Result is the outcome of one harness scenario.
type Result struct {
	Name     string
	Pass     bool
	Skipped  bool
	Duration time.Duration
	Detail   string
}

// ResultTable renders a harness summary.
func ResultTable(results []Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := SuccessStyle.Render("PASS")
		switch {
		case r.Skipped:
			status = WarningStyle.Render("SKIP")
		case !r.Pass:
			status = ErrorStyle.Render("FAIL")
		}
		rows = append(rows, []string{r.Name, status, r.Duration.Round(time.Millisecond).String(), r.Detail})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSubtle)).
		StyleFunc(func(row, col int) lipgloss.Style {
			return cellStyle(row == table.HeaderRow)
		}).
		Headers("TEST", "RESULT", "TIME", "DETAIL").
		Rows(rows...)
	return t.String()
}
