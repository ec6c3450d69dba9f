// Package ui provides the styling and terminal views of the westeros tools
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette - consistent across the application
var (
	ColorPrimary   = lipgloss.Color("39")  // Bright blue
	ColorSecondary = lipgloss.Color("205") // Pink/magenta
	ColorSuccess   = lipgloss.Color("82")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
	ColorInfo      = lipgloss.Color("86")  // Cyan

	ColorText   = lipgloss.Color("252") // Light gray
	ColorSubtle = lipgloss.Color("241") // Medium gray
	ColorMuted  = lipgloss.Color("238") // Dark gray
)

var (
	TextStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Background(ColorMuted).
			Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	InfoStyle = lipgloss.NewStyle().
			Foreground(ColorInfo)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary)

	ControlKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	SelectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)
)

var (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "!"
	IconVisible = "●"
	IconHidden  = "○"
	IconFocus   = "◀"
)

// FormatControl renders a key binding hint.
func FormatControl(key, desc string) string {
	return ControlKeyStyle.Render(key) + " " + SubtleStyle.Render(desc)
}

// FormatVisible renders the visibility marker of a surface.
func FormatVisible(visible bool) string {
	if visible {
		return SuccessStyle.Render(IconVisible)
	}
	return MutedStyle.Render(IconHidden)
}

// FormatResult renders one harness result line.
func FormatResult(r Result) string {
	icon, style := SuccessStyle.Render(IconSuccess), SuccessStyle
	switch {
	case r.Skipped:
		icon, style = WarningStyle.Render(IconWarning), WarningStyle
	case !r.Pass:
		icon, style = ErrorStyle.Render(IconError), ErrorStyle
	}
	line := icon + " " + TextStyle.Render(r.Name)
	if r.Detail != "" {
		line += " - " + style.Render(r.Detail)
	}
	return line
}

// FormatAppHeader renders the title bar of a command.
func FormatAppHeader(title, subtitle string) string {
	header := TitleStyle.Render("westeros " + title)
	if subtitle != "" {
		header += " " + SubtleStyle.Render(subtitle)
	}
	return header
}

// FormatError renders an error message.
func FormatError(err error) string {
	return ErrorStyle.Render(IconError + " " + err.Error())
}

// FormatOpacity renders an alpha value as a percentage.
func FormatOpacity(opacity float32) string {
	return fmt.Sprintf("%3.0f%%", opacity*100)
}

// CreateSeparator creates a horizontal line separator
func CreateSeparator(width int, char string) string {
	if width <= 0 {
		width = 50
	}
	if char == "" {
		char = "─"
	}
	return lipgloss.NewStyle().
		Foreground(ColorSubtle).
		Render(strings.Repeat(char, width))
}
