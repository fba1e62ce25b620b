// Package ui provides terminal styling for tca CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import "github.com/charmbracelet/lipgloss"

// Ayu theme color palette
// Dark: https://terminalcolors.com/themes/ayu/dark/
// Light: https://terminalcolors.com/themes/ayu/light/
var (
	ColorOK = lipgloss.AdaptiveColor{
		Light: "#86b300", // ayu light bright green
		Dark:  "#c2d94c", // ayu dark bright green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49", // ayu light bright yellow
		Dark:  "#ffb454", // ayu dark bright yellow
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171", // ayu light bright red
		Dark:  "#f07178", // ayu dark bright red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99", // ayu light muted
		Dark:  "#6c7680", // ayu dark muted
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6", // ayu light bright blue
		Dark:  "#59c2ff", // ayu dark bright blue
	}
)

var (
	OKStyle     = lipgloss.NewStyle().Foreground(ColorOK)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
)

// Status icons used by doctor and notification listings.
const (
	IconOK   = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

// Severity returns the style for a notification severity. Unknown values
// render muted rather than loud.
func Severity(name string) lipgloss.Style {
	switch name {
	case "high":
		return FailStyle
	case "medium":
		return WarnStyle
	case "low":
		return AccentStyle
	default:
		return MutedStyle
	}
}

// RenderOK renders text with ok (green) styling.
func RenderOK(s string) string {
	return OKStyle.Render(s)
}

// RenderWarn renders text with warning (yellow) styling.
func RenderWarn(s string) string {
	return WarnStyle.Render(s)
}

// RenderFail renders text with fail (red) styling.
func RenderFail(s string) string {
	return FailStyle.Render(s)
}

// RenderMuted renders text with muted (gray) styling.
func RenderMuted(s string) string {
	return MutedStyle.Render(s)
}
