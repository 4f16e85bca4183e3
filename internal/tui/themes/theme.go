// Package themes holds the color themes of the review TUI.
package themes

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual style for the TUI.
type Theme struct {
	Title         lipgloss.Style
	Subtitle      lipgloss.Style
	Normal        lipgloss.Style
	Bold          lipgloss.Style
	Code          lipgloss.Style
	Selected      lipgloss.Style
	RoundedBox    lipgloss.Style
	StatusSuccess lipgloss.Style
	StatusWarning lipgloss.Style
	StatusError   lipgloss.Style
	StatusInfo    lipgloss.Style
	StatusPending lipgloss.Style
	Primary       lipgloss.Color
	Muted         lipgloss.Color
	Border        lipgloss.Color
}

func build(primary, foreground, subtle, border, codeBg, success, warning, errColor, info, muted lipgloss.Color) Theme {
	return Theme{
		Primary: primary,
		Muted:   muted,
		Border:  border,

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(foreground).
			MarginBottom(1),
		Subtitle: lipgloss.NewStyle().
			Foreground(subtle),
		Normal: lipgloss.NewStyle().
			Foreground(foreground),
		Bold: lipgloss.NewStyle().
			Bold(true).
			Foreground(foreground),
		Code: lipgloss.NewStyle().
			Background(codeBg).
			Foreground(foreground).
			Padding(0, 1),
		Selected: lipgloss.NewStyle().
			Background(primary).
			Foreground(lipgloss.Color("#fafafa")).
			Bold(true),
		RoundedBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Padding(0, 1),

		StatusSuccess: lipgloss.NewStyle().Foreground(success).Bold(true),
		StatusWarning: lipgloss.NewStyle().Foreground(warning).Bold(true),
		StatusError:   lipgloss.NewStyle().Foreground(errColor).Bold(true),
		StatusInfo:    lipgloss.NewStyle().Foreground(info).Bold(true),
		StatusPending: lipgloss.NewStyle().Foreground(muted).Italic(true),
	}
}

// Default is the default theme.
var Default = build(
	lipgloss.Color("#2563eb"), lipgloss.Color("#fafafa"), lipgloss.Color("#a3a3a3"),
	lipgloss.Color("#404040"), lipgloss.Color("#262626"),
	lipgloss.Color("#10b981"), lipgloss.Color("#f59e0b"), lipgloss.Color("#ef4444"),
	lipgloss.Color("#3b82f6"), lipgloss.Color("#737373"),
)

// CatppuccinMocha is the Catppuccin Mocha theme.
var CatppuccinMocha = build(
	lipgloss.Color("#89b4fa"), lipgloss.Color("#cdd6f4"), lipgloss.Color("#a6adc8"),
	lipgloss.Color("#45475a"), lipgloss.Color("#313244"),
	lipgloss.Color("#a6e3a1"), lipgloss.Color("#f9e2af"), lipgloss.Color("#f38ba8"),
	lipgloss.Color("#89dceb"), lipgloss.Color("#6c7086"),
)

// GetTheme returns a theme by name.
func GetTheme(name string) Theme {
	switch name {
	case "catppuccin-mocha":
		return CatppuccinMocha
	default:
		return Default
	}
}
