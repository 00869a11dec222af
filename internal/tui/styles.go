package tui

import "charm.land/lipgloss/v2"

// Semantic color palette — grayscale "suit and tie" with a single accent.
var (
	// Accent — used sparingly: cursor, spinner, active indicators.
	ColorHighlight = lipgloss.Color("#00E5CC")

	// Backgrounds
	ColorBg = lipgloss.Color("#000000") // Pure black — consistent everywhere

	// Foregrounds (grayscale ramp, light to dark)
	ColorFg     = lipgloss.Color("#c8c8c8") // Primary text
	ColorMuted  = lipgloss.Color("#6e6e6e") // Secondary / reasoning
	ColorDim    = lipgloss.Color("#3f3f3f") // Tertiary / timestamps
	ColorBorder = lipgloss.Color("#1c1c1c") // Borders and dividers

	// Semantic aliases
	ColorError   = lipgloss.Color("#932e2e")
	ColorSuccess = lipgloss.Color("#2e934d")
	ColorWarn    = lipgloss.Color("#93762e")
)

// Styles holds all pre-built lipgloss styles used across the TUI.
// Constructed once, stored in Model, avoids repeated allocations.
type Styles struct {
	// Text
	Text      lipgloss.Style // Primary text
	Muted     lipgloss.Style // Reasoning, secondary
	Dim       lipgloss.Style // Timestamps, placeholders
	Error     lipgloss.Style // Errors
	Success   lipgloss.Style // Completion notices
	Info      lipgloss.Style // One-line notices
	ToolCall  lipgloss.Style // Tool call lines
	UserText  lipgloss.Style // Echoed user input

	// Layout
	Border lipgloss.Style // Divider, separator lines
	BgFill lipgloss.Style // Pure black background fill for empty areas

	// Status bar
	StatusText lipgloss.Style

	// Approval modal
	ModalBorder lipgloss.Style
	ModalTitle  lipgloss.Style
	ModalKeys   lipgloss.Style
}

// DefaultStyles builds the complete style set.
func DefaultStyles() Styles {
	bg := lipgloss.NewStyle().Background(ColorBg)
	return Styles{
		Text:     bg.Foreground(ColorFg),
		Muted:    bg.Foreground(ColorMuted),
		Dim:      bg.Foreground(ColorDim),
		Error:    bg.Foreground(ColorError),
		Success:  bg.Foreground(ColorSuccess),
		Info:     bg.Foreground(ColorWarn),
		ToolCall: bg.Foreground(ColorDim),
		UserText: bg.Foreground(ColorHighlight),

		Border: bg.Foreground(ColorBorder),
		BgFill: bg,

		StatusText: bg.Foreground(ColorDim),

		ModalBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorHighlight).
			Background(ColorBg).
			Padding(1, 2),
		ModalTitle: bg.Foreground(ColorFg).Bold(true),
		ModalKeys:  bg.Foreground(ColorMuted),
	}
}
