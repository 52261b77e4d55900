package output

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	recordingDotStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Bold(true)

	idleDotStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	partialTextStyle = lipgloss.NewStyle().
				Foreground(colorYellow)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	keyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)
)
