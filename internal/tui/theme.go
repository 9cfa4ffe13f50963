package tui

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// goral teal theme
var (
	Teal      = lipgloss.Color("#2EC4B6")
	DeepTeal  = lipgloss.Color("#1B8A80")
	LightTeal = lipgloss.Color("#CBF3F0")
	Amber     = lipgloss.Color("#FFBF69")

	White     = lipgloss.Color("#FFFFFF")
	LightGray = lipgloss.Color("#B0B0B0")
	DarkGray  = lipgloss.Color("#404040")

	Success = lipgloss.Color("#00FF88")
	Warning = lipgloss.Color("#FFD700")
	Error   = lipgloss.Color("#FF6B6B")

	TitleStyle = lipgloss.NewStyle().
			Foreground(White).
			Background(DeepTeal).
			Bold(true).
			Padding(0, 2)

	LabelStyle = lipgloss.NewStyle().
			Foreground(LightTeal)

	ValueStyle = lipgloss.NewStyle().
			Foreground(White).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	HighlightStyle = lipgloss.NewStyle().
			Foreground(Amber).
			Bold(true)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(Teal)

	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Teal).
			Padding(0, 1)

	ProgressBarStyle = lipgloss.NewStyle().
				Foreground(Teal)

	ProgressEmptyStyle = lipgloss.NewStyle().
				Foreground(DarkGray)
)

const (
	CheckMark = "✓"
	CrossMark = "✗"
	Arrow     = "→"
)

// MiniLogo returns the one-line logo.
func MiniLogo() string {
	return HighlightStyle.Render("◆ goral")
}

// Divider returns a horizontal divider.
func Divider(width int) string {
	return DimStyle.Render(strings.Repeat("─", width))
}

// ProgressBar renders a progress bar.
func ProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 1 {
		percent = 1
	}
	filled := int(float64(width) * percent)
	return ProgressBarStyle.Render(strings.Repeat("=", filled)) +
		ProgressEmptyStyle.Render(strings.Repeat("-", width-filled))
}

// StatusLine renders a status code with its reason phrase, colored by
// class.
func StatusLine(code int) string {
	text := fmt.Sprintf("%d %s", code, http.StatusText(code))
	switch {
	case code == 0:
		return DimStyle.Render("no status")
	case code < 300:
		return SuccessStyle.Render(text)
	case code < 400:
		return WarningStyle.Render(text)
	default:
		return ErrorStyle.Render(text)
	}
}

// Field renders a label/value pair.
func Field(label, value string) string {
	return LabelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + ValueStyle.Render(value)
}

// Latency rounds d for display.
func Latency(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(time.Microsecond).String()
	}
}
