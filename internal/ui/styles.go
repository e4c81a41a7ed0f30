package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	brand   = lipgloss.Color("#1F6FEB")
	success = lipgloss.Color("#2DA44E")
	caution = lipgloss.Color("#D29922")
	failure = lipgloss.Color("#CF222E")
	muted   = lipgloss.Color("244")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(brand)
	subtleStyle  = lipgloss.NewStyle().Foreground(muted)
	okStyle      = lipgloss.NewStyle().Foreground(success)
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(caution)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(failure)
	keyStyle     = lipgloss.NewStyle().Foreground(brand)
	dividerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	stageStyle   = lipgloss.NewStyle().PaddingLeft(1)
	runningStyle = stageStyle.Bold(true).Foreground(brand)
	noteStyle    = subtleStyle.Italic(true)

	summaryBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(brand).
			MarginTop(1)
)

var runSymbols = map[runState]string{
	runPending: subtleStyle.Render("·"),
	runDone:    okStyle.Render("✓"),
	runFailed:  errorStyle.Render("✗"),
	runSkipped: subtleStyle.Render("–"),
}

// keyHints renders "key description" pairs on one line.
func keyHints(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, keyStyle.Render(pairs[i])+" "+subtleStyle.Render(pairs[i+1]))
	}
	return strings.Join(parts, subtleStyle.Render(" · "))
}
