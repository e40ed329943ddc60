package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00ffff"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444466")).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888899"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00ccff")).
			Bold(true)

	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666688"))
)

func heading(s string) string {
	return titleStyle.Render(s) + "\n" + subtleStyle.Render(strings.Repeat("─", lipgloss.Width(s)))
}

// kvPanel renders label/value pairs in order inside a bordered panel.
func kvPanel(pairs ...string) string {
	width := 0
	for i := 0; i < len(pairs); i += 2 {
		width = max(width, len(pairs[i]))
	}
	lines := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		label := fmt.Sprintf("%-*s", width, pairs[i])
		lines = append(lines, labelStyle.Render(label)+"  "+valueStyle.Render(pairs[i+1]))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}
