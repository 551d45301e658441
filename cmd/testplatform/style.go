package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cellStyle  = lipgloss.NewStyle().PaddingRight(2)
)

func status(ok bool) string {
	if ok {
		return okStyle.Render("PASS")
	}
	return failStyle.Render("FAIL")
}

// styleLogLine colours sink output by its conventional prefixes.
func styleLogLine(line string) string {
	switch {
	case strings.HasPrefix(line, "Error"), strings.Contains(line, "Script Error:"):
		return failStyle.Render(line)
	case strings.HasPrefix(line, "---"):
		return titleStyle.Render(line)
	case strings.HasPrefix(line, "ScriptEngine:"):
		return dimStyle.Render(line)
	default:
		return line
	}
}

// table renders rows as left-aligned columns sized to their widest cell.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for _, row := range append([][]string{header}, rows...) {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	render := func(row []string, style lipgloss.Style) string {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cellStyle.Width(widths[i] + 2).Render(style.Render(cell))
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, cells...)
	}

	lines := []string{render(header, titleStyle)}
	for _, row := range rows {
		lines = append(lines, render(row, lipgloss.NewStyle()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
