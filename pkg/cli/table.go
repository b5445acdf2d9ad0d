package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme of rendered tables.
type Theme struct {
	Primary lipgloss.Color // borders and headers
	Dim     lipgloss.Color
	Good    lipgloss.Color
	Bad     lipgloss.Color
	Warn    lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Good:    lipgloss.Color("#3fb950"),
	Bad:     lipgloss.Color("#f85149"),
	Warn:    lipgloss.Color("#d29922"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Border lipgloss.Style
	Dim    lipgloss.Style
	Good   lipgloss.Style
	Bad    lipgloss.Style
	Warn   lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
		Good:   lipgloss.NewStyle().Foreground(t.Good),
		Bad:    lipgloss.NewStyle().Foreground(t.Bad),
		Warn:   lipgloss.NewStyle().Foreground(t.Warn),
	}
}

// PlainStyles renders without any color or emphasis.
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{Title: s, Header: s, Border: s, Dim: s, Good: s, Bad: s, Warn: s}
}

// Status picks the style of a stage status word.
func (s Styles) Status(status string) lipgloss.Style {
	switch status {
	case "done":
		return s.Good
	case "failed":
		return s.Bad
	case "interrupted", "running":
		return s.Warn
	}
	return s.Dim
}

// Cell is a table cell with an optional style.
type Cell struct {
	Text  string
	Style *lipgloss.Style
}

// Table renders rows inside a rounded box with a header line.
type Table struct {
	Styles   Styles
	Title    string
	Headers  []string
	Rows     [][]Cell
	MaxWidth int // per column, 0 means unlimited
}

// Render renders the table to a string.
func (t Table) Render() string {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(row[i].Text))
		}
	}
	if t.MaxWidth > 0 {
		for i := range widths {
			widths[i] = min(widths[i], t.MaxWidth)
		}
	}

	bc := t.Styles.Border
	inner := len(widths) - 1
	for _, w := range widths {
		inner += w + 2
	}
	inner = max(inner, lipgloss.Width(t.Title)+2)

	var lines []string
	if t.Title != "" {
		title := t.Styles.Title.Render(t.Title)
		pad := max(0, inner-1-lipgloss.Width(title))
		lines = append(lines, bc.Render("╭─")+title+bc.Render(strings.Repeat("─", pad)+"╮"))
	} else {
		lines = append(lines, bc.Render("╭"+strings.Repeat("─", inner)+"╮"))
	}

	header := make([]Cell, len(t.Headers))
	for i, h := range t.Headers {
		header[i] = Cell{Text: h, Style: &t.Styles.Header}
	}
	lines = append(lines, t.line(header, widths, inner))
	lines = append(lines, bc.Render("├"+strings.Repeat("─", inner)+"┤"))
	for _, row := range t.Rows {
		lines = append(lines, t.line(row, widths, inner))
	}
	lines = append(lines, bc.Render("╰"+strings.Repeat("─", inner)+"╯"))
	return strings.Join(lines, "\n")
}

func (t Table) line(row []Cell, widths []int, inner int) string {
	bc := t.Styles.Border
	var b strings.Builder
	b.WriteString(bc.Render("│"))
	used := 0
	for i, w := range widths {
		text := ""
		var style *lipgloss.Style
		if i < len(row) {
			text, style = row[i].Text, row[i].Style
		}
		if lipgloss.Width(text) > w {
			text = truncateString(text, w-1) + "…"
		}
		pad := strings.Repeat(" ", max(0, w-lipgloss.Width(text)))
		if style != nil {
			text = style.Render(text)
		}
		b.WriteString(" " + text + pad + " ")
		used += w + 2
		if i < len(widths)-1 {
			b.WriteString(" ")
			used++
		}
	}
	b.WriteString(strings.Repeat(" ", max(0, inner-used)))
	b.WriteString(bc.Render("│"))
	return b.String()
}

// truncateString safely truncates a string to the given width,
// handling multi-byte characters correctly.
func truncateString(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	currentWidth := 0
	for i, r := range runes {
		w := lipgloss.Width(string(r))
		if currentWidth+w > width {
			return string(runes[:i])
		}
		currentWidth += w
	}
	return s
}
