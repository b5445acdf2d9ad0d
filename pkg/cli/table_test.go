package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTable_Render(t *testing.T) {
	s := PlainStyles()
	done := s.Status("done")
	tbl := Table{
		Styles:  s,
		Title:   "stages",
		Headers: []string{"stage", "status"},
		Rows: [][]Cell{
			{{Text: "0 data"}, {Text: "done", Style: &done}},
			{{Text: "3 train"}, {Text: "-"}},
		},
	}
	out := tbl.Render()
	lines := strings.Split(out, "\n")
	if len(lines) != 6 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	w := lipgloss.Width(lines[0])
	for i, l := range lines {
		if lipgloss.Width(l) != w {
			t.Errorf("line %d width %d, want %d:\n%s", i, lipgloss.Width(l), w, out)
		}
	}
	if !strings.Contains(lines[1], "stage") || !strings.Contains(lines[3], "0 data") {
		t.Errorf("unexpected table:\n%s", out)
	}
}

func TestTable_MaxWidth(t *testing.T) {
	tbl := Table{
		Styles:   PlainStyles(),
		Headers:  []string{"error"},
		Rows:     [][]Cell{{{Text: "a very long failure message"}}},
		MaxWidth: 10,
	}
	out := tbl.Render()
	if !strings.Contains(out, "…") {
		t.Errorf("long cell should be truncated:\n%s", out)
	}
}

func TestTruncateString(t *testing.T) {
	if got := truncateString("hello", 3); got != "hel" {
		t.Errorf("got %q", got)
	}
	if got := truncateString("hello", 0); got != "" {
		t.Errorf("got %q", got)
	}
	if got := truncateString("hi", 5); got != "hi" {
		t.Errorf("got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	var a, b bytes.Buffer
	l := NewLogger(false, &a, &b)
	l.Debug("hidden")
	l.Info("pipeline: shown")
	if strings.Contains(a.String(), "hidden") {
		t.Error("debug record written without verbose")
	}
	if !strings.Contains(a.String(), "shown") || a.String() != b.String() {
		t.Errorf("a=%q b=%q", a.String(), b.String())
	}
	NewLogger(true, &a).Debug("now visible")
	if !strings.Contains(a.String(), "now visible") {
		t.Error("verbose logger dropped debug record")
	}
}
