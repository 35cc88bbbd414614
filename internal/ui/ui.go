// Package ui renders terminal output for lh: status glyphs, headings and
// aligned tables. Colors are dropped when stdout is not a terminal or
// NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accent = lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"}
	pass   = lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}
	warn   = lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}
	fail   = lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}
	muted  = lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"}

	accentStyle = lipgloss.NewStyle().Foreground(accent)
	passStyle   = lipgloss.NewStyle().Foreground(pass)
	warnStyle   = lipgloss.NewStyle().Foreground(warn)
	failStyle   = lipgloss.NewStyle().Foreground(fail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(muted)
	headStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
)

func init() {
	if !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// DisableColor turns all styling into plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of stdout, or 80.
func Width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// Heading renders a section title.
func Heading(s string) string {
	return headStyle.Render(s)
}

// Table writes rows as left-aligned columns separated by two spaces. The
// header row is rendered muted.
func Table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := lipgloss.Width(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(cells []string, style func(string) string) {
		var b strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := widths[i] - lipgloss.Width(cell)
			if i < len(widths)-1 {
				cell += strings.Repeat(" ", pad+2)
			}
			b.WriteString(style(cell))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	line(header, RenderMuted)
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}

// Truncate shortens s to at most n display cells, ending with "…".
func Truncate(s string, n int) string {
	if n <= 0 || lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r))+1 > n {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}
