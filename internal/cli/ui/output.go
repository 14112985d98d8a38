package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Printer writes detachctl output, colored unless NoColor is set
type Printer struct {
	w       io.Writer
	noColor bool
}

// NewPrinter creates a printer over w
func NewPrinter(w io.Writer, noColor bool) *Printer {
	return &Printer{w: w, noColor: noColor}
}

func (p *Printer) style(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if p.noColor {
		c.DisableColor()
	}
	return c
}

// Header prints a bold section title
func (p *Printer) Header(title string) {
	p.style(color.Bold, color.FgCyan).Fprintln(p.w, title)
}

// Step prints a numbered line of a walkthrough
func (p *Printer) Step(n int, format string, args ...any) {
	p.style(color.FgHiBlack).Fprintf(p.w, "%2d. ", n)
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Success prints a success line
func (p *Printer) Success(format string, args ...any) {
	p.style(color.FgGreen).Fprint(p.w, "✓ ")
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Failure prints a failure line, followed by suggestions when there are any
func (p *Printer) Failure(problem string, suggestions ...string) {
	p.style(color.FgRed, color.Bold).Fprint(p.w, "✗ ")
	fmt.Fprintln(p.w, problem)
	if len(suggestions) > 0 {
		p.style(color.FgYellow).Fprintf(p.w, "  Did you mean: %s?\n", strings.Join(suggestions, ", "))
	}
}

// KeyValues prints aligned "key: value" rows in order
func (p *Printer) KeyValues(rows [][2]string) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	cyan := p.style(color.FgCyan)
	for _, r := range rows {
		cyan.Fprint(p.w, padRight(r[0]+":", width+1))
		fmt.Fprintf(p.w, " %s\n", r[1])
	}
}

// Table prints rows under headers with a separator line. Nothing is printed
// without headers.
func (p *Printer) Table(headers []string, rows [][]string) {
	if len(headers) == 0 {
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], len(cell))
			}
		}
	}

	bold := p.style(color.Bold, color.FgCyan)
	for i, h := range headers {
		bold.Fprint(p.w, padRight(h, widths[i]))
		if i < len(headers)-1 {
			fmt.Fprint(p.w, "  ")
		}
	}
	fmt.Fprintln(p.w)

	gray := p.style(color.FgHiBlack)
	for i, w := range widths {
		gray.Fprint(p.w, strings.Repeat("─", w))
		if i < len(widths)-1 {
			fmt.Fprint(p.w, "  ")
		}
	}
	fmt.Fprintln(p.w)

	for _, row := range rows {
		for i := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if i < len(widths)-1 {
				fmt.Fprint(p.w, padRight(cell, widths[i])+"  ")
			} else {
				fmt.Fprint(p.w, cell)
			}
		}
		fmt.Fprintln(p.w)
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
