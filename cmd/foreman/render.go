package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/persistence"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// printer renders command output. The renderer detects whether w is a
// terminal, so piped output carries no escape codes.
type printer struct {
	w io.Writer
	r *lipgloss.Renderer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, r: lipgloss.NewRenderer(w)}
}

var statusColors = map[persistence.Status]lipgloss.Color{
	persistence.StatusPending:    lipgloss.Color("214"),
	persistence.StatusInProgress: lipgloss.Color("39"),
	persistence.StatusCompleted:  lipgloss.Color("42"),
	persistence.StatusFailed:     lipgloss.Color("196"),
	persistence.StatusWaiting:    lipgloss.Color("170"),
}

func (p *printer) title(s string) {
	fmt.Fprintln(p.w, p.r.NewStyle().Bold(true).Render(s))
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) dim(s string) string {
	return p.r.NewStyle().Foreground(lipgloss.Color("240")).Render(s)
}

func (p *printer) status(st persistence.Status) string {
	c, ok := statusColors[st]
	if !ok {
		return string(st)
	}
	return p.r.NewStyle().Foreground(c).Render(string(st))
}

// table prints rows under headers. Cells in statusCol are colored by
// action status; -1 disables that.
func (p *printer) table(headers []string, rows [][]string, statusCol int) {
	header := p.r.NewStyle().Bold(true).Padding(0, 1)
	cell := p.r.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.r.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				if c, ok := statusColors[persistence.Status(rows[row][col])]; ok {
					return cell.Foreground(c)
				}
			}
			return cell
		})
	fmt.Fprintln(p.w, t.String())
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// age renders how long ago t was, coarsened to a readable unit.
func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "in " + (-d).Round(time.Second).String()
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Hour).String()
	}
}

// clip shortens s to n runes for table cells.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
