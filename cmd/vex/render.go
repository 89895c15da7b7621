package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/MikeSquared-Agency/vex/internal/store"
	"github.com/MikeSquared-Agency/vex/internal/triage"
)

var (
	categoryColors = map[string]*color.Color{
		"unreachable":     color.New(color.FgRed, color.Bold),
		"overwritten":     color.New(color.FgMagenta, color.Bold),
		"simple":          color.New(color.FgYellow),
		"partial_cleanup": color.New(color.FgCyan),
		"unknown":         color.New(color.FgWhite),
	}
	statusColors = map[string]*color.Color{
		"unresolved":   color.New(color.FgRed),
		"marked_fixed": color.New(color.FgYellow),
		"verified":     color.New(color.FgGreen),
	}
	dim    = color.New(color.Faint)
	accent = color.New(color.Bold)
)

func paint(c map[string]*color.Color, s string) string {
	if p, ok := c[s]; ok {
		return p.Sprint(s)
	}
	return s
}

func shortID(v triage.View) string {
	return v.ID.String()[:8]
}

func plural(n int64, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func renderFindings(w io.Writer, views []triage.View) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "ID", "Category", "Status", "Location", "Function", "Bytes", "Blocks", "Retries"})
	var bytes, blocks int64
	for _, v := range views {
		t.AppendRow(table.Row{
			v.Position + 1, shortID(v),
			paint(categoryColors, v.Category), paint(statusColors, v.Status),
			v.Location, v.Function, v.Bytes, v.Blocks, v.RetryCount,
		})
		bytes += v.Bytes
		blocks += v.Blocks
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "total", bytes, blocks, ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, WidthMax: 40},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	t.Render()
}

func renderSessions(w io.Writer, sums []store.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Session", "Target", "Updated", "Findings", "Unresolved", "Verified"})
	for _, s := range sums {
		t.AppendRow(table.Row{
			s.ID.String(), s.Target, s.UpdatedAt.Local().Format("2006-01-02 15:04"),
			s.Findings, s.Unresolved, s.Verified,
		})
	}
	t.Render()
}

// printView renders one finding the way the interactive session shows it.
func printView(w io.Writer, v triage.View, total int) {
	fmt.Fprintf(w, "\n%s %s  %s  %s\n",
		accent.Sprintf("[%d/%d]", v.Position+1, total),
		paint(categoryColors, v.Category),
		paint(statusColors, v.Status),
		dim.Sprint(shortID(v)),
	)
	fn := v.Function
	if v.Excerpt.Function != "" {
		fn = v.Excerpt.Function
	}
	fmt.Fprintf(w, "%s in %s: %s in %s (%s)\n",
		v.Location, accent.Sprint(fn), plural(v.Bytes, "byte"), plural(v.Blocks, "block"), v.Kind)
	if v.LowConfidence {
		fmt.Fprintln(w, dim.Sprint("no user frame in the backtrace; location is a best guess"))
	}
	if v.RetryCount > 0 {
		fmt.Fprintf(w, "reopened %d time(s)\n", v.RetryCount)
	}

	for i, line := range v.Excerpt.Lines {
		n := v.Excerpt.Start + i
		if n == v.Excerpt.Line {
			fmt.Fprintf(w, "%s %4d | %s\n", color.RedString("=>"), n, line)
			continue
		}
		fmt.Fprintln(w, dim.Sprintf("   %4d | %s", n, line))
	}

	if rc := v.RootCause; rc != nil {
		fmt.Fprintf(w, "%s %s at %s: %s\n", accent.Sprint("lost:"), rc.Type, rc.Location(), rc.Code)
		for _, s := range rc.Steps {
			fmt.Fprintln(w, dim.Sprintf("   %4d  %s", s.Line, s))
		}
	}

	if v.Diagnosis != "" {
		fmt.Fprintf(w, "%s %s\n", accent.Sprint("diagnosis:"), v.Diagnosis)
		fmt.Fprintf(w, "%s %s\n", accent.Sprint("resolution:"), v.Resolution)
	}
	for _, is := range v.Issues {
		fmt.Fprintf(w, "%s %s: %s\n", color.YellowString("!"), is.Kind, is.Message)
	}
}

func printCounts(w io.Writer, c triage.Counts) {
	parts := []string{
		fmt.Sprintf("%d findings", c.Total),
		statusColors["unresolved"].Sprintf("%d unresolved", c.Unresolved),
		statusColors["marked_fixed"].Sprintf("%d marked fixed", c.MarkedFixed),
		statusColors["verified"].Sprintf("%d verified", c.Verified),
	}
	if c.Retries > 0 {
		parts = append(parts, fmt.Sprintf("%d retries", c.Retries))
	}
	fmt.Fprintln(w, strings.Join(parts, ", "))
}
