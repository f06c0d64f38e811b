package main

// ---------------------------------------------------------------------------
// output.go: format flag, table rendering, JSON passthrough
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// jsonOutput reports whether --format json was requested.
func jsonOutput() bool {
	return strings.EqualFold(strings.TrimSpace(opts.format), "json")
}

// printJSON pretty-prints a raw API response.
func printJSON(w io.Writer, raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, buf.String())
}

// ---------------------------------------------------------------------------
// Table renderer: auto-sized columns with box-drawing borders
// ---------------------------------------------------------------------------

type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row. Values are matched positionally to headers.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
		}
	}
	t.rows = append(t.rows, row)
}

func (t *Table) line(left, mid, right string, widths []int) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat("─", w+2))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	return b.String()
}

func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			pad := widths[i] - utf8.RuneCountInString(cell)
			fmt.Fprintf(t.w, " %s%s │", cell, strings.Repeat(" ", pad))
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, t.line("┌", "┬", "┐", widths))
	printRow(t.headers)
	fmt.Fprintln(t.w, t.line("├", "┼", "┤", widths))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, t.line("└", "┴", "┘", widths))
}

// stageColor highlights terminal stages.
func stageColor(stage string) string {
	switch stage {
	case "close":
		return green(stage)
	case "failed":
		return red(stage)
	case "manual_review":
		return yellow(stage)
	}
	return stage
}

// writeJSONValue prints a locally produced value in the --format json shape.
func writeJSONValue(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
