package db

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// maxCellWidth truncates wide cells so one long value cannot blow up the
// whole table.
const maxCellWidth = 48

// SimpleTable provides basic table formatting without external dependencies
type SimpleTable struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	numeric []bool
}

// NewTable creates a new table writer
func NewTable(w io.Writer) *SimpleTable {
	return &SimpleTable{
		writer: w,
		rows:   make([][]string, 0),
	}
}

// Header sets the table headers
func (t *SimpleTable) Header(headers []string) {
	t.headers = headers
}

// Row adds a single row
func (t *SimpleTable) Row(row []string) {
	t.rows = append(t.rows, row)
}

// AlignRight marks columns whose cells are right aligned.
func (t *SimpleTable) AlignRight(numeric []bool) {
	t.numeric = numeric
}

// Render outputs the formatted table
func (t *SimpleTable) Render() {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return
	}

	widths := t.calculateWidths()
	separator := t.buildSeparator(widths)

	fmt.Fprintln(t.writer, separator)

	if len(t.headers) > 0 {
		fmt.Fprintln(t.writer, t.formatRow(t.headers, widths, false))
		fmt.Fprintln(t.writer, separator)
	}

	for _, row := range t.rows {
		fmt.Fprintln(t.writer, t.formatRow(row, widths, true))
	}

	fmt.Fprintln(t.writer, separator)
}

func (t *SimpleTable) calculateWidths() []int {
	numCols := len(t.headers)
	for _, row := range t.rows {
		if len(row) > numCols {
			numCols = len(row)
		}
	}

	widths := make([]int, numCols)
	measure := func(row []string) {
		for i, cell := range row {
			if n := cellWidth(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}

	// Minimum width of 1
	for i := range widths {
		if widths[i] < 1 {
			widths[i] = 1
		}
	}

	return widths
}

func (t *SimpleTable) buildSeparator(widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w+2)
	}
	return "+" + strings.Join(parts, "+") + "+"
}

func (t *SimpleTable) formatRow(row []string, widths []int, body bool) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(row) {
			cell = truncateCell(row[i])
		}
		pad := strings.Repeat(" ", w-utf8.RuneCountInString(cell))
		if body && i < len(t.numeric) && t.numeric[i] {
			parts[i] = " " + pad + cell + " "
		} else {
			parts[i] = " " + cell + pad + " "
		}
	}
	return "|" + strings.Join(parts, "|") + "|"
}

func cellWidth(cell string) int {
	n := utf8.RuneCountInString(cell)
	if n > maxCellWidth {
		return maxCellWidth
	}
	return n
}

func truncateCell(cell string) string {
	if utf8.RuneCountInString(cell) <= maxCellWidth {
		return cell
	}
	runes := []rune(cell)
	return string(runes[:maxCellWidth-3]) + "..."
}
