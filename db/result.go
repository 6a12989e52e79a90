package db

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nickyhof/ForkDB/core"
)

// Render writes a log entry the way the shell displays it: the result table
// for queries followed by a compact stats line.
func Render(w io.Writer, entry core.ExecutionLogEntry) {
	if !entry.OK {
		fmt.Fprintf(w, "Error: %s\n", entry.Error)
		return
	}

	switch entry.Kind {
	case core.QueryKind:
		if len(entry.Columns) > 0 && len(entry.Rows) > 0 {
			table := NewTable(w)
			table.Header(entry.Columns)
			table.AlignRight(numericColumns(entry))
			for _, row := range entry.Rows {
				table.Row(FormatRow(row))
			}
			table.Render()
		}
		fmt.Fprintf(w, "%d row%s (%s)\n", entry.RowCount, plural(entry.RowCount), formatDuration(entry.Duration))
	case core.MutationKind:
		fmt.Fprintf(w, "OK, %d row%s affected (%s)\n", entry.AffectedRows, plural(int(entry.AffectedRows)), formatDuration(entry.Duration))
	}
}

// FormatRow renders every cell of a result row.
func FormatRow(row []any) []string {
	cells := make([]string, len(row))
	for i, v := range row {
		cells[i] = FormatValue(v)
	}
	return cells
}

// FormatValue renders one result cell.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case time.Time:
		return val.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func numericColumns(entry core.ExecutionLogEntry) []bool {
	numeric := make([]bool, len(entry.Columns))
	for i := range numeric {
		numeric[i] = true
		seen := false
		for _, row := range entry.Rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			seen = true
			if _, ok := core.Numeric(row[i]); !ok {
				numeric[i] = false
				break
			}
		}
		numeric[i] = numeric[i] && seen
	}
	return numeric
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 0.001 {
		return "<1ms"
	} else if secs < 1 {
		ms := secs * 1000
		if ms < 10 {
			return fmt.Sprintf("%.1fms", ms)
		}
		return fmt.Sprintf("%dms", int(ms))
	} else if secs < 60 {
		if secs < 10 {
			return fmt.Sprintf("%.1fs", secs)
		}
		return fmt.Sprintf("%ds", int(secs))
	} else {
		mins := int(secs / 60)
		remainSecs := int(secs) % 60
		if remainSecs == 0 {
			return fmt.Sprintf("%dm", mins)
		}
		return fmt.Sprintf("%dm%ds", mins, remainSecs)
	}
}
