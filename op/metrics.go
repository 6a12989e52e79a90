package op

import "github.com/nickyhof/ForkDB/core"

// ExtractMetrics sums every numeric column of the most recent successful
// query in the log. A log without a query yields an empty map.
func ExtractMetrics(log []core.ExecutionLogEntry) map[string]float64 {
	metrics := map[string]float64{}

	for i := len(log) - 1; i >= 0; i-- {
		entry := log[i]
		if entry.Kind != core.QueryKind || !entry.OK {
			continue
		}

		for _, row := range entry.Rows {
			for col, value := range row {
				if col >= len(entry.Columns) {
					break
				}
				if n, ok := core.Numeric(value); ok {
					metrics[entry.Columns[col]] += n
				}
			}
		}
		return metrics
	}

	return metrics
}
