package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/nickyhof/ForkDB/db"
	"github.com/nickyhof/ForkDB/op"
)

// renderReport prints an experiment report: the statement results of a
// read-only question, or one row per world followed by the recommendation.
func renderReport(w io.Writer, report op.Report) {
	fmt.Fprintf(w, "%sIntent:%s %s", BoldColor, ResetColor, report.Intent)
	if report.Reason != "" {
		fmt.Fprintf(w, " (%s)", report.Reason)
	}
	fmt.Fprintln(w)

	for _, entry := range report.Results {
		fmt.Fprintf(w, "\n%s> %s%s\n", PromptColor, entry.Statement, ResetColor)
		db.Render(w, entry)
	}

	if len(report.Worlds) > 0 {
		fmt.Fprintln(w)
		table := db.NewTable(w)
		table.Header([]string{"world", "branch", "name", "phase", "retries", "metrics", "failure"})
		for _, state := range report.Worlds {
			table.Row([]string{
				state.WorldID,
				state.BranchID,
				state.Name,
				string(state.Phase),
				strconv.Itoa(state.RetryCount),
				formatMetrics(state.Metrics),
				state.FailureReason,
			})
		}
		table.Render()
	}

	if report.Recommendation != nil {
		if report.Recommendation.WorldID != "" {
			fmt.Fprintf(w, "\n%sRecommended:%s %s\n", SuccessColor, ResetColor, report.Recommendation.WorldID)
		}
		if report.Recommendation.Rationale != "" {
			fmt.Fprintln(w, report.Recommendation.Rationale)
		}
	}
	if report.Selection != nil {
		fmt.Fprintf(w, "%s%s%s\n", ErrorColor, report.Selection.Error(), ResetColor)
	}
	if report.Message != "" {
		fmt.Fprintf(w, "\n%s\n", report.Message)
	}
}

func formatMetrics(metrics map[string]float64) string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + db.FormatValue(metrics[name])
	}
	return strings.Join(parts, " ")
}
