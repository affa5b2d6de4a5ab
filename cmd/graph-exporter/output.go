package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/Sternrassler/graph-exporter/pkg/pipeline"
	"github.com/Sternrassler/graph-exporter/pkg/window"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	return table
}

// renderPlan prints the windows of one trigger.
func renderPlan(w io.Writer, trigger time.Time, windows []window.Window, interval time.Duration) {
	fmt.Fprintf(w, "trigger:  %s\n", trigger.Format(time.RFC3339))
	fmt.Fprintf(w, "span:     %s\n", window.Span(windows))
	fmt.Fprintf(w, "interval: %s\n", interval)

	table := newTable(w, []string{"stream", "start", "end", "duration"})
	for i, win := range windows {
		table.Append([]string{
			strconv.Itoa(i),
			win.Start.Format(time.RFC3339),
			win.End.Format(time.RFC3339),
			win.Duration().String(),
		})
	}
	table.Render()
}

// renderResult prints the per-window summary of a run.
func renderResult(w io.Writer, result *pipeline.Result) {
	table := newTable(w, []string{"stream", "window", "pages", "records", "throttles", "error"})
	for _, res := range result.Windows {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Err.Error()
		}
		table.Append([]string{
			strconv.Itoa(res.Stream),
			res.Window.String(),
			strconv.Itoa(res.Pages),
			strconv.Itoa(res.Records),
			strconv.Itoa(res.Throttles),
			errText,
		})
	}
	table.Render()

	chunks, failed := 0, 0
	if result.Upload != nil {
		chunks = result.Upload.Chunks()
		failed = len(result.Upload.Failed())
	}
	fmt.Fprintf(w, "records: %d, delivered: %d, chunks: %d, failed chunks: %d, took %s\n",
		result.Records(), result.Delivered(), chunks, failed, result.Duration.Round(time.Millisecond))
}
