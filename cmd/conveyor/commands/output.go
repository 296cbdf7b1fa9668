package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// output receives command results. Logs go to stderr.
var output io.Writer = os.Stdout

func stdout() io.Writer { return output }

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(start, end *time.Time) string {
	if start == nil {
		return "-"
	}
	stop := time.Now()
	if end != nil {
		stop = *end
	}
	return stop.Sub(*start).Round(time.Millisecond).String()
}

func statusMark(s engine.ExecutionStatus) string {
	switch s {
	case engine.StatusSuccess:
		return "✓"
	case engine.StatusFailed, engine.StatusTimeout:
		return "✗"
	case engine.StatusCancelled:
		return "⊘"
	default:
		return "…"
	}
}

func printExecution(w io.Writer, rec *engine.ExecutionRecord, stepRecs []engine.StepExecutionRecord) {
	fmt.Fprintf(w, "%s Execution %s (%s)\n", statusMark(rec.Status), rec.ID, rec.Status)
	fmt.Fprintf(w, "  Pipeline: %s (%s)\n", rec.PipelineName, rec.PipelineID)
	if rec.Mode != "" {
		fmt.Fprintf(w, "  Mode:     %s\n", rec.Mode)
	}
	if rec.ExternalID != "" {
		fmt.Fprintf(w, "  External: %s\n", rec.ExternalID)
	}
	fmt.Fprintf(w, "  Started:  %s\n", formatTime(rec.StartedAt))
	fmt.Fprintf(w, "  Duration: %s\n", formatDuration(rec.StartedAt, rec.CompletedAt))
	if rec.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error:    %s\n", rec.ErrorMessage)
	}
	if len(stepRecs) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := newTable(w)
	fmt.Fprintln(tw, "  STEP\tSTATUS\tATTEMPT\tDURATION\tERROR")
	for _, s := range stepRecs {
		fmt.Fprintf(tw, "  %s\t%s %s\t%d\t%s\t%s\n",
			s.StepName, statusMark(s.Status), s.Status, s.Attempt,
			formatDuration(s.StartedAt, s.CompletedAt), s.ErrorMessage)
	}
	_ = tw.Flush()
}
