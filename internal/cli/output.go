package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/rocketship-ai/qapilot/internal/model"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func flush(w *tabwriter.Writer) {
	if err := w.Flush(); err != nil {
		Logger.Debug("failed to flush writer", "error", err)
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusIcon(status model.RunStatus) string {
	switch status {
	case model.RunCompleted:
		return color.GreenString("✓")
	case model.RunFailed:
		return color.RedString("✗")
	case model.RunRunningTests:
		return color.CyanString("↻")
	case model.RunSettingUp:
		return color.YellowString("⚙")
	case model.RunPending:
		return "⏳"
	default:
		return "?"
	}
}

func stepIcon(status model.StepStatus) string {
	if status == model.StepPassed {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}

// runDuration is the wall time between start and completion, or since start
// for a run still in progress.
func runDuration(r model.Run) string {
	if r.StartedAt == nil {
		return "N/A"
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return formatDuration(end.Sub(*r.StartedAt))
}

func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		return fmt.Sprintf("%dm%ds", ms/60000, (ms%60000)/1000)
	}
}

func formatTime(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("Jan 02")
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func counts(c model.StepCounts) string {
	return fmt.Sprintf("%d/%d/%d", c.Passed, c.Failed, c.Total)
}
