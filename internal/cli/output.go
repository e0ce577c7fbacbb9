package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcode/nightscout-advisor/internal/config"
	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/render"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"

	sparklineHeight = 6
)

// writeResult prints an analysis result in the requested format
func writeResult(w io.Writer, format string, result *models.AnalysisResult, glucoseRange config.RangeConfig) error {
	switch format {
	case formatJSON:
		return writeJSON(w, result)
	case formatYAML:
		return writeYAML(w, result)
	case formatText, "":
		return writeResultText(w, result, glucoseRange)
	}
	return fmt.Errorf("unknown output format %q", format)
}

// writeChanges prints a change report in the requested format
func writeChanges(w io.Writer, format string, changes models.ProfileChangeAnalysis) error {
	switch format {
	case formatJSON:
		return writeJSON(w, changes)
	case formatYAML:
		return writeYAML(w, changes)
	case formatText, "":
		writeChangesText(w, changes)
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	return nil
}

// writeYAML goes through JSON so YAML keys match the JSON field names and order
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles JSON input carries
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func writeResultText(w io.Writer, r *models.AnalysisResult, glucoseRange config.RangeConfig) error {
	fmt.Fprintf(w, "Run %s (%s mode), generated %s\n", r.RunID, r.Mode, r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Data: %d readings, %d treatments over %d days\n", r.EntriesAnalyzed, r.TreatmentsAnalyzed, r.DataDays)

	if spark := render.Sparkline(r.HourlyAvg[:], sparklineHeight); spark != "" {
		fmt.Fprintf(w, "\nHourly averages (mg/dL)\n%s\n", spark)
	}

	fmt.Fprintf(w, "\nBasal (U/h)\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOUR\tAVG\tSTATUS\tCURRENT\tSUGGESTED\tCHANGE\tCONFIDENCE")
	for h, avg := range r.HourlyAvg {
		adj := r.BasalChange[h]
		avgText, status := "-", "-"
		if avg != nil {
			avgText = fmt.Sprintf("%.0f", *avg)
			status = render.StatusLabel(glucoseRange.Status(*avg))
		}
		fmt.Fprintf(tw, "%02d:00\t%s\t%s\t%.2f\t%.2f\t%s\t%.0f%%\n",
			h, avgText, status, adj.CurrentValue, adj.SuggestedValue, signedPct(adj.AdjustmentPct), adj.Confidence*100)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if err := writeSlots(w, "Carb ratio (g/U)", "MEALS", r.HourlyICRAdjustments); err != nil {
		return err
	}
	if err := writeSlots(w, "Sensitivity (mg/dL/U)", "CORRECTIONS", r.HourlyISFAdjustments); err != nil {
		return err
	}

	fmt.Fprintln(w)
	writeChangesText(w, r.ProfileChanges)

	if v := r.Validation; v != nil {
		fmt.Fprintf(w, "\nCoherence %.0f%%, %d conflict(s)\n", v.OverallCoherence*100, len(v.Conflicts))
		for _, c := range v.Conflicts {
			fmt.Fprintf(w, "  [%s] %02d:00 %s\n", c.Severity, c.Hour, c.Message)
		}
		for _, c := range v.Benign {
			fmt.Fprintf(w, "  [expected] %02d:00 %s\n", c.Hour, c.Message)
		}
	}
	return nil
}

// writeSummary prints a short report for repeated runs
func writeSummary(w io.Writer, r *models.AnalysisResult) {
	basal := 0
	for _, adj := range r.BasalChange {
		if adj.AdjustmentPct != 0 {
			basal++
		}
	}
	icr := len(r.HourlyICRAdjustments.Modifications) + len(r.HourlyICRAdjustments.NewSlots)
	isf := len(r.HourlyISFAdjustments.Modifications)

	fmt.Fprintf(w, "%s run %s: %d basal, %d carb ratio, %d sensitivity suggestion(s)",
		r.GeneratedAt.Format(time.RFC3339), r.RunID, basal, icr, isf)
	if v := r.Validation; v != nil {
		fmt.Fprintf(w, ", coherence %.0f%%", v.OverallCoherence*100)
	}
	fmt.Fprintln(w)
	if spark := render.CompactSparkline(r.HourlyAvg[:]); spark != "" {
		fmt.Fprintln(w, spark)
	}
}

func writeSlots(w io.Writer, title, countHeader string, recs models.SlotRecommendations) error {
	fmt.Fprintf(w, "\n%s\n", title)
	rows := append(append([]models.HourlyAdjustment{}, recs.Modifications...), recs.NewSlots...)
	if len(rows) == 0 {
		fmt.Fprintf(w, "  no changes suggested, %d slot(s) look right\n", len(recs.ProfileCompliant))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SLOT\tCURRENT\tSUGGESTED\tCHANGE\tCONFIDENCE\t%s\tNOTE\n", countHeader)
	for _, adj := range rows {
		slot := adj.SlotStart
		if slot == "" {
			slot = models.FormatMinute(adj.Minute)
		}
		var notes []string
		if adj.IsNewSlot {
			notes = append(notes, "new slot")
		}
		if adj.IsGroupedRecommendation {
			notes = append(notes, "grouped "+hoursList(adj.AffectedHours))
		}
		if adj.SafetyBlocked {
			notes = append(notes, "blocked by low")
		}
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%s\t%.0f%%\t%d\t%s\n",
			slot, adj.CurrentValue, adj.SuggestedValue, signedPct(adj.AdjustmentPct), adj.Confidence*100,
			adj.SampleCount, strings.Join(notes, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n := len(recs.ProfileCompliant); n > 0 {
		fmt.Fprintf(w, "  %d more slot(s) look right\n", n)
	}
	return nil
}

func writeChangesText(w io.Writer, changes models.ProfileChangeAnalysis) {
	if !changes.HasChanges {
		fmt.Fprintln(w, "No recent profile changes")
		return
	}
	fmt.Fprintf(w, "Recent profile changes (%s)\n", changes.Strategy)
	for _, c := range changes.Changes {
		fmt.Fprintf(w, "  %s %-5s %s -> %s\n", c.Day, c.ChangeType, formatSlots(c.Previous), formatSlots(c.Current))
	}
	if changes.SegmentedFrom != nil {
		fmt.Fprintf(w, "  analyzing data since %s\n", changes.SegmentedFrom.Format(time.RFC3339))
	}
	if changes.Note != "" {
		fmt.Fprintf(w, "  note: %s\n", changes.Note)
	}
}

func formatSlots(slots []models.ProfileSlot) string {
	if len(slots) == 0 {
		return "(none)"
	}
	parts := make([]string, len(slots))
	for i, s := range slots {
		parts[i] = fmt.Sprintf("%s=%g", models.FormatMinute(s.Minute), s.Value)
	}
	return strings.Join(parts, " ")
}

func hoursList(hours []int) string {
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = fmt.Sprintf("%02d", h)
	}
	return strings.Join(parts, ",")
}

func signedPct(pct float64) string {
	if pct == 0 {
		return "0%"
	}
	return fmt.Sprintf("%+.0f%%", pct)
}
