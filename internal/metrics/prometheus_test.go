package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

func sampleResult() *models.AnalysisResult {
	r := &models.AnalysisResult{
		Mode:        models.ModeDetailed,
		GeneratedAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		HourlyICRAdjustments: models.SlotRecommendations{
			Modifications:    []models.HourlyAdjustment{{Minute: 360}, {Minute: 720}},
			ProfileCompliant: []models.HourlyAdjustment{{Minute: 0}},
		},
		ProfileChanges: models.ProfileChangeAnalysis{
			Changes: []models.ProfileChange{{Day: "2024-03-09", ChangeType: models.ChangeBasal}},
		},
		Validation: &models.ValidationResult{
			Conflicts: []models.Conflict{
				{Hour: 9, Severity: models.SeverityLow},
				{Hour: 10, Severity: models.SeverityHigh},
				{Hour: 11, Severity: models.SeverityLow},
			},
			OverallCoherence: 0.875,
		},
	}
	r.BasalChange[3].AdjustmentPct = 15
	return r
}

func TestRecorder_ObserveRun(t *testing.T) {
	rec := New()
	rec.ObserveRun(sampleResult(), 250*time.Millisecond)
	rec.ObserveRun(sampleResult(), 250*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.runsTotal.WithLabelValues("detailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.recommendations.WithLabelValues("basal", "modifications")))
	assert.Equal(t, 23.0, testutil.ToFloat64(rec.recommendations.WithLabelValues("basal", "compliant")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.recommendations.WithLabelValues("icr", "modifications")))
	assert.Equal(t, 0.0, testutil.ToFloat64(rec.recommendations.WithLabelValues("isf", "modifications")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.conflicts.WithLabelValues("low")), "gauges reset between runs")
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.conflicts.WithLabelValues("high")))
	assert.Equal(t, 0.0, testutil.ToFloat64(rec.conflicts.WithLabelValues("medium")))
	assert.Equal(t, 0.875, testutil.ToFloat64(rec.coherence))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.profileChanges))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.duration))
}

func TestRecorder_NilResult(t *testing.T) {
	rec := New()
	rec.ObserveRun(nil, time.Second)
	assert.Equal(t, 0, testutil.CollectAndCount(rec.runsTotal))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	rec := New()
	rec.ObserveRun(sampleResult(), time.Second)

	path := filepath.Join(t.TempDir(), "nsadvisor.prom")
	require.NoError(t, rec.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `nsadvisor_analysis_runs_total{mode="detailed"} 1`)
	assert.Contains(t, out, "nsadvisor_analysis_duration_seconds_count 1")
	assert.Contains(t, out, "nsadvisor_last_run_timestamp_seconds")
}
