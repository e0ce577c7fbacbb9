// Package metrics records analysis runs as Prometheus metrics
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// Recorder implements analysis.Recorder on a private registry
type Recorder struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	duration        prometheus.Histogram
	recommendations *prometheus.GaugeVec
	conflicts       *prometheus.GaugeVec
	coherence       prometheus.Gauge
	profileChanges  prometheus.Gauge
	lastRun         prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nsadvisor_analysis_runs_total",
				Help: "Total number of analysis runs",
			},
			[]string{"mode"},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nsadvisor_analysis_duration_seconds",
				Help:    "Duration of analysis runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		recommendations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nsadvisor_recommendations",
				Help: "Recommendations of the last run by kind and bucket",
			},
			[]string{"kind", "bucket"},
		),
		conflicts: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nsadvisor_conflicts",
				Help: "Cross-validation conflicts of the last run by severity",
			},
			[]string{"severity"},
		),
		coherence: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nsadvisor_coherence",
				Help: "Share of evaluated hours without conflicts in the last run",
			},
		),
		profileChanges: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nsadvisor_profile_changes",
				Help: "Profile changes detected in the lookback window",
			},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nsadvisor_last_run_timestamp_seconds",
				Help: "Unix time of the last analysis run",
			},
		),
	}
}

// Registry exposes the private registry, e.g. for an HTTP handler
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRun records one finished analysis run.
func (r *Recorder) ObserveRun(result *models.AnalysisResult, duration time.Duration) {
	if result == nil {
		return
	}
	r.runsTotal.WithLabelValues(string(result.Mode)).Inc()
	r.duration.Observe(duration.Seconds())
	r.lastRun.Set(float64(result.GeneratedAt.Unix()))

	var changed, unchanged int
	for _, adj := range result.BasalChange {
		if adj.AdjustmentPct != 0 {
			changed++
		} else {
			unchanged++
		}
	}
	r.recommendations.WithLabelValues(string(models.ChangeBasal), "modifications").Set(float64(changed))
	r.recommendations.WithLabelValues(string(models.ChangeBasal), "compliant").Set(float64(unchanged))
	r.recordSlots(models.ChangeICR, result.HourlyICRAdjustments)
	r.recordSlots(models.ChangeISF, result.HourlyISFAdjustments)

	r.profileChanges.Set(float64(len(result.ProfileChanges.Changes)))

	r.conflicts.Reset()
	for _, sev := range []models.Severity{models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		r.conflicts.WithLabelValues(string(sev)).Set(0)
	}
	if result.Validation != nil {
		for _, c := range result.Validation.Conflicts {
			r.conflicts.WithLabelValues(string(c.Severity)).Inc()
		}
		r.coherence.Set(result.Validation.OverallCoherence)
	}
}

func (r *Recorder) recordSlots(kind models.ChangeType, recs models.SlotRecommendations) {
	r.recommendations.WithLabelValues(string(kind), "modifications").Set(float64(len(recs.Modifications)))
	r.recommendations.WithLabelValues(string(kind), "new_slots").Set(float64(len(recs.NewSlots)))
	r.recommendations.WithLabelValues(string(kind), "compliant").Set(float64(len(recs.ProfileCompliant)))
}

// WriteTextfile writes all metrics in the text exposition format for the
// node_exporter textfile collector
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
