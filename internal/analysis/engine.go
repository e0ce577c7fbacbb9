// Package analysis turns glucose and treatment history into basal, carb
// ratio and sensitivity recommendations
package analysis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/profile"
)

const (
	// DefaultLookbackDays bounds profile change detection
	DefaultLookbackDays = 7
	// DefaultMinSegmentEntries is one day of five minute readings
	DefaultMinSegmentEntries = 288
)

// Input is everything one analysis run reads
type Input struct {
	Entries        []models.GlucoseEntry
	Treatments     []models.Treatment
	Profile        *models.Profile // active profile, defaults to the newest history snapshot
	ProfileHistory []models.Profile
	BasalStep      float64 // U/h, defaults to 0.05
	LookbackDays   int     // 0 uses the default, negative disables the window
}

// Recorder receives the outcome of every run
type Recorder interface {
	ObserveRun(result *models.AnalysisResult, duration time.Duration)
}

// Engine runs the analysis pipeline. It holds configuration only and is safe
// for concurrent use.
type Engine struct {
	log      zerolog.Logger
	tracer   oteltrace.Tracer
	loc      *time.Location
	now      func() time.Time
	recorder Recorder

	target            float64
	simpleThreshold   int
	strategy          profile.Strategy
	minSegmentEntries int
	perHour           bool
	icrOptions        []OptimizerOption
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithTracer sets the tracer
func WithTracer(t oteltrace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLocation sets the timezone used for hours of day and calendar days
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithClock sets the reference for "now"
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTarget sets the glucose target for basal analysis
func WithTarget(target float64) Option {
	return func(e *Engine) {
		if target > 0 {
			e.target = target
		}
	}
}

// WithSimpleModeThreshold sets the entry count below which basal runs in simple mode
func WithSimpleModeThreshold(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.simpleThreshold = n
		}
	}
}

// WithSegmentation selects what happens to data recorded before a recent profile change
func WithSegmentation(strategy profile.Strategy, minEntries int) Option {
	return func(e *Engine) {
		e.strategy = strategy
		if minEntries > 0 {
			e.minSegmentEntries = minEntries
		}
	}
}

// WithPerHourCandidates groups meals and corrections by hour instead of by profile slot
func WithPerHourCandidates(enabled bool) Option {
	return func(e *Engine) {
		e.perHour = enabled
	}
}

// WithICROptimizer passes options to the carb ratio slot optimizer
func WithICROptimizer(opts ...OptimizerOption) Option {
	return func(e *Engine) {
		e.icrOptions = append(e.icrOptions, opts...)
	}
}

// WithRecorder sets the run recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// New creates an Engine
func New(opts ...Option) *Engine {
	e := &Engine{
		log:               zerolog.Nop(),
		tracer:            otel.Tracer("nightscout-advisor/analysis"),
		loc:               time.UTC,
		now:               time.Now,
		target:            DefaultTarget,
		simpleThreshold:   DefaultSimpleModeThreshold,
		strategy:          profile.StrategyWarn,
		minSegmentEntries: DefaultMinSegmentEntries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze runs the full pipeline. Partial or missing data never fails a run;
// the only error is the context's.
func (e *Engine) Analyze(ctx context.Context, in Input) (*models.AnalysisResult, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Analyze")
	defer span.End()
	started := time.Now()

	readings := models.NormalizeEntries(in.Entries)
	treatments := models.SortTreatments(in.Treatments)

	history := append([]models.Profile(nil), in.ProfileHistory...)
	profile.SortHistory(history)
	active := e.activeProfile(in.Profile, history)

	lookback := in.LookbackDays
	if lookback == 0 {
		lookback = DefaultLookbackDays
	}
	step := in.BasalStep
	if step <= 0 {
		step = DefaultBasalStep
	}

	span.SetAttributes(
		attribute.Int("analysis.entries", len(readings)),
		attribute.Int("analysis.treatments", len(treatments)),
		attribute.Int("analysis.profile_snapshots", len(history)),
	)
	e.log.Info().
		Int("entries", len(readings)).
		Int("treatments", len(treatments)).
		Int("profileSnapshots", len(history)).
		Bool("hasProfile", !active.IsEmpty()).
		Msg("starting analysis")

	result := &models.AnalysisResult{
		RunID:       uuid.NewString(),
		GeneratedAt: e.now(),
	}

	// Profile changes
	_, stageSpan := e.tracer.Start(ctx, "ProfileChanges")
	result.ProfileChanges, readings, treatments = e.profileChanges(history, lookback, readings, treatments)
	stageSpan.SetAttributes(attribute.Int("changes", len(result.ProfileChanges.Changes)))
	stageSpan.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Hourly averages and basal
	_, stageSpan = e.tracer.Start(ctx, "Basal")
	result.HourlyAvg = hourlyAverages(readings, e.loc)
	currentBasal, _ := profile.Expand24(active.Basal)
	basal := NewBasalAdjuster(e.loc, e.log)
	basal.Target = e.target
	basal.SimpleThreshold = e.simpleThreshold
	basal.Step = step
	result.BasalChange, result.Mode = basal.Adjust(readings, treatments, currentBasal)
	stageSpan.SetAttributes(attribute.String("mode", string(result.Mode)))
	stageSpan.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Carb ratio
	_, stageSpan = e.tracer.Start(ctx, "ICR")
	meals := NewMealAnalyzer(e.loc, e.log)
	meals.PerHour = e.perHour
	icrCandidates := meals.Analyze(readings, treatments, active.CarbRatio)
	icrOpts := append([]OptimizerOption{WithOptimizerLogger(e.log)}, e.icrOptions...)
	result.HourlyICRAdjustments = NewICROptimizer(icrOpts...).Optimize(icrCandidates, active.CarbRatio)
	stageSpan.SetAttributes(
		attribute.Int("candidates", len(icrCandidates)),
		attribute.Int("modifications", len(result.HourlyICRAdjustments.Modifications)),
	)
	stageSpan.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Sensitivity
	_, stageSpan = e.tracer.Start(ctx, "ISF")
	corrections := NewCorrectionAnalyzer(e.loc, e.log)
	corrections.PerHour = e.perHour
	isfCandidates := corrections.Analyze(readings, treatments, active.Sensitivity, active.Basal)
	result.HourlyISFAdjustments = NewISFOptimizer(WithOptimizerLogger(e.log)).Optimize(isfCandidates, active.Sensitivity)
	stageSpan.SetAttributes(
		attribute.Int("candidates", len(isfCandidates)),
		attribute.Int("modifications", len(result.HourlyISFAdjustments.Modifications)),
	)
	stageSpan.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Cross validation
	_, stageSpan = e.tracer.Start(ctx, "Validate")
	result.Validation = NewCrossValidator(e.log).Validate(result.HourlyAvg, result.BasalChange, result.HourlyICRAdjustments)
	stageSpan.SetAttributes(
		attribute.Int("conflicts", len(result.Validation.Conflicts)),
		attribute.Float64("coherence", result.Validation.OverallCoherence),
	)
	stageSpan.End()

	result.EntriesAnalyzed = len(readings)
	result.TreatmentsAnalyzed = len(treatments)
	if len(readings) > 0 {
		first := readings[0].Time
		last := readings[len(readings)-1].Time
		result.DataDays = int(last.Sub(first).Hours() / 24)
	}

	duration := time.Since(started)
	if e.recorder != nil {
		e.recorder.ObserveRun(result, duration)
	}
	span.SetAttributes(attribute.String("analysis.mode", string(result.Mode)))

	e.log.Info().
		Str("runId", result.RunID).
		Str("mode", string(result.Mode)).
		Int("icrModifications", len(result.HourlyICRAdjustments.Modifications)).
		Int("isfModifications", len(result.HourlyISFAdjustments.Modifications)).
		Bool("profileChanged", result.ProfileChanges.HasChanges).
		Bool("significantConflicts", result.Validation.HasSignificantConflicts).
		Dur("took", duration).
		Msg("analysis complete")
	return result, nil
}

func (e *Engine) activeProfile(explicit *models.Profile, history []models.Profile) models.Profile {
	if !explicit.IsEmpty() {
		p := *explicit
		p.Basal = profile.SortSlots(p.Basal)
		p.CarbRatio = profile.SortSlots(p.CarbRatio)
		p.Sensitivity = profile.SortSlots(p.Sensitivity)
		return p
	}
	if latest, ok := profile.Latest(history); ok {
		return latest
	}
	e.log.Warn().Msg("no profile available, using fallback ratios")
	return models.Profile{}
}

// profileChanges detects recent changes and, with the segment strategy,
// drops data recorded before the most recent one
func (e *Engine) profileChanges(history []models.Profile, lookback int, readings []models.Reading, treatments []models.Treatment) (models.ProfileChangeAnalysis, []models.Reading, []models.Treatment) {
	detector := profile.NewChangeDetector(
		profile.WithLocation(e.loc),
		profile.WithClock(e.now),
		profile.WithLogger(e.log),
	)
	changes := detector.Detect(history, lookback)

	analysis := models.ProfileChangeAnalysis{
		HasChanges: len(changes) > 0,
		Changes:    changes,
		Strategy:   string(profile.StrategyWarn),
	}
	if analysis.Changes == nil {
		analysis.Changes = []models.ProfileChange{}
	}
	if analysis.HasChanges {
		e.log.Warn().Int("changes", len(changes)).Msg("profile changed recently, older data may not reflect the active profile")
	}

	if e.strategy != profile.StrategySegment || !analysis.HasChanges {
		return analysis, readings, treatments
	}

	start, ok := detector.SegmentStart(changes)
	if !ok {
		return analysis, readings, treatments
	}

	var kept []models.Reading
	for _, r := range readings {
		if !r.Time.Before(start) {
			kept = append(kept, r)
		}
	}
	if len(kept) < e.minSegmentEntries {
		analysis.Note = "not enough data since the last profile change, analyzing the full range"
		e.log.Info().
			Int("entriesSinceChange", len(kept)).
			Int("required", e.minSegmentEntries).
			Msg("segmentation skipped")
		return analysis, readings, treatments
	}

	var keptTreatments []models.Treatment
	for _, t := range treatments {
		if !t.Time().Before(start) {
			keptTreatments = append(keptTreatments, t)
		}
	}

	analysis.Strategy = string(profile.StrategySegment)
	analysis.SegmentedFrom = &start
	e.log.Info().
		Time("from", start).
		Int("entries", len(kept)).
		Int("treatments", len(keptTreatments)).
		Msg("analyzing data since the last profile change")
	return analysis, kept, keptTreatments
}
