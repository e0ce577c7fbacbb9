package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcode/nightscout-advisor/internal/analysis"
	"github.com/mrcode/nightscout-advisor/internal/config"
	"github.com/mrcode/nightscout-advisor/internal/metrics"
	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/notifications"
	"github.com/mrcode/nightscout-advisor/internal/profile"
	"github.com/mrcode/nightscout-advisor/internal/render"
	"github.com/mrcode/nightscout-advisor/internal/telemetry"
	"github.com/mrcode/nightscout-advisor/internal/version"
)

type analyzeFlags struct {
	source sourceFlags

	days         int
	target       float64
	basalStep    float64
	lookbackDays int
	timezone     string
	segment      string
	perHour      bool
	newSlots     bool
	groupSimilar bool

	format      string
	chart       string
	notify      bool
	metricsFile string
	traceFile   string
	watch       time.Duration
}

func newAnalyzeCmd(a *app) *cobra.Command {
	f := &analyzeFlags{}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Suggest basal, carb ratio and sensitivity adjustments",
		Long: `Fetches the last --days of history and prints per-hour suggestions.

Example:
  nightscout-advisor analyze --url https://my.nightscout.site --days 14
  nightscout-advisor analyze --entries entries.json --treatments treatments.json --profiles profile.json --format json
  nightscout-advisor analyze --url https://my.nightscout.site --notify --watch 30m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.apply(cmd, a.cfg)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			if f.watch < 0 {
				return errors.New("--watch must not be negative")
			}
			return a.runAnalyze(cmd, f)
		},
	}

	fs := cmd.Flags()
	f.source.register(fs)
	fs.IntVar(&f.days, "days", 0, "days of history to analyze (default from analysis.days)")
	fs.Float64Var(&f.target, "target", 0, "target glucose in mg/dL")
	fs.Float64Var(&f.basalStep, "basal-step", 0, "pump basal increment in U/h")
	fs.IntVar(&f.lookbackDays, "lookback", 0, "days searched for profile changes, negative for all")
	fs.StringVar(&f.timezone, "timezone", "", "IANA timezone for hours of day")
	fs.StringVar(&f.segment, "segment", "", "what to do after a recent profile change: warn or segment")
	fs.BoolVar(&f.perHour, "per-hour", false, "group carb ratio and sensitivity findings by clock hour")
	fs.BoolVar(&f.newSlots, "new-slots", false, "suggest carb ratio slots the profile does not have")
	fs.BoolVar(&f.groupSimilar, "group-similar", false, "merge similar carb ratio suggestions")
	fs.StringVarP(&f.format, "format", "o", "", "output format: text, json or yaml")
	fs.StringVar(&f.chart, "chart", "", "write an hourly PNG chart to this path")
	fs.BoolVar(&f.notify, "notify", false, "send desktop notifications for the result")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics in textfile format to this path")
	fs.StringVar(&f.traceFile, "trace-file", "", "write OpenTelemetry spans to this path")
	fs.DurationVar(&f.watch, "watch", 0, "rerun the analysis at this interval until interrupted")
	return cmd
}

// apply copies the flags the user set onto cfg. Unset flags keep config values.
func (f *analyzeFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	f.source.apply(cmd, cfg)

	flags := cmd.Flags()
	if flags.Changed("days") {
		cfg.Analysis.Days = f.days
	}
	if flags.Changed("target") {
		cfg.Analysis.Target = f.target
	}
	if flags.Changed("basal-step") {
		cfg.Analysis.BasalStep = f.basalStep
	}
	if flags.Changed("lookback") {
		cfg.Analysis.LookbackDays = f.lookbackDays
	}
	if flags.Changed("timezone") {
		cfg.Analysis.Timezone = f.timezone
	}
	if flags.Changed("segment") {
		cfg.Analysis.Segmentation = f.segment
	}
	if flags.Changed("per-hour") {
		cfg.Analysis.PerHour = f.perHour
	}
	if flags.Changed("new-slots") {
		cfg.Analysis.ICRNewSlots = f.newSlots
	}
	if flags.Changed("group-similar") {
		cfg.Analysis.ICRGroupSimilar = f.groupSimilar
	}
	if flags.Changed("format") {
		cfg.Output.Format = f.format
	}
	if flags.Changed("chart") {
		cfg.Output.ChartPath = f.chart
	}
	if flags.Changed("notify") {
		cfg.Notifications.Enabled = f.notify
	}
	if flags.Changed("metrics-file") {
		cfg.Output.MetricsFile = f.metricsFile
	}
	if flags.Changed("trace-file") {
		cfg.Output.TraceFile = f.traceFile
	}
}

// newEngine builds an engine from the analysis settings
func newEngine(cfg *config.Config, a *app, rec analysis.Recorder) (*analysis.Engine, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	strategy, err := profile.ParseStrategy(cfg.Analysis.Segmentation)
	if err != nil {
		return nil, err
	}

	opts := []analysis.Option{
		analysis.WithLogger(a.log),
		analysis.WithLocation(loc),
		analysis.WithTarget(cfg.Analysis.Target),
		analysis.WithSimpleModeThreshold(cfg.Analysis.SimpleModeThreshold),
		analysis.WithSegmentation(strategy, cfg.Analysis.MinSegmentEntries),
		analysis.WithPerHourCandidates(cfg.Analysis.PerHour),
		analysis.WithICROptimizer(
			analysis.WithNewSlots(cfg.Analysis.ICRNewSlots),
			analysis.WithGroupSimilar(cfg.Analysis.ICRGroupSimilar),
			analysis.WithOptimizerLogger(a.log),
		),
	}
	if rec != nil {
		opts = append(opts, analysis.WithRecorder(rec))
	}
	return analysis.New(opts...), nil
}

// analyzeRun holds what stays alive between cycles of one analyze command
type analyzeRun struct {
	a      *app
	cmd    *cobra.Command
	svc    *analysis.Service
	rec    *metrics.Recorder
	notify *notifications.Manager
}

func (a *app) runAnalyze(cmd *cobra.Command, f *analyzeFlags) error {
	ctx := cmd.Context()
	cfg := a.cfg

	if f.watch > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.Output.TraceFile)
	if err != nil {
		return err
	}
	defer func() {
		// ctx may already be cancelled when watching
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn().Err(err).Msg("flushing traces")
		}
	}()

	rec := metrics.New()
	engine, err := newEngine(cfg, a, rec)
	if err != nil {
		return err
	}
	source, err := f.source.build(a)
	if err != nil {
		return err
	}

	run := &analyzeRun{
		a:   a,
		cmd: cmd,
		svc: analysis.NewService(source, engine, a.log, analysis.WithProgress(a.logProgress)),
		rec: rec,
	}
	if cfg.Notifications.Enabled {
		run.notify = notifications.NewManager(cfg.Notifications, cfg.Range,
			notifications.WithSender(a.sender),
			notifications.WithLogger(a.log),
		)
	}

	if err := run.cycle(ctx, true); err != nil {
		return err
	}
	if f.watch == 0 {
		return nil
	}

	a.log.Info().Dur("interval", f.watch).Msg("watching for new data")
	return a.watch(ctx, f.watch, func(ctx context.Context) error {
		return run.cycle(ctx, false)
	})
}

// cycle runs one analysis and writes every configured artifact. Later cycles
// print a compact summary instead of the full text report.
func (r *analyzeRun) cycle(ctx context.Context, first bool) error {
	a, cfg := r.a, r.a.cfg

	started := time.Now()
	result, err := r.svc.Run(ctx, analysis.Request{
		Days:         cfg.Analysis.Days,
		BasalStep:    cfg.Analysis.BasalStep,
		LookbackDays: cfg.Analysis.LookbackDays,
	})
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	a.log.Info().
		Str("run_id", result.RunID).
		Str("mode", string(result.Mode)).
		Int("entries", result.EntriesAnalyzed).
		Dur("took", time.Since(started)).
		Msg("analysis complete")

	out := r.cmd.OutOrStdout()
	if !first && (cfg.Output.Format == formatText || cfg.Output.Format == "") {
		writeSummary(out, result)
	} else if err := writeResult(out, cfg.Output.Format, result, cfg.Range); err != nil {
		return err
	}

	if cfg.Output.ChartPath != "" {
		if err := render.NewChart(cfg.Range).SavePNG(cfg.Output.ChartPath, result); err != nil {
			return err
		}
		a.log.Info().Str("path", cfg.Output.ChartPath).Msg("chart written")
	}

	if cfg.Output.MetricsFile != "" {
		if err := r.rec.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			return err
		}
	}

	if r.notify != nil {
		if _, err := r.notify.CheckAndNotify(result); err != nil {
			// A missing notification daemon should not fail the run
			a.log.Warn().Err(err).Msg("desktop notification failed")
		}
	}
	return nil
}

func (a *app) logProgress(p models.CalculationProgress) {
	a.log.Debug().
		Str("stage", p.Stage).
		Float64("progress", p.Progress).
		Float64("eta_seconds", p.EstimatedTimeRemaining).
		Msg("analysis progress")
}

// watch calls cycle every interval until ctx is done. Failed cycles are
// logged and the loop keeps going.
func (a *app) watch(ctx context.Context, interval time.Duration, cycle func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("stopped watching")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			if err := cycle(ctx); err != nil && ctx.Err() == nil {
				a.log.Error().Err(err).Msg("analysis cycle failed")
			}
		}
	}
}
