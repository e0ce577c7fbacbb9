package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// Basal tuning constants
const (
	DefaultTarget              = 100.0 // mg/dL
	DefaultSimpleModeThreshold = 100   // entries
	DefaultBasalStep           = 0.05  // U/h

	minUsableReadings   = 3
	fallbackMinReadings = 10
	fallbackInsulinGap  = 2 * time.Hour
	trendStep           = 5.0 // mg/dL between consecutive readings
	trendMaxGap         = 15 * time.Minute
	stabilitySigma      = 60.0
	maxInsulinWindow    = 210 * time.Minute
)

// BasalAdjuster derives per-hour basal changes from glucose deviation
type BasalAdjuster struct {
	Target          float64
	SimpleThreshold int
	Step            float64

	loc *time.Location
	log zerolog.Logger
}

// NewBasalAdjuster creates an adjuster with default target and thresholds
func NewBasalAdjuster(loc *time.Location, log zerolog.Logger) *BasalAdjuster {
	if loc == nil {
		loc = time.UTC
	}
	return &BasalAdjuster{
		Target:          DefaultTarget,
		SimpleThreshold: DefaultSimpleModeThreshold,
		Step:            DefaultBasalStep,
		loc:             loc,
		log:             log,
	}
}

// Mode picks simple or detailed analysis from data volume
func (b *BasalAdjuster) Mode(entryCount int) models.AnalysisMode {
	if entryCount < b.SimpleThreshold {
		return models.ModeSimple
	}
	return models.ModeDetailed
}

// Adjust computes one adjustment per hour of day. current holds the scheduled
// basal for each hour (zero when no profile is known).
func (b *BasalAdjuster) Adjust(readings []models.Reading, treatments []models.Treatment, current [models.HoursPerDay]float64) ([models.HoursPerDay]models.HourlyAdjustment, models.AnalysisMode) {
	mode := b.Mode(len(readings))
	byHour := readingsByHour(readings, b.loc)

	var out [models.HoursPerDay]models.HourlyAdjustment
	if mode == models.ModeSimple {
		for h := range out {
			out[h] = b.simpleHour(h, byHour[h], current[h])
		}
	} else {
		insulin := insulinTreatments(treatments)
		for h := range out {
			out[h] = b.detailedHour(h, byHour[h], insulin, current[h])
		}
	}

	b.log.Debug().
		Str("mode", string(mode)).
		Int("entries", len(readings)).
		Msg("basal analysis finished")
	return out, mode
}

// SimpleAdjustment maps an hourly deviation from target to a percentage change
func SimpleAdjustment(delta float64) float64 {
	switch {
	case delta > 20:
		return math.Min(math.Round(delta/15)*5, 30)
	case delta < -20:
		return math.Max(math.Round(delta/15)*5, -30)
	}
	return 0
}

func (b *BasalAdjuster) simpleHour(h int, readings []models.Reading, current float64) models.HourlyAdjustment {
	adj := b.baseAdjustment(h, current)
	if len(readings) == 0 {
		return adj
	}

	avg := meanValue(readings)
	pct := SimpleAdjustment(avg - b.Target)

	adj.AverageGlucose = &avg
	adj.SampleCount = len(readings)
	adj.Confidence = math.Min(1, float64(len(readings))/10)
	adj.SuccessRate = inRangeShare(readings)
	b.apply(&adj, pct)
	return adj
}

func (b *BasalAdjuster) detailedHour(h int, readings []models.Reading, insulin []models.Treatment, current float64) models.HourlyAdjustment {
	adj := b.baseAdjustment(h, current)
	if len(readings) > 0 {
		avg := meanValue(readings)
		adj.AverageGlucose = &avg
	}

	clean := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if !insulinActive(r.Time, insulin, b.loc) {
			clean = append(clean, r)
		}
	}

	usable := clean
	if len(clean) < minUsableReadings && len(readings) >= fallbackMinReadings {
		usable = make([]models.Reading, 0, len(readings))
		for _, r := range readings {
			if !insulinWithin(r.Time, insulin, fallbackInsulinGap) {
				usable = append(usable, r)
			}
		}
		adj.InsulinAffected = true
	}

	if len(usable) < minUsableReadings {
		b.log.Debug().
			Int("hour", h).
			Int("readings", len(readings)).
			Int("usable", len(usable)).
			Msg("not enough clean readings for basal")
		adj.SampleCount = len(usable)
		return adj
	}

	avg := meanValue(usable)
	delta := avg - b.Target
	stability := math.Max(0, 1-stdDev(usable)/stabilitySigma)
	confidence := math.Min(1, float64(len(usable))/10)
	night := isNightHour(h)

	raw := tieredAdjustment(delta)
	if stability < 0.7 {
		if night {
			raw *= 0.8
		} else {
			raw *= 0.6
		}
	}
	raw *= confidence
	if night {
		if delta > 40 {
			raw *= 0.9
		} else {
			raw *= 0.8
		}
	}
	if adj.InsulinAffected {
		raw *= 0.7
	}
	pct := math.Round(raw)
	if pct == 0 {
		pct = 0 // drop negative zero
	}

	adj.AverageGlucose = &avg
	adj.Trend = glucoseTrend(usable)
	adj.Stability = stability
	adj.Confidence = confidence
	adj.SampleCount = len(usable)
	adj.SuccessRate = inRangeShare(usable)
	b.apply(&adj, pct)

	b.log.Debug().
		Int("hour", h).
		Float64("avg", avg).
		Float64("delta", delta).
		Float64("stability", stability).
		Float64("trend", adj.Trend).
		Bool("insulinAffected", adj.InsulinAffected).
		Float64("pct", pct).
		Msg("basal hour")
	return adj
}

func (b *BasalAdjuster) baseAdjustment(h int, current float64) models.HourlyAdjustment {
	return models.HourlyAdjustment{
		Hour:               h,
		Minute:             h * 60,
		SlotStart:          models.FormatMinute(h * 60),
		CurrentValue:       current,
		SuggestedValue:     current,
		IsProfileCompliant: true,
		AffectedHours:      []int{h},
	}
}

func (b *BasalAdjuster) apply(adj *models.HourlyAdjustment, pct float64) {
	adj.AdjustmentPct = pct
	adj.SuggestedValue = roundToStep(adj.CurrentValue*(1+pct/100), b.Step)
	adj.IsProfileCompliant = pct == 0
}

// tieredAdjustment is the raw detailed-mode change before penalties
func tieredAdjustment(delta float64) float64 {
	switch {
	case delta > 50:
		return math.Min(30, math.Round(delta*0.5))
	case delta > 30:
		return math.Min(25, math.Round(delta*0.4))
	case delta > 15:
		return math.Min(20, math.Round(delta*0.6))
	case delta < -30:
		return math.Max(-25, math.Round(delta*0.4))
	case delta < -15:
		return math.Max(-15, math.Round(delta*0.5))
	}
	return 0
}

// glucoseTrend is the net share of rising over falling steps between
// consecutive readings close enough in time
func glucoseTrend(readings []models.Reading) float64 {
	var ups, downs, pairs int
	for i := 1; i < len(readings); i++ {
		gap := readings[i].Time.Sub(readings[i-1].Time)
		if gap <= 0 || gap > trendMaxGap {
			continue
		}
		pairs++
		diff := readings[i].Value - readings[i-1].Value
		switch {
		case diff > trendStep:
			ups++
		case diff < -trendStep:
			downs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return float64(ups-downs) / float64(pairs)
}

func inRangeShare(readings []models.Reading) float64 {
	if len(readings) == 0 {
		return 0
	}
	var in int
	for _, r := range readings {
		if r.Value >= 70 && r.Value <= 180 {
			in++
		}
	}
	return float64(in) / float64(len(readings))
}

func insulinTreatments(treatments []models.Treatment) []models.Treatment {
	var out []models.Treatment
	for _, t := range treatments {
		if t.HasInsulin() && !t.Time().IsZero() {
			out = append(out, t)
		}
	}
	return models.SortTreatments(out)
}

// insulinExclusionWindow scales with the dose and is shorter at night
func insulinExclusionWindow(units float64, night bool) time.Duration {
	var w time.Duration
	switch {
	case units < 2:
		w = 150 * time.Minute
	case units < 4:
		w = 180 * time.Minute
	default:
		w = maxInsulinWindow
	}
	if night {
		w = w * 3 / 4
	}
	return w
}

// recentInsulin returns the sorted insulin treatments in (t-within, t]
func recentInsulin(t time.Time, insulin []models.Treatment, within time.Duration) []models.Treatment {
	j := sort.Search(len(insulin), func(i int) bool {
		return insulin[i].Time().After(t)
	})
	i := sort.Search(j, func(i int) bool {
		return insulin[i].Time().After(t.Add(-within))
	})
	return insulin[i:j]
}

func insulinActive(t time.Time, insulin []models.Treatment, loc *time.Location) bool {
	night := isNightHour(t.In(loc).Hour())
	for _, tr := range recentInsulin(t, insulin, maxInsulinWindow) {
		if t.Sub(tr.Time()) < insulinExclusionWindow(tr.Insulin, night) {
			return true
		}
	}
	return false
}

func insulinWithin(t time.Time, insulin []models.Treatment, within time.Duration) bool {
	return len(recentInsulin(t, insulin, within)) > 0
}
