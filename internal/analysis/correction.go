package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/profile"
)

const (
	correctionMinInsulin      = 0.3
	correctionMaxInsulin      = 1.5
	correctionMinPre          = 150.0
	tempBasalMinPre           = 120.0
	correctionPreWindow       = 30 * time.Minute
	correctionMealWindow      = 30 * time.Minute
	correctionMealCarbs       = 5.0
	correctionFinalSlop       = 15 * time.Minute
	tempBasalMinRate          = 0.6 // U/h
	tempBasalMinInsulin       = 0.05
	targetEfficiency          = 0.9
	minCleanCorrections       = 2
	minISF                    = 10.0
	fullConfidenceCorrections = 5.0
)

// CorrectionSource tells how a correction delivered its insulin
type CorrectionSource string

const (
	SourceBolus     CorrectionSource = "bolus"
	SourceTempBasal CorrectionSource = "tempBasal"
)

// correctionOutcome is the glucose response to one correction
type correctionOutcome struct {
	Source     CorrectionSource
	Time       time.Time
	Minute     int
	Insulin    float64
	Pre        float64
	Final      float64
	FinalTime  time.Time
	Expected   float64
	Actual     float64
	Efficiency float64
	NearMeal   bool
	HadLow     bool
	// Suspended means a zero rate temp basal overlapped the response window
	Suspended bool
	Success   bool
}

// window is a span of time
type window struct {
	start, end time.Time
}

// CorrectionAnalyzer measures how far corrections drop glucose per unit
type CorrectionAnalyzer struct {
	// PerHour groups corrections by hour of day instead of by profile slot
	PerHour bool

	loc *time.Location
	log zerolog.Logger
}

// NewCorrectionAnalyzer creates a correction analyzer grouping by profile slot
func NewCorrectionAnalyzer(loc *time.Location, log zerolog.Logger) *CorrectionAnalyzer {
	if loc == nil {
		loc = time.UTC
	}
	return &CorrectionAnalyzer{loc: loc, log: log}
}

// Analyze returns one ISF candidate per group holding enough clean corrections
func (c *CorrectionAnalyzer) Analyze(readings []models.Reading, treatments []models.Treatment, isf, basal []models.ProfileSlot) []models.HourlyAdjustment {
	s := series(readings)
	meals := mealTimes(treatments)

	var outcomes []correctionOutcome
	for _, t := range treatments {
		if o, ok := c.bolusOutcome(s, t, meals, isf); ok {
			outcomes = append(outcomes, o)
		}
	}
	bolusCount := len(outcomes)

	avgRate := averageBasalRate(treatments, basal)
	for _, t := range treatments {
		if o, ok := c.tempBasalOutcome(s, t, meals, isf, basal, avgRate); ok {
			outcomes = append(outcomes, o)
		}
	}

	suspends := c.suspensions(treatments, basal, avgRate)
	suspended := 0
	for i := range outcomes {
		if overlapsAny(outcomes[i].Time, outcomes[i].FinalTime, suspends) {
			outcomes[i].Suspended = true
			suspended++
		}
	}

	groups := make(map[int][]correctionOutcome)
	var nearMeal int
	for _, o := range outcomes {
		if o.NearMeal {
			nearMeal++
			continue
		}
		key := c.groupKey(o.Minute, isf)
		groups[key] = append(groups[key], o)
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var candidates []models.HourlyAdjustment
	for _, key := range keys {
		if adj, ok := c.candidate(key, groups[key], isf); ok {
			candidates = append(candidates, adj)
		}
	}

	c.log.Debug().
		Int("bolusCorrections", bolusCount).
		Int("tempBasalCorrections", len(outcomes)-bolusCount).
		Int("nearMeal", nearMeal).
		Int("suspended", suspended).
		Float64("avgBasalRate", avgRate).
		Int("candidates", len(candidates)).
		Msg("correction analysis finished")
	return candidates
}

func (c *CorrectionAnalyzer) groupKey(minute int, isf []models.ProfileSlot) int {
	if c.PerHour || len(isf) == 0 {
		return minute / 60 * 60
	}
	i, _ := profile.SlotAt(isf, minute)
	return isf[i].Minute
}

func (c *CorrectionAnalyzer) bolusOutcome(s series, t models.Treatment, meals []time.Time, isf []models.ProfileSlot) (correctionOutcome, bool) {
	if t.Kind() == models.KindTempBasal || t.Carbs != 0 ||
		t.Insulin < correctionMinInsulin || t.Insulin >= correctionMaxInsulin {
		return correctionOutcome{}, false
	}
	at := t.Time()
	if at.IsZero() {
		return correctionOutcome{}, false
	}

	o, ok := c.measure(s, SourceBolus, at, t.Insulin, correctionMinPre, meals, isf)
	if !ok {
		return o, false
	}
	// Probably a mis-tagged meal bolus
	if o.Efficiency < 0.1 && o.Insulin > 1 {
		return o, false
	}

	o.Success = o.Final >= hypoThreshold &&
		o.Final < o.Pre &&
		o.Actual > math.Min(0.3*o.Expected, 30) &&
		o.Efficiency > 0.2 && o.Efficiency < 3.0 &&
		!o.NearMeal
	return o, true
}

func (c *CorrectionAnalyzer) tempBasalOutcome(s series, t models.Treatment, meals []time.Time, isf, basal []models.ProfileSlot, avgRate float64) (correctionOutcome, bool) {
	if t.Kind() != models.KindTempBasal || t.Duration <= 0 {
		return correctionOutcome{}, false
	}
	at := t.Time()
	if at.IsZero() {
		return correctionOutcome{}, false
	}

	scheduled := profile.ValueAt(basal, minuteOfDay(at, c.loc), avgRate)
	rate, ok := t.TempBasalRate(scheduled)
	if !ok || rate <= math.Max(1.5*avgRate, tempBasalMinRate) {
		return correctionOutcome{}, false
	}

	insulin := (rate - 0.8*avgRate) * t.Duration / 60
	if insulin < tempBasalMinInsulin {
		return correctionOutcome{}, false
	}

	o, ok := c.measure(s, SourceTempBasal, at, insulin, tempBasalMinPre, meals, isf)
	if !ok {
		return o, false
	}
	o.Success = o.Actual > 20 && o.Efficiency > 0.5 && o.Final >= hypoThreshold
	return o, true
}

// measure fills the glucose response shared by both correction sources
func (c *CorrectionAnalyzer) measure(s series, source CorrectionSource, at time.Time, insulin, minPre float64, meals []time.Time, isf []models.ProfileSlot) (correctionOutcome, bool) {
	pre, ok := s.latestIn(at.Add(-correctionPreWindow), at)
	if !ok || pre.Value < minPre {
		return correctionOutcome{}, false
	}

	final, ok := s.nearest(at.Add(2*time.Hour), correctionFinalSlop)
	if !ok {
		final, ok = s.nearest(at.Add(3*time.Hour), correctionFinalSlop)
	}
	if !ok {
		return correctionOutcome{}, false
	}

	minute := minuteOfDay(at, c.loc)
	expected := insulin * profile.ValueAt(isf, minute, profile.FallbackISF)
	o := correctionOutcome{
		Source:    source,
		Time:      at,
		Minute:    minute,
		Insulin:   insulin,
		Pre:       pre.Value,
		Final:     final.Value,
		FinalTime: final.Time,
		Expected:  expected,
		Actual:    pre.Value - final.Value,
		NearMeal:  nearAny(at, meals, correctionMealWindow),
	}
	if expected > 0 {
		o.Efficiency = o.Actual / expected
	}
	if low, ok := minGlucose(s.span(at, final.Time, false)); ok {
		o.HadLow = low < hypoThreshold
	}
	return o, true
}

func (c *CorrectionAnalyzer) candidate(key int, outcomes []correctionOutcome, isf []models.ProfileSlot) (models.HourlyAdjustment, bool) {
	if len(outcomes) < minCleanCorrections {
		c.log.Debug().Str("slot", models.FormatMinute(key)).Int("corrections", len(outcomes)).Msg("not enough clean corrections for ISF")
		return models.HourlyAdjustment{}, false
	}

	current := profile.ValueAt(isf, key, profile.FallbackISF)

	var (
		efficiencies []float64
		hours        []int
		successes    int
		blocked      bool
	)
	for _, o := range outcomes {
		efficiencies = append(efficiencies, o.Efficiency)
		hours = append(hours, o.Minute/60)
		if o.Success {
			successes++
		}
		if o.HadLow || o.Final < hypoThreshold || o.Suspended {
			blocked = true
		}
	}

	avgEfficiency := mean(efficiencies)
	adj := models.HourlyAdjustment{
		Hour:          key / 60,
		Minute:        key,
		SlotStart:     models.FormatMinute(key),
		CurrentValue:  current,
		SampleCount:   len(outcomes),
		SuccessRate:   float64(successes) / float64(len(outcomes)),
		AvgEfficiency: roundTo(avgEfficiency, 2),
		Confidence:    math.Min(1, float64(len(outcomes))/fullConfidenceCorrections),
		AffectedHours: uniqueSorted(hours),
	}

	if blocked {
		adj.SuggestedValue = math.Max(current, minISF)
		if current > 0 && adj.SuggestedValue != current {
			adj.AdjustmentPct = roundTo((adj.SuggestedValue/current-1)*100, 1)
		}
		adj.SafetyBlocked = true
		c.log.Info().Str("slot", adj.SlotStart).Float64("avgEfficiency", avgEfficiency).Msg("ISF change blocked by low glucose in correction trace")
		return adj, true
	}

	adj.SuggestedValue, adj.AdjustmentPct = SuggestISF(current, avgEfficiency)
	return adj, true
}

// SuggestISF scales the current ISF by observed over target efficiency,
// limited to a 30% change. The absolute floor wins over the change limit,
// so a current value below about 7.7 is raised to the floor.
func SuggestISF(current, avgEfficiency float64) (suggested, pct float64) {
	if current <= 0 {
		current = profile.FallbackISF
	}
	pct = (avgEfficiency/targetEfficiency - 1) * 100
	if math.IsNaN(pct) {
		pct = 0
	}
	pct = clamp(pct, -maxRatioChange, maxRatioChange)

	exact := current * (1 + pct/100)
	suggested = roundTo(exact, 1)
	if math.Abs(suggested/current-1)*100 > maxRatioChange {
		suggested = exact
	}
	if suggested < minISF {
		suggested = minISF
	}
	pct = roundTo((suggested/current-1)*100, 1)
	return suggested, pct
}

// suspensions returns the spans of zero rate temp basals
func (c *CorrectionAnalyzer) suspensions(treatments []models.Treatment, basal []models.ProfileSlot, avgRate float64) []window {
	var out []window
	for _, t := range treatments {
		if t.Kind() != models.KindTempBasal || t.Duration <= 0 {
			continue
		}
		at := t.Time()
		if at.IsZero() {
			continue
		}
		scheduled := profile.ValueAt(basal, minuteOfDay(at, c.loc), avgRate)
		if rate, ok := t.TempBasalRate(scheduled); ok && rate == 0 {
			out = append(out, window{start: at, end: at.Add(time.Duration(t.Duration * float64(time.Minute)))})
		}
	}
	return out
}

func overlapsAny(from, to time.Time, spans []window) bool {
	for _, w := range spans {
		if w.start.Before(to) && w.end.After(from) {
			return true
		}
	}
	return false
}

// averageBasalRate is the time weighted mean of the scheduled basal, or the
// median of observed temp basal rates when no schedule is known
func averageBasalRate(treatments []models.Treatment, basal []models.ProfileSlot) float64 {
	if avg := profile.MeanValue(basal); avg > 0 {
		return avg
	}
	var rates []float64
	for _, t := range treatments {
		if t.Kind() != models.KindTempBasal {
			continue
		}
		if r, ok := t.TempBasalRate(0); ok && r > 0 {
			rates = append(rates, r)
		}
	}
	return median(rates)
}

func mealTimes(treatments []models.Treatment) []time.Time {
	var out []time.Time
	for _, t := range treatments {
		if t.Carbs >= correctionMealCarbs {
			if at := t.Time(); !at.IsZero() {
				out = append(out, at)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func nearAny(at time.Time, times []time.Time, within time.Duration) bool {
	i := sort.Search(len(times), func(i int) bool {
		return !times[i].Before(at.Add(-within))
	})
	return i < len(times) && !times[i].After(at.Add(within))
}
