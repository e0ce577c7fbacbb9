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
	mealPreWindow   = 30 * time.Minute
	mealPeakWindow  = 3 * time.Hour
	mealTwoHour     = 2 * time.Hour
	mealTwoHourSlop = 30 * time.Minute
	minValidMeals   = 2
	maxRatioChange  = 30.0 // percent
	hypoThreshold   = 70.0
)

// mealOutcome is the glucose response to one meal
type mealOutcome struct {
	Time     time.Time
	Minute   int
	Carbs    float64
	Insulin  float64
	Pre      float64
	Peak     float64
	At2h     float64
	Min      float64
	Complete bool
	Success  bool

	PeakExcess float64
	Excess2h   float64
	HadLow     bool
}

// MealAnalyzer attributes post-meal excursions to carb ratio slots
type MealAnalyzer struct {
	// PerHour groups meals by hour of day instead of by profile slot
	PerHour bool

	loc *time.Location
	log zerolog.Logger
}

// NewMealAnalyzer creates a meal analyzer grouping by profile slot
func NewMealAnalyzer(loc *time.Location, log zerolog.Logger) *MealAnalyzer {
	if loc == nil {
		loc = time.UTC
	}
	return &MealAnalyzer{loc: loc, log: log}
}

// MealTargets returns the peak and two hour targets for a meal
func MealTargets(carbs, pre float64) (peak, twoHour float64) {
	switch {
	case carbs <= 15:
		peak, twoHour = 180, 140
	case carbs <= 30:
		peak, twoHour = 190, 150
	default:
		peak, twoHour = 200, 160
	}
	if pre > 140 {
		peak += 20
	}
	return peak, twoHour
}

// Analyze returns one ICR candidate per group of meals
func (m *MealAnalyzer) Analyze(readings []models.Reading, treatments []models.Treatment, icr []models.ProfileSlot) []models.HourlyAdjustment {
	s := series(readings)

	groups := make(map[int][]mealOutcome)
	var meals, complete int
	for _, t := range treatments {
		if !t.IsMeal() || t.Time().IsZero() {
			continue
		}
		meals++
		outcome := m.outcome(s, t)
		if outcome.Complete {
			complete++
		}
		key := m.groupKey(outcome.Minute, icr)
		groups[key] = append(groups[key], outcome)
	}

	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	candidates := make([]models.HourlyAdjustment, 0, len(keys))
	for _, key := range keys {
		candidates = append(candidates, m.candidate(key, groups[key], icr))
	}

	m.log.Debug().
		Int("meals", meals).
		Int("complete", complete).
		Int("groups", len(groups)).
		Bool("perHour", m.PerHour).
		Msg("meal analysis finished")
	return candidates
}

func (m *MealAnalyzer) groupKey(minute int, icr []models.ProfileSlot) int {
	if m.PerHour || len(icr) == 0 {
		return minute / 60 * 60
	}
	i, _ := profile.SlotAt(icr, minute)
	return icr[i].Minute
}

func (m *MealAnalyzer) outcome(s series, t models.Treatment) mealOutcome {
	at := t.Time()
	o := mealOutcome{
		Time:    at,
		Minute:  minuteOfDay(at, m.loc),
		Carbs:   t.Carbs,
		Insulin: t.Insulin,
	}

	pre, okPre := s.latestIn(at.Add(-mealPreWindow), at)
	after := s.span(at, at.Add(mealPeakWindow), true)
	peak, okPeak := findPeakGlucose(after)
	at2h, ok2h := s.nearest(at.Add(mealTwoHour), mealTwoHourSlop)
	if low, ok := minGlucose(after); ok {
		o.Min = low
		o.HadLow = low < hypoThreshold
	}

	if !okPre || !okPeak || !ok2h {
		return o
	}

	o.Complete = true
	o.Pre = pre.Value
	o.Peak = peak.Value
	o.At2h = at2h.Value

	peakTarget, target2h := MealTargets(o.Carbs, o.Pre)
	o.PeakExcess = math.Max(0, o.Peak-peakTarget)
	o.Excess2h = math.Max(0, o.At2h-target2h)
	o.Success = o.Peak < peakTarget && o.At2h < target2h
	return o
}

func (m *MealAnalyzer) candidate(key int, outcomes []mealOutcome, icr []models.ProfileSlot) models.HourlyAdjustment {
	current := profile.ValueAt(icr, key, profile.FallbackICR)

	var (
		valid, successes, lows int
		peakExcess, excess2h   []float64
		hours                  []int
	)
	for _, o := range outcomes {
		hours = append(hours, o.Minute/60)
		if !o.Complete {
			continue
		}
		valid++
		if o.Success {
			successes++
		}
		if o.HadLow {
			lows++
		}
		peakExcess = append(peakExcess, o.PeakExcess)
		excess2h = append(excess2h, o.Excess2h)
	}

	adj := models.HourlyAdjustment{
		Hour:           key / 60,
		Minute:         key,
		SlotStart:      models.FormatMinute(key),
		CurrentValue:   current,
		SuggestedValue: current,
		SampleCount:    valid,
		AffectedHours:  uniqueSorted(hours),
	}
	if valid < minValidMeals {
		m.log.Debug().Str("slot", adj.SlotStart).Int("validMeals", valid).Msg("not enough meals for ICR")
		return adj
	}

	successRate := float64(successes) / float64(valid)
	lowRate := float64(lows) / float64(valid)
	pct := ICRAdjustment(successRate, mean(peakExcess), mean(excess2h), lowRate)

	suggested := clamp(current*(1-pct/100), current*(1-maxRatioChange/100), current*(1+maxRatioChange/100))
	adj.SuggestedValue = roundTo(suggested, 1)
	adj.AdjustmentPct = pct
	adj.SuccessRate = successRate
	adj.Confidence = math.Min(float64(valid)/3, 1)
	if successRate <= 0.1 {
		adj.Confidence *= 0.5
	}

	m.log.Debug().
		Str("slot", adj.SlotStart).
		Int("validMeals", valid).
		Float64("successRate", successRate).
		Float64("lowRate", lowRate).
		Float64("pct", pct).
		Msg("ICR slot")
	return adj
}

// ICRAdjustment picks the ICR change in percent, positive meaning a lower
// ratio (more insulin per gram). Frequent post-meal lows raise the ratio instead.
func ICRAdjustment(successRate, avgPeakExcess, avgExcess2h, lowRate float64) float64 {
	if lowRate >= 0.3 {
		return -math.Min(15, math.Round(lowRate*30))
	}

	maxExcess := math.Max(avgPeakExcess, avgExcess2h)
	var limit float64
	switch {
	case successRate < 0.3:
		limit = 20
	case successRate < 0.5:
		limit = 15
	case successRate < 0.7:
		limit = 10
	default:
		if avgPeakExcess > 20 || avgExcess2h > 15 {
			return math.Min(5, math.Round(maxExcess/5))
		}
		return 0
	}
	return math.Min(limit, math.Max(5, math.Round(maxExcess/2)))
}
