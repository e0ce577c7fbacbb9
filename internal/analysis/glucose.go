package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// series is a time ordered view over readings with window lookups
type series []models.Reading

// span returns readings in [from, to], or (from, to] when openStart is set
func (s series) span(from, to time.Time, openStart bool) []models.Reading {
	i := sort.Search(len(s), func(i int) bool {
		if openStart {
			return s[i].Time.After(from)
		}
		return !s[i].Time.Before(from)
	})
	j := sort.Search(len(s), func(i int) bool {
		return s[i].Time.After(to)
	})
	if i >= j {
		return nil
	}
	return s[i:j]
}

// latestIn returns the last reading in [from, to]
func (s series) latestIn(from, to time.Time) (models.Reading, bool) {
	w := s.span(from, to, false)
	if len(w) == 0 {
		return models.Reading{}, false
	}
	return w[len(w)-1], true
}

// nearest returns the reading closest to target within maxDiff
func (s series) nearest(target time.Time, maxDiff time.Duration) (models.Reading, bool) {
	var (
		best  models.Reading
		found bool
	)
	minDiff := maxDiff
	for _, r := range s.span(target.Add(-maxDiff), target.Add(maxDiff), false) {
		diff := r.Time.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff <= minDiff {
			if found && diff == minDiff {
				continue
			}
			minDiff = diff
			best = r
			found = true
		}
	}
	return best, found
}

func findPeakGlucose(readings []models.Reading) (models.Reading, bool) {
	if len(readings) == 0 {
		return models.Reading{}, false
	}
	peak := readings[0]
	for _, r := range readings[1:] {
		if r.Value > peak.Value {
			peak = r
		}
	}
	return peak, true
}

func minGlucose(readings []models.Reading) (float64, bool) {
	if len(readings) == 0 {
		return 0, false
	}
	lowest := readings[0].Value
	for _, r := range readings[1:] {
		lowest = math.Min(lowest, r.Value)
	}
	return lowest, true
}

func meanValue(readings []models.Reading) float64 {
	if len(readings) == 0 {
		return 0
	}
	var sum float64
	for _, r := range readings {
		sum += r.Value
	}
	return sum / float64(len(readings))
}

func stdDev(readings []models.Reading) float64 {
	if len(readings) == 0 {
		return 0
	}
	avg := meanValue(readings)
	var sumSq float64
	for _, r := range readings {
		diff := r.Value - avg
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(readings)))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// roundToStep rounds v to the nearest multiple of step, e.g. the pump's basal increment
func roundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(d).Round(0).Mul(d).InexactFloat64()
}

func roundTo(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func isNightHour(h int) bool {
	return h >= 22 || h < 6
}

func minuteOfDay(t time.Time, loc *time.Location) int {
	lt := t.In(loc)
	return lt.Hour()*60 + lt.Minute()
}

// hoursSpanned lists the hours of day touched by [start, end) minutes, end may wrap past midnight
func hoursSpanned(start, end int) []int {
	if end <= start {
		return []int{start / 60 % models.HoursPerDay}
	}
	var hours []int
	for h := start / 60; h*60 < end; h++ {
		hours = append(hours, h%models.HoursPerDay)
	}
	return uniqueSorted(hours)
}

func uniqueSorted(values []int) []int {
	if len(values) == 0 {
		return []int{}
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
