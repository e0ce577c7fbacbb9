package analysis

import (
	"time"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// HourlyAverages buckets glucose entries by hour of day in loc and averages
// each bucket. Hours without readings are nil.
func HourlyAverages(entries []models.GlucoseEntry, loc *time.Location) [models.HoursPerDay]*float64 {
	return hourlyAverages(models.NormalizeEntries(entries), loc)
}

func hourlyAverages(readings []models.Reading, loc *time.Location) [models.HoursPerDay]*float64 {
	if loc == nil {
		loc = time.UTC
	}

	var (
		sums   [models.HoursPerDay]float64
		counts [models.HoursPerDay]int
		out    [models.HoursPerDay]*float64
	)
	for _, r := range readings {
		h := r.Time.In(loc).Hour()
		sums[h] += r.Value
		counts[h]++
	}
	for h := range out {
		if counts[h] == 0 {
			continue
		}
		avg := sums[h] / float64(counts[h])
		out[h] = &avg
	}
	return out
}

// readingsByHour groups readings by hour of day in loc, preserving time order
func readingsByHour(readings []models.Reading, loc *time.Location) [models.HoursPerDay][]models.Reading {
	var out [models.HoursPerDay][]models.Reading
	for _, r := range readings {
		h := r.Time.In(loc).Hour()
		out[h] = append(out[h], r)
	}
	return out
}
