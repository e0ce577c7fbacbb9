package analysis

import (
	"time"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return day0.AddDate(0, 0, day).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func slot(minute int, value float64) models.ProfileSlot {
	return models.ProfileSlot{Start: models.FormatMinute(minute), Minute: minute, Value: value}
}

func entry(t time.Time, v float64) models.GlucoseEntry {
	return models.GlucoseEntry{SGV: v, Date: t.UnixMilli()}
}

// days of readings every five minutes, valued by hour of day
func dailyReadings(days int, value func(hour int) float64) []models.Reading {
	var out []models.Reading
	for d := 0; d < days; d++ {
		for m := 0; m < models.MinutesPerDay; m += 5 {
			t := at(d, 0, m)
			out = append(out, models.Reading{Time: t, Value: value(t.Hour())})
		}
	}
	return out
}

type point struct {
	offset int // minutes from start
	value  float64
}

// trace interpolates a five minute glucose trace through points
func trace(start time.Time, points ...point) []models.Reading {
	var out []models.Reading
	last := points[len(points)-1].offset
	for m := points[0].offset; m <= last; m += 5 {
		out = append(out, models.Reading{Time: start.Add(time.Duration(m) * time.Minute), Value: interpolate(points, m)})
	}
	return out
}

func interpolate(points []point, m int) float64 {
	for i := 1; i < len(points); i++ {
		a, b := points[i-1], points[i]
		if m <= b.offset {
			frac := float64(m-a.offset) / float64(b.offset-a.offset)
			return a.value + frac*(b.value-a.value)
		}
	}
	return points[len(points)-1].value
}

func toEntries(readings []models.Reading) []models.GlucoseEntry {
	out := make([]models.GlucoseEntry, len(readings))
	for i, r := range readings {
		out[i] = entry(r.Time, r.Value)
	}
	return out
}
