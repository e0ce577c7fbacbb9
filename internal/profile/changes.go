package profile

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// Strategy decides what the engine does with data recorded before a recent
// profile change
type Strategy string

const (
	// StrategyWarn only reports changes
	StrategyWarn Strategy = "warn"
	// StrategySegment analyzes only data recorded since the most recent change
	StrategySegment Strategy = "segment"
)

// ParseStrategy validates a strategy name, defaulting to warn when empty
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyWarn:
		return StrategyWarn, nil
	case StrategySegment:
		return StrategySegment, nil
	}
	return "", fmt.Errorf("unknown segmentation strategy %q", s)
}

const (
	dayLayout      = "2006-01-02"
	valueTolerance = 1e-9
)

// ChangeDetector compares day-level profile snapshots
type ChangeDetector struct {
	loc *time.Location
	now func() time.Time
	log zerolog.Logger
}

// DetectorOption configures a ChangeDetector
type DetectorOption func(*ChangeDetector)

// WithLocation sets the timezone that defines calendar days
func WithLocation(loc *time.Location) DetectorOption {
	return func(d *ChangeDetector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithClock sets the reference for "now"
func WithClock(now func() time.Time) DetectorOption {
	return func(d *ChangeDetector) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) DetectorOption {
	return func(d *ChangeDetector) {
		d.log = log
	}
}

// NewChangeDetector creates a detector, by default in UTC using the wall clock
func NewChangeDetector(opts ...DetectorOption) *ChangeDetector {
	d := &ChangeDetector{
		loc: time.UTC,
		now: time.Now,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns one change record per schedule that differs between two
// consecutive snapshot days, for later days inside the lookback window.
// lookbackDays <= 0 disables the window.
func (d *ChangeDetector) Detect(history []models.Profile, lookbackDays int) []models.ProfileChange {
	days, byDay := d.lastPerDay(history)
	if len(days) < 2 {
		return nil
	}

	now := d.now().In(d.loc)
	var cutoff time.Time
	if lookbackDays > 0 {
		cutoff = startOfDay(now).AddDate(0, 0, -lookbackDays)
	}

	var changes []models.ProfileChange
	for i := 1; i < len(days); i++ {
		dayStart, err := time.ParseInLocation(dayLayout, days[i], d.loc)
		if err != nil {
			continue
		}
		if dayStart.After(now) || (!cutoff.IsZero() && dayStart.Before(cutoff)) {
			continue
		}

		prev, curr := byDay[days[i-1]], byDay[days[i]]
		for _, field := range []struct {
			kind       models.ChangeType
			prev, curr []models.ProfileSlot
		}{
			{models.ChangeBasal, prev.Basal, curr.Basal},
			{models.ChangeICR, prev.CarbRatio, curr.CarbRatio},
			{models.ChangeISF, prev.Sensitivity, curr.Sensitivity},
		} {
			if SlotsEqual(field.prev, field.curr) {
				continue
			}
			changes = append(changes, models.ProfileChange{
				Day:        days[i],
				ChangeType: field.kind,
				Previous:   field.prev,
				Current:    field.curr,
			})
		}
	}

	d.log.Debug().
		Int("snapshots", len(history)).
		Int("days", len(days)).
		Int("changes", len(changes)).
		Int("lookbackDays", lookbackDays).
		Msg("profile change detection finished")

	return changes
}

// SegmentStart returns the start of the most recent change day
func (d *ChangeDetector) SegmentStart(changes []models.ProfileChange) (time.Time, bool) {
	var latest time.Time
	for _, c := range changes {
		t, err := time.ParseInLocation(dayLayout, c.Day, d.loc)
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero()
}

func (d *ChangeDetector) lastPerDay(history []models.Profile) ([]string, map[string]models.Profile) {
	sorted := make([]models.Profile, 0, len(history))
	for _, p := range history {
		if !p.EffectiveFrom.IsZero() {
			sorted = append(sorted, p)
		}
	}
	SortHistory(sorted)

	byDay := make(map[string]models.Profile)
	for _, p := range sorted {
		byDay[p.EffectiveFrom.In(d.loc).Format(dayLayout)] = p
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	return days, byDay
}

// SlotsEqual compares two schedules slot by slot, matched by start minute
func SlotsEqual(a, b []models.ProfileSlot) bool {
	if len(a) != len(b) {
		return false
	}
	values := make(map[int]float64, len(b))
	for _, s := range b {
		values[s.Minute] = s.Value
	}
	for _, s := range a {
		v, ok := values[s.Minute]
		if !ok || math.Abs(v-s.Value) > valueTolerance {
			return false
		}
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
