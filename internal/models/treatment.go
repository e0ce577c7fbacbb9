// Package models contains data structures used throughout the application
package models

import (
	"sort"
	"time"
)

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID        string  `json:"_id,omitempty"`
	EventType string  `json:"eventType"`
	Date      int64   `json:"date,omitempty"` // Unix timestamp in milliseconds
	Mills     int64   `json:"mills,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
	Insulin   float64 `json:"insulin,omitempty"`  // Units of insulin
	Carbs     float64 `json:"carbs,omitempty"`    // Grams of carbohydrates
	Duration  float64 `json:"duration,omitempty"` // Duration in minutes (for temp basals, etc.)
	Glucose   float64 `json:"glucose,omitempty"`
	Notes     string  `json:"notes,omitempty"`
	EnteredBy string  `json:"enteredBy,omitempty"`

	// For basal changes
	Percent  *float64 `json:"percent,omitempty"`  // Relative change, -100 means suspended
	Absolute *float64 `json:"absolute,omitempty"` // Absolute rate in U/h
	Rate     *float64 `json:"rate,omitempty"`     // Alias of absolute used by some uploaders

	// For profile switches
	Profile string `json:"profile,omitempty"`
}

// TreatmentKind is the normalized classification of a treatment
type TreatmentKind string

const (
	KindBolus           TreatmentKind = "bolus"
	KindCorrectionBolus TreatmentKind = "correctionBolus"
	KindMealBolus       TreatmentKind = "mealBolus"
	KindCarbs           TreatmentKind = "carbs"
	KindTempBasal       TreatmentKind = "tempBasal"
	KindProfileSwitch   TreatmentKind = "profileSwitch"
	KindOther           TreatmentKind = "other"
)

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	switch {
	case t.Date > 0:
		return time.UnixMilli(t.Date)
	case t.Mills > 0:
		return time.UnixMilli(t.Mills)
	}
	// Fallback to created_at
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// HasInsulin returns true if this treatment includes insulin
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// Kind classifies the treatment from its event type, falling back to its content
func (t *Treatment) Kind() TreatmentKind {
	switch t.EventType {
	case TreatmentEventTypes.TempBasal:
		return KindTempBasal
	case TreatmentEventTypes.ProfileSwitch:
		return KindProfileSwitch
	case TreatmentEventTypes.CorrectionBolus:
		return KindCorrectionBolus
	case TreatmentEventTypes.MealBolus, TreatmentEventTypes.SnackBolus:
		return KindMealBolus
	case TreatmentEventTypes.CarbCorrection:
		return KindCarbs
	}

	switch {
	case t.HasInsulin() && t.HasCarbs():
		return KindMealBolus
	case t.HasInsulin():
		return KindBolus
	case t.HasCarbs():
		return KindCarbs
	}
	if t.Absolute != nil || t.Rate != nil || (t.Percent != nil && t.Duration > 0) {
		return KindTempBasal
	}
	return KindOther
}

// IsMeal reports whether the treatment counts as a meal for ICR analysis
func (t *Treatment) IsMeal() bool {
	return t.Carbs > 5 ||
		(t.Insulin > 0 && t.Carbs > 0) ||
		(t.Insulin > 1 && t.Carbs >= 0)
}

// TempBasalRate resolves the absolute rate of a temp basal. scheduled is the
// profile rate in effect, used for percent-style temp basals.
func (t *Treatment) TempBasalRate(scheduled float64) (float64, bool) {
	if t.Absolute != nil && *t.Absolute >= 0 {
		return *t.Absolute, true
	}
	if t.Rate != nil && *t.Rate >= 0 {
		return *t.Rate, true
	}
	if t.Percent != nil && scheduled > 0 {
		rate := scheduled * (100 + *t.Percent) / 100
		if rate < 0 {
			rate = 0
		}
		return rate, true
	}
	return 0, false
}

// SortTreatments returns a copy of treatments ordered by time
func SortTreatments(treatments []Treatment) []Treatment {
	sorted := make([]Treatment, len(treatments))
	copy(sorted, treatments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time().Before(sorted[j].Time())
	})
	return sorted
}

func sortReadings(readings []Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Time.Before(readings[j].Time)
	})
}

// TreatmentEventTypes contains common Nightscout event types
var TreatmentEventTypes = struct {
	BGCheck         string
	SnackBolus      string
	MealBolus       string
	CorrectionBolus string
	CarbCorrection  string
	ComboBolus      string
	Note            string
	Exercise        string
	SiteChange      string
	TempBasal       string
	ProfileSwitch   string
	TemporaryTarget string
	BolusWizard     string
}{
	BGCheck:         "BG Check",
	SnackBolus:      "Snack Bolus",
	MealBolus:       "Meal Bolus",
	CorrectionBolus: "Correction Bolus",
	CarbCorrection:  "Carb Correction",
	ComboBolus:      "Combo Bolus",
	Note:            "Note",
	Exercise:        "Exercise",
	SiteChange:      "Site Change",
	TempBasal:       "Temp Basal",
	ProfileSwitch:   "Profile Switch",
	TemporaryTarget: "Temporary Target",
	BolusWizard:     "Bolus Wizard",
}
