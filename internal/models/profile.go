// Package models contains data structures used throughout the application
package models

import (
	"fmt"
	"time"
)

// MinutesPerDay is the length of a profile schedule
const MinutesPerDay = 24 * 60

// ProfileSlot is one entry of a time-of-day schedule. Its value applies from
// Start until the next slot's start, wrapping at midnight.
type ProfileSlot struct {
	Start  string  `json:"start"`  // "HH:MM"
	Minute int     `json:"minute"` // minutes after midnight, 0..1439
	Value  float64 `json:"value"`
}

// Hour returns the hour of day the slot starts in
func (s ProfileSlot) Hour() int {
	return s.Minute / 60
}

// Profile is one normalized snapshot of the pump profile
type Profile struct {
	Name          string        `json:"name,omitempty"`
	EffectiveFrom time.Time     `json:"effectiveFrom"`
	Basal         []ProfileSlot `json:"basal"`       // U/h
	CarbRatio     []ProfileSlot `json:"carbRatio"`   // g/U
	Sensitivity   []ProfileSlot `json:"sensitivity"` // mg/dL per U
	TargetLow     []ProfileSlot `json:"targetLow,omitempty"`
	TargetHigh    []ProfileSlot `json:"targetHigh,omitempty"`
	Units         string        `json:"units,omitempty"`
	Timezone      string        `json:"timezone,omitempty"`
}

// IsEmpty reports whether the profile carries no schedule at all
func (p *Profile) IsEmpty() bool {
	return p == nil || (len(p.Basal) == 0 && len(p.CarbRatio) == 0 && len(p.Sensitivity) == 0)
}

// Location resolves the profile timezone, falling back to fallback
func (p *Profile) Location(fallback *time.Location) *time.Location {
	if p == nil || p.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// FormatMinute renders minutes after midnight as "HH:MM"
func FormatMinute(minute int) string {
	minute = ((minute % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
