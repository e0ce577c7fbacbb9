// Package models contains data structures used throughout the application
package models

import "time"

// GlucoseEntry represents a single glucose reading from Nightscout.
// Uploaders disagree on field names, so value and time each have aliases.
type GlucoseEntry struct {
	ID        string  `json:"_id,omitempty"`
	SGV       float64 `json:"sgv,omitempty"`     // Sensor glucose value in mg/dL
	MBG       float64 `json:"mbg,omitempty"`     // Meter glucose value in mg/dL
	Glucose   float64 `json:"glucose,omitempty"` // Generic alias used by some uploaders
	Date      int64   `json:"date,omitempty"`    // Unix timestamp in milliseconds
	Mills     int64   `json:"mills,omitempty"`
	DateStr   string  `json:"dateString,omitempty"`
	SysTime   string  `json:"sysTime,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Device    string  `json:"device,omitempty"`
	Type      string  `json:"type,omitempty"`
}

// Time returns the time of the glucose entry, or the zero time when no
// timestamp field is usable
func (g *GlucoseEntry) Time() time.Time {
	switch {
	case g.Date > 0:
		return time.UnixMilli(g.Date)
	case g.Mills > 0:
		return time.UnixMilli(g.Mills)
	}
	for _, s := range []string{g.DateStr, g.SysTime} {
		if s == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// ValueMgDL returns the glucose value in mg/dL, 0 if the entry carries none
func (g *GlucoseEntry) ValueMgDL() float64 {
	for _, v := range []float64{g.SGV, g.MBG, g.Glucose} {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Reading is a normalized glucose sample
type Reading struct {
	Time  time.Time
	Value float64 // mg/dL
}

// NormalizeEntries converts raw entries into readings sorted by time,
// dropping entries without a usable timestamp or value
func NormalizeEntries(entries []GlucoseEntry) []Reading {
	readings := make([]Reading, 0, len(entries))
	for i := range entries {
		t := entries[i].Time()
		v := entries[i].ValueMgDL()
		if t.IsZero() || v <= 0 {
			continue
		}
		readings = append(readings, Reading{Time: t, Value: v})
	}
	sortReadings(readings)
	return readings
}

// ToMgdl converts a mmol/L value to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * 18.0182
}

// ServerStatus represents the Nightscout server status
type ServerStatus struct {
	Status     string         `json:"status"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	ServerTime string         `json:"serverTime"`
	APIEnabled bool           `json:"apiEnabled"`
	Settings   ServerSettings `json:"settings,omitempty"`
}

// ServerSettings contains the Nightscout server settings the advisor reads
type ServerSettings struct {
	Units      string     `json:"units"`
	Thresholds Thresholds `json:"thresholds,omitempty"`
}

// Thresholds contains glucose threshold settings
type Thresholds struct {
	BGHigh         int `json:"bgHigh"`
	BGLow          int `json:"bgLow"`
	BGTargetTop    int `json:"bgTargetTop"`
	BGTargetBottom int `json:"bgTargetBottom"`
}
