// Package models contains data structures used throughout the application
package models

import (
	"encoding/json"
	"time"
)

// HoursPerDay is the length of every hour-indexed result array
const HoursPerDay = 24

// HourlyAdjustment is one suggested change for an hour of day or a profile slot
type HourlyAdjustment struct {
	Hour           int     `json:"hour"`
	Minute         int     `json:"minute"` // minute of day, finer than Hour for non hour-aligned slots
	SlotStart      string  `json:"slotStart,omitempty"`
	CurrentValue   float64 `json:"currentValue"`
	SuggestedValue float64 `json:"suggestedValue"`
	AdjustmentPct  float64 `json:"adjustmentPct"`
	Confidence     float64 `json:"confidence"`
	SampleCount    int     `json:"sampleCount"`
	SuccessRate    float64 `json:"successRate"`
	AvgEfficiency  float64 `json:"avgEfficiency,omitempty"`

	IsNewSlot               bool  `json:"isNewSlot"`
	IsProfileCompliant      bool  `json:"isProfileCompliant"`
	IsGroupedRecommendation bool  `json:"isGroupedRecommendation"`
	AffectedHours           []int `json:"affectedHours"`

	// Basal diagnostics
	AverageGlucose  *float64 `json:"averageGlucose,omitempty"`
	Trend           float64  `json:"trend,omitempty"`
	Stability       float64  `json:"stability,omitempty"`
	InsulinAffected bool     `json:"insulinAffected,omitempty"`

	// ISF safety guard tripped
	SafetyBlocked bool `json:"safetyBlocked,omitempty"`
}

// ValueChangePct is the relative change of the profile value itself, which for
// ICR has the opposite sign of AdjustmentPct
func (h HourlyAdjustment) ValueChangePct() float64 {
	if h.CurrentValue == 0 {
		return 0
	}
	return (h.SuggestedValue - h.CurrentValue) / h.CurrentValue * 100
}

// SlotRecommendations splits ICR or ISF findings into three buckets
type SlotRecommendations struct {
	Modifications    []HourlyAdjustment `json:"modifications"`
	NewSlots         []HourlyAdjustment `json:"newSlots"`
	ProfileCompliant []HourlyAdjustment `json:"profileCompliant"`
}

// ChangeType names the profile schedule that changed
type ChangeType string

const (
	ChangeBasal ChangeType = "basal"
	ChangeICR   ChangeType = "icr"
	ChangeISF   ChangeType = "isf"
)

// ProfileChange records a schedule that differs from the previous day
type ProfileChange struct {
	Day        string        `json:"day"` // YYYY-MM-DD
	ChangeType ChangeType    `json:"changeType"`
	Previous   []ProfileSlot `json:"prev"`
	Current    []ProfileSlot `json:"curr"`
}

// ProfileChangeAnalysis is the outcome of profile change detection
type ProfileChangeAnalysis struct {
	HasChanges    bool            `json:"hasChanges"`
	Changes       []ProfileChange `json:"changes"`
	Strategy      string          `json:"strategy"`
	SegmentedFrom *time.Time      `json:"segmentedFrom,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// Severity grades a cross-validation conflict
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Conflict flags an hour where recommendations disagree
type Conflict struct {
	Hour           int      `json:"hour"`
	Severity       Severity `json:"severity"`
	Kind           string   `json:"kind"`
	Message        string   `json:"message"`
	AverageGlucose float64  `json:"averageGlucose"`
	BasalChange    float64  `json:"basalChange"`
	ICRChange      float64  `json:"icrChange"`
}

// ValidationResult is the cross-validator summary
type ValidationResult struct {
	Conflicts               []Conflict `json:"conflicts"`
	Benign                  []Conflict `json:"benign,omitempty"`
	OverallCoherence        float64    `json:"overallCoherence"`
	HasSignificantConflicts bool       `json:"hasSignificantConflicts"`
}

// AnalysisMode tells which basal algorithm ran
type AnalysisMode string

const (
	ModeSimple   AnalysisMode = "simple"
	ModeDetailed AnalysisMode = "detailed"
)

// AnalysisResult is everything one analysis run produces
type AnalysisResult struct {
	RunID       string       `json:"runId"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Mode        AnalysisMode `json:"mode"`

	HourlyAvg            [HoursPerDay]*float64         `json:"hourlyAvg"`
	BasalChange          [HoursPerDay]HourlyAdjustment `json:"basalChange"`
	HourlyICRAdjustments SlotRecommendations           `json:"hourlyICRAdjustments"`
	HourlyISFAdjustments SlotRecommendations           `json:"hourlyISFAdjustments"`
	ProfileChanges       ProfileChangeAnalysis         `json:"profileChangeAnalysis"`
	Validation           *ValidationResult             `json:"validation,omitempty"`

	EntriesAnalyzed    int `json:"entriesAnalyzed"`
	TreatmentsAnalyzed int `json:"treatmentsAnalyzed"`
	DataDays           int `json:"dataDays"`
}

// MarshalJSON implements custom JSON marshaling
func (r *AnalysisResult) MarshalJSON() ([]byte, error) {
	type Alias AnalysisResult
	return json.Marshal(&struct {
		*Alias
		GeneratedAt string `json:"generatedAt"`
	}{
		Alias:       (*Alias)(r),
		GeneratedAt: r.GeneratedAt.Format(time.RFC3339),
	})
}

// CalculationProgress represents the progress of a fetch-and-analyze run
type CalculationProgress struct {
	Stage                  string    `json:"stage"`    // Current stage name
	Progress               float64   `json:"progress"` // 0-100 percentage
	TotalEntries           int       `json:"totalEntries"`
	TotalTreatments        int       `json:"totalTreatments"`
	TotalProfiles          int       `json:"totalProfiles"`
	EstimatedTimeRemaining float64   `json:"estimatedTimeRemaining"` // seconds
	StartedAt              time.Time `json:"startedAt"`
	Error                  string    `json:"error,omitempty"`
}
