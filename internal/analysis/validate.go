package analysis

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

const (
	directionThreshold   = 5.0  // percent
	largeChangeThreshold = 15.0 // percent
	highGlucose          = 140.0
	lowGlucose           = 80.0
	coherenceFloor       = 0.8
)

// Conflict kinds
const (
	KindLooseningInHyper = "loosening_in_hyperglycemia"
	KindTighteningInHypo = "tightening_in_hypoglycemia"
	KindOpposing         = "opposing_directions"
	KindLargeChange      = "large_change"
)

// CrossValidator flags hours where basal and carb ratio suggestions disagree
type CrossValidator struct {
	log zerolog.Logger
}

// NewCrossValidator creates a cross validator
func NewCrossValidator(log zerolog.Logger) *CrossValidator {
	return &CrossValidator{log: log}
}

// Validate checks every hour that has an average glucose
func (v *CrossValidator) Validate(hourlyAvg [models.HoursPerDay]*float64, basal [models.HoursPerDay]models.HourlyAdjustment, icr models.SlotRecommendations) *models.ValidationResult {
	icrChange := ICRValueChangeByHour(icr)

	result := &models.ValidationResult{
		Conflicts: []models.Conflict{},
	}
	evaluated := 0
	for h, avg := range hourlyAvg {
		if avg == nil {
			continue
		}
		evaluated++
		conflict, benign, ok := CheckHour(h, *avg, basal[h].AdjustmentPct, icrChange[h])
		if !ok {
			continue
		}
		if benign {
			result.Benign = append(result.Benign, conflict)
			continue
		}
		result.Conflicts = append(result.Conflicts, conflict)
	}

	result.OverallCoherence = 1
	if evaluated > 0 {
		result.OverallCoherence = 1 - float64(len(result.Conflicts))/float64(evaluated)
	}
	for _, c := range result.Conflicts {
		if c.Severity == models.SeverityHigh {
			result.HasSignificantConflicts = true
		}
	}
	if result.OverallCoherence < coherenceFloor {
		result.HasSignificantConflicts = true
	}

	v.log.Debug().
		Int("evaluatedHours", evaluated).
		Int("conflicts", len(result.Conflicts)).
		Int("benign", len(result.Benign)).
		Float64("coherence", result.OverallCoherence).
		Msg("cross validation finished")
	return result
}

// ICRValueChangeByHour spreads each carb ratio recommendation over the hours
// it was derived from. Positive values mean a higher ratio, i.e. less insulin.
func ICRValueChangeByHour(icr models.SlotRecommendations) [models.HoursPerDay]float64 {
	var out [models.HoursPerDay]float64
	apply := func(recs []models.HourlyAdjustment) {
		for _, r := range recs {
			hours := r.AffectedHours
			if len(hours) == 0 {
				hours = []int{r.Hour}
			}
			for _, h := range hours {
				if h >= 0 && h < models.HoursPerDay {
					out[h] = -r.AdjustmentPct
				}
			}
		}
	}
	apply(icr.Modifications)
	apply(icr.NewSlots)
	return out
}

// CheckHour classifies one hour. basalChange is positive when basal goes up;
// icrChange is positive when the carb ratio value goes up. Both positive basal
// and negative icr mean more insulin.
func CheckHour(hour int, avg, basalChange, icrChange float64) (conflict models.Conflict, benign, found bool) {
	conflict = models.Conflict{
		Hour:           hour,
		AverageGlucose: avg,
		BasalChange:    basalChange,
		ICRChange:      icrChange,
	}

	basalTightens := basalChange > directionThreshold
	basalLoosens := basalChange < -directionThreshold
	icrTightens := icrChange < -directionThreshold
	icrLoosens := icrChange > directionThreshold
	opposing := (basalTightens && icrLoosens) || (basalLoosens && icrTightens)

	switch {
	case avg > highGlucose && basalLoosens && icrLoosens:
		conflict.Severity = models.SeverityHigh
		conflict.Kind = KindLooseningInHyper
		conflict.Message = fmt.Sprintf("average %.0f mg/dL but both basal (%+.0f%%) and carb ratio (%+.0f%%) reduce insulin", avg, basalChange, icrChange)
		return conflict, false, true
	case avg < lowGlucose && basalTightens && icrTightens:
		conflict.Severity = models.SeverityHigh
		conflict.Kind = KindTighteningInHypo
		conflict.Message = fmt.Sprintf("average %.0f mg/dL but both basal (%+.0f%%) and carb ratio (%+.0f%%) add insulin", avg, basalChange, icrChange)
		return conflict, false, true
	case (avg > highGlucose || avg < lowGlucose) && opposing:
		conflict.Severity = models.SeverityMedium
		conflict.Kind = KindOpposing
		conflict.Message = fmt.Sprintf("basal (%+.0f%%) and carb ratio (%+.0f%%) push insulin in opposite directions", basalChange, icrChange)
		return conflict, false, true
	}

	if math.Abs(basalChange) > largeChangeThreshold || math.Abs(icrChange) > largeChangeThreshold {
		conflict.Severity = models.SeverityLow
		conflict.Kind = KindLargeChange
		conflict.Message = fmt.Sprintf("large change at %02d:00 (basal %+.0f%%, carb ratio %+.0f%%)", hour, basalChange, icrChange)
		basalOnly := icrChange == 0
		return conflict, basalOnly && nonMealHour(hour), true
	}
	return conflict, false, false
}

// nonMealHour covers 23:00-05:00 and 14:00-16:00
func nonMealHour(h int) bool {
	return h >= 23 || h < 5 || (h >= 14 && h < 16)
}
