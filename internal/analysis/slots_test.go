package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

func candidate(minute int, current, suggested, pct, confidence float64) models.HourlyAdjustment {
	return models.HourlyAdjustment{
		Hour:           minute / 60,
		Minute:         minute,
		SlotStart:      models.FormatMinute(minute),
		CurrentValue:   current,
		SuggestedValue: suggested,
		AdjustmentPct:  pct,
		Confidence:     confidence,
		SampleCount:    2,
		SuccessRate:    0.5,
		AffectedHours:  []int{minute / 60},
	}
}

func TestSlotOptimizer_SlotMembership(t *testing.T) {
	slots := []models.ProfileSlot{slot(0, 10), slot(360, 8), slot(1080, 12)}
	candidates := []models.HourlyAdjustment{
		candidate(360, 8, 7.2, 10, 0.9),
		candidate(359, 10, 10, 3, 0.2),
	}

	recs := NewICROptimizer().Optimize(candidates, slots)

	require.Len(t, recs.Modifications, 1)
	mod := recs.Modifications[0]
	assert.Equal(t, 360, mod.Minute, "a candidate on a slot start belongs to that slot")
	assert.InDelta(t, 7.2, mod.SuggestedValue, 1e-9)
	assert.Equal(t, 10.0, mod.AdjustmentPct)
	assert.False(t, mod.IsProfileCompliant)

	require.Len(t, recs.ProfileCompliant, 2)
	night := recs.ProfileCompliant[0]
	assert.Equal(t, 0, night.Minute, "05:59 belongs to the midnight slot")
	assert.True(t, night.IsProfileCompliant)
	assert.Equal(t, 2, night.SampleCount)
	assert.InDelta(t, 0.2, night.Confidence, 1e-9)
	assert.InDelta(t, 10, night.SuggestedValue, 1e-9)
	assert.Equal(t, []int{5}, night.AffectedHours)

	evening := recs.ProfileCompliant[1]
	assert.Equal(t, 1080, evening.Minute)
	assert.Equal(t, 1.0, evening.Confidence, "untouched slots are fully compliant")
	assert.Equal(t, []int{18, 19, 20, 21, 22, 23}, evening.AffectedHours)

	assert.Empty(t, recs.NewSlots)
	assert.NotNil(t, recs.NewSlots)
}

func TestSlotOptimizer_WrapsBeforeFirstSlot(t *testing.T) {
	slots := []models.ProfileSlot{slot(360, 8), slot(1080, 12)}
	recs := NewICROptimizer().Optimize([]models.HourlyAdjustment{candidate(120, 12, 10.8, 10, 0.9)}, slots)

	require.Len(t, recs.Modifications, 1)
	assert.Equal(t, 1080, recs.Modifications[0].Minute)

	require.Len(t, recs.ProfileCompliant, 1)
	assert.Equal(t, []int{6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}, recs.ProfileCompliant[0].AffectedHours)
}

func TestSlotOptimizer_NoSchedule(t *testing.T) {
	candidates := []models.HourlyAdjustment{
		candidate(495, 10, 8.8, 12, 0.7),
		candidate(600, 10, 9.2, 8, 0.9),
		candidate(720, 10, 8, 20, 0.5),
	}

	recs := NewICROptimizer().Optimize(candidates, nil)

	assert.Empty(t, recs.Modifications)
	assert.Empty(t, recs.ProfileCompliant)
	require.Len(t, recs.NewSlots, 1)
	ns := recs.NewSlots[0]
	assert.True(t, ns.IsNewSlot)
	assert.Equal(t, 480, ns.Minute)
	assert.Equal(t, "08:00", ns.SlotStart)
}

func TestSlotOptimizer_WinnerByConfidence(t *testing.T) {
	candidates := []models.HourlyAdjustment{
		candidate(60, 10, 8, 20, 0.5),
		candidate(120, 10, 9, 10, 0.9),
	}

	recs := NewICROptimizer().Optimize(candidates, []models.ProfileSlot{slot(0, 10)})

	require.Len(t, recs.Modifications, 1)
	mod := recs.Modifications[0]
	assert.InDelta(t, 9, mod.SuggestedValue, 1e-9)
	assert.Equal(t, 10.0, mod.AdjustmentPct)
	assert.Equal(t, 0.9, mod.Confidence)
	assert.Equal(t, 4, mod.SampleCount)
	assert.Equal(t, []int{1, 2}, mod.AffectedHours)
	assert.Empty(t, recs.ProfileCompliant)
}

func TestSlotOptimizer_GroupSimilar(t *testing.T) {
	slots := []models.ProfileSlot{slot(0, 10), slot(360, 10), slot(720, 10)}
	candidates := []models.HourlyAdjustment{
		candidate(0, 10, 8.0, 20, 0.8),
		candidate(360, 10, 8.2, 18, 0.6),
		candidate(720, 10, 9.5, 5, 0.9),
	}

	plain := NewICROptimizer().Optimize(candidates, slots)
	assert.Len(t, plain.Modifications, 3)

	recs := NewICROptimizer(WithGroupSimilar(true)).Optimize(candidates, slots)
	require.Len(t, recs.Modifications, 2)

	merged := recs.Modifications[0]
	assert.True(t, merged.IsGroupedRecommendation)
	assert.InDelta(t, 8.1, merged.SuggestedValue, 1e-9)
	assert.Equal(t, 19.0, merged.AdjustmentPct)
	assert.Equal(t, 0.6, merged.Confidence)
	assert.Equal(t, 4, merged.SampleCount)
	assert.Equal(t, []int{0, 6}, merged.AffectedHours)

	assert.False(t, recs.Modifications[1].IsGroupedRecommendation)
	assert.Equal(t, 720, recs.Modifications[1].Minute)
}

func TestSlotOptimizer_NewSlots(t *testing.T) {
	candidates := []models.HourlyAdjustment{
		candidate(0, 10, 9, 10, 0.9),
		candidate(480, 10, 7.5, 25, 0.7),
	}
	slots := []models.ProfileSlot{slot(0, 10)}

	recs := NewICROptimizer(WithNewSlots(true)).Optimize(candidates, slots)

	require.Len(t, recs.NewSlots, 1)
	assert.Equal(t, 480, recs.NewSlots[0].Minute)
	assert.True(t, recs.NewSlots[0].IsNewSlot)
	require.Len(t, recs.Modifications, 1)
	assert.InDelta(t, 9, recs.Modifications[0].SuggestedValue, 1e-9)
	assert.Equal(t, 2, recs.Modifications[0].SampleCount)

	without := NewICROptimizer().Optimize(candidates, slots)
	assert.Empty(t, without.NewSlots)
	assert.Equal(t, 4, without.Modifications[0].SampleCount)
}

func TestSlotOptimizer_ISFSafetyBlocked(t *testing.T) {
	blocked := candidate(600, 50, 50, 0, 0.4)
	blocked.SafetyBlocked = true

	recs := NewISFOptimizer().Optimize([]models.HourlyAdjustment{blocked}, []models.ProfileSlot{slot(0, 50)})

	assert.Empty(t, recs.ProfileCompliant)
	require.Len(t, recs.Modifications, 1)
	mod := recs.Modifications[0]
	assert.True(t, mod.SafetyBlocked)
	assert.False(t, mod.IsProfileCompliant)
	assert.InDelta(t, 50, mod.SuggestedValue, 1e-9)
	assert.Zero(t, mod.AdjustmentPct)
}

func TestSlotOptimizer_ISFBlockedPoolHoldsSlot(t *testing.T) {
	blocked := candidate(120, 50, 50, 0, 0.4)
	blocked.SafetyBlocked = true
	lower := candidate(300, 50, 35, -30, 0.6)
	higher := candidate(420, 50, 60, 20, 0.8)

	tests := []struct {
		name       string
		candidates []models.HourlyAdjustment
	}{
		{"blocked with reduction", []models.HourlyAdjustment{blocked, lower}},
		{"reduction listed first", []models.HourlyAdjustment{lower, blocked}},
		{"blocked with increase", []models.HourlyAdjustment{blocked, higher}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := NewISFOptimizer().Optimize(tt.candidates, []models.ProfileSlot{slot(0, 50)})

			require.Len(t, recs.Modifications, 1)
			mod := recs.Modifications[0]
			assert.True(t, mod.SafetyBlocked)
			assert.InDelta(t, 50, mod.SuggestedValue, 1e-9, "a low anywhere in the slot holds the current value")
			assert.Zero(t, mod.AdjustmentPct)
			assert.Equal(t, 4, mod.SampleCount, "samples from the whole pool")
			assert.Empty(t, recs.NewSlots)
		})
	}
}

func TestSlotOptimizer_ISFBlockedBelowFloor(t *testing.T) {
	blocked := candidate(120, 8, 10, 25, 0.4)
	blocked.SafetyBlocked = true

	recs := NewISFOptimizer().Optimize([]models.HourlyAdjustment{blocked}, []models.ProfileSlot{slot(0, 8)})

	require.Len(t, recs.Modifications, 1)
	mod := recs.Modifications[0]
	assert.InDelta(t, 10, mod.SuggestedValue, 1e-9, "the floor applies even to held slots")
	assert.Equal(t, 25.0, mod.AdjustmentPct)
	assert.True(t, mod.SafetyBlocked)
}

func TestSlotOptimizer_ISFBlockedOnlyAffectsItsSlot(t *testing.T) {
	blocked := candidate(120, 50, 50, 0, 0.4)
	blocked.SafetyBlocked = true
	lower := candidate(780, 40, 30, -25, 0.6)

	recs := NewISFOptimizer().Optimize(
		[]models.HourlyAdjustment{blocked, lower},
		[]models.ProfileSlot{slot(0, 50), slot(720, 40)},
	)

	require.Len(t, recs.Modifications, 2)
	assert.InDelta(t, 50, recs.Modifications[0].SuggestedValue, 1e-9)
	assert.True(t, recs.Modifications[0].SafetyBlocked)
	assert.InDelta(t, 30, recs.Modifications[1].SuggestedValue, 1e-9)
	assert.False(t, recs.Modifications[1].SafetyBlocked)
}

func TestSlotOptimizer_GroupSkipsBlocked(t *testing.T) {
	blocked := candidate(0, 10, 10, 0, 0.6)
	blocked.SafetyBlocked = true
	next := candidate(360, 10, 9.8, 2, 0.6)

	mods := NewICROptimizer(WithGroupSimilar(true)).group(
		[]models.HourlyAdjustment{blocked, next},
		[]models.ProfileSlot{slot(0, 10), slot(360, 10)},
	)

	require.Len(t, mods, 2)
	assert.False(t, mods[0].IsGroupedRecommendation)
	assert.InDelta(t, 10, mods[0].SuggestedValue, 1e-9)
}

func TestSlotOptimizer_ISFModification(t *testing.T) {
	c := candidate(600, 50, 65, 30, 0.4)
	c.AvgEfficiency = 1.8

	recs := NewISFOptimizer().Optimize([]models.HourlyAdjustment{c}, []models.ProfileSlot{slot(0, 0)})

	require.Len(t, recs.Modifications, 1)
	mod := recs.Modifications[0]
	assert.InDelta(t, 30, mod.CurrentValue, 1e-9, "empty slot value falls back")
	assert.InDelta(t, 65, mod.SuggestedValue, 1e-9)
	assert.InDelta(t, 1.8, mod.AvgEfficiency, 1e-9)
}
