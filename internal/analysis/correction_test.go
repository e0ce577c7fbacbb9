package analysis

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

func correction(t time.Time, insulin float64) models.Treatment {
	return models.Treatment{
		EventType: "Correction Bolus",
		Insulin:   insulin,
		Date:      t.UnixMilli(),
	}
}

func tempBasal(t time.Time, rate, minutes float64) models.Treatment {
	return models.Treatment{
		EventType: "Temp Basal",
		Absolute:  &rate,
		Duration:  minutes,
		Date:      t.UnixMilli(),
	}
}

// correctionTrace falls from pre to final over two hours after a correction
// at 14:00 on the given day
func correctionTrace(day int, pre, final float64) []models.Reading {
	return trace(at(day, 13, 30), point{0, pre}, point{30, pre}, point{150, final}, point{210, final})
}

func TestSuggestISF(t *testing.T) {
	tests := []struct {
		name          string
		current, eff  float64
		wantSuggested float64
		wantPct       float64
	}{
		{"on target", 50, 0.9, 50, 0},
		{"strong drops capped", 50, 1.8, 65, 30},
		{"weak drops capped", 50, 0.1, 35, -30},
		{"floor wins over cap", 12, 0.1, 10, -16.7},
		{"modest change", 40, 1.0, 44.4, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suggested, pct := SuggestISF(tt.current, tt.eff)
			assert.InDelta(t, tt.wantSuggested, suggested, 1e-9)
			assert.InDelta(t, tt.wantPct, pct, 1e-9)
		})
	}
}

func TestSuggestISF_Bounds(t *testing.T) {
	// Below 10/1.3 the floor forces a raise larger than the change limit
	floorWins := minISF / (1 + maxRatioChange/100)

	for _, current := range []float64{-5, 0, 1, 5, 7, 7.7, 8, 9.9, 10, 10.5, 15, 33, 47, 80, 120} {
		for _, eff := range []float64{0, 0.05, 0.5, 0.89, 1, 1.3, 2.5, 10} {
			t.Run(fmt.Sprintf("%v/%v", current, eff), func(t *testing.T) {
				suggested, pct := SuggestISF(current, eff)
				assert.GreaterOrEqual(t, suggested, minISF)
				if current > 0 && current < floorWins {
					assert.Equal(t, minISF, suggested)
					assert.Greater(t, pct, maxRatioChange)
					return
				}
				assert.LessOrEqual(t, math.Abs(pct), maxRatioChange)
			})
		}
	}
}

func TestSuggestISF_BelowFloor(t *testing.T) {
	tests := []struct {
		name          string
		current, eff  float64
		wantSuggested float64
		wantPct       float64
	}{
		{"floor beats change limit", 5, 0.9, 10, 100},
		{"floor with weak drops", 5, 0.1, 10, 100},
		{"just inside the limit", 8, 0.9, 10, 25},
		{"missing value uses fallback", 0, 0.9, 30, 0},
		{"negative value uses fallback", -4, 1.8, 39, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suggested, pct := SuggestISF(tt.current, tt.eff)
			assert.InDelta(t, tt.wantSuggested, suggested, 1e-9)
			assert.InDelta(t, tt.wantPct, pct, 1e-9)
		})
	}
}

func TestCorrectionAnalyzer_CleanCorrections(t *testing.T) {
	var readings []models.Reading
	var treatments []models.Treatment
	for d := 0; d < 2; d++ {
		readings = append(readings, correctionTrace(d, 200, 110)...)
		treatments = append(treatments, correction(at(d, 14, 0), 1))
	}

	c := NewCorrectionAnalyzer(time.UTC, zerolog.Nop())
	candidates := c.Analyze(readings, treatments, []models.ProfileSlot{slot(0, 50)}, nil)

	require.Len(t, candidates, 1)
	adj := candidates[0]
	assert.Equal(t, 0, adj.Minute)
	assert.Equal(t, []int{14}, adj.AffectedHours)
	assert.Equal(t, 2, adj.SampleCount)
	assert.Equal(t, 1.0, adj.SuccessRate)
	assert.InDelta(t, 1.8, adj.AvgEfficiency, 1e-9)
	assert.InDelta(t, 65, adj.SuggestedValue, 1e-9)
	assert.Equal(t, 30.0, adj.AdjustmentPct)
	assert.InDelta(t, 0.4, adj.Confidence, 1e-9)
	assert.False(t, adj.SafetyBlocked)
}

func TestCorrectionAnalyzer_LowBlocksChange(t *testing.T) {
	var readings []models.Reading
	var treatments []models.Treatment
	for d := 0; d < 2; d++ {
		// Dips to 60 before rebounding, so the net drop looks weak
		readings = append(readings, trace(at(d, 13, 30),
			point{0, 200}, point{30, 200}, point{90, 60}, point{150, 190}, point{210, 190})...)
		treatments = append(treatments, correction(at(d, 14, 0), 1))
	}

	c := NewCorrectionAnalyzer(time.UTC, zerolog.Nop())
	candidates := c.Analyze(readings, treatments, []models.ProfileSlot{slot(0, 50)}, nil)

	require.Len(t, candidates, 1)
	adj := candidates[0]
	assert.True(t, adj.SafetyBlocked)
	assert.InDelta(t, 50, adj.SuggestedValue, 1e-9)
	assert.Zero(t, adj.AdjustmentPct)
	assert.InDelta(t, 0.2, adj.AvgEfficiency, 1e-9)
}

func TestCorrectionAnalyzer_LowBelowFloor(t *testing.T) {
	var readings []models.Reading
	var treatments []models.Treatment
	for d := 0; d < 2; d++ {
		readings = append(readings, trace(at(d, 13, 30),
			point{0, 200}, point{30, 200}, point{90, 60}, point{150, 190}, point{210, 190})...)
		treatments = append(treatments, correction(at(d, 14, 0), 1))
	}

	c := NewCorrectionAnalyzer(time.UTC, zerolog.Nop())
	candidates := c.Analyze(readings, treatments, []models.ProfileSlot{slot(0, 8)}, nil)

	require.Len(t, candidates, 1)
	adj := candidates[0]
	assert.True(t, adj.SafetyBlocked)
	assert.InDelta(t, 10, adj.SuggestedValue, 1e-9, "a held value still respects the floor")
	assert.Equal(t, 25.0, adj.AdjustmentPct)
}

func TestCorrectionAnalyzer_SuspensionBlocksChange(t *testing.T) {
	minusHundred := -100.0

	tests := []struct {
		name        string
		basal       []models.ProfileSlot
		extra       models.Treatment
		wantBlocked bool
	}{
		{
			name:        "zero absolute rate during response",
			extra:       tempBasal(at(0, 14, 30), 0, 60),
			wantBlocked: true,
		},
		{
			name:  "minus hundred percent during response",
			basal: []models.ProfileSlot{slot(0, 1.0)},
			extra: models.Treatment{
				EventType: "Temp Basal",
				Percent:   &minusHundred,
				Duration:  30,
				Date:      at(1, 15, 0).UnixMilli(),
			},
			wantBlocked: true,
		},
		{
			name:        "zero rate ending before the correction",
			extra:       tempBasal(at(0, 12, 0), 0, 60),
			wantBlocked: false,
		},
		{
			name:        "zero rate after the final reading",
			extra:       tempBasal(at(0, 17, 0), 0, 60),
			wantBlocked: false,
		},
		{
			name:        "reduced but non zero rate",
			extra:       tempBasal(at(0, 14, 30), 0.2, 60),
			wantBlocked: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var readings []models.Reading
			var treatments []models.Treatment
			for d := 0; d < 2; d++ {
				readings = append(readings, correctionTrace(d, 200, 110)...)
				treatments = append(treatments, correction(at(d, 14, 0), 1))
			}
			treatments = append(treatments, tt.extra)

			c := NewCorrectionAnalyzer(time.UTC, zerolog.Nop())
			candidates := c.Analyze(readings, treatments, []models.ProfileSlot{slot(0, 50)}, tt.basal)

			require.Len(t, candidates, 1)
			adj := candidates[0]
			assert.Equal(t, tt.wantBlocked, adj.SafetyBlocked)
			if tt.wantBlocked {
				assert.InDelta(t, 50, adj.SuggestedValue, 1e-9)
				assert.Zero(t, adj.AdjustmentPct)
			} else {
				assert.InDelta(t, 65, adj.SuggestedValue, 1e-9)
			}
		})
	}
}

func TestCorrectionAnalyzer_SkipsCorrectionsNearMeals(t *testing.T) {
	var readings []models.Reading
	var treatments []models.Treatment
	for d := 0; d < 2; d++ {
		readings = append(readings, correctionTrace(d, 200, 110)...)
		treatments = append(treatments,
			correction(at(d, 14, 0), 1),
			models.Treatment{EventType: "Carb Correction", Carbs: 20, Date: at(d, 14, 20).UnixMilli()},
		)
	}

	c := NewCorrectionAnalyzer(time.UTC, zerolog.Nop())
	assert.Empty(t, c.Analyze(readings, treatments, []models.ProfileSlot{slot(0, 50)}, nil))
}

func TestCorrectionAnalyzer_Filters(t *testing.T) {
	readings := correctionTrace(0, 200, 110)
	readings = append(readings, correctionTrace(1, 140, 100)...)

	treatments := []models.Treatment{
		correction(at(0, 14, 0), 2),   // too large
		correction(at(0, 14, 0), 0.2), // too small
		correction(at(1, 14, 0), 1),   // starts below 150
	}

	c := NewCorrectionAnalyzer(time.UTC, zerolog.Nop())
	assert.Empty(t, c.Analyze(readings, treatments, []models.ProfileSlot{slot(0, 50)}, nil))
}

func TestCorrectionAnalyzer_TempBasals(t *testing.T) {
	var readings []models.Reading
	var treatments []models.Treatment
	for d := 0; d < 2; d++ {
		readings = append(readings, correctionTrace(d, 180, 100)...)
		treatments = append(treatments, tempBasal(at(d, 14, 0), 2.5, 60))
	}
	// Below 1.5x the scheduled rate, not a correction
	treatments = append(treatments, tempBasal(at(1, 14, 0), 1.2, 60))

	c := NewCorrectionAnalyzer(time.UTC, zerolog.Nop())
	candidates := c.Analyze(readings, treatments,
		[]models.ProfileSlot{slot(0, 50)},
		[]models.ProfileSlot{slot(0, 1.0)},
	)

	require.Len(t, candidates, 1)
	adj := candidates[0]
	assert.Equal(t, 2, adj.SampleCount)
	// 1.7U effective, expected 85 against an actual 80
	assert.InDelta(t, 0.94, adj.AvgEfficiency, 1e-9)
	assert.Equal(t, 1.0, adj.SuccessRate)
	assert.Greater(t, adj.SuggestedValue, 50.0)
}

func TestAverageBasalRate(t *testing.T) {
	assert.InDelta(t, 1.0, averageBasalRate(nil, []models.ProfileSlot{slot(0, 0.5), slot(720, 1.5)}), 1e-9)

	treatments := []models.Treatment{
		tempBasal(day0, 0.4, 30),
		tempBasal(day0, 0.8, 30),
		tempBasal(day0, 3.0, 30),
		correction(day0, 1),
	}
	assert.InDelta(t, 0.8, averageBasalRate(treatments, nil), 1e-9)
}

func TestNearAny(t *testing.T) {
	meals := []time.Time{at(0, 8, 0), at(0, 12, 0)}
	assert.True(t, nearAny(at(0, 12, 30), meals, 30*time.Minute))
	assert.True(t, nearAny(at(0, 7, 45), meals, 30*time.Minute))
	assert.False(t, nearAny(at(0, 10, 0), meals, 30*time.Minute))
	assert.False(t, nearAny(at(0, 10, 0), nil, 30*time.Minute))
}
