package models

import (
	"encoding/json"
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func TestTreatment_Kind(t *testing.T) {
	tests := []struct {
		name      string
		treatment Treatment
		expected  TreatmentKind
	}{
		{"temp basal event", Treatment{EventType: "Temp Basal", Absolute: floatPtr(1.2)}, KindTempBasal},
		{"profile switch", Treatment{EventType: "Profile Switch", Profile: "Weekend"}, KindProfileSwitch},
		{"correction bolus event", Treatment{EventType: "Correction Bolus", Insulin: 1}, KindCorrectionBolus},
		{"meal bolus event", Treatment{EventType: "Meal Bolus", Insulin: 4, Carbs: 40}, KindMealBolus},
		{"snack bolus event", Treatment{EventType: "Snack Bolus", Insulin: 1, Carbs: 10}, KindMealBolus},
		{"carb correction", Treatment{EventType: "Carb Correction", Carbs: 15}, KindCarbs},
		{"untyped insulin and carbs", Treatment{Insulin: 3, Carbs: 30}, KindMealBolus},
		{"untyped insulin", Treatment{EventType: "Bolus", Insulin: 0.8}, KindBolus},
		{"untyped carbs", Treatment{Carbs: 12}, KindCarbs},
		{"untyped rate", Treatment{Rate: floatPtr(0.9), Duration: 30}, KindTempBasal},
		{"note", Treatment{EventType: "Note", Notes: "site change soon"}, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.treatment.Kind(); got != tt.expected {
				t.Errorf("Kind() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTreatment_IsMeal(t *testing.T) {
	tests := []struct {
		name     string
		insulin  float64
		carbs    float64
		expected bool
	}{
		{"large carbs only", 0, 20, true},
		{"small carbs with insulin", 0.5, 3, true},
		{"big bolus without carbs", 1.5, 0, true},
		{"small carbs only", 0, 4, false},
		{"small correction", 0.8, 0, false},
		{"exactly 5g without insulin", 0, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Treatment{Insulin: tt.insulin, Carbs: tt.carbs}
			if got := tr.IsMeal(); got != tt.expected {
				t.Errorf("IsMeal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTreatment_TempBasalRate(t *testing.T) {
	tests := []struct {
		name      string
		treatment Treatment
		scheduled float64
		wantRate  float64
		wantOK    bool
	}{
		{"absolute", Treatment{Absolute: floatPtr(1.5)}, 1.0, 1.5, true},
		{"rate alias", Treatment{Rate: floatPtr(0.7)}, 1.0, 0.7, true},
		{"zero absolute means suspended", Treatment{Absolute: floatPtr(0)}, 1.0, 0, true},
		{"percent increase", Treatment{Percent: floatPtr(50)}, 1.0, 1.5, true},
		{"percent suspend", Treatment{Percent: floatPtr(-100)}, 0.8, 0, true},
		{"percent without schedule", Treatment{Percent: floatPtr(50)}, 0, 0, false},
		{"nothing", Treatment{}, 1.0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, ok := tt.treatment.TempBasalRate(tt.scheduled)
			if ok != tt.wantOK {
				t.Fatalf("TempBasalRate() ok = %v, want %v", ok, tt.wantOK)
			}
			if rate < tt.wantRate-1e-9 || rate > tt.wantRate+1e-9 {
				t.Errorf("TempBasalRate() = %v, want %v", rate, tt.wantRate)
			}
		})
	}
}

func TestTreatment_Time(t *testing.T) {
	ref := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	var tr Treatment
	if err := json.Unmarshal([]byte(`{"eventType":"Meal Bolus","created_at":"2024-05-02T12:00:00Z","carbs":30}`), &tr); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if got := tr.Time(); !got.Equal(ref) {
		t.Errorf("Time() from created_at = %v, want %v", got, ref)
	}

	tr.Mills = ref.Add(time.Minute).UnixMilli()
	if got := tr.Time(); !got.Equal(ref.Add(time.Minute)) {
		t.Errorf("Time() from mills = %v, want %v", got, ref.Add(time.Minute))
	}
}

func TestSortTreatments(t *testing.T) {
	base := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	in := []Treatment{
		{ID: "b", Date: base.Add(2 * time.Hour).UnixMilli()},
		{ID: "a", Date: base.Add(time.Hour).UnixMilli()},
	}

	out := SortTreatments(in)
	if out[0].ID != "a" || out[1].ID != "b" {
		t.Errorf("SortTreatments() order = %s,%s, want a,b", out[0].ID, out[1].ID)
	}
	if in[0].ID != "b" {
		t.Error("SortTreatments() modified its input")
	}
}

func TestFormatMinute(t *testing.T) {
	tests := []struct {
		minute   int
		expected string
	}{
		{0, "00:00"},
		{90, "01:30"},
		{1439, "23:59"},
		{1440, "00:00"},
		{-30, "23:30"},
	}

	for _, tt := range tests {
		if got := FormatMinute(tt.minute); got != tt.expected {
			t.Errorf("FormatMinute(%d) = %s, want %s", tt.minute, got, tt.expected)
		}
	}
}
