package profile

import (
	"sort"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// Fallback values used when a schedule has no usable slot
const (
	FallbackICR = 10.0 // g/U
	FallbackISF = 30.0 // mg/dL per U
)

// SortSlots orders slots by minute of day, keeping the last slot for a duplicated start
func SortSlots(slots []models.ProfileSlot) []models.ProfileSlot {
	sorted := make([]models.ProfileSlot, len(slots))
	copy(sorted, slots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Minute < sorted[j].Minute
	})

	out := sorted[:0]
	for _, s := range sorted {
		if n := len(out); n > 0 && out[n-1].Minute == s.Minute {
			out[n-1] = s
			continue
		}
		out = append(out, s)
	}
	return out
}

// SlotAt returns the index of the slot owning minute of day. Ownership runs
// from a slot's start up to the next slot's start; minutes before the first
// slot belong to the last slot of the day. slots must be sorted.
func SlotAt(slots []models.ProfileSlot, minute int) (int, bool) {
	if len(slots) == 0 {
		return 0, false
	}
	minute = ((minute % models.MinutesPerDay) + models.MinutesPerDay) % models.MinutesPerDay

	owner := len(slots) - 1
	for i, s := range slots {
		if s.Minute > minute {
			break
		}
		owner = i
	}
	return owner, true
}

// ValueAt returns the scheduled value at minute of day, or fallback when the
// schedule is empty or the owning slot holds no positive value
func ValueAt(slots []models.ProfileSlot, minute int, fallback float64) float64 {
	i, ok := SlotAt(slots, minute)
	if !ok || slots[i].Value <= 0 {
		return fallback
	}
	return slots[i].Value
}

// Expand24 maps every hour of day to the value of the slot owning its first minute
func Expand24(slots []models.ProfileSlot) ([models.HoursPerDay]float64, bool) {
	var out [models.HoursPerDay]float64
	if len(slots) == 0 {
		return out, false
	}
	for h := 0; h < models.HoursPerDay; h++ {
		i, _ := SlotAt(slots, h*60)
		out[h] = slots[i].Value
	}
	return out, true
}

// SlotEnd returns the exclusive end minute of slot i, which may exceed
// MinutesPerDay for the slot that wraps past midnight
func SlotEnd(slots []models.ProfileSlot, i int) int {
	if i+1 < len(slots) {
		return slots[i+1].Minute
	}
	return slots[0].Minute + models.MinutesPerDay
}

// MeanValue averages a schedule weighted by the time each slot is active
func MeanValue(slots []models.ProfileSlot) float64 {
	if len(slots) == 0 {
		return 0
	}
	var sum float64
	for i, s := range slots {
		sum += s.Value * float64(SlotEnd(slots, i)-s.Minute)
	}
	return sum / models.MinutesPerDay
}
