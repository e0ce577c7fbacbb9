package analysis

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/profile"
)

// Thresholds for proposing a slot that does not exist in the profile
const (
	newSlotMinPct        = 10.0
	newSlotMinConfidence = 0.6
	splitMinDifference   = 0.10 // relative to the slot winner
	groupMaxDifference   = 0.5  // ratio units
)

// Significance decides whether a candidate justifies modifying its slot
type Significance func(models.HourlyAdjustment) bool

// ICRSignificant requires at least a 5% change backed by some confidence
func ICRSignificant(c models.HourlyAdjustment) bool {
	return math.Abs(c.AdjustmentPct) >= 5 && c.Confidence >= 0.3
}

// ISFSignificant accepts every candidate the correction analyzer produced
func ISFSignificant(models.HourlyAdjustment) bool {
	return true
}

// SlotOptimizer sorts candidates into modifications, new slots and
// profile-compliant slots of an existing schedule
type SlotOptimizer struct {
	significant Significance
	fallback    float64
	// holdOnLow keeps a slot unchanged when any pooled candidate was blocked by a low
	holdOnLow bool
	floor     float64
	// changePct derives the reported percentage from current and suggested values
	changePct func(current, suggested float64) float64

	newSlots     bool
	groupSimilar bool
	log          zerolog.Logger
}

// OptimizerOption configures a SlotOptimizer
type OptimizerOption func(*SlotOptimizer)

// WithNewSlots lets a slot split off hours whose suggestion differs from the slot winner
func WithNewSlots(enabled bool) OptimizerOption {
	return func(o *SlotOptimizer) { o.newSlots = enabled }
}

// WithGroupSimilar merges neighbouring modifications with near identical suggestions
func WithGroupSimilar(enabled bool) OptimizerOption {
	return func(o *SlotOptimizer) { o.groupSimilar = enabled }
}

// WithOptimizerLogger sets the logger
func WithOptimizerLogger(log zerolog.Logger) OptimizerOption {
	return func(o *SlotOptimizer) { o.log = log }
}

// NewICROptimizer creates the carb ratio optimizer
func NewICROptimizer(opts ...OptimizerOption) *SlotOptimizer {
	o := &SlotOptimizer{
		significant: ICRSignificant,
		fallback:    profile.FallbackICR,
		changePct: func(current, suggested float64) float64 {
			return (1 - suggested/current) * 100
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewISFOptimizer creates the sensitivity optimizer
func NewISFOptimizer(opts ...OptimizerOption) *SlotOptimizer {
	o := &SlotOptimizer{
		significant: ISFSignificant,
		fallback:    profile.FallbackISF,
		holdOnLow:   true,
		floor:       minISF,
		changePct: func(current, suggested float64) float64 {
			return (suggested/current - 1) * 100
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClearsNewSlotBar reports whether a candidate is strong enough to add a slot
func ClearsNewSlotBar(c models.HourlyAdjustment) bool {
	return math.Abs(c.AdjustmentPct) >= newSlotMinPct && c.Confidence >= newSlotMinConfidence
}

// Optimize classifies candidates against slots. Every slot appears exactly
// once, either as a modification or as profile-compliant.
func (o *SlotOptimizer) Optimize(candidates []models.HourlyAdjustment, slots []models.ProfileSlot) models.SlotRecommendations {
	recs := models.SlotRecommendations{
		Modifications:    []models.HourlyAdjustment{},
		NewSlots:         []models.HourlyAdjustment{},
		ProfileCompliant: []models.HourlyAdjustment{},
	}

	if len(slots) == 0 {
		for _, c := range candidates {
			if ClearsNewSlotBar(c) {
				recs.NewSlots = append(recs.NewSlots, asNewSlot(c))
			}
		}
		o.log.Debug().Int("candidates", len(candidates)).Int("newSlots", len(recs.NewSlots)).Msg("no schedule to optimize against")
		return recs
	}

	pools := make([][]models.HourlyAdjustment, len(slots))
	for _, c := range candidates {
		i, _ := profile.SlotAt(slots, c.Minute)
		pools[i] = append(pools[i], c)
	}

	for i, slot := range slots {
		pool := pools[i]
		current := slot.Value
		if current <= 0 {
			current = o.fallback
		}
		hours := hoursSpanned(slot.Minute, profile.SlotEnd(slots, i))

		if len(pool) == 0 {
			recs.ProfileCompliant = append(recs.ProfileCompliant, models.HourlyAdjustment{
				Hour:               slot.Hour(),
				Minute:             slot.Minute,
				SlotStart:          slot.Start,
				CurrentValue:       current,
				SuggestedValue:     current,
				Confidence:         1.0,
				IsProfileCompliant: true,
				AffectedHours:      hours,
			})
			continue
		}

		var significant []models.HourlyAdjustment
		for _, c := range pool {
			if o.significant(c) {
				significant = append(significant, c)
			}
		}

		if len(significant) == 0 {
			compliant := pooled(slot, current, pool)
			compliant.IsProfileCompliant = true
			compliant.SuggestedValue = current
			compliant.AdjustmentPct = 0
			recs.ProfileCompliant = append(recs.ProfileCompliant, compliant)
			continue
		}

		if o.holdOnLow && anyBlocked(pool) {
			held := pooled(slot, current, pool)
			held.SuggestedValue = math.Max(current, o.floor)
			held.AdjustmentPct = 0
			if held.SuggestedValue != current {
				held.AdjustmentPct = roundTo(o.changePct(current, held.SuggestedValue), 1)
			}
			recs.Modifications = append(recs.Modifications, held)
			o.log.Info().Str("slot", slot.Start).Int("candidates", len(pool)).Msg("slot held at current value after low glucose")
			continue
		}

		winner := strongest(significant)
		if o.newSlots {
			var split []models.HourlyAdjustment
			pool, split = o.splitOff(pool, winner, slot)
			for _, c := range split {
				recs.NewSlots = append(recs.NewSlots, asNewSlot(c))
			}
		}

		mod := pooled(slot, current, pool)
		mod.SuggestedValue = winner.SuggestedValue
		mod.AdjustmentPct = winner.AdjustmentPct
		mod.Confidence = winner.Confidence
		recs.Modifications = append(recs.Modifications, mod)
	}

	if o.groupSimilar {
		recs.Modifications = o.group(recs.Modifications, slots)
	}

	sortByMinute(recs.Modifications)
	sortByMinute(recs.NewSlots)
	sortByMinute(recs.ProfileCompliant)

	o.log.Debug().
		Int("slots", len(slots)).
		Int("candidates", len(candidates)).
		Int("modifications", len(recs.Modifications)).
		Int("newSlots", len(recs.NewSlots)).
		Int("compliant", len(recs.ProfileCompliant)).
		Msg("slot optimization finished")
	return recs
}

// splitOff removes candidates inside the slot that disagree with the winner
// strongly enough to deserve a slot of their own
func (o *SlotOptimizer) splitOff(pool []models.HourlyAdjustment, winner models.HourlyAdjustment, slot models.ProfileSlot) (kept, split []models.HourlyAdjustment) {
	for _, c := range pool {
		diverges := winner.SuggestedValue > 0 &&
			math.Abs(c.SuggestedValue-winner.SuggestedValue)/winner.SuggestedValue > splitMinDifference
		if c.Minute != slot.Minute && diverges && o.significant(c) && ClearsNewSlotBar(c) {
			split = append(split, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept, split
}

// group merges runs of modifications on adjacent slots whose suggestions are close
func (o *SlotOptimizer) group(mods []models.HourlyAdjustment, slots []models.ProfileSlot) []models.HourlyAdjustment {
	if len(mods) < 2 {
		return mods
	}
	sortByMinute(mods)

	index := make(map[int]int, len(slots))
	for i, s := range slots {
		index[s.Minute] = i
	}

	out := make([]models.HourlyAdjustment, 0, len(mods))
	run := []models.HourlyAdjustment{mods[0]}
	flush := func() {
		if len(run) == 1 {
			out = append(out, run[0])
		} else {
			out = append(out, o.merge(run))
		}
	}
	for _, m := range mods[1:] {
		prev := run[len(run)-1]
		adjacent := index[m.Minute] == index[prev.Minute]+1
		if adjacent && !m.SafetyBlocked && !prev.SafetyBlocked && math.Abs(m.SuggestedValue-prev.SuggestedValue) < groupMaxDifference {
			run = append(run, m)
			continue
		}
		flush()
		run = []models.HourlyAdjustment{m}
	}
	flush()
	return out
}

func (o *SlotOptimizer) merge(run []models.HourlyAdjustment) models.HourlyAdjustment {
	first := run[0]
	var suggested, successRate, efficiency []float64
	var hours []int
	confidence := 1.0
	samples := 0
	for _, m := range run {
		suggested = append(suggested, m.SuggestedValue)
		successRate = append(successRate, m.SuccessRate)
		efficiency = append(efficiency, m.AvgEfficiency)
		hours = append(hours, m.AffectedHours...)
		confidence = math.Min(confidence, m.Confidence)
		samples += m.SampleCount
	}

	merged := first
	merged.SuggestedValue = roundTo(mean(suggested), 1)
	merged.AdjustmentPct = roundTo(o.changePct(first.CurrentValue, merged.SuggestedValue), 1)
	merged.Confidence = confidence
	merged.SampleCount = samples
	merged.SuccessRate = mean(successRate)
	merged.AvgEfficiency = roundTo(mean(efficiency), 2)
	merged.AffectedHours = uniqueSorted(hours)
	merged.IsGroupedRecommendation = true
	return merged
}

// pooled builds the slot level entry from every candidate the slot owns
func pooled(slot models.ProfileSlot, current float64, pool []models.HourlyAdjustment) models.HourlyAdjustment {
	var successRate, efficiency []float64
	var hours []int
	samples := 0
	confidence := 0.0
	blocked := false
	for _, c := range pool {
		successRate = append(successRate, c.SuccessRate)
		if c.AvgEfficiency != 0 {
			efficiency = append(efficiency, c.AvgEfficiency)
		}
		hours = append(hours, c.AffectedHours...)
		samples += c.SampleCount
		confidence = math.Max(confidence, c.Confidence)
		blocked = blocked || c.SafetyBlocked
	}

	return models.HourlyAdjustment{
		Hour:           slot.Hour(),
		Minute:         slot.Minute,
		SlotStart:      slot.Start,
		CurrentValue:   current,
		SuggestedValue: current,
		Confidence:     confidence,
		SampleCount:    samples,
		SuccessRate:    mean(successRate),
		AvgEfficiency:  roundTo(mean(efficiency), 2),
		AffectedHours:  uniqueSorted(hours),
		SafetyBlocked:  blocked,
	}
}

func anyBlocked(pool []models.HourlyAdjustment) bool {
	for _, c := range pool {
		if c.SafetyBlocked {
			return true
		}
	}
	return false
}

// strongest picks the highest confidence candidate, then the larger change
func strongest(candidates []models.HourlyAdjustment) models.HourlyAdjustment {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && math.Abs(c.AdjustmentPct) > math.Abs(best.AdjustmentPct)) {
			best = c
		}
	}
	return best
}

func asNewSlot(c models.HourlyAdjustment) models.HourlyAdjustment {
	c.IsNewSlot = true
	c.IsProfileCompliant = false
	c.Minute = c.Minute / 60 * 60
	c.Hour = c.Minute / 60
	c.SlotStart = models.FormatMinute(c.Minute)
	if len(c.AffectedHours) == 0 {
		c.AffectedHours = []int{c.Hour}
	}
	return c
}

func sortByMinute(adjs []models.HourlyAdjustment) {
	sort.SliceStable(adjs, func(i, j int) bool {
		return adjs[i].Minute < adjs[j].Minute
	})
}
