// Package profile normalizes pump profiles and tracks how they change over time
package profile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// Field aliases seen across uploaders
var (
	basalKeys       = []string{"basal", "basals"}
	carbRatioKeys   = []string{"carbratio", "carbRatio", "carb_ratio", "icr"}
	sensitivityKeys = []string{"sens", "sensitivity", "isf"}
	targetLowKeys   = []string{"target_low", "targetLow"}
	targetHighKeys  = []string{"target_high", "targetHigh"}
	slotTimeKeys    = []string{"time", "start", "startTime"}
	slotValueKeys   = []string{"value", "rate", "amount"}
)

// Parser turns vendor profile documents into models.Profile
type Parser struct {
	log zerolog.Logger
}

// NewParser creates a parser logging through log
func NewParser(log zerolog.Logger) *Parser {
	return &Parser{log: log}
}

// Parse decodes a single profile document. It never fails: malformed input
// yields an empty profile and false.
func Parse(data []byte) (models.Profile, bool) {
	return NewParser(zerolog.Nop()).Parse(data)
}

// ParseHistory decodes an array of profile documents (or a single one)
func ParseHistory(data []byte) []models.Profile {
	return NewParser(zerolog.Nop()).ParseHistory(data)
}

// Parse decodes a single profile document
func (p *Parser) Parse(data []byte) (models.Profile, bool) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		// An array of documents is accepted too, the newest one wins
		history := p.ParseHistory(data)
		if len(history) == 0 {
			p.log.Warn().Err(err).Msg("profile document is not valid JSON")
			return models.Profile{}, false
		}
		return history[len(history)-1], true
	}
	return p.FromDocument(doc)
}

// ParseHistory decodes profile documents ordered by effective time.
// Documents that carry no schedule are skipped.
func (p *Parser) ParseHistory(data []byte) []models.Profile {
	var docs []map[string]any
	if err := json.Unmarshal(data, &docs); err != nil {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			p.log.Warn().Err(err).Msg("profile history is not valid JSON")
			return nil
		}
		docs = []map[string]any{doc}
	}

	history := make([]models.Profile, 0, len(docs))
	for _, doc := range docs {
		if prof, ok := p.FromDocument(doc); ok {
			history = append(history, prof)
		}
	}
	SortHistory(history)

	p.log.Debug().Int("documents", len(docs)).Int("snapshots", len(history)).Msg("parsed profile history")
	return history
}

// FromDocument normalizes a decoded profile. Both the Nightscout shape
// ({"defaultProfile": ..., "store": {...}}) and a flat profile are accepted.
func (p *Parser) FromDocument(doc map[string]any) (models.Profile, bool) {
	if doc == nil {
		return models.Profile{}, false
	}

	prof := models.Profile{
		EffectiveFrom: documentTime(doc),
		Units:         stringField(doc, "units"),
	}

	body := doc
	if store, ok := doc["store"].(map[string]any); ok && len(store) > 0 {
		name := stringField(doc, "defaultProfile")
		selected, ok := store[name].(map[string]any)
		if !ok {
			name, selected = firstStoreEntry(store)
		}
		if selected == nil {
			p.log.Warn().Msg("profile store holds no usable profile")
			return models.Profile{}, false
		}
		prof.Name = name
		body = selected
	}

	if u := stringField(body, "units"); u != "" {
		prof.Units = u
	}
	prof.Timezone = stringField(body, "timezone")
	if prof.Name == "" {
		prof.Name = stringField(body, "name")
	}

	prof.Basal = p.slots(body, basalKeys, "basal")
	prof.CarbRatio = p.slots(body, carbRatioKeys, "carbratio")
	prof.Sensitivity = p.slots(body, sensitivityKeys, "sens")
	prof.TargetLow = p.slots(body, targetLowKeys, "target_low")
	prof.TargetHigh = p.slots(body, targetHighKeys, "target_high")

	if isMmol(prof.Units) {
		toMgdl(prof.Sensitivity)
		toMgdl(prof.TargetLow)
		toMgdl(prof.TargetHigh)
	}

	if prof.IsEmpty() {
		return models.Profile{}, false
	}
	return prof, true
}

func (p *Parser) slots(body map[string]any, keys []string, field string) []models.ProfileSlot {
	raw, ok := lookup(body, keys)
	if !ok {
		return nil
	}

	// A bare number is a flat schedule
	if v, ok := toFloat(raw); ok {
		return []models.ProfileSlot{{Start: "00:00", Minute: 0, Value: v}}
	}

	items, ok := raw.([]any)
	if !ok {
		p.log.Debug().Str("field", field).Msg("schedule is neither a list nor a number")
		return nil
	}

	slots := make([]models.ProfileSlot, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		minute, ok := slotMinute(m)
		if !ok {
			p.log.Debug().Str("field", field).Interface("slot", m).Msg("dropping slot with unparsable time")
			continue
		}
		rawValue, _ := lookup(m, slotValueKeys)
		value, ok := toFloat(rawValue)
		if !ok {
			p.log.Debug().Str("field", field).Interface("slot", m).Msg("dropping slot without value")
			continue
		}
		slots = append(slots, models.ProfileSlot{
			Start:  models.FormatMinute(minute),
			Minute: minute,
			Value:  value,
		})
	}
	return SortSlots(slots)
}

// SortHistory orders snapshots by effective time
func SortHistory(history []models.Profile) {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].EffectiveFrom.Before(history[j].EffectiveFrom)
	})
}

// Latest returns the most recent snapshot of an ordered history
func Latest(history []models.Profile) (models.Profile, bool) {
	if len(history) == 0 {
		return models.Profile{}, false
	}
	return history[len(history)-1], true
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into minutes after midnight
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func slotMinute(m map[string]any) (int, bool) {
	if raw, ok := lookup(m, slotTimeKeys); ok {
		if s, ok := raw.(string); ok {
			if minute, err := ParseClock(s); err == nil {
				return minute, true
			}
		}
	}
	if secs, ok := toFloat(m["timeAsSeconds"]); ok && secs >= 0 && secs < 86400 {
		return int(secs) / 60, true
	}
	return 0, false
}

func documentTime(doc map[string]any) time.Time {
	for _, key := range []string{"startDate", "created_at"} {
		if s, ok := doc[key].(string); ok && s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	for _, key := range []string{"mills", "date"} {
		if ms, ok := toFloat(doc[key]); ok && ms > 0 {
			return time.UnixMilli(int64(ms))
		}
	}
	return time.Time{}
}

func firstStoreEntry(store map[string]any) (string, map[string]any) {
	names := make([]string, 0, len(store))
	for name := range store {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if m, ok := store[name].(map[string]any); ok {
			return name, m
		}
	}
	return "", nil
}

func lookup(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// toFloat accepts JSON numbers and numeric strings
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func isMmol(units string) bool {
	return strings.Contains(strings.ToLower(units), "mmol")
}

func toMgdl(slots []models.ProfileSlot) {
	for i := range slots {
		slots[i].Value = models.ToMgdl(slots[i].Value)
	}
}
