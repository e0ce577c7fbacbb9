package nightscout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
	"github.com/mrcode/nightscout-advisor/internal/profile"
)

// FileSource serves Nightscout JSON exports from disk. Empty paths yield no data.
type FileSource struct {
	EntriesPath    string
	TreatmentsPath string
	ProfilesPath   string

	parser *profile.Parser
	log    zerolog.Logger
}

// NewFileSource creates a FileSource over the given export files
func NewFileSource(entries, treatments, profiles string, log zerolog.Logger) *FileSource {
	return &FileSource{
		EntriesPath:    entries,
		TreatmentsPath: treatments,
		ProfilesPath:   profiles,
		parser:         profile.NewParser(log),
		log:            log,
	}
}

// GetEntries loads entries and keeps those inside [from, to]. Zero bounds are open.
func (f *FileSource) GetEntries(_ context.Context, from, to time.Time, count int) ([]models.GlucoseEntry, error) {
	var entries []models.GlucoseEntry
	if err := readJSON(f.EntriesPath, &entries); err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}

	kept := entries[:0]
	for _, e := range entries {
		if inRange(e.Time(), from, to) {
			kept = append(kept, e)
		}
	}
	if count > 0 && len(kept) > count {
		kept = kept[:count]
	}
	f.log.Debug().Str("file", f.EntriesPath).Int("loaded", len(entries)).Int("kept", len(kept)).Msg("entries from file")
	return kept, nil
}

// GetTreatments loads treatments and keeps those inside [from, to]
func (f *FileSource) GetTreatments(_ context.Context, from, to time.Time) ([]models.Treatment, error) {
	var treatments []models.Treatment
	if err := readJSON(f.TreatmentsPath, &treatments); err != nil {
		return nil, fmt.Errorf("loading treatments: %w", err)
	}

	kept := treatments[:0]
	for _, t := range treatments {
		if inRange(t.Time(), from, to) {
			kept = append(kept, t)
		}
	}
	f.log.Debug().Str("file", f.TreatmentsPath).Int("loaded", len(treatments)).Int("kept", len(kept)).Msg("treatments from file")
	return kept, nil
}

// GetProfiles parses a profile export, either a single document or an array
func (f *FileSource) GetProfiles(context.Context) ([]models.Profile, error) {
	if f.ProfilesPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}
	return f.parser.ParseHistory(data), nil
}

func readJSON(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func inRange(t, from, to time.Time) bool {
	if t.IsZero() {
		return false
	}
	if !from.IsZero() && t.Before(from) {
		return false
	}
	return to.IsZero() || !t.After(to)
}
