package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/models"
)

// ErrAlreadyRunning is returned when a run is started while another is in progress
var ErrAlreadyRunning = errors.New("analysis already in progress")

// DataSource provides the raw history an analysis needs
type DataSource interface {
	GetEntries(ctx context.Context, from, to time.Time, count int) ([]models.GlucoseEntry, error)
	GetTreatments(ctx context.Context, from, to time.Time) ([]models.Treatment, error)
	GetProfiles(ctx context.Context) ([]models.Profile, error)
}

// Request describes one fetch-and-analyze run
type Request struct {
	Days         int
	BasalStep    float64
	LookbackDays int
}

// ProgressFunc receives a snapshot each time a run changes stage
type ProgressFunc func(models.CalculationProgress)

// Service fetches history from a DataSource and runs the engine on it,
// reporting staged progress
type Service struct {
	source   DataSource
	engine   *Engine
	log      zerolog.Logger
	now      func() time.Time
	onChange ProgressFunc

	mu       sync.Mutex
	progress *models.CalculationProgress
	running  bool
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithProgress registers a callback for stage changes
func WithProgress(fn ProgressFunc) ServiceOption {
	return func(s *Service) { s.onChange = fn }
}

// NewService creates a Service
func NewService(source DataSource, engine *Engine, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		source:   source,
		engine:   engine,
		log:      log,
		now:      time.Now,
		progress: &models.CalculationProgress{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run fetches the last req.Days of data and analyzes it
func (s *Service) Run(ctx context.Context, req Request) (*models.AnalysisResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running = true
	s.progress = &models.CalculationProgress{
		Stage:     "Initializing",
		StartedAt: s.now(),
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	result, err := s.run(ctx, req)
	if err != nil {
		s.fail(err)
		return nil, err
	}

	s.updateProgress("Complete", 100)
	return result, nil
}

func (s *Service) run(ctx context.Context, req Request) (*models.AnalysisResult, error) {
	days := req.Days
	if days <= 0 {
		days = 14
	}
	to := s.now()
	from := to.AddDate(0, 0, -days)

	s.updateProgress("Fetching glucose entries", 10)
	entries, err := s.source.GetEntries(ctx, from, to, 0)
	if err != nil {
		return nil, fmt.Errorf("fetching entries: %w", err)
	}

	s.updateProgress("Fetching treatments", 35)
	treatments, err := s.source.GetTreatments(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetching treatments: %w", err)
	}

	s.updateProgress("Fetching profiles", 50)
	profiles, err := s.source.GetProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching profiles: %w", err)
	}

	s.mu.Lock()
	s.progress.TotalEntries = len(entries)
	s.progress.TotalTreatments = len(treatments)
	s.progress.TotalProfiles = len(profiles)
	s.mu.Unlock()

	s.log.Debug().
		Int("days", days).
		Int("entries", len(entries)).
		Int("treatments", len(treatments)).
		Int("profiles", len(profiles)).
		Msg("fetched history")

	s.updateProgress("Analyzing", 60)
	return s.engine.Analyze(ctx, Input{
		Entries:        entries,
		Treatments:     treatments,
		ProfileHistory: profiles,
		BasalStep:      req.BasalStep,
		LookbackDays:   req.LookbackDays,
	})
}

func (s *Service) updateProgress(stage string, progress float64) {
	s.mu.Lock()
	s.progress.Stage = stage
	s.progress.Progress = progress

	elapsed := s.now().Sub(s.progress.StartedAt).Seconds()
	if progress > 0 {
		s.progress.EstimatedTimeRemaining = (elapsed / progress) * (100 - progress)
	}
	snapshot := *s.progress
	s.mu.Unlock()

	s.report(snapshot)
}

func (s *Service) fail(err error) {
	s.mu.Lock()
	s.progress.Stage = "Failed"
	s.progress.Error = err.Error()
	snapshot := *s.progress
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("analysis run failed")
	s.report(snapshot)
}

// report must be called without holding mu
func (s *Service) report(p models.CalculationProgress) {
	if s.onChange != nil {
		s.onChange(p)
	}
}
