// Package notifications sends desktop alerts about analysis results
package notifications

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-advisor/internal/config"
	"github.com/mrcode/nightscout-advisor/internal/models"
)

// Alert type constants
const (
	alertProfileChange = "profile_change"
	alertConflicts     = "conflicts"
	alertUrgentLow     = "urgent_low"
	alertUrgentHigh    = "urgent_high"
)

// Sender delivers one notification
type Sender func(title, message string) error

func desktopSender(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Manager decides which alerts a result warrants and rate-limits them
type Manager struct {
	settings      config.NotificationsConfig
	glucoseRange  config.RangeConfig
	send          Sender
	now           func() time.Time
	log           zerolog.Logger
	lastAlertTime map[string]time.Time
	mu            sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithSender replaces the desktop sender
func WithSender(s Sender) Option {
	return func(m *Manager) {
		if s != nil {
			m.send = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager creates a new notification manager
func NewManager(settings config.NotificationsConfig, glucoseRange config.RangeConfig, opts ...Option) *Manager {
	m := &Manager{
		settings:      settings,
		glucoseRange:  glucoseRange,
		send:          desktopSender,
		now:           time.Now,
		log:           zerolog.Nop(),
		lastAlertTime: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndNotify sends the alerts a result warrants and returns how many went out
func (m *Manager) CheckAndNotify(result *models.AnalysisResult) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result == nil || !m.settings.Enabled {
		return 0, nil
	}

	active := m.shouldAlert(result)
	m.clearResolved(active)

	sent := 0
	for _, alertType := range active {
		// Check if we should repeat the alert
		if lastTime, ok := m.lastAlertTime[alertType]; ok {
			if m.settings.RepeatMinutes <= 0 {
				continue
			}
			if m.now().Sub(lastTime) < time.Duration(m.settings.RepeatMinutes)*time.Minute {
				continue
			}
		}

		title, message := m.formatNotification(result, alertType)
		if err := m.send(title, message); err != nil {
			return sent, fmt.Errorf("sending %s alert: %w", alertType, err)
		}
		m.log.Debug().Str("alert", alertType).Msg("notification sent")
		m.lastAlertTime[alertType] = m.now()
		sent++
	}
	return sent, nil
}

// shouldAlert lists the alert types a result warrants
func (m *Manager) shouldAlert(result *models.AnalysisResult) []string {
	var alerts []string

	if m.settings.OnProfileChange && result.ProfileChanges.HasChanges {
		alerts = append(alerts, alertProfileChange)
	}
	if m.settings.OnConflicts && result.Validation != nil && result.Validation.HasSignificantConflicts {
		alerts = append(alerts, alertConflicts)
	}

	lows, highs := m.urgentHours(result)
	if len(lows) > 0 {
		alerts = append(alerts, alertUrgentLow)
	}
	if len(highs) > 0 {
		alerts = append(alerts, alertUrgentHigh)
	}
	return alerts
}

// urgentHours returns the hours whose average sits in an urgent band
func (m *Manager) urgentHours(result *models.AnalysisResult) (lows, highs []int) {
	for hour, avg := range result.HourlyAvg {
		if avg == nil {
			continue
		}
		switch m.glucoseRange.Status(*avg) {
		case alertUrgentLow:
			lows = append(lows, hour)
		case alertUrgentHigh:
			highs = append(highs, hour)
		}
	}
	return lows, highs
}

// formatNotification creates the notification title and message
func (m *Manager) formatNotification(result *models.AnalysisResult, alertType string) (string, string) {
	var title, message string

	switch alertType {
	case alertProfileChange:
		title = "Profile changed recently"
		kinds := make(map[string]bool)
		for _, c := range result.ProfileChanges.Changes {
			kinds[string(c.ChangeType)] = true
		}
		names := make([]string, 0, len(kinds))
		for k := range kinds {
			names = append(names, k)
		}
		sort.Strings(names)
		message = fmt.Sprintf("%d change(s) to %s; recommendations may mix old and new settings",
			len(result.ProfileChanges.Changes), strings.Join(names, ", "))
	case alertConflicts:
		title = "Conflicting recommendations"
		message = fmt.Sprintf("%d conflict(s), coherence %.0f%%",
			len(result.Validation.Conflicts), result.Validation.OverallCoherence*100)
	case alertUrgentLow:
		lows, _ := m.urgentHours(result)
		title = "Urgent low hours"
		message = "Average glucose is urgently low at " + formatHours(lows)
	case alertUrgentHigh:
		_, highs := m.urgentHours(result)
		title = "Urgent high hours"
		message = "Average glucose is urgently high at " + formatHours(highs)
	}

	return title, message
}

func formatHours(hours []int) string {
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = fmt.Sprintf("%02d:00", h)
	}
	return strings.Join(parts, ", ")
}

// clearResolved forgets alerts the latest result no longer warrants so they
// fire again as soon as they come back
func (m *Manager) clearResolved(active []string) {
	for alertType := range m.lastAlertTime {
		if !slices.Contains(active, alertType) {
			delete(m.lastAlertTime, alertType)
		}
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.send("Nightscout Advisor", "Test notification - alerts are working!")
}
