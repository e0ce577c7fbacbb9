package notifications

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-advisor/internal/config"
	"github.com/mrcode/nightscout-advisor/internal/models"
)

type sent struct {
	title, message string
}

func newTestManager(t *testing.T, settings config.NotificationsConfig) (*Manager, *[]sent, *time.Time) {
	t.Helper()
	var out []sent
	clock := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	m := NewManager(settings, config.Default().Range, WithSender(func(title, message string) error {
		out = append(out, sent{title, message})
		return nil
	}))
	m.now = func() time.Time { return clock }
	return m, &out, &clock
}

func enabled() config.NotificationsConfig {
	s := config.Default().Notifications
	s.Enabled = true
	return s
}

func avg(v float64) *float64 { return &v }

func alertingResult() *models.AnalysisResult {
	r := &models.AnalysisResult{
		ProfileChanges: models.ProfileChangeAnalysis{
			HasChanges: true,
			Changes: []models.ProfileChange{
				{Day: "2024-03-09", ChangeType: models.ChangeICR},
				{Day: "2024-03-09", ChangeType: models.ChangeBasal},
			},
		},
		Validation: &models.ValidationResult{
			Conflicts:               []models.Conflict{{Hour: 8, Severity: models.SeverityHigh}},
			OverallCoherence:        0.5,
			HasSignificantConflicts: true,
		},
	}
	r.HourlyAvg[3] = avg(50)
	r.HourlyAvg[4] = avg(52)
	r.HourlyAvg[18] = avg(260)
	r.HourlyAvg[12] = avg(120)
	return r
}

func TestManager_shouldAlert(t *testing.T) {
	m, _, _ := newTestManager(t, enabled())

	assert.Equal(t,
		[]string{alertProfileChange, alertConflicts, alertUrgentLow, alertUrgentHigh},
		m.shouldAlert(alertingResult()))

	calm := &models.AnalysisResult{Validation: &models.ValidationResult{OverallCoherence: 1}}
	calm.HourlyAvg[0] = avg(110)
	assert.Empty(t, m.shouldAlert(calm))
}

func TestManager_shouldAlert_Disabled(t *testing.T) {
	settings := enabled()
	settings.OnProfileChange = false
	settings.OnConflicts = false
	m, _, _ := newTestManager(t, settings)

	assert.Equal(t, []string{alertUrgentLow, alertUrgentHigh}, m.shouldAlert(alertingResult()))
}

func TestManager_formatNotification(t *testing.T) {
	m, _, _ := newTestManager(t, enabled())
	result := alertingResult()

	tests := []struct {
		alertType       string
		expectedTitle   string
		expectedMessage string
	}{
		{alertProfileChange, "Profile changed recently", "2 change(s) to basal, icr"},
		{alertConflicts, "Conflicting recommendations", "1 conflict(s), coherence 50%"},
		{alertUrgentLow, "Urgent low hours", "03:00, 04:00"},
		{alertUrgentHigh, "Urgent high hours", "18:00"},
	}

	for _, tt := range tests {
		t.Run(tt.alertType, func(t *testing.T) {
			title, message := m.formatNotification(result, tt.alertType)
			if title != tt.expectedTitle {
				t.Errorf("title = %s, want %s", title, tt.expectedTitle)
			}
			if !strings.Contains(message, tt.expectedMessage) {
				t.Errorf("message = %q, want it to contain %q", message, tt.expectedMessage)
			}
		})
	}
}

func TestManager_CheckAndNotify(t *testing.T) {
	m, out, clock := newTestManager(t, enabled())

	n, err := m.CheckAndNotify(alertingResult())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, *out, 4)

	// Inside the repeat window nothing is resent
	*clock = clock.Add(30 * time.Minute)
	n, err = m.CheckAndNotify(alertingResult())
	require.NoError(t, err)
	assert.Zero(t, n)

	*clock = clock.Add(31 * time.Minute)
	n, err = m.CheckAndNotify(alertingResult())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestManager_CheckAndNotify_NoRepeat(t *testing.T) {
	settings := enabled()
	settings.RepeatMinutes = 0
	m, _, clock := newTestManager(t, settings)

	_, err := m.CheckAndNotify(alertingResult())
	require.NoError(t, err)

	*clock = clock.Add(24 * time.Hour)
	n, err := m.CheckAndNotify(alertingResult())
	require.NoError(t, err)
	assert.Zero(t, n, "without repeat an alert fires once")
}

func TestManager_CheckAndNotify_DisabledOrNil(t *testing.T) {
	m, out, _ := newTestManager(t, config.Default().Notifications)

	n, err := m.CheckAndNotify(alertingResult())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, *out)

	m, out, _ = newTestManager(t, enabled())
	n, err = m.CheckAndNotify(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, *out)
}

func TestManager_CheckAndNotify_SenderError(t *testing.T) {
	m := NewManager(enabled(), config.Default().Range, WithSender(func(string, string) error {
		return errors.New("no notification daemon")
	}))

	n, err := m.CheckAndNotify(alertingResult())
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "sending profile_change alert")
	assert.Empty(t, m.lastAlertTime, "failed alerts are retried next time")
}

func TestManager_ResolvedAlertsFireAgain(t *testing.T) {
	m, out, clock := newTestManager(t, enabled())

	_, err := m.CheckAndNotify(alertingResult())
	require.NoError(t, err)

	// Only the lows recover
	recovered := alertingResult()
	recovered.HourlyAvg[3] = avg(110)
	recovered.HourlyAvg[4] = avg(110)
	*clock = clock.Add(10 * time.Minute)
	n, err := m.CheckAndNotify(recovered)
	require.NoError(t, err)
	assert.Zero(t, n)
	if _, ok := m.lastAlertTime[alertUrgentLow]; ok {
		t.Error("urgent_low alert should be cleared")
	}
	if _, ok := m.lastAlertTime[alertConflicts]; !ok {
		t.Error("conflicts alert should still exist")
	}

	// The lows return inside the repeat window and alert straight away
	*clock = clock.Add(10 * time.Minute)
	n, err = m.CheckAndNotify(alertingResult())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "Urgent low hours", (*out)[len(*out)-1].title)
}

func TestManager_SendTestNotification(t *testing.T) {
	m, out, _ := newTestManager(t, enabled())
	require.NoError(t, m.SendTestNotification())
	require.Len(t, *out, 1)
	assert.Equal(t, "Nightscout Advisor", (*out)[0].title)
}
