// Package config loads the advisor configuration from file, environment and flags
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NSADVISOR_NIGHTSCOUT_URL
const EnvPrefix = "NSADVISOR"

// Config contains all application settings
type Config struct {
	Nightscout    NightscoutConfig    `mapstructure:"nightscout" yaml:"nightscout"`
	Analysis      AnalysisConfig      `mapstructure:"analysis" yaml:"analysis"`
	Range         RangeConfig         `mapstructure:"range" yaml:"range"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Output        OutputConfig        `mapstructure:"output" yaml:"output"`
}

// NightscoutConfig holds connection settings
type NightscoutConfig struct {
	URL       string        `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	APISecret string        `mapstructure:"api_secret" yaml:"api_secret"` // Plain API secret (will be hashed)
	APIToken  string        `mapstructure:"api_token" yaml:"api_token"`
	UseToken  bool          `mapstructure:"use_token" yaml:"use_token"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" default:"30s" validate:"gt=0"`
}

// AnalysisConfig tunes the engine
type AnalysisConfig struct {
	Days                int     `mapstructure:"days" yaml:"days" default:"14" validate:"min=1,max=90"`
	Target              float64 `mapstructure:"target" yaml:"target" default:"100" validate:"gte=70,lte=180"`
	SimpleModeThreshold int     `mapstructure:"simple_mode_threshold" yaml:"simple_mode_threshold" default:"100" validate:"min=0"`
	BasalStep           float64 `mapstructure:"basal_step" yaml:"basal_step" default:"0.05" validate:"gt=0,lte=1"`
	LookbackDays        int     `mapstructure:"lookback_days" yaml:"lookback_days" default:"7"`
	Timezone            string  `mapstructure:"timezone" yaml:"timezone"`
	Segmentation        string  `mapstructure:"segmentation" yaml:"segmentation" default:"warn" validate:"oneof=warn segment"`
	MinSegmentEntries   int     `mapstructure:"min_segment_entries" yaml:"min_segment_entries" default:"288" validate:"min=1"`
	PerHour             bool    `mapstructure:"per_hour" yaml:"per_hour"`
	ICRNewSlots         bool    `mapstructure:"icr_new_slots" yaml:"icr_new_slots"`
	ICRGroupSimilar     bool    `mapstructure:"icr_group_similar" yaml:"icr_group_similar"`
}

// RangeConfig holds glucose thresholds in mg/dL
type RangeConfig struct {
	TargetLow  float64 `mapstructure:"target_low" yaml:"target_low" default:"70" validate:"gt=0"`
	TargetHigh float64 `mapstructure:"target_high" yaml:"target_high" default:"180" validate:"gtfield=TargetLow"`
	UrgentLow  float64 `mapstructure:"urgent_low" yaml:"urgent_low" default:"55" validate:"gt=0,ltefield=TargetLow"`
	UrgentHigh float64 `mapstructure:"urgent_high" yaml:"urgent_high" default:"250" validate:"gtefield=TargetHigh"`
}

// LogConfig selects log level and output
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" default:"console" validate:"oneof=console json"`
	Output string `mapstructure:"output" yaml:"output" default:"stderr" validate:"required"` // stdout, stderr or a file path
}

// NotificationsConfig controls desktop alerts after a run
type NotificationsConfig struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled"`
	OnProfileChange bool `mapstructure:"on_profile_change" yaml:"on_profile_change" default:"true"`
	OnConflicts     bool `mapstructure:"on_conflicts" yaml:"on_conflicts" default:"true"`
	RepeatMinutes   int  `mapstructure:"repeat_minutes" yaml:"repeat_minutes" default:"60" validate:"min=0"` // 0 = no repeat
}

// OutputConfig selects the report format and optional artifacts
type OutputConfig struct {
	Format      string `mapstructure:"format" yaml:"format" default:"text" validate:"oneof=text json yaml"`
	ChartPath   string `mapstructure:"chart_path" yaml:"chart_path"`
	MetricsFile string `mapstructure:"metrics_file" yaml:"metrics_file"`
	TraceFile   string `mapstructure:"trace_file" yaml:"trace_file"`
}

// keys lists every setting so environment variables work without a config file
var keys = []string{
	"nightscout.url", "nightscout.api_secret", "nightscout.api_token", "nightscout.use_token", "nightscout.timeout",
	"analysis.days", "analysis.target", "analysis.simple_mode_threshold", "analysis.basal_step",
	"analysis.lookback_days", "analysis.timezone", "analysis.segmentation", "analysis.min_segment_entries",
	"analysis.per_hour", "analysis.icr_new_slots", "analysis.icr_group_similar",
	"range.target_low", "range.target_high", "range.urgent_low", "range.urgent_high",
	"log.level", "log.format", "log.output",
	"notifications.enabled", "notifications.on_profile_change", "notifications.on_conflicts", "notifications.repeat_minutes",
	"output.format", "output.chart_path", "output.metrics_file", "output.trace_file",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their config key
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Default returns a config with default values
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path, or config.yaml in the config directory when path is empty,
// applies NSADVISOR_ environment overrides on top of defaults and validates the result.
// A missing default config file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := GetConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config dir: %w", err)
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if _, tzErr := c.Location(); tzErr != nil {
			return fmt.Errorf("invalid config: analysis.timezone: %w", tzErr)
		}
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gtfield", "gtefield", "ltefield":
		return fmt.Sprintf("%s is inconsistent with %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// Location resolves the analysis timezone. Empty means the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Analysis.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Analysis.Timezone)
}

// IsConfigured returns true if a Nightscout site is set
func (c *Config) IsConfigured() bool {
	return c.Nightscout.URL != ""
}

// Status classifies a glucose value against the configured range
func (r RangeConfig) Status(mgdl float64) string {
	switch {
	case mgdl <= r.UrgentLow:
		return "urgent_low"
	case mgdl <= r.TargetLow:
		return "low"
	case mgdl >= r.UrgentHigh:
		return "urgent_high"
	case mgdl >= r.TargetHigh:
		return "high"
	default:
		return "normal"
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, "nightscout-advisor"), nil
}
