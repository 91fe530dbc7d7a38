package config

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crossbridge-io/crossbridge/internal/rules"
)

// DefaultUnifiedPath is the default location for the unified configuration
// file, resolved relative to the process working directory.
const DefaultUnifiedPath = "crossbridge.yaml"

// UnifiedPathEnvVar is the environment variable name for a custom unified
// config path.
const UnifiedPathEnvVar = "CROSSBRIDGE_CONFIG_PATH"

// Unified configuration defaults.
const (
	defaultAPIHost = "0.0.0.0"
	defaultAPIPort = 8765

	defaultEventsRetentionDays  = 90
	defaultHistoryRetentionDays = 180
	defaultDriftRetentionDays   = 60

	defaultFlakyConsecutive   = 3
	defaultFlakyPassesBetween = 1
	defaultFlakyOccurrences   = 3

	defaultDriftWindowDays        = 30
	defaultDriftThresholdLow      = 5.0
	defaultDriftThresholdModerate = 10.0
	defaultDriftThresholdHigh     = 20.0
	defaultDriftThresholdCritical = 30.0

	defaultGracefulSeconds = 30

	hoursPerDay = 24
)

//nolint:tagliatelle // snake_case is intentional for YAML config files
type (
	// Unified is the one canonical configuration file for the observer
	// process. All sections are optional; a missing file yields pure
	// defaults and the service still starts.
	Unified struct {
		Observer  ObserverConfig  `yaml:"observer"`
		Execution ExecutionConfig `yaml:"execution"`
	}

	// ObserverConfig holds the observer.* section.
	ObserverConfig struct {
		API       APISection       `yaml:"api"`
		DB        DBSection        `yaml:"db"`
		Queue     QueueSection     `yaml:"queue"`
		Retention RetentionSection `yaml:"retention"`
		Flaky     FlakySection     `yaml:"flaky"`
		Drift     DriftSection     `yaml:"drift"`
		Kafka     KafkaSection     `yaml:"kafka"`
		Hooks     HooksSection     `yaml:"hooks"`
		Shutdown  ShutdownSection  `yaml:"shutdown"`
		LogLevel  string           `yaml:"log_level"`
	}

	// APISection configures the HTTP listener.
	APISection struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	}

	// DBSection configures the Postgres connection. An empty URL selects
	// the in-memory stores.
	DBSection struct {
		URL string `yaml:"url"`
	}

	// QueueSection configures the processing pipeline. Shards is accepted
	// as an alias for Workers (one worker drains one shard); when both are
	// set, Workers wins.
	QueueSection struct {
		Capacity int `yaml:"capacity"`
		Workers  int `yaml:"workers"`
		Shards   int `yaml:"shards"`
	}

	// RetentionSection configures the retention sweeps, in days.
	RetentionSection struct {
		EventsDays  int `yaml:"events_days"`
		HistoryDays int `yaml:"history_days"`
		DriftDays   int `yaml:"drift_days"`
	}

	// FlakySection configures the flaky-detection thresholds.
	FlakySection struct {
		ConsecutiveThreshold   int `yaml:"consecutive_threshold"`
		PassesBetweenThreshold int `yaml:"passes_between_threshold"`
		MinOccurrences         int `yaml:"min_occurrences"`
	}

	// DriftSection configures confidence-drift monitoring. Thresholds are
	// absolute percent changes from the baseline.
	DriftSection struct {
		WindowDays int                    `yaml:"window_days"`
		Thresholds DriftThresholdsSection `yaml:"thresholds"`
	}

	// DriftThresholdsSection maps percent change onto signal severity.
	DriftThresholdsSection struct {
		Low      float64 `yaml:"low"`
		Moderate float64 `yaml:"moderate"`
		High     float64 `yaml:"high"`
		Critical float64 `yaml:"critical"`
	}

	// KafkaSection configures the optional drift-signal sink.
	KafkaSection struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	}

	// HooksSection configures optional lifecycle hooks.
	HooksSection struct {
		Enabled bool `yaml:"enabled"`
	}

	// ShutdownSection configures graceful shutdown.
	ShutdownSection struct {
		GracefulSeconds int `yaml:"graceful_seconds"`
	}

	// ExecutionConfig holds the execution.* section.
	ExecutionConfig struct {
		Intelligence IntelligenceConfig `yaml:"intelligence"`
	}

	// IntelligenceConfig carries inline rule packs keyed by framework.
	// Inline rules are the primary rule source; rules/<framework>.yaml
	// files are the fallback read path.
	IntelligenceConfig struct {
		Rules map[string][]*rules.Rule `yaml:"rules"`
	}
)

// DefaultUnified returns a Unified config populated with all defaults.
func DefaultUnified() *Unified {
	return &Unified{
		Observer: ObserverConfig{
			API: APISection{
				Host: defaultAPIHost,
				Port: defaultAPIPort,
			},
			Retention: RetentionSection{
				EventsDays:  defaultEventsRetentionDays,
				HistoryDays: defaultHistoryRetentionDays,
				DriftDays:   defaultDriftRetentionDays,
			},
			Flaky: FlakySection{
				ConsecutiveThreshold:   defaultFlakyConsecutive,
				PassesBetweenThreshold: defaultFlakyPassesBetween,
				MinOccurrences:         defaultFlakyOccurrences,
			},
			Drift: DriftSection{
				WindowDays: defaultDriftWindowDays,
				Thresholds: DriftThresholdsSection{
					Low:      defaultDriftThresholdLow,
					Moderate: defaultDriftThresholdModerate,
					High:     defaultDriftThresholdHigh,
					Critical: defaultDriftThresholdCritical,
				},
			},
			Shutdown: ShutdownSection{
				GracefulSeconds: defaultGracefulSeconds,
			},
			LogLevel: "info",
		},
		Execution: ExecutionConfig{
			Intelligence: IntelligenceConfig{
				Rules: make(map[string][]*rules.Rule),
			},
		},
	}
}

// LoadUnified loads the unified configuration from a YAML file at the
// given path.
//
// Behavior:
//   - Returns defaults (not error) if the file doesn't exist - the config
//     file is optional
//   - Returns defaults + logs warning if YAML is invalid (graceful
//     degradation)
//   - Returns the parsed config merged over defaults on success
//
// Environment variables override file values after parsing; see
// applyEnvOverrides.
func LoadUnified(path string) (*Unified, error) {
	cfg := DefaultUnified()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Unified config file not found, using defaults",
				slog.String("path", path))

			return cfg.applyEnvOverrides(), nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read unified config file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg.applyEnvOverrides(), nil
	}

	if len(data) == 0 {
		return cfg.applyEnvOverrides(), nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with defaults
		slog.Warn("Failed to parse unified config file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultUnified().applyEnvOverrides(), nil
	}

	cfg.fillZeroValues()

	return cfg.applyEnvOverrides(), nil
}

// LoadUnifiedFromEnv loads the unified config from the path in
// CROSSBRIDGE_CONFIG_PATH, falling back to "crossbridge.yaml" in the
// current directory.
func LoadUnifiedFromEnv() (*Unified, error) {
	path := GetEnvStr(UnifiedPathEnvVar, DefaultUnifiedPath)

	return LoadUnified(path)
}

// fillZeroValues restores defaults for keys the file set to zero values,
// so a partial file never zeroes out a threshold.
func (u *Unified) fillZeroValues() {
	defaults := DefaultUnified()

	if u.Observer.API.Host == "" {
		u.Observer.API.Host = defaults.Observer.API.Host
	}

	if u.Observer.API.Port == 0 {
		u.Observer.API.Port = defaults.Observer.API.Port
	}

	if u.Observer.Retention.EventsDays == 0 {
		u.Observer.Retention.EventsDays = defaults.Observer.Retention.EventsDays
	}

	if u.Observer.Retention.HistoryDays == 0 {
		u.Observer.Retention.HistoryDays = defaults.Observer.Retention.HistoryDays
	}

	if u.Observer.Retention.DriftDays == 0 {
		u.Observer.Retention.DriftDays = defaults.Observer.Retention.DriftDays
	}

	if u.Observer.Flaky.ConsecutiveThreshold == 0 {
		u.Observer.Flaky.ConsecutiveThreshold = defaults.Observer.Flaky.ConsecutiveThreshold
	}

	if u.Observer.Flaky.PassesBetweenThreshold == 0 {
		u.Observer.Flaky.PassesBetweenThreshold = defaults.Observer.Flaky.PassesBetweenThreshold
	}

	if u.Observer.Flaky.MinOccurrences == 0 {
		u.Observer.Flaky.MinOccurrences = defaults.Observer.Flaky.MinOccurrences
	}

	if u.Observer.Drift.WindowDays == 0 {
		u.Observer.Drift.WindowDays = defaults.Observer.Drift.WindowDays
	}

	if u.Observer.Drift.Thresholds.Low == 0 {
		u.Observer.Drift.Thresholds.Low = defaults.Observer.Drift.Thresholds.Low
	}

	if u.Observer.Drift.Thresholds.Moderate == 0 {
		u.Observer.Drift.Thresholds.Moderate = defaults.Observer.Drift.Thresholds.Moderate
	}

	if u.Observer.Drift.Thresholds.High == 0 {
		u.Observer.Drift.Thresholds.High = defaults.Observer.Drift.Thresholds.High
	}

	if u.Observer.Drift.Thresholds.Critical == 0 {
		u.Observer.Drift.Thresholds.Critical = defaults.Observer.Drift.Thresholds.Critical
	}

	if u.Observer.Shutdown.GracefulSeconds == 0 {
		u.Observer.Shutdown.GracefulSeconds = defaults.Observer.Shutdown.GracefulSeconds
	}

	if u.Observer.LogLevel == "" {
		u.Observer.LogLevel = defaults.Observer.LogLevel
	}

	if u.Execution.Intelligence.Rules == nil {
		u.Execution.Intelligence.Rules = make(map[string][]*rules.Rule)
	}
}

// applyEnvOverrides overlays the documented environment variables on top
// of file values. Env always wins over the file.
func (u *Unified) applyEnvOverrides() *Unified {
	u.Observer.API.Host = GetEnvStr("CROSSBRIDGE_API_HOST", u.Observer.API.Host)
	u.Observer.API.Port = GetEnvInt("CROSSBRIDGE_API_PORT", u.Observer.API.Port)
	u.Observer.DB.URL = GetEnvStr("CROSSBRIDGE_DB_URL", u.Observer.DB.URL)
	u.Observer.LogLevel = GetEnvStr("CROSSBRIDGE_LOG_LEVEL", u.Observer.LogLevel)
	u.Observer.Hooks.Enabled = GetEnvBool("CROSSBRIDGE_HOOKS_ENABLED", u.Observer.Hooks.Enabled)

	return u
}

// QueueWorkers resolves the worker count: workers wins over the shards
// alias; zero means "let the pipeline pick" (NumCPU-derived).
func (u *Unified) QueueWorkers() int {
	if u.Observer.Queue.Workers > 0 {
		return u.Observer.Queue.Workers
	}

	return u.Observer.Queue.Shards
}

// DriftWindow returns the drift rolling window as a duration.
func (u *Unified) DriftWindow() time.Duration {
	return time.Duration(u.Observer.Drift.WindowDays) * hoursPerDay * time.Hour
}

// ShutdownTimeout returns the graceful shutdown budget as a duration.
func (u *Unified) ShutdownTimeout() time.Duration {
	return time.Duration(u.Observer.Shutdown.GracefulSeconds) * time.Second
}

// SlogLevel maps the configured log level string onto a slog.Level,
// defaulting to info for unknown values.
func (u *Unified) SlogLevel() slog.Level {
	switch u.Observer.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
