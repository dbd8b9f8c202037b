// Package config holds the application's root configuration, loaded through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"github.com/xkilldash9x/cadence-cli/internal/humanoid"
)

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Logical action names used throughout the session loop.
const (
	ActionPrimary  = "primary"
	ActionAgain    = "again"
	ActionCheckbox = "checkbox"
	ActionSubmit   = "submit"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger    LoggerConfig            `mapstructure:"logger"`
	Target    TargetConfig            `mapstructure:"target"`
	Sessions  SessionsConfig          `mapstructure:"sessions"`
	Browser   BrowserConfig           `mapstructure:"browser"`
	Challenge ChallengeConfig         `mapstructure:"challenge"`
	Locator   LocatorConfig           `mapstructure:"locator"`
	Actions   map[string]ActionConfig `mapstructure:"actions"`
	Markers   MarkersConfig           `mapstructure:"markers"`
	Detector  DetectorConfig          `mapstructure:"detector"`
	Store     StoreConfig             `mapstructure:"store"`
	Status    StatusConfig            `mapstructure:"status"`
	Debug     DebugConfig             `mapstructure:"debug"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// TargetConfig names the page and the control each session drives.
type TargetConfig struct {
	URL   string `mapstructure:"url"`
	Label string `mapstructure:"label"`
}

// DelayRange is the inter-cycle pause, in seconds.
type DelayRange struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// BackoffConfig shapes the wait applied after an error page.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// SessionsConfig controls how many sessions run and how each one paces and fails.
type SessionsConfig struct {
	Count int `mapstructure:"count"`
	// MaxActions caps confirmed votes per session; -1 means unbounded.
	MaxActions           int           `mapstructure:"max_actions"`
	DelayRange           DelayRange    `mapstructure:"delay_range"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	MaxUnexpectedStates  int           `mapstructure:"max_unexpected_states"`
	MaxChallengeTimeouts int           `mapstructure:"max_challenge_timeouts"`
	OutcomePolls         int           `mapstructure:"outcome_polls"`
	OutcomeInterval      time.Duration `mapstructure:"outcome_interval"`
	ErrorBackoff         BackoffConfig `mapstructure:"error_backoff"`
	LoginTimeout         time.Duration `mapstructure:"login_timeout"`
	LoginPollInterval    time.Duration `mapstructure:"login_poll_interval"`
}

// Delay returns the configured range as durations.
func (s SessionsConfig) Delay() (time.Duration, time.Duration) {
	return secondsToDuration(s.DelayRange.Min), secondsToDuration(s.DelayRange.Max)
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless      bool            `mapstructure:"headless"`
	ExtensionPath string          `mapstructure:"extension_path"`
	UserDataDir   string          `mapstructure:"user_data_dir"`
	Args          []string        `mapstructure:"args"`
	Viewport      map[string]int  `mapstructure:"viewport"`
	UserAgent     string          `mapstructure:"user_agent"`
	Platform      string          `mapstructure:"platform"`
	Languages     []string        `mapstructure:"languages"`
	TabStagger    time.Duration   `mapstructure:"tab_stagger"`
	ActionTimeout time.Duration   `mapstructure:"action_timeout"`
	Humanoid      humanoid.Config `mapstructure:"humanoid"`
}

// ChallengeConfig drives the challenge resolver.
type ChallengeConfig struct {
	TimeoutSeconds      int                 `mapstructure:"timeout_seconds"`
	PollInterval        time.Duration       `mapstructure:"poll_interval"`
	AcceptanceThreshold float64             `mapstructure:"acceptance_threshold"`
	ModelArtifactPath   string              `mapstructure:"model_artifact_path"`
	Categories          map[string][]string `mapstructure:"categories"`
	MaxAutoRounds       int                 `mapstructure:"max_auto_rounds"`
	GridSize            int                 `mapstructure:"grid_size"`
	SettleTimeout       time.Duration       `mapstructure:"settle_timeout"`
}

// Timeout returns the manual wait bound.
func (c ChallengeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LocatorConfig bounds each locator strategy.
type LocatorConfig struct {
	LabelTimeout time.Duration `mapstructure:"label_timeout"`
	TextTimeout  time.Duration `mapstructure:"text_timeout"`
	PathTimeout  time.Duration `mapstructure:"path_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ActionConfig lists the synonyms each locator strategy tries for one logical action.
// The token {label} is replaced with target.label.
type ActionConfig struct {
	Labels []string `mapstructure:"labels"`
	Texts  []string `mapstructure:"texts"`
	Paths  []string `mapstructure:"paths"`
}

// MarkersConfig holds the selectors and phrases behind each detector predicate.
type MarkersConfig struct {
	Challenge    ChallengeMarkers    `mapstructure:"challenge"`
	Confirmation ConfirmationMarkers `mapstructure:"confirmation"`
	Error        ErrorMarkers        `mapstructure:"error"`
	Login        LoginMarkers        `mapstructure:"login"`
}

type ChallengeMarkers struct {
	Selectors       []string `mapstructure:"selectors"`
	SolvedSelectors []string `mapstructure:"solved_selectors"`
	AnchorFrames    []string `mapstructure:"anchor_frames"`
	ChallengeFrames []string `mapstructure:"challenge_frames"`
	PromptSelectors []string `mapstructure:"prompt_selectors"`
	CellSelectors   []string `mapstructure:"cell_selectors"`
	// GridOpenMinHeight is the frame height above which the image grid is considered open.
	GridOpenMinHeight float64 `mapstructure:"grid_open_min_height"`
}

type ConfirmationMarkers struct {
	Selectors []string `mapstructure:"selectors"`
	Texts     []string `mapstructure:"texts"`
}

type ErrorMarkers struct {
	Selectors []string `mapstructure:"selectors"`
	Keywords  []string `mapstructure:"keywords"`
}

type LoginMarkers struct {
	URLPatterns []string `mapstructure:"url_patterns"`
	Keywords    []string `mapstructure:"keywords"`
}

// DetectorConfig tunes page state detection.
type DetectorConfig struct {
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// StoreConfig holds settings for the optional database sink.
type StoreConfig struct {
	URL           string        `mapstructure:"url"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// StatusConfig holds settings for the read-only status server.
type StatusConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DebugConfig holds troubleshooting switches.
type DebugConfig struct {
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

// Action returns the synonym table for a logical action with {label} expanded.
func (c *Config) Action(name string) ActionConfig {
	ac := c.Actions[name]
	expand := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			s = strings.ReplaceAll(s, "{label}", c.Target.Label)
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return ActionConfig{
		Labels: expand(ac.Labels),
		Texts:  expand(ac.Texts),
		Paths:  expand(ac.Paths),
	}
}

// Validate checks the configuration for values the session loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Target.Label) == "" {
		errs = append(errs, errors.New("target.label is a required configuration field"))
	}
	if c.Sessions.Count < 1 {
		errs = append(errs, errors.New("sessions.count must be a positive integer"))
	}
	if c.Sessions.MaxActions < -1 {
		errs = append(errs, errors.New("sessions.max_actions must be -1 (unbounded) or non-negative"))
	}
	if c.Sessions.DelayRange.Min < 0 || c.Sessions.DelayRange.Max < c.Sessions.DelayRange.Min {
		errs = append(errs, fmt.Errorf("sessions.delay_range must satisfy 0 <= min <= max (got %.2f..%.2f)",
			c.Sessions.DelayRange.Min, c.Sessions.DelayRange.Max))
	}
	if c.Challenge.TimeoutSeconds < 1 {
		errs = append(errs, errors.New("challenge.timeout_seconds must be at least 1"))
	}
	if c.Challenge.PollInterval <= 0 {
		errs = append(errs, errors.New("challenge.poll_interval must be positive"))
	}
	if c.Challenge.AcceptanceThreshold <= 0 || c.Challenge.AcceptanceThreshold > 1 {
		errs = append(errs, errors.New("challenge.acceptance_threshold must be in (0, 1]"))
	}
	if c.Challenge.GridSize < 1 {
		errs = append(errs, errors.New("challenge.grid_size must be a positive integer"))
	}
	if c.Challenge.MaxAutoRounds < 1 {
		errs = append(errs, errors.New("challenge.max_auto_rounds must be at least 1"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"challenge.settle_timeout", c.Challenge.SettleTimeout},
		{"sessions.login_timeout", c.Sessions.LoginTimeout},
		{"sessions.login_poll_interval", c.Sessions.LoginPollInterval},
		{"locator.label_timeout", c.Locator.LabelTimeout},
		{"locator.text_timeout", c.Locator.TextTimeout},
		{"locator.path_timeout", c.Locator.PathTimeout},
		{"locator.poll_interval", c.Locator.PollInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %s)", d.key, d.val))
		}
	}
	if len(c.Actions[ActionPrimary].Labels)+len(c.Actions[ActionPrimary].Texts)+len(c.Actions[ActionPrimary].Paths) == 0 {
		errs = append(errs, errors.New("actions.primary must define at least one label, text or path"))
	}
	return errors.Join(errs...)
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set replaces the global configuration instance.
func Set(cfg *Config) {
	once.Do(func() {})
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
