// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Plugins() PluginsConfig
	Engine() EngineConfig
	Interruption() InterruptionConfig
	Recognition() RecognitionConfig
	Browser() BrowserConfig
	OCR() OCRConfig
	Server() ServerConfig
	Schedule() ScheduleConfig

	// Setters used by CLI flags.
	SetBrowserHeadless(bool)
	SetEngineDefaultMode(string)
	SetServerAddr(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	PluginsCfg      PluginsConfig      `mapstructure:"plugins" yaml:"plugins"`
	EngineCfg       EngineConfig       `mapstructure:"engine" yaml:"engine"`
	InterruptionCfg InterruptionConfig `mapstructure:"interruption" yaml:"interruption"`
	RecognitionCfg  RecognitionConfig  `mapstructure:"recognition" yaml:"recognition"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	OCRCfg          OCRConfig          `mapstructure:"ocr" yaml:"ocr"`
	ServerCfg       ServerConfig       `mapstructure:"server" yaml:"server"`
	ScheduleCfg     ScheduleConfig     `mapstructure:"schedule" yaml:"schedule"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Plugins() PluginsConfig           { return c.PluginsCfg }
func (c *Config) Engine() EngineConfig             { return c.EngineCfg }
func (c *Config) Interruption() InterruptionConfig { return c.InterruptionCfg }
func (c *Config) Recognition() RecognitionConfig   { return c.RecognitionCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) OCR() OCRConfig                   { return c.OCRCfg }
func (c *Config) Server() ServerConfig             { return c.ServerCfg }
func (c *Config) Schedule() ScheduleConfig         { return c.ScheduleCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)     { c.BrowserCfg.Headless = b }
func (c *Config) SetEngineDefaultMode(m string) { c.EngineCfg.DefaultMode = m }
func (c *Config) SetServerAddr(addr string)     { c.ServerCfg.Addr = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// PluginsConfig controls discovery and per-plugin settings.
type PluginsConfig struct {
	// Locations names the registration table entries to load.
	Locations []string `mapstructure:"locations" yaml:"locations"`
	// RateLimit caps calls per second into a single plugin instance. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
	// Config is passed to each plugin's Initialize, keyed by plugin id.
	Config map[string]map[string]interface{} `mapstructure:"config" yaml:"config"`
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	MaxConcurrentWorkflows int    `mapstructure:"max_concurrent_workflows" yaml:"max_concurrent_workflows"`
	MaxRollbacks           int    `mapstructure:"max_rollbacks" yaml:"max_rollbacks"`
	SnapshotDir            string `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`
	DefaultMode            string `mapstructure:"default_mode" yaml:"default_mode"`
}

// ModeConfig is a named speed/accuracy preset.
type ModeConfig struct {
	MaxWait           time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	TimeoutMultiplier float64       `mapstructure:"timeout_multiplier" yaml:"timeout_multiplier"`
}

// InterruptionConfig configures the interruption resolver and its stores.
type InterruptionConfig struct {
	PatternsFile  string                `mapstructure:"patterns_file" yaml:"patterns_file"`
	PoliciesFile  string                `mapstructure:"policies_file" yaml:"policies_file"`
	Watch         bool                  `mapstructure:"watch" yaml:"watch"`
	Defaults      map[string]bool       `mapstructure:"defaults" yaml:"defaults"`
	TemplateFloor float64               `mapstructure:"template_floor" yaml:"template_floor"`
	OCRThreshold  float64               `mapstructure:"ocr_threshold" yaml:"ocr_threshold"`
	Modes         map[string]ModeConfig `mapstructure:"modes" yaml:"modes"`
	// Plugin ids used for each detection channel. An empty AutomationPlugin
	// means the plugin of the configured browser backend.
	AutomationPlugin string `mapstructure:"automation_plugin" yaml:"automation_plugin"`
	TemplatePlugin   string `mapstructure:"template_plugin" yaml:"template_plugin"`
	OCRPlugin        string `mapstructure:"ocr_plugin" yaml:"ocr_plugin"`
}

// RecognitionConfig configures the recognition resolver.
type RecognitionConfig struct {
	Threshold         float64           `mapstructure:"threshold" yaml:"threshold"`
	DefaultStrategies []string          `mapstructure:"default_strategies" yaml:"default_strategies"`
	Strategies        map[string]string `mapstructure:"strategies" yaml:"strategies"`
}

// TimeoutsConfig holds the base timeout per category before mode scaling.
type TimeoutsConfig struct {
	Navigation time.Duration `mapstructure:"navigation" yaml:"navigation"`
	Element    time.Duration `mapstructure:"element" yaml:"element"`
	Action     time.Duration `mapstructure:"action" yaml:"action"`
}

// ViewportConfig is the browser window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the automation backends.
type BrowserConfig struct {
	Backend   string         `mapstructure:"backend" yaml:"backend"`
	Headless  bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath  string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args      []string       `mapstructure:"args" yaml:"args"`
	Viewport  ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	Timeouts  TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// OCRConfig selects and configures the OCR backend.
type OCRConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	TesseractPath string `mapstructure:"tesseract_path" yaml:"tesseract_path"`
	Language      string `mapstructure:"language" yaml:"language"`
	GeminiModel   string `mapstructure:"gemini_model" yaml:"gemini_model"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key" yaml:"gemini_api_key"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ScheduleEntry runs a workflow definition file on a cron spec.
type ScheduleEntry struct {
	Spec       string `mapstructure:"spec" yaml:"spec"`
	Definition string `mapstructure:"definition" yaml:"definition"`
}

// ScheduleConfig lists recurring workflow runs.
type ScheduleConfig struct {
	Entries []ScheduleEntry `mapstructure:"entries" yaml:"entries"`
}

// DataDir returns the default directory for persisted state (~/.autoflow).
func DataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".autoflow"
	}
	return filepath.Join(home, ".autoflow")
}

// ExpandPath resolves a leading ~ in a configured path.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return p
	}
	return expanded
}

// NewDefaultConfig builds a Config populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.resolvePluginIDs()
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	dataDir := DataDir()

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoflow")
	v.SetDefault("logger.log_file", filepath.Join(dataDir, "logs", "autoflow.log"))
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Plugins --
	v.SetDefault("plugins.locations", []string{"builtin"})
	v.SetDefault("plugins.rate_limit", 0)
	v.SetDefault("plugins.burst", 1)

	// -- Engine --
	v.SetDefault("engine.max_concurrent_workflows", 4)
	v.SetDefault("engine.max_rollbacks", 3)
	v.SetDefault("engine.snapshot_dir", filepath.Join(dataDir, "snapshots"))
	v.SetDefault("engine.default_mode", "balanced")

	// -- Interruption --
	v.SetDefault("interruption.patterns_file", filepath.Join(dataDir, "interruption_patterns.json"))
	v.SetDefault("interruption.policies_file", filepath.Join(dataDir, "site_policies.json"))
	v.SetDefault("interruption.watch", false)
	v.SetDefault("interruption.defaults", map[string]bool{
		"ad":           true,
		"popup":        true,
		"cookie":       true,
		"login":        false,
		"survey":       true,
		"notification": true,
		"custom":       true,
	})
	v.SetDefault("interruption.template_floor", 0.8)
	v.SetDefault("interruption.ocr_threshold", 0.7)
	v.SetDefault("interruption.modes", map[string]interface{}{
		"speed":    map[string]interface{}{"max_wait": "1s", "max_retries": 1, "timeout_multiplier": 0.5},
		"balanced": map[string]interface{}{"max_wait": "3s", "max_retries": 2, "timeout_multiplier": 1.0},
		"accuracy": map[string]interface{}{"max_wait": "5s", "max_retries": 3, "timeout_multiplier": 2.0},
	})
	v.SetDefault("interruption.automation_plugin", "")
	v.SetDefault("interruption.template_plugin", "template")
	v.SetDefault("interruption.ocr_plugin", "ocr")

	// -- Recognition --
	v.SetDefault("recognition.threshold", 0.7)
	v.SetDefault("recognition.default_strategies", []string{"selector", "template", "ocr"})
	v.SetDefault("recognition.strategies", map[string]string{
		"selector": "selector",
		"template": "template",
		"ocr":      "ocr",
	})

	// -- Browser --
	v.SetDefault("browser.backend", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.timeouts.navigation", "30s")
	v.SetDefault("browser.timeouts.element", "10s")
	v.SetDefault("browser.timeouts.action", "5s")

	// -- OCR --
	v.SetDefault("ocr.backend", "tesseract")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.gemini_model", "gemini-2.5-flash")

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8088")
	v.SetDefault("server.shutdown_timeout", "15s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever read from the environment.
	_ = v.BindEnv("ocr.gemini_api_key", "AUTOFLOW_GEMINI_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.normalizePaths()
	cfg.resolvePluginIDs()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalizePaths() {
	c.LoggerCfg.LogFile = ExpandPath(c.LoggerCfg.LogFile)
	c.EngineCfg.SnapshotDir = ExpandPath(c.EngineCfg.SnapshotDir)
	c.InterruptionCfg.PatternsFile = ExpandPath(c.InterruptionCfg.PatternsFile)
	c.InterruptionCfg.PoliciesFile = ExpandPath(c.InterruptionCfg.PoliciesFile)
}

// PluginID returns the registry id of the automation plugin for the backend.
func (b BrowserConfig) PluginID() string {
	if b.Backend == "playwright" {
		return "playwright"
	}
	return "chromium"
}

func (c *Config) resolvePluginIDs() {
	if c.InterruptionCfg.AutomationPlugin == "" {
		c.InterruptionCfg.AutomationPlugin = c.BrowserCfg.PluginID()
	}
}

var knownModes = []string{"speed", "balanced", "accuracy"}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("engine.max_concurrent_workflows must be a positive integer")
	}
	if c.EngineCfg.MaxRollbacks < 0 {
		return fmt.Errorf("engine.max_rollbacks must not be negative")
	}
	if _, ok := c.InterruptionCfg.Modes[c.EngineCfg.DefaultMode]; !ok {
		return fmt.Errorf("engine.default_mode %q must be one of %s", c.EngineCfg.DefaultMode, strings.Join(knownModes, ", "))
	}
	if c.PluginsCfg.RateLimit < 0 {
		return fmt.Errorf("plugins.rate_limit must not be negative")
	}
	if err := c.InterruptionCfg.Validate(); err != nil {
		return fmt.Errorf("interruption configuration invalid: %w", err)
	}
	if err := c.RecognitionCfg.Validate(); err != nil {
		return fmt.Errorf("recognition configuration invalid: %w", err)
	}
	switch c.BrowserCfg.Backend {
	case "chromedp", "playwright":
	default:
		return fmt.Errorf("browser.backend must be chromedp or playwright, got %q", c.BrowserCfg.Backend)
	}
	switch c.OCRCfg.Backend {
	case "tesseract", "gemini":
	default:
		return fmt.Errorf("ocr.backend must be tesseract or gemini, got %q", c.OCRCfg.Backend)
	}
	return nil
}

// Validate checks the interruption settings.
func (i *InterruptionConfig) Validate() error {
	if i.TemplateFloor <= 0 || i.TemplateFloor > 1 {
		return fmt.Errorf("template_floor must be in (0, 1]")
	}
	if i.OCRThreshold <= 0 || i.OCRThreshold > 1 {
		return fmt.Errorf("ocr_threshold must be in (0, 1]")
	}
	for name, m := range i.Modes {
		if m.MaxRetries <= 0 {
			return fmt.Errorf("modes.%s.max_retries must be greater than 0", name)
		}
		if m.MaxWait <= 0 {
			return fmt.Errorf("modes.%s.max_wait must be a positive duration", name)
		}
		if m.TimeoutMultiplier <= 0 {
			return fmt.Errorf("modes.%s.timeout_multiplier must be positive", name)
		}
	}
	return nil
}

// Validate checks the recognition settings.
func (r *RecognitionConfig) Validate() error {
	if r.Threshold < 0.0 || r.Threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0")
	}
	for _, name := range r.DefaultStrategies {
		if _, ok := r.Strategies[name]; !ok {
			return fmt.Errorf("default strategy %q has no plugin mapping", name)
		}
	}
	return nil
}
