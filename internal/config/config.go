// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Site revisions understood by the adapter layer.
const (
	RevisionStorage = "payfit"
	RevisionPicker  = "payfit-picker"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Site     SiteConfig     `mapstructure:"site" yaml:"site"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Accounts AccountsConfig `mapstructure:"accounts" yaml:"accounts"`
	Harvest  HarvestConfig  `mapstructure:"harvest" yaml:"harvest"`
	Vault    VaultConfig    `mapstructure:"vault" yaml:"vault"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Run      RunConfig      `mapstructure:"run" yaml:"run"`
}

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

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the PostgreSQL connection string for the document store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the Chromium instance driving the portal.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache    bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	UserDataDir     string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	Persona         PersonaConfig  `mapstructure:"persona" yaml:"persona"`
}

// PersonaConfig is the browser fingerprint presented to the portal.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// NetworkConfig tunes navigation and response capture.
type NetworkConfig struct {
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait        time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	BodyFetchTimeout    time.Duration `mapstructure:"body_fetch_timeout" yaml:"body_fetch_timeout"`
	InterceptionTimeout time.Duration `mapstructure:"interception_timeout" yaml:"interception_timeout"`
}

// SiteConfig selects the portal revision the adapter targets.
type SiteConfig struct {
	Revision string `mapstructure:"revision" yaml:"revision"`
}

// AuthConfig bounds the login surface waits.
type AuthConfig struct {
	MarkerTimeout time.Duration `mapstructure:"marker_timeout" yaml:"marker_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LogoutTimeout time.Duration `mapstructure:"logout_timeout" yaml:"logout_timeout"`
}

// AccountsConfig drives account filtering and the switch read-back check.
type AccountsConfig struct {
	ExcludedRoles    []string      `mapstructure:"excluded_roles" yaml:"excluded_roles"`
	ReadbackTimeout  time.Duration `mapstructure:"readback_timeout" yaml:"readback_timeout"`
	ReadbackInterval time.Duration `mapstructure:"readback_interval" yaml:"readback_interval"`
}

// HarvestConfig controls enumeration and signed URL batching.
type HarvestConfig struct {
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchWait         time.Duration `mapstructure:"batch_wait" yaml:"batch_wait"`
	IncrementalLimit  int           `mapstructure:"incremental_limit" yaml:"incremental_limit"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ListingTimeout    time.Duration `mapstructure:"listing_timeout" yaml:"listing_timeout"`
	MaxScrollAttempts int           `mapstructure:"max_scroll_attempts" yaml:"max_scroll_attempts"`
}

// VaultConfig locates the encrypted credential file.
type VaultConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	Passphrase string `mapstructure:"passphrase" yaml:"-"`
}

// DownloadConfig configures the payslip file client.
type DownloadConfig struct {
	OutputDir         string        `mapstructure:"output_dir" yaml:"output_dir"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries           int           `mapstructure:"retries" yaml:"retries"`
}

// RunConfig holds the full refresh policy.
type RunConfig struct {
	FullRefreshAfter time.Duration `mapstructure:"full_refresh_after" yaml:"full_refresh_after"`
	ForceFullRefresh bool          `mapstructure:"force_full_refresh" yaml:"force_full_refresh"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "payslip-cli")
	v.SetDefault("logger.log_file", "payslip.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	// The portal needs a visible window for manual login and two-factor steps.
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.disable_cache", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 900})
	v.SetDefault("browser.persona.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.persona.platform", "Win32")
	v.SetDefault("browser.persona.languages", []string{"fr-FR", "fr", "en"})
	v.SetDefault("browser.persona.timezone", "Europe/Paris")
	v.SetDefault("browser.persona.locale", "fr-FR")

	// -- Network --
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.post_load_wait", "1s")
	v.SetDefault("network.body_fetch_timeout", "15s")
	v.SetDefault("network.interception_timeout", "30s")

	// -- Site --
	v.SetDefault("site.revision", RevisionStorage)

	// -- Auth --
	v.SetDefault("auth.marker_timeout", "30s")
	v.SetDefault("auth.poll_interval", "1s")
	v.SetDefault("auth.logout_timeout", "10s")

	// -- Accounts --
	v.SetDefault("accounts.excluded_roles", []string{"admin"})
	v.SetDefault("accounts.readback_timeout", "10s")
	v.SetDefault("accounts.readback_interval", "1s")

	// -- Harvest --
	v.SetDefault("harvest.batch_size", 10)
	v.SetDefault("harvest.batch_wait", "30s")
	v.SetDefault("harvest.incremental_limit", 3)
	v.SetDefault("harvest.poll_interval", "1s")
	v.SetDefault("harvest.listing_timeout", "30s")
	v.SetDefault("harvest.max_scroll_attempts", 200)

	// -- Vault --
	v.SetDefault("vault.path", "~/.payslip-cli/credentials.vault")

	// -- Download --
	v.SetDefault("download.output_dir", "~/Documents/payslips")
	v.SetDefault("download.requests_per_second", 2.0)
	v.SetDefault("download.burst", 2)
	v.SetDefault("download.timeout", "30s")
	v.SetDefault("download.retries", 2)

	// -- Run --
	v.SetDefault("run.full_refresh_after", "720h")
	v.SetDefault("run.force_full_refresh", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment only.
	_ = v.BindEnv("database.url", "PAYSLIP_DATABASE_URL")
	_ = v.BindEnv("vault.passphrase", "PAYSLIP_VAULT_PASSPHRASE")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Site.Revision = strings.ToLower(strings.TrimSpace(cfg.Site.Revision))
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.Vault.Path, err = homedir.Expand(c.Vault.Path); err != nil {
		return fmt.Errorf("expanding vault.path: %w", err)
	}
	if c.Download.OutputDir, err = homedir.Expand(c.Download.OutputDir); err != nil {
		return fmt.Errorf("expanding download.output_dir: %w", err)
	}
	if c.Browser.UserDataDir, err = homedir.Expand(c.Browser.UserDataDir); err != nil {
		return fmt.Errorf("expanding browser.user_data_dir: %w", err)
	}
	return nil
}

// ValidateFetch adds the settings a harvest run needs before any browser starts:
// the document store and a vault passphrase to persist captured credentials.
func (c *Config) ValidateFetch() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is not configured (PAYSLIP_DATABASE_URL)")
	}
	if c.Vault.Passphrase == "" {
		return fmt.Errorf("vault.passphrase is not configured (PAYSLIP_VAULT_PASSPHRASE)")
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Site.Revision {
	case RevisionStorage, RevisionPicker:
	default:
		return fmt.Errorf("site.revision must be %q or %q, got %q", RevisionStorage, RevisionPicker, c.Site.Revision)
	}
	if c.Harvest.BatchSize <= 0 {
		return fmt.Errorf("harvest.batch_size must be a positive integer")
	}
	if c.Harvest.IncrementalLimit <= 0 {
		return fmt.Errorf("harvest.incremental_limit must be a positive integer")
	}
	if c.Harvest.BatchWait <= 0 {
		return fmt.Errorf("harvest.batch_wait must be a positive duration")
	}
	if c.Harvest.PollInterval <= 0 || c.Auth.PollInterval <= 0 || c.Accounts.ReadbackInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive durations")
	}
	if c.Accounts.ReadbackTimeout < c.Accounts.ReadbackInterval {
		return fmt.Errorf("accounts.readback_timeout must not be shorter than accounts.readback_interval")
	}
	if c.Download.RequestsPerSecond <= 0 {
		return fmt.Errorf("download.requests_per_second must be positive")
	}
	if c.Download.Burst <= 0 {
		return fmt.Errorf("download.burst must be a positive integer")
	}
	if c.Run.FullRefreshAfter <= 0 {
		return fmt.Errorf("run.full_refresh_after must be a positive duration")
	}
	return nil
}
