// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Site        SiteConfig        `mapstructure:"site" yaml:"site"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot" yaml:"snapshot"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP API and the websocket endpoint.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	APIPrefix       string        `mapstructure:"api_prefix" yaml:"api_prefix"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimitMax is the number of requests a single client may make per
	// RateLimitWindow. Zero disables limiting.
	RateLimitMax    int           `mapstructure:"rate_limit_max" yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless       bool           `mapstructure:"headless" yaml:"headless"`
	ExecutablePath string         `mapstructure:"executable_path" yaml:"executable_path"`
	Args           []string       `mapstructure:"args" yaml:"args"`
	UserAgent      string         `mapstructure:"user_agent" yaml:"user_agent"`
	Viewport       ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	LaunchTimeout  time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	Debug          bool           `mapstructure:"debug" yaml:"debug"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// SiteConfig describes the external site the session logs into.
// Selectors and timings are tied to the site's current markup.
type SiteConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
	LoginPath   string `mapstructure:"login_path" yaml:"login_path"`
	ListingPath string `mapstructure:"listing_path" yaml:"listing_path"`
	ProbePath   string `mapstructure:"probe_path" yaml:"probe_path"`

	// AuthenticatedPatterns is the allow-list of location patterns that mark a
	// logged-in page. UnauthenticatedPatterns override it.
	AuthenticatedPatterns   []string `mapstructure:"authenticated_patterns" yaml:"authenticated_patterns"`
	UnauthenticatedPatterns []string `mapstructure:"unauthenticated_patterns" yaml:"unauthenticated_patterns"`

	IdentitySelector string `mapstructure:"identity_selector" yaml:"identity_selector"`
	SecretSelector   string `mapstructure:"secret_selector" yaml:"secret_selector"`
	SubmitSelector   string `mapstructure:"submit_selector" yaml:"submit_selector"`
	MessageSelector  string `mapstructure:"message_selector" yaml:"message_selector"`

	KeyDelay        time.Duration `mapstructure:"key_delay" yaml:"key_delay"`
	FieldSettle     time.Duration `mapstructure:"field_settle" yaml:"field_settle"`
	SubmitSettle    time.Duration `mapstructure:"submit_settle" yaml:"submit_settle"`
	PostLoginSettle time.Duration `mapstructure:"post_login_settle" yaml:"post_login_settle"`

	NavigateTimeout    time.Duration `mapstructure:"navigate_timeout" yaml:"navigate_timeout"`
	FieldTimeout       time.Duration `mapstructure:"field_timeout" yaml:"field_timeout"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ListingTimeout     time.Duration `mapstructure:"listing_timeout" yaml:"listing_timeout"`
	MessageWaitTimeout time.Duration `mapstructure:"message_wait_timeout" yaml:"message_wait_timeout"`
}

// SessionConfig drives the session manager's poll loop.
type SessionConfig struct {
	PollingEnabled bool          `mapstructure:"polling_enabled" yaml:"polling_enabled"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	AutoStart      bool          `mapstructure:"auto_start" yaml:"auto_start"`
	Dedupe         DedupeConfig  `mapstructure:"dedupe" yaml:"dedupe"`
}

// DedupeConfig selects how already relayed messages are remembered.
type DedupeConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Backend is "memory" or "postgres".
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
}

// CredentialsConfig holds the auto-start login.
type CredentialsConfig struct {
	Login          string `mapstructure:"login" yaml:"login"`
	Password       string `mapstructure:"password" yaml:"password"`
	SubscriberName string `mapstructure:"subscriber_name" yaml:"subscriber_name"`
}

// SnapshotConfig controls diagnostic page captures.
type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// DefaultBrowserArgs mirrors the flags the service has always launched Chrome with.
var DefaultBrowserArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--disable-blink-features=AutomationControlled",
	"--disable-web-security",
	"--disable-features=IsolateOrigins,site-per-process",
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
	v.SetDefault("logger.service_name", "avito-relay")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.api_prefix", "/api")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "3m")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit_max", 100)
	v.SetDefault("server.rate_limit_window", "15m")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.args", DefaultBrowserArgs)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport.width", 1920)
	v.SetDefault("browser.viewport.height", 1080)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.debug", false)

	// -- Site --
	v.SetDefault("site.name", "avito")
	v.SetDefault("site.base_url", "https://www.avito.ru")
	v.SetDefault("site.login_path", "/profile/login")
	v.SetDefault("site.listing_path", "/profile/messages")
	v.SetDefault("site.probe_path", "/profile")
	v.SetDefault("site.authenticated_patterns", []string{"/profile", "/personal"})
	v.SetDefault("site.unauthenticated_patterns", []string{"/login"})
	v.SetDefault("site.identity_selector", `input[type="text"]`)
	v.SetDefault("site.secret_selector", `input[type="password"]`)
	v.SetDefault("site.submit_selector", `button[type="submit"]`)
	v.SetDefault("site.message_selector", `[data-marker*="message"]`)
	v.SetDefault("site.key_delay", "100ms")
	v.SetDefault("site.field_settle", "1500ms")
	v.SetDefault("site.submit_settle", "3s")
	v.SetDefault("site.post_login_settle", "2s")
	v.SetDefault("site.navigate_timeout", "6s")
	v.SetDefault("site.field_timeout", "15s")
	v.SetDefault("site.navigation_timeout", "15s")
	v.SetDefault("site.listing_timeout", "30s")
	v.SetDefault("site.message_wait_timeout", "10s")

	// -- Session --
	v.SetDefault("session.polling_enabled", true)
	v.SetDefault("session.poll_interval", "10s")
	v.SetDefault("session.poll_timeout", "45s")
	v.SetDefault("session.auto_start", true)
	v.SetDefault("session.dedupe.enabled", true)
	v.SetDefault("session.dedupe.backend", "memory")
	v.SetDefault("session.dedupe.capacity", 1024)

	// -- Credentials --
	v.SetDefault("credentials.login", "")
	v.SetDefault("credentials.password", "")
	v.SetDefault("credentials.subscriber_name", "avito")

	// -- Snapshot --
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.dir", "./logs")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.connect_timeout", "10s")
}

// BindLegacyEnv binds the environment names the service has historically been
// deployed with. They take precedence over the prefixed names.
func BindLegacyEnv(v *viper.Viper) {
	v.BindEnv("credentials.login", "AVITO_LOGIN", "AVITO_CREDENTIALS_LOGIN")
	v.BindEnv("credentials.password", "AVITO_PASSWORD", "AVITO_CREDENTIALS_PASSWORD")
	v.BindEnv("credentials.subscriber_name", "AVITO_SUBSCRIBER_NAME", "AVITO_CREDENTIALS_SUBSCRIBER_NAME")
	v.BindEnv("browser.headless", "HEADLESS", "AVITO_BROWSER_HEADLESS")
	v.BindEnv("browser.executable_path", "PUPPETEER_EXECUTABLE_PATH", "AVITO_BROWSER_EXECUTABLE_PATH")
	v.BindEnv("server.port", "PORT", "AVITO_SERVER_PORT")
	v.BindEnv("server.rate_limit_max", "RATE_LIMIT_MAX", "AVITO_SERVER_RATE_LIMIT_MAX")
	v.BindEnv("database.url", "DATABASE_URL", "AVITO_DATABASE_URL")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	BindLegacyEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RateLimitMax < 0 {
		return fmt.Errorf("server.rate_limit_max must not be negative")
	}
	if c.Server.RateLimitMax > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("server.rate_limit_window must be a positive duration when rate limiting is enabled")
	}
	if c.Browser.LaunchTimeout <= 0 {
		return fmt.Errorf("browser.launch_timeout must be a positive duration")
	}
	if err := c.Site.Validate(); err != nil {
		return fmt.Errorf("site configuration invalid: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if c.Session.Dedupe.Enabled && c.Session.Dedupe.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when session.dedupe.backend is postgres")
	}
	if (c.Credentials.Login == "") != (c.Credentials.Password == "") {
		return fmt.Errorf("credentials.login and credentials.password must be set together")
	}
	return nil
}

// HasCredentials reports whether auto-start credentials are configured.
func (c *Config) HasCredentials() bool {
	return c.Credentials.Login != "" && c.Credentials.Password != ""
}

// Validate checks the site settings.
func (s *SiteConfig) Validate() error {
	if s.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if len(s.AuthenticatedPatterns) == 0 {
		return fmt.Errorf("authenticated_patterns must not be empty")
	}
	for _, p := range append(append([]string{}, s.AuthenticatedPatterns...), s.UnauthenticatedPatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("pattern %q does not compile: %w", p, err)
		}
	}
	if s.IdentitySelector == "" || s.SubmitSelector == "" {
		return fmt.Errorf("identity_selector and submit_selector are required")
	}
	return nil
}

// Validate checks the session settings.
func (s *SessionConfig) Validate() error {
	if s.PollingEnabled && s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration when polling is enabled")
	}
	if s.PollTimeout < 0 {
		return fmt.Errorf("poll_timeout must not be negative")
	}
	if !s.Dedupe.Enabled {
		return nil
	}
	switch s.Dedupe.Backend {
	case "memory":
		if s.Dedupe.Capacity <= 0 {
			return fmt.Errorf("dedupe.capacity must be a positive integer")
		}
	case "postgres":
	default:
		return fmt.Errorf("dedupe.backend %q is not supported", s.Dedupe.Backend)
	}
	return nil
}
