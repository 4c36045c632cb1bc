package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when TRADEDESK_CONFIG is not set.
const DefaultPath = "config/tradedesk.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradedesk.
type Config struct {
	Storage     Storage               `yaml:"storage"`
	Server      Server                `yaml:"server"`
	Alpaca      Alpaca                `yaml:"alpaca"`
	Credentials map[string]Credential `yaml:"credentials"`
	Accounts    []Account             `yaml:"accounts"`
	Logging     Logging               `yaml:"logging"`
	Dispatch    Dispatch              `yaml:"dispatch"`
	Refresh     Refresh               `yaml:"refresh"`
	Broadcast   Broadcast             `yaml:"broadcast"`
	Channel     Channel               `yaml:"channel"`
	Trading     Trading               `yaml:"trading"`
}

// Storage holds paths and the repository driver.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	Driver      string `yaml:"driver"` // sqlite or postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns host:port for the HTTP listener.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns host:grpc_port, or "" when gRPC is disabled.
func (s Server) GRPCAddr() string {
	if s.GRPCPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Alpaca holds the default credentials and endpoints for the Alpaca API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Credential is one named broker login referenced by accounts.
type Credential struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// Account seeds one account at startup.
type Account struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Broker        string `yaml:"broker"`
	CredentialRef string `yaml:"credential_ref"`
	Active        *bool  `yaml:"active"`
}

// IsActive reports the active flag; accounts are active unless disabled.
func (a Account) IsActive() bool { return a.Active == nil || *a.Active }

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Dispatch bounds the order fan-out.
type Dispatch struct {
	Concurrency    int           `yaml:"concurrency"`
	AccountTimeout time.Duration `yaml:"account_timeout"`
	Deadline       time.Duration `yaml:"deadline"`
}

// Refresh configures bulk polling and the push feeds.
type Refresh struct {
	MarketInterval   time.Duration `yaml:"market_interval"`
	OffHoursInterval time.Duration `yaml:"off_hours_interval"`
	Concurrency      int           `yaml:"concurrency"`
	Timeout          time.Duration `yaml:"timeout"`
	Deadline         time.Duration `yaml:"deadline"`
	Retries          int           `yaml:"retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RateLimitPerMin  int           `yaml:"rate_limit_per_min"`
	PushBaseDelay    time.Duration `yaml:"push_base_delay"`
	PushMaxDelay     time.Duration `yaml:"push_max_delay"`
}

// Broadcast configures observer queues and price polling.
type Broadcast struct {
	QueueSize     int           `yaml:"queue_size"`
	PriceInterval time.Duration `yaml:"price_interval"`
}

// Channel configures the client-side reconnecting channel.
type Channel struct {
	URL         string        `yaml:"url"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Trading holds the market calendar, risk limits and simulator settings.
type Trading struct {
	Timezone       string   `yaml:"timezone"`
	MarketOpen     string   `yaml:"market_open"`
	MarketClose    string   `yaml:"market_close"`
	Holidays       []string `yaml:"holidays"`
	MaxQuantity    int64    `yaml:"max_quantity"`
	MaxNotional    float64  `yaml:"max_notional"`
	SimulatorFunds float64  `yaml:"simulator_funds"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path, honoring TRADEDESK_CONFIG.
func Path() string {
	if p := os.Getenv("TRADEDESK_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// LoadDotEnv loads variables from the given .env files (".env" when none)
// without overriding variables already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
// A missing file is not an error; the config is then built from the
// environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresDSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}

	if v := os.Getenv("TRADEDESK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func (cfg *Config) applyDefaults() {
	s := &cfg.Storage
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.Driver == "" {
		s.Driver = "sqlite"
	}
	if s.SQLitePath == "" {
		s.SQLitePath = s.DataDir + "/tradedesk.db"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Alpaca.DataURL == "" {
		cfg.Alpaca.DataURL = "https://data.alpaca.markets"
	}
	// The top-level Alpaca login doubles as the "default" credential.
	if cfg.Alpaca.APIKey != "" {
		if cfg.Credentials == nil {
			cfg.Credentials = make(map[string]Credential)
		}
		if _, ok := cfg.Credentials["default"]; !ok {
			cfg.Credentials["default"] = Credential{APIKey: cfg.Alpaca.APIKey, APISecret: cfg.Alpaca.APISecret}
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	d := &cfg.Dispatch
	if d.Concurrency <= 0 {
		d.Concurrency = 32
	}
	if d.AccountTimeout <= 0 {
		d.AccountTimeout = 10 * time.Second
	}
	if d.Deadline <= 0 {
		d.Deadline = 30 * time.Second
	}

	r := &cfg.Refresh
	if r.MarketInterval <= 0 {
		r.MarketInterval = 5 * time.Minute
	}
	if r.OffHoursInterval <= 0 {
		r.OffHoursInterval = 30 * time.Minute
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 10
	}
	if r.Timeout <= 0 {
		r.Timeout = 10 * time.Second
	}
	if r.Deadline <= 0 {
		r.Deadline = time.Minute
	}
	if r.Retries <= 0 {
		r.Retries = 2
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = 500 * time.Millisecond
	}
	if r.PushBaseDelay <= 0 {
		r.PushBaseDelay = time.Second
	}
	if r.PushMaxDelay <= 0 {
		r.PushMaxDelay = time.Minute
	}

	if cfg.Broadcast.QueueSize <= 0 {
		cfg.Broadcast.QueueSize = 256
	}
	if cfg.Broadcast.PriceInterval <= 0 {
		cfg.Broadcast.PriceInterval = 15 * time.Second
	}

	c := &cfg.Channel
	if c.URL == "" {
		c.URL = fmt.Sprintf("ws://localhost:%d/ws", cfg.Server.Port)
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 3 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}

	t := &cfg.Trading
	if t.Timezone == "" {
		t.Timezone = "America/New_York"
	}
	if t.MarketOpen == "" {
		t.MarketOpen = "09:30"
	}
	if t.MarketClose == "" {
		t.MarketClose = "16:00"
	}
	if t.SimulatorFunds <= 0 {
		t.SimulatorFunds = 100000
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].Broker == "" {
			cfg.Accounts[i].Broker = "simulator"
		}
	}
}

// Validate reports configuration that cannot work.
func (cfg *Config) Validate() error {
	var problems []string

	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite":
	case "postgres", "postgresql":
		if cfg.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.driver %q", cfg.Storage.Driver))
	}

	if _, err := time.LoadLocation(cfg.Trading.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("trading.timezone: %v", err))
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		if a.ID == "" {
			problems = append(problems, fmt.Sprintf("accounts[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			problems = append(problems, fmt.Sprintf("accounts[%d]: duplicate id %s", i, a.ID))
		}
		seen[a.ID] = true
		if a.CredentialRef != "" {
			if _, ok := cfg.Credentials[a.CredentialRef]; !ok {
				problems = append(problems, fmt.Sprintf("account %s: unknown credential_ref %q", a.ID, a.CredentialRef))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the trading timezone, UTC if it cannot be loaded.
func (t Trading) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
