package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradedesk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every variable Load consults so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "STORAGE_DRIVER", "DATABASE_URL", "TRADEDESK_PORT",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL", "ALPACA_DATA_URL",
		"LOG_LEVEL", "LOG_FORMAT", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: /tmp/td
server:
  port: 9090
  grpc_port: 9091
credentials:
  main:
    api_key: k1
    api_secret: s1
accounts:
  - id: acct-1
    name: First
    broker: alpaca
    credential_ref: main
  - id: acct-2
    active: false
dispatch:
  concurrency: 8
  account_timeout: 2s
  deadline: 15s
refresh:
  market_interval: 1m
trading:
  max_quantity: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/td" {
		t.Errorf("DataDir = %q, want /tmp/td", cfg.Storage.DataDir)
	}
	if cfg.Storage.SQLitePath != "/tmp/td/tradedesk.db" {
		t.Errorf("SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if got := cfg.Server.Addr(); got != ":9090" {
		t.Errorf("Addr() = %q, want :9090", got)
	}
	if got := cfg.Server.GRPCAddr(); got != ":9091" {
		t.Errorf("GRPCAddr() = %q, want :9091", got)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("len(Accounts) = %d, want 2", len(cfg.Accounts))
	}
	if !cfg.Accounts[0].IsActive() || cfg.Accounts[1].IsActive() {
		t.Errorf("active flags = %v, %v", cfg.Accounts[0].IsActive(), cfg.Accounts[1].IsActive())
	}
	if cfg.Accounts[1].Broker != "simulator" {
		t.Errorf("default broker = %q, want simulator", cfg.Accounts[1].Broker)
	}
	if cfg.Credentials["main"].APIKey != "k1" {
		t.Errorf("credential main = %+v", cfg.Credentials["main"])
	}
	if cfg.Dispatch.Concurrency != 8 || cfg.Dispatch.AccountTimeout != 2*time.Second || cfg.Dispatch.Deadline != 15*time.Second {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Refresh.MarketInterval != time.Minute {
		t.Errorf("MarketInterval = %v, want 1m", cfg.Refresh.MarketInterval)
	}
	if cfg.Refresh.OffHoursInterval != 30*time.Minute {
		t.Errorf("OffHoursInterval = %v, want default 30m", cfg.Refresh.OffHoursInterval)
	}
	if cfg.Trading.MaxQuantity != 500 {
		t.Errorf("MaxQuantity = %d, want 500", cfg.Trading.MaxQuantity)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.GRPCAddr() != "" {
		t.Errorf("GRPCAddr() = %q, want empty", cfg.Server.GRPCAddr())
	}
	if cfg.Channel.URL != "ws://localhost:8080/ws" {
		t.Errorf("Channel.URL = %q", cfg.Channel.URL)
	}
	if cfg.Channel.MaxAttempts != 5 || cfg.Channel.BaseDelay != 3*time.Second {
		t.Errorf("Channel = %+v", cfg.Channel)
	}
	if cfg.Broadcast.QueueSize != 256 {
		t.Errorf("QueueSize = %d, want 256", cfg.Broadcast.QueueSize)
	}
	if cfg.Trading.Location().String() != "America/New_York" {
		t.Errorf("Location = %v", cfg.Trading.Location())
	}
	if len(cfg.Credentials) != 0 {
		t.Errorf("Credentials = %v, want none without an api key", cfg.Credentials)
	}
}

func TestLoadBadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: file-key
  api_secret: file-secret
server:
  port: 9000
`)
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	t.Setenv("ALPACA_API_SECRET", "env-secret")
	t.Setenv("TRADEDESK_PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATA_DIR", "/srv/data")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("APIKey = %q, want apca-key (APCA takes priority)", cfg.Alpaca.APIKey)
	}
	if cfg.Alpaca.APISecret != "env-secret" {
		t.Errorf("APISecret = %q, want env-secret", cfg.Alpaca.APISecret)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Storage.SQLitePath != "/srv/data/tradedesk.db" {
		t.Errorf("SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	def, ok := cfg.Credentials["default"]
	if !ok || def.APIKey != "apca-key" || def.APISecret != "env-secret" {
		t.Errorf("default credential = %+v (present %v)", def, ok)
	}
}

func TestDatabaseURLSelectsPostgres(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/td")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "duplicate account",
			body: "accounts:\n  - id: a\n  - id: a\n",
			want: "duplicate id a",
		},
		{
			name: "missing id",
			body: "accounts:\n  - name: nameless\n",
			want: "id is required",
		},
		{
			name: "unknown credential",
			body: "accounts:\n  - id: a\n    credential_ref: ghost\n",
			want: `unknown credential_ref "ghost"`,
		},
		{
			name: "postgres without dsn",
			body: "storage:\n  driver: postgres\n",
			want: "postgres_dsn is required",
		},
		{
			name: "unknown driver",
			body: "storage:\n  driver: mongo\n",
			want: `unknown storage.driver "mongo"`,
		},
		{
			name: "bad timezone",
			body: "trading:\n  timezone: Mars/Olympus\n",
			want: "trading.timezone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("TRADEDESK_CONFIG", "")
	if Path() != DefaultPath {
		t.Errorf("Path() = %q, want %q", Path(), DefaultPath)
	}
	t.Setenv("TRADEDESK_CONFIG", "/etc/td.yaml")
	if Path() != "/etc/td.yaml" {
		t.Errorf("Path() = %q", Path())
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TRADEDESK_DOTENV_TEST=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRADEDESK_DOTENV_TEST", "")
	os.Unsetenv("TRADEDESK_DOTENV_TEST")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TRADEDESK_DOTENV_TEST"); got != "from-file" {
		t.Errorf("TRADEDESK_DOTENV_TEST = %q, want from-file", got)
	}
}
