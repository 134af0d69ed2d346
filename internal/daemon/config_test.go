package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("TICKETCTL_HOME", "/srv/ticketctl")
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8000 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8000)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, BackendSQLite)
	}
	if cfg.Store.Dir != filepath.Join("/srv/ticketctl", "data") {
		t.Errorf("Store.Dir = %q", cfg.Store.Dir)
	}
	if cfg.Status.SuccessRate != 0.9 {
		t.Errorf("Status.SuccessRate = %v, want 0.9", cfg.Status.SuccessRate)
	}
	if !cfg.Intake.DedupeTransactionIDs {
		t.Error("Intake.DedupeTransactionIDs should be true by default")
	}
	if cfg.Notify.NATSURL != "" {
		t.Error("notifier should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TICKETCTL_HOME", dir)
	t.Setenv("TICKETCTL_API_PORT", "9100")

	path := filepath.Join(dir, "config.toml")
	body := `
[api]
port = 8080
rate_limit_rpm = 0

[store]
backend = "csv"
dir = "/var/lib/ticketctl"

[status]
success_rate = 0.5

[archive]
timezone = "Asia/Tbilisi"

[log]
format = "json"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want env override 9100", cfg.API.Port)
	}
	if cfg.API.RateLimitRPM != 0 {
		t.Errorf("API.RateLimitRPM = %d, want 0", cfg.API.RateLimitRPM)
	}
	if cfg.Store.Backend != BackendCSV || cfg.Store.Dir != "/var/lib/ticketctl" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Status.SuccessRate != 0.5 {
		t.Errorf("Status.SuccessRate = %v, want 0.5", cfg.Status.SuccessRate)
	}
	if cfg.Intake.RetryMax != "30s" {
		t.Errorf("Intake.RetryMax = %q, want default 30s kept", cfg.Intake.RetryMax)
	}
	loc, err := cfg.Archive.Location()
	if err != nil || loc.String() != "Asia/Tbilisi" {
		t.Errorf("Archive.Location() = %v, %v", loc, err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TICKETCTL_HOME", dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Port != 8000 {
		t.Errorf("API.Port = %d, want 8000", cfg.API.Port)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TICKETCTL_HOME", dir)
	// Register cleanup, then clear so godotenv may set it.
	t.Setenv("TICKETCTL_STORE_BACKEND", "")
	os.Unsetenv("TICKETCTL_STORE_BACKEND")

	if err := os.WriteFile(".env", []byte("TICKETCTL_STORE_BACKEND=csv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Backend != BackendCSV {
		t.Errorf("Store.Backend = %q, want csv from .env", cfg.Store.Backend)
	}
}

func TestLoad_BadEnvInteger(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TICKETCTL_HOME", dir)
	t.Setenv("TICKETCTL_API_PORT", "eighty")

	if _, err := Load(""); err == nil {
		t.Error("Load() should reject a non-integer port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }},
		{"postgres without url", func(c *Config) { c.Store.Backend = BackendPostgres }},
		{"empty dir", func(c *Config) { c.Store.Dir = "" }},
		{"port", func(c *Config) { c.API.Port = 70000 }},
		{"success rate", func(c *Config) { c.Status.SuccessRate = 1.5 }},
		{"duration", func(c *Config) { c.Intake.RetryMax = "soon" }},
		{"timezone", func(c *Config) { c.Archive.Timezone = "Mars/Olympus" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"", time.Second},      // Default
		{"bogus", time.Second}, // Default
		{"-1s", time.Second},   // Default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, time.Second)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetupLogging_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ticketctl.log")
	closer, err := SetupLogging(LogConfig{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("SetupLogging() error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	closer.Close()
	SetupLogging(LogConfig{Level: "info"})
}
